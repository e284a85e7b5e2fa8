package queue

import (
	"github.com/redis/go-redis/v9"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"courtside.app/coach/internal/model"
)

var _ = Describe("ParseMessage", func() {
	valid := func() redis.XMessage {
		return redis.XMessage{
			ID: "1693000000000-0",
			Values: map[string]any{
				"task_id":         "42",
				"conversation_id": "7",
				"task_type":       "technique",
				"video_url":       "https://cdn.example.com/clip.mp4",
				"sport":           "tennis",
				"attempt":         "2",
				"trace_id":        "abc123",
			},
		}
	}

	It("parses a fully populated message", func() {
		msg, err := ParseMessage(valid())
		Expect(err).NotTo(HaveOccurred())

		Expect(msg.ID).To(Equal("1693000000000-0"))
		Expect(msg.TaskID).To(Equal(int64(42)))
		Expect(msg.ConversationID).To(Equal(int64(7)))
		Expect(msg.TaskType).To(Equal(model.TaskTypeTechnique))
		Expect(msg.VideoURL).To(Equal("https://cdn.example.com/clip.mp4"))
		Expect(msg.Sport).To(Equal("tennis"))
		Expect(msg.Attempt).To(Equal(2))
		Expect(msg.TraceID).To(Equal("abc123"))
	})

	It("defaults a missing attempt to 1", func() {
		raw := valid()
		delete(raw.Values, "attempt")

		msg, err := ParseMessage(raw)
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Attempt).To(Equal(1))
	})

	It("tolerates missing optional fields", func() {
		raw := valid()
		delete(raw.Values, "video_url")
		delete(raw.Values, "sport")
		delete(raw.Values, "trace_id")

		msg, err := ParseMessage(raw)
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.VideoURL).To(BeEmpty())
		Expect(msg.Sport).To(BeEmpty())
		Expect(msg.TraceID).To(BeEmpty())
	})

	It("rejects a missing task_id", func() {
		raw := valid()
		delete(raw.Values, "task_id")

		_, err := ParseMessage(raw)
		Expect(err).To(MatchError(ContainSubstring("task_id")))
	})

	It("rejects a missing conversation_id", func() {
		raw := valid()
		delete(raw.Values, "conversation_id")

		_, err := ParseMessage(raw)
		Expect(err).To(MatchError(ContainSubstring("conversation_id")))
	})

	It("rejects an unknown task type", func() {
		raw := valid()
		raw.Values["task_type"] = "palmistry"

		_, err := ParseMessage(raw)
		Expect(err).To(MatchError(ContainSubstring("unknown task_type")))
	})

	It("rejects a non-numeric task_id", func() {
		raw := valid()
		raw.Values["task_id"] = "forty-two"

		_, err := ParseMessage(raw)
		Expect(err).To(MatchError(ContainSubstring("parsing task_id")))
	})

	It("round-trips through requeue values", func() {
		msg, err := ParseMessage(valid())
		Expect(err).NotTo(HaveOccurred())

		reparsed, err := ParseMessage(redis.XMessage{
			ID:     "1693000000001-0",
			Values: messageValues(msg, msg.Attempt+1),
		})
		Expect(err).NotTo(HaveOccurred())

		Expect(reparsed.TaskID).To(Equal(msg.TaskID))
		Expect(reparsed.ConversationID).To(Equal(msg.ConversationID))
		Expect(reparsed.TaskType).To(Equal(msg.TaskType))
		Expect(reparsed.VideoURL).To(Equal(msg.VideoURL))
		Expect(reparsed.Sport).To(Equal(msg.Sport))
		Expect(reparsed.TraceID).To(Equal(msg.TraceID))
		Expect(reparsed.Attempt).To(Equal(msg.Attempt + 1))
	})
})

var _ = Describe("Keys", func() {
	It("namespaces the progress channel by conversation", func() {
		Expect(ProgressChannel(42)).To(Equal("progress:conversation-42"))
	})

	It("namespaces the active session key by user", func() {
		Expect(ActiveSessionKey(7)).To(Equal("active-session:user-7"))
	})
})
