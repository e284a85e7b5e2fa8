package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"courtside.app/coach/common/llm"
	"courtside.app/coach/internal/model"
	"courtside.app/coach/internal/pipeline"
)

var _ = Describe("Streaming", func() {
	var (
		f      *fixture
		convID int64
		userID int64
	)

	BeforeEach(func() {
		f = newFixture()
		convID = nextID()
		userID = nextID()
	})

	submit := func() int64 {
		placeholderID, err := f.orch.Submit(context.Background(), pipeline.Submission{
			ConversationID: convID,
			UserID:         userID,
			SessionID:      "sess-1",
			Prompt:         "Analyze my serve",
		})
		Expect(err).NotTo(HaveOccurred())
		return placeholderID
	}

	It("republishes accumulated content on every chunk", func() {
		f.stream.fn = func(_ context.Context, _ llm.StreamRequest) (<-chan llm.StreamEvent, error) {
			return emitEvents("First ", "second ", "third."), nil
		}

		placeholderID := submit()
		f.waitIdle(convID)

		msg := f.messages.byID(placeholderID)
		Expect(msg.Content).To(Equal("First second third."))
		Expect(msg.Streaming).To(BeFalse())
	})

	It("extracts result tags and strips them from the visible text", func() {
		f.stream.fn = func(_ context.Context, _ llm.StreamRequest) (<-chan llm.StreamEvent, error) {
			return emitEvents(
				"Your serve peaked at high speed.",
				"[RESULT:serve_speed]182 km/h[/RESULT]",
				"[[SECTION:summary]] Keep the toss higher.",
			), nil
		}

		placeholderID := submit()
		f.waitIdle(convID)

		msg := f.messages.byID(placeholderID)
		Expect(msg.Content).NotTo(ContainSubstring("[RESULT"))
		Expect(msg.Content).NotTo(ContainSubstring("[[SECTION"))
		Expect(msg.Content).To(ContainSubstring("Keep the toss higher."))
		Expect(msg.ResultTags).To(HaveKeyWithValue("serve_speed", "182 km/h"))
	})

	It("includes prior history and the prompt in the stream request", func() {
		Expect(f.messages.Append(context.Background(), &model.ConversationMessage{
			ID: nextID(), ConversationID: convID, Role: model.RoleUser, Content: "earlier question",
		})).To(Succeed())
		Expect(f.messages.Append(context.Background(), &model.ConversationMessage{
			ID: nextID(), ConversationID: convID, Role: model.RoleAssistant, Content: "earlier answer",
		})).To(Succeed())

		submit()
		f.waitIdle(convID)

		reqs := f.stream.requests()
		Expect(reqs).To(HaveLen(1))
		Expect(reqs[0].Messages).To(HaveLen(3))
		Expect(reqs[0].Messages[0].Content).To(Equal("earlier question"))
		Expect(reqs[0].Messages[1].Content).To(Equal("earlier answer"))
		Expect(reqs[0].Messages[2].Content).To(Equal("Analyze my serve"))
	})

	It("windows long histories to the newest turns", func() {
		for i := 1; i <= 25; i++ {
			Expect(f.messages.Append(context.Background(), &model.ConversationMessage{
				ID: nextID(), ConversationID: convID, Role: model.RoleUser, Content: fmt.Sprintf("question %d", i),
			})).To(Succeed())
			Expect(f.messages.Append(context.Background(), &model.ConversationMessage{
				ID: nextID(), ConversationID: convID, Role: model.RoleAssistant, Content: fmt.Sprintf("answer %d", i),
			})).To(Succeed())
		}

		submit()
		f.waitIdle(convID)

		reqs := f.stream.requests()
		Expect(reqs).To(HaveLen(1))
		msgs := reqs[0].Messages
		Expect(msgs).To(HaveLen(41))
		Expect(msgs[0].Content).To(Equal("question 6"))
		Expect(msgs[len(msgs)-1].Content).To(Equal("Analyze my serve"))
	})

	Describe("cancellation", func() {
		It("keeps partial content with a stopped marker", func() {
			firstChunk := make(chan struct{})
			f.stream.fn = func(ctx context.Context, _ llm.StreamRequest) (<-chan llm.StreamEvent, error) {
				ch := make(chan llm.StreamEvent)
				go func() {
					defer close(ch)
					ch <- llm.StreamEvent{TextDelta: "Partial thoughts"}
					close(firstChunk)
					<-ctx.Done()
					ch <- llm.StreamEvent{Err: ctx.Err()}
				}()
				return ch, nil
			}

			placeholderID := submit()
			<-firstChunk
			Eventually(func() string {
				return f.messages.byID(placeholderID).Content
			}).Should(Equal("Partial thoughts"))

			Expect(f.orch.Stop(convID)).To(BeTrue())
			f.waitIdle(convID)

			msg := f.messages.byID(placeholderID)
			Expect(msg).NotTo(BeNil())
			Expect(msg.Content).To(Equal("Partial thoughts\n\n_Stopped by user._"))
			Expect(msg.Streaming).To(BeFalse())
		})

		It("keeps persisted content when a write fails on the cancelled context", func() {
			f.messages.updateHook = func(ctx context.Context) error { return ctx.Err() }

			stopped := make(chan struct{})
			f.stream.fn = func(_ context.Context, _ llm.StreamRequest) (<-chan llm.StreamEvent, error) {
				ch := make(chan llm.StreamEvent)
				go func() {
					defer close(ch)
					ch <- llm.StreamEvent{TextDelta: "Your toss is solid. "}
					<-stopped
					ch <- llm.StreamEvent{TextDelta: "Your grip"}
				}()
				return ch, nil
			}

			placeholderID := submit()
			Eventually(func() string {
				msg := f.messages.byID(placeholderID)
				if msg == nil {
					return ""
				}
				return msg.Content
			}).Should(Equal("Your toss is solid."))

			Expect(f.orch.Stop(convID)).To(BeTrue())
			close(stopped)
			f.waitIdle(convID)

			msg := f.messages.byID(placeholderID)
			Expect(msg).NotTo(BeNil())
			Expect(msg.Content).To(Equal("Your toss is solid.\n\n_Stopped by user._"))
			Expect(msg.Streaming).To(BeFalse())
			Expect(f.progress.errorEvents()).To(BeEmpty())
		})

		It("removes the placeholder when no content was produced", func() {
			started := make(chan struct{})
			f.stream.fn = func(ctx context.Context, _ llm.StreamRequest) (<-chan llm.StreamEvent, error) {
				ch := make(chan llm.StreamEvent)
				go func() {
					defer close(ch)
					close(started)
					<-ctx.Done()
					ch <- llm.StreamEvent{Err: ctx.Err()}
				}()
				return ch, nil
			}

			placeholderID := submit()
			<-started
			Expect(f.orch.Stop(convID)).To(BeTrue())
			f.waitIdle(convID)

			Expect(f.messages.byID(placeholderID)).To(BeNil())
			Expect(f.progress.errorEvents()).To(BeEmpty())
		})
	})

	Describe("failure", func() {
		It("rolls back the placeholder and surfaces a user-visible error", func() {
			f.stream.fn = func(_ context.Context, _ llm.StreamRequest) (<-chan llm.StreamEvent, error) {
				ch := make(chan llm.StreamEvent, 1)
				ch <- llm.StreamEvent{Err: errors.New("upstream exploded")}
				close(ch)
				return ch, nil
			}

			placeholderID := submit()
			f.waitIdle(convID)

			Expect(f.messages.byID(placeholderID)).To(BeNil())
			Expect(f.progress.errorEvents()).To(HaveLen(1))
		})

		It("also removes the media message created by the failed run", func() {
			f.stream.fn = func(_ context.Context, _ llm.StreamRequest) (<-chan llm.StreamEvent, error) {
				ch := make(chan llm.StreamEvent, 1)
				ch <- llm.StreamEvent{Err: errors.New("upstream exploded")}
				close(ch)
				return ch, nil
			}

			_, err := f.orch.Submit(context.Background(), pipeline.Submission{
				ConversationID: convID,
				UserID:         userID,
				Prompt:         "go",
				VideoBody:      strings.NewReader("bytes"),
				VideoName:      "clip.mp4",
				VideoSize:      5,
			})
			Expect(err).NotTo(HaveOccurred())
			f.waitIdle(convID)

			Expect(f.messages.all(convID)).To(BeEmpty())
		})
	})

	Describe("stale session", func() {
		It("silently drops writes once another session takes over", func() {
			gate := make(chan struct{})
			f.stream.fn = func(_ context.Context, _ llm.StreamRequest) (<-chan llm.StreamEvent, error) {
				ch := make(chan llm.StreamEvent)
				go func() {
					defer close(ch)
					ch <- llm.StreamEvent{TextDelta: "Visible "}
					<-gate
					ch <- llm.StreamEvent{TextDelta: "dropped"}
					ch <- llm.StreamEvent{Done: true}
				}()
				return ch, nil
			}

			placeholderID := submit()
			Eventually(func() string {
				return f.messages.byID(placeholderID).Content
			}).Should(Equal("Visible"))

			Expect(f.sessions.Activate(context.Background(), userID, "sess-2")).To(Succeed())
			close(gate)
			f.waitIdle(convID)

			msg := f.messages.byID(placeholderID)
			Expect(msg.Content).To(Equal("Visible"))
			Expect(msg.Streaming).To(BeTrue())
			Expect(f.progress.errorEvents()).To(BeEmpty())
		})

		It("keeps draining the stream after the takeover so the sender can finish", func() {
			gate := make(chan struct{})
			senderDone := make(chan struct{})
			f.stream.fn = func(_ context.Context, _ llm.StreamRequest) (<-chan llm.StreamEvent, error) {
				ch := make(chan llm.StreamEvent)
				go func() {
					defer close(ch)
					defer close(senderDone)
					ch <- llm.StreamEvent{TextDelta: "Visible "}
					<-gate
					// Unbuffered sends: these only complete if the consumer
					// keeps receiving after it started discarding writes.
					for i := 0; i < 64; i++ {
						ch <- llm.StreamEvent{TextDelta: "dropped "}
					}
					ch <- llm.StreamEvent{Done: true}
				}()
				return ch, nil
			}

			placeholderID := submit()
			Eventually(func() string {
				return f.messages.byID(placeholderID).Content
			}).Should(Equal("Visible"))

			Expect(f.sessions.Activate(context.Background(), userID, "sess-2")).To(Succeed())
			close(gate)

			Eventually(senderDone).Should(BeClosed())
			f.waitIdle(convID)
			Expect(f.messages.byID(placeholderID).Content).To(Equal("Visible"))
		})
	})
})
