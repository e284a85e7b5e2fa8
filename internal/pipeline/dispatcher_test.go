package pipeline_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"courtside.app/coach/internal/model"
	"courtside.app/coach/internal/pipeline"
)

var _ = Describe("Dispatch", func() {
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

	submitWithVideo := func(pre *model.PreAnalysis) {
		_, err := f.orch.Submit(context.Background(), pipeline.Submission{
			ConversationID: convID,
			UserID:         userID,
			Prompt:         "Analyze my serve",
			VideoURL:       "https://cdn.example.com/serve.mp4",
			Pre:            pre,
		})
		Expect(err).NotTo(HaveOccurred())
		f.waitIdle(convID)
	}

	lastMessage := func() model.ConversationMessage {
		msgs := f.messages.all(convID)
		Expect(msgs).NotTo(BeEmpty())
		return msgs[len(msgs)-1]
	}

	Context("media without special eligibility", func() {
		It("streams directly without creating a task", func() {
			submitWithVideo(&model.PreAnalysis{Sport: "running"})

			Expect(f.tasks.count()).To(BeZero())
			Expect(lastMessage().Content).To(Equal("The serve looks solid overall."))
		})
	})

	Context("technique-eligible footage of a non-racket sport", func() {
		It("silently creates a technique task and streams", func() {
			submitWithVideo(&model.PreAnalysis{Sport: "skiing", TechniqueEligible: true})

			Expect(f.tasks.count()).To(Equal(1))
			enqueued := f.producer.messages()
			Expect(enqueued).To(HaveLen(1))
			Expect(enqueued[0].TaskType).To(Equal(model.TaskTypeTechnique))
			Expect(enqueued[0].Sport).To(Equal("skiing"))

			// No options message anywhere in the log.
			for _, msg := range f.messages.all(convID) {
				Expect(msg.Type).NotTo(Equal(model.MessageTypeAnalysisOptions))
			}
		})

		It("appends a detailed-view follow-up referencing the task", func() {
			submitWithVideo(&model.PreAnalysis{Sport: "skiing", TechniqueEligible: true})

			last := lastMessage()
			Expect(last.Content).To(ContainSubstring("detailed view"))
			Expect(last.TaskID).NotTo(BeNil())
		})
	})

	Context("pro-eligible footage", func() {
		It("halts with a terminal options message instead of streaming", func() {
			submitWithVideo(&model.PreAnalysis{Sport: "football", ProEligible: true})

			last := lastMessage()
			Expect(last.Type).To(Equal(model.MessageTypeAnalysisOptions))
			Expect(last.Streaming).To(BeFalse())
			Expect(last.Options).NotTo(BeNil())
			Expect(last.Options.Selected).To(Equal(model.OptionNone))
			Expect(last.Options.VideoURL).To(Equal("https://cdn.example.com/serve.mp4"))
			Expect(last.Options.Prompt).To(Equal("Analyze my serve"))
			Expect(last.Options.Choices).To(HaveLen(2))

			Expect(f.stream.requests()).To(BeEmpty())
			Expect(f.tasks.count()).To(BeZero())
		})
	})

	Context("technique-eligible footage of a racket sport", func() {
		It("presents the choice rather than auto-proceeding", func() {
			submitWithVideo(&model.PreAnalysis{Sport: "tennis", TechniqueEligible: true})

			Expect(lastMessage().Type).To(Equal(model.MessageTypeAnalysisOptions))
			Expect(f.tasks.count()).To(BeZero())
		})
	})

	Describe("Select", func() {
		var optionsID int64

		BeforeEach(func() {
			submitWithVideo(&model.PreAnalysis{Sport: "tennis", TechniqueEligible: true})
			optionsID = lastMessage().ID
		})

		It("rejects an unknown choice", func() {
			_, err := f.orch.Select(context.Background(), pipeline.Selection{
				ConversationID: convID, MessageID: optionsID, UserID: userID,
				Choice: model.OptionChoice("deluxe"),
			})
			Expect(err).To(MatchError(pipeline.ErrUnknownOption))
		})

		It("streams without a task when quick is chosen", func() {
			_, err := f.orch.Select(context.Background(), pipeline.Selection{
				ConversationID: convID, MessageID: optionsID, UserID: userID,
				Choice: model.OptionQuick,
			})
			Expect(err).NotTo(HaveOccurred())
			f.waitIdle(convID)

			Expect(f.tasks.count()).To(BeZero())
			Expect(f.messages.byID(optionsID).Options.Selected).To(Equal(model.OptionQuick))
			Expect(lastMessage().Content).To(Equal("The serve looks solid overall."))
		})

		It("creates a task and an informational message when pro is chosen", func() {
			_, err := f.orch.Select(context.Background(), pipeline.Selection{
				ConversationID: convID, MessageID: optionsID, UserID: userID,
				Choice: model.OptionPro,
			})
			Expect(err).NotTo(HaveOccurred())
			f.waitIdle(convID)

			Expect(f.tasks.count()).To(Equal(1))
			enqueued := f.producer.messages()
			Expect(enqueued).To(HaveLen(1))
			// Technique-eligible footage routes the pro path to technique.
			Expect(enqueued[0].TaskType).To(Equal(model.TaskTypeTechnique))

			msgs := f.messages.all(convID)
			var sawInfo bool
			for _, msg := range msgs {
				if msg.TaskID != nil && msg.Content == "Pro analysis started. The full report will appear in the detailed view when it is ready." {
					sawInfo = true
				}
			}
			Expect(sawInfo).To(BeTrue())

			last := msgs[len(msgs)-1]
			Expect(last.Content).To(ContainSubstring("detailed view"))
			Expect(last.TaskID).NotTo(BeNil())
		})

		It("refuses to resolve the same options message twice", func() {
			_, err := f.orch.Select(context.Background(), pipeline.Selection{
				ConversationID: convID, MessageID: optionsID, UserID: userID,
				Choice: model.OptionQuick,
			})
			Expect(err).NotTo(HaveOccurred())
			f.waitIdle(convID)

			_, err = f.orch.Select(context.Background(), pipeline.Selection{
				ConversationID: convID, MessageID: optionsID, UserID: userID,
				Choice: model.OptionPro,
			})
			Expect(err).To(MatchError(pipeline.ErrOptionResolved))
		})

		It("resets the options message when the video reference is gone", func() {
			// Simulate a lost reference on the stored options message.
			msg := f.messages.byID(optionsID)
			opts := *msg.Options
			opts.VideoURL = ""
			Expect(f.messages.Update(context.Background(), optionsID, model.MessageUpdate{Options: &opts})).To(Succeed())

			_, err := f.orch.Select(context.Background(), pipeline.Selection{
				ConversationID: convID, MessageID: optionsID, UserID: userID,
				Choice: model.OptionPro,
			})
			Expect(err).NotTo(HaveOccurred())
			f.waitIdle(convID)

			// No task without a video, options back to unselected, and the
			// answer streamed anyway.
			Expect(f.tasks.count()).To(BeZero())
			Expect(f.messages.byID(optionsID).Options.Selected).To(Equal(model.OptionNone))
			Expect(lastMessage().Content).To(Equal("The serve looks solid overall."))
		})
	})
})
