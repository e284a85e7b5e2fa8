// Package pipeline turns one user submission into persisted conversation
// messages, an uploaded media asset, a dispatched analysis, and a streamed
// result. At most one run is in flight per conversation; the persisted log
// is the single source of truth for history and is re-read at run start.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"courtside.app/coach/common/llm"
	"courtside.app/coach/common/logger"
	"courtside.app/coach/core/config"
	"courtside.app/coach/internal/media"
	"courtside.app/coach/internal/model"
	"courtside.app/coach/internal/queue"
	"courtside.app/coach/internal/store"
)

var (
	// ErrEmptySubmission rejects submissions with neither prompt nor media.
	// Treated as a silent no-op by callers: no message is created.
	ErrEmptySubmission = errors.New("empty submission")

	// ErrRunActive rejects a new run while one is in flight for the
	// conversation. Retry and selection share the same lock.
	ErrRunActive = errors.New("a run is already active for this conversation")

	ErrUnknownOption  = errors.New("unknown analysis option")
	ErrOptionResolved = errors.New("analysis option already selected")
)

// MediaStore uploads submission media and resolves its durable reference.
type MediaStore interface {
	Store(ctx context.Context, name, contentType string, body io.Reader, size int64, needsConversion bool, onProgress media.ProgressFunc) (*media.Reference, error)
}

// Titler triggers the conversation-title side pipeline. Implementations
// dedupe in-flight generations themselves.
type Titler interface {
	Generate(conversationID int64, prompt string)
}

type Deps struct {
	Messages      store.MessageStore
	Conversations store.ConversationStore
	Tasks         store.TaskStore
	Producer      queue.Producer
	Progress      ProgressPublisher
	Sessions      SessionSource
	Media         MediaStore
	Stream        llm.StreamClient
	Titles        Titler
	NewID         func() int64
}

// Orchestrator owns the per-conversation run registry and coordinates every
// pipeline stage. The registry and the cancellation tokens inside it are the
// only cross-stage shared mutable state; both are written on run start and
// cleared in a deferred block regardless of outcome.
type Orchestrator struct {
	messages      store.MessageStore
	conversations store.ConversationStore
	tasks         store.TaskStore
	producer      queue.Producer
	progress      ProgressPublisher
	sessions      SessionSource
	media         MediaStore
	stream        llm.StreamClient
	titles        Titler
	newID         func() int64
	cfg           config.PipelineConfig
	graph         OptionGraph

	mu   sync.Mutex
	runs map[int64]*run
}

func New(deps Deps, cfg config.PipelineConfig) (*Orchestrator, error) {
	graph := DefaultAnalysisGraph()
	if err := graph.Validate(cfg.MaxOptionDepth); err != nil {
		return nil, fmt.Errorf("option graph: %w", err)
	}

	return &Orchestrator{
		messages:      deps.Messages,
		conversations: deps.Conversations,
		tasks:         deps.Tasks,
		producer:      deps.Producer,
		progress:      deps.Progress,
		sessions:      deps.Sessions,
		media:         deps.Media,
		stream:        deps.Stream,
		titles:        deps.Titles,
		newID:         deps.NewID,
		cfg:           cfg,
		graph:         graph,
		runs:          make(map[int64]*run),
	}, nil
}

// run is the mutable state of one pipeline execution.
type run struct {
	token          *Token
	conversationID int64
	userID         int64
	sessionID      string
	prompt         string
	settings       model.AnalysisSettings
	pre            *model.PreAnalysis

	videoURL         string
	videoBody        io.Reader
	videoName        string
	videoContentType string
	videoSize        int64
	needsConversion  bool

	history        []model.ConversationMessage
	placeholderID  int64
	mediaMessageID *int64
	task           *model.Task
	visionContext  string

	fromSelection    bool
	choice           model.OptionChoice
	optionsMessageID int64
	isRetry          bool
}

// Submission is one user request: prompt text plus optional media, either as
// raw bytes to upload or an already-remote URL.
type Submission struct {
	ConversationID int64
	UserID         int64
	SessionID      string
	Prompt         string
	Settings       model.AnalysisSettings

	VideoURL         string
	VideoBody        io.Reader
	VideoName        string
	VideoContentType string
	VideoSize        int64
	NeedsConversion  bool

	Pre *model.PreAnalysis
}

// Submit validates and accepts a submission, appends the user and
// placeholder messages synchronously, and executes the rest of the pipeline
// asynchronously. Returns the placeholder assistant message id.
//
// Append order is fixed: user text, then user media, then placeholder, then
// the progress stage change, so observers never see a stage change without a
// corresponding placeholder.
func (o *Orchestrator) Submit(ctx context.Context, sub Submission) (int64, error) {
	prompt := strings.TrimSpace(sub.Prompt)
	hasVideo := sub.VideoBody != nil || sub.VideoURL != ""
	if prompt == "" && !hasVideo {
		return 0, ErrEmptySubmission
	}

	r := &run{
		conversationID:   sub.ConversationID,
		userID:           sub.UserID,
		sessionID:        sub.SessionID,
		prompt:           prompt,
		settings:         sub.Settings,
		pre:              sub.Pre,
		videoURL:         sub.VideoURL,
		videoBody:        sub.VideoBody,
		videoName:        sub.VideoName,
		videoContentType: sub.VideoContentType,
		videoSize:        sub.VideoSize,
		needsConversion:  sub.NeedsConversion,
	}

	if err := o.begin(r); err != nil {
		return 0, err
	}

	if sub.SessionID != "" {
		if err := o.sessions.Activate(ctx, sub.UserID, sub.SessionID); err != nil {
			slog.WarnContext(ctx, "failed to claim active session", "error", err)
		}
	}

	history, err := o.messages.ListByConversation(ctx, sub.ConversationID, int32(o.cfg.HistoryLimit))
	if err != nil {
		o.finish(sub.ConversationID)
		return 0, fmt.Errorf("load history: %w", err)
	}
	r.history = history

	if prompt != "" {
		msg := &model.ConversationMessage{
			ID:             o.newID(),
			ConversationID: sub.ConversationID,
			Role:           model.RoleUser,
			Type:           model.MessageTypePlain,
			Content:        prompt,
		}
		if err := o.messages.Append(ctx, msg); err != nil {
			o.finish(sub.ConversationID)
			return 0, fmt.Errorf("append user message: %w", err)
		}
	}

	if hasVideo {
		var videoURL *string
		if sub.VideoURL != "" {
			videoURL = &sub.VideoURL
		}
		msg := &model.ConversationMessage{
			ID:             o.newID(),
			ConversationID: sub.ConversationID,
			Role:           model.RoleUser,
			Type:           model.MessageTypePlain,
			VideoURL:       videoURL,
		}
		if err := o.messages.Append(ctx, msg); err != nil {
			o.finish(sub.ConversationID)
			return 0, fmt.Errorf("append media message: %w", err)
		}
		r.mediaMessageID = &msg.ID
	}

	placeholder := &model.ConversationMessage{
		ID:             o.newID(),
		ConversationID: sub.ConversationID,
		Role:           model.RoleAssistant,
		Type:           model.MessageTypePlain,
		Streaming:      true,
	}
	if err := o.messages.Append(ctx, placeholder); err != nil {
		o.finish(sub.ConversationID)
		return 0, fmt.Errorf("append placeholder: %w", err)
	}
	r.placeholderID = placeholder.ID

	stage := model.StageProcessing
	if sub.VideoBody != nil {
		stage = model.StageUploading
	}
	o.publishStage(ctx, sub.ConversationID, stage)

	go o.execute(r)
	return r.placeholderID, nil
}

// Selection resumes a halted pipeline from an analysis_options message.
type Selection struct {
	ConversationID int64
	MessageID      int64
	UserID         int64
	SessionID      string
	Choice         model.OptionChoice
	Settings       model.AnalysisSettings
}

// Select records the user's quick-vs-pro choice and re-enters the pipeline
// at the dispatch stage. The choice is terminal: a resolved options message
// cannot be selected again.
func (o *Orchestrator) Select(ctx context.Context, sel Selection) (int64, error) {
	if _, ok := o.graph.Nodes[string(sel.Choice)]; !ok {
		return 0, ErrUnknownOption
	}

	msg, err := o.messages.GetByID(ctx, sel.MessageID)
	if err != nil {
		return 0, err
	}
	if msg.ConversationID != sel.ConversationID || msg.Type != model.MessageTypeAnalysisOptions || msg.Options == nil {
		return 0, fmt.Errorf("message %d is not an options message", sel.MessageID)
	}
	if msg.Options.Selected != model.OptionNone {
		return 0, ErrOptionResolved
	}

	opts := *msg.Options
	opts.Selected = sel.Choice

	r := &run{
		conversationID:   sel.ConversationID,
		userID:           sel.UserID,
		sessionID:        sel.SessionID,
		prompt:           opts.Prompt,
		settings:         sel.Settings,
		pre:              &opts.Pre,
		videoURL:         opts.VideoURL,
		fromSelection:    true,
		choice:           sel.Choice,
		optionsMessageID: msg.ID,
	}

	if err := o.begin(r); err != nil {
		return 0, err
	}

	if err := o.messages.Update(ctx, msg.ID, model.MessageUpdate{Options: &opts}); err != nil {
		o.finish(sel.ConversationID)
		return 0, fmt.Errorf("record selection: %w", err)
	}

	all, err := o.messages.ListByConversation(ctx, sel.ConversationID, int32(o.cfg.HistoryLimit))
	if err != nil {
		o.finish(sel.ConversationID)
		return 0, fmt.Errorf("load history: %w", err)
	}
	if idx := indexOf(all, msg.ID); idx >= 0 {
		r.history, _ = splitBeforeTurn(all, idx)
	}

	placeholder := &model.ConversationMessage{
		ID:             o.newID(),
		ConversationID: sel.ConversationID,
		Role:           model.RoleAssistant,
		Type:           model.MessageTypePlain,
		Streaming:      true,
	}
	if err := o.messages.Append(ctx, placeholder); err != nil {
		o.finish(sel.ConversationID)
		return 0, fmt.Errorf("append placeholder: %w", err)
	}
	r.placeholderID = placeholder.ID

	o.publishStage(ctx, sel.ConversationID, model.StageProcessing)

	go o.execute(r)
	return r.placeholderID, nil
}

// Stop cancels the active run for a conversation, if any. The streaming
// stage decides what survives: partial content gets a stopped marker, an
// empty placeholder is removed.
func (o *Orchestrator) Stop(conversationID int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[conversationID]
	if !ok {
		return false
	}
	r.token.Cancel()
	return true
}

// Active reports whether a run is in flight for the conversation.
func (o *Orchestrator) Active(conversationID int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.runs[conversationID]
	return ok
}

// begin registers the run and issues its cancellation token. The token's
// parent is the background context: runs outlive the HTTP request that
// started them.
func (o *Orchestrator) begin(r *run) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, active := o.runs[r.conversationID]; active {
		return ErrRunActive
	}
	r.token = NewToken(context.Background())
	o.runs[r.conversationID] = r
	return nil
}

func (o *Orchestrator) finish(conversationID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.runs, conversationID)
}

// execute drives the asynchronous stages of a run. Cleanup is deferred so
// the run slot and progress stage are released on every path.
func (o *Orchestrator) execute(r *run) {
	ctx := logger.WithLogFields(r.token.Context(), logger.LogFields{
		ConversationID: &r.conversationID,
		MessageID:      &r.placeholderID,
		UserID:         &r.userID,
		Component:      "coach.pipeline",
	})

	defer o.finish(r.conversationID)
	defer o.publishStage(context.WithoutCancel(ctx), r.conversationID, model.StageIdle)

	if err := o.resolveMedia(ctx, r); err != nil {
		o.handleRunError(ctx, r, err)
		return
	}

	if err := o.dispatch(ctx, r); err != nil {
		o.handleRunError(ctx, r, err)
	}
}

func (o *Orchestrator) handleRunError(ctx context.Context, r *run, err error) {
	switch {
	case errors.Is(err, ErrStaleSession):
		// Session switched mid-run: drain quietly, never surface an error.
		slog.DebugContext(ctx, "run superseded by newer session, discarding writes")
	case IsCancellation(err) || r.token.Cancelled():
		o.rollbackCancelled(ctx, r)
	default:
		o.failRun(ctx, r, err)
	}
}

// rollbackCancelled handles cancellation before any streamed content exists:
// the placeholder disappears, and a media message without a resolved
// reference disappears with it.
func (o *Orchestrator) rollbackCancelled(ctx context.Context, r *run) {
	ctx = context.WithoutCancel(ctx)
	slog.InfoContext(ctx, "run cancelled before streaming")

	if err := o.checkSession(ctx, r.userID, r.sessionID); err != nil {
		return
	}
	_ = o.messages.Remove(ctx, r.placeholderID)
	if r.mediaMessageID != nil && r.videoURL == "" {
		_ = o.messages.Remove(ctx, *r.mediaMessageID)
	}
}

// failRun rolls back a non-abort failure: the placeholder and any media
// message created by this run are removed and a user-visible error is
// published. Retry runs never delete history; the target is marked
// incomplete instead.
func (o *Orchestrator) failRun(ctx context.Context, r *run, runErr error) {
	ctx = context.WithoutCancel(ctx)
	slog.ErrorContext(ctx, "pipeline run failed", "error", runErr)

	if err := o.checkSession(ctx, r.userID, r.sessionID); err != nil {
		return
	}

	if r.isRetry {
		_ = o.messages.Update(ctx, r.placeholderID, model.MessageUpdate{
			Content:    ptr(""),
			Streaming:  ptr(false),
			Incomplete: ptr(true),
		})
	} else {
		_ = o.messages.Remove(ctx, r.placeholderID)
		if r.mediaMessageID != nil {
			_ = o.messages.Remove(ctx, *r.mediaMessageID)
		}
	}

	_ = o.progress.Publish(ctx, r.conversationID, ProgressEvent{
		Stage: model.StageIdle,
		Error: "Analysis failed. Please try again.",
	})
}

// resolveMedia uploads submission bytes and writes the final reference back
// onto the media message so the rendered conversation reflects the remote
// location once known.
func (o *Orchestrator) resolveMedia(ctx context.Context, r *run) error {
	if r.videoBody == nil {
		return nil
	}

	ref, err := o.media.Store(ctx, r.videoName, r.videoContentType, r.videoBody, r.videoSize, r.needsConversion, func(pct float64) {
		_ = o.progress.Publish(ctx, r.conversationID, ProgressEvent{
			Stage:   model.StageUploading,
			Percent: pct,
		})
	})
	if err != nil {
		return err
	}

	r.videoURL = ref.URL
	if r.mediaMessageID != nil {
		if err := o.updateMessage(ctx, r, *r.mediaMessageID, model.MessageUpdate{VideoURL: &ref.URL}); err != nil {
			return err
		}
	}

	o.publishStage(ctx, r.conversationID, model.StageProcessing)
	return nil
}

// updateMessage applies a guarded write: if the user's active session has
// moved on, the write is dropped and ErrStaleSession propagates so the run
// drains quietly.
func (o *Orchestrator) updateMessage(ctx context.Context, r *run, id int64, update model.MessageUpdate) error {
	if err := o.checkSession(ctx, r.userID, r.sessionID); err != nil {
		return err
	}
	return o.messages.Update(ctx, id, update)
}

func indexOf(msgs []model.ConversationMessage, id int64) int {
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}

// splitBeforeTurn returns the history strictly before the contiguous run of
// non-assistant messages immediately preceding msgs[idx], plus that run
// itself. The turn holds the user messages that originated msgs[idx].
func splitBeforeTurn(msgs []model.ConversationMessage, idx int) (history, turn []model.ConversationMessage) {
	j := idx
	for j > 0 && msgs[j-1].Role != model.RoleAssistant {
		j--
	}
	return msgs[:j], msgs[j:idx]
}

func ptr[T any](v T) *T {
	return &v
}
