package pipeline_test

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"courtside.app/coach/common/llm"
	"courtside.app/coach/internal/media"
	"courtside.app/coach/internal/model"
	"courtside.app/coach/internal/pipeline"
	"courtside.app/coach/internal/queue"
	"courtside.app/coach/internal/store"
)

var idCounter atomic.Int64

func nextID() int64 {
	return idCounter.Add(1)
}

// memMessages is an in-memory conversation log that preserves append order
// and mirrors the store contract: a positive limit returns the newest window,
// zero returns everything. updateHook, when set, runs before every Update.
type memMessages struct {
	mu         sync.Mutex
	msgs       []*model.ConversationMessage
	removed    []int64
	updateHook func(ctx context.Context) error
}

func (m *memMessages) GetByID(_ context.Context, id int64) (*model.ConversationMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.msgs {
		if msg.ID == id {
			cp := *msg
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memMessages) ListByConversation(_ context.Context, conversationID int64, limit int32) ([]model.ConversationMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ConversationMessage
	for _, msg := range m.msgs {
		if msg.ConversationID == conversationID {
			out = append(out, *msg)
		}
	}
	if limit > 0 && len(out) > int(limit) {
		out = out[len(out)-int(limit):]
	}
	return out, nil
}

func (m *memMessages) Append(_ context.Context, msg *model.ConversationMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.CreatedAt = time.Now()
	cp := *msg
	m.msgs = append(m.msgs, &cp)
	return nil
}

func (m *memMessages) Update(ctx context.Context, id int64, update model.MessageUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateHook != nil {
		if err := m.updateHook(ctx); err != nil {
			return err
		}
	}
	for _, msg := range m.msgs {
		if msg.ID != id {
			continue
		}
		if update.Content != nil {
			msg.Content = *update.Content
		}
		if update.Streaming != nil {
			msg.Streaming = *update.Streaming
		}
		if update.Incomplete != nil {
			msg.Incomplete = *update.Incomplete
		}
		if update.Type != nil {
			msg.Type = *update.Type
		}
		if update.VideoURL != nil {
			msg.VideoURL = update.VideoURL
		}
		if update.Options != nil {
			opts := *update.Options
			msg.Options = &opts
		}
		if update.ResultTags != nil {
			msg.ResultTags = update.ResultTags
		}
		if update.TaskID != nil {
			msg.TaskID = update.TaskID
		}
		return nil
	}
	return store.ErrNotFound
}

func (m *memMessages) Remove(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, msg := range m.msgs {
		if msg.ID == id {
			m.msgs = append(m.msgs[:i], m.msgs[i+1:]...)
			m.removed = append(m.removed, id)
			return nil
		}
	}
	return nil
}

func (m *memMessages) all(conversationID int64) []model.ConversationMessage {
	out, _ := m.ListByConversation(context.Background(), conversationID, 0)
	return out
}

func (m *memMessages) byID(id int64) *model.ConversationMessage {
	msg, err := m.GetByID(context.Background(), id)
	if err != nil {
		return nil
	}
	return msg
}

type memConversations struct {
	mu    sync.Mutex
	convs map[int64]*model.Conversation
}

func newMemConversations() *memConversations {
	return &memConversations{convs: make(map[int64]*model.Conversation)}
}

func (m *memConversations) GetByID(_ context.Context, id int64) (*model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.convs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *conv
	return &cp, nil
}

func (m *memConversations) Create(_ context.Context, conv *model.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *conv
	m.convs[conv.ID] = &cp
	return nil
}

func (m *memConversations) UpdateTitle(_ context.Context, id int64, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.convs[id]
	if !ok {
		return store.ErrNotFound
	}
	conv.Title = title
	return nil
}

func (m *memConversations) ListByUser(_ context.Context, userID int64) ([]model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Conversation
	for _, conv := range m.convs {
		if conv.UserID == userID {
			out = append(out, *conv)
		}
	}
	return out, nil
}

type memTasks struct {
	mu    sync.Mutex
	tasks map[int64]*model.Task
}

func newMemTasks() *memTasks {
	return &memTasks{tasks: make(map[int64]*model.Task)}
}

func (m *memTasks) GetByID(_ context.Context, id int64) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *task
	return &cp, nil
}

func (m *memTasks) Create(_ context.Context, task *model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task.CreatedAt = time.Now()
	cp := *task
	m.tasks[task.ID] = &cp
	return nil
}

func (m *memTasks) Claim(_ context.Context, id int64) (bool, *model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok || task.Status != model.TaskStatusCreated {
		return false, nil, nil
	}
	task.Status = model.TaskStatusProcessing
	task.Attempt++
	cp := *task
	return true, &cp, nil
}

func (m *memTasks) Release(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task, ok := m.tasks[id]; ok && task.Status == model.TaskStatusProcessing {
		task.Status = model.TaskStatusCreated
	}
	return nil
}

func (m *memTasks) Complete(_ context.Context, id int64, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	task.Status = model.TaskStatusCompleted
	task.Result = result
	return nil
}

func (m *memTasks) Fail(_ context.Context, id int64, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	task.Status = model.TaskStatusFailed
	task.Error = &errMsg
	return nil
}

func (m *memTasks) ListByConversation(_ context.Context, conversationID int64, _ int32) ([]model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Task
	for _, task := range m.tasks {
		if task.ConversationID == conversationID {
			out = append(out, *task)
		}
	}
	return out, nil
}

func (m *memTasks) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

type mockProducer struct {
	mu       sync.Mutex
	enqueued []queue.TaskMessage
}

func (m *mockProducer) Enqueue(_ context.Context, msg queue.TaskMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueued = append(m.enqueued, msg)
	return nil
}

func (m *mockProducer) Close() error { return nil }

func (m *mockProducer) messages() []queue.TaskMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]queue.TaskMessage(nil), m.enqueued...)
}

type mockProgress struct {
	mu     sync.Mutex
	events []pipeline.ProgressEvent
}

func (m *mockProgress) Publish(_ context.Context, _ int64, ev pipeline.ProgressEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *mockProgress) all() []pipeline.ProgressEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]pipeline.ProgressEvent(nil), m.events...)
}

func (m *mockProgress) errorEvents() []pipeline.ProgressEvent {
	var out []pipeline.ProgressEvent
	for _, ev := range m.all() {
		if ev.Error != "" {
			out = append(out, ev)
		}
	}
	return out
}

type mockSessions struct {
	mu     sync.Mutex
	active map[int64]string
}

func newMockSessions() *mockSessions {
	return &mockSessions{active: make(map[int64]string)}
}

func (m *mockSessions) ActiveSession(_ context.Context, userID int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[userID], nil
}

func (m *mockSessions) Activate(_ context.Context, userID int64, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[userID] = sessionID
	return nil
}

type mockMedia struct {
	storeFn func(ctx context.Context, name, contentType string, body io.Reader, size int64, needsConversion bool, onProgress media.ProgressFunc) (*media.Reference, error)
}

func (m *mockMedia) Store(ctx context.Context, name, contentType string, body io.Reader, size int64, needsConversion bool, onProgress media.ProgressFunc) (*media.Reference, error) {
	if m.storeFn != nil {
		return m.storeFn(ctx, name, contentType, body, size, needsConversion, onProgress)
	}
	if onProgress != nil {
		onProgress(100)
	}
	return &media.Reference{URL: "https://cdn.example.com/clip.mp4", Key: "clip-key"}, nil
}

type mockStream struct {
	fn func(ctx context.Context, req llm.StreamRequest) (<-chan llm.StreamEvent, error)

	mu   sync.Mutex
	reqs []llm.StreamRequest
}

func (m *mockStream) StreamMessage(ctx context.Context, req llm.StreamRequest) (<-chan llm.StreamEvent, error) {
	m.mu.Lock()
	m.reqs = append(m.reqs, req)
	m.mu.Unlock()

	if m.fn != nil {
		return m.fn(ctx, req)
	}
	return emitEvents("The serve looks solid overall."), nil
}

func (m *mockStream) Model() string { return "mock-model" }

func (m *mockStream) requests() []llm.StreamRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.StreamRequest(nil), m.reqs...)
}

// emitEvents streams the given chunks followed by a terminal Done event.
func emitEvents(chunks ...string) <-chan llm.StreamEvent {
	ch := make(chan llm.StreamEvent, len(chunks)+1)
	for _, chunk := range chunks {
		ch <- llm.StreamEvent{TextDelta: chunk}
	}
	ch <- llm.StreamEvent{Done: true, InputTokens: 10, OutputTokens: 20}
	close(ch)
	return ch
}

type mockTitler struct {
	mu    sync.Mutex
	calls []int64
}

func (m *mockTitler) Generate(conversationID int64, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, conversationID)
}
