// Package http exposes the submission pipeline over a gin API. Identity is
// taken from upstream gateway headers: X-User-ID for the user, X-Session-ID
// for the client session used by the stale-session guard.
package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"courtside.app/coach/internal/model"
	"courtside.app/coach/internal/pipeline"
	"courtside.app/coach/internal/store"
)

type Handler struct {
	orchestrator  *pipeline.Orchestrator
	messages      store.MessageStore
	conversations store.ConversationStore
	tasks         store.TaskStore
	sessions      pipeline.SessionSource
	newID         func() int64
}

func NewHandler(orchestrator *pipeline.Orchestrator, messages store.MessageStore, conversations store.ConversationStore, tasks store.TaskStore, sessions pipeline.SessionSource, newID func() int64) *Handler {
	return &Handler{
		orchestrator:  orchestrator,
		messages:      messages,
		conversations: conversations,
		tasks:         tasks,
		sessions:      sessions,
		newID:         newID,
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) CreateConversation(c *gin.Context) {
	userID, ok := h.identity(c)
	if !ok {
		return
	}

	var req createConversationRequest
	_ = c.ShouldBindJSON(&req)

	conv := &model.Conversation{
		ID:     h.newID(),
		UserID: userID,
		Title:  req.Title,
	}
	if err := h.conversations.Create(c.Request.Context(), conv); err != nil {
		slog.ErrorContext(c.Request.Context(), "failed to create conversation", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to create conversation"})
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (h *Handler) ListConversations(c *gin.Context) {
	userID, ok := h.identity(c)
	if !ok {
		return
	}

	convs, err := h.conversations.ListByUser(c.Request.Context(), userID)
	if err != nil {
		slog.ErrorContext(c.Request.Context(), "failed to list conversations", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to list conversations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

// Activate claims the user's conversations for this client session. Runs
// started by other sessions drain quietly from this point on.
func (h *Handler) Activate(c *gin.Context) {
	userID, ok := h.identity(c)
	if !ok {
		return
	}
	sessionID := c.GetHeader("X-Session-ID")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "X-Session-ID header required"})
		return
	}

	if err := h.sessions.Activate(c.Request.Context(), userID, sessionID); err != nil {
		slog.ErrorContext(c.Request.Context(), "failed to activate session", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to activate session"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ListMessages(c *gin.Context) {
	conversationID, ok := h.conversationID(c)
	if !ok {
		return
	}

	messages, err := h.messages.ListByConversation(c.Request.Context(), conversationID, 0)
	if err != nil {
		slog.ErrorContext(c.Request.Context(), "failed to list messages", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to list messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// Submit accepts a prompt plus optional media, either as a multipart file
// part named "video" or as a video_url field.
func (h *Handler) Submit(c *gin.Context) {
	userID, ok := h.identity(c)
	if !ok {
		return
	}
	conversationID, ok := h.conversationID(c)
	if !ok {
		return
	}

	var req submitRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid submission"})
		return
	}

	sub := pipeline.Submission{
		ConversationID:  conversationID,
		UserID:          userID,
		SessionID:       c.GetHeader("X-Session-ID"),
		Prompt:          req.Prompt,
		Settings:        req.settings(),
		VideoURL:        req.VideoURL,
		NeedsConversion: req.NeedsConversion,
		Pre:             req.preAnalysis(),
	}

	if file, err := c.FormFile("video"); err == nil && file != nil {
		body, openErr := file.Open()
		if openErr != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "unreadable video upload"})
			return
		}
		defer body.Close()
		sub.VideoBody = body
		sub.VideoName = file.Filename
		sub.VideoContentType = file.Header.Get("Content-Type")
		sub.VideoSize = file.Size
	}

	messageID, err := h.orchestrator.Submit(c.Request.Context(), sub)
	if err != nil {
		h.pipelineError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, submitResponse{MessageID: messageID})
}

func (h *Handler) Select(c *gin.Context) {
	userID, ok := h.identity(c)
	if !ok {
		return
	}
	conversationID, ok := h.conversationID(c)
	if !ok {
		return
	}
	messageID, ok := h.pathID(c, "messageID")
	if !ok {
		return
	}

	var req selectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "choice is required"})
		return
	}

	messageIDOut, err := h.orchestrator.Select(c.Request.Context(), pipeline.Selection{
		ConversationID: conversationID,
		MessageID:      messageID,
		UserID:         userID,
		SessionID:      c.GetHeader("X-Session-ID"),
		Choice:         model.OptionChoice(req.Choice),
	})
	if err != nil {
		h.pipelineError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, submitResponse{MessageID: messageIDOut})
}

func (h *Handler) Retry(c *gin.Context) {
	userID, ok := h.identity(c)
	if !ok {
		return
	}
	conversationID, ok := h.conversationID(c)
	if !ok {
		return
	}
	messageID, ok := h.pathID(c, "messageID")
	if !ok {
		return
	}

	err := h.orchestrator.Retry(c.Request.Context(), pipeline.RetryRequest{
		ConversationID: conversationID,
		MessageID:      messageID,
		UserID:         userID,
		SessionID:      c.GetHeader("X-Session-ID"),
	})
	if err != nil {
		h.pipelineError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *Handler) Stop(c *gin.Context) {
	conversationID, ok := h.conversationID(c)
	if !ok {
		return
	}

	if h.orchestrator.Stop(conversationID) {
		c.Status(http.StatusAccepted)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) GetTask(c *gin.Context) {
	taskID, ok := h.pathID(c, "taskID")
	if !ok {
		return
	}

	task, err := h.tasks.GetByID(c.Request.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, errorResponse{Error: "task not found"})
			return
		}
		slog.ErrorContext(c.Request.Context(), "failed to load task", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to load task"})
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handler) pipelineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pipeline.ErrEmptySubmission):
		// Validation no-op per contract: nothing was created.
		c.Status(http.StatusNoContent)
	case errors.Is(err, pipeline.ErrRunActive):
		c.JSON(http.StatusConflict, errorResponse{Error: "analysis already in progress"})
	case errors.Is(err, pipeline.ErrUnknownOption):
		c.JSON(http.StatusBadRequest, errorResponse{Error: "unknown analysis option"})
	case errors.Is(err, pipeline.ErrOptionResolved):
		c.JSON(http.StatusConflict, errorResponse{Error: "option already selected"})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: "not found"})
	default:
		slog.ErrorContext(c.Request.Context(), "pipeline request failed", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func (h *Handler) identity(c *gin.Context) (int64, bool) {
	userID, err := strconv.ParseInt(c.GetHeader("X-User-ID"), 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusUnauthorized, errorResponse{Error: "X-User-ID header required"})
		return 0, false
	}
	return userID, true
}

func (h *Handler) conversationID(c *gin.Context) (int64, bool) {
	return h.pathID(c, "id")
}

func (h *Handler) pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid " + name})
		return 0, false
	}
	return id, true
}
