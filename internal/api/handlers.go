package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"olmoplayground/internal/apierr"
	"olmoplayground/internal/auth"
	"olmoplayground/internal/logger"
	"olmoplayground/internal/metrics"
	"olmoplayground/internal/models"
	"olmoplayground/internal/service/thread"
	"olmoplayground/internal/worker"
)

type WorkerManager interface {
	Submit(ctx context.Context, userKey string, fn func(ctx context.Context)) error
	Pending() int
}

// Handler wires HTTP routes to the thread service and runs turns on the worker pool.
type Handler struct {
	log     *logger.Logger
	threads *thread.Service
	auth    *auth.Service
	workers WorkerManager
}

// NewHandler constructs a Handler instance.
func NewHandler(log *logger.Logger, threads *thread.Service, authService *auth.Service, workers WorkerManager) *Handler {
	return &Handler{
		log:     log.With("service", "api.Handler"),
		threads: threads,
		auth:    authService,
		workers: workers,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v4 := router.Group("/v4")
	v4.Use(h.auth.Middleware(respondError))
	v4.POST("/threads", h.createMessage)
	v4.GET("/threads/:id", h.getThread)
	v4.DELETE("/messages/:id", h.deleteMessage)
	v4.GET("/models", h.listModels)
	v4.POST("/labels", h.createLabel)
	v4.DELETE("/labels/:id", h.deleteLabel)
	v4.PUT("/migrate-user", h.migrateUser)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"queued_turns": h.workers.Pending(),
	})
}

func (h *Handler) currentAgent(c *gin.Context) (models.Agent, bool) {
	agent, ok := auth.AgentFromContext(c)
	if !ok || agent.ID == "" {
		respondError(c, apierr.Unauthorized("authorization required"))
		return models.Agent{}, false
	}
	return agent, true
}

// createMessage runs one turn and streams its chunks back as JSON lines.
func (h *Handler) createMessage(c *gin.Context) {
	agent, ok := h.currentAgent(c)
	if !ok {
		return
	}
	req, err := bindCreateMessage(c)
	if err != nil {
		respondError(c, err)
		return
	}

	stream := newJSONLStream(c)
	var turnErr error
	err = h.workers.Submit(c.Request.Context(), agent.ID, func(ctx context.Context) {
		turnErr = h.threads.StreamNewMessage(ctx, req, agent, stream.emit)
	})
	if err == nil {
		err = turnErr
	}
	if err == nil {
		return
	}

	log := h.log.With("user_id", agent.ID, "model", req.ModelID)
	switch {
	case errors.Is(err, thread.ErrFinalization):
		// The stream already carries the finalization error chunk.
		log.Error("turn finalization failed", "error", err)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		log.Debug("client went away before the turn started", "error", err)
	case stream.started:
		log.Warn("turn failed after streaming began", "error", err)
	case errors.Is(err, worker.ErrStopped):
		respondError(c, apierr.New(http.StatusServiceUnavailable, apierr.CodeBusy, err))
	default:
		respondError(c, err)
	}
}

func (h *Handler) getThread(c *gin.Context) {
	agent, ok := h.currentAgent(c)
	if !ok {
		return
	}
	root, err := h.threads.GetThread(c.Request.Context(), c.Param("id"), agent)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, root)
}

func (h *Handler) deleteMessage(c *gin.Context) {
	agent, ok := h.currentAgent(c)
	if !ok {
		return
	}
	msg, err := h.threads.DeleteMessage(c.Request.Context(), c.Param("id"), agent)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (h *Handler) listModels(c *gin.Context) {
	agent, ok := h.currentAgent(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.threads.ListModels(agent))
}

type labelRequest struct {
	Message string        `json:"message"`
	Rating  models.Rating `json:"rating"`
	Comment *string       `json:"comment"`
}

func (h *Handler) createLabel(c *gin.Context) {
	agent, ok := h.currentAgent(c)
	if !ok {
		return
	}
	var req labelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierr.BadRequest(apierr.CodeValidation, "invalid request body"))
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondError(c, apierr.Validation("message", "message is required"))
		return
	}
	label, err := h.threads.CreateLabel(c.Request.Context(), req.Message, req.Rating, req.Comment, agent)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, label)
}

func (h *Handler) deleteLabel(c *gin.Context) {
	agent, ok := h.currentAgent(c)
	if !ok {
		return
	}
	if err := h.threads.DeleteLabel(c.Request.Context(), c.Param("id"), agent); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) migrateUser(c *gin.Context) {
	agent, ok := h.currentAgent(c)
	if !ok {
		return
	}
	var req struct {
		AnonymousUserID string `json:"anonymous_user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierr.BadRequest(apierr.CodeValidation, "invalid request body"))
		return
	}
	res, err := h.threads.MigrateUser(c.Request.Context(), strings.TrimSpace(req.AnonymousUserID), agent)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
