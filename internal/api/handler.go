package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/RichardoC/chat-relay/internal/models"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultLimit = 10
	maxLimit     = 100
)

// Store is the history repository plus a liveness check.
type Store interface {
	models.HistoryRepository
	Ping(ctx context.Context) error
}

// Handler serves the operator endpoints: health, conversation windows and
// resets.
type Handler struct {
	store  Store
	logger *zap.Logger
}

func NewHandler(store Store, logger *zap.Logger) *Handler {
	return &Handler{
		store:  store,
		logger: logger,
	}
}

// Router builds the gin engine with all routes mounted.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.logRequests)

	r.GET("/healthz", h.Health)
	r.GET("/api/conversations/:id/messages", h.GetMessages)
	r.DELETE("/api/conversations/:id", h.DeleteConversation)
	return r
}

func (h *Handler) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	h.logger.Debug("Admin request",
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("duration", time.Since(start)))
}

// Health handles GET /healthz
func (h *Handler) Health(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		h.logger.Error("Store health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetMessages handles GET /api/conversations/:id/messages
func (h *Handler) GetMessages(c *gin.Context) {
	convID, ok := conversationID(c)
	if !ok {
		return
	}

	limit := defaultLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > maxLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 0 and 100"})
			return
		}
		limit = n
	}

	messages, err := h.store.FetchLastN(c.Request.Context(), convID, limit)
	if err != nil {
		h.logger.Error("Failed to get messages",
			zap.Error(err),
			zap.Int64("conversation_id", convID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, messages)
}

// DeleteConversation handles DELETE /api/conversations/:id
func (h *Handler) DeleteConversation(c *gin.Context) {
	convID, ok := conversationID(c)
	if !ok {
		return
	}

	if err := h.store.DeleteAllForConversation(c.Request.Context(), convID); err != nil {
		h.logger.Error("Failed to delete conversation",
			zap.Error(err),
			zap.Int64("conversation_id", convID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	h.logger.Info("Conversation reset via admin API", zap.Int64("conversation_id", convID))
	c.Status(http.StatusNoContent)
}

func conversationID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid conversation ID"})
		return 0, false
	}
	return id, true
}
