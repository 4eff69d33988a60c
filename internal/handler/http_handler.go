package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/weiawesome/wes-chat/internal/hub"
	"github.com/weiawesome/wes-chat/internal/service"
	"github.com/weiawesome/wes-chat/pkg/log"
	"github.com/weiawesome/wes-chat/pkg/middleware"
	"github.com/weiawesome/wes-chat/pkg/response"
)

// Handler serves the read-only REST endpoints.
type Handler struct {
	chatService    service.ChatService
	hub            *hub.Hub
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler creates a new HTTP handler.
func NewHandler(chatService service.ChatService, h *hub.Hub, authMiddleware *middleware.AuthMiddleware) *Handler {
	return &Handler{
		chatService:    chatService,
		hub:            h,
		authMiddleware: authMiddleware,
	}
}

type recentMessagesQuery struct {
	Limit int `form:"limit" binding:"omitempty,min=1"`
}

// RegisterRoutes registers all routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)

	api := r.Group("/api/v1", h.authMiddleware.RequireAuth())
	{
		api.GET("/rooms", h.ListRooms)
		api.GET("/users/online", h.ListOnlineUsers)
		api.GET("/messages/recent", h.RecentMessages)
	}
}

// Health reports liveness and the number of live connections.
func (h *Handler) Health(c *gin.Context) {
	response.Success(c, gin.H{
		"status":      "ok",
		"connections": h.hub.ClientCount(),
	})
}

// ListRooms lists public rooms with member counts.
func (h *Handler) ListRooms(c *gin.Context) {
	ctx := c.Request.Context()

	rooms, err := h.chatService.PublicRooms(ctx)
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Msg("failed to list rooms")
		response.InternalError(c, "failed to list rooms")
		return
	}

	response.Success(c, rooms)
}

// ListOnlineUsers lists users with at least one live connection.
func (h *Handler) ListOnlineUsers(c *gin.Context) {
	response.Success(c, h.chatService.OnlineUsers())
}

// RecentMessages lists recent messages, newest first.
func (h *Handler) RecentMessages(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	var q recentMessagesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.BadRequest(c, "limit must be a positive integer")
		return
	}

	messages, err := h.chatService.RecentMessages(ctx, q.Limit)
	if err != nil {
		l.Error().Err(err).Msg("failed to list recent messages")
		response.InternalError(c, "failed to list recent messages")
		return
	}

	response.Success(c, messages)
}
