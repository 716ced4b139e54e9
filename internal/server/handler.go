package server

import (
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"livechat/internal/auth"
	"livechat/internal/mention"
	"livechat/internal/models"
	"livechat/internal/presence"
	"livechat/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	notif    *service.NotificationService
	presence *presence.Registry
	mentions *mention.Resolver
}

func NewHandler(notif *service.NotificationService, reg *presence.Registry, mentions *mention.Resolver) *Handler {
	return &Handler{notif: notif, presence: reg, mentions: mentions}
}

func (h *Handler) fail(c *gin.Context, err error, what string) {
	switch {
	case errors.Is(err, service.ErrNotificationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
	case errors.Is(err, service.ErrInvalidPreference):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Str("username", auth.GetUsername(c)).Msg(what)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to " + what})
	}
}

func idParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notification id"})
		return 0, false
	}
	return uint(id), true
}

// ListNotifications 分页列出当前用户的通知。
func (h *Handler) ListNotifications(c *gin.Context) {
	page, _ := strconv.Atoi(c.Query("page"))
	limit, _ := strconv.Atoi(c.Query("limit"))
	unread := c.Query("unread") == "true"
	out, err := h.notif.List(c.Request.Context(), auth.GetUsername(c), page, limit, unread)
	if err != nil {
		h.fail(c, err, "list notifications")
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) UnreadCount(c *gin.Context) {
	n, err := h.notif.UnreadCount(c.Request.Context(), auth.GetUsername(c))
	if err != nil {
		h.fail(c, err, "count notifications")
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

func (h *Handler) MarkRead(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := h.notif.MarkRead(c.Request.Context(), auth.GetUsername(c), id); err != nil {
		h.fail(c, err, "mark notification read")
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "isRead": true})
}

func (h *Handler) MarkAllRead(c *gin.Context) {
	n, err := h.notif.MarkAllRead(c.Request.Context(), auth.GetUsername(c))
	if err != nil {
		h.fail(c, err, "mark notifications read")
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

func (h *Handler) Delete(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := h.notif.Delete(c.Request.Context(), auth.GetUsername(c), id); err != nil {
		h.fail(c, err, "delete notification")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) DeleteAll(c *gin.Context) {
	n, err := h.notif.DeleteAll(c.Request.Context(), auth.GetUsername(c))
	if err != nil {
		h.fail(c, err, "delete notifications")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (h *Handler) Preferences(c *gin.Context) {
	prefs, err := h.notif.Preferences(c.Request.Context(), auth.GetUsername(c))
	if err != nil {
		h.fail(c, err, "load preferences")
		return
	}
	c.JSON(http.StatusOK, gin.H{"preferences": prefs})
}

// UpdatePreferences 接受 {"preferences": {"chat": false}}，未出现的类别保持不变。
func (h *Handler) UpdatePreferences(c *gin.Context) {
	var req struct {
		Preferences map[string]bool `json:"preferences"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Preferences) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	prefs, err := h.notif.UpdatePreferences(c.Request.Context(), auth.GetUsername(c), req.Preferences)
	if err != nil {
		h.fail(c, err, "update preferences")
		return
	}
	c.JSON(http.StatusOK, gin.H{"preferences": prefs})
}

// Broadcast 向目录中的所有用户发送系统通知，发起者本人除外。
func (h *Handler) Broadcast(c *gin.Context) {
	var req struct {
		Type    string         `json:"type"`
		Title   string         `json:"title"`
		Body    string         `json:"body"`
		Link    string         `json:"link"`
		Fields  map[string]any `json:"data"`
		Exclude []string       `json:"exclude"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}
	if req.Type == "" {
		req.Type = models.TypeSystem
	}
	var data service.Data
	if len(req.Fields) > 0 {
		data = service.Generic{Fields: req.Fields}
	}
	exclude := append(slices.Clone(req.Exclude), auth.GetUsername(c))
	n, err := h.notif.Broadcast(c.Request.Context(), req.Type, req.Title, req.Body, req.Link, data, exclude)
	if err != nil {
		h.fail(c, err, "broadcast notification")
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivered": n})
}

func (h *Handler) Online(c *gin.Context) {
	users := slices.Collect(h.presence.ListOnline())
	if users == nil {
		users = []presence.OnlineUser{}
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

// Suggest 返回 @ 提及自动补全候选，排除当前用户。
func (h *Handler) Suggest(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	users := h.mentions.Suggest(c.Query("q"), auth.GetUsername(c), limit)
	c.JSON(http.StatusOK, gin.H{"users": users})
}
