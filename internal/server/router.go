package server

import (
	"net/http"

	"livechat/internal/app"
	"livechat/internal/auth"
	"livechat/internal/metrics"
	"livechat/internal/mw"
	"livechat/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(rc *app.RegistryContext, gw *ws.Gateway, rl *mw.RL) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(rc.Config.Env))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	// socket 事件有独立的按用户限流，握手不走 REST 限流。
	r.GET("/ws", gw.Serve())

	h := NewHandler(rc.Notifications, rc.Presence, rc.Mentions)

	api := r.Group("/api/v1")
	// 控制单个 IP+路由的速率。
	api.Use(mw.RateLimit(rl))
	api.Use(auth.AuthMiddleware(rc.Config.JWTSecret))

	n := api.Group("/notifications")
	n.GET("", h.ListNotifications)
	n.GET("/unread-count", h.UnreadCount)
	n.POST("/read-all", h.MarkAllRead)
	n.POST("/:id/read", h.MarkRead)
	n.DELETE("/:id", h.Delete)
	n.DELETE("", h.DeleteAll)
	n.GET("/preferences", h.Preferences)
	n.PUT("/preferences", h.UpdatePreferences)

	api.POST("/admin/broadcast", auth.AdminOnly(), h.Broadcast)

	api.GET("/presence/online", h.Online)
	api.GET("/presence/suggest", h.Suggest)
	return r
}
