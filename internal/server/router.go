package server

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/HasNetwork/chat/internal/auth"
	"github.com/HasNetwork/chat/internal/config"
	"github.com/HasNetwork/chat/internal/files"
	"github.com/HasNetwork/chat/internal/metrics"
	"github.com/HasNetwork/chat/internal/mw"
	"github.com/HasNetwork/chat/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// Deps 是路由需要的全部依赖。
type Deps struct {
	Handler   *Handler
	WS        *ws.Handler
	Users     auth.UserGetter
	Limiter   *mw.RL
	UploadDir string
	Ping      func() error
}

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.CORSOrigins))
	if d.Limiter == nil {
		// 控制单个 IP+路由的速率
		d.Limiter = mw.NewRateLimiter(rate.Every(time.Second/20), 40, 2*time.Minute)
	}
	r.Use(d.Limiter.Middleware())

	r.GET("/healthz", func(c *gin.Context) {
		if d.Ping != nil {
			if err := d.Ping(); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := d.Handler
	api := r.Group("/api/v1")
	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.RefreshToken)
	api.POST("/auth/impersonate", h.Impersonate)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(cfg.JWTSecret, d.Users))
	authed.GET("/me", h.Me)
	authed.GET("/rooms", h.ListRooms)
	authed.POST("/rooms", h.CreateRoom)
	authed.GET("/rooms/:name/members", h.RoomMembers)
	authed.GET("/rooms/:name/messages", h.ListMessages)
	authed.POST("/upload", h.Upload)

	admin := authed.Group("/admin")
	admin.Use(auth.AdminOnly())
	admin.GET("/users", h.AdminUsers)
	admin.GET("/rooms", h.AdminRooms)
	admin.GET("/files", h.AdminFiles)
	admin.POST("/rooms/:name/clear", h.AdminClearRoom)
	admin.DELETE("/rooms/:name", h.AdminDeleteRoom)
	admin.DELETE("/rooms/:name/members/:userID", h.AdminRemoveMember)
	admin.DELETE("/files/:messageID", h.AdminDeleteFile)
	admin.POST("/users/:userID/impersonate", h.AdminImpersonate)

	r.GET("/ws", d.WS.Serve())
	if d.UploadDir != "" {
		uploads := r.Group(strings.TrimSuffix(files.URLPrefix, "/"), mw.UploadHeaders())
		uploads.Static("/", d.UploadDir)
	}

	// 前端构建产物存在时，未匹配的 GET 请求回退到 index.html。
	distDir := filepath.Join(".", "web")
	if _, err := os.Stat(filepath.Join(distDir, "index.html")); err == nil {
		r.NoRoute(func(c *gin.Context) {
			if c.Request.Method != http.MethodGet || strings.HasPrefix(c.Request.URL.Path, "/api/") {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			rel := strings.TrimPrefix(filepath.Clean(c.Request.URL.Path), "/")
			target := filepath.Join(distDir, rel)
			if fi, err := os.Stat(target); err == nil && !fi.IsDir() {
				c.File(target)
				return
			}
			c.File(filepath.Join(distDir, "index.html"))
		})
	}
	return r
}
