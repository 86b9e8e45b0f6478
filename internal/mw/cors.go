package mw

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// OriginPolicy 判断跨域来源是否被允许：dev 环境允许所有来源，其余环境只允许同源与白名单。
type OriginPolicy struct {
	env     string
	allowed map[string]bool
}

// NewOriginPolicy 解析逗号分隔的来源白名单。
func NewOriginPolicy(env, allowed string) *OriginPolicy {
	list := make(map[string]bool)
	for _, o := range strings.Split(allowed, ",") {
		if o = strings.TrimSpace(o); o != "" {
			list[strings.TrimSuffix(o, "/")] = true
		}
	}
	return &OriginPolicy{env: env, allowed: list}
}

func (p *OriginPolicy) Allow(origin, host string) bool {
	return p.env == "dev" || p.allowed[origin] || sameHost(origin, host)
}

// CheckOrigin 供 websocket.Upgrader 使用；没有 Origin 头的非浏览器客户端放行。
func (p *OriginPolicy) CheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || p.Allow(origin, r.Host)
}

// CORS 返回跨域中间件，来源规则见 OriginPolicy。
func CORS(env, allowed string) gin.HandlerFunc {
	policy := NewOriginPolicy(env, allowed)
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}

		if policy.Allow(origin, c.Request.Host) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func sameHost(origin, host string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == host
}

// UploadHeaders 禁止浏览器嗅探上传文件类型，并以沙箱方式渲染，防止同源脚本执行。
func UploadHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Content-Security-Policy", "sandbox; default-src 'none'")
		c.Next()
	}
}
