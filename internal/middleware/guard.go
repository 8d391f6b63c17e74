package middleware

import (
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/mrag/internal/pkg/errcode"
	"github.com/xxxsen/mrag/internal/pkg/response"
)

const HeaderAPIKey = "X-API-Key"

type GuardConfig struct {
	APIKey             string
	AllowedOrigins     []string
	RequireOriginCheck bool
	SkipPaths          []string
}

// FrontendGuard restricts the API to the configured frontend: an optional
// shared X-API-Key and an optional Origin/Referer allowlist. Preflight requests
// and SkipPaths pass untouched.
func FrontendGuard(cfg GuardConfig) gin.HandlerFunc {
	skip := make(map[string]struct{}, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[strings.TrimSuffix(p, "/")] = struct{}{}
	}
	origins := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		if n := normalizeOrigin(o); n != "" {
			origins[n] = struct{}{}
		}
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	checkOrigin := cfg.RequireOriginCheck && len(origins) > 0
	return func(c *gin.Context) {
		if _, ok := skip[strings.TrimSuffix(c.Request.URL.Path, "/")]; ok || c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}
		if apiKey != "" {
			got := strings.TrimSpace(c.GetHeader(HeaderAPIKey))
			if subtle.ConstantTimeCompare([]byte(got), []byte(apiKey)) != 1 {
				logutil.GetLogger(c.Request.Context()).Warn("rejected request with bad api key", zap.String("path", c.Request.URL.Path))
				response.ErrorWithStatus(c, http.StatusForbidden, errcode.ErrForbidden, "invalid or missing api key")
				c.Abort()
				return
			}
		}
		if checkOrigin {
			origin := requestOrigin(c.GetHeader("Origin"), c.GetHeader("Referer"))
			if _, ok := origins[origin]; !ok || origin == "" {
				logutil.GetLogger(c.Request.Context()).Warn("rejected request from unknown origin",
					zap.String("origin", origin),
					zap.String("path", c.Request.URL.Path),
				)
				response.ErrorWithStatus(c, http.StatusForbidden, errcode.ErrForbidden, "origin not allowed")
				c.Abort()
				return
			}
		}
		c.Next()
	}
}

func requestOrigin(origin, referer string) string {
	if o := normalizeOrigin(origin); o != "" {
		return o
	}
	u, err := url.Parse(strings.TrimSpace(referer))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
