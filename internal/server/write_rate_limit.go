package server

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/carehub/internal/observability/logger"
	"go.uber.org/zap"
)

// WriteRateLimit applies the per-principal write budget when configured.
func (s *Server) WriteRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil || !s.limiter.Enabled() {
			c.Next()
			return
		}

		principal, ok := principalFromContext(c)
		if !ok {
			AbortWithError(c, ErrUnauthenticated)
			return
		}

		ctx := c.Request.Context()
		route := normalizeRateLimitEndpoint(c)
		result, err := s.limiter.AllowPrincipal(ctx, principal.ID)
		if err != nil {
			logger.FromContext(ctx).Warn("write rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		s.obsMetrics.RecordRateLimit(ctx, route, result.Allowed)
		if !result.Allowed {
			retry := int(result.RetryAfter.Seconds())
			if retry < 1 {
				retry = 1
			}
			logger.FromContext(ctx).Warn("write rate limit exceeded", zap.String("route", route))
			c.Header("Retry-After", strconv.Itoa(retry))
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
