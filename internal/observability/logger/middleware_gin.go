package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	obscontext "github.com/smallbiznis/coursepay/internal/observability/context"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const requestIDHeader = "X-Request-Id"

// MiddlewareConfig controls request logging.
type MiddlewareConfig struct {
	Debug bool
	// ErrorClassifier maps a handler error to its API error type and status.
	ErrorClassifier func(err error) (kind string, status string)
}

// GinMiddleware assigns request and correlation ids, then writes one
// http_request line per request once handlers have run. Headers and bodies
// are never logged.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		ctx := obscontext.WithRequestID(c.Request.Context(), requestID(c))
		ctx, _ = obscontext.EnsureCorrelationID(ctx)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.Int64("bytes_in", max(c.Request.ContentLength, 0)),
			zap.Int("bytes_out", max(c.Writer.Size(), 0)),
		}
		if route == "unknown" {
			fields = append(fields, zap.String("path", c.Request.URL.Path))
		}
		if courseID := strings.TrimSpace(c.GetString("course_id")); courseID != "" {
			fields = append(fields, zap.String("course_id", courseID))
		}

		var kind string
		if last := c.Errors.Last(); last != nil && cfg.ErrorClassifier != nil {
			var code string
			kind, code = cfg.ErrorClassifier(last.Err)
			fields = append(fields, zap.String("error_type", kind), zap.String("error_code", code))
			if cfg.Debug {
				fields = append(fields, zap.String("error", last.Err.Error()))
			}
		}

		log := FromContext(c.Request.Context())
		if ce := log.Check(requestLevel(route, status, kind), "http_request"); ce != nil {
			ce.Write(fields...)
		}
	}
}

// requestID reuses a caller supplied id so retries of the same webhook
// delivery can be matched up.
func requestID(c *gin.Context) string {
	id := strings.TrimSpace(c.GetHeader(requestIDHeader))
	if id == "" || len(id) > 128 {
		id = uuid.NewString()
	}
	c.Set("request_id", id)
	c.Header(requestIDHeader, id)
	return id
}

func requestLevel(route string, status int, kind string) zapcore.Level {
	switch {
	case route == "/health" || route == "/metrics":
		return zapcore.DebugLevel
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case kind == "invalid_signature" && strings.HasPrefix(route, "/api/payments/webhooks/"):
		// forged or misconfigured deliveries
		return zapcore.WarnLevel
	case status == http.StatusTooManyRequests:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}
