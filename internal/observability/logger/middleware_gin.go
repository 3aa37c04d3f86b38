package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	obscontext "github.com/smallbiznis/srmgate/internal/observability/context"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	HeaderRequestID = "X-Request-Id"
	HeaderDeviceID  = "X-Device-Id"
)

// RequestLogConfig controls the access log.
type RequestLogConfig struct {
	Debug bool
	// Classify maps a handler error to its response type and code.
	Classify func(err error) (errType, code string)
}

// RequestLogger emits one "http.request" entry per call. Point-of-sale
// terminals may identify themselves with X-Device-Id; the value is carried on
// the request context so that downstream logs and audit rows pick it up.
func RequestLogger(cfg RequestLogConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := requestIDFor(c)

		ctx := obscontext.WithRequestID(c.Request.Context(), requestID)
		ctx = obscontext.WithDeviceID(ctx, c.GetHeader(HeaderDeviceID))
		ctx, _ = obscontext.EnsureCorrelationID(ctx)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.Int("bytes_out", max(c.Writer.Size(), 0)),
		}
		if tenantID := c.GetString("tenant_id"); tenantID != "" {
			fields = append(fields, zap.String("tenant_id", tenantID))
		}

		var errType string
		if last := c.Errors.Last(); last != nil && cfg.Classify != nil {
			var code string
			errType, code = cfg.Classify(last.Err)
			fields = append(fields, zap.String("error_type", errType), zap.String("error_code", code))
		}

		level := requestLevel(route, status, errType)
		if level >= zapcore.ErrorLevel && cfg.Debug {
			fields = append(fields, zap.Stack("stack"))
		}
		if ce := FromContext(c.Request.Context()).Check(level, "http.request"); ce != nil {
			ce.Write(fields...)
		}
	}
}

func requestIDFor(c *gin.Context) string {
	id := strings.TrimSpace(c.GetHeader(HeaderRequestID))
	if id == "" {
		id = uuid.NewString()
	}
	c.Set("request_id", id)
	c.Header(HeaderRequestID, id)
	return id
}

// requestLevel keeps the access log quiet for scrapes and for rejected POS
// payloads, which terminals resend after fixing.
func requestLevel(route string, status int, errType string) zapcore.Level {
	switch {
	case route == "/metrics" || route == "/health":
		return zapcore.DebugLevel
	case status >= http.StatusInternalServerError:
		if errType == "regulator_rejected" {
			return zapcore.WarnLevel
		}
		return zapcore.ErrorLevel
	case route == "/v1/transactions" && errType == "validation_error":
		return zapcore.DebugLevel
	case status == http.StatusTooManyRequests:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}
