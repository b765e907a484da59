package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	appLogger "github.com/arklim/sso-ticket-registry/internal/infra/logger"
)

// probePaths are logged at debug so liveness and scrape traffic does not drown admin activity.
var probePaths = map[string]struct{}{
	"/healthz": {},
	"/readyz":  {},
	"/metrics": {},
}

// Logger emits access logs for every HTTP request with correlation identifiers and masked client IPs.
func Logger(log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}

	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		level := accessLogLevel(c.Request.URL.Path, status)
		if ce := log.Check(level, "request completed"); ce != nil {
			fields := []zap.Field{
				zap.String("trace_id", GetTraceID(c)),
				zap.String("request_id", appLogger.RequestIDFromContext(c.Request.Context())),
				zap.Int("status", status),
				zap.String("method", c.Request.Method),
				zap.String("route", routeLabel(c)),
				zap.Duration("latency", time.Since(start)),
				zap.String("client_ip", appLogger.MaskIP(c.ClientIP())),
			}
			if operator := c.GetString(UserIDKey); operator != "" {
				fields = append(fields, zap.String("operator", operator))
			}
			if len(c.Errors) > 0 {
				fields = append(fields, zap.String("errors", c.Errors.String()))
			}
			ce.Write(fields...)
		}
	}
}

func accessLogLevel(path string, status int) zapcore.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case status >= http.StatusBadRequest:
		return zapcore.WarnLevel
	}
	if _, ok := probePaths[path]; ok {
		return zapcore.DebugLevel
	}
	return zapcore.InfoLevel
}
