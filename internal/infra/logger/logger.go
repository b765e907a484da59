package logger

import (
	"context"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Production emits sampled JSON; every other environment
// gets a colourised console encoder at debug level.
func New(env string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if env != "production" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.InitialFields = map[string]any{"env": env}

	return cfg.Build()
}

// RequestIDKey is used to store a request identifier on the context.
type RequestIDKey struct{}

// RequestIDFromContext returns the request identifier stored by the HTTP middleware.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(RequestIDKey{}).(string); ok {
		return val
	}
	return ""
}

// FromContext decorates log with the request id and the active trace and span ids.
func FromContext(ctx context.Context, log *zap.Logger) *zap.Logger {
	if log == nil {
		log = zap.NewNop()
	}
	if ctx == nil {
		return log
	}

	var fields []zap.Field
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if len(fields) == 0 {
		return log
	}
	return log.With(fields...)
}

// Masking helpers keep bearer ticket ids and principals out of logs.

var emailRegex = regexp.MustCompile(`^([^@]{1,3})[^@]*(@.+)$`)

// MaskEmail masks email addresses, showing first 3 characters and domain
// Example: john.doe@example.com -> joh***@example.com
func MaskEmail(email string) string {
	if email == "" {
		return ""
	}

	matches := emailRegex.FindStringSubmatch(email)
	if len(matches) == 3 {
		return matches[1] + "***" + matches[2]
	}

	parts := strings.SplitN(email, "@", 2)
	if len(parts) == 2 {
		return "***@" + parts[1]
	}

	return "***"
}

// MaskTicketID keeps the kind prefix and the last 4 characters of a ticket id.
// Example: ST-12-Xk9aQ...-node1 -> ST-***ode1
func MaskTicketID(id string) string {
	if id == "" {
		return ""
	}

	prefix := ""
	if idx := strings.Index(id, "-"); idx > 0 && idx < 4 {
		prefix = id[:idx+1]
	}
	if len(id) <= len(prefix)+8 {
		return prefix + "***"
	}
	return prefix + "***" + id[len(id)-4:]
}

// MaskPrincipal masks a principal identifier, treating email-shaped values as emails.
func MaskPrincipal(principal string) string {
	if strings.Contains(principal, "@") {
		return MaskEmail(principal)
	}
	return MaskString(principal)
}

// MaskIP keeps the network half of an address.
// Example: 192.168.1.100 -> 192.168.*.*
func MaskIP(ip string) string {
	if ip == "" {
		return ""
	}

	if strings.Contains(ip, ".") {
		parts := strings.Split(ip, ".")
		if len(parts) == 4 {
			return parts[0] + "." + parts[1] + ".*.*"
		}
	}

	if strings.Contains(ip, ":") {
		parts := strings.Split(ip, ":")
		if len(parts) >= 4 {
			return strings.Join(parts[:4], ":") + ":*:*:*:*"
		}
	}

	return "***"
}

// MaskString shows the first and last 2 characters.
// Example: "secret123" -> "se***23"
func MaskString(s string) string {
	if len(s) == 0 {
		return ""
	}
	if len(s) <= 4 {
		return "***"
	}
	return s[:2] + "***" + s[len(s)-2:]
}
