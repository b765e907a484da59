package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ErrorResponse matches the handlers.ErrorResponse structure
type ErrorResponse struct {
	Error   string `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}

// newErrorResponse creates an error response with trace ID
func newErrorResponse(c *gin.Context, errorMsg string) ErrorResponse {
	return ErrorResponse{
		Error:   errorMsg,
		TraceID: GetTraceID(c),
	}
}

// RequireAdminToken validates a static bearer token. An empty token rejects every request.
func RequireAdminToken(token string) gin.HandlerFunc {
	expected := []byte(token)

	return func(c *gin.Context) {
		if len(expected) == 0 {
			c.AbortWithStatusJSON(http.StatusForbidden,
				newErrorResponse(c, "admin API disabled"))
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				newErrorResponse(c, "missing authorization header"))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				newErrorResponse(c, "invalid authorization format: expected 'Bearer <token>'"))
			return
		}

		presented := []byte(strings.TrimSpace(parts[1]))
		if subtle.ConstantTimeCompare(presented, expected) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				newErrorResponse(c, "invalid admin token"))
			return
		}

		if reqCtx := GetRequestContext(c); reqCtx != nil {
			reqCtx.UserID = "admin"
		}
		c.Set(UserIDKey, "admin")

		c.Next()
	}
}
