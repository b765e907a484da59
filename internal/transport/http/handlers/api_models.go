package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arklim/sso-ticket-registry/internal/core/domain"
	"github.com/arklim/sso-ticket-registry/internal/infra/logger"
)

// ErrorResponse represents a generic error payload with trace ID for debugging.
type ErrorResponse struct {
	Error   string `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}

// NewErrorResponse creates an error response with trace ID from context
func NewErrorResponse(c *gin.Context, errorMsg string) ErrorResponse {
	traceID, _ := c.Get("trace_id")
	traceIDStr, _ := traceID.(string)

	return ErrorResponse{
		Error:   errorMsg,
		TraceID: traceIDStr,
	}
}

// HealthResponse describes the service health payload.
type HealthResponse struct {
	Status    string    `json:"status"`
	NodeID    string    `json:"node_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadyResponse describes readiness probe results with dependency checks.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// StatsResponse reports registry population.
type StatsResponse struct {
	Total     int            `json:"total"`
	Expired   int            `json:"expired"`
	Undecoded int            `json:"undecoded"`
	ByKind    map[string]int `json:"by_kind"`
}

// SessionSummary is the admin view of a ticket-granting ticket. Identifiers are masked.
type SessionSummary struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	UseCount   int       `json:"use_count"`
	Children   int       `json:"children"`
	RememberMe bool      `json:"remember_me"`
}

// SessionsResponse lists the active sessions of a principal.
type SessionsResponse struct {
	Principal string           `json:"principal"`
	Count     int              `json:"count"`
	Sessions  []SessionSummary `json:"sessions"`
}

// DeleteResponse reports how many tickets a revocation removed.
type DeleteResponse struct {
	Deleted int64 `json:"deleted"`
}

func newSessionSummary(ticket *domain.Ticket) SessionSummary {
	return SessionSummary{
		ID:         logger.MaskTicketID(ticket.ID),
		CreatedAt:  ticket.CreatedAt,
		LastUsedAt: ticket.LastUsedAt,
		UseCount:   ticket.UseCount,
		Children:   len(ticket.ChildIDs),
		RememberMe: ticket.Usage().RememberMe,
	}
}
