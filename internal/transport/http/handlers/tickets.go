package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/arklim/sso-ticket-registry/internal/core/domain"
	"github.com/arklim/sso-ticket-registry/internal/usecase"
)

// TicketAdmin is the registry surface exposed to operators.
type TicketAdmin interface {
	Stats(ctx context.Context) (usecase.TicketStats, error)
	GetSessionsFor(ctx context.Context, principal string) ([]*domain.Ticket, error)
	DeleteTicket(ctx context.Context, ticketID string) (int, error)
	DeleteAll(ctx context.Context) (int64, error)
}

// TicketHandler serves the ticket administration endpoints.
type TicketHandler struct {
	registry TicketAdmin
}

// NewTicketHandler constructs a TicketHandler.
func NewTicketHandler(registry TicketAdmin) *TicketHandler {
	return &TicketHandler{registry: registry}
}

// RegisterRoutes mounts the admin endpoints on group.
func (h *TicketHandler) RegisterRoutes(group *gin.RouterGroup) {
	group.GET("/tickets/stats", h.Stats)
	group.GET("/sessions/:principal", h.Sessions)
	group.DELETE("/tickets/:id", h.DeleteTicket)
	group.DELETE("/tickets", h.DeleteAll)
}

func (h *TicketHandler) Stats(c *gin.Context) {
	stats, err := h.registry.Stats(c.Request.Context())
	if err != nil {
		RespondWithMappedError(c, err, ticketErrorCases, http.StatusInternalServerError, "failed to collect ticket stats")
		return
	}

	byKind := make(map[string]int, len(stats.ByKind))
	for kind, count := range stats.ByKind {
		byKind[string(kind)] = count
	}
	c.JSON(http.StatusOK, StatsResponse{
		Total:     stats.Total,
		Expired:   stats.Expired,
		Undecoded: stats.Undecoded,
		ByKind:    byKind,
	})
}

func (h *TicketHandler) Sessions(c *gin.Context) {
	principal := strings.TrimSpace(c.Param("principal"))
	if principal == "" {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "principal is required"))
		return
	}

	sessions, err := h.registry.GetSessionsFor(c.Request.Context(), principal)
	if err != nil {
		RespondWithMappedError(c, err, ticketErrorCases, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	resp := SessionsResponse{Principal: principal, Count: len(sessions), Sessions: make([]SessionSummary, 0, len(sessions))}
	for _, ticket := range sessions {
		resp.Sessions = append(resp.Sessions, newSessionSummary(ticket))
	}
	c.JSON(http.StatusOK, resp)
}

// DeleteTicket revokes a ticket and everything it granted.
func (h *TicketHandler) DeleteTicket(c *gin.Context) {
	ticketID := strings.TrimSpace(c.Param("id"))
	if _, ok := domain.KindOf(ticketID); !ok {
		c.JSON(http.StatusNotFound, NewErrorResponse(c, "ticket not found"))
		return
	}

	count, err := h.registry.DeleteTicket(c.Request.Context(), ticketID)
	if err != nil {
		RespondWithMappedError(c, err, ticketErrorCases, http.StatusInternalServerError, "failed to delete ticket")
		return
	}
	c.JSON(http.StatusOK, DeleteResponse{Deleted: int64(count)})
}

// DeleteAll purges the local registry. Peers are not notified.
func (h *TicketHandler) DeleteAll(c *gin.Context) {
	count, err := h.registry.DeleteAll(c.Request.Context())
	if err != nil {
		RespondWithMappedError(c, err, ticketErrorCases, http.StatusInternalServerError, "failed to delete tickets")
		return
	}
	c.JSON(http.StatusOK, DeleteResponse{Deleted: count})
}
