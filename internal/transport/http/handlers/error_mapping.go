package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arklim/sso-ticket-registry/internal/core/domain"
)

// ErrorCase maps a sentinel error to an HTTP status code and response message.
type ErrorCase struct {
	Err     error
	Status  int
	Message string
}

// ticketErrorCases never distinguishes an undecodable ticket from an absent one.
var ticketErrorCases = []ErrorCase{
	{Err: domain.ErrTicketNotFound, Status: http.StatusNotFound, Message: "ticket not found"},
	{Err: domain.ErrDecodeFailed, Status: http.StatusNotFound, Message: "ticket not found"},
	{Err: domain.ErrKeyMismatch, Status: http.StatusNotFound, Message: "ticket not found"},
	{Err: domain.ErrUnknownKind, Status: http.StatusNotFound, Message: "ticket not found"},
	{Err: domain.ErrTicketExpired, Status: http.StatusGone, Message: "ticket expired"},
	{Err: domain.ErrInvalidTicket, Status: http.StatusBadRequest, Message: "invalid ticket"},
	{Err: domain.ErrStorageFailure, Status: http.StatusServiceUnavailable, Message: "ticket storage unavailable"},
}

// RespondWithMappedError resolves the provided error against known cases or falls back to a generic response.
func RespondWithMappedError(c *gin.Context, err error, cases []ErrorCase, fallbackStatus int, fallbackMessage string) {
	if err == nil {
		c.Status(http.StatusOK)
		return
	}
	_ = c.Error(err)

	for _, cs := range cases {
		if cs.Err == nil {
			continue
		}
		if errors.Is(err, cs.Err) {
			c.JSON(cs.Status, NewErrorResponse(c, cs.Message))
			return
		}
	}

	c.JSON(fallbackStatus, NewErrorResponse(c, fallbackMessage))
}
