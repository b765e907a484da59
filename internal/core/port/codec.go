package port

import "github.com/arklim/sso-ticket-registry/internal/core/domain"

// TicketCodec turns tickets into opaque encrypted payloads and back. Decode fails
// closed with domain.ErrDecodeFailed or domain.ErrKeyMismatch.
type TicketCodec interface {
	Encode(ticket *domain.Ticket) (*domain.EncodedTicket, error)
	Decode(encoded domain.EncodedTicket) (*domain.Ticket, error)
	// Digest returns the storage key for a ticket identifier.
	Digest(ticketID string) string
}
