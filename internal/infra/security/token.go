package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

const ticketRandomBytes = 24

// GenerateSecureToken returns a base64 URL-safe random string using the specified number of random bytes.
func GenerateSecureToken(byteLength int) (string, error) {
	if byteLength <= 0 {
		return "", fmt.Errorf("length must be positive")
	}

	buf := make([]byte, byteLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// TicketIDGenerator mints identifiers of the form <PREFIX><counter>-<random>-<node suffix>.
// The counter orders ids issued by one node; the random part makes them unguessable.
type TicketIDGenerator struct {
	suffix  string
	counter atomic.Uint64
}

// NewTicketIDGenerator returns a generator tagging ids with the node suffix.
func NewTicketIDGenerator(suffix string) *TicketIDGenerator {
	return &TicketIDGenerator{suffix: strings.TrimSpace(suffix)}
}

// NewTicketID implements domain.IDGenerator. Random generation failure is unrecoverable.
func (g *TicketIDGenerator) NewTicketID(prefix string) string {
	random, err := GenerateSecureToken(ticketRandomBytes)
	if err != nil {
		panic("security: " + err.Error())
	}

	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString(strconv.FormatUint(g.counter.Add(1), 10))
	b.WriteByte('-')
	b.WriteString(random)
	if g.suffix != "" {
		b.WriteByte('-')
		b.WriteString(g.suffix)
	}
	return b.String()
}
