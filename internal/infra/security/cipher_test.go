package security

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arklim/sso-ticket-registry/internal/core/domain"
)

func newTestCipher(t *testing.T) *TicketCipher {
	t.Helper()

	master, err := LoadMasterKey("", "development", zaptest.NewLogger(t))
	require.NoError(t, err)
	keys, err := DeriveTicketKeys(master)
	require.NoError(t, err)
	c, err := NewTicketCipher(keys)
	require.NoError(t, err)
	return c
}

func sampleTicket() *domain.Ticket {
	created := time.Date(2025, 5, 1, 10, 0, 0, 123456789, time.UTC)
	expired := created.Add(time.Hour)
	return &domain.Ticket{
		ID:             "ST-1-abc-node1",
		Kind:           domain.KindService,
		CreatedAt:      created,
		LastUsedAt:     created.Add(time.Second),
		PreviousUsedAt: created,
		UseCount:       2,
		ParentID:       "TGT-1-xyz-node1",
		Service:        "https://app.example.com/callback",
		Principal:      "casuser",
		Attributes:     domain.Attributes{
			domain.AttributeRememberMe: {"true"},
			"authnLevel":               {"2"},
			"memberOf":                 {"staff", "admin"},
			"emptyGroup":               {},
		},
		Policy:         domain.CompositeSpec(domain.MultiUseOrTimeoutSpec(1, 10*time.Second), domain.ThrottledSpec(time.Minute, time.Second)),
		ChildIDs:       []string{"PT-2-child"},
		ProxiedBy:      "https://proxy.example.com",
		ExpiredAt:      &expired,
	}
}

func TestTicketCipher_RoundTrip(t *testing.T) {
	c := newTestCipher(t)
	original := sampleTicket()

	encoded, err := c.Encode(original)
	require.NoError(t, err)
	require.Equal(t, c.Digest(original.ID), encoded.Key)
	require.Equal(t, domain.KindService, encoded.Kind)
	require.NotContains(t, string(encoded.Payload), original.Principal)

	decoded, err := c.Decode(*encoded)
	require.NoError(t, err)

	require.Equal(t, original.ID, decoded.ID)
	require.Equal(t, original.Kind, decoded.Kind)
	require.True(t, original.CreatedAt.Equal(decoded.CreatedAt))
	require.True(t, original.LastUsedAt.Equal(decoded.LastUsedAt))
	require.True(t, original.PreviousUsedAt.Equal(decoded.PreviousUsedAt))
	require.Equal(t, original.UseCount, decoded.UseCount)
	require.Equal(t, original.ParentID, decoded.ParentID)
	require.Equal(t, original.Service, decoded.Service)
	require.Equal(t, original.Principal, decoded.Principal)
	require.Equal(t, original.Attributes, decoded.Attributes)
	require.Equal(t, original.Policy, decoded.Policy)
	require.Equal(t, original.ChildIDs, decoded.ChildIDs)
	require.Equal(t, original.ProxiedBy, decoded.ProxiedBy)
	require.NotNil(t, decoded.ExpiredAt)
	require.True(t, original.ExpiredAt.Equal(*decoded.ExpiredAt))
}

func TestTicketCipher_ZeroTimesRoundTrip(t *testing.T) {
	c := newTestCipher(t)
	original := &domain.Ticket{
		ID:        "TGT-1-abc",
		Kind:      domain.KindTicketGranting,
		CreatedAt: time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC),
		Principal: "casuser",
		Policy:    domain.NeverExpiresSpec(),
	}

	encoded, err := c.Encode(original)
	require.NoError(t, err)
	decoded, err := c.Decode(*encoded)
	require.NoError(t, err)
	require.True(t, decoded.LastUsedAt.IsZero())
	require.Nil(t, decoded.ExpiredAt)
	require.Nil(t, decoded.Attributes)
}

func TestTicketCipher_TamperFailsClosed(t *testing.T) {
	c := newTestCipher(t)
	encoded, err := c.Encode(sampleTicket())
	require.NoError(t, err)

	tampered := *encoded
	tampered.Payload = append([]byte(nil), encoded.Payload...)
	tampered.Payload[len(tampered.Payload)-1] ^= 0xff

	decoded, err := c.Decode(tampered)
	require.ErrorIs(t, err, domain.ErrDecodeFailed)
	require.Nil(t, decoded)

	wrongKind := *encoded
	wrongKind.Kind = domain.KindProxy
	_, err = c.Decode(wrongKind)
	require.ErrorIs(t, err, domain.ErrDecodeFailed)

	_, err = c.Decode(domain.EncodedTicket{Key: encoded.Key, Kind: encoded.Kind, Payload: []byte{PayloadVersion}})
	require.ErrorIs(t, err, domain.ErrDecodeFailed)
}

func TestTicketCipher_WrongKeyFailsClosed(t *testing.T) {
	a := newTestCipher(t)
	b := newTestCipher(t)

	encoded, err := a.Encode(sampleTicket())
	require.NoError(t, err)

	_, err = b.Decode(*encoded)
	require.ErrorIs(t, err, domain.ErrDecodeFailed)
}

func TestTicketCipher_KeyMismatchIsDistinct(t *testing.T) {
	c := newTestCipher(t)
	encoded, err := c.Encode(sampleTicket())
	require.NoError(t, err)

	moved := *encoded
	moved.Key = c.Digest("ST-9-other")

	_, err = c.Decode(moved)
	require.ErrorIs(t, err, domain.ErrKeyMismatch)
	require.NotErrorIs(t, err, domain.ErrDecodeFailed)
}

func TestTicketCipher_DigestIsStableAndKeyed(t *testing.T) {
	a := newTestCipher(t)
	b := newTestCipher(t)

	require.Equal(t, a.Digest("TGT-1"), a.Digest("TGT-1"))
	require.NotEqual(t, a.Digest("TGT-1"), a.Digest("TGT-2"))
	require.NotEqual(t, a.Digest("TGT-1"), b.Digest("TGT-1"))
	require.Len(t, a.Digest("TGT-1"), 64)
}

func TestLoadMasterKey(t *testing.T) {
	_, err := LoadMasterKey("", "production", nil)
	require.ErrorIs(t, err, ErrMasterKeyMissing)

	_, err = LoadMasterKey("not base64!", "production", nil)
	require.ErrorIs(t, err, ErrMasterKeyInvalid)

	_, err = LoadMasterKey("c2hvcnQ=", "production", nil)
	require.ErrorIs(t, err, ErrMasterKeyInvalid)

	key, err := LoadMasterKey(strings.Repeat("A", 44), "production", nil)
	require.NoError(t, err)
	require.Len(t, key, KeySize)
}

func TestTicketIDGenerator(t *testing.T) {
	gen := NewTicketIDGenerator("node1")

	first := gen.NewTicketID(domain.KindTicketGranting.Prefix())
	second := gen.NewTicketID(domain.KindTicketGranting.Prefix())

	require.True(t, strings.HasPrefix(first, "TGT-1-"))
	require.True(t, strings.HasPrefix(second, "TGT-2-"))
	require.True(t, strings.HasSuffix(first, "-node1"))
	require.NotEqual(t, first, second)

	kind, ok := domain.KindOf(first)
	require.True(t, ok)
	require.Equal(t, domain.KindTicketGranting, kind)
}
