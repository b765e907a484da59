package security

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/arklim/sso-ticket-registry/internal/core/domain"
	"github.com/arklim/sso-ticket-registry/internal/core/port"
	"github.com/arklim/sso-ticket-registry/internal/infra/codec"
)

// PayloadVersion is the first byte of every encoded payload and part of the AAD.
const PayloadVersion byte = 0x01

// payloadOverhead is version + XChaCha20-Poly1305 nonce + Poly1305 tag.
const payloadOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// maxDecodedSize bounds zstd output so a forged frame cannot exhaust memory.
const maxDecodedSize = 1 << 20

var digestDomain = []byte("sso.ticket.key.v1")

// TicketCipher encodes tickets as deterministic CBOR, compresses them with zstd and seals
// them with XChaCha20-Poly1305:
//
//	[Version: 1 byte] [Nonce: 24 bytes] [Ciphertext+Tag]
//
// The version byte and ticket kind are authenticated. The storage key is a keyed BLAKE3
// digest of the ticket id and is checked separately after decryption, so a payload moved
// under another key surfaces as ErrKeyMismatch rather than ErrDecodeFailed.
type TicketCipher struct {
	aead      cipher.AEAD
	digestKey [KeySize]byte
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
}

// NewTicketCipher builds the cipher from derived deployment keys.
func NewTicketCipher(keys TicketKeys) (*TicketCipher, error) {
	aead, err := chacha20poly1305.NewX(keys.Encryption[:])
	if err != nil {
		return nil, fmt.Errorf("create XChaCha20-Poly1305 cipher: %w", err)
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &TicketCipher{aead: aead, digestKey: keys.Digest, encoder: encoder, decoder: decoder}, nil
}

var _ port.TicketCodec = (*TicketCipher)(nil)

// Encode serialises, compresses and encrypts the ticket.
func (c *TicketCipher) Encode(ticket *domain.Ticket) (*domain.EncodedTicket, error) {
	if ticket == nil || ticket.ID == "" {
		return nil, fmt.Errorf("%w: missing identifier", domain.ErrInvalidTicket)
	}

	plain, err := codec.Marshal(ticket)
	if err != nil {
		return nil, fmt.Errorf("marshal ticket: %w", err)
	}
	compressed := c.encoder.EncodeAll(plain, make([]byte, 0, len(plain)))

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	output := make([]byte, 1+chacha20poly1305.NonceSizeX, payloadOverhead+len(compressed))
	output[0] = PayloadVersion
	copy(output[1:], nonce[:])
	output = c.aead.Seal(output, nonce[:], compressed, buildAAD(PayloadVersion, ticket.Kind))

	return &domain.EncodedTicket{
		Key:     c.Digest(ticket.ID),
		Kind:    ticket.Kind,
		Payload: output,
	}, nil
}

// Decode authenticates and decodes the payload. Any failure yields no ticket.
func (c *TicketCipher) Decode(encoded domain.EncodedTicket) (*domain.Ticket, error) {
	payload := encoded.Payload
	if len(payload) < payloadOverhead {
		return nil, fmt.Errorf("%w: payload is %d bytes, minimum is %d", domain.ErrDecodeFailed, len(payload), payloadOverhead)
	}
	if payload[0] != PayloadVersion {
		return nil, fmt.Errorf("%w: unsupported payload version %d", domain.ErrDecodeFailed, payload[0])
	}

	nonce := payload[1 : 1+chacha20poly1305.NonceSizeX]
	sealed := payload[1+chacha20poly1305.NonceSizeX:]

	compressed, err := c.aead.Open(nil, nonce, sealed, buildAAD(payload[0], encoded.Kind))
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", domain.ErrDecodeFailed)
	}

	plain, err := c.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", domain.ErrDecodeFailed, err)
	}

	var ticket domain.Ticket
	if err := codec.Unmarshal(plain, &ticket); err != nil {
		return nil, fmt.Errorf("%w: unmarshal: %v", domain.ErrDecodeFailed, err)
	}
	if ticket.ID == "" || ticket.Kind != encoded.Kind {
		return nil, fmt.Errorf("%w: payload does not describe a %s ticket", domain.ErrDecodeFailed, encoded.Kind)
	}

	if encoded.Key != "" {
		expected := c.Digest(ticket.ID)
		if subtle.ConstantTimeCompare([]byte(expected), []byte(encoded.Key)) != 1 {
			return nil, domain.ErrKeyMismatch
		}
	}

	return &ticket, nil
}

// Digest returns the hex BLAKE3 keyed hash of the ticket id used as its storage key.
func (c *TicketCipher) Digest(ticketID string) string {
	hasher, err := blake3.NewKeyed(c.digestKey[:])
	if err != nil {
		// Only reachable with a key of the wrong length, which the array type rules out.
		panic("security: blake3 keyed hasher: " + err.Error())
	}
	_, _ = hasher.Write(digestDomain)
	_, _ = hasher.Write([]byte(ticketID))
	return hex.EncodeToString(hasher.Sum(nil))
}

func buildAAD(version byte, kind domain.Kind) []byte {
	aad := make([]byte, 1+len(kind))
	aad[0] = version
	copy(aad[1:], kind)
	return aad
}
