package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size in bytes of the master key and every derived key.
const KeySize = 32

var (
	// ErrMasterKeyMissing is returned outside development when no master key is configured.
	ErrMasterKeyMissing = errors.New("ticket cipher master key not configured")
	// ErrMasterKeyInvalid is returned when the configured master key cannot be decoded or is too short.
	ErrMasterKeyInvalid = errors.New("ticket cipher master key invalid")
)

// HKDF info strings separate the derived keys. Changing one invalidates every stored ticket.
var (
	hkdfInfoEncryption = []byte("sso.ticket.enc.v1")
	hkdfInfoDigest     = []byte("sso.ticket.digest.v1")
)

// TicketKeys holds the per-deployment keys derived from the master key.
type TicketKeys struct {
	Encryption [KeySize]byte
	Digest     [KeySize]byte
}

// LoadMasterKey decodes the configured base64 master key. In development an empty value
// yields an ephemeral key so a single node can run without secrets; tickets issued with it
// do not survive a restart and cannot be read by other nodes.
func LoadMasterKey(encoded, env string, log *zap.Logger) ([]byte, error) {
	if log == nil {
		log = zap.NewNop()
	}

	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		if !strings.EqualFold(env, "development") {
			return nil, ErrMasterKeyMissing
		}
		key := make([]byte, KeySize)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, fmt.Errorf("generate ephemeral master key: %w", err)
		}
		log.Warn("ticket cipher master key not configured, using ephemeral development key",
			zap.String("component", "security"),
		)
		return key, nil
	}

	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		key, err = base64.RawURLEncoding.DecodeString(encoded)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMasterKeyInvalid, err)
	}
	if len(key) < KeySize {
		return nil, fmt.Errorf("%w: need at least %d bytes, got %d", ErrMasterKeyInvalid, KeySize, len(key))
	}
	return key, nil
}

// DeriveTicketKeys expands the master key into the encryption and digest keys with HKDF-SHA256.
func DeriveTicketKeys(masterKey []byte) (TicketKeys, error) {
	var keys TicketKeys
	if len(masterKey) < KeySize {
		return keys, fmt.Errorf("%w: need at least %d bytes", ErrMasterKeyInvalid, KeySize)
	}
	if err := deriveKey(masterKey, hkdfInfoEncryption, keys.Encryption[:]); err != nil {
		return keys, err
	}
	if err := deriveKey(masterKey, hkdfInfoDigest, keys.Digest[:]); err != nil {
		return keys, err
	}
	return keys, nil
}

func deriveKey(masterKey, info, out []byte) error {
	reader := hkdf.New(sha256.New, masterKey, nil, info)
	if _, err := io.ReadFull(reader, out); err != nil {
		return fmt.Errorf("derive key %s: %w", info, err)
	}
	return nil
}
