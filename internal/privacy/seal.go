package privacy

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// ErrOpen is returned when sealed data fails authentication
var ErrOpen = errors.New("sealed data failed authentication")

// SecretBox seals contact fields at rest with NaCl secretbox. Each sealed
// value is the random nonce followed by the box.
type SecretBox struct {
	key [32]byte
}

// NewSecretBox creates a sealer from a 32-byte key
func NewSecretBox(key [32]byte) *SecretBox {
	return &SecretBox{key: key}
}

// ParseKey decodes a hex-encoded 32-byte key
func ParseKey(hexKey string) ([32]byte, error) {
	var key [32]byte
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return key, fmt.Errorf("decode seal key: %w", err)
	}
	if len(raw) != len(key) {
		return key, fmt.Errorf("seal key must be %d bytes, got %d", len(key), len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// GenerateKey returns a random hex-encoded key for config init
func GenerateKey() (string, error) {
	var key [32]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return "", fmt.Errorf("generate seal key: %w", err)
	}
	return hex.EncodeToString(key[:]), nil
}

// Seal encrypts plain
func (b *SecretBox) Seal(plain []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	return secretbox.Seal(nonce[:], plain, &nonce, &b.key), nil
}

// Open decrypts data produced by Seal
func (b *SecretBox) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, ErrOpen
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &b.key)
	if !ok {
		return nil, ErrOpen
	}
	return plain, nil
}
