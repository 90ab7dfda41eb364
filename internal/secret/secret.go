// Package secret seals session strings at rest with AES-256-GCM.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

var ErrCorrupt = errors.New("secret: ciphertext corrupt or wrong key")

// Box seals and opens values. A Box built from an empty passphrase passes
// values through unchanged, which is only meant for local development.
type Box struct {
	aead cipher.AEAD
}

// New derives an AES-256 key from the passphrase.
func New(passphrase string) (*Box, error) {
	if passphrase == "" {
		return &Box{}, nil
	}
	key := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Box{aead: gcm}, nil
}

func (b *Box) Enabled() bool { return b != nil && b.aead != nil }

// Seal returns base64(nonce || ciphertext).
func (b *Box) Seal(plain string) (string, error) {
	if !b.Enabled() {
		return plain, nil
	}
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secret: nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b.aead.Seal(nonce, nonce, []byte(plain), nil)), nil
}

func (b *Box) Open(sealed string) (string, error) {
	if !b.Enabled() {
		return sealed, nil
	}
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	ns := b.aead.NonceSize()
	if len(data) < ns {
		return "", ErrCorrupt
	}
	plain, err := b.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", ErrCorrupt
	}
	return string(plain), nil
}
