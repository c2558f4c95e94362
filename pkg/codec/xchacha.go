package codec

import (
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// XChaChaEncryptor seals bodies with XChaCha20-Poly1305. Its 24 byte nonce
// makes random nonces safe for long-lived keys.
type XChaChaEncryptor struct {
	aead cipher.AEAD
}

func NewXChaChaEncryptor(key []byte) (*XChaChaEncryptor, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(key), chacha20poly1305.KeySize)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("rabbitflow/codec: xchacha20: %w", err)
	}
	return &XChaChaEncryptor{aead: aead}, nil
}

func (x *XChaChaEncryptor) Type() string { return "XCHACHA20-POLY1305" }

func (x *XChaChaEncryptor) Encrypt(data []byte) ([]byte, error) {
	return seal(x.aead, data)
}

func (x *XChaChaEncryptor) Decrypt(data []byte) ([]byte, error) {
	return open(x.aead, data)
}
