package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

// AesGcmEncryptor seals bodies with AES-256-GCM. Output is nonce || ciphertext.
type AesGcmEncryptor struct {
	aead cipher.AEAD
}

// NewAesGcmEncryptor creates an encryptor from a 32 byte key, typically one
// produced by DeriveKey.
func NewAesGcmEncryptor(key []byte) (*AesGcmEncryptor, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("rabbitflow/codec: aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("rabbitflow/codec: gcm: %w", err)
	}
	return &AesGcmEncryptor{aead: aead}, nil
}

func (a *AesGcmEncryptor) Type() string { return "AES256-GCM" }

func (a *AesGcmEncryptor) Encrypt(data []byte) ([]byte, error) {
	return seal(a.aead, data)
}

func (a *AesGcmEncryptor) Decrypt(data []byte) ([]byte, error) {
	return open(a.aead, data)
}

func seal(aead cipher.AEAD, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmptyInput
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(data)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("rabbitflow/codec: nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, data, nil), nil
}

func open(aead cipher.AEAD, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmptyInput
	}
	ns := aead.NonceSize()
	if len(data) < ns+aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	out, err := aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("rabbitflow/codec: decrypt: %w", err)
	}
	return out, nil
}
