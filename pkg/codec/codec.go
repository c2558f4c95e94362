// Package codec provides the compression, encryption and serialization
// providers applied to message bodies.
package codec

import (
	"errors"

	"golang.org/x/crypto/argon2"
)

var (
	// ErrEmptyInput is returned when a provider is handed an empty body.
	ErrEmptyInput = errors.New("rabbitflow/codec: input is empty")
	// ErrInvalidKey is returned when an encryption key has the wrong size.
	ErrInvalidKey = errors.New("rabbitflow/codec: invalid key size")
	// ErrCiphertextTooShort is returned when a ciphertext cannot hold a nonce.
	ErrCiphertextTooShort = errors.New("rabbitflow/codec: ciphertext too short")
)

// Compressor compresses and decompresses bodies. Type is written into the
// compression-type header.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Type() string
}

// Encryptor encrypts and decrypts bodies. Type is written into the
// encryption-type header.
type Encryptor interface {
	Encrypt(data []byte) ([]byte, error)
	Decrypt(data []byte) ([]byte, error)
	Type() string
}

// Serializer turns values into bytes and back.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// KeySize is the key length in bytes for every provided cipher.
const KeySize = 32

// Argon2 parameters used by DeriveKey.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// DeriveKey derives a cipher key from a passphrase and salt using argon2id.
func DeriveKey(passphrase, salt string) []byte {
	return argon2.IDKey([]byte(passphrase), []byte(salt), argonTime, argonMemory, argonThreads, KeySize)
}
