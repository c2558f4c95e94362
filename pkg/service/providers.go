package service

import (
	"fmt"
	"strings"

	"github.com/illmade-knight/go-rabbitflow/pkg/codec"
	"github.com/illmade-knight/go-rabbitflow/pkg/config"
)

// NewCompressor builds the compressor named by the configuration. An empty
// type or "none" disables compression.
func NewCompressor(cfg config.CompressionConfig) (codec.Compressor, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "none":
		return nil, nil
	case "gzip":
		return codec.NewGzipCompressor(cfg.Level), nil
	case "zstd":
		z, err := codec.NewZstdCompressor()
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd compressor: %w", err)
		}
		return z, nil
	default:
		return nil, fmt.Errorf("unknown compression type %q", cfg.Type)
	}
}

// NewEncryptor builds the encryptor named by the configuration, deriving its
// key from the passphrase. Without a passphrase encryption is disabled.
func NewEncryptor(cfg config.EncryptionConfig) (codec.Encryptor, error) {
	if cfg.Passphrase == "" {
		return nil, nil
	}
	key := codec.DeriveKey(cfg.Passphrase, cfg.Salt)
	switch strings.ToLower(cfg.Type) {
	case "", "aes-gcm", "aes256-gcm":
		e, err := codec.NewAesGcmEncryptor(key)
		if err != nil {
			return nil, err
		}
		return e, nil
	case "xchacha20-poly1305", "xchacha":
		e, err := codec.NewXChaChaEncryptor(key)
		if err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown encryption type %q", cfg.Type)
	}
}
