package service

import (
	"fmt"
	"time"

	"github.com/illmade-knight/go-rabbitflow/pkg/types"
)

// ComCrypt compresses then encrypts the message body. It reports whether the
// body changed.
func (s *RabbitService) ComCrypt(msg *types.Message) (bool, error) {
	compressed, err := s.Compress(msg)
	if err != nil {
		return compressed, err
	}
	encrypted, err := s.Encrypt(msg)
	return compressed || encrypted, err
}

// DecomCrypt decrypts then decompresses the message body.
func (s *RabbitService) DecomCrypt(msg *types.Message) (bool, error) {
	decrypted, err := s.Decrypt(msg)
	if err != nil {
		return decrypted, err
	}
	decompressed, err := s.Decompress(msg)
	return decrypted || decompressed, err
}

// Compress compresses the body unless it is empty, already compressed,
// encrypted or no compressor is configured.
func (s *RabbitService) Compress(msg *types.Message) (bool, error) {
	if s.compressor == nil || msg == nil || len(msg.Body) == 0 {
		return false, nil
	}
	if msg.Metadata.Compressed() || msg.Metadata.Encrypted() {
		return false, nil
	}
	body, err := s.compressor.Compress(msg.Body)
	if err != nil {
		return false, fmt.Errorf("failed to compress message %s: %w", msg.MessageID, err)
	}
	msg.Body = body
	msg.Metadata.Set(types.HeaderCompressed, true)
	msg.Metadata.Set(types.HeaderCompressionType, s.compressor.Type())
	return true, nil
}

// Decompress restores a compressed body. A body that is still encrypted is
// left unchanged.
func (s *RabbitService) Decompress(msg *types.Message) (bool, error) {
	if s.compressor == nil || msg == nil || !msg.Metadata.Compressed() || msg.Metadata.Encrypted() {
		return false, nil
	}
	body, err := s.compressor.Decompress(msg.Body)
	if err != nil {
		return false, fmt.Errorf("failed to decompress message %s: %w", msg.MessageID, err)
	}
	msg.Body = body
	msg.Metadata.Remove(types.HeaderCompressed)
	msg.Metadata.Remove(types.HeaderCompressionType)
	return true, nil
}

// Encrypt encrypts the body and stamps the encrypt-date header.
func (s *RabbitService) Encrypt(msg *types.Message) (bool, error) {
	if s.encryptor == nil || msg == nil || len(msg.Body) == 0 || msg.Metadata.Encrypted() {
		return false, nil
	}
	body, err := s.encryptor.Encrypt(msg.Body)
	if err != nil {
		return false, fmt.Errorf("failed to encrypt message %s: %w", msg.MessageID, err)
	}
	msg.Body = body
	msg.Metadata.Set(types.HeaderEncrypted, true)
	msg.Metadata.Set(types.HeaderEncryptionType, s.encryptor.Type())
	msg.Metadata.Set(types.HeaderEncryptDate, time.Now().UTC().Format(s.timeFormat))
	return true, nil
}

// Decrypt restores an encrypted body.
func (s *RabbitService) Decrypt(msg *types.Message) (bool, error) {
	if s.encryptor == nil || msg == nil || !msg.Metadata.Encrypted() {
		return false, nil
	}
	body, err := s.encryptor.Decrypt(msg.Body)
	if err != nil {
		return false, fmt.Errorf("failed to decrypt message %s: %w", msg.MessageID, err)
	}
	msg.Body = body
	msg.Metadata.Remove(types.HeaderEncrypted)
	msg.Metadata.Remove(types.HeaderEncryptionType)
	msg.Metadata.Remove(types.HeaderEncryptDate)
	return true, nil
}
