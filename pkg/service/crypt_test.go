package service_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-rabbitflow/pkg/types"
)

func TestRabbitService_ComCryptRoundTrip(t *testing.T) {
	// Arrange
	cfg := testConfig()
	cfg.TimeFormat = time.RFC1123
	svc, _ := newService(t, cfg)
	original := []byte("a body that compresses well, a body that compresses well")
	msg := &types.Message{MessageID: "m-1", Body: append([]byte(nil), original...)}

	// Act
	changed, err := svc.ComCrypt(msg)

	// Assert
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, msg.Metadata.Compressed())
	assert.True(t, msg.Metadata.Encrypted())
	assert.Equal(t, "GZIP", msg.Metadata.Fields[types.HeaderCompressionType])
	assert.Equal(t, "AES256-GCM", msg.Metadata.Fields[types.HeaderEncryptionType])
	date, _ := msg.Metadata.Fields[types.HeaderEncryptDate].(string)
	_, err = time.Parse(time.RFC1123, date)
	assert.NoError(t, err, "encrypt-date uses the configured time format")

	changed, err = svc.ComCrypt(msg)
	require.NoError(t, err)
	assert.False(t, changed, "already compressed and encrypted")

	changed, err = svc.DecomCrypt(msg)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, original, msg.Body)
	assert.False(t, msg.Metadata.Compressed())
	assert.False(t, msg.Metadata.Encrypted())
	assert.NotContains(t, msg.Metadata.Fields, types.HeaderEncryptDate)
}

func TestRabbitService_EncryptedBodyIsLeftUnchanged(t *testing.T) {
	t.Run("compress skips an encrypted body", func(t *testing.T) {
		svc, _ := newService(t, testConfig())
		msg := &types.Message{Body: []byte("secret")}
		encrypted, err := svc.Encrypt(msg)
		require.NoError(t, err)
		require.True(t, encrypted)
		sealed := append([]byte(nil), msg.Body...)

		changed, err := svc.Compress(msg)
		require.NoError(t, err)
		assert.False(t, changed)

		changed, err = svc.ComCrypt(msg)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, sealed, msg.Body)
		assert.False(t, msg.Metadata.Compressed())
	})

	t.Run("decompress skips a body without an encryptor to open it", func(t *testing.T) {
		cfg := testConfig()
		cfg.Encryption.Passphrase = ""
		cfg.Encryption.Salt = ""
		svc, _ := newService(t, cfg)
		msg := &types.Message{Body: []byte("opaque")}
		msg.Metadata.Set(types.HeaderCompressed, true)
		msg.Metadata.Set(types.HeaderEncrypted, true)

		changed, err := svc.DecomCrypt(msg)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, []byte("opaque"), msg.Body)
		assert.True(t, msg.Metadata.Compressed())
		assert.True(t, msg.Metadata.Encrypted())
	})
}

func TestRabbitService_CryptNoOps(t *testing.T) {
	cfg := testConfig()
	cfg.Compression.Type = "none"
	cfg.Encryption.Passphrase = ""
	cfg.Encryption.Salt = ""
	svc, _ := newService(t, cfg)
	msg := &types.Message{Body: []byte("plain")}

	changed, err := svc.ComCrypt(msg)
	require.NoError(t, err)
	assert.False(t, changed, "no providers configured")

	changed, err = svc.Decrypt(msg)
	require.NoError(t, err)
	assert.False(t, changed, "body is not encrypted")
	assert.Equal(t, []byte("plain"), msg.Body)
}
