package codec_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-rabbitflow/pkg/codec"
	"github.com/illmade-knight/go-rabbitflow/pkg/types"
)

var payload = bytes.Repeat([]byte("rabbitflow payload "), 64)

func TestCompressors_RoundTrip(t *testing.T) {
	zstdc, err := codec.NewZstdCompressor()
	require.NoError(t, err)
	t.Cleanup(func() { _ = zstdc.Close() })

	compressors := map[string]codec.Compressor{
		"gzip": codec.NewGzipCompressor(0),
		"zstd": zstdc,
	}

	for name, c := range compressors {
		t.Run(name, func(t *testing.T) {
			compressed, err := c.Compress(payload)
			require.NoError(t, err)
			assert.Less(t, len(compressed), len(payload))

			restored, err := c.Decompress(compressed)
			require.NoError(t, err)
			assert.Equal(t, payload, restored)

			_, err = c.Compress(nil)
			assert.ErrorIs(t, err, codec.ErrEmptyInput)
		})
	}
}

func TestGzipCompressor_RejectsGarbage(t *testing.T) {
	_, err := codec.NewGzipCompressor(0).Decompress([]byte("not gzip"))
	assert.Error(t, err)
}

func TestEncryptors_RoundTrip(t *testing.T) {
	key := codec.DeriveKey("passphrase", "salt-value-16byt")
	require.Len(t, key, codec.KeySize)

	aes, err := codec.NewAesGcmEncryptor(key)
	require.NoError(t, err)
	xchacha, err := codec.NewXChaChaEncryptor(key)
	require.NoError(t, err)

	encryptors := map[string]codec.Encryptor{
		"aes-gcm": aes,
		"xchacha": xchacha,
	}

	for name, e := range encryptors {
		t.Run(name, func(t *testing.T) {
			sealed, err := e.Encrypt(payload)
			require.NoError(t, err)
			assert.NotEqual(t, payload, sealed)

			again, err := e.Encrypt(payload)
			require.NoError(t, err)
			assert.NotEqual(t, sealed, again, "nonces must differ")

			opened, err := e.Decrypt(sealed)
			require.NoError(t, err)
			assert.Equal(t, payload, opened)

			tampered := append([]byte(nil), sealed...)
			tampered[len(tampered)-1] ^= 0xFF
			_, err = e.Decrypt(tampered)
			assert.Error(t, err)

			_, err = e.Decrypt([]byte{1, 2, 3})
			assert.ErrorIs(t, err, codec.ErrCiphertextTooShort)
		})
	}
}

func TestEncryptors_KeySize(t *testing.T) {
	_, err := codec.NewAesGcmEncryptor([]byte("short"))
	assert.ErrorIs(t, err, codec.ErrInvalidKey)
	_, err = codec.NewXChaChaEncryptor(make([]byte, 16))
	assert.ErrorIs(t, err, codec.ErrInvalidKey)
}

func TestDeriveKey_Deterministic(t *testing.T) {
	assert.Equal(t, codec.DeriveKey("a", "saltsaltsaltsalt"), codec.DeriveKey("a", "saltsaltsaltsalt"))
	assert.NotEqual(t, codec.DeriveKey("a", "saltsaltsaltsalt"), codec.DeriveKey("b", "saltsaltsaltsalt"))
}

func TestJSONSerializer_Message(t *testing.T) {
	s := codec.NewJSONSerializer()
	msg := types.Message{
		MessageID:  "id-1",
		Exchange:   "ex",
		RoutingKey: "rk",
		Body:       []byte("hello"),
		Timestamp:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	msg.Metadata.Set(types.HeaderCompressed, true)

	data, err := s.Marshal(msg)
	require.NoError(t, err)

	var decoded types.Message
	require.NoError(t, s.Unmarshal(data, &decoded))
	assert.Equal(t, msg.MessageID, decoded.MessageID)
	assert.Equal(t, msg.Body, decoded.Body)
	assert.True(t, decoded.Metadata.Compressed())
	assert.True(t, msg.Timestamp.Equal(decoded.Timestamp))
}
