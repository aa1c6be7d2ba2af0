package envelope

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randKey(t *testing.T, n int) []byte {
	t.Helper()
	key := make([]byte, n)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestAEADRoundTrip(t *testing.T) {
	mode, err := NewAEADMode(randKey(t, 32))
	require.NoError(t, err)

	plaintext := []byte("hello, tunnel")
	sealed, err := mode.Seal(nil, plaintext)
	require.NoError(t, err)

	// ciphertext len == plaintext len, plus 12-byte nonce and 16-byte tag.
	assert.Equal(t, len(plaintext)+NonceSize+TagSize, len(sealed))

	opened, err := mode.Open(nil, sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestAEADTamperedByteFailsAuth(t *testing.T) {
	mode, err := NewAEADMode(randKey(t, 32))
	require.NoError(t, err)

	sealed, err := mode.Seal(nil, []byte("payload"))
	require.NoError(t, err)

	sealed[0] ^= 0xff

	_, err = mode.Open(nil, sealed)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestAEADShortCiphertextRejected(t *testing.T) {
	mode, err := NewAEADMode(randKey(t, 32))
	require.NoError(t, err)

	_, err = mode.Open(nil, []byte("short"))
	assert.ErrorIs(t, err, ErrShortCiphertext)
}

func TestAEADNonceIsFreshPerPacket(t *testing.T) {
	mode, err := NewAEADMode(randKey(t, 32))
	require.NoError(t, err)

	a, err := mode.Seal(nil, []byte("same plaintext"))
	require.NoError(t, err)
	b, err := mode.Seal(nil, []byte("same plaintext"))
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "two seals of the same plaintext must differ (fresh nonce)")
}

func TestXORRoundTrip(t *testing.T) {
	mode, err := NewXORMode([]byte("sixteen-byte-key"))
	require.NoError(t, err)

	plaintext := []byte("obfuscate me please")
	sealed, err := mode.Seal(nil, plaintext)
	require.NoError(t, err)
	assert.Equal(t, len(plaintext), len(sealed))
	assert.False(t, bytes.Equal(plaintext, sealed))

	opened, err := mode.Open(nil, sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestXORRejectsShortKey(t *testing.T) {
	_, err := NewXORMode([]byte("short"))
	assert.ErrorIs(t, err, ErrShortKey)
}

func TestNoneModePassesThrough(t *testing.T) {
	var mode NoneMode
	plaintext := []byte("plain")
	sealed, err := mode.Seal(nil, plaintext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, sealed)
}
