package key

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndDecodeRoundTrip(t *testing.T) {
	for _, n := range []int{16, 32} {
		raw, err := Generate(n)
		require.NoError(t, err)
		require.Len(t, raw, n)

		decoded, err := Decode(Encode(raw))
		require.NoError(t, err)
		assert.Equal(t, raw, decoded)
	}
}

func TestGenerateRejectsBadLength(t *testing.T) {
	_, err := Generate(24)
	assert.ErrorIs(t, err, ErrInvalidLength)
}

func TestDecodeRejectsInvalidBase64(t *testing.T) {
	_, err := Decode("not base64!!!")
	assert.ErrorIs(t, err, ErrInvalidLength)
}

func TestDecodeRejectsWrongLength(t *testing.T) {
	// Valid base64, but decodes to 8 bytes.
	_, err := Decode("AAAAAAAAAAA=")
	assert.ErrorIs(t, err, ErrInvalidLength)
}
