// Package key generates and encodes the symmetric key shared between a
// client and server. Keys are always exchanged out of band, base64
// encoded on the command line.
package key

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/pkg/errors"
)

// ErrInvalidLength is returned when a decoded key is neither 16 nor 32
// bytes. The CLI surfaces this as "Invalid key" and exits non-zero.
var ErrInvalidLength = errors.New("Invalid key")

// Generate returns n cryptographically random bytes, n being 16 or 32.
func Generate(n int) ([]byte, error) {
	if n != 16 && n != 32 {
		return nil, ErrInvalidLength
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, errors.Wrap(err, "key: generating random bytes")
	}
	return buf, nil
}

// Encode base64-encodes a key for display or for passing on the command
// line.
func Encode(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// Decode base64-decodes a key and validates its length is 16 or 32
// bytes (AES-128/ChaCha20 class or longer XOR key).
func Decode(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrInvalidLength
	}
	if len(raw) != 16 && len(raw) != 32 {
		return nil, ErrInvalidLength
	}
	return raw, nil
}
