// Package envelope implements the two selectable payload-obfuscation
// modes described by the tunnel's crypto envelope: AEAD
// (ChaCha20-Poly1305) and a lightweight repeating-key XOR. At most one
// mode is active per run; both sides of a tunnel must agree on it, or
// every packet fails to decrypt or deframe.
package envelope

import (
	"crypto/rand"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// NonceSize is the length of the AEAD nonce transmitted in the clear
// after the ciphertext.
const NonceSize = chacha20poly1305.NonceSize

// TagSize is the length of the AEAD authentication tag appended after
// the nonce.
const TagSize = 16

// MinXORKeyLen is the minimum key length accepted for XOR mode. Shorter
// keys make the repeating pattern trivially visible.
const MinXORKeyLen = 16

// ErrAuthFailed is returned by Open when the AEAD tag does not verify.
// The caller must drop the packet and never retry.
var ErrAuthFailed = errors.New("envelope: authentication failed")

// ErrShortKey is returned when a key is too short for the selected mode.
var ErrShortKey = errors.New("envelope: key too short")

// ErrShortCiphertext is returned when a received payload is too short
// to contain a nonce and tag.
var ErrShortCiphertext = errors.New("envelope: ciphertext shorter than nonce+tag")

// Mode seals and opens payloads. Exactly one Mode is active per engine,
// selected at startup from the configured key and mode flag.
type Mode interface {
	// Seal appends the sealed form of plaintext to dst and returns the
	// resulting slice. For AEAD this is ciphertext‖nonce‖tag; for XOR
	// and None it is the (obfuscated) plaintext itself.
	Seal(dst, plaintext []byte) ([]byte, error)
	// Open recovers the plaintext from an on-wire payload, returning it
	// appended to dst. It never panics and never blocks; failure is
	// always a plain error for the caller to log and drop.
	Open(dst, payload []byte) ([]byte, error)
}

// NoneMode passes payloads through unchanged. It is used when no key is
// configured.
type NoneMode struct{}

func (NoneMode) Seal(dst, plaintext []byte) ([]byte, error) { return append(dst, plaintext...), nil }
func (NoneMode) Open(dst, payload []byte) ([]byte, error)   { return append(dst, payload...), nil }

// AEADMode implements ChaCha20-Poly1305 with a fresh random 12-byte
// nonce per packet, transmitted in the clear after the ciphertext.
type AEADMode struct {
	aead chacha20poly1305.AEAD
}

// NewAEADMode constructs an AEADMode from a 32-byte key.
// ChaCha20-Poly1305 takes exactly 32 bytes and no padding or expansion
// is performed, so any other length — including the 16-byte keys that
// key.Decode also accepts — returns an error.
func NewAEADMode(key []byte) (*AEADMode, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errors.Wrap(err, "envelope: constructing AEAD")
	}
	return &AEADMode{aead: aead}, nil
}

// Seal encrypts plaintext, appending ciphertext‖nonce‖tag to dst.
func (m *AEADMode) Seal(dst, plaintext []byte) ([]byte, error) {
	var nonce [chacha20poly1305.NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, errors.Wrap(err, "envelope: generating nonce")
	}

	// Seal packs ciphertext‖tag; the wire format wants ciphertext‖nonce‖tag,
	// so split the tag off and interleave the nonce in between.
	sealed := m.aead.Seal(nil, nonce[:], plaintext, nil)
	ciphertext := sealed[:len(sealed)-m.aead.Overhead()]
	tag := sealed[len(sealed)-m.aead.Overhead():]

	dst = append(dst, ciphertext...)
	dst = append(dst, nonce[:]...)
	dst = append(dst, tag...)
	return dst, nil
}

// Open verifies and decrypts an on-wire payload shaped
// ciphertext‖nonce‖tag, appending the recovered plaintext to dst.
func (m *AEADMode) Open(dst, payload []byte) ([]byte, error) {
	overhead := chacha20poly1305.NonceSize + m.aead.Overhead()
	if len(payload) < overhead {
		return nil, ErrShortCiphertext
	}

	ctLen := len(payload) - overhead
	ciphertext := payload[:ctLen]
	nonce := payload[ctLen : ctLen+chacha20poly1305.NonceSize]
	tag := payload[ctLen+chacha20poly1305.NonceSize:]

	sealed := make([]byte, 0, ctLen+m.aead.Overhead())
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := m.aead.Open(dst, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// XORMode implements repeating-key XOR obfuscation. It provides no
// integrity or confidentiality guarantee against an adversary who can
// see more than one packet; it exists purely to avoid a constant
// byte-for-byte payload signature.
type XORMode struct {
	key []byte
}

// NewXORMode constructs an XORMode. key must be at least MinXORKeyLen
// bytes.
func NewXORMode(key []byte) (*XORMode, error) {
	if len(key) < MinXORKeyLen {
		return nil, ErrShortKey
	}
	return &XORMode{key: key}, nil
}

func (m *XORMode) Seal(dst, plaintext []byte) ([]byte, error) {
	base := len(dst)
	dst = append(dst, plaintext...)
	xorInPlace(dst[base:], m.key)
	return dst, nil
}

func (m *XORMode) Open(dst, payload []byte) ([]byte, error) {
	base := len(dst)
	dst = append(dst, payload...)
	xorInPlace(dst[base:], m.key)
	return dst, nil
}

func xorInPlace(buf, key []byte) {
	for i := range buf {
		buf[i] ^= key[i%len(key)]
	}
}
