// Package crypto provides the cryptographic building blocks for pakedrop
// transfers. It uses SPAKE2 over edwards25519 for the password-authenticated
// key exchange, HKDF-SHA256 for key derivation and ChaCha20-Poly1305 for
// chunk encryption.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// KeySize is the size of derived transport and confirmation keys in bytes.
	KeySize = 32

	// NonceSize is the size of ChaCha20-Poly1305 nonces in bytes.
	NonceSize = 12

	// TagSize is the size of Poly1305 authentication tags in bytes.
	TagSize = 16

	// SaltSize is the size of the random HKDF salt generated per derivation.
	SaltSize = 16

	// FrameOverhead is the number of bytes a chunk frame adds to its plaintext:
	// the nonce (12 bytes) and the auth tag (16 bytes) prepended to the ciphertext.
	FrameOverhead = NonceSize + TagSize
)

var (
	// ErrProtocol is returned for malformed or out-of-order handshake messages.
	// No key is established when it occurs.
	ErrProtocol = errors.New("protocol error")

	// ErrAuthentication is returned when key confirmation fails or an
	// AEAD tag does not verify. The affected transfer must be aborted.
	ErrAuthentication = errors.New("authentication failed")

	// ErrCodecClosed is returned by a codec whose cipher has been released.
	ErrCodecClosed = errors.New("codec closed")
)

// randomBytes fills a new slice of length n from crypto/rand.
func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return b, nil
}

// ZeroBytes zeroes out a byte slice to prevent sensitive data from lingering
// in memory.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroKey zeroes out a key array.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}
