package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// Purpose labels used to domain-separate derived keys.
const (
	LabelTransport        = "file_encryption"
	LabelConfirmInitiator = "confirm_A"
	LabelConfirmResponder = "confirm_B"
)

// Expand derives a key of the given length from secret under label, using a
// fresh random salt. The salt is not secret and must be sent to the peer so
// it can call ExpandWithSalt. Two calls with the same secret and label yield
// different keys.
func Expand(secret []byte, label string, length int) (salt, key []byte, err error) {
	salt, err = randomBytes(SaltSize)
	if err != nil {
		return nil, nil, err
	}
	key, err = ExpandWithSalt(secret, salt, label, length)
	if err != nil {
		return nil, nil, err
	}
	return salt, key, nil
}

// ExpandWithSalt is the deterministic form of Expand.
func ExpandWithSalt(secret, salt []byte, label string, length int) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty secret")
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("%w: salt is %d bytes, want %d", ErrProtocol, len(salt), SaltSize)
	}
	if label == "" {
		return nil, errors.New("empty label")
	}
	if length <= 0 || length > 255*sha256.Size {
		return nil, fmt.Errorf("invalid output length %d", length)
	}

	key := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(label)), key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}

// Side selects which confirmation label a party sends. It is independent of
// the SPAKE2 role so the symmetric variant still has distinct confirmations.
type Side uint8

const (
	SideA Side = iota + 1
	SideB
)

func (s Side) labels() (local, peer string) {
	if s == SideA {
		return LabelConfirmInitiator, LabelConfirmResponder
	}
	return LabelConfirmResponder, LabelConfirmInitiator
}

// KeyMaterial holds everything derived from one shared secret. It is owned by
// a single transfer and must be zeroed when that transfer ends.
type KeyMaterial struct {
	mu          sync.Mutex
	secret      []byte
	salt        [SaltSize]byte
	transport   [KeySize]byte
	confirm     [KeySize]byte
	peerConfirm [KeySize]byte
	zeroed      bool
}

// NewKeyMaterial derives key material for side with a freshly generated salt.
func NewKeyMaterial(secret []byte, side Side) (*KeyMaterial, error) {
	salt, transport, err := Expand(secret, LabelTransport, KeySize)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(transport)
	return buildKeyMaterial(secret, salt, transport, side)
}

// DeriveKeyMaterial derives key material for side using the salt chosen by
// the peer.
func DeriveKeyMaterial(secret, salt []byte, side Side) (*KeyMaterial, error) {
	transport, err := ExpandWithSalt(secret, salt, LabelTransport, KeySize)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(transport)
	return buildKeyMaterial(secret, salt, transport, side)
}

func buildKeyMaterial(secret, salt, transport []byte, side Side) (*KeyMaterial, error) {
	localLabel, peerLabel := side.labels()

	confirm, err := ExpandWithSalt(secret, salt, localLabel, KeySize)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(confirm)
	peerConfirm, err := ExpandWithSalt(secret, salt, peerLabel, KeySize)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(peerConfirm)

	km := &KeyMaterial{secret: append([]byte(nil), secret...)}
	copy(km.salt[:], salt)
	copy(km.transport[:], transport)
	copy(km.confirm[:], confirm)
	copy(km.peerConfirm[:], peerConfirm)
	return km, nil
}

// Salt returns the derivation salt.
func (k *KeyMaterial) Salt() []byte {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]byte(nil), k.salt[:]...)
}

// TransportKey returns a copy of the chunk encryption key.
func (k *KeyMaterial) TransportKey() []byte {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]byte(nil), k.transport[:]...)
}

// Confirmation returns the confirmation value this side sends to its peer.
func (k *KeyMaterial) Confirmation() []byte {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]byte(nil), k.confirm[:]...)
}

// VerifyPeerConfirmation compares the peer's confirmation value against the
// expected one in constant time.
func (k *KeyMaterial) VerifyPeerConfirmation(got []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.zeroed {
		return fmt.Errorf("%w: key material destroyed", ErrAuthentication)
	}
	if !hmac.Equal(got, k.peerConfirm[:]) {
		return fmt.Errorf("%w: key confirmation mismatch", ErrAuthentication)
	}
	return nil
}

// Zero wipes all key material. It is safe to call more than once.
func (k *KeyMaterial) Zero() {
	k.mu.Lock()
	defer k.mu.Unlock()
	ZeroBytes(k.secret)
	k.secret = nil
	ZeroBytes(k.salt[:])
	ZeroKey(&k.transport)
	ZeroKey(&k.confirm)
	ZeroKey(&k.peerConfirm)
	k.zeroed = true
}

// Zeroed reports whether Zero has been called.
func (k *KeyMaterial) Zeroed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.zeroed
}
