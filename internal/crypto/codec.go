package crypto

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// randomNonceLimit is the number of random nonces drawn under one key before
// the codec switches to counter nonces, keeping the birthday bound negligible.
const randomNonceLimit = 1 << 32

// Frame is one encrypted chunk. Its wire form is nonce || tag || ciphertext.
type Frame struct {
	Nonce      [NonceSize]byte
	Tag        [TagSize]byte
	Ciphertext []byte
}

// Marshal returns the wire form of the frame.
func (f Frame) Marshal() []byte {
	out := make([]byte, 0, FrameOverhead+len(f.Ciphertext))
	out = append(out, f.Nonce[:]...)
	out = append(out, f.Tag[:]...)
	out = append(out, f.Ciphertext...)
	return out
}

// ParseFrame slices a wire frame by its fixed-size prefixes. The returned
// frame aliases b.
func ParseFrame(b []byte) (Frame, error) {
	var f Frame
	if len(b) < FrameOverhead {
		return f, fmt.Errorf("%w: frame too short: %d bytes", ErrAuthentication, len(b))
	}
	copy(f.Nonce[:], b[:NonceSize])
	copy(f.Tag[:], b[NonceSize:FrameOverhead])
	f.Ciphertext = b[FrameOverhead:]
	return f, nil
}

// Codec encrypts and decrypts chunks under one transfer key with
// ChaCha20-Poly1305. It is safe for concurrent use.
type Codec struct {
	aead cipher.AEAD

	mu          sync.Mutex
	sealed      uint64
	randomLimit uint64
	prefix      [4]byte
	counter     uint64
}

// NewCodec creates a codec for a 32-byte transport key.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length: got %d want %d", len(key), KeySize)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return &Codec{aead: aead, randomLimit: randomNonceLimit}, nil
}

// Close drops the cipher so the transport key it holds becomes unreachable.
// Later calls fail with ErrCodecClosed. Close is idempotent.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aead = nil
}

func (c *Codec) current() (cipher.AEAD, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aead == nil {
		return nil, ErrCodecClosed
	}
	return c.aead, nil
}

// CounterMode reports whether the codec has switched to counter nonces.
func (c *Codec) CounterMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sealed > c.randomLimit
}

func (c *Codec) nextNonce() ([NonceSize]byte, error) {
	var nonce [NonceSize]byte

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sealed++
	if c.sealed <= c.randomLimit {
		b, err := randomBytes(NonceSize)
		if err != nil {
			return nonce, err
		}
		copy(nonce[:], b)
		return nonce, nil
	}

	// Counter nonces: [4 bytes random prefix][8 bytes big-endian counter].
	if c.counter == 0 {
		b, err := randomBytes(len(c.prefix))
		if err != nil {
			return nonce, err
		}
		copy(c.prefix[:], b)
	}
	copy(nonce[:4], c.prefix[:])
	binary.BigEndian.PutUint64(nonce[4:], c.counter)
	c.counter++
	return nonce, nil
}

// Encrypt encrypts one chunk under a fresh nonce.
func (c *Codec) Encrypt(plaintext []byte) (Frame, error) {
	var f Frame

	aead, err := c.current()
	if err != nil {
		return f, err
	}
	nonce, err := c.nextNonce()
	if err != nil {
		return f, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce[:], plaintext, nil)
	ctLen := len(sealed) - TagSize

	f.Nonce = nonce
	copy(f.Tag[:], sealed[ctLen:])
	f.Ciphertext = sealed[:ctLen]
	return f, nil
}

// Decrypt authenticates and decrypts one frame. A tag mismatch returns
// ErrAuthentication and no plaintext.
func (c *Codec) Decrypt(f Frame) ([]byte, error) {
	aead, err := c.current()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(f.Ciphertext)+TagSize)
	buf = append(buf, f.Ciphertext...)
	buf = append(buf, f.Tag[:]...)

	plaintext, err := aead.Open(nil, f.Nonce[:], buf, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: chunk tag did not verify", ErrAuthentication)
	}
	return plaintext, nil
}

// Seal encrypts a chunk and returns its wire form.
func (c *Codec) Seal(plaintext []byte) ([]byte, error) {
	f, err := c.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	return f.Marshal(), nil
}

// Open parses and decrypts a wire frame.
func (c *Codec) Open(wire []byte) ([]byte, error) {
	f, err := ParseFrame(wire)
	if err != nil {
		return nil, err
	}
	return c.Decrypt(f)
}
