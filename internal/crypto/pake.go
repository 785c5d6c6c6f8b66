package crypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/hkdf"
)

// ExchangeMessageSize is the size of a SPAKE2 handshake message:
// one role byte followed by a compressed edwards25519 point.
const ExchangeMessageSize = 1 + 32

// SecretSize is the size of the raw shared secret produced by Finish.
const SecretSize = sha256.Size

const (
	passwordInfo = "pakedrop-spake2-password-v1"

	seedM = "pakedrop-spake2-M-v1"
	seedN = "pakedrop-spake2-N-v1"
	seedS = "pakedrop-spake2-S-v1"
)

// Role selects the SPAKE2 variant and this party's side of it.
//
// RoleInitiator and RoleResponder form the asymmetric variant; each side blinds
// its element with a distinct generator so a message can't be reflected back
// at its sender. RoleSymmetric is used when neither party has a fixed role.
// The two variants do not interoperate.
type Role uint8

const (
	RoleInitiator Role = iota + 1
	RoleResponder
	RoleSymmetric
)

// String returns a human-readable role name.
func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	case RoleSymmetric:
		return "symmetric"
	default:
		return "unknown"
	}
}

func (r Role) side() byte {
	switch r {
	case RoleInitiator:
		return 'A'
	case RoleResponder:
		return 'B'
	case RoleSymmetric:
		return 'S'
	default:
		return 0
	}
}

func (r Role) peerSide() byte {
	switch r {
	case RoleInitiator:
		return 'B'
	case RoleResponder:
		return 'A'
	case RoleSymmetric:
		return 'S'
	default:
		return 0
	}
}

func (r Role) blind() *edwards25519.Point {
	switch r {
	case RoleInitiator:
		return blindM
	case RoleResponder:
		return blindN
	default:
		return blindS
	}
}

func (r Role) peerBlind() *edwards25519.Point {
	switch r {
	case RoleInitiator:
		return blindN
	case RoleResponder:
		return blindM
	default:
		return blindS
	}
}

// Blinding elements with unknown discrete logarithm relative to the base point.
var (
	blindM = hashToPoint(seedM)
	blindN = hashToPoint(seedN)
	blindS = hashToPoint(seedS)
)

// hashToPoint maps a seed to a prime-order point by try-and-increment.
func hashToPoint(seed string) *edwards25519.Point {
	identity := edwards25519.NewIdentityPoint()
	var counter [4]byte
	for i := uint32(0); ; i++ {
		binary.BigEndian.PutUint32(counter[:], i)
		h := sha256.New()
		h.Write([]byte(seed))
		h.Write(counter[:])

		p, err := new(edwards25519.Point).SetBytes(h.Sum(nil))
		if err != nil {
			continue
		}
		q := new(edwards25519.Point).MultByCofactor(p)
		if q.Equal(identity) == 1 {
			continue
		}
		return q
	}
}

// Exchange holds the ephemeral state of one SPAKE2 run. An Exchange is single
// use: after Finish (successful or not) its secret scalars are wiped.
type Exchange struct {
	role     Role
	pw       *edwards25519.Scalar
	pwHash   [sha256.Size]byte
	x        *edwards25519.Scalar
	element  []byte // our blinded element, without the role byte
	outbound []byte
	idA      []byte
	idB      []byte
	done     bool
}

// ExchangeOption configures an Exchange.
type ExchangeOption func(*Exchange)

// WithIdentities binds party identities into the transcript. In the symmetric
// variant only idA is used.
func WithIdentities(idA, idB []byte) ExchangeOption {
	return func(e *Exchange) {
		e.idA = append([]byte(nil), idA...)
		e.idB = append([]byte(nil), idB...)
	}
}

// Start begins a key exchange for the given role and password and returns the
// message to send to the peer. Every call draws fresh randomness, so two calls
// never produce the same ephemeral state.
func Start(role Role, password []byte, opts ...ExchangeOption) (*Exchange, []byte, error) {
	if role.side() == 0 {
		return nil, nil, fmt.Errorf("unknown role %d", role)
	}
	if len(password) == 0 {
		return nil, nil, errors.New("password is required")
	}

	w, err := passwordScalar(password)
	if err != nil {
		return nil, nil, err
	}
	x, err := randomScalar()
	if err != nil {
		return nil, nil, err
	}

	e := &Exchange{
		role:   role,
		pw:     w,
		pwHash: sha256.Sum256(password),
		x:      x,
	}
	for _, opt := range opts {
		opt(e)
	}

	// X = x·G + w·blind
	elem := new(edwards25519.Point).ScalarBaseMult(x)
	elem.Add(elem, new(edwards25519.Point).ScalarMult(w, role.blind()))

	e.element = elem.Bytes()
	e.outbound = make([]byte, 0, ExchangeMessageSize)
	e.outbound = append(e.outbound, role.side())
	e.outbound = append(e.outbound, e.element...)

	return e, e.Outbound(), nil
}

// Role returns the role this exchange was started with.
func (e *Exchange) Role() Role {
	return e.role
}

// Outbound returns a copy of the message produced by Start.
func (e *Exchange) Outbound() []byte {
	return append([]byte(nil), e.outbound...)
}

// Finish consumes the peer's message and returns the raw shared secret. The
// secret must only be fed to key derivation, never used as a cipher key.
//
// Any validation failure returns ErrProtocol. The exchange is destroyed either
// way and cannot be finished twice.
func (e *Exchange) Finish(inbound []byte) ([]byte, error) {
	if e.done {
		return nil, fmt.Errorf("%w: exchange already finished", ErrProtocol)
	}
	e.done = true
	defer e.destroy()

	if len(inbound) != ExchangeMessageSize {
		return nil, fmt.Errorf("%w: handshake message is %d bytes, want %d", ErrProtocol, len(inbound), ExchangeMessageSize)
	}
	if inbound[0] != e.role.peerSide() {
		return nil, fmt.Errorf("%w: unexpected role byte %q for %s", ErrProtocol, inbound[0], e.role)
	}
	if bytes.Equal(inbound, e.outbound) {
		return nil, fmt.Errorf("%w: reflected handshake message", ErrProtocol)
	}

	peer, err := new(edwards25519.Point).SetBytes(inbound[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid group element", ErrProtocol)
	}
	identity := edwards25519.NewIdentityPoint()
	if new(edwards25519.Point).MultByCofactor(peer).Equal(identity) == 1 {
		return nil, fmt.Errorf("%w: small-order group element", ErrProtocol)
	}

	// K = 8·x·(Y − w·peerBlind)
	unblinded := new(edwards25519.Point).Subtract(peer, new(edwards25519.Point).ScalarMult(e.pw, e.role.peerBlind()))
	k := new(edwards25519.Point).ScalarMult(e.x, unblinded)
	k = new(edwards25519.Point).MultByCofactor(k)
	if k.Equal(identity) == 1 {
		return nil, fmt.Errorf("%w: degenerate shared element", ErrProtocol)
	}

	return e.transcript(inbound[1:], k.Bytes()), nil
}

func (e *Exchange) transcript(peerElement, k []byte) []byte {
	h := sha256.New()
	h.Write(e.pwHash[:])

	switch e.role {
	case RoleSymmetric:
		idS := sha256.Sum256(e.idA)
		h.Write(idS[:])
		first, second := e.element, peerElement
		if bytes.Compare(first, second) > 0 {
			first, second = second, first
		}
		h.Write(first)
		h.Write(second)
	default:
		idA := sha256.Sum256(e.idA)
		idB := sha256.Sum256(e.idB)
		h.Write(idA[:])
		h.Write(idB[:])
		if e.role == RoleInitiator {
			h.Write(e.element)
			h.Write(peerElement)
		} else {
			h.Write(peerElement)
			h.Write(e.element)
		}
	}

	h.Write(k)
	return h.Sum(nil)
}

// destroy wipes the secret scalars.
func (e *Exchange) destroy() {
	zero := edwards25519.NewScalar()
	if e.x != nil {
		e.x.Set(zero)
	}
	if e.pw != nil {
		e.pw.Set(zero)
	}
	ZeroBytes(e.pwHash[:])
}

func randomScalar() (*edwards25519.Scalar, error) {
	seed, err := randomBytes(64)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(seed)
	s, err := edwards25519.NewScalar().SetUniformBytes(seed)
	if err != nil {
		return nil, fmt.Errorf("derive scalar: %w", err)
	}
	return s, nil
}

func passwordScalar(password []byte) (*edwards25519.Scalar, error) {
	seed := make([]byte, 64)
	defer ZeroBytes(seed)
	if _, err := io.ReadFull(hkdf.New(sha256.New, password, nil, []byte(passwordInfo)), seed); err != nil {
		return nil, fmt.Errorf("expand password: %w", err)
	}
	s, err := edwards25519.NewScalar().SetUniformBytes(seed)
	if err != nil {
		return nil, fmt.Errorf("derive password scalar: %w", err)
	}
	return s, nil
}
