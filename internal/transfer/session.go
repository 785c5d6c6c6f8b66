// Package transfer implements per-transfer session state, chunk processing,
// the session registry and progress broadcasting.
package transfer

import (
	"sync"
	"time"

	"github.com/postalsys/pakedrop/internal/crypto"
	"github.com/postalsys/pakedrop/internal/protocol"
)

// State is the lifecycle state of a transfer session.
type State int32

const (
	StatePending State = iota
	StateInProgress
	StateCompleted
	StateCanceled
	StateFailed
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInProgress:
		return "in_progress"
	case StateCompleted:
		return "completed"
	case StateCanceled:
		return "canceled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCanceled || s == StateFailed
}

// Kind is the direction of a transfer, used for progress messages.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindUpload
	KindDownload
)

func (k Kind) noun() string {
	switch k {
	case KindUpload:
		return "Upload"
	case KindDownload:
		return "Download"
	default:
		return "Transfer"
	}
}

func (k Kind) pastTense() string {
	switch k {
	case KindUpload:
		return "Uploaded"
	case KindDownload:
		return "Downloaded"
	default:
		return "Transferred"
	}
}

// String returns the metric label for the direction.
func (k Kind) String() string {
	switch k {
	case KindUpload:
		return "upload"
	case KindDownload:
		return "download"
	default:
		return "unknown"
	}
}

// Snapshot is a consistent point-in-time copy of a session.
type Snapshot struct {
	TransferID string
	State      State
	Progress   float64
	Message    string
	Completed  bool
	Canceled   bool
	Encrypted  bool
	Error      string
}

// Terminal reports whether the snapshot is in a terminal state.
func (s Snapshot) Terminal() bool {
	return s.State.Terminal()
}

// Wire converts the snapshot to its progress message.
func (s Snapshot) Wire() protocol.Progress {
	return protocol.Progress{
		Type:       protocol.TypeProgress,
		TransferID: s.TransferID,
		State:      s.State.String(),
		Progress:   s.Progress,
		Message:    s.Message,
		Completed:  s.Completed,
		Canceled:   s.Canceled,
		Encrypted:  s.Encrypted,
		Error:      s.Error,
	}
}

// Session is the state of one transfer. All fields after mu are guarded by
// it; the registry keeps its subscriber bookkeeping under the same lock.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu        sync.Mutex
	state     State
	kind      Kind
	progress  float64
	message   string
	errMsg    string
	plaintext bool
	key       *crypto.KeyMaterial
	cancel    *CancelSignal
	endedAt   time.Time

	subs      []Subscriber
	bc        *broadcaster
	destroyed bool

	// wake is poked on every terminal transition.
	wake       chan struct{}
	onTerminal func(State)
}

// NewSession creates a Pending session.
func NewSession(id string) *Session {
	return &Session{
		ID:        id,
		CreatedAt: time.Now(),
		state:     StatePending,
		message:   "Pending",
		wake:      make(chan struct{}, 1),
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns a copy of the observable session fields.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		TransferID: s.ID,
		State:      s.state,
		Progress:   s.progress,
		Message:    s.message,
		Completed:  s.state == StateCompleted || s.state == StateFailed,
		Canceled:   s.state == StateCanceled,
		Encrypted:  s.key != nil && !s.plaintext,
		Error:      s.errMsg,
	}
}

// Signal returns the cancellation signal, creating it on first use.
func (s *Session) Signal() *CancelSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signalLocked()
}

func (s *Session) signalLocked() *CancelSignal {
	if s.cancel == nil {
		s.cancel = NewCancelSignal()
	}
	return s.cancel
}

// CancelRequested reports whether cancellation has been requested.
func (s *Session) CancelRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil && s.cancel.Canceled()
}

// SetKey attaches the key material produced by a confirmed handshake. Only
// a Pending session that has not switched to plaintext accepts a key.
func (s *Session) SetKey(km *crypto.KeyMaterial) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state.Terminal():
		return ErrTerminal
	case s.key != nil:
		return ErrKeyExists
	case s.plaintext:
		return ErrPlaintext
	case s.state != StatePending:
		return ErrStarted
	}
	s.key = km
	s.message = "Key established"
	return nil
}

// Key returns the session key material, or nil if none is established.
func (s *Session) Key() *crypto.KeyMaterial {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

// HasKey reports whether a key is established.
func (s *Session) HasKey() bool {
	return s.Key() != nil
}

// UsePlaintext marks the session as running without encryption and
// reports whether this call made the switch. A session holding a key
// cannot fall back to plaintext.
func (s *Session) UsePlaintext() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != nil {
		return false, ErrKeyExists
	}
	if s.plaintext {
		return false, nil
	}
	s.plaintext = true
	return true, nil
}

// Plaintext reports whether the session runs without encryption.
func (s *Session) Plaintext() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plaintext
}

// Terminal reports whether the session has finished.
func (s *Session) Terminal() bool {
	return s.State().Terminal()
}

// Cancel requests cancellation. A session that has not finished moves to
// Canceled immediately; the processing loop observes the signal at its next
// checkpoint. It reports whether the state changed.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.signalLocked().Cancel()
	if s.state.Terminal() {
		return false
	}
	s.finishLocked(StateCanceled, s.kind.noun()+" canceled", "")
	return true
}

// Fail moves the session to Failed. It is a no-op on a finished session.
func (s *Session) Fail(message string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	errMsg := message
	if err != nil {
		errMsg = err.Error()
	}
	s.finishLocked(StateFailed, message, errMsg)
}

// Complete moves the session to Completed unless cancellation was requested,
// in which case it ends Canceled. It returns the resulting state.
func (s *Session) Complete(message string) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return s.state
	}
	if s.cancel != nil && s.cancel.Canceled() {
		s.finishLocked(StateCanceled, s.kind.noun()+" canceled", "")
		return s.state
	}
	s.progress = 100
	s.finishLocked(StateCompleted, message, "")
	return s.state
}

// begin records the transfer direction. It fails if the session is finished.
func (s *Session) begin(kind Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		if s.state == StateCanceled {
			return ErrCanceled
		}
		return ErrTerminal
	}
	s.kind = kind
	return nil
}

// advance records progress after a chunk has been written. Progress never
// decreases and is clamped to [0, 100].
func (s *Session) advance(progress float64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		if s.state == StateCanceled {
			return ErrCanceled
		}
		return ErrTerminal
	}
	if s.state == StatePending {
		s.state = StateInProgress
	}
	progress = min(max(progress, 0), 100)
	if progress > s.progress {
		s.progress = progress
	}
	if message != "" {
		s.message = message
	}
	return nil
}

func (s *Session) finishLocked(state State, message, errMsg string) {
	s.state = state
	s.message = message
	s.errMsg = errMsg
	s.endedAt = time.Now()
	if s.onTerminal != nil {
		s.onTerminal(state)
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// idleSince reports whether the session has been finished, or left
// Pending, since before t. Callers hold s.mu.
func (s *Session) idleSince(t time.Time) bool {
	if s.state.Terminal() {
		return s.endedAt.Before(t)
	}
	return s.state == StatePending && s.CreatedAt.Before(t)
}

// zeroLocked wipes key material.
func (s *Session) zeroLocked() {
	if s.key != nil {
		s.key.Zero()
	}
}
