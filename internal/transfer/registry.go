package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/postalsys/pakedrop/internal/logging"
	"github.com/postalsys/pakedrop/internal/metrics"
	"github.com/postalsys/pakedrop/internal/presence"
	"github.com/postalsys/pakedrop/internal/recovery"
)

const maxIDLength = 128

// NewID returns a fresh random transfer id.
func NewID() string {
	return uuid.NewString()
}

// ValidateID checks that id is 1-128 characters of [A-Za-z0-9._-].
func ValidateID(id string) error {
	if id == "" || len(id) > maxIDLength {
		return fmt.Errorf("%w: length %d", ErrInvalidID, len(id))
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return fmt.Errorf("%w: character %q", ErrInvalidID, r)
		}
	}
	return nil
}

// Options configures a Registry.
type Options struct {
	// BroadcastInterval is the progress push period.
	BroadcastInterval time.Duration
	// Retention is how long a finished or never-started session with no
	// subscribers is kept before the janitor removes it.
	Retention time.Duration
	Presence  *presence.Hub
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Stats is a point-in-time registry summary.
type Stats struct {
	Sessions    int
	Active      int
	Subscribers int
}

// Registry maps transfer ids to sessions. Its lock guards only the map;
// per-transfer state is guarded by each session's own lock. Lock order is
// registry, then session.
type Registry struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.BroadcastInterval <= 0 {
		opts.BroadcastInterval = 200 * time.Millisecond
	}
	if opts.Retention <= 0 {
		opts.Retention = 10 * time.Minute
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		opts:     opts,
		logger:   logger.With(logging.KeyComponent, "registry"),
		metrics:  opts.Metrics,
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// GetOrCreate returns the session for id, creating a Pending one on first
// access. Concurrent first access yields a single session.
func (r *Registry) GetOrCreate(id string) (*Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	r.mu.RLock()
	s, ok := r.sessions[id]
	closed := r.closed
	r.mu.RUnlock()
	if ok {
		return s, nil
	}
	if closed {
		return nil, ErrClosed
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if s, ok := r.sessions[id]; ok {
		return s, nil
	}
	s = NewSession(id)
	s.onTerminal = func(state State) {
		r.metrics.RecordOutcome(state.String())
	}
	r.sessions[id] = s
	r.metrics.RecordTransferStart()
	r.logger.Debug("session created", logging.KeyTransferID, id)
	return s, nil
}

// Get returns the session for id without creating it.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// Subscribe adds sub as a progress subscriber of id, creating the session if
// needed, and starts the session's broadcaster if it is not running.
func (r *Registry) Subscribe(id string, sub Subscriber) (*Session, error) {
	for {
		s, err := r.GetOrCreate(id)
		if err != nil {
			return nil, err
		}

		r.mu.RLock()
		if r.closed {
			r.mu.RUnlock()
			return nil, ErrClosed
		}
		if r.sessions[id] != s {
			// Destroyed between lookup and subscribe; start over.
			r.mu.RUnlock()
			continue
		}

		s.mu.Lock()
		s.subs = append(s.subs, sub)
		if s.bc == nil {
			s.bc = newBroadcaster(r, s)
			r.wg.Add(1)
			go s.bc.run(r.ctx)
		}
		s.mu.Unlock()
		r.mu.RUnlock()

		r.metrics.RecordSubscribe()
		return s, nil
	}
}

// Unsubscribe removes sub. When the last subscriber of a finished session
// leaves, the session, its cancellation signal and its key material are
// removed in one step.
func (r *Registry) Unsubscribe(id string, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i := slices.Index(s.subs, sub)
	if i < 0 {
		return
	}
	s.subs = slices.Delete(s.subs, i, i+1)
	r.metrics.RecordUnsubscribe()

	if len(s.subs) == 0 && s.state.Terminal() {
		r.destroyLocked(s)
	}
}

// RequestCancel cancels id. It is idempotent and creates a placeholder
// session so a cancel that arrives before the transfer starts still wins.
func (r *Registry) RequestCancel(id string) error {
	s, err := r.GetOrCreate(id)
	if err != nil {
		return err
	}
	if s.Cancel() {
		r.logger.Info("transfer cancel requested", logging.KeyTransferID, id)
	}
	return nil
}

// Presence returns the attached presence hub, or nil.
func (r *Registry) Presence() *presence.Hub {
	return r.opts.Presence
}

// RegisterPresence adds a presence connection for clientID. It fails with
// presence.ErrAlreadyConnected if the id already has a live connection.
func (r *Registry) RegisterPresence(clientID string, conn presence.Conn) error {
	if r.opts.Presence == nil {
		return errors.New("presence is not enabled")
	}
	return r.opts.Presence.Register(clientID, conn)
}

// UnregisterPresence removes the presence connection for clientID if conn
// is the registered one.
func (r *Registry) UnregisterPresence(clientID string, conn presence.Conn) {
	if r.opts.Presence == nil {
		return
	}
	r.opts.Presence.Unregister(clientID, conn)
}

// Stats summarizes the registry.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var st Stats
	for _, s := range r.sessions {
		s.mu.Lock()
		st.Sessions++
		if !s.state.Terminal() {
			st.Active++
		}
		st.Subscribers += len(s.subs)
		s.mu.Unlock()
	}
	return st
}

// Run removes abandoned sessions until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	defer recovery.RecoverWithLog(r.logger, "session-janitor")

	interval := r.opts.Retention / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := r.Reap(time.Now()); n > 0 {
				r.logger.Debug("reaped sessions", logging.KeyCount, n)
			}
		}
	}
}

// Reap removes sessions with no subscribers that finished, or were created
// and never started, more than the retention period before now.
func (r *Registry) Reap(now time.Time) int {
	cutoff := now.Add(-r.opts.Retention)

	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, s := range r.sessions {
		s.mu.Lock()
		if len(s.subs) == 0 && s.idleSince(cutoff) {
			r.destroyLocked(s)
			r.metrics.RecordReaped()
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// Close stops every broadcaster and waits for them to exit. Sessions stay
// readable but no new ones can be created.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	for _, s := range r.sessions {
		s.mu.Lock()
		if s.bc != nil {
			s.bc.stop()
		}
		s.mu.Unlock()
	}
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}

// destroyLocked removes s. Callers hold r.mu and s.mu.
func (r *Registry) destroyLocked(s *Session) {
	s.destroyed = true
	s.zeroLocked()
	if s.bc != nil {
		s.bc.stop()
		s.bc = nil
	}
	delete(r.sessions, s.ID)
	r.metrics.RecordTransferEnd()
	r.logger.Debug("session destroyed",
		logging.KeyTransferID, s.ID,
		logging.KeyState, s.state.String())
}
