package transfer

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/postalsys/pakedrop/internal/logging"
	"github.com/postalsys/pakedrop/internal/protocol"
	"github.com/postalsys/pakedrop/internal/recovery"
)

// Subscriber receives progress snapshots for one transfer. Implementations
// must be comparable; the registry identifies subscribers by equality.
type Subscriber interface {
	SendProgress(ctx context.Context, p protocol.Progress) error
}

// SubscriberFunc adapts a function to Subscriber. Because functions are not
// comparable, wrap it in a pointer: &SubscriberFunc{...}.
type SubscriberFunc func(ctx context.Context, p protocol.Progress) error

// SendProgress calls f.
func (f *SubscriberFunc) SendProgress(ctx context.Context, p protocol.Progress) error {
	return (*f)(ctx, p)
}

// sendTimeout bounds a single snapshot delivery.
const sendTimeout = 5 * time.Second

// broadcaster pushes snapshots of one session to its subscribers on a fixed
// interval until the session is terminal. It is owned by the registry entry.
type broadcaster struct {
	reg      *Registry
	session  *Session
	interval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

func newBroadcaster(reg *Registry, s *Session) *broadcaster {
	return &broadcaster{
		reg:      reg,
		session:  s,
		interval: reg.opts.BroadcastInterval,
		stopCh:   make(chan struct{}),
	}
}

// stop asks the loop to exit without waiting for it.
func (b *broadcaster) stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

func (b *broadcaster) run(ctx context.Context) {
	defer b.reg.wg.Done()
	defer recovery.RecoverWithLog(b.reg.logger, "progress-broadcaster")

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	cancelCh := b.session.Signal().Done()
	delivered := make(map[Subscriber]bool)

	for {
		snap, sent := b.push(ctx)
		if snap.Terminal() {
			for _, sub := range sent {
				delivered[sub] = true
			}
			if b.finish(delivered) {
				return
			}
			continue
		}

		select {
		case <-ticker.C:
		case <-cancelCh:
			cancelCh = nil
		case <-b.session.wake:
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// push delivers the current snapshot to every subscriber. The subscriber
// list is copied first so sends never hold the session lock. Subscribers
// whose send fails are removed; the rest still receive the snapshot.
func (b *broadcaster) push(ctx context.Context) (Snapshot, []Subscriber) {
	s := b.session

	s.mu.Lock()
	snap := s.snapshotLocked()
	subs := slices.Clone(s.subs)
	s.mu.Unlock()

	msg := snap.Wire()
	sent := subs[:0:0]
	for _, sub := range subs {
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := sub.SendProgress(sendCtx, msg)
		cancel()

		b.reg.metrics.RecordBroadcast(err == nil)
		if err != nil {
			b.reg.logger.Debug("dropping progress subscriber",
				logging.KeyTransferID, s.ID,
				logging.KeyError, err)
			b.reg.Unsubscribe(s.ID, sub)
			continue
		}
		sent = append(sent, sub)
	}
	return snap, sent
}

// finish reports whether the loop may exit: every current subscriber has
// seen a terminal snapshot, or the session is gone.
func (b *broadcaster) finish(delivered map[Subscriber]bool) bool {
	s := b.session
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return true
	}
	for _, sub := range s.subs {
		if !delivered[sub] {
			return false
		}
	}
	if s.bc == b {
		s.bc = nil
	}
	return true
}
