// Package presence tracks named clients connected to the notification
// channel and fans out connect, disconnect and application events.
package presence

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/postalsys/pakedrop/internal/logging"
	"github.com/postalsys/pakedrop/internal/metrics"
	"github.com/postalsys/pakedrop/internal/protocol"
	"github.com/postalsys/pakedrop/internal/recovery"
)

// ErrAlreadyConnected is returned when a client id already has a live
// connection. The existing connection is left untouched.
var ErrAlreadyConnected = errors.New("client already connected")

// Conn is one client's presence connection. Implementations must be
// comparable.
type Conn interface {
	SendEvent(ctx context.Context, ev protocol.PresenceEvent) error
	Close(reason string) error
}

// Options configures a Hub.
type Options struct {
	PingInterval time.Duration
	IdleTimeout  time.Duration
	SendTimeout  time.Duration
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

type client struct {
	id       string
	conn     Conn
	joined   time.Time
	lastSeen time.Time
	lastPing time.Time
	leaving  bool
}

// Hub is the presence roster.
type Hub struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	clients map[string]*client
	now     func() time.Time
}

// NewHub creates an empty roster.
func NewHub(opts Options) *Hub {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Hub{
		opts:    opts,
		logger:  logger.With(logging.KeyComponent, "presence"),
		metrics: opts.Metrics,
		clients: make(map[string]*client),
		now:     time.Now,
	}
}

// Register adds clientID to the roster. The other clients are told about
// the newcomer first, then the newcomer receives the roster.
func (h *Hub) Register(clientID string, conn Conn) error {
	if clientID == "" {
		return errors.New("empty client id")
	}

	h.mu.Lock()
	if _, ok := h.clients[clientID]; ok {
		h.mu.Unlock()
		h.metrics.RecordPresenceReject()
		return ErrAlreadyConnected
	}
	now := h.now()
	h.clients[clientID] = &client{id: clientID, conn: conn, joined: now, lastSeen: now}
	others := h.snapshotLocked(clientID)
	roster := h.idsLocked()
	h.mu.Unlock()

	h.metrics.RecordPresenceConnect()
	h.logger.Info("client connected", logging.KeyClientID, clientID)

	h.fanout(others, protocol.PresenceEvent{
		Type:     protocol.TypeUserConnected,
		ClientID: clientID,
		Time:     now.Unix(),
	})
	h.fanout([]*client{{id: clientID, conn: conn}}, protocol.PresenceEvent{
		Type:  protocol.TypeConnectedUsers,
		Users: roster,
		Time:  now.Unix(),
	})
	return nil
}

// Unregister removes clientID if conn is its registered connection, then
// tells the remaining clients. It reports whether anything was removed.
func (h *Hub) Unregister(clientID string, conn Conn) bool {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	if !ok || c.conn != conn || c.leaving {
		h.mu.Unlock()
		return false
	}
	c.leaving = true
	remaining := h.snapshotLocked(clientID)
	h.mu.Unlock()

	h.fanout(remaining, protocol.PresenceEvent{
		Type:     protocol.TypeUserDisconnected,
		ClientID: clientID,
		Time:     h.now().Unix(),
	})

	h.mu.Lock()
	delete(h.clients, clientID)
	h.mu.Unlock()

	h.metrics.RecordPresenceDisconnect()
	h.logger.Info("client disconnected", logging.KeyClientID, clientID)
	return true
}

// Touch records activity from clientID.
func (h *Hub) Touch(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		c.lastSeen = h.now()
	}
}

// Broadcast sends ev to every client except the one named by except. It
// returns the number of clients the event was delivered to.
func (h *Hub) Broadcast(ev protocol.PresenceEvent, except string) int {
	if ev.Time == 0 {
		ev.Time = h.now().Unix()
	}
	h.mu.Lock()
	targets := h.snapshotLocked(except)
	h.mu.Unlock()
	return h.fanout(targets, ev)
}

// Clients returns the sorted roster.
func (h *Hub) Clients() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.idsLocked()
}

// Connected reports whether clientID is in the roster.
func (h *Hub) Connected(clientID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.clients[clientID]
	return ok
}

// Run enforces the liveness policy until ctx is done: a client silent for
// PingInterval is pinged, a client silent for IdleTimeout is disconnected.
func (h *Hub) Run(ctx context.Context) error {
	defer recovery.RecoverWithLog(h.logger, "presence-liveness")

	tick := h.opts.PingInterval / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.checkLiveness()
		}
	}
}

func (h *Hub) checkLiveness() {
	now := h.now()

	var ping, expire []*client
	h.mu.Lock()
	for _, c := range h.clients {
		if c.leaving {
			continue
		}
		idle := now.Sub(c.lastSeen)
		switch {
		case idle >= h.opts.IdleTimeout:
			expire = append(expire, &client{id: c.id, conn: c.conn})
		case idle >= h.opts.PingInterval && now.Sub(c.lastPing) >= h.opts.PingInterval:
			c.lastPing = now
			ping = append(ping, &client{id: c.id, conn: c.conn})
		}
	}
	h.mu.Unlock()

	for _, c := range expire {
		h.logger.Info("client timed out", logging.KeyClientID, c.id)
		h.drop(c, "idle timeout")
	}
	if len(ping) > 0 {
		h.metrics.RecordPresencePing()
		h.fanout(ping, protocol.PresenceEvent{Type: protocol.TypePing, Time: now.Unix()})
	}
}

// fanout delivers ev to targets and drops any client whose send fails.
func (h *Hub) fanout(targets []*client, ev protocol.PresenceEvent) int {
	failed := h.deliver(targets, ev)
	for _, c := range failed {
		h.drop(c, "send failed")
	}
	return len(targets) - len(failed)
}

func (h *Hub) deliver(targets []*client, ev protocol.PresenceEvent) []*client {
	var failed []*client
	for _, c := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), h.opts.SendTimeout)
		err := c.conn.SendEvent(ctx, ev)
		cancel()
		if err != nil {
			h.logger.Debug("presence send failed",
				logging.KeyClientID, c.id,
				logging.KeyError, err)
			failed = append(failed, c)
		}
	}
	if n := len(targets) - len(failed); n > 0 {
		h.metrics.RecordPresenceEvent(ev.Type, n)
	}
	return failed
}

func (h *Hub) drop(c *client, reason string) {
	if h.Unregister(c.id, c.conn) {
		_ = c.conn.Close(reason)
	}
}

// snapshotLocked copies the roster without except, in join order.
func (h *Hub) snapshotLocked(except string) []*client {
	out := make([]*client, 0, len(h.clients))
	for id, c := range h.clients {
		if id == except {
			continue
		}
		out = append(out, &client{id: c.id, conn: c.conn, joined: c.joined})
	}
	slices.SortFunc(out, func(a, b *client) int {
		if c := a.joined.Compare(b.joined); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	return out
}

func (h *Hub) idsLocked() []string {
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
