package presence

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/pakedrop/internal/metrics"
	"github.com/postalsys/pakedrop/internal/protocol"
)

// eventLog records deliveries across connections in order.
type eventLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *eventLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, s)
}

func (l *eventLog) index(s string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Index(l.entries, s)
}

type fakeConn struct {
	id  string
	log *eventLog

	mu     sync.Mutex
	events []protocol.PresenceEvent
	err    error
	closed string
}

func newFakeConn(id string, log *eventLog) *fakeConn {
	return &fakeConn{id: id, log: log}
}

func (f *fakeConn) SendEvent(_ context.Context, ev protocol.PresenceEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	if f.log != nil {
		f.log.add(fmt.Sprintf("%s:%s:%s", f.id, ev.Type, ev.ClientID))
	}
	return nil
}

func (f *fakeConn) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = reason
	return nil
}

func (f *fakeConn) received() []protocol.PresenceEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.PresenceEvent(nil), f.events...)
}

func (f *fakeConn) closedReason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestHub() (*Hub, *metrics.Metrics) {
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	return NewHub(Options{
		PingInterval: 20 * time.Second,
		IdleTimeout:  60 * time.Second,
		Metrics:      m,
	}), m
}

func TestHub_RegisterOrdering(t *testing.T) {
	h, m := newTestHub()
	log := &eventLog{}
	alice := newFakeConn("alice", log)
	bob := newFakeConn("bob", log)

	if err := h.Register("alice", alice); err != nil {
		t.Fatal(err)
	}
	if err := h.Register("bob", bob); err != nil {
		t.Fatal(err)
	}

	announced := log.index("alice:user_connected:bob")
	roster := log.index("bob:connected_users:")
	if announced < 0 || roster < 0 {
		t.Fatalf("missing events: %v", log.entries)
	}
	if announced > roster {
		t.Errorf("newcomer got the roster before others were told: %v", log.entries)
	}

	got := bob.received()
	if len(got) != 1 || !slices.Equal(got[0].Users, []string{"alice", "bob"}) {
		t.Errorf("bob received %+v", got)
	}
	if got := testutil.ToFloat64(m.PresenceClients); got != 2 {
		t.Errorf("PresenceClients = %v, want 2", got)
	}
}

func TestHub_DuplicateRejected(t *testing.T) {
	h, m := newTestHub()
	first := newFakeConn("alice", nil)
	second := newFakeConn("alice", nil)

	if err := h.Register("alice", first); err != nil {
		t.Fatal(err)
	}
	if err := h.Register("alice", second); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("duplicate Register() error = %v, want ErrAlreadyConnected", err)
	}

	if first.closedReason() != "" {
		t.Error("existing connection was closed")
	}
	if len(second.received()) != 0 {
		t.Error("rejected connection received events")
	}
	if got := testutil.ToFloat64(m.PresenceRejects); got != 1 {
		t.Errorf("PresenceRejects = %v, want 1", got)
	}

	if h.Unregister("alice", second) {
		t.Error("rejected connection unregistered the client")
	}
	if !h.Unregister("alice", first) {
		t.Fatal("Unregister() = false for the live connection")
	}
	if err := h.Register("alice", second); err != nil {
		t.Errorf("Register() after disconnect error = %v", err)
	}
}

func TestHub_UnregisterNotifiesRemaining(t *testing.T) {
	h, _ := newTestHub()
	log := &eventLog{}
	alice := newFakeConn("alice", log)
	bob := newFakeConn("bob", log)
	_ = h.Register("alice", alice)
	_ = h.Register("bob", bob)

	h.Unregister("bob", bob)

	if log.index("alice:user_disconnected:bob") < 0 {
		t.Errorf("alice not told about bob leaving: %v", log.entries)
	}
	if log.index("bob:user_disconnected:bob") >= 0 {
		t.Error("departing client received its own disconnect")
	}
	if !slices.Equal(h.Clients(), []string{"alice"}) {
		t.Errorf("Clients() = %v", h.Clients())
	}
	if h.Unregister("bob", bob) {
		t.Error("second Unregister() = true")
	}
}

func TestHub_BroadcastExcept(t *testing.T) {
	h, _ := newTestHub()
	alice := newFakeConn("alice", nil)
	bob := newFakeConn("bob", nil)
	carol := newFakeConn("carol", nil)
	for id, c := range map[string]*fakeConn{"alice": alice, "bob": bob, "carol": carol} {
		if err := h.Register(id, c); err != nil {
			t.Fatal(err)
		}
	}

	n := h.Broadcast(protocol.PresenceEvent{
		Type:     protocol.TypeUploadComplete,
		ClientID: "alice",
		Filename: "report.pdf",
	}, "alice")
	if n != 2 {
		t.Errorf("Broadcast() delivered to %d, want 2", n)
	}

	hasUpload := func(c *fakeConn) bool {
		for _, ev := range c.received() {
			if ev.Type == protocol.TypeUploadComplete && ev.Filename == "report.pdf" && ev.Time != 0 {
				return true
			}
		}
		return false
	}
	if hasUpload(alice) {
		t.Error("excluded client received the event")
	}
	if !hasUpload(bob) || !hasUpload(carol) {
		t.Error("other clients missed the event")
	}
}

func TestHub_FailedSendDropsOnlyThatClient(t *testing.T) {
	h, _ := newTestHub()
	alice := newFakeConn("alice", nil)
	bob := newFakeConn("bob", nil)
	carol := newFakeConn("carol", nil)
	_ = h.Register("alice", alice)
	_ = h.Register("bob", bob)
	_ = h.Register("carol", carol)

	bob.mu.Lock()
	bob.err = errors.New("broken pipe")
	bob.mu.Unlock()

	h.Broadcast(protocol.PresenceEvent{Type: protocol.TypeUploadComplete}, "")

	if h.Connected("bob") {
		t.Error("failing client still connected")
	}
	if bob.closedReason() != "send failed" {
		t.Errorf("bob closed with %q", bob.closedReason())
	}
	if !h.Connected("alice") || !h.Connected("carol") {
		t.Error("healthy clients dropped")
	}

	var told bool
	for _, ev := range carol.received() {
		if ev.Type == protocol.TypeUserDisconnected && ev.ClientID == "bob" {
			told = true
		}
	}
	if !told {
		t.Error("carol not told that bob was dropped")
	}
}

func TestHub_Liveness(t *testing.T) {
	h, m := newTestHub()
	clock := time.Unix(1_700_000_000, 0)
	h.now = func() time.Time { return clock }

	alice := newFakeConn("alice", nil)
	bob := newFakeConn("bob", nil)
	_ = h.Register("alice", alice)
	_ = h.Register("bob", bob)

	countPings := func(c *fakeConn) int {
		n := 0
		for _, ev := range c.received() {
			if ev.Type == protocol.TypePing {
				n++
			}
		}
		return n
	}

	clock = clock.Add(10 * time.Second)
	h.checkLiveness()
	if countPings(alice) != 0 {
		t.Fatal("pinged before the ping interval")
	}

	clock = clock.Add(15 * time.Second)
	h.Touch("bob")
	h.checkLiveness()
	if countPings(alice) != 1 {
		t.Errorf("alice pings = %d, want 1", countPings(alice))
	}
	if countPings(bob) != 0 {
		t.Error("active client was pinged")
	}

	clock = clock.Add(5 * time.Second)
	h.checkLiveness()
	if countPings(alice) != 1 {
		t.Error("pinged again within the ping interval")
	}

	clock = clock.Add(31 * time.Second)
	h.Touch("bob")
	h.checkLiveness()

	if h.Connected("alice") {
		t.Fatal("idle client not disconnected")
	}
	if alice.closedReason() != "idle timeout" {
		t.Errorf("alice closed with %q", alice.closedReason())
	}
	if !h.Connected("bob") {
		t.Error("active client disconnected")
	}
	if got := testutil.ToFloat64(m.PresencePings); got < 1 {
		t.Errorf("PresencePings = %v", got)
	}
}

func TestHub_RunStopsOnContext(t *testing.T) {
	h, _ := newTestHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return")
	}
}

func TestHub_RegisterEmptyID(t *testing.T) {
	h, _ := newTestHub()
	if err := h.Register("", newFakeConn("", nil)); err == nil {
		t.Error("expected error for empty client id")
	}
}
