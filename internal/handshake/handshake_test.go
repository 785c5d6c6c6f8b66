package handshake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/pakedrop/internal/crypto"
	"github.com/postalsys/pakedrop/internal/metrics"
	"github.com/postalsys/pakedrop/internal/protocol"
)

type chanTransport struct {
	in  <-chan []byte
	out chan<- []byte
}

func (c *chanTransport) Send(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case c.out <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *chanTransport) Recv(ctx context.Context) (protocol.Message, error) {
	select {
	case b := <-c.in:
		return protocol.Parse(b)
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

// sendRaw injects raw bytes as if the peer had sent them.
func (c *chanTransport) sendRaw(b []byte) {
	c.out <- b
}

func pipe() (*chanTransport, *chanTransport) {
	a := make(chan []byte, 8)
	b := make(chan []byte, 8)
	return &chanTransport{in: a, out: b}, &chanTransport{in: b, out: a}
}

func testMetrics() *metrics.Metrics {
	return metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
}

type result struct {
	km  *crypto.KeyMaterial
	err error
}

func run(t *testing.T, serverCfg, clientCfg Config) (server, client result) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, ct := pipe()
	done := make(chan result, 1)
	go func() {
		km, err := Respond(ctx, st, serverCfg)
		done <- result{km, err}
	}()

	km, err := Initiate(ctx, ct, clientCfg)
	client = result{km, err}
	server = <-done
	return server, client
}

func TestHandshake_Establishes(t *testing.T) {
	for _, mode := range []Mode{ModeAsymmetric, ModeSymmetric} {
		t.Run(mode.String(), func(t *testing.T) {
			m := testMetrics()
			cfg := Config{Mode: mode, Password: []byte("correct horse"), TransferID: "xfer-1", Metrics: m}

			server, client := run(t, cfg, cfg)
			if server.err != nil || client.err != nil {
				t.Fatalf("server err = %v, client err = %v", server.err, client.err)
			}
			if !bytes.Equal(server.km.TransportKey(), client.km.TransportKey()) {
				t.Fatal("transport keys differ")
			}
			if !bytes.Equal(server.km.Salt(), client.km.Salt()) {
				t.Error("salts differ")
			}

			sealer, err := crypto.NewCodec(client.km.TransportKey())
			if err != nil {
				t.Fatal(err)
			}
			opener, err := crypto.NewCodec(server.km.TransportKey())
			if err != nil {
				t.Fatal(err)
			}
			wire, err := sealer.Seal([]byte("chunk"))
			if err != nil {
				t.Fatal(err)
			}
			plain, err := opener.Open(wire)
			if err != nil || string(plain) != "chunk" {
				t.Errorf("Open() = %q, %v", plain, err)
			}

			if got := testutil.CollectAndCount(m.HandshakeLatency); got != 1 {
				t.Errorf("latency series = %d, want 1", got)
			}
		})
	}
}

func TestRespond_Accept(t *testing.T) {
	t.Run("called before established", func(t *testing.T) {
		var accepted *crypto.KeyMaterial
		serverCfg := Config{
			Password: []byte("pw"),
			Metrics:  testMetrics(),
			Accept: func(km *crypto.KeyMaterial) error {
				accepted = km
				return nil
			},
		}
		clientCfg := Config{Password: []byte("pw"), Metrics: testMetrics()}

		server, client := run(t, serverCfg, clientCfg)
		if server.err != nil || client.err != nil {
			t.Fatalf("server err = %v, client err = %v", server.err, client.err)
		}
		if accepted != server.km {
			t.Error("Accept did not receive the returned key")
		}
	})

	t.Run("rejection aborts", func(t *testing.T) {
		errTaken := errors.New("key already taken")
		serverCfg := Config{
			Password: []byte("pw"),
			Metrics:  testMetrics(),
			Accept:   func(*crypto.KeyMaterial) error { return errTaken },
		}
		clientCfg := Config{Password: []byte("pw"), Metrics: testMetrics()}

		server, client := run(t, serverCfg, clientCfg)
		if !errors.Is(server.err, errTaken) {
			t.Errorf("server err = %v, want %v", server.err, errTaken)
		}
		var remote *RemoteError
		if !errors.As(client.err, &remote) || remote.Message != "handshake failed" {
			t.Errorf("client err = %v, want remote handshake failed", client.err)
		}
	})
}

func TestHandshake_WrongPassword(t *testing.T) {
	serverMetrics, clientMetrics := testMetrics(), testMetrics()
	server, client := run(t,
		Config{Password: []byte("alpha"), Metrics: serverMetrics},
		Config{Password: []byte("bravo"), Metrics: clientMetrics},
	)

	if !errors.Is(client.err, crypto.ErrAuthentication) {
		t.Errorf("client err = %v, want ErrAuthentication", client.err)
	}
	var remote *RemoteError
	if !errors.As(server.err, &remote) {
		t.Errorf("server err = %v, want RemoteError", server.err)
	}
	if server.km != nil || client.km != nil {
		t.Error("key material returned on failure")
	}
	if got := testutil.ToFloat64(clientMetrics.AuthFailures.WithLabelValues("confirm")); got != 1 {
		t.Errorf("client auth failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(serverMetrics.HandshakeErrors.WithLabelValues("remote")); got != 1 {
		t.Errorf("server remote errors = %v, want 1", got)
	}
}

func TestHandshake_ModeMismatch(t *testing.T) {
	server, client := run(t,
		Config{Mode: ModeAsymmetric, Password: []byte("pw"), Metrics: testMetrics()},
		Config{Mode: ModeSymmetric, Password: []byte("pw"), Metrics: testMetrics()},
	)
	if !errors.Is(client.err, crypto.ErrProtocol) {
		t.Errorf("client err = %v, want ErrProtocol", client.err)
	}
	if server.err == nil {
		t.Error("server established a key with a mismatched peer")
	}
}

func TestHandshake_TransferIDBound(t *testing.T) {
	server, client := run(t,
		Config{Password: []byte("pw"), TransferID: "one", Metrics: testMetrics()},
		Config{Password: []byte("pw"), TransferID: "two", Metrics: testMetrics()},
	)
	if !errors.Is(client.err, crypto.ErrAuthentication) {
		t.Errorf("client err = %v, want ErrAuthentication", client.err)
	}
	if server.err == nil {
		t.Error("server established a key for a different transfer")
	}
}

func TestRespond_UnexpectedMessages(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"wrong type", []byte(`{"type":"confirm","confirm":""}`)},
		{"client action", []byte(`{"action":"upload_chunk","filename":"a"}`)},
		{"not json", []byte(`not json`)},
		{"bad field", []byte(`{"type":"handshake","message":42}`)},
		{"short element", []byte(`{"type":"handshake","message":"AAAA"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			st, ct := pipe()
			m := testMetrics()
			done := make(chan error, 1)
			go func() {
				_, err := Respond(ctx, st, Config{Password: []byte("pw"), Metrics: m})
				done <- err
			}()

			first, err := ct.Recv(ctx)
			if err != nil || first.Type != protocol.TypeHandshake {
				t.Fatalf("first message = %+v, %v", first, err)
			}
			ct.sendRaw(tt.raw)

			if err := <-done; !errors.Is(err, crypto.ErrProtocol) {
				t.Errorf("Respond() error = %v, want ErrProtocol", err)
			}
			reply, err := ct.Recv(ctx)
			if err != nil || reply.Type != protocol.TypeError {
				t.Errorf("peer received %+v, %v; want error message", reply, err)
			}
			if got := testutil.ToFloat64(m.HandshakeErrors.WithLabelValues("protocol")); got != 1 {
				t.Errorf("protocol errors = %v, want 1", got)
			}
		})
	}
}

func TestHandshake_CanceledByPeer(t *testing.T) {
	tests := []struct {
		name string
		// skip is the number of server messages read before canceling.
		skip int
	}{
		{"before handshake", 1},
		{"before confirm", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			st, ct := pipe()
			m := testMetrics()
			accepted := false
			done := make(chan error, 1)
			go func() {
				_, err := Respond(ctx, st, Config{
					Password: []byte("pw"),
					Metrics:  m,
					Accept: func(*crypto.KeyMaterial) error {
						accepted = true
						return nil
					},
				})
				done <- err
			}()

			first, err := ct.Recv(ctx)
			if err != nil || first.Type != protocol.TypeHandshake {
				t.Fatalf("first message = %+v, %v", first, err)
			}
			if tt.skip > 1 {
				var hs protocol.Handshake
				if err := first.Decode(&hs); err != nil {
					t.Fatal(err)
				}
				ex, outbound, err := crypto.Start(crypto.RoleInitiator, []byte("pw"))
				if err != nil {
					t.Fatal(err)
				}
				if _, err := ex.Finish(hs.Message); err != nil {
					t.Fatal(err)
				}
				if err := ct.Send(ctx, protocol.Handshake{Type: protocol.TypeHandshake, Message: outbound}); err != nil {
					t.Fatal(err)
				}
				if params, err := ct.Recv(ctx); err != nil || params.Type != protocol.TypeKeyParams {
					t.Fatalf("key params = %+v, %v", params, err)
				}
			}
			ct.sendRaw([]byte(`{"action":"cancel"}`))

			if err := <-done; !errors.Is(err, ErrCanceled) {
				t.Fatalf("Respond() error = %v, want ErrCanceled", err)
			}
			if accepted {
				t.Error("Accept called for a canceled handshake")
			}
			select {
			case b := <-ct.in:
				t.Errorf("peer received %s after canceling", b)
			default:
			}
			if got := testutil.ToFloat64(m.HandshakeErrors.WithLabelValues("canceled")); got != 1 {
				t.Errorf("canceled handshakes = %v, want 1", got)
			}
		})
	}
}

func TestInitiate_ForgedServerConfirmation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, ct := pipe()
	done := make(chan error, 1)
	go func() {
		_, err := Initiate(ctx, ct, Config{Password: []byte("pw"), Metrics: testMetrics()})
		done <- err
	}()

	// The forger runs a genuine exchange but has no way to compute the
	// confirmation value without the password.
	_, outbound, err := crypto.Start(crypto.RoleResponder, []byte("guess"))
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Send(ctx, protocol.Handshake{Type: protocol.TypeHandshake, Message: outbound}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Recv(ctx); err != nil {
		t.Fatal(err)
	}
	if err := st.Send(ctx, protocol.KeyParams{
		Type:    protocol.TypeKeyParams,
		Salt:    make([]byte, crypto.SaltSize),
		Label:   crypto.LabelTransport,
		Confirm: make([]byte, crypto.KeySize),
	}); err != nil {
		t.Fatal(err)
	}

	if err := <-done; !errors.Is(err, crypto.ErrAuthentication) {
		t.Errorf("Initiate() error = %v, want ErrAuthentication", err)
	}
	reply, err := st.Recv(ctx)
	if err != nil || reply.Type != protocol.TypeError {
		t.Fatalf("server received %+v, %v; want error message", reply, err)
	}
	var e protocol.Error
	if err := reply.Decode(&e); err != nil || e.Error != "key confirmation failed" {
		t.Errorf("error message = %+v, %v", e, err)
	}
}

func TestInitiate_UnexpectedLabel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, ct := pipe()
	done := make(chan error, 1)
	go func() {
		_, err := Initiate(ctx, ct, Config{Password: []byte("pw"), Metrics: testMetrics()})
		done <- err
	}()

	_, outbound, err := crypto.Start(crypto.RoleResponder, []byte("pw"))
	if err != nil {
		t.Fatal(err)
	}
	_ = st.Send(ctx, protocol.Handshake{Type: protocol.TypeHandshake, Message: outbound})
	_, _ = st.Recv(ctx)
	_ = st.Send(ctx, protocol.KeyParams{
		Type:  protocol.TypeKeyParams,
		Salt:  make([]byte, crypto.SaltSize),
		Label: "something_else",
	})

	if err := <-done; !errors.Is(err, crypto.ErrProtocol) {
		t.Errorf("Initiate() error = %v, want ErrProtocol", err)
	}
}

func TestRespond_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	st, _ := pipe()
	m := testMetrics()

	done := make(chan error, 1)
	go func() {
		_, err := Respond(ctx, st, Config{Password: []byte("pw"), Metrics: m})
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Respond() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Respond() did not return")
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeAsymmetric, false},
		{"asymmetric", ModeAsymmetric, false},
		{"symmetric", ModeSymmetric, false},
		{"spake2+", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseMode(%q) = %v, %v", tt.in, got, err)
		}
	}
	if Mode(9).String() != "unknown" {
		t.Error("unexpected name for invalid mode")
	}
}

func TestRemoteError(t *testing.T) {
	if got := (&RemoteError{}).Error(); got != "peer aborted handshake" {
		t.Errorf("Error() = %q", got)
	}
	if got := (&RemoteError{Message: "bad"}).Error(); got != "peer aborted handshake: bad" {
		t.Errorf("Error() = %q", got)
	}
}
