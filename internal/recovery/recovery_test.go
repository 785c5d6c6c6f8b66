package recovery

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// syncBuffer is a bytes.Buffer safe for a logger writing from another goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRecoverWithLog_RecoversPanic(t *testing.T) {
	var buf syncBuffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer RecoverWithLog(logger, "broadcaster")
		panic("subscriber table corrupted")
	}()
	wg.Wait()

	output := buf.String()
	for _, want := range []string{"panic recovered", "component=broadcaster", "subscriber table corrupted", "stack="} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestRecoverWithLog_NoopOnNoPanic(t *testing.T) {
	var buf syncBuffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer RecoverWithLog(logger, "janitor")
	}()
	wg.Wait()

	if out := buf.String(); out != "" {
		t.Errorf("expected no output when no panic, got: %s", out)
	}
}

func TestRecoverWithLog_NilLogger(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer RecoverWithLog(nil, "pump")
		panic("boom")
	}()
	<-done
}

func TestRecoverWithCallback(t *testing.T) {
	tests := []struct {
		name       string
		panicValue any
		wantCalled bool
	}{
		{"panic", "connection state lost", true},
		{"no panic", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf syncBuffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))

			var got any
			called := false
			func() {
				defer RecoverWithCallback(logger, "ws-reader", func(r any) {
					called = true
					got = r
				})
				if tt.panicValue != nil {
					panic(tt.panicValue)
				}
			}()

			if called != tt.wantCalled {
				t.Fatalf("callback called = %v, want %v", called, tt.wantCalled)
			}
			if tt.wantCalled && got != tt.panicValue {
				t.Errorf("callback got %v, want %v", got, tt.panicValue)
			}
		})
	}
}

func TestRecoverWithCallback_NilCallback(t *testing.T) {
	var buf syncBuffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	func() {
		defer RecoverWithCallback(logger, "ws-writer", nil)
		panic("no callback")
	}()

	if !strings.Contains(buf.String(), "no callback") {
		t.Errorf("panic not logged: %s", buf.String())
	}
}

func TestGo(t *testing.T) {
	var buf syncBuffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ran := make(chan struct{})
	Go(logger, "worker", func() { close(ran) }, nil)
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("fn did not run")
	}

	recovered := make(chan any, 1)
	Go(logger, "worker", func() { panic("worker died") }, func(r any) { recovered <- r })
	select {
	case r := <-recovered:
		if r != "worker died" {
			t.Errorf("recovered %v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("panic callback not called")
	}
}
