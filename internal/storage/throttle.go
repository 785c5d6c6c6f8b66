package storage

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// throttleBurst bounds a single limiter wait. Larger reads and writes are
// metered in pieces of this size.
const throttleBurst = 64 * 1024

// Throttle limits aggregate throughput with a token bucket shared by every
// reader and writer it wraps. A nil Throttle does not limit.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle returns a Throttle for bytesPerSecond, or nil when
// bytesPerSecond is not positive.
func NewThrottle(bytesPerSecond int64) *Throttle {
	if bytesPerSecond <= 0 {
		return nil
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), throttleBurst)}
}

func (t *Throttle) wait(ctx context.Context, n int) error {
	for n > 0 {
		step := min(n, throttleBurst)
		if err := t.limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// Reader wraps r.
func (t *Throttle) Reader(ctx context.Context, r io.Reader) io.Reader {
	if t == nil {
		return r
	}
	return &throttledReader{r: r, t: t, ctx: ctx}
}

// Writer wraps w.
func (t *Throttle) Writer(ctx context.Context, w io.Writer) io.Writer {
	if t == nil {
		return w
	}
	return &throttledWriter{w: w, t: t, ctx: ctx}
}

type throttledReader struct {
	r   io.Reader
	t   *Throttle
	ctx context.Context
}

func (r *throttledReader) Read(p []byte) (int, error) {
	select {
	case <-r.ctx.Done():
		return 0, r.ctx.Err()
	default:
	}

	n, err := r.r.Read(p)
	if n <= 0 {
		return n, err
	}
	if waitErr := r.t.wait(r.ctx, n); waitErr != nil {
		return n, waitErr
	}
	return n, err
}

type throttledWriter struct {
	w   io.Writer
	t   *Throttle
	ctx context.Context
}

func (w *throttledWriter) Write(p []byte) (int, error) {
	select {
	case <-w.ctx.Done():
		return 0, w.ctx.Err()
	default:
	}

	if err := w.t.wait(w.ctx, len(p)); err != nil {
		return 0, err
	}
	return w.w.Write(p)
}
