package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/pakedrop/internal/crypto"
	"github.com/postalsys/pakedrop/internal/logging"
	"github.com/postalsys/pakedrop/internal/metrics"
)

// Transform converts one chunk between its plaintext and wire forms. It
// returns the converted chunk and the number of plaintext bytes it carries.
type Transform func(chunk []byte) (out []byte, plain int, err error)

// SealTransform encrypts plaintext chunks into wire frames.
func SealTransform(codec *crypto.Codec) Transform {
	return func(chunk []byte) ([]byte, int, error) {
		wire, err := codec.Seal(chunk)
		if err != nil {
			return nil, 0, err
		}
		return wire, len(chunk), nil
	}
}

// OpenTransform decrypts wire frames into plaintext chunks.
func OpenTransform(codec *crypto.Codec) Transform {
	return func(chunk []byte) ([]byte, int, error) {
		plaintext, err := codec.Open(chunk)
		if err != nil {
			return nil, 0, err
		}
		return plaintext, len(plaintext), nil
	}
}

// PlainTransform passes chunks through unchanged. It is used only for
// sessions explicitly running without a key.
func PlainTransform() Transform {
	return func(chunk []byte) ([]byte, int, error) {
		return chunk, len(chunk), nil
	}
}

// ChunkReader yields chunks in order and io.EOF after the last one.
type ChunkReader interface {
	Next() ([]byte, error)
}

// RawReader splits a byte stream into fixed-size chunks.
type RawReader struct {
	r    io.Reader
	size int
}

// NewRawReader creates a reader producing chunks of at most size bytes.
func NewRawReader(r io.Reader, size int) *RawReader {
	return &RawReader{r: r, size: size}
}

// Next returns the next chunk. Only the last chunk may be short.
func (rr *RawReader) Next() ([]byte, error) {
	buf := make([]byte, rr.size)
	n, err := io.ReadFull(rr.r, buf)
	switch {
	case err == nil:
		return buf, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		return buf[:n], nil
	default:
		return nil, err
	}
}

// ProcessorConfig configures a Processor.
type ProcessorConfig struct {
	Kind      Kind
	Total     int64 // expected plaintext bytes, 0 if unknown
	Transform Transform
	Sink      io.Writer
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Processor runs the per-chunk state machine of one transfer: cancellation
// checks before read, after read and after write, transform, write and
// progress accounting. Calls must be sequential.
type Processor struct {
	session *Session
	signal  *CancelSignal
	cfg     ProcessorConfig
	logger  *slog.Logger

	done   int64
	chunks int
}

// NewProcessor binds a processor to session. It fails if the session has
// already finished.
func NewProcessor(session *Session, cfg ProcessorConfig) (*Processor, error) {
	if cfg.Transform == nil {
		return nil, errors.New("processor requires a transform")
	}
	if cfg.Sink == nil {
		return nil, errors.New("processor requires a sink")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	if err := session.begin(cfg.Kind); err != nil {
		return nil, err
	}
	return &Processor{
		session: session,
		signal:  session.Signal(),
		cfg:     cfg,
		logger: logger.With(
			logging.KeyTransferID, session.ID,
			logging.KeyComponent, cfg.Kind.String(),
		),
	}, nil
}

// Done returns the number of plaintext bytes processed so far.
func (p *Processor) Done() int64 {
	return p.done
}

// Ready is the before-read checkpoint.
func (p *Processor) Ready(ctx context.Context) error {
	return p.checkpoint(ctx)
}

// Process handles one chunk that has just been read. The chunk is dropped
// without being written if cancellation is observed first.
func (p *Processor) Process(ctx context.Context, chunk []byte) error {
	return p.process(ctx, chunk, -1)
}

// ProcessReported is Process for senders that report their own progress
// percentage alongside each chunk. A negative value falls back to the
// processor's own byte count.
func (p *Processor) ProcessReported(ctx context.Context, chunk []byte, progress float64) error {
	return p.process(ctx, chunk, progress)
}

func (p *Processor) process(ctx context.Context, chunk []byte, reported float64) error {
	// after read
	if err := p.checkpoint(ctx); err != nil {
		return err
	}

	out, plain, err := p.cfg.Transform(chunk)
	if err != nil {
		return p.fail(fmt.Errorf("chunk %d: %w", p.chunks+1, err))
	}

	if _, err := p.cfg.Sink.Write(out); err != nil {
		return p.fail(fmt.Errorf("%w: write chunk %d: %w", ErrTransport, p.chunks+1, err))
	}

	p.done += int64(plain)
	p.chunks++
	p.cfg.Metrics.RecordChunk(p.cfg.Kind.String(), plain)

	progress := reported
	if progress < 0 {
		progress = p.percent()
	}
	if err := p.session.advance(progress, p.progressMessage()); err != nil {
		return err
	}

	// after write
	return p.checkpoint(ctx)
}

// Finish ends the transfer after the source is exhausted. The session ends
// Completed only if every expected byte was processed and no cancellation
// was requested.
func (p *Processor) Finish() (State, error) {
	if p.cfg.Total > 0 && p.done != p.cfg.Total {
		err := p.fail(fmt.Errorf("%w: got %d of %d bytes", ErrTransport, p.done, p.cfg.Total))
		return p.session.State(), err
	}

	msg := fmt.Sprintf("%s %s", p.cfg.Kind.pastTense(), humanize.Bytes(uint64(p.done)))
	state := p.session.Complete(msg)
	switch state {
	case StateCompleted:
		p.logger.Info("transfer completed",
			logging.KeyBytes, p.done,
			logging.KeyCount, p.chunks)
		return state, nil
	case StateCanceled:
		return state, ErrCanceled
	default:
		return state, fmt.Errorf("%w: session is %s", ErrTerminal, state)
	}
}

// Abort fails the transfer with err unless it has already finished.
func (p *Processor) Abort(err error) error {
	return p.fail(err)
}

func (p *Processor) checkpoint(ctx context.Context) error {
	if p.signal.Canceled() {
		if p.session.Cancel() {
			p.logger.Info("transfer canceled", logging.KeyBytes, p.done)
		}
		return ErrCanceled
	}
	if err := ctx.Err(); err != nil {
		return p.fail(fmt.Errorf("%w: %v", ErrTransport, err))
	}
	if state := p.session.State(); state.Terminal() {
		if state == StateCanceled {
			return ErrCanceled
		}
		return fmt.Errorf("%w: session is %s", ErrTerminal, state)
	}
	return nil
}

func (p *Processor) fail(err error) error {
	if p.signal.Canceled() {
		p.session.Cancel()
		return ErrCanceled
	}

	msg := fmt.Sprintf("%s failed", p.cfg.Kind.noun())
	if errors.Is(err, crypto.ErrAuthentication) {
		msg = fmt.Sprintf("%s failed: chunk authentication failed", p.cfg.Kind.noun())
		p.cfg.Metrics.RecordAuthFailure("chunk")
	}
	p.session.Fail(msg, err)
	p.logger.Warn("transfer failed",
		logging.KeyError, err,
		logging.KeyBytes, p.done)
	return err
}

func (p *Processor) percent() float64 {
	if p.cfg.Total <= 0 {
		return 0
	}
	return float64(p.done) * 100 / float64(p.cfg.Total)
}

func (p *Processor) progressMessage() string {
	if p.cfg.Total > 0 {
		return fmt.Sprintf("%s %s of %s", p.cfg.Kind.pastTense(),
			humanize.Bytes(uint64(p.done)), humanize.Bytes(uint64(p.cfg.Total)))
	}
	return fmt.Sprintf("%s %s", p.cfg.Kind.pastTense(), humanize.Bytes(uint64(p.done)))
}

// Pipeline drives a processor from a chunk source.
type Pipeline struct {
	Source    ChunkReader
	Processor *Processor
}

// Run processes chunks until the source is exhausted, the transfer is
// canceled, or an error occurs. It returns the final session state; the
// error is nil only for Completed.
func (pl *Pipeline) Run(ctx context.Context) (State, error) {
	p := pl.Processor
	for {
		if err := p.Ready(ctx); err != nil {
			return p.session.State(), err
		}

		chunk, err := pl.Source.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if !errors.Is(err, ErrTransport) {
				err = fmt.Errorf("%w: read chunk %d: %w", ErrTransport, p.chunks+1, err)
			}
			err = p.fail(err)
			return p.session.State(), err
		}

		if err := p.Process(ctx, chunk); err != nil {
			return p.session.State(), err
		}
	}
	return p.Finish()
}
