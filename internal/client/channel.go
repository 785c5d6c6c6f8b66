package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/postalsys/pakedrop/internal/crypto"
	"github.com/postalsys/pakedrop/internal/handshake"
	"github.com/postalsys/pakedrop/internal/protocol"
	"github.com/postalsys/pakedrop/internal/recovery"
	"github.com/postalsys/pakedrop/internal/transfer"
)

// ErrNotFinished is returned by Wait when the channel closed before the
// transfer reached a terminal state.
var ErrNotFinished = errors.New("signaling channel closed before the transfer finished")

// wsTransport carries handshake messages over a websocket.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Send(ctx context.Context, v any) error {
	return wsjson.Write(ctx, t.conn, v)
}

func (t *wsTransport) Recv(ctx context.Context) (protocol.Message, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		return protocol.Message{}, err
	}
	return protocol.Parse(data)
}

// Channel is an established signaling channel for one transfer. After the
// key exchange it streams server progress until the transfer finishes.
type Channel struct {
	id    string
	conn  *websocket.Conn
	codec *crypto.Codec

	ctx        context.Context
	cancel     context.CancelFunc
	onProgress func(protocol.Progress)
	done       chan struct{}

	mu        sync.Mutex
	last      protocol.Progress
	finished  bool
	remoteErr error
	readErr   error
}

// Connect opens the signaling channel of transferID and runs the key
// exchange. The returned channel owns the transfer key.
func (c *Client) Connect(ctx context.Context, transferID string) (*Channel, error) {
	u, err := c.wsURL("/ws/transfer/"+transferID, "mode", c.opts.Mode.String())
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: c.http})
	if err != nil {
		return nil, fmt.Errorf("dial signaling channel: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	km, err := handshake.Initiate(ctx, &wsTransport{conn: conn}, handshake.Config{
		Mode:       c.opts.Mode,
		Password:   c.password(transferID),
		TransferID: transferID,
		Metrics:    c.metrics,
		Logger:     c.logger,
	})
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "key exchange failed")
		return nil, err
	}
	key := km.TransportKey()
	codec, err := crypto.NewCodec(key)
	crypto.ZeroBytes(key)
	km.Zero()
	if err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, err
	}

	chCtx, cancel := context.WithCancel(context.Background())
	ch := &Channel{
		id:         transferID,
		conn:       conn,
		codec:      codec,
		ctx:        chCtx,
		cancel:     cancel,
		onProgress: c.opts.OnProgress,
		done:       make(chan struct{}),
	}
	recovery.Go(c.logger, "signaling-reader", ch.readLoop, nil)
	return ch, nil
}

// ID returns the transfer id.
func (ch *Channel) ID() string {
	return ch.id
}

// Codec returns the codec for the established transfer key.
func (ch *Channel) Codec() *crypto.Codec {
	return ch.codec
}

func (ch *Channel) readLoop() {
	defer close(ch.done)
	for {
		_, data, err := ch.conn.Read(ch.ctx)
		if err != nil {
			ch.mu.Lock()
			ch.readErr = err
			ch.mu.Unlock()
			return
		}
		msg, err := protocol.Parse(data)
		if err != nil {
			continue
		}

		switch msg.Type {
		case protocol.TypeProgress:
			var p protocol.Progress
			if err := msg.Decode(&p); err != nil {
				continue
			}
			ch.mu.Lock()
			ch.last = p
			ch.finished = p.Terminal()
			ch.mu.Unlock()
			if ch.onProgress != nil {
				ch.onProgress(p)
			}
			if p.Terminal() {
				return
			}
		case protocol.TypeError:
			var e protocol.Error
			_ = msg.Decode(&e)
			ch.mu.Lock()
			ch.remoteErr = errors.New(e.Error)
			ch.mu.Unlock()
		}
	}
}

// Last returns the most recent server snapshot.
func (ch *Channel) Last() protocol.Progress {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.last
}

// Wait blocks until the server reports a terminal snapshot, the channel
// closes or ctx is done.
func (ch *Channel) Wait(ctx context.Context) (protocol.Progress, error) {
	select {
	case <-ch.done:
	case <-ctx.Done():
		return ch.Last(), ctx.Err()
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.finished {
		return ch.last, nil
	}
	if ch.remoteErr != nil {
		return ch.last, fmt.Errorf("%w: %w", ErrNotFinished, ch.remoteErr)
	}
	if ch.readErr != nil && websocket.CloseStatus(ch.readErr) != websocket.StatusNormalClosure {
		return ch.last, fmt.Errorf("%w: %v", ErrNotFinished, ch.readErr)
	}
	return ch.last, ErrNotFinished
}

// Cancel asks the server to cancel the transfer.
func (ch *Channel) Cancel(ctx context.Context) error {
	return wsjson.Write(ctx, ch.conn, protocol.Cancel{Action: protocol.ActionCancel})
}

// SendChunks encrypts r chunk by chunk and sends it over the signaling
// channel as filename. The last chunk reports 100% progress, which tells
// the server the upload is complete. size is used for progress only.
func (ch *Channel) SendChunks(ctx context.Context, filename string, r io.Reader, size int64, chunkSize int) (int64, error) {
	src := transfer.NewRawReader(r, chunkSize)
	next, err := src.Next()
	if errors.Is(err, io.EOF) {
		return 0, errors.New("empty files cannot be sent over the signaling channel")
	}
	if err != nil {
		return 0, err
	}

	var sent int64
	for next != nil {
		chunk := next
		next, err = src.Next()
		switch {
		case errors.Is(err, io.EOF):
			next = nil
		case err != nil:
			return sent, err
		}

		f, err := ch.codec.Encrypt(chunk)
		if err != nil {
			return sent, err
		}
		sent += int64(len(chunk))

		progress := 100.0
		if next != nil {
			progress = 99
			if size > 0 {
				progress = min(float64(sent)*100/float64(size), 99)
			}
		}
		err = wsjson.Write(ctx, ch.conn, protocol.UploadChunk{
			Action:     protocol.ActionUploadChunk,
			IV:         f.Nonce[:],
			Ciphertext: f.Ciphertext,
			Tag:        f.Tag[:],
			Filename:   filename,
			Progress:   progress,
		})
		if err != nil {
			return sent, fmt.Errorf("send chunk: %w", err)
		}
	}
	return sent, nil
}

// Close ends the channel and releases the transfer key.
func (ch *Channel) Close() error {
	err := ch.conn.Close(websocket.StatusNormalClosure, "")
	ch.cancel()
	<-ch.done
	ch.codec.Close()
	return err
}
