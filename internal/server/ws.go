package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/postalsys/pakedrop/internal/crypto"
	"github.com/postalsys/pakedrop/internal/handshake"
	"github.com/postalsys/pakedrop/internal/logging"
	"github.com/postalsys/pakedrop/internal/protocol"
	"github.com/postalsys/pakedrop/internal/recovery"
	"github.com/postalsys/pakedrop/internal/storage"
	"github.com/postalsys/pakedrop/internal/transfer"
)

// errWatchOnly is returned for chunks sent on a channel that did not run the
// key exchange.
var errWatchOnly = errors.New("channel is watch-only")

func (s *Server) acceptOptions() *websocket.AcceptOptions {
	return &websocket.AcceptOptions{OriginPatterns: s.cfg.Server.OriginPatterns}
}

// readLimit bounds one signaling message: a base64 encoded frame plus JSON.
func (s *Server) readLimit() int64 {
	return int64(s.cfg.FrameLimit())*2 + 4096
}

// connContext returns a context canceled when the request ends or the
// server stops.
func (s *Server) connContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(r.Context())
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// transferPeer is one signaling connection. It is the handshake transport,
// a progress subscriber and, after a key exchange, an upload source.
type transferPeer struct {
	srv     *Server
	conn    *websocket.Conn
	session *transfer.Session
	logger  *slog.Logger

	watchOnly bool
	codec     *crypto.Codec

	terminalOnce sync.Once
	terminal     chan struct{}

	// Owned by the reader goroutine.
	upload *storage.Upload
	proc   *transfer.Processor
}

// Send writes one JSON message.
func (p *transferPeer) Send(ctx context.Context, v any) error {
	return wsjson.Write(ctx, p.conn, v)
}

// Recv reads one message.
func (p *transferPeer) Recv(ctx context.Context) (protocol.Message, error) {
	_, data, err := p.conn.Read(ctx)
	if err != nil {
		return protocol.Message{}, err
	}
	return protocol.Parse(data)
}

// SendProgress delivers a snapshot and notes when the transfer has finished.
func (p *transferPeer) SendProgress(ctx context.Context, prog protocol.Progress) error {
	if err := p.Send(ctx, prog); err != nil {
		return err
	}
	if prog.Terminal() {
		p.terminalOnce.Do(func() { close(p.terminal) })
	}
	return nil
}

func (p *transferPeer) sendError(ctx context.Context, msg string) {
	_ = p.Send(ctx, protocol.Error{Type: protocol.TypeError, Error: msg})
}

// handleTransferWS is the signaling channel of one transfer.
// GET /ws/transfer/{id}?mode=asymmetric|symmetric
//
// A transfer without a key runs the key exchange first. A transfer that
// already has one, or has finished, gets a watch-only channel that streams
// progress and accepts cancel but no chunks.
func (s *Server) handleTransferWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := transfer.ValidateID(id); err != nil {
		s.writeError(w, err)
		return
	}
	mode, err := handshake.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	session, err := s.registry.GetOrCreate(id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		s.logger.Debug("websocket accept failed", logging.KeyError, err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(s.readLimit())

	ctx, cancel := s.connContext(r)
	defer cancel()

	peer := &transferPeer{
		srv:     s,
		conn:    conn,
		session: session,
		logger: s.logger.With(
			logging.KeyTransferID, id,
			logging.KeyRemoteAddr, r.RemoteAddr),
		terminal: make(chan struct{}),
	}
	defer peer.release()

	if session.HasKey() || session.Terminal() {
		peer.watchOnly = true
	} else if err := s.establish(ctx, peer, mode); err != nil {
		if errors.Is(err, handshake.ErrCanceled) {
			conn.Close(websocket.StatusNormalClosure, "transfer canceled")
			return
		}
		peer.logger.Info("key exchange failed", logging.KeyError, err)
		conn.Close(websocket.StatusPolicyViolation, "key exchange failed")
		return
	}

	if _, err := s.registry.Subscribe(id, peer); err != nil {
		peer.sendError(ctx, err.Error())
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}

	readDone := make(chan struct{})
	recovery.Go(peer.logger, "transfer-ws-reader", func() {
		defer close(readDone)
		peer.readLoop(ctx)
	}, nil)

	select {
	case <-peer.terminal:
		conn.Close(websocket.StatusNormalClosure, "transfer finished")
	case <-readDone:
	case <-s.ctx.Done():
		conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	cancel()
	<-readDone

	peer.abandonUpload()
	s.registry.Unsubscribe(id, peer)
}

// establish runs the key exchange and attaches the key to the session
// before the client is told it succeeded. A wrong password or a broken
// exchange fails the session and a cancel action cancels it; a connection
// that simply goes away leaves it Pending for another attempt.
func (s *Server) establish(ctx context.Context, peer *transferPeer, mode handshake.Mode) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Transfer.HandshakeTimeout)
	defer cancel()

	session := peer.session
	km, err := handshake.Respond(ctx, peer, handshake.Config{
		Mode:       mode,
		Password:   s.password(session.ID),
		TransferID: session.ID,
		Metrics:    s.metrics,
		Logger:     s.logger,
		Accept:     session.SetKey,
	})
	if err != nil {
		var remote *handshake.RemoteError
		switch {
		case errors.Is(err, handshake.ErrCanceled):
			if cerr := s.registry.RequestCancel(session.ID); cerr != nil {
				peer.logger.Warn("cancel during key exchange failed", logging.KeyError, cerr)
			}
		case errors.Is(err, crypto.ErrAuthentication), errors.As(err, &remote):
			session.Fail("Key confirmation failed", err)
		case errors.Is(err, crypto.ErrProtocol):
			session.Fail("Key exchange failed", err)
		}
		return err
	}

	key := km.TransportKey()
	codec, err := crypto.NewCodec(key)
	crypto.ZeroBytes(key)
	if err != nil {
		return err
	}
	peer.codec = codec
	peer.logger.Info("key established", logging.KeyMode, mode.String())
	return nil
}

// readLoop handles client actions until the connection closes.
func (p *transferPeer) readLoop(ctx context.Context) {
	for {
		msg, err := p.Recv(ctx)
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				p.sendError(ctx, "malformed message")
				continue
			}
			return
		}

		switch msg.Action {
		case protocol.ActionCancel:
			if err := p.srv.registry.RequestCancel(p.session.ID); err != nil {
				p.sendError(ctx, err.Error())
			}
		case protocol.ActionUploadChunk:
			if err := p.handleChunk(ctx, msg); err != nil {
				if !errors.Is(err, transfer.ErrCanceled) {
					p.logger.Warn("upload chunk rejected", logging.KeyError, err)
				}
				p.sendError(ctx, err.Error())
			}
		default:
			p.sendError(ctx, fmt.Sprintf("unexpected message %q", msg.Kind()))
		}
	}
}

// handleChunk decrypts one chunk into the upload. The first chunk opens the
// upload; a chunk reporting 100% progress completes it.
func (p *transferPeer) handleChunk(ctx context.Context, msg protocol.Message) error {
	if p.watchOnly || p.codec == nil {
		return errWatchOnly
	}
	var chunk protocol.UploadChunk
	if err := msg.Decode(&chunk); err != nil {
		return err
	}

	if p.proc == nil {
		if err := p.startUpload(chunk.Filename); err != nil {
			return err
		}
	}

	if len(chunk.IV) != crypto.NonceSize || len(chunk.Tag) != crypto.TagSize {
		err := p.proc.Abort(fmt.Errorf("%w: bad iv or tag length", crypto.ErrAuthentication))
		p.discardUpload()
		return err
	}
	var f crypto.Frame
	copy(f.Nonce[:], chunk.IV)
	copy(f.Tag[:], chunk.Tag)
	f.Ciphertext = chunk.Ciphertext

	if err := p.proc.ProcessReported(ctx, f.Marshal(), chunk.Progress); err != nil {
		p.discardUpload()
		return err
	}
	if chunk.Progress >= 100 {
		return p.completeUpload(ctx)
	}
	return nil
}

func (p *transferPeer) startUpload(filename string) error {
	upload, err := p.srv.store.Create(filename, p.session.ID, 0)
	if err != nil {
		p.session.Fail("Upload failed", err)
		return err
	}
	proc, err := transfer.NewProcessor(p.session, transfer.ProcessorConfig{
		Kind:      transfer.KindUpload,
		Transform: transfer.OpenTransform(p.codec),
		Sink:      upload,
		Metrics:   p.srv.metrics,
		Logger:    p.srv.logger,
	})
	if err != nil {
		upload.Abort()
		return err
	}
	p.upload, p.proc = upload, proc
	return nil
}

func (p *transferPeer) completeUpload(ctx context.Context) error {
	upload := p.upload
	if _, err := p.proc.Finish(); err != nil {
		p.discardUpload()
		return err
	}
	p.upload, p.proc = nil, nil

	// Completion closes the channel; the commit must outlive it.
	info, err := upload.Commit(context.WithoutCancel(ctx), true)
	if err != nil {
		p.logger.Error("upload commit failed",
			logging.KeyFilename, upload.Name(),
			logging.KeyError, err)
		return err
	}
	p.srv.announceUpload(info, "")
	return nil
}

func (p *transferPeer) discardUpload() {
	if p.upload != nil {
		p.upload.Abort()
	}
	p.upload, p.proc = nil, nil
}

// abandonUpload fails an upload whose channel closed before its last chunk.
func (p *transferPeer) abandonUpload() {
	if p.proc == nil {
		return
	}
	p.proc.Abort(fmt.Errorf("%w: signaling channel closed", transfer.ErrTransport))
	p.discardUpload()
}

// release drops everything the connection holds for the session. It runs
// once the reader has stopped.
func (p *transferPeer) release() {
	p.abandonUpload()
	if p.codec != nil {
		p.codec.Close()
		p.codec = nil
	}
}

// presenceConn is one presence channel connection.
type presenceConn struct {
	conn *websocket.Conn
}

// SendEvent writes one presence event.
func (c *presenceConn) SendEvent(ctx context.Context, ev protocol.PresenceEvent) error {
	return wsjson.Write(ctx, c.conn, ev)
}

// Close ends the connection with reason.
func (c *presenceConn) Close(reason string) error {
	return c.conn.Close(websocket.StatusPolicyViolation, reason)
}

// handlePresenceWS is the presence channel of one client.
// GET /ws/presence/{client_id}
func (s *Server) handlePresenceWS(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("client_id")
	if err := transfer.ValidateID(clientID); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid client id"})
		return
	}

	conn, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		s.logger.Debug("websocket accept failed", logging.KeyError, err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := s.connContext(r)
	defer cancel()

	pc := &presenceConn{conn: conn}
	if err := s.registry.RegisterPresence(clientID, pc); err != nil {
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}
	defer s.registry.UnregisterPresence(clientID, pc)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil && s.ctx.Err() != nil {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
			}
			return
		}
		s.hub.Touch(clientID)

		msg, err := protocol.Parse(data)
		if err != nil || msg.Type == protocol.TypePong {
			continue
		}
		s.logger.Debug("ignoring presence message",
			logging.KeyClientID, clientID,
			"type", msg.Kind())
	}
}
