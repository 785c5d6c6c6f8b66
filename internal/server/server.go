// Package server exposes pakedrop over HTTP: the websocket signaling and
// presence channels, framed uploads and downloads, cancellation, session
// polling, the file listing and the health and metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/postalsys/pakedrop/internal/config"
	"github.com/postalsys/pakedrop/internal/crypto"
	"github.com/postalsys/pakedrop/internal/logging"
	"github.com/postalsys/pakedrop/internal/metrics"
	"github.com/postalsys/pakedrop/internal/presence"
	"github.com/postalsys/pakedrop/internal/protocol"
	"github.com/postalsys/pakedrop/internal/recovery"
	"github.com/postalsys/pakedrop/internal/storage"
	"github.com/postalsys/pakedrop/internal/transfer"
)

// Options wires a Server to its collaborators.
type Options struct {
	Config   *config.Config
	Registry *transfer.Registry
	Store    *storage.Store

	// Metrics defaults to metrics.Default(); Gatherer to the default
	// Prometheus registry.
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer

	Logger *slog.Logger
}

// Server is the pakedrop HTTP server.
type Server struct {
	cfg      *config.Config
	registry *transfer.Registry
	store    *storage.Store
	hub      *presence.Hub
	metrics  *metrics.Metrics
	throttle *storage.Throttle
	logger   *slog.Logger

	server   *http.Server
	listener net.Listener
	running  atomic.Bool

	// ctx is canceled on Stop; websocket handlers derive from it because
	// hijacked connections are not closed by http.Server.Shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a server. The registry's presence hub, if any, serves the
// presence channel.
func New(opts Options) *Server {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Default()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		registry: opts.Registry,
		store:    opts.Store,
		hub:      opts.Registry.Presence(),
		metrics:  m,
		throttle: storage.NewThrottle(cfg.Transfer.RateLimit.Int64()),
		logger:   logger.With(logging.KeyComponent, "server"),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("GET /ws/transfer/{id}", s.handleTransferWS)
	if s.hub != nil {
		mux.HandleFunc("GET /ws/presence/{client_id}", s.handlePresenceWS)
	}

	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("GET /download/{filename}", s.handleDownload)
	mux.HandleFunc("POST /cancel/{id}", s.handleCancel)
	mux.HandleFunc("GET /transfers/{id}", s.handleTransfer)
	mux.HandleFunc("GET /files", s.handleFiles)

	s.server = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mux,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}
	return s
}

// Handler returns the HTTP handler for embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start listens on the configured address and starts serving along with
// the session janitor, the presence liveness loop and partial upload
// cleanup.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Server.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	recovery.Go(s.logger, "http-server", func() {
		defer close(s.done)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", logging.KeyError, err)
		}
	}, nil)
	s.startBackground()

	s.logger.Info("listening", "address", ln.Addr().String())
	return nil
}

func (s *Server) startBackground() {
	recovery.Go(s.logger, "session-janitor", func() { s.registry.Run(s.ctx) }, nil)
	if s.hub != nil {
		recovery.Go(s.logger, "presence-liveness", func() { s.hub.Run(s.ctx) }, nil)
	}
	recovery.Go(s.logger, "partial-cleanup", s.cleanupPartials, nil)
}

// cleanupPartials removes abandoned partial uploads at startup and then
// periodically.
func (s *Server) cleanupPartials() {
	retention := s.cfg.Storage.PartialRetention
	if retention <= 0 {
		return
	}
	interval := max(retention/2, time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if n, err := s.store.CleanupPartials(time.Now().Add(-retention)); err != nil {
			s.logger.Warn("partial cleanup failed", logging.KeyError, err)
		} else if n > 0 {
			s.logger.Info("removed stale partial uploads", logging.KeyCount, n)
		}

		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop shuts the server down: websocket channels are closed, in-flight
// HTTP requests get the configured grace period and every broadcaster is
// stopped.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	err := s.server.Shutdown(ctx)
	<-s.done
	s.registry.Close()
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// handleHealth returns 200 if the server is responding.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK\n"))
}

// handleHealthz returns session and presence counts.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats := s.registry.Stats()
	response := map[string]any{
		"status":      "healthy",
		"sessions":    stats.Sessions,
		"active":      stats.Active,
		"subscribers": stats.Subscribers,
	}
	if s.hub != nil {
		response["presence_clients"] = len(s.hub.Clients())
	}
	writeJSON(w, http.StatusOK, response)
}

// handleCancel cancels a transfer. Unknown ids get a placeholder session so
// a cancel that races ahead of the transfer still wins.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.registry.RequestCancel(id); err != nil {
		s.writeError(w, err)
		return
	}
	session, err := s.registry.Get(id)
	if err != nil {
		// Destroyed between the cancel and the lookup.
		writeJSON(w, http.StatusOK, protocol.Progress{
			Type:       protocol.TypeProgress,
			TransferID: id,
			State:      transfer.StateCanceled.String(),
			Canceled:   true,
		})
		return
	}
	writeJSON(w, http.StatusOK, session.Snapshot().Wire())
}

// handleTransfer returns the current snapshot of a transfer.
func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	session, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session.Snapshot().Wire())
}

// handleFiles lists stored files.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.store.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if files == nil {
		files = []storage.FileInfo{}
	}
	writeJSON(w, http.StatusOK, files)
}

// password returns the key exchange password for a transfer.
func (s *Server) password(transferID string) []byte {
	if s.cfg.Transfer.Password != "" {
		return []byte(s.cfg.Transfer.Password)
	}
	return []byte(transferID)
}

// announceUpload tells presence clients about a stored file.
func (s *Server) announceUpload(info storage.FileInfo, except string) {
	if s.hub == nil {
		return
	}
	s.hub.Broadcast(protocol.PresenceEvent{
		Type:     protocol.TypeUploadComplete,
		ClientID: except,
		Filename: info.Name,
		Size:     info.Size,
	}, except)
}

// errorResponse is the JSON body of every error reply.
type errorResponse struct {
	Error      string `json:"error"`
	TransferID string `json:"transfer_id,omitempty"`
	State      string `json:"state,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", logging.KeyError, err)
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeTransferError reports a transfer that did not complete along with the
// state it ended in.
func (s *Server) writeTransferError(w http.ResponseWriter, session *transfer.Session, err error) {
	snap := session.Snapshot()
	msg := snap.Message
	if errors.Is(err, storage.ErrTooLarge) {
		msg = storage.ErrTooLarge.Error()
	}
	writeJSON(w, statusFor(err), errorResponse{
		Error:      msg,
		TransferID: session.ID,
		State:      snap.State.String(),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, transfer.ErrInvalidID),
		errors.Is(err, storage.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, transfer.ErrNotFound),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrTooLarge),
		errors.Is(err, protocol.ErrFrameTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, storage.ErrBusy),
		errors.Is(err, transfer.ErrCanceled),
		errors.Is(err, transfer.ErrTerminal),
		errors.Is(err, transfer.ErrKeyExists):
		return http.StatusConflict
	case errors.Is(err, transfer.ErrNoKey):
		return http.StatusPreconditionRequired
	case errors.Is(err, crypto.ErrAuthentication),
		errors.Is(err, protocol.ErrInvalidFrame),
		errors.Is(err, transfer.ErrTransport):
		return http.StatusBadRequest
	case errors.Is(err, transfer.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
