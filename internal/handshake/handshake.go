// Package handshake runs the password-authenticated key exchange, key
// derivation and key confirmation over a signaling transport.
//
// The server is always the responder: it speaks first, picks the salt and
// proves knowledge of the key before the client does. The client verifies
// the server's confirmation before revealing its own.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/postalsys/pakedrop/internal/crypto"
	"github.com/postalsys/pakedrop/internal/logging"
	"github.com/postalsys/pakedrop/internal/metrics"
	"github.com/postalsys/pakedrop/internal/protocol"
)

// ErrCanceled is returned when the peer sends a cancel action instead of
// the next handshake message.
var ErrCanceled = errors.New("handshake canceled by peer")

// Transport carries signaling messages between the two parties.
type Transport interface {
	Send(ctx context.Context, v any) error
	Recv(ctx context.Context) (protocol.Message, error)
}

// Mode selects the SPAKE2 variant. Both ends must agree.
type Mode uint8

const (
	ModeAsymmetric Mode = iota
	ModeSymmetric
)

// String returns the query-string form of the mode.
func (m Mode) String() string {
	switch m {
	case ModeAsymmetric:
		return "asymmetric"
	case ModeSymmetric:
		return "symmetric"
	default:
		return "unknown"
	}
}

// ParseMode parses a mode name. The empty string selects ModeAsymmetric.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "asymmetric":
		return ModeAsymmetric, nil
	case "symmetric":
		return ModeSymmetric, nil
	default:
		return 0, fmt.Errorf("unknown handshake mode %q", s)
	}
}

func (m Mode) role(server bool) crypto.Role {
	if m == ModeSymmetric {
		return crypto.RoleSymmetric
	}
	if server {
		return crypto.RoleResponder
	}
	return crypto.RoleInitiator
}

// Config configures one handshake.
type Config struct {
	Mode       Mode
	Password   []byte
	TransferID string
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	// Accept is called by the responder with the confirmed key before the
	// initiator is told the exchange succeeded. An error aborts the
	// handshake. Once Accept succeeds it owns the key.
	Accept func(*crypto.KeyMaterial) error
}

func (c *Config) defaults() {
	if c.Metrics == nil {
		c.Metrics = metrics.Default()
	}
	if c.Logger == nil {
		c.Logger = logging.NopLogger()
	}
}

func (c *Config) options() []crypto.ExchangeOption {
	if c.TransferID == "" {
		return nil
	}
	id := []byte(c.TransferID)
	return []crypto.ExchangeOption{crypto.WithIdentities(id, id)}
}

// Respond runs the server side and returns confirmed key material for
// crypto.SideB. On failure the peer is sent an error message.
func Respond(ctx context.Context, t Transport, cfg Config) (*crypto.KeyMaterial, error) {
	cfg.defaults()
	start := time.Now()

	km, err := respond(ctx, t, cfg)
	if err != nil {
		return nil, abort(ctx, t, cfg, err)
	}

	cfg.Metrics.RecordHandshake(time.Since(start).Seconds())
	cfg.Logger.Debug("key established",
		logging.KeyTransferID, cfg.TransferID,
		logging.KeyMode, cfg.Mode.String())
	return km, nil
}

func respond(ctx context.Context, t Transport, cfg Config) (*crypto.KeyMaterial, error) {
	ex, outbound, err := crypto.Start(cfg.Mode.role(true), cfg.Password, cfg.options()...)
	if err != nil {
		return nil, err
	}
	if err := t.Send(ctx, protocol.Handshake{Type: protocol.TypeHandshake, Message: outbound}); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	var hs protocol.Handshake
	if err := recvAs(ctx, t, protocol.TypeHandshake, &hs); err != nil {
		return nil, err
	}
	secret, err := ex.Finish(hs.Message)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(secret)

	km, err := crypto.NewKeyMaterial(secret, crypto.SideB)
	if err != nil {
		return nil, err
	}

	params := protocol.KeyParams{
		Type:    protocol.TypeKeyParams,
		Salt:    km.Salt(),
		Label:   crypto.LabelTransport,
		Confirm: km.Confirmation(),
	}
	if err := t.Send(ctx, params); err != nil {
		km.Zero()
		return nil, fmt.Errorf("send key params: %w", err)
	}

	var confirm protocol.Confirm
	if err := recvAs(ctx, t, protocol.TypeConfirm, &confirm); err != nil {
		km.Zero()
		return nil, err
	}
	if err := km.VerifyPeerConfirmation(confirm.Confirm); err != nil {
		km.Zero()
		cfg.Metrics.RecordAuthFailure("confirm")
		return nil, err
	}

	if cfg.Accept != nil {
		if err := cfg.Accept(km); err != nil {
			km.Zero()
			return nil, err
		}
	}

	if err := t.Send(ctx, protocol.Established{Type: protocol.TypeEstablished, TransferID: cfg.TransferID}); err != nil {
		if cfg.Accept == nil {
			km.Zero()
		}
		return nil, fmt.Errorf("send established: %w", err)
	}
	return km, nil
}

// Initiate runs the client side and returns confirmed key material for
// crypto.SideA. On failure the peer is sent an error message.
func Initiate(ctx context.Context, t Transport, cfg Config) (*crypto.KeyMaterial, error) {
	cfg.defaults()
	start := time.Now()

	km, err := initiate(ctx, t, cfg)
	if err != nil {
		return nil, abort(ctx, t, cfg, err)
	}

	cfg.Metrics.RecordHandshake(time.Since(start).Seconds())
	return km, nil
}

func initiate(ctx context.Context, t Transport, cfg Config) (*crypto.KeyMaterial, error) {
	var hs protocol.Handshake
	if err := recvAs(ctx, t, protocol.TypeHandshake, &hs); err != nil {
		return nil, err
	}

	ex, outbound, err := crypto.Start(cfg.Mode.role(false), cfg.Password, cfg.options()...)
	if err != nil {
		return nil, err
	}
	secret, err := ex.Finish(hs.Message)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(secret)

	if err := t.Send(ctx, protocol.Handshake{Type: protocol.TypeHandshake, Message: outbound}); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	var params protocol.KeyParams
	if err := recvAs(ctx, t, protocol.TypeKeyParams, &params); err != nil {
		return nil, err
	}
	if params.Label != crypto.LabelTransport {
		return nil, fmt.Errorf("%w: unexpected key label %q", crypto.ErrProtocol, params.Label)
	}

	km, err := crypto.DeriveKeyMaterial(secret, params.Salt, crypto.SideA)
	if err != nil {
		return nil, err
	}
	if err := km.VerifyPeerConfirmation(params.Confirm); err != nil {
		km.Zero()
		cfg.Metrics.RecordAuthFailure("confirm")
		return nil, err
	}

	if err := t.Send(ctx, protocol.Confirm{Type: protocol.TypeConfirm, Confirm: km.Confirmation()}); err != nil {
		km.Zero()
		return nil, fmt.Errorf("send confirm: %w", err)
	}

	var est protocol.Established
	if err := recvAs(ctx, t, protocol.TypeEstablished, &est); err != nil {
		km.Zero()
		return nil, err
	}
	return km, nil
}

// recvAs receives the next message and decodes it into v. A message of any
// other type is a protocol error; an error message from the peer is
// surfaced as RemoteError and a cancel action as ErrCanceled.
func recvAs(ctx context.Context, t Transport, want string, v any) error {
	msg, err := t.Recv(ctx)
	if err != nil {
		if errors.Is(err, protocol.ErrMalformed) {
			return fmt.Errorf("%w: %v", crypto.ErrProtocol, err)
		}
		return fmt.Errorf("receive %s: %w", want, err)
	}

	if msg.Action == protocol.ActionCancel {
		return ErrCanceled
	}

	switch msg.Type {
	case want:
	case protocol.TypeError:
		var remote protocol.Error
		_ = msg.Decode(&remote)
		return &RemoteError{Message: remote.Error}
	default:
		return fmt.Errorf("%w: expected %s, got %q", crypto.ErrProtocol, want, msg.Kind())
	}

	if err := msg.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", crypto.ErrProtocol, err)
	}
	return nil
}

// abort reports err to the peer when it originated locally and records it.
func abort(ctx context.Context, t Transport, cfg Config, err error) error {
	if errors.Is(err, ErrCanceled) {
		cfg.Metrics.RecordHandshakeError(errorType(err))
		cfg.Logger.Info("handshake canceled",
			logging.KeyTransferID, cfg.TransferID,
			logging.KeyMode, cfg.Mode.String())
		return err
	}
	var remote *RemoteError
	if !errors.As(err, &remote) {
		_ = t.Send(ctx, protocol.Error{Type: protocol.TypeError, Error: publicReason(err)})
	}

	kind := errorType(err)
	cfg.Metrics.RecordHandshakeError(kind)
	cfg.Logger.Warn("handshake failed",
		logging.KeyTransferID, cfg.TransferID,
		logging.KeyMode, cfg.Mode.String(),
		logging.KeyError, err)
	return err
}

func errorType(err error) string {
	var remote *RemoteError
	switch {
	case errors.Is(err, ErrCanceled):
		return "canceled"
	case errors.Is(err, crypto.ErrAuthentication):
		return "authentication"
	case errors.Is(err, crypto.ErrProtocol):
		return "protocol"
	case errors.As(err, &remote):
		return "remote"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "transport"
	}
}

// publicReason keeps internal detail out of messages sent to the peer.
func publicReason(err error) string {
	switch {
	case errors.Is(err, crypto.ErrAuthentication):
		return "key confirmation failed"
	case errors.Is(err, crypto.ErrProtocol):
		return "handshake protocol error"
	default:
		return "handshake failed"
	}
}

// RemoteError is returned when the peer aborted the handshake.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "peer aborted handshake"
	}
	return "peer aborted handshake: " + e.Message
}
