package transfer

import "errors"

var (
	// ErrCanceled is returned once a cancellation request has been observed.
	// It describes a normal terminal state, not a failure.
	ErrCanceled = errors.New("transfer canceled")

	// ErrNotFound is returned for unknown transfer ids.
	ErrNotFound = errors.New("transfer not found")

	// ErrTransport wraps I/O failures on a chunk source or sink.
	ErrTransport = errors.New("transport error")

	// ErrTerminal is returned when a finished session is asked to process
	// more chunks.
	ErrTerminal = errors.New("transfer already finished")

	// ErrNoKey is returned when an operation needs an established key.
	ErrNoKey = errors.New("no key established")

	// ErrKeyExists is returned when a session already holds key material.
	ErrKeyExists = errors.New("key already established")

	// ErrPlaintext is returned when a key is offered to a session that
	// already runs without encryption.
	ErrPlaintext = errors.New("transfer is running in plaintext")

	// ErrStarted is returned when a key is offered after data has moved.
	ErrStarted = errors.New("transfer already started")

	// ErrClosed is returned by a registry that has been shut down.
	ErrClosed = errors.New("registry closed")

	// ErrInvalidID is returned for malformed transfer ids.
	ErrInvalidID = errors.New("invalid transfer id")
)
