// Package errors provides error handling for loom.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrPeerClosed) {
//	    // handle clean remote shutdown
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// Sentinel errors for the socket and protocol layers. Callers match these
// with errors.Is after unwrapping whatever context was added along the way.
var (
	// ErrAddressInUse is returned by Bind when the kernel rejects the
	// address with EADDRINUSE.
	ErrAddressInUse = New("address already in use")

	// ErrAddressUnusable is returned by Bind/Connect when the address
	// cannot be assigned or resolved.
	ErrAddressUnusable = New("address not usable")

	// ErrNameTooLong is returned for AF_UNIX socket paths exceeding the
	// kernel's sun_path limit.
	ErrNameTooLong = New("socket name too long")

	// ErrNotConnected names a send or receive on a socket that is not in
	// the connected state. netio.Socket does not return it: its Send and
	// Receive report that case as false and 0.
	ErrNotConnected = New("socket not connected")

	// ErrPeerClosed indicates a clean remote shutdown (recv returned 0).
	ErrPeerClosed = New("peer closed connection")

	// ErrMessageSize indicates a truncated datagram or control message;
	// any file descriptors passed with the message have been closed.
	ErrMessageSize = New("message truncated")

	// ErrProtocol indicates malformed HTTP or WebSocket input.
	ErrProtocol = New("protocol violation")

	// ErrMessageTooLarge indicates a frame or body exceeding a configured cap.
	ErrMessageTooLarge = New("message too large")
)
