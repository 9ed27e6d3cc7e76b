// Package consts holds sentinel errors shared across packages.
package consts

import "errors"

var (
	// ErrMalformedMessage is returned when a submitted payload cannot be
	// decoded as a mail message.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrAddrInUse distinguishes a bind failure caused by another process
	// holding the port from other listen errors.
	ErrAddrInUse = errors.New("listen address already in use")

	// ErrServerStopped is returned by listener queries while no backend is
	// running.
	ErrServerStopped = errors.New("server is stopped")
)
