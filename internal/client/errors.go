package client

import "errors"

// Client-side state errors. These are never sent over the wire; they
// guard against calling an operation while the session machine is in the
// wrong state (§7).
var (
	ErrNotConnected      = errors.New("client: not connected")
	ErrAlreadyConnected  = errors.New("client: already connected")
	ErrAlreadyAuthorized = errors.New("client: already authorized")
	ErrNotAuthorized     = errors.New("client: not authorized")
)

// ErrLoginFailed is returned by Login when the server rejects the
// credential or id, or another live session already holds it.
var ErrLoginFailed = errors.New("client: login failed")

// ErrNoSuchClient, ErrInvalidRange and ErrInvalidId mirror the server's
// typed store failures as reported back over the wire.
var (
	ErrNoSuchClient = errors.New("client: no such client")
	ErrInvalidRange = errors.New("client: invalid message range")
	ErrInvalidId    = errors.New("client: invalid message id")
)
