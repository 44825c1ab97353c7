// Package errs contains sentinel errors shared by the session, key and
// routing layers so transports can map failures without string matching.
package errs

import "errors"

// Authentication.
var (
	// ErrInvalidCredentials indicates a username/password pair did not verify.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrExpiredSession indicates a well-formed token whose expiry has passed.
	ErrExpiredSession = errors.New("expired session")

	// ErrInvalidToken indicates a token that is malformed, badly signed,
	// unknown or revoked.
	ErrInvalidToken = errors.New("invalid token")

	// ErrAlreadyExists indicates a unique constraint violation (e.g. username taken).
	ErrAlreadyExists = errors.New("already exists")
)

// Key directory.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrMalformedUpload indicates a public key upload that cannot be stored.
	ErrMalformedUpload = errors.New("malformed upload")
)

// Delivery and durability.
var (
	// ErrTransport is a transient failure to hand a frame to a connection.
	ErrTransport = errors.New("transport error")

	// ErrRecipientOffline is informational: the recipient has no live connection.
	ErrRecipientOffline = errors.New("recipient offline")

	// ErrStore indicates a message could not be durably recorded.
	ErrStore = errors.New("store error")
)
