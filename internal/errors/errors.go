package errors

import (
	"errors"
	"fmt"
)

// Validation errors. Fatal to the operation that hit them (a users file
// load, a hash request) but never to the process.
var (
	ErrValidation       = errors.New("validation failed")
	ErrPasswordTooShort = fmt.Errorf("%w: password too short", ErrValidation)
	ErrTokenTooShort    = fmt.Errorf("%w: token too short", ErrValidation)
	ErrMalformedRecord  = fmt.Errorf("%w: malformed record", ErrValidation)
)

// Transport errors. Retryable at the caller's discretion.
var (
	ErrTransport          = errors.New("transport failure")
	ErrUnexpectedResponse = fmt.Errorf("%w: unexpected response", ErrTransport)
)

// Store consistency errors.
var (
	ErrDuplicateHash = errors.New("duplicate credential hash")
	ErrCodeCollision = errors.New("authorization code already exists")
	ErrSessionSave   = errors.New("session save failed")
)

// Grant errors returned by the authorization server side.
var (
	ErrInvalidGrant  = errors.New("invalid or expired grant")
	ErrInvalidClient = errors.New("client authentication failed")
)
