package graphauth

import "errors"

// Sentinel errors for the graphauth domain.
var (
	ErrTokenAcquisition = errors.New("token acquisition failed")
	ErrMalformedURL     = errors.New("malformed request url")
	ErrNoCredential     = errors.New("no credential source")
	ErrInvalidConfig    = errors.New("invalid config")

	// ErrResponseStarted marks failures after the status line was sent.
	ErrResponseStarted = errors.New("response already started")
)
