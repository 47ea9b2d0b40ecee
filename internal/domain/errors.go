package domain

import "errors"

var (
	ErrMalformedInput     = errors.New("malformed input")
	ErrOutOfBounds        = errors.New("position out of bounds")
	ErrImplausibleMotion  = errors.New("implausible motion")
	ErrNoContributors     = errors.New("no contributors")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrTrustCorruption    = errors.New("trust record corrupted")
	ErrSessionNotFound    = errors.New("session not found")
	ErrUnknownBus         = errors.New("unknown bus")
)
