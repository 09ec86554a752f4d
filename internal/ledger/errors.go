package ledger

import "errors"

// Business-rule violations surfaced directly to the caller. None are
// retryable; a failed operation leaves the ledger untouched.
var (
	ErrPositionOpen       = errors.New("position already open for trader")
	ErrPositionNotOpen    = errors.New("no open position")
	ErrZeroValue          = errors.New("collateral value is zero")
	ErrAboveMargin        = errors.New("position value above margin requirement")
	ErrUnauthorized       = errors.New("price source not authorized")
	ErrInvalidPrice       = errors.New("price must be positive")
	ErrAlreadyInitialized = errors.New("ledger already initialized")
)
