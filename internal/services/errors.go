package services

import "errors"

// Sentinel errors for the financial paths. Handlers map these to the
// user-facing error codes; everything else is an internal error.
var (
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInvalidPin          = errors.New("invalid PIN")
	ErrPinLocked           = errors.New("PIN locked")
	ErrNoPin               = errors.New("no PIN set")
	ErrNoWithdrawalAccount = errors.New("no withdrawal account")
	ErrNotPending          = errors.New("transaction not pending")
	ErrUnknownReference    = errors.New("unknown reference id")
	ErrUnknownBank         = errors.New("unknown bank code")
	ErrPropertyUnavailable = errors.New("property unavailable")
	ErrDuplicateBooking    = errors.New("duplicate booking")
)

// PinFailure carries how many attempts remain before lockout. It wraps
// ErrInvalidPin so callers can errors.Is on it.
type PinFailure struct {
	RemainingAttempts int
}

func (e *PinFailure) Error() string {
	return "invalid PIN"
}

func (e *PinFailure) Unwrap() error {
	return ErrInvalidPin
}
