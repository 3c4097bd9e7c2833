package domain

import (
	"errors"
	"fmt"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

var (
	// ErrMarketNotInitialized is returned when no ledger row exists. Fatal, never defaulted.
	ErrMarketNotInitialized = errors.New("market not initialized")

	// ErrInvalidCurve is returned when curve parameters violate their invariants.
	ErrInvalidCurve = errors.New("invalid curve parameters")

	// ErrOracleUnavailable is returned when no price source produced a valid quote.
	ErrOracleUnavailable = errors.New("oracle unavailable")

	// ErrSlippageExceeded is returned when the fill is worse than the caller's bound.
	ErrSlippageExceeded = errors.New("slippage exceeded")

	// ErrInsufficientReserves is returned when a sell would pay out more than the reserves hold.
	ErrInsufficientReserves = errors.New("insufficient reserves")

	// ErrInsufficientAllowance is returned when the counterparty has not approved enough of the incoming asset.
	ErrInsufficientAllowance = errors.New("insufficient allowance")

	// ErrTransferRejected marks a transfer the venue definitively did not execute.
	ErrTransferRejected = errors.New("transfer rejected")

	// ErrTransferFailed is returned when an external transfer did not confirm.
	ErrTransferFailed = errors.New("transfer failed")

	// ErrTransferTimeout is returned when an external transfer did not confirm in time.
	ErrTransferTimeout = errors.New("transfer timeout")

	// ErrReconciliationRequired marks an aborted trade whose external effects are unknown.
	ErrReconciliationRequired = errors.New("reconciliation required")

	// ErrInvalidInput is returned for malformed trade requests. Not retriable.
	ErrInvalidInput = errors.New("invalid input")

	// ErrAlreadyInitialized is returned when seeding a ledger that already exists.
	ErrAlreadyInitialized = errors.New("market already initialized")
)

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// OracleError wraps a failure to obtain a reference price.
type OracleError struct {
	Source string // last source tried, empty if none were configured
	Err    error
}

func (e *OracleError) Error() string {
	if e.Source == "" {
		return "oracle: " + e.Err.Error()
	}
	return "oracle [" + e.Source + "]: " + e.Err.Error()
}

func (e *OracleError) IsRetriable() bool { return true }

func (e *OracleError) Unwrap() []error { return []error{ErrOracleUnavailable, e.Err} }

// SlippageError carries the computed amount and the caller's bound so the
// caller can decide whether to resubmit.
type SlippageError struct {
	Side      Side
	Requested float64 // computed total for the fill
	Bound     float64 // max to pay (buy) or min to receive (sell)
}

func (e *SlippageError) Error() string {
	if e.Side == SideBuy {
		return fmt.Sprintf("fill cost %.6f USDC exceeds max %.6f", e.Requested, e.Bound)
	}
	return fmt.Sprintf("fill proceeds %.6f USDC below minimum %.6f", e.Requested, e.Bound)
}

func (e *SlippageError) IsRetriable() bool { return false }

func (e *SlippageError) Unwrap() error { return ErrSlippageExceeded }

// ReservesError reports a sell that exceeds the USDC reserves.
type ReservesError struct {
	Requested float64
	Available float64
}

func (e *ReservesError) Error() string {
	return fmt.Sprintf("sell proceeds %.6f USDC exceed reserves %.6f", e.Requested, e.Available)
}

func (e *ReservesError) IsRetriable() bool { return false }

func (e *ReservesError) Unwrap() error { return ErrInsufficientReserves }

// TransferLeg identifies which half of a settlement failed.
type TransferLeg string

const (
	LegIn  TransferLeg = "in"  // counterparty -> market maker
	LegOut TransferLeg = "out" // market maker -> counterparty
)

// TransferError reports a failed or unconfirmed external transfer.
// Ambiguous is true whenever funds may have moved.
type TransferError struct {
	Leg       TransferLeg
	Asset     string
	Ambiguous bool
	Err       error
}

func (e *TransferError) Error() string {
	state := "rejected"
	if e.Ambiguous {
		state = "outcome unknown"
	}
	return fmt.Sprintf("transfer %s %s (%s): %v", e.Leg, e.Asset, state, e.Err)
}

func (e *TransferError) IsRetriable() bool { return false }

func (e *TransferError) Unwrap() error { return e.Err }

// ReconciliationError is returned when a trade aborted after an external
// transfer may have happened. The ledger was not committed.
type ReconciliationError struct {
	ReconciliationID string
	Err              error
}

func (e *ReconciliationError) Error() string {
	return "reconciliation required [" + e.ReconciliationID + "]: " + e.Err.Error()
}

func (e *ReconciliationError) IsRetriable() bool { return false }

func (e *ReconciliationError) Unwrap() []error { return []error{ErrReconciliationRequired, e.Err} }

// InputError rejects a request before any lock is taken.
type InputError struct {
	Field string
	Err   error
}

func (e *InputError) Error() string {
	return "invalid input [" + e.Field + "]: " + e.Err.Error()
}

func (e *InputError) IsRetriable() bool { return false }

func (e *InputError) Unwrap() []error { return []error{ErrInvalidInput, e.Err} }

// NewInputError creates an InputError for the given field.
func NewInputError(field string, err error) *InputError {
	return &InputError{Field: field, Err: err}
}
