package bank

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var (
	ErrZeroAmount             = errors.New("bank: amount must be greater than zero")
	ErrUnsupportedAsset       = errors.New("bank: asset not supported")
	ErrBankCapExceeded        = errors.New("bank: capacity ceiling exceeded")
	ErrExceedsWithdrawalLimit = errors.New("bank: amount exceeds per-withdrawal ceiling")
	ErrInsufficientBalance    = errors.New("bank: insufficient balance")
	ErrInsufficientOutput     = errors.New("bank: insufficient conversion output")
	ErrExchangeFailure        = errors.New("bank: exchange failure")
	ErrTransferFailed         = errors.New("bank: transfer failed")
	ErrStaleQuote             = errors.New("bank: stale price quote")
	ErrInvalidQuote           = errors.New("bank: invalid price quote")
	ErrReentrantCall          = errors.New("bank: reentrant call")
	ErrDepositBelowMinimum    = errors.New("bank: deposit below asset minimum")
	ErrDepositAboveMaximum    = errors.New("bank: deposit above asset maximum")
	ErrAssetExists            = errors.New("bank: asset already registered")
	ErrInvalidAsset           = errors.New("bank: invalid asset descriptor")
)

// InsufficientOutputError reports the enforced minimum and the measured output
// of a conversion that fell short. Err is the venue's refusal, if any.
type InsufficientOutputError struct {
	Expected *uint256.Int
	Actual   *uint256.Int
	Err      error
}

func (e *InsufficientOutputError) Error() string {
	msg := fmt.Sprintf("%s: expected at least %s, received %s", ErrInsufficientOutput, decString(e.Expected), decString(e.Actual))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InsufficientOutputError) Is(target error) bool {
	return target == ErrInsufficientOutput
}

func (e *InsufficientOutputError) Unwrap() error {
	return e.Err
}

func decString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
