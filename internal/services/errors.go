package services

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrDuplicateDeposit    = errors.New("deposit already processed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrStorageTimeout      = errors.New("storage timeout")
	ErrConfiguration       = errors.New("configuration error")
	ErrStaleAccrual        = errors.New("position accrual checkpoint moved")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidCurrency     = errors.New("invalid currency")
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountExists       = errors.New("account already exists")
	ErrUnknownReferralCode = errors.New("unknown referral code")
	ErrPositionNotFound    = errors.New("position not found")
	ErrPositionChanged     = errors.New("position changed concurrently")
	ErrUnknownPackage      = errors.New("unknown boost package")
	ErrEntryNotFound       = errors.New("ledger entry not found")
	ErrEntryNotRetryable   = errors.New("ledger entry is not retryable")
)

// classify maps context deadline errors onto ErrStorageTimeout so callers can
// tell a slow store from a rejected mutation.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrStorageTimeout) {
		return fmt.Errorf("%w: %v", ErrStorageTimeout, err)
	}
	return err
}
