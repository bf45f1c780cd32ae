package wallet

import "errors"

var (
	// ErrInvalidAmount is returned when an operation is attempted with a
	// zero or negative amount.
	ErrInvalidAmount = errors.New("wallet: invalid amount")
	// ErrInsufficientFunds is returned when a hold would exceed the
	// available balance.
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
	// ErrHoldMissing is returned when charge cannot find the matching
	// done hold entry it consumes, or when charge/release/refund find
	// less than the amount in the wallet's hold.
	ErrHoldMissing = errors.New("wallet: matching hold not found")
	// ErrWalletNotFound is returned by GetBalance for a user with no
	// wallet row yet.
	ErrWalletNotFound = errors.New("wallet: not found")
)
