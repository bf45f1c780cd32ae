package wallet

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerKind is the append-only journal entry type.
type LedgerKind string

const (
	KindTopup   LedgerKind = "topup"
	KindHold    LedgerKind = "hold"
	KindCharge  LedgerKind = "charge"
	KindRelease LedgerKind = "release"
	KindRefund  LedgerKind = "refund"
	KindAdjust  LedgerKind = "adjust"
)

// LedgerStatus tracks whether an entry actually took effect.
type LedgerStatus string

const (
	StatusPending   LedgerStatus = "pending"
	StatusDone      LedgerStatus = "done"
	StatusFailed    LedgerStatus = "failed"
	StatusCancelled LedgerStatus = "cancelled"
)

// Wallet holds one user's spendable and held balances. Available to
// spend is Balance - Hold; Charge never restores Balance, only drains
// Hold (see Release/Refund for the paths that do restore it).
type Wallet struct {
	UserID    string          `db:"user_id"`
	Balance   decimal.Decimal `db:"balance_rub"`
	Hold      decimal.Decimal `db:"hold_rub"`
	UpdatedAt time.Time       `db:"updated_at"`
}

// Available returns the spendable balance.
func (w *Wallet) Available() decimal.Decimal {
	return w.Balance.Sub(w.Hold)
}

// LedgerEntry is one append-only journal row. Entries are never
// mutated after insert; idempotency is enforced by a unique index on
// (kind, ref) where status = 'done'.
type LedgerEntry struct {
	ID        string          `db:"id"`
	UserID    string          `db:"user_id"`
	Kind      LedgerKind      `db:"kind"`
	Amount    decimal.Decimal `db:"amount_rub"`
	Status    LedgerStatus    `db:"status"`
	Ref       *string         `db:"ref"`
	Meta      []byte          `db:"meta"`
	CreatedAt time.Time       `db:"created_at"`
}
