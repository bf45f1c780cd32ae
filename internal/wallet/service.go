package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"mediagate/internal/storage"
	"mediagate/pkg/logger"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Service implements the double-entry wallet and ledger described by
// the gateway's money model: topup/hold/charge/release/refund, all
// scoped to a single transaction with SELECT ... FOR UPDATE on the
// wallet row, idempotent on (kind, ref).
type Service struct {
	db *storage.DB
}

func NewService(db *storage.DB) *Service {
	return &Service{db: db}
}

// GetBalance reads the wallet with no lock. Returns ErrWalletNotFound
// if the user has never had a wallet row created.
func (s *Service) GetBalance(ctx context.Context, userID string) (*Wallet, error) {
	var w Wallet
	err := s.db.Pool().QueryRow(ctx,
		`SELECT user_id, balance_rub, hold_rub, updated_at FROM wallets WHERE user_id = $1`,
		userID,
	).Scan(&w.UserID, &w.Balance, &w.Hold, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("get balance for user %s: %w", userID, err)
	}
	return &w, nil
}

// Topup credits a user's spendable balance. Fails on non-positive
// amount; short-circuits (success, no new row) if a done topup with
// the same ref already exists.
func (s *Service) Topup(ctx context.Context, userID string, amount decimal.Decimal, ref string, meta map[string]any) (bool, error) {
	var ok bool
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		ok, err = s.TopupTx(ctx, tx, userID, amount, ref, meta)
		return err
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// TopupTx runs Topup's logic inside a transaction the caller already
// holds.
func (s *Service) TopupTx(ctx context.Context, tx pgx.Tx, userID string, amount decimal.Decimal, ref string, meta map[string]any) (bool, error) {
	if amount.Sign() <= 0 {
		return false, ErrInvalidAmount
	}

	if _, err := s.lockOrCreateWallet(ctx, tx, userID); err != nil {
		return false, err
	}

	done, err := s.ledgerDone(ctx, tx, KindTopup, ref)
	if err != nil {
		return false, err
	}
	if done {
		return true, nil
	}

	if err := s.insertLedger(ctx, tx, userID, KindTopup, amount, ref, meta); err != nil {
		if errors.Is(err, errIdempotentRace) {
			return true, nil
		}
		return false, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE wallets SET balance_rub = balance_rub + $2, updated_at = now() WHERE user_id = $1`,
		userID, amount,
	); err != nil {
		return false, fmt.Errorf("credit balance: %w", err)
	}

	return true, nil
}

// Hold moves money from Balance into Hold, earmarked for a pending
// job. Fails with ErrInsufficientFunds if the available balance
// (Balance - Hold) cannot cover amount.
func (s *Service) Hold(ctx context.Context, userID string, amount decimal.Decimal, ref string, meta map[string]any) (bool, error) {
	var ok bool
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		ok, err = s.HoldTx(ctx, tx, userID, amount, ref, meta)
		return err
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// HoldTx runs Hold's logic inside a transaction the caller already holds.
func (s *Service) HoldTx(ctx context.Context, tx pgx.Tx, userID string, amount decimal.Decimal, ref string, meta map[string]any) (bool, error) {
	if amount.Sign() <= 0 {
		return false, ErrInvalidAmount
	}

	w, err := s.lockOrCreateWallet(ctx, tx, userID)
	if err != nil {
		return false, err
	}

	done, err := s.ledgerDone(ctx, tx, KindHold, ref)
	if err != nil {
		return false, err
	}
	if done {
		return true, nil
	}

	if w.Available().LessThan(amount) {
		return false, ErrInsufficientFunds
	}

	if err := s.insertLedger(ctx, tx, userID, KindHold, amount, ref, meta); err != nil {
		if errors.Is(err, errIdempotentRace) {
			return true, nil
		}
		return false, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE wallets SET balance_rub = balance_rub - $2, hold_rub = hold_rub + $2, updated_at = now() WHERE user_id = $1`,
		userID, amount,
	); err != nil {
		return false, fmt.Errorf("move into hold: %w", err)
	}

	return true, nil
}

// Charge consumes a hold on job success. It never restores Balance:
// Hold only decreases. holdRef identifies the original hold entry
// being consumed (for a job, its HoldRef "job:<id>"); ref is the charge's own
// idempotency key, distinct from holdRef so the charge itself is
// independently idempotent.
func (s *Service) Charge(ctx context.Context, userID string, amount decimal.Decimal, ref, holdRef string, meta map[string]any) (bool, error) {
	var ok bool
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		ok, err = s.ChargeTx(ctx, tx, userID, amount, ref, holdRef, meta)
		return err
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// ChargeTx runs Charge's logic inside a transaction the caller already holds.
func (s *Service) ChargeTx(ctx context.Context, tx pgx.Tx, userID string, amount decimal.Decimal, ref, holdRef string, meta map[string]any) (bool, error) {
	if amount.Sign() <= 0 {
		return false, ErrInvalidAmount
	}

	w, err := s.lockOrCreateWallet(ctx, tx, userID)
	if err != nil {
		return false, err
	}

	done, err := s.ledgerDone(ctx, tx, KindCharge, ref)
	if err != nil {
		return false, err
	}
	if done {
		return true, nil
	}

	holdAmount, found, err := s.findDoneEntry(ctx, tx, KindHold, holdRef)
	if err != nil {
		return false, err
	}
	if !found || holdAmount.LessThan(amount) {
		return false, ErrHoldMissing
	}

	if w.Hold.LessThan(amount) {
		return false, ErrHoldMissing
	}

	if err := s.insertLedger(ctx, tx, userID, KindCharge, amount, ref, meta); err != nil {
		if errors.Is(err, errIdempotentRace) {
			return true, nil
		}
		return false, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE wallets SET hold_rub = hold_rub - $2, updated_at = now() WHERE user_id = $1`,
		userID, amount,
	); err != nil {
		return false, fmt.Errorf("consume hold: %w", err)
	}

	return true, nil
}

// Release returns a hold to the spendable balance (job failed or was
// cancelled before any charge).
func (s *Service) Release(ctx context.Context, userID string, amount decimal.Decimal, ref string, meta map[string]any) (bool, error) {
	var ok bool
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		ok, err = s.ReleaseTx(ctx, tx, userID, amount, ref, meta)
		return err
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// ReleaseTx runs Release's logic inside a transaction the caller already holds.
func (s *Service) ReleaseTx(ctx context.Context, tx pgx.Tx, userID string, amount decimal.Decimal, ref string, meta map[string]any) (bool, error) {
	return s.restore(ctx, tx, userID, amount, KindRelease, ref, meta)
}

// Refund returns a hold to the spendable balance after a charge is
// reversed. Mechanically identical to Release; kept as a distinct
// ledger kind so the journal records why money moved back.
func (s *Service) Refund(ctx context.Context, userID string, amount decimal.Decimal, ref string, meta map[string]any) (bool, error) {
	var ok bool
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		ok, err = s.RefundTx(ctx, tx, userID, amount, ref, meta)
		return err
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// RefundTx runs Refund's logic inside a transaction the caller already holds.
func (s *Service) RefundTx(ctx context.Context, tx pgx.Tx, userID string, amount decimal.Decimal, ref string, meta map[string]any) (bool, error) {
	return s.restore(ctx, tx, userID, amount, KindRefund, ref, meta)
}

func (s *Service) restore(ctx context.Context, tx pgx.Tx, userID string, amount decimal.Decimal, kind LedgerKind, ref string, meta map[string]any) (bool, error) {
	if amount.Sign() <= 0 {
		return false, ErrInvalidAmount
	}

	w, err := s.lockOrCreateWallet(ctx, tx, userID)
	if err != nil {
		return false, err
	}

	done, err := s.ledgerDone(ctx, tx, kind, ref)
	if err != nil {
		return false, err
	}
	if done {
		return true, nil
	}

	if w.Hold.LessThan(amount) {
		return false, ErrHoldMissing
	}

	if err := s.insertLedger(ctx, tx, userID, kind, amount, ref, meta); err != nil {
		if errors.Is(err, errIdempotentRace) {
			return true, nil
		}
		return false, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE wallets SET hold_rub = hold_rub - $2, balance_rub = balance_rub + $2, updated_at = now() WHERE user_id = $1`,
		userID, amount,
	); err != nil {
		return false, fmt.Errorf("restore from hold: %w", err)
	}

	return true, nil
}

// lockOrCreateWallet locks the wallet row for update, lazily creating
// a zero-balance wallet first if none exists.
func (s *Service) lockOrCreateWallet(ctx context.Context, tx pgx.Tx, userID string) (*Wallet, error) {
	_, err := tx.Exec(ctx,
		`INSERT INTO wallets (user_id, balance_rub, hold_rub, updated_at) VALUES ($1, 0, 0, now()) ON CONFLICT (user_id) DO NOTHING`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("ensure wallet row: %w", err)
	}

	var w Wallet
	err = tx.QueryRow(ctx,
		`SELECT user_id, balance_rub, hold_rub, updated_at FROM wallets WHERE user_id = $1 FOR UPDATE`,
		userID,
	).Scan(&w.UserID, &w.Balance, &w.Hold, &w.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("lock wallet row: %w", err)
	}
	return &w, nil
}

func (s *Service) ledgerDone(ctx context.Context, tx pgx.Tx, kind LedgerKind, ref string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM ledger WHERE kind = $1 AND ref = $2 AND status = 'done')`,
		kind, ref,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check ledger idempotency: %w", err)
	}
	return exists, nil
}

func (s *Service) findDoneEntry(ctx context.Context, tx pgx.Tx, kind LedgerKind, ref string) (decimal.Decimal, bool, error) {
	var amount decimal.Decimal
	err := tx.QueryRow(ctx,
		`SELECT amount_rub FROM ledger WHERE kind = $1 AND ref = $2 AND status = 'done'`,
		kind, ref,
	).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, false, nil
		}
		return decimal.Zero, false, fmt.Errorf("find ledger entry: %w", err)
	}
	return amount, true, nil
}

// errIdempotentRace marks a unique-violation on insertLedger caused by
// a concurrent caller completing the exact same (kind, ref) first.
var errIdempotentRace = errors.New("wallet: concurrent idempotent insert")

func (s *Service) insertLedger(ctx context.Context, tx pgx.Tx, userID string, kind LedgerKind, amount decimal.Decimal, ref string, meta map[string]any) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal ledger meta: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger (id, user_id, kind, amount_rub, status, ref, meta, created_at)
		 VALUES ($1, $2, $3, $4, 'done', $5, $6, now())`,
		uuid.NewString(), userID, kind, amount, ref, metaJSON,
	)
	if err != nil {
		if storage.IsUniqueViolation(err, "") {
			logger.Warn("ledger idempotency race detected", zap.String("kind", string(kind)), zap.String("ref", ref))
			return errIdempotentRace
		}
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}
