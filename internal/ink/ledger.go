package ink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/inkframe/backend/internal/app/domain/account"
	"github.com/inkframe/backend/internal/app/storage"
	"github.com/inkframe/backend/pkg/logger"
)

var (
	// ErrInsufficientCredit is returned when spendable ink does not cover a reservation.
	ErrInsufficientCredit = errors.New("ink: insufficient credit")
	// ErrInvalidAmount is returned for negative amounts.
	ErrInvalidAmount = errors.New("ink: invalid amount")
)

// Reserve moves amount into the pending balance of userID and journals it.
// It must run inside the transaction that creates the request it pays for.
func Reserve(ctx context.Context, tx storage.LedgerTx, userID, requestID string, amount int64, at time.Time) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	ok, err := tx.ReserveInk(ctx, userID, amount)
	if err != nil {
		return fmt.Errorf("reserve ink: %w", err)
	}
	if !ok {
		return ErrInsufficientCredit
	}
	return tx.AppendInkEntries(ctx, entry(userID, requestID, account.EntryReserve, amount, at))
}

// Settle releases reserved from pending and charges actual against available.
// It must run inside the transaction that finalizes the request.
func Settle(ctx context.Context, tx storage.LedgerTx, userID, requestID string, reserved, actual int64, at time.Time) error {
	if reserved < 0 || actual < 0 {
		return ErrInvalidAmount
	}
	if err := tx.SettleInk(ctx, userID, reserved, actual); err != nil {
		return fmt.Errorf("settle ink: %w", err)
	}
	entries := []account.Entry{entry(userID, requestID, account.EntryRelease, reserved, at)}
	if actual > 0 {
		entries = append(entries, entry(userID, requestID, account.EntryCharge, actual, at))
	}
	return tx.AppendInkEntries(ctx, entries...)
}

func entry(userID, requestID string, kind account.EntryKind, amount int64, at time.Time) account.Entry {
	return account.Entry{
		ID:        uuid.NewString(),
		UserID:    userID,
		RequestID: requestID,
		Kind:      kind,
		Amount:    amount,
		CreatedAt: at.UTC(),
	}
}

// Manager exposes balance reads and administrative grants.
type Manager struct {
	store storage.Store
	log   *logger.Logger
	now   func() time.Time
}

// NewManager creates a balance manager over store.
func NewManager(store storage.Store, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault("ink")
	}
	return &Manager{store: store, log: log, now: time.Now}
}

// GetBalance returns the account of userID.
func (m *Manager) GetBalance(ctx context.Context, userID string) (account.Account, error) {
	return m.store.GetAccount(ctx, userID)
}

// Grant tops up the available balance of userID.
func (m *Manager) Grant(ctx context.Context, userID string, amount int64) (account.Account, error) {
	if amount <= 0 {
		return account.Account{}, ErrInvalidAmount
	}
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.GrantInk(ctx, userID, amount); err != nil {
			return err
		}
		return tx.AppendInkEntries(ctx, entry(userID, "", account.EntryGrant, amount, m.now()))
	})
	if err != nil {
		return account.Account{}, fmt.Errorf("grant ink: %w", err)
	}
	m.log.WithField("user_id", userID).WithField("amount", amount).Info("ink granted")
	return m.store.GetAccount(ctx, userID)
}

// Entries returns the most recent journal entries of userID.
func (m *Manager) Entries(ctx context.Context, userID string, limit int) ([]account.Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return m.store.ListInkEntries(ctx, userID, limit)
}
