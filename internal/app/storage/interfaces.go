package storage

import (
	"context"
	"errors"
	"time"

	"github.com/inkframe/backend/internal/app/domain/account"
	"github.com/inkframe/backend/internal/app/domain/generation"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when an insert collides with an existing record.
	ErrConflict = errors.New("storage: conflict")
)

// LedgerTx holds the ink mutations. Every method is a single conditional
// row update; none of them read a balance into memory first.
type LedgerTx interface {
	// ReserveInk adds amount to pending when spendable ink covers it.
	// It returns false without error when the balance is insufficient.
	ReserveInk(ctx context.Context, userID string, amount int64) (bool, error)
	// SettleInk releases reserved from pending and charges actual.
	SettleInk(ctx context.Context, userID string, reserved, actual int64) error
	// GrantInk adds amount to available.
	GrantInk(ctx context.Context, userID string, amount int64) error
	AppendInkEntries(ctx context.Context, entries ...account.Entry) error
}

// RequestTx holds the request and media mutations.
type RequestTx interface {
	InsertRequest(ctx context.Context, req generation.Request) error
	// TransitionRequest moves the request from -> to only when its current
	// status is from. It reports whether a row changed.
	TransitionRequest(ctx context.Context, id string, from, to generation.Status, reason string, at time.Time) (bool, error)
	InsertMedia(ctx context.Context, media []generation.Media) error
}

// Tx is the set of mutations available inside one transaction.
type Tx interface {
	LedgerTx
	RequestTx
}

// AccountStore reads and provisions ink accounts.
type AccountStore interface {
	CreateAccount(ctx context.Context, acct account.Account) (account.Account, error)
	GetAccount(ctx context.Context, userID string) (account.Account, error)
	ListInkEntries(ctx context.Context, userID string, limit int) ([]account.Entry, error)
	// RegisterPushToken records a device token for userID. Re-registering is a no-op.
	RegisterPushToken(ctx context.Context, userID, token string) error
	PushTokens(ctx context.Context, userID string) ([]string, error)
}

// RequestStore reads generation requests.
type RequestStore interface {
	GetRequest(ctx context.Context, id string) (generation.Request, error)
	ListRequests(ctx context.Context, userID string, limit int) ([]generation.Request, error)
	// ListStaleRequests returns requests in status created strictly before the cutoff.
	ListStaleRequests(ctx context.Context, status generation.Status, before time.Time) ([]generation.Request, error)
}

// MediaStore reads generated media.
type MediaStore interface {
	ListMedia(ctx context.Context, requestID string) ([]generation.Media, error)
}

// PostStore persists social posts and links media to them.
type PostStore interface {
	CreatePost(ctx context.Context, post generation.Post, mediaIDs []string) (generation.Post, error)
}

// Store is the full persistence surface. InTx runs fn inside a single
// transaction: fn's error rolls everything back.
type Store interface {
	AccountStore
	RequestStore
	MediaStore
	PostStore

	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
