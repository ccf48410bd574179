// Package sqlstore implements the storage interfaces on database/sql through
// sqlx. Queries are written with ? placeholders and rebound per driver, so the
// same code serves PostgreSQL (lib/pq) and SQLite (modernc.org/sqlite).
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/inkframe/backend/internal/app/domain/account"
	"github.com/inkframe/backend/internal/app/domain/generation"
	"github.com/inkframe/backend/internal/app/storage"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Store implements storage.Store backed by a SQL database.
type Store struct {
	db *sqlx.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to driver/dsn and applies pool limits. An in-memory SQLite
// database is pinned to one connection so every query sees the same data.
func Open(ctx context.Context, driver, dsn string, maxOpen int) (*sqlx.DB, error) {
	if driver == "" || dsn == "" {
		return nil, errors.New("database driver and dsn are required")
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		maxOpen = 1
		db.SetConnMaxLifetime(0)
		db.SetMaxIdleConns(1)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sqlx.DB { return s.db }

// InTx runs fn inside a database transaction.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) (err error) {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(ctx, &txStore{tx: sqlTx}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --- rows -------------------------------------------------------------------

type userRow struct {
	ID        string    `db:"id"`
	Available int64     `db:"ink_available"`
	Pending   int64     `db:"ink_pending"`
	Lifetime  int64     `db:"ink_lifetime"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r userRow) toDomain() account.Account {
	return account.Account{
		UserID:    r.ID,
		Available: r.Available,
		Pending:   r.Pending,
		Lifetime:  r.Lifetime,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

type entryRow struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	RequestID string    `db:"request_id"`
	Kind      string    `db:"kind"`
	Amount    int64     `db:"amount"`
	CreatedAt time.Time `db:"created_at"`
}

type requestRow struct {
	ID           string       `db:"id"`
	UserID       string       `db:"user_id"`
	Status       string       `db:"status"`
	Parameters   string       `db:"parameters"`
	ReservedCost int64        `db:"reserved_cost"`
	Error        string       `db:"error"`
	CreatedAt    time.Time    `db:"created_at"`
	FinishedAt   sql.NullTime `db:"finished_at"`
}

func (r requestRow) toDomain() (generation.Request, error) {
	req := generation.Request{
		ID:           r.ID,
		UserID:       r.UserID,
		Status:       generation.Status(r.Status),
		ReservedCost: r.ReservedCost,
		Error:        r.Error,
		CreatedAt:    r.CreatedAt,
	}
	if err := json.Unmarshal([]byte(r.Parameters), &req.Parameters); err != nil {
		return generation.Request{}, fmt.Errorf("decode parameters of %s: %w", r.ID, err)
	}
	if r.FinishedAt.Valid {
		t := r.FinishedAt.Time
		req.FinishedAt = &t
	}
	return req, nil
}

type mediaRow struct {
	ID        string         `db:"id"`
	RequestID string         `db:"request_id"`
	UserID    string         `db:"user_id"`
	FileID    string         `db:"file_id"`
	URL       string         `db:"url"`
	Width     int            `db:"width"`
	Height    int            `db:"height"`
	MimeType  string         `db:"mime_type"`
	Provider  string         `db:"provider"`
	Model     string         `db:"model"`
	Seed      sql.NullInt64  `db:"seed"`
	PostID    sql.NullString `db:"post_id"`
	CreatedAt time.Time      `db:"created_at"`
}

func mediaToRow(m generation.Media) mediaRow {
	row := mediaRow{
		ID:        m.ID,
		RequestID: m.RequestID,
		UserID:    m.UserID,
		FileID:    m.FileID,
		URL:       m.URL,
		Width:     m.Width,
		Height:    m.Height,
		MimeType:  m.MimeType,
		Provider:  m.Provider,
		Model:     m.Model,
		PostID:    sql.NullString{String: m.PostID, Valid: m.PostID != ""},
		CreatedAt: m.CreatedAt.UTC(),
	}
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if m.Seed != nil {
		row.Seed = sql.NullInt64{Int64: *m.Seed, Valid: true}
	}
	return row
}

func (r mediaRow) toDomain() generation.Media {
	m := generation.Media{
		ID:        r.ID,
		RequestID: r.RequestID,
		UserID:    r.UserID,
		FileID:    r.FileID,
		URL:       r.URL,
		Width:     r.Width,
		Height:    r.Height,
		MimeType:  r.MimeType,
		Provider:  r.Provider,
		Model:     r.Model,
		PostID:    r.PostID.String,
		CreatedAt: r.CreatedAt,
	}
	if r.Seed.Valid {
		seed := r.Seed.Int64
		m.Seed = &seed
	}
	return m
}

const (
	userColumns    = `id, ink_available, ink_pending, ink_lifetime, created_at, updated_at`
	requestColumns = `id, user_id, status, parameters, reserved_cost, error, created_at, finished_at`
	mediaColumns   = `id, request_id, user_id, file_id, url, width, height, mime_type, provider, model, seed, post_id, created_at`
)

// --- AccountStore -----------------------------------------------------------

func (s *Store) CreateAccount(ctx context.Context, acct account.Account) (account.Account, error) {
	if acct.UserID == "" {
		acct.UserID = uuid.NewString()
	}
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
	`), acct.UserID, acct.Available, acct.Pending, acct.Lifetime, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		return account.Account{}, translate(err)
	}
	return acct, nil
}

func (s *Store) GetAccount(ctx context.Context, userID string) (account.Account, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+userColumns+` FROM users WHERE id = ?`), userID)
	if err != nil {
		return account.Account{}, translate(err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListInkEntries(ctx context.Context, userID string, limit int) ([]account.Entry, error) {
	var rows []entryRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT id, user_id, request_id, kind, amount, created_at
		FROM ink_entries
		WHERE user_id = ?
		ORDER BY created_at DESC, id
		LIMIT ?
	`), userID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]account.Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, account.Entry{
			ID:        r.ID,
			UserID:    r.UserID,
			RequestID: r.RequestID,
			Kind:      account.EntryKind(r.Kind),
			Amount:    r.Amount,
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

func (s *Store) RegisterPushToken(ctx context.Context, userID, token string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO push_tokens (user_id, token, created_at)
		VALUES (?, ?, ?)
	`), userID, token, time.Now().UTC())
	if err = translate(err); errors.Is(err, storage.ErrConflict) {
		return nil
	}
	return err
}

func (s *Store) PushTokens(ctx context.Context, userID string) ([]string, error) {
	var tokens []string
	err := s.db.SelectContext(ctx, &tokens, s.db.Rebind(`
		SELECT token FROM push_tokens WHERE user_id = ? ORDER BY created_at
	`), userID)
	return tokens, err
}

// --- RequestStore -----------------------------------------------------------

func (s *Store) GetRequest(ctx context.Context, id string) (generation.Request, error) {
	var row requestRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+requestColumns+` FROM generation_requests WHERE id = ?`), id)
	if err != nil {
		return generation.Request{}, translate(err)
	}
	return row.toDomain()
}

func (s *Store) ListRequests(ctx context.Context, userID string, limit int) ([]generation.Request, error) {
	var rows []requestRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT `+requestColumns+`
		FROM generation_requests
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`), userID, limit)
	if err != nil {
		return nil, err
	}
	return requestsToDomain(rows)
}

func (s *Store) ListStaleRequests(ctx context.Context, status generation.Status, before time.Time) ([]generation.Request, error) {
	var rows []requestRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT `+requestColumns+`
		FROM generation_requests
		WHERE status = ? AND created_at < ?
		ORDER BY created_at
	`), string(status), before.UTC())
	if err != nil {
		return nil, err
	}
	return requestsToDomain(rows)
}

func requestsToDomain(rows []requestRow) ([]generation.Request, error) {
	out := make([]generation.Request, 0, len(rows))
	for _, r := range rows {
		req, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

// --- MediaStore / PostStore -------------------------------------------------

func (s *Store) ListMedia(ctx context.Context, requestID string) ([]generation.Media, error) {
	var rows []mediaRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT `+mediaColumns+` FROM media WHERE request_id = ? ORDER BY created_at, id
	`), requestID)
	if err != nil {
		return nil, err
	}
	out := make([]generation.Media, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) CreatePost(ctx context.Context, post generation.Post, mediaIDs []string) (generation.Post, error) {
	if post.ID == "" {
		post.ID = uuid.NewString()
	}
	if post.CreatedAt.IsZero() {
		post.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return generation.Post{}, err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO posts (id, user_id, request_id, created_at) VALUES (?, ?, ?, ?)
	`), post.ID, post.UserID, post.RequestID, post.CreatedAt.UTC()); err != nil {
		return generation.Post{}, translate(err)
	}

	if len(mediaIDs) > 0 {
		query, args, err := sqlx.In(`UPDATE media SET post_id = ? WHERE request_id = ? AND id IN (?)`, post.ID, post.RequestID, mediaIDs)
		if err != nil {
			return generation.Post{}, err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return generation.Post{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return generation.Post{}, err
	}
	return post, nil
}

// --- transactional mutations -----------------------------------------------

type txStore struct {
	tx *sqlx.Tx
}

func (t *txStore) ReserveInk(ctx context.Context, userID string, amount int64) (bool, error) {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(`
		UPDATE users
		SET ink_pending = ink_pending + ?, updated_at = ?
		WHERE id = ? AND ink_available - ink_pending >= ?
	`), amount, time.Now().UTC(), userID, amount)
	if err != nil {
		return false, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n == 1 {
		return true, nil
	}

	var exists int
	if err := t.tx.GetContext(ctx, &exists, t.tx.Rebind(`SELECT COUNT(1) FROM users WHERE id = ?`), userID); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, storage.ErrNotFound
	}
	return false, nil
}

func (t *txStore) SettleInk(ctx context.Context, userID string, reserved, actual int64) error {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(`
		UPDATE users
		SET ink_pending = ink_pending - ?,
		    ink_available = ink_available - ?,
		    ink_lifetime = ink_lifetime + ?,
		    updated_at = ?
		WHERE id = ?
	`), reserved, actual, actual, time.Now().UTC(), userID)
	return expectOne(res, err)
}

func (t *txStore) GrantInk(ctx context.Context, userID string, amount int64) error {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(`
		UPDATE users SET ink_available = ink_available + ?, updated_at = ? WHERE id = ?
	`), amount, time.Now().UTC(), userID)
	return expectOne(res, err)
}

func (t *txStore) AppendInkEntries(ctx context.Context, entries ...account.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]entryRow, 0, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		rows = append(rows, entryRow{
			ID:        e.ID,
			UserID:    e.UserID,
			RequestID: e.RequestID,
			Kind:      string(e.Kind),
			Amount:    e.Amount,
			CreatedAt: e.CreatedAt.UTC(),
		})
	}
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO ink_entries (id, user_id, request_id, kind, amount, created_at)
		VALUES (:id, :user_id, :request_id, :kind, :amount, :created_at)
	`, rows)
	return translate(err)
}

func (t *txStore) InsertRequest(ctx context.Context, req generation.Request) error {
	params, err := json.Marshal(req.Parameters)
	if err != nil {
		return err
	}
	var finished sql.NullTime
	if req.FinishedAt != nil {
		finished = sql.NullTime{Time: req.FinishedAt.UTC(), Valid: true}
	}
	_, err = t.tx.ExecContext(ctx, t.tx.Rebind(`
		INSERT INTO generation_requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), req.ID, req.UserID, string(req.Status), string(params), req.ReservedCost, req.Error, req.CreatedAt.UTC(), finished)
	return translate(err)
}

func (t *txStore) TransitionRequest(ctx context.Context, id string, from, to generation.Status, reason string, at time.Time) (bool, error) {
	var finished sql.NullTime
	if to.Terminal() {
		finished = sql.NullTime{Time: at.UTC(), Valid: true}
	}
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(`
		UPDATE generation_requests
		SET status = ?, error = ?, finished_at = ?
		WHERE id = ? AND status = ?
	`), string(to), reason, finished, id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *txStore) InsertMedia(ctx context.Context, media []generation.Media) error {
	if len(media) == 0 {
		return nil
	}
	rows := make([]mediaRow, 0, len(media))
	for _, m := range media {
		rows = append(rows, mediaToRow(m))
	}
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO media (`+mediaColumns+`)
		VALUES (:id, :request_id, :user_id, :file_id, :url, :width, :height, :mime_type, :provider, :model, :seed, :post_id, :created_at)
	`, rows)
	return translate(err)
}

func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// translate maps driver errors onto storage sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", storage.ErrConflict, pqErr.Message)
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		msg := strings.TrimSpace(liteErr.Error())
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return fmt.Errorf("%w: %s", storage.ErrConflict, msg)
		case sqlite3.SQLITE_CONSTRAINT:
			if strings.Contains(msg, "UNIQUE constraint failed") {
				return fmt.Errorf("%w: %s", storage.ErrConflict, msg)
			}
		}
	}
	return err
}
