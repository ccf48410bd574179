package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inkframe/backend/internal/app/domain/account"
	"github.com/inkframe/backend/internal/app/domain/generation"
	"github.com/inkframe/backend/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
//
// Transactions run against a copy of the whole state which replaces the live
// state only when the callback succeeds. Transactions are serialised.
type Store struct {
	mu    sync.RWMutex
	state *state
}

type state struct {
	accounts   map[string]account.Account
	entries    []account.Entry
	requests   map[string]generation.Request
	media      map[string][]generation.Media
	posts      map[string]generation.Post
	pushTokens map[string][]string
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{state: &state{
		accounts:   make(map[string]account.Account),
		requests:   make(map[string]generation.Request),
		media:      make(map[string][]generation.Media),
		posts:      make(map[string]generation.Post),
		pushTokens: make(map[string][]string),
	}}
}

func (st *state) clone() *state {
	out := &state{
		accounts:   make(map[string]account.Account, len(st.accounts)),
		entries:    append([]account.Entry(nil), st.entries...),
		requests:   make(map[string]generation.Request, len(st.requests)),
		media:      make(map[string][]generation.Media, len(st.media)),
		posts:      make(map[string]generation.Post, len(st.posts)),
		pushTokens: make(map[string][]string, len(st.pushTokens)),
	}
	for k, v := range st.accounts {
		out.accounts[k] = v
	}
	for k, v := range st.requests {
		out.requests[k] = v.Clone()
	}
	for k, v := range st.media {
		out.media[k] = append([]generation.Media(nil), v...)
	}
	for k, v := range st.posts {
		out.posts[k] = v
	}
	for k, v := range st.pushTokens {
		out.pushTokens[k] = append([]string(nil), v...)
	}
	return out
}

// InTx runs fn against a private copy of the state and publishes the copy
// when fn returns nil. fn must not call back into the Store.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(ctx, &tx{st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = work
	return nil
}

// AccountStore implementation -------------------------------------------------

func (s *Store) CreateAccount(_ context.Context, acct account.Account) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acct.UserID == "" {
		acct.UserID = uuid.NewString()
	} else if _, exists := s.state.accounts[acct.UserID]; exists {
		return account.Account{}, storage.ErrConflict
	}
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now
	s.state.accounts[acct.UserID] = acct
	return acct, nil
}

func (s *Store) GetAccount(_ context.Context, userID string) (account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.state.accounts[userID]
	if !ok {
		return account.Account{}, storage.ErrNotFound
	}
	return acct, nil
}

func (s *Store) ListInkEntries(_ context.Context, userID string, limit int) ([]account.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []account.Entry
	for i := len(s.state.entries) - 1; i >= 0; i-- {
		if s.state.entries[i].UserID != userID {
			continue
		}
		out = append(out, s.state.entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) RegisterPushToken(_ context.Context, userID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.accounts[userID]; !ok {
		return storage.ErrNotFound
	}
	for _, existing := range s.state.pushTokens[userID] {
		if existing == token {
			return nil
		}
	}
	s.state.pushTokens[userID] = append(s.state.pushTokens[userID], token)
	return nil
}

func (s *Store) PushTokens(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.state.pushTokens[userID]...), nil
}

// RequestStore implementation -------------------------------------------------

func (s *Store) GetRequest(_ context.Context, id string) (generation.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.state.requests[id]
	if !ok {
		return generation.Request{}, storage.ErrNotFound
	}
	return req.Clone(), nil
}

func (s *Store) ListRequests(_ context.Context, userID string, limit int) ([]generation.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []generation.Request
	for _, req := range s.state.requests {
		if req.UserID == userID {
			out = append(out, req.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListStaleRequests(_ context.Context, status generation.Status, before time.Time) ([]generation.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []generation.Request
	for _, req := range s.state.requests {
		if req.Status == status && req.CreatedAt.Before(before) {
			out = append(out, req.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MediaStore implementation ---------------------------------------------------

func (s *Store) ListMedia(_ context.Context, requestID string) ([]generation.Media, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]generation.Media(nil), s.state.media[requestID]...), nil
}

// PostStore implementation ----------------------------------------------------

func (s *Store) CreatePost(_ context.Context, post generation.Post, mediaIDs []string) (generation.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if post.ID == "" {
		post.ID = uuid.NewString()
	} else if _, exists := s.state.posts[post.ID]; exists {
		return generation.Post{}, storage.ErrConflict
	}
	if post.CreatedAt.IsZero() {
		post.CreatedAt = time.Now().UTC()
	}
	s.state.posts[post.ID] = post

	link := make(map[string]bool, len(mediaIDs))
	for _, id := range mediaIDs {
		link[id] = true
	}
	rows := s.state.media[post.RequestID]
	for i := range rows {
		if link[rows[i].ID] {
			rows[i].PostID = post.ID
		}
	}
	return post, nil
}

// tx is the mutation view handed to InTx callbacks. It is only ever used
// while the Store's write lock is held.
type tx struct {
	st *state
}

func (t *tx) ReserveInk(_ context.Context, userID string, amount int64) (bool, error) {
	acct, ok := t.st.accounts[userID]
	if !ok {
		return false, storage.ErrNotFound
	}
	if acct.Available-acct.Pending < amount {
		return false, nil
	}
	acct.Pending += amount
	acct.UpdatedAt = time.Now().UTC()
	t.st.accounts[userID] = acct
	return true, nil
}

func (t *tx) SettleInk(_ context.Context, userID string, reserved, actual int64) error {
	acct, ok := t.st.accounts[userID]
	if !ok {
		return storage.ErrNotFound
	}
	acct.Pending -= reserved
	acct.Available -= actual
	acct.Lifetime += actual
	acct.UpdatedAt = time.Now().UTC()
	t.st.accounts[userID] = acct
	return nil
}

func (t *tx) GrantInk(_ context.Context, userID string, amount int64) error {
	acct, ok := t.st.accounts[userID]
	if !ok {
		return storage.ErrNotFound
	}
	acct.Available += amount
	acct.UpdatedAt = time.Now().UTC()
	t.st.accounts[userID] = acct
	return nil
}

func (t *tx) AppendInkEntries(_ context.Context, entries ...account.Entry) error {
	t.st.entries = append(t.st.entries, entries...)
	return nil
}

func (t *tx) InsertRequest(_ context.Context, req generation.Request) error {
	if _, exists := t.st.requests[req.ID]; exists {
		return storage.ErrConflict
	}
	t.st.requests[req.ID] = req.Clone()
	return nil
}

func (t *tx) TransitionRequest(_ context.Context, id string, from, to generation.Status, reason string, at time.Time) (bool, error) {
	req, ok := t.st.requests[id]
	if !ok || req.Status != from {
		return false, nil
	}
	req.Status = to
	req.Error = reason
	if to.Terminal() {
		finished := at.UTC()
		req.FinishedAt = &finished
	}
	t.st.requests[id] = req
	return true, nil
}

func (t *tx) InsertMedia(_ context.Context, media []generation.Media) error {
	for _, m := range media {
		if _, ok := t.st.requests[m.RequestID]; !ok {
			return storage.ErrNotFound
		}
		t.st.media[m.RequestID] = append(t.st.media[m.RequestID], m)
	}
	return nil
}
