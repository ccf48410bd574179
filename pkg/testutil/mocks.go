// Package testutil provides test doubles for the generation pipeline's
// outward collaborators.
package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/inkframe/backend/internal/app/providers"
	"github.com/inkframe/backend/internal/blob"
	"github.com/inkframe/backend/internal/moderation"
	"github.com/inkframe/backend/internal/push"
)

// GenerateFunc is the behaviour plugged into a MockAdapter.
type GenerateFunc func(ctx context.Context, job providers.Job) ([]providers.Image, error)

// MockAdapter is a providers.Adapter whose Generate behaviour can be swapped
// while workers are running.
type MockAdapter struct {
	name  string
	style providers.Style
	calls atomic.Int32

	mu sync.Mutex
	fn GenerateFunc
}

var (
	_ providers.Adapter         = (*MockAdapter)(nil)
	_ providers.CallbackDecoder = (*MockAdapter)(nil)
)

// NewMockAdapter creates an adapter for provider that returns no images
// until Set is called.
func NewMockAdapter(provider string, style providers.Style) *MockAdapter {
	return &MockAdapter{
		name:  provider,
		style: style,
		fn: func(context.Context, providers.Job) ([]providers.Image, error) {
			return nil, nil
		},
	}
}

func (m *MockAdapter) Name() string           { return m.name }
func (m *MockAdapter) Style() providers.Style { return m.style }

func (m *MockAdapter) Generate(ctx context.Context, job providers.Job) ([]providers.Image, error) {
	m.calls.Add(1)
	m.mu.Lock()
	fn := m.fn
	m.mu.Unlock()
	return fn(ctx, job)
}

// Set replaces the Generate behaviour.
func (m *MockAdapter) Set(fn GenerateFunc) {
	m.mu.Lock()
	m.fn = fn
	m.mu.Unlock()
}

// Calls reports how many times Generate ran.
func (m *MockAdapter) Calls() int {
	return int(m.calls.Load())
}

// DecodeCallback accepts {"request_id": "...", "images": [...], "error": "..."}
// where every image string becomes inline PNG bytes.
func (m *MockAdapter) DecodeCallback(body []byte) (providers.Callback, error) {
	var payload struct {
		RequestID string   `json:"request_id"`
		Images    []string `json:"images"`
		Error     string   `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return providers.Callback{}, err
	}
	cb := providers.Callback{RequestID: payload.RequestID, Error: payload.Error}
	for _, img := range payload.Images {
		cb.Images = append(cb.Images, providers.Image{Data: []byte(img), MimeType: "image/png"})
	}
	return cb, nil
}

// Images returns n inline images with seeds 1..n.
func Images(n int) []providers.Image {
	out := make([]providers.Image, n)
	for i := range out {
		seed := int64(i + 1)
		out[i] = providers.Image{Data: []byte("png-bytes"), MimeType: "image/png", Seed: &seed}
	}
	return out
}

// MockPushSender records every notification.
type MockPushSender struct {
	mu   sync.Mutex
	sent []push.Notification
}

var _ push.Sender = (*MockPushSender)(nil)

func (m *MockPushSender) Send(_ context.Context, _ string, n push.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, n)
	return nil
}

// Count returns the number of notifications sent.
func (m *MockPushSender) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// Sent returns a copy of the notifications sent.
func (m *MockPushSender) Sent() []push.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]push.Notification(nil), m.sent...)
}

// MockModeration returns a fixed verdict or error.
type MockModeration struct {
	Verdict moderation.Verdict
	Err     error
}

func (m MockModeration) Check(context.Context, string) (moderation.Verdict, error) {
	return m.Verdict, m.Err
}

// CountingBlobs is an in-memory blob store that counts deletes.
type CountingBlobs struct {
	*blob.MemoryStore
	deletes atomic.Int32
}

// NewCountingBlobs creates an empty store.
func NewCountingBlobs() *CountingBlobs {
	return &CountingBlobs{MemoryStore: blob.NewMemoryStore("")}
}

func (c *CountingBlobs) Delete(ctx context.Context, fileID string) error {
	c.deletes.Add(1)
	return c.MemoryStore.Delete(ctx, fileID)
}

// Deletes reports how many Delete calls were made.
func (c *CountingBlobs) Deletes() int {
	return int(c.deletes.Load())
}
