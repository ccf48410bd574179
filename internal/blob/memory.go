package blob

import (
	"context"
	"sync"
)

// MemoryStore keeps blobs in process. It backs local development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	baseURL string
	objects map[string]memoryObject
}

type memoryObject struct {
	data     []byte
	mimeType string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store whose URLs start with baseURL.
func NewMemoryStore(baseURL string) *MemoryStore {
	if baseURL == "" {
		baseURL = "memory://blobs"
	}
	return &MemoryStore{baseURL: baseURL, objects: make(map[string]memoryObject)}
}

func (m *MemoryStore) Upload(_ context.Context, data []byte, mimeType, pathHint string) (Object, error) {
	name := ObjectName(pathHint, mimeType)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = memoryObject{data: append([]byte(nil), data...), mimeType: mimeType}
	return Object{FileID: name, URL: m.baseURL + "/" + name}, nil
}

func (m *MemoryStore) Delete(_ context.Context, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[fileID]; !ok {
		return ErrNotFound
	}
	delete(m.objects, fileID)
	return nil
}

// Get returns a stored blob.
func (m *MemoryStore) Get(fileID string) ([]byte, string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[fileID]
	return obj.data, obj.mimeType, ok
}

// Len reports the number of stored blobs.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
