package runstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Record is one smoke run as seen by the HTTP API. Response holds the exact
// body returned to the caller so replays are byte-identical.
type Record struct {
	ID             string    `json:"id"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	Status         string    `json:"status"`
	StatusCode     int       `json:"statusCode"`
	Response       []byte    `json:"response"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// Store persists run records. Lookups by idempotency key ignore records
// past ExpiresAt; lookups by ID do not.
type Store interface {
	Save(ctx context.Context, record Record) error
	Get(ctx context.Context, id string) (*Record, error)
	FindByKey(ctx context.Context, key string) (*Record, error)
	List(ctx context.Context, limit int) ([]Record, error)
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]Record
	keys map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs: make(map[string]Record),
		keys: make(map[string]string),
	}
}

func (m *MemoryStore) Save(_ context.Context, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[record.ID] = record
	if record.IdempotencyKey != "" {
		m.keys[record.IdempotencyKey] = record.ID
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) FindByKey(_ context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.keys[key]
	if !ok {
		return nil, nil
	}
	rec, ok := m.runs[id]
	if !ok || time.Now().After(rec.ExpiresAt) {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]Record, error) {
	m.mu.RLock()
	out := make([]Record, 0, len(m.runs))
	for _, rec := range m.runs {
		out = append(out, rec)
	}
	m.mu.RUnlock()
	return newestFirst(out, limit), nil
}

func newestFirst(records []Record, limit int) []Record {
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records
}
