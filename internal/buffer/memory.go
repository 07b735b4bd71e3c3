package buffer

import (
	"context"
	"sync"

	"github.com/xtwoend/bga-dse/internal/schema"
	"github.com/xtwoend/bga-dse/internal/validation"
)

// MemoryStore keeps the buffer in process memory. Contents are lost on
// restart.
type MemoryStore struct {
	mu     sync.RWMutex
	groups map[string]map[string]Record
}

// NewMemoryStore creates an empty in-memory buffer.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{groups: make(map[string]map[string]Record)}
}

// Upsert implements Store.
func (m *MemoryStore) Upsert(_ context.Context, s Sample) error {
	if err := validateKey(s.Group, s.Tag); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tags, ok := m.groups[s.Group]
	if !ok {
		tags = make(map[string]Record)
		m.groups[s.Group] = tags
	}
	tags[s.Tag] = Record{Group: s.Group, Tag: s.Tag, Value: s.Value, UpdatedAt: observedAt(s)}
	return nil
}

// Snapshot implements Store.
func (m *MemoryStore) Snapshot(ctx context.Context, group string) (schema.Record, error) {
	records, err := m.Records(ctx, group)
	if err != nil {
		return nil, err
	}
	return snapshotOf(records), nil
}

// Records implements Store.
func (m *MemoryStore) Records(_ context.Context, group string) ([]Record, error) {
	if err := validation.ValidateGroup(group); err != nil {
		return nil, err
	}

	m.mu.RLock()
	tags := m.groups[group]
	records := make([]Record, 0, len(tags))
	for _, r := range tags {
		records = append(records, r)
	}
	m.mu.RUnlock()

	sortRecords(records)
	return records, nil
}

// Clear implements Store.
func (m *MemoryStore) Clear(_ context.Context, group string) error {
	m.mu.Lock()
	delete(m.groups, group)
	m.mu.Unlock()
	return nil
}

// DropKey implements Store.
func (m *MemoryStore) DropKey(_ context.Context, group, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tags, ok := m.groups[group]; ok {
		delete(tags, tag)
		if len(tags) == 0 {
			delete(m.groups, group)
		}
	}
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }
