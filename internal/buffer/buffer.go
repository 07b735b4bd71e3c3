// Package buffer keeps the latest value per (group, tag).
//
// Writes are last-write-wins per key and carry no history. A snapshot reads
// every tag of a group at call time; it is not transactional, so writes that
// race with it may or may not be reflected. Consolidators tolerate that
// because they run periodically.
package buffer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/xtwoend/bga-dse/internal/errors"
	"github.com/xtwoend/bga-dse/internal/logging"
	"github.com/xtwoend/bga-dse/internal/schema"
	"github.com/xtwoend/bga-dse/internal/validation"
	"github.com/xtwoend/bga-dse/internal/value"
)

var log = logging.Component("buffer")

// Backend names accepted by New.
const (
	BackendMemory = "memory"
	BackendTable  = "table"
	BackendRedis  = "redis"
)

// Sample is one observed reading on its way into the buffer.
type Sample struct {
	Group      string
	Tag        string
	Value      value.Value
	ObservedAt time.Time
}

// Record is the buffered latest value for one (group, tag).
type Record struct {
	Group     string      `json:"group"`
	Tag       string      `json:"tag"`
	Value     value.Value `json:"value"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Store is a latest-value buffer. Implementations are safe for concurrent use.
type Store interface {
	// Upsert writes or overwrites the value for (s.Group, s.Tag).
	Upsert(ctx context.Context, s Sample) error

	// Snapshot returns the current tag -> value mapping of group, sorted
	// by tag. An unknown group yields an empty record.
	Snapshot(ctx context.Context, group string) (schema.Record, error)

	// Records returns the buffered records of group, sorted by tag.
	Records(ctx context.Context, group string) ([]Record, error)

	// Clear removes every tag of group.
	Clear(ctx context.Context, group string) error

	// DropKey removes one tag of group.
	DropKey(ctx context.Context, group, tag string) error

	// Close releases resources held by the store.
	Close() error
}

// =============================================================================
// Configuration
// =============================================================================

// Config selects and configures a backend.
type Config struct {
	// Backend is memory, table or redis.
	Backend string

	// Namespace prefixes redis keys.
	Namespace string

	// TTL is the redis key lifetime. Keys not refreshed within it vanish.
	TTL time.Duration

	// Table names the durable buffer table.
	Table string

	Redis RedisConfig
}

// RedisConfig holds redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Deps carries the shared database handle for the table backend.
type Deps struct {
	DB      schema.Execer
	Dialect schema.Dialect
}

// New builds the configured backend.
func New(ctx context.Context, cfg Config, deps Deps) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendTable:
		if deps.DB == nil || deps.Dialect == nil {
			return nil, fmt.Errorf("table buffer: %w", errors.ErrStorageUnavailable)
		}
		return NewTableStore(ctx, deps.DB, deps.Dialect, cfg.Table)
	case BackendRedis:
		return DialRedis(ctx, cfg)
	default:
		return nil, fmt.Errorf("%q: %w", cfg.Backend, errors.ErrUnknownBackend)
	}
}

// =============================================================================
// Helpers
// =============================================================================

func validateKey(group, tag string) error {
	if err := validation.ValidateGroup(group); err != nil {
		return err
	}
	if tag == "" {
		return fmt.Errorf("tag: %w", errors.ErrEmptyTag)
	}
	return nil
}

func observedAt(s Sample) time.Time {
	if s.ObservedAt.IsZero() {
		return time.Now().UTC()
	}
	return s.ObservedAt.UTC()
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool { return records[i].Tag < records[j].Tag })
}

// snapshotOf converts records already sorted by tag into a record.
func snapshotOf(records []Record) schema.Record {
	rec := make(schema.Record, 0, len(records))
	for _, r := range records {
		rec = append(rec, schema.Field{Name: r.Tag, Value: r.Value})
	}
	return rec
}
