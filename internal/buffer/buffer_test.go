package buffer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	dseerrors "github.com/xtwoend/bga-dse/internal/errors"
	"github.com/xtwoend/bga-dse/internal/schema"
	"github.com/xtwoend/bga-dse/internal/value"
)

func TestToTime(t *testing.T) {
	want := time.Date(2025, 3, 14, 8, 30, 15, 0, time.UTC)
	jakarta := time.FixedZone("WIB", 7*3600)

	tests := []struct {
		name string
		src  any
		want time.Time
	}{
		{"time value", want.In(jakarta), want},
		{"rfc3339", "2025-03-14T08:30:15Z", want},
		{"mysql bytes", []byte("2025-03-14 08:30:15"), want},
		{"sqlite offset", "2025-03-14 15:30:15+07:00", want},
		{"go time string", "2025-03-14 08:30:15 +0000 UTC", want},
		{"padded", " 2025-03-14 08:30:15 ", want},
		{"garbage", "not a time", time.Time{}},
		{"nil", nil, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := toTime(tt.src); !got.Equal(tt.want) {
				t.Errorf("toTime(%v) = %v, want %v", tt.src, got, tt.want)
			}
		})
	}
}

// backends returns a fresh store per backend.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	return map[string]Store{
		"memory":       NewMemoryStore(),
		"table/sqlite": newTableStore(t, "sqlite"),
		"table/duckdb": newTableStore(t, "duckdb"),
		"redis":        newRedisStore(t),
	}
}

func TestStore_LastWriteWins(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			mustUpsert(t, s, "g", "t", value.Int(1))
			mustUpsert(t, s, "g", "t", value.Int(2))

			snap, err := s.Snapshot(ctx, "g")
			if err != nil {
				t.Fatalf("Snapshot() error = %v", err)
			}
			want := schema.Record{{Name: "t", Value: value.Int(2)}}
			if diff := cmp.Diff(want, snap, cmp.Comparer(value.Value.Equal)); diff != "" {
				t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStore_SnapshotSortedAndIsolated(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			mustUpsert(t, s, "dse_turbine1", "rpm", value.Int(1500))
			mustUpsert(t, s, "dse_turbine1", "oil_pressure", value.Float(87.5))
			mustUpsert(t, s, "dse_turbine1", "status", value.Text("running"))
			mustUpsert(t, s, "dse_turbine1", "meta", value.MustComposite(`{"fw":"1.2"}`))
			mustUpsert(t, s, "dse_turbine2", "rpm", value.Int(900))

			snap, err := s.Snapshot(ctx, "dse_turbine1")
			if err != nil {
				t.Fatalf("Snapshot() error = %v", err)
			}
			want := schema.Record{
				{Name: "meta", Value: value.MustComposite(`{"fw":"1.2"}`)},
				{Name: "oil_pressure", Value: value.Float(87.5)},
				{Name: "rpm", Value: value.Int(1500)},
				{Name: "status", Value: value.Text("running")},
			}
			if diff := cmp.Diff(want, snap, cmp.Comparer(value.Value.Equal)); diff != "" {
				t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStore_FloatKindSurvives(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			mustUpsert(t, s, "g", "whole", value.Float(87))

			snap, err := s.Snapshot(context.Background(), "g")
			if err != nil {
				t.Fatalf("Snapshot() error = %v", err)
			}
			v, _ := snap.Get("whole")
			if f, ok := v.AsFloat(); !ok || f != 87 {
				t.Errorf("value = %v (%v), want float 87", v, v.Kind())
			}
		})
	}
}

func TestStore_EmptyGroup(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			snap, err := s.Snapshot(context.Background(), "nothing_here")
			if err != nil {
				t.Fatalf("Snapshot() error = %v", err)
			}
			if len(snap) != 0 {
				t.Errorf("snapshot = %v, want empty", snap)
			}
		})
	}
}

func TestStore_ClearAndDropKey(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			mustUpsert(t, s, "g", "a", value.Int(1))
			mustUpsert(t, s, "g", "b", value.Int(2))
			mustUpsert(t, s, "other", "a", value.Int(3))

			if err := s.DropKey(ctx, "g", "a"); err != nil {
				t.Fatalf("DropKey() error = %v", err)
			}
			snap, _ := s.Snapshot(ctx, "g")
			if len(snap) != 1 || snap[0].Name != "b" {
				t.Errorf("after DropKey snapshot = %v, want only b", snap)
			}

			if err := s.Clear(ctx, "g"); err != nil {
				t.Fatalf("Clear() error = %v", err)
			}
			if snap, _ := s.Snapshot(ctx, "g"); len(snap) != 0 {
				t.Errorf("after Clear snapshot = %v, want empty", snap)
			}
			if snap, _ := s.Snapshot(ctx, "other"); len(snap) != 1 {
				t.Errorf("Clear removed another group: %v", snap)
			}
		})
	}
}

func TestStore_Records(t *testing.T) {
	stamp := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := s.Upsert(context.Background(), Sample{Group: "g", Tag: "rpm", Value: value.Int(7), ObservedAt: stamp})
			if err != nil {
				t.Fatalf("Upsert() error = %v", err)
			}

			records, err := s.Records(context.Background(), "g")
			if err != nil {
				t.Fatalf("Records() error = %v", err)
			}
			if len(records) != 1 {
				t.Fatalf("records = %v", records)
			}
			r := records[0]
			if r.Group != "g" || r.Tag != "rpm" || !r.Value.Equal(value.Int(7)) {
				t.Errorf("record = %+v", r)
			}
			if !r.UpdatedAt.Equal(stamp) {
				t.Errorf("UpdatedAt = %v, want %v", r.UpdatedAt, stamp)
			}
		})
	}
}

func TestStore_RejectsBadKeys(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Upsert(ctx, Sample{Group: "g", Tag: "", Value: value.Int(1)}); !errors.Is(err, dseerrors.ErrEmptyTag) {
				t.Errorf("empty tag error = %v, want ErrEmptyTag", err)
			}
			if err := s.Upsert(ctx, Sample{Group: "Bad Group", Tag: "t", Value: value.Int(1)}); !errors.Is(err, dseerrors.ErrInvalidName) {
				t.Errorf("bad group error = %v, want ErrInvalidName", err)
			}
		})
	}
}

func TestStore_ConcurrentUpserts(t *testing.T) {
	for name, s := range map[string]Store{"memory": NewMemoryStore(), "redis": newRedisStore(t)} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					for j := 0; j < 10; j++ {
						tag := fmt.Sprintf("tag_%d", i)
						if err := s.Upsert(ctx, Sample{Group: "g", Tag: tag, Value: value.Int(int64(j))}); err != nil {
							t.Errorf("Upsert() error = %v", err)
						}
					}
				}(i)
			}
			wg.Wait()

			snap, err := s.Snapshot(ctx, "g")
			if err != nil {
				t.Fatalf("Snapshot() error = %v", err)
			}
			if len(snap) != 20 {
				t.Fatalf("snapshot has %d tags, want 20", len(snap))
			}
			for _, f := range snap {
				if !f.Value.Equal(value.Int(9)) {
					t.Errorf("%s = %v, want 9", f.Name, f.Value)
				}
			}
		})
	}
}

func TestRedisStore_KeyLayoutAndTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	s := NewRedisStore(client, "bga", time.Hour)
	mustUpsert(t, s, "dse_turbine1", "oil_pressure", value.Float(87.5))

	key := "bga:dse_turbine1:oil_pressure"
	if !mr.Exists(key) {
		t.Fatalf("key %q not written; keys = %v", key, mr.Keys())
	}
	if ttl := mr.TTL(key); ttl != time.Hour {
		t.Errorf("TTL = %v, want 1h", ttl)
	}
	raw, _ := mr.Get(key)
	if !strings.Contains(raw, `"value":87.5`) || !strings.Contains(raw, `"tag":"oil_pressure"`) || !strings.Contains(raw, `"group":"dse_turbine1"`) {
		t.Errorf("stored record = %s", raw)
	}

	mr.FastForward(2 * time.Hour)
	snap, err := s.Snapshot(context.Background(), "dse_turbine1")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(snap) != 0 {
		t.Errorf("expired key still in snapshot: %v", snap)
	}
}

func TestRedisStore_Defaults(t *testing.T) {
	s := NewRedisStore(nil, "", 0)
	if s.namespace != DefaultNamespace || s.ttl != DefaultTTL {
		t.Errorf("defaults = %q, %v", s.namespace, s.ttl)
	}
}

func TestNew_Backends(t *testing.T) {
	ctx := context.Background()

	s, err := New(ctx, Config{Backend: BackendMemory}, Deps{})
	if err != nil {
		t.Fatalf("New(memory) error = %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Errorf("New(memory) = %T", s)
	}

	if _, err := New(ctx, Config{Backend: "etcd"}, Deps{}); !errors.Is(err, dseerrors.ErrUnknownBackend) {
		t.Errorf("New(etcd) error = %v, want ErrUnknownBackend", err)
	}
	if _, err := New(ctx, Config{Backend: BackendTable}, Deps{}); err == nil {
		t.Error("New(table) without a database should fail")
	}
	if _, err := New(ctx, Config{Backend: BackendRedis}, Deps{}); !errors.Is(err, dseerrors.ErrMissingField) {
		t.Errorf("New(redis) without addr error = %v, want ErrMissingField", err)
	}

	mr := miniredis.RunT(t)
	s, err = New(ctx, Config{Backend: BackendRedis, Redis: RedisConfig{Addr: mr.Addr()}}, Deps{})
	if err != nil {
		t.Fatalf("New(redis) error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestTableStore_ReopenKeepsValues(t *testing.T) {
	db := openTestDB(t, "sqlite")
	dialect, _ := schema.DialectFor("sqlite")
	ctx := context.Background()

	first, err := NewTableStore(ctx, db, dialect, "")
	if err != nil {
		t.Fatalf("NewTableStore() error = %v", err)
	}
	mustUpsert(t, first, "g", "t", value.Text("kept"))

	second, err := NewTableStore(ctx, db, dialect, "")
	if err != nil {
		t.Fatalf("reopen NewTableStore() error = %v", err)
	}
	snap, _ := second.Snapshot(ctx, "g")
	if v, _ := snap.Get("t"); !v.Equal(value.Text("kept")) {
		t.Errorf("value after reopen = %v", v)
	}
}

func TestTableStore_InvalidName(t *testing.T) {
	db := openTestDB(t, "sqlite")
	dialect, _ := schema.DialectFor("sqlite")

	if _, err := NewTableStore(context.Background(), db, dialect, "buffer; drop"); !errors.Is(err, dseerrors.ErrInvalidName) {
		t.Errorf("NewTableStore() error = %v, want ErrInvalidName", err)
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func mustUpsert(t *testing.T, s Store, group, tag string, v value.Value) {
	t.Helper()
	if err := s.Upsert(context.Background(), Sample{Group: group, Tag: tag, Value: v}); err != nil {
		t.Fatalf("Upsert(%s, %s) error = %v", group, tag, err)
	}
}

func openTestDB(t *testing.T, driver string) *sql.DB {
	t.Helper()
	db, err := sql.Open(driver, filepath.Join(t.TempDir(), "buffer."+driver))
	if err != nil {
		t.Fatalf("open %s: %v", driver, err)
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTableStore(t *testing.T, driver string) *TableStore {
	t.Helper()
	dialect, err := schema.DialectFor(driver)
	if err != nil {
		t.Fatalf("DialectFor(%q): %v", driver, err)
	}
	s, err := NewTableStore(context.Background(), openTestDB(t, driver), dialect, DefaultTable)
	if err != nil {
		t.Fatalf("NewTableStore(%s) error = %v", driver, err)
	}
	return s
}

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, "test", time.Hour)
}
