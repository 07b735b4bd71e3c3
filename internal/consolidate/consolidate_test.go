package consolidate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/xtwoend/bga-dse/internal/buffer"
	"github.com/xtwoend/bga-dse/internal/errors"
	"github.com/xtwoend/bga-dse/internal/schema"
	"github.com/xtwoend/bga-dse/internal/store"
	dsetest "github.com/xtwoend/bga-dse/internal/testing"
	"github.com/xtwoend/bga-dse/internal/value"
)

var testTime = time.Date(2025, 3, 7, 14, 5, 0, 0, time.UTC)

func TestPartition_TableName(t *testing.T) {
	tests := []struct {
		partition Partition
		want      string
	}{
		{PartitionNone, "dse_turbine1"},
		{PartitionMonthly, "dse_turbine1_202503"},
		{PartitionDaily, "dse_turbine1_20250307"},
		{PartitionHourly, "dse_turbine1_2025030714"},
	}
	for _, tt := range tests {
		if got := tt.partition.TableName("dse_turbine1", testTime); got != tt.want {
			t.Errorf("%s.TableName() = %q, want %q", tt.partition, got, tt.want)
		}
	}
}

func TestParsePartition(t *testing.T) {
	for in, want := range map[string]Partition{
		"":        PartitionNone,
		"none":    PartitionNone,
		"monthly": PartitionMonthly,
		"daily":   PartitionDaily,
		"hourly":  PartitionHourly,
	} {
		got, err := ParsePartition(in)
		if err != nil || got != want {
			t.Errorf("ParsePartition(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParsePartition("weekly"); !errors.Is(err, errors.ErrInvalidConfig) {
		t.Errorf("ParsePartition(weekly) = %v, want ErrInvalidConfig", err)
	}
}

func TestJob_Validate(t *testing.T) {
	valid := Job{Name: "saver", Groups: []string{"dse_turbine1"}, Interval: time.Second}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid job: %v", err)
	}

	tests := []struct {
		name string
		job  Job
	}{
		{"no name", Job{Groups: []string{"g"}, Interval: time.Second}},
		{"no groups", Job{Name: "j", Interval: time.Second}},
		{"bad group", Job{Name: "j", Groups: []string{"Bad-Group"}, Interval: time.Second}},
		{"duplicate group", Job{Name: "j", Groups: []string{"g", "g"}, Interval: time.Second}},
		{"zero interval", Job{Name: "j", Groups: []string{"g"}}},
		{"bad partition", Job{Name: "j", Groups: []string{"g"}, Interval: time.Second, Partition: "yearly"}},
	}
	for _, tt := range tests {
		if err := tt.job.Validate(); !errors.IsValidation(err) {
			t.Errorf("%s: Validate() = %v, want validation error", tt.name, err)
		}
	}
}

func TestNew_RejectsDuplicateJobNames(t *testing.T) {
	job := Job{Name: "saver", Groups: []string{"g"}, Interval: time.Second}
	_, err := New(buffer.NewMemoryStore(), nil, Config{Jobs: []Job{job, job}})
	if !errors.IsValidation(err) {
		t.Errorf("New() = %v, want validation error", err)
	}
}

type fixture struct {
	buf     *buffer.MemoryStore
	evolver *schema.Evolver
	c       *Consolidator
}

func newFixture(t *testing.T, jobs ...Job) *fixture {
	t.Helper()

	db := dsetest.OpenStore(t, store.DriverSQLite)
	dialect, err := schema.DialectFor(db.Driver())
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		buf:     buffer.NewMemoryStore(),
		evolver: schema.NewEvolver(db, dialect),
	}
	f.c, err = New(f.buf, f.evolver, Config{
		Jobs:     jobs,
		Options:  schema.DefaultOptions(),
		Location: time.UTC,
		Clock:    dsetest.FixedClock(testTime),
	})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) upsert(t *testing.T, group, tag string, v value.Value) {
	t.Helper()
	if err := f.buf.Upsert(context.Background(), buffer.Sample{Group: group, Tag: tag, Value: v}); err != nil {
		t.Fatal(err)
	}
}

func TestRunJobOnce_EmptySnapshotWritesNothing(t *testing.T) {
	ctx := context.Background()
	job := Job{Name: "saver", Groups: []string{"dse_turbine1"}, Interval: time.Minute}
	f := newFixture(t, job)

	res, err := f.c.RunJobOnce(ctx, job, "dse_turbine1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Empty || res.Table != "" {
		t.Errorf("result = %+v, want empty", res)
	}

	exists, err := f.evolver.TableExists(ctx, "dse_turbine1")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("empty snapshot created a table")
	}
}

func TestRunJobOnce_CreatesThenEvolves(t *testing.T) {
	ctx := context.Background()
	job := Job{Name: "logger", Groups: []string{"dse_turbine1"}, Interval: time.Minute}
	f := newFixture(t, job)

	f.upsert(t, "dse_turbine1", "oil_pressure", value.Float(87.5))
	f.upsert(t, "dse_turbine1", "rpm", value.Float(1500))

	res, err := f.c.RunJobOnce(ctx, job, "dse_turbine1")
	if err != nil {
		t.Fatal(err)
	}
	want := Result{Job: "logger", Group: "dse_turbine1", Table: "dse_turbine1", Fields: 2, Outcome: schema.Created}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("first cycle mismatch (-want +got):\n%s", diff)
	}

	f.upsert(t, "dse_turbine1", "coolant_temp", value.Float(71.25))
	res, err = f.c.RunJobOnce(ctx, job, "dse_turbine1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != schema.Evolved || res.Fields != 3 {
		t.Errorf("second cycle = %+v, want evolved with 3 fields", res)
	}

	res, err = f.c.RunJobOnce(ctx, job, "dse_turbine1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != schema.Unchanged {
		t.Errorf("third cycle outcome = %s, want unchanged", res.Outcome)
	}

	ts, err := f.evolver.Describe(ctx, "dse_turbine1")
	if err != nil {
		t.Fatal(err)
	}
	for _, col := range []string{"oil_pressure", "rpm", "coolant_temp", "created_at", "updated_at"} {
		if _, ok := ts.Column(col); !ok {
			t.Errorf("column %s missing from %v", col, ts.ColumnNames())
		}
	}
}

func TestRunJobOnce_PartitionedTable(t *testing.T) {
	ctx := context.Background()
	job := Job{Name: "saver", Groups: []string{"dse_turbine1"}, Interval: time.Second, Partition: PartitionMonthly}
	f := newFixture(t, job)
	f.upsert(t, "dse_turbine1", "rpm", value.Float(1500))

	res, err := f.c.RunJobOnce(ctx, job, "dse_turbine1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Table != "dse_turbine1_202503" {
		t.Errorf("table = %q, want dse_turbine1_202503", res.Table)
	}
	exists, err := f.evolver.TableExists(ctx, "dse_turbine1_202503")
	if err != nil || !exists {
		t.Errorf("TableExists = %v, %v", exists, err)
	}
}

func TestRunOnce_AllJobsForGroup(t *testing.T) {
	ctx := context.Background()
	saver := Job{Name: "saver", Groups: []string{"dse_turbine1", "dse_pln"}, Interval: time.Second, Partition: PartitionMonthly}
	logger := Job{Name: "logger", Groups: []string{"dse_turbine1"}, Interval: time.Hour}
	f := newFixture(t, saver, logger)
	f.upsert(t, "dse_turbine1", "rpm", value.Float(1500))
	f.upsert(t, "dse_pln", "kw", value.Float(12))

	results, err := f.c.RunOnce(ctx, "dse_turbine1")
	if err != nil {
		t.Fatal(err)
	}
	var tables []string
	for _, r := range results {
		tables = append(tables, r.Table)
	}
	if diff := cmp.Diff([]string{"dse_turbine1_202503", "dse_turbine1"}, tables); diff != "" {
		t.Errorf("tables mismatch (-want +got):\n%s", diff)
	}

	results, err = f.c.RunOnce(ctx, "dse_pln")
	if err != nil || len(results) != 1 {
		t.Errorf("RunOnce(dse_pln) = %v, %v", results, err)
	}

	if _, err := f.c.RunOnce(ctx, "unknown_group"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("RunOnce(unknown) = %v, want ErrNotFound", err)
	}
}

type failingSource struct{}

func (failingSource) Snapshot(context.Context, string) (schema.Record, error) {
	return nil, errors.ErrStorageUnavailable
}

func TestRunJobOnce_SnapshotFailure(t *testing.T) {
	job := Job{Name: "saver", Groups: []string{"g"}, Interval: time.Second}
	c, err := New(failingSource{}, nil, Config{Jobs: []Job{job}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.RunJobOnce(context.Background(), job, "g"); !errors.IsRetriable(err) {
		t.Errorf("RunJobOnce() = %v, want retriable error", err)
	}
}

// recordingWriter counts writes and observes whether their context was
// already cancelled.
type recordingWriter struct {
	mu        sync.Mutex
	writes    map[string]int
	cancelled int
	block     chan struct{}
}

func (w *recordingWriter) EnsureAndInsert(ctx context.Context, table string, _ schema.Record, _ schema.Options) (schema.Outcome, error) {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes[table]++
	if ctx.Err() != nil {
		w.cancelled++
	}
	return schema.Unchanged, nil
}

func (w *recordingWriter) count(table string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writes[table]
}

func TestRun_LoopsUntilCancelled(t *testing.T) {
	buf := buffer.NewMemoryStore()
	for _, g := range []string{"g1", "g2"} {
		if err := buf.Upsert(context.Background(), buffer.Sample{Group: g, Tag: "t", Value: value.Float(1)}); err != nil {
			t.Fatal(err)
		}
	}
	w := &recordingWriter{writes: make(map[string]int)}
	c, err := New(buf, w, Config{Jobs: []Job{{Name: "fast", Groups: []string{"g1", "g2"}, Interval: 5 * time.Millisecond}}})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	err = dsetest.Eventually(2*time.Second, 5*time.Millisecond, func() bool {
		return w.count("g1") >= 3 && w.count("g2") >= 3
	})
	cancel()
	if err != nil {
		t.Fatal(err)
	}

	if err := dsetest.WithTimeout(2*time.Second, func() error { return <-done }); err != nil {
		t.Fatalf("Run() = %v", err)
	}
}

func TestRun_WriteSurvivesCancellation(t *testing.T) {
	buf := buffer.NewMemoryStore()
	if err := buf.Upsert(context.Background(), buffer.Sample{Group: "g", Tag: "t", Value: value.Float(1)}); err != nil {
		t.Fatal(err)
	}
	w := &recordingWriter{writes: make(map[string]int), block: make(chan struct{})}
	c, err := New(buf, w, Config{Jobs: []Job{{Name: "slow", Groups: []string{"g"}, Interval: time.Hour}}})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// The first cycle runs immediately and blocks inside the write.
	time.Sleep(20 * time.Millisecond)
	cancel()
	close(w.block)

	if err := dsetest.WithTimeout(2*time.Second, func() error { return <-done }); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writes["g"] != 1 || w.cancelled != 0 {
		t.Errorf("writes = %d, cancelled = %d; want 1 write with a live context", w.writes["g"], w.cancelled)
	}
}
