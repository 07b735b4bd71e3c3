package consolidate

import (
	"context"
	"testing"
	"time"

	"github.com/xtwoend/bga-dse/internal/buffer"
	"github.com/xtwoend/bga-dse/internal/ingest"
	"github.com/xtwoend/bga-dse/internal/schema"
	"github.com/xtwoend/bga-dse/internal/store"
	dsetest "github.com/xtwoend/bga-dse/internal/testing"
)

// A reading published on a device topic ends up as a float column and a row
// in the group's table after one consolidation cycle.
func TestPipeline_TopicToTableRow(t *testing.T) {
	ctx := context.Background()

	db := dsetest.OpenStore(t, store.DriverSQLite)
	dialect, err := schema.DialectFor(db.Driver())
	if err != nil {
		t.Fatal(err)
	}
	ev := schema.NewEvolver(db, dialect)
	buf := buffer.NewMemoryStore()

	router := ingest.NewRouter()
	if err := router.Handle("data/site/dse/turbine1/#", &ingest.TopicHandler{
		Prefix: "data/site/dse/turbine1/",
		Group:  "dse_turbine1",
		Buffer: buf,
		Clock:  dsetest.FixedClock(testTime),
	}); err != nil {
		t.Fatal(err)
	}
	d := ingest.NewDispatcher(router, ingest.DefaultConfig())

	err = d.Dispatch(ctx, ingest.Message{
		Topic:   "data/site/dse/turbine1/oil-pressure",
		Payload: []byte(`{"a":{"b":{"c": 87.5}}}`),
	})
	if err != nil {
		t.Fatal(err)
	}

	job := Job{Name: "logger", Groups: []string{"dse_turbine1"}, Interval: time.Minute}
	c, err := New(buf, ev, Config{Jobs: []Job{job}, Options: schema.DefaultOptions(), Location: time.UTC})
	if err != nil {
		t.Fatal(err)
	}
	res, err := c.RunJobOnce(ctx, job, "dse_turbine1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Table != "dse_turbine1" || res.Outcome != schema.Created {
		t.Fatalf("result = %+v", res)
	}

	ts, err := ev.Describe(ctx, "dse_turbine1")
	if err != nil {
		t.Fatal(err)
	}
	col, ok := ts.Column("oil_pressure")
	if !ok || col.Type != schema.TypeFloat {
		t.Errorf("oil_pressure column = %+v (present %v), want float", col, ok)
	}

	var (
		rows int
		got  float64
	)
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*), MAX(oil_pressure) FROM dse_turbine1`).Scan(&rows, &got); err != nil {
		t.Fatal(err)
	}
	if rows != 1 || got != 87.5 {
		t.Errorf("table holds %d rows with oil_pressure %v, want 1 row of 87.5", rows, got)
	}
}
