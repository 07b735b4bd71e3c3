// Package consolidate periodically turns buffer snapshots into table rows.
//
// Each job runs one loop per group. A cycle reads the group's snapshot,
// skips it when empty, picks the target table from the job's partition
// policy and hands the snapshot to the schema evolver, which creates or
// widens the table before appending the row. A failing cycle is logged and
// the loop carries on; the next tick starts from a fresh snapshot.
package consolidate

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtwoend/bga-dse/internal/errors"
	"github.com/xtwoend/bga-dse/internal/logging"
	"github.com/xtwoend/bga-dse/internal/metrics"
	"github.com/xtwoend/bga-dse/internal/schema"
	"github.com/xtwoend/bga-dse/internal/validation"
)

var log = logging.Component("consolidate")

// Source yields group snapshots. buffer.Store satisfies it.
type Source interface {
	Snapshot(ctx context.Context, group string) (schema.Record, error)
}

// Writer persists a snapshot as a row. *schema.Evolver satisfies it.
type Writer interface {
	EnsureAndInsert(ctx context.Context, table string, rec schema.Record, opts schema.Options) (schema.Outcome, error)
}

// =============================================================================
// Jobs
// =============================================================================

// Job is one consolidation schedule over a set of groups.
type Job struct {
	Name      string
	Groups    []string
	Interval  time.Duration
	Partition Partition
}

// Validate checks the job definition.
func (j Job) Validate() error {
	verrs := errors.NewValidationErrors()
	if j.Name == "" {
		verrs.AddMissing("name")
	}
	if len(j.Groups) == 0 {
		verrs.AddMissing("groups")
	}
	seen := make(map[string]bool, len(j.Groups))
	for _, g := range j.Groups {
		if err := validation.ValidateGroup(g); err != nil {
			verrs.Add(err)
		}
		if seen[g] {
			verrs.AddField("groups", fmt.Sprintf("duplicate group %q", g))
		}
		seen[g] = true
	}
	if j.Interval <= 0 {
		verrs.Add(fmt.Errorf("interval %v: %w", j.Interval, errors.ErrInvalidInterval))
	}
	if _, err := ParsePartition(string(j.Partition)); err != nil {
		verrs.Add(err)
	}
	if err := verrs.Err(); err != nil {
		return fmt.Errorf("job %q: %w", j.Name, err)
	}
	return nil
}

// covers reports whether the job consolidates group.
func (j Job) covers(group string) bool {
	for _, g := range j.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// Result describes one cycle.
type Result struct {
	Job     string
	Group   string
	Table   string
	Fields  int
	Empty   bool
	Outcome schema.Outcome
}

// =============================================================================
// Consolidator
// =============================================================================

// Config holds consolidator configuration.
type Config struct {
	Jobs []Job

	// Options controls the tables rows are written to.
	Options schema.Options

	// Location is where partition boundaries are cut. Nil means local time.
	Location *time.Location

	// Clock picks the partition of a cycle. Nil means time.Now.
	Clock func() time.Time
}

// Consolidator runs consolidation jobs.
//
// Consolidator is safe for concurrent use.
type Consolidator struct {
	source Source
	writer Writer
	jobs   []Job
	opts   schema.Options
	loc    *time.Location
	clock  func() time.Time
}

// New validates cfg and creates a consolidator.
func New(source Source, writer Writer, cfg Config) (*Consolidator, error) {
	names := make(map[string]bool, len(cfg.Jobs))
	for i := range cfg.Jobs {
		job := &cfg.Jobs[i]
		if job.Partition == "" {
			job.Partition = PartitionNone
		}
		if err := job.Validate(); err != nil {
			return nil, err
		}
		if names[job.Name] {
			return nil, fmt.Errorf("job %q: %w", job.Name, errors.NewValidation("name", "duplicate job name"))
		}
		names[job.Name] = true
	}

	c := &Consolidator{
		source: source,
		writer: writer,
		jobs:   cfg.Jobs,
		opts:   cfg.Options,
		loc:    cfg.Location,
		clock:  cfg.Clock,
	}
	if c.loc == nil {
		c.loc = time.Local
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	return c, nil
}

// Jobs returns the configured jobs.
func (c *Consolidator) Jobs() []Job {
	return append([]Job(nil), c.jobs...)
}

// Job returns the job named name.
func (c *Consolidator) Job(name string) (Job, bool) {
	for _, j := range c.jobs {
		if j.Name == name {
			return j, true
		}
	}
	return Job{}, false
}

// Run starts one loop per (job, group) and blocks until ctx is cancelled
// and every loop has finished its current write.
func (c *Consolidator) Run(ctx context.Context) error {
	var g errgroup.Group
	for _, job := range c.jobs {
		job := job
		for _, group := range job.Groups {
			group := group
			g.Go(func() error {
				c.loop(ctx, job, group)
				return nil
			})
		}
		log.Info("consolidation job started",
			"job", job.Name,
			"groups", len(job.Groups),
			"interval", job.Interval,
			"partition", job.Partition)
	}
	return g.Wait()
}

func (c *Consolidator) loop(ctx context.Context, job Job, group string) {
	ctx = logging.ContextWithGroup(logging.ContextWithJob(ctx, job.Name), group)

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		if _, err := c.RunJobOnce(ctx, job, group); err != nil && ctx.Err() == nil {
			logging.WithContext(ctx, log).Error("consolidation cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce runs one cycle of every job covering group and returns their
// results. It stops at the first failing job.
func (c *Consolidator) RunOnce(ctx context.Context, group string) ([]Result, error) {
	var results []Result
	for _, job := range c.jobs {
		if !job.covers(group) {
			continue
		}
		res, err := c.RunJobOnce(ctx, job, group)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	if results == nil {
		return nil, errors.NewNotFound("consolidation job for group", group)
	}
	return results, nil
}

// RunJobOnce runs a single cycle of job for group. The write itself is
// detached from ctx so a shutdown never leaves a table half evolved.
func (c *Consolidator) RunJobOnce(ctx context.Context, job Job, group string) (Result, error) {
	res := Result{Job: job.Name, Group: group}

	start := time.Now()
	defer func() {
		metrics.ConsolidationDuration.WithLabelValues(job.Name).Observe(time.Since(start).Seconds())
	}()

	snap, err := c.source.Snapshot(ctx, group)
	if err != nil {
		metrics.ConsolidationCycles.WithLabelValues(job.Name, metrics.OutcomeFailed).Inc()
		return res, errors.Wrapf(err, "snapshot %s", group)
	}
	if len(snap) == 0 {
		res.Empty = true
		metrics.ConsolidationCycles.WithLabelValues(job.Name, metrics.OutcomeEmpty).Inc()
		return res, nil
	}

	res.Table = job.Partition.TableName(group, c.clock().In(c.loc))
	res.Fields = len(snap)

	res.Outcome, err = c.writer.EnsureAndInsert(context.WithoutCancel(ctx), res.Table, snap, c.opts)
	if err != nil {
		metrics.ConsolidationCycles.WithLabelValues(job.Name, metrics.OutcomeFailed).Inc()
		return res, errors.Wrapf(err, "write %s", res.Table)
	}
	metrics.ConsolidationCycles.WithLabelValues(job.Name, metrics.OutcomeWritten).Inc()

	logger := logging.WithContext(ctx, log)
	if res.Outcome != schema.Unchanged {
		logger.Info("table schema changed", "table", res.Table, "outcome", res.Outcome, "fields", res.Fields)
	} else {
		logger.Debug("snapshot written", "table", res.Table, "fields", res.Fields)
	}
	return res, nil
}
