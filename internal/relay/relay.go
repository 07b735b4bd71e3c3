// Package relay republishes the current buffer snapshot of each group so
// dashboards can follow live values without querying the database.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xtwoend/bga-dse/config"
	"github.com/xtwoend/bga-dse/internal/errors"
	"github.com/xtwoend/bga-dse/internal/logging"
	"github.com/xtwoend/bga-dse/internal/metrics"
	"github.com/xtwoend/bga-dse/internal/schema"
	"github.com/xtwoend/bga-dse/internal/validation"
)

var log = logging.Component("relay")

// Source yields group snapshots. buffer.Store satisfies it.
type Source interface {
	Snapshot(ctx context.Context, group string) (schema.Record, error)
}

// Publisher sends a payload to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Config holds relay configuration.
type Config struct {
	Groups      []string
	Interval    time.Duration
	TopicPrefix string
}

// Relay periodically publishes {tag: value} objects to <prefix>/<group>.
type Relay struct {
	source    Source
	publisher Publisher
	cfg       Config
}

// New creates a relay. A zero interval or empty prefix takes the default.
func New(source Source, publisher Publisher, cfg Config) (*Relay, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = config.DefaultRelayInterval
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = config.DefaultRelayTopicPrefix
	}
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")

	verrs := errors.NewValidationErrors()
	if len(cfg.Groups) == 0 {
		verrs.AddMissing("relay.groups")
	}
	for _, g := range cfg.Groups {
		verrs.Add(validation.ValidateGroup(g))
	}
	verrs.Add(validation.ValidateTopic(cfg.TopicPrefix))
	if err := verrs.Err(); err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}

	return &Relay{source: source, publisher: publisher, cfg: cfg}, nil
}

// Topic returns the topic the snapshot of group is published to.
func (r *Relay) Topic(group string) string {
	return r.cfg.TopicPrefix + "/" + group
}

// Run publishes every interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	log.Info("relay started",
		"groups", len(r.cfg.Groups),
		"interval", r.cfg.Interval,
		"topic_prefix", r.cfg.TopicPrefix)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.PublishAll(ctx)
		}
	}
}

// PublishAll publishes every group once. Failures are logged and counted;
// the next tick retries with a fresh snapshot.
func (r *Relay) PublishAll(ctx context.Context) int {
	published := 0
	for _, group := range r.cfg.Groups {
		if ctx.Err() != nil {
			break
		}
		ok, err := r.PublishGroup(ctx, group)
		switch {
		case err != nil:
			metrics.RelayPublishes.WithLabelValues(metrics.OutcomeFailed).Inc()
			log.Warn("snapshot publish failed", "group", group, "error", err)
		case !ok:
			metrics.RelayPublishes.WithLabelValues(metrics.OutcomeEmpty).Inc()
		default:
			metrics.RelayPublishes.WithLabelValues(metrics.OutcomeWritten).Inc()
			published++
		}
	}
	return published
}

// PublishGroup publishes the snapshot of group. Empty snapshots are not
// published and report false.
func (r *Relay) PublishGroup(ctx context.Context, group string) (bool, error) {
	snap, err := r.source.Snapshot(ctx, group)
	if err != nil {
		return false, errors.Wrapf(err, "snapshot %s", group)
	}
	if len(snap) == 0 {
		return false, nil
	}

	payload, err := EncodeSnapshot(snap)
	if err != nil {
		return false, err
	}
	if err := r.publisher.Publish(ctx, r.Topic(group), payload); err != nil {
		return false, errors.Wrapf(err, "publish %s", r.Topic(group))
	}
	return true, nil
}

// EncodeSnapshot renders rec as a JSON object keeping field order.
func EncodeSnapshot(rec schema.Record) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range rec {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		val, err := f.Value.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", f.Name, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
