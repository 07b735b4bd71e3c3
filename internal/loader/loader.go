// Package loader handles configuration file loading, validation, and
// conversion into the component configurations of dselogd.
//
// This package is responsible for:
//   - Loading YAML configuration files
//   - Expanding environment variables and applying BGADSE_* overrides
//   - Processing include directives
//   - Converting between YAML and internal representations
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtwoend/bga-dse/config"
	"github.com/xtwoend/bga-dse/internal/buffer"
	"github.com/xtwoend/bga-dse/internal/consolidate"
	"github.com/xtwoend/bga-dse/internal/errors"
	"github.com/xtwoend/bga-dse/internal/ingest"
	"github.com/xtwoend/bga-dse/internal/logging"
	"github.com/xtwoend/bga-dse/internal/relay"
	"github.com/xtwoend/bga-dse/internal/schema"
	"github.com/xtwoend/bga-dse/internal/store"
	"github.com/xtwoend/bga-dse/internal/transport/mqtt"
	"github.com/xtwoend/bga-dse/internal/validation"
)

// Environment overrides, applied after the file and its includes.
const (
	EnvDatabaseDSN   = "BGADSE_DATABASE_DSN"
	EnvMQTTBroker    = "BGADSE_MQTT_BROKER"
	EnvMQTTUsername  = "BGADSE_MQTT_USERNAME"
	EnvMQTTPassword  = "BGADSE_MQTT_PASSWORD"
	EnvRedisPassword = "BGADSE_REDIS_PASSWORD"
)

// =============================================================================
// Load
// =============================================================================

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if err := processIncludes(cfg, filepath.Dir(path)); err != nil {
		return nil, err
	}

	ApplyEnv(cfg)
	cfg.applySourceDefaults()
	return cfg, nil
}

// Parse decodes a configuration document on top of the defaults. Includes
// and environment overrides are not processed.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applySourceDefaults()
	return cfg, nil
}

// processIncludes loads and merges included configuration files.
func processIncludes(cfg *Config, baseDir string) error {
	for _, pattern := range cfg.Include {
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(baseDir, pattern)
		}

		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("invalid include pattern %q: %w", pattern, err)
		}

		for _, match := range matches {
			if err := loadInclude(cfg, match); err != nil {
				return fmt.Errorf("load include %q: %w", match, err)
			}
		}
	}

	return nil
}

// includeFile is the subset of keys an include may carry.
type includeFile struct {
	Sources       []SourceConfig `yaml:"sources"`
	Consolidation []JobConfig    `yaml:"consolidation"`
}

// loadInclude loads a single include file and appends its sources and jobs.
func loadInclude(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var partial includeFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &partial); err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	cfg.Sources = append(cfg.Sources, partial.Sources...)
	cfg.Consolidation = append(cfg.Consolidation, partial.Consolidation...)
	return nil
}

// ApplyEnv overrides connection settings from BGADSE_* variables.
func ApplyEnv(cfg *Config) {
	set := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	set(&cfg.Database.DSN, EnvDatabaseDSN)
	set(&cfg.MQTT.Broker, EnvMQTTBroker)
	set(&cfg.MQTT.Username, EnvMQTTUsername)
	set(&cfg.MQTT.Password, EnvMQTTPassword)
	set(&cfg.Buffer.Redis.Password, EnvRedisPassword)
}

// =============================================================================
// Validate
// =============================================================================

// Validate validates the configuration and reports every problem at once.
func Validate(cfg *Config) error {
	errs := errors.NewValidationErrors()

	if _, err := logging.ParseLevel(cfg.Log.Level); err != nil {
		errs.AddField("log.level", err.Error())
	}

	// Database
	switch cfg.Database.Driver {
	case store.DriverDuckDB, store.DriverSQLite:
	case store.DriverMySQL:
		if cfg.Database.DSN == "" {
			errs.AddMissing("database.dsn")
		}
	default:
		errs.AddField("database.driver", fmt.Sprintf("unknown driver %q", cfg.Database.Driver))
	}

	// Buffer
	switch cfg.Buffer.Backend {
	case buffer.BackendMemory:
	case buffer.BackendTable:
		if err := validation.ValidateIdentifier(cfg.Buffer.Table); err != nil {
			errs.AddField("buffer.table", err.Error())
		}
	case buffer.BackendRedis:
		if cfg.Buffer.Redis.Addr == "" {
			errs.AddMissing("buffer.redis.addr")
		}
		if cfg.Buffer.Namespace == "" || strings.Contains(cfg.Buffer.Namespace, ":") {
			errs.AddField("buffer.namespace", "must be non-empty and must not contain ':'")
		}
		if cfg.Buffer.TTL.Duration() <= 0 {
			errs.AddField("buffer.ttl", "must be positive")
		}
	default:
		errs.AddField("buffer.backend", fmt.Sprintf("unknown backend %q", cfg.Buffer.Backend))
	}

	// MQTT
	if cfg.MQTT.Broker == "" {
		errs.AddMissing("mqtt.broker")
	}
	if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
		errs.AddField("mqtt.qos", "must be 0, 1 or 2")
	}

	// Ingest
	if cfg.Ingest.Workers < 1 {
		errs.AddField("ingest.workers", "must be at least 1")
	}
	if cfg.Ingest.QueueSize < 1 {
		errs.AddField("ingest.queue_size", "must be at least 1")
	}

	// Tables
	if _, err := schema.ParsePrimaryKeyKind(cfg.Tables.PrimaryKey); err != nil {
		errs.AddField("tables.primary_key", err.Error())
	}
	if cfg.Tables.PrimaryKeyName != "" {
		if err := validation.ValidateIdentifier(cfg.Tables.PrimaryKeyName); err != nil {
			errs.AddField("tables.primary_key_name", err.Error())
		}
	}

	// Sources
	topics := make(map[string]bool, len(cfg.Sources))
	for i, s := range cfg.Sources {
		field := fmt.Sprintf("sources[%d]", i)
		if err := validation.ValidateTopicPattern(s.Topic); err != nil {
			errs.AddField(field+".topic", err.Error())
		} else if topics[s.Topic] {
			errs.AddField(field+".topic", fmt.Sprintf("duplicate topic %q", s.Topic))
		}
		topics[s.Topic] = true
		if err := validation.ValidateGroup(s.Group); err != nil {
			errs.AddField(field+".group", err.Error())
		}
	}

	// Consolidation
	names := make(map[string]bool, len(cfg.Consolidation))
	for i, j := range cfg.Consolidation {
		field := fmt.Sprintf("consolidation[%d]", i)
		if j.Name == "" {
			errs.AddMissing(field + ".name")
		} else if names[j.Name] {
			errs.AddField(field+".name", fmt.Sprintf("duplicate job %q", j.Name))
		}
		names[j.Name] = true
		if iv := j.Interval.Duration(); iv != 0 && iv < config.MinConsolidationInterval {
			errs.AddField(field+".interval", fmt.Sprintf("must be at least %v", config.MinConsolidationInterval))
		}
		if _, err := consolidate.ParsePartition(j.Partition); err != nil {
			errs.AddField(field+".partition", err.Error())
		}
		for _, g := range j.Groups {
			if err := validation.ValidateGroup(g); err != nil {
				errs.AddField(field+".groups", err.Error())
			}
		}
	}

	// Relay
	if cfg.Relay.Enabled {
		if err := validation.ValidateTopic(strings.TrimSuffix(cfg.Relay.TopicPrefix, "/")); err != nil {
			errs.AddField("relay.topic_prefix", err.Error())
		}
		if cfg.Relay.Interval.Duration() < 0 {
			errs.AddField("relay.interval", "must not be negative")
		}
	}

	if cfg.HTTP.Enabled && cfg.HTTP.Listen == "" {
		errs.AddMissing("http.listen")
	}

	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		errs.AddField("timezone", err.Error())
	}

	return errs.Err()
}

// =============================================================================
// Conversion
// =============================================================================

// ToStoreConfig converts the database section to the store config.
func ToStoreConfig(cfg *DatabaseConfig) store.Config {
	return store.Config{
		Driver:          cfg.Driver,
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime.Duration(),
		QueryTimeout:    cfg.QueryTimeout.Duration(),
	}
}

// ToBufferConfig converts the buffer section to the buffer factory config.
func ToBufferConfig(cfg *BufferConfig) buffer.Config {
	return buffer.Config{
		Backend:   cfg.Backend,
		Namespace: cfg.Namespace,
		TTL:       cfg.TTL.Duration(),
		Table:     cfg.Table,
		Redis: buffer.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
	}
}

// ToTableOptions converts the tables section to schema options.
func ToTableOptions(cfg *TablesConfig) (schema.Options, error) {
	kind, err := schema.ParsePrimaryKeyKind(cfg.PrimaryKey)
	if err != nil {
		return schema.Options{}, errors.NewValidation("tables.primary_key", err.Error())
	}
	return schema.Options{
		Timestamps:     cfg.Timestamps,
		PrimaryKeyKind: kind,
		PrimaryKeyName: cfg.PrimaryKeyName,
	}, nil
}

// ToMQTTConfig converts the mqtt section to the transport config.
func ToMQTTConfig(cfg *MQTTConfig) mqtt.Config {
	return mqtt.Config{
		Broker:               cfg.Broker,
		ClientID:             cfg.ClientID,
		Username:             cfg.Username,
		Password:             cfg.Password,
		KeepAlive:            cfg.KeepAlive.Duration(),
		ConnectTimeout:       cfg.ConnectTimeout.Duration(),
		MaxReconnectInterval: cfg.MaxReconnectInterval.Duration(),
		QoS:                  byte(cfg.QoS),
		CleanSession:         cfg.CleanSession,
	}
}

// ToIngestConfig converts the ingest section to the dispatcher config.
func ToIngestConfig(cfg *Config) ingest.Config {
	return ingest.Config{
		Workers:      cfg.Ingest.Workers,
		QueueSize:    cfg.Ingest.QueueSize,
		DrainTimeout: cfg.DrainTimeout.Duration(),
	}
}

// ToJobs converts the consolidation section. Jobs without groups cover every
// source group; without any job configured a single unpartitioned job runs
// at the default interval.
func ToJobs(cfg *Config) ([]consolidate.Job, error) {
	groups := cfg.Groups()

	specs := cfg.Consolidation
	if len(specs) == 0 {
		specs = []JobConfig{{
			Name:     "consolidate",
			Interval: Duration(config.DefaultConsolidationInterval),
		}}
	}

	jobs := make([]consolidate.Job, 0, len(specs))
	for _, s := range specs {
		partition, err := consolidate.ParsePartition(s.Partition)
		if err != nil {
			return nil, err
		}
		interval := s.Interval.Duration()
		if interval == 0 {
			interval = config.DefaultConsolidationInterval
		}
		jobGroups := s.Groups
		if len(jobGroups) == 0 {
			jobGroups = groups
		}
		jobs = append(jobs, consolidate.Job{
			Name:      s.Name,
			Groups:    append([]string(nil), jobGroups...),
			Interval:  interval,
			Partition: partition,
		})
	}
	return jobs, nil
}

// ToRelayConfig converts the relay section. Without explicit groups every
// source group is relayed.
func ToRelayConfig(cfg *Config) relay.Config {
	groups := cfg.Relay.Groups
	if len(groups) == 0 {
		groups = cfg.Groups()
	}
	return relay.Config{
		Groups:      append([]string(nil), groups...),
		Interval:    cfg.Relay.Interval.Duration(),
		TopicPrefix: cfg.Relay.TopicPrefix,
	}
}

// Location resolves the partition time zone.
func Location(cfg *Config) (*time.Location, error) {
	if cfg.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, errors.NewValidation("timezone", err.Error())
	}
	return loc, nil
}
