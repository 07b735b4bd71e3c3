// Package loader - Configuration Types
//
// Defines the YAML configuration structure for dselogd.
//
//	log:            level and format
//	database:       driver (duckdb|sqlite|mysql) and DSN of the consolidated tables
//	buffer:         latest-value buffer backend (memory|table|redis)
//	mqtt:           broker connection
//	ingest:         dispatcher worker pool
//	tables:         primary key and timestamp columns of created tables
//	sources:        topic filter -> buffer group
//	consolidation:  jobs copying buffer snapshots into tables
//	relay:          periodic snapshot republishing
//	http:           health, metrics and introspection endpoints
package loader

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtwoend/bga-dse/config"
)

// =============================================================================
// Root Configuration
// =============================================================================

// Config is the root configuration structure for dselogd.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	Buffer   BufferConfig   `yaml:"buffer"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Tables   TablesConfig   `yaml:"tables"`

	// Sources map topic filters to buffer groups.
	Sources []SourceConfig `yaml:"sources"`

	// Consolidation lists the jobs writing buffer snapshots into tables.
	// Several jobs may cover the same group.
	Consolidation []JobConfig `yaml:"consolidation"`

	Relay RelayConfig `yaml:"relay"`
	HTTP  HTTPConfig  `yaml:"http"`

	// Timezone is where partition boundaries are cut (IANA name).
	// Default: "" (local time)
	Timezone string `yaml:"timezone"`

	// DrainTimeout bounds how long shutdown waits for queued messages.
	DrainTimeout Duration `yaml:"drain_timeout"`

	// Include lists additional config files whose sources and
	// consolidation jobs are appended. Supports glob patterns. Relative to
	// this file's directory.
	Include []string `yaml:"include"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	// Default: "info"
	Level string `yaml:"level"`

	// JSON switches from text to JSON output.
	JSON bool `yaml:"json"`
}

// DatabaseConfig describes the database holding consolidated tables.
type DatabaseConfig struct {
	// Driver is duckdb, sqlite or mysql.
	// Default: "duckdb"
	Driver string `yaml:"driver"`

	// DSN is a file path for duckdb/sqlite or a go-sql-driver DSN for mysql.
	// Overridden by BGADSE_DATABASE_DSN.
	DSN string `yaml:"dsn"`

	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    Duration `yaml:"query_timeout"`
}

// BufferConfig selects the latest-value buffer backend.
type BufferConfig struct {
	// Backend is memory, table or redis.
	// Default: "memory"
	Backend string `yaml:"backend"`

	// Namespace prefixes redis keys: <namespace>:<group>:<tag>.
	Namespace string `yaml:"namespace"`

	// TTL is the redis key lifetime. Tags not refreshed within it vanish
	// from snapshots.
	TTL Duration `yaml:"ttl"`

	// Table names the durable buffer table of the table backend.
	Table string `yaml:"table"`

	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds redis connection settings.
type RedisConfig struct {
	Addr string `yaml:"addr"`

	// Password is overridden by BGADSE_REDIS_PASSWORD.
	Password string `yaml:"password"`

	DB int `yaml:"db"`
}

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	// Broker is the broker URL, e.g. "tcp://10.0.0.5:1883".
	// Overridden by BGADSE_MQTT_BROKER.
	Broker string `yaml:"broker"`

	// ClientID is a prefix; a random suffix is appended per process.
	ClientID string `yaml:"client_id"`

	// Username and Password apply only when both are set. Overridden by
	// BGADSE_MQTT_USERNAME and BGADSE_MQTT_PASSWORD.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	KeepAlive            Duration `yaml:"keep_alive"`
	ConnectTimeout       Duration `yaml:"connect_timeout"`
	MaxReconnectInterval Duration `yaml:"max_reconnect_interval"`

	// QoS is 0, 1 or 2.
	QoS int `yaml:"qos"`

	CleanSession bool `yaml:"clean_session"`
}

// IngestConfig sizes the dispatcher.
type IngestConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// TablesConfig shapes the tables created by consolidation.
type TablesConfig struct {
	// Timestamps adds created_at/updated_at columns.
	// Default: true
	Timestamps bool `yaml:"timestamps"`

	// PrimaryKey is "bigIncrements" (64-bit) or "increments" (32-bit).
	PrimaryKey string `yaml:"primary_key"`

	// PrimaryKeyName names the key column.
	// Default: "id"
	PrimaryKeyName string `yaml:"primary_key_name"`
}

// SourceConfig binds a topic filter to a buffer group.
type SourceConfig struct {
	// Name labels the source in logs. Default: the group.
	Name string `yaml:"name"`

	// Topic is the subscription filter, e.g. "data/bga/bbnm/dse/turbine1/#".
	Topic string `yaml:"topic"`

	// Prefix is stripped from topics to form tags. Default: Topic without
	// its trailing "#".
	Prefix string `yaml:"prefix"`

	// Group is the buffer group and base table name.
	Group string `yaml:"group"`
}

// JobConfig is one consolidation job.
type JobConfig struct {
	Name string `yaml:"name"`

	// Groups defaults to every source group.
	Groups []string `yaml:"groups"`

	Interval Duration `yaml:"interval"`

	// Partition is none, monthly, daily or hourly.
	Partition string `yaml:"partition"`
}

// RelayConfig configures snapshot republishing.
type RelayConfig struct {
	Enabled bool `yaml:"enabled"`

	Interval Duration `yaml:"interval"`

	// TopicPrefix is joined with the group: <topic_prefix>/<group>.
	TopicPrefix string `yaml:"topic_prefix"`

	// Groups defaults to every source group.
	Groups []string `yaml:"groups"`
}

// HTTPConfig configures the HTTP surface.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},

		Database: DatabaseConfig{
			Driver:          config.DefaultDatabaseDriver,
			DSN:             config.DefaultDatabaseDSN,
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: Duration(5 * time.Minute),
			QueryTimeout:    Duration(config.DefaultQueryTimeout),
		},

		Buffer: BufferConfig{
			Backend:   config.DefaultBufferBackend,
			Namespace: config.DefaultBufferNamespace,
			TTL:       Duration(config.DefaultBufferTTL),
			Table:     config.DefaultBufferTable,
			Redis:     RedisConfig{Addr: "127.0.0.1:6379"},
		},

		MQTT: MQTTConfig{
			Broker:               config.DefaultBroker,
			ClientID:             config.DefaultClientIDPrefix,
			KeepAlive:            Duration(config.DefaultKeepAlive),
			ConnectTimeout:       Duration(config.DefaultConnectTimeout),
			MaxReconnectInterval: Duration(config.DefaultMaxReconnectInterval),
			QoS:                  int(config.DefaultQoS),
			CleanSession:         true,
		},

		Ingest: IngestConfig{
			Workers:   config.DefaultIngestWorkers,
			QueueSize: config.DefaultIngestQueueSize,
		},

		Tables: TablesConfig{
			Timestamps:     true,
			PrimaryKey:     "bigIncrements",
			PrimaryKeyName: "id",
		},

		Relay: RelayConfig{
			Interval:    Duration(config.DefaultRelayInterval),
			TopicPrefix: config.DefaultRelayTopicPrefix,
		},

		HTTP: HTTPConfig{
			Enabled: true,
			Listen:  config.DefaultHTTPListen,
		},

		DrainTimeout: Duration(config.DefaultDrainTimeout),
	}
}

// applySourceDefaults fills derived fields of sources.
func (c *Config) applySourceDefaults() {
	for i := range c.Sources {
		s := &c.Sources[i]
		if s.Prefix == "" {
			s.Prefix = strings.TrimSuffix(s.Topic, "#")
		}
		if s.Name == "" {
			s.Name = s.Group
		}
	}
}

// Groups returns the distinct source groups in declaration order.
func (c *Config) Groups() []string {
	seen := make(map[string]bool, len(c.Sources))
	var groups []string
	for _, s := range c.Sources {
		if s.Group == "" || seen[s.Group] {
			continue
		}
		seen[s.Group] = true
		groups = append(groups, s.Group)
	}
	return groups
}

// =============================================================================
// Custom Types
// =============================================================================

// Duration is a time.Duration that can be unmarshaled from YAML as "30s" or
// as integer seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler. Plain integers are seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	if node.Tag == "!!int" {
		var i int64
		if err := node.Decode(&i); err != nil {
			return err
		}
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}
	dur, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: parse duration %q: %w", node.Line, node.Value, err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML renders the duration in time.Duration notation.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
