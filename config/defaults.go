// Package config provides configuration defaults for dselogd.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml, environment variables
// or command-line flags.
package config

import "time"

// =============================================================================
// MQTT Defaults
// =============================================================================

const (
	// DefaultBroker is the broker URL used when none is configured.
	// Override via config: mqtt.broker
	DefaultBroker = "tcp://127.0.0.1:1883"

	// DefaultClientIDPrefix prefixes the generated client id. A random
	// suffix is always appended so two instances never kick each other off.
	// Override via config: mqtt.client_id
	DefaultClientIDPrefix = "dselogd-"

	// DefaultKeepAlive is the MQTT keep-alive interval.
	// Override via config: mqtt.keep_alive
	DefaultKeepAlive = 60 * time.Second

	// DefaultConnectTimeout bounds a single connection attempt.
	// Override via config: mqtt.connect_timeout
	DefaultConnectTimeout = 10 * time.Second

	// DefaultMaxReconnectInterval caps the reconnect backoff.
	// Override via config: mqtt.max_reconnect_interval
	DefaultMaxReconnectInterval = 1 * time.Minute

	// DefaultQoS is the subscription quality of service.
	// Override via config: mqtt.qos
	DefaultQoS = 0
)

// =============================================================================
// Ingest Defaults
// =============================================================================

const (
	// DefaultIngestWorkers is the number of concurrent topic handlers.
	// Override via config: ingest.workers
	DefaultIngestWorkers = 8

	// DefaultIngestQueueSize is the dispatch queue capacity.
	// When full, incoming messages are dropped with a warning.
	// Override via config: ingest.queue_size
	DefaultIngestQueueSize = 10000
)

// =============================================================================
// Buffer Defaults
// =============================================================================

const (
	// DefaultBufferBackend is the buffer used when none is configured.
	// Override via config: buffer.backend
	DefaultBufferBackend = "memory"

	// DefaultBufferNamespace prefixes redis buffer keys.
	// Override via config: buffer.namespace
	DefaultBufferNamespace = "log_data_buffer"

	// DefaultBufferTTL is how long a redis buffer key survives without
	// being refreshed. It must exceed the slowest publish interval or
	// tags vanish from snapshots.
	// Override via config: buffer.ttl
	DefaultBufferTTL = 24 * time.Hour

	// DefaultBufferTable is the durable buffer table name.
	// Override via config: buffer.table
	DefaultBufferTable = "log_data_buffer"
)

// =============================================================================
// Database Defaults
// =============================================================================

const (
	// DefaultDatabaseDriver is the consolidation database engine.
	// Override via config: database.driver
	DefaultDatabaseDriver = "duckdb"

	// DefaultDatabaseDSN is the database file.
	// Override via config: database.dsn or BGADSE_DATABASE_DSN
	DefaultDatabaseDSN = "dselogd.duckdb"

	// DefaultQueryTimeout bounds statements issued without a deadline.
	// Override via config: database.query_timeout
	DefaultQueryTimeout = 30 * time.Second
)

// =============================================================================
// Consolidation Defaults
// =============================================================================

const (
	// DefaultConsolidationInterval is how often a group snapshot is
	// written as a row.
	// Override via config: consolidation[].interval
	DefaultConsolidationInterval = 1 * time.Minute

	// MinConsolidationInterval rejects intervals that would hammer the
	// database.
	MinConsolidationInterval = 1 * time.Second

	// DefaultRelayInterval is how often snapshots are republished.
	// Override via config: relay.interval
	DefaultRelayInterval = 30 * time.Second

	// DefaultRelayTopicPrefix prefixes republished snapshot topics, giving
	// data/bga/dse/<group>.
	// Override via config: relay.topic_prefix
	DefaultRelayTopicPrefix = "data/bga/dse"
)

// =============================================================================
// HTTP Defaults
// =============================================================================

const (
	// DefaultHTTPListen is the address of the health and metrics server.
	// Override via config: http.listen
	DefaultHTTPListen = "127.0.0.1:9480"
)

// =============================================================================
// Shutdown Defaults
// =============================================================================

const (
	// DefaultDrainTimeout is how long to wait for queued messages and
	// in-flight writes during shutdown. After this timeout, remaining
	// messages are abandoned.
	// Override via config: ingest.drain_timeout
	DefaultDrainTimeout = 30 * time.Second
)
