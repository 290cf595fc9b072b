package distlock

import (
	"math"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	Name              string = "distributed_lock"
	DefaultLogLevel   int    = 0
	DefaultLoggerName string = "distributed_lock"
	DefaultTable      string = "distributed_lock"
	DefaultTTLField   string = "expiration_time"
	DefaultLockField  string = "lock_id"
	DefaultTokenField string = "holder_token"
	DefaultMap        string = "distributed_lock"
	DefaultDatabase   string = "distributed_lock"
	DefaultCollection string = "locks"
	DefaultRootPath   string = "/distributedLock"
)

const (
	// DefaultExpire is the lease ttl used when the caller does not supply one.
	DefaultExpire = 30 * time.Second
	// DefaultRetryTimes makes the short overloads retry practically forever.
	DefaultRetryTimes = math.MaxInt32
	// DefaultSleep is the pause between two acquisition attempts.
	DefaultSleep = 500 * time.Millisecond
	// DefaultWatchdogTTL is the baseline lease ttl in watchdog mode.
	DefaultWatchdogTTL = 30 * time.Second
)

// OptionFunc A function type used to apply custom configurations to LockConfig.
type OptionFunc func(*LockConfig)

// LockConfig A struct holding configuration settings such as storage names,
// retry defaults and the watchdog baseline. Logger, tracer and meter are
// process wide and installed by the corresponding options.
type LockConfig struct {
	Table      string
	TTLField   string
	LockField  string
	TokenField string
	Map        string
	Database   string
	Collection string

	// KeyPrefix is prepended to every lock key by stores with a flat keyspace.
	KeyPrefix string
	// RootPath is the persistent parent node of the ZooKeeper lock nodes.
	RootPath string

	WatchdogTTL       time.Duration
	DefaultExpire     time.Duration
	DefaultRetryTimes int
	DefaultSleep      time.Duration
}

// DefaultConfig returns a LockConfig with default values, including:
// - A default logger with predefined log level and name.
// - An OpenTelemetry tracer and meter for distributed tracing and metrics.
func DefaultConfig() *LockConfig {
	if globalLogger == nil {
		InitializeLogger(logr.Logger{}.V(DefaultLogLevel).WithName(DefaultLoggerName)) // Set up global logger.
	}

	if globalTracer == nil {
		InitializeTracing(otel.GetTracerProvider()) // Set up global tracing.
	}

	if globalMetrics == nil {
		InitializeMetrics(otel.GetMeterProvider()) // Set up global Meter.
	}

	return &LockConfig{
		Table:             DefaultTable,
		TTLField:          DefaultTTLField,
		LockField:         DefaultLockField,
		TokenField:        DefaultTokenField,
		Map:               DefaultMap,
		Database:          DefaultDatabase,
		Collection:        DefaultCollection,
		RootPath:          DefaultRootPath,
		WatchdogTTL:       DefaultWatchdogTTL,
		DefaultExpire:     DefaultExpire,
		DefaultRetryTimes: DefaultRetryTimes,
		DefaultSleep:      DefaultSleep,
	}
}

// Apply builds a configuration from the defaults and the given options.
func Apply(opts ...func(config *LockConfig)) *LockConfig {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}

	return config
}

// WithTable sets the table name for storage backends that use tables (e.g., DynamoDB, PostgreSQL).
func WithTable(name string) OptionFunc {
	return func(cfg *LockConfig) {
		cfg.Table = name
	}
}

// WithTTLField sets the TTL (expiration) field name in the storage backend.
// This field is used to track lock expiration.
func WithTTLField(name string) OptionFunc {
	return func(cfg *LockConfig) {
		cfg.TTLField = name
	}
}

// WithLockField sets the lock identifier field name in the storage backend.
// This field uniquely identifies a lock record.
func WithLockField(name string) OptionFunc {
	return func(cfg *LockConfig) {
		cfg.LockField = name
	}
}

// WithTokenField sets the field that stores the holder token of a lease record.
func WithTokenField(name string) OptionFunc {
	return func(cfg *LockConfig) {
		cfg.TokenField = name
	}
}

// WithMapName sets the map name for storage backends that use key-value maps (e.g., Hazelcast).
func WithMapName(name string) OptionFunc {
	return func(cfg *LockConfig) {
		cfg.Map = name
	}
}

// WithDatabase sets the database name for storage backends that require a database name (e.g., MongoDB, PostgreSQL).
func WithDatabase(name string) OptionFunc {
	return func(cfg *LockConfig) {
		cfg.Database = name
	}
}

// WithCollection sets the collection name for NoSQL storage backends like MongoDB.
func WithCollection(name string) OptionFunc {
	return func(cfg *LockConfig) {
		cfg.Collection = name
	}
}

// WithKeyPrefix namespaces lock keys in stores with a flat keyspace (Redis, etcd, Consul).
func WithKeyPrefix(prefix string) OptionFunc {
	return func(cfg *LockConfig) {
		cfg.KeyPrefix = prefix
	}
}

// WithRootPath sets the persistent ZooKeeper node under which lock nodes are created.
func WithRootPath(path string) OptionFunc {
	return func(cfg *LockConfig) {
		cfg.RootPath = path
	}
}

// WithWatchdogTTL sets the baseline lease ttl used with WatchdogExpire.
// Renewal runs every ttl/3. Non-positive values keep the default.
func WithWatchdogTTL(ttl time.Duration) OptionFunc {
	return func(cfg *LockConfig) {
		if ttl > 0 {
			cfg.WatchdogTTL = ttl
		}
	}
}

// WithDefaultExpire sets the expire used by the Client overloads that omit it.
func WithDefaultExpire(expire time.Duration) OptionFunc {
	return func(cfg *LockConfig) {
		cfg.DefaultExpire = expire
	}
}

// WithDefaultRetryTimes sets the retry count used by the Client overloads that omit it.
func WithDefaultRetryTimes(retryTimes int) OptionFunc {
	return func(cfg *LockConfig) {
		cfg.DefaultRetryTimes = retryTimes
	}
}

// WithDefaultSleep sets the pause used by the Client overloads that omit it.
func WithDefaultSleep(sleep time.Duration) OptionFunc {
	return func(cfg *LockConfig) {
		cfg.DefaultSleep = sleep
	}
}

// WithLogger sets a custom logger in LockConfig.
// This allows users to integrate their own logging implementation.
func WithLogger(logger logr.Logger) OptionFunc {
	return func(_ *LockConfig) {
		InitializeLogger(logger)
	}
}

// WithTracerProvider sets a custom OpenTelemetry tracer provider for distributed tracing.
// If not set, the default OpenTelemetry tracer is used.
func WithTracerProvider(tp trace.TracerProvider) OptionFunc {
	return func(_ *LockConfig) {
		InitializeTracing(tp)
	}
}

// WithMeterProvider sets a custom OpenTelemetry meter provider for capturing metrics.
// If not set, the default OpenTelemetry meter is used.
func WithMeterProvider(mp metric.MeterProvider) OptionFunc {
	return func(_ *LockConfig) {
		InitializeMetrics(mp)
	}
}
