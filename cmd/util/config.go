package util

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/companyinfo/distlock"
)

const defaultConnectTimeout = 10 * time.Second

// Config is the resolved command-line configuration.
type Config struct {
	Backend        string
	Endpoints      []string
	Namespace      string
	Database       string
	Table          string
	KeyPrefix      string
	RootPath       string
	Init           bool
	ConnectTimeout time.Duration
	Expire         time.Duration
	Retries        int
	Sleep          time.Duration
	WatchdogTTL    time.Duration
	Verbosity      int
}

// SetupBackendFlags adds the connection and lock flags shared by all commands.
func SetupBackendFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("backend", distlock.BackendRedis,
		"lock backend (redis, redlock, zookeeper, etcd, postgres, mongodb, dynamodb, consul, hazelcast, aerospike, mock)")
	flags.String("endpoints", "",
		"comma separated backend addresses, or a connection URI for postgres and mongodb")
	flags.String("namespace", "", "aerospike namespace")
	flags.String("database", distlock.DefaultDatabase, "mongodb database")
	flags.String("table", distlock.DefaultTable, "table, collection or set holding the leases")
	flags.String("key-prefix", "", "prefix prepended to lock keys on key value stores")
	flags.String("root-path", distlock.DefaultRootPath, "zookeeper parent node of the lock nodes")
	flags.Bool("init", false, "create the lease table or indexes before locking")
	flags.Duration("connect-timeout", defaultConnectTimeout, "timeout for connecting to the backend")
	flags.Duration("expire", distlock.DefaultExpire, "lease ttl, 0 keeps the lease alive with a watchdog")
	flags.Int("retries", 0, "retries after the first failed attempt")
	flags.Duration("sleep", distlock.DefaultSleep, "pause between two attempts")
	flags.Duration("watchdog-ttl", distlock.DefaultWatchdogTTL, "lease ttl renewed by the watchdog")
	flags.IntP("verbosity", "v", 0, "log verbosity, 0 logs errors and lost locks only")
}

// InitConfig loads .env files and makes every flag settable through a
// DISTLOCK_ prefixed environment variable.
func InitConfig(v *viper.Viper) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v.SetEnvPrefix("distlock")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

// GetConfig reads the configuration from v.
func GetConfig(v *viper.Viper) Config {
	var endpoints []string
	for _, e := range strings.Split(v.GetString("endpoints"), ",") {
		if e = strings.TrimSpace(e); e != "" {
			endpoints = append(endpoints, e)
		}
	}

	return Config{
		Backend:        strings.ToLower(v.GetString("backend")),
		Endpoints:      endpoints,
		Namespace:      v.GetString("namespace"),
		Database:       v.GetString("database"),
		Table:          v.GetString("table"),
		KeyPrefix:      v.GetString("key-prefix"),
		RootPath:       v.GetString("root-path"),
		Init:           v.GetBool("init"),
		ConnectTimeout: v.GetDuration("connect-timeout"),
		Expire:         v.GetDuration("expire"),
		Retries:        v.GetInt("retries"),
		Sleep:          v.GetDuration("sleep"),
		WatchdogTTL:    v.GetDuration("watchdog-ttl"),
		Verbosity:      v.GetInt("verbosity"),
	}
}

// LockExpire maps the expire flag to the Locker argument; 0 selects the
// watchdog.
func (c Config) LockExpire() time.Duration {
	if c.Expire == 0 {
		return distlock.WatchdogExpire
	}

	return c.Expire
}

// Timeout returns the connect timeout, falling back to the default when unset.
func (c Config) Timeout() time.Duration {
	if c.ConnectTimeout <= 0 {
		return defaultConnectTimeout
	}

	return c.ConnectTimeout
}

// Options returns the distlock options described by c.
func (c Config) Options() []func(config *distlock.LockConfig) {
	opts := []func(config *distlock.LockConfig){
		distlock.WithLogger(NewLogger(c.Verbosity)),
		distlock.WithDatabase(c.Database),
		distlock.WithRootPath(c.RootPath),
		distlock.WithKeyPrefix(c.KeyPrefix),
		distlock.WithWatchdogTTL(c.WatchdogTTL),
	}

	if c.Table != "" {
		opts = append(opts,
			distlock.WithTable(c.Table),
			distlock.WithCollection(c.Table),
			distlock.WithMapName(c.Table),
		)
	}

	return opts
}

// NewLogger returns a logr.Logger writing to stderr.
func NewLogger(verbosity int) logr.Logger {
	return funcr.New(func(prefix, args string) {
		if prefix != "" {
			fmt.Fprintf(os.Stderr, "%s: %s\n", prefix, args)
			return
		}

		fmt.Fprintln(os.Stderr, args)
	}, funcr.Options{Verbosity: verbosity}).WithName("distlock")
}
