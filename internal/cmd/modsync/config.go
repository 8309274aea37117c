package modsync

import (
	"errors"
	"flag"
	"fmt"
	"slices"
	"time"

	"github.com/unkn0wn-root/modsync/internal/config"
)

// Commands accepted as the first positional argument.
var commands = []string{"fetch", "status", "enqueue", "drain", "bulk", "clear", "worker"}

// Encodings for cached snapshots. Changing it makes existing entries
// undecodable; they are refetched in full.
var codecs = []string{"cbor", "msgpack", "json"}

// Config holds the modsync command configuration.
type Config struct {
	Namespace   string        `env:"MODSYNC_NAMESPACE"        envDefault:"blocks"`
	RemoteURL   string        `env:"MODSYNC_REMOTE_URL"`
	RemoteToken string        `env:"MODSYNC_REMOTE_TOKEN"`
	Provider    string        `env:"MODSYNC_PROVIDER"         envDefault:"sqlite"`
	SQLitePath  string        `env:"MODSYNC_SQLITE_PATH"      envDefault:"modsync.db"`
	RedisAddr   string        `env:"MODSYNC_REDIS_ADDR"`
	MemoryMB    int           `env:"MODSYNC_MEMORY_MB"        envDefault:"256"`
	LogBackend  string        `env:"MODSYNC_LOG_BACKEND"      envDefault:"zap"`
	Codec       string        `env:"MODSYNC_CODEC"            envDefault:"cbor"`
	Verbose     bool          `env:"MODSYNC_VERBOSE"`
	MetricsAddr string        `env:"MODSYNC_METRICS_ADDR"`
	TTL         time.Duration `env:"MODSYNC_TTL"              envDefault:"24h"`
	Timeout     time.Duration `env:"MODSYNC_REQUEST_TIMEOUT"  envDefault:"30s"`
	MaxBytes    int64         `env:"MODSYNC_MAX_CACHE_BYTES"`
	MaxRecord   int           `env:"MODSYNC_MAX_RECORD_BYTES" envDefault:"8388608"`
	Parallelism int           `env:"MODSYNC_BULK_PARALLELISM" envDefault:"4"`
	Interval    time.Duration `env:"MODSYNC_DRAIN_INTERVAL"   envDefault:"30s"`
	Batch       int           `env:"MODSYNC_DRAIN_BATCH"      envDefault:"10"`
	MaxRetries  int           `env:"MODSYNC_MAX_RETRIES"      envDefault:"3"`

	Priority     int  // enqueue only
	ForceRefresh bool // fetch only

	Command string
	Keys    []string
}

// ParseConfig reads the environment, then flags, then the command and its
// key arguments.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.Namespace, "ns", cfg.Namespace, "namespace of the synced collection")
	fs.StringVar(&cfg.RemoteURL, "remote", cfg.RemoteURL, "base URL of the relationship service")
	fs.StringVar(&cfg.Provider, "provider", cfg.Provider, "cache store: sqlite, bigcache, ristretto or redis")
	fs.StringVar(&cfg.SQLitePath, "db", cfg.SQLitePath, "sqlite database path")
	fs.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "redis address for the store and revision memo")
	fs.StringVar(&cfg.LogBackend, "log", cfg.LogBackend, "log backend: zap, logrus or slog")
	fs.StringVar(&cfg.Codec, "codec", cfg.Codec, "cache encoding: cbor, msgpack or json")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "debug logging and progress output")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "serve prometheus metrics on this address")
	fs.DurationVar(&cfg.TTL, "ttl", cfg.TTL, "age under which cached entries are fresh")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "per request timeout")
	fs.Int64Var(&cfg.MaxBytes, "max-bytes", cfg.MaxBytes, "cache byte budget enforced after bulk runs (0 disables)")
	fs.IntVar(&cfg.Parallelism, "parallel", cfg.Parallelism, "concurrent targets in a bulk run")
	fs.DurationVar(&cfg.Interval, "interval", cfg.Interval, "worker drain interval")
	fs.IntVar(&cfg.Batch, "batch", cfg.Batch, "jobs per drain")
	fs.IntVar(&cfg.Priority, "priority", 0, "job priority for enqueue (lower runs first)")
	fs.BoolVar(&cfg.ForceRefresh, "force", false, "ignore cached data on fetch")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return Config{}, fmt.Errorf("command required: one of %v", commands)
	}
	cfg.Command, cfg.Keys = rest[0], rest[1:]
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if !slices.Contains(commands, c.Command) {
		return fmt.Errorf("unknown command %q: want one of %v", c.Command, commands)
	}
	switch c.Command {
	case "fetch", "status", "enqueue":
		if len(c.Keys) == 0 {
			return fmt.Errorf("%s: at least one key required", c.Command)
		}
	}
	if !slices.Contains(codecs, c.Codec) {
		return fmt.Errorf("unknown codec %q: want one of %v", c.Codec, codecs)
	}
	if c.RemoteURL == "" {
		return errors.New("remote URL is required")
	}
	if c.Provider == "redis" && c.RedisAddr == "" {
		return errors.New("redis provider requires a redis address")
	}
	return nil
}
