// Package config loads causalog node configuration.
package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/roach88/causalog/internal/dag"
	"github.com/roach88/causalog/internal/engine"
	"github.com/roach88/causalog/internal/handler"
	"github.com/roach88/causalog/internal/ir"
	"github.com/roach88/causalog/internal/peer"
	"github.com/roach88/causalog/internal/replay"
	"github.com/roach88/causalog/internal/store"
)

// EnvPrefix prefixes environment overrides: store.dir is CAUSALOG_STORE_DIR.
const EnvPrefix = "CAUSALOG"

type Config struct {
	Node       NodeConfig       `mapstructure:"node"`
	Store      StoreConfig      `mapstructure:"store"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Log        LogConfig        `mapstructure:"log"`
}

type NodeConfig struct {
	// Seed derives each local scope's signing key. Empty leaves entries
	// unsigned.
	Seed string `mapstructure:"seed"`
}

type StoreConfig struct {
	Dir         string        `mapstructure:"dir"`
	MaxEntries  int           `mapstructure:"max_entries"`
	MaxBytes    int64         `mapstructure:"max_bytes"`
	MaxAge      time.Duration `mapstructure:"max_age"`
	Compression bool          `mapstructure:"compression"`
	Fsync       bool          `mapstructure:"fsync"`
}

type PipelineConfig struct {
	WaitTimeout        time.Duration `mapstructure:"wait_timeout"`
	ResolveBackoff     time.Duration `mapstructure:"resolve_backoff"`
	StalePolicy        string        `mapstructure:"stale_policy"`
	StaleTolerance     uint64        `mapstructure:"stale_tolerance"`
	MaxDerivationDepth int           `mapstructure:"max_derivation_depth"`
}

type SyncConfig struct {
	Listen     string        `mapstructure:"listen"`
	Peers      []string      `mapstructure:"peers"`
	Rate       float64       `mapstructure:"rate"`
	Burst      int           `mapstructure:"burst"`
	Timeout    time.Duration `mapstructure:"timeout"`
	FetchLimit int           `mapstructure:"fetch_limit"`
	BatchSize  int           `mapstructure:"batch_size"`
	Retries    int           `mapstructure:"retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

type CheckpointConfig struct {
	// Path of the bbolt checkpoint file. Defaults to checkpoints.db in the
	// store directory.
	Path string `mapstructure:"path"`
	// Keep is how many checkpoints per scope survive a prune. 0 keeps all.
	Keep int `mapstructure:"keep"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads the YAML file at path, applies CAUSALOG_ environment overrides
// and ${VAR} expansion, and validates the result. An empty path loads
// defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	for _, key := range v.AllKeys() {
		val, ok := v.Get(key).(string)
		if !ok {
			continue
		}
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration Load produces with no file and no
// environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.seed", "")

	v.SetDefault("store.dir", "./causalog-data")
	v.SetDefault("store.max_entries", 10000)
	v.SetDefault("store.max_bytes", 64<<20)
	v.SetDefault("store.max_age", "24h")
	v.SetDefault("store.compression", true)
	v.SetDefault("store.fsync", true)

	v.SetDefault("pipeline.wait_timeout", "30s")
	v.SetDefault("pipeline.resolve_backoff", "250ms")
	v.SetDefault("pipeline.stale_policy", string(dag.StaleReject))
	v.SetDefault("pipeline.stale_tolerance", 0)
	v.SetDefault("pipeline.max_derivation_depth", 64)

	v.SetDefault("sync.listen", "")
	v.SetDefault("sync.peers", []string{})
	v.SetDefault("sync.rate", 50.0)
	v.SetDefault("sync.burst", 10)
	v.SetDefault("sync.timeout", "10s")
	v.SetDefault("sync.fetch_limit", 1024)
	v.SetDefault("sync.batch_size", 512)
	v.SetDefault("sync.retries", 2)
	v.SetDefault("sync.retry_delay", "100ms")

	v.SetDefault("checkpoint.path", "")
	v.SetDefault("checkpoint.keep", 8)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func (c *Config) Validate() error {
	if c.Store.Dir == "" {
		return fmt.Errorf("store.dir is required")
	}
	if c.Store.MaxEntries < 0 || c.Store.MaxBytes < 0 || c.Store.MaxAge < 0 {
		return fmt.Errorf("store rotation thresholds must not be negative")
	}
	if c.Pipeline.WaitTimeout <= 0 {
		return fmt.Errorf("pipeline.wait_timeout must be positive")
	}
	if _, err := c.StalePolicy(); err != nil {
		return err
	}
	if c.Pipeline.ResolveBackoff < 0 {
		return fmt.Errorf("pipeline.resolve_backoff must not be negative")
	}
	if c.Pipeline.MaxDerivationDepth < 0 {
		return fmt.Errorf("pipeline.max_derivation_depth must not be negative")
	}
	for _, p := range c.Sync.Peers {
		if !strings.HasPrefix(p, "http://") && !strings.HasPrefix(p, "https://") {
			return fmt.Errorf("sync.peers: %q is not an http(s) url", p)
		}
	}
	if c.Sync.Rate <= 0 || c.Sync.Burst <= 0 {
		return fmt.Errorf("sync.rate and sync.burst must be positive")
	}
	if c.Sync.Timeout <= 0 {
		return fmt.Errorf("sync.timeout must be positive")
	}
	if c.Sync.FetchLimit <= 0 || c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.fetch_limit and sync.batch_size must be positive")
	}
	if c.Sync.Retries < 0 || c.Sync.RetryDelay < 0 {
		return fmt.Errorf("sync.retries and sync.retry_delay must not be negative")
	}
	if c.Checkpoint.Keep < 0 {
		return fmt.Errorf("checkpoint.keep must not be negative")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s (valid options: text, json)", c.Log.Format)
	}
	return nil
}

// StalePolicy returns the time-map policy for the pipeline.
func (c *Config) StalePolicy() (dag.StalePolicy, error) {
	p := dag.StalePolicy{Mode: dag.StaleMode(c.Pipeline.StalePolicy), MaxTicks: c.Pipeline.StaleTolerance}
	if err := p.Validate(); err != nil {
		return dag.StalePolicy{}, fmt.Errorf("pipeline.stale_policy: %w", err)
	}
	return p, nil
}

// Level parses log.level.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	return l, nil
}

// Logger builds the configured logger writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, _ := c.Level()
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// KeyRing returns the node key ring, or nil when no seed is configured.
func (c *Config) KeyRing() *ir.KeyRing {
	if c.Node.Seed == "" {
		return nil
	}
	return ir.NewKeyRing([]byte(c.Node.Seed))
}

// StoreOptions translates the store section.
func (c *Config) StoreOptions(logger *slog.Logger) []store.Option {
	return []store.Option{
		store.WithRotation(c.Store.MaxEntries, c.Store.MaxBytes, c.Store.MaxAge),
		store.WithCompression(c.Store.Compression),
		store.WithFsync(c.Store.Fsync),
		store.WithLogger(logger),
	}
}

// CheckpointPath resolves checkpoint.path against the store directory.
func (c *Config) CheckpointPath() string {
	if c.Checkpoint.Path != "" {
		return c.Checkpoint.Path
	}
	return filepath.Join(c.Store.Dir, "checkpoints.db")
}

// EngineOptions translates the node and pipeline sections. Peers are added
// by OpenEngine, since the resolver must share the engine's graph.
func (c *Config) EngineOptions(logger *slog.Logger) []engine.Option {
	policy, _ := c.StalePolicy()
	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithStalePolicy(policy),
		engine.WithWaitTimeout(c.Pipeline.WaitTimeout),
		engine.WithResolveBackoff(c.Pipeline.ResolveBackoff),
		engine.WithMaxDerivationDepth(c.Pipeline.MaxDerivationDepth),
	}
	if keys := c.KeyRing(); keys != nil {
		opts = append(opts, engine.WithKeyRing(keys))
	}
	return opts
}

// PeerClient returns a client for the peer at url with the sync limits.
func (c *Config) PeerClient(url string) (*peer.Client, error) {
	return peer.NewClient(url,
		peer.WithRateLimit(rate.Limit(c.Sync.Rate), c.Sync.Burst),
		peer.WithTimeout(c.Sync.Timeout),
		peer.WithBatchSize(c.Sync.BatchSize),
	)
}

// Resolver returns a resolver asking sync.peers in order. Fetched entries are
// imported into st and linked into g and tm.
func (c *Config) Resolver(st *store.Store, g *dag.Graph, tm *dag.TimeMap, logger *slog.Logger) (*peer.Resolver, error) {
	peers := make([]peer.DataProvider, 0, len(c.Sync.Peers))
	for _, url := range c.Sync.Peers {
		client, err := c.PeerClient(url)
		if err != nil {
			return nil, fmt.Errorf("sync.peers: %w", err)
		}
		peers = append(peers, client)
	}
	opts := []peer.ResolverOption{
		peer.WithTimeMap(tm),
		peer.WithFetchLimit(c.Sync.FetchLimit),
		peer.WithRetries(c.Sync.Retries, c.Sync.RetryDelay),
		peer.WithLogger(logger),
	}
	if keys := c.KeyRing(); keys != nil {
		opts = append(opts, peer.WithKeyRing(keys))
	}
	return peer.NewResolver(st, g, peers, opts...), nil
}

// OpenEngine starts the pipeline over st as configured. Writers start from
// checkpoints in cps when it is not nil, and missing ancestors are fetched
// from sync.peers when any are listed.
func (c *Config) OpenEngine(ctx context.Context, st *store.Store, reg *handler.Registry, cps *replay.CheckpointStore, logger *slog.Logger) (*engine.Engine, error) {
	opts := c.EngineOptions(logger)
	if cps != nil {
		opts = append(opts, engine.WithCheckpoints(cps))
	}
	if len(c.Sync.Peers) > 0 {
		g, tm := dag.NewGraph(logger), dag.NewTimeMap(logger)
		if _, err := dag.Load(ctx, st, g, tm); err != nil {
			return nil, fmt.Errorf("load graph: %w", err)
		}
		res, err := c.Resolver(st, g, tm, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithGraph(g, tm), engine.WithResolver(res))
	}
	return engine.New(ctx, st, reg, opts...)
}
