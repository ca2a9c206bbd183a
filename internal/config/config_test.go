package config

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/causalog/internal/dag"
	"github.com/roach88/causalog/internal/engine"
	"github.com/roach88/causalog/internal/handler"
	"github.com/roach88/causalog/internal/ir"
	"github.com/roach88/causalog/internal/peer"
	"github.com/roach88/causalog/internal/replay"
	"github.com/roach88/causalog/internal/store"
	"github.com/roach88/causalog/internal/testutil"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "causalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("CAUSALOG_TEST_DATA", "/var/lib/causalog")
	path := writeConfig(t, `
node:
  seed: node-a-seed
store:
  dir: ${CAUSALOG_TEST_DATA}/log
  max_entries: 500
  max_age: 1h
  compression: false
pipeline:
  wait_timeout: 5s
  stale_policy: tolerate
  stale_tolerance: 3
sync:
  listen: 127.0.0.1:7400
  peers:
    - http://node-b:7400
    - http://node-c:7400
  rate: 5
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/causalog/log", cfg.Store.Dir)
	assert.Equal(t, 500, cfg.Store.MaxEntries)
	assert.Equal(t, int64(64<<20), cfg.Store.MaxBytes, "unset keys keep defaults")
	assert.Equal(t, time.Hour, cfg.Store.MaxAge)
	assert.False(t, cfg.Store.Compression)
	assert.True(t, cfg.Store.Fsync)
	assert.Equal(t, 5*time.Second, cfg.Pipeline.WaitTimeout)
	assert.Equal(t, []string{"http://node-b:7400", "http://node-c:7400"}, cfg.Sync.Peers)
	assert.Equal(t, 5.0, cfg.Sync.Rate)
	assert.Equal(t, 10*time.Second, cfg.Sync.Timeout)

	policy, err := cfg.StalePolicy()
	require.NoError(t, err)
	assert.Equal(t, dag.StalePolicy{Mode: dag.StaleTolerate, MaxTicks: 3}, policy)

	assert.Equal(t, "/var/lib/causalog/log/checkpoints.db", cfg.CheckpointPath())
	assert.NotNil(t, cfg.KeyRing())
	assert.Len(t, cfg.StoreOptions(nil), 4)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "store:\n  dir: /from/file\n")
	t.Setenv("CAUSALOG_STORE_DIR", "/from/env")
	t.Setenv("CAUSALOG_PIPELINE_MAX_DERIVATION_DEPTH", "8")
	t.Setenv("CAUSALOG_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.Store.Dir)
	assert.Equal(t, 8, cfg.Pipeline.MaxDerivationDepth)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")

	_, err = Load(writeConfig(t, "pipeline:\n  stale_policy: sometimes\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.Pipeline.WaitTimeout)
	assert.Equal(t, 64, cfg.Pipeline.MaxDerivationDepth)
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.ResolveBackoff)
	assert.Equal(t, 2, cfg.Sync.Retries)
	assert.Equal(t, 512, cfg.Sync.BatchSize)
	assert.Nil(t, cfg.KeyRing(), "no seed, no signing")

	policy, err := cfg.StalePolicy()
	require.NoError(t, err)
	assert.Equal(t, dag.StaleReject, policy.Mode)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"defaults", func(*Config) {}, ""},
		{"no store dir", func(c *Config) { c.Store.Dir = "" }, "store.dir is required"},
		{"negative rotation", func(c *Config) { c.Store.MaxBytes = -1 }, "rotation thresholds"},
		{"zero wait", func(c *Config) { c.Pipeline.WaitTimeout = 0 }, "wait_timeout"},
		{"bad stale policy", func(c *Config) { c.Pipeline.StalePolicy = "maybe" }, "stale_policy"},
		{"negative depth", func(c *Config) { c.Pipeline.MaxDerivationDepth = -1 }, "max_derivation_depth"},
		{"bad peer", func(c *Config) { c.Sync.Peers = []string{"node-b:7400"} }, "not an http(s) url"},
		{"zero rate", func(c *Config) { c.Sync.Rate = 0 }, "sync.rate"},
		{"zero timeout", func(c *Config) { c.Sync.Timeout = 0 }, "sync.timeout"},
		{"zero batch", func(c *Config) { c.Sync.BatchSize = 0 }, "sync.batch_size"},
		{"negative retries", func(c *Config) { c.Sync.Retries = -1 }, "sync.retries"},
		{"negative backoff", func(c *Config) { c.Pipeline.ResolveBackoff = -time.Second }, "resolve_backoff"},
		{"negative keep", func(c *Config) { c.Checkpoint.Keep = -1 }, "checkpoint.keep"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "invalid log level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "invalid log format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLogger(t *testing.T) {
	cfg := Default()
	cfg.Log.Format = "json"
	cfg.Log.Level = "warn"

	var buf bytes.Buffer
	log := cfg.Logger(&buf)
	log.Info("hidden")
	log.Warn("shown", "scope", "program:amm")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"scope":"program:amm"`)
}

func openEngine(t *testing.T, cfg *Config, cps *replay.CheckpointStore) (*store.Store, *engine.Engine) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(cfg.Store.Dir, cfg.StoreOptions(logger)...)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	eng, err := cfg.OpenEngine(context.Background(), st, handler.NewDefaultRegistry(), cps, logger)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return st, eng
}

func await(t *testing.T, eng *engine.Engine, p engine.Proposal) engine.Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := eng.Submit(ctx, p)
	require.NoError(t, err)
	st, err := eng.Await(ctx, id)
	require.NoError(t, err)
	return st
}

func TestOpenEngine_StalePolicyFromConfig(t *testing.T) {
	ctx := context.Background()
	cfg, err := Load(writeConfig(t, `
store:
  dir: `+t.TempDir()+`
  fsync: false
pipeline:
  stale_policy: tolerate
  stale_tolerance: 2
`))
	require.NoError(t, err)
	cps, err := replay.OpenCheckpoints(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cps.Close() })
	_, eng := openEngine(t, cfg, cps)

	oracle, amm := ir.ActorScope("oracle"), ir.ProgramScope("amm")
	_, err = eng.Record(ctx, oracle, testutil.PriceFact(2900), nil)
	require.NoError(t, err)
	eff := testutil.Deposit(ir.ProgramScope("router"), amm, "ETH", 5)
	eff.TimeMap = eng.Snapshot(amm, "ethereum")
	_, err = eng.Record(ctx, oracle, testutil.PriceFact(3100), nil)
	require.NoError(t, err)

	st := await(t, eng, engine.Proposal{Origin: ir.ProgramScope("router"), Effect: eff})
	require.Equal(t, engine.StateCompleted, st.State, st.Reason)
	assert.Len(t, st.Stale, 1, "tolerated, not rejected")
}

func TestOpenEngine_FetchesAncestorsFromPeers(t *testing.T) {
	remote, err := store.Open(t.TempDir(), store.WithFsync(false))
	require.NoError(t, err)
	t.Cleanup(func() { remote.Close() })
	fact := testutil.FactEntry(t, 2900, 100)
	_, err = remote.Append(context.Background(), fact)
	require.NoError(t, err)
	srv := httptest.NewServer(peer.Handler(peer.NewLocal(remote), nil))
	t.Cleanup(srv.Close)

	cfg := Default()
	cfg.Store.Dir = t.TempDir()
	cfg.Store.Fsync = false
	cfg.Sync.Peers = []string{srv.URL}
	cfg.Pipeline.WaitTimeout = 5 * time.Second
	require.NoError(t, cfg.Validate())
	local, eng := openEngine(t, cfg, nil)

	gw := ir.GatewayScope("alice")
	st := await(t, eng, engine.Proposal{
		Origin:  gw,
		Effect:  testutil.Deposit(gw, ir.ProgramScope("amm"), "ETH", 10),
		Parents: []ir.EntryRef{fact.Ref()},
	})
	require.Equal(t, engine.StateCompleted, st.State, st.Reason)
	assert.True(t, eng.Graph().DependsOn(*st.Entry, fact.Ref()))

	imported, err := local.GetByID(context.Background(), fact.ID)
	require.NoError(t, err)
	assert.NotNil(t, imported)
}

func TestResolver_UsesConfiguredPeers(t *testing.T) {
	cfg := Default()
	cfg.Sync.Peers = []string{"http://node-b:7400"}
	st, err := store.Open(t.TempDir(), store.WithFsync(false))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	res, err := cfg.Resolver(st, dag.NewGraph(nil), dag.NewTimeMap(nil), slog.Default())
	require.NoError(t, err)
	assert.NotNil(t, res)

	c, err := cfg.PeerClient("http://node-b:7400")
	require.NoError(t, err)
	assert.Equal(t, "http://node-b:7400", c.URL())
}
