package cli

import (
	"io"
	"log/slog"

	"github.com/roach88/causalog/internal/config"
	"github.com/roach88/causalog/internal/store"
)

// loadConfig loads the node configuration named by the global flags.
// --data overrides store.dir and --verbose lowers the log level to debug.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.DataDir != "" {
		cfg.Store.Dir = opts.DataDir
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// openNode loads the configuration and opens its store. Logs go to w so
// they never mix with command output.
func openNode(opts *RootOptions, w io.Writer) (*config.Config, *store.Store, *slog.Logger, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, nil, nil, err
	}
	logger := cfg.Logger(w)
	st, err := store.Open(cfg.Store.Dir, cfg.StoreOptions(logger)...)
	if err != nil {
		return nil, nil, nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	return cfg, st, logger, nil
}
