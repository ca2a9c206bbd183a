package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/causalog/internal/peer"
)

// shutdownTimeout bounds how long in-flight peer queries may finish.
const shutdownTimeout = 5 * time.Second

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Listen string // overrides sync.listen

	// Ready is called with the bound address once the node serves queries.
	// Tests use it to learn the port of a ":0" listener.
	Ready func(addr string)
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Serve this node's log to peers",
		Long: `Open the node's store and answer peer queries over HTTP until
interrupted: facts, fact ranges, entries and log segments. Peers use these
to resolve missing ancestors.

Example:
  causalog run --config causalog.yaml
  causalog run --data ./causalog-data --listen 127.0.0.1:7400`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides sync.listen)")

	return cmd
}

func runNode(opts *RunOptions, cmd *cobra.Command) error {
	cfg, st, logger, err := openNode(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing store", "error", closeErr)
		}
	}()

	addr := cfg.Sync.Listen
	if opts.Listen != "" {
		addr = opts.Listen
	}
	if addr == "" {
		return NewExitError(ExitCommandError, "no listen address: set sync.listen or --listen")
	}

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{
		Handler:           peer.Handler(peer.NewLocal(st), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	logger.Info("node serving", "addr", ln.Addr().String(), "store", st.Dir())
	fmt.Fprintf(cmd.OutOrStdout(), "Serving %s on %s\n", st.Dir(), ln.Addr())
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")
	if opts.Ready != nil {
		opts.Ready(ln.Addr().String())
	}

	select {
	case err := <-errCh:
		return WrapExitError(ExitFailure, "server error", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return WrapExitError(ExitFailure, "shutdown failed", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return WrapExitError(ExitFailure, "server error", err)
	}
	logger.Info("node stopped gracefully")
	return nil
}
