package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/causalog/internal/handler"
	"github.com/roach88/causalog/internal/ir"
	"github.com/roach88/causalog/internal/replay"
	"github.com/roach88/causalog/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Resume bool // start from the newest checkpoint
	Save   bool // save a checkpoint at the end
	Verify bool // replay twice from genesis and compare
	State  bool // include the final state in the output
}

// ReplayScopeResult holds the replay result for a single scope.
type ReplayScopeResult struct {
	Scope         ir.Scope    `json:"scope"`
	Last          uint64      `json:"last"`
	LastID        string      `json:"last_id,omitempty"`
	StateHash     string      `json:"state_hash"`
	Entries       int         `json:"entries"`
	Effects       int         `json:"effects"`
	Facts         int         `json:"facts"`
	Events        int         `json:"events"`
	Failures      int         `json:"failures"`
	Resumed       uint64      `json:"resumed_from,omitempty"`
	Checkpoint    bool        `json:"checkpoint_saved,omitempty"`
	Deterministic bool        `json:"deterministic"`
	State         ir.IRObject `json:"state,omitempty"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Scopes           []ReplayScopeResult `json:"scopes"`
	AllDeterministic bool                `json:"all_deterministic"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay [scope...]",
		Short: "Replay scopes and report their state",
		Long: `Replay the log of each scope through the handler registry and report
the resulting state hash and entry counts. Without arguments every local
scope is replayed.

--verify replays each scope a second time from genesis and compares the
state hash and the derived proposals. --resume starts from the newest
checkpoint, which is checked against the log before use. --save writes a
checkpoint at the last replayed entry.

Exit codes:
  0 - All scopes replayed (and verified deterministic)
  1 - Determinism verification failed
  2 - Command error (bad config, unknown scope, corrupt log, etc.)

Examples:
  causalog replay --data ./causalog-data
  causalog replay program:amm --verify
  causalog replay program:amm --resume --save --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Resume, "resume", false, "start from the newest checkpoint")
	cmd.Flags().BoolVar(&opts.Save, "save", false, "save a checkpoint after replaying")
	cmd.Flags().BoolVar(&opts.Verify, "verify", false, "replay twice from genesis and compare")
	cmd.Flags().BoolVar(&opts.State, "state", false, "include final state in output")

	return cmd
}

func runReplay(ctx context.Context, opts *ReplayOptions, args []string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	out := newFormatter(cmd, opts.RootOptions)

	cfg, st, logger, err := openNode(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer st.Close()

	scopes, err := replayScopes(ctx, st, args)
	if err != nil {
		return err
	}

	var cps *replay.CheckpointStore
	if opts.Resume || opts.Save {
		cps, err = replay.OpenCheckpoints(cfg.CheckpointPath())
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open checkpoints", err)
		}
		defer cps.Close()
	}

	rp := replay.New(st, handler.NewDefaultRegistry(), replay.WithLogger(logger))
	result := ReplayResult{Scopes: make([]ReplayScopeResult, 0, len(scopes)), AllDeterministic: true}
	for _, scope := range scopes {
		out.VerboseLog("replaying %s", scope)
		r, err := replayScope(ctx, rp, cps, scope, opts)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to replay %s", scope), err)
		}
		if cps != nil && opts.Save && cfg.Checkpoint.Keep > 0 {
			if _, err := cps.Prune(scope, cfg.Checkpoint.Keep); err != nil {
				return WrapExitError(ExitCommandError, "failed to prune checkpoints", err)
			}
		}
		if !r.Deterministic {
			result.AllDeterministic = false
		}
		result.Scopes = append(result.Scopes, r)
	}

	var failure *CLIError
	if !result.AllDeterministic {
		failure = &CLIError{Code: CodeDeterminism, Message: "determinism verification failed"}
	}
	if out.JSON() {
		if err := out.Result(result, failure); err != nil {
			return err
		}
	} else {
		outputReplayText(cmd, result, opts)
	}
	if failure != nil {
		return NewExitError(ExitFailure, failure.Message)
	}
	return nil
}

// replayScopes returns the named scopes, checked, or every local scope.
func replayScopes(ctx context.Context, st *store.Store, args []string) ([]ir.Scope, error) {
	if len(args) == 0 {
		scopes, err := st.Scopes(ctx)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to list scopes", err)
		}
		return scopes, nil
	}
	scopes := make([]ir.Scope, 0, len(args))
	for _, a := range args {
		s := ir.Scope(a)
		if err := s.Validate(); err != nil {
			return nil, WrapExitError(ExitCommandError, fmt.Sprintf("invalid scope %q", a), err)
		}
		scopes = append(scopes, s)
	}
	return scopes, nil
}

func replayScope(ctx context.Context, rp *replay.Engine, cps *replay.CheckpointStore, scope ir.Scope, opts *ReplayOptions) (ReplayScopeResult, error) {
	ropts := replay.Options{}
	if opts.Resume {
		cp, err := cps.Latest(scope)
		if err != nil {
			return ReplayScopeResult{}, err
		}
		ropts.From = cp
	}

	stats := replay.NewStatsObserver()
	ropts.Observers = []replay.Observer{stats}
	it := rp.Replay(ctx, scope, ropts)
	defer it.Close()
	for it.Next() {
	}
	if err := it.Err(); err != nil {
		return ReplayScopeResult{}, err
	}
	state := it.State()
	hash, err := ir.StateHash(state)
	if err != nil {
		return ReplayScopeResult{}, err
	}

	s := stats.Stats()
	r := ReplayScopeResult{
		Scope:         scope,
		StateHash:     hash,
		Entries:       s.Entries,
		Effects:       s.Effects,
		Facts:         s.Facts,
		Events:        s.Events,
		Failures:      s.Failures,
		Deterministic: true,
	}
	if ropts.From != nil {
		r.Resumed = ropts.From.Timestamp
	}
	if opts.State {
		r.State = state
	}

	if cp, err := it.Checkpoint(); err == nil {
		r.Last, r.LastID = cp.Timestamp, cp.EntryID
		if opts.Save {
			if err := cps.Save(cp); err != nil {
				return r, err
			}
			r.Checkpoint = true
		}
	} else if ropts.From != nil {
		r.Last, r.LastID = ropts.From.Timestamp, ropts.From.EntryID
	}

	if opts.Verify {
		first, err := rp.Run(ctx, scope, replay.Options{})
		if err != nil {
			return r, err
		}
		second, err := rp.Run(ctx, scope, replay.Options{})
		if err != nil {
			return r, err
		}
		r.Deterministic = first.StateHash == second.StateHash &&
			first.StateHash == hash &&
			slices.Equal(first.Derived, second.Derived)
	}
	return r, nil
}

// outputReplayText outputs the replay result as text.
func outputReplayText(cmd *cobra.Command, result ReplayResult, opts *ReplayOptions) {
	w := cmd.OutOrStdout()

	if len(result.Scopes) == 0 {
		fmt.Fprintln(w, "No scopes found in store.")
		return
	}
	fmt.Fprintf(w, "Replay Summary: %d scope(s)\n", len(result.Scopes))
	fmt.Fprintln(w)

	for _, s := range result.Scopes {
		status := "✓"
		if !s.Deterministic {
			status = "✗"
		}
		fmt.Fprintf(w, "%s %s @%d\n", status, s.Scope, s.Last)
		fmt.Fprintf(w, "  State: %s\n", s.StateHash)
		fmt.Fprintf(w, "  Entries: %d (%d effects, %d facts, %d events, %d failures)\n",
			s.Entries, s.Effects, s.Facts, s.Events, s.Failures)
		if s.Resumed > 0 {
			fmt.Fprintf(w, "  Resumed from checkpoint @%d\n", s.Resumed)
		}
		if s.Checkpoint {
			fmt.Fprintln(w, "  Checkpoint saved")
		}
		if opts.Verbose && s.State != nil {
			data, _ := ir.MarshalIRValue(s.State)
			fmt.Fprintf(w, "  %s\n", data)
		}
		if !s.Deterministic {
			fmt.Fprintln(w, "  Warning: Non-deterministic replay detected!")
		}
		fmt.Fprintln(w)
	}

	if !opts.Verify {
		return
	}
	if result.AllDeterministic {
		fmt.Fprintln(w, "✓ All scopes verified deterministic")
		return
	}
	fmt.Fprintln(w, "✗ Determinism verification failed")
}
