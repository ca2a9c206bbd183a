package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/causalog/internal/ir"
	"github.com/roach88/causalog/internal/peer"
	"github.com/roach88/causalog/internal/store"
)

// QueryOptions holds flags for the query commands.
type QueryOptions struct {
	*RootOptions
	Peer string // query a peer over HTTP instead of the local store
}

// QueryResult holds the entries a query returned.
type QueryResult struct {
	Source  string            `json:"source"`
	Segment *store.Segment    `json:"segment,omitempty"`
	Entries []json.RawMessage `json:"entries"`
}

// NewQueryCommand creates the query command and its subcommands.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query facts, entries and segments",
		Long: `Answer the read-only data provider queries against the local store, or
against a peer with --peer.

Examples:
  causalog query fact F1
  causalog query entry program:amm 9f2c...
  causalog query range ethereum --from 10 --to 20
  causalog query segment 0190c3e2-... --peer http://node-b:7400`,
	}
	cmd.PersistentFlags().StringVar(&opts.Peer, "peer", "", "peer base URL")

	cmd.AddCommand(&cobra.Command{
		Use:           "fact <fact-id>",
		Short:         "Newest version of a fact",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, opts, func(ctx context.Context, p peer.DataProvider) (*QueryResult, error) {
				e, err := p.QueryFact(ctx, args[0])
				return single(e, err)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "entry <scope> <id>",
		Short:         "One entry by reference",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			scope := ir.Scope(args[0])
			if err := scope.Validate(); err != nil {
				return WrapExitError(ExitCommandError, fmt.Sprintf("invalid scope %q", args[0]), err)
			}
			return runQuery(cmd, opts, func(ctx context.Context, p peer.DataProvider) (*QueryResult, error) {
				e, err := p.QueryEntry(ctx, ir.EntryRef{Scope: scope, ID: args[1]})
				return single(e, err)
			})
		},
	})

	var from, to uint64
	rangeCmd := &cobra.Command{
		Use:           "range <domain>",
		Short:         "Facts of a domain within a timestamp range",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if to != 0 && to < from {
				return NewExitError(ExitCommandError, "--to must not be before --from")
			}
			return runQuery(cmd, opts, func(ctx context.Context, p peer.DataProvider) (*QueryResult, error) {
				entries, err := p.QueryFactRange(ctx, args[0], peer.TimeRange{From: from, To: to})
				if err != nil {
					return nil, err
				}
				return encodeResult(nil, entries)
			})
		},
	}
	rangeCmd.Flags().Uint64Var(&from, "from", 0, "first timestamp (inclusive)")
	rangeCmd.Flags().Uint64Var(&to, "to", 0, "last timestamp (inclusive, 0 for no bound)")
	cmd.AddCommand(rangeCmd)

	cmd.AddCommand(&cobra.Command{
		Use:           "segment <segment-id>",
		Short:         "A log segment and its entries",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, opts, func(ctx context.Context, p peer.DataProvider) (*QueryResult, error) {
				data, err := p.QueryLogSegment(ctx, args[0])
				if err != nil || data == nil {
					return nil, err
				}
				return encodeResult(&data.Segment, data.Entries)
			})
		},
	})

	return cmd
}

type queryFunc func(ctx context.Context, p peer.DataProvider) (*QueryResult, error)

// runQuery runs q against the local store or the configured peer. A nil
// result is reported as not found with ExitFailure.
func runQuery(cmd *cobra.Command, opts *QueryOptions, q queryFunc) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := newFormatter(cmd, opts.RootOptions)

	provider, source, closeFn, err := openProvider(opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closeFn()

	res, err := q(ctx, provider)
	if err != nil {
		return WrapExitError(ExitCommandError, "query failed", err)
	}
	if res == nil {
		if err := out.Error(CodeNotFound, "not found", nil); err != nil {
			return err
		}
		return NewExitError(ExitFailure, "not found")
	}
	res.Source = source

	if out.JSON() {
		return out.Success(res)
	}
	return outputEntriesText(out.Writer, res)
}

func openProvider(opts *QueryOptions, logs io.Writer) (peer.DataProvider, string, func(), error) {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return nil, "", nil, err
	}
	if opts.Peer != "" {
		c, err := cfg.PeerClient(opts.Peer)
		if err != nil {
			return nil, "", nil, WrapExitError(ExitCommandError, "invalid peer", err)
		}
		return c, c.URL(), func() {}, nil
	}
	st, err := store.Open(cfg.Store.Dir, cfg.StoreOptions(cfg.Logger(logs))...)
	if err != nil {
		return nil, "", nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	return peer.NewLocal(st), st.Dir(), func() { st.Close() }, nil
}

func single(e *ir.LogEntry, err error) (*QueryResult, error) {
	if err != nil || e == nil {
		return nil, err
	}
	return encodeResult(nil, []ir.LogEntry{*e})
}

func encodeResult(seg *store.Segment, entries []ir.LogEntry) (*QueryResult, error) {
	res := &QueryResult{Segment: seg, Entries: make([]json.RawMessage, 0, len(entries))}
	for _, e := range entries {
		data, err := ir.MarshalEntry(e)
		if err != nil {
			return nil, err
		}
		res.Entries = append(res.Entries, data)
	}
	return res, nil
}

func outputEntriesText(w io.Writer, res *QueryResult) error {
	if seg := res.Segment; seg != nil {
		fmt.Fprintf(w, "Segment %s (%s #%d, %s, %d entries, ts %d..%d)\n",
			seg.ID, seg.Scope, seg.Seq, seg.State, seg.Entries, seg.FirstTS, seg.LastTS)
	}
	if len(res.Entries) == 0 {
		fmt.Fprintln(w, "No entries.")
		return nil
	}
	for _, raw := range res.Entries {
		e, err := ir.UnmarshalEntry(raw)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, entryLine(e))
	}
	return nil
}

// entryLine renders an entry on one line: timestamp, scope, type, kind and
// the full id.
func entryLine(e ir.LogEntry) string {
	return strconv.FormatUint(e.Timestamp, 10) + " " + string(e.Scope) + " " +
		string(e.Type) + " " + e.Payload.PayloadKind() + " " + e.ID
}
