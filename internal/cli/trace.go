package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/causalog/internal/dag"
	"github.com/roach88/causalog/internal/ir"
	"github.com/roach88/causalog/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Entry string // trace the ancestry of one entry instead of a whole scope
	Kind  string // optional - filter to a payload kind
}

// TraceEvent represents a single entry in the trace timeline.
type TraceEvent struct {
	Timestamp uint64        `json:"ts"`
	Scope     ir.Scope      `json:"scope"`
	Type      ir.EntryType  `json:"type"`
	Kind      string        `json:"kind"`
	ID        string        `json:"id"`
	ErrorKind ir.Kind       `json:"error_kind,omitempty"`
	Parents   []ir.EntryRef `json:"parents,omitempty"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Scope    ir.Scope     `json:"scope"`
	Entry    string       `json:"entry,omitempty"`
	Timeline []TraceEvent `json:"timeline"`
	Stats    TraceStats   `json:"stats"`
}

// TraceStats holds summary statistics for the trace.
type TraceStats struct {
	TotalEntries int `json:"total_entries"`
	Effects      int `json:"effects"`
	Facts        int `json:"facts"`
	Events       int `json:"events"`
	Failures     int `json:"failures"`
	Scopes       int `json:"scopes"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace <scope>",
		Short: "Show the causal history of a scope or entry",
		Long: `Show a scope's entries in causal order with the parents each one cites.

With --entry the trace follows one entry's parents instead, across scopes
and into imported entries, which is how an effect is explained: the facts
it observed and the effects that caused it.

Examples:
  causalog trace program:amm
  causalog trace program:amm --kind Failure
  causalog trace program:amm --entry 9f2c... --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, ir.Scope(args[0]), cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Entry, "entry", "", "trace the ancestry of this entry id")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "filter to a payload kind")

	return cmd
}

func runTrace(opts *TraceOptions, scope ir.Scope, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := scope.Validate(); err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("invalid scope %q", scope), err)
	}
	out := newFormatter(cmd, opts.RootOptions)

	_, st, _, err := openNode(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer st.Close()

	var entries []ir.LogEntry
	if opts.Entry != "" {
		entries, err = ancestry(ctx, st, ir.EntryRef{Scope: scope, ID: opts.Entry})
	} else {
		entries, err = st.ReadRange(ctx, scope, 0, 0).Collect()
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read entries", err)
	}
	if opts.Entry != "" && len(entries) == 0 {
		if err := out.Error(CodeNotFound, fmt.Sprintf("entry %s not found in %s", opts.Entry, scope), nil); err != nil {
			return err
		}
		return NewExitError(ExitFailure, "entry not found")
	}

	result := TraceResult{Scope: scope, Entry: opts.Entry, Timeline: buildTimeline(entries, opts.Kind)}
	result.Stats = traceStats(result.Timeline)

	if out.JSON() {
		return out.Success(result)
	}
	outputTraceText(cmd, result)
	return nil
}

// ancestry returns ref's entry and every ancestor the store holds.
func ancestry(ctx context.Context, st *store.Store, ref ir.EntryRef) ([]ir.LogEntry, error) {
	seen := make(map[ir.EntryRef]bool)
	queue := []ir.EntryRef{ref}
	var out []ir.LogEntry
	for len(queue) > 0 {
		r := queue[0]
		queue = queue[1:]
		if seen[r] {
			continue
		}
		seen[r] = true
		e, err := st.GetByID(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		if e == nil || e.Scope != r.Scope {
			continue
		}
		out = append(out, *e)
		queue = append(queue, e.Parents...)
	}
	return out, nil
}

// buildTimeline orders entries causally and drops those not matching kind.
func buildTimeline(entries []ir.LogEntry, kind string) []TraceEvent {
	timeline := make([]TraceEvent, 0, len(entries))
	for _, e := range dag.TotalOrder(entries) {
		k := e.Payload.PayloadKind()
		if kind != "" && k != kind {
			continue
		}
		ev := TraceEvent{
			Timestamp: e.Timestamp,
			Scope:     e.Scope,
			Type:      e.Type,
			Kind:      k,
			ID:        e.ID,
			Parents:   e.Parents,
		}
		if event, ok := e.Payload.(*ir.Event); ok {
			ev.ErrorKind = event.ErrorKind
		}
		timeline = append(timeline, ev)
	}
	return timeline
}

func traceStats(timeline []TraceEvent) TraceStats {
	stats := TraceStats{TotalEntries: len(timeline)}
	scopes := make(map[ir.Scope]bool)
	for _, ev := range timeline {
		scopes[ev.Scope] = true
		switch ev.Type {
		case ir.EntryEffect:
			stats.Effects++
		case ir.EntryFact:
			stats.Facts++
		case ir.EntryEvent:
			stats.Events++
			if ev.Kind == string(ir.EventFailure) {
				stats.Failures++
			}
		}
	}
	stats.Scopes = len(scopes)
	return stats
}

// outputTraceText outputs the trace result as text.
func outputTraceText(cmd *cobra.Command, result TraceResult) {
	w := cmd.OutOrStdout()

	if len(result.Timeline) == 0 {
		fmt.Fprintf(w, "No entries found for scope: %s\n", result.Scope)
		return
	}
	if result.Entry != "" {
		fmt.Fprintf(w, "Ancestry of %s/%s\n", result.Scope, result.Entry)
	} else {
		fmt.Fprintf(w, "Trace of %s\n", result.Scope)
	}
	fmt.Fprintln(w)

	for _, ev := range result.Timeline {
		line := fmt.Sprintf("%6d  %-20s %-6s %s", ev.Timestamp, ev.Scope, ev.Type, ev.Kind)
		if ev.ErrorKind != "" {
			line += " [" + string(ev.ErrorKind) + "]"
		}
		fmt.Fprintln(w, line)
		if len(ev.Parents) > 0 {
			parents := make([]string, 0, len(ev.Parents))
			for _, p := range ev.Parents {
				parents = append(parents, p.String())
			}
			fmt.Fprintf(w, "        <- %s\n", strings.Join(parents, ", "))
		}
	}

	s := result.Stats
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%d entries: %d effects, %d facts, %d events (%d failures) across %d scope(s)\n",
		s.TotalEntries, s.Effects, s.Facts, s.Events, s.Failures, s.Scopes)
}
