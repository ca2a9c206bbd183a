package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/causalog/internal/ir"
	"github.com/roach88/causalog/internal/store"
)

// SegmentsOptions holds flags for the segments command.
type SegmentsOptions struct {
	*RootOptions
	Rotate    bool   // close each scope's active segment first
	Archive   string // segment id to move
	ArchiveTo string
}

// NewSegmentsCommand creates the segments command.
func NewSegmentsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SegmentsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "segments [scope...]",
		Short: "List and maintain log segments",
		Long: `List the local segments of each scope, oldest first. Without arguments
every local scope is listed.

--rotate closes the active segment of each listed scope so it can be
compressed and archived. --archive moves one closed segment to --to; its
entries stay readable.

Examples:
  causalog segments program:amm
  causalog segments program:amm --rotate
  causalog segments --archive 0190c3e2-... --to /mnt/cold`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSegments(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Rotate, "rotate", false, "close the active segment of each scope")
	cmd.Flags().StringVar(&opts.Archive, "archive", "", "segment id to archive")
	cmd.Flags().StringVar(&opts.ArchiveTo, "to", "", "archive directory")

	return cmd
}

func runSegments(opts *SegmentsOptions, args []string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := newFormatter(cmd, opts.RootOptions)
	if opts.Archive != "" && opts.ArchiveTo == "" {
		return NewExitError(ExitCommandError, "--archive requires --to")
	}

	_, st, _, err := openNode(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer st.Close()

	if opts.Archive != "" {
		dst, err := st.Archive(ctx, opts.Archive, opts.ArchiveTo)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to archive segment", err)
		}
		out.VerboseLog("archived %s to %s", opts.Archive, dst)
	}

	scopes, err := replayScopes(ctx, st, args)
	if err != nil {
		return err
	}
	var all []store.Segment
	for _, scope := range scopes {
		if opts.Rotate {
			id, err := st.Rotate(ctx, scope)
			if err != nil {
				return WrapExitError(ExitCommandError, fmt.Sprintf("failed to rotate %s", scope), err)
			}
			out.VerboseLog("rotated %s: closed %s", scope, id)
		}
		segs, err := st.Segments(ctx, scope)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list segments", err)
		}
		all = append(all, segs...)
	}
	if all == nil {
		all = []store.Segment{}
	}

	if out.JSON() {
		return out.Success(all)
	}
	w := out.Writer
	if len(all) == 0 {
		fmt.Fprintln(w, "No segments found.")
		return nil
	}
	var last ir.Scope
	for _, seg := range all {
		if seg.Scope != last {
			fmt.Fprintf(w, "%s\n", seg.Scope)
			last = seg.Scope
		}
		flags := seg.State
		if seg.Compressed {
			flags += ",zstd"
		}
		fmt.Fprintf(w, "  #%d %s %-8s %5d entries %8d bytes ts %d..%d\n",
			seg.Seq, seg.ID, flags, seg.Entries, seg.Bytes, seg.FirstTS, seg.LastTS)
	}
	return nil
}
