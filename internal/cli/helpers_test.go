package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/causalog/internal/engine"
	"github.com/roach88/causalog/internal/handler"
	"github.com/roach88/causalog/internal/ir"
	"github.com/roach88/causalog/internal/store"
	"github.com/roach88/causalog/internal/testutil"
)

var (
	amm    = ir.ProgramScope("amm")
	oracle = ir.ActorScope("oracle")
)

// fixture is a store written by a real engine:
//
//	1 actor:oracle Fact price
//	2 program:amm Effect Deposit <- fact
//	3 program:amm Event Failure (PayloadError)
type fixture struct {
	dir     string
	fact    ir.LogEntry
	deposit ir.EntryRef
	failure ir.EntryRef
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "data")

	st, err := store.Open(dir, store.WithFsync(false))
	require.NoError(t, err)
	eng, err := engine.New(ctx, st, handler.NewDefaultRegistry(),
		engine.WithClock(engine.NewClockAt(0)),
		engine.WithKeyRing(testutil.KeyRing()),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)

	fact, err := eng.Record(ctx, oracle, testutil.PriceFact(2900), nil)
	require.NoError(t, err)

	dep, err := eng.Submit(ctx, engine.Proposal{
		ID:      "deposit",
		Origin:  ir.ProgramScope("router"),
		Effect:  testutil.Deposit(ir.ProgramScope("router"), amm, "ETH", 10),
		Parents: []ir.EntryRef{fact.Ref()},
	})
	require.NoError(t, err)
	depSt, err := eng.Await(ctx, dep)
	require.NoError(t, err)
	require.Equal(t, engine.StateCompleted, depSt.State, depSt.Reason)

	overdraw := testutil.Deposit(ir.ProgramScope("router"), amm, "ETH", 50)
	overdraw.Kind = ir.EffectWithdraw
	wd, err := eng.Submit(ctx, engine.Proposal{ID: "overdraw", Origin: ir.ProgramScope("router"), Effect: overdraw})
	require.NoError(t, err)
	wdSt, err := eng.Await(ctx, wd)
	require.NoError(t, err)
	require.Equal(t, engine.StateFailed, wdSt.State)

	require.NoError(t, eng.Close())
	require.NoError(t, st.Close())
	return fixture{dir: dir, fact: fact, deposit: *depSt.Entry, failure: *wdSt.Entry}
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	return executeCmd(cmd, args...)
}

func executeCmd(cmd *cobra.Command, args ...string) (string, error) {
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}
