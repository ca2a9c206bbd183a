package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/causalog/internal/dag"
	"github.com/roach88/causalog/internal/handler"
	"github.com/roach88/causalog/internal/ir"
	"github.com/roach88/causalog/internal/replay"
	"github.com/roach88/causalog/internal/store"
	"github.com/roach88/causalog/internal/testutil"
)

var (
	amm    = ir.ProgramScope("amm")
	alice  = ir.GatewayScope("alice")
	oracle = ir.ActorScope("oracle")
)

type testEngine struct {
	st  *store.Store
	reg *handler.Registry
	eng *Engine
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir(), store.WithFsync(false))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestEngine(t *testing.T, opts ...Option) *testEngine {
	t.Helper()
	return startEngine(t, openStore(t), handler.NewDefaultRegistry(), opts...)
}

func startEngine(t *testing.T, st *store.Store, reg *handler.Registry, opts ...Option) *testEngine {
	t.Helper()
	base := []Option{WithKeyRing(testutil.KeyRing()), WithClock(NewClockAt(99))}
	eng, err := New(context.Background(), st, reg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return &testEngine{st: st, reg: reg, eng: eng}
}

func (te *testEngine) submit(t *testing.T, p Proposal) string {
	t.Helper()
	id, err := te.eng.Submit(context.Background(), p)
	require.NoError(t, err)
	return id
}

func (te *testEngine) await(t *testing.T, id string) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := te.eng.Await(ctx, id)
	require.NoError(t, err, "invocation %s did not finish: %+v", id, st)
	return st
}

func (te *testEngine) entry(t *testing.T, ref *ir.EntryRef) ir.LogEntry {
	t.Helper()
	require.NotNil(t, ref)
	e, err := te.st.GetByID(context.Background(), ref.ID)
	require.NoError(t, err)
	require.NotNil(t, e, "entry %s not stored", ref)
	return *e
}

// failure checks st failed with kind and returns its logged Failure event.
func (te *testEngine) failure(t *testing.T, st Status, kind ir.Kind) *ir.Event {
	t.Helper()
	require.Equal(t, StateFailed, st.State, "reason: %s", st.Reason)
	assert.Equal(t, kind, st.ErrorKind)
	e := te.entry(t, st.Entry)
	assert.Equal(t, st.Target, e.Scope, "failure is logged in the target scope")
	ev, ok := e.Payload.(*ir.Event)
	require.True(t, ok, "failure entry is %T", e.Payload)
	assert.Equal(t, ir.EventFailure, ev.Kind)
	assert.Equal(t, st.ProposalHash, ev.Subject)
	assert.Equal(t, kind, ev.ErrorKind)
	return ev
}

func deposit(origin ir.Scope, amount int64) Proposal {
	return Proposal{Origin: origin, Effect: testutil.Deposit(origin, amm, "ETH", amount)}
}

func TestEngine_EthereumStalePriceFails(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)

	f1, err := te.eng.Record(ctx, oracle, testutil.PriceFact(2900), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), f1.Timestamp)

	// B reads the price and builds its proposal against this snapshot.
	bob := ir.GatewayScope("bob")
	p := deposit(bob, 5)
	p.ID = "swap-b"
	p.Effect.TimeMap = te.eng.Snapshot(amm, "ethereum")
	require.Len(t, p.Effect.TimeMap.Observations, 1)

	// The price moves before B's proposal is applied.
	te.eng.Clock().Witness(149)
	f2, err := te.eng.Record(ctx, oracle, testutil.PriceFact(3100), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(150), f2.Timestamp)

	te.eng.Clock().Witness(159)
	st := te.await(t, te.submit(t, p))

	ev := te.failure(t, st, ir.KindStaleObservation)
	require.Len(t, st.Stale, 1)
	assert.Equal(t, ir.StaleFact{Domain: "ethereum", FactID: "F1", Observed: 100, Current: 150}, st.Stale[0])
	assert.Contains(t, ev.Reason, "superseded")
	assert.NotNil(t, ev.Details["stale"])
	assert.Equal(t, uint64(160), te.entry(t, st.Entry).Timestamp)

	// The failure is queryable from the program's log.
	entries, err := te.st.ReadRange(ctx, amm, 0, 0).Collect()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ir.EntryEvent, entries[0].Type)
}

func TestEngine_TolerateStaleRecordsEvent(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, WithStalePolicy(dag.StalePolicy{Mode: dag.StaleTolerate, MaxTicks: 2}))

	_, err := te.eng.Record(ctx, oracle, testutil.PriceFact(2900), nil)
	require.NoError(t, err)
	p := deposit(alice, 5)
	p.Effect.TimeMap = te.eng.Snapshot(amm, "ethereum")
	_, err = te.eng.Record(ctx, oracle, testutil.PriceFact(3100), nil)
	require.NoError(t, err)

	st := te.await(t, te.submit(t, p))
	require.Equal(t, StateCompleted, st.State, st.Reason)
	require.Len(t, st.Stale, 1)

	children := te.eng.Graph().Children(*st.Entry)
	var tolerated *ir.Event
	for _, ref := range children {
		if ev, ok := te.entry(t, &ref).Payload.(*ir.Event); ok && ev.Kind == ir.EventStaleTolerated {
			tolerated = ev
		}
	}
	require.NotNil(t, tolerated, "applied effect should be followed by a StaleTolerated event")
	assert.Equal(t, st.Entry.ID, tolerated.Subject)
}

func TestEngine_GatewayChain(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)

	i1 := te.await(t, te.submit(t, Proposal{
		ID:     "I1",
		Origin: ir.ActorScope("alice"),
		Effect: &ir.Effect{
			Kind:     ir.EffectInvoke,
			Target:   alice,
			Resource: "ETH",
			Amount:   5,
			Args:     ir.IRObject{"program": ir.IRString(amm)},
			TimeMap:  ir.NewTimeMapSnapshot(alice, 0),
		},
	}))
	require.Equal(t, StateCompleted, i1.State, i1.Reason)
	require.Len(t, i1.Derived, 1)

	e1 := te.await(t, i1.Derived[0])
	require.Equal(t, StateCompleted, e1.State, e1.Reason)
	assert.Equal(t, alice, e1.Origin)
	assert.Equal(t, amm, e1.Target)
	assert.Equal(t, 1, e1.Depth)
	assert.Equal(t, ir.IRInt(5), e1.Result["balance"])
	require.Len(t, e1.Derived, 1)

	c1 := te.await(t, e1.Derived[0])
	require.Equal(t, StateCompleted, c1.State, c1.Reason)
	assert.Equal(t, alice, c1.Target)
	assert.Empty(t, c1.Derived)

	g := te.eng.Graph()
	assert.True(t, g.DependsOn(*c1.Entry, *i1.Entry), "callback depends on the invoke")
	assert.True(t, g.DependsOn(*c1.Entry, *e1.Entry))
	assert.Equal(t, []ir.EntryRef{*e1.Entry}, te.entry(t, c1.Entry).Parents)

	e1Entry := te.entry(t, e1.Entry)
	assert.Equal(t, "ledger@1.0.0", e1Entry.Payload.(*ir.Effect).Handler)
	assert.Greater(t, te.entry(t, c1.Entry).Timestamp, e1Entry.Timestamp)

	// Replay reaches the same state and derives the same proposals.
	r := replay.New(te.st, te.reg)
	gw, err := r.Run(ctx, alice, replay.Options{})
	require.NoError(t, err)
	inbox, ok := gw.State["inbox"].(ir.IRArray)
	require.True(t, ok)
	require.Len(t, inbox, 1)
	assert.Equal(t, ir.IRString(amm), inbox[0].(ir.IRObject)["from"])
	assert.Equal(t, []string{e1.ProposalHash}, gw.Derived)

	prog, err := r.Run(ctx, amm, replay.Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{c1.ProposalHash}, prog.Derived)
}

type gatedResolver struct {
	st      *store.Store
	g       *dag.Graph
	entries map[ir.EntryRef]ir.LogEntry
	release chan struct{}
	calls   atomic.Int32
}

func (r *gatedResolver) Resolve(ctx context.Context, refs []ir.EntryRef) error {
	r.calls.Add(1)
	select {
	case <-r.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	for _, ref := range refs {
		e, ok := r.entries[ref]
		if !ok {
			continue
		}
		if _, err := r.st.Import(ctx, e); err != nil {
			return err
		}
		if err := r.g.Link(e); err != nil {
			return err
		}
	}
	return nil
}

func foreignEntry(t *testing.T) ir.LogEntry {
	remote := ir.ProgramScope("remote")
	return testutil.Entry(t, testutil.Deposit(ir.GatewayScope("carol"), remote, "ETH", 1), nil, 5, remote)
}

func TestEngine_WaitingResumesWhenAncestorArrives(t *testing.T) {
	st := openStore(t)
	x := foreignEntry(t)
	g := dag.NewGraph(nil)
	res := &gatedResolver{st: st, g: g, entries: map[ir.EntryRef]ir.LogEntry{x.Ref(): x}, release: make(chan struct{})}
	te := startEngine(t, st, handler.NewDefaultRegistry(),
		WithGraph(g, dag.NewTimeMap(nil)),
		WithResolver(res),
		WithWaitTimeout(5*time.Second),
	)

	first := deposit(alice, 4)
	first.ID = "p1"
	first.Parents = []ir.EntryRef{x.Ref()}
	second := deposit(alice, 6)
	second.ID = "p2"
	te.submit(t, first)
	te.submit(t, second)

	require.Eventually(t, func() bool {
		s1, _ := te.eng.Status("p1")
		s2, _ := te.eng.Status("p2")
		return s1.State == StateWaiting && s2.State == StateWaiting
	}, 2*time.Second, 5*time.Millisecond)
	s1, err := te.eng.Status("p1")
	require.NoError(t, err)
	assert.Equal(t, []ir.EntryRef{x.Ref()}, s1.Missing)
	assert.Nil(t, s1.Entry)

	close(res.release)

	done1 := te.await(t, "p1")
	done2 := te.await(t, "p2")
	require.Equal(t, StateCompleted, done1.State, done1.Reason)
	require.Equal(t, StateCompleted, done2.State, done2.Reason)
	assert.Equal(t, int32(1), res.calls.Load())
	assert.Less(t, te.entry(t, done1.Entry).Timestamp, te.entry(t, done2.Entry).Timestamp,
		"later proposal from the same origin waits behind the parked one")
	assert.True(t, g.DependsOn(*done1.Entry, x.Ref()))
	assert.Equal(t, ir.IRInt(10), done2.Result["balance"])
}

func TestEngine_WaitingFailsAtDeadline(t *testing.T) {
	te := newTestEngine(t, WithWaitTimeout(50*time.Millisecond))
	x := foreignEntry(t)

	p := deposit(alice, 4)
	p.Parents = []ir.EntryRef{x.Ref()}
	st := te.await(t, te.submit(t, p))

	te.failure(t, st, ir.KindMissingAncestor)
	assert.Contains(t, st.Reason, "deadline exceeded")
	assert.Equal(t, []ir.EntryRef{x.Ref()}, st.Missing)
	assert.Empty(t, te.entry(t, st.Entry).Parents, "unresolved parents are not referenced")
}

func TestEngine_CloseFailsParkedInvocations(t *testing.T) {
	te := newTestEngine(t, WithWaitTimeout(time.Minute))
	p := deposit(alice, 4)
	p.Parents = []ir.EntryRef{foreignEntry(t).Ref()}
	id := te.submit(t, p)

	require.Eventually(t, func() bool {
		s, _ := te.eng.Status(id)
		return s.State == StateWaiting
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, te.eng.Close())

	st, err := te.eng.Status(id)
	require.NoError(t, err)
	te.failure(t, st, ir.KindMissingAncestor)
	assert.Contains(t, st.Reason, "engine closed")

	_, err = te.eng.Submit(context.Background(), deposit(alice, 1))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEngine_Rejections(t *testing.T) {
	deny := AuthorizerFunc(func(_ context.Context, p Proposal) error {
		if p.Effect.Amount == 13 {
			return errors.New("account frozen")
		}
		return nil
	})
	te := newTestEngine(t, WithAuthorizer(deny))

	tests := []struct {
		name   string
		p      Proposal
		kind   ir.Kind
		reason string
	}{
		{"actor addressing a program", deposit(ir.ActorScope("alice"), 1), ir.KindAuthorization, "through their gateway"},
		{"zero deposit", deposit(alice, 0), ir.KindPayload, ""},
		{"authorizer verdict", deposit(alice, 13), ir.KindAuthorization, "account frozen"},
		{"withdraw over balance", func() Proposal {
			p := deposit(alice, 50)
			p.Effect.Kind = ir.EffectWithdraw
			return p
		}(), ir.KindPayload, "insufficient"},
		{"invoke on a program", func() Proposal {
			p := deposit(alice, 1)
			p.Effect.Kind = ir.EffectInvoke
			return p
		}(), ir.KindPayload, "address the gateway"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := te.await(t, te.submit(t, tt.p))
			te.failure(t, st, tt.kind)
			assert.Contains(t, st.Reason, tt.reason)
		})
	}

	// None of the rejections touched program state.
	res, err := replay.New(te.st, te.reg).Run(context.Background(), amm, replay.Options{})
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{}, res.State)
	assert.Equal(t, len(tests), res.Counts.Failures)
}

func TestEngine_HandlerPanicBecomesFailure(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	boom := ir.ProgramScope("boom")

	h, err := te.eng.Deploy(ctx, boom, "boom", "1.0.0", handler.TransitionFunc(func(ir.IRObject, *ir.Effect) (handler.Outcome, error) {
		panic("kaboom")
	}))
	require.NoError(t, err)
	assert.Equal(t, "boom@1.0.0", h.ID())

	p := Proposal{Origin: alice, Effect: testutil.Deposit(alice, boom, "ETH", 1)}
	st := te.await(t, te.submit(t, p))
	te.failure(t, st, ir.KindPayload)
	assert.Contains(t, st.Reason, "kaboom")

	entries, err := te.st.ReadRange(ctx, boom, 0, 0).Collect()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ir.EventDeployment, entries[0].Payload.(*ir.Event).Kind)
}

func TestEngine_DeployUpgradeIsLogged(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)

	h, err := te.eng.Deploy(ctx, amm, handler.LedgerName, "1.1.0", handler.Ledger())
	require.NoError(t, err)

	entries, err := te.st.ReadRange(ctx, amm, 0, 0).Collect()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	ev := entries[0].Payload.(*ir.Event)
	assert.Equal(t, ir.EventUpgrade, ev.Kind)
	assert.Equal(t, h.ID(), ev.Subject)
	assert.Equal(t, ir.IRString("ledger@1.0.0"), ev.Details["from"])

	st := te.await(t, te.submit(t, deposit(alice, 2)))
	require.Equal(t, StateCompleted, st.State, st.Reason)
	assert.Equal(t, "ledger@1.1.0", te.entry(t, st.Entry).Payload.(*ir.Effect).Handler)

	_, err = te.eng.Deploy(ctx, amm, handler.LedgerName, "1.0.5", handler.Ledger())
	assert.Error(t, err, "versions only move forward")
}

func TestEngine_DerivationDepthBound(t *testing.T) {
	te := newTestEngine(t, WithMaxDerivationDepth(1))

	i1 := te.await(t, te.submit(t, Proposal{
		Origin: ir.ActorScope("alice"),
		Effect: &ir.Effect{
			Kind: ir.EffectInvoke, Target: alice, Resource: "ETH", Amount: 1,
			Args: ir.IRObject{"program": ir.IRString(amm)},
		},
	}))
	e1 := te.await(t, i1.Derived[0])
	require.Equal(t, StateCompleted, e1.State, e1.Reason)

	c1 := te.await(t, e1.Derived[0])
	te.failure(t, c1, ir.KindPayload)
	assert.Contains(t, c1.Reason, "derivation depth 2 exceeds limit 1")
	assert.Equal(t, []ir.EntryRef{*e1.Entry}, te.entry(t, c1.Entry).Parents)
}

func TestEngine_StateSurvivesRestart(t *testing.T) {
	st := openStore(t)
	reg := handler.NewDefaultRegistry()

	first := startEngine(t, st, reg)
	dep := first.await(t, first.submit(t, deposit(alice, 10)))
	require.Equal(t, StateCompleted, dep.State, dep.Reason)
	first.await(t, dep.Derived[0])
	require.NoError(t, first.eng.Close())

	second := startEngine(t, st, reg)
	w := deposit(alice, 7)
	w.Effect.Kind = ir.EffectWithdraw
	done := second.await(t, second.submit(t, w))
	require.Equal(t, StateCompleted, done.State, done.Reason)
	assert.Equal(t, ir.IRInt(3), done.Result["balance"])
	assert.Greater(t, second.entry(t, done.Entry).Timestamp, first.entry(t, dep.Entry).Timestamp)

	again := second.await(t, second.submit(t, w))
	second.failure(t, again, ir.KindPayload)
}

func TestEngine_SubmitAndRecordErrors(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, WithIDGenerator(NewFixedGenerator("fixed-1")))

	_, err := te.eng.Submit(ctx, Proposal{Origin: alice})
	assert.True(t, ir.IsPayloadError(err))

	bad := deposit(alice, 1)
	bad.Effect.Target = "nowhere"
	_, err = te.eng.Submit(ctx, bad)
	assert.True(t, ir.IsPayloadError(err))

	id := te.submit(t, deposit(alice, 1))
	assert.Equal(t, "fixed-1", id)
	dup := deposit(alice, 1)
	dup.ID = id
	_, err = te.eng.Submit(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicateInvocation)

	_, err = te.eng.Status("nope")
	assert.ErrorIs(t, err, ErrUnknownInvocation)
	_, err = te.eng.Await(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownInvocation)

	_, err = te.eng.Record(ctx, amm, testutil.Deposit(alice, amm, "ETH", 1), nil)
	assert.True(t, ir.IsPayloadError(err), "effects are not recorded directly")

	_, err = te.eng.Record(ctx, oracle, testutil.PriceFact(1), []ir.EntryRef{foreignEntry(t).Ref()})
	assert.True(t, ir.IsMissingAncestor(err))

	f, err := te.eng.Record(ctx, oracle, testutil.PriceFact(2), nil)
	require.NoError(t, err)
	cur, ok := te.eng.TimeMap().Current("ethereum", "F1")
	require.True(t, ok)
	assert.Equal(t, f.ID, cur.EntryID)
	assert.True(t, te.eng.Graph().Linked(f.Ref()))
	require.NoError(t, ir.Verify(f))
	assert.NotEmpty(t, f.Signature, "entries are signed with the scope key")
}

func TestEngine_UpgradeKeepsEarlierEffectsReplayable(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	reg := handler.NewDefaultRegistry()

	first := startEngine(t, st, reg)
	before := first.await(t, first.submit(t, deposit(alice, 5)))
	require.Equal(t, StateCompleted, before.State, before.Reason)
	assert.Equal(t, "ledger@1.0.0", first.entry(t, before.Entry).Payload.(*ir.Effect).Handler)

	_, err := first.eng.Deploy(ctx, amm, handler.LedgerName, "1.1.0", handler.Ledger())
	require.NoError(t, err)
	after := first.await(t, first.submit(t, deposit(alice, 5)))
	require.Equal(t, StateCompleted, after.State, after.Reason)
	assert.Equal(t, "ledger@1.1.0", first.entry(t, after.Entry).Payload.(*ir.Effect).Handler)
	for _, s := range []Status{before, after} {
		for _, id := range s.Derived {
			first.await(t, id)
		}
	}
	require.NoError(t, first.eng.Close())

	res, err := replay.New(st, reg).Run(ctx, amm, replay.Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Counts.Effects)
	assert.Equal(t, ir.IRInt(10), res.State["balances"].(ir.IRObject)["ETH"])

	second := startEngine(t, st, reg)
	w := deposit(alice, 7)
	w.Effect.Kind = ir.EffectWithdraw
	done := second.await(t, second.submit(t, w))
	require.Equal(t, StateCompleted, done.State, done.Reason)
	assert.Equal(t, ir.IRInt(3), done.Result["balance"])
}

// checkpointAt replays scope to its end and saves the checkpoint.
func checkpointAt(t *testing.T, st *store.Store, reg *handler.Registry, scope ir.Scope) (*replay.CheckpointStore, replay.Checkpoint) {
	t.Helper()
	it := replay.New(st, reg).Replay(context.Background(), scope, replay.Options{})
	for it.Next() {
	}
	require.NoError(t, it.Err())
	cp, err := it.Checkpoint()
	require.NoError(t, err)
	require.NoError(t, it.Close())

	cps, err := replay.OpenCheckpoints(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cps.Close() })
	return cps, cp
}

func TestEngine_WriterStartsFromCheckpoint(t *testing.T) {
	st := openStore(t)
	reg := handler.NewDefaultRegistry()

	first := startEngine(t, st, reg)
	dep := first.await(t, first.submit(t, deposit(alice, 10)))
	require.Equal(t, StateCompleted, dep.State, dep.Reason)
	first.await(t, dep.Derived[0])
	require.NoError(t, first.eng.Close())

	cps, cp := checkpointAt(t, st, reg, amm)
	require.NoError(t, cps.Save(cp))

	// This registry cannot apply the logged ledger@1.0.0 effect, so the
	// writer only works if it starts after it.
	later := handler.NewRegistry()
	_, err := later.RegisterKind(ir.ScopeProgram, handler.LedgerName, "2.0.0", handler.Ledger())
	require.NoError(t, err)
	_, err = later.RegisterKind(ir.ScopeGateway, handler.GatewayName, handler.GatewayVersion, handler.Gateway())
	require.NoError(t, err)

	second := startEngine(t, st, later, WithCheckpoints(cps))
	w := deposit(alice, 7)
	w.Effect.Kind = ir.EffectWithdraw
	done := second.await(t, second.submit(t, w))
	require.Equal(t, StateCompleted, done.State, done.Reason)
	assert.Equal(t, ir.IRInt(3), done.Result["balance"])
	assert.Equal(t, "ledger@2.0.0", second.entry(t, done.Entry).Payload.(*ir.Effect).Handler)
}

func TestEngine_CorruptCheckpointFallsBackToGenesis(t *testing.T) {
	st := openStore(t)
	reg := handler.NewDefaultRegistry()

	first := startEngine(t, st, reg)
	dep := first.await(t, first.submit(t, deposit(alice, 10)))
	require.Equal(t, StateCompleted, dep.State, dep.Reason)
	first.await(t, dep.Derived[0])
	require.NoError(t, first.eng.Close())

	cps, cp := checkpointAt(t, st, reg, amm)
	cp.State = cp.State.Clone()
	cp.State["balances"] = ir.IRObject{"ETH": ir.IRInt(999)}
	require.NoError(t, cps.Save(cp))

	second := startEngine(t, st, reg, WithCheckpoints(cps))
	w := deposit(alice, 7)
	w.Effect.Kind = ir.EffectWithdraw
	done := second.await(t, second.submit(t, w))
	require.Equal(t, StateCompleted, done.State, done.Reason)
	assert.Equal(t, ir.IRInt(3), done.Result["balance"], "state comes from the log, not the rejected checkpoint")
}

// flakyResolver fails its first attempts, then imports what it holds.
type flakyResolver struct {
	st       *store.Store
	g        *dag.Graph
	entries  map[ir.EntryRef]ir.LogEntry
	failures int32
	calls    atomic.Int32
}

func (r *flakyResolver) Resolve(ctx context.Context, refs []ir.EntryRef) error {
	if r.calls.Add(1) <= r.failures {
		return errors.New("peer unreachable")
	}
	for _, ref := range refs {
		e, ok := r.entries[ref]
		if !ok {
			continue
		}
		if _, err := r.st.Import(ctx, e); err != nil {
			return err
		}
		if err := r.g.Link(e); err != nil {
			return err
		}
	}
	return nil
}

func TestEngine_WaitingRetriesResolution(t *testing.T) {
	st := openStore(t)
	x := foreignEntry(t)
	g := dag.NewGraph(nil)
	res := &flakyResolver{st: st, g: g, entries: map[ir.EntryRef]ir.LogEntry{x.Ref(): x}, failures: 2}
	te := startEngine(t, st, handler.NewDefaultRegistry(),
		WithGraph(g, dag.NewTimeMap(nil)),
		WithResolver(res),
		WithResolveBackoff(5*time.Millisecond),
		WithWaitTimeout(5*time.Second),
	)

	p := deposit(alice, 4)
	p.Parents = []ir.EntryRef{x.Ref()}
	done := te.await(t, te.submit(t, p))

	require.Equal(t, StateCompleted, done.State, done.Reason)
	assert.Equal(t, int32(3), res.calls.Load(), "resolution is retried until the ancestor arrives")
	assert.True(t, g.DependsOn(*done.Entry, x.Ref()))
}

func TestEngine_DerivedProposalsKeepSourceSnapshot(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	_, err := te.eng.Record(ctx, oracle, testutil.PriceFact(2900), nil)
	require.NoError(t, err)

	// Hold the program's writer so the derived deposit queues behind it.
	gate := make(chan struct{})
	_, err = te.eng.Deploy(ctx, amm, "gated", "1.0.0", handler.TransitionFunc(func(prior ir.IRObject, eff *ir.Effect) (handler.Outcome, error) {
		if eff.Amount == 99 {
			<-gate
		}
		return handler.Ledger().Apply(prior, eff)
	}))
	require.NoError(t, err)
	blocker := te.submit(t, deposit(alice, 99))

	i1 := te.await(t, te.submit(t, Proposal{
		Origin: ir.ActorScope("alice"),
		Effect: &ir.Effect{
			Kind: ir.EffectInvoke, Target: alice, Resource: "ETH", Amount: 5,
			Args:    ir.IRObject{"program": ir.IRString(amm)},
			TimeMap: te.eng.Snapshot(alice, "ethereum"),
		},
	}))
	require.Equal(t, StateCompleted, i1.State, i1.Reason)
	require.Len(t, i1.Derived, 1)

	// The price moves after the invoke applied but before its effect does.
	_, err = te.eng.Record(ctx, oracle, testutil.PriceFact(3100), nil)
	require.NoError(t, err)
	close(gate)

	require.Equal(t, StateCompleted, te.await(t, blocker).State)
	e1 := te.await(t, i1.Derived[0])
	require.Equal(t, StateCompleted, e1.State, e1.Reason)
	assert.Empty(t, e1.Stale)
	assert.Equal(t, ir.IRInt(104), e1.Result["balance"])
	c1 := te.await(t, e1.Derived[0])
	assert.Equal(t, StateCompleted, c1.State, c1.Reason)
}
