package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/causalog/internal/ir"
)

// Seed is the node seed used by every test key ring.
var Seed = []byte("causalog-test-seed-0123456789abcdef")

// KeyRing returns a key ring deriving keys from Seed.
func KeyRing() *ir.KeyRing {
	return ir.NewKeyRing(Seed)
}

// Signer returns the deterministic test signer for scope.
func Signer(t testing.TB, scope ir.Scope) ir.Signer {
	t.Helper()
	s, err := ir.DeriveSigner(Seed, scope)
	require.NoError(t, err)
	return s
}

// PriceFact returns an ethereum price fact for fact id "F1".
func PriceFact(price int64) *ir.Fact {
	return &ir.Fact{
		Domain:   "ethereum",
		FactType: "price",
		FactID:   "F1",
		Value:    ir.IRObject{"price": ir.IRInt(price)},
		Proof:    "00ff",
		Observer: "actor:oracle",
	}
}

// Deposit returns a deposit effect from origin into target.
func Deposit(origin, target ir.Scope, resource string, amount int64) *ir.Effect {
	return &ir.Effect{
		Kind:     ir.EffectDeposit,
		Target:   target,
		Origin:   origin,
		Resource: resource,
		Amount:   amount,
		Args:     ir.IRObject{},
		TimeMap:  ir.NewTimeMapSnapshot(target, 0),
	}
}

// Entry builds and signs an entry, failing the test on error.
func Entry(t testing.TB, p ir.Payload, parents []ir.EntryRef, ts uint64, scope ir.Scope) ir.LogEntry {
	t.Helper()
	e, err := ir.NewEntry(p.EntryType(), p, parents, ts, scope)
	require.NoError(t, err)
	e, err = e.Sign(Signer(t, scope))
	require.NoError(t, err)
	return e
}

// FactEntry builds a signed price fact entry in the oracle actor scope.
func FactEntry(t testing.TB, price int64, ts uint64) ir.LogEntry {
	t.Helper()
	return Entry(t, PriceFact(price), nil, ts, ir.ActorScope("oracle"))
}

// DepositEntry builds a signed deposit entry logged in target.
func DepositEntry(t testing.TB, target ir.Scope, amount int64, ts uint64, parents ...ir.EntryRef) ir.LogEntry {
	t.Helper()
	return Entry(t, Deposit(ir.GatewayScope("alice"), target, "ETH", amount), parents, ts, target)
}
