package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/causalog/internal/ir"
	"github.com/roach88/causalog/internal/testutil"
)

var amm = ir.ProgramScope("amm")

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New()
	require.NoError(t, err)
	return v
}

func TestValidatePayload_BuiltIn(t *testing.T) {
	v := newValidator(t)
	alice := ir.GatewayScope("alice")

	zeroDeposit := testutil.Deposit(alice, amm, "ETH", 0)
	noResource := testutil.Deposit(alice, amm, "", 5)
	transferNoDest := testutil.Deposit(alice, amm, "ETH", 5)
	transferNoDest.Kind = ir.EffectTransfer
	transfer := testutil.Deposit(alice, amm, "ETH", 5)
	transfer.Kind = ir.EffectTransfer
	transfer.Args = ir.IRObject{"to": ir.IRString("program:vault")}
	badHandler := testutil.Deposit(alice, amm, "ETH", 5)
	badHandler.Handler = "amm"
	goodHandler := testutil.Deposit(alice, amm, "ETH", 5)
	goodHandler.Handler = "amm@1.2.0"
	invoke := testutil.Deposit(alice, amm, "", 0)
	invoke.Kind = ir.EffectInvoke

	tests := []struct {
		name    string
		payload ir.Payload
		wantErr bool
	}{
		{"deposit", testutil.Deposit(alice, amm, "ETH", 5), false},
		{"zero deposit", zeroDeposit, true},
		{"deposit without resource", noResource, true},
		{"transfer without destination", transferNoDest, true},
		{"transfer", transfer, false},
		{"malformed handler", badHandler, true},
		{"versioned handler", goodHandler, false},
		{"invoke needs no amount", invoke, false},
		{"fact", testutil.PriceFact(3000), false},
		{"failure event", &ir.Event{Kind: ir.EventFailure, Subject: "abc", ErrorKind: ir.KindStaleObservation}, false},
		{"restart event", &ir.Event{Kind: ir.EventRestart}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidatePayload(tt.payload)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, ir.IsPayloadError(err), "got %v", err)
		})
	}
}

func TestValidatePayload_StructuralErrorsFirst(t *testing.T) {
	v := newValidator(t)
	err := v.ValidatePayload(&ir.Event{Kind: "Reboot"})
	require.Error(t, err)
	assert.True(t, ir.IsPayloadError(err))
}

func TestRegister_ProgramArgs(t *testing.T) {
	v := newValidator(t)
	require.NoError(t, v.Register(amm, `
Deposit: {
	memo:     string
	slippage: int & >=0 & <=100
}
`))

	ok := testutil.Deposit(ir.GatewayScope("alice"), amm, "ETH", 5)
	ok.Args = ir.IRObject{"memo": ir.IRString("hi"), "slippage": ir.IRInt(3)}
	assert.NoError(t, v.ValidatePayload(ok))

	bad := testutil.Deposit(ir.GatewayScope("alice"), amm, "ETH", 5)
	bad.Args = ir.IRObject{"memo": ir.IRString("hi"), "slippage": ir.IRInt(300)}
	err := v.ValidatePayload(bad)
	require.Error(t, err)
	assert.True(t, ir.IsPayloadError(err))

	missing := testutil.Deposit(ir.GatewayScope("alice"), amm, "ETH", 5)
	assert.Error(t, v.ValidatePayload(missing), "memo is required")

	// Other programs are unaffected.
	other := testutil.Deposit(ir.GatewayScope("alice"), ir.ProgramScope("vault"), "ETH", 5)
	assert.NoError(t, v.ValidatePayload(other))
}

func TestRegister_RejectsUnknownKind(t *testing.T) {
	v := newValidator(t)
	err := v.Register(amm, `Mint: {}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an effect kind")

	assert.Error(t, v.Register(amm, `Deposit: {`), "syntax error")
	assert.Error(t, v.Register("amm", `Deposit: {}`), "bad scope")
}

func TestValidate_AttachesEntry(t *testing.T) {
	v := newValidator(t)
	e := testutil.Entry(t, testutil.Deposit(ir.GatewayScope("alice"), amm, "ETH", 5), nil, 1, amm)
	require.NoError(t, v.Validate(e))

	require.NoError(t, v.Register(amm, `Deposit: {memo: string}`))
	err := v.Validate(e)
	var ierr *ir.Error
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, e.ID, ierr.EntryID)
	assert.Equal(t, amm, ierr.Scope)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	src := `package programs

programs: "program:amm": Deposit: {memo: string}
programs: "program:vault": Withdraw: {reason?: string}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "programs.cue"), []byte(src), 0o644))

	v := newValidator(t)
	scopes, err := v.LoadDir(dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []ir.Scope{amm, ir.ProgramScope("vault")}, scopes)

	noMemo := testutil.Deposit(ir.GatewayScope("alice"), amm, "ETH", 5)
	assert.Error(t, v.ValidatePayload(noMemo))

	_, err = v.LoadDir(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
