package handler

import (
	"github.com/roach88/causalog/internal/ir"
)

// Built-in transitions. Programs default to Ledger, gateways to Gateway.
const (
	LedgerName    = "ledger"
	LedgerVersion = "1.0.0"

	GatewayName    = "gateway"
	GatewayVersion = "1.0.0"
)

// NewDefaultRegistry returns a registry with the built-in transitions bound
// to every program and gateway scope.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	if _, err := r.RegisterKind(ir.ScopeProgram, LedgerName, LedgerVersion, Ledger()); err != nil {
		panic(err)
	}
	if _, err := r.RegisterKind(ir.ScopeGateway, GatewayName, GatewayVersion, Gateway()); err != nil {
		panic(err)
	}
	return r
}

// Ledger keeps per-resource balances for a program.
//
// State: {"balances": {resource: int}, "applied": int, "callbacks": int}.
//
// Deposit and Withdraw adjust a balance. Transfer debits the balance and
// derives a Deposit into args.to. When the effect came from a gateway, a
// Callback carrying the new balance is derived back to it.
func Ledger() Transition {
	return TransitionFunc(applyLedger)
}

func applyLedger(state ir.IRObject, eff *ir.Effect) (Outcome, error) {
	balances := state.Object("balances")
	if balances == nil {
		balances = ir.IRObject{}
	}
	bal := balances.Int(eff.Resource)

	var derived []*ir.Effect
	switch eff.Kind {
	case ir.EffectDeposit:
		bal += eff.Amount
	case ir.EffectWithdraw:
		if bal < eff.Amount {
			return Outcome{}, ir.Errorf(ir.KindPayload, "insufficient %s balance: have %d, need %d", eff.Resource, bal, eff.Amount)
		}
		bal -= eff.Amount
	case ir.EffectTransfer:
		if bal < eff.Amount {
			return Outcome{}, ir.Errorf(ir.KindPayload, "insufficient %s balance: have %d, need %d", eff.Resource, bal, eff.Amount)
		}
		to := ir.Scope(eff.Args.String("to"))
		if to.Kind() != ir.ScopeProgram {
			return Outcome{}, ir.Errorf(ir.KindPayload, "transfer destination %q is not a program", to)
		}
		bal -= eff.Amount
		derived = append(derived, &ir.Effect{
			Kind:     ir.EffectDeposit,
			Target:   to,
			Resource: eff.Resource,
			Amount:   eff.Amount,
			Args:     ir.IRObject{},
		})
	case ir.EffectCallback:
		state["callbacks"] = ir.IRInt(state.Int("callbacks") + 1)
		state["applied"] = ir.IRInt(state.Int("applied") + 1)
		return Outcome{State: state, Result: ir.IRObject{"status": ir.IRString("ok")}}, nil
	case ir.EffectInvoke:
		return Outcome{}, ir.Errorf(ir.KindPayload, "programs do not accept Invoke; address the gateway")
	default:
		return Outcome{}, ir.Errorf(ir.KindPayload, "unsupported effect kind %q", eff.Kind)
	}

	balances[eff.Resource] = ir.IRInt(bal)
	state["balances"] = balances
	state["applied"] = ir.IRInt(state.Int("applied") + 1)

	result := ir.IRObject{
		"status":   ir.IRString("ok"),
		"resource": ir.IRString(eff.Resource),
		"balance":  ir.IRInt(bal),
	}
	if eff.Origin.Kind() == ir.ScopeGateway {
		derived = append(derived, &ir.Effect{
			Kind:     ir.EffectCallback,
			Target:   eff.Origin,
			Resource: eff.Resource,
			Amount:   eff.Amount,
			Args:     ir.IRObject{"effect": ir.IRString(eff.Kind), "result": result.Clone()},
		})
	}
	return Outcome{State: state, Derived: derived, Result: result}, nil
}

// Gateway mediates between an actor and programs.
//
// State: {"invoked": int, "callbacks": int, "inbox": [callback args...]}.
//
// Invoke forwards args.effect (default Deposit) with the invoke's resource
// and amount to args.program, passing args.args through. Callback appends
// the callback's args to the inbox.
func Gateway() Transition {
	return TransitionFunc(applyGateway)
}

func applyGateway(state ir.IRObject, eff *ir.Effect) (Outcome, error) {
	switch eff.Kind {
	case ir.EffectInvoke:
		program := ir.Scope(eff.Args.String("program"))
		if program.Kind() != ir.ScopeProgram {
			return Outcome{}, ir.Errorf(ir.KindPayload, "invoke target %q is not a program", program)
		}
		kind := ir.EffectKind(eff.Args.String("effect"))
		if kind == "" {
			kind = ir.EffectDeposit
		}
		switch kind {
		case ir.EffectDeposit, ir.EffectWithdraw, ir.EffectTransfer:
		default:
			return Outcome{}, ir.Errorf(ir.KindPayload, "gateway cannot forward %q", kind)
		}
		args := eff.Args.Object("args")
		if args == nil {
			args = ir.IRObject{}
		}
		state["invoked"] = ir.IRInt(state.Int("invoked") + 1)
		return Outcome{
			State: state,
			Derived: []*ir.Effect{{
				Kind:     kind,
				Target:   program,
				Resource: eff.Resource,
				Amount:   eff.Amount,
				Args:     args,
			}},
			Result: ir.IRObject{"forwarded": ir.IRString(program)},
		}, nil
	case ir.EffectCallback:
		inbox, _ := state["inbox"].(ir.IRArray)
		entry := eff.Args.Clone()
		if entry == nil {
			entry = ir.IRObject{}
		}
		entry["from"] = ir.IRString(eff.Origin)
		state["inbox"] = append(inbox, entry)
		state["callbacks"] = ir.IRInt(state.Int("callbacks") + 1)
		return Outcome{State: state, Result: ir.IRObject{"inbox": ir.IRInt(len(inbox) + 1)}}, nil
	default:
		return Outcome{}, ir.Errorf(ir.KindPayload, "gateways accept Invoke and Callback, not %q", eff.Kind)
	}
}
