package handler

import (
	"fmt"

	"github.com/roach88/causalog/internal/ir"
)

// Derivation is a derived effect ready to be proposed to its target.
//
// Everything about it is a function of the applied entry and the handler's
// outcome, so the pipeline and replay compute identical hashes.
type Derivation struct {
	// ID is "<applied entry id>.<index>".
	ID      string
	Origin  ir.Scope
	Effect  *ir.Effect
	Parents []ir.EntryRef
	Hash    string
}

// Derive turns the derived effects of an applied entry into derivations.
// Origin is the applied entry's scope and the only parent is the applied
// entry. A derived effect without its own time map inherits the applied
// effect's observations, re-scoped to its target.
func Derive(applied ir.LogEntry, derived []*ir.Effect) ([]Derivation, error) {
	if len(derived) == 0 {
		return nil, nil
	}
	src, ok := applied.Payload.(*ir.Effect)
	if !ok {
		return nil, ir.Errorf(ir.KindPayload, "%s entry cannot derive effects", applied.Type)
	}
	out := make([]Derivation, 0, len(derived))
	for i, d := range derived {
		eff := cloneEffect(d)
		eff.Origin = applied.Scope
		eff.Handler = ""
		if eff.Args == nil {
			eff.Args = ir.IRObject{}
		}
		if eff.TimeMap.Scope == "" {
			eff.TimeMap = ir.NewTimeMapSnapshot(eff.Target, src.TimeMap.Tick, src.TimeMap.Observations...)
		}
		id := fmt.Sprintf("%s.%d", applied.ID, i)
		parents := []ir.EntryRef{applied.Ref()}
		h, err := ir.ProposalHash(id, eff.Origin, eff, parents)
		if err != nil {
			return nil, err
		}
		out = append(out, Derivation{ID: id, Origin: eff.Origin, Effect: eff, Parents: parents, Hash: h})
	}
	return out, nil
}
