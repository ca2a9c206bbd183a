package handler

import (
	"errors"
	"fmt"

	"github.com/roach88/causalog/internal/ir"
)

// Transition is a pure state transition for one scope. Given the prior
// state and an effect it returns the next state, any derived effects and a
// result. It must not keep references to its arguments, read clocks or
// randomness, or perform I/O: replay applies it again and must get the same
// answer.
type Transition interface {
	Apply(prior ir.IRObject, effect *ir.Effect) (Outcome, error)
}

// TransitionFunc adapts a function to Transition.
type TransitionFunc func(prior ir.IRObject, effect *ir.Effect) (Outcome, error)

// Apply calls f.
func (f TransitionFunc) Apply(prior ir.IRObject, effect *ir.Effect) (Outcome, error) {
	return f(prior, effect)
}

// Outcome is the result of a successful transition.
type Outcome struct {
	State ir.IRObject
	// Derived effects become new proposals, causally linked to the applied
	// entry. Origin is set by the pipeline to the applying scope.
	Derived []*ir.Effect
	Result  ir.IRObject
}

// Apply runs h against clones of prior and effect. A panic or error in the
// transition is returned as a PayloadError and the outcome is discarded, so
// application is all-or-nothing.
func Apply(h Handler, prior ir.IRObject, effect *ir.Effect) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{}
			err = &ir.Error{Kind: ir.KindPayload, Message: fmt.Sprintf("transition %s panicked: %v", h.ID(), r)}
		}
	}()

	if prior == nil {
		prior = ir.IRObject{}
	}
	out, err = h.Transition.Apply(prior.Clone(), cloneEffect(effect))
	if err != nil {
		var ierr *ir.Error
		if errors.As(err, &ierr) {
			return Outcome{}, err
		}
		return Outcome{}, &ir.Error{Kind: ir.KindPayload, Message: "transition " + h.ID() + " failed", Err: err}
	}
	if out.State == nil {
		out.State = ir.IRObject{}
	}
	for i, d := range out.Derived {
		if d == nil {
			return Outcome{}, ir.Errorf(ir.KindPayload, "transition %s: derived effect %d is nil", h.ID(), i)
		}
		if err := ir.ValidatePayload(d); err != nil {
			return Outcome{}, fmt.Errorf("transition %s: derived effect %d: %w", h.ID(), i, err)
		}
	}
	return out, nil
}

func cloneEffect(e *ir.Effect) *ir.Effect {
	c := *e
	c.Args = e.Args.Clone()
	c.TimeMap.Observations = append([]ir.Observation(nil), e.TimeMap.Observations...)
	return &c
}
