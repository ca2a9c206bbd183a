package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/causalog/internal/ir"
)

var (
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("engine closed")

	// ErrUnknownInvocation is returned by Status lookups for ids the engine
	// never accepted.
	ErrUnknownInvocation = errors.New("unknown invocation")

	// ErrDuplicateInvocation is returned when a proposal reuses an id.
	ErrDuplicateInvocation = errors.New("duplicate invocation id")
)

// failureKind maps an error to the kind recorded on its Failure event.
// Errors that carry no kind came from outside the substrate's own checks and
// are recorded as payload errors.
func failureKind(err error) ir.Kind {
	if k := ir.KindOf(err); k != "" {
		return k
	}
	return ir.KindPayload
}

// asKind wraps err in an *ir.Error of kind unless it already carries one.
func asKind(kind ir.Kind, scope ir.Scope, err error) error {
	if err == nil || ir.KindOf(err) != "" {
		return err
	}
	return &ir.Error{Kind: kind, Scope: scope, Err: err}
}

// routeError builds the AuthorizationError for a disallowed origin.
func routeError(origin, target ir.Scope, why string) error {
	return &ir.Error{
		Kind:    ir.KindAuthorization,
		Message: fmt.Sprintf("%s may not address %s: %s", origin, target, why),
		Scope:   target,
	}
}
