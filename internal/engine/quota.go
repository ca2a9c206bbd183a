package engine

import (
	"fmt"

	"github.com/roach88/causalog/internal/ir"
)

// DefaultMaxDerivationDepth is the default bound on chains of derived
// proposals. A submitted proposal has depth 0; each effect derived from it
// is one deeper.
//
// Two programs that keep transferring to each other would otherwise derive
// forever. The bound turns that into a Failure event at the first proposal
// past the limit.
const DefaultMaxDerivationDepth = 64

// checkDepth returns a PayloadError when inv is deeper than limit.
// A non-positive limit disables the check.
func checkDepth(inv *invocation, limit int) error {
	if limit <= 0 || inv.depth <= limit {
		return nil
	}
	return &ir.Error{
		Kind:    ir.KindPayload,
		Message: fmt.Sprintf("derivation depth %d exceeds limit %d", inv.depth, limit),
		Scope:   inv.target(),
	}
}
