package schema

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/causalog/internal/ir"
)

//go:embed payload.cue
var payloadCUE string

// Validator checks payloads against CUE constraints: the built-in payload
// definitions plus optional per-program argument constraints.
//
// A cue.Context is not safe for concurrent use; Validator serializes access.
type Validator struct {
	mu   sync.Mutex
	ctx  *cue.Context
	defs map[ir.EntryType]cue.Value
	args map[ir.Scope]cue.Value
}

// New compiles the built-in payload definitions.
func New() (*Validator, error) {
	ctx := cuecontext.New()
	base := ctx.CompileString(payloadCUE, cue.Filename("payload.cue"))
	if err := base.Err(); err != nil {
		return nil, fmt.Errorf("compile payload schema: %w", formatCUEError(err))
	}
	v := &Validator{
		ctx:  ctx,
		defs: make(map[ir.EntryType]cue.Value),
		args: make(map[ir.Scope]cue.Value),
	}
	for t, name := range map[ir.EntryType]string{
		ir.EntryEffect: "#Effect",
		ir.EntryFact:   "#Fact",
		ir.EntryEvent:  "#Event",
	} {
		def := base.LookupPath(cue.ParsePath(name))
		if !def.Exists() {
			return nil, fmt.Errorf("payload schema missing %s", name)
		}
		v.defs[t] = def
	}
	return v, nil
}

// Register installs argument constraints for effects targeting scope. src is
// a CUE struct keyed by effect kind:
//
//	Deposit: {memo?: string}
//	Transfer: {to: string, ...}
//
// Kinds without an entry are unconstrained beyond the built-in definitions.
func (v *Validator) Register(scope ir.Scope, src string) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	val := v.ctx.CompileString(src, cue.Filename(string(scope)+".cue"))
	if err := val.Err(); err != nil {
		return formatCUEError(err)
	}
	return v.registerLocked(scope, val)
}

func (v *Validator) registerLocked(scope ir.Scope, val cue.Value) error {
	iter, err := val.Fields()
	if err != nil {
		return formatCUEError(err)
	}
	for iter.Next() {
		kind := iter.Selector().Unquoted()
		if !isEffectKind(kind) {
			return &Error{Field: string(scope) + "." + kind, Message: "not an effect kind", Pos: iter.Value().Pos()}
		}
	}
	v.args[scope] = val
	return nil
}

// LoadDir loads every CUE file of the package in dir. The package declares
// program constraints under a top-level programs struct keyed by scope:
//
//	programs: "program:amm": Deposit: {memo?: string}
//
// It returns the scopes registered.
func (v *Validator) LoadDir(dir string) ([]ir.Scope, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("schema directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", dir)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances in %s", dir)
	}
	if err := instances[0].Err; err != nil {
		return nil, fmt.Errorf("loading CUE files: %w", err)
	}
	value := v.ctx.BuildInstance(instances[0])
	if err := value.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	programs := value.LookupPath(cue.ParsePath("programs"))
	if !programs.Exists() {
		return nil, nil
	}
	iter, err := programs.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var scopes []ir.Scope
	for iter.Next() {
		scope := ir.Scope(iter.Selector().Unquoted())
		if err := scope.Validate(); err != nil {
			return scopes, fmt.Errorf("programs: %w", err)
		}
		if err := v.registerLocked(scope, iter.Value()); err != nil {
			return scopes, err
		}
		scopes = append(scopes, scope)
	}
	return scopes, nil
}

// Validate checks an entry's payload. Violations are PayloadErrors.
func (v *Validator) Validate(e ir.LogEntry) error {
	if err := v.ValidatePayload(e.Payload); err != nil {
		var ierr *ir.Error
		if errors.As(err, &ierr) {
			ierr.Scope, ierr.EntryID = e.Scope, e.ID
		}
		return err
	}
	return nil
}

// ValidatePayload checks p against the built-in definition for its entry
// type and, for effects, against the target program's argument constraints.
func (v *Validator) ValidatePayload(p ir.Payload) error {
	if err := ir.ValidatePayload(p); err != nil {
		return err
	}
	data, err := ir.MarshalCanonical(ir.PayloadObject(p))
	if err != nil {
		return ir.Errorf(ir.KindPayload, "encode payload: %v", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	val := v.ctx.CompileBytes(data, cue.Filename("payload.json"))
	if err := val.Err(); err != nil {
		return payloadError(err)
	}
	def, ok := v.defs[p.EntryType()]
	if !ok {
		return ir.Errorf(ir.KindPayload, "no schema for %s", p.EntryType())
	}
	if err := def.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return payloadError(err)
	}

	eff, ok := p.(*ir.Effect)
	if !ok {
		return nil
	}
	progArgs, ok := v.args[eff.Target]
	if !ok {
		return nil
	}
	argDef := progArgs.LookupPath(cue.ParsePath(string(eff.Kind)))
	if !argDef.Exists() {
		return nil
	}
	args := val.LookupPath(cue.ParsePath("args"))
	if err := argDef.Unify(args).Validate(cue.Concrete(true)); err != nil {
		return payloadError(err)
	}
	return nil
}

// Error is a schema violation with its CUE position.
type Error struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts the first error with position info.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	field := strings.Join(first.Path(), ".")
	if field == "" {
		field = "cue"
	}
	msg, args := first.Msg()
	e := &Error{Field: field, Message: fmt.Sprintf(msg, args...)}
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		e.Pos = positions[0]
	}
	return e
}

func payloadError(err error) error {
	cause := formatCUEError(err)
	msg := cause.Error()
	if se, ok := cause.(*Error); ok {
		msg = se.Field + ": " + se.Message
	}
	return &ir.Error{Kind: ir.KindPayload, Message: msg, Err: cause}
}

func isEffectKind(s string) bool {
	for _, k := range ir.EffectKinds {
		if string(k) == s {
			return true
		}
	}
	return false
}
