package handler

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/roach88/causalog/internal/ir"
)

// Handler is one registered version of a transition.
type Handler struct {
	Name       string
	Version    *semver.Version
	Transition Transition
}

// ID returns the name@version recorded in applied effects.
func (h Handler) ID() string {
	return h.Name + "@" + h.Version.String()
}

// ParseID splits a name@version handler id.
func ParseID(id string) (string, *semver.Version, error) {
	name, ver, ok := strings.Cut(id, "@")
	if !ok || name == "" {
		return "", nil, ir.Errorf(ir.KindPayload, "handler id %q must be name@version", id)
	}
	v, err := semver.NewVersion(ver)
	if err != nil {
		return "", nil, ir.Errorf(ir.KindPayload, "handler id %q: %v", id, err)
	}
	return name, v, nil
}

// Registry maps scopes to versioned transitions. It is constructed once and
// passed to the pipeline and the replay engine; registering a new version is
// the only way to change the transition a scope applies.
//
// Resolution tries the exact scope first, then the scope kind. Within a
// binding, the highest version is current; earlier versions stay resolvable
// by id so replay applies exactly what was applied originally. Lookups by id
// also search the kind binding once a scope has its own, since effects
// written before the scope binding still name the kind handler.
type Registry struct {
	mu       sync.RWMutex
	byScope  map[ir.Scope][]Handler
	byKind   map[ir.ScopeKind][]Handler
	revision uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byScope: make(map[ir.Scope][]Handler),
		byKind:  make(map[ir.ScopeKind][]Handler),
	}
}

// Register binds a version of a transition to scope.
func (r *Registry) Register(scope ir.Scope, name, version string, t Transition) (Handler, error) {
	if err := scope.Validate(); err != nil {
		return Handler{}, err
	}
	h, err := newHandler(name, version, t)
	if err != nil {
		return Handler{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list, err := insert(r.byScope[scope], h)
	if err != nil {
		return Handler{}, fmt.Errorf("register %s: %w", scope, err)
	}
	r.byScope[scope] = list
	r.revision++
	return h, nil
}

// RegisterKind binds a version of a transition to every scope of kind that
// has no scope-specific binding.
func (r *Registry) RegisterKind(kind ir.ScopeKind, name, version string, t Transition) (Handler, error) {
	switch kind {
	case ir.ScopeActor, ir.ScopeGateway, ir.ScopeProgram:
	default:
		return Handler{}, fmt.Errorf("unknown scope kind %q", kind)
	}
	h, err := newHandler(name, version, t)
	if err != nil {
		return Handler{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list, err := insert(r.byKind[kind], h)
	if err != nil {
		return Handler{}, fmt.Errorf("register %s: %w", kind, err)
	}
	r.byKind[kind] = list
	r.revision++
	return h, nil
}

func newHandler(name, version string, t Transition) (Handler, error) {
	if name == "" || strings.ContainsAny(name, "@ ") {
		return Handler{}, fmt.Errorf("invalid handler name %q", name)
	}
	if t == nil {
		return Handler{}, fmt.Errorf("handler %s has no transition", name)
	}
	v, err := semver.StrictNewVersion(version)
	if err != nil {
		return Handler{}, fmt.Errorf("handler %s version %q: %w", name, version, err)
	}
	return Handler{Name: name, Version: v, Transition: t}, nil
}

// insert keeps list sorted by version. A binding holds a single handler
// name; each new version must be strictly greater than the current one.
func insert(list []Handler, h Handler) ([]Handler, error) {
	if n := len(list); n > 0 {
		cur := list[n-1]
		if cur.Name != h.Name {
			return nil, fmt.Errorf("bound to %s, cannot register %s", cur.Name, h.Name)
		}
		if !h.Version.GreaterThan(cur.Version) {
			return nil, fmt.Errorf("version %s is not newer than %s", h.Version, cur.Version)
		}
	}
	return append(slices.Clone(list), h), nil
}

func (r *Registry) bindingLocked(scope ir.Scope) []Handler {
	if list, ok := r.byScope[scope]; ok {
		return list
	}
	return r.byKind[scope.Kind()]
}

// Resolve returns the current handler for scope.
func (r *Registry) Resolve(scope ir.Scope) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.bindingLocked(scope)
	if len(list) == 0 {
		return Handler{}, ir.Errorf(ir.KindPayload, "no transition registered for %s", scope)
	}
	return list[len(list)-1], nil
}

// ResolveID returns the exact handler version named by id for scope.
func (r *Registry) ResolveID(scope ir.Scope, id string) (Handler, error) {
	name, v, err := ParseID(id)
	if err != nil {
		return Handler{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := findID(r.byScope[scope], name, v); ok {
		return h, nil
	}
	// Effects applied before the scope got its own binding name a kind
	// handler.
	if h, ok := findID(r.byKind[scope.Kind()], name, v); ok {
		return h, nil
	}
	return Handler{}, ir.Errorf(ir.KindPayload, "handler %s not registered for %s", id, scope)
}

func findID(list []Handler, name string, v *semver.Version) (Handler, bool) {
	for _, h := range list {
		if h.Name == name && h.Version.Equal(v) {
			return h, true
		}
	}
	return Handler{}, false
}

// ResolveConstraint returns the highest handler for scope satisfying the
// semver constraint (e.g. "^1.2", ">= 2.0.0, < 3").
func (r *Registry) ResolveConstraint(scope ir.Scope, constraint string) (Handler, error) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return Handler{}, fmt.Errorf("constraint %q: %w", constraint, err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.bindingLocked(scope)
	for i := len(list) - 1; i >= 0; i-- {
		if c.Check(list[i].Version) {
			return list[i], nil
		}
	}
	return Handler{}, ir.Errorf(ir.KindPayload, "no handler for %s satisfies %s", scope, constraint)
}

// Versions lists the handlers bound to scope, oldest first.
func (r *Registry) Versions(scope ir.Scope) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.bindingLocked(scope))
}

// Revision increments on every registration.
func (r *Registry) Revision() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.revision
}
