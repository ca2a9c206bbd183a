package ir

import (
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes substrate errors. The set is closed.
type Kind string

const (
	// KindIntegrity: an entry's hash or signature does not match its content.
	KindIntegrity Kind = "IntegrityError"

	// KindOrdering: a non-increasing timestamp within a scope.
	KindOrdering Kind = "OrderingViolation"

	// KindMissingAncestor: a causal parent cannot be resolved locally.
	KindMissingAncestor Kind = "MissingAncestor"

	// KindStaleObservation: a time-map snapshot references a superseded fact.
	KindStaleObservation Kind = "StaleObservation"

	// KindPayload: malformed or unrecognized payload.
	KindPayload Kind = "PayloadError"

	// KindAuthorization: the authorization verdict or routing rule rejected a proposal.
	KindAuthorization Kind = "AuthorizationError"
)

// Error is the single error type returned by substrate operations.
// Match on Kind with errors.Is against the sentinels below, or use KindOf.
type Error struct {
	Kind    Kind
	Message string

	Scope   Scope
	EntryID string

	// Missing lists unresolved parents for KindMissingAncestor.
	Missing []EntryRef

	// Stale names the superseded observation for KindStaleObservation.
	Stale *StaleFact

	Err error
}

// StaleFact describes one superseded observation.
type StaleFact struct {
	Domain   string `json:"domain"`
	FactID   string `json:"fact_id"`
	Observed uint64 `json:"observed"`
	Current  uint64 `json:"current"`
}

// Sentinels for errors.Is.
var (
	ErrIntegrity        = &Error{Kind: KindIntegrity}
	ErrOrdering         = &Error{Kind: KindOrdering}
	ErrMissingAncestor  = &Error{Kind: KindMissingAncestor}
	ErrStaleObservation = &Error{Kind: KindStaleObservation}
	ErrPayload          = &Error{Kind: KindPayload}
	ErrAuthorization    = &Error{Kind: KindAuthorization}
)

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Scope != "" {
		fmt.Fprintf(&b, " (scope=%s", e.Scope)
		if e.EntryID != "" {
			fmt.Fprintf(&b, ", entry=%s", shortID(e.EntryID))
		}
		b.WriteString(")")
	} else if e.EntryID != "" {
		fmt.Fprintf(&b, " (entry=%s)", shortID(e.EntryID))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NewMissingAncestor builds a MissingAncestor error for an entry.
func NewMissingAncestor(scope Scope, entryID string, missing []EntryRef) *Error {
	return &Error{
		Kind:    KindMissingAncestor,
		Message: fmt.Sprintf("%d unresolved parent(s)", len(missing)),
		Scope:   scope,
		EntryID: entryID,
		Missing: missing,
	}
}

// NewStaleObservation builds a StaleObservation error.
func NewStaleObservation(scope Scope, stale StaleFact) *Error {
	return &Error{
		Kind: KindStaleObservation,
		Message: fmt.Sprintf("fact %s in domain %s superseded (observed %d, current %d)",
			stale.FactID, stale.Domain, stale.Observed, stale.Current),
		Scope: scope,
		Stale: &stale,
	}
}

// IsIntegrityError reports whether err is an IntegrityError.
func IsIntegrityError(err error) bool { return errors.Is(err, ErrIntegrity) }

// IsOrderingViolation reports whether err is an OrderingViolation.
func IsOrderingViolation(err error) bool { return errors.Is(err, ErrOrdering) }

// IsMissingAncestor reports whether err is a MissingAncestor.
func IsMissingAncestor(err error) bool { return errors.Is(err, ErrMissingAncestor) }

// IsStaleObservation reports whether err is a StaleObservation.
func IsStaleObservation(err error) bool { return errors.Is(err, ErrStaleObservation) }

// IsPayloadError reports whether err is a PayloadError.
func IsPayloadError(err error) bool { return errors.Is(err, ErrPayload) }

// IsAuthorizationError reports whether err is an AuthorizationError.
func IsAuthorizationError(err error) bool { return errors.Is(err, ErrAuthorization) }

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
