package ir

import (
	"fmt"
	"math"
	"slices"
	"strings"
)

// EntryType is the closed set of log entry categories.
type EntryType string

const (
	// EntryEffect mutates program state through a transition function.
	EntryEffect EntryType = "Effect"
	// EntryFact records an observation of an external domain.
	EntryFact EntryType = "Fact"
	// EntryEvent records a system occurrence (deployment, failure, ...).
	EntryEvent EntryType = "Event"
)

// Valid reports whether t is one of the three entry types.
func (t EntryType) Valid() bool {
	switch t {
	case EntryEffect, EntryFact, EntryEvent:
		return true
	}
	return false
}

// ScopeKind is the kind prefix of a scope name.
type ScopeKind string

const (
	ScopeActor   ScopeKind = "actor"
	ScopeGateway ScopeKind = "gateway"
	ScopeProgram ScopeKind = "program"
)

// Scope names a single-writer partition of the log, formatted "<kind>:<name>".
type Scope string

// Kind returns the scope kind, or "" if the scope is malformed.
func (s Scope) Kind() ScopeKind {
	kind, _, ok := strings.Cut(string(s), ":")
	if !ok {
		return ""
	}
	return ScopeKind(kind)
}

// Name returns the part after the kind prefix.
func (s Scope) Name() string {
	_, name, _ := strings.Cut(string(s), ":")
	return name
}

// Validate checks the scope format.
func (s Scope) Validate() error {
	kind, name, ok := strings.Cut(string(s), ":")
	if !ok || name == "" {
		return Errorf(KindPayload, "scope %q must be <kind>:<name>", s)
	}
	switch ScopeKind(kind) {
	case ScopeActor, ScopeGateway, ScopeProgram:
		return nil
	}
	return Errorf(KindPayload, "scope %q has unknown kind %q", s, kind)
}

// ActorScope, GatewayScope and ProgramScope build scopes of each kind.
func ActorScope(name string) Scope   { return Scope(string(ScopeActor) + ":" + name) }
func GatewayScope(name string) Scope { return Scope(string(ScopeGateway) + ":" + name) }
func ProgramScope(name string) Scope { return Scope(string(ScopeProgram) + ":" + name) }

// EntryRef is a causal edge target. Cross-scope parents are weak references:
// resolving one never implies the foreign scope is writable.
type EntryRef struct {
	Scope Scope  `json:"scope"`
	ID    string `json:"id"`
}

func (r EntryRef) String() string { return string(r.Scope) + "/" + shortID(r.ID) }

func compareRefs(a, b EntryRef) int {
	if c := strings.Compare(string(a.Scope), string(b.Scope)); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// NormalizeParents returns the parent set sorted and deduplicated. Parents
// are a set, so their canonical form must not depend on insertion order.
func NormalizeParents(parents []EntryRef) []EntryRef {
	out := slices.Clone(parents)
	slices.SortFunc(out, compareRefs)
	return slices.CompactFunc(out, func(a, b EntryRef) bool { return compareRefs(a, b) == 0 })
}

// LogEntry is the atomic, content-addressed unit of the log.
//
// Hash covers every field except ID, Hash and Signature. ID equals Hash.
// Signature, when present, signs the hash bytes with Signer's key.
type LogEntry struct {
	ID        string
	Type      EntryType
	Timestamp uint64
	Payload   Payload
	Parents   []EntryRef
	Hash      string
	Signature string
	Signer    string
	Scope     Scope
}

// Ref returns the (scope, id) reference to this entry.
func (e LogEntry) Ref() EntryRef { return EntryRef{Scope: e.Scope, ID: e.ID} }

// NewEntry builds an unsigned, content-addressed entry.
func NewEntry(t EntryType, payload Payload, parents []EntryRef, ts uint64, scope Scope) (LogEntry, error) {
	e := LogEntry{
		Type:      t,
		Timestamp: ts,
		Payload:   payload,
		Parents:   NormalizeParents(parents),
		Scope:     scope,
	}
	if err := e.check(); err != nil {
		return LogEntry{}, err
	}
	h, err := EntryHash(e)
	if err != nil {
		return LogEntry{}, err
	}
	e.Hash = h
	e.ID = h
	return e, nil
}

// Sign binds the entry to signer. The signer's public key is hashed, so the
// entry gets a new ID.
func (e LogEntry) Sign(signer Signer) (LogEntry, error) {
	e.Signer = signer.PublicKey()
	h, err := EntryHash(e)
	if err != nil {
		return LogEntry{}, err
	}
	e.Hash = h
	e.ID = h
	sig, err := signer.Sign(hashBytes(h))
	if err != nil {
		return LogEntry{}, fmt.Errorf("sign entry: %w", err)
	}
	e.Signature = sig
	return e, nil
}

// Verify recomputes the content hash and checks the signature. It returns nil
// or an IntegrityError (PayloadError if the entry is structurally invalid).
func Verify(e LogEntry) error {
	if err := e.check(); err != nil {
		return err
	}
	h, err := EntryHash(e)
	if err != nil {
		return &Error{Kind: KindPayload, Message: "cannot canonicalize entry", Scope: e.Scope, EntryID: e.ID, Err: err}
	}
	if h != e.Hash {
		return &Error{Kind: KindIntegrity, Message: "content hash mismatch", Scope: e.Scope, EntryID: e.ID}
	}
	if e.ID != e.Hash {
		return &Error{Kind: KindIntegrity, Message: "entry id is not the content hash", Scope: e.Scope, EntryID: e.ID}
	}
	switch {
	case e.Signer == "" && e.Signature != "":
		return &Error{Kind: KindIntegrity, Message: "signature without signer", Scope: e.Scope, EntryID: e.ID}
	case e.Signer != "":
		ok, err := VerifySignature(e.Signer, e.Signature, hashBytes(e.Hash))
		if err != nil || !ok {
			return &Error{Kind: KindIntegrity, Message: "bad signature", Scope: e.Scope, EntryID: e.ID, Err: err}
		}
	}
	return nil
}

// check validates structure only.
func (e LogEntry) check() error {
	if !e.Type.Valid() {
		return Errorf(KindPayload, "unknown entry type %q", e.Type)
	}
	if err := e.Scope.Validate(); err != nil {
		return err
	}
	if e.Timestamp == 0 || e.Timestamp > math.MaxInt64 {
		return Errorf(KindPayload, "timestamp %d out of range", e.Timestamp)
	}
	if e.Payload == nil {
		return Errorf(KindPayload, "missing payload")
	}
	if e.Payload.EntryType() != e.Type {
		return Errorf(KindPayload, "%s payload on %s entry", e.Payload.EntryType(), e.Type)
	}
	if err := e.Payload.validate(); err != nil {
		return err
	}
	if e.Type == EntryEffect {
		if eff := e.Payload.(*Effect); eff.Target != e.Scope {
			return Errorf(KindPayload, "effect targets %s but is logged in %s", eff.Target, e.Scope)
		}
	}
	for _, p := range e.Parents {
		if p.ID == "" || p.Scope.Validate() != nil {
			return Errorf(KindPayload, "malformed parent reference %v", p)
		}
	}
	return nil
}

// Less orders entries by (timestamp, id). It is the tie-break used wherever
// a total order over entries from different scopes is needed.
func Less(a, b LogEntry) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.ID < b.ID
}
