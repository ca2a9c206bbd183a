package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity. The version suffix leaves
// room for a future algorithm migration.
const (
	DomainEntry    = "causalog/entry/v1"
	DomainProposal = "causalog/proposal/v1"
	DomainState    = "causalog/state/v1"
	DomainTimeMap  = "causalog/timemap/v1"
)

// hashWithDomain computes SHA256(domain || 0x00 || data).
// The separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// hashBytes decodes a hex hash for signing. Malformed input yields the raw
// string bytes, which then fails verification.
func hashBytes(h string) []byte {
	b, err := hex.DecodeString(h)
	if err != nil {
		return []byte(h)
	}
	return b
}

// entryHashInput is the canonical object hashed for an entry.
func entryHashInput(e LogEntry) IRObject {
	parents := make(IRArray, len(e.Parents))
	for i, p := range NormalizeParents(e.Parents) {
		parents[i] = IRObject{"scope": IRString(p.Scope), "id": IRString(p.ID)}
	}
	return IRObject{
		"type":      IRString(e.Type),
		"timestamp": IRInt(int64(e.Timestamp)),
		"payload":   PayloadObject(e.Payload),
		"parents":   parents,
		"scope":     IRString(e.Scope),
		"signer":    IRString(e.Signer),
	}
}

// EntryHash computes the content hash of e from every field except ID, Hash
// and Signature.
func EntryHash(e LogEntry) (string, error) {
	if e.Payload == nil {
		return "", fmt.Errorf("EntryHash: nil payload")
	}
	canonical, err := MarshalCanonical(entryHashInput(e))
	if err != nil {
		return "", fmt.Errorf("EntryHash: %w", err)
	}
	return hashWithDomain(DomainEntry, canonical), nil
}

// CanonicalEntry returns the canonical bytes that EntryHash hashes.
func CanonicalEntry(e LogEntry) ([]byte, error) {
	return MarshalCanonical(entryHashInput(e))
}

// ProposalHash identifies a proposal before it becomes an entry. Failure
// events reference rejected proposals by this hash.
func ProposalHash(id string, origin Scope, effect *Effect, parents []EntryRef) (string, error) {
	pr := make(IRArray, 0, len(parents))
	for _, p := range NormalizeParents(parents) {
		pr = append(pr, IRObject{"scope": IRString(p.Scope), "id": IRString(p.ID)})
	}
	obj := IRObject{
		"id":      IRString(id),
		"origin":  IRString(origin),
		"effect":  PayloadObject(effect),
		"parents": pr,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("ProposalHash: %w", err)
	}
	return hashWithDomain(DomainProposal, canonical), nil
}

// StateHash fingerprints program state. Two replays agree iff their state
// hashes agree.
func StateHash(state IRObject) (string, error) {
	if state == nil {
		state = IRObject{}
	}
	canonical, err := MarshalCanonical(state)
	if err != nil {
		return "", fmt.Errorf("StateHash: %w", err)
	}
	return hashWithDomain(DomainState, canonical), nil
}

// MustStateHash is like StateHash but panics on error.
// Use only in tests or when state is known to be valid.
func MustStateHash(state IRObject) string {
	h, err := StateHash(state)
	if err != nil {
		panic(err)
	}
	return h
}
