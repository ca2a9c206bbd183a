package ir

import (
	"fmt"
	"slices"
	"strings"
)

// Observation is one fact version seen by a scope when it took a snapshot.
// Timestamp is the logical timestamp of the Fact entry that carried it.
type Observation struct {
	Domain    string `json:"domain"`
	FactID    string `json:"fact_id"`
	Timestamp uint64 `json:"timestamp"`
	EntryID   string `json:"entry_id"`
}

// TimeMapSnapshot is the immutable view of external domains an effect was
// computed against. It is revalidated, never mutated, when the effect applies.
type TimeMapSnapshot struct {
	Scope Scope
	// Tick is the time map's logical version when the snapshot was taken.
	Tick         uint64
	Observations []Observation
}

// NewTimeMapSnapshot returns a snapshot with observations in canonical order.
func NewTimeMapSnapshot(scope Scope, tick uint64, obs ...Observation) TimeMapSnapshot {
	return TimeMapSnapshot{Scope: scope, Tick: tick, Observations: sortObservations(obs)}
}

// Lookup returns the observation of factID in domain.
func (s TimeMapSnapshot) Lookup(domain, factID string) (Observation, bool) {
	for _, o := range s.Observations {
		if o.Domain == domain && o.FactID == factID {
			return o, true
		}
	}
	return Observation{}, false
}

// Domains returns the distinct domains referenced, sorted.
func (s TimeMapSnapshot) Domains() []string {
	var out []string
	for _, o := range s.Observations {
		if !slices.Contains(out, o.Domain) {
			out = append(out, o.Domain)
		}
	}
	slices.Sort(out)
	return out
}

// Hash fingerprints the snapshot for logs and diagnostics.
func (s TimeMapSnapshot) Hash() string {
	canonical, err := MarshalCanonical(s.toIR())
	if err != nil {
		return ""
	}
	return hashWithDomain(DomainTimeMap, canonical)
}

func (s TimeMapSnapshot) validate() error {
	for _, o := range s.Observations {
		if o.Domain == "" || o.FactID == "" || o.EntryID == "" {
			return Errorf(KindPayload, "incomplete time map observation %+v", o)
		}
		if o.Timestamp > uint64(1<<63-1) {
			return Errorf(KindPayload, "observation timestamp out of range")
		}
	}
	return nil
}

func (s TimeMapSnapshot) toIR() IRObject {
	obs := make(IRArray, 0, len(s.Observations))
	for _, o := range sortObservations(s.Observations) {
		obs = append(obs, IRObject{
			"domain":    IRString(o.Domain),
			"fact_id":   IRString(o.FactID),
			"timestamp": IRInt(int64(o.Timestamp)),
			"entry_id":  IRString(o.EntryID),
		})
	}
	return IRObject{
		"scope":        IRString(s.Scope),
		"tick":         IRInt(int64(s.Tick)),
		"observations": obs,
	}
}

func decodeTimeMap(obj IRObject) (TimeMapSnapshot, error) {
	if obj == nil {
		return TimeMapSnapshot{}, Errorf(KindPayload, "missing time map")
	}
	r := fieldReader{src: obj}
	snap := TimeMapSnapshot{Scope: Scope(r.str("scope"))}
	tick := r.int("tick")
	raw, _ := r.get("observations")
	if r.err != nil {
		return TimeMapSnapshot{}, r.err
	}
	if tick < 0 {
		return TimeMapSnapshot{}, Errorf(KindPayload, "negative time map tick")
	}
	snap.Tick = uint64(tick)
	arr, ok := raw.(IRArray)
	if !ok {
		return TimeMapSnapshot{}, Errorf(KindPayload, "time map observations: want array, got %T", raw)
	}
	for i, v := range arr {
		o, ok := v.(IRObject)
		if !ok {
			return TimeMapSnapshot{}, Errorf(KindPayload, "observation[%d]: want object", i)
		}
		or := fieldReader{src: o}
		obs := Observation{
			Domain:  or.str("domain"),
			FactID:  or.str("fact_id"),
			EntryID: or.str("entry_id"),
		}
		ts := or.int("timestamp")
		if or.err != nil {
			return TimeMapSnapshot{}, fmt.Errorf("observation[%d]: %w", i, or.err)
		}
		if ts < 0 {
			return TimeMapSnapshot{}, Errorf(KindPayload, "observation[%d]: negative timestamp", i)
		}
		obs.Timestamp = uint64(ts)
		snap.Observations = append(snap.Observations, obs)
	}
	if extra := r.unknownKeys(); extra != "" {
		return TimeMapSnapshot{}, Errorf(KindPayload, "unknown time map field %q", extra)
	}
	snap.Observations = sortObservations(snap.Observations)
	return snap, nil
}

func sortObservations(obs []Observation) []Observation {
	out := slices.Clone(obs)
	slices.SortFunc(out, func(a, b Observation) int {
		if c := strings.Compare(a.Domain, b.Domain); c != 0 {
			return c
		}
		return strings.Compare(a.FactID, b.FactID)
	})
	return out
}
