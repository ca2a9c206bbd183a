package dag

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/causalog/internal/ir"
)

// StaleMode selects how Validate treats superseded observations.
type StaleMode string

const (
	// StaleReject fails validation on any superseded observation.
	StaleReject StaleMode = "reject"
	// StaleTolerate accepts superseded observations while the snapshot is at
	// most MaxTicks time-map versions old.
	StaleTolerate StaleMode = "tolerate"
)

// StalePolicy configures snapshot validation. The zero value rejects.
type StalePolicy struct {
	Mode     StaleMode
	MaxTicks uint64
}

// Validate checks the policy itself.
func (p StalePolicy) Validate() error {
	switch p.Mode {
	case "", StaleReject, StaleTolerate:
		return nil
	}
	return fmt.Errorf("unknown stale mode %q", p.Mode)
}

type factKey struct {
	domain string
	factID string
}

// TimeMap is the node's best-known version of every external fact, keyed by
// (domain, fact id). A fact version is identified by the (timestamp, id) of
// the Fact entry that carried it; the greatest version wins.
type TimeMap struct {
	mu    sync.RWMutex
	tick  uint64
	facts map[factKey]ir.Observation
	log   *slog.Logger
}

// NewTimeMap returns an empty time map.
func NewTimeMap(logger *slog.Logger) *TimeMap {
	if logger == nil {
		logger = slog.Default()
	}
	return &TimeMap{
		facts: make(map[factKey]ir.Observation),
		log:   logger.With("component", "timemap"),
	}
}

// Observe records a Fact entry. It reports whether the entry became the
// current version of its fact; older or repeated versions are ignored.
// Non-fact entries are ignored.
func (m *TimeMap) Observe(e ir.LogEntry) bool {
	f, ok := e.Payload.(*ir.Fact)
	if !ok {
		return false
	}
	obs := ir.Observation{Domain: f.Domain, FactID: f.FactID, Timestamp: e.Timestamp, EntryID: e.ID}
	k := factKey{f.Domain, f.FactID}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.facts[k]; ok && !newer(obs, cur) {
		return false
	}
	m.facts[k] = obs
	m.tick++
	m.log.Debug("observed fact", "domain", f.Domain, "fact_id", f.FactID, "ts", e.Timestamp, "tick", m.tick)
	return true
}

// Restore seeds the time map from a snapshot taken by Snapshot, keeping any
// newer versions already present. The tick never moves backwards.
func (m *TimeMap) Restore(snap ir.TimeMapSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range snap.Observations {
		k := factKey{o.Domain, o.FactID}
		if cur, ok := m.facts[k]; ok && !newer(o, cur) {
			continue
		}
		m.facts[k] = o
	}
	m.tick = max(m.tick, snap.Tick)
}

func newer(a, b ir.Observation) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	return a.EntryID > b.EntryID
}

// Tick returns the time map's version, incremented on every change.
func (m *TimeMap) Tick() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tick
}

// Current returns the current version of a fact.
func (m *TimeMap) Current(domain, factID string) (ir.Observation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obs, ok := m.facts[factKey{domain, factID}]
	return obs, ok
}

// Domains returns every domain with at least one fact, sorted.
func (m *TimeMap) Domains() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for k := range m.facts {
		if !slices.Contains(out, k.domain) {
			out = append(out, k.domain)
		}
	}
	slices.Sort(out)
	return out
}

// Snapshot captures the current facts of the given domains (all domains
// when none are named) for an effect proposed by scope.
func (m *TimeMap) Snapshot(scope ir.Scope, domains ...string) ir.TimeMapSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var obs []ir.Observation
	for k, o := range m.facts {
		if len(domains) == 0 || slices.Contains(domains, k.domain) {
			obs = append(obs, o)
		}
	}
	return ir.NewTimeMapSnapshot(scope, m.tick, obs...)
}

// Validate compares snap against the current time map. It returns every
// superseded observation, sorted by (domain, fact id). Under StaleReject, or
// under StaleTolerate once the snapshot is more than MaxTicks versions old,
// a non-empty result is also returned as StaleObservation naming the first
// superseded fact.
//
// Observations of facts this node has not seen are not stale: the time map
// only moves forward once the fact arrives.
func (m *TimeMap) Validate(snap ir.TimeMapSnapshot, policy StalePolicy) ([]ir.StaleFact, error) {
	m.mu.RLock()
	tick := m.tick
	var stale []ir.StaleFact
	for _, o := range snap.Observations {
		cur, ok := m.facts[factKey{o.Domain, o.FactID}]
		if !ok || !newer(cur, o) {
			continue
		}
		stale = append(stale, ir.StaleFact{
			Domain:   o.Domain,
			FactID:   o.FactID,
			Observed: o.Timestamp,
			Current:  cur.Timestamp,
		})
	}
	m.mu.RUnlock()

	if len(stale) == 0 {
		return nil, nil
	}
	if policy.Mode == StaleTolerate && tick-min(tick, snap.Tick) <= policy.MaxTicks {
		return stale, nil
	}
	return stale, ir.NewStaleObservation(snap.Scope, stale[0])
}

// ValidateEffect validates the snapshot carried by an effect entry.
func (m *TimeMap) ValidateEffect(e ir.LogEntry, policy StalePolicy) ([]ir.StaleFact, error) {
	eff, ok := e.Payload.(*ir.Effect)
	if !ok {
		return nil, ir.Errorf(ir.KindPayload, "%s entry carries no time map", e.Type)
	}
	stale, err := m.Validate(eff.TimeMap, policy)
	if serr, ok := err.(*ir.Error); ok {
		serr.Scope = e.Scope
		serr.EntryID = e.ID
	}
	return stale, err
}
