package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/causalog/internal/dag"
	"github.com/roach88/causalog/internal/engine"
	"github.com/roach88/causalog/internal/ir"
)

// Scenario defines a test scenario: steps run against a fresh node,
// followed by assertions on its log and state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Policy overrides the stale policy (reject by default).
	Policy *PolicySpec `yaml:"policy,omitempty"`

	// WaitTimeout bounds how long a Waiting invocation waits for ancestors.
	WaitTimeout time.Duration `yaml:"wait_timeout,omitempty"`

	// MaxDepth overrides the derivation depth bound.
	MaxDepth int `yaml:"max_depth,omitempty"`

	Steps []Step `yaml:"steps"`

	Assertions []Assertion `yaml:"assertions"`
}

// PolicySpec mirrors dag.StalePolicy.
type PolicySpec struct {
	Mode     string `yaml:"mode"`
	MaxTicks uint64 `yaml:"max_ticks"`
}

// Step is one scenario action. Exactly one of Record, Snapshot, Advance,
// Submit, Sync and Await is set.
type Step struct {
	Record   *RecordStep   `yaml:"record,omitempty"`
	Snapshot *SnapshotStep `yaml:"snapshot,omitempty"`
	// Advance moves the local logical clock forward by this many ticks.
	Advance uint64      `yaml:"advance,omitempty"`
	Submit  *SubmitStep `yaml:"submit,omitempty"`
	// Sync pulls the labelled entries, and their ancestors, from the remote
	// node into the local one.
	Sync []string `yaml:"sync,omitempty"`
	// Await waits for a submitted proposal and checks Expect.
	Await string `yaml:"await,omitempty"`

	// Expect checks the outcome of Submit or Await.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// RecordStep writes a fact outside the pipeline.
type RecordStep struct {
	As      string   `yaml:"as"`
	Scope   string   `yaml:"scope"`
	Node    string   `yaml:"node,omitempty"`
	Fact    FactSpec `yaml:"fact"`
	Parents []string `yaml:"parents,omitempty"`
}

// Node names.
const (
	NodeLocal  = "local"
	NodeRemote = "remote"
)

type FactSpec struct {
	Domain string         `yaml:"domain"`
	Type   string         `yaml:"type"`
	ID     string         `yaml:"id"`
	Value  map[string]any `yaml:"value"`
	Proof  string         `yaml:"proof,omitempty"`
	// Observer defaults to the recording scope.
	Observer string `yaml:"observer,omitempty"`
}

// SnapshotStep captures the local time map for later proposals.
type SnapshotStep struct {
	As      string   `yaml:"as"`
	Target  string   `yaml:"target"`
	Domains []string `yaml:"domains,omitempty"`
}

// SubmitStep submits a proposal to the local engine. The label doubles as
// the invocation id.
type SubmitStep struct {
	As      string     `yaml:"as"`
	Origin  string     `yaml:"origin"`
	Effect  EffectSpec `yaml:"effect"`
	Parents []string   `yaml:"parents,omitempty"`
	// TimeMap names a snapshot step. Without it the proposal observes
	// nothing.
	TimeMap string `yaml:"time_map,omitempty"`
}

type EffectSpec struct {
	Kind     string         `yaml:"kind"`
	Target   string         `yaml:"target"`
	Resource string         `yaml:"resource,omitempty"`
	Amount   int64          `yaml:"amount,omitempty"`
	Args     map[string]any `yaml:"args,omitempty"`
}

// ExpectClause specifies an expected invocation outcome. State Waiting is
// checked as soon as the invocation parks; terminal states are awaited.
type ExpectClause struct {
	State     string `yaml:"state"`
	ErrorKind string `yaml:"error_kind,omitempty"`
	// Reason is matched as a substring.
	Reason string `yaml:"reason,omitempty"`
}

// Assertion validates the final log or state.
type Assertion struct {
	Type string `yaml:"type"`

	Scope     string `yaml:"scope,omitempty"`
	Entry     string `yaml:"entry,omitempty"`
	Kind      string `yaml:"kind,omitempty"`
	ErrorKind string `yaml:"error_kind,omitempty"`

	// Count is the expected number of matches (log_count).
	Count int `yaml:"count,omitempty"`

	// Kinds is the expected kind order (log_order).
	Kinds []string `yaml:"kinds,omitempty"`

	// Expect is a subset of the replayed state (final_state).
	Expect map[string]any `yaml:"expect,omitempty"`

	// From and To are entry labels (depends_on).
	From string `yaml:"from,omitempty"`
	To   string `yaml:"to,omitempty"`
}

// Assertion type constants.
const (
	AssertLogContains = "log_contains"
	AssertLogCount    = "log_count"
	AssertLogOrder    = "log_order"
	AssertFinalState  = "final_state"
	AssertDependsOn   = "depends_on"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadDir loads every *.yaml scenario in dir, sorted by file name.
func LoadDir(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	out := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		out = append(out, s)
	}
	return out, nil
}

// label kinds tracked during validation.
const (
	labelEntry      = "entry"
	labelSnapshot   = "snapshot"
	labelInvocation = "invocation"
)

// validateScenario checks that required fields are present and that every
// label is defined once, before it is used, and for the right purpose.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if s.Policy != nil {
		if err := (dag.StalePolicy{Mode: dag.StaleMode(s.Policy.Mode), MaxTicks: s.Policy.MaxTicks}).Validate(); err != nil {
			return fmt.Errorf("policy: %w", err)
		}
	}
	if s.WaitTimeout < 0 || s.MaxDepth < 0 {
		return fmt.Errorf("wait_timeout and max_depth must not be negative")
	}

	labels := make(map[string]string)
	define := func(i int, label, kind string) error {
		if label == "" {
			return fmt.Errorf("steps[%d]: as is required", i)
		}
		if _, ok := labels[label]; ok {
			return fmt.Errorf("steps[%d]: label %q defined twice", i, label)
		}
		labels[label] = kind
		return nil
	}
	use := func(i int, label string, kinds ...string) error {
		got, ok := labels[label]
		if !ok {
			return fmt.Errorf("steps[%d]: label %q used before it is defined", i, label)
		}
		for _, k := range kinds {
			if got == k {
				return nil
			}
		}
		return fmt.Errorf("steps[%d]: label %q is a %s", i, label, got)
	}

	for i, step := range s.Steps {
		if n := step.actions(); n != 1 {
			return fmt.Errorf("steps[%d]: exactly one action is required, got %d", i, n)
		}
		if step.Expect != nil {
			if step.Submit == nil && step.Await == "" {
				return fmt.Errorf("steps[%d]: expect applies to submit and await only", i)
			}
			if err := validateExpect(i, step.Expect); err != nil {
				return err
			}
		}
		switch {
		case step.Record != nil:
			r := step.Record
			if err := scopeField(i, "record.scope", r.Scope); err != nil {
				return err
			}
			if r.Node != "" && r.Node != NodeLocal && r.Node != NodeRemote {
				return fmt.Errorf("steps[%d]: unknown node %q", i, r.Node)
			}
			if r.Fact.Domain == "" || r.Fact.Type == "" || r.Fact.ID == "" {
				return fmt.Errorf("steps[%d]: fact domain, type and id are required", i)
			}
			for _, p := range r.Parents {
				if err := use(i, p, labelEntry, labelInvocation); err != nil {
					return err
				}
			}
			if err := define(i, r.As, labelEntry); err != nil {
				return err
			}
		case step.Snapshot != nil:
			if err := scopeField(i, "snapshot.target", step.Snapshot.Target); err != nil {
				return err
			}
			if err := define(i, step.Snapshot.As, labelSnapshot); err != nil {
				return err
			}
		case step.Submit != nil:
			sub := step.Submit
			if err := scopeField(i, "submit.origin", sub.Origin); err != nil {
				return err
			}
			if err := scopeField(i, "submit.effect.target", sub.Effect.Target); err != nil {
				return err
			}
			if sub.Effect.Kind == "" {
				return fmt.Errorf("steps[%d]: submit.effect.kind is required", i)
			}
			for _, p := range sub.Parents {
				if err := use(i, p, labelEntry, labelInvocation); err != nil {
					return err
				}
			}
			if sub.TimeMap != "" {
				if err := use(i, sub.TimeMap, labelSnapshot); err != nil {
					return err
				}
			}
			if err := define(i, sub.As, labelInvocation); err != nil {
				return err
			}
		case len(step.Sync) > 0:
			for _, l := range step.Sync {
				if err := use(i, l, labelEntry); err != nil {
					return err
				}
			}
		case step.Await != "":
			if err := use(i, step.Await, labelInvocation); err != nil {
				return err
			}
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, labels); err != nil {
			return err
		}
	}
	return nil
}

func (s Step) actions() int {
	n := 0
	for _, set := range []bool{
		s.Record != nil, s.Snapshot != nil, s.Advance > 0,
		s.Submit != nil, len(s.Sync) > 0, s.Await != "",
	} {
		if set {
			n++
		}
	}
	return n
}

func scopeField(i int, field, value string) error {
	if value == "" {
		return fmt.Errorf("steps[%d]: %s is required", i, field)
	}
	if err := ir.Scope(value).Validate(); err != nil {
		return fmt.Errorf("steps[%d]: %s: %w", i, field, err)
	}
	return nil
}

func validateExpect(i int, e *ExpectClause) error {
	switch engine.State(e.State) {
	case engine.StateWaiting, engine.StateCompleted, engine.StateFailed:
	default:
		return fmt.Errorf("steps[%d].expect: state must be Waiting, Completed or Failed, got %q", i, e.State)
	}
	if e.ErrorKind != "" && engine.State(e.State) != engine.StateFailed {
		return fmt.Errorf("steps[%d].expect: error_kind requires state Failed", i)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a Assertion, labels map[string]string) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	needScope := func() error {
		if a.Scope == "" {
			return fmt.Errorf("assertions[%d]: scope is required for %s", index, a.Type)
		}
		return ir.Scope(a.Scope).Validate()
	}

	switch a.Type {
	case AssertLogContains:
		if err := needScope(); err != nil {
			return err
		}
		if a.Entry == "" && a.Kind == "" {
			return fmt.Errorf("assertions[%d]: entry or kind is required for log_contains", index)
		}
	case AssertLogCount:
		if err := needScope(); err != nil {
			return err
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for log_count", index)
		}
	case AssertLogOrder:
		if err := needScope(); err != nil {
			return err
		}
		if len(a.Kinds) == 0 {
			return fmt.Errorf("assertions[%d]: kinds list is required for log_order", index)
		}
	case AssertFinalState:
		if err := needScope(); err != nil {
			return err
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertDependsOn:
		for _, l := range []string{a.From, a.To} {
			switch labels[l] {
			case labelEntry, labelInvocation:
			default:
				return fmt.Errorf("assertions[%d]: depends_on needs entry or invocation labels, got %q", index, l)
			}
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
