package ir

import "fmt"

// Payload is the closed union of entry payloads: *Effect, *Fact and *Event.
// Every consumer switches exhaustively over these three; there is no
// extension point.
type Payload interface {
	EntryType() EntryType
	PayloadKind() string
	toIR() IRObject
	validate() error
}

// EffectKind enumerates effect variants.
type EffectKind string

const (
	EffectDeposit  EffectKind = "Deposit"
	EffectWithdraw EffectKind = "Withdraw"
	EffectInvoke   EffectKind = "Invoke"
	EffectTransfer EffectKind = "Transfer"
	EffectCallback EffectKind = "Callback"
)

// EffectKinds lists every effect variant.
var EffectKinds = []EffectKind{EffectDeposit, EffectWithdraw, EffectInvoke, EffectTransfer, EffectCallback}

func (k EffectKind) valid() bool {
	switch k {
	case EffectDeposit, EffectWithdraw, EffectInvoke, EffectTransfer, EffectCallback:
		return true
	}
	return false
}

// Effect is a state-mutating operation on Target.
type Effect struct {
	Kind     EffectKind
	Target   Scope
	Origin   Scope
	Resource string
	Amount   int64
	Args     IRObject
	TimeMap  TimeMapSnapshot

	// Handler is the name@version of the transition that applied the effect.
	// Empty on proposals; set by the pipeline before the entry is written.
	Handler string
}

func (*Effect) EntryType() EntryType  { return EntryEffect }
func (e *Effect) PayloadKind() string { return string(e.Kind) }

func (e *Effect) validate() error {
	if !e.Kind.valid() {
		return Errorf(KindPayload, "unknown effect kind %q", e.Kind)
	}
	if err := e.Target.Validate(); err != nil {
		return err
	}
	if e.Origin != "" {
		if err := e.Origin.Validate(); err != nil {
			return err
		}
	}
	return e.TimeMap.validate()
}

func (e *Effect) toIR() IRObject {
	return IRObject{
		"kind":     IRString(e.Kind),
		"target":   IRString(e.Target),
		"origin":   IRString(e.Origin),
		"resource": IRString(e.Resource),
		"amount":   IRInt(e.Amount),
		"args":     nonNil(e.Args),
		"time_map": e.TimeMap.toIR(),
		"handler":  IRString(e.Handler),
	}
}

// Fact records an observation of an external domain.
type Fact struct {
	Domain   string
	FactType string
	FactID   string
	Value    IRObject
	// Proof is opaque to the substrate (e.g. a hex-encoded inclusion proof).
	Proof    string
	Observer string
}

func (*Fact) EntryType() EntryType  { return EntryFact }
func (f *Fact) PayloadKind() string { return f.FactType }

func (f *Fact) validate() error {
	switch {
	case f.Domain == "":
		return Errorf(KindPayload, "fact missing domain")
	case f.FactID == "":
		return Errorf(KindPayload, "fact missing fact id")
	case f.FactType == "":
		return Errorf(KindPayload, "fact missing fact type")
	case f.Observer == "":
		return Errorf(KindPayload, "fact missing observer")
	}
	return nil
}

func (f *Fact) toIR() IRObject {
	return IRObject{
		"kind":     IRString(f.FactType),
		"domain":   IRString(f.Domain),
		"fact_id":  IRString(f.FactID),
		"value":    nonNil(f.Value),
		"proof":    IRString(f.Proof),
		"observer": IRString(f.Observer),
	}
}

// EventKind enumerates event variants.
type EventKind string

const (
	EventDeployment EventKind = "Deployment"
	EventUpgrade    EventKind = "Upgrade"
	EventFailure    EventKind = "Failure"
	EventRestart    EventKind = "Restart"
	// EventStaleTolerated records an effect applied under the tolerate policy
	// despite a superseded observation.
	EventStaleTolerated EventKind = "StaleTolerated"
)

func (k EventKind) valid() bool {
	switch k {
	case EventDeployment, EventUpgrade, EventFailure, EventRestart, EventStaleTolerated:
		return true
	}
	return false
}

// Event records a system occurrence. Failure events name the rejected
// proposal hash in Subject and the error kind in ErrorKind.
type Event struct {
	Kind      EventKind
	Subject   string
	ErrorKind Kind
	Reason    string
	Details   IRObject
}

func (*Event) EntryType() EntryType  { return EntryEvent }
func (e *Event) PayloadKind() string { return string(e.Kind) }

func (e *Event) validate() error {
	if !e.Kind.valid() {
		return Errorf(KindPayload, "unknown event kind %q", e.Kind)
	}
	if e.Kind == EventFailure && (e.Subject == "" || e.ErrorKind == "") {
		return Errorf(KindPayload, "failure event needs subject and error kind")
	}
	return nil
}

func (e *Event) toIR() IRObject {
	return IRObject{
		"kind":       IRString(e.Kind),
		"subject":    IRString(e.Subject),
		"error_kind": IRString(e.ErrorKind),
		"reason":     IRString(e.Reason),
		"details":    nonNil(e.Details),
	}
}

// PayloadObject returns the canonical object form of p.
func PayloadObject(p Payload) IRObject {
	if p == nil {
		return IRObject{}
	}
	return p.toIR()
}

// ValidatePayload checks p structurally.
func ValidatePayload(p Payload) error {
	if p == nil {
		return Errorf(KindPayload, "missing payload")
	}
	return p.validate()
}

// DecodePayload is the inverse of PayloadObject. Missing keys, wrong types and
// unknown variants are PayloadErrors.
func DecodePayload(t EntryType, obj IRObject) (Payload, error) {
	r := fieldReader{src: obj}
	var p Payload
	switch t {
	case EntryEffect:
		e := &Effect{
			Kind:     EffectKind(r.str("kind")),
			Target:   Scope(r.str("target")),
			Origin:   Scope(r.str("origin")),
			Resource: r.str("resource"),
			Amount:   r.int("amount"),
			Args:     r.obj("args"),
			Handler:  r.str("handler"),
		}
		if r.err == nil {
			tm, err := decodeTimeMap(r.obj("time_map"))
			if err != nil {
				return nil, err
			}
			e.TimeMap = tm
		}
		p = e
	case EntryFact:
		p = &Fact{
			FactType: r.str("kind"),
			Domain:   r.str("domain"),
			FactID:   r.str("fact_id"),
			Value:    r.obj("value"),
			Proof:    r.str("proof"),
			Observer: r.str("observer"),
		}
	case EntryEvent:
		p = &Event{
			Kind:      EventKind(r.str("kind")),
			Subject:   r.str("subject"),
			ErrorKind: Kind(r.str("error_kind")),
			Reason:    r.str("reason"),
			Details:   r.obj("details"),
		}
	default:
		return nil, Errorf(KindPayload, "unknown entry type %q", t)
	}
	if r.err != nil {
		return nil, r.err
	}
	if extra := r.unknownKeys(); extra != "" {
		return nil, Errorf(KindPayload, "unknown %s payload field %q", t, extra)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// fieldReader reads required fields and keeps the first error.
type fieldReader struct {
	src  IRObject
	seen map[string]bool
	err  error
}

func (r *fieldReader) get(key string) (IRValue, bool) {
	if r.seen == nil {
		r.seen = make(map[string]bool)
	}
	r.seen[key] = true
	if r.err != nil {
		return nil, false
	}
	v, ok := r.src[key]
	if !ok {
		r.err = Errorf(KindPayload, "missing payload field %q", key)
		return nil, false
	}
	return v, true
}

func (r *fieldReader) str(key string) string {
	v, ok := r.get(key)
	if !ok {
		return ""
	}
	s, ok := v.(IRString)
	if !ok {
		r.err = Errorf(KindPayload, "payload field %q: want string, got %T", key, v)
	}
	return string(s)
}

func (r *fieldReader) int(key string) int64 {
	v, ok := r.get(key)
	if !ok {
		return 0
	}
	n, ok := v.(IRInt)
	if !ok {
		r.err = Errorf(KindPayload, "payload field %q: want int, got %T", key, v)
	}
	return int64(n)
}

func (r *fieldReader) obj(key string) IRObject {
	v, ok := r.get(key)
	if !ok {
		return nil
	}
	o, ok := v.(IRObject)
	if !ok {
		r.err = Errorf(KindPayload, "payload field %q: want object, got %T", key, v)
	}
	return o
}

func (r *fieldReader) unknownKeys() string {
	for _, k := range r.src.SortedKeys() {
		if !r.seen[k] {
			return k
		}
	}
	return ""
}

func nonNil(obj IRObject) IRObject {
	if obj == nil {
		return IRObject{}
	}
	return obj
}

// PayloadString renders a payload for logs.
func PayloadString(p Payload) string {
	switch v := p.(type) {
	case *Effect:
		return fmt.Sprintf("effect(%s %s)", v.Kind, v.Target)
	case *Fact:
		return fmt.Sprintf("fact(%s/%s)", v.Domain, v.FactID)
	case *Event:
		return fmt.Sprintf("event(%s)", v.Kind)
	default:
		return fmt.Sprintf("payload(%T)", p)
	}
}
