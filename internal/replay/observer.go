package replay

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/causalog/internal/ir"
)

// Observer receives replay progress. Observers see the replay; they never
// influence it. A panicking observer is logged and skipped.
type Observer interface {
	OnStart(scope ir.Scope, after uint64)
	OnEntry(t Transition)
	OnEnd(s Summary)
}

// Summary is passed to OnEnd.
type Summary struct {
	Scope     ir.Scope
	Last      uint64
	LastID    string
	StateHash string
	Counts    Counts
	Err       error
}

// ObserverFunc observes entries only.
type ObserverFunc func(t Transition)

func (ObserverFunc) OnStart(ir.Scope, uint64) {}
func (f ObserverFunc) OnEntry(t Transition)   { f(t) }
func (ObserverFunc) OnEnd(Summary)            {}

type notifier struct {
	log       *slog.Logger
	observers []Observer
}

func newNotifier(log *slog.Logger, observers []Observer) *notifier {
	return &notifier{log: log, observers: observers}
}

func (n *notifier) start(scope ir.Scope, after uint64) {
	n.each(func(o Observer) { o.OnStart(scope, after) })
}

// entry hands each observer its own copy of the state.
func (n *notifier) entry(t Transition) {
	n.each(func(o Observer) {
		c := t
		c.State = t.State.Clone()
		c.Result = t.Result.Clone()
		o.OnEntry(c)
	})
}

func (n *notifier) end(s Summary) {
	n.each(func(o Observer) { o.OnEnd(s) })
}

func (n *notifier) each(fn func(Observer)) {
	for _, o := range n.observers {
		n.call(o, fn)
	}
}

func (n *notifier) call(o Observer, fn func(Observer)) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Warn("replay observer panicked", "observer", fmt.Sprintf("%T", o), "panic", r)
		}
	}()
	fn(o)
}

// StatsObserver counts replayed entries. It is safe to read while a replay
// runs on another goroutine.
type StatsObserver struct {
	mu       sync.Mutex
	finished int
	byType   map[ir.EntryType]int
	byKind   map[string]int
	failures int
}

// NewStatsObserver returns an empty StatsObserver.
func NewStatsObserver() *StatsObserver {
	return &StatsObserver{
		byType: make(map[ir.EntryType]int),
		byKind: make(map[string]int),
	}
}

func (s *StatsObserver) OnStart(ir.Scope, uint64) {}

func (s *StatsObserver) OnEntry(t Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byType[t.Entry.Type]++
	s.byKind[t.Entry.Payload.PayloadKind()]++
	if ev, ok := t.Entry.Payload.(*ir.Event); ok && ev.Kind == ir.EventFailure {
		s.failures++
	}
}

func (s *StatsObserver) OnEnd(Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished++
}

// Stats is a snapshot of a StatsObserver.
type Stats struct {
	Replays  int
	Entries  int
	Effects  int
	Facts    int
	Events   int
	Failures int
	ByKind   map[string]int
}

// Stats returns the counts so far.
func (s *StatsObserver) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make(map[string]int, len(s.byKind))
	for k, v := range s.byKind {
		kinds[k] = v
	}
	return Stats{
		Replays:  s.finished,
		Entries:  s.byType[ir.EntryEffect] + s.byType[ir.EntryFact] + s.byType[ir.EntryEvent],
		Effects:  s.byType[ir.EntryEffect],
		Facts:    s.byType[ir.EntryFact],
		Events:   s.byType[ir.EntryEvent],
		Failures: s.failures,
		ByKind:   kinds,
	}
}
