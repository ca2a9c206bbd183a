package dag

import (
	"container/heap"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/causalog/internal/ir"
)

// Graph is the causal DAG over linked entries.
//
// Nodes live in an arena indexed by (scope, id) references; edges are arena
// indices. A cross-scope parent is a weak reference resolved by lookup and
// never owns its children.
type Graph struct {
	mu      sync.RWMutex
	nodes   []node
	index   map[ir.EntryRef]int
	waiters map[ir.EntryRef][]chan struct{}
	log     *slog.Logger
}

type node struct {
	ref      ir.EntryRef
	ts       uint64
	parents  []int
	children []int
}

// NewGraph returns an empty graph.
func NewGraph(logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	return &Graph{
		index:   make(map[ir.EntryRef]int),
		waiters: make(map[ir.EntryRef][]chan struct{}),
		log:     logger.With("component", "dag"),
	}
}

// Link adds e with an edge to each parent. Every parent must already be
// linked; otherwise Link returns MissingAncestor naming the unresolved refs
// and the graph is unchanged. Linking an entry twice is a no-op.
func (g *Graph) Link(e ir.LogEntry) error {
	ref := e.Ref()
	g.mu.Lock()
	if _, ok := g.index[ref]; ok {
		g.mu.Unlock()
		return nil
	}
	var missing []ir.EntryRef
	parents := make([]int, 0, len(e.Parents))
	for _, p := range e.Parents {
		idx, ok := g.index[p]
		if !ok {
			missing = append(missing, p)
			continue
		}
		parents = append(parents, idx)
	}
	if len(missing) > 0 {
		g.mu.Unlock()
		return ir.NewMissingAncestor(e.Scope, e.ID, missing)
	}

	idx := len(g.nodes)
	g.nodes = append(g.nodes, node{ref: ref, ts: e.Timestamp, parents: parents})
	g.index[ref] = idx
	for _, p := range parents {
		g.nodes[p].children = append(g.nodes[p].children, idx)
	}
	waiters := g.waiters[ref]
	delete(g.waiters, ref)
	g.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	g.log.Debug("linked", "scope", e.Scope, "entry_id", e.ID, "parents", len(parents))
	return nil
}

// Linked reports whether ref is in the graph.
func (g *Graph) Linked(ref ir.EntryRef) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.index[ref]
	return ok
}

// Missing returns the refs not yet linked, preserving input order.
func (g *Graph) Missing(refs []ir.EntryRef) []ir.EntryRef {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []ir.EntryRef
	for _, r := range refs {
		if _, ok := g.index[r]; !ok {
			out = append(out, r)
		}
	}
	return out
}

// Resolvable reports whether every ref is linked.
func (g *Graph) Resolvable(refs []ir.EntryRef) bool {
	return len(g.Missing(refs)) == 0
}

// Len returns the number of linked entries.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Parents returns the direct parents of ref.
func (g *Graph) Parents(ref ir.EntryRef) []ir.EntryRef {
	g.mu.RLock()
	defer g.mu.RUnlock()
	idx, ok := g.index[ref]
	if !ok {
		return nil
	}
	return g.refs(g.nodes[idx].parents)
}

// Children returns the entries that name ref as a direct parent.
func (g *Graph) Children(ref ir.EntryRef) []ir.EntryRef {
	g.mu.RLock()
	defer g.mu.RUnlock()
	idx, ok := g.index[ref]
	if !ok {
		return nil
	}
	return g.refs(g.nodes[idx].children)
}

// Ancestors returns every transitive ancestor of ref ordered by
// (timestamp, id).
func (g *Graph) Ancestors(ref ir.EntryRef) []ir.EntryRef {
	g.mu.RLock()
	defer g.mu.RUnlock()
	idx, ok := g.index[ref]
	if !ok {
		return nil
	}
	seen := g.walk(idx, func(n *node) []int { return n.parents })
	return g.refs(seen)
}

// Descendants returns every transitive descendant of ref ordered by
// (timestamp, id).
func (g *Graph) Descendants(ref ir.EntryRef) []ir.EntryRef {
	g.mu.RLock()
	defer g.mu.RUnlock()
	idx, ok := g.index[ref]
	if !ok {
		return nil
	}
	seen := g.walk(idx, func(n *node) []int { return n.children })
	return g.refs(seen)
}

// DependsOn reports whether a transitively depends on b.
func (g *Graph) DependsOn(a, b ir.EntryRef) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ai, ok := g.index[a]
	if !ok {
		return false
	}
	bi, ok := g.index[b]
	if !ok || ai == bi {
		return false
	}
	// An ancestor is always linked before its descendants.
	if bi > ai {
		return false
	}
	visited := make(map[int]bool)
	stack := []int{ai}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, p := range g.nodes[cur].parents {
			if p == bi {
				return true
			}
			if !visited[p] && p > bi {
				visited[p] = true
				stack = append(stack, p)
			}
		}
	}
	return false
}

// Subscribe returns a channel closed once ref is linked. If ref is already
// linked the channel is closed immediately.
func (g *Graph) Subscribe(ref ir.EntryRef) <-chan struct{} {
	ch := make(chan struct{})
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.index[ref]; ok {
		close(ch)
		return ch
	}
	g.waiters[ref] = append(g.waiters[ref], ch)
	return ch
}

// walk collects nodes reachable from start via next, excluding start.
func (g *Graph) walk(start int, next func(*node) []int) []int {
	visited := map[int]bool{start: true}
	stack := []int{start}
	var out []int
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, n := range next(&g.nodes[cur]) {
			if !visited[n] {
				visited[n] = true
				out = append(out, n)
				stack = append(stack, n)
			}
		}
	}
	return out
}

func (g *Graph) refs(idxs []int) []ir.EntryRef {
	sorted := slices.Clone(idxs)
	slices.SortFunc(sorted, func(a, b int) int {
		na, nb := g.nodes[a], g.nodes[b]
		if na.ts != nb.ts {
			if na.ts < nb.ts {
				return -1
			}
			return 1
		}
		switch {
		case na.ref.ID < nb.ref.ID:
			return -1
		case na.ref.ID > nb.ref.ID:
			return 1
		}
		return 0
	})
	out := make([]ir.EntryRef, len(sorted))
	for i, idx := range sorted {
		out[i] = g.nodes[idx].ref
	}
	return out
}

// TotalOrder returns entries in a topological order of their parent edges,
// breaking ties by (timestamp, id). Parents outside the input set are
// ignored. Content addressing rules out cycles; if the input nonetheless
// contains one, the entries on it are appended in (timestamp, id) order.
func TotalOrder(entries []ir.LogEntry) []ir.LogEntry {
	pos := make(map[ir.EntryRef]int, len(entries))
	for i, e := range entries {
		pos[e.Ref()] = i
	}
	indegree := make([]int, len(entries))
	children := make([][]int, len(entries))
	for i, e := range entries {
		for _, p := range e.Parents {
			if pi, ok := pos[p]; ok && pi != i {
				indegree[i]++
				children[pi] = append(children[pi], i)
			}
		}
	}

	ready := &entryHeap{entries: entries}
	for i := range entries {
		if indegree[i] == 0 {
			ready.idx = append(ready.idx, i)
		}
	}
	heap.Init(ready)

	out := make([]ir.LogEntry, 0, len(entries))
	done := make([]bool, len(entries))
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		done[i] = true
		out = append(out, entries[i])
		for _, c := range children[i] {
			indegree[c]--
			if indegree[c] == 0 {
				heap.Push(ready, c)
			}
		}
	}
	if len(out) < len(entries) {
		var rest []ir.LogEntry
		for i, e := range entries {
			if !done[i] {
				rest = append(rest, e)
			}
		}
		slices.SortFunc(rest, compareEntries)
		out = append(out, rest...)
	}
	return out
}

func compareEntries(a, b ir.LogEntry) int {
	switch {
	case ir.Less(a, b):
		return -1
	case ir.Less(b, a):
		return 1
	}
	return 0
}

// entryHeap is a min-heap of entry indices by (timestamp, id).
type entryHeap struct {
	entries []ir.LogEntry
	idx     []int
}

func (h *entryHeap) Len() int { return len(h.idx) }
func (h *entryHeap) Less(i, j int) bool {
	return ir.Less(h.entries[h.idx[i]], h.entries[h.idx[j]])
}
func (h *entryHeap) Swap(i, j int) { h.idx[i], h.idx[j] = h.idx[j], h.idx[i] }
func (h *entryHeap) Push(x any)    { h.idx = append(h.idx, x.(int)) }
func (h *entryHeap) Pop() any {
	n := len(h.idx)
	x := h.idx[n-1]
	h.idx = h.idx[:n-1]
	return x
}
