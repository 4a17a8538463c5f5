package engine

import (
	"container/heap"
	"fmt"
	"sync"
)

// DependencyGraph is the engine's single process-wide
// (requester -> requested) edge set. InsertEdge atomically checks for
// a back-path before recording the edge, so cycles are caught before
// the inner evaluation is dispatched.
type DependencyGraph struct {
	mu       sync.Mutex
	outgoing map[string][]string
	known    map[string]bool
}

// NewDependencyGraph returns an empty dependency graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		outgoing: make(map[string][]string),
		known:    make(map[string]bool),
	}
}

// CycleError is returned by InsertEdge when adding the edge would
// close a cycle. Cycle lists every key on the cycle once, in request
// order, starting and ending with the same key.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("engine: cycle detected: %v", e.Cycle)
}

// InsertEdge records that requester requested requested. If requested
// can already reach requester (i.e. a path requested -> ... ->
// requester exists), inserting this edge would close a cycle; the edge
// is not recorded and a *CycleError is returned instead.
func (g *DependencyGraph) InsertEdge(requester, requested string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.known[requester] = true
	g.known[requested] = true

	if requester == requested {
		return &CycleError{Cycle: []string{requester, requested}}
	}
	if path, ok := g.findPath(requested, requester); ok {
		return &CycleError{Cycle: append(path, requested)}
	}
	g.outgoing[requester] = append(g.outgoing[requester], requested)
	return nil
}

// Has reports whether node has appeared as either side of any inserted
// edge.
func (g *DependencyGraph) Has(node string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.known[node]
}

func (g *DependencyGraph) findPath(start, goal string) ([]string, bool) {
	if start == goal {
		return []string{start}, true
	}
	type frame struct {
		node string
		path []string
	}
	visited := map[string]bool{start: true}
	queue := []frame{{node: start, path: []string{start}}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		children := append([]string(nil), g.outgoing[cur.node]...)
		sortStringsStable(children)

		for _, next := range children {
			if next == goal {
				return append(append([]string(nil), cur.path...), next), true
			}
			if visited[next] {
				continue
			}
			visited[next] = true
			queue = append(queue, frame{node: next, path: append(append([]string(nil), cur.path...), next)})
		}
	}
	return nil, false
}

func sortStringsStable(s []string) {
	h := &stringMinHeap{}
	heap.Init(h)
	for _, v := range s {
		heap.Push(h, v)
	}
	for i := range s {
		s[i] = heap.Pop(h).(string)
	}
}

type stringMinHeap []string

func (h stringMinHeap) Len() int           { return len(h) }
func (h stringMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h stringMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *stringMinHeap) Push(x any)        { *h = append(*h, x.(string)) }
func (h *stringMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
