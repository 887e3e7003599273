package dag

import (
	"errors"
	"fmt"
	"sort"
)

// New creates and returns an initialized, empty Graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[string]*node),
	}
}

// Build creates a graph from specs. It rejects duplicate IDs, dependencies on
// unknown IDs, self-dependencies and cycles. All structural problems except
// cycles are reported together.
func Build(specs []Spec) (*Graph, error) {
	g := New()
	var errs []error
	for _, s := range specs {
		if g.has(s.ID) {
			errs = append(errs, fmt.Errorf("%w: '%s'", ErrDuplicateNode, s.ID))
			continue
		}
		g.AddNode(s.ID)
	}
	for _, s := range specs {
		for _, dep := range s.DependsOn {
			switch {
			case dep == s.ID:
				errs = append(errs, fmt.Errorf("%w: '%s' depends on itself", ErrSelfDependency, s.ID))
			case !g.has(dep):
				errs = append(errs, fmt.Errorf("%w: '%s' depends on '%s'", ErrUnknownDependency, s.ID, dep))
			default:
				if err := g.AddEdge(dep, s.ID); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := g.DetectCycles(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) has(id string) bool {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	_, ok := g.nodes[id]
	return ok
}

// AddNode adds a new node with the given ID to the graph. If a node with
// the same ID already exists, the function does nothing.
func (g *Graph) AddNode(id string) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if _, ok := g.nodes[id]; ok {
		return
	}

	g.nodes[id] = &node{
		id:         id,
		deps:       make(map[string]*node),
		dependents: make(map[string]*node),
	}
}

// AddEdge creates a directed edge from the `fromID` node to the `toID` node.
// This signifies that `toID` has a dependency on `fromID`.
func (g *Graph) AddEdge(fromID, toID string) error {
	if fromID == toID {
		return fmt.Errorf("%w: %s -> %s", ErrSelfDependency, fromID, fromID)
	}

	g.mutex.Lock()
	defer g.mutex.Unlock()

	fromNode, ok := g.nodes[fromID]
	if !ok {
		return fmt.Errorf("source %w: %s", ErrNodeNotFound, fromID)
	}

	toNode, ok := g.nodes[toID]
	if !ok {
		return fmt.Errorf("destination %w: %s", ErrNodeNotFound, toID)
	}

	toNode.deps[fromID] = fromNode
	fromNode.dependents[toID] = toNode

	return nil
}

// Nodes returns all node IDs in sorted order.
func (g *Graph) Nodes() []string {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return sortedKeys(g.nodes)
}

// Dependencies returns the sorted IDs the given node depends on.
func (g *Graph) Dependencies(id string) ([]string, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return sortedKeys(n.deps), nil
}

// Dependents returns the sorted IDs that directly depend on the given node.
func (g *Graph) Dependents(id string) ([]string, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return sortedKeys(n.dependents), nil
}

// Descendants returns every node reachable from id through dependent edges,
// sorted, excluding id itself.
func (g *Graph) Descendants(id string) ([]string, error) {
	return g.reachable(id, func(n *node) map[string]*node { return n.dependents })
}

// Ancestors returns every node id transitively depends on, sorted,
// excluding id itself.
func (g *Graph) Ancestors(id string) ([]string, error) {
	return g.reachable(id, func(n *node) map[string]*node { return n.deps })
}

func (g *Graph) reachable(id string, next func(*node) map[string]*node) ([]string, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	start, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	seen := make(map[string]*node)
	queue := []*node{start}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for nextID, d := range next(n) {
			if _, ok := seen[nextID]; ok {
				continue
			}
			seen[nextID] = d
			queue = append(queue, d)
		}
	}
	return sortedKeys(seen), nil
}

// DetectCycles checks the graph for any cycles and returns a *CycleError
// describing the first one found. Traversal order is deterministic.
func (g *Graph) DetectCycles() error {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	// Classic three-colour depth-first search: permanent nodes are fully
	// explored, temporary nodes are on the current recursion stack.
	permanent := make(map[string]bool)
	temporary := make(map[string]bool)
	var stack []string

	var visit func(n *node) error
	visit = func(n *node) error {
		if permanent[n.id] {
			return nil
		}
		if temporary[n.id] {
			start := 0
			for i, id := range stack {
				if id == n.id {
					start = i
					break
				}
			}
			path := append(append([]string{}, stack[start:]...), n.id)
			return &CycleError{Path: path}
		}

		temporary[n.id] = true
		stack = append(stack, n.id)

		for _, id := range sortedKeys(n.dependents) {
			if err := visit(n.dependents[id]); err != nil {
				return err
			}
		}

		stack = stack[:len(stack)-1]
		delete(temporary, n.id)
		permanent[n.id] = true
		return nil
	}

	for _, id := range sortedKeys(g.nodes) {
		if err := visit(g.nodes[id]); err != nil {
			return err
		}
	}
	return nil
}

// Layers groups the nodes by topological depth: layer 0 holds nodes without
// dependencies, layer N holds nodes whose dependencies all sit in layers < N.
// IDs within a layer are sorted. A cyclic graph yields a *CycleError.
func (g *Graph) Layers() ([][]string, error) {
	if err := g.DetectCycles(); err != nil {
		return nil, err
	}

	g.mutex.RLock()
	defer g.mutex.RUnlock()

	remaining := make(map[string]int, len(g.nodes))
	for id, n := range g.nodes {
		remaining[id] = len(n.deps)
	}

	var layers [][]string
	for len(remaining) > 0 {
		var layer []string
		for id, count := range remaining {
			if count == 0 {
				layer = append(layer, id)
			}
		}
		sort.Strings(layer)
		for _, id := range layer {
			delete(remaining, id)
			for depID := range g.nodes[id].dependents {
				remaining[depID]--
			}
		}
		layers = append(layers, layer)
	}
	return layers, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
