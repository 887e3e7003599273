package dag

import "sync"

// Graph is a collection of nodes and their dependencies, representing a DAG.
type Graph struct {
	// mutex protects the nodes map during concurrent access.
	mutex sync.RWMutex
	// nodes stores all nodes in the graph, keyed by their unique ID.
	nodes map[string]*node
}

// node is un-exported to enforce interaction with the graph via string IDs.
type node struct {
	id string
	// deps holds the set of nodes that this node depends on (predecessors).
	deps map[string]*node
	// dependents holds the set of nodes that depend on this node (successors).
	dependents map[string]*node
}

// Spec declares one node and the IDs it depends on.
type Spec struct {
	ID        string
	DependsOn []string
}
