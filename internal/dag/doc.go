// Package dag provides the stage dependency graph: an adjacency map with a
// depth-first cycle check and a layered topological sort. All operations on
// a Graph are concurrency-safe.
package dag
