// Package registry is the name-keyed catalogue of stage implementations.
// Modules register factories at start-up; the loader and the isolated worker
// resolve stage definitions through it.
package registry
