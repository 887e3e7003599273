// Package orchestrator schedules a stage graph and aggregates the outcome of
// a run.
//
// A run is created from stage definitions and an initial context, then
// executed once. Execution proceeds layer by layer in topological order;
// stages of a layer run concurrently, bounded by the resource budget. Each
// stage sees the initial context plus the outputs of its own ancestors, so
// independent branches never observe each other.
//
// Stage-scoped failures are recorded, never returned: the caller always gets
// a RunResult with one record per stage. Only graph construction errors
// (cycles, unknown dependencies, unknown implementations) are returned as
// errors, and they are returned before anything is dispatched.
package orchestrator
