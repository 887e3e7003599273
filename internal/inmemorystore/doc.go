// Package inmemorystore provides an ephemeral, thread-safe, in-memory
// implementation of the recordstore.Store interface.
//
// A single mutex guards all records. Every operation touches one record and
// holds the lock only for a map lookup and a small copy, so contention stays
// low even with many concurrent dispatch goroutines, and Transition can check
// and apply a status change atomically.
package inmemorystore
