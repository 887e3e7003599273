package inmemorystore

import (
	"fmt"
	"sort"
	"sync"

	"github.com/specialistvlad/stagegridgo/internal/recordstore"
)

// Store is an in-memory recordstore.Store.
type Store struct {
	mu      sync.Mutex
	records map[string]*recordstore.StageRunRecord
}

var _ recordstore.Store = (*Store)(nil)

// New creates a new, empty in-memory record store.
func New() *Store {
	return &Store{records: make(map[string]*recordstore.StageRunRecord)}
}

// Init creates a PENDING record for each stage.
func (s *Store) Init(stages []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*recordstore.StageRunRecord, len(stages))
	for _, name := range stages {
		s.records[name] = &recordstore.StageRunRecord{Stage: name, Status: recordstore.Pending}
	}
}

// Get returns a copy of the record for stage.
func (s *Store) Get(stage string) (recordstore.StageRunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[stage]
	if !ok {
		return recordstore.StageRunRecord{}, fmt.Errorf("%w: '%s'", recordstore.ErrUnknownStage, stage)
	}
	return r.Clone(), nil
}

// Transition validates and applies a status change.
func (s *Store) Transition(stage string, to recordstore.Status, mutate func(*recordstore.StageRunRecord)) (recordstore.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[stage]
	if !ok {
		return "", fmt.Errorf("%w: '%s'", recordstore.ErrUnknownStage, stage)
	}
	from := r.Status
	if !recordstore.Allowed(from, to) {
		return from, recordstore.TransitionError(stage, from, to)
	}
	r.Status = to
	if mutate != nil {
		mutate(r)
	}
	return from, nil
}

// Update mutates a record in place, keeping its status.
func (s *Store) Update(stage string, mutate func(*recordstore.StageRunRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[stage]
	if !ok {
		return fmt.Errorf("%w: '%s'", recordstore.ErrUnknownStage, stage)
	}
	status := r.Status
	mutate(r)
	r.Status = status
	return nil
}

// Snapshot returns copies of all records sorted by stage name.
func (s *Store) Snapshot() []recordstore.StageRunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]recordstore.StageRunRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out
}
