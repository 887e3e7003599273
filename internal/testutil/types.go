package testutil

import (
	"sort"
	"sync"
	"time"
)

// ExecutionRecord holds the start and end times for a single stage execution.
type ExecutionRecord struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether two records share any instant.
func (r ExecutionRecord) Overlaps(o ExecutionRecord) bool {
	return r.Start.Before(o.End) && o.Start.Before(r.End)
}

// Recorder collects execution records and call counts from in-process stages.
type Recorder struct {
	mu      sync.Mutex
	records map[string][]ExecutionRecord
	calls   map[string]int
	order   []string
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		records: make(map[string][]ExecutionRecord),
		calls:   make(map[string]int),
	}
}

// Record stores one execution of name.
func (r *Recorder) Record(name string, rec ExecutionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[name] = append(r.records[name], rec)
	r.order = append(r.order, name)
}

// Count increments the counter for key and returns the new value.
func (r *Recorder) Count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[key]++
	return r.calls[key]
}

// Calls returns the counter for key.
func (r *Recorder) Calls(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[key]
}

// Records returns the executions of name.
func (r *Recorder) Records(name string) []ExecutionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ExecutionRecord(nil), r.records[name]...)
}

// Order returns stage names in completion order.
func (r *Recorder) Order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// Names returns every recorded stage name, sorted.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.records))
	for n := range r.records {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
