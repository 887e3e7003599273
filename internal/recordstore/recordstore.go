// Package recordstore defines the per-stage run records the orchestrator
// maintains and the interface of the store that holds them.
//
// Records are created PENDING for every stage of a run and only move along
// the edges of the stage state machine:
//
//	PENDING -> RUNNING | FAILED | SKIPPED | SUCCEEDED (restored)
//	RUNNING -> SUCCEEDED | FAILED
//
// A store must be safe for concurrent use: several dispatch goroutines
// update records of different stages at the same time while observers read
// snapshots.
package recordstore

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/specialistvlad/stagegridgo/internal/errcode"
	"github.com/specialistvlad/stagegridgo/internal/stage"
)

// Status is the lifecycle state of one stage within a run.
type Status string

const (
	Pending   Status = "PENDING"
	Running   Status = "RUNNING"
	Succeeded Status = "SUCCEEDED"
	Failed    Status = "FAILED"
	Skipped   Status = "SKIPPED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == Succeeded || s == Failed || s == Skipped
}

var (
	ErrUnknownStage      = errors.New("unknown stage")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Allowed reports whether from -> to is an edge of the state machine.
func Allowed(from, to Status) bool {
	switch from {
	case Pending:
		return to == Running || to == Failed || to == Skipped || to == Succeeded
	case Running:
		return to == Succeeded || to == Failed
	}
	return false
}

// Attempt describes one dispatch of a stage.
type Attempt struct {
	Number    int           `json:"number" yaml:"number"`
	Mode      stage.Mode    `json:"mode" yaml:"mode"`
	Code      errcode.Code  `json:"code" yaml:"code"`
	Message   string        `json:"message,omitempty" yaml:"message,omitempty"`
	Cleanup   string        `json:"cleanup_error,omitempty" yaml:"cleanup_error,omitempty"`
	Delay     time.Duration `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	PID       int           `json:"pid,omitempty" yaml:"pid,omitempty"`
	StartedAt time.Time     `json:"started_at" yaml:"started_at"`
	EndedAt   time.Time     `json:"ended_at" yaml:"ended_at"`
}

// StageRunRecord is the orchestrator's account of one stage in a run.
type StageRunRecord struct {
	Stage  string `json:"stage" yaml:"stage"`
	Status Status `json:"status" yaml:"status"`
	// Retries is the number of attempts after the first.
	Retries  int          `json:"retries" yaml:"retries"`
	Attempts []Attempt    `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	Code     errcode.Code `json:"code,omitempty" yaml:"code,omitempty"`
	Error    string       `json:"error,omitempty" yaml:"error,omitempty"`
	// CleanupErrors are auxiliary diagnostics; they never decide Status.
	CleanupErrors []string          `json:"cleanup_errors,omitempty" yaml:"cleanup_errors,omitempty"`
	SkippedBy     string            `json:"skipped_by,omitempty" yaml:"skipped_by,omitempty"`
	Restored      bool              `json:"restored,omitempty" yaml:"restored,omitempty"`
	Mode          stage.Mode        `json:"mode,omitempty" yaml:"mode,omitempty"`
	OutputPaths   map[string]string `json:"output_paths,omitempty" yaml:"output_paths,omitempty"`
	StartedAt     time.Time         `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	EndedAt       time.Time         `json:"ended_at,omitempty" yaml:"ended_at,omitempty"`
}

// Clone returns a deep copy.
func (r StageRunRecord) Clone() StageRunRecord {
	r.Attempts = append([]Attempt(nil), r.Attempts...)
	r.CleanupErrors = append([]string(nil), r.CleanupErrors...)
	r.OutputPaths = maps.Clone(r.OutputPaths)
	return r
}

// Store holds the records of a single run.
type Store interface {
	// Init creates a PENDING record for each stage, replacing any existing ones.
	Init(stages []string)
	// Get returns a copy of a record.
	Get(stage string) (StageRunRecord, error)
	// Transition moves a record from its current status to `to` and then
	// applies mutate (which may be nil) to it, atomically.
	Transition(stage string, to Status, mutate func(*StageRunRecord)) (from Status, err error)
	// Update applies mutate without changing the status.
	Update(stage string, mutate func(*StageRunRecord)) error
	// Snapshot returns copies of all records sorted by stage name.
	Snapshot() []StageRunRecord
}

// TransitionError builds the error stores return for disallowed transitions.
func TransitionError(stage string, from, to Status) error {
	return fmt.Errorf("%w for '%s': %s -> %s", ErrInvalidTransition, stage, from, to)
}
