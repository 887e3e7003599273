package orchestrator

import (
	"errors"
	"time"

	"github.com/specialistvlad/stagegridgo/internal/errcode"
	"github.com/specialistvlad/stagegridgo/internal/recordstore"
	"github.com/specialistvlad/stagegridgo/internal/stagectx"
)

var (
	ErrRunNotFound        = errors.New("run not found")
	ErrRunAlreadyExecuted = errors.New("run already executed")
	ErrInvalidDefinition  = errors.New("invalid stage definition")
	ErrRunInProgress      = errors.New("run in progress")
)

// Status is the overall state of a run.
type Status string

const (
	Created   Status = "CREATED"
	Running   Status = "RUNNING"
	Completed Status = "COMPLETED"
	Partial   Status = "PARTIAL"
	Failed    Status = "FAILED"
)

// RunResult is the complete account of an executed run.
type RunResult struct {
	RunID  string                       `json:"run_id" yaml:"run_id"`
	JobID  string                       `json:"job_id" yaml:"job_id"`
	Status Status                       `json:"status" yaml:"status"`
	Stages []recordstore.StageRunRecord `json:"stages" yaml:"stages"`
	Layers [][]string                   `json:"layers" yaml:"layers"`
	// Context is the initial context merged with the outputs of every
	// stage that succeeded.
	Context   stagectx.Context `json:"context" yaml:"-"`
	Error     string           `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt time.Time        `json:"started_at" yaml:"started_at"`
	EndedAt   time.Time        `json:"ended_at" yaml:"ended_at"`
}

// Stage returns the record of the named stage.
func (r *RunResult) Stage(name string) (recordstore.StageRunRecord, bool) {
	for _, rec := range r.Stages {
		if rec.Stage == name {
			return rec, true
		}
	}
	return recordstore.StageRunRecord{}, false
}

// RunStatus is a point-in-time view of a run for observers.
type RunStatus struct {
	RunID  string                       `json:"run_id"`
	Status Status                       `json:"status"`
	Stages []recordstore.StageRunRecord `json:"stages"`
}

// aggregate derives the overall status from the terminal stage records.
// PARTIAL needs continueOnFailure, at least one success and no cancellation.
func aggregate(records []recordstore.StageRunRecord, continueOnFailure bool) Status {
	var failed, skipped, succeeded, cancelled bool
	for _, rec := range records {
		switch rec.Status {
		case recordstore.Failed:
			failed = true
			if rec.Code == errcode.Cancelled {
				cancelled = true
			}
		case recordstore.Skipped:
			skipped = true
		case recordstore.Succeeded:
			succeeded = true
		}
	}
	switch {
	case !failed && !skipped:
		return Completed
	case failed && continueOnFailure && succeeded && !cancelled:
		return Partial
	default:
		return Failed
	}
}
