package testutil

import (
	"context"
	"errors"
	"time"

	"github.com/specialistvlad/stagegridgo/internal/errcode"
	"github.com/specialistvlad/stagegridgo/internal/stage"
	"github.com/specialistvlad/stagegridgo/internal/stagectx"
)

// RecordingStage is an in-process stage whose behaviour is configured per
// test. It records execution intervals and counts calls of every hook.
type RecordingStage struct {
	StageName string
	Rec       *Recorder
	Sleep     time.Duration
	// FailWith makes Execute fail on every attempt with this code.
	FailWith errcode.Code
	// FailAttempts makes the first N attempts fail with FailWith (or IO_ERROR).
	FailAttempts  int
	InvalidInput  bool
	InvalidOutput bool
	CleanupErr    error
	Outputs       map[string]any
	WatchCancel   bool
}

var _ stage.Stage = (*RecordingStage)(nil)

func (s *RecordingStage) Name() string { return s.StageName }

func (s *RecordingStage) Validate(stagectx.Context) (bool, string) {
	s.Rec.Count(s.StageName + ".validate")
	if s.InvalidInput {
		return false, "precondition not met"
	}
	return true, ""
}

func (s *RecordingStage) Execute(ctx context.Context, sc stagectx.Context) (stagectx.Context, error) {
	n := s.Rec.Count(s.StageName + ".execute")
	start := time.Now()
	defer func() { s.Rec.Record(s.StageName, ExecutionRecord{Start: start, End: time.Now()}) }()

	if s.Sleep > 0 {
		if s.WatchCancel {
			select {
			case <-time.After(s.Sleep):
			case <-ctx.Done():
				return sc, ctx.Err()
			}
		} else {
			time.Sleep(s.Sleep)
		}
	}
	switch {
	case s.FailAttempts > 0 && n <= s.FailAttempts:
		code := s.FailWith
		if code == "" {
			code = errcode.IOError
		}
		return sc, errcode.Wrap(code, errors.New("transient failure"))
	case s.FailAttempts == 0 && s.FailWith != "":
		return sc, errcode.Wrap(s.FailWith, errors.New("permanent failure"))
	}
	out := sc.WithOutput(s.StageName+".done", true)
	if len(s.Outputs) > 0 {
		out = out.WithOutputs(s.Outputs)
	}
	return out, nil
}

func (s *RecordingStage) Cleanup(context.Context, stagectx.Context) error {
	s.Rec.Count(s.StageName + ".cleanup")
	return s.CleanupErr
}

func (s *RecordingStage) ValidateOutputs(stagectx.Context) (bool, string) {
	s.Rec.Count(s.StageName + ".validate_outputs")
	if s.InvalidOutput {
		return false, "outputs rejected"
	}
	return true, ""
}
