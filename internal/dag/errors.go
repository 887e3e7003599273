package dag

import (
	"errors"
	"strings"
)

var (
	ErrCycle             = errors.New("cycle detected")
	ErrDuplicateNode     = errors.New("duplicate node")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrSelfDependency    = errors.New("self-referential edge not allowed")
	ErrNodeNotFound      = errors.New("node not found")
)

// CycleError reports a dependency cycle. Path starts and ends with the same
// node, in execution order.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return ErrCycle.Error()
	}
	return ErrCycle.Error() + ": " + strings.Join(e.Path, " -> ")
}

func (e *CycleError) Unwrap() error { return ErrCycle }
