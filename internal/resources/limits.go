// Package resources turns declarative ResourceLimits into concrete process
// and thread constraints and owns the scheduler's global budget.
//
// In-process stages only get soft hints: numeric-library thread counts are
// exported through the environment and the Go soft memory limit is lowered
// for the duration of the call. Neither is a hard cap, because every stage
// shares the host process. Isolated workers receive the same hints plus
// rlimit directives that the worker applies to itself before running the
// stage, which the kernel then enforces.
package resources

import (
	"errors"
	"fmt"
	"strconv"
)

// Limits is the declarative resource envelope of one stage attempt.
// Zero fields mean "no limit" / "inherit".
type Limits struct {
	MemoryMB   int64 `json:"memory_mb,omitempty" yaml:"memory_mb,omitempty"`
	CPUSeconds int64 `json:"cpu_seconds,omitempty" yaml:"cpu_seconds,omitempty"`
	MaxWorkers int   `json:"max_workers,omitempty" yaml:"max_workers,omitempty"`
	OMPThreads int   `json:"omp_threads,omitempty" yaml:"omp_threads,omitempty"`
	MKLThreads int   `json:"mkl_threads,omitempty" yaml:"mkl_threads,omitempty"`
}

// DefaultThreads is used for the thread hints when neither the stage nor the
// orchestrator defaults set one.
const DefaultThreads = 4

// Merge returns l with every zero field taken from defaults.
func (l Limits) Merge(defaults Limits) Limits {
	if l.MemoryMB == 0 {
		l.MemoryMB = defaults.MemoryMB
	}
	if l.CPUSeconds == 0 {
		l.CPUSeconds = defaults.CPUSeconds
	}
	if l.MaxWorkers == 0 {
		l.MaxWorkers = defaults.MaxWorkers
	}
	if l.OMPThreads == 0 {
		l.OMPThreads = defaults.OMPThreads
	}
	if l.MKLThreads == 0 {
		l.MKLThreads = defaults.MKLThreads
	}
	return l
}

// Validate rejects negative values.
func (l Limits) Validate() error {
	var errs []error
	if l.MemoryMB < 0 {
		errs = append(errs, fmt.Errorf("memory_mb must be >= 0, got %d", l.MemoryMB))
	}
	if l.CPUSeconds < 0 {
		errs = append(errs, fmt.Errorf("cpu_seconds must be >= 0, got %d", l.CPUSeconds))
	}
	if l.MaxWorkers < 0 {
		errs = append(errs, fmt.Errorf("max_workers must be >= 0, got %d", l.MaxWorkers))
	}
	if l.OMPThreads < 0 || l.MKLThreads < 0 {
		errs = append(errs, errors.New("thread hints must be >= 0"))
	}
	return errors.Join(errs...)
}

func (l Limits) threads() (omp, mkl int) {
	omp, mkl = l.OMPThreads, l.MKLThreads
	if omp == 0 {
		omp = DefaultThreads
	}
	if mkl == 0 {
		mkl = omp
	}
	return omp, mkl
}

// ThreadEnv returns the numeric-library thread directives for l.
func (l Limits) ThreadEnv() map[string]string {
	omp, mkl := l.threads()
	return map[string]string{
		"OMP_NUM_THREADS":      strconv.Itoa(omp),
		"MKL_NUM_THREADS":      strconv.Itoa(mkl),
		"OPENBLAS_NUM_THREADS": strconv.Itoa(omp),
		"NUMEXPR_MAX_THREADS":  strconv.Itoa(omp),
	}
}
