package resources

import (
	"os"
	"runtime/debug"
	"sort"
	"strconv"
	"sync"
)

// Environment variable names the worker reads its hard limits from.
const (
	EnvMemoryMB   = "STAGEGRID_LIMIT_MEMORY_MB"
	EnvCPUSeconds = "STAGEGRID_LIMIT_CPU_SECONDS"
)

// Manager applies soft limits around in-process stage calls. The knobs it
// touches are process-global, so overlapping guards are tracked: releasing a
// guard re-applies the most recent guard still held, and releasing the last
// one restores the values the process had before the first apply.
type Manager struct {
	mu       sync.Mutex
	seq      uint64
	active   []guard
	original map[string]*string
	memLimit int64
}

type guard struct {
	id     uint64
	env    map[string]string
	memory int64
}

// NewManager creates a Manager.
func NewManager() *Manager {
	return &Manager{}
}

// Apply sets the thread directives and soft memory limit for l and returns a
// function that undoes them. The release function is safe to call more than
// once; callers should defer it so restoration also happens on panic.
func (m *Manager) Apply(l Limits) (release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	env := l.ThreadEnv()
	if len(m.active) == 0 {
		m.original = make(map[string]*string, len(env))
		for k := range env {
			if v, ok := os.LookupEnv(k); ok {
				m.original[k] = &v
			} else {
				m.original[k] = nil
			}
		}
		m.memLimit = debug.SetMemoryLimit(-1)
	}

	m.seq++
	g := guard{id: m.seq, env: env, memory: l.MemoryMB}
	m.active = append(m.active, g)
	m.set(g)

	var once sync.Once
	return func() {
		once.Do(func() { m.release(g.id) })
	}
}

func (m *Manager) release(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, g := range m.active {
		if g.id == id {
			m.active = append(m.active[:i], m.active[i+1:]...)
			break
		}
	}
	if n := len(m.active); n > 0 {
		m.set(m.active[n-1])
		return
	}
	for k, v := range m.original {
		if v == nil {
			os.Unsetenv(k)
		} else {
			os.Setenv(k, *v)
		}
	}
	debug.SetMemoryLimit(m.memLimit)
	m.original = nil
}

func (m *Manager) set(g guard) {
	for k, v := range g.env {
		os.Setenv(k, v)
	}
	if g.memory > 0 {
		debug.SetMemoryLimit(g.memory << 20)
	} else {
		debug.SetMemoryLimit(m.memLimit)
	}
}

// Active reports how many guards are currently held.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// WorkerEnv returns the environment entries for an isolated worker running
// under l: the thread directives plus the hard-limit directives the worker
// turns into rlimits.
func (m *Manager) WorkerEnv(l Limits) []string {
	env := l.ThreadEnv()
	if l.MemoryMB > 0 {
		env[EnvMemoryMB] = strconv.FormatInt(l.MemoryMB, 10)
	}
	if l.CPUSeconds > 0 {
		env[EnvCPUSeconds] = strconv.FormatInt(l.CPUSeconds, 10)
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// LimitsFromEnv reads the hard-limit directives written by WorkerEnv.
func LimitsFromEnv(lookup func(string) (string, bool)) Limits {
	var l Limits
	if v, ok := lookup(EnvMemoryMB); ok {
		l.MemoryMB, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := lookup(EnvCPUSeconds); ok {
		l.CPUSeconds, _ = strconv.ParseInt(v, 10, 64)
	}
	return l
}
