// Package checkpoint persists successful stage results so an interrupted run
// can resume without recomputing stages whose inputs have not changed.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/specialistvlad/stagegridgo/internal/stagectx"
)

// ErrNotFound is returned by Load when no entry exists.
var ErrNotFound = errors.New("checkpoint not found")

// Entry is a saved stage result.
type Entry struct {
	Pipeline  string            `json:"pipeline"`
	Stage     string            `json:"stage"`
	InputHash string            `json:"input_hash"`
	Outputs   map[string]any    `json:"outputs,omitempty"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
	SavedAt   time.Time         `json:"saved_at"`
}

// Store loads and saves entries keyed by pipeline and stage.
type Store interface {
	Load(ctx context.Context, pipeline, stage string) (Entry, error)
	Save(ctx context.Context, e Entry) error
	Close() error
}

type hashInput struct {
	Stage     string            `json:"stage"`
	Uses      string            `json:"uses"`
	Config    map[string]any    `json:"config"`
	RunConfig map[string]any    `json:"run_config"`
	Inputs    map[string]any    `json:"inputs"`
	Outputs   map[string]any    `json:"outputs"`
	Artifacts map[string]string `json:"artifacts"`
}

// InputHash fingerprints everything a stage's result depends on: its own
// configuration and the context it would start from. Map keys are encoded in
// sorted order so equal inputs always hash equally.
func InputHash(stage, uses string, cfg map[string]any, sc stagectx.Context) (string, error) {
	b, err := json.Marshal(hashInput{
		Stage:     stage,
		Uses:      uses,
		Config:    cfg,
		RunConfig: sc.ConfigMap(),
		Inputs:    sc.Inputs(),
		Outputs:   sc.Outputs(),
		Artifacts: sc.Artifacts(),
	})
	if err != nil {
		return "", fmt.Errorf("hash inputs of stage '%s': %w", stage, err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func key(pipeline, stage string) string { return pipeline + "\x00" + stage }

// MemoryStore keeps entries in a map.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (m *MemoryStore) Load(_ context.Context, pipeline, stage string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key(pipeline, stage)]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (m *MemoryStore) Save(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key(e.Pipeline, e.Stage)] = e
	return nil
}

func (m *MemoryStore) Close() error { return nil }
