// Package deadletter keeps stage failures that retries could not fix, so an
// operator can inspect, resolve or requeue them after the run has ended.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/uuid"
	"github.com/specialistvlad/stagegridgo/internal/errcode"
	"github.com/specialistvlad/stagegridgo/internal/stagectx"
	"go.uber.org/multierr"
)

// ErrNotFound is returned for an unknown entry id.
var ErrNotFound = errors.New("dead-letter entry not found")

// DefaultLimit caps Unresolved when the filter sets no limit.
const DefaultLimit = 100

// Reason says why a stage was dead-lettered.
type Reason string

const (
	RetriesExhausted Reason = "retries_exhausted"
	NonRetryable     Reason = "non_retryable_error"
	Timeout          Reason = "timeout"
	InvalidData      Reason = "invalid_data"
	ManualRejection  Reason = "manual_rejection"
)

// ReasonFor classifies a terminal failure code. retryable tells whether the
// stage's retry policy would have retried the code.
func ReasonFor(code errcode.Code, retryable bool) Reason {
	switch {
	case code == errcode.Timeout:
		return Timeout
	case code == errcode.ValidationError:
		return InvalidData
	case retryable:
		return RetriesExhausted
	}
	return NonRetryable
}

// Entry is one dead-lettered stage failure.
type Entry struct {
	ID       string       `json:"id"`
	Pipeline string       `json:"pipeline"`
	RunID    string       `json:"run_id"`
	Stage    string       `json:"stage"`
	Uses     string       `json:"uses,omitempty"`
	Reason   Reason       `json:"reason"`
	Code     errcode.Code `json:"code"`
	Message  string       `json:"message"`
	Attempts int          `json:"attempts"`
	// Context is what the stage started from; requeueing replays it.
	Context       stagectx.Context `json:"context"`
	LastAttemptAt time.Time        `json:"last_attempt_at"`
	CreatedAt     time.Time        `json:"created_at"`
	Resolution    *Resolution      `json:"resolution,omitempty"`
}

// Resolution records who closed an entry and why.
type Resolution struct {
	At    time.Time `json:"at"`
	By    string    `json:"by"`
	Notes string    `json:"notes,omitempty"`
}

// Filter narrows Unresolved. Zero values match everything.
type Filter struct {
	Reason Reason
	Stage  string
	Limit  int
}

// Stats summarises the queue.
type Stats struct {
	Unresolved int            `json:"unresolved" yaml:"unresolved"`
	Resolved   int            `json:"resolved" yaml:"resolved"`
	ByReason   map[Reason]int `json:"by_reason" yaml:"by_reason"`
}

// Recorder accepts new entries. *Queue implements it.
type Recorder interface {
	Add(ctx context.Context, e Entry) (string, error)
}

// Queue is a pebble-backed dead-letter queue. Entry ids are time-ordered
// UUIDv7 strings, so key order is creation order.
type Queue struct {
	db *pebble.DB
	// mu serialises read-modify-write updates of single entries.
	mu sync.Mutex
}

var _ Recorder = (*Queue)(nil)

// Open opens or creates a queue in dir.
func Open(dir string) (*Queue, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dir, err)
	}
	return &Queue{db: db}, nil
}

// OpenInMemory opens a queue that lives only as long as the process.
func OpenInMemory() (*Queue, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory queue: %w", err)
	}
	return &Queue{db: db}, nil
}

const prefix = "dlq/"

func key(id string) []byte { return []byte(prefix + id) }

// Add stores e and returns its id. ID and CreatedAt are assigned when empty.
func (q *Queue) Add(_ context.Context, e Entry) (string, error) {
	if e.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("generate entry id: %w", err)
		}
		e.ID = id.String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.LastAttemptAt.IsZero() {
		e.LastAttemptAt = e.CreatedAt
	}
	if err := q.put(e); err != nil {
		return "", err
	}
	return e.ID, nil
}

// Get returns one entry.
func (q *Queue) Get(_ context.Context, id string) (Entry, error) {
	v, closer, err := q.db.Get(key(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Entry{}, err
	}
	defer closer.Close()
	return decode(v)
}

// Unresolved returns open entries matching f, newest first.
func (q *Queue) Unresolved(_ context.Context, f Filter) ([]Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	var out []Entry
	err := q.scan(true, func(e Entry) bool {
		if e.Resolution != nil || (f.Reason != "" && e.Reason != f.Reason) || (f.Stage != "" && e.Stage != f.Stage) {
			return true
		}
		out = append(out, e)
		return len(out) < limit
	})
	return out, err
}

// Resolve closes an entry. It reports false when the entry was already
// resolved.
func (q *Queue) Resolve(ctx context.Context, id, by, notes string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if e.Resolution != nil {
		return false, nil
	}
	if by == "" {
		by = "system"
	}
	e.Resolution = &Resolution{At: time.Now().UTC(), By: by, Notes: notes}
	return true, q.put(e)
}

// Requeue hands an entry back for reprocessing and resolves it. The returned
// entry carries the stage name and the context it started from.
func (q *Queue) Requeue(ctx context.Context, id, by string) (Entry, error) {
	e, err := q.Get(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	ok, err := q.Resolve(ctx, id, by, "requeued")
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, fmt.Errorf("entry %s is already resolved", id)
	}
	return e, nil
}

// Stats counts entries by resolution state and reason.
func (q *Queue) Stats(context.Context) (Stats, error) {
	s := Stats{ByReason: make(map[Reason]int)}
	err := q.scan(false, func(e Entry) bool {
		if e.Resolution != nil {
			s.Resolved++
			return true
		}
		s.Unresolved++
		s.ByReason[e.Reason]++
		return true
	})
	return s, err
}

// Close flushes and closes the database.
func (q *Queue) Close() error {
	return multierr.Append(q.db.Flush(), q.db.Close())
}

func (q *Queue) put(e Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode dead-letter entry for stage '%s': %w", e.Stage, err)
	}
	return q.db.Set(key(e.ID), b, pebble.Sync)
}

// scan visits every entry in key order, or reverse order when newestFirst is
// set, until fn returns false.
func (q *Queue) scan(newestFirst bool, fn func(Entry) bool) (err error) {
	it, err := q.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: []byte(prefix + "\xff"),
	})
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, it.Close()) }()

	valid, step := it.First, it.Next
	if newestFirst {
		valid, step = it.Last, it.Prev
	}
	for ok := valid(); ok; ok = step() {
		e, err := decode(it.Value())
		if err != nil {
			return err
		}
		if !fn(e) {
			break
		}
	}
	return it.Error()
}

func decode(v []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(v, &e); err != nil {
		return Entry{}, fmt.Errorf("decode dead-letter entry: %w", err)
	}
	return e, nil
}
