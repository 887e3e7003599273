// Package events publishes stage-transition and run lifecycle events for live
// monitoring. The orchestrator publishes; sinks forward events to logs or a
// socket.io dashboard. Publishing never blocks: a subscriber that falls
// behind loses events rather than slowing the scheduler.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/specialistvlad/stagegridgo/internal/errcode"
)

// Type names an event.
type Type string

const (
	RunStarted      Type = "RUN_STARTED"
	RunFinished     Type = "RUN_FINISHED"
	StageTransition Type = "STAGE_TRANSITION"
	StageRetry      Type = "STAGE_RETRY"
)

// Event is one observation. From and To are stage statuses for transitions;
// for RUN_FINISHED To holds the overall run status.
type Event struct {
	ID      string       `json:"id"`
	Type    Type         `json:"type"`
	RunID   string       `json:"run_id"`
	Stage   string       `json:"stage,omitempty"`
	From    string       `json:"from,omitempty"`
	To      string       `json:"to,omitempty"`
	Attempt int          `json:"attempt,omitempty"`
	Code    errcode.Code `json:"code,omitempty"`
	Message string       `json:"message,omitempty"`
	Time    time.Time    `json:"time"`
}

// DefaultHistory is the number of events a Bus retains when created with a
// non-positive history size.
const DefaultHistory = 1024

// Bus fans events out to subscribers and keeps a bounded history.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	history []Event
	limit   int
	dropped int
}

// NewBus creates a Bus retaining up to history events.
func NewBus(history int) *Bus {
	if history <= 0 {
		history = DefaultHistory
	}
	return &Bus{subs: make(map[int]chan Event), limit: history}
}

// Publish stamps e with an ID and time when missing and delivers it.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, e)
	if over := len(b.history) - b.limit; over > 0 {
		b.history = append([]Event(nil), b.history[over:]...)
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped++
		}
	}
}

// Subscribe returns a channel receiving every event published from now on
// and a function that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// History returns the retained events, oldest first. A non-empty runID
// filters to that run.
func (b *Bus) History(runID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, 0, len(b.history))
	for _, e := range b.history {
		if runID == "" || e.RunID == runID {
			out = append(out, e)
		}
	}
	return out
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (b *Bus) Dropped() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
