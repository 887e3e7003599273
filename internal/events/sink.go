package events

import (
	"context"
	"log/slog"
	"sync"
)

// Sink receives forwarded events.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Forward subscribes sink to bus and delivers events on a goroutine until
// ctx is done or stop is called. stop waits for the goroutine to exit.
func Forward(ctx context.Context, bus *Bus, sink Sink, logger *slog.Logger) (stop func()) {
	ch, unsubscribe := bus.Subscribe(256)
	ctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				if err := sink.Send(ctx, e); err != nil && logger != nil {
					logger.Warn("Event sink failed.", "type", e.Type, "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			cancel()
			wg.Wait()
		})
	}
}

// LogSink writes events to a structured logger.
type LogSink struct {
	Logger *slog.Logger
	// Level is the level every event is logged at. The zero value is info.
	Level slog.Level
}

// Send logs e at Level.
func (s LogSink) Send(ctx context.Context, e Event) error {
	attrs := []any{"event", e.Type, "run_id", e.RunID}
	if e.Stage != "" {
		attrs = append(attrs, "stage", e.Stage, "from", e.From, "to", e.To, "attempt", e.Attempt)
	}
	if e.Code != "" {
		attrs = append(attrs, "code", e.Code)
	}
	if e.Message != "" {
		attrs = append(attrs, "message", e.Message)
	}
	s.Logger.Log(ctx, s.Level, "Pipeline event.", attrs...)
	return nil
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Send(ctx context.Context, e Event) error { return f(ctx, e) }
