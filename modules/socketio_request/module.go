// Package socketio_request emits an event to a socket.io server and waits
// for a reply event, storing the reply payload as a stage output.
package socketio_request

import (
	"context"
	"fmt"
	"time"

	"github.com/specialistvlad/stagegridgo/internal/ctxlog"
	"github.com/specialistvlad/stagegridgo/internal/errcode"
	"github.com/specialistvlad/stagegridgo/internal/events"
	"github.com/specialistvlad/stagegridgo/internal/registry"
	"github.com/specialistvlad/stagegridgo/internal/stage"
	"github.com/specialistvlad/stagegridgo/internal/stagectx"
	"github.com/zishang520/engine.io/v2/types"
)

// Key is the registry key of the socketio_request stage.
const Key = "socketio_request"

// Module implements the registry.Module interface for this package.
type Module struct{}

// Config describes one request/reply exchange.
type Config struct {
	URL                string         `json:"url"`
	Namespace          string         `json:"namespace"`
	InsecureSkipVerify bool           `json:"insecure_skip_verify"`
	EmitEvent          string         `json:"emit_event"`
	EmitData           map[string]any `json:"emit_data"`
	OnEvent            string         `json:"on_event"`
	Timeout            string         `json:"timeout"`
	// Output is the output key the reply is stored under.
	Output string `json:"output"`
}

// Register registers the stage factory.
func (m *Module) Register(r *registry.Registry) {
	r.Register(Key, New)
}

// New builds a socketio_request stage.
func New(name string, cfg map[string]any) (stage.Stage, error) {
	c := Config{Namespace: "/", Timeout: "30s", Output: "response_data"}
	if err := stage.DecodeConfig(cfg, &c); err != nil {
		return nil, err
	}
	if c.URL == "" || c.EmitEvent == "" || c.OnEvent == "" {
		return nil, fmt.Errorf("socketio_request stage '%s': url, emit_event and on_event are required", name)
	}
	timeout, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return nil, fmt.Errorf("socketio_request stage '%s': failed to parse timeout: %w", name, err)
	}
	return &stage.Funcs{
		StageName: name,
		ExecuteFn: func(ctx context.Context, sc stagectx.Context) (stagectx.Context, error) {
			reply, err := request(ctx, c, timeout, sc)
			if err != nil {
				return sc, err
			}
			return sc.WithOutput(c.Output, reply), nil
		},
	}, nil
}

type opResult struct {
	value any
	err   error
}

func request(ctx context.Context, c Config, timeout time.Duration, sc stagectx.Context) (any, error) {
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	io, err := events.Dial(opCtx, events.SocketIOOptions{
		URL:                c.URL,
		Namespace:          c.Namespace,
		InsecureSkipVerify: c.InsecureSkipVerify,
		ConnectTimeout:     timeout,
	})
	if err != nil {
		return nil, errcode.Wrap(errcode.IOError, err)
	}
	defer io.Disconnect()

	logger := ctxlog.FromContext(ctx).With("sid", io.Id())
	logger.Info("Executing request", "emitEvent", c.EmitEvent, "onEvent", c.OnEvent)

	done := make(chan opResult, 1)
	io.Once(types.EventName(c.OnEvent), func(data ...any) {
		logger.Debug("Reply event received.", "event", c.OnEvent)
		var v any
		if len(data) > 0 {
			v = data[0]
		}
		select {
		case done <- opResult{value: v}:
		default:
		}
	})

	payload := map[string]any{"run_id": sc.Meta().RunID, "stage": sc.Meta().Stage}
	for k, v := range c.EmitData {
		payload[k] = v
	}
	io.Emit(c.EmitEvent, payload)

	select {
	case <-opCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errcode.Errorf(errcode.Timeout, "timed out after %v waiting for event '%s'", timeout, c.OnEvent)
	case res := <-done:
		logger.Info("Successfully received response event", "event", c.OnEvent)
		return res.value, res.err
	}
}
