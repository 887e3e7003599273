package events

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/specialistvlad/stagegridgo/internal/ctxlog"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

// DefaultSocketIOEvent is the socket.io event name events are emitted under.
const DefaultSocketIOEvent = "stagegrid:event"

// Emitter is the part of a socket.io client the sink needs.
type Emitter interface {
	Emit(event string, payload map[string]any) error
	Close() error
}

// SocketIOSink forwards events to a socket.io namespace, typically a
// monitoring dashboard.
type SocketIOSink struct {
	Emitter Emitter
	Event   string
}

// Send emits e as a JSON object.
func (s *SocketIOSink) Send(_ context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	var payload map[string]any
	if err := json.Unmarshal(b, &payload); err != nil {
		return err
	}
	name := s.Event
	if name == "" {
		name = DefaultSocketIOEvent
	}
	return s.Emitter.Emit(name, payload)
}

// Close disconnects the underlying client.
func (s *SocketIOSink) Close() error { return s.Emitter.Close() }

// SocketIOOptions configures DialSocketIO.
type SocketIOOptions struct {
	URL                string
	Namespace          string
	InsecureSkipVerify bool
	ConnectTimeout     time.Duration
}

type socketEmitter struct {
	io *socket.Socket
}

func (s socketEmitter) Emit(event string, payload map[string]any) error {
	s.io.Emit(event, payload)
	return nil
}

func (s socketEmitter) Close() error {
	s.io.Disconnect()
	return nil
}

// DialSocketIO connects to a socket.io server over websocket and returns a
// sink emitting on it.
func DialSocketIO(ctx context.Context, opts SocketIOOptions) (*SocketIOSink, error) {
	io, err := Dial(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &SocketIOSink{Emitter: socketEmitter{io: io}, Event: DefaultSocketIOEvent}, nil
}

// Dial opens a websocket-only socket.io connection and waits until the
// server accepts it.
func Dial(ctx context.Context, opts SocketIOOptions) (*socket.Socket, error) {
	logger := ctxlog.FromContext(ctx).With("socketio_url", opts.URL)

	parsedURL, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("socket.io URL %q must include scheme and host", opts.URL)
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 15 * time.Second
	}

	sopts := socket.DefaultOptions()
	sopts.SetPath(parsedURL.Path)
	if opts.InsecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification")
		sopts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	sopts.SetTransports(types.NewSet(transports.WebSocket))

	connectChan := make(chan error, 2)
	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	manager := socket.NewManager(baseURL, sopts)
	io := manager.Socket(opts.Namespace, sopts)

	io.Once(types.EventName("connect"), func(...any) {
		logger.Debug("Connected to socket.io server.", "sid", io.Id())
		connectChan <- nil
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		var err error
		if len(errs) > 0 {
			err, _ = errs[0].(error)
			if err == nil {
				err = fmt.Errorf("connect_error: %v", errs[0])
			}
		} else {
			err = fmt.Errorf("connect_error")
		}
		connectChan <- err
	})
	io.Connect()

	select {
	case err := <-connectChan:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
		return io, nil
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("context cancelled while waiting for socket.io connection: %w", ctx.Err())
	case <-time.After(opts.ConnectTimeout):
		io.Disconnect()
		return nil, fmt.Errorf("timed out after %s waiting for socket.io connection", opts.ConnectTimeout)
	}
}
