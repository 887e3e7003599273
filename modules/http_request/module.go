// Package http_request calls an HTTP endpoint, for example to notify an
// archive service that products are ready.
package http_request

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/specialistvlad/stagegridgo/internal/ctxlog"
	"github.com/specialistvlad/stagegridgo/internal/errcode"
	"github.com/specialistvlad/stagegridgo/internal/registry"
	"github.com/specialistvlad/stagegridgo/internal/stage"
	"github.com/specialistvlad/stagegridgo/internal/stagectx"
)

// Key is the registry key of the http_request stage.
const Key = "http_request"

// maxBody bounds the response body kept as output.
const maxBody = 1 << 20

// Module implements the registry.Module interface for this package.
type Module struct {
	// Client defaults to a client with a 60s timeout, shared by every stage
	// built from this module.
	Client *http.Client
}

// Config describes the request.
type Config struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	// ExpectStatus lists accepted status codes. Empty accepts any 2xx.
	ExpectStatus []int `json:"expect_status"`
}

// Register registers the stage factory.
func (m *Module) Register(r *registry.Registry) {
	client := m.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	r.Register(Key, func(name string, cfg map[string]any) (stage.Stage, error) {
		c := Config{Method: http.MethodGet}
		if err := stage.DecodeConfig(cfg, &c); err != nil {
			return nil, err
		}
		if c.URL == "" {
			return nil, fmt.Errorf("http_request stage '%s': url is required", name)
		}
		return &stage.Funcs{
			StageName: name,
			ExecuteFn: func(ctx context.Context, sc stagectx.Context) (stagectx.Context, error) {
				return do(ctx, client, c, sc)
			},
		}, nil
	})
}

func do(ctx context.Context, client *http.Client, c Config, sc stagectx.Context) (stagectx.Context, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Info("Making HTTP request", "method", c.Method, "url", c.URL)

	var body io.Reader
	if c.Body != "" {
		body = strings.NewReader(c.Body)
	}
	req, err := http.NewRequestWithContext(ctx, c.Method, c.URL, body)
	if err != nil {
		return sc, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return sc, ctx.Err()
		}
		return sc, errcode.Wrap(errcode.IOError, fmt.Errorf("failed to execute request: %w", err))
	}
	defer resp.Body.Close()
	logger.Info("Received HTTP response", "status", resp.Status)

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return sc, errcode.Wrap(errcode.IOError, fmt.Errorf("failed to read response body: %w", err))
	}
	if !accepted(resp.StatusCode, c.ExpectStatus) {
		code := errcode.ExternalToolFailure
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			code = errcode.IOError
		}
		return sc, errcode.Errorf(code, "unexpected response status %s", resp.Status)
	}
	return sc.WithOutputs(map[string]any{
		"status_code": resp.StatusCode,
		"body":        string(b),
	}), nil
}

func accepted(status int, expect []int) bool {
	if len(expect) == 0 {
		return status >= 200 && status < 300
	}
	for _, s := range expect {
		if s == status {
			return true
		}
	}
	return false
}
