package http_request

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/specialistvlad/stagegridgo/internal/errcode"
	"github.com/specialistvlad/stagegridgo/internal/registry"
	"github.com/specialistvlad/stagegridgo/internal/stage"
	"github.com/specialistvlad/stagegridgo/internal/stagectx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func build(t *testing.T, cfg map[string]any) stage.Stage {
	t.Helper()
	r := registry.New()
	r.RegisterModules(&Module{})
	s, err := r.Build(Key, "notify", cfg)
	require.NoError(t, err)
	return s
}

func TestHTTPRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			b, _ := io.ReadAll(r.Body)
			w.Header().Set("X-Method", r.Method)
			_, _ = w.Write([]byte(r.Method + ":" + r.Header.Get("X-Job") + ":" + string(b)))
		case "/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	t.Run("success", func(t *testing.T) {
		s := build(t, map[string]any{
			"url":     srv.URL + "/ok",
			"method":  "POST",
			"headers": map[string]any{"X-Job": "42"},
			"body":    "ready",
		})
		out, err := s.Execute(context.Background(), stagectx.Context{})
		require.NoError(t, err)
		body, _ := out.Output("body")
		status, _ := out.Output("status_code")
		assert.Equal(t, "POST:42:ready", body)
		assert.Equal(t, http.StatusOK, status)
	})

	t.Run("server error is retryable", func(t *testing.T) {
		_, err := build(t, map[string]any{"url": srv.URL + "/busy"}).Execute(context.Background(), stagectx.Context{})
		assert.Equal(t, errcode.IOError, errcode.Of(err))
	})

	t.Run("client error is not", func(t *testing.T) {
		_, err := build(t, map[string]any{"url": srv.URL + "/missing"}).Execute(context.Background(), stagectx.Context{})
		assert.Equal(t, errcode.ExternalToolFailure, errcode.Of(err))
	})

	t.Run("expected status", func(t *testing.T) {
		_, err := build(t, map[string]any{"url": srv.URL + "/missing", "expect_status": []any{404}}).Execute(context.Background(), stagectx.Context{})
		assert.NoError(t, err)
	})

	t.Run("url required", func(t *testing.T) {
		r := registry.New()
		r.RegisterModules(&Module{})
		_, err := r.Build(Key, "notify", nil)
		require.ErrorContains(t, err, "url is required")
	})
}
