package env_vars

import (
	"context"
	"os"
	"strings"

	"github.com/specialistvlad/stagegridgo/internal/registry"
	"github.com/specialistvlad/stagegridgo/internal/stage"
	"github.com/specialistvlad/stagegridgo/internal/stagectx"
)

// Key is the registry key of the env_vars stage.
const Key = "env_vars"

// Module implements the registry.Module interface for this package.
type Module struct{}

// Config filters the captured variables.
type Config struct {
	// Prefix keeps only variables whose name starts with it.
	Prefix string `json:"prefix"`
	// Output is the output key the variables are stored under.
	Output string `json:"output"`
}

// Register registers the stage factory.
func (m *Module) Register(r *registry.Registry) {
	r.Register(Key, func(name string, cfg map[string]any) (stage.Stage, error) {
		c := Config{Output: "env"}
		if err := stage.DecodeConfig(cfg, &c); err != nil {
			return nil, err
		}
		return &stage.Funcs{
			StageName: name,
			ExecuteFn: func(_ context.Context, sc stagectx.Context) (stagectx.Context, error) {
				return sc.WithOutput(c.Output, capture(os.Environ(), c.Prefix)), nil
			},
		}, nil
	})
}

// capture returns the environ entries matching prefix as a map. Values are
// typed any so the map has the same shape after a JSON round trip.
func capture(environ []string, prefix string) map[string]any {
	out := make(map[string]any)
	for _, e := range environ {
		k, v, ok := strings.Cut(e, "=")
		if !ok || !strings.HasPrefix(k, prefix) {
			continue
		}
		out[k] = v
	}
	return out
}
