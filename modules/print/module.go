package print

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/specialistvlad/stagegridgo/internal/ctxlog"
	"github.com/specialistvlad/stagegridgo/internal/registry"
	"github.com/specialistvlad/stagegridgo/internal/stage"
	"github.com/specialistvlad/stagegridgo/internal/stagectx"
)

// Key is the registry key of the print stage.
const Key = "print"

// Module implements the registry.Module interface for this package.
type Module struct {
	// Out defaults to os.Stdout.
	Out io.Writer
}

// Config lists the context keys to print. Empty means every input, output
// and artifact.
type Config struct {
	Keys []string `json:"keys"`
}

// Register registers the stage factory.
func (m *Module) Register(r *registry.Registry) {
	r.Register(Key, func(name string, cfg map[string]any) (stage.Stage, error) {
		var c Config
		if err := stage.DecodeConfig(cfg, &c); err != nil {
			return nil, err
		}
		out := m.Out
		if out == nil {
			out = os.Stdout
		}
		return &stage.Funcs{
			StageName: name,
			ExecuteFn: func(ctx context.Context, sc stagectx.Context) (stagectx.Context, error) {
				return sc, printContext(ctx, out, sc, c.Keys)
			},
		}, nil
	})
}

func printContext(ctx context.Context, w io.Writer, sc stagectx.Context, keys []string) error {
	ctxlog.FromContext(ctx).Info("Printing context", "keys", len(keys))

	values := make(map[string]any)
	for k, v := range sc.Inputs() {
		values["inputs."+k] = v
	}
	for k, v := range sc.Outputs() {
		values["outputs."+k] = v
	}
	for k, v := range sc.Artifacts() {
		values["artifacts."+k] = v
	}
	if len(keys) > 0 {
		selected := make(map[string]any, len(keys))
		for _, k := range keys {
			if v, ok := sc.Output(k); ok {
				selected[k] = v
			} else if v, ok := sc.Input(k); ok {
				selected[k] = v
			} else if v, ok := sc.Artifact(k); ok {
				selected[k] = v
			} else {
				selected[k] = nil
			}
		}
		values = selected
	}

	if len(values) == 0 {
		_, err := fmt.Fprintln(w, "      (empty)")
		return err
	}
	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		if _, err := fmt.Fprintf(w, "      %s = %v\n", k, values[k]); err != nil {
			return err
		}
	}
	return nil
}
