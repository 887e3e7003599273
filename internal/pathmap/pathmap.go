// Package pathmap canonicalises the raw output paths a stage reports into a
// stable layout under the run's output root:
//
//	<root>/<runID>/<stage>/<key>/<basename>
//
// Both executor backends call Map from the orchestrating process, so the
// resulting locations do not depend on where the stage ran.
package pathmap

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/specialistvlad/stagegridgo/internal/errcode"
)

// Request describes one mapping.
type Request struct {
	Root  string
	RunID string
	Stage string
	// Organize disables relocation when false; paths are then only made absolute.
	Organize bool
}

// Dir returns the canonical directory for key.
func (r Request) Dir(key string) string {
	return filepath.Join(r.Root, sanitize(r.RunID), sanitize(r.Stage), sanitize(key))
}

// Map moves every raw path into its canonical location and returns the new
// map. A path that is already canonical is left in place, so Map is
// idempotent. Missing sources yield an IO_ERROR.
func Map(req Request, raw map[string]string) (map[string]string, error) {
	if len(raw) == 0 {
		return map[string]string{}, nil
	}
	root, err := filepath.Abs(req.Root)
	if err != nil {
		return nil, errcode.Wrap(errcode.IOError, err)
	}
	req.Root = root

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(raw))
	for _, key := range keys {
		src, err := filepath.Abs(raw[key])
		if err != nil {
			return nil, errcode.Wrap(errcode.IOError, err)
		}
		if !req.Organize {
			out[key] = src
			continue
		}
		dst := filepath.Join(req.Dir(key), filepath.Base(src))
		if src == dst {
			out[key] = dst
			continue
		}
		if err := move(src, dst); err != nil {
			return nil, errcode.Errorf(errcode.IOError, "mapping output '%s' of stage '%s': %w", key, req.Stage, err)
		}
		out[key] = dst
	}
	return out, nil
}

// IsCanonical reports whether every path of m already sits in its canonical
// location for req.
func IsCanonical(req Request, m map[string]string) bool {
	root, err := filepath.Abs(req.Root)
	if err != nil {
		return false
	}
	req.Root = root
	for key, p := range m {
		if filepath.Join(req.Dir(key), filepath.Base(p)) != p {
			return false
		}
	}
	return true
}

func move(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) {
		return err
	}
	// Cross-device: copy then remove.
	if err := copyTree(src, dst); err != nil {
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	return os.RemoveAll(src)
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "_"
	}
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
}
