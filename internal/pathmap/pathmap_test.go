package pathmap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/specialistvlad/stagegridgo/internal/errcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestMap(t *testing.T) {
	work := t.TempDir()
	root := t.TempDir()
	writeFile(t, filepath.Join(work, "raw.ms"), "visibilities")
	writeFile(t, filepath.Join(work, "img", "image.fits"), "pixels")

	req := Request{Root: root, RunID: "run-1", Stage: "imaging", Organize: true}
	got, err := Map(req, map[string]string{
		"ms":    filepath.Join(work, "raw.ms"),
		"image": filepath.Join(work, "img", "image.fits"),
	})
	require.NoError(t, err)

	want := map[string]string{
		"ms":    filepath.Join(root, "run-1", "imaging", "ms", "raw.ms"),
		"image": filepath.Join(root, "run-1", "imaging", "image", "image.fits"),
	}
	assert.Equal(t, want, got)

	b, err := os.ReadFile(want["ms"])
	require.NoError(t, err)
	assert.Equal(t, "visibilities", string(b))
	assert.NoFileExists(t, filepath.Join(work, "raw.ms"))
	assert.True(t, IsCanonical(req, got))
}

func TestMapIsIdempotent(t *testing.T) {
	work := t.TempDir()
	root := t.TempDir()
	writeFile(t, filepath.Join(work, "a.txt"), "a")

	req := Request{Root: root, RunID: "r", Stage: "s", Organize: true}
	first, err := Map(req, map[string]string{"out": filepath.Join(work, "a.txt")})
	require.NoError(t, err)

	second, err := Map(req, first)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.FileExists(t, second["out"])
}

func TestMapMovesDirectories(t *testing.T) {
	work := t.TempDir()
	root := t.TempDir()
	writeFile(t, filepath.Join(work, "cube", "chan0"), "0")
	writeFile(t, filepath.Join(work, "cube", "chan1"), "1")

	got, err := Map(Request{Root: root, RunID: "r", Stage: "s", Organize: true},
		map[string]string{"cube": filepath.Join(work, "cube")})
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(got["cube"], "chan1"))
}

func TestMapWithoutOrganize(t *testing.T) {
	work := t.TempDir()
	writeFile(t, filepath.Join(work, "x"), "x")

	got, err := Map(Request{Root: t.TempDir(), RunID: "r", Stage: "s"}, map[string]string{"x": filepath.Join(work, "x")})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(work, "x"), got["x"])
}

func TestMapMissingSource(t *testing.T) {
	_, err := Map(Request{Root: t.TempDir(), RunID: "r", Stage: "s", Organize: true},
		map[string]string{"x": "/no/such/file"})
	require.Error(t, err)
	assert.Equal(t, errcode.IOError, errcode.Of(err))
}

func TestMapEmpty(t *testing.T) {
	got, err := Map(Request{Root: "/unused"}, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDirSanitizesSegments(t *testing.T) {
	req := Request{Root: "/out", RunID: "../evil", Stage: "a/b"}
	assert.Equal(t, filepath.Join("/out", "__evil", "a_b", "k"), req.Dir("k"))
}
