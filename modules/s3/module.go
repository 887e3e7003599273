// Package s3 moves pipeline artifacts to and from object storage through
// pre-signed URLs.
package s3

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/specialistvlad/stagegridgo/internal/ctxlog"
	"github.com/specialistvlad/stagegridgo/internal/errcode"
	"github.com/specialistvlad/stagegridgo/internal/registry"
	"github.com/specialistvlad/stagegridgo/internal/stage"
	"github.com/specialistvlad/stagegridgo/internal/stagectx"
)

// Key is the registry key of the s3 stage.
const Key = "s3"

// Module implements the registry.Module interface for this package.
type Module struct {
	// Client is shared by all stages built from this module so TCP
	// connections are reused. It defaults to http.DefaultClient.
	Client *http.Client
}

// Config selects the action and its source or destination.
type Config struct {
	Action string `json:"action"`
	// Artifact names a context artifact to upload. SourcePath is used when
	// it is empty.
	Artifact    string `json:"artifact"`
	SourcePath  string `json:"source_path"`
	UploadURL   string `json:"upload_url"`
	DownloadURL string `json:"download_url"`
	// Dest is the file a download writes, relative to the working directory.
	// It is registered as an artifact under Key.
	Dest string `json:"dest"`
	Key  string `json:"key"`
}

// Register registers the stage factory.
func (m *Module) Register(r *registry.Registry) {
	client := m.Client
	if client == nil {
		client = http.DefaultClient
	}
	r.Register(Key, func(name string, cfg map[string]any) (stage.Stage, error) {
		c := Config{Key: "download"}
		if err := stage.DecodeConfig(cfg, &c); err != nil {
			return nil, err
		}
		switch strings.ToLower(c.Action) {
		case "upload":
			if c.UploadURL == "" || (c.Artifact == "" && c.SourcePath == "") {
				return nil, fmt.Errorf("s3 stage '%s': upload needs upload_url and artifact or source_path", name)
			}
		case "download":
			if c.DownloadURL == "" || c.Dest == "" {
				return nil, fmt.Errorf("s3 stage '%s': download needs download_url and dest", name)
			}
			if filepath.IsAbs(c.Dest) {
				return nil, fmt.Errorf("s3 stage '%s': dest must be relative to the working directory", name)
			}
		default:
			return nil, fmt.Errorf("s3 stage '%s': unknown action '%s'", name, c.Action)
		}
		s := &s3Stage{client: client, cfg: c}
		return &stage.Funcs{
			StageName:  name,
			ValidateFn: s.validate,
			ExecuteFn:  s.execute,
		}, nil
	})
}

type s3Stage struct {
	client *http.Client
	cfg    Config
}

func (s *s3Stage) validate(sc stagectx.Context) (bool, string) {
	if s.cfg.Artifact == "" {
		return true, ""
	}
	if _, ok := sc.Artifact(s.cfg.Artifact); !ok {
		return false, fmt.Sprintf("artifact '%s' is not in the context", s.cfg.Artifact)
	}
	return true, ""
}

func (s *s3Stage) execute(ctx context.Context, sc stagectx.Context) (stagectx.Context, error) {
	if strings.ToLower(s.cfg.Action) == "download" {
		return s.download(ctx, sc)
	}
	return s.upload(ctx, sc)
}

// upload PUTs a file to a pre-signed URL.
func (s *s3Stage) upload(ctx context.Context, sc stagectx.Context) (stagectx.Context, error) {
	logger := ctxlog.FromContext(ctx).With("action", "upload")

	source := s.cfg.SourcePath
	if s.cfg.Artifact != "" {
		source, _ = sc.Artifact(s.cfg.Artifact)
	}
	file, err := os.Open(source)
	if err != nil {
		return sc, errcode.Wrap(errcode.IOError, fmt.Errorf("failed to open source file '%s': %w", source, err))
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return sc, errcode.Wrap(errcode.IOError, fmt.Errorf("failed to get file stats for '%s': %w", source, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.cfg.UploadURL, file)
	if err != nil {
		return sc, fmt.Errorf("failed to create S3 upload request: %w", err)
	}
	contentType := mime.TypeByExtension(filepath.Ext(source))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = stat.Size()

	logger.Info("Uploading file to S3", "source", source, "size", stat.Size(), "contentType", contentType)
	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return sc, ctx.Err()
		}
		return sc, errcode.Wrap(errcode.IOError, fmt.Errorf("failed to execute S3 upload request: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return sc, statusError("upload", resp)
	}

	logger.Info("Successfully uploaded file", "status", resp.Status)
	return sc.WithOutputs(map[string]any{
		"uploaded":     true,
		"upload_bytes": stat.Size(),
	}), nil
}

// download GETs a pre-signed URL into the working directory.
func (s *s3Stage) download(ctx context.Context, sc stagectx.Context) (stagectx.Context, error) {
	logger := ctxlog.FromContext(ctx).With("action", "download")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.DownloadURL, nil)
	if err != nil {
		return sc, fmt.Errorf("failed to create S3 download request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return sc, ctx.Err()
		}
		return sc, errcode.Wrap(errcode.IOError, fmt.Errorf("failed to execute S3 download request: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return sc, statusError("download", resp)
	}

	dest := filepath.Join(sc.Meta().WorkDir, s.cfg.Dest)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return sc, errcode.Wrap(errcode.IOError, err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return sc, errcode.Wrap(errcode.IOError, err)
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return sc, errcode.Wrap(errcode.IOError, fmt.Errorf("failed to write '%s': %w", dest, err))
	}

	logger.Info("Successfully downloaded file", "dest", dest, "size", n)
	return sc.WithArtifact(s.cfg.Key, s.cfg.Dest).WithOutput(s.cfg.Key+"_bytes", n), nil
}

func statusError(action string, resp *http.Response) error {
	code := errcode.ExternalToolFailure
	if resp.StatusCode >= 500 {
		code = errcode.IOError
	}
	return errcode.Errorf(code, "S3 %s failed with status: %s", action, resp.Status)
}
