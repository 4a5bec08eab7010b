package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ProviderLocal stores artifacts on the coordinator's disk.
const ProviderLocal = "localfs"

// LocalFS stores objects under a root directory and serves them from baseURL.
type LocalFS struct {
	root    string
	baseURL string
}

// NewLocalFS creates a local provider. baseURL may be empty, in which case the
// returned URL is a file:// URL.
func NewLocalFS(root, baseURL string) *LocalFS {
	return &LocalFS{root: root, baseURL: strings.TrimRight(baseURL, "/")}
}

func (l *LocalFS) Provider() string { return ProviderLocal }

func (l *LocalFS) path(key string) (string, error) {
	clean := path.Clean("/" + key)
	if key == "" || clean[1:] != key {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(l.root, filepath.FromSlash(key)), nil
}

func (l *LocalFS) Upload(ctx context.Context, obj Object) (Stored, error) {
	dst, err := l.path(obj.Key)
	if err != nil {
		return Stored{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Stored{}, err
	}

	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return Stored{}, err
	}
	n, err := io.Copy(out, ctxReader{ctx: ctx, r: obj.Reader})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return Stored{}, fmt.Errorf("write object: %w", err)
	}
	if obj.Size > 0 && n != obj.Size {
		_ = os.Remove(tmp)
		return Stored{}, fmt.Errorf("short upload: got %d of %d bytes", n, obj.Size)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return Stored{}, err
	}

	return Stored{URL: l.url(obj.Key, dst), StorageID: obj.Key, Size: n}, nil
}

func (l *LocalFS) url(key, dst string) string {
	if l.baseURL == "" {
		return (&url.URL{Scheme: "file", Path: filepath.ToSlash(dst)}).String()
	}
	return l.baseURL + "/" + key
}

func (l *LocalFS) Delete(ctx context.Context, storageID string) error {
	p, err := l.path(storageID)
	if err != nil {
		return err
	}
	return os.Remove(p)
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
