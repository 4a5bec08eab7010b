package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// MapCache keeps downloaded workshop maps under <dir>/<workshopRef>/<map>.bsp.
type MapCache struct {
	dir    string
	client *http.Client

	mu sync.Mutex
}

// NewMapCache creates a cache rooted at dir.
func NewMapCache(dir string, client *http.Client) *MapCache {
	if client == nil {
		client = http.DefaultClient
	}
	return &MapCache{dir: dir, client: client}
}

// Path is where a map lives once cached.
func (m *MapCache) Path(workshopRef, mapName string) (string, error) {
	for _, part := range []string{workshopRef, mapName} {
		if part == "" || strings.ContainsAny(part, `/\`) || part == "." || part == ".." {
			return "", fmt.Errorf("invalid map reference %q", part)
		}
	}
	return filepath.Join(m.dir, workshopRef, mapName+".bsp"), nil
}

// Has reports whether a map is cached.
func (m *MapCache) Has(workshopRef, mapName string) bool {
	p, err := m.Path(workshopRef, mapName)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// Ensure downloads the map from src unless it is already cached.
func (m *MapCache) Ensure(ctx context.Context, workshopRef, mapName, src string) (string, error) {
	dst, err := m.Path(workshopRef, mapName)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(dst); err == nil {
		return dst, nil
	}
	if src == "" {
		return "", fmt.Errorf("map %s (%s) is not cached and has no download url", mapName, workshopRef)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return "", err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download map: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download map: unexpected status %d", resp.StatusCode)
	}

	tmp := dst + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	_, err = io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, dst)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write map: %w", err)
	}
	return dst, nil
}

// installMap places a cached map where the engine loads it. A hard link is
// tried first; copying covers cache and game directories on different volumes.
func installMap(cached, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Link(cached, dst); err == nil {
		return nil
	}

	src, err := os.Open(cached)
	if err != nil {
		return err
	}
	defer src.Close()
	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, dst)
	}
	if err != nil {
		_ = os.Remove(tmp)
	}
	return err
}
