package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replaycast/replaycast/internal/logging"
)

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{}, logging.Discard())
	assert.ErrorIs(t, err, ErrMissingCoordinator)
}

func TestNewRejectsBadRedisURL(t *testing.T) {
	cfg := validConfig()
	root := t.TempDir()
	cfg.VideosDir = filepath.Join(root, "v")
	cfg.MapsDir = filepath.Join(root, "m")
	cfg.RedisURL = "not a url"
	_, err := New(cfg, logging.Discard())
	assert.Error(t, err)
}

func TestNewFillsTitleMods(t *testing.T) {
	cfg := validConfig()
	root := t.TempDir()
	cfg.VideosDir = filepath.Join(root, "v")
	cfg.MapsDir = filepath.Join(root, "m")
	w, err := New(cfg, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, "tf", w.cfg.Titles["tf"].Mod)
	assert.DirExists(t, cfg.VideosDir)
	assert.DirExists(t, cfg.MapsDir)
}

func TestRunStopsWhenRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := validConfig()
	root := t.TempDir()
	cfg.CoordinatorURL = srv.URL
	cfg.VideosDir = filepath.Join(root, "v")
	cfg.MapsDir = filepath.Join(root, "m")
	cfg.StatusAddr = "127.0.0.1:0"
	w, err := New(cfg, logging.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	assert.ErrorIs(t, w.Run(ctx), ErrRejected)
}
