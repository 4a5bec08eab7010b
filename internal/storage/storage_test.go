package storage

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/replaycast/replaycast/internal/ledger"
)

func TestVideoKey(t *testing.T) {
	j := &ledger.RenderJob{ShareID: "abc", TitleMod: "tf", RenderQuality: ledger.Quality1080p}
	assert.Equal(t, "tf/abc-1080p.mp4", VideoKey(j))

	j.TitleMod = "../evil"
	assert.Equal(t, "__evil/abc-1080p.mp4", VideoKey(j))
}

func TestNew_Providers(t *testing.T) {
	s, err := New(context.Background(), Config{LocalRoot: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, ProviderLocal, s.Provider())

	_, err = New(context.Background(), Config{Provider: "s3"})
	assert.Error(t, err)

	_, err = New(context.Background(), Config{Provider: ProviderDrive})
	assert.Error(t, err)
}

func TestLocalFS_UploadAndDelete(t *testing.T) {
	root := t.TempDir()
	fs := NewLocalFS(root, "https://videos.example.com/")

	stored, err := fs.Upload(context.Background(), Object{
		Key:    "tf/abc-720p.mp4",
		Reader: strings.NewReader("video-bytes"),
		Size:   11,
	})
	require.NoError(t, err)
	assert.Equal(t, "https://videos.example.com/tf/abc-720p.mp4", stored.URL)
	assert.Equal(t, "tf/abc-720p.mp4", stored.StorageID)
	assert.EqualValues(t, 11, stored.Size)

	data, err := os.ReadFile(filepath.Join(root, "tf", "abc-720p.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "video-bytes", string(data))

	require.NoError(t, fs.Delete(context.Background(), stored.StorageID))
	_, err = os.Stat(filepath.Join(root, "tf", "abc-720p.mp4"))
	assert.True(t, os.IsNotExist(err))
}

func TestLocalFS_ShortUpload(t *testing.T) {
	fs := NewLocalFS(t.TempDir(), "")
	_, err := fs.Upload(context.Background(), Object{Key: "a.mp4", Reader: strings.NewReader("abc"), Size: 10})
	assert.Error(t, err)
}

func TestLocalFS_RejectsEscapingKey(t *testing.T) {
	fs := NewLocalFS(t.TempDir(), "")
	_, err := fs.Upload(context.Background(), Object{Key: "../x.mp4", Reader: strings.NewReader("abc")})
	assert.Error(t, err)
}

func TestDrive_Upload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "file-123", "size": "11"})
	}))
	defer srv.Close()

	svc, err := drive.NewService(context.Background(),
		option.WithHTTPClient(srv.Client()),
		option.WithEndpoint(srv.URL+"/"))
	require.NoError(t, err)

	d := NewDrive(svc, "folder")
	stored, err := d.Upload(context.Background(), Object{
		Key:         "tf/abc-720p.mp4",
		ContentType: "video/mp4",
		Reader:      strings.NewReader("video-bytes"),
		Size:        11,
	})
	require.NoError(t, err)
	assert.Equal(t, "file-123", stored.StorageID)
	assert.Equal(t, "https://drive.google.com/file/d/file-123/view", stored.URL)
	assert.EqualValues(t, 11, stored.Size)
}
