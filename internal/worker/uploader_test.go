package worker

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replaycast/replaycast/internal/dispatch"
	"github.com/replaycast/replaycast/internal/logging"
	"github.com/replaycast/replaycast/internal/protocol"
)

type videoSink struct {
	status int

	mu     sync.Mutex
	path   string
	auth   string
	node   string
	body   []byte
	length int64
}

func (v *videoSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	v.mu.Lock()
	v.path = r.URL.Path
	v.auth = r.Header.Get("Authorization")
	v.node = r.Header.Get(dispatch.HeaderNodeName)
	v.body = body
	v.length = r.ContentLength
	v.mu.Unlock()
	if v.status != 0 {
		http.Error(w, "storage unavailable", v.status)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeVideo(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("mp4-bytes"), 0o644))
	return p
}

func TestUploadSuccess(t *testing.T) {
	sink := &videoSink{}
	srv := httptest.NewServer(sink)
	defer srv.Close()

	sender := &fakeSender{connected: true}
	u := NewUploader(clientConfig(srv.URL), sender, srv.Client(), logging.Discard())
	path := writeVideo(t, t.TempDir(), "job-1.mp4")

	require.NoError(t, u.Enqueue(context.Background(), uploadTask{JobID: "job-1", Path: path}))
	assert.True(t, u.Pending(path))
	u.process(context.Background(), <-u.queue)

	sink.mu.Lock()
	assert.Equal(t, "/api/v1/jobs/job-1/video", sink.path)
	assert.Equal(t, "Bearer rc_secret", sink.auth)
	assert.Equal(t, "render-01", sink.node)
	assert.Equal(t, "mp4-bytes", string(sink.body))
	assert.Equal(t, int64(9), sink.length)
	sink.mu.Unlock()

	assert.NoFileExists(t, path)
	assert.False(t, u.Pending(path))
	assert.Empty(t, sender.sent)
}

func TestUploadFailureReportedOnce(t *testing.T) {
	sink := &videoSink{status: http.StatusBadGateway}
	srv := httptest.NewServer(sink)
	defer srv.Close()

	sender := &fakeSender{connected: true}
	u := NewUploader(clientConfig(srv.URL), sender, srv.Client(), logging.Discard())
	path := writeVideo(t, t.TempDir(), "job-2.mp4")

	u.process(context.Background(), uploadTask{JobID: "job-2", Path: path})

	require.Len(t, sender.sent, 1)
	assert.Equal(t, NoRetry, sender.sent[0].policy)
	var data protocol.ErrorData
	require.NoError(t, sender.sent[0].msg.Decode(&data))
	assert.Equal(t, "job-2", data.JobID)
	assert.Equal(t, protocol.CodeUploadFailed, data.Code)
	assert.Contains(t, data.Message, "502")
	assert.NoFileExists(t, path)
}

func TestUploadMissingFile(t *testing.T) {
	sender := &fakeSender{connected: true}
	u := NewUploader(clientConfig("http://127.0.0.1:1"), sender, nil, logging.Discard())

	u.process(context.Background(), uploadTask{JobID: "job-3", Path: filepath.Join(t.TempDir(), "gone.mp4")})
	require.Len(t, sender.sent, 1)
	assert.Equal(t, protocol.TypeError, sender.sent[0].msg.Type)
}

func TestUploaderRunDrainsQueue(t *testing.T) {
	sink := &videoSink{}
	srv := httptest.NewServer(sink)
	defer srv.Close()

	u := NewUploader(clientConfig(srv.URL), &fakeSender{}, srv.Client(), logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = u.Run(ctx) }()

	path := writeVideo(t, t.TempDir(), "job-4.mp4")
	require.NoError(t, u.Enqueue(ctx, uploadTask{JobID: "job-4", Path: path}))
	require.Eventually(t, func() bool { return u.PendingCount() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.NoFileExists(t, path)
}
