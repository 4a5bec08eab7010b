package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replaycast/replaycast/internal/dispatch"
	"github.com/replaycast/replaycast/internal/ledger"
	"github.com/replaycast/replaycast/internal/logging"
	"github.com/replaycast/replaycast/internal/replay"
	"github.com/replaycast/replaycast/internal/replay/replaytest"
	"github.com/replaycast/replaycast/internal/storage"
)

type recordingNotices struct {
	mu      sync.Mutex
	uploads []string
	errors  []string
}

func (n *recordingNotices) Upload(ctx context.Context, j *ledger.RenderJob) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.uploads = append(n.uploads, j.JobID)
	return nil
}

func (n *recordingNotices) Error(ctx context.Context, j *ledger.RenderJob, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, j.JobID)
	return nil
}

type failingStore struct{ storage.ArtifactStore }

func (failingStore) Provider() string { return "failing" }

func (failingStore) Upload(ctx context.Context, obj storage.Object) (storage.Stored, error) {
	_, _ = io.Copy(io.Discard, obj.Reader)
	return storage.Stored{}, errors.New("quota exceeded")
}

type env struct {
	t       *testing.T
	store   *ledger.Store
	replays *replay.Store
	notices *recordingNotices
	srv     *httptest.Server

	submit, admin, worker string
	workerTok             *ledger.CapabilityToken
}

func newEnv(t *testing.T, artifacts storage.ArtifactStore) *env {
	t.Helper()
	ctx := context.Background()

	store, err := ledger.Open(ctx, ledger.DriverSQLite, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	replays, err := replay.NewStore(t.TempDir())
	require.NoError(t, err)

	if artifacts == nil {
		artifacts = storage.NewLocalFS(t.TempDir(), "https://videos.example.com")
	}
	notices := &recordingNotices{}

	srv := httptest.NewServer(NewRouter(Deps{
		Jobs:      store,
		Tokens:    store,
		Replays:   replays,
		Codec:     &replay.SourceDemoCodec{},
		Artifacts: artifacts,
		Notices:   notices,
		Logger:    logging.Discard(),
		Version:   "1.2.0",
	}))
	t.Cleanup(srv.Close)

	_, submit, err := store.CreateToken(ctx, "web", "frontend", ledger.PermSubmitJobs)
	require.NoError(t, err)
	_, admin, err := store.CreateToken(ctx, "ops", "admin", ledger.PermAdmin|ledger.PermSubmitJobs)
	require.NoError(t, err)
	wt, worker, err := store.CreateToken(ctx, "ops", "render-box", ledger.PermClaimJobs)
	require.NoError(t, err)

	return &env{t: t, store: store, replays: replays, notices: notices, srv: srv,
		submit: submit, admin: admin, worker: worker, workerTok: wt}
}

func (e *env) do(method, path, token string, body io.Reader, header http.Header) (*http.Response, map[string]any) {
	e.t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	require.NoError(e.t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (e *env) submitDemo(demo []byte, fields map[string]string) (*http.Response, map[string]any) {
	e.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(e.t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("file", "match.dem")
	require.NoError(e.t, err)
	_, err = fw.Write(demo)
	require.NoError(e.t, err)
	require.NoError(e.t, mw.Close())

	return e.do(http.MethodPost, "/api/v1/jobs", e.submit, &buf,
		http.Header{"Content-Type": {mw.FormDataContentType()}})
}

// started claims and confirms jobID for the worker token on node.
func (e *env) started(jobID, node string) string {
	e.t.Helper()
	ctx := context.Background()
	workerID := e.workerTok.TokenID + "/" + node
	_, err := e.store.Claim(ctx, jobID, workerID, node)
	require.NoError(e.t, err)
	started, _, err := e.store.ConfirmClaims(ctx, workerID, []string{jobID})
	require.NoError(e.t, err)
	require.Len(e.t, started, 1)
	return workerID
}

func jobField(body map[string]any, key string) any {
	job, _ := body["job"].(map[string]any)
	return job[key]
}

func TestHealth(t *testing.T) {
	e := newEnv(t, nil)
	resp, body := e.do(http.MethodGet, "/health", "", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "1.2.0", body["version"])
}

func TestSubmitJob(t *testing.T) {
	e := newEnv(t, nil)

	resp, body := e.submitDemo(replaytest.Demo("tf", "pl_upward", 120, 7920, "frames"), map[string]string{
		"quality":        "1080p",
		"title":          "last push",
		"render_options": "cl_drawhud 0; r_drawviewmodel 0",
		"origin":         "bot",
		"requested_by":   "user-42",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	assert.Equal(t, "tf", jobField(body, "titleMod"))
	assert.Equal(t, "pl_upward", jobField(body, "mapName"))
	assert.Equal(t, "1080p", jobField(body, "quality"))
	assert.Equal(t, "requires_render", jobField(body, "status"))

	job, err := e.store.Get(context.Background(), jobField(body, "jobId").(string))
	require.NoError(t, err)
	assert.Equal(t, ledger.OriginBot, job.Origin)
	assert.Equal(t, "cl_drawhud 0\nr_drawviewmodel 0", job.RenderOptions)
	assert.Equal(t, "user-42", job.RequestedBy)

	data, err := e.replays.Load(context.Background(), job.ReplayRef, false)
	require.NoError(t, err)
	assert.Equal(t, "pl_upward", string(data[536:545]))
}

func TestSubmitJob_WorkshopMapStoresFixedVariant(t *testing.T) {
	e := newEnv(t, nil)
	resp, body := e.submitDemo(replaytest.Demo("tf", "workshop/koth_cascade.ugc12345", 60, 3960, ""), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)

	job, err := e.store.Get(context.Background(), jobField(body, "jobId").(string))
	require.NoError(t, err)
	assert.True(t, job.RequiresFixedReplay)
	assert.Equal(t, "12345", job.WorkshopRef)
	assert.Equal(t, "koth_cascade", job.MapName)

	_, err = e.replays.Load(context.Background(), job.ReplayRef, true)
	assert.NoError(t, err)
}

func TestSubmitJob_Rejections(t *testing.T) {
	e := newEnv(t, nil)

	resp, _ := e.submitDemo([]byte("not a demo at all"), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.submitDemo(replaytest.Demo("tf", "cp_badlands", 10, 660, ""), map[string]string{"quality": "999p"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.submitDemo(replaytest.Demo("tf", "cp_badlands", 10, 660, ""), map[string]string{"origin": "mail"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(http.MethodPost, "/api/v1/jobs", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = e.do(http.MethodPost, "/api/v1/jobs", e.worker, nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestListAndGet(t *testing.T) {
	e := newEnv(t, nil)
	_, body := e.submitDemo(replaytest.Demo("tf", "cp_process", 30, 1980, ""), nil)
	id := jobField(body, "jobId").(string)

	resp, body := e.do(http.MethodGet, "/api/v1/jobs/"+id, e.submit, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, jobField(body, "jobId"))

	resp, _ = e.do(http.MethodGet, "/api/v1/jobs/missing", e.submit, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = e.do(http.MethodGet, "/api/v1/jobs", e.submit, nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = e.do(http.MethodGet, "/api/v1/jobs?status=requires_render", e.admin, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["jobs"], 1)

	resp, _ = e.do(http.MethodGet, "/api/v1/jobs?status=bogus", e.admin, nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestVideoUpload_Success(t *testing.T) {
	e := newEnv(t, nil)
	_, body := e.submitDemo(replaytest.Demo("tf", "cp_process", 30, 1980, ""), nil)
	id := jobField(body, "jobId").(string)
	e.started(id, "box-1")

	video := bytes.Repeat([]byte("v"), 4096)
	resp, body := e.do(http.MethodPost, "/api/v1/jobs/"+id+"/video", e.worker, bytes.NewReader(video),
		http.Header{dispatch.HeaderNodeName: {"box-1"}, "Content-Type": {"video/mp4"}})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "finished_render", jobField(body, "status"))

	job, err := e.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, job.Succeeded())
	assert.Equal(t, int64(len(video)), job.OutputSize)
	assert.NotNil(t, job.RenderedAt)
	assert.Contains(t, job.OutputURL, "https://videos.example.com/tf/")
	assert.Equal(t, []string{id}, e.notices.uploads)
}

func TestVideoUpload_WrongOwner(t *testing.T) {
	e := newEnv(t, nil)
	_, body := e.submitDemo(replaytest.Demo("tf", "cp_process", 30, 1980, ""), nil)
	id := jobField(body, "jobId").(string)
	e.started(id, "box-1")

	resp, _ := e.do(http.MethodPost, "/api/v1/jobs/"+id+"/video", e.worker, bytes.NewReader([]byte("v")),
		http.Header{dispatch.HeaderNodeName: {"box-2"}})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	job, err := e.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusStartedRender, job.Status)
}

func TestVideoUpload_StoreFailureFailsJob(t *testing.T) {
	e := newEnv(t, failingStore{})
	_, body := e.submitDemo(replaytest.Demo("tf", "cp_process", 30, 1980, ""), nil)
	id := jobField(body, "jobId").(string)
	e.started(id, "box-1")

	resp, _ := e.do(http.MethodPost, "/api/v1/jobs/"+id+"/video", e.worker, bytes.NewReader([]byte("video")),
		http.Header{dispatch.HeaderNodeName: {"box-1"}})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	job, err := e.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFinishedRender, job.Status)
	assert.False(t, job.Succeeded())
	assert.Contains(t, job.FailureReason, "quota exceeded")
	assert.Equal(t, []string{id}, e.notices.errors)
	assert.Empty(t, e.notices.uploads)
}

func TestRerender(t *testing.T) {
	e := newEnv(t, nil)
	_, body := e.submitDemo(replaytest.Demo("tf", "cp_process", 30, 1980, ""), nil)
	id := jobField(body, "jobId").(string)

	resp, _ := e.do(http.MethodPost, "/api/v1/jobs/"+id+"/rerender", e.admin, nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "queued jobs cannot be rerendered")

	e.started(id, "box-1")
	resp, _ = e.do(http.MethodPost, "/api/v1/jobs/"+id+"/video", e.worker, bytes.NewReader([]byte("video")),
		http.Header{dispatch.HeaderNodeName: {"box-1"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.do(http.MethodPost, "/api/v1/jobs/"+id+"/rerender", e.submit, nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = e.do(http.MethodPost, "/api/v1/jobs/"+id+"/rerender", e.admin, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "requires_render", jobField(body, "status"))
	assert.Nil(t, jobField(body, "outputUrl"))
	assert.NotNil(t, jobField(body, "rerenderStartedAt"))
}

func TestStats(t *testing.T) {
	e := newEnv(t, nil)
	e.submitDemo(replaytest.Demo("tf", "cp_process", 30, 1980, ""), nil)

	resp, body := e.do(http.MethodGet, "/stats", "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	jobs := body["jobs"].(map[string]any)
	assert.EqualValues(t, 1, jobs["requires_render"])
}

func TestNormalizeOptions(t *testing.T) {
	assert.Equal(t, "a 1\nb 2\nc", normalizeOptions(" a 1 ;b 2\n\n c "))
	assert.Equal(t, "", normalizeOptions(""))
}
