package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replaycast/replaycast/internal/api"
	"github.com/replaycast/replaycast/internal/ledger"
	"github.com/replaycast/replaycast/internal/status"
)

func init() {
	color.NoColor = true
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 << 20, "5.0 MiB"},
		{3 << 30, "3.0 GiB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatBytes(tt.in))
	}
}

func TestColorizePercent(t *testing.T) {
	assert.Equal(t, "12.5%", colorizePercent(12.5))
	assert.Equal(t, "95.0%", colorizePercent(95))
}

func TestColorizeStatus(t *testing.T) {
	assert.Equal(t, "failed", colorizeStatus(&api.JobView{Status: "finished_render", FailureReason: "render_failed"}))
	assert.Equal(t, "finished_render", colorizeStatus(&api.JobView{Status: "finished_render"}))
	assert.Equal(t, "claimed_render", colorizeStatus(&api.JobView{Status: "claimed_render"}))
}

func TestFetchWorkerStatus(t *testing.T) {
	want := status.WorkerStatus{
		Version: status.StatusVersion,
		Node:    status.NodeInfo{Name: "render-01", WorkerVersion: "1.2.0"},
		Render: status.RenderInfo{
			State:         "rendering",
			Connected:     true,
			ExpectedCount: 2,
			ClaimedJobs:   []string{"job-a", "job-b"},
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status", r.URL.Path)
		_ = json.NewEncoder(w).Encode(want)
	}))
	defer srv.Close()

	st, raw, err := fetchWorkerStatus(context.Background(), strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	assert.Equal(t, "render-01", st.Node.Name)
	assert.Equal(t, []string{"job-a", "job-b"}, st.Render.ClaimedJobs)
	assert.Contains(t, string(raw), `"render-01"`)

	var out bytes.Buffer
	printWorkerStatus(&out, st)
	assert.Contains(t, out.String(), "render-01")
	assert.Contains(t, out.String(), "connected")
	assert.Contains(t, out.String(), "- job-b")
}

func TestFetchWorkerStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, _, err := fetchWorkerStatus(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func newTestAPIClient(t *testing.T, h http.HandlerFunc) *apiClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &apiClient{base: srv.URL, token: "secret", client: srv.Client()}
}

func TestAPIClientSubmit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "match.dem")
	require.NoError(t, os.WriteFile(path, []byte("HL2DEMO\x00payload"), 0o644))

	submitQuality, submitTitle, submitOptions = "1080p", "Grand final", []string{"+cl_drawhud 0", "+volume 0"}
	t.Cleanup(func() { submitQuality, submitTitle, submitOptions = "720p", "", nil })

	c := newTestAPIClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/jobs", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "1080p", r.FormValue("quality"))
		assert.Equal(t, "Grand final", r.FormValue("title"))
		assert.Equal(t, "+cl_drawhud 0\n+volume 0", r.FormValue("render_options"))

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "match.dem", hdr.Filename)
		body, _ := io.ReadAll(f)
		assert.Equal(t, "HL2DEMO\x00payload", string(body))

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"job": api.JobView{JobID: "j1", Status: "requires_render", Quality: "1080p"}})
	})

	job, err := c.Submit(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "j1", job.JobID)
	assert.Equal(t, "1080p", job.Quality)
}

func TestAPIClientList(t *testing.T) {
	c := newTestAPIClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "finished_render", r.URL.Query().Get("status"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode(map[string]any{"jobs": []api.JobView{{JobID: "a"}, {JobID: "b"}}})
	})

	jobs, err := c.List(context.Background(), "finished_render", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "b", jobs[1].JobID)
}

func TestAPIClientError(t *testing.T) {
	c := newTestAPIClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/jobs/j9/rerender", r.URL.Path)
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"error":{"code":"NOT_FINISHED","message":"job does not exist or is not finished"}}`)
	})

	_, err := c.Rerender(context.Background(), "j9")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "NOT_FINISHED", apiErr.Code)
}

func TestPrintJob(t *testing.T) {
	rendered := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var out bytes.Buffer
	printJob(&out, &api.JobView{
		JobID:           "j1",
		ShareID:         "abc123",
		TitleMod:        "tf",
		MapName:         "cp_badlands",
		Quality:         "720p",
		PlaybackSeconds: 1800,
		Status:          "finished_render",
		CreatedAt:       rendered,
		RenderedAt:      &rendered,
		OutputURL:       "https://videos.example/tf/abc123.mp4",
		OutputSize:      300 << 20,
	})
	s := out.String()
	assert.Contains(t, s, "cp_badlands")
	assert.Contains(t, s, "30m0s")
	assert.Contains(t, s, "300.0 MiB")
	assert.NotContains(t, s, "Failure")
}

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTokenCommands(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "coordinator.yaml")
	dbPath := filepath.Join(dir, "ledger.db")
	require.NoError(t, os.WriteFile(cfgPath, []byte("database:\n  driver: sqlite\n  dsn: "+dbPath+"\n"), 0o644))
	envPath := filepath.Join(dir, "missing.env")

	out, err := runRoot(t, "token", "create", "--config", cfgPath, "--env-file", envPath,
		"--owner", "ops", "--label", "render-01", "--perms", "claim,submit")
	require.NoError(t, err)
	assert.Contains(t, out, "claim,submit")
	assert.Contains(t, out, "rc_")

	store, err := ledger.Open(context.Background(), ledger.DriverSQLite, dbPath)
	require.NoError(t, err)
	tokens, err := store.ListTokens(context.Background())
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.Len(t, tokens, 1)
	id := tokens[0].TokenID

	out, err = runRoot(t, "token", "list", "--config", cfgPath, "--env-file", envPath)
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "active")

	_, err = runRoot(t, "token", "revoke", id, "--config", cfgPath, "--env-file", envPath)
	require.NoError(t, err)

	_, err = runRoot(t, "token", "revoke", id, "--config", cfgPath, "--env-file", envPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no active token")
}

func TestTokenCreateRejectsUnknownPermission(t *testing.T) {
	_, err := runRoot(t, "token", "create", "--env-file", filepath.Join(t.TempDir(), "none"), "--perms", "root")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown permission")
}
