// Package harness runs an in-process coordinator for end-to-end tests.
package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"time"

	"github.com/replaycast/replaycast/internal/api"
	"github.com/replaycast/replaycast/internal/dispatch"
	"github.com/replaycast/replaycast/internal/ledger"
	"github.com/replaycast/replaycast/internal/logging"
	"github.com/replaycast/replaycast/internal/notify"
	"github.com/replaycast/replaycast/internal/replay"
	"github.com/replaycast/replaycast/internal/storage"
	"github.com/replaycast/replaycast/internal/sweeper"
)

// Options tweak the harness coordinator.
type Options struct {
	// RedisURL mirrors notices when set
	RedisURL string
	// Sweep runs the recovery sweeper at this interval when positive
	Sweep        time.Duration
	ClaimTimeout time.Duration
}

// Coordinator is a coordinator served by httptest.
type Coordinator struct {
	Ledger     *ledger.Store
	Dispatcher *dispatch.Server
	VideoRoot  string

	server *httptest.Server
	cancel context.CancelFunc
	done   chan struct{}
}

// StartCoordinator wires ledger, replay store, local storage, notifier,
// dispatcher and API under dir.
func StartCoordinator(dir string, opts Options) (*Coordinator, error) {
	log := logging.Discard()
	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{VideoRoot: filepath.Join(dir, "videos"), cancel: cancel}
	fail := func(err error) (*Coordinator, error) {
		c.Close()
		return nil, err
	}

	var err error
	if c.Ledger, err = ledger.Open(ctx, ledger.DriverSQLite, filepath.Join(dir, "ledger.db")); err != nil {
		return fail(err)
	}
	replays, err := replay.NewStore(filepath.Join(dir, "replays"))
	if err != nil {
		return fail(err)
	}
	codec := &replay.SourceDemoCodec{}

	var mirror notify.Publisher
	if opts.RedisURL != "" {
		m, err := notify.NewRedisMirror(opts.RedisURL, "")
		if err != nil {
			return fail(err)
		}
		mirror = m
	}
	notices := notify.New(log, mirror)

	dcfg := dispatch.DefaultConfig()
	dcfg.BatchSize = 4
	if c.Dispatcher, err = dispatch.NewServer(dcfg, dispatch.Deps{
		Jobs:     c.Ledger,
		Tokens:   c.Ledger,
		Replays:  replays,
		Repairer: codec,
		Notices:  notices,
		Logger:   log,
	}); err != nil {
		return fail(err)
	}

	c.server = httptest.NewUnstartedServer(nil)
	c.server.Start()

	artifacts, err := storage.New(ctx, storage.Config{
		Provider:      storage.ProviderLocal,
		LocalRoot:     c.VideoRoot,
		PublicBaseURL: c.server.URL + "/videos",
	})
	if err != nil {
		return fail(err)
	}

	c.server.Config.Handler = api.NewRouter(api.Deps{
		Jobs:          c.Ledger,
		Tokens:        c.Ledger,
		Replays:       replays,
		Codec:         codec,
		Artifacts:     artifacts,
		Notices:       notices,
		Dispatcher:    c.Dispatcher,
		Logger:        log,
		Version:       "e2e",
		MaxReplaySize: 64 << 20,
		MaxVideoSize:  64 << 20,
	})

	if opts.Sweep > 0 {
		scfg := sweeper.DefaultConfig()
		scfg.Interval = opts.Sweep
		if opts.ClaimTimeout > 0 {
			scfg.ClaimTimeout = opts.ClaimTimeout
		}
		sw, err := sweeper.New(scfg, c.Ledger, notices, log)
		if err != nil {
			return fail(err)
		}
		c.done = make(chan struct{})
		go func() {
			defer close(c.done)
			_ = sw.Run(ctx)
		}()
	}
	return c, nil
}

// URL is the coordinator base URL.
func (c *Coordinator) URL() string { return c.server.URL }

// Token creates a token and returns its secret.
func (c *Coordinator) Token(owner, label string, perms ledger.Permission) (string, error) {
	_, secret, err := c.Ledger.CreateToken(context.Background(), owner, label, perms)
	return secret, err
}

// Submit uploads a replay through the job API.
func (c *Coordinator) Submit(token string, demo []byte, quality string) (*api.JobView, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "match.dem")
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(demo); err != nil {
		return nil, err
	}
	_ = mw.WriteField("quality", quality)
	_ = mw.WriteField("render_options", "+cl_drawhud 0")
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, c.server.URL+"/api/v1/jobs", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.server.Client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("submit returned %d", resp.StatusCode)
	}
	var env struct {
		Job api.JobView `json:"job"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, err
	}
	return &env.Job, nil
}

// WaitForJob polls the ledger until done reports true or timeout elapses.
func (c *Coordinator) WaitForJob(id string, timeout time.Duration, done func(*ledger.RenderJob) bool) (*ledger.RenderJob, error) {
	deadline := time.Now().Add(timeout)
	for {
		j, err := c.Ledger.Get(context.Background(), id)
		if err != nil {
			return nil, err
		}
		if done(j) {
			return j, nil
		}
		if time.Now().After(deadline) {
			return j, fmt.Errorf("job %s still %s after %s", id, j.Status, timeout)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Close stops everything.
func (c *Coordinator) Close() {
	c.cancel()
	if c.done != nil {
		<-c.done
	}
	if c.Dispatcher != nil {
		c.Dispatcher.Close()
	}
	if c.server != nil {
		c.server.Close()
	}
	if c.Ledger != nil {
		_ = c.Ledger.Close()
	}
}
