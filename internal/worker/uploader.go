package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/replaycast/replaycast/internal/dispatch"
	"github.com/replaycast/replaycast/internal/logging"
	"github.com/replaycast/replaycast/internal/protocol"
)

// Sender is the outbound half of the coordinator connection. *Client implements it.
type Sender interface {
	Send(ctx context.Context, msg *protocol.Message, policy SendPolicy) error
	Connected() bool
}

// uploadTask is one rendered video waiting to be posted.
type uploadTask struct {
	JobID string
	Path  string
}

// Uploader posts finished videos to the coordinator. It runs in its own
// context so a slow upload never holds up polling.
type Uploader struct {
	cfg    Config
	http   *http.Client
	sender Sender
	log    *logging.Logger
	queue  chan uploadTask

	mu      sync.Mutex
	pending map[string]bool
}

// NewUploader creates an Uploader.
func NewUploader(cfg Config, sender Sender, client *http.Client, log *logging.Logger) *Uploader {
	if client == nil {
		client = &http.Client{Timeout: cfg.UploadTimeout}
	}
	return &Uploader{
		cfg:     cfg,
		http:    client,
		sender:  sender,
		log:     log.WithComponent("uploader"),
		queue:   make(chan uploadTask, 64),
		pending: make(map[string]bool),
	}
}

// Enqueue hands a video to the upload context.
func (u *Uploader) Enqueue(ctx context.Context, t uploadTask) error {
	u.mu.Lock()
	u.pending[t.Path] = true
	u.mu.Unlock()

	select {
	case u.queue <- t:
		return nil
	case <-ctx.Done():
		u.done(t)
		return ctx.Err()
	}
}

// Pending reports whether path is queued or being uploaded.
func (u *Uploader) Pending(path string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.pending[path]
}

// PendingCount returns how many videos have not been posted yet.
func (u *Uploader) PendingCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.pending)
}

func (u *Uploader) done(t uploadTask) {
	u.mu.Lock()
	delete(u.pending, t.Path)
	u.mu.Unlock()
}

// Run posts queued videos until ctx is done.
func (u *Uploader) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-u.queue:
			u.process(ctx, t)
		}
	}
}

// process uploads once. A failure is reported to the coordinator exactly once
// and never retried.
func (u *Uploader) process(ctx context.Context, t uploadTask) {
	defer u.done(t)
	log := u.log.WithJob(t.JobID)

	err := u.upload(ctx, t)
	if rerr := os.Remove(t.Path); rerr != nil && !os.IsNotExist(rerr) {
		log.Warn("remove video failed", "error", rerr)
	}
	if err == nil {
		log.Info("video uploaded")
		return
	}
	if ctx.Err() != nil {
		return
	}

	log.Error("video upload failed", "error", err)
	msg := protocol.NewError(t.JobID, protocol.CodeUploadFailed, err.Error())
	if serr := u.sender.Send(ctx, msg, NoRetry); serr != nil {
		log.Warn("could not report upload failure", "error", serr)
	}
}

func (u *Uploader) upload(ctx context.Context, t uploadTask) error {
	f, err := os.Open(t.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	endpoint, err := url.JoinPath(u.cfg.CoordinatorURL, "api", "v1", "jobs", t.JobID, "video")
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, f)
	if err != nil {
		return err
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "video/mp4")
	req.Header.Set("Authorization", "Bearer "+u.cfg.Token)
	req.Header.Set(dispatch.HeaderNodeName, u.cfg.NodeName)
	req.Header.Set(dispatch.HeaderVersion, u.cfg.Version)

	resp, err := u.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("coordinator answered %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
