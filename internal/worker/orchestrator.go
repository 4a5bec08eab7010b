package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/replaycast/replaycast/internal/logging"
	"github.com/replaycast/replaycast/internal/protocol"
	"github.com/replaycast/replaycast/internal/status"
	"github.com/replaycast/replaycast/internal/supervisor"
)

// State is the render state of a worker.
type State int

const (
	StateIdle State = iota
	StateRendering
)

func (s State) String() string {
	if s == StateRendering {
		return "rendering"
	}
	return "idle"
}

// Renderer runs one engine batch. *supervisor.Supervisor implements it.
type Renderer interface {
	Run(ctx context.Context, b supervisor.Batch) (supervisor.Result, error)
}

// demoDir is where replays are written, relative to the game directory.
const demoDir = "replaycast"

// shutdownReportTimeout bounds the render_failed reports sent for jobs
// killed by shutdown.
const shutdownReportTimeout = 5 * time.Second

// claimedJob is one fetched job of the current batch.
type claimedJob struct {
	meta  protocol.JobMeta
	title supervisor.Title
	demo  string
	video string
}

type groupResult struct {
	jobs []claimedJob
	res  supervisor.Result
	err  error
}

type renderOutcome struct {
	groups []groupResult
}

// Orchestrator is the render context: it polls while idle, fetches claimed
// jobs, confirms the batch, runs the engine and hands videos to the uploader.
// Only the goroutine in Run mutates batch state.
type Orchestrator struct {
	cfg      Config
	sender   Sender
	events   <-chan event
	renderer Renderer
	uploads  *Uploader
	maps     *MapCache
	log      *logging.Logger

	diskFree func(ctx context.Context, path string) (uint64, error)
	now      func() time.Time

	mu            sync.RWMutex
	state         State
	expected      int
	claimed       []claimedJob
	awaitingSince time.Time
	fetchSince    time.Time
	confirmedAt   time.Time
	lastPoll      time.Time
}

// NewOrchestrator wires the render context.
func NewOrchestrator(cfg Config, sender Sender, events <-chan event, renderer Renderer, uploads *Uploader, maps *MapCache, log *logging.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		sender:   sender,
		events:   events,
		renderer: renderer,
		uploads:  uploads,
		maps:     maps,
		log:      log.WithComponent("orchestrator"),
		diskFree: freeDiskBytes,
		now:      time.Now,
	}
}

func freeDiskBytes(ctx context.Context, path string) (uint64, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return 0, err
	}
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return u.Free, nil
}

// RenderStatus returns the current batch state.
func (o *Orchestrator) RenderStatus() status.RenderInfo {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s := status.RenderInfo{
		State:         o.state.String(),
		Connected:     o.sender.Connected(),
		ExpectedCount: o.expected,
	}
	for _, j := range o.claimed {
		s.ClaimedJobs = append(s.ClaimedJobs, j.meta.JobID)
	}
	if o.uploads != nil {
		s.UploadsPending = o.uploads.PendingCount()
	}
	if !o.lastPoll.IsZero() {
		s.LastPoll = o.lastPoll.UTC().Format(time.RFC3339)
	}
	return s
}

// Run processes events and poll ticks until ctx is done. A running engine is
// killed by the supervisor when ctx is cancelled; Run waits for that and
// reports the killed jobs before returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.CheckInterval)
	defer ticker.Stop()
	renderDone := make(chan renderOutcome, 1)

	for {
		select {
		case <-ctx.Done():
			if o.currentState() == StateRendering {
				o.finishDetached(ctx, <-renderDone)
			}
			return nil
		case <-ticker.C:
			o.poll(ctx)
		case ev := <-o.events:
			o.handle(ctx, ev, renderDone)
		case out := <-renderDone:
			if ctx.Err() != nil {
				o.finishDetached(ctx, out)
				return nil
			}
			o.finish(ctx, out)
		}
	}
}

// finishDetached reports a batch cut short by shutdown.
func (o *Orchestrator) finishDetached(ctx context.Context, out renderOutcome) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownReportTimeout)
	defer cancel()
	o.finish(fctx, out)
}

func (o *Orchestrator) currentState() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) inCycle() bool {
	return o.expected > 0 || !o.awaitingSince.IsZero()
}

// poll sends a videos request when idle and no batch is in flight.
func (o *Orchestrator) poll(ctx context.Context) {
	o.mu.Lock()
	now := o.now()
	if !o.confirmedAt.IsZero() && now.Sub(o.confirmedAt) > o.cfg.StartTimeout {
		o.log.Warn("coordinator never started the confirmed batch, abandoning it")
		o.resetLocked()
	}
	if o.expected > 0 && o.confirmedAt.IsZero() && now.Sub(o.fetchSince) > o.cfg.FetchTimeout {
		o.log.Warn("claims went unanswered, dropping partial batch", "claimed", len(o.claimed), "expected", o.expected)
		o.resetLocked()
	}
	if !o.awaitingSince.IsZero() && now.Sub(o.awaitingSince) > o.cfg.StartTimeout {
		o.awaitingSince = time.Time{}
	}
	if o.state != StateIdle || o.inCycle() || !o.sender.Connected() {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	if o.cfg.MinFreeDiskMB > 0 {
		free, err := o.diskFree(ctx, o.cfg.VideosDir)
		if err != nil {
			o.log.Warn("disk check failed", "error", err)
		} else if free < o.cfg.MinFreeDiskMB<<20 {
			o.log.Warn("not enough free disk space, skipping poll",
				"free_mb", free>>20, "min_free_mb", o.cfg.MinFreeDiskMB)
			return
		}
	}

	msg, err := protocol.New(protocol.TypeVideos, protocol.VideosRequest{
		Titles:     o.cfg.TitleMods(),
		MaxQuality: o.cfg.MaxQuality,
	})
	if err != nil {
		return
	}
	o.mu.Lock()
	o.awaitingSince = now
	o.lastPoll = now
	o.mu.Unlock()
	if err := o.sender.Send(ctx, msg, BestEffort); err != nil {
		o.log.Debug("poll not sent", "error", err)
		o.mu.Lock()
		o.awaitingSince = time.Time{}
		o.mu.Unlock()
	}
}

func (o *Orchestrator) handle(ctx context.Context, ev event, renderDone chan renderOutcome) {
	switch ev.kind {
	case evConnected:
		o.log.Debug("connection up")
	case evDisconnected:
		o.mu.Lock()
		if o.state == StateIdle && o.inCycle() {
			o.log.Warn("connection lost mid-cycle, dropping partial batch", "claimed", len(o.claimed), "expected", o.expected)
			o.resetLocked()
		}
		o.awaitingSince = time.Time{}
		o.mu.Unlock()
	case evPayload:
		o.handlePayload(ctx, ev.payload)
	case evMessage:
		if o.currentState() == StateRendering {
			o.log.Debug("ignoring message while rendering", "type", ev.msg.Type)
			return
		}
		switch ev.msg.Type {
		case protocol.TypeVideos:
			o.handleVideos(ctx, ev.msg)
		case protocol.TypeError:
			o.handleError(ctx, ev.msg)
		case protocol.TypeStart:
			o.handleStart(ctx, ev.msg, renderDone)
		default:
			o.log.Debug("ignoring message", "type", ev.msg.Type)
		}
	}
}

func (o *Orchestrator) handleVideos(ctx context.Context, msg *protocol.Message) {
	var resp protocol.VideosResponse
	if err := msg.Decode(&resp); err != nil {
		o.log.Warn("bad videos response", "error", err)
		return
	}

	o.mu.Lock()
	if o.awaitingSince.IsZero() || o.expected > 0 {
		o.mu.Unlock()
		o.log.Debug("ignoring unsolicited videos response")
		return
	}
	o.awaitingSince = time.Time{}
	if len(resp.Jobs) == 0 {
		o.mu.Unlock()
		return
	}
	o.purge()
	o.expected = len(resp.Jobs)
	o.claimed = nil
	o.fetchSince = o.now()
	o.mu.Unlock()

	o.log.Info("jobs available, claiming", "count", len(resp.Jobs), "quality", resp.Jobs[0].Quality.String())
	for _, j := range resp.Jobs {
		req, _ := protocol.New(protocol.TypeDemo, protocol.DemoRequest{JobID: j.JobID})
		if err := o.sender.Send(ctx, req, BestEffort); err != nil {
			o.log.WithJob(j.JobID).Warn("claim request not sent", "error", err)
			o.mu.Lock()
			o.expected--
			o.mu.Unlock()
		}
	}
	o.maybeConfirm(ctx)
}

// handleError counts a lost claim or failed transfer out of the batch.
func (o *Orchestrator) handleError(ctx context.Context, msg *protocol.Message) {
	var data protocol.ErrorData
	if err := msg.Decode(&data); err != nil {
		return
	}
	log := o.log
	if data.JobID != "" {
		log = log.WithJob(data.JobID)
	}
	log.Warn("coordinator error", "code", data.Code, "message", data.Message)

	if data.JobID == "" || (data.Code != protocol.CodeNotFound && data.Code != protocol.CodeTransfer) {
		return
	}
	o.mu.Lock()
	if o.expected == 0 || o.hasClaimLocked(data.JobID) {
		o.mu.Unlock()
		return
	}
	o.expected--
	o.mu.Unlock()
	o.maybeConfirm(ctx)
}

func (o *Orchestrator) hasClaimLocked(jobID string) bool {
	for _, j := range o.claimed {
		if j.meta.JobID == jobID {
			return true
		}
	}
	return false
}

// handlePayload writes a fetched job to disk.
func (o *Orchestrator) handlePayload(ctx context.Context, frame []byte) {
	o.mu.RLock()
	accepting := o.state == StateIdle && o.expected > len(o.claimed) && o.confirmedAt.IsZero()
	o.mu.RUnlock()
	if !accepting {
		o.log.Warn("ignoring unexpected job payload")
		return
	}

	meta, replay, err := protocol.DecodeFrame(frame)
	if err != nil {
		// The frame carries no usable job id, so the claim it answered is
		// counted out and left to the coordinator's claim timeout.
		o.log.Warn("bad job payload", "error", err)
		o.mu.Lock()
		o.expected--
		o.mu.Unlock()
		o.maybeConfirm(ctx)
		return
	}
	log := o.log.WithJob(meta.JobID)

	job, err := o.fetch(ctx, meta, replay)
	if err != nil {
		log.Error("fetch failed", "error", err)
		o.reportError(ctx, meta.JobID, protocol.CodeTransfer, err.Error())
		o.mu.Lock()
		o.expected--
		o.mu.Unlock()
		o.maybeConfirm(ctx)
		return
	}

	o.mu.Lock()
	o.claimed = append(o.claimed, job)
	o.fetchSince = o.now()
	o.mu.Unlock()
	log.Info("job fetched", "map", meta.MapName, "bytes", len(replay))
	o.maybeConfirm(ctx)
}

func (o *Orchestrator) fetch(ctx context.Context, meta protocol.JobMeta, replay []byte) (claimedJob, error) {
	title, ok := o.cfg.Titles[meta.TitleMod]
	if !ok {
		return claimedJob{}, fmt.Errorf("title %s is not configured", meta.TitleMod)
	}
	if title.Mod == "" {
		title.Mod = meta.TitleMod
	}
	if meta.WorkshopRef != "" && o.maps != nil {
		cached, err := o.maps.Ensure(ctx, meta.WorkshopRef, meta.MapName, meta.MapDownloadURL)
		if err != nil {
			return claimedJob{}, err
		}
		if err := installMap(cached, filepath.Join(title.GameDir, "maps", meta.MapName+".bsp")); err != nil {
			return claimedJob{}, fmt.Errorf("install map: %w", err)
		}
	}

	dir := filepath.Join(title.GameDir, demoDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return claimedJob{}, err
	}
	demo := filepath.Join(dir, meta.JobID+".dem")
	if err := os.WriteFile(demo, replay, 0o644); err != nil {
		return claimedJob{}, fmt.Errorf("write replay: %w", err)
	}
	return claimedJob{
		meta:  meta,
		title: title,
		demo:  demo,
		video: filepath.Join(o.cfg.VideosDir, meta.JobID) + o.cfg.VideoExt,
	}, nil
}

// maybeConfirm sends ConfirmClaims once every expected fetch has landed.
func (o *Orchestrator) maybeConfirm(ctx context.Context) {
	o.mu.Lock()
	if o.expected <= 0 {
		o.resetLocked()
		o.mu.Unlock()
		return
	}
	if len(o.claimed) != o.expected || !o.confirmedAt.IsZero() {
		o.mu.Unlock()
		return
	}
	ids := make([]string, len(o.claimed))
	for i, j := range o.claimed {
		ids[i] = j.meta.JobID
	}
	o.confirmedAt = o.now()
	o.mu.Unlock()

	msg, _ := protocol.New(protocol.TypeDownloaded, protocol.DownloadedRequest{JobIDs: ids})
	if err := o.sender.Send(ctx, msg, BestEffort); err != nil {
		o.log.Warn("confirm not sent, dropping batch", "error", err)
		o.mu.Lock()
		o.resetLocked()
		o.mu.Unlock()
		return
	}
	o.log.Info("batch confirmed", "jobs", len(ids))
}

func (o *Orchestrator) handleStart(ctx context.Context, msg *protocol.Message, renderDone chan renderOutcome) {
	var data protocol.StartData
	if err := msg.Decode(&data); err != nil {
		o.log.Warn("bad start message", "error", err)
		return
	}
	started := make(map[string]bool, len(data.JobIDs))
	for _, id := range data.JobIDs {
		started[id] = true
	}

	o.mu.Lock()
	if o.confirmedAt.IsZero() {
		o.mu.Unlock()
		o.log.Warn("start received before confirm, ignoring")
		return
	}
	var jobs []claimedJob
	for _, j := range o.claimed {
		if started[j.meta.JobID] {
			jobs = append(jobs, j)
		}
	}
	if len(jobs) == 0 {
		o.resetLocked()
		o.mu.Unlock()
		return
	}
	o.state = StateRendering
	o.mu.Unlock()

	o.log.Info("rendering batch", "jobs", len(jobs))
	go func() { renderDone <- o.render(ctx, jobs) }()
}

// render runs the engine once per title, in batch order.
func (o *Orchestrator) render(ctx context.Context, jobs []claimedJob) renderOutcome {
	var out renderOutcome
	var order []string
	groups := make(map[string][]claimedJob)
	for _, j := range jobs {
		mod := j.meta.TitleMod
		if _, ok := groups[mod]; !ok {
			order = append(order, mod)
		}
		groups[mod] = append(groups[mod], j)
	}

	for _, mod := range order {
		group := groups[mod]
		batch := supervisor.Batch{
			Title:           group[0].title,
			Quality:         group[0].meta.Quality,
			TimeoutOverride: o.cfg.TimeoutOverride,
		}
		for _, j := range group {
			batch.Jobs = append(batch.Jobs, supervisor.Job{
				ID:              j.meta.JobID,
				DemoPath:        demoDir + "/" + j.meta.JobID,
				OutputBase:      strings.TrimSuffix(j.video, o.cfg.VideoExt),
				Options:         splitOptions(j.meta.RenderOptions),
				PlaybackSeconds: j.meta.PlaybackSeconds,
			})
		}
		if ctx.Err() != nil {
			out.groups = append(out.groups, groupResult{jobs: group, err: ctx.Err()})
			continue
		}
		res, err := o.renderer.Run(ctx, batch)
		out.groups = append(out.groups, groupResult{jobs: group, res: res, err: err})
	}
	return out
}

func splitOptions(raw string) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// finish hands videos to the uploader, reports failed jobs and returns to idle.
func (o *Orchestrator) finish(ctx context.Context, out renderOutcome) {
	for _, g := range out.groups {
		reason := failureReason(g)
		for _, j := range g.jobs {
			log := o.log.WithJob(j.meta.JobID)
			if reason == "" {
				if info, err := os.Stat(j.video); err != nil || info.Size() == 0 {
					o.reportError(ctx, j.meta.JobID, protocol.CodeRender, "engine produced no video")
					continue
				}
				if err := o.uploads.Enqueue(ctx, uploadTask{JobID: j.meta.JobID, Path: j.video}); err != nil {
					log.Warn("upload not queued", "error", err)
				}
				continue
			}
			log.Warn("render failed", "reason", reason)
			o.reportError(ctx, j.meta.JobID, protocol.CodeRender, reason)
			_ = os.Remove(j.video)
		}
	}

	o.mu.Lock()
	o.resetLocked()
	o.mu.Unlock()
}

func failureReason(g groupResult) string {
	switch {
	case g.err != nil:
		return "engine could not run: " + g.err.Error()
	case g.res.TimedOut:
		return fmt.Sprintf("engine timed out after %s", g.res.Timeout)
	case g.res.Killed:
		return "engine was killed"
	case g.res.ExitCode != 0:
		return fmt.Sprintf("engine exited with code %d", g.res.ExitCode)
	}
	return ""
}

func (o *Orchestrator) reportError(ctx context.Context, jobID, code, message string) {
	if err := o.sender.Send(ctx, protocol.NewError(jobID, code, message), BestEffort); err != nil && !errors.Is(err, context.Canceled) {
		o.log.WithJob(jobID).Warn("error report not delivered", "error", err)
	}
}

// resetLocked returns to Idle with no batch. Caller holds mu.
func (o *Orchestrator) resetLocked() {
	o.state = StateIdle
	o.expected = 0
	o.claimed = nil
	o.confirmedAt = time.Time{}
	o.awaitingSince = time.Time{}
	o.fetchSince = time.Time{}
}

// purge removes replays and videos left from earlier cycles. Videos still
// waiting for upload are kept. Caller holds mu.
func (o *Orchestrator) purge() {
	for _, t := range o.cfg.Titles {
		files, _ := filepath.Glob(filepath.Join(t.GameDir, demoDir, "*.dem"))
		for _, f := range files {
			_ = os.Remove(f)
		}
	}
	files, _ := filepath.Glob(filepath.Join(o.cfg.VideosDir, "*"+o.cfg.VideoExt))
	for _, f := range files {
		if o.uploads != nil && o.uploads.Pending(f) {
			continue
		}
		_ = os.Remove(f)
	}
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, b supervisor.Batch) (supervisor.Result, error)

// Run calls f.
func (f RendererFunc) Run(ctx context.Context, b supervisor.Batch) (supervisor.Result, error) {
	return f(ctx, b)
}
