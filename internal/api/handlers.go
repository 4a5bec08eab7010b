package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/replaycast/replaycast/internal/dispatch"
	"github.com/replaycast/replaycast/internal/ledger"
	"github.com/replaycast/replaycast/internal/replay"
	"github.com/replaycast/replaycast/internal/storage"
)

// JobView is the JSON form of a job.
type JobView struct {
	JobID               string     `json:"jobId"`
	ShareID             string     `json:"shareId"`
	Title               string     `json:"title,omitempty"`
	TitleMod            string     `json:"titleMod"`
	MapName             string     `json:"mapName"`
	WorkshopRef         string     `json:"workshopRef,omitempty"`
	Quality             string     `json:"quality"`
	RenderOptions       []string   `json:"renderOptions,omitempty"`
	PlaybackSeconds     float64    `json:"playbackSeconds"`
	TickRate            float64    `json:"tickRate"`
	RequiresFixedReplay bool       `json:"requiresFixedReplay"`
	RequiresRepair      bool       `json:"requiresRepair"`
	Origin              string     `json:"origin"`
	RequestedBy         string     `json:"requestedBy,omitempty"`
	Status              string     `json:"status"`
	ClaimedByNode       string     `json:"claimedByNode,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	RerenderStartedAt   *time.Time `json:"rerenderStartedAt,omitempty"`
	RenderedAt          *time.Time `json:"renderedAt,omitempty"`
	OutputURL           string     `json:"outputUrl,omitempty"`
	OutputSize          int64      `json:"outputSize,omitempty"`
	FailureReason       string     `json:"failureReason,omitempty"`
}

// NewJobView converts a ledger row.
func NewJobView(j *ledger.RenderJob) JobView {
	return JobView{
		JobID:               j.JobID,
		ShareID:             j.ShareID,
		Title:               j.Title,
		TitleMod:            j.TitleMod,
		MapName:             j.MapName,
		WorkshopRef:         j.WorkshopRef,
		Quality:             j.RenderQuality.String(),
		RenderOptions:       j.Options(),
		PlaybackSeconds:     j.PlaybackSeconds,
		TickRate:            j.TickRate,
		RequiresFixedReplay: j.RequiresFixedReplay,
		RequiresRepair:      j.RequiresRepair,
		Origin:              string(j.Origin),
		RequestedBy:         j.RequestedBy,
		Status:              j.Status.String(),
		ClaimedByNode:       j.ClaimedByNode,
		CreatedAt:           j.CreatedAt,
		RerenderStartedAt:   j.RerenderStartedAt,
		RenderedAt:          j.RenderedAt,
		OutputURL:           j.OutputURL,
		OutputSize:          j.OutputSize,
		FailureReason:       j.FailureReason,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if err := h.jobs.Ping(r.Context()); err != nil {
		h.log.Warn("ledger ping failed", "error", err)
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":  status,
		"version": h.version,
	})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.jobs.CountByStatus(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", "count jobs failed")
		return
	}
	jobs := make(map[string]int, len(counts))
	for st, n := range counts {
		jobs[st.String()] = n
	}

	body := map[string]any{"jobs": jobs}
	if h.dispatcher != nil {
		body["connections"] = h.dispatcher.Stats()
		body["workers"] = h.dispatcher.Registry().Snapshot()
	}
	writeJSON(w, http.StatusOK, body)
}

// PostJob accepts a multipart replay upload and queues a render.
//
// Form fields: file (required), quality, title, render_options, origin,
// requested_by, request_channel.
func (h *Handler) PostJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, h.maxReplaySize+1<<20)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeErr(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	quality := ledger.Quality720p
	if v := strings.TrimSpace(r.FormValue("quality")); v != "" {
		q, err := ledger.ParseQuality(v)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
		quality = q
	}

	origin := ledger.Origin(strings.TrimSpace(r.FormValue("origin")))
	switch origin {
	case "":
		origin = ledger.OriginWeb
	case ledger.OriginWeb, ledger.OriginBot, ledger.OriginImporter:
	default:
		writeErr(w, http.StatusBadRequest, "VALIDATION_ERROR", fmt.Sprintf("unknown origin %q", origin))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeErr(w, http.StatusBadRequest, "VALIDATION_ERROR", "file is required")
		return
	}
	defer file.Close()
	if header.Size > h.maxReplaySize {
		writeErr(w, http.StatusRequestEntityTooLarge, "TOO_LARGE", "replay exceeds size limit")
		return
	}
	data, err := io.ReadAll(io.LimitReader(file, h.maxReplaySize+1))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "VALIDATION_ERROR", "read replay failed")
		return
	}
	if int64(len(data)) > h.maxReplaySize {
		writeErr(w, http.StatusRequestEntityTooLarge, "TOO_LARGE", "replay exceeds size limit")
		return
	}

	meta, fixed, err := h.codec.Parse(data)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "INVALID_REPLAY", err.Error())
		return
	}

	ref := replay.NewRef(h.now())
	if err := h.replays.Save(ctx, ref, data, fixed); err != nil {
		h.log.Error("store replay failed", "error", err)
		writeErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", "store replay failed")
		return
	}

	job := &ledger.RenderJob{
		Title:               strings.TrimSpace(r.FormValue("title")),
		TitleMod:            meta.TitleMod,
		MapName:             meta.MapName,
		WorkshopRef:         meta.WorkshopRef,
		RenderQuality:       quality,
		RenderOptions:       normalizeOptions(r.FormValue("render_options")),
		ReplayRef:           ref,
		PlaybackSeconds:     meta.DurationSeconds,
		TickRate:            meta.TickRate,
		RequiresFixedReplay: meta.RequiresFixedReplay,
		RequiresRepair:      meta.RequiresRepair,
		Origin:              origin,
		RequestedBy:         strings.TrimSpace(r.FormValue("requested_by")),
		RequestChannel:      strings.TrimSpace(r.FormValue("request_channel")),
	}
	if job.RequestedBy == "" {
		if tok := tokenFrom(ctx); tok != nil {
			job.RequestedBy = tok.OwnerID
		}
	}
	if err := h.jobs.Insert(ctx, job); err != nil {
		_ = h.replays.Delete(ref)
		h.log.Error("insert job failed", "error", err)
		writeErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", "insert job failed")
		return
	}

	h.log.WithJob(job.JobID).Info("job queued",
		"title_mod", job.TitleMod, "map", job.MapName, "quality", job.RenderQuality.String(), "origin", string(job.Origin))
	writeJSON(w, http.StatusCreated, map[string]any{"job": NewJobView(job)})
}

// normalizeOptions accepts newline or semicolon separated console commands.
func normalizeOptions(raw string) string {
	var lines []string
	for _, line := range strings.FieldsFunc(raw, func(r rune) bool { return r == '\n' || r == ';' }) {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	var f ledger.ListFilter
	if v := strings.TrimSpace(r.URL.Query().Get("status")); v != "" {
		st, err := ledger.ParseStatus(v)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
		f.Status = &st
	}
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			f.Limit = n
		}
	}

	jobs, err := h.jobs.List(r.Context(), f)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", "list jobs failed")
		return
	}
	views := make([]JobView, 0, len(jobs))
	for i := range jobs {
		views = append(views, NewJobView(&jobs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	job, err := h.jobs.Get(r.Context(), jobID)
	if errors.Is(err, ledger.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "JOB_NOT_FOUND", "job not found")
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", "get job failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": NewJobView(job)})
}

// PostRerender resets a finished job.
func (h *Handler) PostRerender(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	job, err := h.jobs.Rerender(r.Context(), jobID)
	if errors.Is(err, ledger.ErrNotFound) {
		writeErr(w, http.StatusConflict, "NOT_FINISHED", "job does not exist or is not finished")
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", "rerender failed")
		return
	}
	h.log.WithJob(jobID).Info("job reset for rerender", "by", tokenFrom(r.Context()).OwnerID)
	writeJSON(w, http.StatusOK, map[string]any{"job": NewJobView(job)})
}

// PostVideo receives a rendered video from the worker that owns the job. The
// body is the raw file.
func (h *Handler) PostVideo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := chi.URLParam(r, "jobId")
	workerID, node := dispatch.WorkerIdentity(tokenFrom(ctx), r)
	log := h.log.WithJob(jobID).WithWorker(workerID, node)

	if r.ContentLength > h.maxVideoSize {
		writeErr(w, http.StatusRequestEntityTooLarge, "TOO_LARGE", "video exceeds size limit")
		return
	}

	job, err := h.jobs.BeginUpload(ctx, jobID, workerID)
	if errors.Is(err, ledger.ErrNotFound) {
		writeErr(w, http.StatusConflict, "NOT_OWNER", "job is not rendering under this worker")
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", "begin upload failed")
		return
	}

	body := http.MaxBytesReader(w, r.Body, h.maxVideoSize)
	stored, err := h.artifacts.Upload(ctx, storage.Object{
		Key:         storage.VideoKey(job),
		ContentType: "video/mp4",
		Reader:      body,
		Size:        r.ContentLength,
	})
	if err != nil {
		log.Error("artifact upload failed", "provider", h.artifacts.Provider(), "error", err)
		h.failUpload(r, job, workerID, err)
		writeErr(w, http.StatusBadGateway, "UPLOAD_FAILED", "artifact store rejected the video")
		return
	}

	done, err := h.jobs.Complete(ctx, jobID, workerID, ledger.Output{
		URL:       stored.URL,
		Size:      stored.Size,
		StorageID: stored.StorageID,
	})
	if err != nil {
		// the sweeper or an admin moved the job while we were uploading
		log.Error("complete failed", "error", err)
		if derr := h.artifacts.Delete(ctx, stored.StorageID); derr != nil {
			log.Warn("orphaned artifact", "storage_id", stored.StorageID, "error", derr)
		}
		writeErr(w, http.StatusConflict, "NOT_OWNER", "job changed state during upload")
		return
	}

	log.Info("render finished", "url", done.OutputURL, "size", done.OutputSize)
	if h.notices != nil {
		_ = h.notices.Upload(ctx, done)
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": NewJobView(done)})
}

func (h *Handler) failUpload(r *http.Request, job *ledger.RenderJob, workerID string, cause error) {
	reason := "video upload failed: " + cause.Error()
	failed, err := h.jobs.Fail(r.Context(), job.JobID, workerID, reason)
	if err != nil {
		h.log.WithJob(job.JobID).Warn("fail after upload error", "error", err)
		return
	}
	if h.notices != nil {
		_ = h.notices.Error(r.Context(), failed, reason)
	}
}
