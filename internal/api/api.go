// Package api is the coordinator's HTTP surface: health, stats, job origination,
// rerender and the worker video upload, plus the websocket endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/replaycast/replaycast/internal/dispatch"
	"github.com/replaycast/replaycast/internal/ledger"
	"github.com/replaycast/replaycast/internal/logging"
	"github.com/replaycast/replaycast/internal/replay"
	"github.com/replaycast/replaycast/internal/storage"
)

// Jobs is the subset of *ledger.Store the API uses.
type Jobs interface {
	Ping(ctx context.Context) error
	Insert(ctx context.Context, j *ledger.RenderJob) error
	Get(ctx context.Context, jobID string) (*ledger.RenderJob, error)
	List(ctx context.Context, f ledger.ListFilter) ([]ledger.RenderJob, error)
	Rerender(ctx context.Context, jobID string) (*ledger.RenderJob, error)
	BeginUpload(ctx context.Context, jobID, workerID string) (*ledger.RenderJob, error)
	Complete(ctx context.Context, jobID, workerID string, out ledger.Output) (*ledger.RenderJob, error)
	Fail(ctx context.Context, jobID, ownerID, reason string) (*ledger.RenderJob, error)
	CountByStatus(ctx context.Context) (map[ledger.Status]int, error)
}

// Replays stores uploaded replay bytes. *replay.Store implements it.
type Replays interface {
	Save(ctx context.Context, ref string, data, fixed []byte) error
	Delete(ref string) error
}

// Notices receives outcome events. *notify.Notifier implements it.
type Notices interface {
	Upload(ctx context.Context, j *ledger.RenderJob) error
	Error(ctx context.Context, j *ledger.RenderJob, message string) error
}

// Dispatcher is the websocket side. *dispatch.Server implements it.
type Dispatcher interface {
	HandleWorker(w http.ResponseWriter, r *http.Request)
	HandleBot(w http.ResponseWriter, r *http.Request)
	Stats() dispatch.Stats
	Registry() *dispatch.Registry
}

// Deps are the collaborators of the router.
type Deps struct {
	Jobs       Jobs
	Tokens     dispatch.TokenLookup
	Replays    Replays
	Codec      replay.Codec
	Artifacts  storage.ArtifactStore
	Notices    Notices
	Dispatcher Dispatcher
	Logger     *logging.Logger

	Version       string
	MaxReplaySize int64
	MaxVideoSize  int64
}

// Handler serves the coordinator API.
type Handler struct {
	jobs       Jobs
	auth       *dispatch.Authenticator
	replays    Replays
	codec      replay.Codec
	artifacts  storage.ArtifactStore
	notices    Notices
	dispatcher Dispatcher
	log        *logging.Logger

	version       string
	maxReplaySize int64
	maxVideoSize  int64
	now           func() time.Time
}

// NewHandler creates a Handler from deps.
func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = logging.NewDefault()
	}
	if d.MaxReplaySize <= 0 {
		d.MaxReplaySize = 100 << 20
	}
	if d.MaxVideoSize <= 0 {
		d.MaxVideoSize = 4 << 30
	}
	return &Handler{
		jobs:          d.Jobs,
		auth:          dispatch.NewAuthenticator(d.Tokens),
		replays:       d.Replays,
		codec:         d.Codec,
		artifacts:     d.Artifacts,
		notices:       d.Notices,
		dispatcher:    d.Dispatcher,
		log:           d.Logger.WithComponent("api"),
		version:       d.Version,
		maxReplaySize: d.MaxReplaySize,
		maxVideoSize:  d.MaxVideoSize,
		now:           time.Now,
	}
}

// NewRouter mounts every coordinator route.
func NewRouter(d Deps) http.Handler {
	h := NewHandler(d)
	r := chi.NewRouter()

	// ---- HEALTH ----
	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)

	// ---- WEBSOCKETS ----
	if h.dispatcher != nil {
		r.Get("/ws/worker", h.dispatcher.HandleWorker)
		r.Get("/ws/bot", h.dispatcher.HandleBot)
	}

	// ---- JOBS ----
	r.Route("/api/v1/jobs", func(r chi.Router) {
		r.With(h.require(ledger.PermSubmitJobs)).Post("/", h.PostJob)
		r.With(h.require(ledger.PermAdmin)).Get("/", h.ListJobs)
		r.With(h.require(ledger.PermSubmitJobs)).Get("/{jobId}", h.GetJob)
		r.With(h.require(ledger.PermAdmin)).Post("/{jobId}/rerender", h.PostRerender)
		r.With(h.require(ledger.PermClaimJobs)).Post("/{jobId}/video", h.PostVideo)
	})

	return r
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeErr(w http.ResponseWriter, status int, code, msg string) {
	var env errorEnvelope
	env.Error.Code = code
	env.Error.Message = msg
	writeJSON(w, status, env)
}
