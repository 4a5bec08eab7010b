// Package dispatch is the coordinator side of the worker protocol: it accepts
// worker and bot websocket connections, answers job listings, performs claims
// against the ledger and streams replay payloads.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-version"

	"github.com/replaycast/replaycast/internal/ledger"
	"github.com/replaycast/replaycast/internal/logging"
	"github.com/replaycast/replaycast/internal/notify"
)

// Request headers sent by workers.
const (
	HeaderVersion  = "X-Replaycast-Version"
	HeaderNodeName = "X-Node-Name"
)

// Ledger is the subset of *ledger.Store the dispatcher uses.
type Ledger interface {
	ListAvailable(ctx context.Context, titles []string, maxQuality ledger.Quality, limit int) ([]ledger.RenderJob, error)
	Claim(ctx context.Context, jobID, workerID, node string) (*ledger.RenderJob, error)
	ConfirmClaims(ctx context.Context, workerID string, jobIDs []string) (started, failed []ledger.RenderJob, err error)
	Fail(ctx context.Context, jobID, ownerID, reason string) (*ledger.RenderJob, error)
}

// ReplaySource loads stored replay bytes. *replay.Store implements it.
type ReplaySource interface {
	Load(ctx context.Context, ref string, fixed bool) ([]byte, error)
}

// Repairer corrects replays flagged RequiresRepair.
type Repairer interface {
	Repair(ctx context.Context, data []byte) ([]byte, error)
}

// Notices receives bot attachment and failure events. *notify.Notifier implements it.
type Notices interface {
	Attach(s notify.Sink)
	Detach(s notify.Sink)
	Connected() bool
	Error(ctx context.Context, j *ledger.RenderJob, message string) error
	Failed(ctx context.Context, jobs []ledger.RenderJob)
}

// Deps are the collaborators of a Server.
type Deps struct {
	Jobs     Ledger
	Tokens   TokenLookup
	Replays  ReplaySource
	Repairer Repairer
	Notices  Notices
	Logger   *logging.Logger
}

// Server handles worker and bot websocket connections.
type Server struct {
	cfg        Config
	jobs       Ledger
	auth       *Authenticator
	replays    ReplaySource
	repairer   Repairer
	notices    Notices
	registry   *Registry
	limiter    *RateLimiter
	log        *logging.Logger
	upgrader   websocket.Upgrader
	minVersion *version.Version

	baseCtx context.Context
	cancel  context.CancelFunc

	botMu sync.Mutex
	bot   *Conn

	totalConnections  int64
	failedConnections int64
	activeConnections int64
}

// NewServer creates a dispatch server.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewDefault()
	}

	s := &Server{
		cfg:      cfg,
		jobs:     deps.Jobs,
		auth:     NewAuthenticator(deps.Tokens),
		replays:  deps.Replays,
		repairer: deps.Repairer,
		notices:  deps.Notices,
		registry: NewRegistry(cfg.MaxWorkers),
		limiter:  NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		log:      deps.Logger.WithComponent("dispatch"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 64 << 10,
		},
	}
	if cfg.MinWorkerVersion != "" {
		s.minVersion = version.Must(version.NewVersion(cfg.MinWorkerVersion))
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Close disconnects every worker and the bot.
func (s *Server) Close() {
	s.cancel()
	s.limiter.Stop()
	s.registry.CloseAll()

	s.botMu.Lock()
	bot := s.bot
	s.botMu.Unlock()
	if bot != nil {
		bot.Close()
	}

	s.log.Info("dispatch server stopped",
		"total", atomic.LoadInt64(&s.totalConnections),
		"failed", atomic.LoadInt64(&s.failedConnections))
}

// Registry returns the worker registry.
func (s *Server) Registry() *Registry { return s.registry }

// Stats are connection counters for /stats.
type Stats struct {
	TotalConnections    int64 `json:"totalConnections"`
	FailedConnections   int64 `json:"failedConnections"`
	ActiveConnections   int64 `json:"activeConnections"`
	Workers             int   `json:"workers"`
	BotConnected        bool  `json:"botConnected"`
	RateLimitTrackedIPs int   `json:"rateLimitTrackedIps"`
}

// Stats returns the server statistics
func (s *Server) Stats() Stats {
	return Stats{
		TotalConnections:    atomic.LoadInt64(&s.totalConnections),
		FailedConnections:   atomic.LoadInt64(&s.failedConnections),
		ActiveConnections:   atomic.LoadInt64(&s.activeConnections),
		Workers:             s.registry.Count(),
		BotConnected:        s.notices != nil && s.notices.Connected(),
		RateLimitTrackedIPs: s.limiter.Count(),
	}
}

// writeJSONError writes a JSON-formatted error response
func writeJSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q,"status":%d}`, message, status)
}

// admit runs the checks shared by both endpoints: rate limit, token and permission.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, want ledger.Permission) (*ledger.CapabilityToken, bool) {
	ip := getClientIP(r)
	atomic.AddInt64(&s.totalConnections, 1)

	if !s.limiter.Allow(ip) {
		s.log.Warn("rate limit exceeded", "ip", ip)
		atomic.AddInt64(&s.failedConnections, 1)
		writeJSONError(w, ErrRateLimited.Error(), http.StatusTooManyRequests)
		return nil, false
	}

	tok, err := s.auth.Authenticate(r.Context(), RequestToken(r), want)
	if err != nil {
		s.log.Warn("token validation failed", "ip", ip, "error", err)
		atomic.AddInt64(&s.failedConnections, 1)
		switch {
		case errors.Is(err, ErrInvalidToken):
			writeJSONError(w, err.Error(), http.StatusUnauthorized)
		case errors.Is(err, ErrUnauthorized):
			writeJSONError(w, err.Error(), http.StatusForbidden)
		default:
			writeJSONError(w, "authentication failed", http.StatusServiceUnavailable)
		}
		return nil, false
	}
	return tok, true
}

// checkVersion enforces MinWorkerVersion.
func (s *Server) checkVersion(reported string) error {
	if s.minVersion == nil {
		return nil
	}
	v, err := version.NewVersion(strings.TrimSpace(reported))
	if err != nil || v.LessThan(s.minVersion) {
		return ErrVersionTooOld
	}
	return nil
}

// HandleWorker upgrades a worker connection and serves it until it closes.
func (s *Server) HandleWorker(w http.ResponseWriter, r *http.Request) {
	tok, ok := s.admit(w, r, ledger.PermClaimJobs)
	if !ok {
		return
	}

	reported := r.Header.Get(HeaderVersion)
	if err := s.checkVersion(reported); err != nil {
		s.log.Warn("rejecting outdated worker", "version", reported, "min", s.cfg.MinWorkerVersion)
		atomic.AddInt64(&s.failedConnections, 1)
		writeJSONError(w, err.Error(), http.StatusUpgradeRequired)
		return
	}

	workerID, node := WorkerIdentity(tok, r)
	sess := &Session{
		WorkerID:    workerID,
		TokenID:     tok.TokenID,
		Node:        node,
		Version:     reported,
		RemoteAddr:  getClientIP(r),
		ConnectedAt: time.Now().UTC(),
	}
	if _, exists := s.registry.Get(sess.WorkerID); exists {
		atomic.AddInt64(&s.failedConnections, 1)
		writeJSONError(w, ErrWorkerConnected.Error(), http.StatusConflict)
		return
	}
	if s.registry.Count() >= s.cfg.MaxWorkers {
		atomic.AddInt64(&s.failedConnections, 1)
		writeJSONError(w, ErrMaxWorkersReached.Error(), http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "ip", sess.RemoteAddr, "error", err)
		atomic.AddInt64(&s.failedConnections, 1)
		return
	}
	sess.conn = newConn(ws, s.cfg)
	defer sess.conn.Close()

	if err := s.registry.Add(sess); err != nil {
		s.log.Warn("worker rejected", "worker_id", sess.WorkerID, "error", err)
		atomic.AddInt64(&s.failedConnections, 1)
		return
	}
	defer s.registry.Remove(sess)

	atomic.AddInt64(&s.activeConnections, 1)
	defer atomic.AddInt64(&s.activeConnections, -1)

	log := s.log.WithWorker(sess.WorkerID, sess.Node)
	log.Info("worker connected", "version", sess.Version, "workers", s.registry.Count())
	s.serveWorker(sess, log)
	log.Info("worker disconnected", "workers", s.registry.Count()-1)
}

// HandleBot upgrades the control-plane connection. A new bot replaces the old one.
func (s *Server) HandleBot(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.admit(w, r, ledger.PermSubmitJobs); !ok {
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("bot websocket upgrade failed", "error", err)
		atomic.AddInt64(&s.failedConnections, 1)
		return
	}
	conn := newConn(ws, s.cfg)
	defer conn.Close()

	atomic.AddInt64(&s.activeConnections, 1)
	defer atomic.AddInt64(&s.activeConnections, -1)

	s.botMu.Lock()
	prev := s.bot
	s.bot = conn
	s.botMu.Unlock()
	if prev != nil {
		prev.Close()
	}
	if s.notices != nil {
		s.notices.Attach(conn)
		defer s.notices.Detach(conn)
	}
	defer func() {
		s.botMu.Lock()
		if s.bot == conn {
			s.bot = nil
		}
		s.botMu.Unlock()
	}()

	s.log.Info("bot connected")
	s.serveBot(conn, ws)
	s.log.Info("bot disconnected")
}

// WorkerIdentity derives the worker id and node label of a request. One token
// may serve several nodes; each node is a distinct worker.
func WorkerIdentity(tok *ledger.CapabilityToken, r *http.Request) (workerID, node string) {
	node = strings.TrimSpace(r.Header.Get(HeaderNodeName))
	if node == "" {
		node = tok.Label
	}
	if node == "" {
		node = tok.TokenID
	}
	return tok.TokenID + "/" + node, node
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
