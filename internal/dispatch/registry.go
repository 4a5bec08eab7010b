package dispatch

import (
	"sort"
	"sync"
	"time"

	"github.com/replaycast/replaycast/internal/ledger"
)

// Session is the in-memory record of one worker connection.
type Session struct {
	WorkerID    string
	TokenID     string
	Node        string
	Version     string
	RemoteAddr  string
	ConnectedAt time.Time

	conn *Conn

	mu         sync.RWMutex
	advertised bool
	titles     []string
	maxQuality ledger.Quality
}

// SetCapabilities records what the worker can render. Only the first call has
// any effect; it reports whether this call was the one recorded.
func (s *Session) SetCapabilities(titles []string, maxQuality ledger.Quality) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.advertised {
		return false
	}
	s.titles = append([]string(nil), titles...)
	s.maxQuality = maxQuality
	s.advertised = true
	return true
}

// Capabilities returns the recorded titles and max quality.
func (s *Session) Capabilities() (titles []string, maxQuality ledger.Quality, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.titles, s.maxQuality, s.advertised
}

// SessionInfo is a read-only snapshot for stats.
type SessionInfo struct {
	WorkerID    string         `json:"workerId"`
	Node        string         `json:"node"`
	Version     string         `json:"version,omitempty"`
	RemoteAddr  string         `json:"remoteAddr"`
	ConnectedAt time.Time      `json:"connectedAt"`
	Titles      []string       `json:"titles"`
	MaxQuality  ledger.Quality `json:"maxQuality"`
}

// Registry is the synchronized map of connected workers.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	max      int
}

// NewRegistry creates a registry holding at most max sessions.
func NewRegistry(max int) *Registry {
	return &Registry{sessions: make(map[string]*Session), max: max}
}

// Add registers s. A worker identity may hold one connection at a time.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.WorkerID]; ok {
		return ErrWorkerConnected
	}
	if len(r.sessions) >= r.max {
		return ErrMaxWorkersReached
	}
	r.sessions[s.WorkerID] = s
	return nil
}

// Remove unregisters s if it is still the registered session for its worker.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.WorkerID]; ok && cur == s {
		delete(r.sessions, s.WorkerID)
	}
}

// Get returns the session of a worker.
func (r *Registry) Get(workerID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[workerID]
	return s, ok
}

// Count returns the number of connected workers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot lists the connected workers ordered by worker id.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.RLock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		titles, maxQ, _ := s.Capabilities()
		out = append(out, SessionInfo{
			WorkerID:    s.WorkerID,
			Node:        s.Node,
			Version:     s.Version,
			RemoteAddr:  s.RemoteAddr,
			ConnectedAt: s.ConnectedAt,
			Titles:      titles,
			MaxQuality:  maxQ,
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// CloseAll closes every registered connection.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.conn != nil {
			conns = append(conns, s.conn)
		}
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
}
