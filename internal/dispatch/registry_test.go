package dispatch

import (
	"testing"
	"time"

	"github.com/replaycast/replaycast/internal/ledger"
)

func TestSessionCapabilitiesFirstWriteWins(t *testing.T) {
	s := &Session{WorkerID: "w"}
	if _, _, ok := s.Capabilities(); ok {
		t.Fatal("fresh session should have no capabilities")
	}
	if !s.SetCapabilities([]string{"tf"}, ledger.Quality720p) {
		t.Fatal("first write should be recorded")
	}
	if s.SetCapabilities([]string{"csgo"}, ledger.Quality2160p) {
		t.Fatal("second write should be ignored")
	}
	titles, q, _ := s.Capabilities()
	if len(titles) != 1 || titles[0] != "tf" || q != ledger.Quality720p {
		t.Errorf("capabilities = %v %v", titles, q)
	}
}

func TestRegistryLimits(t *testing.T) {
	r := NewRegistry(2)
	a := &Session{WorkerID: "a"}
	if err := r.Add(a); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Add(&Session{WorkerID: "a"}); err != ErrWorkerConnected {
		t.Errorf("expected ErrWorkerConnected, got %v", err)
	}
	if err := r.Add(&Session{WorkerID: "b"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Add(&Session{WorkerID: "c"}); err != ErrMaxWorkersReached {
		t.Errorf("expected ErrMaxWorkersReached, got %v", err)
	}

	// Removing a stale session pointer must not evict the registered one.
	r.Remove(&Session{WorkerID: "a"})
	if _, ok := r.Get("a"); !ok {
		t.Error("stale remove evicted the live session")
	}
	r.Remove(a)
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1", r.Count())
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	defer rl.Stop()

	if !rl.Allow("1.2.3.4") || !rl.Allow("1.2.3.4") {
		t.Fatal("burst should be allowed")
	}
	if rl.Allow("1.2.3.4") {
		t.Error("third immediate request should be limited")
	}
	if !rl.Allow("5.6.7.8") {
		t.Error("other IPs are limited independently")
	}
	if rl.Count() != 2 {
		t.Errorf("Count = %d, want 2", rl.Count())
	}

	rl.cleanup(time.Now().Add(time.Hour))
	if rl.Count() != 0 {
		t.Errorf("cleanup left %d entries", rl.Count())
	}
	rl.Stop()
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cfg.BatchSize = 0
	if err := cfg.Validate(); err != ErrInvalidBatchSize {
		t.Errorf("expected ErrInvalidBatchSize, got %v", err)
	}
	cfg = DefaultConfig()
	cfg.MinWorkerVersion = "not-a-version"
	if err := cfg.Validate(); err != ErrInvalidMinVersion {
		t.Errorf("expected ErrInvalidMinVersion, got %v", err)
	}
}
