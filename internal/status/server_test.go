package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/replaycast/replaycast/internal/logging"
)

func TestNewServerDefaultAddr(t *testing.T) {
	collector := NewCollector(CollectorConfig{NodeName: "test-node"})

	tests := []struct {
		name     string
		config   ServerConfig
		wantAddr string
	}{
		{name: "with default addr", config: ServerConfig{}, wantAddr: "127.0.0.1:8081"},
		{name: "with custom addr", config: ServerConfig{Addr: ":9090"}, wantAddr: ":9090"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := NewServer(tt.config, collector, logging.Discard())
			if server.Addr() != tt.wantAddr {
				t.Errorf("Addr() = %v, want %v", server.Addr(), tt.wantAddr)
			}
		})
	}
}

func TestServerHealthEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		render     RenderReporter
		minFree    uint64
		wantCode   int
		wantStatus string
	}{
		{
			name:       "connected",
			render:     fakeRender{RenderInfo{State: "idle", Connected: true}},
			wantCode:   http.StatusOK,
			wantStatus: HealthStatusOK,
		},
		{
			name:       "disconnected",
			render:     fakeRender{RenderInfo{State: "idle"}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: HealthStatusDegraded,
		},
		{
			name:       "no render reporter",
			wantCode:   http.StatusOK,
			wantStatus: HealthStatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			collector := NewCollector(CollectorConfig{NodeName: "n", DataDir: t.TempDir(), Render: tt.render})
			server := NewServer(ServerConfig{Version: "1.0.0", MinFreeDiskMB: tt.minFree}, collector, logging.Discard())

			w := httptest.NewRecorder()
			server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			if w.Code != tt.wantCode {
				t.Errorf("StatusCode = %v, want %v", w.Code, tt.wantCode)
			}
			var resp HealthResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("Status = %v, want %v", resp.Status, tt.wantStatus)
			}
			if resp.Version != "1.0.0" {
				t.Errorf("Version = %v, want 1.0.0", resp.Version)
			}
		})
	}
}

func TestServerHealthMethodNotAllowed(t *testing.T) {
	server := NewServer(ServerConfig{}, NewCollector(CollectorConfig{NodeName: "n"}), logging.Discard())

	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/health", nil))

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("StatusCode = %v, want %v", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestServerStatusEndpoint(t *testing.T) {
	collector := NewCollector(CollectorConfig{
		NodeName: "test-node",
		DataDir:  t.TempDir(),
		Render:   fakeRender{RenderInfo{State: "idle", Connected: true, UploadsPending: 2}},
	})
	server := NewServer(ServerConfig{}, collector, logging.Discard())

	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("StatusCode = %v, want %v", w.Code, http.StatusOK)
	}
	var st WorkerStatus
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if st.Node.Name != "test-node" {
		t.Errorf("Node.Name = %v, want test-node", st.Node.Name)
	}
	if st.Render.UploadsPending != 2 {
		t.Errorf("Render.UploadsPending = %v, want 2", st.Render.UploadsPending)
	}
}

func TestServerStartAndShutdown(t *testing.T) {
	server := NewServer(ServerConfig{Addr: "127.0.0.1:0"}, NewCollector(CollectorConfig{NodeName: "test"}), logging.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	<-ctx.Done()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Error("Server did not shut down in time")
	}
}
