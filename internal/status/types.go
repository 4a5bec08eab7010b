// Package status collects the state of a render worker and serves it over a
// local HTTP endpoint. The heartbeat publisher sends the same payload to Redis.
package status

import "time"

// WorkerStatus is the payload returned from /status and published in heartbeats.
type WorkerStatus struct {
	Version   string        `json:"version"`
	Timestamp time.Time     `json:"timestamp"`
	Node      NodeInfo      `json:"node"`
	System    SystemMetrics `json:"system"`
	Render    RenderInfo    `json:"render"`
}

// NodeInfo identifies the worker host.
type NodeInfo struct {
	Name          string `json:"name"`
	WorkerVersion string `json:"worker_version,omitempty"`
	Platform      string `json:"platform,omitempty"`
	HostUptime    uint64 `json:"host_uptime_seconds,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// SystemMetrics contains system resource utilization. Disk figures are for
// the volume holding rendered videos.
type SystemMetrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsedGB  float64 `json:"memory_used_gb"`
	MemoryTotalGB float64 `json:"memory_total_gb"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskUsedGB    float64 `json:"disk_used_gb"`
	DiskTotalGB   float64 `json:"disk_total_gb"`
	DiskFreeMB    uint64  `json:"disk_free_mb"`
	DiskPercent   float64 `json:"disk_percent"`
}

// RenderInfo is the render context's view of the current batch.
type RenderInfo struct {
	State          string   `json:"state"`
	Connected      bool     `json:"connected"`
	ExpectedCount  int      `json:"expected_count"`
	ClaimedJobs    []string `json:"claimed_jobs,omitempty"`
	UploadsPending int      `json:"uploads_pending"`
	LastPoll       string   `json:"last_poll,omitempty"`
}

// RenderReporter supplies RenderInfo. The worker orchestrator implements it.
type RenderReporter interface {
	RenderStatus() RenderInfo
}

// HealthResponse is the response for /health endpoint.
type HealthResponse struct {
	Status  string `json:"status"` // "ok", "degraded"
	Version string `json:"version"`
	Reason  string `json:"reason,omitempty"`
}

// HealthStatus constants for health checks.
const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
)

// StatusVersion is the current version of the status payload format.
const StatusVersion = "1.0"
