package status

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

const gb = 1024 * 1024 * 1024

// Collector gathers host metrics and the render state of one worker.
type Collector struct {
	nodeName  string
	version   string
	dataDir   string
	render    RenderReporter
	startTime time.Time
}

// CollectorConfig holds configuration for the status collector.
type CollectorConfig struct {
	NodeName string
	Version  string
	// DataDir is the directory whose volume is reported as disk usage.
	DataDir string
	Render  RenderReporter
}

// NewCollector creates a new status collector.
func NewCollector(cfg CollectorConfig) *Collector {
	if cfg.DataDir == "" {
		cfg.DataDir = "/"
	}
	return &Collector{
		nodeName:  cfg.NodeName,
		version:   cfg.Version,
		dataDir:   cfg.DataDir,
		render:    cfg.Render,
		startTime: time.Now(),
	}
}

// Collect gathers all status metrics. Metrics that cannot be read are left zero.
func (c *Collector) Collect(ctx context.Context) (*WorkerStatus, error) {
	st := &WorkerStatus{
		Version:   StatusVersion,
		Timestamp: time.Now().UTC(),
		Node:      c.collectNodeInfo(ctx),
		System:    c.collectSystemMetrics(ctx),
	}
	if c.render != nil {
		st.Render = c.render.RenderStatus()
	}
	return st, nil
}

func (c *Collector) collectNodeInfo(ctx context.Context) NodeInfo {
	info := NodeInfo{
		Name:          c.nodeName,
		WorkerVersion: c.version,
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
	}
	if h, err := host.InfoWithContext(ctx); err == nil {
		info.Platform = h.Platform + " " + h.PlatformVersion
		info.HostUptime = h.Uptime
	}
	return info
}

func (c *Collector) collectSystemMetrics(ctx context.Context) SystemMetrics {
	var metrics SystemMetrics

	if v, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		metrics.MemoryUsedGB = float64(v.Used) / gb
		metrics.MemoryTotalGB = float64(v.Total) / gb
		metrics.MemoryPercent = v.UsedPercent
	}

	if percentages, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false); err == nil && len(percentages) > 0 {
		metrics.CPUPercent = percentages[0]
	}

	if d, err := disk.UsageWithContext(ctx, c.dataDir); err == nil {
		metrics.DiskUsedGB = float64(d.Used) / gb
		metrics.DiskTotalGB = float64(d.Total) / gb
		metrics.DiskFreeMB = d.Free >> 20
		metrics.DiskPercent = d.UsedPercent
	}

	return metrics
}
