// Package worker is the render node: it keeps a websocket to the coordinator,
// claims and fetches jobs, drives the engine through the supervisor and posts
// finished videos back.
package worker

import (
	"context"
	"errors"
	"net/http"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/replaycast/replaycast/internal/heartbeat"
	"github.com/replaycast/replaycast/internal/logging"
	"github.com/replaycast/replaycast/internal/status"
	"github.com/replaycast/replaycast/internal/supervisor"
)

// Worker wires the connection, render and upload contexts together.
type Worker struct {
	cfg          Config
	log          *logging.Logger
	client       *Client
	orchestrator *Orchestrator
	uploader     *Uploader
	status       *status.Server
	heartbeat    *heartbeat.Publisher
}

// New validates cfg and builds a worker.
func New(cfg Config, log *logging.Logger) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.NewDefault()
	}
	for _, dir := range []string{cfg.VideosDir, cfg.MapsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	for mod, t := range cfg.Titles {
		if t.Mod == "" {
			t.Mod = mod
			cfg.Titles[mod] = t
		}
	}

	log = &logging.Logger{Logger: log.With("node", cfg.NodeName)}
	w := &Worker{cfg: cfg, log: log}
	w.client = NewClient(cfg, w.log)
	w.uploader = NewUploader(cfg, w.client, nil, w.log)
	maps := NewMapCache(cfg.MapsDir, &http.Client{Timeout: cfg.UploadTimeout})
	w.orchestrator = NewOrchestrator(cfg, w.client, w.client.Events(), supervisor.New(w.log), w.uploader, maps, w.log)

	collector := status.NewCollector(status.CollectorConfig{
		NodeName: cfg.NodeName,
		Version:  cfg.Version,
		DataDir:  cfg.VideosDir,
		Render:   w.orchestrator,
	})
	if cfg.StatusAddr != "" {
		w.status = status.NewServer(status.ServerConfig{
			Addr:          cfg.StatusAddr,
			Version:       cfg.Version,
			MinFreeDiskMB: cfg.MinFreeDiskMB,
		}, collector, w.log)
	}
	if cfg.RedisURL != "" {
		hb, err := heartbeat.NewPublisher(heartbeat.Config{
			RedisURL: cfg.RedisURL,
			NodeID:   cfg.NodeName,
			Interval: cfg.HeartbeatInterval,
		}, collector, w.log)
		if err != nil {
			return nil, err
		}
		w.heartbeat = hb
	}
	return w, nil
}

// Run blocks until ctx is cancelled or the coordinator rejects the worker.
// A running engine is killed on shutdown.
func (w *Worker) Run(ctx context.Context) error {
	if w.heartbeat != nil {
		defer w.heartbeat.Close()
	}
	w.log.Info("worker starting", "coordinator", w.cfg.CoordinatorURL, "titles", w.cfg.TitleMods(), "max_quality", w.cfg.MaxQuality.String())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.client.Run(ctx) })
	g.Go(func() error { return w.orchestrator.Run(ctx) })
	g.Go(func() error { return w.uploader.Run(ctx) })
	if w.status != nil {
		g.Go(func() error {
			if err := w.status.Start(ctx); err != nil {
				w.log.Warn("status server stopped", "error", err)
			}
			return nil
		})
	}
	if w.heartbeat != nil {
		g.Go(func() error {
			if err := w.heartbeat.Start(ctx); err != nil {
				w.log.Warn("heartbeat disabled", "error", err)
			}
			return nil
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	w.log.Info("worker stopped")
	return err
}
