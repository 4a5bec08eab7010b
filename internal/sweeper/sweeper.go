// Package sweeper periodically corrects jobs abandoned by their workers.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/replaycast/replaycast/internal/ledger"
	"github.com/replaycast/replaycast/internal/logging"
)

// Ledger is the subset of *ledger.Store the sweeper uses.
type Ledger interface {
	RequeueImported(ctx context.Context, staleCutoff, windowStart time.Time) ([]ledger.RenderJob, error)
	RequeueStaleClaims(ctx context.Context, cutoff time.Time) ([]ledger.RenderJob, error)
	FailStaleRenders(ctx context.Context, cutoff time.Time) ([]ledger.RenderJob, error)
}

// Notifier is told about jobs the sweeper gave up on.
type Notifier interface {
	Failed(ctx context.Context, jobs []ledger.RenderJob)
}

// Config holds sweep thresholds.
type Config struct {
	// Interval between passes
	Interval time.Duration
	// ClaimTimeout requeues ClaimedRender jobs idle this long
	ClaimTimeout time.Duration
	// RenderTimeout fails StartedRender jobs idle this long
	RenderTimeout time.Duration
	// ImportMinAge and ImportMaxAge bound the importer retry window
	ImportMinAge time.Duration
	ImportMaxAge time.Duration
}

// DefaultConfig returns the reference thresholds.
func DefaultConfig() Config {
	return Config{
		Interval:      60 * time.Second,
		ClaimTimeout:  2 * time.Minute,
		RenderTimeout: 30 * time.Minute,
		ImportMinAge:  15 * time.Minute,
		ImportMaxAge:  60 * time.Minute,
	}
}

// Validate checks the thresholds.
func (c Config) Validate() error {
	if c.Interval <= 0 || c.ClaimTimeout <= 0 || c.RenderTimeout <= 0 {
		return errors.New("sweeper interval and timeouts must be positive")
	}
	if c.ImportMinAge <= 0 || c.ImportMaxAge <= c.ImportMinAge {
		return errors.New("sweeper import window must satisfy 0 < min < max")
	}
	return nil
}

// Result counts what one pass changed.
type Result struct {
	ImportRequeued int
	Requeued       int
	Failed         int
}

// Sweeper runs recovery passes against the ledger.
type Sweeper struct {
	cfg      Config
	jobs     Ledger
	notifier Notifier
	log      *logging.Logger
	now      func() time.Time
}

// New creates a Sweeper. notifier may be nil.
func New(cfg Config, jobs Ledger, notifier Notifier, log *logging.Logger) (*Sweeper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sweeper{
		cfg:      cfg,
		jobs:     jobs,
		notifier: notifier,
		log:      log.WithComponent("sweeper"),
		now:      time.Now,
	}, nil
}

// Sweep runs one pass: the importer window first, then abandoned claims, then
// abandoned renders.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	now := s.now()

	imported, err := s.jobs.RequeueImported(ctx, now.Add(-s.cfg.ImportMinAge), now.Add(-s.cfg.ImportMaxAge))
	if err != nil {
		return res, fmt.Errorf("requeue imported: %w", err)
	}
	res.ImportRequeued = len(imported)
	for _, j := range imported {
		s.log.WithJob(j.JobID).Info("importer job requeued")
	}

	requeued, err := s.jobs.RequeueStaleClaims(ctx, now.Add(-s.cfg.ClaimTimeout))
	if err != nil {
		return res, fmt.Errorf("requeue stale claims: %w", err)
	}
	res.Requeued = len(requeued)
	for _, j := range requeued {
		s.log.WithJob(j.JobID).Info("abandoned claim requeued")
	}

	failed, err := s.jobs.FailStaleRenders(ctx, now.Add(-s.cfg.RenderTimeout))
	if err != nil {
		return res, fmt.Errorf("fail stale renders: %w", err)
	}
	res.Failed = len(failed)
	for _, j := range failed {
		s.log.WithJob(j.JobID).Warn("abandoned render finalized as failed")
	}
	if len(failed) > 0 && s.notifier != nil {
		s.notifier.Failed(ctx, failed)
	}
	return res, nil
}

// Run schedules Sweep every Interval until ctx is cancelled. Overlapping passes
// are skipped.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.log})))
	spec := "@every " + s.cfg.Interval.String()
	if _, err := c.AddFunc(spec, func() {
		res, err := s.Sweep(ctx)
		if err != nil {
			s.log.Error("sweep failed", "error", err)
			return
		}
		if res != (Result{}) {
			s.log.Info("sweep finished", "import_requeued", res.ImportRequeued, "requeued", res.Requeued, "failed", res.Failed)
		}
	}); err != nil {
		return fmt.Errorf("schedule sweeper: %w", err)
	}

	s.log.Info("sweeper started", "interval", s.cfg.Interval.String())
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// cronLogger adapts logging.Logger to cron.Logger.
type cronLogger struct {
	log *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
