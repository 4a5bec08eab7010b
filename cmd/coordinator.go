package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/replaycast/replaycast/internal/api"
	"github.com/replaycast/replaycast/internal/config"
	"github.com/replaycast/replaycast/internal/dispatch"
	"github.com/replaycast/replaycast/internal/ledger"
	"github.com/replaycast/replaycast/internal/logging"
	"github.com/replaycast/replaycast/internal/notify"
	"github.com/replaycast/replaycast/internal/replay"
	"github.com/replaycast/replaycast/internal/storage"
	"github.com/replaycast/replaycast/internal/sweeper"
)

var coordinatorListen string

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Run the coordinator: job ledger, worker dispatch, sweeper and HTTP API",
	Long: `Runs the coordinator until interrupted.

Workers connect to /ws/worker, the control-plane bot to /ws/bot. Jobs are
submitted and administered through /api/v1/jobs.`,
	Example: `  # Run with a config file
  replaycast coordinator --config coordinator.yaml

  # Override the listen address
  replaycast coordinator --config coordinator.yaml --listen :9000`,
	RunE: runCoordinator,
}

func runCoordinator(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadCoordinator(cfgFile)
	if err != nil {
		return err
	}
	if coordinatorListen != "" {
		cfg.Listen = coordinatorListen
	}
	log := newLogger("coordinator")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jobs, err := ledger.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer jobs.Close()
	log.Info("ledger opened", "driver", jobs.Driver())

	replays, err := replay.NewStore(cfg.ReplayRoot)
	if err != nil {
		return err
	}
	codec := &replay.SourceDemoCodec{RepairCommand: cfg.RepairCommand, RepairTimeout: cfg.RepairTimeout}

	artifacts, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	log.Info("artifact store ready", "provider", artifacts.Provider())

	notices, err := newNotifier(ctx, cfg, log)
	if err != nil {
		return err
	}

	dispatcher, err := dispatch.NewServer(cfg.DispatchConfig(), dispatch.Deps{
		Jobs:     jobs,
		Tokens:   jobs,
		Replays:  replays,
		Repairer: codec,
		Notices:  notices,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	sweep, err := sweeper.New(cfg.SweeperConfig(), jobs, notices, log)
	if err != nil {
		return err
	}

	router := api.NewRouter(api.Deps{
		Jobs:          jobs,
		Tokens:        jobs,
		Replays:       replays,
		Codec:         codec,
		Artifacts:     artifacts,
		Notices:       notices,
		Dispatcher:    dispatcher,
		Logger:        log,
		Version:       Version,
		MaxReplaySize: cfg.Bot.MaxReplaySize,
		MaxVideoSize:  cfg.MaxVideoSize,
	})
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening", "addr", cfg.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sweep.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down HTTP server")
		dispatcher.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newNotifier attaches the Redis mirror when redis_url is configured. An
// unreachable Redis only disables the mirror.
func newNotifier(ctx context.Context, cfg *config.Coordinator, log *logging.Logger) (*notify.Notifier, error) {
	if cfg.RedisURL == "" {
		return notify.New(log, nil), nil
	}
	mirror, err := notify.NewRedisMirror(cfg.RedisURL, cfg.NoticeChannel)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := mirror.Ping(pingCtx); err != nil {
		log.Warn("redis unreachable, notices will not be mirrored", "error", err)
		_ = mirror.Close()
		return notify.New(log, nil), nil
	}
	log.Info("mirroring notices to redis", "channel", mirror.Channel())
	return notify.New(log, mirror), nil
}

func init() {
	rootCmd.AddCommand(coordinatorCmd)
	coordinatorCmd.Flags().StringVar(&coordinatorListen, "listen", "", "listen address (overrides the config)")
}
