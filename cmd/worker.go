package cmd

import (
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/replaycast/replaycast/internal/config"
	"github.com/replaycast/replaycast/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a render worker against a coordinator",
	Long: `Connects to the coordinator, claims jobs for the configured titles, renders
them with the game engine and uploads the videos.

The worker exits when the coordinator rejects its token or version.`,
	Example: `  # Run with a config file
  replaycast worker --config worker.yaml

  # Override the node name
  REPLAYCAST_NODE_NAME=render-02 replaycast worker --config worker.yaml`,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	wc, err := config.LoadWorker(cfgFile)
	if err != nil {
		return err
	}
	log := newLogger("worker")

	w, err := worker.New(wc.WorkerConfig(Version), log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = w.Run(ctx)
	if errors.Is(err, worker.ErrRejected) || errors.Is(err, worker.ErrVersionRejected) {
		log.Error("coordinator refused this worker", "error", err)
	}
	return err
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
