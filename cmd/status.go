package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/replaycast/replaycast/internal/status"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	goodColor   = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	badColor    = color.New(color.FgRed)
	labelColor  = color.New(color.Bold)
	noColor     bool
	statusAddr  string
	statusJSON  bool
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"st"},
	Short:   "Shows the status of the local render worker",
	Long: `Queries the status endpoint of a running worker and prints its system
vitals, connection state and current batch.`,
	Example: `  # View worker status with colors
  replaycast status

  # Query a worker on another port, as JSON
  replaycast status --addr 127.0.0.1:9081 --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			color.NoColor = true
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		st, raw, err := fetchWorkerStatus(ctx, statusAddr)
		if err != nil {
			return err
		}
		if statusJSON {
			_, err := os.Stdout.Write(raw)
			return err
		}
		printWorkerStatus(os.Stdout, st)
		return nil
	},
}

func fetchWorkerStatus(ctx context.Context, addr string) (*status.WorkerStatus, []byte, error) {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/status", nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("worker status endpoint unreachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("worker status endpoint returned %d", resp.StatusCode)
	}
	var st status.WorkerStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, nil, fmt.Errorf("decode worker status: %w", err)
	}
	return &st, raw, nil
}

func printWorkerStatus(out io.Writer, st *status.WorkerStatus) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	headerColor.Fprintf(w, "--- Replaycast Worker %s (%s) ---\n", st.Node.Name, st.Node.WorkerVersion)

	headerColor.Fprintln(w, "\nSYSTEM VITALS")
	fmt.Fprintf(w, "  %s:\t%s (%.1f / %.1f GB)\n", labelColor.Sprint("Memory"),
		colorizePercent(st.System.MemoryPercent), st.System.MemoryUsedGB, st.System.MemoryTotalGB)
	fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("CPU Usage"), colorizePercent(st.System.CPUPercent))
	fmt.Fprintf(w, "  %s:\t%s (%s free)\n", labelColor.Sprint("Disk"),
		colorizePercent(st.System.DiskPercent), formatBytes(st.System.DiskFreeMB<<20))
	fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Uptime"), (time.Duration(st.Node.UptimeSeconds) * time.Second).String())

	headerColor.Fprintln(w, "\nRENDER")
	conn := badColor.Sprint("disconnected")
	if st.Render.Connected {
		conn = goodColor.Sprint("connected")
	}
	fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Coordinator"), conn)

	state := st.Render.State
	if state == "rendering" {
		state = warnColor.Sprint(state)
	}
	fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("State"), state)
	if st.Render.ExpectedCount > 0 {
		fmt.Fprintf(w, "  %s:\t%d\n", labelColor.Sprint("Expected"), st.Render.ExpectedCount)
	}
	for _, id := range st.Render.ClaimedJobs {
		fmt.Fprintf(w, "    - %s\n", id)
	}
	fmt.Fprintf(w, "  %s:\t%d\n", labelColor.Sprint("Uploads Pending"), st.Render.UploadsPending)
	if st.Render.LastPoll != "" {
		fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Last Poll"), st.Render.LastPoll)
	}
}

func colorizePercent(p float64) string {
	s := fmt.Sprintf("%.1f%%", p)
	if p > 90.0 {
		return badColor.Sprint(s)
	}
	if p > 75.0 {
		return warnColor.Sprint(s)
	}
	return goodColor.Sprint(s)
}

func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colorized output")
	statusCmd.Flags().StringVar(&statusAddr, "addr", "127.0.0.1:8081", "worker status endpoint address")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the raw status JSON")
}
