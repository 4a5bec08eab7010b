package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/replaycast/replaycast/internal/api"
)

var (
	apiServer string
	apiToken  string

	submitQuality string
	submitTitle   string
	submitOptions []string
	submitBy      string

	listStatus string
	listLimit  int
)

// apiClient talks to the coordinator's job API.
type apiClient struct {
	base   string
	token  string
	client *http.Client
}

func newAPIClient() (*apiClient, error) {
	// the .env file is loaded after flag defaults are computed
	if apiToken == "" {
		apiToken = os.Getenv("REPLAYCAST_TOKEN")
	}
	if apiServer == "" {
		return nil, fmt.Errorf("no coordinator address: set --server or REPLAYCAST_API_URL")
	}
	if apiToken == "" {
		return nil, fmt.Errorf("no token: set --token or REPLAYCAST_TOKEN")
	}
	return &apiClient{
		base:   strings.TrimRight(apiServer, "/"),
		token:  apiToken,
		client: &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("coordinator returned %d", e.Status)
	}
	return fmt.Sprintf("%s: %s (%d)", e.Code, e.Message, e.Status)
}

func (c *apiClient) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(raw, &env)
		return &apiError{Status: resp.StatusCode, Code: env.Error.Code, Message: env.Error.Message}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

type jobEnvelope struct {
	Job api.JobView `json:"job"`
}

func (c *apiClient) Submit(ctx context.Context, path string) (*api.JobView, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, err
	}
	fields := map[string]string{
		"quality":        submitQuality,
		"title":          submitTitle,
		"origin":         "web",
		"requested_by":   submitBy,
		"render_options": strings.Join(submitOptions, "\n"),
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var env jobEnvelope
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs", mw.FormDataContentType(), &buf, &env); err != nil {
		return nil, err
	}
	return &env.Job, nil
}

func (c *apiClient) Get(ctx context.Context, id string) (*api.JobView, error) {
	var env jobEnvelope
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id), "", nil, &env); err != nil {
		return nil, err
	}
	return &env.Job, nil
}

func (c *apiClient) Rerender(ctx context.Context, id string) (*api.JobView, error) {
	var env jobEnvelope
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs/"+url.PathEscape(id)+"/rerender", "", nil, &env); err != nil {
		return nil, err
	}
	return &env.Job, nil
}

func (c *apiClient) List(ctx context.Context, status string, limit int) ([]api.JobView, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var env struct {
		Jobs []api.JobView `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, path, "", nil, &env); err != nil {
		return nil, err
	}
	return env.Jobs, nil
}

// colorizeStatus marks failed finishes red. A finished job with no failure
// reason has a video.
func colorizeStatus(j *api.JobView) string {
	switch {
	case j.Status == "finished_render" && j.FailureReason != "":
		return badColor.Sprint("failed")
	case j.Status == "finished_render":
		return goodColor.Sprint(j.Status)
	case j.Status == "requires_render":
		return j.Status
	}
	return warnColor.Sprint(j.Status)
}

func printJob(out io.Writer, j *api.JobView) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	headerColor.Fprintf(w, "--- Job %s ---\n", j.JobID)
	fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Status"), colorizeStatus(j))
	fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Share ID"), j.ShareID)
	if j.Title != "" {
		fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Title"), j.Title)
	}
	fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Game"), j.TitleMod)
	fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Map"), j.MapName)
	fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Quality"), j.Quality)
	fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Playback"), (time.Duration(j.PlaybackSeconds * float64(time.Second))).Round(time.Second))
	fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Created"), j.CreatedAt.Local().Format(time.RFC3339))
	if j.ClaimedByNode != "" {
		fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Node"), j.ClaimedByNode)
	}
	if j.OutputURL != "" {
		fmt.Fprintf(w, "  %s:\t%s (%s)\n", labelColor.Sprint("Video"), j.OutputURL, formatBytes(uint64(j.OutputSize)))
	}
	if j.FailureReason != "" {
		fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Failure"), badColor.Sprint(j.FailureReason))
	}
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Submit and inspect render jobs",
	Long: `Client for the coordinator job API. The coordinator address and token come
from --server/--token or REPLAYCAST_API_URL/REPLAYCAST_TOKEN.`,
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit <replay.dem>",
	Short: "Upload a replay and queue it for rendering",
	Example: `  replaycast jobs submit match.dem --quality 1080p --title "Grand final"
  replaycast jobs submit match.dem --option "+cl_drawhud 0"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		job, err := c.Submit(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		goodColor.Fprintf(cmd.OutOrStdout(), "Queued job %s\n", job.JobID)
		printJob(cmd.OutOrStdout(), job)
		return nil
	},
}

var jobsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List jobs (admin)",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		jobs, err := c.List(cmd.Context(), listStatus, listLimit)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No jobs.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		defer w.Flush()
		fmt.Fprintln(w, "JOB ID\tSTATUS\tGAME\tMAP\tQUALITY\tNODE\tCREATED")
		for i := range jobs {
			j := &jobs[i]
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", j.JobID, colorizeStatus(j),
				j.TitleMod, j.MapName, j.Quality, j.ClaimedByNode, j.CreatedAt.Local().Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		job, err := c.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printJob(cmd.OutOrStdout(), job)
		return nil
	},
}

var jobsRerenderCmd = &cobra.Command{
	Use:   "rerender <job-id>",
	Short: "Queue a finished job for rendering again (admin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		job, err := c.Rerender(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		goodColor.Fprintf(cmd.OutOrStdout(), "Job %s queued for rerender\n", job.JobID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsSubmitCmd, jobsListCmd, jobsShowCmd, jobsRerenderCmd)

	jobsCmd.PersistentFlags().StringVar(&apiServer, "server", getEnvOrDefault("REPLAYCAST_API_URL", "http://127.0.0.1:8080"), "coordinator base URL")
	jobsCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("REPLAYCAST_TOKEN"), "API token")

	jobsSubmitCmd.Flags().StringVar(&submitQuality, "quality", "720p", "render quality (720p or 1080p)")
	jobsSubmitCmd.Flags().StringVar(&submitTitle, "title", "", "video title")
	jobsSubmitCmd.Flags().StringArrayVar(&submitOptions, "option", nil, "engine console command, repeatable")
	jobsSubmitCmd.Flags().StringVar(&submitBy, "requested-by", "", "requester recorded on the job")

	jobsListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	jobsListCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum number of jobs")
}
