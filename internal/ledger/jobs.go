package ledger

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const jobColumns = `job_id, share_id, title, title_mod, map_name, workshop_ref, render_quality,
	render_options, replay_ref, playback_seconds, tick_rate, requires_fixed_replay, requires_repair,
	origin, requested_by, request_channel, status, claimed_by_worker_id, claimed_by_node,
	claimed_at, created_at, rerender_started_at, rendered_at, output_url, output_size, external_storage_id,
	failure_reason`

// Failure reasons written by the coordinator itself.
const (
	ReasonUnconfirmed     = "claim not confirmed by worker"
	ReasonRenderAbandoned = "render abandoned"
	ReasonTransferFailed  = "replay transfer failed"
)

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*RenderJob, error) {
	var (
		j                                 RenderJob
		quality, status                   int
		fixed, repair                     int
		origin                            string
		claimedBy, claimedNode            sql.NullString
		outputURL, storageID              sql.NullString
		failure                           sql.NullString
		created                           int64
		claimedAt, rerenderAt, renderedAt sql.NullInt64
	)
	if err := row.Scan(
		&j.JobID, &j.ShareID, &j.Title, &j.TitleMod, &j.MapName, &j.WorkshopRef, &quality,
		&j.RenderOptions, &j.ReplayRef, &j.PlaybackSeconds, &j.TickRate, &fixed, &repair,
		&origin, &j.RequestedBy, &j.RequestChannel, &status, &claimedBy, &claimedNode,
		&claimedAt, &created, &rerenderAt, &renderedAt, &outputURL, &j.OutputSize, &storageID,
		&failure,
	); err != nil {
		return nil, err
	}
	j.RenderQuality = Quality(quality)
	j.Status = Status(status)
	j.RequiresFixedReplay = fixed != 0
	j.RequiresRepair = repair != 0
	j.Origin = Origin(origin)
	j.ClaimedByWorkerID = claimedBy.String
	j.ClaimedByNode = claimedNode.String
	j.ClaimedAt = fromMillis(claimedAt)
	j.CreatedAt = time.UnixMilli(created).UTC()
	j.RerenderStartedAt = fromMillis(rerenderAt)
	j.RenderedAt = fromMillis(renderedAt)
	j.OutputURL = outputURL.String
	j.ExternalStorageID = storageID.String
	j.FailureReason = failure.String
	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]RenderJob, error) {
	defer rows.Close()
	var jobs []RenderJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// NewShareID returns a short URL-safe public identifier.
func NewShareID() string {
	id := uuid.New()
	return base64.RawURLEncoding.EncodeToString(id[:8])
}

// Insert adds a RequiresRender row. This is the only externally writable entry point.
// JobID, ShareID and CreatedAt are assigned when empty.
func (s *Store) Insert(ctx context.Context, j *RenderJob) error {
	if strings.TrimSpace(j.TitleMod) == "" {
		return fmt.Errorf("title mod is required")
	}
	if strings.TrimSpace(j.ReplayRef) == "" {
		return fmt.Errorf("replay ref is required")
	}
	if !j.RenderQuality.Valid() {
		return fmt.Errorf("unsupported quality %d", int(j.RenderQuality))
	}
	if j.JobID == "" {
		j.JobID = uuid.New().String()
	}
	if j.ShareID == "" {
		j.ShareID = NewShareID()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = s.now().UTC()
	}
	if j.Origin == "" {
		j.Origin = OriginWeb
	}
	j.Status = StatusRequiresRender

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO render_jobs (
			job_id, share_id, title, title_mod, map_name, workshop_ref, render_quality,
			render_options, replay_ref, playback_seconds, tick_rate, requires_fixed_replay,
			requires_repair, origin, requested_by, request_channel, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		j.JobID, j.ShareID, j.Title, j.TitleMod, j.MapName, j.WorkshopRef, int(j.RenderQuality),
		j.RenderOptions, j.ReplayRef, j.PlaybackSeconds, j.TickRate, boolInt(j.RequiresFixedReplay),
		boolInt(j.RequiresRepair), string(j.Origin), j.RequestedBy, j.RequestChannel,
		int(StatusRequiresRender), millis(j.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get returns one job by id.
func (s *Store) Get(ctx context.Context, jobID string) (*RenderJob, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM render_jobs WHERE job_id = ?`), jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListFilter narrows List.
type ListFilter struct {
	Status *Status
	Limit  int
}

// List returns jobs, newest first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]RenderJob, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM render_jobs`
	var args []any
	if f.Status != nil {
		query += ` WHERE status = ?`
		args = append(args, int(*f.Status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

// ListAvailable returns up to limit queued jobs the worker can render, best quality
// first and truncated to a single quality tier.
func (s *Store) ListAvailable(ctx context.Context, titles []string, maxQuality Quality, limit int) ([]RenderJob, error) {
	if len(titles) == 0 || limit <= 0 {
		return nil, nil
	}
	args := []any{int(StatusRequiresRender), int(maxQuality)}
	for _, t := range titles {
		args = append(args, t)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+jobColumns+` FROM render_jobs
		WHERE status = ? AND render_quality <= ? AND title_mod IN (`+placeholders(len(titles))+`)
		ORDER BY render_quality DESC, created_at ASC
		LIMIT ?`), args...)
	if err != nil {
		return nil, fmt.Errorf("list available: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	return SingleTier(jobs), nil
}

// transition runs one conditional UPDATE for t. The status guard comes from the
// transition table; set and where add edge-specific columns and conditions.
func (s *Store) transition(ctx context.Context, q querier, t Transition, set string, setArgs []any, where string, whereArgs []any) ([]RenderJob, error) {
	query := `UPDATE render_jobs SET status = ?`
	if set != "" {
		query += `, ` + set
	}
	query += ` WHERE status IN (` + statusList(t.From()) + `)`
	if where != "" {
		query += ` AND ` + where
	}
	query += ` RETURNING ` + jobColumns

	args := append([]any{int(t.To())}, setArgs...)
	args = append(args, whereArgs...)

	rows, err := q.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", t, err)
	}
	return collectJobs(rows)
}

// single runs a transition expected to touch exactly one row.
func (s *Store) single(ctx context.Context, t Transition, set string, setArgs []any, where string, whereArgs []any) (*RenderJob, error) {
	jobs, err := s.transition(ctx, s.db, t, set, setArgs, where, whereArgs)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrNotFound
	}
	return &jobs[0], nil
}

// Claim atomically assigns a queued job to workerID. ErrNotFound means another
// worker won the race or the job is no longer queued.
func (s *Store) Claim(ctx context.Context, jobID, workerID, node string) (*RenderJob, error) {
	return s.single(ctx, TransitionClaim,
		`claimed_by_worker_id = ?, claimed_by_node = ?, claimed_at = ?`,
		[]any{workerID, nullString(node), millis(s.now())},
		`job_id = ?`, []any{jobID})
}

// ConfirmClaims starts exactly the confirmed jobs of workerID and fails every other
// job the worker still holds in ClaimedRender.
func (s *Store) ConfirmClaims(ctx context.Context, workerID string, jobIDs []string) (started, failed []RenderJob, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if len(jobIDs) > 0 {
		whereArgs := []any{workerID}
		for _, id := range jobIDs {
			whereArgs = append(whereArgs, id)
		}
		started, err = s.transition(ctx, tx, TransitionStart, "", nil,
			`claimed_by_worker_id = ? AND job_id IN (`+placeholders(len(jobIDs))+`)`, whereArgs)
		if err != nil {
			return nil, nil, err
		}
	}

	failed, err = s.transition(ctx, tx, TransitionFail,
		`output_url = NULL, failure_reason = ?`, []any{ReasonUnconfirmed},
		`claimed_by_worker_id = ? AND status = ?`, []any{workerID, int(StatusClaimedRender)})
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit confirm: %w", err)
	}
	return started, failed, nil
}

// Fail force-finalizes a job with a null output. When ownerID is non-empty the
// job must still be held by that worker.
func (s *Store) Fail(ctx context.Context, jobID, ownerID, reason string) (*RenderJob, error) {
	where := `job_id = ?`
	whereArgs := []any{jobID}
	if ownerID != "" {
		where += ` AND claimed_by_worker_id = ?`
		whereArgs = append(whereArgs, ownerID)
	}
	return s.single(ctx, TransitionFail,
		`output_url = NULL, failure_reason = ?`, []any{nullString(reason)},
		where, whereArgs)
}

// BeginUpload moves a started job of workerID into UploadingRender.
func (s *Store) BeginUpload(ctx context.Context, jobID, workerID string) (*RenderJob, error) {
	return s.single(ctx, TransitionBeginUpload, "", nil,
		`job_id = ? AND claimed_by_worker_id = ?`, []any{jobID, workerID})
}

// Output is the artifact of a successful render.
type Output struct {
	URL       string
	Size      int64
	StorageID string
}

// Complete records a successful render. renderedAt is written only here.
func (s *Store) Complete(ctx context.Context, jobID, workerID string, out Output) (*RenderJob, error) {
	if out.URL == "" {
		return nil, fmt.Errorf("output url is required")
	}
	return s.single(ctx, TransitionComplete,
		`output_url = ?, output_size = ?, external_storage_id = ?, rendered_at = ?, failure_reason = NULL`,
		[]any{out.URL, out.Size, nullString(out.StorageID), millis(s.now())},
		`job_id = ? AND claimed_by_worker_id = ?`, []any{jobID, workerID})
}

// Rerender resets a finished job to the queue and clears every outcome field.
func (s *Store) Rerender(ctx context.Context, jobID string) (*RenderJob, error) {
	return s.single(ctx, TransitionRerender,
		`claimed_by_worker_id = NULL, claimed_by_node = NULL, claimed_at = NULL, output_url = NULL,
		output_size = 0, external_storage_id = NULL, rendered_at = NULL, failure_reason = NULL,
		rerender_started_at = ?`,
		[]any{millis(s.now())},
		`job_id = ?`, []any{jobID})
}

// staleSince is the SQL form of RenderJob.StaleSince.
func (s *Store) staleSince() string {
	fn := "MAX"
	if s.driver == DriverPostgres {
		fn = "GREATEST"
	}
	return fn + `(created_at, COALESCE(rerender_started_at, 0), COALESCE(claimed_at, 0))`
}

const requeueSet = `claimed_by_worker_id = NULL, claimed_by_node = NULL, claimed_at = NULL, rerender_started_at = ?`

// RequeueStaleClaims returns ClaimedRender jobs idle since before cutoff to the queue.
func (s *Store) RequeueStaleClaims(ctx context.Context, cutoff time.Time) ([]RenderJob, error) {
	return s.transition(ctx, s.db, TransitionRequeue,
		requeueSet, []any{millis(s.now())},
		`status = ? AND `+s.staleSince()+` <= ?`, []any{int(StatusClaimedRender), millis(cutoff)})
}

// FailStaleRenders finalizes StartedRender jobs idle since before cutoff. They are
// never requeued: the engine may still be running somewhere.
func (s *Store) FailStaleRenders(ctx context.Context, cutoff time.Time) ([]RenderJob, error) {
	return s.transition(ctx, s.db, TransitionFail,
		`output_url = NULL, failure_reason = ?`, []any{ReasonRenderAbandoned},
		`status = ? AND `+s.staleSince()+` <= ?`, []any{int(StatusStartedRender), millis(cutoff)})
}

// RequeueImported returns importer jobs held since before staleCutoff, and created
// after windowStart, to the queue so another worker can retry them.
func (s *Store) RequeueImported(ctx context.Context, staleCutoff, windowStart time.Time) ([]RenderJob, error) {
	return s.transition(ctx, s.db, TransitionRequeue,
		requeueSet, []any{millis(s.now())},
		`origin = ? AND status IN (?, ?) AND `+s.staleSince()+` <= ? AND created_at > ?`,
		[]any{string(OriginImporter), int(StatusClaimedRender), int(StatusStartedRender), millis(staleCutoff), millis(windowStart)})
}

// CountByStatus returns the number of jobs in each state.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM render_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int, len(statusNames))
	for rows.Next() {
		var st, n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[Status(st)] = n
	}
	return counts, rows.Err()
}
