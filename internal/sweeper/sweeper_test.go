package sweeper

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replaycast/replaycast/internal/ledger"
	"github.com/replaycast/replaycast/internal/logging"
)

type fakeNotifier struct {
	mu     sync.Mutex
	failed []string
}

func (n *fakeNotifier) Failed(ctx context.Context, jobs []ledger.RenderJob) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, j := range jobs {
		n.failed = append(n.failed, j.JobID)
	}
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func setup(t *testing.T) (*ledger.Store, *Sweeper, *clock, *fakeNotifier) {
	t.Helper()
	store, err := ledger.Open(context.Background(), ledger.DriverSQLite, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	c := &clock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	store.SetClock(c.Now)

	n := &fakeNotifier{}
	sw, err := New(DefaultConfig(), store, n, logging.Discard())
	require.NoError(t, err)
	sw.now = c.Now
	return store, sw, c, n
}

func claimed(t *testing.T, s *ledger.Store, origin ledger.Origin, start bool) *ledger.RenderJob {
	t.Helper()
	ctx := context.Background()
	j := &ledger.RenderJob{TitleMod: "tf", ReplayRef: "r", RenderQuality: ledger.Quality720p, Origin: origin}
	require.NoError(t, s.Insert(ctx, j))
	_, err := s.Claim(ctx, j.JobID, "w1", "node")
	require.NoError(t, err)
	if start {
		_, _, err = s.ConfirmClaims(ctx, "w1", []string{j.JobID})
		require.NoError(t, err)
	}
	return j
}

func TestSweep_Thresholds(t *testing.T) {
	store, sw, c, n := setup(t)
	ctx := context.Background()

	claim := claimed(t, store, ledger.OriginWeb, false)
	render := claimed(t, store, ledger.OriginWeb, true)

	c.now = c.now.Add(time.Minute)
	res, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)

	c.now = c.now.Add(time.Minute)
	res, err = sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Requeued)
	got, err := store.Get(ctx, claim.JobID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRequiresRender, got.Status)
	assert.Empty(t, got.ClaimedByWorkerID)

	c.now = c.now.Add(28 * time.Minute)
	res, err = sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	got, err = store.Get(ctx, render.JobID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFinishedRender, got.Status)
	assert.Empty(t, got.OutputURL)
	assert.Equal(t, []string{render.JobID}, n.failed)
}

func TestSweep_ImporterRequeuedBeforeRenderTimeout(t *testing.T) {
	store, sw, c, n := setup(t)
	ctx := context.Background()
	j := claimed(t, store, ledger.OriginImporter, true)

	c.now = c.now.Add(15 * time.Minute)
	res, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ImportRequeued)
	assert.Zero(t, res.Failed)

	got, err := store.Get(ctx, j.JobID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRequiresRender, got.Status)
	assert.Empty(t, n.failed)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.ImportMaxAge = cfg.ImportMinAge
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Interval = 0
	assert.Error(t, cfg.Validate())
}

func TestRun_StopsOnCancel(t *testing.T) {
	_, sw, _, _ := setup(t)
	sw.cfg.Interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
