package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replaycast/replaycast/internal/ledger"
	"github.com/replaycast/replaycast/internal/logging"
)

// TestHelperProcess stands in for the engine binary.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("REPLAYCAST_HELPER") != "1" {
		return
	}
	switch os.Getenv("HELPER_MODE") {
	case "exit3":
		os.Exit(3)
	case "sleep":
		time.Sleep(time.Minute)
	case "script":
		if _, err := os.Stat(filepath.Join("cfg", "replaycast", "main.cfg")); err != nil {
			os.Exit(4)
		}
	}
	os.Exit(0)
}

func helperTitle(t *testing.T, mode string) Title {
	t.Helper()
	return Title{
		Mod:         "tf",
		Binary:      os.Args[0],
		GameDir:     t.TempDir(),
		Args:        []string{"-test.run=TestHelperProcess", "--"},
		Env:         []string{"REPLAYCAST_HELPER=1", "HELPER_MODE=" + mode},
		ScaleFactor: 1,
		BaseTimeout: 30 * time.Second,
	}
}

func oneJob() []Job {
	return []Job{{ID: "job-1", DemoPath: "replaycast/job-1", OutputBase: "/tmp/videos/job-1", PlaybackSeconds: 1}}
}

func TestTimeout(t *testing.T) {
	got := Timeout([]float64{9.666}, 9, 5*time.Second, 30*time.Second)
	assert.InDelta(t, 122.0, got.Seconds(), 0.01)

	got = Timeout([]float64{10, 20}, 2, 5*time.Second, 30*time.Second)
	assert.Equal(t, 100*time.Second, got)

	assert.Equal(t, 30*time.Second, Timeout(nil, 9, 5*time.Second, 30*time.Second))
}

func TestBatchTimeout(t *testing.T) {
	b := Batch{
		Title: Title{ScaleFactor: 9, LoadTimeout: 5 * time.Second, BaseTimeout: 30 * time.Second},
		Jobs:  []Job{{PlaybackSeconds: 9.666}},
	}
	assert.InDelta(t, 122.0, BatchTimeout(b).Seconds(), 0.01)

	b.TimeoutOverride = 10 * time.Minute
	assert.Equal(t, 10*time.Minute, BatchTimeout(b))
}

func TestWriteScripts(t *testing.T) {
	title := Title{Mod: "tf", GameDir: t.TempDir(), DemoEndHook: "rc_demo_done"}
	b := Batch{Title: title, Quality: ledger.Quality1080p, Jobs: []Job{
		{ID: "a", DemoPath: "replaycast/a", OutputBase: "/videos/a", Options: []string{"cl_drawhud 0", `echo "hi"`}},
		{ID: "b", DemoPath: "replaycast/b", OutputBase: "/videos/b"},
	}}

	dir, target, err := writeScripts(title, b)
	require.NoError(t, err)
	assert.Equal(t, "replaycast/main", target)

	main, err := os.ReadFile(filepath.Join(dir, "main.cfg"))
	require.NoError(t, err)
	assert.Contains(t, string(main), `alias snd_restart ""`)
	assert.Contains(t, string(main), "sv_cheats 1")
	assert.NotContains(t, string(main), "sv_allow_wait_command")
	assert.Contains(t, string(main), `alias rc_job_0 "exec replaycast/job_0"`)
	assert.Contains(t, string(main), `alias rc_job_1 "exec replaycast/job_1"`)
	assert.Contains(t, string(main), `alias rc_demo_done "endmovie; rc_next"`)
	assert.True(t, strings.HasSuffix(string(main), "rc_job_0\n"))

	first, err := os.ReadFile(filepath.Join(dir, "job_0.cfg"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(first)), "\n")
	assert.Equal(t, []string{
		"// job a",
		"cl_drawhud 0",
		`echo "hi"`,
		`startmovie "/videos/a" h264`,
		`alias rc_next "rc_job_1"`,
		`playdemo "replaycast/a"`,
	}, lines)

	last, err := os.ReadFile(filepath.Join(dir, "job_1.cfg"))
	require.NoError(t, err)
	assert.Contains(t, string(last), `alias rc_next "rc_quit"`)
}

func TestQuirksFor(t *testing.T) {
	assert.Equal(t, Quirks{}, QuirksFor("unknown"))
	assert.True(t, QuirksFor("CSGO").DisableWaitToggle)
	assert.Empty(t, Quirks{}.lines())
}

func TestLaunchArgs(t *testing.T) {
	b := Batch{Title: Title{GameDir: "/games/tf", Args: []string{"-steam"}}, Quality: ledger.Quality720p}
	args := launchArgs(b, "replaycast/main")
	assert.Equal(t, "-steam", args[0])
	assert.Contains(t, strings.Join(args, " "), "-w 1280 -h 720 +exec replaycast/main")
}

func TestRun_Success(t *testing.T) {
	s := New(logging.Discard())
	title := helperTitle(t, "script")

	res, err := s.Run(context.Background(), Batch{Title: title, Quality: ledger.Quality720p, Jobs: oneJob()})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.Killed)
	assert.False(t, res.Failed())
	assert.NoDirExists(t, filepath.Join(title.GameDir, "cfg", "replaycast"))
}

func TestRun_NonZeroExit(t *testing.T) {
	s := New(logging.Discard())
	title := helperTitle(t, "exit3")

	res, err := s.Run(context.Background(), Batch{Title: title, Quality: ledger.Quality720p, Jobs: oneJob()})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.Killed)
	assert.True(t, res.Failed())
}

func TestRun_TimeoutKills(t *testing.T) {
	s := New(logging.Discard())
	title := helperTitle(t, "sleep")

	start := time.Now()
	res, err := s.Run(context.Background(), Batch{
		Title: title, Quality: ledger.Quality720p, Jobs: oneJob(), TimeoutOverride: 300 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 20*time.Second)
	assert.True(t, res.TimedOut)
	assert.True(t, res.Killed)
	assert.True(t, res.Failed())
	assert.False(t, s.Running())
	assert.NoDirExists(t, filepath.Join(title.GameDir, "cfg", "replaycast"))
}

func TestRun_ShutdownKills(t *testing.T) {
	s := New(logging.Discard())
	title := helperTitle(t, "sleep")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	res, err := s.Run(ctx, Batch{Title: title, Quality: ledger.Quality720p, Jobs: oneJob()})
	require.NoError(t, err)
	assert.True(t, res.Killed)
	assert.False(t, res.TimedOut)
}

func TestRun_StartFailureRemovesScripts(t *testing.T) {
	s := New(logging.Discard())
	title := helperTitle(t, "")
	title.Binary = filepath.Join(t.TempDir(), "missing-engine")

	_, err := s.Run(context.Background(), Batch{Title: title, Quality: ledger.Quality720p, Jobs: oneJob()})
	assert.Error(t, err)
	assert.NoDirExists(t, filepath.Join(title.GameDir, "cfg", "replaycast"))
}

func TestRun_EmptyBatch(t *testing.T) {
	_, err := New(logging.Discard()).Run(context.Background(), Batch{})
	assert.Error(t, err)
}

func TestKill_Idempotent(t *testing.T) {
	s := New(logging.Discard())
	calls := 0
	s.killByName = func(ctx context.Context, name string) (int, error) {
		calls++
		return 0, nil
	}

	assert.NotPanics(t, func() {
		s.Kill()
		s.Kill()
	})
	assert.False(t, s.Running())
	assert.Zero(t, calls)
	assert.False(t, s.killed)
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "hl2", normalizeName(" HL2.exe "))
	assert.Equal(t, "tf_linux64", normalizeName("tf_linux64"))
}
