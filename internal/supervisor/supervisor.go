// Package supervisor launches the game engine for one render batch and makes
// sure it does not outlive its timeout.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/replaycast/replaycast/internal/ledger"
	"github.com/replaycast/replaycast/internal/logging"
)

// ErrBusy is returned by Run while another batch is rendering.
var ErrBusy = errors.New("supervisor is already running a batch")

// Title describes how to launch the engine for one title mod.
type Title struct {
	Mod         string   `yaml:"mod"`
	Binary      string   `yaml:"binary"`
	GameDir     string   `yaml:"game_dir"`
	ProcessName string   `yaml:"process_name"`
	Args        []string `yaml:"args"`
	Env         []string `yaml:"env"`
	DemoEndHook string   `yaml:"demo_end_hook"`
	MovieCodec  string   `yaml:"movie_codec"`

	// ScaleFactor multiplies playback time into expected render time.
	ScaleFactor float64       `yaml:"scale_factor"`
	LoadTimeout time.Duration `yaml:"load_timeout"`
	BaseTimeout time.Duration `yaml:"base_timeout"`
}

// Job is one demo of a batch.
type Job struct {
	ID string
	// DemoPath is relative to the game directory, without extension.
	DemoPath string
	// OutputBase is the recording path without extension.
	OutputBase      string
	Options         []string
	PlaybackSeconds float64
}

// Batch is everything rendered by one engine process. All jobs share a quality.
type Batch struct {
	Title   Title
	Quality ledger.Quality
	Jobs    []Job
	// TimeoutOverride replaces the computed timeout when positive. Used for
	// calibration runs.
	TimeoutOverride time.Duration
}

// Result is the outcome of one engine run. Exit code and kill are reported
// independently.
type Result struct {
	ExitCode int
	Killed   bool
	TimedOut bool
	Timeout  time.Duration
	Elapsed  time.Duration
}

// Failed reports whether the run counts as a render failure.
func (r Result) Failed() bool { return r.Killed || r.ExitCode != 0 }

// Timeout computes Σ(playback × scale) + load × N + base.
func Timeout(playbacks []float64, scale float64, load, base time.Duration) time.Duration {
	var sum float64
	for _, p := range playbacks {
		sum += p * scale
	}
	render := time.Duration(math.Round(sum * float64(time.Second)))
	return render + load*time.Duration(len(playbacks)) + base
}

// BatchTimeout returns the override or the computed timeout of b.
func BatchTimeout(b Batch) time.Duration {
	if b.TimeoutOverride > 0 {
		return b.TimeoutOverride
	}
	playbacks := make([]float64, len(b.Jobs))
	for i, j := range b.Jobs {
		playbacks[i] = j.PlaybackSeconds
	}
	return Timeout(playbacks, b.Title.ScaleFactor, b.Title.LoadTimeout, b.Title.BaseTimeout)
}

// Supervisor runs one engine process at a time.
type Supervisor struct {
	log *logging.Logger

	// killByName is swapped in tests.
	killByName func(ctx context.Context, name string) (int, error)

	mu      sync.Mutex
	cmd     *exec.Cmd
	proc    string
	killed  bool
	running bool
}

// New creates a Supervisor.
func New(log *logging.Logger) *Supervisor {
	return &Supervisor{
		log:        log.WithComponent("supervisor"),
		killByName: killProcessesNamed,
	}
}

// Running reports whether an engine process is alive.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil
}

// Run renders b and blocks until the engine exits, the timeout fires or ctx is
// cancelled. The generated scripts are removed in every case.
func (s *Supervisor) Run(ctx context.Context, b Batch) (Result, error) {
	if len(b.Jobs) == 0 {
		return Result{}, errors.New("empty batch")
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return Result{}, ErrBusy
	}
	s.running = true
	s.killed = false
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	res := Result{Timeout: BatchTimeout(b)}
	log := s.log.With("title", b.Title.Mod, "jobs", len(b.Jobs), "timeout", res.Timeout.String())

	dir, target, err := writeScripts(b.Title, b)
	if dir != "" {
		defer func() {
			if rerr := os.RemoveAll(dir); rerr != nil {
				log.Warn("remove scripts failed", "error", rerr)
			}
		}()
	}
	if err != nil {
		return res, err
	}

	cmd := exec.Command(b.Title.Binary, launchArgs(b, target)...)
	cmd.Dir = b.Title.GameDir
	cmd.Env = append(os.Environ(), b.Title.Env...)
	setProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return res, fmt.Errorf("start engine: %w", err)
	}
	s.mu.Lock()
	s.cmd = cmd
	s.proc = b.Title.ProcessName
	s.mu.Unlock()
	log.Info("engine started", "pid", cmd.Process.Pid)

	done := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		s.cmd = nil
		s.mu.Unlock()
		done <- err
	}()

	timer := time.NewTimer(res.Timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-timer.C:
		res.TimedOut = true
		log.Warn("engine timed out, killing")
		s.kill(ctx)
		waitErr = <-done
	case <-ctx.Done():
		log.Warn("shutdown requested, killing engine")
		s.kill(context.Background())
		waitErr = <-done
	}

	s.mu.Lock()
	res.Killed = s.killed
	s.mu.Unlock()

	res.Elapsed = time.Since(start)
	res.ExitCode = exitCode(cmd, waitErr)
	log.Info("engine exited", "exit_code", res.ExitCode, "killed", res.Killed, "elapsed", res.Elapsed.Round(time.Millisecond).String())
	return res, nil
}

// Kill terminates the running engine. It is a no-op when nothing is running.
func (s *Supervisor) Kill() {
	s.kill(context.Background())
}

func (s *Supervisor) kill(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	s.killed = true

	err := killProcessGroup(s.cmd)
	if err == nil {
		return
	}
	s.log.Warn("process group kill failed, falling back to kill by name", "error", err, "process", s.proc)
	if s.proc == "" {
		_ = s.cmd.Process.Kill()
		return
	}
	n, nerr := s.killByName(ctx, s.proc)
	if nerr != nil {
		s.log.Error("kill by name failed", "process", s.proc, "error", nerr)
		_ = s.cmd.Process.Kill()
		return
	}
	s.log.Info("killed by name", "process", s.proc, "count", n)
}

func launchArgs(b Batch, target string) []string {
	args := append([]string{}, b.Title.Args...)
	args = append(args,
		"-game", b.Title.GameDir,
		"-novid", "-windowed", "-noborder",
		"-w", strconv.Itoa(b.Quality.Width()),
		"-h", strconv.Itoa(int(b.Quality)),
		"+exec", target,
	)
	return args
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		if code := cmd.ProcessState.ExitCode(); code >= 0 {
			return code
		}
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if waitErr != nil {
		return -1
	}
	return 0
}
