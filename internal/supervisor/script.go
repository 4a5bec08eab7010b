package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Quirks are per-title engine adjustments written at the top of every script.
type Quirks struct {
	// DisableWaitToggle turns off the engine's wait command toggle.
	DisableWaitToggle bool
	// DisableSoundRestart stubs out the hook that restarts sound on demo load.
	DisableSoundRestart bool
	// DisableAliasReexec stops aliases being re-executed on map change, which
	// would reset the chain.
	DisableAliasReexec bool
	// DisableCheatReset keeps sv_cheats from being reset between demos.
	DisableCheatReset bool
}

// quirkTable is keyed by title mod (the game directory name).
var quirkTable = map[string]Quirks{
	"tf":         {DisableSoundRestart: true, DisableCheatReset: true},
	"csgo":       {DisableWaitToggle: true, DisableAliasReexec: true, DisableCheatReset: true},
	"cstrike":    {DisableWaitToggle: true, DisableCheatReset: true},
	"left4dead2": {DisableSoundRestart: true, DisableAliasReexec: true},
	"hl2mp":      {DisableCheatReset: true},
}

// QuirksFor returns the quirks of a title mod. Unknown titles get none.
func QuirksFor(mod string) Quirks {
	return quirkTable[strings.ToLower(mod)]
}

func (q Quirks) lines() []string {
	var out []string
	if q.DisableWaitToggle {
		out = append(out, "sv_allow_wait_command 0")
	}
	if q.DisableSoundRestart {
		out = append(out, `alias snd_restart ""`)
	}
	if q.DisableAliasReexec {
		out = append(out, "cl_reexec_aliases 0")
	}
	if q.DisableCheatReset {
		out = append(out, "sv_cheats 1", `alias sv_cheats_reset ""`)
	}
	return out
}

// scriptDir is relative to the title's cfg directory.
const scriptDir = "replaycast"

// DefaultDemoEndHook is the alias the engine runs when playback finishes.
const DefaultDemoEndHook = "demo_end"

// writeScripts generates the control script of a batch under
// <GameDir>/cfg/replaycast and returns the directory and the exec target.
//
// main.cfg applies quirks, defines rc_job_<i> for every job and hooks demo end
// to "endmovie; rc_next". Each job_<i>.cfg runs the job's options verbatim,
// starts recording, points rc_next at the following job and plays the demo.
// The last job points rc_next at quit.
func writeScripts(title Title, b Batch) (dir, target string, err error) {
	dir = filepath.Join(title.GameDir, "cfg", scriptDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create script dir: %w", err)
	}

	hook := title.DemoEndHook
	if hook == "" {
		hook = DefaultDemoEndHook
	}
	codec := title.MovieCodec
	if codec == "" {
		codec = "h264"
	}

	var main strings.Builder
	fmt.Fprintf(&main, "// replaycast batch: %d demo(s)\n", len(b.Jobs))
	for _, line := range QuirksFor(title.Mod).lines() {
		main.WriteString(line + "\n")
	}
	for i := range b.Jobs {
		fmt.Fprintf(&main, "alias rc_job_%d \"exec %s/job_%d\"\n", i, scriptDir, i)
	}
	main.WriteString("alias rc_quit \"quit\"\n")
	fmt.Fprintf(&main, "alias %s \"endmovie; rc_next\"\n", hook)
	main.WriteString("rc_job_0\n")

	for i, job := range b.Jobs {
		next := "rc_quit"
		if i+1 < len(b.Jobs) {
			next = fmt.Sprintf("rc_job_%d", i+1)
		}

		var js strings.Builder
		fmt.Fprintf(&js, "// job %s\n", job.ID)
		for _, opt := range job.Options {
			js.WriteString(opt + "\n")
		}
		fmt.Fprintf(&js, "startmovie \"%s\" %s\n", filepath.ToSlash(job.OutputBase), codec)
		fmt.Fprintf(&js, "alias rc_next \"%s\"\n", next)
		fmt.Fprintf(&js, "playdemo \"%s\"\n", filepath.ToSlash(job.DemoPath))

		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("job_%d.cfg", i)), []byte(js.String()), 0o644); err != nil {
			return dir, "", fmt.Errorf("write job script: %w", err)
		}
	}

	if err := os.WriteFile(filepath.Join(dir, "main.cfg"), []byte(main.String()), 0o644); err != nil {
		return dir, "", fmt.Errorf("write main script: %w", err)
	}
	return dir, scriptDir + "/main", nil
}
