package supervisor

import (
	"context"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// killProcessesNamed kills every process whose executable name matches name
// (case-insensitive, ".exe" ignored) and returns how many were signalled.
func killProcessesNamed(ctx context.Context, name string) (int, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, err
	}
	want := normalizeName(name)
	killed := 0
	for _, p := range procs {
		n, err := p.NameWithContext(ctx)
		if err != nil || normalizeName(n) != want {
			continue
		}
		if err := p.KillWithContext(ctx); err == nil {
			killed++
		}
	}
	return killed, nil
}

func normalizeName(n string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(n)), ".exe")
}
