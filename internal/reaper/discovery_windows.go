//go:build windows

package reaper

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/raulshma/dev-space-sub002/internal/tracing"
)

func newPlatformDiscovery() ProcessDiscovery {
	return windowsDiscovery{}
}

// windowsDiscovery queries WMI and Get-Process for executables under the
// workspace directory. Both queries are best-effort; an empty result is a
// valid answer.
type windowsDiscovery struct{}

func (windowsDiscovery) DiscoverPIDs(ctx context.Context, dir string) ([]int, error) {
	cwd := filepath.Dir(dir)
	merged := make(map[int]struct{})

	escaped := strings.ReplaceAll(dir, `\`, `\\`)
	wmicQuery := fmt.Sprintf("ExecutablePath like '%s%%'", escaped)
	_, stdout, _, _ := tracing.ExecuteTool(ctx, "wmic",
		[]string{"process", "where", wmicQuery, "get", "ProcessId", "/format:value"}, cwd)
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if value, ok := strings.CutPrefix(line, "ProcessId="); ok {
			if pid, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && pid > 0 {
				merged[pid] = struct{}{}
			}
		}
	}

	script := fmt.Sprintf(
		"Get-Process | Where-Object { $_.Path -like '%s*' } | Select-Object -ExpandProperty Id",
		strings.ReplaceAll(dir, "'", "''"),
	)
	_, stdout, _, _ = tracing.ExecuteTool(ctx, "powershell",
		[]string{"-NoProfile", "-NonInteractive", "-Command", script}, cwd)
	for _, field := range strings.Fields(stdout) {
		if pid, err := strconv.Atoi(field); err == nil && pid > 0 {
			merged[pid] = struct{}{}
		}
	}

	pids := make([]int, 0, len(merged))
	for pid := range merged {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids, nil
}

// Kill terminates the process tree forcefully. taskkill reports an error for
// an already-exited PID; that is treated as success.
func (windowsDiscovery) Kill(ctx context.Context, pid int) error {
	_, _, stderr, err := tracing.ExecuteTool(ctx, "taskkill",
		[]string{"/PID", strconv.Itoa(pid), "/T", "/F"}, `C:\`)
	if err != nil {
		lowered := strings.ToLower(stderr)
		if strings.Contains(lowered, "not found") || strings.Contains(lowered, "no running instance") {
			return nil
		}
		return fmt.Errorf("taskkill pid %d: %w", pid, err)
	}
	return nil
}
