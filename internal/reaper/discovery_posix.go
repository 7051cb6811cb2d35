//go:build !windows

package reaper

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/raulshma/dev-space-sub002/internal/tracing"
)

func newPlatformDiscovery() ProcessDiscovery {
	return posixDiscovery{}
}

// posixDiscovery shells out to lsof and fuser and merges their PID lists.
// Both tools exit non-zero when nothing matches, so command failure with
// empty output is treated as "no processes", not as an error.
type posixDiscovery struct{}

func (posixDiscovery) DiscoverPIDs(ctx context.Context, dir string) ([]int, error) {
	cwd := filepath.Dir(dir)
	merged := make(map[int]struct{})

	_, stdout, _, _ := tracing.ExecuteTool(ctx, "lsof", []string{"-t", "+D", dir}, cwd)
	collectPIDs(merged, stdout)

	_, stdout, _, _ = tracing.ExecuteTool(ctx, "fuser", []string{"-c", dir}, cwd)
	collectPIDs(merged, stdout)

	self := os.Getpid()
	pids := make([]int, 0, len(merged))
	for pid := range merged {
		if pid <= 1 || pid == self {
			continue
		}
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids, nil
}

// Kill signals the whole process group first so children spawned by a dev
// server die with it. ESRCH on the group falls back to the PID directly; a
// second ESRCH means the process is already dead.
func (posixDiscovery) Kill(_ context.Context, pid int) error {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		if !errors.Is(err, syscall.ESRCH) {
			return err
		}
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			return err
		}
	}
	return nil
}

func collectPIDs(into map[int]struct{}, output string) {
	for _, field := range strings.Fields(output) {
		pid, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil || pid <= 0 {
			continue
		}
		into[pid] = struct{}{}
	}
}
