// Package reaper discovers and forcibly terminates processes rooted in a
// workspace directory, then deletes the directory.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/raulshma/dev-space-sub002/internal/task"
)

const (
	defaultHandleReleaseWait = 500 * time.Millisecond
	defaultForceRetries      = 3
	defaultForceBackoff      = time.Second
	defaultDiscoveryTimeout  = 10 * time.Second
	handleReleasePollStep    = 50 * time.Millisecond
)

// ProcessDiscovery finds and kills processes rooted in a directory. The
// platform implementation is selected once at construction so tests can
// inject a fake without invoking real subprocesses.
type ProcessDiscovery interface {
	// DiscoverPIDs returns the PIDs of processes holding handles under dir.
	// Best-effort: an empty result with nil error is a valid answer.
	DiscoverPIDs(ctx context.Context, dir string) ([]int, error)
	// Kill forcibly terminates one process. An already-dead process is not
	// an error.
	Kill(ctx context.Context, pid int) error
}

// Option configures Reaper construction.
type Option func(*Reaper)

// WithDiscovery overrides the platform process discovery implementation.
func WithDiscovery(discovery ProcessDiscovery) Option {
	return func(r *Reaper) {
		if discovery != nil {
			r.discovery = discovery
		}
	}
}

// WithHandleReleaseWait bounds the post-termination poll before deletion.
func WithHandleReleaseWait(wait time.Duration) Option {
	return func(r *Reaper) {
		if wait >= 0 {
			r.handleReleaseWait = wait
		}
	}
}

// WithForceRetries bounds deletion retries in ForceCleanup.
func WithForceRetries(retries int) Option {
	return func(r *Reaper) {
		if retries > 0 {
			r.forceRetries = retries
		}
	}
}

// WithForceBackoff sets the pause between forced cleanup attempts.
func WithForceBackoff(backoff time.Duration) Option {
	return func(r *Reaper) {
		if backoff >= 0 {
			r.forceBackoff = backoff
		}
	}
}

// WithDiscoveryTimeout bounds each process discovery pass. lsof can hang on
// stale network mounts.
func WithDiscoveryTimeout(timeout time.Duration) Option {
	return func(r *Reaper) {
		if timeout > 0 {
			r.discoveryTimeout = timeout
		}
	}
}

// Reaper tears down workspace directories: terminate first, delete second,
// verify last. Discovery failure is never cleanup failure; deletion is
// attempted regardless.
type Reaper struct {
	discovery         ProcessDiscovery
	logger            *log.Logger
	handleReleaseWait time.Duration
	forceRetries      int
	forceBackoff      time.Duration
	discoveryTimeout  time.Duration
}

// New returns a reaper using the platform's process discovery.
func New(logger *log.Logger, options ...Option) (*Reaper, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}

	reaper := &Reaper{
		discovery:         newPlatformDiscovery(),
		logger:            logger,
		handleReleaseWait: defaultHandleReleaseWait,
		forceRetries:      defaultForceRetries,
		forceBackoff:      defaultForceBackoff,
		discoveryTimeout:  defaultDiscoveryTimeout,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(reaper)
	}
	return reaper, nil
}

// Cleanup terminates processes rooted in workingDirectory, deletes the
// directory, and verifies it is gone. Calling it on a missing directory
// succeeds immediately, so repeated calls are safe.
func (r *Reaper) Cleanup(ctx context.Context, workingDirectory string) task.CleanupResult {
	if _, err := os.Stat(workingDirectory); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return task.CleanupResult{Success: true}
		}
		return task.CleanupResult{Error: fmt.Sprintf("stat %q: %v", workingDirectory, err)}
	}

	terminated := r.TerminateProcesses(ctx, workingDirectory)
	if terminated > 0 {
		r.waitForHandleRelease(ctx, workingDirectory)
	}

	deletedFiles := countFiles(workingDirectory)

	if err := os.RemoveAll(workingDirectory); err != nil {
		return task.CleanupResult{
			TerminatedProcesses: terminated,
			Error:               fmt.Sprintf("delete %q: %v", workingDirectory, err),
		}
	}
	if _, err := os.Stat(workingDirectory); err == nil {
		return task.CleanupResult{
			TerminatedProcesses: terminated,
			Error:               fmt.Sprintf("directory %q still exists after deletion", workingDirectory),
		}
	}

	r.logger.Info("workspace cleaned up",
		"working_dir", workingDirectory,
		"deleted_files", deletedFiles,
		"terminated_processes", terminated,
	)
	return task.CleanupResult{
		Success:             true,
		DeletedFiles:        deletedFiles,
		TerminatedProcesses: terminated,
	}
}

// ForceCleanup retries Cleanup with re-termination between attempts. Used
// when leaving the directory behind is not acceptable.
func (r *Reaper) ForceCleanup(ctx context.Context, workingDirectory string) task.CleanupResult {
	result := r.Cleanup(ctx, workingDirectory)
	if result.Success {
		return result
	}

	for attempt := 1; attempt <= r.forceRetries; attempt++ {
		r.logger.Warn("forced cleanup retry",
			"working_dir", workingDirectory,
			"attempt", attempt,
			"previous_error", result.Error,
		)
		if !sleepCtx(ctx, r.forceBackoff) {
			result.Error = fmt.Sprintf("forced cleanup canceled: %v", ctx.Err())
			return result
		}

		terminated := r.TerminateProcesses(ctx, workingDirectory)
		result.TerminatedProcesses += terminated
		if terminated > 0 {
			r.waitForHandleRelease(ctx, workingDirectory)
		}

		retried := r.Cleanup(ctx, workingDirectory)
		retried.TerminatedProcesses += result.TerminatedProcesses
		if retried.Success {
			return retried
		}
		result = retried
	}
	return result
}

// TerminateProcesses kills every process discovery finds under
// workingDirectory and returns how many were terminated. Discovery and kill
// failures are logged and swallowed; deletion is attempted regardless.
func (r *Reaper) TerminateProcesses(ctx context.Context, workingDirectory string) int {
	pids, err := r.discoverPIDs(ctx, workingDirectory)
	if err != nil {
		r.logger.Warn("process discovery failed",
			"working_dir", workingDirectory,
			"error", err,
		)
		return 0
	}

	terminated := 0
	for _, pid := range pids {
		if err := r.discovery.Kill(ctx, pid); err != nil {
			r.logger.Warn("could not terminate process", "pid", pid, "error", err)
			continue
		}
		terminated++
	}
	if terminated > 0 {
		r.logger.Info("terminated workspace processes",
			"working_dir", workingDirectory,
			"count", terminated,
		)
	}
	return terminated
}

// waitForHandleRelease polls discovery until no process holds handles under
// the directory, bounded by the configured wait budget. Deletion tends to
// fail while any handle is still open.
func (r *Reaper) waitForHandleRelease(ctx context.Context, workingDirectory string) {
	deadline := time.Now().Add(r.handleReleaseWait)
	for time.Now().Before(deadline) {
		pids, err := r.discoverPIDs(ctx, workingDirectory)
		if err != nil || len(pids) == 0 {
			return
		}
		if !sleepCtx(ctx, handleReleasePollStep) {
			return
		}
	}
}

// discoverPIDs bounds one discovery pass with the configured timeout.
func (r *Reaper) discoverPIDs(ctx context.Context, workingDirectory string) ([]int, error) {
	discoverCtx, cancel := context.WithTimeout(ctx, r.discoveryTimeout)
	defer cancel()
	return r.discovery.DiscoverPIDs(discoverCtx, workingDirectory)
}

func sleepCtx(ctx context.Context, duration time.Duration) bool {
	if duration <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func countFiles(dir string) int {
	count := 0
	_ = filepath.WalkDir(dir, func(_ string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !entry.IsDir() {
			count++
		}
		return nil
	})
	return count
}
