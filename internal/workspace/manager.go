// Package workspace materializes isolated, git-aware copies of a project for
// agent runs and merges accepted changes back into the original tree.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/raulshma/dev-space-sub002/internal/task"
	"github.com/raulshma/dev-space-sub002/internal/tracing"
)

// defaultExcludedDirs are relative-path entries never copied into a
// workspace. Single segments match anywhere in the tree; multi-segment
// entries match that exact subpath.
var defaultExcludedDirs = []string{
	"node_modules",
	"dist",
	"build",
	"out",
	"tmp",
	"coverage",
	"target",
	"vendor",
	"__pycache__",
	".venv",
	"venv",
	".next",
	".nuxt",
	".cache",
	".turbo",
	".git/objects",
	".git/lfs",
}

// defaultExcludedPatterns are filename suffix wildcards never copied.
var defaultExcludedPatterns = []string{
	"*.log",
	"*.tmp",
	"*.swp",
}

type shellRunner interface {
	Run(ctx context.Context, dir string, name string, args ...string) ([]byte, []byte, error)
}

type commandRunner struct{}

func (commandRunner) Run(ctx context.Context, dir string, name string, args ...string) ([]byte, []byte, error) {
	_, stdout, stderr, err := tracing.ExecuteTool(ctx, name, args, dir)
	return []byte(stdout), []byte(stderr), err
}

// ProgressFunc receives copy progress as files land in the destination.
type ProgressFunc func(filesCopied int, totalSize int64, currentPath string)

// Option configures Manager construction.
type Option func(*Manager)

// WithExclusions appends extra excluded directory entries and suffix patterns.
func WithExclusions(dirs, patterns []string) Option {
	return func(m *Manager) {
		for _, dir := range dirs {
			dir = normalizeExclusion(dir)
			if dir != "" {
				m.excludedDirs = append(m.excludedDirs, dir)
			}
		}
		for _, pattern := range patterns {
			pattern = strings.TrimSpace(pattern)
			if pattern != "" {
				m.excludedPatterns = append(m.excludedPatterns, pattern)
			}
		}
	}
}

// WithGitTimeout bounds individual git invocations.
func WithGitTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		if timeout > 0 {
			m.gitTimeout = timeout
		}
	}
}

func withRunner(runner shellRunner) Option {
	return func(m *Manager) {
		if runner != nil {
			m.runner = runner
		}
	}
}

// Manager creates isolated workspace copies under a fixed base directory and
// syncs accepted changes back into the original project.
type Manager struct {
	baseDir          string
	excludedDirs     []string
	excludedPatterns []string
	runner           shellRunner
	logger           *log.Logger
	gitTimeout       time.Duration
	now              func() time.Time
}

// NewManager returns a workspace manager rooted at baseDir.
func NewManager(baseDir string, logger *log.Logger, options ...Option) (*Manager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, errors.New("workspace base directory must not be empty")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	absolute, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace base directory: %w", err)
	}

	manager := &Manager{
		baseDir:          absolute,
		excludedDirs:     append([]string(nil), defaultExcludedDirs...),
		excludedPatterns: append([]string(nil), defaultExcludedPatterns...),
		runner:           commandRunner{},
		logger:           logger,
		gitTimeout:       30 * time.Second,
		now:              time.Now,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(manager)
	}
	return manager, nil
}

// BaseDir returns the managed workspace base directory.
func (m *Manager) BaseDir() string {
	return m.baseDir
}

// Contains reports whether path resolves inside the managed base directory.
// The manager never reports or deletes workspace paths outside it.
func (m *Manager) Contains(path string) bool {
	absolute, err := filepath.Abs(strings.TrimSpace(path))
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(m.baseDir, absolute)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// CopyToWorkingDirectory materializes an exclusion-filtered copy of sourceDir
// for the given task and returns the copy location. Per-file copy failures
// are logged and skipped; only a failure to create the destination aborts.
func (m *Manager) CopyToWorkingDirectory(
	ctx context.Context,
	sourceDir string,
	taskID string,
	onProgress ProgressFunc,
) (task.CopyResult, error) {
	sourceDir = strings.TrimSpace(sourceDir)
	if sourceDir == "" {
		return task.CopyResult{}, errors.New("source directory must not be empty")
	}
	info, err := os.Stat(sourceDir)
	if err != nil {
		return task.CopyResult{}, fmt.Errorf("stat source directory %q: %w", sourceDir, err)
	}
	if !info.IsDir() {
		return task.CopyResult{}, fmt.Errorf("source %q is not a directory", sourceDir)
	}

	workingDir := filepath.Join(m.baseDir, m.workspaceName(sourceDir, taskID))
	if err := os.MkdirAll(workingDir, 0o750); err != nil {
		return task.CopyResult{}, fmt.Errorf("create working directory %q: %w", workingDir, err)
	}

	filesCopied := 0
	var totalSize int64
	walkErr := filepath.WalkDir(sourceDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			m.logger.Warn("skipping unreadable path", "path", path, "error", err)
			if entry != nil && entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(sourceDir, path)
		if relErr != nil || rel == "." {
			return nil
		}

		if entry.IsDir() {
			if m.excludedDir(rel) {
				return filepath.SkipDir
			}
			if mkErr := os.MkdirAll(filepath.Join(workingDir, rel), 0o750); mkErr != nil {
				m.logger.Warn("skipping directory", "path", rel, "error", mkErr)
				return filepath.SkipDir
			}
			return nil
		}

		if m.excludedDir(rel) || m.excludedFile(entry.Name()) {
			return nil
		}

		size, copyErr := copyFile(path, filepath.Join(workingDir, rel))
		if copyErr != nil {
			m.logger.Warn("skipping file", "path", rel, "error", copyErr)
			return nil
		}
		filesCopied++
		totalSize += size
		if onProgress != nil {
			onProgress(filesCopied, totalSize, rel)
		}
		return nil
	})
	if walkErr != nil {
		return task.CopyResult{}, fmt.Errorf("walk source directory %q: %w", sourceDir, walkErr)
	}

	// The copy inherits the source's index; reset so it looks like a clean
	// checkout to the agent.
	if hasGitDir(sourceDir) {
		m.resetIndex(ctx, workingDir)
	}

	m.logger.Info("workspace created",
		"working_dir", workingDir,
		"files_copied", filesCopied,
		"total_size", totalSize,
	)

	return task.CopyResult{
		WorkingDirectory: workingDir,
		FilesCopied:      filesCopied,
		TotalSize:        totalSize,
	}, nil
}

func (m *Manager) workspaceName(sourceDir, taskID string) string {
	base := filepath.Base(filepath.Clean(sourceDir))
	prefix := strings.TrimSpace(taskID)
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	if prefix == "" {
		prefix = "task"
	}
	return fmt.Sprintf("%s-%s-%d", base, prefix, m.now().UnixMilli())
}

func (m *Manager) resetIndex(ctx context.Context, workingDir string) {
	runCtx, cancel := context.WithTimeout(ctx, m.gitTimeout)
	defer cancel()

	args := []string{"reset", "--mixed", "HEAD"}
	if _, stderr, err := m.runner.Run(runCtx, workingDir, "git", args...); err != nil {
		m.logger.Warn("git reset in workspace copy failed",
			"working_dir", workingDir,
			"stderr", strings.TrimSpace(string(stderr)),
			"error", tracing.WrapExecutionError("git", args, err),
		)
	}
}

// excludedDir reports whether the relative path contains an excluded entry.
// Single-segment entries match any segment; multi-segment entries match the
// exact subpath.
func (m *Manager) excludedDir(rel string) bool {
	normalized := filepath.ToSlash(rel)
	haystack := "/" + normalized + "/"
	for _, excluded := range m.excludedDirs {
		if strings.Contains(haystack, "/"+excluded+"/") {
			return true
		}
	}
	return false
}

func (m *Manager) excludedFile(name string) bool {
	for _, pattern := range m.excludedPatterns {
		if matched, err := filepath.Match(pattern, name); err == nil && matched {
			return true
		}
	}
	return false
}

func normalizeExclusion(entry string) string {
	return strings.Trim(filepath.ToSlash(strings.TrimSpace(entry)), "/")
}

func hasGitDir(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil && info.IsDir()
}

func copyFile(source, destination string) (int64, error) {
	info, err := os.Lstat(source)
	if err != nil {
		return 0, fmt.Errorf("stat %q: %w", source, err)
	}
	if !info.Mode().IsRegular() {
		// Sockets, device nodes, and pipes have no place in a workspace copy.
		// Symlinks are skipped too: a link may escape the isolated tree.
		return 0, fmt.Errorf("%q is not a regular file", source)
	}

	if err := os.MkdirAll(filepath.Dir(destination), 0o750); err != nil {
		return 0, fmt.Errorf("create parent directory for %q: %w", destination, err)
	}

	in, err := os.Open(source)
	if err != nil {
		return 0, fmt.Errorf("open %q: %w", source, err)
	}
	defer func() {
		_ = in.Close()
	}()

	out, err := os.OpenFile(destination, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return 0, fmt.Errorf("create %q: %w", destination, err)
	}

	written, err := io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return written, fmt.Errorf("copy %q: %w", source, err)
	}
	return written, nil
}
