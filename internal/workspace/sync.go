package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/raulshma/dev-space-sub002/internal/task"
)

// changeKind classifies one git status entry.
type changeKind int

const (
	changeCreated changeKind = iota
	changeModified
	changeDeleted
)

type change struct {
	path string
	kind changeKind
}

// SyncChangesBack merges the working directory's changes into targetDir.
// When the workspace has git state, changes come from `git status
// --porcelain`; when git is absent or fails, the whole workspace is copied
// over unconditionally and the result flags the fallback.
func (m *Manager) SyncChangesBack(
	ctx context.Context,
	workingDir string,
	targetDir string,
	onProgress ProgressFunc,
) (task.SyncResult, error) {
	workingDir = strings.TrimSpace(workingDir)
	targetDir = strings.TrimSpace(targetDir)
	if workingDir == "" || targetDir == "" {
		return task.SyncResult{}, errors.New("working and target directories must not be empty")
	}
	if _, err := os.Stat(workingDir); err != nil {
		return task.SyncResult{}, fmt.Errorf("stat working directory %q: %w", workingDir, err)
	}

	if !hasGitDir(workingDir) {
		m.logger.Warn("workspace has no git state, falling back to full copy", "working_dir", workingDir)
		return m.fullCopyFallback(workingDir, targetDir, onProgress)
	}

	changes, err := m.gitStatusChanges(ctx, workingDir)
	if err != nil {
		m.logger.Warn("git status parsing failed, falling back to full copy",
			"working_dir", workingDir,
			"error", err,
		)
		return m.fullCopyFallback(workingDir, targetDir, onProgress)
	}

	result := task.SyncResult{}
	copied := 0
	var copiedSize int64
	for _, entry := range changes {
		switch entry.kind {
		case changeDeleted:
			targetPath := filepath.Join(targetDir, filepath.FromSlash(entry.path))
			if err := os.Remove(targetPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				m.logger.Warn("could not delete target path", "path", entry.path, "error", err)
				continue
			}
			result.Deleted = append(result.Deleted, entry.path)
		default:
			sourcePath := filepath.Join(workingDir, filepath.FromSlash(entry.path))
			targetPath := filepath.Join(targetDir, filepath.FromSlash(entry.path))
			if info, statErr := os.Lstat(sourcePath); statErr == nil && info.IsDir() {
				// Some gits collapse an untracked directory into a single
				// `?? dir/` entry. Expand it to its individual files so
				// nothing under the new directory is lost.
				createdPaths, treeSize := m.syncCreatedTree(workingDir, targetDir, entry.path)
				copiedSize += treeSize
				for _, relSlash := range createdPaths {
					copied++
					if onProgress != nil {
						onProgress(copied, copiedSize, relSlash)
					}
					result.Created = append(result.Created, relSlash)
				}
				continue
			}
			size, copyErr := copyFile(sourcePath, targetPath)
			if copyErr != nil {
				m.logger.Warn("could not copy changed path", "path", entry.path, "error", copyErr)
				continue
			}
			copied++
			copiedSize += size
			if onProgress != nil {
				onProgress(copied, copiedSize, entry.path)
			}
			if entry.kind == changeCreated {
				result.Created = append(result.Created, entry.path)
			} else {
				result.Modified = append(result.Modified, entry.path)
			}
		}
	}

	m.logger.Info("changes synced back",
		"working_dir", workingDir,
		"target_dir", targetDir,
		"created", len(result.Created),
		"modified", len(result.Modified),
		"deleted", len(result.Deleted),
	)
	return result, nil
}

func (m *Manager) gitStatusChanges(ctx context.Context, workingDir string) ([]change, error) {
	runCtx, cancel := context.WithTimeout(ctx, m.gitTimeout)
	defer cancel()

	args := []string{"status", "--porcelain", "--untracked-files=all"}
	stdout, stderr, err := m.runner.Run(runCtx, workingDir, "git", args...)
	if err != nil {
		return nil, fmt.Errorf("git status: %w (stderr: %s)", err, strings.TrimSpace(string(stderr)))
	}
	return parsePorcelainStatus(string(stdout))
}

// syncCreatedTree copies every non-excluded file beneath a newly created
// directory into the target and returns their workspace-relative paths.
func (m *Manager) syncCreatedTree(workingDir, targetDir, relDir string) ([]string, int64) {
	var created []string
	var size int64
	root := filepath.Join(workingDir, filepath.FromSlash(relDir))
	_ = filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			m.logger.Warn("skipping unreadable path during sync", "path", path, "error", err)
			if entry != nil && entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(workingDir, path)
		if relErr != nil {
			return nil
		}
		if entry.IsDir() {
			if m.excludedDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if m.excludedDir(rel) || m.excludedFile(entry.Name()) {
			return nil
		}

		relSlash := filepath.ToSlash(rel)
		copiedSize, copyErr := copyFile(path, filepath.Join(targetDir, rel))
		if copyErr != nil {
			m.logger.Warn("could not copy changed path", "path", relSlash, "error", copyErr)
			return nil
		}
		created = append(created, relSlash)
		size += copiedSize
		return nil
	})
	return created, size
}

// parsePorcelainStatus classifies each two-character porcelain status line.
// Untracked (`??`) and added (`A`) entries are creations, `M` entries are
// modifications, `D` entries are deletions. Rename lines split into a
// deletion of the old path and a creation of the new path.
func parsePorcelainStatus(output string) ([]change, error) {
	changes := make([]change, 0)
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if len(line) < 4 {
			return nil, fmt.Errorf("malformed status line %q", line)
		}

		code := line[:2]
		remainder := strings.TrimSpace(line[3:])
		if remainder == "" {
			return nil, fmt.Errorf("status line %q has no path", line)
		}

		if strings.Contains(remainder, " -> ") {
			parts := strings.SplitN(remainder, " -> ", 2)
			oldPath := unquotePath(parts[0])
			newPath := unquotePath(parts[1])
			if oldPath == "" || newPath == "" {
				return nil, fmt.Errorf("malformed rename line %q", line)
			}
			changes = append(changes,
				change{path: oldPath, kind: changeDeleted},
				change{path: newPath, kind: changeCreated},
			)
			continue
		}

		path := unquotePath(remainder)
		switch {
		case code == "??" || strings.Contains(code, "A"):
			changes = append(changes, change{path: path, kind: changeCreated})
		case strings.Contains(code, "D"):
			changes = append(changes, change{path: path, kind: changeDeleted})
		case strings.Contains(code, "M"):
			changes = append(changes, change{path: path, kind: changeModified})
		default:
			return nil, fmt.Errorf("unrecognized status code %q in line %q", code, line)
		}
	}
	return changes, nil
}

// unquotePath strips the C-style quoting git applies to paths with special
// characters.
func unquotePath(path string) string {
	path = strings.TrimSpace(path)
	if len(path) >= 2 && strings.HasPrefix(path, `"`) && strings.HasSuffix(path, `"`) {
		path = path[1 : len(path)-1]
		path = strings.ReplaceAll(path, `\"`, `"`)
		path = strings.ReplaceAll(path, `\\`, `\`)
	}
	return filepath.ToSlash(path)
}

// fullCopyFallback copies every non-excluded workspace file into the target.
// Correctness is traded for forward progress: files deleted in the workspace
// survive in the target.
func (m *Manager) fullCopyFallback(
	workingDir string,
	targetDir string,
	onProgress ProgressFunc,
) (task.SyncResult, error) {
	result := task.SyncResult{UsedFallback: true}
	copied := 0
	var copiedSize int64

	walkErr := filepath.WalkDir(workingDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			m.logger.Warn("skipping unreadable path during fallback", "path", path, "error", err)
			if entry != nil && entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(workingDir, path)
		if relErr != nil || rel == "." {
			return nil
		}

		if entry.IsDir() {
			if m.excludedDir(rel) || rel == ".git" || strings.HasPrefix(filepath.ToSlash(rel), ".git/") {
				return filepath.SkipDir
			}
			return nil
		}
		if m.excludedDir(rel) || m.excludedFile(entry.Name()) {
			return nil
		}

		relSlash := filepath.ToSlash(rel)
		targetPath := filepath.Join(targetDir, rel)
		_, statErr := os.Stat(targetPath)
		existed := statErr == nil

		size, copyErr := copyFile(path, targetPath)
		if copyErr != nil {
			m.logger.Warn("skipping file during fallback", "path", rel, "error", copyErr)
			return nil
		}
		copied++
		copiedSize += size
		if onProgress != nil {
			onProgress(copied, copiedSize, relSlash)
		}
		if existed {
			result.Modified = append(result.Modified, relSlash)
		} else {
			result.Created = append(result.Created, relSlash)
		}
		return nil
	})
	if walkErr != nil {
		return result, fmt.Errorf("walk working directory %q: %w", workingDir, walkErr)
	}

	sort.Strings(result.Created)
	sort.Strings(result.Modified)
	m.logger.Info("fallback copy completed",
		"working_dir", workingDir,
		"target_dir", targetDir,
		"files_copied", copied,
	)
	return result, nil
}
