// Package task defines the agent-task domain model shared by the review
// controller, workspace manager, and process reaper.
package task

import (
	"time"
)

// Task is one coding-agent task dispatched against a project.
type Task struct {
	ID    string
	Title string
	// Status is the lifecycle state; mutate only through the review controller.
	Status Status
	// WorkingDirectory is the isolated copy the agent mutated. Empty when the
	// task is backed by a git worktree instead.
	WorkingDirectory string
	// WorktreePath is set for worktree-backed tasks. Worktrees are owned by a
	// separate subsystem and are never deleted by this engine.
	WorktreePath string
	// TargetDirectory is the original project tree changes merge back into.
	TargetDirectory string
	FileChanges     FileChanges
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     time.Time
}

// ReviewDirectory returns the directory a review-state task should be
// inspected in: the worktree when present, the isolated copy otherwise.
func (t Task) ReviewDirectory() string {
	if t.WorktreePath != "" {
		return t.WorktreePath
	}
	return t.WorkingDirectory
}

// UsesWorktree reports whether the task is backed by a git worktree rather
// than an isolated copy.
func (t Task) UsesWorktree() bool {
	return t.WorktreePath != ""
}

// FileChanges summarizes paths an agent run touched, relative to the
// working directory root.
type FileChanges struct {
	Created  []string
	Modified []string
	Deleted  []string
}

// Empty reports whether no paths were touched.
func (f FileChanges) Empty() bool {
	return len(f.Created) == 0 && len(f.Modified) == 0 && len(f.Deleted) == 0
}

// Feedback is one reviewer note submitted against a review-state task.
// Iteration is scoped per task and starts at 1.
type Feedback struct {
	ID          string
	TaskID      string
	Content     string
	Iteration   int
	SubmittedAt time.Time
}

// TerminalSession is one interactive terminal opened inside a task's
// working directory. Multiple sessions may be open per task.
type TerminalSession struct {
	ID               string
	TaskID           string
	PTYID            string
	WorkingDirectory string
	CreatedAt        time.Time
	ClosedAt         time.Time
}

// RunningProcess tracks the single dev-server process a task may have
// running. In-memory only; never persisted.
type RunningProcess struct {
	TaskID    string
	Script    string
	Command   string
	PTYID     string
	StartedAt time.Time
}

// Conflict is a path modified on both the workspace and the live target
// since the workspace was created.
type Conflict struct {
	Path   string
	Reason string
}

// CopyResult reports the outcome of materializing an isolated workspace.
type CopyResult struct {
	WorkingDirectory string
	FilesCopied      int
	TotalSize        int64
}

// SyncResult reports which relative paths a sync-back created, modified,
// or deleted in the target. The three lists are disjoint.
type SyncResult struct {
	Created  []string
	Modified []string
	Deleted  []string
	// UsedFallback is true when git status parsing was unavailable and the
	// whole workspace was copied over unconditionally.
	UsedFallback bool
}

// CleanupResult reports the outcome of tearing down a workspace directory.
type CleanupResult struct {
	Success             bool
	DeletedFiles        int
	TerminatedProcesses int
	Error               string
}
