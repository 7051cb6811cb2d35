// Package review implements the task lifecycle controller that gates agent
// changes behind human review: run/inspect the isolated copy, then merge it
// back or discard it.
package review

import (
	"context"
	"time"

	"github.com/raulshma/dev-space-sub002/internal/task"
)

// TaskUpdate is a partial task mutation applied through the store. Nil
// fields are left untouched.
type TaskUpdate struct {
	Status       *task.Status
	CompletedAt  *time.Time
	ErrorMessage *string
}

// Store persists tasks, feedback, and terminal records. Missing tasks are
// reported as (nil, nil) from GetTask; the controller converts that into a
// typed not-found error.
type Store interface {
	GetTask(ctx context.Context, id string) (*task.Task, error)
	UpdateTask(ctx context.Context, id string, update TaskUpdate) (*task.Task, error)
	CreateFeedback(ctx context.Context, taskID, content string, iteration int) (task.Feedback, error)
	GetFeedbackHistory(ctx context.Context, taskID string) ([]task.Feedback, error)
	GetMaxFeedbackIteration(ctx context.Context, taskID string) (int, error)
	CreateTerminalRecord(ctx context.Context, session task.TerminalSession) error
	CloseTerminalRecord(ctx context.Context, sessionID string, closedAt time.Time) error
}

// CopyChangesResult reports the outcome of merging accepted changes into the
// target project.
type CopyChangesResult struct {
	Success     bool
	CopiedFiles int
	Errors      []string
}

// Differ detects merge conflicts and copies accepted changes into the target
// project tree.
type Differ interface {
	DetectConflicts(ctx context.Context, workingDir, targetDir string, changes task.FileChanges) ([]task.Conflict, error)
	CopyChanges(ctx context.Context, workingDir, targetDir string, changes task.FileChanges) (CopyChangesResult, error)
}

// Script is one runnable project script.
type Script struct {
	Name    string
	Command string
}

// ScriptsInfo lists a project's runnable scripts and its package manager.
type ScriptsInfo struct {
	Scripts        []Script
	PackageManager string
}

// ScriptsService discovers project scripts and builds run commands for them.
type ScriptsService interface {
	GetScripts(ctx context.Context, dir string) (ScriptsInfo, error)
	BuildRunCommand(scriptName, packageManager string) (string, error)
}

// PTYProvider creates and controls pseudo-terminals. A created PTY is
// identified by an opaque id until killed.
type PTYProvider interface {
	Create(ctx context.Context, cwd string) (string, error)
	Write(ptyID string, data []byte) error
	Kill(ptyID string) error
}

// FeedbackSink re-dispatches the agent with reviewer feedback. It is a
// narrow capability injected by the agent-execution subsystem so the
// controller never depends on it directly.
type FeedbackSink interface {
	RestartWithFeedback(ctx context.Context, taskID, feedbackContent string) error
}

// ApproveResult is the outcome of an approval attempt. When conflicts block
// the merge, Success is false, Conflicts is populated, and the task remains
// in review.
type ApproveResult struct {
	Success     bool
	Conflicts   []task.Conflict
	CopiedFiles int
	Cleanup     task.CleanupResult
}

// ReviewStatus aggregates everything the UI shows for a review-state task.
type ReviewStatus struct {
	Task          task.Task
	Running       *task.RunningProcess
	OpenTerminals []task.TerminalSession
	FeedbackCount int
}
