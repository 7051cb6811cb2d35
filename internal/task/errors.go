package task

import (
	"fmt"
	"strings"
)

// NotFoundError is returned when a task id resolves to nothing.
type NotFoundError struct {
	TaskID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("task %q not found", e.TaskID)
}

// Is enables errors.Is checks against any NotFoundError.
func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}

// InvalidStatusError is returned when an operation is requested in a
// lifecycle state that does not permit it.
type InvalidStatusError struct {
	TaskID   string
	Status   Status
	Required Status
	Op       string
}

func (e *InvalidStatusError) Error() string {
	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "operation"
	}
	return fmt.Sprintf(
		"%s requires task %q in status %q, current status is %q",
		op, e.TaskID, e.Required, e.Status,
	)
}

// Is enables errors.Is checks against any InvalidStatusError.
func (e *InvalidStatusError) Is(target error) bool {
	_, ok := target.(*InvalidStatusError)
	return ok
}

// WorkingDirectoryNotFoundError is returned when a task's isolated copy or
// worktree no longer exists on disk.
type WorkingDirectoryNotFoundError struct {
	TaskID string
	Path   string
}

func (e *WorkingDirectoryNotFoundError) Error() string {
	return fmt.Sprintf("working directory %q for task %q does not exist", e.Path, e.TaskID)
}

// Is enables errors.Is checks against any WorkingDirectoryNotFoundError.
func (e *WorkingDirectoryNotFoundError) Is(target error) bool {
	_, ok := target.(*WorkingDirectoryNotFoundError)
	return ok
}

// CopyFailedError is returned when merging approved changes into the target
// project fails after conflict detection passed.
type CopyFailedError struct {
	TaskID string
	Errors []string
}

func (e *CopyFailedError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("copying changes for task %q failed", e.TaskID)
	}
	return fmt.Sprintf("copying changes for task %q failed: %s", e.TaskID, strings.Join(e.Errors, "; "))
}

// Is enables errors.Is checks against any CopyFailedError.
func (e *CopyFailedError) Is(target error) bool {
	_, ok := target.(*CopyFailedError)
	return ok
}

// CleanupFailedError is returned when workspace teardown could not delete the
// directory after termination and retries.
type CleanupFailedError struct {
	Path   string
	Reason string
}

func (e *CleanupFailedError) Error() string {
	return fmt.Sprintf("cleanup of %q failed: %s", e.Path, e.Reason)
}

// Is enables errors.Is checks against any CleanupFailedError.
func (e *CleanupFailedError) Is(target error) bool {
	_, ok := target.(*CleanupFailedError)
	return ok
}

// ProcessStartFailedError is returned when no runnable script resolves or the
// dev-server process could not be spawned.
type ProcessStartFailedError struct {
	TaskID string
	Script string
	Reason string
}

func (e *ProcessStartFailedError) Error() string {
	if e.Script == "" {
		return fmt.Sprintf("starting project for task %q failed: %s", e.TaskID, e.Reason)
	}
	return fmt.Sprintf("starting script %q for task %q failed: %s", e.Script, e.TaskID, e.Reason)
}

// Is enables errors.Is checks against any ProcessStartFailedError.
func (e *ProcessStartFailedError) Is(target error) bool {
	_, ok := target.(*ProcessStartFailedError)
	return ok
}

// TerminalOpenFailedError is returned when a PTY could not be created for a
// terminal session.
type TerminalOpenFailedError struct {
	TaskID string
	Reason string
}

func (e *TerminalOpenFailedError) Error() string {
	return fmt.Sprintf("opening terminal for task %q failed: %s", e.TaskID, e.Reason)
}

// Is enables errors.Is checks against any TerminalOpenFailedError.
func (e *TerminalOpenFailedError) Is(target error) bool {
	_, ok := target.(*TerminalOpenFailedError)
	return ok
}

// FeedbackSaveFailedError is returned when persisting reviewer feedback fails.
type FeedbackSaveFailedError struct {
	TaskID string
	Reason string
}

func (e *FeedbackSaveFailedError) Error() string {
	return fmt.Sprintf("saving feedback for task %q failed: %s", e.TaskID, e.Reason)
}

// Is enables errors.Is checks against any FeedbackSaveFailedError.
func (e *FeedbackSaveFailedError) Is(target error) bool {
	_, ok := target.(*FeedbackSaveFailedError)
	return ok
}

// FileConflictError is returned when approval is blocked by paths modified on
// both the workspace and the live target.
type FileConflictError struct {
	TaskID    string
	Conflicts []Conflict
}

func (e *FileConflictError) Error() string {
	paths := make([]string, 0, len(e.Conflicts))
	for _, conflict := range e.Conflicts {
		paths = append(paths, conflict.Path)
	}
	return fmt.Sprintf("task %q has %d conflicting paths: %s", e.TaskID, len(e.Conflicts), strings.Join(paths, ", "))
}

// Is enables errors.Is checks against any FileConflictError.
func (e *FileConflictError) Is(target error) bool {
	_, ok := target.(*FileConflictError)
	return ok
}
