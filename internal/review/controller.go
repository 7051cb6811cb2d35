package review

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/raulshma/dev-space-sub002/internal/events"
	"github.com/raulshma/dev-space-sub002/internal/task"
)

// WorkspaceGuard confines workspace deletion to the managed base directory.
type WorkspaceGuard interface {
	BaseDir() string
	Contains(path string) bool
}

// Reaper tears down workspace directories and their processes.
type Reaper interface {
	Cleanup(ctx context.Context, workingDirectory string) task.CleanupResult
	ForceCleanup(ctx context.Context, workingDirectory string) task.CleanupResult
	TerminateProcesses(ctx context.Context, workingDirectory string) int
}

// Deps bundles the controller's collaborators.
type Deps struct {
	Store      Store
	Differ     Differ
	Scripts    ScriptsService
	PTY        PTYProvider
	Feedback   FeedbackSink
	Workspaces WorkspaceGuard
	Reaper     Reaper
	Bus        events.Bus
	Logger     *log.Logger
}

// Controller owns the review-state task lifecycle: per-task dev-server and
// terminal tracking, approval merges, and workspace teardown.
type Controller struct {
	store      Store
	differ     Differ
	scripts    ScriptsService
	pty        PTYProvider
	feedback   FeedbackSink
	workspaces WorkspaceGuard
	reaper     Reaper
	bus        events.Bus
	logger     *log.Logger
	now        func() time.Time

	mu        sync.Mutex
	taskLocks map[string]*sync.Mutex
	running   map[string]*task.RunningProcess
	terminals map[string][]task.TerminalSession
}

// New creates a Controller with required dependencies.
func New(deps Deps) (*Controller, error) {
	if deps.Store == nil {
		return nil, errors.New("task store is required")
	}
	if deps.Differ == nil {
		return nil, errors.New("file change differ is required")
	}
	if deps.Scripts == nil {
		return nil, errors.New("scripts service is required")
	}
	if deps.PTY == nil {
		return nil, errors.New("pty provider is required")
	}
	if deps.Feedback == nil {
		return nil, errors.New("feedback sink is required")
	}
	if deps.Workspaces == nil {
		return nil, errors.New("workspace guard is required")
	}
	if deps.Reaper == nil {
		return nil, errors.New("reaper is required")
	}
	if deps.Bus == nil {
		return nil, errors.New("event bus is required")
	}
	if deps.Logger == nil {
		return nil, errors.New("logger is required")
	}

	return &Controller{
		store:      deps.Store,
		differ:     deps.Differ,
		scripts:    deps.Scripts,
		pty:        deps.PTY,
		feedback:   deps.Feedback,
		workspaces: deps.Workspaces,
		reaper:     deps.Reaper,
		bus:        deps.Bus,
		logger:     deps.Logger,
		now:        time.Now,
		taskLocks:  make(map[string]*sync.Mutex),
		running:    make(map[string]*task.RunningProcess),
		terminals:  make(map[string][]task.TerminalSession),
	}, nil
}

// Subscribe registers a handler for one event type and returns an
// unsubscribe func.
func (c *Controller) Subscribe(eventType string, handler events.Handler) func() {
	return c.bus.Subscribe(eventType, handler)
}

// TransitionToReview moves a task from running to review once its agent run
// has produced changes. The working directory or worktree must exist.
func (c *Controller) TransitionToReview(ctx context.Context, taskID string) (*task.Task, error) {
	unlock := c.lockTask(taskID)
	defer unlock()

	current, err := c.resolveTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(current, task.StatusRunning, "transitionToReview"); err != nil {
		return nil, err
	}
	if err := c.requireReviewDirectory(current); err != nil {
		return nil, err
	}

	completedAt := c.now().UTC()
	status := task.StatusReview
	updated, err := c.store.UpdateTask(ctx, taskID, TaskUpdate{Status: &status, CompletedAt: &completedAt})
	if err != nil {
		return nil, fmt.Errorf("persist review transition for %q: %w", taskID, err)
	}
	if updated == nil {
		return nil, &task.NotFoundError{TaskID: taskID}
	}

	c.logger.Info("task entered review", "task_id", taskID, "review_dir", current.ReviewDirectory())
	c.bus.Publish(events.Event{
		Type:   events.EventTypeTaskEnteredReview,
		TaskID: taskID,
	})
	return updated, nil
}

// GetReviewStatus aggregates the task record with its in-memory process and
// terminal state.
func (c *Controller) GetReviewStatus(ctx context.Context, taskID string) (ReviewStatus, error) {
	current, err := c.resolveTask(ctx, taskID)
	if err != nil {
		return ReviewStatus{}, err
	}

	history, err := c.store.GetFeedbackHistory(ctx, taskID)
	if err != nil {
		return ReviewStatus{}, fmt.Errorf("load feedback history for %q: %w", taskID, err)
	}

	c.mu.Lock()
	var running *task.RunningProcess
	if tracked, ok := c.running[taskID]; ok {
		clone := *tracked
		running = &clone
	}
	terminals := append([]task.TerminalSession(nil), c.terminals[taskID]...)
	c.mu.Unlock()

	return ReviewStatus{
		Task:          *current,
		Running:       running,
		OpenTerminals: terminals,
		FeedbackCount: len(history),
	}, nil
}

// SubmitFeedback records reviewer feedback at the next iteration number and
// hands it to the feedback sink for another agent run. Valid only in review.
func (c *Controller) SubmitFeedback(ctx context.Context, taskID, content string) (task.Feedback, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return task.Feedback{}, errors.New("feedback content must not be empty")
	}

	unlock := c.lockTask(taskID)
	defer unlock()

	current, err := c.resolveTask(ctx, taskID)
	if err != nil {
		return task.Feedback{}, err
	}
	if err := requireStatus(current, task.StatusReview, "submitFeedback"); err != nil {
		return task.Feedback{}, err
	}

	maxIteration, err := c.store.GetMaxFeedbackIteration(ctx, taskID)
	if err != nil {
		return task.Feedback{}, &task.FeedbackSaveFailedError{TaskID: taskID, Reason: err.Error()}
	}
	feedback, err := c.store.CreateFeedback(ctx, taskID, content, maxIteration+1)
	if err != nil {
		return task.Feedback{}, &task.FeedbackSaveFailedError{TaskID: taskID, Reason: err.Error()}
	}

	c.logger.Info("feedback submitted", "task_id", taskID, "iteration", feedback.Iteration)
	c.bus.Publish(events.Event{
		Type:    events.EventTypeFeedbackSubmitted,
		TaskID:  taskID,
		Payload: feedback,
	})

	if err := c.feedback.RestartWithFeedback(ctx, taskID, content); err != nil {
		return feedback, fmt.Errorf("restart agent with feedback for %q: %w", taskID, err)
	}
	return feedback, nil
}

// GetFeedbackHistory returns the task's feedback in submission order.
func (c *Controller) GetFeedbackHistory(ctx context.Context, taskID string) ([]task.Feedback, error) {
	if _, err := c.resolveTask(ctx, taskID); err != nil {
		return nil, err
	}
	history, err := c.store.GetFeedbackHistory(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load feedback history for %q: %w", taskID, err)
	}
	return history, nil
}

// ApproveChanges merges the task's changes into the target project and
// completes the task. Conflict detection runs before any mutation: with
// conflicts present nothing is copied, nothing is cleaned up, and the task
// stays in review. A copy-back failure aborts before any status change. A
// cleanup failure after a successful copy only logs, because the merged
// changes already exist.
func (c *Controller) ApproveChanges(ctx context.Context, taskID string) (ApproveResult, error) {
	unlock := c.lockTask(taskID)
	defer unlock()

	current, err := c.resolveTask(ctx, taskID)
	if err != nil {
		return ApproveResult{}, err
	}
	if err := requireStatus(current, task.StatusReview, "approveChanges"); err != nil {
		return ApproveResult{}, err
	}
	if err := c.requireReviewDirectory(current); err != nil {
		return ApproveResult{}, err
	}

	reviewDir := current.ReviewDirectory()
	conflicts, err := c.differ.DetectConflicts(ctx, reviewDir, current.TargetDirectory, current.FileChanges)
	if err != nil {
		return ApproveResult{}, fmt.Errorf("detect conflicts for %q: %w", taskID, err)
	}
	if len(conflicts) > 0 {
		c.logger.Warn("approval blocked by conflicts", "task_id", taskID, "conflicts", len(conflicts))
		return ApproveResult{Success: false, Conflicts: conflicts}, nil
	}

	c.stopProjectLocked(ctx, taskID)
	c.closeAllTerminalsLocked(ctx, taskID)

	copied, err := c.differ.CopyChanges(ctx, reviewDir, current.TargetDirectory, current.FileChanges)
	if err != nil {
		return ApproveResult{}, &task.CopyFailedError{TaskID: taskID, Errors: []string{err.Error()}}
	}
	if !copied.Success {
		return ApproveResult{}, &task.CopyFailedError{TaskID: taskID, Errors: copied.Errors}
	}

	cleanup := c.cleanupWorkspace(ctx, current, false)

	status := task.StatusCompleted
	updated, err := c.store.UpdateTask(ctx, taskID, TaskUpdate{Status: &status})
	if err != nil {
		return ApproveResult{}, fmt.Errorf("persist completion for %q: %w", taskID, err)
	}
	if updated == nil {
		return ApproveResult{}, &task.NotFoundError{TaskID: taskID}
	}

	c.logger.Info("changes approved",
		"task_id", taskID,
		"copied_files", copied.CopiedFiles,
		"workspace_deleted", cleanup.Success,
	)
	c.bus.Publish(events.Event{
		Type:    events.EventTypeChangesApproved,
		TaskID:  taskID,
		Payload: copied,
	})
	return ApproveResult{
		Success:     true,
		CopiedFiles: copied.CopiedFiles,
		Cleanup:     cleanup,
	}, nil
}

// DiscardChanges throws the task's changes away: stops its process, closes
// its terminals, force-deletes the non-worktree workspace, and stops the task.
func (c *Controller) DiscardChanges(ctx context.Context, taskID string) error {
	unlock := c.lockTask(taskID)
	defer unlock()

	current, err := c.resolveTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := requireStatus(current, task.StatusReview, "discardChanges"); err != nil {
		return err
	}

	c.stopProjectLocked(ctx, taskID)
	c.closeAllTerminalsLocked(ctx, taskID)
	cleanup := c.cleanupWorkspace(ctx, current, true)

	status := task.StatusStopped
	message := "Changes discarded by user"
	updated, err := c.store.UpdateTask(ctx, taskID, TaskUpdate{Status: &status, ErrorMessage: &message})
	if err != nil {
		return fmt.Errorf("persist discard for %q: %w", taskID, err)
	}
	if updated == nil {
		return &task.NotFoundError{TaskID: taskID}
	}

	c.logger.Info("changes discarded", "task_id", taskID, "workspace_deleted", cleanup.Success)
	c.bus.Publish(events.Event{
		Type:   events.EventTypeChangesDiscarded,
		TaskID: taskID,
	})
	return nil
}

// ReconcileOrphans kills processes still rooted in any workspace under the
// managed base directory. Run once at startup: dev servers from a previous
// process cannot be re-adopted because their PTY handles died with it. The
// directories themselves are left for their tasks' review flows.
func (c *Controller) ReconcileOrphans(ctx context.Context) error {
	baseDir := c.workspaces.BaseDir()
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("list workspace base directory %q: %w", baseDir, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(baseDir, entry.Name())
		if terminated := c.reaper.TerminateProcesses(ctx, dir); terminated > 0 {
			c.logger.Warn("killed orphaned workspace processes",
				"working_dir", dir,
				"count", terminated,
			)
		}
	}
	return nil
}

// cleanupWorkspace deletes a task's isolated copy. Worktree-backed tasks are
// skipped: the worktree's owning subsystem reclaims it. Failures degrade to
// a warning; the caller decides whether that matters.
func (c *Controller) cleanupWorkspace(ctx context.Context, current *task.Task, force bool) task.CleanupResult {
	if current.UsesWorktree() {
		return task.CleanupResult{Success: true}
	}
	dir := current.WorkingDirectory
	if strings.TrimSpace(dir) == "" {
		return task.CleanupResult{Success: true}
	}
	if !c.workspaces.Contains(dir) {
		c.logger.Error("refusing to delete directory outside workspace base",
			"task_id", current.ID,
			"working_dir", dir,
		)
		return task.CleanupResult{Error: fmt.Sprintf("directory %q is outside the workspace base", dir)}
	}

	var cleanup task.CleanupResult
	if force {
		cleanup = c.reaper.ForceCleanup(ctx, dir)
	} else {
		cleanup = c.reaper.Cleanup(ctx, dir)
	}
	if !cleanup.Success {
		c.logger.Warn("workspace cleanup failed",
			"task_id", current.ID,
			"working_dir", dir,
			"error", cleanup.Error,
		)
	}
	return cleanup
}

func (c *Controller) resolveTask(ctx context.Context, taskID string) (*task.Task, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, &task.NotFoundError{TaskID: taskID}
	}
	current, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task %q: %w", taskID, err)
	}
	if current == nil {
		return nil, &task.NotFoundError{TaskID: taskID}
	}
	return current, nil
}

func (c *Controller) requireReviewDirectory(current *task.Task) error {
	dir := current.ReviewDirectory()
	if strings.TrimSpace(dir) == "" {
		return &task.WorkingDirectoryNotFoundError{TaskID: current.ID, Path: dir}
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return &task.WorkingDirectoryNotFoundError{TaskID: current.ID, Path: dir}
	}
	return nil
}

// lockTask serializes operations per task so overlapping calls cannot race
// the process and terminal tables.
func (c *Controller) lockTask(taskID string) func() {
	c.mu.Lock()
	lock, ok := c.taskLocks[taskID]
	if !ok {
		lock = &sync.Mutex{}
		c.taskLocks[taskID] = lock
	}
	c.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

func requireStatus(current *task.Task, required task.Status, op string) error {
	if current.Status != required {
		return &task.InvalidStatusError{
			TaskID:   current.ID,
			Status:   current.Status,
			Required: required,
			Op:       op,
		}
	}
	return nil
}
