package review

import (
	"context"
	"fmt"
	"strings"

	"github.com/raulshma/dev-space-sub002/internal/events"
	"github.com/raulshma/dev-space-sub002/internal/task"
)

// RunProject starts a dev-server process for a review-state task. At most
// one process is tracked per task: an already-running process is stopped
// first. Script resolution: explicit argument, then "dev", then "start".
func (c *Controller) RunProject(ctx context.Context, taskID, script string) (*task.RunningProcess, error) {
	unlock := c.lockTask(taskID)
	defer unlock()

	current, err := c.resolveTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(current, task.StatusReview, "runProject"); err != nil {
		return nil, err
	}
	if err := c.requireReviewDirectory(current); err != nil {
		return nil, err
	}
	reviewDir := current.ReviewDirectory()

	info, err := c.scripts.GetScripts(ctx, reviewDir)
	if err != nil {
		return nil, &task.ProcessStartFailedError{TaskID: taskID, Reason: fmt.Sprintf("detect scripts: %v", err)}
	}
	resolved, err := resolveScript(taskID, script, info)
	if err != nil {
		return nil, err
	}
	command, err := c.scripts.BuildRunCommand(resolved, info.PackageManager)
	if err != nil {
		return nil, &task.ProcessStartFailedError{TaskID: taskID, Script: resolved, Reason: fmt.Sprintf("build run command: %v", err)}
	}

	c.stopProjectLocked(ctx, taskID)

	ptyID, err := c.pty.Create(ctx, reviewDir)
	if err != nil {
		return nil, &task.ProcessStartFailedError{TaskID: taskID, Script: resolved, Reason: fmt.Sprintf("create pty: %v", err)}
	}
	if err := c.pty.Write(ptyID, []byte(command+"\r")); err != nil {
		_ = c.pty.Kill(ptyID)
		return nil, &task.ProcessStartFailedError{TaskID: taskID, Script: resolved, Reason: fmt.Sprintf("write run command: %v", err)}
	}

	process := &task.RunningProcess{
		TaskID:    taskID,
		Script:    resolved,
		Command:   command,
		PTYID:     ptyID,
		StartedAt: c.now().UTC(),
	}
	c.mu.Lock()
	c.running[taskID] = process
	c.mu.Unlock()

	c.logger.Info("project started", "task_id", taskID, "script", resolved, "command", command)
	c.bus.Publish(events.Event{
		Type:    events.EventTypeProjectStarted,
		TaskID:  taskID,
		Payload: *process,
	})

	clone := *process
	return &clone, nil
}

// StopProject stops the task's tracked dev-server process. Calling it when
// nothing is running is a no-op.
func (c *Controller) StopProject(ctx context.Context, taskID string) {
	unlock := c.lockTask(taskID)
	defer unlock()
	c.stopProjectLocked(ctx, taskID)
}

// GetRunningProcess returns the tracked process for a task, or nil when
// nothing is running.
func (c *Controller) GetRunningProcess(ctx context.Context, taskID string) (*task.RunningProcess, error) {
	if _, err := c.resolveTask(ctx, taskID); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	process, ok := c.running[taskID]
	if !ok {
		return nil, nil
	}
	clone := *process
	return &clone, nil
}

// GetAvailableScripts lists the runnable scripts detected in the task's
// review directory.
func (c *Controller) GetAvailableScripts(ctx context.Context, taskID string) (ScriptsInfo, error) {
	current, err := c.resolveTask(ctx, taskID)
	if err != nil {
		return ScriptsInfo{}, err
	}
	if err := c.requireReviewDirectory(current); err != nil {
		return ScriptsInfo{}, err
	}
	info, err := c.scripts.GetScripts(ctx, current.ReviewDirectory())
	if err != nil {
		return ScriptsInfo{}, fmt.Errorf("detect scripts for %q: %w", taskID, err)
	}
	return info, nil
}

// stopProjectLocked kills and untracks the task's process. The caller holds
// the task lock. Kill errors are ignored: the process may already be dead.
func (c *Controller) stopProjectLocked(_ context.Context, taskID string) {
	c.mu.Lock()
	process, ok := c.running[taskID]
	if ok {
		delete(c.running, taskID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if err := c.pty.Kill(process.PTYID); err != nil {
		c.logger.Debug("pty kill returned error", "task_id", taskID, "pty_id", process.PTYID, "error", err)
	}
	c.logger.Info("project stopped", "task_id", taskID, "script", process.Script)
	c.bus.Publish(events.Event{
		Type:   events.EventTypeProjectStopped,
		TaskID: taskID,
	})
}

func resolveScript(taskID, explicit string, info ScriptsInfo) (string, error) {
	available := make(map[string]struct{}, len(info.Scripts))
	for _, script := range info.Scripts {
		available[script.Name] = struct{}{}
	}

	explicit = strings.TrimSpace(explicit)
	if explicit != "" {
		if _, ok := available[explicit]; !ok {
			return "", &task.ProcessStartFailedError{
				TaskID: taskID,
				Script: explicit,
				Reason: "script not found in project",
			}
		}
		return explicit, nil
	}
	for _, candidate := range []string{"dev", "start"} {
		if _, ok := available[candidate]; ok {
			return candidate, nil
		}
	}
	return "", &task.ProcessStartFailedError{
		TaskID: taskID,
		Reason: "no runnable script: pass one explicitly or add a dev/start script",
	}
}
