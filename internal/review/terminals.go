package review

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/raulshma/dev-space-sub002/internal/events"
	"github.com/raulshma/dev-space-sub002/internal/task"
)

// OpenTerminal creates a PTY rooted at the task's review directory and
// records the session. Multiple sessions may be open concurrently per task.
func (c *Controller) OpenTerminal(ctx context.Context, taskID string) (task.TerminalSession, error) {
	unlock := c.lockTask(taskID)
	defer unlock()

	current, err := c.resolveTask(ctx, taskID)
	if err != nil {
		return task.TerminalSession{}, err
	}
	if err := requireStatus(current, task.StatusReview, "openTerminal"); err != nil {
		return task.TerminalSession{}, err
	}
	if err := c.requireReviewDirectory(current); err != nil {
		return task.TerminalSession{}, err
	}
	reviewDir := current.ReviewDirectory()

	ptyID, err := c.pty.Create(ctx, reviewDir)
	if err != nil {
		return task.TerminalSession{}, &task.TerminalOpenFailedError{TaskID: taskID, Reason: fmt.Sprintf("create pty: %v", err)}
	}

	session := task.TerminalSession{
		ID:               uuid.NewString(),
		TaskID:           taskID,
		PTYID:            ptyID,
		WorkingDirectory: reviewDir,
		CreatedAt:        c.now().UTC(),
	}
	if err := c.store.CreateTerminalRecord(ctx, session); err != nil {
		_ = c.pty.Kill(ptyID)
		return task.TerminalSession{}, &task.TerminalOpenFailedError{TaskID: taskID, Reason: fmt.Sprintf("persist terminal record: %v", err)}
	}

	c.mu.Lock()
	c.terminals[taskID] = append(c.terminals[taskID], session)
	c.mu.Unlock()

	c.logger.Info("terminal opened", "task_id", taskID, "session_id", session.ID)
	c.bus.Publish(events.Event{
		Type:    events.EventTypeTerminalOpened,
		TaskID:  taskID,
		Payload: session,
	})
	return session, nil
}

// GetOpenTerminals returns the task's open terminal sessions in open order.
func (c *Controller) GetOpenTerminals(ctx context.Context, taskID string) ([]task.TerminalSession, error) {
	if _, err := c.resolveTask(ctx, taskID); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]task.TerminalSession(nil), c.terminals[taskID]...), nil
}

// WriteTerminal forwards input to one of the task's open terminal sessions.
func (c *Controller) WriteTerminal(ctx context.Context, taskID, sessionID string, data []byte) error {
	if _, err := c.resolveTask(ctx, taskID); err != nil {
		return err
	}
	c.mu.Lock()
	var found *task.TerminalSession
	for i := range c.terminals[taskID] {
		if c.terminals[taskID][i].ID == sessionID {
			found = &c.terminals[taskID][i]
			break
		}
	}
	c.mu.Unlock()

	if found == nil {
		return fmt.Errorf("terminal session %q not open for task %q", sessionID, taskID)
	}
	if err := c.pty.Write(found.PTYID, data); err != nil {
		return fmt.Errorf("write to terminal %q: %w", sessionID, err)
	}
	return nil
}

// CloseTerminal closes one terminal session. Closing a session that is not
// open is a no-op.
func (c *Controller) CloseTerminal(ctx context.Context, taskID, sessionID string) {
	unlock := c.lockTask(taskID)
	defer unlock()
	c.closeTerminalLocked(ctx, taskID, sessionID)
}

// CloseAllTerminals closes every open terminal session for the task.
func (c *Controller) CloseAllTerminals(ctx context.Context, taskID string) {
	unlock := c.lockTask(taskID)
	defer unlock()
	c.closeAllTerminalsLocked(ctx, taskID)
}

func (c *Controller) closeAllTerminalsLocked(ctx context.Context, taskID string) {
	c.mu.Lock()
	sessions := append([]task.TerminalSession(nil), c.terminals[taskID]...)
	c.mu.Unlock()
	for _, session := range sessions {
		c.closeTerminalLocked(ctx, taskID, session.ID)
	}
}

func (c *Controller) closeTerminalLocked(ctx context.Context, taskID, sessionID string) {
	c.mu.Lock()
	sessions := c.terminals[taskID]
	index := -1
	for i := range sessions {
		if sessions[i].ID == sessionID {
			index = i
			break
		}
	}
	var session task.TerminalSession
	if index >= 0 {
		session = sessions[index]
		c.terminals[taskID] = append(sessions[:index], sessions[index+1:]...)
	}
	c.mu.Unlock()
	if index < 0 {
		return
	}

	if err := c.pty.Kill(session.PTYID); err != nil {
		c.logger.Debug("terminal pty kill returned error", "session_id", sessionID, "error", err)
	}
	closedAt := c.now().UTC()
	if err := c.store.CloseTerminalRecord(ctx, sessionID, closedAt); err != nil {
		c.logger.Warn("could not mark terminal record closed", "session_id", sessionID, "error", err)
	}

	c.logger.Info("terminal closed", "task_id", taskID, "session_id", sessionID)
	c.bus.Publish(events.Event{
		Type:   events.EventTypeTerminalClosed,
		TaskID: taskID,
	})
}
