package review

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raulshma/dev-space-sub002/internal/events"
	"github.com/raulshma/dev-space-sub002/internal/task"
)

type fakeStore struct {
	mu        sync.Mutex
	tasks     map[string]*task.Task
	feedback  map[string][]task.Feedback
	terminals map[string]task.TerminalSession
	closed    map[string]time.Time

	updateErr   error
	feedbackErr error
	terminalErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:     make(map[string]*task.Task),
		feedback:  make(map[string][]task.Feedback),
		terminals: make(map[string]task.TerminalSession),
		closed:    make(map[string]time.Time),
	}
}

func (s *fakeStore) put(t task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := t
	s.tasks[t.ID] = &clone
}

func (s *fakeStore) status(id string) task.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id].Status
}

func (s *fakeStore) GetTask(_ context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	clone := *current
	return &clone, nil
}

func (s *fakeStore) UpdateTask(_ context.Context, id string, update TaskUpdate) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	current, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	if update.Status != nil {
		current.Status = *update.Status
	}
	if update.CompletedAt != nil {
		current.CompletedAt = *update.CompletedAt
	}
	if update.ErrorMessage != nil {
		current.ErrorMessage = *update.ErrorMessage
	}
	current.UpdatedAt = time.Now().UTC()
	clone := *current
	return &clone, nil
}

func (s *fakeStore) CreateFeedback(_ context.Context, taskID, content string, iteration int) (task.Feedback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.feedbackErr != nil {
		return task.Feedback{}, s.feedbackErr
	}
	feedback := task.Feedback{
		ID:          fmt.Sprintf("fb-%s-%d", taskID, iteration),
		TaskID:      taskID,
		Content:     content,
		Iteration:   iteration,
		SubmittedAt: time.Now().UTC(),
	}
	s.feedback[taskID] = append(s.feedback[taskID], feedback)
	return feedback, nil
}

func (s *fakeStore) GetFeedbackHistory(_ context.Context, taskID string) ([]task.Feedback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]task.Feedback(nil), s.feedback[taskID]...), nil
}

func (s *fakeStore) GetMaxFeedbackIteration(_ context.Context, taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	for _, feedback := range s.feedback[taskID] {
		if feedback.Iteration > max {
			max = feedback.Iteration
		}
	}
	return max, nil
}

func (s *fakeStore) CreateTerminalRecord(_ context.Context, session task.TerminalSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminalErr != nil {
		return s.terminalErr
	}
	s.terminals[session.ID] = session
	return nil
}

func (s *fakeStore) CloseTerminalRecord(_ context.Context, sessionID string, closedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed[sessionID] = closedAt
	return nil
}

type fakeDiffer struct {
	mu            sync.Mutex
	conflicts     []task.Conflict
	conflictsErr  error
	copyResult    CopyChangesResult
	copyErr       error
	copyCalls     int
	conflictCalls int
}

func (d *fakeDiffer) DetectConflicts(context.Context, string, string, task.FileChanges) ([]task.Conflict, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conflictCalls++
	return d.conflicts, d.conflictsErr
}

func (d *fakeDiffer) CopyChanges(context.Context, string, string, task.FileChanges) (CopyChangesResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.copyCalls++
	return d.copyResult, d.copyErr
}

type fakeScripts struct {
	info ScriptsInfo
	err  error
}

func (s *fakeScripts) GetScripts(context.Context, string) (ScriptsInfo, error) {
	return s.info, s.err
}

func (s *fakeScripts) BuildRunCommand(scriptName, packageManager string) (string, error) {
	if packageManager == "" {
		packageManager = "npm"
	}
	return fmt.Sprintf("%s run %s", packageManager, scriptName), nil
}

type fakePTY struct {
	mu        sync.Mutex
	nextID    int
	created   []string
	killed    []string
	writes    map[string][]byte
	createErr error
	writeErr  error
}

func newFakePTY() *fakePTY {
	return &fakePTY{writes: make(map[string][]byte)}
}

func (p *fakePTY) Create(context.Context, string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return "", p.createErr
	}
	p.nextID++
	id := fmt.Sprintf("pty-%d", p.nextID)
	p.created = append(p.created, id)
	return id, nil
}

func (p *fakePTY) Write(ptyID string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return p.writeErr
	}
	p.writes[ptyID] = append(p.writes[ptyID], data...)
	return nil
}

func (p *fakePTY) Kill(ptyID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = append(p.killed, ptyID)
	return nil
}

func (p *fakePTY) killedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.killed...)
}

type fakeSink struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (s *fakeSink) RestartWithFeedback(_ context.Context, taskID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, taskID+":"+content)
	return s.err
}

type fakeGuard struct {
	base string
}

func (g *fakeGuard) BaseDir() string { return g.base }

func (g *fakeGuard) Contains(path string) bool {
	rel, err := filepath.Rel(g.base, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

type fakeReaper struct {
	mu         sync.Mutex
	cleaned    []string
	forced     []string
	result     task.CleanupResult
	terminated map[string]int
}

func newFakeReaper() *fakeReaper {
	return &fakeReaper{result: task.CleanupResult{Success: true}, terminated: make(map[string]int)}
}

func (r *fakeReaper) Cleanup(_ context.Context, dir string) task.CleanupResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleaned = append(r.cleaned, dir)
	return r.result
}

func (r *fakeReaper) ForceCleanup(_ context.Context, dir string) task.CleanupResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forced = append(r.forced, dir)
	return r.result
}

func (r *fakeReaper) TerminateProcesses(_ context.Context, dir string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminated[dir]
}

type fixture struct {
	controller *Controller
	store      *fakeStore
	differ     *fakeDiffer
	scripts    *fakeScripts
	pty        *fakePTY
	sink       *fakeSink
	reaper     *fakeReaper
	guard      *fakeGuard
	bus        *events.InMemoryBus
	baseDir    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	store := newFakeStore()
	differ := &fakeDiffer{copyResult: CopyChangesResult{Success: true, CopiedFiles: 1}}
	scripts := &fakeScripts{info: ScriptsInfo{
		Scripts:        []Script{{Name: "dev", Command: "vite"}, {Name: "build", Command: "vite build"}},
		PackageManager: "pnpm",
	}}
	pty := newFakePTY()
	sink := &fakeSink{}
	guard := &fakeGuard{base: base}
	reap := newFakeReaper()
	bus := events.New()

	controller, err := New(Deps{
		Store:      store,
		Differ:     differ,
		Scripts:    scripts,
		PTY:        pty,
		Feedback:   sink,
		Workspaces: guard,
		Reaper:     reap,
		Bus:        bus,
		Logger:     log.New(io.Discard),
	})
	require.NoError(t, err)

	return &fixture{
		controller: controller,
		store:      store,
		differ:     differ,
		scripts:    scripts,
		pty:        pty,
		sink:       sink,
		reaper:     reap,
		guard:      guard,
		bus:        bus,
		baseDir:    base,
	}
}

// addTask registers a task whose working directory exists under the fixture
// base dir.
func (f *fixture) addTask(t *testing.T, id string, status task.Status) task.Task {
	t.Helper()
	workDir := filepath.Join(f.baseDir, "proj-"+id)
	require.NoError(t, osMkdirAll(workDir))
	record := task.Task{
		ID:               id,
		Title:            "task " + id,
		Status:           status,
		WorkingDirectory: workDir,
		TargetDirectory:  filepath.Join(f.baseDir, "..", "target-"+id),
		FileChanges:      task.FileChanges{Modified: []string{"a.ts"}},
		CreatedAt:        time.Now().UTC(),
	}
	f.store.put(record)
	return record
}

func TestNewValidatesDependencies(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)

	f := newFixture(t)
	deps := Deps{
		Store:      f.store,
		Differ:     f.differ,
		Scripts:    f.scripts,
		PTY:        f.pty,
		Feedback:   f.sink,
		Workspaces: f.guard,
		Reaper:     f.reaper,
		Bus:        f.bus,
		Logger:     log.New(io.Discard),
	}
	deps.Differ = nil
	_, err = New(deps)
	require.ErrorContains(t, err, "differ")
}

func TestTransitionToReviewFromRunning(t *testing.T) {
	f := newFixture(t)
	f.addTask(t, "t1", task.StatusRunning)

	entered := make(chan events.Event, 1)
	defer f.controller.Subscribe(events.EventTypeTaskEnteredReview, func(event events.Event) {
		entered <- event
	})()

	updated, err := f.controller.TransitionToReview(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusReview, updated.Status)
	assert.False(t, updated.CompletedAt.IsZero(), "completedAt must be set")

	select {
	case event := <-entered:
		assert.Equal(t, "t1", event.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for review event")
	}
}

func TestTransitionToReviewRejectsNonRunningStatuses(t *testing.T) {
	f := newFixture(t)
	for _, status := range []task.Status{task.StatusPending, task.StatusPaused, task.StatusReview, task.StatusCompleted, task.StatusFailed, task.StatusStopped} {
		id := "t-" + string(status)
		f.addTask(t, id, status)

		_, err := f.controller.TransitionToReview(context.Background(), id)
		require.ErrorIs(t, err, &task.InvalidStatusError{}, "status %s", status)
		assert.Equal(t, status, f.store.status(id), "status %s must be unchanged", status)
	}
}

func TestTransitionToReviewRequiresExistingDirectory(t *testing.T) {
	f := newFixture(t)
	record := f.addTask(t, "t1", task.StatusRunning)
	record.WorkingDirectory = filepath.Join(f.baseDir, "does-not-exist")
	f.store.put(record)

	_, err := f.controller.TransitionToReview(context.Background(), "t1")
	require.ErrorIs(t, err, &task.WorkingDirectoryNotFoundError{})
	assert.Equal(t, task.StatusRunning, f.store.status("t1"))
}

func TestOperationsRejectUnknownTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.controller.TransitionToReview(ctx, "ghost")
	require.ErrorIs(t, err, &task.NotFoundError{})
	_, err = f.controller.ApproveChanges(ctx, "ghost")
	require.ErrorIs(t, err, &task.NotFoundError{})
	err = f.controller.DiscardChanges(ctx, "ghost")
	require.ErrorIs(t, err, &task.NotFoundError{})
	_, err = f.controller.SubmitFeedback(ctx, "ghost", "feedback")
	require.ErrorIs(t, err, &task.NotFoundError{})
	_, err = f.controller.RunProject(ctx, "ghost", "")
	require.ErrorIs(t, err, &task.NotFoundError{})
	_, err = f.controller.OpenTerminal(ctx, "ghost")
	require.ErrorIs(t, err, &task.NotFoundError{})
	_, err = f.controller.GetRunningProcess(ctx, "ghost")
	require.ErrorIs(t, err, &task.NotFoundError{})
	_, err = f.controller.GetOpenTerminals(ctx, "ghost")
	require.ErrorIs(t, err, &task.NotFoundError{})
	err = f.controller.WriteTerminal(ctx, "ghost", "session", []byte("x"))
	require.ErrorIs(t, err, &task.NotFoundError{})
}

func TestApproveChangesHappyPath(t *testing.T) {
	f := newFixture(t)
	record := f.addTask(t, "t2", task.StatusReview)

	result, err := f.controller.ApproveChanges(context.Background(), "t2")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.CopiedFiles)
	assert.Equal(t, task.StatusCompleted, f.store.status("t2"))
	require.Len(t, f.reaper.cleaned, 1)
	assert.Equal(t, record.WorkingDirectory, f.reaper.cleaned[0])
	assert.Equal(t, 1, f.differ.copyCalls)
}

func TestApproveChangesBlockedByConflictsLeavesReviewState(t *testing.T) {
	f := newFixture(t)
	f.addTask(t, "t3", task.StatusReview)
	f.differ.conflicts = []task.Conflict{{Path: "a.ts", Reason: "modified in target"}}

	result, err := f.controller.ApproveChanges(context.Background(), "t3")
	require.NoError(t, err)
	assert.False(t, result.Success)
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, "a.ts", result.Conflicts[0].Path)

	assert.Equal(t, task.StatusReview, f.store.status("t3"))
	assert.Zero(t, f.differ.copyCalls, "copy-back must not run with conflicts")
	assert.Empty(t, f.reaper.cleaned, "workspace must not be deleted with conflicts")
}

func TestApproveChangesCopyFailureKeepsReviewState(t *testing.T) {
	f := newFixture(t)
	f.addTask(t, "t4", task.StatusReview)
	f.differ.copyResult = CopyChangesResult{Success: false, Errors: []string{"disk full"}}

	_, err := f.controller.ApproveChanges(context.Background(), "t4")
	require.ErrorIs(t, err, &task.CopyFailedError{})
	assert.Equal(t, task.StatusReview, f.store.status("t4"))
	assert.Empty(t, f.reaper.cleaned)
}

func TestApproveChangesCleanupFailureStillCompletes(t *testing.T) {
	f := newFixture(t)
	f.addTask(t, "t5", task.StatusReview)
	f.reaper.result = task.CleanupResult{Success: false, Error: "directory busy"}

	result, err := f.controller.ApproveChanges(context.Background(), "t5")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.Cleanup.Success)
	assert.Equal(t, task.StatusCompleted, f.store.status("t5"))
}

func TestApproveChangesStopsProcessAndTerminals(t *testing.T) {
	f := newFixture(t)
	f.addTask(t, "t6", task.StatusReview)
	ctx := context.Background()

	_, err := f.controller.RunProject(ctx, "t6", "")
	require.NoError(t, err)
	_, err = f.controller.OpenTerminal(ctx, "t6")
	require.NoError(t, err)
	_, err = f.controller.OpenTerminal(ctx, "t6")
	require.NoError(t, err)

	result, err := f.controller.ApproveChanges(ctx, "t6")
	require.NoError(t, err)
	assert.True(t, result.Success)

	tracked, err := f.controller.GetRunningProcess(ctx, "t6")
	require.NoError(t, err)
	assert.Nil(t, tracked)
	open, err := f.controller.GetOpenTerminals(ctx, "t6")
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Len(t, f.pty.killedIDs(), 3, "dev server and both terminals must be killed")
}

func TestApproveChangesWorktreeTaskSkipsWorkspaceDeletion(t *testing.T) {
	f := newFixture(t)
	record := f.addTask(t, "t7", task.StatusReview)
	record.WorktreePath = record.WorkingDirectory
	record.WorkingDirectory = ""
	f.store.put(record)

	result, err := f.controller.ApproveChanges(context.Background(), "t7")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, f.reaper.cleaned, "worktree must not be deleted")
	assert.Empty(t, f.reaper.forced)
	assert.Equal(t, task.StatusCompleted, f.store.status("t7"))
}

func TestApproveChangesRefusesDirectoryOutsideBase(t *testing.T) {
	f := newFixture(t)
	record := f.addTask(t, "t8", task.StatusReview)
	outside := t.TempDir()
	record.WorkingDirectory = outside
	f.store.put(record)

	result, err := f.controller.ApproveChanges(context.Background(), "t8")
	require.NoError(t, err)
	assert.True(t, result.Success, "approval still succeeds, cleanup degrades")
	assert.False(t, result.Cleanup.Success)
	assert.Empty(t, f.reaper.cleaned, "reaper must never see an out-of-base path")
}

func TestDiscardChangesStopsEverythingAndMarksStopped(t *testing.T) {
	f := newFixture(t)
	record := f.addTask(t, "t9", task.StatusReview)
	ctx := context.Background()

	_, err := f.controller.RunProject(ctx, "t9", "")
	require.NoError(t, err)
	_, err = f.controller.OpenTerminal(ctx, "t9")
	require.NoError(t, err)

	discarded := make(chan events.Event, 1)
	defer f.controller.Subscribe(events.EventTypeChangesDiscarded, func(event events.Event) {
		discarded <- event
	})()

	require.NoError(t, f.controller.DiscardChanges(ctx, "t9"))

	assert.Equal(t, task.StatusStopped, f.store.status("t9"))
	f.store.mu.Lock()
	assert.Equal(t, "Changes discarded by user", f.store.tasks["t9"].ErrorMessage)
	f.store.mu.Unlock()
	require.Len(t, f.reaper.forced, 1, "discard uses forced cleanup")
	assert.Equal(t, record.WorkingDirectory, f.reaper.forced[0])
	tracked, err := f.controller.GetRunningProcess(ctx, "t9")
	require.NoError(t, err)
	assert.Nil(t, tracked)
	open, err := f.controller.GetOpenTerminals(ctx, "t9")
	require.NoError(t, err)
	assert.Empty(t, open)

	select {
	case event := <-discarded:
		assert.Equal(t, "t9", event.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for discard event")
	}
}

func TestDiscardChangesRequiresReviewStatus(t *testing.T) {
	f := newFixture(t)
	f.addTask(t, "t10", task.StatusRunning)

	err := f.controller.DiscardChanges(context.Background(), "t10")
	require.ErrorIs(t, err, &task.InvalidStatusError{})
	assert.Equal(t, task.StatusRunning, f.store.status("t10"))
}

func TestSubmitFeedbackIterationsAreTaskScoped(t *testing.T) {
	f := newFixture(t)
	f.addTask(t, "t5a", task.StatusReview)
	f.addTask(t, "t5b", task.StatusReview)
	ctx := context.Background()

	first, err := f.controller.SubmitFeedback(ctx, "t5a", "fix bug")
	require.NoError(t, err)
	second, err := f.controller.SubmitFeedback(ctx, "t5a", "also fix X")
	require.NoError(t, err)
	other, err := f.controller.SubmitFeedback(ctx, "t5b", "different task")
	require.NoError(t, err)

	assert.Equal(t, 1, first.Iteration)
	assert.Equal(t, 2, second.Iteration)
	assert.Equal(t, 1, other.Iteration, "iterations are scoped per task")

	history, err := f.controller.GetFeedbackHistory(ctx, "t5a")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "fix bug", history[0].Content)
	assert.Equal(t, "also fix X", history[1].Content)

	f.sink.mu.Lock()
	assert.Equal(t, []string{"t5a:fix bug", "t5a:also fix X", "t5b:different task"}, f.sink.calls)
	f.sink.mu.Unlock()
}

func TestSubmitFeedbackRejectsNonReviewStatus(t *testing.T) {
	f := newFixture(t)
	f.addTask(t, "t11", task.StatusCompleted)

	_, err := f.controller.SubmitFeedback(context.Background(), "t11", "late feedback")
	require.ErrorIs(t, err, &task.InvalidStatusError{})
}

func TestSubmitFeedbackWrapsStoreFailure(t *testing.T) {
	f := newFixture(t)
	f.addTask(t, "t12", task.StatusReview)
	f.store.feedbackErr = errors.New("disk error")

	_, err := f.controller.SubmitFeedback(context.Background(), "t12", "content")
	require.ErrorIs(t, err, &task.FeedbackSaveFailedError{})
}

func TestGetReviewStatusAggregatesState(t *testing.T) {
	f := newFixture(t)
	f.addTask(t, "t13", task.StatusReview)
	ctx := context.Background()

	_, err := f.controller.RunProject(ctx, "t13", "")
	require.NoError(t, err)
	_, err = f.controller.OpenTerminal(ctx, "t13")
	require.NoError(t, err)
	_, err = f.controller.SubmitFeedback(ctx, "t13", "note")
	require.NoError(t, err)

	status, err := f.controller.GetReviewStatus(ctx, "t13")
	require.NoError(t, err)
	assert.Equal(t, task.StatusReview, status.Task.Status)
	require.NotNil(t, status.Running)
	assert.Equal(t, "dev", status.Running.Script)
	assert.Len(t, status.OpenTerminals, 1)
	assert.Equal(t, 1, status.FeedbackCount)
}

func TestReconcileOrphansKillsProcessesButKeepsDirectories(t *testing.T) {
	f := newFixture(t)
	dirA := filepath.Join(f.baseDir, "proj-a")
	dirB := filepath.Join(f.baseDir, "proj-b")
	require.NoError(t, osMkdirAll(dirA))
	require.NoError(t, osMkdirAll(dirB))
	f.reaper.terminated[dirA] = 2

	require.NoError(t, f.controller.ReconcileOrphans(context.Background()))
	assert.Empty(t, f.reaper.cleaned, "reconcile must not delete directories")
	assert.Empty(t, f.reaper.forced)
}

func TestReconcileOrphansMissingBaseDirIsNoop(t *testing.T) {
	f := newFixture(t)
	f.guard.base = filepath.Join(f.baseDir, "never-created")
	require.NoError(t, f.controller.ReconcileOrphans(context.Background()))
}

func osMkdirAll(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
