package lifecycle_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/orchestrator/internal/conventions"
	"github.com/msageha/orchestrator/internal/ledger"
	"github.com/msageha/orchestrator/internal/lifecycle"
	"github.com/msageha/orchestrator/internal/marker"
	"github.com/msageha/orchestrator/internal/model"
	"github.com/msageha/orchestrator/internal/queuefile"
	"github.com/msageha/orchestrator/internal/report"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	layout  conventions.Layout
	mgr     *lifecycle.Manager
	clock   *clock
	markers *marker.Store
	reports *report.Store
	ledger  *ledger.SQLite
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	layout := conventions.New(t.TempDir())
	require.NoError(t, layout.EnsureDirs())

	l, err := ledger.Open(context.Background(), ledger.Config{Path: layout.Path(conventions.LedgerFile)})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	c := &clock{now: time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)}
	f := &fixture{
		layout:  layout,
		clock:   c,
		markers: marker.NewStore(layout),
		reports: report.NewStore(layout),
		ledger:  l,
	}
	f.mgr, err = lifecycle.NewManager(lifecycle.Config{
		Layout: layout,
		Lifecycle: model.LifecycleConfig{
			MaxAttempts:     3,
			MaxIssueRetries: 2,
			TaskTimeoutSec:  600,
			IDPrefix:        "TASK",
		},
		Markers: f.markers,
		Reports: f.reports,
		Ledger:  l,
		Now:     c.Now,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) add(t *testing.T, tasks ...model.Task) []model.Task {
	t.Helper()
	added, err := f.mgr.AddTasks(context.Background(), tasks)
	require.NoError(t, err)
	return added
}

func task(title string, priority int, deps ...string) model.Task {
	return model.Task{Title: title, Objective: "Do " + title, Priority: priority, DependsOn: deps}
}

func TestAddTasksAssignsIDs(t *testing.T) {
	f := newFixture(t)

	added := f.add(t, task("models", 1), task("api", 2, "TASK-001"))
	require.Len(t, added, 2)
	assert.Equal(t, "TASK-001", added[0].ID)
	assert.Equal(t, "TASK-002", added[1].ID)
	assert.Equal(t, model.StatusPending, added[1].Status)
	assert.Equal(t, 3, added[1].MaxAttempts)
	assert.Equal(t, model.CategoryBuild, added[1].Category)

	// The queue file is the source of truth.
	tasks, err := queuefile.ReadTasks(f.layout.TaskQueuePath())
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "Do api", tasks[1].Objective)
	assert.Equal(t, []string{"TASK-001"}, tasks[1].DependsOn)

	more := f.add(t, task("tests", 3))
	assert.Equal(t, "TASK-003", more[0].ID)
}

func TestAddTasksRejects(t *testing.T) {
	tests := map[string]struct {
		existing []model.Task
		batch    []model.Task
		expErr   error
	}{
		"Duplicate ids are rejected.": {
			existing: []model.Task{{ID: "TASK-001", Title: "a", Objective: "a"}},
			batch:    []model.Task{{ID: "TASK-001", Title: "b", Objective: "b"}},
			expErr:   model.ErrAlreadyExists,
		},
		"Unknown dependencies are rejected.": {
			batch:  []model.Task{{ID: "TASK-001", Objective: "a", DependsOn: []string{"TASK-009"}}},
			expErr: model.ErrNotValid,
		},
		"Dependency cycles are rejected.": {
			batch: []model.Task{
				{ID: "TASK-001", Objective: "a", DependsOn: []string{"TASK-002"}},
				{ID: "TASK-002", Objective: "b", DependsOn: []string{"TASK-001"}},
			},
			expErr: model.ErrNotValid,
		},
		"Tasks without objective are rejected.": {
			batch:  []model.Task{{ID: "TASK-001"}},
			expErr: model.ErrNotValid,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			if len(test.existing) > 0 {
				f.add(t, test.existing...)
			}
			_, err := f.mgr.AddTasks(context.Background(), test.batch)
			assert.ErrorIs(t, err, test.expErr)

			// Nothing from a rejected batch is written.
			tasks, err := queuefile.ReadTasks(f.layout.TaskQueuePath())
			require.NoError(t, err)
			assert.Len(t, tasks, len(test.existing))
		})
	}
}

func TestClaimOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.add(t, task("low", 5), task("high", 1), task("blocked", 0, "TASK-001"), task("high too", 1))

	got, err := f.mgr.Claim(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "TASK-002", got.ID)
	assert.Equal(t, model.StatusInProgress, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "agent-1", got.ClaimedBy)
	assert.Equal(t, f.clock.Now().Add(10*time.Minute), got.LeaseExpiresAt)

	got, err = f.mgr.Claim(ctx, "agent-2")
	require.NoError(t, err)
	assert.Equal(t, "TASK-004", got.ID)

	got, err = f.mgr.Claim(ctx, "agent-3")
	require.NoError(t, err)
	assert.Equal(t, "TASK-001", got.ID)

	// TASK-003 waits for TASK-001.
	_, err = f.mgr.Claim(ctx, "agent-4")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = f.mgr.Complete(ctx, "TASK-001")
	require.NoError(t, err)
	got, err = f.mgr.Claim(ctx, "agent-4")
	require.NoError(t, err)
	assert.Equal(t, "TASK-003", got.ID)
}

func TestClaimTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.add(t, task("a", 1), task("b", 1, "TASK-001"))

	_, err := f.mgr.ClaimTask(ctx, "TASK-002", "me")
	assert.ErrorIs(t, err, model.ErrBlocked)

	_, err = f.mgr.ClaimTask(ctx, "TASK-001", "me")
	require.NoError(t, err)
	_, err = f.mgr.ClaimTask(ctx, "TASK-001", "me")
	assert.ErrorIs(t, err, model.ErrConflict)

	_, err = f.mgr.ClaimTask(ctx, "TASK-404", "me")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCompleteWritesMarker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.add(t, task("a", 1))

	// Only in-progress tasks complete.
	_, err := f.mgr.Complete(ctx, "TASK-001")
	assert.ErrorIs(t, err, model.ErrConflict)

	_, err = f.mgr.Claim(ctx, "me")
	require.NoError(t, err)
	done, err := f.mgr.Complete(ctx, "TASK-001")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, done.Status)
	assert.Empty(t, done.ClaimedBy)
	assert.True(t, done.LeaseExpiresAt.IsZero())

	out, err := f.markers.State("TASK-001")
	require.NoError(t, err)
	assert.Equal(t, marker.Done, out)

	// Terminal states are final.
	_, err = f.mgr.Complete(ctx, "TASK-001")
	assert.ErrorIs(t, err, model.ErrConflict)

	hist, err := f.ledger.History(ctx, "TASK-001")
	require.NoError(t, err)
	var statuses []model.Status
	for _, ev := range hist {
		statuses = append(statuses, ev.To)
	}
	assert.Equal(t, []model.Status{model.StatusPending, model.StatusInProgress, model.StatusCompleted}, statuses)
}

func TestFailRetriesThenOpensIssue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.add(t, task("a", 1), task("b", 2, "TASK-001"))

	for attempt := 1; attempt <= 2; attempt++ {
		got, err := f.mgr.ClaimTask(ctx, "TASK-001", "me")
		require.NoError(t, err)
		assert.Equal(t, attempt, got.Attempts)

		got, err = f.mgr.Fail(ctx, "TASK-001", model.FailureDiagnostic{Error: "tests failed"})
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, got.Status)
	}

	_, err := f.mgr.ClaimTask(ctx, "TASK-001", "me")
	require.NoError(t, err)
	got, err := f.mgr.Fail(ctx, "TASK-001", model.FailureDiagnostic{
		Error:               "tests failed",
		AttemptedApproaches: []string{"a", "b", "c"},
		SuspectedRootCause:  "missing fixture",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)

	out, err := f.markers.State("TASK-001")
	require.NoError(t, err)
	assert.Equal(t, marker.Failed, out)

	diag, err := f.reports.ReadFailure("TASK-001")
	require.NoError(t, err)
	assert.Equal(t, 3, diag.Attempts)
	assert.Equal(t, []string{"a", "b", "c"}, diag.AttemptedApproaches)
	assert.Equal(t, "missing fixture", diag.SuspectedRootCause)

	snap, err := f.mgr.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Issues, 1)
	is := snap.Issues[0]
	assert.Equal(t, "ISSUE-001", is.ID)
	assert.Equal(t, model.StatusPending, is.Status)
	assert.Equal(t, "TASK-001", is.SourceTaskID)
	assert.Equal(t, 0, is.RetryCount)
	assert.Equal(t, 2, is.MaxRetries)
	assert.True(t, is.Blocking)
	assert.Equal(t, "tests failed", is.LastError)

	blocked := lifecycle.BlockedTasks(snap.Tasks)
	require.Len(t, blocked, 1)
	assert.Equal(t, "TASK-002", blocked[0].ID)

	// A failed task cannot be failed again.
	_, err = f.mgr.Fail(ctx, "TASK-001", model.FailureDiagnostic{})
	assert.ErrorIs(t, err, model.ErrConflict)
}

// exhaust fails every attempt of id.
func exhaust(t *testing.T, f *fixture, id string) {
	t.Helper()
	ctx := context.Background()
	for {
		_, err := f.mgr.ClaimTask(ctx, id, "me")
		require.NoError(t, err)
		got, err := f.mgr.Fail(ctx, id, model.FailureDiagnostic{Error: "boom"})
		require.NoError(t, err)
		if got.Status == model.StatusFailed {
			return
		}
	}
}

type fakeVerifier struct {
	evidence model.Evidence
	err      error
	calls    int
}

func (v *fakeVerifier) Verify(_ context.Context, taskID, issueID string) (model.Evidence, error) {
	v.calls++
	ev := v.evidence
	ev.TaskID, ev.IssueID = taskID, issueID
	return ev, v.err
}

func TestIssueRetryAndResolve(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.add(t, task("a", 1), task("b", 2, "TASK-001"))
	exhaust(t, f, "TASK-001")

	res, err := f.mgr.IngestIssues(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"ISSUE-001": "TASK-001-1"}, res.Spawned)

	retry, err := f.mgr.Task(ctx, "TASK-001-1")
	require.NoError(t, err)
	assert.Equal(t, "ISSUE-001", retry.IssueID)
	assert.Equal(t, model.StatusPending, retry.Status)
	assert.Contains(t, retry.Objective, "Previous error: boom")

	// Resolution needs the retry task completed first.
	_, err = f.mgr.ResolveIssue(ctx, "ISSUE-001", &fakeVerifier{evidence: model.Evidence{Passed: true}})
	assert.ErrorIs(t, err, model.ErrConflict)

	_, err = f.mgr.ClaimTask(ctx, "TASK-001-1", "me")
	require.NoError(t, err)
	_, err = f.mgr.Complete(ctx, "TASK-001-1")
	require.NoError(t, err)

	// The retry's completion satisfies dependents of the original task.
	next, err := f.mgr.Claim(ctx, "me")
	require.NoError(t, err)
	assert.Equal(t, "TASK-002", next.ID)

	// A rejected fix sends the issue back for another retry.
	failing := &fakeVerifier{evidence: model.Evidence{ID: "ev1", Passed: false, Mismatches: []string{"tests_passed claimed true, re-run failed"}}}
	ev, err := f.mgr.ResolveIssue(ctx, "ISSUE-001", failing)
	assert.ErrorIs(t, err, lifecycle.ErrVerificationFailed)
	assert.Equal(t, "ev1", ev.ID)

	snap, err := f.mgr.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, snap.Issues[0].Status)
	assert.Contains(t, snap.Issues[0].LastError, "re-run failed")

	res, err = f.mgr.IngestIssues(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"ISSUE-001": "TASK-001-2"}, res.Spawned)
	_, err = f.mgr.ClaimTask(ctx, "TASK-001-2", "me")
	require.NoError(t, err)
	_, err = f.mgr.Complete(ctx, "TASK-001-2")
	require.NoError(t, err)

	passing := &fakeVerifier{evidence: model.Evidence{ID: "ev2", Passed: true}}
	_, err = f.mgr.ResolveIssue(ctx, "ISSUE-001", passing)
	require.NoError(t, err)
	assert.Equal(t, 1, passing.calls)

	snap, err = f.mgr.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, snap.Issues[0].Status)
	assert.Empty(t, snap.Issues[0].LastError)
}

func TestResolveIssueVerificationOutcomes(t *testing.T) {
	tests := map[string]struct {
		retries   int
		verifier  *fakeVerifier
		expErr    error
		expStatus model.Status
	}{
		"A rejected fix with retries left goes back to pending.": {
			retries:   1,
			verifier:  &fakeVerifier{evidence: model.Evidence{ID: "ev", Mismatches: []string{"build failed"}}},
			expErr:    lifecycle.ErrVerificationFailed,
			expStatus: model.StatusPending,
		},
		"A rejected fix on the last retry fails the issue.": {
			retries:   2,
			verifier:  &fakeVerifier{evidence: model.Evidence{ID: "ev", Mismatches: []string{"build failed"}}},
			expErr:    lifecycle.ErrVerificationFailed,
			expStatus: model.StatusFailed,
		},
		"A verifier that cannot run keeps the issue in progress.": {
			retries:   1,
			verifier:  &fakeVerifier{err: errors.New("preflight failed: database down")},
			expStatus: model.StatusInProgress,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			f.add(t, task("a", 1))
			exhaust(t, f, "TASK-001")

			var retryID string
			for n := 1; n <= test.retries; n++ {
				res, err := f.mgr.IngestIssues(ctx)
				require.NoError(t, err)
				retryID = res.Spawned["ISSUE-001"]
				if n < test.retries {
					exhaust(t, f, retryID)
				}
			}
			_, err := f.mgr.ClaimTask(ctx, retryID, "me")
			require.NoError(t, err)
			_, err = f.mgr.Complete(ctx, retryID)
			require.NoError(t, err)

			_, err = f.mgr.ResolveIssue(ctx, "ISSUE-001", test.verifier)
			require.Error(t, err)
			if test.expErr != nil {
				assert.ErrorIs(t, err, test.expErr)
			}

			snap, err := f.mgr.Snapshot(ctx)
			require.NoError(t, err)
			require.Len(t, snap.Issues, 1)
			assert.Equal(t, test.expStatus, snap.Issues[0].Status)
			assert.NotEmpty(t, snap.Issues[0].LastError)
		})
	}
}

func TestRenewLease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.add(t, task("slow", 1))
	claimed, err := f.mgr.ClaimTask(ctx, "TASK-001", "daemon")
	require.NoError(t, err)

	f.clock.Advance(8 * time.Minute)
	renewed, err := f.mgr.RenewLease(ctx, "TASK-001", claimed.Attempts)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(10*time.Minute), renewed.LeaseExpiresAt)

	// Past the first lease, inside the renewed one.
	f.clock.Advance(8 * time.Minute)
	res, err := f.mgr.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Expired)

	_, err = f.mgr.RenewLease(ctx, "TASK-001", claimed.Attempts+1)
	assert.ErrorIs(t, err, model.ErrConflict)

	_, err = f.mgr.Complete(ctx, "TASK-001")
	require.NoError(t, err)
	_, err = f.mgr.RenewLease(ctx, "TASK-001", claimed.Attempts)
	assert.ErrorIs(t, err, model.ErrConflict)
}

func TestIssueRetriesExhaust(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.add(t, task("a", 1))
	exhaust(t, f, "TASK-001")

	for n := 1; n <= 2; n++ {
		res, err := f.mgr.IngestIssues(ctx)
		require.NoError(t, err)
		retryID := res.Spawned["ISSUE-001"]
		assert.Equal(t, model.RetryTaskID("TASK-001", n), retryID)
		exhaust(t, f, retryID)
	}

	snap, err := f.mgr.Snapshot(ctx)
	require.NoError(t, err)
	// Failed retries update the original issue instead of opening new ones.
	require.Len(t, snap.Issues, 1)
	assert.Equal(t, model.StatusFailed, snap.Issues[0].Status)
	assert.Equal(t, 2, snap.Issues[0].RetryCount)

	res, err := f.mgr.IngestIssues(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Spawned)
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.add(t, task("done by agent", 1), task("given up", 1), task("slow", 1), task("idle", 1))
	for _, id := range []string{"TASK-001", "TASK-002", "TASK-003"} {
		_, err := f.mgr.ClaimTask(ctx, id, "agent")
		require.NoError(t, err)
	}

	require.NoError(t, f.markers.MarkDone("TASK-001"))
	require.NoError(t, f.markers.MarkFailed("TASK-002"))
	f.clock.Advance(11 * time.Minute)

	res, err := f.mgr.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"TASK-001"}, res.Completed)
	assert.Equal(t, []string{"TASK-002"}, res.Failed)
	assert.Equal(t, []string{"TASK-003"}, res.Expired)

	snap, err := f.mgr.Snapshot(ctx)
	require.NoError(t, err)
	status := map[string]model.Status{}
	for _, tk := range snap.Tasks {
		status[tk.ID] = tk.Status
	}
	assert.Equal(t, model.StatusCompleted, status["TASK-001"])
	// An agent-written failed marker ends the task regardless of attempts left.
	assert.Equal(t, model.StatusFailed, status["TASK-002"])
	// An expired lease is a failed attempt.
	assert.Equal(t, model.StatusPending, status["TASK-003"])
	assert.Equal(t, model.StatusPending, status["TASK-004"])
	require.Len(t, snap.Issues, 1)
	assert.Equal(t, "TASK-002", snap.Issues[0].SourceTaskID)

	// A second pass has nothing to do.
	res, err = f.mgr.Reconcile(ctx)
	require.NoError(t, err)
	assert.False(t, res.Changed())
}

func TestConcurrentClaimsNeverShareATask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var batch []model.Task
	for i := 0; i < 8; i++ {
		batch = append(batch, task("t", 1))
	}
	f.add(t, batch...)

	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      sync.WaitGroup
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := f.mgr.Claim(ctx, "worker")
			if errors.Is(err, model.ErrNotFound) {
				return
			}
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			claimed[got.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 8)
	for id, n := range claimed {
		assert.Equal(t, 1, n, id)
	}
}

func TestCorruptQueueIsReported(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.layout.TaskQueuePath(), []byte("### TASK-001: x\n\n**Objective:** y\n\n### TASK-001: again\n\n**Objective:** z\n"), 0644))

	_, err := f.mgr.Snapshot(context.Background())
	var perr *queuefile.ParseError
	assert.True(t, errors.As(err, &perr))
}
