package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/msageha/orchestrator/internal/events"
	"github.com/msageha/orchestrator/internal/ledger"
	"github.com/msageha/orchestrator/internal/marker"
	"github.com/msageha/orchestrator/internal/model"
)

// AddTasks appends decomposed tasks to the queue. Missing ids are assigned
// from the configured prefix. The batch is rejected as a whole on duplicate
// ids, unknown dependencies or dependency cycles.
func (m *Manager) AddTasks(ctx context.Context, tasks []model.Task) ([]model.Task, error) {
	var added []model.Task
	err := m.withQueues(ctx, func(q *queues) error {
		known := make(map[string]bool, len(q.tasks)+len(tasks))
		for _, t := range q.tasks {
			known[t.ID] = true
		}

		batch := make([]model.Task, 0, len(tasks))
		for _, t := range tasks {
			if t.ID == "" {
				existing := q.taskIDs()
				for _, b := range batch {
					existing = append(existing, b.ID)
				}
				id, err := model.NextTaskID(m.cfg.Lifecycle.IDPrefix, existing)
				if err != nil {
					return err
				}
				t.ID = id
			}
			if known[t.ID] {
				return fmt.Errorf("task %s: %w", t.ID, model.ErrAlreadyExists)
			}
			known[t.ID] = true
			m.newTaskDefaults(&t, q)
			if err := t.Validate(); err != nil {
				return err
			}
			batch = append(batch, t)
		}

		for _, t := range batch {
			for _, dep := range t.DependsOn {
				if !known[dep] {
					return fmt.Errorf("task %s depends on unknown task %s: %w", t.ID, dep, model.ErrNotValid)
				}
			}
		}
		if _, err := sortTasks(append(append([]model.Task(nil), q.tasks...), batch...)); err != nil {
			return err
		}

		for _, t := range batch {
			q.tasks = append(q.tasks, t)
			q.created(ledger.KindTask, t.ID, "added")
			q.publish(events.EventTaskAdded, map[string]any{"task_id": t.ID, "title": t.Title})
		}
		q.tasksDirty = len(batch) > 0
		added = batch
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, t := range added {
		m.cfg.Logger.Infof("add task=%s priority=%d depends_on=%s", t.ID, t.Priority, strings.Join(t.DependsOn, ","))
	}
	return added, nil
}

func (m *Manager) newTaskDefaults(t *model.Task, q *queues) {
	t.Status = model.StatusPending
	t.Attempts = 0
	t.ClaimedBy = ""
	t.LeaseExpiresAt = time.Time{}
	if t.Category == "" {
		t.Category = model.CategoryBuild
	}
	if t.Complexity == "" {
		t.Complexity = model.ComplexityMedium
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = m.cfg.Lifecycle.MaxAttempts
	}
	t.UpdatedAt = q.now
}

// Claim takes the most urgent ready task: lowest priority number first, queue
// order breaking ties. It returns ErrNotFound when nothing is ready.
func (m *Manager) Claim(ctx context.Context, owner string) (model.Task, error) {
	var claimed model.Task
	err := m.withQueues(ctx, func(q *queues) error {
		candidates := q.readyTasks()
		if len(candidates) == 0 {
			return fmt.Errorf("no ready task: %w", model.ErrNotFound)
		}
		t, err := q.task(candidates[0])
		if err != nil {
			return err
		}
		if err := q.claim(t, owner); err != nil {
			return err
		}
		claimed = *t
		return nil
	})
	if err != nil {
		return model.Task{}, err
	}
	m.cfg.Logger.Infof("claim task=%s owner=%s attempt=%d/%d", claimed.ID, owner, claimed.Attempts, claimed.MaxAttempts)
	return claimed, nil
}

// ClaimTask claims one specific task. It fails with ErrBlocked while the
// task's dependencies are not satisfied and ErrConflict if it is not pending.
func (m *Manager) ClaimTask(ctx context.Context, id, owner string) (model.Task, error) {
	m.ids.Lock(id)
	defer m.ids.Unlock(id)

	var claimed model.Task
	err := m.withQueues(ctx, func(q *queues) error {
		t, err := q.task(id)
		if err != nil {
			return err
		}
		if t.Status != model.StatusPending {
			return fmt.Errorf("task %s is %s: %w", id, t.Status, model.ErrConflict)
		}
		if missing := q.unmetDependencies(t); len(missing) > 0 {
			return fmt.Errorf("task %s waits for %s: %w", id, strings.Join(missing, ", "), model.ErrBlocked)
		}
		if err := q.claim(t, owner); err != nil {
			return err
		}
		claimed = *t
		return nil
	})
	if err != nil {
		return model.Task{}, err
	}
	m.cfg.Logger.Infof("claim task=%s owner=%s attempt=%d/%d", claimed.ID, owner, claimed.Attempts, claimed.MaxAttempts)
	return claimed, nil
}

func (q *queues) claim(t *model.Task, owner string) error {
	if owner == "" {
		owner = systemActor
	}
	if !t.AttemptsLeft() {
		return fmt.Errorf("task %s has no attempts left: %w", t.ID, model.ErrConflict)
	}
	t.Attempts++
	if err := q.moveTask(t, model.StatusInProgress, owner, fmt.Sprintf("attempt %d", t.Attempts)); err != nil {
		t.Attempts--
		return err
	}
	t.ClaimedBy = owner
	t.LeaseExpiresAt = q.now.Add(q.m.taskTimeout())
	q.publish(events.EventTaskClaimed, map[string]any{"task_id": t.ID, "owner": owner, "attempt": t.Attempts})
	return nil
}

// RenewLease pushes the lease of a running attempt one task timeout past now.
// It fails with ErrConflict once the attempt was settled or superseded.
func (m *Manager) RenewLease(ctx context.Context, id string, attempt int) (model.Task, error) {
	var renewed model.Task
	err := m.withQueues(ctx, func(q *queues) error {
		t, err := q.task(id)
		if err != nil {
			return err
		}
		if t.Status != model.StatusInProgress || t.Attempts != attempt {
			return fmt.Errorf("task %s is %s at attempt %d: %w", id, t.Status, t.Attempts, model.ErrConflict)
		}
		lease := q.now.Add(m.taskTimeout())
		if lease.After(t.LeaseExpiresAt) {
			t.LeaseExpiresAt = lease
			q.tasksDirty = true
		}
		renewed = *t
		return nil
	})
	if err != nil {
		return model.Task{}, err
	}
	m.cfg.Logger.Debugf("lease renewed task=%s attempt=%d until=%s", id, attempt, renewed.LeaseExpiresAt.Format(time.RFC3339))
	return renewed, nil
}

// Complete marks an in-progress task completed and writes its done marker.
// A done marker the agent already wrote is accepted.
func (m *Manager) Complete(ctx context.Context, id string) (model.Task, error) {
	m.ids.Lock(id)
	defer m.ids.Unlock(id)

	var done model.Task
	err := m.withQueues(ctx, func(q *queues) error {
		t, err := q.task(id)
		if err != nil {
			return err
		}
		if err := q.complete(t, "completed"); err != nil {
			return err
		}
		done = *t
		return nil
	})
	if err != nil {
		return model.Task{}, err
	}
	m.cfg.Logger.Infof("complete task=%s attempt=%d", done.ID, done.Attempts)
	return done, nil
}

func (q *queues) complete(t *model.Task, reason string) error {
	if err := model.ValidateTransition(t.Status, model.StatusCompleted); err != nil {
		return fmt.Errorf("task %s: %w", t.ID, err)
	}
	if err := q.m.cfg.Markers.MarkDone(t.ID); err != nil && !errors.Is(err, model.ErrAlreadyExists) {
		return err
	}
	if err := q.moveTask(t, model.StatusCompleted, systemActor, reason); err != nil {
		return err
	}
	t.ClaimedBy = ""
	t.LeaseExpiresAt = time.Time{}
	q.publish(events.EventTaskCompleted, map[string]any{"task_id": t.ID, "attempt": t.Attempts, "issue_id": t.IssueID})
	return nil
}

// Fail records a failed attempt. The task returns to pending while attempts
// remain; otherwise it becomes failed, gets a failed marker and a failure
// diagnostic, and an issue is opened (or the issue it retried is updated).
func (m *Manager) Fail(ctx context.Context, id string, diag model.FailureDiagnostic) (model.Task, error) {
	m.ids.Lock(id)
	defer m.ids.Unlock(id)

	var failed model.Task
	err := m.withQueues(ctx, func(q *queues) error {
		t, err := q.task(id)
		if err != nil {
			return err
		}
		if t.Status != model.StatusInProgress {
			return fmt.Errorf("task %s is %s: %w", id, t.Status, model.ErrConflict)
		}
		if err := q.failAttempt(t, diag, false); err != nil {
			return err
		}
		failed = *t
		return nil
	})
	if err != nil {
		return model.Task{}, err
	}
	return failed, nil
}

// failAttempt ends the current attempt of t. final skips the remaining attempts.
func (q *queues) failAttempt(t *model.Task, diag model.FailureDiagnostic, final bool) error {
	reason := diag.Error
	if reason == "" {
		reason = "attempt failed"
	}
	logger := q.m.cfg.Logger

	if !final && t.AttemptsLeft() {
		if err := q.moveTask(t, model.StatusPending, systemActor, reason); err != nil {
			return err
		}
		t.ClaimedBy = ""
		t.LeaseExpiresAt = time.Time{}
		q.publish(events.EventTaskReleased, map[string]any{"task_id": t.ID, "attempt": t.Attempts, "reason": reason})
		logger.Warningf("attempt failed task=%s attempt=%d/%d reason=%q", t.ID, t.Attempts, t.MaxAttempts, reason)
		return nil
	}

	if err := q.m.cfg.Markers.MarkFailed(t.ID); err != nil && !errors.Is(err, model.ErrAlreadyExists) {
		return err
	}
	diag.TaskID = t.ID
	diag.Attempts = t.Attempts
	if diag.Error == "" {
		diag.Error = reason
	}
	if diag.CreatedAt.IsZero() {
		diag.CreatedAt = q.now
	}
	if err := q.m.cfg.Reports.WriteFailure(diag); err != nil {
		return err
	}
	if err := q.moveTask(t, model.StatusFailed, systemActor, reason); err != nil {
		return err
	}
	t.ClaimedBy = ""
	t.LeaseExpiresAt = time.Time{}
	q.publish(events.EventTaskFailed, map[string]any{"task_id": t.ID, "attempts": t.Attempts, "reason": reason})
	logger.Errorf("task failed task=%s attempts=%d reason=%q", t.ID, t.Attempts, reason)

	if t.IssueID != "" {
		return q.retryFailed(t, reason)
	}
	return q.openIssue(t, diag)
}

// ReconcileResult lists what Reconcile changed.
type ReconcileResult struct {
	Completed []string `json:"completed,omitempty"`
	Failed    []string `json:"failed,omitempty"`
	Expired   []string `json:"expired,omitempty"`
}

func (r ReconcileResult) Changed() bool {
	return len(r.Completed)+len(r.Failed)+len(r.Expired) > 0
}

// Reconcile applies markers agents wrote directly and expires leases that
// outlived the task timeout. An expired lease counts as a failed attempt.
func (m *Manager) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	err := m.withQueues(ctx, func(q *queues) error {
		for i := range q.tasks {
			t := &q.tasks[i]
			if model.IsTerminal(t.Status) {
				continue
			}

			outcome, err := m.cfg.Markers.State(t.ID)
			if err != nil {
				m.cfg.Logger.Errorf("marker state task=%s error=%v", t.ID, err)
				continue
			}
			switch outcome {
			case marker.Done:
				if t.Status == model.StatusPending {
					// Finished after its lease had already been released.
					if err := q.moveTask(t, model.StatusInProgress, systemActor, "done marker found"); err != nil {
						return err
					}
				}
				if err := q.complete(t, "done marker"); err != nil {
					return err
				}
				res.Completed = append(res.Completed, t.ID)
				continue
			case marker.Failed:
				if t.Status == model.StatusPending {
					if err := q.moveTask(t, model.StatusInProgress, systemActor, "failed marker found"); err != nil {
						return err
					}
				}
				diag, derr := m.cfg.Reports.ReadFailure(t.ID)
				if derr != nil {
					diag = model.FailureDiagnostic{Error: "failed marker written by agent"}
				}
				// The agent gave up for good: no further attempts.
				if err := q.failAttempt(t, diag, true); err != nil {
					return err
				}
				res.Failed = append(res.Failed, t.ID)
				continue
			}

			if t.Status == model.StatusInProgress && !t.LeaseExpiresAt.IsZero() && q.now.After(t.LeaseExpiresAt) {
				if err := q.failAttempt(t, model.FailureDiagnostic{Error: "lease expired"}, false); err != nil {
					return err
				}
				res.Expired = append(res.Expired, t.ID)
			}
		}
		return nil
	})
	if err != nil {
		return ReconcileResult{}, err
	}
	if res.Changed() {
		m.cfg.Logger.Infof("reconcile completed=%d failed=%d expired=%d", len(res.Completed), len(res.Failed), len(res.Expired))
	}
	return res, nil
}

// readyTasks returns the ids of claimable tasks in dispatch order.
func (q *queues) readyTasks() []string {
	type cand struct {
		id       string
		priority int
		index    int
	}
	var cands []cand
	for i, t := range q.tasks {
		if t.Status != model.StatusPending || !t.AttemptsLeft() {
			continue
		}
		if len(q.unmetDependencies(&q.tasks[i])) > 0 {
			continue
		}
		cands = append(cands, cand{id: t.ID, priority: t.Priority, index: i})
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].priority != cands[j].priority {
			return cands[i].priority < cands[j].priority
		}
		return cands[i].index < cands[j].index
	})
	out := make([]string, 0, len(cands))
	for _, c := range cands {
		out = append(out, c.id)
	}
	return out
}

func (q *queues) unmetDependencies(t *model.Task) []string {
	return unmetDependencies(*t, q.tasks)
}

// unmetDependencies lists the dependencies of t not yet satisfied. A
// dependency is satisfied when it, or one of its retry tasks, completed.
func unmetDependencies(t model.Task, tasks []model.Task) []string {
	var missing []string
	for _, dep := range t.DependsOn {
		if !satisfied(dep, tasks) {
			missing = append(missing, dep)
		}
	}
	return missing
}

func satisfied(dep string, tasks []model.Task) bool {
	for _, o := range tasks {
		if o.Status != model.StatusCompleted {
			continue
		}
		if o.ID == dep || (model.RetryNumber(o.ID) > 0 && model.BaseTaskID(o.ID) == dep) {
			return true
		}
	}
	return false
}

// ReadyTasks returns the pending tasks whose dependencies are satisfied, in
// dispatch order.
func ReadyTasks(tasks []model.Task) []model.Task {
	q := &queues{tasks: tasks}
	byID := make(map[string]model.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	var out []model.Task
	for _, id := range q.readyTasks() {
		out = append(out, byID[id])
	}
	return out
}

// BlockedTasks returns non-terminal tasks that wait on a failed dependency
// with no completed retry.
func BlockedTasks(tasks []model.Task) []model.Task {
	failed := make(map[string]bool)
	for _, t := range tasks {
		if t.Status == model.StatusFailed {
			failed[t.ID] = true
		}
	}
	var out []model.Task
	for _, t := range tasks {
		if model.IsTerminal(t.Status) {
			continue
		}
		for _, dep := range t.DependsOn {
			if failed[dep] && !satisfied(dep, tasks) {
				out = append(out, t)
				break
			}
		}
	}
	return out
}
