package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/msageha/orchestrator/internal/events"
	"github.com/msageha/orchestrator/internal/ledger"
	"github.com/msageha/orchestrator/internal/model"
)

// openIssue records an exhausted task in the issue queue.
func (q *queues) openIssue(t *model.Task, diag model.FailureDiagnostic) error {
	blocking := false
	for _, o := range q.tasks {
		if model.IsTerminal(o.Status) {
			continue
		}
		for _, dep := range o.DependsOn {
			if dep == t.ID || dep == model.BaseTaskID(t.ID) {
				blocking = true
			}
		}
	}

	objective := fmt.Sprintf("%s failed after %d attempts. Original objective: %s", t.ID, t.Attempts, t.Objective)
	if diag.SuspectedRootCause != "" {
		objective += "\n\nSuspected root cause: " + diag.SuspectedRootCause
	}
	is := model.Issue{
		ID:                 model.NextIssueID(q.issueIDs()),
		Title:              t.Title,
		Status:             model.StatusPending,
		Category:           model.CategoryFix,
		Complexity:         t.Complexity,
		Objective:          objective,
		AcceptanceCriteria: t.AcceptanceCriteria,
		SourceTaskID:       t.ID,
		MaxRetries:         q.m.cfg.Lifecycle.MaxIssueRetries,
		Blocking:           blocking,
		LastError:          diag.Error,
		UpdatedAt:          q.now,
	}
	q.issues = append(q.issues, is)
	q.issuesDirty = true
	q.created(ledger.KindIssue, is.ID, "opened for "+t.ID)
	q.publish(events.EventIssueOpened, map[string]any{"issue_id": is.ID, "task_id": t.ID, "blocking": blocking})
	q.m.cfg.Logger.Warningf("issue opened issue=%s task=%s blocking=%t", is.ID, t.ID, blocking)
	return nil
}

// retryFailed handles a retry task that exhausted its attempts: the issue goes
// back to pending for another retry, or fails once its retries are spent.
func (q *queues) retryFailed(t *model.Task, reason string) error {
	is, err := q.issue(t.IssueID)
	if err != nil {
		q.m.cfg.Logger.Warningf("retry task without issue task=%s issue=%s", t.ID, t.IssueID)
		return nil
	}
	if is.Status != model.StatusInProgress || is.RetryTaskID != t.ID {
		return nil
	}
	is.LastError = reason
	if is.RetriesLeft() {
		return q.moveIssue(is, model.StatusPending, fmt.Sprintf("retry %s failed", t.ID))
	}
	return q.exhaustIssue(is)
}

func (q *queues) exhaustIssue(is *model.Issue) error {
	if err := q.moveIssue(is, model.StatusFailed, fmt.Sprintf("retries exhausted (%d/%d)", is.RetryCount, is.MaxRetries)); err != nil {
		return err
	}
	q.publish(events.EventIssueFailed, map[string]any{"issue_id": is.ID, "retries": is.RetryCount})
	q.m.cfg.Logger.Errorf("issue failed issue=%s retries=%d/%d", is.ID, is.RetryCount, is.MaxRetries)
	return nil
}

// IngestResult lists what IngestIssues changed.
type IngestResult struct {
	// Spawned maps issue ids to the retry task created for them.
	Spawned   map[string]string `json:"spawned,omitempty"`
	Exhausted []string          `json:"exhausted,omitempty"`
}

// IngestIssues is the decomposition pass over the issue queue. Every pending
// issue with retries left spawns a retry task {source}-{n}; the rest fail.
func (m *Manager) IngestIssues(ctx context.Context) (IngestResult, error) {
	res := IngestResult{Spawned: map[string]string{}}
	err := m.withQueues(ctx, func(q *queues) error {
		for i := range q.issues {
			is := &q.issues[i]
			if is.Status != model.StatusPending {
				continue
			}
			if !is.RetriesLeft() {
				if err := q.exhaustIssue(is); err != nil {
					return err
				}
				res.Exhausted = append(res.Exhausted, is.ID)
				continue
			}
			taskID, err := q.spawnRetry(is)
			if err != nil {
				return err
			}
			res.Spawned[is.ID] = taskID
		}
		return nil
	})
	if err != nil {
		return IngestResult{}, err
	}
	for issueID, taskID := range res.Spawned {
		m.cfg.Logger.Infof("retry spawned issue=%s task=%s", issueID, taskID)
	}
	return res, nil
}

func (q *queues) spawnRetry(is *model.Issue) (string, error) {
	n := is.RetryCount + 1
	t := model.Task{
		Title:              is.Title,
		Category:           is.Category,
		Complexity:         is.Complexity,
		Objective:          is.Objective,
		AcceptanceCriteria: is.AcceptanceCriteria,
		IssueID:            is.ID,
	}
	if is.LastError != "" {
		t.Objective += "\n\nPrevious error: " + firstLine(is.LastError)
	}

	if src, err := q.task(is.SourceTaskID); err == nil {
		t.Priority = src.Priority
		t.DependsOn = append([]string(nil), src.DependsOn...)
		t.Steps = append([]string(nil), src.Steps...)
		if t.AcceptanceCriteria == "" {
			t.AcceptanceCriteria = src.AcceptanceCriteria
		}
		t.ID = model.RetryTaskID(src.ID, n)
		for q.hasTask(t.ID) {
			n++
			t.ID = model.RetryTaskID(src.ID, n)
		}
	} else {
		// Issues filed by hand have no source task to derive an id from.
		id, err := model.NextTaskID(q.m.cfg.Lifecycle.IDPrefix, q.taskIDs())
		if err != nil {
			return "", err
		}
		t.ID = id
	}

	q.m.newTaskDefaults(&t, q)
	if err := t.Validate(); err != nil {
		return "", fmt.Errorf("retry for %s: %w", is.ID, err)
	}
	q.tasks = append(q.tasks, t)
	q.tasksDirty = true
	q.created(ledger.KindTask, t.ID, "retry for "+is.ID)

	is.RetryCount = is.RetryCount + 1
	is.RetryTaskID = t.ID
	if err := q.moveIssue(is, model.StatusInProgress, "retry "+t.ID); err != nil {
		return "", err
	}
	q.publish(events.EventIssueRetried, map[string]any{"issue_id": is.ID, "task_id": t.ID, "retry": is.RetryCount})
	return t.ID, nil
}

func (q *queues) hasTask(id string) bool {
	_, err := q.task(id)
	return err == nil
}

// Verifier re-executes the checks that decide whether a fix really works.
type Verifier interface {
	Verify(ctx context.Context, taskID, issueID string) (model.Evidence, error)
}

// ResolveIssue closes an issue once its retry task completed and the
// verifier passes. A rejected fix sends the issue back to pending for the next
// ingest, or fails it once its retries are spent, and returns the evidence
// together with ErrVerificationFailed. When the verifier cannot run at all the
// issue stays in progress so it can be verified again.
func (m *Manager) ResolveIssue(ctx context.Context, issueID string, verifier Verifier) (model.Evidence, error) {
	m.ids.Lock(issueID)
	defer m.ids.Unlock(issueID)

	var retryTask string
	err := m.withQueues(ctx, func(q *queues) error {
		is, err := q.issue(issueID)
		if err != nil {
			return err
		}
		if is.Status != model.StatusInProgress || is.RetryTaskID == "" {
			return fmt.Errorf("issue %s is %s without a retry task: %w", issueID, is.Status, model.ErrConflict)
		}
		t, err := q.task(is.RetryTaskID)
		if err != nil {
			return err
		}
		if t.Status != model.StatusCompleted {
			return fmt.Errorf("retry task %s is %s: %w", t.ID, t.Status, model.ErrConflict)
		}
		retryTask = t.ID
		return nil
	})
	if err != nil {
		return model.Evidence{}, err
	}

	// Verification runs builds and tests; it must not hold the queue lock.
	ev, verr := verifier.Verify(ctx, retryTask, issueID)
	if verr == nil && !ev.Passed {
		verr = fmt.Errorf("%s: %s: %w", issueID, strings.Join(ev.Mismatches, "; "), ErrVerificationFailed)
	}

	err = m.withQueues(ctx, func(q *queues) error {
		is, err := q.issue(issueID)
		if err != nil {
			return err
		}
		if is.Status != model.StatusInProgress || is.RetryTaskID != retryTask {
			return fmt.Errorf("issue %s moved to %s during verification: %w", issueID, is.Status, model.ErrConflict)
		}
		if verr != nil {
			is.LastError = verr.Error()
			q.publish(events.EventVerification, map[string]any{"issue_id": issueID, "task_id": retryTask, "passed": false, "evidence_id": ev.ID})
			if !errors.Is(verr, ErrVerificationFailed) {
				is.UpdatedAt = q.now
				q.issuesDirty = true
				return nil
			}
			if is.RetriesLeft() {
				return q.moveIssue(is, model.StatusPending, fmt.Sprintf("verification of %s failed", retryTask))
			}
			return q.exhaustIssue(is)
		}
		if err := q.moveIssue(is, model.StatusCompleted, "verified by "+ev.ID); err != nil {
			return err
		}
		is.LastError = ""
		q.publish(events.EventVerification, map[string]any{"issue_id": issueID, "task_id": retryTask, "passed": true, "evidence_id": ev.ID})
		q.publish(events.EventIssueResolved, map[string]any{"issue_id": issueID, "task_id": retryTask})
		return nil
	})
	if err != nil {
		return ev, errors.Join(verr, err)
	}
	if verr != nil {
		m.cfg.Logger.Warningf("issue not resolved issue=%s task=%s error=%v", issueID, retryTask, verr)
		return ev, verr
	}
	m.cfg.Logger.Infof("issue resolved issue=%s task=%s evidence=%s", issueID, retryTask, ev.ID)
	return ev, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
