// Package lifecycle drives tasks and issues through their state machine.
//
// task_queue.md and issue_queue.md are the source of truth. Every mutation
// happens under the cross-process queue lock: read both queues, apply the
// change, write the dirty files back atomically. Side effects that other
// processes wait on (markers, diagnostics) are written inside the lock,
// ledger records and bus events after it is released.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/msageha/orchestrator/internal/conventions"
	"github.com/msageha/orchestrator/internal/events"
	"github.com/msageha/orchestrator/internal/ledger"
	"github.com/msageha/orchestrator/internal/lock"
	"github.com/msageha/orchestrator/internal/log"
	"github.com/msageha/orchestrator/internal/marker"
	"github.com/msageha/orchestrator/internal/model"
	"github.com/msageha/orchestrator/internal/queuefile"
	"github.com/msageha/orchestrator/internal/report"
)

// ErrVerificationFailed is returned by ResolveIssue when the gate rejects the fix.
var ErrVerificationFailed = errors.New("verification failed")

const systemActor = "orchestrator"

type Config struct {
	Layout    conventions.Layout
	Lifecycle model.LifecycleConfig
	Markers   *marker.Store
	Reports   *report.Store
	Ledger    ledger.Recorder
	Events    events.Publisher
	Logger    log.Logger
	// LockTimeout bounds the wait for the queue lock.
	LockTimeout time.Duration
	Now         func() time.Time
}

func (c *Config) defaults() error {
	if c.Layout.Root == "" {
		return fmt.Errorf("layout is required")
	}
	if c.Lifecycle.MaxAttempts <= 0 {
		c.Lifecycle.MaxAttempts = model.DefaultMaxAttempts
	}
	if c.Lifecycle.MaxIssueRetries <= 0 {
		c.Lifecycle.MaxIssueRetries = model.DefaultMaxIssueRetries
	}
	if c.Lifecycle.TaskTimeoutSec <= 0 {
		c.Lifecycle.TaskTimeoutSec = 1800
	}
	if c.Lifecycle.IDPrefix == "" {
		c.Lifecycle.IDPrefix = model.DefaultTaskPrefix
	}
	if c.Markers == nil {
		c.Markers = marker.NewStore(c.Layout)
	}
	if c.Reports == nil {
		c.Reports = report.NewStore(c.Layout)
	}
	if c.Ledger == nil {
		c.Ledger = ledger.Noop
	}
	if c.Events == nil {
		c.Events = events.Noop
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "lifecycle.Manager"})
	if c.LockTimeout <= 0 {
		c.LockTimeout = 30 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}

type Manager struct {
	cfg Config

	// mu serializes this process; fileLock serializes processes sharing the queues.
	mu       sync.Mutex
	fileLock *lock.FileLock
	ids      *lock.MutexMap
}

func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.Layout.EnsureDirs(); err != nil {
		return nil, err
	}
	return &Manager{
		cfg:      cfg,
		fileLock: lock.NewSharedFileLock(cfg.Layout.Path(conventions.QueueLockFile)),
		ids:      lock.NewMutexMap(),
	}, nil
}

// now is truncated to seconds: the queue files store RFC 3339 without fractions.
func (m *Manager) now() time.Time {
	return m.cfg.Now().UTC().Truncate(time.Second)
}

func (m *Manager) taskTimeout() time.Duration {
	return time.Duration(m.cfg.Lifecycle.TaskTimeoutSec) * time.Second
}

type published struct {
	typ  events.EventType
	data map[string]any
}

// queues is one locked read-modify-write session over both queue files.
type queues struct {
	m      *Manager
	now    time.Time
	tasks  []model.Task
	issues []model.Issue

	tasksDirty  bool
	issuesDirty bool
	records     []ledger.Event
	published   []published
}

func (m *Manager) withQueues(ctx context.Context, fn func(q *queues) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lctx, cancel := context.WithTimeout(ctx, m.cfg.LockTimeout)
	defer cancel()
	if err := m.fileLock.Lock(lctx); err != nil {
		return fmt.Errorf("queue lock: %w", err)
	}

	q, err := m.session(fn)
	if uerr := m.fileLock.Unlock(); uerr != nil {
		m.cfg.Logger.Warningf("queue unlock error=%v", uerr)
	}
	if err != nil {
		return err
	}

	for _, ev := range q.records {
		if err := m.cfg.Ledger.Record(ctx, ev); err != nil {
			m.cfg.Logger.Warningf("ledger record kind=%s id=%s error=%v", ev.Kind, ev.EntityID, err)
		}
	}
	for _, p := range q.published {
		m.cfg.Events.Publish(p.typ, p.data)
	}
	return nil
}

func (m *Manager) session(fn func(q *queues) error) (*queues, error) {
	tasks, err := queuefile.ReadTasks(m.cfg.Layout.TaskQueuePath())
	if err != nil {
		return nil, err
	}
	issues, err := queuefile.ReadIssues(m.cfg.Layout.IssueQueuePath())
	if err != nil {
		return nil, err
	}

	q := &queues{m: m, now: m.now(), tasks: tasks, issues: issues}
	if err := fn(q); err != nil {
		return nil, err
	}

	if q.tasksDirty {
		if err := queuefile.WriteTasks(m.cfg.Layout.TaskQueuePath(), q.tasks); err != nil {
			return nil, fmt.Errorf("write task queue: %w", err)
		}
	}
	if q.issuesDirty {
		if err := queuefile.WriteIssues(m.cfg.Layout.IssueQueuePath(), q.issues); err != nil {
			return nil, fmt.Errorf("write issue queue: %w", err)
		}
	}
	return q, nil
}

func (q *queues) task(id string) (*model.Task, error) {
	for i := range q.tasks {
		if q.tasks[i].ID == id {
			return &q.tasks[i], nil
		}
	}
	return nil, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
}

func (q *queues) issue(id string) (*model.Issue, error) {
	for i := range q.issues {
		if q.issues[i].ID == id {
			return &q.issues[i], nil
		}
	}
	return nil, fmt.Errorf("issue %s: %w", id, model.ErrNotFound)
}

func (q *queues) taskIDs() []string {
	ids := make([]string, 0, len(q.tasks))
	for _, t := range q.tasks {
		ids = append(ids, t.ID)
	}
	return ids
}

func (q *queues) issueIDs() []string {
	ids := make([]string, 0, len(q.issues))
	for _, is := range q.issues {
		ids = append(ids, is.ID)
	}
	return ids
}

// moveTask validates and applies a status transition and queues its record.
func (q *queues) moveTask(t *model.Task, to model.Status, actor, reason string) error {
	if err := model.ValidateTransition(t.Status, to); err != nil {
		return fmt.Errorf("task %s: %w", t.ID, err)
	}
	q.records = append(q.records, ledger.Event{
		Kind:      ledger.KindTask,
		EntityID:  t.ID,
		From:      t.Status,
		To:        to,
		Reason:    reason,
		Attempt:   t.Attempts,
		Actor:     actor,
		CreatedAt: q.now,
	})
	t.Status = to
	t.UpdatedAt = q.now
	q.tasksDirty = true
	return nil
}

func (q *queues) moveIssue(is *model.Issue, to model.Status, reason string) error {
	if err := model.ValidateTransition(is.Status, to); err != nil {
		return fmt.Errorf("issue %s: %w", is.ID, err)
	}
	q.records = append(q.records, ledger.Event{
		Kind:      ledger.KindIssue,
		EntityID:  is.ID,
		From:      is.Status,
		To:        to,
		Reason:    reason,
		Attempt:   is.RetryCount,
		Actor:     systemActor,
		CreatedAt: q.now,
	})
	is.Status = to
	is.UpdatedAt = q.now
	q.issuesDirty = true
	return nil
}

// created records an entry entering a queue.
func (q *queues) created(kind ledger.Kind, id, reason string) {
	q.records = append(q.records, ledger.Event{
		Kind:      kind,
		EntityID:  id,
		To:        model.StatusPending,
		Reason:    reason,
		Actor:     systemActor,
		CreatedAt: q.now,
	})
}

func (q *queues) publish(typ events.EventType, data map[string]any) {
	q.published = append(q.published, published{typ: typ, data: data})
}

// Snapshot is a consistent view of both queues.
type Snapshot struct {
	Tasks  []model.Task
	Issues []model.Issue
}

func (m *Manager) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := m.withQueues(ctx, func(q *queues) error {
		snap = Snapshot{Tasks: q.tasks, Issues: q.issues}
		return nil
	})
	return snap, err
}

func (m *Manager) Task(ctx context.Context, id string) (model.Task, error) {
	var out model.Task
	err := m.withQueues(ctx, func(q *queues) error {
		t, err := q.task(id)
		if err != nil {
			return err
		}
		out = *t
		return nil
	})
	return out, err
}
