// Package ledger keeps a durable history of every task and issue transition.
//
// The Markdown queues hold the current state; the ledger answers how an entry
// got there, which the queues cannot once a line has been rewritten.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/msageha/orchestrator/internal/ledger/migrations"
	"github.com/msageha/orchestrator/internal/log"
	"github.com/msageha/orchestrator/internal/model"
)

type Kind string

const (
	KindTask  Kind = "task"
	KindIssue Kind = "issue"
)

// Event is one recorded status transition.
type Event struct {
	ID        string
	Kind      Kind
	EntityID  string
	From      model.Status
	To        model.Status
	Reason    string
	Attempt   int
	Actor     string
	CreatedAt time.Time
}

// Recorder stores transitions. Implementations must be safe for concurrent use.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
	History(ctx context.Context, entityID string) ([]Event, error)
	Counts(ctx context.Context) (map[model.Status]int, error)
	Close() error
}

type Config struct {
	Path   string
	Logger log.Logger
}

func (c *Config) defaults() error {
	if c.Path == "" {
		return fmt.Errorf("ledger path is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "ledger.SQLite"})
	return nil
}

// SQLite is the Recorder backed by state/ledger.db.
type SQLite struct {
	db     *sql.DB
	logger log.Logger
}

func Open(ctx context.Context, cfg Config) (*SQLite, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("could not create ledger directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open ledger: %w", err)
	}

	version, err := migrations.Apply(db, cfg.Logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not migrate ledger: %w", err)
	}

	cfg.Logger.Debugf("ledger opened path=%s schema=%d", cfg.Path, version)
	return &SQLite{db: db, logger: cfg.Logger}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Record(ctx context.Context, ev Event) error {
	if ev.EntityID == "" || ev.To == "" {
		return fmt.Errorf("ledger event needs an entity and a target status: %w", model.ErrNotValid)
	}
	if ev.Kind != KindTask && ev.Kind != KindIssue {
		return fmt.Errorf("ledger event kind %q: %w", ev.Kind, model.ErrNotValid)
	}
	if ev.ID == "" {
		ev.ID = model.NewRecordID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transitions (id, kind, entity_id, from_status, to_status, reason, attempt, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.Kind, ev.EntityID, ev.From, ev.To, ev.Reason, ev.Attempt, ev.Actor, ev.CreatedAt.UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("ledger event %s: %w", ev.ID, model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert ledger event: %w", err)
	}

	s.logger.Debugf("recorded kind=%s id=%s from=%s to=%s", ev.Kind, ev.EntityID, ev.From, ev.To)
	return nil
}

// History returns the transitions of one task or issue, oldest first.
func (s *SQLite) History(ctx context.Context, entityID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, entity_id, from_status, to_status, reason, attempt, actor, created_at
		FROM transitions
		WHERE entity_id = ?
		ORDER BY created_at, id
	`, entityID)
	if err != nil {
		return nil, fmt.Errorf("could not query history: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev        Event
			createdAt int64
		)
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.EntityID, &ev.From, &ev.To, &ev.Reason, &ev.Attempt, &ev.Actor, &createdAt); err != nil {
			return nil, fmt.Errorf("could not scan ledger row: %w", err)
		}
		ev.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("could not iterate history: %w", err)
	}
	return out, nil
}

// Counts returns how many transitions ended in each status.
func (s *SQLite) Counts(ctx context.Context) (map[model.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT to_status, COUNT(*) FROM transitions GROUP BY to_status`)
	if err != nil {
		return nil, fmt.Errorf("could not query counts: %w", err)
	}
	defer rows.Close()

	out := make(map[model.Status]int)
	for rows.Next() {
		var (
			st model.Status
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("could not scan count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

type noop int

// Noop discards events. It is used when the ledger is disabled.
const Noop = noop(0)

var _ Recorder = Noop

func (noop) Record(context.Context, Event) error { return nil }
func (noop) History(context.Context, string) ([]Event, error) { return nil, nil }
func (noop) Counts(context.Context) (map[model.Status]int, error) { return map[model.Status]int{}, nil }
func (noop) Close() error { return nil }
