// Package report stores the JSON records agents and the verification gate leave
// behind: per-loop reports, failure diagnostics and verification evidence.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/msageha/orchestrator/internal/atomicfile"
	"github.com/msageha/orchestrator/internal/conventions"
	"github.com/msageha/orchestrator/internal/model"
)

type Store struct {
	layout conventions.Layout
}

func NewStore(layout conventions.Layout) *Store {
	return &Store{layout: layout}
}

// WriteLoop stores r as reports/{id}-loop-{n}.json. When r.Loop is zero the
// next free loop number is used. It returns the loop number written.
func (s *Store) WriteLoop(r model.LoopReport) (int, error) {
	if !model.ValidateTaskID(r.TaskID) {
		return 0, fmt.Errorf("loop report task %q: %w", r.TaskID, model.ErrNotValid)
	}
	if r.Loop < 0 {
		return 0, fmt.Errorf("loop report %s loop %d: %w", r.TaskID, r.Loop, model.ErrNotValid)
	}
	if r.Loop == 0 {
		loops, err := s.ListLoops(r.TaskID)
		if err != nil {
			return 0, err
		}
		r.Loop = 1
		if len(loops) > 0 {
			r.Loop = loops[len(loops)-1] + 1
		}
	}
	if r.DurationSeconds == 0 && !r.StartedAt.IsZero() && r.FinishedAt.After(r.StartedAt) {
		r.DurationSeconds = r.FinishedAt.Sub(r.StartedAt).Seconds()
	}
	if err := s.ensure(s.layout.ReportsDir()); err != nil {
		return 0, err
	}
	if err := atomicfile.WriteJSON(s.layout.LoopReportPath(r.TaskID, r.Loop), r); err != nil {
		return 0, fmt.Errorf("write loop report %s/%d: %w", r.TaskID, r.Loop, err)
	}
	return r.Loop, nil
}

func (s *Store) ReadLoop(taskID string, loop int) (model.LoopReport, error) {
	var r model.LoopReport
	err := readJSON(s.layout.LoopReportPath(taskID, loop), &r)
	return r, err
}

// ListLoops returns the loop numbers reported for taskID in ascending order.
func (s *Store) ListLoops(taskID string) ([]int, error) {
	des, err := os.ReadDir(s.layout.ReportsDir())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read reports dir: %w", err)
	}

	prefix := taskID + "-loop-"
	var loops []int
	for _, de := range des {
		name := de.Name()
		if de.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json"))
		if err != nil || n < 1 {
			continue
		}
		loops = append(loops, n)
	}
	sort.Ints(loops)
	return loops, nil
}

// Latest returns the highest numbered loop report, ErrNotFound when there is none.
func (s *Store) Latest(taskID string) (model.LoopReport, error) {
	loops, err := s.ListLoops(taskID)
	if err != nil {
		return model.LoopReport{}, err
	}
	if len(loops) == 0 {
		return model.LoopReport{}, fmt.Errorf("loop report for %s: %w", taskID, model.ErrNotFound)
	}
	return s.ReadLoop(taskID, loops[len(loops)-1])
}

func (s *Store) WriteFailure(d model.FailureDiagnostic) error {
	if !model.ValidateTaskID(d.TaskID) {
		return fmt.Errorf("failure diagnostic task %q: %w", d.TaskID, model.ErrNotValid)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.AttemptedApproaches == nil {
		d.AttemptedApproaches = []string{}
	}
	if err := s.ensure(s.layout.ReportsDir()); err != nil {
		return err
	}
	if err := atomicfile.WriteJSON(s.layout.FailureReportPath(d.TaskID), d); err != nil {
		return fmt.Errorf("write failure diagnostic %s: %w", d.TaskID, err)
	}
	return nil
}

func (s *Store) ReadFailure(taskID string) (model.FailureDiagnostic, error) {
	var d model.FailureDiagnostic
	err := readJSON(s.layout.FailureReportPath(taskID), &d)
	return d, err
}

// WriteEvidence stores e under evidence/, assigning an id when it has none.
func (s *Store) WriteEvidence(e model.Evidence) (model.Evidence, error) {
	if !model.ValidateTaskID(e.TaskID) {
		return e, fmt.Errorf("evidence task %q: %w", e.TaskID, model.ErrNotValid)
	}
	if e.ID == "" {
		e.ID = model.NewRecordID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if err := s.ensure(s.layout.EvidenceDir()); err != nil {
		return e, err
	}
	if err := atomicfile.WriteJSON(s.layout.EvidencePath(e.TaskID, e.ID), e); err != nil {
		return e, fmt.Errorf("write evidence %s: %w", e.ID, err)
	}
	return e, nil
}

// ListEvidence returns the evidence recorded for taskID, oldest first.
func (s *Store) ListEvidence(taskID string) ([]model.Evidence, error) {
	matches, err := filepath.Glob(filepath.Join(s.layout.EvidenceDir(), taskID+"-*.json"))
	if err != nil {
		return nil, fmt.Errorf("glob evidence: %w", err)
	}
	var out []model.Evidence
	for _, path := range matches {
		var e model.Evidence
		if err := readJSON(path, &e); err != nil {
			return nil, err
		}
		// TASK-001-* also matches retry tasks such as TASK-001-2.
		if e.TaskID != taskID {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ensure(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s: %w", filepath.Base(path), model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %v: %w", path, err, model.ErrNotValid)
	}
	return nil
}
