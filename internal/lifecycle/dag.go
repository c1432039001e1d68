package lifecycle

import (
	"fmt"
	"strings"

	"github.com/msageha/orchestrator/internal/model"
)

// sortTasks orders tasks so that every task follows its dependencies, using
// Kahn's algorithm over the queue order. Dependencies outside the batch are
// ignored; AddTasks reports them. On a cycle the error names the cycle path.
func sortTasks(tasks []model.Task) ([]string, error) {
	if len(tasks) == 0 {
		return nil, nil
	}

	known := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		known[t.ID] = true
	}

	// waiting counts the unsorted dependencies of each task; unlocks maps a
	// task to the dependents it releases, in queue order.
	waiting := make(map[string]int, len(tasks))
	unlocks := make(map[string][]string)
	deps := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if !known[dep] {
				continue
			}
			waiting[t.ID]++
			unlocks[dep] = append(unlocks[dep], t.ID)
			deps[t.ID] = append(deps[t.ID], dep)
		}
	}

	var ready []string
	for _, t := range tasks {
		if waiting[t.ID] == 0 {
			ready = append(ready, t.ID)
		}
	}
	sorted := make([]string, 0, len(tasks))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		sorted = append(sorted, id)
		for _, next := range unlocks[id] {
			if waiting[next]--; waiting[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if len(sorted) == len(tasks) {
		return sorted, nil
	}

	var start string
	for _, t := range tasks {
		if waiting[t.ID] > 0 {
			start = t.ID
			break
		}
	}
	cycle := cycleFrom(start, deps, waiting)
	return nil, fmt.Errorf("circular dependency detected: %s: %w", strings.Join(cycle, " -> "), model.ErrNotValid)
}

// cycleFrom follows unsorted dependencies from start. Every task Kahn's pass
// left behind still waits on another such task, so the walk must revisit a
// task; the path from that first visit on is the cycle.
func cycleFrom(start string, deps map[string][]string, waiting map[string]int) []string {
	seen := make(map[string]int)
	var path []string
	for id := start; ; {
		if i, ok := seen[id]; ok {
			return append(path[i:], id)
		}
		seen[id] = len(path)
		path = append(path, id)

		next := ""
		for _, dep := range deps[id] {
			if waiting[dep] > 0 {
				next = dep
				break
			}
		}
		if next == "" {
			return path
		}
		id = next
	}
}
