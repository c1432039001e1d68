package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/orchestrator/internal/model"
)

func TestSortTasks(t *testing.T) {
	tests := map[string]struct {
		tasks    []model.Task
		expOrder []string
		expErr   string
	}{
		"Linear chains sort dependencies first.": {
			tasks: []model.Task{
				{ID: "TASK-003", DependsOn: []string{"TASK-002"}},
				{ID: "TASK-002", DependsOn: []string{"TASK-001"}},
				{ID: "TASK-001"},
			},
			expOrder: []string{"TASK-001", "TASK-002", "TASK-003"},
		},
		"Diamonds keep queue order between siblings.": {
			tasks: []model.Task{
				{ID: "TASK-001"},
				{ID: "TASK-002", DependsOn: []string{"TASK-001"}},
				{ID: "TASK-003", DependsOn: []string{"TASK-001"}},
				{ID: "TASK-004", DependsOn: []string{"TASK-002", "TASK-003"}},
			},
			expOrder: []string{"TASK-001", "TASK-002", "TASK-003", "TASK-004"},
		},
		"Unknown dependencies are ignored here.": {
			tasks:    []model.Task{{ID: "TASK-001", DependsOn: []string{"TASK-404"}}},
			expOrder: []string{"TASK-001"},
		},
		"Self cycles are reported.": {
			tasks:  []model.Task{{ID: "TASK-001", DependsOn: []string{"TASK-001"}}},
			expErr: "TASK-001 -> TASK-001",
		},
		"Longer cycles report their path.": {
			tasks: []model.Task{
				{ID: "TASK-001", DependsOn: []string{"TASK-003"}},
				{ID: "TASK-002", DependsOn: []string{"TASK-001"}},
				{ID: "TASK-003", DependsOn: []string{"TASK-002"}},
				{ID: "TASK-004"},
			},
			expErr: "circular dependency detected: TASK-001 -> TASK-003 -> TASK-002 -> TASK-001",
		},
		"Tasks waiting on a cycle are left out of its path.": {
			tasks: []model.Task{
				{ID: "TASK-001", DependsOn: []string{"TASK-002"}},
				{ID: "TASK-002", DependsOn: []string{"TASK-003"}},
				{ID: "TASK-003", DependsOn: []string{"TASK-002"}},
			},
			expErr: "TASK-002 -> TASK-003 -> TASK-002",
		},
		"Empty input sorts to nothing.": {},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			order, err := sortTasks(test.tasks)
			if test.expErr != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, model.ErrNotValid)
				assert.Contains(t, err.Error(), test.expErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expOrder, order)
		})
	}
}

func TestReadyAndBlockedTasks(t *testing.T) {
	tasks := []model.Task{
		{ID: "TASK-001", Status: model.StatusFailed, MaxAttempts: 1, Attempts: 1},
		{ID: "TASK-002", Status: model.StatusPending, DependsOn: []string{"TASK-001"}},
		{ID: "TASK-003", Status: model.StatusCompleted},
		{ID: "TASK-004", Status: model.StatusPending, Priority: 2, DependsOn: []string{"TASK-003"}},
		{ID: "TASK-005", Status: model.StatusPending, Priority: 1},
		{ID: "TASK-006", Status: model.StatusPending, MaxAttempts: 2, Attempts: 2},
	}

	var ready []string
	for _, tk := range ReadyTasks(tasks) {
		ready = append(ready, tk.ID)
	}
	assert.Equal(t, []string{"TASK-005", "TASK-004"}, ready)

	blocked := BlockedTasks(tasks)
	require.Len(t, blocked, 1)
	assert.Equal(t, "TASK-002", blocked[0].ID)

	// A completed retry unblocks the dependents of the original.
	tasks = append(tasks, model.Task{ID: "TASK-001-1", Status: model.StatusCompleted})
	assert.Empty(t, BlockedTasks(tasks))
	ready = nil
	for _, tk := range ReadyTasks(tasks) {
		ready = append(ready, tk.ID)
	}
	assert.Equal(t, []string{"TASK-002", "TASK-005", "TASK-004"}, ready)
}
