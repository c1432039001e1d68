package setup_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/orchestrator/internal/conventions"
	"github.com/msageha/orchestrator/internal/model"
	"github.com/msageha/orchestrator/internal/queuefile"
	"github.com/msageha/orchestrator/internal/setup"
)

func TestInit(t *testing.T) {
	projectDir := filepath.Join(t.TempDir(), "todo-api")
	require.NoError(t, os.Mkdir(projectDir, 0755))

	layout, err := setup.Init(projectDir, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(projectDir, ".orchestrator"), layout.Root)

	for _, d := range conventions.Dirs() {
		assert.DirExists(t, layout.Path(d))
	}
	for _, name := range []string{"decompose.md.tmpl", "implement.md.tmpl", "test.md.tmpl"} {
		assert.FileExists(t, filepath.Join(layout.PromptsDir(), name))
	}

	tasks, err := queuefile.ReadTasks(layout.TaskQueuePath())
	require.NoError(t, err)
	assert.Empty(t, tasks)
	issues, err := queuefile.ReadIssues(layout.IssueQueuePath())
	require.NoError(t, err)
	assert.Empty(t, issues)

	cfg, err := setup.LoadConfig(layout)
	require.NoError(t, err)
	assert.Equal(t, "todo-api", cfg.Project.Name)
	assert.NotEmpty(t, cfg.Project.Created)
	assert.Equal(t, 3, cfg.Lifecycle.MaxAttempts)
	assert.True(t, cfg.Lifecycle.AutoIngestIssues)
	assert.Equal(t, []string{"claude", "-p", "--dangerously-skip-permissions"}, cfg.Agent.Command)
	assert.Equal(t, model.DefaultSwallowPatterns, cfg.Verify.SwallowPatterns)
}

func TestInitProjectName(t *testing.T) {
	tests := map[string]struct {
		name    string
		expName string
	}{
		"Plain names are kept.":          {name: "billing", expName: "billing"},
		"Quotes are escaped in the YAML.": {name: `say "hi" \o/`, expName: `say "hi" \o/`},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			layout, err := setup.Init(t.TempDir(), test.name)
			require.NoError(t, err)

			cfg, err := setup.LoadConfig(layout)
			require.NoError(t, err)
			assert.Equal(t, test.expName, cfg.Project.Name)
		})
	}
}

func TestInitRefusesExisting(t *testing.T) {
	dir := t.TempDir()
	_, err := setup.Init(dir, "")
	require.NoError(t, err)

	_, err = setup.Init(dir, "")
	assert.ErrorIs(t, err, model.ErrAlreadyExists)
}

func TestLoadConfig(t *testing.T) {
	tests := map[string]struct {
		config    string
		expErr    bool
		expConfig func(t *testing.T, cfg model.Config)
	}{
		"A missing file gives the defaults.": {
			expConfig: func(t *testing.T, cfg model.Config) {
				assert.Equal(t, model.DefaultTaskPrefix, cfg.Lifecycle.IDPrefix)
				assert.Equal(t, 1, cfg.Agent.MaxParallel)
			},
		},
		"Set values are kept and the rest defaulted.": {
			config: "lifecycle:\n  max_attempts: 5\n  id_prefix: BUILD\nagent:\n  max_parallel: 4\n",
			expConfig: func(t *testing.T, cfg model.Config) {
				assert.Equal(t, 5, cfg.Lifecycle.MaxAttempts)
				assert.Equal(t, "BUILD", cfg.Lifecycle.IDPrefix)
				assert.Equal(t, 4, cfg.Agent.MaxParallel)
				assert.Equal(t, 10, cfg.Watcher.ScanIntervalSec)
			},
		},
		"Unknown keys are rejected.": {
			config: "lifecycle:\n  max_atempts: 5\n",
			expErr: true,
		},
		"Invalid values are rejected.": {
			config: "lifecycle:\n  id_prefix: task\n",
			expErr: true,
		},
		"Preflight checks need a command or an address.": {
			config: "verify:\n  preflight:\n    - name: db\n",
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			layout := conventions.New(t.TempDir())
			require.NoError(t, layout.EnsureDirs())
			if test.config != "" {
				require.NoError(t, os.WriteFile(layout.ConfigPath(), []byte(test.config), 0644))
			}

			cfg, err := setup.LoadConfig(layout)
			if test.expErr {
				assert.ErrorIs(t, err, model.ErrNotValid)
				return
			}
			require.NoError(t, err)
			test.expConfig(t, cfg)
		})
	}
}

func TestSaveConfig(t *testing.T) {
	layout, err := setup.Init(t.TempDir(), "svc")
	require.NoError(t, err)

	cfg, err := setup.LoadConfig(layout)
	require.NoError(t, err)
	cfg.Agent.MaxParallel = 3
	cfg.Verify.Commands = []model.VerifyCommand{{Name: "unit", Run: "go test ./...", Kind: "test"}}
	require.NoError(t, setup.SaveConfig(layout, cfg))
	assert.FileExists(t, layout.ConfigPath()+".bak")

	got, err := setup.LoadConfig(layout)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Agent.MaxParallel)
	assert.Equal(t, cfg.Verify.Commands, got.Verify.Commands)

	cfg.Lifecycle.IDPrefix = "bad"
	assert.ErrorIs(t, setup.SaveConfig(layout, cfg), model.ErrNotValid)
}
