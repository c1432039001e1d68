// Package setup creates and loads an .orchestrator project directory.
package setup

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"text/template"
	"time"

	"github.com/msageha/orchestrator/internal/agent"
	"github.com/msageha/orchestrator/internal/atomicfile"
	"github.com/msageha/orchestrator/internal/conventions"
	"github.com/msageha/orchestrator/internal/model"
	"github.com/msageha/orchestrator/internal/queuefile"
	"github.com/msageha/orchestrator/templates"
)

// Init creates the .orchestrator directory in projectDir: the directory
// layout, config.yaml, empty task and issue queues and the default prompts.
// projectName defaults to the base name of projectDir. An existing
// .orchestrator directory is never overwritten.
func Init(projectDir, projectName string) (conventions.Layout, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return conventions.Layout{}, fmt.Errorf("resolve project dir: %w", err)
	}
	layout := conventions.New(absDir)

	if _, err := os.Stat(layout.Root); err == nil {
		return layout, fmt.Errorf("%s: %w", layout.Root, model.ErrAlreadyExists)
	} else if !errors.Is(err, os.ErrNotExist) {
		return layout, fmt.Errorf("stat %s: %w", layout.Root, err)
	}

	if err := layout.EnsureDirs(); err != nil {
		return layout, err
	}

	if projectName == "" {
		projectName = filepath.Base(absDir)
	}
	cfg, err := renderConfig(projectName, time.Now())
	if err != nil {
		return layout, fmt.Errorf("generate config: %w", err)
	}
	if err := atomicfile.WriteRaw(layout.ConfigPath(), cfg, validateConfig); err != nil {
		return layout, fmt.Errorf("write config.yaml: %w", err)
	}

	queues := []struct {
		path string
		kind queuefile.Kind
	}{
		{layout.TaskQueuePath(), queuefile.KindTasks},
		{layout.IssueQueuePath(), queuefile.KindIssues},
	}
	for _, q := range queues {
		if err := atomicfile.WriteRaw(q.path, queuefile.Skeleton(q.kind), queuefile.Validator(q.kind)); err != nil {
			return layout, fmt.Errorf("create %s: %w", filepath.Base(q.path), err)
		}
	}

	if err := agent.CopyDefaults(layout.PromptsDir()); err != nil {
		return layout, fmt.Errorf("copy prompts: %w", err)
	}
	return layout, nil
}

// renderConfig fills the embedded config template.
func renderConfig(name string, created time.Time) ([]byte, error) {
	src, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}
	tmpl, err := template.New("config.yaml").Option("missingkey=error").Parse(string(src))
	if err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}
	var buf bytes.Buffer
	err = tmpl.Execute(&buf, struct {
		Name    string
		Created string
	}{
		Name:    yamlEscape(name),
		Created: created.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("render config template: %w", err)
	}
	return buf.Bytes(), nil
}

// yamlEscape makes s safe inside a double-quoted YAML scalar.
func yamlEscape(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		switch r {
		case '\\', '"':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
