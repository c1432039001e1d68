// Package agent renders role prompts and runs the configured agent command.
package agent

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"

	"github.com/msageha/orchestrator/internal/conventions"
	"github.com/msageha/orchestrator/internal/model"
	"github.com/msageha/orchestrator/templates"
)

type Role string

const (
	RoleDecompose Role = "decompose"
	RoleImplement Role = "implement"
	RoleTest      Role = "test"
)

var validRoleName = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// RoleFor picks the prompt for a task: test tasks get the testing prompt,
// everything else is implemented.
func RoleFor(t model.Task) Role {
	if t.Category == model.CategoryTest {
		return RoleTest
	}
	return RoleImplement
}

// PromptData is what a prompt template sees. Paths are relative to the
// project directory, the way the agent sees them.
type PromptData struct {
	Role        Role
	Task        model.Task
	Attempt     int
	MaxAttempts int
	Goal        string
	Issues      []model.Issue
	IDPrefix    string

	ProjectDir        string
	TaskQueuePath     string
	IssueQueuePath    string
	DoneMarker        string
	FailedMarker      string
	LoopReportPath    string
	FailureReportPath string
}

func newPromptData(layout conventions.Layout, role Role, t model.Task) PromptData {
	rel := func(path string) string {
		r, err := filepath.Rel(layout.ProjectDir(), path)
		if err != nil {
			return path
		}
		return filepath.ToSlash(r)
	}
	d := PromptData{
		Role:           role,
		Task:           t,
		Attempt:        t.Attempts,
		MaxAttempts:    t.MaxAttempts,
		ProjectDir:     layout.ProjectDir(),
		TaskQueuePath:  rel(layout.TaskQueuePath()),
		IssueQueuePath: rel(layout.IssueQueuePath()),
	}
	if t.ID != "" {
		d.DoneMarker = conventions.RelMarkerPath(t.ID, conventions.DoneSuffix)
		d.FailedMarker = conventions.RelMarkerPath(t.ID, conventions.FailedSuffix)
		d.LoopReportPath = rel(layout.LoopReportPath(t.ID, max(t.Attempts, 1)))
		d.FailureReportPath = rel(layout.FailureReportPath(t.ID))
	}
	return d
}

var promptFuncs = template.FuncMap{
	"join": strings.Join,
	"inc":  func(i int) int { return i + 1 },
}

// Prompts loads role templates, preferring {dir}/{role}.md.tmpl over the
// embedded defaults.
type Prompts struct {
	dir      string
	defaults fs.FS
}

// NewPrompts returns prompts overridable from dir. An empty dir uses only the
// embedded templates.
func NewPrompts(dir string) *Prompts {
	sub, err := fs.Sub(templates.FS, templates.PromptsDir)
	if err != nil {
		// The embedded directory is fixed at build time.
		panic(err)
	}
	return &Prompts{dir: dir, defaults: sub}
}

func fileName(role Role) string { return string(role) + ".md.tmpl" }

func (p *Prompts) load(role Role) (string, error) {
	if !validRoleName.MatchString(string(role)) {
		return "", fmt.Errorf("invalid role name %q: %w", role, model.ErrNotValid)
	}
	if p.dir != "" {
		b, err := os.ReadFile(filepath.Join(p.dir, fileName(role)))
		if err == nil {
			return string(b), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("read prompt %s: %w", role, err)
		}
	}
	b, err := fs.ReadFile(p.defaults, fileName(role))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("prompt for role %s: %w", role, model.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read prompt %s: %w", role, err)
	}
	return string(b), nil
}

// Render executes the template of data.Role.
func (p *Prompts) Render(data PromptData) (string, error) {
	src, err := p.load(data.Role)
	if err != nil {
		return "", err
	}
	tmpl, err := template.New(string(data.Role)).Funcs(promptFuncs).Option("missingkey=error").Parse(src)
	if err != nil {
		return "", fmt.Errorf("parse prompt %s: %w", data.Role, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", data.Role, err)
	}
	return buf.String(), nil
}

// CopyDefaults writes the embedded templates into dir, keeping files that
// already exist.
func CopyDefaults(dir string) error {
	sub, err := fs.Sub(templates.FS, templates.PromptsDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return fs.WalkDir(sub, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		dst := filepath.Join(dir, path)
		if _, err := os.Stat(dst); err == nil {
			return nil
		}
		b, err := fs.ReadFile(sub, path)
		if err != nil {
			return err
		}
		return os.WriteFile(dst, b, 0644)
	})
}
