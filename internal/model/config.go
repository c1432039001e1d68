// Package model defines the orchestrator's configuration, queue entries and records.
package model

import "fmt"

type Config struct {
	Project   ProjectConfig   `yaml:"project"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Watcher   WatcherConfig   `yaml:"watcher"`
	Agent     AgentConfig     `yaml:"agent"`
	Verify    VerifyConfig    `yaml:"verify"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Created     string `yaml:"created"`
}

type LifecycleConfig struct {
	MaxAttempts      int    `yaml:"max_attempts"`
	MaxIssueRetries  int    `yaml:"max_issue_retries"`
	TaskTimeoutSec   int    `yaml:"task_timeout_sec"`
	IDPrefix         string `yaml:"id_prefix"`
	AutoIngestIssues bool   `yaml:"auto_ingest_issues"`
}

type WatcherConfig struct {
	ScanIntervalSec int `yaml:"scan_interval_sec"`
	DebounceMs      int `yaml:"debounce_ms"`
	MarkerPollMs    int `yaml:"marker_poll_ms"`
}

type AgentConfig struct {
	// Command is the argv of the agent process; the rendered prompt is written to its stdin.
	Command     []string `yaml:"command"`
	MaxParallel int      `yaml:"max_parallel"`
	TimeoutSec  int      `yaml:"timeout_sec"`
	PromptsDir  string   `yaml:"prompts_dir"`
}

type VerifyConfig struct {
	Preflight       []PreflightCheck `yaml:"preflight"`
	Commands        []VerifyCommand  `yaml:"commands"`
	SwallowPatterns []string         `yaml:"swallow_patterns"`
	TestGlobs       []string         `yaml:"test_globs"`
	OutputTailBytes int              `yaml:"output_tail_bytes"`
}

// PreflightCheck is a dependency that must be reachable before anything is verified.
// Exactly one of Command or TCP is set.
type PreflightCheck struct {
	Name       string `yaml:"name"`
	Command    string `yaml:"command,omitempty"`
	TCP        string `yaml:"tcp,omitempty"`
	TimeoutSec int    `yaml:"timeout_sec,omitempty"`
}

type VerifyCommand struct {
	Name       string `yaml:"name"`
	Run        string `yaml:"run"`
	Kind       string `yaml:"kind"` // "build" or "test"
	TimeoutSec int    `yaml:"timeout_sec,omitempty"`
}

type LedgerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
	// Notify raises desktop notifications for failed tasks and issues.
	Notify bool `yaml:"notify"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	DefaultMaxAttempts     = 3
	DefaultMaxIssueRetries = 3
)

// DefaultSwallowPatterns match test code that hides failures instead of reporting them.
var DefaultSwallowPatterns = []string{
	`except(\s+\w+(\s+as\s+\w+)?)?\s*:\s*pass`,
	`catch\s*(\([^)]*\))?\s*\{\s*\}`,
	`_\s*=\s*err\b`,
	`\|\|\s*true\b`,
	`\.catch\(\s*\(\)\s*=>\s*\{\s*\}\s*\)`,
}

var DefaultTestGlobs = []string{
	"*_test.go",
	"test_*.py",
	"*_test.py",
	"*.test.ts",
	"*.test.js",
	"*.spec.ts",
	"*.spec.js",
}

// Defaults fills zero values. It does not touch lists the user set explicitly.
func (c *Config) Defaults() {
	if c.Lifecycle.MaxAttempts <= 0 {
		c.Lifecycle.MaxAttempts = DefaultMaxAttempts
	}
	if c.Lifecycle.MaxIssueRetries <= 0 {
		c.Lifecycle.MaxIssueRetries = DefaultMaxIssueRetries
	}
	if c.Lifecycle.TaskTimeoutSec <= 0 {
		c.Lifecycle.TaskTimeoutSec = 1800
	}
	if c.Lifecycle.IDPrefix == "" {
		c.Lifecycle.IDPrefix = DefaultTaskPrefix
	}
	if c.Watcher.ScanIntervalSec <= 0 {
		c.Watcher.ScanIntervalSec = 10
	}
	if c.Watcher.DebounceMs <= 0 {
		c.Watcher.DebounceMs = 300
	}
	if c.Watcher.MarkerPollMs <= 0 {
		c.Watcher.MarkerPollMs = 500
	}
	if c.Agent.MaxParallel <= 0 {
		c.Agent.MaxParallel = 1
	}
	if c.Agent.TimeoutSec <= 0 {
		c.Agent.TimeoutSec = c.Lifecycle.TaskTimeoutSec
	}
	if c.Verify.SwallowPatterns == nil {
		c.Verify.SwallowPatterns = append([]string(nil), DefaultSwallowPatterns...)
	}
	if c.Verify.TestGlobs == nil {
		c.Verify.TestGlobs = append([]string(nil), DefaultTestGlobs...)
	}
	if c.Verify.OutputTailBytes <= 0 {
		c.Verify.OutputTailBytes = 4096
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func (c *Config) Validate() error {
	if !ValidateTaskPrefix(c.Lifecycle.IDPrefix) {
		return fmt.Errorf("lifecycle.id_prefix %q must be upper-case letters: %w", c.Lifecycle.IDPrefix, ErrNotValid)
	}
	for _, p := range c.Verify.Preflight {
		if (p.Command == "") == (p.TCP == "") {
			return fmt.Errorf("verify.preflight %q needs exactly one of command or tcp: %w", p.Name, ErrNotValid)
		}
	}
	for _, vc := range c.Verify.Commands {
		if vc.Run == "" {
			return fmt.Errorf("verify.commands %q has no run: %w", vc.Name, ErrNotValid)
		}
		if vc.Kind != "build" && vc.Kind != "test" {
			return fmt.Errorf("verify.commands %q kind must be build or test: %w", vc.Name, ErrNotValid)
		}
	}
	return nil
}
