// Package verify is the anti-cheat gate. It never trusts what an agent
// reports: dependencies are checked before anything runs, test files are
// scanned for swallowed errors, and every configured build and test command
// is executed again and compared with the loop report's claims.
package verify

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/msageha/orchestrator/internal/conventions"
	"github.com/msageha/orchestrator/internal/log"
	"github.com/msageha/orchestrator/internal/model"
	"github.com/msageha/orchestrator/internal/report"
)

// ErrPreflightFailed is returned when a required dependency is unavailable.
// Nothing else is verified in that case.
var ErrPreflightFailed = errors.New("preflight failed")

const (
	KindPreflight = "preflight"
	KindLint      = "lint"
	KindBuild     = "build"
	KindTest      = "test"
)

type Config struct {
	Verify  model.VerifyConfig
	Layout  conventions.Layout
	Reports *report.Store
	Logger  log.Logger
	// DefaultTimeout applies to checks and commands without their own timeout.
	DefaultTimeout time.Duration
	Now            func() time.Time
}

func (c *Config) defaults() error {
	if c.Layout.Root == "" {
		return fmt.Errorf("layout is required")
	}
	if c.Verify.SwallowPatterns == nil {
		c.Verify.SwallowPatterns = model.DefaultSwallowPatterns
	}
	if c.Verify.TestGlobs == nil {
		c.Verify.TestGlobs = model.DefaultTestGlobs
	}
	if c.Verify.OutputTailBytes <= 0 {
		c.Verify.OutputTailBytes = 4096
	}
	if c.Reports == nil {
		c.Reports = report.NewStore(c.Layout)
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "verify.Gate"})
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 10 * time.Minute
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}

type Gate struct {
	cfg     Config
	swallow []*regexp.Regexp
}

func NewGate(cfg Config) (*Gate, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	swallow := make([]*regexp.Regexp, 0, len(cfg.Verify.SwallowPatterns))
	for _, p := range cfg.Verify.SwallowPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("swallow pattern %q: %w", p, model.ErrNotValid)
		}
		swallow = append(swallow, re)
	}
	return &Gate{cfg: cfg, swallow: swallow}, nil
}

// Request describes one verification run.
type Request struct {
	TaskID  string
	IssueID string
	// Files are linted; when empty the files touched in Claim are used.
	Files []string
	// Claim is the agent's loop report; nil skips the claim comparison.
	Claim *model.LoopReport
}

// Run verifies a task and writes the evidence record. A failing gate is not
// an error: the evidence has Passed false and lists why. Only a failed
// preflight, or a failure to persist evidence, returns an error.
func (g *Gate) Run(ctx context.Context, req Request) (model.Evidence, error) {
	ev := model.Evidence{
		TaskID:    req.TaskID,
		IssueID:   req.IssueID,
		CreatedAt: g.cfg.Now().UTC(),
	}

	pre, perr := g.Preflight(ctx)
	ev.Checks = append(ev.Checks, pre...)
	if perr != nil {
		ev.Mismatches = append(ev.Mismatches, perr.Error())
		saved, err := g.cfg.Reports.WriteEvidence(ev)
		if err != nil {
			return ev, errors.Join(perr, err)
		}
		g.cfg.Logger.Errorf("verify aborted task=%s error=%v", req.TaskID, perr)
		return saved, perr
	}

	files := req.Files
	if len(files) == 0 && req.Claim != nil {
		files = req.Claim.FilesTouched()
	}
	lint, err := g.Lint(files)
	if err != nil {
		return ev, err
	}
	ev.Checks = append(ev.Checks, lint)
	if !lint.Passed {
		ev.Mismatches = append(ev.Mismatches, fmt.Sprintf("%d swallowed error(s) in test files", len(lint.Findings)))
	}

	if len(g.cfg.Verify.Commands) == 0 {
		ev.Mismatches = append(ev.Mismatches, "no verify commands configured, nothing was re-executed")
	}
	for _, vc := range g.cfg.Verify.Commands {
		ev.Checks = append(ev.Checks, g.runCommand(ctx, vc))
	}
	if req.Claim != nil {
		ev.Mismatches = append(ev.Mismatches, compareClaims(*req.Claim, ev.Checks)...)
	}

	ev.Passed = len(ev.Mismatches) == 0
	for _, c := range ev.Checks {
		if !c.Passed {
			ev.Passed = false
		}
	}

	saved, err := g.cfg.Reports.WriteEvidence(ev)
	if err != nil {
		return ev, err
	}
	if saved.Passed {
		g.cfg.Logger.Infof("verify passed task=%s evidence=%s checks=%d", saved.TaskID, saved.ID, len(saved.Checks))
	} else {
		g.cfg.Logger.Warningf("verify failed task=%s evidence=%s mismatches=%q", saved.TaskID, saved.ID, strings.Join(saved.Mismatches, "; "))
	}
	return saved, nil
}

// compareClaims flags claims the re-executed commands contradict.
func compareClaims(claim model.LoopReport, checks []model.CheckResult) []string {
	var out []string
	for _, kind := range []string{KindBuild, KindTest} {
		ran, passed := false, true
		for _, c := range checks {
			if c.Kind != kind {
				continue
			}
			ran = true
			passed = passed && c.Passed
		}
		claimed := claim.BuildPassed
		field := "build_passed"
		if kind == KindTest {
			claimed = claim.TestsPassed
			field = "tests_passed"
		}
		if ran && claimed && !passed {
			out = append(out, fmt.Sprintf("%s claimed true, re-run failed", field))
		}
	}
	if claim.TestsPassed && claim.TestsFailed > 0 {
		out = append(out, fmt.Sprintf("tests_passed claimed true with %d failed test(s)", claim.TestsFailed))
	}
	if claim.TestsRun > 0 && claim.TestsFailed > claim.TestsRun {
		out = append(out, fmt.Sprintf("tests_failed %d exceeds tests_run %d", claim.TestsFailed, claim.TestsRun))
	}
	return out
}

// Verify runs the gate against the latest loop report of taskID. It
// satisfies the lifecycle's issue resolution contract.
func (g *Gate) Verify(ctx context.Context, taskID, issueID string) (model.Evidence, error) {
	req := Request{TaskID: taskID, IssueID: issueID}
	claim, err := g.cfg.Reports.Latest(taskID)
	switch {
	case err == nil:
		req.Claim = &claim
	case errors.Is(err, model.ErrNotFound):
		g.cfg.Logger.Warningf("verify without loop report task=%s", taskID)
	default:
		return model.Evidence{}, err
	}
	return g.Run(ctx, req)
}
