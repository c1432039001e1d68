package verify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/msageha/orchestrator/internal/model"
)

// Preflight runs every configured dependency check concurrently. All checks
// run to the end so the evidence shows each result; any failure makes the
// returned error wrap ErrPreflightFailed.
func (g *Gate) Preflight(ctx context.Context) ([]model.CheckResult, error) {
	checks := g.cfg.Verify.Preflight
	results := make([]model.CheckResult, len(checks))

	var eg errgroup.Group
	for i, pc := range checks {
		eg.Go(func() error {
			results[i] = g.preflightCheck(ctx, pc)
			if !results[i].Passed {
				return fmt.Errorf("%s: %s", pc.Name, results[i].Error)
			}
			return nil
		})
	}
	// errgroup keeps only the first error; collect them all from the results.
	if eg.Wait() == nil {
		return results, nil
	}
	var errs []error
	for _, r := range results {
		if !r.Passed {
			errs = append(errs, fmt.Errorf("%s: %s", r.Name, r.Error))
		}
	}
	return results, fmt.Errorf("%w: %w", ErrPreflightFailed, errors.Join(errs...))
}

func (g *Gate) preflightCheck(ctx context.Context, pc model.PreflightCheck) model.CheckResult {
	timeout := g.timeout(pc.TimeoutSec)
	if pc.TCP != "" {
		start := time.Now()
		res := model.CheckResult{Name: pc.Name, Kind: KindPreflight, Command: "tcp " + pc.TCP}
		dctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		var d net.Dialer
		conn, err := d.DialContext(dctx, "tcp", pc.TCP)
		res.DurationMs = time.Since(start).Milliseconds()
		if err != nil {
			res.ExitCode = -1
			res.Error = err.Error()
			g.cfg.Logger.Warningf("preflight failed check=%s tcp=%s error=%v", pc.Name, pc.TCP, err)
			return res
		}
		conn.Close()
		res.Passed = true
		return res
	}

	res := g.shell(ctx, pc.Command, timeout)
	res.Name, res.Kind = pc.Name, KindPreflight
	if !res.Passed {
		g.cfg.Logger.Warningf("preflight failed check=%s exit=%d", pc.Name, res.ExitCode)
	}
	return res
}

func (g *Gate) runCommand(ctx context.Context, vc model.VerifyCommand) model.CheckResult {
	res := g.shell(ctx, vc.Run, g.timeout(vc.TimeoutSec))
	res.Name, res.Kind = vc.Name, vc.Kind
	g.cfg.Logger.Debugf("re-run command=%s kind=%s exit=%d duration_ms=%d", vc.Name, vc.Kind, res.ExitCode, res.DurationMs)
	return res
}

func (g *Gate) timeout(sec int) time.Duration {
	if sec > 0 {
		return time.Duration(sec) * time.Second
	}
	return g.cfg.DefaultTimeout
}

// shell runs command with sh -c in the project directory and keeps the tail
// of its combined output.
func (g *Gate) shell(ctx context.Context, command string, timeout time.Duration) model.CheckResult {
	res := model.CheckResult{Command: command, ExitCode: -1}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out := &tailBuffer{max: g.cfg.Verify.OutputTailBytes}
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = g.cfg.Layout.ProjectDir()
	cmd.Stdout = out
	cmd.Stderr = out
	// Kill the whole process group: children of sh would otherwise keep the
	// output pipe open past the timeout.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL) }
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	err := cmd.Run()
	res.DurationMs = time.Since(start).Milliseconds()
	res.Output = out.String()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
		res.Passed = true
	case ctx.Err() == context.DeadlineExceeded:
		res.Error = fmt.Sprintf("timeout after %s", timeout)
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		res.Error = fmt.Sprintf("exit status %d", res.ExitCode)
	default:
		res.Error = err.Error()
	}
	return res
}

// Lint scans the test files among files for error-swallowing patterns.
// Paths are relative to the project directory; files that no longer exist
// are skipped.
func (g *Gate) Lint(files []string) (model.CheckResult, error) {
	start := time.Now()
	res := model.CheckResult{Name: "swallowed-errors", Kind: KindLint, Passed: true}

	seen := make(map[string]bool, len(files))
	for _, f := range files {
		if seen[f] || !g.isTestFile(f) {
			continue
		}
		seen[f] = true

		path := f
		if !filepath.IsAbs(path) {
			path = filepath.Join(g.cfg.Layout.ProjectDir(), f)
		}
		content, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			g.cfg.Logger.Debugf("lint skip missing file=%s", f)
			continue
		}
		if err != nil {
			return res, fmt.Errorf("read %s: %w", f, err)
		}
		res.Findings = append(res.Findings, g.scan(f, content)...)
	}

	sort.Strings(res.Findings)
	res.DurationMs = time.Since(start).Milliseconds()
	if len(res.Findings) > 0 {
		res.Passed = false
		res.ExitCode = 1
	}
	return res, nil
}

func (g *Gate) isTestFile(path string) bool {
	base := filepath.Base(path)
	for _, glob := range g.cfg.Verify.TestGlobs {
		if ok, _ := filepath.Match(glob, base); ok {
			return true
		}
	}
	return false
}

// scan reports every match as file:line: text. Patterns may span lines; the
// line is where the match starts.
func (g *Gate) scan(name string, content []byte) []string {
	var out []string
	for _, re := range g.swallow {
		for _, loc := range re.FindAllIndex(content, -1) {
			line := 1 + strings.Count(string(content[:loc[0]]), "\n")
			match := strings.Join(strings.Fields(string(content[loc[0]:loc[1]])), " ")
			out = append(out, fmt.Sprintf("%s:%d: %s", name, line, match))
		}
	}
	return out
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
