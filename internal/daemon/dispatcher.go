package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/msageha/orchestrator/internal/agent"
	"github.com/msageha/orchestrator/internal/lifecycle"
	"github.com/msageha/orchestrator/internal/model"
)

// Failure reasons recorded for attempts the agent did not finish itself.
const (
	ReasonNoMarker    = "agent exited without completion marker"
	ReasonTimedOut    = "agent timed out"
	ReasonInterrupted = "interrupted by daemon shutdown"
)

// settleTimeout bounds the lifecycle calls made after an agent exits. They
// run detached from the scan context so a shutdown does not lose the outcome.
const settleTimeout = time.Minute

type ScanResult struct {
	Reconciled lifecycle.ReconcileResult `json:"reconciled"`
	Ingested   lifecycle.IngestResult    `json:"ingested"`
	Dispatched []string                  `json:"dispatched,omitempty"`
}

// Scan reconciles markers and leases, turns pending issues into retry tasks
// when auto ingest is on, and dispatches ready tasks while agent slots are
// free. Concurrent calls share one run.
func (d *Daemon) Scan(ctx context.Context) (ScanResult, error) {
	v, err, shared := d.sf.Do("scan", func() (any, error) {
		return d.scan(ctx)
	})
	if shared {
		d.logger.Debugf("scan coalesced")
	}
	res, _ := v.(ScanResult)
	return res, err
}

func (d *Daemon) scan(ctx context.Context) (ScanResult, error) {
	var res ScanResult

	rec, err := d.cfg.Manager.Reconcile(ctx)
	if err != nil {
		return res, fmt.Errorf("reconcile: %w", err)
	}
	res.Reconciled = rec

	if d.cfg.Config.Lifecycle.AutoIngestIssues {
		ing, err := d.cfg.Manager.IngestIssues(ctx)
		if err != nil {
			return res, fmt.Errorf("ingest issues: %w", err)
		}
		res.Ingested = ing
	}

	res.Dispatched, err = d.dispatch(ctx)
	if err != nil && !errors.Is(err, errStopping) {
		return res, fmt.Errorf("dispatch: %w", err)
	}
	return res, nil
}

// dispatch claims ready tasks until every agent slot is taken.
func (d *Daemon) dispatch(ctx context.Context) ([]string, error) {
	var started []string
	for {
		if !d.sem.TryAcquire(1) {
			return started, nil
		}

		d.mu.Lock()
		stopping := d.stopping
		d.mu.Unlock()
		if stopping {
			d.sem.Release(1)
			return started, errStopping
		}

		t, err := d.cfg.Manager.Claim(ctx, d.cfg.Owner)
		if errors.Is(err, model.ErrNotFound) {
			d.sem.Release(1)
			return started, nil
		}
		if err != nil {
			d.sem.Release(1)
			return started, err
		}

		d.mu.Lock()
		d.active[t.ID] = time.Now()
		d.mu.Unlock()
		d.agents.Add(1)
		go d.runAgent(t)
		started = append(started, t.ID)
	}
}

func (d *Daemon) runAgent(t model.Task) {
	defer d.agents.Done()
	defer d.sem.Release(1)
	defer func() {
		d.mu.Lock()
		delete(d.active, t.ID)
		d.mu.Unlock()
		// A freed slot may let the next task start.
		d.Trigger()
	}()

	stop := d.keepLease(t)
	res, runErr := d.cfg.Runner.Run(d.agentCtx, t)
	stop()

	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if err := d.settle(ctx, t, res, runErr); err != nil {
		d.logger.Errorf("settle task=%s attempt=%d error=%v", t.ID, t.Attempts, err)
	}
}

// keepLease renews the lease of t while its agent runs, so reconcile never
// expires an attempt this daemon is still supervising. The returned function
// stops the renewals and waits for the last one.
func (d *Daemon) keepLease(t model.Task) func() {
	timeout := time.Duration(d.cfg.Config.Lifecycle.TaskTimeoutSec) * time.Second
	if timeout <= 0 {
		return func() {}
	}
	every := max(timeout/3, 100*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			rctx, rcancel := context.WithTimeout(ctx, settleTimeout)
			_, err := d.cfg.Manager.RenewLease(rctx, t.ID, t.Attempts)
			rcancel()
			switch {
			case errors.Is(err, model.ErrConflict), errors.Is(err, model.ErrNotFound):
				// Settled by its marker already.
				return
			case err != nil && ctx.Err() == nil:
				d.logger.Warningf("lease renewal task=%s attempt=%d error=%v", t.ID, t.Attempts, err)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// settle applies the outcome of one agent run. The marker the agent wrote
// decides; an attempt that ends without one fails.
func (d *Daemon) settle(ctx context.Context, t model.Task, res agent.Result, runErr error) error {
	if _, err := d.cfg.Manager.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	cur, err := d.cfg.Manager.Task(ctx, t.ID)
	if err != nil {
		return err
	}
	// Already settled by the marker, or released and claimed again.
	if cur.Status != model.StatusInProgress || cur.Attempts != t.Attempts {
		d.logger.Debugf("agent settled task=%s status=%s", t.ID, cur.Status)
		return nil
	}

	diag := model.FailureDiagnostic{
		TaskID:   t.ID,
		Attempts: t.Attempts,
		Error:    fmt.Sprintf("%s (exit=%d)", ReasonNoMarker, res.ExitCode),
	}
	switch {
	case runErr != nil && d.agentCtx.Err() != nil:
		diag.Error = ReasonInterrupted
	case runErr != nil:
		diag.Error = fmt.Sprintf("agent failed to run: %v", runErr)
	case res.TimedOut:
		diag.Error = fmt.Sprintf("%s after %s", ReasonTimedOut, res.Duration.Round(time.Second))
	}
	if res.LogPath != "" {
		diag.Error += "; agent log: " + res.LogPath
	}

	d.logger.Warningf("attempt failed task=%s attempt=%d reason=%q", t.ID, t.Attempts, diag.Error)
	if _, err := d.cfg.Manager.Fail(ctx, t.ID, diag); err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	return nil
}
