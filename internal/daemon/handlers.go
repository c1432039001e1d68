package daemon

import (
	"context"
	"encoding/json"
	"os"

	"github.com/msageha/orchestrator/internal/status"
	"github.com/msageha/orchestrator/internal/uds"
)

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CommandPing, func(context.Context, json.RawMessage) (any, error) {
		return d.status(), nil
	})

	d.server.Handle(uds.CommandStatus, func(ctx context.Context, _ json.RawMessage) (any, error) {
		snap, err := d.cfg.Manager.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		s := status.Summarize(snap)
		s.Daemon = d.status()
		return s, nil
	})

	d.server.Handle(uds.CommandScan, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return d.Scan(ctx)
	})

	d.server.Handle(uds.CommandShutdown, func(context.Context, json.RawMessage) (any, error) {
		d.Shutdown()
		return map[string]string{"status": "shutdown_accepted"}, nil
	})
}

func (d *Daemon) status() status.DaemonStatus {
	d.mu.Lock()
	started := d.startedAt
	d.mu.Unlock()
	return status.DaemonStatus{
		Running:   true,
		PID:       os.Getpid(),
		StartedAt: started,
		Active:    d.Active(),
	}
}
