// Package daemon is the supervisor that drives the task lifecycle: it watches
// the completion markers, dispatches ready tasks to agents and serves the CLI
// over a Unix socket.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/oklog/run"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/msageha/orchestrator/internal/agent"
	"github.com/msageha/orchestrator/internal/conventions"
	"github.com/msageha/orchestrator/internal/events"
	"github.com/msageha/orchestrator/internal/lifecycle"
	"github.com/msageha/orchestrator/internal/lock"
	"github.com/msageha/orchestrator/internal/log"
	"github.com/msageha/orchestrator/internal/model"
	"github.com/msageha/orchestrator/internal/uds"
)

// AgentRunner runs the agent for the current attempt of a task.
type AgentRunner interface {
	Run(ctx context.Context, t model.Task) (agent.Result, error)
}

type Config struct {
	Layout  conventions.Layout
	Config  model.Config
	Manager *lifecycle.Manager
	Runner  AgentRunner
	// Bus, when set, gets a logging subscriber for every lifecycle event.
	Bus    *events.Bus
	Logger log.Logger
	// Owner is recorded as the claimant of dispatched tasks.
	Owner string
}

func (c *Config) defaults() error {
	if c.Layout.Root == "" {
		return fmt.Errorf("layout is required")
	}
	if c.Manager == nil {
		return fmt.Errorf("lifecycle manager is required")
	}
	if c.Runner == nil {
		return fmt.Errorf("agent runner is required")
	}
	c.Config.Defaults()
	if c.Owner == "" {
		c.Owner = "daemon"
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "daemon.Daemon"})
	return nil
}

// Daemon is the long running supervisor process.
type Daemon struct {
	cfg      Config
	logger   log.Logger
	fileLock *lock.FileLock
	server   *uds.Server

	sf      singleflight.Group
	sem     *semaphore.Weighted
	trigger chan struct{}

	// Agents run on their own context so that shutdown can let them finish.
	agentCtx    context.Context
	agentCancel context.CancelFunc
	agents      sync.WaitGroup

	mu        sync.Mutex
	active    map[string]time.Time
	stopping  bool
	startedAt time.Time

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

func New(cfg Config) (*Daemon, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	agentCtx, agentCancel := context.WithCancel(context.Background())
	return &Daemon{
		cfg:         cfg,
		logger:      cfg.Logger,
		fileLock:    lock.NewFileLock(cfg.Layout.Path(conventions.DaemonLockFile)),
		server:      uds.NewServer(cfg.Layout.SocketPath(), cfg.Logger),
		sem:         semaphore.NewWeighted(int64(cfg.Config.Agent.MaxParallel)),
		trigger:     make(chan struct{}, 1),
		agentCtx:    agentCtx,
		agentCancel: agentCancel,
		active:      make(map[string]time.Time),
		shutdownCh:  make(chan struct{}),
	}, nil
}

// Run blocks until ctx is cancelled or a shutdown is requested over the
// socket. Only one daemon may run per .orchestrator directory; a second one
// fails with lock.ErrLocked.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.cfg.Layout.EnsureDirs(); err != nil {
		return err
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	defer func() {
		if err := d.fileLock.Unlock(); err != nil {
			d.logger.Warningf("daemon unlock error=%v", err)
		}
	}()

	d.mu.Lock()
	d.startedAt = time.Now().UTC()
	d.mu.Unlock()
	d.logger.Infof("daemon starting pid=%d dir=%s max_parallel=%d", os.Getpid(), d.cfg.Layout.Root, d.cfg.Config.Agent.MaxParallel)

	unsubscribe := d.subscribeEvents()
	defer unsubscribe()

	watcher, err := newWatcher(d.cfg.Layout, time.Duration(d.cfg.Config.Watcher.DebounceMs)*time.Millisecond, d.logger)
	if err != nil {
		return err
	}

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		watcher.close()
		return fmt.Errorf("start UDS server: %w", err)
	}

	var g run.Group

	// Parent context.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				<-ctx.Done()
				d.logger.Debugf("context done")
				return nil
			},
			func(_ error) {
				cancel()
			},
		)
	}

	// Shutdown requested over the socket.
	{
		cancelled := make(chan struct{})
		g.Add(
			func() error {
				select {
				case <-d.shutdownCh:
					d.logger.Infof("shutdown requested via UDS")
				case <-cancelled:
				}
				return nil
			},
			func(_ error) {
				close(cancelled)
			},
		)
	}

	// UDS server, started above so clients can connect as soon as Run returns from setup.
	{
		stopped := make(chan struct{})
		g.Add(
			func() error {
				<-stopped
				return nil
			},
			func(_ error) {
				_ = d.server.Stop()
				close(stopped)
			},
		)
	}

	// Marker and queue watcher.
	{
		g.Add(
			func() error {
				watcher.run(d.Trigger)
				return nil
			},
			func(_ error) {
				watcher.close()
			},
		)
	}

	// Periodic scan and dispatcher.
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(
			func() error {
				d.scanLoop(ctx)
				return nil
			},
			func(_ error) {
				cancel()
			},
		)
	}

	d.logger.Infof("daemon ready socket=%s", d.cfg.Layout.SocketPath())
	err = g.Run()
	d.drain()
	d.logger.Infof("daemon stopped")
	return err
}

// Shutdown asks a running daemon to stop.
func (d *Daemon) Shutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownCh) })
}

// Trigger schedules a scan without waiting for it.
func (d *Daemon) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

func (d *Daemon) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(d.cfg.Config.Watcher.ScanIntervalSec) * time.Second)
	defer ticker.Stop()

	d.Trigger()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.logger.Debugf("periodic scan triggered")
		case <-d.trigger:
		}
		if _, err := d.Scan(ctx); err != nil && ctx.Err() == nil {
			d.logger.Errorf("scan error=%v", err)
		}
	}
}

// drain stops dispatching and waits for running agents, cancelling them once
// the shutdown timeout passes.
func (d *Daemon) drain() {
	d.mu.Lock()
	d.stopping = true
	n := len(d.active)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.agents.Wait()
		close(done)
	}()

	timeout := time.Duration(d.cfg.Config.Daemon.ShutdownTimeoutSec) * time.Second
	if n > 0 {
		d.logger.Infof("waiting for agents running=%d timeout=%s", n, timeout)
	}
	select {
	case <-done:
	case <-time.After(timeout):
		d.logger.Warningf("shutdown timeout after %s, cancelling agents", timeout)
		d.agentCancel()
		<-done
	}
	d.agentCancel()
}

// Active returns the ids of tasks with a running agent.
func (d *Daemon) Active() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.active))
	for id := range d.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (d *Daemon) subscribeEvents() func() {
	if d.cfg.Bus == nil {
		return func() {}
	}
	logger := d.cfg.Logger.WithValues(log.Kv{"svc": "events"})
	var unsubs []func()
	for _, typ := range events.All {
		unsubs = append(unsubs, d.cfg.Bus.Subscribe(typ, func(e events.Event) {
			logger.Infof("event type=%s data=%v", e.Type, e.Data)
		}))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

var errStopping = errors.New("daemon is stopping")
