package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/alecthomas/kingpin/v2"

	"github.com/msageha/orchestrator/internal/conventions"
	"github.com/msageha/orchestrator/internal/events"
	"github.com/msageha/orchestrator/internal/ledger"
	"github.com/msageha/orchestrator/internal/lifecycle"
	"github.com/msageha/orchestrator/internal/log"
	"github.com/msageha/orchestrator/internal/model"
	"github.com/msageha/orchestrator/internal/setup"
)

const (
	// LoggerTypeDefault is the logger default type.
	LoggerTypeDefault = "default"
	// LoggerTypeJSON is the logger json type.
	LoggerTypeJSON = "json"

	formatTable = "table"
	formatJSON  = "json"
)

// Command represents an application command, all commands that want to be executed
// should implement and setup on main.
type Command interface {
	Name() string
	Run(ctx context.Context) error
}

// RootCommand represents the root command configuration and global configuration
// for all the commands.
type RootCommand struct {
	// Global flags.
	Debug      bool
	NoLog      bool
	NoColor    bool
	LoggerType string
	Dir        string
	// LogFile, when set, receives a copy of every log line.
	LogFile string

	// Global instances.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Logger log.Logger
}

// NewRootCommand initializes the main root configuration.
func NewRootCommand(app *kingpin.Application) *RootCommand {
	c := &RootCommand{}

	app.Flag("debug", "Enable debug mode.").BoolVar(&c.Debug)
	app.Flag("no-log", "Disable logger.").BoolVar(&c.NoLog)
	app.Flag("no-color", "Disable logger color.").BoolVar(&c.NoColor)
	app.Flag("logger", "Selects the logger type.").Default(LoggerTypeDefault).EnumVar(&c.LoggerType, LoggerTypeDefault, LoggerTypeJSON)
	app.Flag("dir", "Project directory, or any directory below it (defaults to the current directory).").Short('C').StringVar(&c.Dir)

	return c
}

// Layout finds the .orchestrator directory for the selected project.
func (r *RootCommand) Layout() (conventions.Layout, error) {
	dir := r.Dir
	if dir == "" {
		dir = "."
	}
	layout, err := conventions.Find(dir)
	if err != nil {
		return conventions.Layout{}, fmt.Errorf("%w (run \"orchestrator init\" first)", err)
	}
	return layout, nil
}

// ApplyConfig lets the project's logging settings raise the verbosity and
// switch to JSON. Flags can only be overridden in that direction.
func (r *RootCommand) ApplyConfig(cfg model.LoggingConfig) {
	if cfg.Level == "debug" {
		r.Debug = true
	}
	if cfg.Format == "json" {
		r.LoggerType = LoggerTypeJSON
	}
}

// project bundles the state most commands operate on.
type project struct {
	layout  conventions.Layout
	config  model.Config
	manager *lifecycle.Manager
	ledger  ledger.Recorder
}

type projectOptions struct {
	// events, when set, receives every lifecycle event.
	events events.Publisher
}

func (r *RootCommand) openProject(ctx context.Context, opts projectOptions) (*project, error) {
	layout, err := r.Layout()
	if err != nil {
		return nil, err
	}
	cfg, err := setup.LoadConfig(layout)
	if err != nil {
		return nil, err
	}

	var rec ledger.Recorder = ledger.Noop
	if cfg.Ledger.Enabled {
		path := cfg.Ledger.Path
		switch {
		case path == "":
			path = layout.Path(conventions.LedgerFile)
		case !filepath.IsAbs(path):
			path = layout.Path(path)
		}
		rec, err = ledger.Open(ctx, ledger.Config{Path: path, Logger: r.Logger})
		if err != nil {
			return nil, err
		}
	}

	mgr, err := lifecycle.NewManager(lifecycle.Config{
		Layout:    layout,
		Lifecycle: cfg.Lifecycle,
		Ledger:    rec,
		Events:    opts.events,
		Logger:    r.Logger,
	})
	if err != nil {
		rec.Close()
		return nil, fmt.Errorf("could not create lifecycle manager: %w", err)
	}

	return &project{layout: layout, config: cfg, manager: mgr, ledger: rec}, nil
}

func (p *project) Close() error {
	return p.ledger.Close()
}

// readInput reads a file argument where "-" or empty means stdin.
func (r *RootCommand) readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(r.Stdin)
	}
	return os.ReadFile(path)
}
