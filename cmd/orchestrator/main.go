package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"
	"github.com/sirupsen/logrus"

	"github.com/msageha/orchestrator/cmd/orchestrator/commands"
	"github.com/msageha/orchestrator/internal/conventions"
	"github.com/msageha/orchestrator/internal/log"
	loglogrus "github.com/msageha/orchestrator/internal/log/logrus"
	"github.com/msageha/orchestrator/internal/setup"
)

// Version is the application version (set via ldflags).
var Version = "dev"

// Run runs the main application.
func Run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) (err error) {
	app := kingpin.New("orchestrator", "Drive coding agents through a Markdown task queue with completion markers.")
	app.DefaultEnvars()
	rootCmd := commands.NewRootCommand(app)

	// Setup commands (registers flags).
	initCmd := commands.NewInitCommand(rootCmd, app)
	daemonCmd := commands.NewDaemonCommand(rootCmd, app)
	stopCmd := commands.NewStopCommand(rootCmd, app)
	statusCmd := commands.NewStatusCommand(rootCmd, app)
	scanCmd := commands.NewScanCommand(rootCmd, app)
	verifyCmd := commands.NewVerifyCommand(rootCmd, app)
	versionCmd := commands.NewVersionCommand(rootCmd, app, Version)

	taskCmd := commands.NewTaskCommand(app)
	taskAddCmd := commands.NewTaskAddCommand(rootCmd, taskCmd)
	taskListCmd := commands.NewTaskListCommand(rootCmd, taskCmd)
	taskClaimCmd := commands.NewTaskClaimCommand(rootCmd, taskCmd)
	taskCompleteCmd := commands.NewTaskCompleteCommand(rootCmd, taskCmd)
	taskFailCmd := commands.NewTaskFailCommand(rootCmd, taskCmd)
	taskDecomposeCmd := commands.NewTaskDecomposeCommand(rootCmd, taskCmd)

	issueCmd := commands.NewIssueCommand(app)
	issueListCmd := commands.NewIssueListCommand(rootCmd, issueCmd)
	issueIngestCmd := commands.NewIssueIngestCommand(rootCmd, issueCmd)
	issueResolveCmd := commands.NewIssueResolveCommand(rootCmd, issueCmd)

	markerCmd := commands.NewMarkerCommand(app)
	markerDoneCmd := commands.NewMarkerDoneCommand(rootCmd, markerCmd)
	markerFailedCmd := commands.NewMarkerFailedCommand(rootCmd, markerCmd)
	markerWaitCmd := commands.NewMarkerWaitCommand(rootCmd, markerCmd)

	reportCmd := commands.NewReportCommand(app)
	reportWriteCmd := commands.NewReportWriteCommand(rootCmd, reportCmd)
	reportShowCmd := commands.NewReportShowCommand(rootCmd, reportCmd)

	queueCmd := commands.NewQueueCommand(app)
	queueMigrateCmd := commands.NewQueueMigrateCommand(rootCmd, queueCmd)
	queueRepairCmd := commands.NewQueueRepairCommand(rootCmd, queueCmd)

	hookCmd := commands.NewHookCommand(app)
	hookCheckMarkerCmd := commands.NewHookCheckMarkerCommand(rootCmd, hookCmd)

	cmds := map[string]commands.Command{
		initCmd.Name():            initCmd,
		daemonCmd.Name():          daemonCmd,
		stopCmd.Name():            stopCmd,
		statusCmd.Name():          statusCmd,
		scanCmd.Name():            scanCmd,
		verifyCmd.Name():          verifyCmd,
		versionCmd.Name():         versionCmd,
		taskAddCmd.Name():         taskAddCmd,
		taskListCmd.Name():        taskListCmd,
		taskClaimCmd.Name():       taskClaimCmd,
		taskCompleteCmd.Name():    taskCompleteCmd,
		taskFailCmd.Name():        taskFailCmd,
		taskDecomposeCmd.Name():   taskDecomposeCmd,
		issueListCmd.Name():       issueListCmd,
		issueIngestCmd.Name():     issueIngestCmd,
		issueResolveCmd.Name():    issueResolveCmd,
		markerDoneCmd.Name():      markerDoneCmd,
		markerFailedCmd.Name():    markerFailedCmd,
		markerWaitCmd.Name():      markerWaitCmd,
		reportWriteCmd.Name():     reportWriteCmd,
		reportShowCmd.Name():      reportShowCmd,
		queueMigrateCmd.Name():    queueMigrateCmd,
		queueRepairCmd.Name():     queueRepairCmd,
		hookCheckMarkerCmd.Name(): hookCheckMarkerCmd,
	}

	// Parse command.
	cmdName, err := app.Parse(args[1:])
	if err != nil {
		return fmt.Errorf("invalid command configuration: %w", err)
	}

	// Set standard input/output.
	rootCmd.Stdin = stdin
	rootCmd.Stdout = stdout
	rootCmd.Stderr = stderr

	// Project logging settings, when there is a project.
	if layout, err := rootCmd.Layout(); err == nil {
		if cfg, err := setup.LoadConfig(layout); err == nil {
			rootCmd.ApplyConfig(cfg.Logging)
		}
		if cmdName == daemonCmd.Name() && rootCmd.LogFile == "" {
			rootCmd.LogFile = layout.Path(conventions.DaemonLogFile)
		}
	}

	// Commands whose stdout is parsed (tables, JSON, hook decisions) log
	// nothing unless --debug is set.
	printerCommands := map[string]bool{
		statusCmd.Name():          true,
		scanCmd.Name():            true,
		versionCmd.Name():         true,
		taskListCmd.Name():        true,
		issueListCmd.Name():       true,
		reportShowCmd.Name():      true,
		hookCheckMarkerCmd.Name(): true,
	}
	if printerCommands[cmdName] && !rootCmd.Debug {
		rootCmd.NoLog = true
	}

	// Set logger.
	logger, closeLog, err := getLogger(*rootCmd)
	if err != nil {
		return err
	}
	defer closeLog()
	rootCmd.Logger = logger

	var g run.Group

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer signalCancel()

		g.Add(
			func() error {
				<-signalCtx.Done()
				rootCmd.Logger.Debugf("Termination signal received")
				return nil
			},
			func(_ error) {
				signalCancel()
			},
		)
	}

	// Execute command.
	{
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Add(
			func() error {
				err := cmds[cmdName].Run(ctx)
				if err != nil {
					return fmt.Errorf("%q command failed: %w", cmdName, err)
				}
				return nil
			},
			func(_ error) {
				cancel()
			},
		)
	}

	return g.Run()
}

// getLogger returns the application logger and a func releasing its log file.
func getLogger(config commands.RootCommand) (log.Logger, func(), error) {
	if config.NoLog {
		return log.Noop, func() {}, nil
	}

	// If logger not disabled use logrus logger.
	logrusLog := logrus.New()
	logrusLog.Out = config.Stderr // By default logger goes to stderr (so it can split stdout prints).
	closeLog := func() {}
	if config.LogFile != "" {
		f, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("could not open log file: %w", err)
		}
		logrusLog.Out = io.MultiWriter(config.Stderr, f)
		closeLog = func() { _ = f.Close() }
	}
	logrusLogEntry := logrus.NewEntry(logrusLog)

	if config.Debug {
		logrusLogEntry.Logger.SetLevel(logrus.DebugLevel)
	}

	// Log format.
	switch config.LoggerType {
	case commands.LoggerTypeDefault:
		logrusLogEntry.Logger.SetFormatter(&logrus.TextFormatter{
			ForceColors:   !config.NoColor && config.LogFile == "",
			DisableColors: config.NoColor || config.LogFile != "",
		})
	case commands.LoggerTypeJSON:
		logrusLogEntry.Logger.SetFormatter(&logrus.JSONFormatter{})
	}

	logger := loglogrus.NewLogrus(logrusLogEntry).WithValues(log.Kv{
		"version": Version,
	})

	logger.Debugf("Debug level is enabled") // Will log only when debug enabled.

	return logger, closeLog, nil
}

func main() {
	ctx := context.Background()
	err := Run(ctx, os.Args, os.Stdin, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
