package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/msageha/orchestrator/internal/conventions"
	"github.com/msageha/orchestrator/internal/lock"
	"github.com/msageha/orchestrator/internal/queuefile"
)

const queueLockTimeout = 30 * time.Second

// NewQueueCommand returns the parent of the queue maintenance subcommands.
func NewQueueCommand(app *kingpin.Application) *kingpin.CmdClause {
	return app.Command("queue", "Maintain the queue files.")
}

type queueFile struct {
	path string
	kind queuefile.Kind
}

func queueFiles(layout conventions.Layout) []queueFile {
	return []queueFile{
		{layout.TaskQueuePath(), queuefile.KindTasks},
		{layout.IssueQueuePath(), queuefile.KindIssues},
	}
}

// withQueueLock runs fn holding the lock every queue writer takes.
func withQueueLock(ctx context.Context, layout conventions.Layout, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, queueLockTimeout)
	defer cancel()

	fl := lock.NewSharedFileLock(layout.Path(conventions.QueueLockFile))
	if err := fl.Lock(ctx); err != nil {
		return err
	}
	defer fl.Unlock()
	return fn()
}

type QueueMigrateCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand
}

// NewQueueMigrateCommand returns the queue migrate command.
func NewQueueMigrateCommand(rootCmd *RootCommand, queueCmd *kingpin.CmdClause) *QueueMigrateCommand {
	c := &QueueMigrateCommand{rootCmd: rootCmd}
	c.Cmd = queueCmd.Command("migrate", "Rewrite legacy-format queue files in the current format.")
	return c
}

func (c QueueMigrateCommand) Name() string { return c.Cmd.FullCommand() }

func (c QueueMigrateCommand) Run(ctx context.Context) error {
	layout, err := c.rootCmd.Layout()
	if err != nil {
		return err
	}

	return withQueueLock(ctx, layout, func() error {
		for _, q := range queueFiles(layout) {
			migrated, err := queuefile.Migrate(q.path, q.kind)
			if err != nil {
				return err
			}
			state := "already current"
			if migrated {
				state = "migrated (backup in .bak)"
				c.rootCmd.Logger.Infof("queue migrated file=%s", q.path)
			}
			fmt.Fprintf(c.rootCmd.Stdout, "%s\t%s\n", filepath.Base(q.path), state)
		}
		return nil
	})
}

type QueueRepairCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand
}

// NewQueueRepairCommand returns the queue repair command.
func NewQueueRepairCommand(rootCmd *RootCommand, queueCmd *kingpin.CmdClause) *QueueRepairCommand {
	c := &QueueRepairCommand{rootCmd: rootCmd}
	c.Cmd = queueCmd.Command("repair", "Quarantine unparseable queue files and restore the last good backup.")
	return c
}

func (c QueueRepairCommand) Name() string { return c.Cmd.FullCommand() }

func (c QueueRepairCommand) Run(ctx context.Context) error {
	layout, err := c.rootCmd.Layout()
	if err != nil {
		return err
	}

	return withQueueLock(ctx, layout, func() error {
		for _, q := range queueFiles(layout) {
			rec, err := queuefile.Repair(layout.QuarantineDir(), q.path, q.kind)
			if err != nil {
				return err
			}
			name := filepath.Base(q.path)
			switch {
			case rec.QuarantinedTo == "":
				fmt.Fprintf(c.rootCmd.Stdout, "%s\tok\n", name)
			case rec.FromBackup:
				fmt.Fprintf(c.rootCmd.Stdout, "%s\trestored from backup, corrupted copy in %s\n", name, rec.QuarantinedTo)
			default:
				fmt.Fprintf(c.rootCmd.Stdout, "%s\treset to empty, corrupted copy in %s\n", name, rec.QuarantinedTo)
			}
			if rec.QuarantinedTo != "" {
				c.rootCmd.Logger.Warningf("queue repaired file=%s quarantined=%s from_backup=%t backup_error=%v", q.path, rec.QuarantinedTo, rec.FromBackup, rec.BackupError)
			}
		}
		return nil
	})
}
