package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/media-archive/internal/config"
	"github.com/example/media-archive/internal/logging"
	"github.com/example/media-archive/internal/persistence/sqlite"
	"github.com/example/media-archive/internal/persistence/sqlite/backup"
	"github.com/example/media-archive/internal/persistence/sqlite/migration"
	"github.com/example/media-archive/internal/persistence/sqlite/migrations"
	"github.com/example/media-archive/internal/persistence/sqlite/schema"
	"github.com/example/media-archive/internal/progress"
)

const usage = `Usage: archive-migrate <command> [arguments]

Commands:
  up              apply all pending migrations
  down <unit>     roll back a single applied migration
  status          show applied and pending migrations
  history         show the full migration ledger
  snapshots       list database snapshots
`

func main() {
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.ContextWithLogger(ctx, logger)

	store, err := sqlite.Open(cfg.DatabasePath, sqlite.DefaultOptions())
	if err != nil {
		logger.Error("failed to open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			logger.Error("failed to close database", "error", cerr)
		}
	}()

	backups := backup.NewStore(store, backup.Config{
		Dir:    cfg.BackupDir,
		Prefix: cfg.BackupPrefix,
		Keep:   cfg.BackupKeep,
	}, logger)

	reporter := progress.NewReporter(logger)
	reporter.Subscribe(newConsoleSubscriber(os.Stdout))

	rebuilder := schema.NewRebuilder(store, backups, reporter, logger)

	registry := migration.NewRegistry()
	if err := migrations.Register(registry, store, rebuilder); err != nil {
		logger.Error("failed to register migrations", "error", err)
		os.Exit(1)
	}

	ledger := migration.NewLedger(store)
	runner := migration.NewRunner(registry, ledger, backups, reporter, logger)

	if err := run(ctx, flag.Args(), runner, backups, cfg); err != nil {
		logger.Error("command failed", "command", flag.Arg(0), "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, runner *migration.Runner, backups *backup.Store, cfg config.Config) error {
	switch args[0] {
	case "up":
		if !cfg.MigrationsEnabled {
			return errors.New("migrations are disabled (ARCHIVE_MIGRATIONS_ENABLED=false)")
		}
		return runUp(ctx, runner, backups, cfg.BackupKeep)
	case "down":
		if len(args) < 2 {
			return errors.New("down requires a unit name")
		}
		return runDown(ctx, runner, args[1])
	case "status":
		return runStatus(ctx, runner)
	case "history":
		return runHistory(ctx, runner)
	case "snapshots":
		return runSnapshots(backups)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runUp(ctx context.Context, runner *migration.Runner, backups *backup.Store, keep int) error {
	result, err := runner.RunAll(ctx)
	if err != nil {
		return err
	}
	if result.AppliedCount == 0 {
		fmt.Println("database is up to date")
		return nil
	}
	for _, name := range result.Applied {
		fmt.Printf("applied %s\n", name)
	}

	removed, err := backups.Cleanup(keep)
	if err != nil {
		return fmt.Errorf("snapshot cleanup: %w", err)
	}
	if len(removed) > 0 {
		fmt.Printf("removed %d old snapshot(s)\n", len(removed))
	}
	return nil
}

func runDown(ctx context.Context, runner *migration.Runner, name string) error {
	outcome, err := runner.RollbackOne(ctx, name)
	if err != nil {
		return err
	}
	fmt.Printf("rolled back %s\n", outcome.Unit)
	return nil
}

func runStatus(ctx context.Context, runner *migration.Runner) error {
	history, err := runner.History(ctx)
	if err != nil {
		return err
	}
	pending, err := runner.Pending(ctx)
	if err != nil {
		return err
	}

	for _, entry := range history {
		state := "applied"
		if !entry.Success {
			state = "failed"
		}
		fmt.Printf("%-10s %s (%s)\n", state, entry.Name, entry.AppliedAt.Format("2006-01-02 15:04:05"))
	}
	for _, name := range pending {
		fmt.Printf("%-10s %s\n", "pending", name)
	}
	if len(history) == 0 && len(pending) == 0 {
		fmt.Println("no migrations registered")
	}
	return nil
}

func runHistory(ctx context.Context, runner *migration.Runner) error {
	history, err := runner.History(ctx)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		fmt.Println("ledger is empty")
		return nil
	}
	for _, entry := range history {
		fmt.Printf("%4d  %-40s success=%-5v %s\n",
			entry.ID, entry.Name, entry.Success, entry.AppliedAt.Format("2006-01-02 15:04:05"))
		if entry.ErrorMessage != "" {
			fmt.Printf("      error: %s\n", entry.ErrorMessage)
		}
		if entry.RollbackInfo != "" {
			fmt.Printf("      snapshot: %s\n", entry.RollbackInfo)
		}
	}
	return nil
}

func runSnapshots(backups *backup.Store) error {
	snapshots, err := backups.List()
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		fmt.Println("no snapshots")
		return nil
	}
	for _, snap := range snapshots {
		label := snap.Label
		if label == "" {
			label = "-"
		}
		fmt.Printf("%s  %-30s %s\n", snap.CreatedAt.Format("2006-01-02 15:04:05"), label, snap.Path)
	}
	return nil
}
