// Command migrate is the standalone entry point for the legacy-to-unified
// store migration: migrate / validate / rollback / status subcommands
// over a single user-data root.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/richblack/storemigrator/config"
	"github.com/richblack/storemigrator/logging"
	"github.com/richblack/storemigrator/migration"
	"github.com/richblack/storemigrator/storedriver"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "no .env file found, using system environment variables")
	}

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "migrate":
		runMigrate(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "rollback":
		runRollback(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: migrate <migrate|validate|rollback|status> [flags]")
}

func loadConfig(fs *flag.FlagSet, args []string) *config.Config {
	configFile := fs.String("config", "", "path to a migration_config.yaml overriding env defaults")
	fs.Parse(args)

	cfg := config.Load()
	if *configFile != "" {
		if err := cfg.ApplyYAMLFile(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "load config file: %v\n", err)
			os.Exit(1)
		}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func newLogger(cfg *config.Config) logging.Logger {
	if cfg.Logging.LogFile == "" {
		return logging.New(logging.ParseLevel(cfg.Logging.Level), "migrate", os.Stderr)
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.Logging.LogFile,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAgeDays,
		Compress:   true,
	}
	return logging.New(logging.ParseLevel(cfg.Logging.Level), "migrate", rotator)
}

func orchestratorConfig(cfg *config.Config) migration.OrchestratorConfig {
	unifiedFile := cfg.Paths.UnifiedFile
	if cfg.DryRun {
		unifiedFile += ".scratch.tmp"
	}

	sqliteDriver := &storedriver.SQLiteDriver{}

	return migration.OrchestratorConfig{
		UserDataRoot:     cfg.Paths.UserDataRoot,
		RowStoreDir:      cfg.Paths.RowStoreDir,
		VectorStoreDir:   cfg.Paths.VectorDir,
		BackupRoot:       cfg.Paths.BackupRoot,
		UnifiedFile:      unifiedFile,
		BatchSize:        cfg.Copy.BatchSize,
		VectorDimension:  cfg.Vector.Dimension,
		BackupVerify:     cfg.Backup.Verify,
		BackupTimestamp:  cfg.Backup.IncludeTimestamp,
		MaxFileSizeBytes: cfg.Backup.MaxFileSizeBytes,
		SoftWarnBytes:    cfg.Backup.SoftWarnBytes,
		DryRun:           cfg.DryRun,
		CopyTimeout:      cfg.Timeouts.Copy,
		ValidateTimeout:  cfg.Timeouts.Validate,
		BackupTimeout:    cfg.Timeouts.Backup,
		RowStoreDriver:   sqliteDriver,
		VectorDriver:     sqliteDriver,
		UnifiedDriver:    sqliteDriver,
	}
}

func runMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	cfg := loadConfig(fs, args)
	logger := newLogger(cfg)

	orch := migration.NewOrchestrator(orchestratorConfig(cfg), func(p migration.MigrationProgress) {
		logger.Info("progress", logging.String("phase", string(p.Phase)), logging.String("step", p.CurrentStep), logging.Float64("percent", p.Percentage))
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		orch.Cancel()
	}()

	result := orch.Run(context.Background())
	printResult(result)
	if !result.Success {
		os.Exit(1)
	}
}

func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	cfg := loadConfig(fs, args)
	logger := newLogger(cfg)

	sqliteDriver := &storedriver.SQLiteDriver{}
	handle, err := sqliteDriver.Open(context.Background(), cfg.Paths.UnifiedFile, storedriver.OpenOptions{ReadOnly: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open unified store: %v\n", err)
		os.Exit(1)
	}
	defer handle.Close()

	schemaMgr := migration.NewSchemaManager(handle, cfg.Vector.Dimension, logger)
	validator := migration.NewValidator(handle, schemaMgr, cfg.Vector.Dimension, logger)
	report, err := validator.Validate(context.Background(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "validate: %v\n", err)
		os.Exit(1)
	}

	if report.Passed() {
		fmt.Println("validation passed")
		return
	}
	fmt.Println("validation failed:")
	for _, f := range report.Failures() {
		fmt.Printf("  - %s: %s\n", f.RuleName, f.Message)
	}
	os.Exit(1)
}

func runRollback(args []string) {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	recoveryPointID := fs.String("recovery-point", "", "restore from a specific recovery point id instead of the latest backup set")
	cfg := loadConfig(fs, args)
	logger := newLogger(cfg)

	sqliteDriver := &storedriver.SQLiteDriver{}
	backupMgr := migration.NewBackupManager(cfg.Paths.BackupRoot, cfg.Backup.IncludeTimestamp, cfg.Backup.Verify, logger)
	engine := migration.NewRollbackEngine(backupMgr, cfg.Paths.UserDataRoot, cfg.Paths.RowStoreDir, cfg.Paths.VectorDir, cfg.Paths.UnifiedFile,
		map[migration.LegacyKind]storedriver.Driver{migration.KindRowStore: sqliteDriver, migration.KindVectorStore: sqliteDriver},
		sqliteDriver, logger)

	ctx := context.Background()
	if *recoveryPointID != "" {
		result, err := engine.RecoverPartial(ctx, *recoveryPointID, migration.RollbackOptions{Snapshot: true, ContinueOnError: true})
		if err != nil {
			fmt.Fprintf(os.Stderr, "rollback: %v\n", err)
			os.Exit(1)
		}
		printRollbackResult(result)
		return
	}

	backups, err := backupMgr.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "list backups: %v\n", err)
		os.Exit(1)
	}
	// List returns every set, newest first; restore only the newest one.
	if len(backups) > 0 {
		latestSet := filepath.Dir(filepath.Dir(backups[0].BackupPath))
		latest := backups[:0]
		for _, b := range backups {
			if filepath.Dir(filepath.Dir(b.BackupPath)) == latestSet {
				latest = append(latest, b)
			}
		}
		backups = latest
	}
	result, err := engine.ExecuteRollback(ctx, backups, migration.RollbackOptions{Snapshot: true, ContinueOnError: true}, func(step string) {
		logger.Info("rollback step", logging.String("step", step))
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "rollback: %v\n", err)
		os.Exit(1)
	}
	printRollbackResult(result)
	if !result.Success {
		os.Exit(1)
	}
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfg := loadConfig(fs, args)
	logger := newLogger(cfg)

	detector := migration.NewDetector(cfg.Paths.RowStoreDir, cfg.Paths.VectorDir, cfg.Backup.MaxFileSizeBytes, cfg.Backup.SoftWarnBytes, logger)
	detection, err := detector.Detect()
	if err != nil {
		fmt.Fprintf(os.Stderr, "detect: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("legacy files present: %v\n", detection.HasLegacy)
	fmt.Printf("requires migration:   %v\n", detection.RequiresMigration)
	fmt.Printf("row store files:      %d\n", len(detection.RowFiles))
	fmt.Printf("vector store files:   %d\n", len(detection.VectorFiles))
	fmt.Printf("total size:           %d bytes\n", detection.TotalSize)
}

func printResult(r migration.Result) {
	fmt.Printf("success: %v\nphase: %s\nduration: %s\n", r.Success, r.Phase, r.Duration)
	for _, e := range r.Errors {
		fmt.Printf("error: %s\n", e)
	}
	for _, w := range r.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
}

func printRollbackResult(r migration.RollbackResult) {
	fmt.Printf("success: %v\nfiles restored: %d\nsystem state valid: %v\n", r.Success, r.FilesRestored, r.SystemStateValid)
	for _, e := range r.Errors {
		fmt.Printf("error: %s\n", e)
	}
}
