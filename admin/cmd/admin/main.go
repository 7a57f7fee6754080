package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/medallion/admin/internal/admin"
	"github.com/malbeclabs/medallion/pipeline/pkg/config"
	"github.com/malbeclabs/medallion/pipeline/pkg/metrics"
	"github.com/malbeclabs/medallion/pipeline/pkg/server"
	"github.com/malbeclabs/medallion/pipeline/pkg/state"
	"github.com/malbeclabs/medallion/pipeline/pkg/store/sqlstore"
	"github.com/malbeclabs/medallion/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	envFileFlag := flag.String("env-file", ".env", "load environment variables from this file when it exists")

	// Overrides of MEDALLION_* environment variables
	schemaDirFlag := flag.String("schema-dir", "", "schema definition directory (or set MEDALLION_SCHEMA_DIR)")
	ruleSetDirFlag := flag.String("ruleset-dir", "", "rule set directory (or set MEDALLION_RULESET_DIR)")
	dialectFlag := flag.String("store-dialect", "", "state store dialect, sqlite or postgres (or set MEDALLION_STORE_DIALECT)")
	dsnFlag := flag.String("store-dsn", "", "state store DSN (or set MEDALLION_STORE_DSN)")
	rawDirFlag := flag.String("raw-dir", "", "raw data directory (or set MEDALLION_RAW_DIR)")
	listenAddrFlag := flag.String("listen-addr", "", "status server address (or set MEDALLION_SERVER_LISTEN_ADDR)")

	// Commands
	materializeFlag := flag.Bool("materialize", false, "materialize the given datasets (all when none given)")
	statusFlag := flag.Bool("status", false, "show dataset watermarks, or the run log of --dataset")
	resetFlag := flag.Bool("reset", false, "drop the zone tables and watermarks of the given datasets")
	serveFlag := flag.Bool("serve", false, "run the status server until interrupted")
	migrateFlag := flag.Bool("migrate", false, "run state store migrations")
	migrateDownFlag := flag.Bool("migrate-down", false, "roll back the most recent state store migration")
	migrateStatusFlag := flag.Bool("migrate-status", false, "show state store migration status")
	envUsageFlag := flag.Bool("env-usage", false, "list the recognised environment variables")

	// Command options
	datasetsFlag := flag.StringSlice("dataset", nil, "dataset, or dataset=stage, to act on (repeatable)")
	targetFlag := flag.String("target", "gold", "default target stage for --materialize")
	forceFlag := flag.Bool("force", false, "rebuild every stage from Bronze")
	dryRunFlag := flag.Bool("dry-run", false, "show what would be done without executing")
	yesFlag := flag.Bool("yes", false, "skip confirmation prompt (use with caution)")

	flag.Parse()

	if *envUsageFlag {
		fmt.Print(config.Usage())
		return nil
	}

	if err := godotenv.Load(*envFileFlag); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", *envFileFlag, err)
	}

	// Flags take precedence over the environment
	for name, value := range map[string]string{
		"MEDALLION_SCHEMA_DIR":         *schemaDirFlag,
		"MEDALLION_RULESET_DIR":        *ruleSetDirFlag,
		"MEDALLION_STORE_DIALECT":      *dialectFlag,
		"MEDALLION_STORE_DSN":          *dsnFlag,
		"MEDALLION_RAW_DIR":            *rawDirFlag,
		"MEDALLION_SERVER_LISTEN_ADDR": *listenAddrFlag,
	} {
		if value != "" {
			if err := os.Setenv(name, value); err != nil {
				return err
			}
		}
	}
	if *verboseFlag {
		if err := os.Setenv("MEDALLION_LOG_LEVEL", "debug"); err != nil {
			return err
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log := logger.NewWithOptions(logger.Options{Level: level, Format: logger.Format(cfg.LogFormat)})
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Migration commands work on the state store alone.
	if *migrateFlag || *migrateDownFlag || *migrateStatusFlag {
		st, err := sqlstore.Open(ctx, sqlstore.Config{Logger: log, Dialect: cfg.Store.Dialect, DSN: cfg.Store.DSN})
		if err != nil {
			return err
		}
		defer st.Close()
		switch {
		case *migrateDownFlag:
			return st.MigrateDown(ctx)
		case *migrateStatusFlag:
			return admin.MigrateStatus(ctx, st, os.Stdout)
		default:
			return st.Migrate(ctx)
		}
	}

	if !*materializeFlag && !*statusFlag && !*resetFlag && !*serveFlag {
		flag.Usage()
		return errors.New("no command given")
	}

	p, err := admin.Open(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	switch {
	case *materializeFlag:
		def, err := state.ParseStage(*targetFlag)
		if err != nil {
			return err
		}
		targets, err := admin.ParseTargets(*datasetsFlag, def, p.Registry)
		if err != nil {
			return err
		}
		return admin.Materialize(ctx, p.Orchestrator, targets, *forceFlag, os.Stdout)

	case *statusFlag:
		if len(*datasetsFlag) > 1 {
			return errors.New("--status takes at most one --dataset")
		}
		var id string
		if len(*datasetsFlag) == 1 {
			id = (*datasetsFlag)[0]
		}
		return admin.Status(ctx, p.Orchestrator, id, os.Stdout)

	case *resetFlag:
		if len(*datasetsFlag) == 0 {
			return errors.New("--dataset is required for --reset")
		}
		return admin.Reset(ctx, p.Orchestrator, *datasetsFlag, admin.ResetConfig{
			DryRun:      *dryRunFlag,
			SkipConfirm: *yesFlag,
			In:          os.Stdin,
			Out:         os.Stdout,
		})

	default:
		srv, err := server.New(server.Config{
			Logger:          log,
			ListenAddr:      cfg.Server.ListenAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			AllowedOrigins:  cfg.Server.AllowedOrigins,
			VersionInfo:     server.VersionInfo{Version: version, Commit: commit, Date: date},
			Status:          p.Orchestrator,
		})
		if err != nil {
			return err
		}
		return srv.Run(ctx)
	}
}
