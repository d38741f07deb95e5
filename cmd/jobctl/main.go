// Command jobctl administers the job queue from a shell.
//
// Subcommands:
//
//	migrate    apply pending schema migrations
//	enqueue    add a job
//	stats      print job counts
//	dlq        list, acknowledge or retry dead letters
//	clear      delete old completed jobs
//	hash       hash files locally through the task pool
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/cuongbtq/archive-jobs/internal/config"
	"github.com/cuongbtq/archive-jobs/internal/jobqueue"
	"github.com/cuongbtq/archive-jobs/shared/logger"
	"github.com/cuongbtq/archive-jobs/shared/postgresql"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app carries what every subcommand needs once the config is loaded.
type app struct {
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *slog.Logger
	out    io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{out: os.Stdout}

	root := &cobra.Command{
		Use:           "jobctl",
		Short:         "Administer the durable job queue",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			a.cfg = cfg

			level := "warn"
			if a.verbose {
				level = "debug"
			}
			l, err := logger.New(&logger.Config{Level: level, Format: "console", Output: "stderr", TimeFormat: time.TimeOnly})
			if err != nil {
				return err
			}
			a.logger = l.Logger
			a.out = cmd.OutOrStdout()
			return nil
		},
	}

	defaultConfigPath := os.Getenv("JOBCTL_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Log debug output to stderr")

	root.AddCommand(
		a.migrateCmd(),
		a.enqueueCmd(),
		a.statsCmd(),
		a.dlqCmd(),
		a.clearCmd(),
		a.hashCmd(),
	)
	return root
}

// withQueue opens the database, builds a Queue and runs fn.
func (a *app) withQueue(ctx context.Context, fn func(ctx context.Context, q *jobqueue.Queue) error) error {
	db, err := a.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	q := jobqueue.New(db.GetDB(), a.logger, jobqueue.Config{
		WorkerID:           a.cfg.Queue.WorkerID,
		StaleLockTimeout:   a.cfg.Queue.StaleLockTimeout,
		DefaultMaxAttempts: a.cfg.Queue.DefaultMaxAttempts,
	})
	return fn(ctx, q)
}

func (a *app) openDB() (*postgresql.Client, error) {
	d := a.cfg.Database
	db, err := postgresql.NewClient(&postgresql.Config{
		Host:         d.Host,
		Port:         d.Port,
		User:         d.User,
		Password:     d.Password,
		Database:     d.Database,
		SSLMode:      d.SSLMode,
		MaxOpenConns: 2,
		MaxIdleConns: 1,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return db, nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
