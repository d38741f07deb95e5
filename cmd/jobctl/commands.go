package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/archive-jobs/internal/hashing"
	"github.com/cuongbtq/archive-jobs/internal/jobqueue"
	"github.com/cuongbtq/archive-jobs/internal/taskpool"
	"github.com/cuongbtq/archive-jobs/migrations"
)

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := a.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			version, err := migrations.Up(db.GetDB().DB)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "schema at version %d\n", version)
			return nil
		},
	}
}

func (a *app) enqueueCmd() *cobra.Command {
	var (
		payload     string
		priority    int
		maxAttempts int
		dependsOn   string
		jobID       string
	)

	cmd := &cobra.Command{
		Use:   "enqueue <queue>",
		Short: "Add a job to a queue",
		Example: `  jobctl enqueue hash --payload '{"path":"/srv/archive/report.pdf"}'
  jobctl enqueue hash --payload '{"paths":["a.txt","b.txt"]}' --priority 5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if payload != "" && !json.Valid([]byte(payload)) {
				return fmt.Errorf("payload is not valid JSON")
			}

			return a.withQueue(cmd.Context(), func(ctx context.Context, q *jobqueue.Queue) error {
				id, err := q.AddJob(ctx, jobqueue.AddJobInput{
					Queue:       args[0],
					Payload:     []byte(payload),
					Priority:    priority,
					DependsOn:   dependsOn,
					MaxAttempts: maxAttempts,
					JobID:       jobID,
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(a.out, id)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&payload, "payload", "p", "", "JSON payload")
	cmd.Flags().IntVar(&priority, "priority", 0, "Higher runs first")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Attempt ceiling (0 uses the queue default)")
	cmd.Flags().StringVar(&dependsOn, "depends-on", "", "Parent job ID that must complete first")
	cmd.Flags().StringVar(&jobID, "id", "", "Explicit job ID")
	return cmd
}

func (a *app) statsCmd() *cobra.Command {
	var queue string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print job counts by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withQueue(cmd.Context(), func(ctx context.Context, q *jobqueue.Queue) error {
				stats, err := q.GetStats(ctx, queue)
				if err != nil {
					return err
				}

				tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
				fmt.Fprintf(tw, "pending\t%d\n", stats.Pending)
				fmt.Fprintf(tw, "  retrying\t%d\n", stats.Retrying)
				fmt.Fprintf(tw, "processing\t%d\n", stats.Processing)
				fmt.Fprintf(tw, "completed\t%d\n", stats.Completed)
				fmt.Fprintf(tw, "dead\t%d\n", stats.Dead)
				fmt.Fprintf(tw, "dead letters\t%d\n", stats.DeadLetters)
				fmt.Fprintf(tw, "total\t%d\n", stats.Total())
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", "", "Restrict to one queue")
	return cmd
}

func (a *app) dlqCmd() *cobra.Command {
	dlq := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and act on dead letters",
	}

	var (
		queue  string
		limit  int
		all    bool
		asJSON bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withQueue(cmd.Context(), func(ctx context.Context, q *jobqueue.Queue) error {
				entries, err := q.GetDeadLetterQueue(ctx, jobqueue.DeadLetterFilter{
					Queue:               queue,
					Limit:               limit,
					IncludeAcknowledged: all,
				})
				if err != nil {
					return err
				}
				if asJSON {
					return a.printJSON(entries)
				}

				tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tJOB\tQUEUE\tATTEMPTS\tFAILED AT\tACK\tERROR")
				for _, e := range entries {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%t\t%s\n",
						e.ID, e.JobID, e.Queue, e.Attempts, e.FailedAt.Format(time.RFC3339), e.Acknowledged, e.Error)
				}
				return tw.Flush()
			})
		},
	}
	list.Flags().StringVarP(&queue, "queue", "q", "", "Restrict to one queue")
	list.Flags().IntVarP(&limit, "limit", "n", jobqueue.DefaultDeadLetterLimit, "Maximum entries")
	list.Flags().BoolVarP(&all, "all", "a", false, "Include acknowledged entries")
	list.Flags().BoolVar(&asJSON, "json", false, "Print JSON")

	ack := &cobra.Command{
		Use:   "ack <id>...",
		Short: "Acknowledge dead letters",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return a.withQueue(cmd.Context(), func(ctx context.Context, q *jobqueue.Queue) error {
				n, err := q.AcknowledgeDeadLetter(ctx, ids)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "acknowledged %d\n", n)
				return nil
			})
		},
	}

	retry := &cobra.Command{
		Use:   "retry <id>",
		Short: "Re-enqueue a dead letter as a new job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return a.withQueue(cmd.Context(), func(ctx context.Context, q *jobqueue.Queue) error {
				jobID, err := q.RetryDeadLetter(ctx, ids[0])
				if err != nil {
					return err
				}
				if jobID == "" {
					return fmt.Errorf("dead letter %d not found or already acknowledged", ids[0])
				}
				fmt.Fprintln(a.out, jobID)
				return nil
			})
		},
	}

	dlq.AddCommand(list, ack, retry)
	return dlq
}

func (a *app) clearCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete completed jobs older than a duration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withQueue(cmd.Context(), func(ctx context.Context, q *jobqueue.Queue) error {
				n, err := q.ClearCompleted(ctx, olderThan)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "deleted %d\n", n)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "Minimum age of completed jobs to delete")
	return cmd
}

// hashCmd runs files through the hashing pool without touching the database.
func (a *app) hashCmd() *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "hash <file>...",
		Short: "Print the content key of each file",
		Args:  cobra.MinimumNArgs(1),
		// No database or config needed.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			pool := hashing.NewPool(taskpool.Config{Concurrency: concurrency})
			if err := pool.Start(cmd.Context()); err != nil {
				return err
			}
			defer pool.Shutdown(context.Background())

			results := pool.ExecuteBatchWithProgress(cmd.Context(), args, func(done, total int) {
				fmt.Fprintf(os.Stderr, "\r%d/%d", done, total)
			})
			fmt.Fprintln(os.Stderr)

			out := cmd.OutOrStdout()
			failed := 0
			for i, r := range results {
				if !r.OK() {
					failed++
					fmt.Fprintf(os.Stderr, "%s: %s\n", args[i], r.Err)
					continue
				}
				fmt.Fprintf(out, "%s  %s\n", r.Value, args[i])
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files failed", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&concurrency, "concurrency", "j", 0, "Hashing workers (0 uses CPU count minus one)")
	return cmd
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid dead letter id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
