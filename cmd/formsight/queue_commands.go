package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"formsight/internal/jobqueue"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the background job queue",
	}

	queueCmd.AddCommand(newQueueStatusCommand(ctx))
	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueCancelCommand(ctx))
	queueCmd.AddCommand(newQueueClearCommand(ctx))
	queueCmd.AddCommand(newQueueRetryCommand(ctx))

	return queueCmd
}

func newQueueStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show job counts per state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *jobqueue.Store) error {
				stats, err := store.Stats(cmd.Context())
				if err != nil {
					return err
				}
				rows := buildQueueStatusRows(stats)
				if len(rows) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}
				table := renderTable([]string{"State", "Count"}, rows, []columnAlignment{alignLeft, alignRight})
				fmt.Fprintln(cmd.OutOrStdout(), table)
				return nil
			})
		},
	}
}

func buildQueueStatusRows(stats map[jobqueue.State]int) [][]string {
	order := []jobqueue.State{
		jobqueue.StatePending,
		jobqueue.StateProcessing,
		jobqueue.StateCompleted,
		jobqueue.StateFailed,
		jobqueue.StateCancelled,
	}
	var rows [][]string
	for _, state := range order {
		count, ok := stats[state]
		if !ok || count == 0 {
			continue
		}
		rows = append(rows, []string{displayLabel(string(state)), fmt.Sprintf("%d", count)})
	}
	return rows
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var stateFilters []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *jobqueue.Store) error {
				var states []jobqueue.State
				for _, raw := range stateFilters {
					states = append(states, jobqueue.State(raw))
				}
				jobs, err := store.List(cmd.Context(), states...)
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}
				rows := make([][]string, 0, len(jobs))
				for _, job := range jobs {
					rows = append(rows, []string{
						job.ID,
						string(job.Payload.Kind),
						jobSubject(job),
						job.Priority.String(),
						displayLabel(string(job.State)),
						fmt.Sprintf("%d", job.Retries),
						formatAge(job.CreatedAt),
					})
				}
				table := renderTable(
					[]string{"ID", "Kind", "Subject", "Priority", "State", "Retries", "Created"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
				)
				fmt.Fprintln(cmd.OutOrStdout(), table)
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&stateFilters, "state", "s", nil, "Filter by job state (repeatable)")
	return cmd
}

func jobSubject(job *jobqueue.Job) string {
	switch {
	case job.Payload.AnalyzeVideo != nil:
		return fmt.Sprintf("%s (%s)", job.Payload.AnalyzeVideo.URI, job.Payload.AnalyzeVideo.Exercise)
	case job.Payload.CacheWarm != nil:
		return job.Payload.CacheWarm.URI
	case job.Payload.Cleanup != nil:
		return fmt.Sprintf("older than %dh", job.Payload.Cleanup.OlderThanHours)
	default:
		return "-"
	}
}

func newQueueCancelCommand(ctx *commandContext) *cobra.Command {
	var remove bool

	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *jobqueue.Store) error {
				if err := store.CancelJob(cmd.Context(), args[0], remove); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cancelled job %s\n", args[0])
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&remove, "remove", false, "Delete the job record instead of marking it cancelled")
	return cmd
}

func newQueueClearCommand(ctx *commandContext) *cobra.Command {
	var clearCompleted bool
	var clearFailed bool
	var clearAll bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove queue entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if clearCompleted && clearFailed {
				return errors.New("specify only one of --completed or --failed")
			}
			return ctx.withStore(func(store *jobqueue.Store) error {
				out := cmd.OutOrStdout()
				var removed int64
				var err error
				switch {
				case clearAll:
					removed, err = store.ClearAll(cmd.Context())
				case clearCompleted:
					removed, err = store.ClearStates(cmd.Context(), jobqueue.StateCompleted)
				case clearFailed:
					removed, err = store.ClearStates(cmd.Context(), jobqueue.StateFailed)
				default:
					removed, err = store.ClearStates(cmd.Context(), jobqueue.StateCompleted, jobqueue.StateCancelled)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Cleared %d jobs\n", removed)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&clearCompleted, "completed", false, "Remove completed jobs only")
	cmd.Flags().BoolVar(&clearFailed, "failed", false, "Remove failed jobs only")
	cmd.Flags().BoolVar(&clearAll, "all", false, "Remove every job regardless of state")
	return cmd
}

func newQueueRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [job-id...]",
		Short: "Reset failed jobs for another attempt",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *jobqueue.Store) error {
				updated, err := store.RetryFailed(cmd.Context(), args...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d failed jobs\n", updated)
				return nil
			})
		},
	}
}
