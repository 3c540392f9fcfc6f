package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"formsight/internal/analysis"
	"formsight/internal/frames"
	"formsight/internal/jobqueue"
)

func newAnalyzeCommand(ctx *commandContext) *cobra.Command {
	var exercise string
	var background bool
	var priorityFlag string
	var conditionFlag string

	cmd := &cobra.Command{
		Use:   "analyze <video>",
		Short: "Analyze an exercise video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			priority, err := parsePriority(priorityFlag)
			if err != nil {
				return err
			}
			condition, err := jobqueue.ParseCondition(conditionFlag)
			if err != nil {
				return err
			}
			if strings.TrimSpace(exercise) == "" {
				return fmt.Errorf("--exercise is required (one of: %s)", strings.Join(frames.KnownExercises(), ", "))
			}

			return ctx.withOrchestrator(cmd.Context(), func(orch *analysis.Orchestrator) error {
				result, err := orch.Analyze(cmd.Context(), args[0], exercise, analysis.AnalyzeOptions{
					Background: background,
					Priority:   priority,
					Condition:  condition,
				})
				if err != nil {
					return err
				}
				printAnalysisResult(cmd, result)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&exercise, "exercise", "e", "", "Exercise type in the video (e.g. squat, pushup)")
	cmd.Flags().BoolVar(&background, "background", false, "Queue the analysis instead of running it now")
	cmd.Flags().StringVar(&priorityFlag, "priority", "normal", "Queue priority (critical, high, normal, low)")
	cmd.Flags().StringVar(&conditionFlag, "condition", "any", "Queue execution condition (any, wifi_only, charging_only, idle_only)")
	return cmd
}

func printAnalysisResult(cmd *cobra.Command, result *analysis.AnalysisResult) {
	out := cmd.OutOrStdout()

	if result.Queued {
		fmt.Fprintf(out, "Analysis deferred to the background queue (job %s)\n", result.JobID)
		fmt.Fprintln(out, "Run `formsight daemon` to process queued work.")
		return
	}
	if result.Cancelled {
		fmt.Fprintln(out, "Analysis cancelled")
		return
	}
	if !result.Success {
		fmt.Fprintf(out, "Analysis failed: %s\n", result.Error)
		return
	}

	summary := result.Summary
	fmt.Fprintf(out, "Analyzed %s (%s)\n", result.URI, displayLabel(result.Exercise))

	rows := [][]string{
		{"Frames analyzed", fmt.Sprintf("%d", len(result.Frames))},
		{"Frames failed", fmt.Sprintf("%d", result.FailedFrames)},
		{"Average frame time", summary.AverageFrameTime.Round(time.Millisecond).String()},
		{"Peak frame time", summary.MaxFrameTime.Round(time.Millisecond).String()},
		{"Throughput", fmt.Sprintf("%.1f fps", summary.AverageFPS)},
		{"Peak memory", fmt.Sprintf("%.1f MiB", float64(summary.PeakMemoryBytes)/(1024*1024))},
	}
	if summary.BatteryDrainKnown {
		rows = append(rows, []string{"Battery drain", fmt.Sprintf("%.1f%%", summary.BatteryDrain)})
	}
	fmt.Fprintln(out, renderTable([]string{"Metric", "Value"}, rows, []columnAlignment{alignLeft, alignRight}))

	for _, warning := range summary.Warnings {
		fmt.Fprintf(out, "warning: %s (%s)\n", warning.Message, warning.Type)
	}
}

func parsePriority(raw string) (jobqueue.Priority, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "normal":
		return jobqueue.PriorityNormal, nil
	case "critical":
		return jobqueue.PriorityCritical, nil
	case "high":
		return jobqueue.PriorityHigh, nil
	case "low":
		return jobqueue.PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority %q (expected critical, high, normal, or low)", raw)
	}
}
