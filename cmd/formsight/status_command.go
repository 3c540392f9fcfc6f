package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"formsight/internal/analysis"
	"formsight/internal/governor"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show device profile, resource state, and queue summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withOrchestrator(cmd.Context(), func(orch *analysis.Orchestrator) error {
				stats := orch.PerformanceStats(cmd.Context())
				profile := orch.Profile()
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)

				for _, line := range renderSectionHeader("Device", colorize) {
					fmt.Fprintln(out, line)
				}
				fmt.Fprintln(out, renderStatusLine("Tier", statusInfo, displayLabel(string(profile.Tier)), colorize))
				fmt.Fprintln(out, renderStatusLine("Memory", statusInfo, fmt.Sprintf("%.1f GiB", float64(profile.TotalMemoryBytes)/(1<<30)), colorize))
				fmt.Fprintln(out, renderStatusLine("CPU cores", statusInfo, fmt.Sprintf("%d", profile.CPUCount), colorize))
				fmt.Fprintln(out, renderStatusLine("Kernel", statusInfo, profile.KernelVersion, colorize))
				fmt.Fprintln(out, renderStatusLine("Worker cap", statusInfo, fmt.Sprintf("%d", profile.WorkerCap()), colorize))
				fmt.Fprintln(out)

				for _, line := range renderSectionHeader("Resources", colorize) {
					fmt.Fprintln(out, line)
				}
				snap := stats.Governor
				fmt.Fprintln(out, renderStatusLine("Mode", statusInfo, displayLabel(string(stats.Mode)), colorize))
				fmt.Fprintln(out, renderStatusLine("Battery", batteryKind(snap.Battery), batteryDetail(snap.Battery), colorize))
				fmt.Fprintln(out, renderStatusLine("Network", statusInfo, displayLabel(string(snap.Network)), colorize))
				fmt.Fprintln(out, renderStatusLine("Memory pressure", pressureKind(snap.Memory), displayLabel(string(snap.Memory)), colorize))
				fmt.Fprintln(out, renderStatusLine("Thermal", thermalKind(snap.Thermal), displayLabel(string(snap.Thermal)), colorize))
				fmt.Fprintln(out)

				for _, line := range renderSectionHeader("Pipeline", colorize) {
					fmt.Fprintln(out, line)
				}
				processorDetail := displayLabel(string(stats.ProcessorState))
				if stats.ProcessorStage != "" {
					processorDetail = fmt.Sprintf("%s (%s %s)", processorDetail, displayLabel(stats.ProcessorStage), stats.ActiveVideo)
				}
				fmt.Fprintln(out, renderStatusLine("Processor", statusInfo, processorDetail, colorize))
				fmt.Fprintln(out, renderStatusLine("Scheduler paused", statusInfo, yesNo(stats.SchedulerIdle), colorize))
				fmt.Fprintln(out, renderStatusLine("Frame pool", statusInfo, fmt.Sprintf("%d/%d in use", stats.PoolInUse, stats.PoolCapacity), colorize))
				fmt.Fprintln(out, renderStatusLine("Frame cache", statusInfo, fmt.Sprintf("%d entries, %.1f MiB", stats.CacheEntries, float64(stats.CacheBytes)/(1<<20)), colorize))
				fmt.Fprintln(out)

				rows := buildQueueStatusRows(stats.QueueStats)
				if len(rows) == 0 {
					fmt.Fprintln(out, "Queue is empty")
					return nil
				}
				fmt.Fprintln(out, renderTable([]string{"State", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
				return nil
			})
		},
	}
}

func batteryKind(status governor.BatteryStatus) statusKind {
	switch {
	case !status.Present:
		return statusInfo
	case status.State == governor.BatteryCharging:
		return statusOK
	case status.LevelPercent < 20:
		return statusWarn
	default:
		return statusOK
	}
}

func batteryDetail(status governor.BatteryStatus) string {
	if !status.Present {
		return "not present"
	}
	return fmt.Sprintf("%.0f%% (%s)", status.LevelPercent, displayLabel(string(status.State)))
}

func pressureKind(pressure governor.MemoryPressure) statusKind {
	switch pressure {
	case governor.MemoryCritical:
		return statusError
	case governor.MemoryWarning:
		return statusWarn
	default:
		return statusOK
	}
}

func thermalKind(state governor.ThermalState) statusKind {
	switch state {
	case governor.ThermalCritical:
		return statusError
	case governor.ThermalSerious:
		return statusWarn
	default:
		return statusOK
	}
}
