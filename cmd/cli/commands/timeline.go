package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var timelineCmd = &cobra.Command{
	Use:   "timeline [execution-id]",
	Short: "Show the step timeline of an execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeline, err := newClient().GetTimeline(commandContext(cmd), args[0])
		if err != nil {
			return fmt.Errorf("failed to get timeline: %w", err)
		}
		if outputJSON {
			return printJSON(timeline)
		}

		fmt.Printf("🕒 Execution %s (%s)\n\n", timeline.ExecutionID, statusLabel(timeline.Status))
		for _, entry := range timeline.Entries {
			duration := "-"
			if entry.DurationMs != nil {
				duration = (time.Duration(*entry.DurationMs) * time.Millisecond).String()
			}
			fmt.Printf("  +%-8s %-20s %-10s %-10s %s\n",
				(time.Duration(entry.OffsetMs) * time.Millisecond).String(),
				entry.NodeID, entry.NodeType, entry.Status, duration)
			if entry.Error != nil {
				fmt.Printf("            error: %s\n", *entry.Error)
			}
		}
		if timeline.DurationMs != nil {
			fmt.Printf("\nTotal: %s\n", time.Duration(*timeline.DurationMs)*time.Millisecond)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(timelineCmd)
}
