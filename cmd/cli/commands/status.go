package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/davidmoltin/bizflow/internal/models"
)

var (
	statusWorkflow string
	statusFilter   string
	statusLimit    int
)

var statusCmd = &cobra.Command{
	Use:   "status [execution-id]",
	Short: "Show an execution, or list recent executions",
	Long: `Show the state and steps of one execution. Without an id, list
recent executions.

Examples:
  bizflow status 9b2e...
  bizflow status --workflow 3f1c... --status waiting,failed --limit 50`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		client := newClient()

		if len(args) == 1 {
			execution, err := client.GetExecution(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to get execution: %w", err)
			}
			if outputJSON {
				return printJSON(execution)
			}
			printExecutionDetails(execution)
			return nil
		}

		list, err := client.ListExecutions(ctx, statusWorkflow, statusFilter, statusLimit)
		if err != nil {
			return fmt.Errorf("failed to list executions: %w", err)
		}
		if outputJSON {
			return printJSON(list)
		}
		printExecutionList(list.Executions)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusWorkflow, "workflow", "", "Filter by workflow ID")
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "Comma separated statuses (pending, running, waiting, completed, failed, cancelled)")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "Number of executions to show")
}

func printExecutionDetails(execution *models.WorkflowExecution) {
	fmt.Println("📊 Execution Details")
	fmt.Println("═══════════════════════════════════════════════════════════")
	fmt.Printf("ID:           %s\n", execution.ID)
	fmt.Printf("Workflow:     %s (v%d)\n", execution.WorkflowID, execution.WorkflowVersion)
	fmt.Printf("Status:       %s\n", statusLabel(execution.Status))
	fmt.Printf("Trigger:      %s\n", execution.Context.TriggerType)
	if execution.StartedAt != nil {
		fmt.Printf("Started:      %s\n", execution.StartedAt.Format(time.RFC3339))
	}
	if execution.CompletedAt != nil {
		fmt.Printf("Completed:    %s\n", execution.CompletedAt.Format(time.RFC3339))
		if execution.StartedAt != nil {
			fmt.Printf("Duration:     %s\n", execution.CompletedAt.Sub(*execution.StartedAt).Round(time.Millisecond))
		}
	}
	if execution.WaitingFor != "" {
		fmt.Printf("Waiting for:  %s at node %s\n", execution.WaitingFor, execution.CurrentNodeID)
		if execution.ResumeAt != nil {
			fmt.Printf("Resumes at:   %s\n", execution.ResumeAt.Format(time.RFC3339))
		}
	}
	if execution.ErrorMessage != nil && *execution.ErrorMessage != "" {
		fmt.Printf("Error:        %s\n", *execution.ErrorMessage)
	}

	if len(execution.Steps) == 0 {
		return
	}
	fmt.Println("\n📝 Steps:")
	fmt.Println("───────────────────────────────────────────────────────────")
	for i, step := range execution.Steps {
		fmt.Printf("  %2d. %-20s %-10s %s\n", i+1, step.NodeID, step.NodeType, step.Status)
	}
}

func printExecutionList(executions []*models.WorkflowExecution) {
	if len(executions) == 0 {
		fmt.Println("📭 No executions found")
		return
	}

	fmt.Printf("📋 Found %d execution(s):\n\n", len(executions))
	fmt.Printf("%-36s  %-36s  %-14s  %s\n", "EXECUTION", "WORKFLOW", "STATUS", "CREATED")
	for _, e := range executions {
		fmt.Printf("%-36s  %-36s  %-14s  %s\n", e.ID, e.WorkflowID, statusLabel(e.Status), e.CreatedAt.Format("2006-01-02 15:04:05"))
	}
}

func statusLabel(status models.ExecutionStatus) string {
	switch status {
	case models.ExecutionStatusPending:
		return "⏳ pending"
	case models.ExecutionStatusRunning:
		return "🏃 running"
	case models.ExecutionStatusWaiting:
		return "⏸ waiting"
	case models.ExecutionStatusCompleted:
		return "✅ completed"
	case models.ExecutionStatusFailed:
		return "❌ failed"
	case models.ExecutionStatusCancelled:
		return "🚫 cancelled"
	default:
		return string(status)
	}
}
