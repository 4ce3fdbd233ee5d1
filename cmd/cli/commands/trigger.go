package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/davidmoltin/bizflow/internal/models"
)

var (
	triggerData  string
	triggerAsync bool
)

var triggerCmd = &cobra.Command{
	Use:   "trigger [workflow-id]",
	Short: "Start an execution of an active workflow",
	Long: `Start a manual execution. Without --async the command waits until
the execution completes, fails or suspends.

Examples:
  bizflow trigger 3f1c... --data '{"invoice_id": "INV-1", "amount": 1500}'
  bizflow trigger 3f1c... --data @payload.json --async`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := parseData(triggerData)
		if err != nil {
			return err
		}

		execution, err := newClient().TriggerWorkflow(commandContext(cmd), args[0], &models.TriggerRequest{
			TriggerType: models.TriggerTypeManual,
			TriggerData: data,
			Async:       triggerAsync,
		})
		if err != nil {
			return fmt.Errorf("failed to trigger workflow: %w", err)
		}

		if outputJSON {
			return printJSON(execution)
		}
		printExecutionDetails(execution)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(triggerCmd)
	triggerCmd.Flags().StringVar(&triggerData, "data", "", "Trigger data as a JSON object, or @file")
	triggerCmd.Flags().BoolVar(&triggerAsync, "async", false, "Return as soon as the execution is created")
}
