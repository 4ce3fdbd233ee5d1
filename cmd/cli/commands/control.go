package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resumeData string

var cancelCmd = &cobra.Command{
	Use:   "cancel [execution-id]",
	Short: "Cancel a running or waiting execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().CancelExecution(commandContext(cmd), args[0]); err != nil {
			return fmt.Errorf("failed to cancel execution: %w", err)
		}
		if outputJSON {
			return printJSON(map[string]string{"execution_id": args[0], "status": "cancelled"})
		}
		fmt.Printf("🚫 Execution %s cancelled\n", args[0])
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume [execution-id]",
	Short: "Resume a waiting execution",
	Long: `Resume an execution suspended on a delay. --data is merged into the
execution variables before it continues.

Examples:
  bizflow resume 9b2e...
  bizflow resume 9b2e... --data '{"approved": true}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := parseData(resumeData)
		if err != nil {
			return err
		}

		execution, err := newClient().ResumeExecution(commandContext(cmd), args[0], data)
		if err != nil {
			return fmt.Errorf("failed to resume execution: %w", err)
		}
		if outputJSON {
			return printJSON(execution)
		}
		printExecutionDetails(execution)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(resumeCmd)
	resumeCmd.Flags().StringVar(&resumeData, "data", "", "Data to merge as a JSON object, or @file")
}
