package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/davidmoltin/bizflow/internal/cli"
)

var validateCmd = &cobra.Command{
	Use:   "validate [workflow-file]",
	Short: "Validate a workflow definition",
	Long: `Validate a workflow definition file (.json, .yaml or .yml) without a
server. The same checks run when a workflow is published:

  - Required fields (tenant_id, name, nodes)
  - Trigger type, event name and cron expression
  - Node ids, references and reachability from the start node
  - Condition expressions and action configuration per action type
  - No cycles

Examples:
  bizflow validate invoice-review.yaml
  bizflow validate invoice-review.json --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		filename := args[0]

		result, err := cli.ValidateWorkflowFile(filename)
		if err != nil {
			return fmt.Errorf("error validating workflow: %w", err)
		}

		if outputJSON {
			if err := printJSON(result); err != nil {
				return err
			}
		} else {
			outputValidationText(result, filename)
		}

		if !result.Valid {
			return fmt.Errorf("workflow is invalid")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func outputValidationText(result *cli.ValidationResult, filename string) {
	fmt.Printf("\n🔍 Validating workflow: %s\n\n", filename)

	if result.Valid {
		fmt.Println("✅ Workflow is valid!")
		fmt.Println("\nNext step:")
		fmt.Printf("  bizflow deploy %s\n", filename)
		return
	}

	fmt.Printf("❌ Workflow validation failed with %d error(s):\n\n", len(result.Errors))
	for i, err := range result.Errors {
		fmt.Printf("  %d. %s\n", i+1, err)
	}
}
