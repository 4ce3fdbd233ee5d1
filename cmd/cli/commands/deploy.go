package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/davidmoltin/bizflow/internal/cli"
	"github.com/davidmoltin/bizflow/internal/models"
)

var (
	deployTenant  string
	deployPublish bool
)

var deployCmd = &cobra.Command{
	Use:   "deploy [workflow-file]",
	Short: "Create a workflow on the server",
	Long: `Create a workflow from a definition file and, unless --publish=false,
publish it so it starts reacting to its trigger.

The deploy command will:
  1. Validate the workflow definition locally
  2. Check that the API server is reachable
  3. Create the workflow as a draft
  4. Publish it

Examples:
  bizflow deploy invoice-review.yaml
  bizflow deploy invoice-review.yaml --tenant acme --publish=false`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		filename := args[0]
		ctx := commandContext(cmd)

		req, err := cli.LoadWorkflowFile(filename)
		if err != nil {
			return err
		}
		if deployTenant != "" {
			req.TenantID = deployTenant
		}

		v, err := cli.NewOfflineValidator()
		if err != nil {
			return err
		}
		if result := cli.ValidateWorkflow(v, req); !result.Valid {
			fmt.Println("❌ Workflow validation failed:")
			for _, problem := range result.Errors {
				fmt.Printf("  - %s\n", problem)
			}
			return fmt.Errorf("workflow is invalid")
		}

		client := newClient()
		if err := client.HealthCheck(ctx); err != nil {
			return fmt.Errorf("API health check failed: %w", err)
		}

		workflow, err := client.CreateWorkflow(ctx, req)
		if err != nil {
			return fmt.Errorf("failed to create workflow: %w", err)
		}

		if deployPublish {
			id := workflow.ID
			workflow, err = client.PublishWorkflow(ctx, id.String())
			if err != nil {
				return fmt.Errorf("workflow %s created but not published: %w", id, err)
			}
		}

		if outputJSON {
			return printJSON(workflow)
		}
		printWorkflowInfo(workflow)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deployCmd)
	deployCmd.Flags().StringVar(&deployTenant, "tenant", "", "Override the tenant_id of the definition")
	deployCmd.Flags().BoolVar(&deployPublish, "publish", true, "Publish the workflow after creating it")
}

func printWorkflowInfo(workflow *models.Workflow) {
	fmt.Printf("\n📦 Workflow Details:\n")
	fmt.Printf("  ID:         %s\n", workflow.ID)
	fmt.Printf("  Name:       %s\n", workflow.Name)
	fmt.Printf("  Tenant:     %s\n", workflow.TenantID)
	fmt.Printf("  Version:    %d\n", workflow.Version)
	fmt.Printf("  Status:     %s\n", workflow.Status)
	fmt.Printf("  Trigger:    %s\n", workflow.Trigger.Type)
}
