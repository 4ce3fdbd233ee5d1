package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/davidmoltin/bizflow/internal/cli"
)

var (
	cfgFile    string
	apiURL     string
	timeout    time.Duration
	outputJSON bool
)

var rootCmd = &cobra.Command{
	Use:   "bizflow",
	Short: "bizflow CLI - validate, run and inspect business workflows",
	Long: `The bizflow CLI validates workflow definitions locally and drives
workflows and executions through the bizflow API.

Examples:
  bizflow validate invoice-review.yaml
  bizflow deploy invoice-review.yaml --tenant acme
  bizflow trigger <workflow-id> --data '{"amount": 1500}'
  bizflow status <execution-id>
  bizflow timeline <execution-id>`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.bizflow.yaml)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "http://localhost:8080", "bizflow API URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "API request timeout")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output results in JSON format")

	viper.BindPFlag("api.url", rootCmd.PersistentFlags().Lookup("api-url"))
	viper.BindPFlag("api.timeout", rootCmd.PersistentFlags().Lookup("timeout"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".bizflow")
	}

	// BIZFLOW_API_URL, BIZFLOW_API_TIMEOUT
	viper.SetEnvPrefix("BIZFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && !outputJSON {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func newClient() *cli.Client {
	return cli.NewClient(viper.GetString("api.url"), viper.GetDuration("api.timeout"))
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// parseData decodes a --data flag value. A leading @ reads the JSON from a
// file.
func parseData(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return nil, nil
	}

	data := []byte(raw)
	if raw[0] == '@' {
		b, err := os.ReadFile(raw[1:])
		if err != nil {
			return nil, fmt.Errorf("failed to read data file: %w", err)
		}
		data = b
	}

	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("data must be a JSON object: %w", err)
	}
	return out, nil
}
