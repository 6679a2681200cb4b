package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file and print the effective settings",
	Long: `Load the configuration file, apply defaults and validate every section,
then print the result as YAML. Nothing is opened or started.

Examples:
  dpni validate -c config.yml`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		runValidateCommand()
	},
}

func runValidateCommand() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
		os.Exit(1)
	}

	out, err := yaml.Marshal(map[string]interface{}{"dpni": cfg})
	if err != nil {
		exitWithError("failed to format config", err)
	}
	fmt.Printf("# VALID: %d device(s)\n", len(cfg.Devices))
	fmt.Print(string(out))
}
