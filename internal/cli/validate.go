package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/configwatch/internal/config"
	"github.com/ppiankov/configwatch/internal/policy"
)

var validateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a configwatch config file",
	Long: `Load and validate a configwatch YAML config file without opening the
finding database.

Checks for YAML syntax errors, invalid values and missing required fields.
The policy file referenced by policyFile (or given with --policy) is loaded
and checked as well. Exits 0 on success, 1 on validation failure.`,
	Example: `  configwatch validate /etc/configwatch/config.yaml
  configwatch validate config.yaml --policy policy.yaml && echo "Config OK"`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().String("policy", "", "Policy settings file to validate (overrides policyFile)")
}

func runValidate(cmd *cobra.Command, args []string) error {
	fail := func(err error) error {
		cmd.PrintErrln(err)
		cmd.SilenceUsage = true
		cmd.SilenceErrors = true
		return fmt.Errorf("validation failed")
	}

	cfg, err := config.Load(args[0])
	if err != nil {
		return fail(err)
	}
	if p, _ := cmd.Flags().GetString("policy"); p != "" { //nolint:errcheck // flag registered above
		cfg.PolicyFile = p
	}
	if cfg.PolicyFile != "" {
		if _, err := policy.LoadSettings(cfg.PolicyFile); err != nil {
			return fail(err)
		}
		cmd.Println("policy OK")
	}
	cmd.Println("config OK")
	return nil
}
