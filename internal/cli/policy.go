package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ppiankov/configwatch/internal/policy"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "List built-in policy rules",
	Long: `List the built-in S3 and KMS rules and whether the policy file enables
them. Rules named in the policy file's disabledRules are not evaluated.`,
	Example: `  # Rules with default settings
  configwatch policy

  # Rules as configured by a policy file
  configwatch policy --policy /etc/configwatch/policy.yaml`,
	Args: cobra.NoArgs,
	RunE: runPolicy,
}

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.Flags().String("config", defaultConfigPath, "Path to config file")
	policyCmd.Flags().String("policy", "", "Path to policy settings file (overrides config)")
}

func runPolicy(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if p, _ := cmd.Flags().GetString("policy"); p != "" { //nolint:errcheck // flag registered above
		cfg.PolicyFile = p
	}
	rs, err := loadRuleSet(cfg)
	if err != nil {
		return fmt.Errorf("loading policy: %w", err)
	}
	return listRules(cmd.OutOrStdout(), rs)
}

func listRules(w io.Writer, rs *policy.RuleSet) error {
	settings := rs.Settings()
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tFAMILY\tRULE\tENABLED\tDESCRIPTION") //nolint:errcheck // best-effort output
	for _, r := range rs.Rules() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", //nolint:errcheck // best-effort output
			r.ResourceType(), r.Family(), r.Name(), settings.Enabled(r.Name()), r.Description())
	}
	return tw.Flush()
}
