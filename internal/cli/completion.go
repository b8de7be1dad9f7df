package cli

import (
	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion scripts",
	Long: `Generate shell completion scripts for configwatch.

To load completions:

Bash:
  $ source <(configwatch completion bash)
  # Or persist across sessions:
  $ configwatch completion bash > /etc/bash_completion.d/configwatch

Zsh:
  $ source <(configwatch completion zsh)
  # Or persist:
  $ configwatch completion zsh > "${fpath[1]}/_configwatch"

Fish:
  $ configwatch completion fish | source
  # Or persist:
  $ configwatch completion fish > ~/.config/fish/completions/configwatch.fish

PowerShell:
  PS> configwatch completion powershell | Out-String | Invoke-Expression`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletionV2(out, true)
		case "zsh":
			return cmd.Root().GenZshCompletion(out)
		case "fish":
			return cmd.Root().GenFishCompletion(out, true)
		case "powershell":
			return cmd.Root().GenPowerShellCompletionWithDesc(out)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}
