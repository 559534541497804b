package commands

import "github.com/spf13/cobra"

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion script",
	Long: `Generate shell completion script for memtest.

To load completions:

Bash:
  $ memtest completion bash > ~/.local/share/bash-completion/completions/memtest

Zsh:
  $ memtest completion zsh > ~/.zsh/completion/_memtest

Fish:
  $ memtest completion fish > ~/.config/fish/completions/memtest.fish

PowerShell:
  PS> memtest completion powershell | Out-String | Invoke-Expression
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE:                  runCompletion,
}

func init() {
	rootCmd.AddCommand(completionCmd)
	registerDeviceCompletions(rootCmd)
}

func runCompletion(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	switch args[0] {
	case "bash":
		return cmd.Root().GenBashCompletion(out)
	case "zsh":
		return cmd.Root().GenZshCompletion(out)
	case "fish":
		return cmd.Root().GenFishCompletion(out, true)
	case "powershell":
		return cmd.Root().GenPowerShellCompletionWithDesc(out)
	}
	return nil
}

// registerDeviceCompletions completes the --device flag with known kinds
func registerDeviceCompletions(root *cobra.Command) {
	root.RegisterFlagCompletionFunc("device", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{
			"auto\tCUDA when available, otherwise CPU",
			"cpu\tHost memory only",
			"emulated\tSoftware accelerator",
			"cuda\tNVIDIA GPU",
		}, cobra.ShellCompDirectiveNoFileComp
	})
}
