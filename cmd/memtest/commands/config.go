package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jiangwu1911/memtest/internal/tui"
)

var configNoColor bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after merging defaults, the config file,
MEMTEST_* environment variables and command-line flags, as YAML.`,
	RunE: runConfig,
}

func init() {
	configCmd.Flags().BoolVar(&configNoColor, "no-color", false, "disable syntax highlighting")
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	data, err := cfg.YAML()
	if err != nil {
		return fmt.Errorf("rendering config: %w", err)
	}

	text := string(data)
	if !configNoColor {
		text = tui.Highlight(text, "yaml")
	}
	fmt.Fprint(cmd.OutOrStdout(), text)
	return nil
}
