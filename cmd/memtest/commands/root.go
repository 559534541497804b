package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jiangwu1911/memtest/internal/config"
	"github.com/jiangwu1911/memtest/internal/logging"
)

var (
	cfgFile string
	verbose bool

	// cfg is the effective configuration, loaded before any subcommand runs
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "memtest",
	Short: "Pooled host and accelerator buffer allocator",
	Long: `memtest exercises a pooling allocator for typed buffers that live in
host memory, accelerator memory, or both.

Freed buffers are kept per location and exact size for reuse, returned
only once their stream has finished with them, and reclaimed after
sitting idle.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.memtest/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().String("device", "", "device to use: auto, cpu, emulated, cuda (overrides config)")

	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("device", rootCmd.PersistentFlags().Lookup("device"))
}

// loadConfig reads the config file and environment, applies flag
// overrides and initializes logging
func loadConfig(cmd *cobra.Command, args []string) error {
	c, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	if kind := viper.GetString("device"); kind != "" {
		c.Device.Kind = kind
	}
	if viper.GetBool("verbose") {
		c.Logging.Level = "debug"
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if err := logging.Init(c.Logging.Level, c.Logging.File, c.Logging.Console); err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	logging.Debugf("Configuration loaded (device=%s, streams=%d)", c.Device.Kind, c.Allocator.Streams)

	cfg = c
	return nil
}
