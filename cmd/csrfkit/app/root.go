package app

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "CSRFKIT"

// NewRootCommand assembles the csrfkit command tree.
func NewRootCommand() *cobra.Command {
	opts := NewOptions()
	v := viper.New()
	var configFile string

	cmd := &cobra.Command{
		Use:          "csrfkit",
		Short:        "Acquire, refresh, and inspect CSRF tokens",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadOptions(cmd, v, configFile, opts)
		},
	}

	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to a csrfkit configuration file.")
	opts.AddFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newTokenCommand(opts),
		newWatchCommand(opts),
		newLoadtestCommand(opts),
		newPerfcheckCommand(),
	)
	return cmd
}

// loadOptions layers flags over environment over the config file into opts.
func loadOptions(cmd *cobra.Command, v *viper.Viper, configFile string, opts *Options) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read configuration: %w", err)
		}
	}
	if err := v.Unmarshal(opts); err != nil {
		return fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	return nil
}
