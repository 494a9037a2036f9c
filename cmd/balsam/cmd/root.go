package cmd

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	commonconfig "github.com/argonne-lcf/balsam/internal/common/config"
	"github.com/argonne-lcf/balsam/internal/common/logging"
	"github.com/argonne-lcf/balsam/internal/configuration"
)

const (
	CustomConfigLocation string = "config"
	DefaultConfigPath    string = "./config/balsam"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "balsam",
		SilenceUsage: true,
		Short:        "Acquires and runs jobs from the balsam job pool",
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")

	cmd.AddCommand(
		launcherCmd(),
		reaperCmd(),
		migrateDbCmd(),
		pruneDbCmd(),
	)

	return cmd
}

func loadConfig(cmd *cobra.Command) (configuration.Configuration, error) {
	var config configuration.Configuration
	userSpecifiedConfigs, err := cmd.Flags().GetStringSlice(CustomConfigLocation)
	if err != nil {
		return config, errors.WithStack(err)
	}

	if _, err := commonconfig.LoadConfig(&config, DefaultConfigPath, userSpecifiedConfigs); err != nil {
		return config, err
	}
	if err := config.Validate(); err != nil {
		commonconfig.LogValidationErrors(err)
		return config, err
	}
	if err := logging.Configure(config.Logging); err != nil {
		return config, err
	}
	return config, nil
}
