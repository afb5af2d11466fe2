package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roboricindustries/razzler/pkg/config"
	"github.com/roboricindustries/razzler/pkg/logging"
)

type rootOptions struct {
	configFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "razzler",
		Short:         "Signal to LLM relay",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "Config file path (optional).")
	cmd.PersistentFlags().String("log-level", "", "Logging level: debug|info|warn|error.")
	cmd.PersistentFlags().String("log-format", "", "Logging format: text|json.")
	cmd.PersistentFlags().Bool("debug", false, "Debug mode; forces debug logging.")

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newPrefsAPICmd(opts))
	cmd.AddCommand(newAdminMessageCmd(opts))
	cmd.AddCommand(newConfigCmd(opts))
	return cmd
}

// loadConfig reads file, environment and flags, in rising precedence.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (*config.Config, error) {
	v, err := config.NewViper(opts.configFile)
	if err != nil {
		return nil, err
	}
	if err := bindFlags(v, cmd); err != nil {
		return nil, err
	}
	return config.Load(v)
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	binds := map[string]string{
		"logging.level":  "log-level",
		"logging.format": "log-format",
		"general.debug":  "debug",
	}
	for key, flag := range binds {
		f := cmd.Flags().Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind --%s: %w", flag, err)
		}
	}
	return nil
}

// setup loads config and builds the logger every command needs.
func setup(cmd *cobra.Command, opts *rootOptions) (*config.Config, *slog.Logger, error) {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Logging, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newRedis(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		DB:       cfg.Redis.DB,
		Password: cfg.Redis.Password,
	})
}
