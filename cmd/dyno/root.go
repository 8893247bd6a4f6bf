// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dyno Contributors

package main

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dyno-dev/dyno/internal/config"
	dynoerr "github.com/dyno-dev/dyno/pkg/errors"
)

// NewRootCmd creates the root dyno command with all subcommands registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dyno",
		Short:         "Dyno — agent gateway for a self-modifying dashboard",
		Long:          "Dyno runs an LLM agent gateway: a conversation loop with approval-gated actions, child agent sessions, and a WebSocket event stream for the dashboard.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initViper(cmd)
		},
	}

	// Global flags, mapped to viper keys via initViper.
	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	root.PersistentFlags().String("data-dir", "", "path to data directory")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")

	root.AddCommand(
		newStartCmd(),
		newStatusCmd(),
		newSecretCmd(),
		newVersionCmd(),
	)

	return root
}

// initViper sets up the global Viper with defaults, env bindings, flag
// bindings, and optional config file so the standard precedence
// (flag > env > file > defaults) is handled uniformly.
func initViper(cmd *cobra.Command) error {
	v := viper.GetViper()

	config.SetDefaults(v)
	config.SetupEnv(v)

	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return dynoerr.Errorf(dynoerr.CodeConfigLoadReadFailure, "reading config file: %w", err)
		}
	} else {
		// Auto-discover dyno.yaml from standard locations. SetConfigType is
		// intentionally omitted: when set, Viper also tries the bare config
		// name without extension, which collides with a ./dyno binary.
		v.SetConfigName("dyno")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/dyno")
		v.AddConfigPath("/etc/dyno")
		// No config file is fine, defaults and env vars still apply. Parse
		// or permission errors must surface.
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return dynoerr.Errorf(dynoerr.CodeConfigLoadReadFailure, "reading config: %w", err)
			}
			// No config found anywhere; bootstrap a default to ~/.config/dyno/.
			if path := config.BootstrapConfig(); path != "" {
				v.SetConfigFile(path)
				if err := v.ReadInConfig(); err != nil {
					return dynoerr.Errorf(dynoerr.CodeConfigLoadReadFailure, "reading bootstrapped config: %w", err)
				}
			}
		}
	}

	if err := v.BindPFlag("agent.data_dir", cmd.Root().PersistentFlags().Lookup("data-dir")); err != nil {
		return dynoerr.Errorf(dynoerr.CodeCLISetupFailure, "binding data-dir flag: %w", err)
	}
	if err := v.BindPFlag("verbose", cmd.Root().PersistentFlags().Lookup("verbose")); err != nil {
		return dynoerr.Errorf(dynoerr.CodeCLISetupFailure, "binding verbose flag: %w", err)
	}

	return nil
}
