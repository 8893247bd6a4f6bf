// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dyno Contributors

package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dyno-dev/dyno/internal/capability"
	"github.com/dyno-dev/dyno/internal/capability/builtin"
	"github.com/dyno-dev/dyno/internal/config"
	"github.com/dyno-dev/dyno/internal/provider"
	"github.com/dyno-dev/dyno/internal/provider/anthropic"
	"github.com/dyno-dev/dyno/internal/server"
	"github.com/dyno-dev/dyno/internal/store/sqlite"
	dynoerr "github.com/dyno-dev/dyno/pkg/errors"
)

// anthropicKeyName is the keyring entry holding the Anthropic API key.
const anthropicKeyName = "anthropic-api-key"

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the dyno gateway",
		Long:  "Load configuration, open the store, build the capability catalog, and serve the WebSocket and HTTP endpoints until interrupted.",
		RunE:  runStart,
	}

	cmd.Flags().String("listen", "", "override listen address (host:port)")
	_ = viper.BindPFlag("server.listen", cmd.Flags().Lookup("listen"))

	return cmd
}

func runStart(cmd *cobra.Command, _ []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	if cfgPath == "" {
		cfgPath = viper.ConfigFileUsed()
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Apply flag/env overrides Viper resolved after the file load.
	if listen := viper.GetString("server.listen"); listen != "" {
		cfg.Server.Listen = listen
	}
	if dataDir := viper.GetString("agent.data_dir"); dataDir != "" {
		cfg.Agent.DataDir = dataDir
	}

	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o700); err != nil {
		return dynoerr.Wrapf(err, dynoerr.CodeStoreOpenFailure, "creating store directory")
	}
	st, err := sqlite.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	caps := capability.NewRegistry()
	caps.AddSource(builtin.Files(cfg.Agent.DataDir))
	caps.AddSource(builtin.Memories(st.Memories()))
	caps.AddSource(builtin.Web(&http.Client{}))
	caps.AddSource(builtin.Metrics(st.Metrics()))
	logger.Info("capability catalog built", "count", caps.Reload())

	policy := capability.NewPolicy(cfg.Permissions)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Dashboard.PermissionsFile != "" {
		go func() {
			if err := capability.WatchOverrides(ctx, cfg.Dashboard.PermissionsFile, policy, logger); err != nil {
				logger.Warn("permission override watcher stopped", "error", err)
			}
		}()
	}

	apiKey, err := resolveAPIKey()
	if err != nil {
		return err
	}
	client, err := anthropic.New(anthropic.Config{APIKey: apiKey})
	if err != nil {
		return dynoerr.Wrapf(err, dynoerr.CodeCLISetupFailure, "configuring anthropic provider")
	}

	providers := provider.NewRegistry()
	if err := providers.Register(client); err != nil {
		return err
	}
	defer providers.Close()

	srv, err := server.New(server.Options{
		Config:       cfg,
		Logger:       logger,
		Providers:    providers,
		Capabilities: caps,
		Policy:       policy,
		Memories:     st.Memories(),
		Metrics:      st.Metrics(),
	})
	if err != nil {
		return err
	}

	return srv.Start(ctx)
}

// resolveAPIKey prefers the environment, falling back to the OS keyring.
func resolveAPIKey() (string, error) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return key, nil
	}

	key, err := secretStoreFactory().Get(anthropicKeyName)
	if err != nil {
		if dynoerr.HasCode(err, dynoerr.CodeSecretNotFound) {
			return "", dynoerr.New(dynoerr.CodeCLISetupFailure,
				"no Anthropic API key: set ANTHROPIC_API_KEY or run `dyno secret set anthropic-api-key`")
		}
		return "", err
	}
	return key, nil
}
