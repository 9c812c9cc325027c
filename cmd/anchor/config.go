package main

import (
	"context"
	"fmt"
	"time"

	"github.com/metalagman/anchor/internal/app"
	"github.com/metalagman/anchor/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// loadConfig reads the config file. The default path may be absent; a path
// given with --config must exist.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path := cfgFile
	if path == "" {
		path = defaultConfigPath
	}
	cfg, err := config.Load(viper.New(), path, !cmd.Flags().Changed("config"))
	if err != nil {
		return config.Config{}, err
	}
	log.Debug().Str("path", path).Str("llm", cfg.LLM.Type).Msg("config loaded")
	return cfg, nil
}

// withApp starts the application, fills targets and runs fn.
func withApp(ctx context.Context, cfg config.Config, fn func(context.Context) error, targets ...any) error {
	a := app.New(cfg, targets...)
	if err := a.Err(); err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := a.Stop(stopCtx); err != nil {
			log.Warn().Err(err).Msg("shutdown failed")
		}
	}()
	return fn(ctx)
}
