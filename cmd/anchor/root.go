package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/metalagman/anchor/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var defaultConfigPath = filepath.Join(".anchor", "config.json")

var (
	cfgFile string
	envFile string
	debug   bool
	logJSON bool
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "anchor",
		Short:         "anchor answers requests with verified, schema-valid responses",
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", defaultConfigPath, "config file path")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	cmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "write logs as JSON lines")
	cmd.PersistentPreRunE = func(*cobra.Command, []string) error {
		logging.Setup(logging.Options{Debug: debug, JSON: logJSON})
		if envFile == "" {
			return nil
		}
		if err := godotenv.Load(envFile); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				log.Debug().Str("path", envFile).Msg("no env file")
				return nil
			}
			return fmt.Errorf("load env file: %w", err)
		}
		return nil
	}
	cmd.AddCommand(askCmd())
	cmd.AddCommand(capabilitiesCmd())
	cmd.AddCommand(evalCmd())
	cmd.AddCommand(memoryCmd())
	return cmd
}

// Execute runs the root command.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRootCmd().ExecuteContext(ctx)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
}
