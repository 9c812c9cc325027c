package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/metalagman/anchor/internal/pipeline"
	"github.com/spf13/cobra"
)

func askCmd() *cobra.Command {
	var (
		model       string
		think       string
		user        string
		temperature float64
	)
	cmd := &cobra.Command{
		Use:          "ask <utterance>",
		Short:        "Run one request through the pipeline and print the response",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			utterance := strings.TrimSpace(strings.Join(args, " "))
			if utterance == "" {
				return fmt.Errorf("utterance is required")
			}
			switch think {
			case "", "low", "medium", "high":
			default:
				return fmt.Errorf("--think must be low, medium or high")
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			uc := pipeline.UserContext{
				UserID:  user,
				Options: pipeline.RunOptions{Model: model, ThinkMode: think},
			}
			if cmd.Flags().Changed("temperature") {
				uc.Options.Temperature = &temperature
			}

			var p *pipeline.Pipeline
			return withApp(cmd.Context(), cfg, func(ctx context.Context) error {
				return writeJSON(cmd.OutOrStdout(), p.Handle(ctx, utterance, uc))
			}, &p)
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "model override for generation")
	cmd.Flags().StringVar(&think, "think", "", "reasoning effort: low, medium or high")
	cmd.Flags().StringVar(&user, "user", "", "user id for memory lookups")
	cmd.Flags().Float64Var(&temperature, "temperature", 0, "sampling temperature for generation")
	return cmd
}
