package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/metalagman/anchor/internal/db"
	"github.com/metalagman/anchor/internal/evalgate"
	"github.com/metalagman/anchor/internal/pipeline"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var errGateBlocked = errors.New("quality gate blocked")

func evalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Batch evaluation and the quality gate",
	}
	cmd.AddCommand(evalRunCmd())
	cmd.AddCommand(evalGateCmd())
	return cmd
}

func evalRunCmd() *cobra.Command {
	var (
		concurrency int
		user        string
	)
	cmd := &cobra.Command{
		Use:          "run <file>",
		Short:        "Run utterances from a file (one per line) and record telemetry",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if concurrency < 1 {
				return fmt.Errorf("--concurrency must be >= 1")
			}
			utterances, err := readUtterances(args[0])
			if err != nil {
				return err
			}
			if len(utterances) == 0 {
				return fmt.Errorf("no utterances in %s", args[0])
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			var (
				p    *pipeline.Pipeline
				gate *evalgate.Gate
			)
			return withApp(cmd.Context(), cfg, func(ctx context.Context) error {
				responses, err := runBatch(ctx, p, utterances, pipeline.UserContext{UserID: user}, concurrency)
				if err != nil {
					return err
				}
				counts := map[pipeline.Kind]int{}
				for _, r := range responses {
					counts[r.Kind]++
				}
				log.Info().Int("requests", len(responses)).Interface("kinds", counts).Msg("batch finished")

				verdict, err := gate.Evaluate(ctx, cfg.Gate.Window)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), struct {
					Kinds   map[pipeline.Kind]int `json:"kinds"`
					Verdict evalgate.Verdict      `json:"verdict"`
				}{counts, verdict})
			}, &p, &gate)
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "parallel requests")
	cmd.Flags().StringVar(&user, "user", "eval", "user id for memory lookups")
	return cmd
}

func evalGateCmd() *cobra.Command {
	var window int
	cmd := &cobra.Command{
		Use:          "gate",
		Short:        "Evaluate stored records against the quality gate",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("window") {
				window = cfg.Gate.Window
			}
			var (
				gate  *evalgate.Gate
				store *db.Store
			)
			return withApp(cmd.Context(), cfg, func(ctx context.Context) error {
				verdict, err := gate.Evaluate(ctx, window)
				if err != nil {
					return err
				}
				stored, err := store.Count(ctx)
				if err != nil {
					return err
				}
				if err := writeJSON(cmd.OutOrStdout(), gateReport{
					Verdict:    verdict,
					Thresholds: gate.Thresholds(),
					Window:     window,
					Stored:     stored,
				}); err != nil {
					return err
				}
				if !verdict.Pass {
					return errGateBlocked
				}
				return nil
			}, &gate, &store)
		},
	}
	cmd.Flags().IntVar(&window, "window", 500, "number of most recent records to evaluate")
	return cmd
}

type gateReport struct {
	Verdict    evalgate.Verdict    `json:"verdict"`
	Thresholds evalgate.Thresholds `json:"thresholds"`
	Window     int                 `json:"window"`
	Stored     int                 `json:"stored"`
}

// runBatch handles utterances with at most limit requests in flight. Results
// keep input order.
func runBatch(ctx context.Context, p *pipeline.Pipeline, utterances []string, uc pipeline.UserContext, limit int) ([]pipeline.Response, error) {
	out := make([]pipeline.Response, len(utterances))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, u := range utterances {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = p.Handle(gctx, u, uc)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("batch interrupted: %w", err)
	}
	return out, nil
}

func readUtterances(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open utterances: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read utterances: %w", err)
	}
	return out, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
