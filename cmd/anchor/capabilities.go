package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/metalagman/anchor/internal/app"
	"github.com/spf13/cobra"
)

func capabilitiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "capabilities",
		Short:        "List registered capabilities",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			reg, err := app.NewRegistry(cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "registry v%d (updated %s)\n\n", reg.Version(), reg.UpdatedAt())
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCLASS\tPHASE\tTIME\tFALLBACK\tSUMMARY")
			for _, d := range reg.List() {
				needsTime := "-"
				if d.RequiresTime {
					needsTime = "yes"
				}
				fallback := strings.Join(d.FallbackTo, ",")
				if fallback == "" {
					fallback = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n", d.ID, d.Class, d.Phase, needsTime, fallback, d.Summary)
			}
			return w.Flush()
		},
	}
}
