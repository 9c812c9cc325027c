package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/metalagman/anchor/internal/db"
	"github.com/spf13/cobra"
)

func memoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Manage long-term facts about a user",
	}
	cmd.AddCommand(memoryRememberCmd())
	cmd.AddCommand(memoryForgetCmd())
	return cmd
}

const minFactLength = 3

func memoryRememberCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:          "remember <text>",
		Short:        "Store a fact about a user",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.TrimSpace(strings.Join(args, " "))
			if len([]rune(text)) < minFactLength {
				return fmt.Errorf("fact is too short")
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			var store *db.Store
			return withApp(cmd.Context(), cfg, func(ctx context.Context) error {
				id, err := store.AddFact(ctx, user, text)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), struct {
					ID     int64  `json:"id"`
					UserID string `json:"user_id"`
					Text   string `json:"text"`
				}{id, user, text})
			}, &store)
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user the fact belongs to")
	return cmd
}

func memoryForgetCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:          "forget <id>",
		Short:        "Delete a stored fact",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid fact id %q", args[0])
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			var store *db.Store
			return withApp(cmd.Context(), cfg, func(ctx context.Context) error {
				deleted, err := store.DeleteFact(ctx, user, id)
				if err != nil {
					return err
				}
				if !deleted {
					return fmt.Errorf("fact %d not found", id)
				}
				return writeJSON(cmd.OutOrStdout(), struct {
					ID      int64 `json:"id"`
					Deleted bool  `json:"deleted"`
				}{id, true})
			}, &store)
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user the fact belongs to")
	return cmd
}
