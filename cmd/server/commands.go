package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/taskmgr818/credit-ledger/internal/config"
	"github.com/taskmgr818/credit-ledger/internal/model"
)

// withApp loads the configuration, builds the app and runs fn with the
// notifier publishing in the background.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	stop := a.startNotifier(ctx)
	defer stop()
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func jobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "job <name>",
		Short: "Run one reconciliation job and print its result",
		Long: "Run one reconciliation job under the same lock the scheduler uses.\n" +
			"Jobs: webhook-retry, expire-purchased, expire-yearly, payment-inconsistencies, sync-due-dates.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.runner.Run(ctx, args[0])
				if err != nil {
					return fmt.Errorf("%s (known jobs: %s): %w", args[0], strings.Join(a.runner.Names(), ", "), err)
				}
				return printJSON(res)
			})
		},
	}
}

func recomputeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recompute <user-id>",
		Short: "Rewrite the balance_after snapshots of a user's ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.balance.Recompute(ctx, args[0])
				if err != nil {
					return err
				}
				if res.Opening < 0 {
					a.log.WithField("user_id", res.UserID).
						Warnf("history implies a negative opening balance of %d", res.Opening)
				}
				return printJSON(res)
			})
		},
	}
}

func userCmd() *cobra.Command {
	user := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}

	var email, role string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a user and print its API key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				u, err := a.users.Create(ctx, email, model.Role(strings.ToUpper(role)))
				if err != nil {
					return err
				}
				return printJSON(map[string]string{
					"id":      u.ID,
					"email":   u.Email,
					"role":    string(u.Role),
					"api_key": u.APIKey,
				})
			})
		},
	}
	create.Flags().StringVar(&email, "email", "", "email address of the user")
	create.Flags().StringVar(&role, "role", string(model.RoleUser), "USER or ADMIN")
	_ = create.MarkFlagRequired("email")

	user.AddCommand(create)
	return user
}
