package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"lime_farm/internal/bootstrap"
	"lime_farm/internal/config"
	"lime_farm/internal/db"
	"lime_farm/internal/logger"
	"lime_farm/internal/migrations"
	"lime_farm/internal/service"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:          "limectl",
		Short:        "Lime farm ledger administration",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.InitWriter(os.Stderr, os.Getenv("LOG_LEVEL"), false)
		},
	}
	root.SetOut(out)

	root.AddCommand(
		newMigrateCmd(),
		newSweepCmd(),
		newSeedUserCmd(),
		newTokenCmd(),
	)
	return root
}

func newMigrateCmd() *cobra.Command {
	var apply bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "List embedded migrations, or apply them with --apply",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !apply {
				names, err := migrations.Names()
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			}

			_ = godotenv.Load()
			dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
			if dsn == "" {
				return errors.New("DATABASE_URL not set")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			pool, err := db.Connect(ctx, dsn, db.Options{Attempts: 3, Backoff: 2 * time.Second})
			if err != nil {
				return err
			}
			defer pool.Close()

			return migrations.Apply(ctx, pool, func(name string) {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
			})
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "apply migrations to DATABASE_URL")
	return cmd
}

func openStack(cmd *cobra.Command) (*bootstrap.Stack, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return bootstrap.Open(cmd.Context(), cfg, bootstrap.Options{})
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Settle every farming session that has run its full duration",
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := openStack(cmd)
			if err != nil {
				return err
			}
			defer stack.Close()

			n, err := stack.Ledger.SweepStaleSessions(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "settled %d sessions\n", n)
			return nil
		},
	}
}

func newSeedUserCmd() *cobra.Command {
	var attempts int
	cmd := &cobra.Command{
		Use:   "seed-user <user-id>",
		Short: "Create a ledger (if missing) and print it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := openStack(cmd)
			if err != nil {
				return err
			}
			defer stack.Close()

			ctx := cmd.Context()
			view, err := stack.Ledger.GetUser(ctx, args[0])
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("attempts") {
				if view, err = stack.Ledger.UpdateAttempts(ctx, args[0], attempts); err != nil {
					return err
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(view)
		},
	}
	cmd.Flags().IntVar(&attempts, "attempts", 0, "set the attempts counter")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			secret := os.Getenv("JWT_SECRET")
			if secret == "" {
				return errors.New("JWT_SECRET not set")
			}
			issuer, err := service.NewTokenIssuer(secret, ttl)
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
