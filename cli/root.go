// Package cli is the gateway command line: the server and its operator
// maintenance commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"marketplace-gateway/approval"
	"marketplace-gateway/circuit"
	"marketplace-gateway/config"
	"marketplace-gateway/database"
	"marketplace-gateway/logging"
	"marketplace-gateway/middlewares"
	"marketplace-gateway/routes"
)

var Version = "dev"

// NewRootCommand returns the gateway command tree.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "gateway",
		Short:         "Marketplace question gateway",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(hashPINCmd())
	rootCmd.AddCommand(circuitCmd())
	return rootCmd
}

// Execute runs the command tree and exits non-zero on error.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, *slog.Logger) {
	cfg := config.Load()
	return cfg, logging.New(cfg.Logging.Level, cfg.Logging.Format)
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the webhook workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger := loadConfig()
			if port, _ := cmd.Flags().GetString("port"); port != "" {
				cfg.Server.Port = port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringP("port", "p", "", "Listen port (overrides PORT)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, err := newGateway(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer g.Close()

	if err := database.Migrate(g.db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if cfg.Approval.PINHash == "" {
		logger.Warn("APPROVAL_PIN_HASH not set, approval links will reject every submission")
	}
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, the operator API is disabled")
	}

	app := routes.NewApp(logger, cfg.Server.BodyLimitBytes, cfg.Server.AllowedOrigins)
	err = routes.Register(app, g.controller(), routes.Config{
		JWTSecret:         cfg.Auth.JWTSecret,
		WebhookSources:    cfg.Server.WebhookSources,
		AISecret:          cfg.AI.SigningSecret,
		AnswerRateMax:     cfg.Server.AnswerRateMax,
		AnswerRateWindow:  cfg.Server.AnswerRateWindow,
		WebhookRateMax:    cfg.Server.WebhookRateMax,
		WebhookRateWindow: cfg.Server.WebhookRateWindow,
	})
	if err != nil {
		return err
	}

	g.pool.Start(ctx)
	go g.retrier.Run(ctx, cfg.Workers.RetryInterval)
	go g.sweeper.Run(ctx, cfg.Workers.SweepInterval)

	listenErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "port", cfg.Server.Port)
		listenErr <- app.Listen(":" + cfg.Server.Port)
	}()

	select {
	case err = <-listenErr:
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
		defer done()
		err = app.ShutdownWithContext(shutdownCtx)
	}
	cancel()
	g.pool.Wait()
	return err
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger := loadConfig()
			db := database.MustOpen(cfg.Database, logger)
			if err := database.Migrate(db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one sweeper and retrier pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger := loadConfig()
			g, err := newGateway(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer g.Close()

			res, err := g.sweeper.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			retried, err := g.retrier.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued=%d expired=%d retried=%d\n", res.Requeued, res.Expired, retried)
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			org, _ := cmd.Flags().GetString("org")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if subject == "" || org == "" {
				return errors.New("--subject and --org are required")
			}
			cfg, _ := loadConfig()
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}
			tok, err := middlewares.GenerateJWT(cfg.Auth.JWTSecret, subject, org, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringP("subject", "s", "", "Operator name")
	cmd.Flags().StringP("org", "o", "", "Organization the token is scoped to")
	cmd.Flags().Duration("ttl", 0, "Token lifetime (default auth.tokenTtl)")
	return cmd
}

func hashPINCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-pin [pin]",
		Short: "Print the bcrypt hash to use as APPROVAL_PIN_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pin := strings.TrimSpace(args[0])
			if len(pin) < 4 {
				return errors.New("pin must have at least 4 characters")
			}
			hash, err := approval.HashPIN(pin)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func circuitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "circuit",
		Short: "Inspect or reset downstream circuit breakers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "reset [downstream] [account]",
		Short: "Close the breaker of one downstream and account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger := loadConfig()
			g, err := newGateway(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer g.Close()

			b, ok := g.breakers[args[0]]
			if !ok {
				return fmt.Errorf("unknown downstream %q", args[0])
			}
			acct, err := g.store.Account(cmd.Context(), args[1])
			if err != nil {
				return fmt.Errorf("account %s: %w", args[1], err)
			}
			target := circuit.Target{Downstream: args[0], AccountID: acct.ID, OrganizationID: acct.OrganizationID}
			if err := b.Reset(cmd.Context(), target); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s reset\n", target.Key())
			return nil
		},
	})
	return cmd
}
