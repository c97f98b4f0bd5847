package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/skillbridge/realtime-server/internal/app"
	"github.com/skillbridge/realtime-server/internal/auth"
	"github.com/skillbridge/realtime-server/internal/config"
	"github.com/skillbridge/realtime-server/internal/log"
	"github.com/skillbridge/realtime-server/internal/store"
	"github.com/skillbridge/realtime-server/internal/store/sqlite"
)

func main() {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "realtime",
		Short:         "SkillBridge realtime coordination server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), tokenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the realtime WebSocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := log.New(logLevel)

			cfg, path, err := config.Load(logger, configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if addr != "" {
				cfg.Addr = addr
			}
			if logLevel == "" {
				logger = log.New(cfg.LogLevel)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := app.New(&cfg, logger)
			if err != nil {
				return err
			}

			logger.Info().Str("addr", cfg.Addr).Str("config", path).Msg("starting realtime server")
			if err := application.Run(ctx); err != nil {
				return err
			}
			logger.Info().Msg("server stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to the YAML config file")
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address override")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	return cmd
}

// tokenCmd mints a development JWT, optionally seeding the principal row so
// the server accepts it immediately.
func tokenCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		name       string
		role       string
		ttl        time.Duration
		seed       bool
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development JWT for a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			if role != store.RoleLearner && role != store.RoleMentor {
				return fmt.Errorf("unknown role %q", role)
			}

			logger := log.New("warn")
			cfg, _, err := config.Load(logger, configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			if seed {
				st, err := sqlite.New(cfg.DatabasePath)
				if err != nil {
					return fmt.Errorf("open store: %w", err)
				}
				defer st.Close()

				if _, err := st.CreateUser(cmd.Context(), userID, name, role); err != nil {
					if _, getErr := st.GetUserByID(cmd.Context(), userID); getErr != nil {
						return fmt.Errorf("seed user: %w", err)
					}
				}
			}

			token, err := auth.GenerateToken(&auth.JWTConfig{
				Secret:   []byte(cfg.JWTSecret),
				Issuer:   cfg.JWTIssuer,
				Audience: cfg.JWTAudience,
				TTL:      ttl,
			}, userID, name, role)
			if err != nil {
				return fmt.Errorf("generate token: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to the YAML config file")
	cmd.Flags().StringVar(&userID, "user", "", "user ID the token identifies")
	cmd.Flags().StringVar(&name, "name", "dev user", "display name embedded in the token")
	cmd.Flags().StringVar(&role, "role", store.RoleLearner, "user role (learner or mentor)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().BoolVar(&seed, "seed", false, "insert the user row into the database first")
	return cmd
}
