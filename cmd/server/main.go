package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/npezzotti/go-chatdelivery/internal/api"
	"github.com/npezzotti/go-chatdelivery/internal/config"
	"github.com/npezzotti/go-chatdelivery/internal/database"
	"github.com/npezzotti/go-chatdelivery/internal/logging"
	"github.com/npezzotti/go-chatdelivery/internal/server"
	"github.com/npezzotti/go-chatdelivery/internal/stats"
	"github.com/spf13/cobra"
)

// Set via ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "gochat",
		Short:         "Real-time chat message delivery and read-state sync server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	var (
		addr           string
		dsn            string
		allowedOrigins []string
		verbose        bool
	)
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, func(c *config.Config) {
				if cmd.Flags().Changed("addr") {
					c.Server.Addr = addr
				}
				if cmd.Flags().Changed("dsn") {
					c.Storage.DSN = dsn
				}
				if cmd.Flags().Changed("allowed-origins") {
					c.Server.AllowedOrigins = allowedOrigins
				}
				if verbose {
					c.Logging.Level = "debug"
				}
			})
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			return runServer(cfg)
		},
	}
	serveCmd.Flags().StringVar(&addr, "addr", "", "server address")
	serveCmd.Flags().StringVar(&dsn, "dsn", "", "database connection string")
	serveCmd.Flags().StringSliceVar(&allowedOrigins, "allowed-origins", nil, "comma-separated list of allowed origins for CORS")
	serveCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	migrateCmd := &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply or roll back the Postgres schema",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{string(database.MigrateUp), string(database.MigrateDown)},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if cfg.Storage.Driver != "postgres" {
				return fmt.Errorf("migrations only apply to the postgres driver, not %q", cfg.Storage.Driver)
			}
			if err := database.Migrate(cfg.Storage.DSN, database.MigrateDirection(args[0])); err != nil {
				return fmt.Errorf("migrate %s: %w", args[0], err)
			}
			fmt.Printf("migrations applied: %s\n", args[0])
			return nil
		},
	}

	var (
		userId string
		exp    time.Duration
	)
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a session token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			token, err := api.CreateToken(cfg.SigningKey, userId, exp)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			fmt.Println(token)
			return nil
		},
	}
	tokenCmd.Flags().StringVar(&userId, "user", "", "user id to embed in the token")
	tokenCmd.Flags().DurationVar(&exp, "exp", api.DefaultExp, "token lifetime")
	tokenCmd.MarkFlagRequired("user")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version and build info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gochat %s (%s)\n", Version, GitCommit)
		},
	}

	rootCmd.AddCommand(serveCmd, migrateCmd, tokenCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runServer(cfg *config.Config) error {
	logger, closer := logging.Setup(cfg.Logging)
	if closer != nil {
		defer closer.Close()
	}

	logger.Info("starting gochat",
		"version", Version,
		"addr", cfg.Server.Addr,
		"storage", cfg.Storage.Driver,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	db, err := database.Open(ctx, cfg.Storage, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("db close", "error", err)
		}
	}()

	mux := http.NewServeMux()

	var su stats.StatsProvider = stats.NopStats{}
	if cfg.Server.MetricsEnabled {
		statsUpdater := stats.NewStatsUpdater(mux)
		statsUpdater.Run()
		defer statsUpdater.Stop()
		su = statsUpdater
	}

	chatServer, err := server.NewChatServer(logger, db, su, cfg)
	if err != nil {
		return fmt.Errorf("new chat server: %w", err)
	}

	srv := api.NewGoChatApp(mux, logger, chatServer, db, su, cfg)

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("sd_notify failed", "error", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server", "error", err)
		}
	}

	daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown", "error", err)
	}

	logger.Info("shutting down chat server")
	if err := chatServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("chat server shutdown: %w", err)
	}

	slog.Info("shutdown complete")
	return nil
}
