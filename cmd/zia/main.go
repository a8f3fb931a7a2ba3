// Package main provides the CLI entry point for the zia tunnel.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/TKFRvisionOfficial/zia/internal/client"
	"github.com/TKFRvisionOfficial/zia/internal/config"
	"github.com/TKFRvisionOfficial/zia/internal/logging"
	"github.com/TKFRvisionOfficial/zia/internal/server"
	"github.com/TKFRvisionOfficial/zia/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "zia",
		Short: "zia - UDP over WebSocket tunnel",
		Long: `zia tunnels UDP traffic over WebSocket connections.

The client turns local UDP datagrams into binary WebSocket messages
and sends them to a remote endpoint, optionally through an HTTP or
SOCKS5 proxy. The server does the reverse, delivering the datagrams
to a fixed upstream UDP destination.`,
		Version: Version,
	}

	// Add subcommands
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(clientCmd())
	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(runCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a configuration interactively",
		Long:  "Walk through an interactive wizard and write a configuration file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := wizard.New().Run(); err != nil {
				return err
			}
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the tunnel in the mode the config selects",
		Long:  "Start the tunnel as client or server depending on the configuration's mode field.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			switch cfg.Mode {
			case config.ModeServer:
				return runServer(cfg)
			default:
				return runClient(cfg)
			}
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func clientCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run the UDP-ingress side of the tunnel",
		Long:  "Listen for local UDP datagrams and tunnel them to the upstream endpoint.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return runClient(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func serverCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the stream-ingress side of the tunnel",
		Long:  "Accept tunnel connections and deliver their datagrams to the upstream UDP destination.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return runServer(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func runClient(cfg *config.Config) error {
	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopMetrics := startMetrics(ctx, cfg, logger)
	defer stopMetrics()

	c := client.New(client.Config{
		Listen:        cfg.Client.Listen,
		Upstream:      cfg.Client.Upstream,
		Proxy:         cfg.Client.Proxy,
		ProxyUsername: cfg.Client.ProxyAuth.Username,
		ProxyPassword: cfg.Client.ProxyAuth.Password,
		PoolSize:      cfg.Client.PoolSize,
		Masking:       cfg.ClientMasking(),
		MaxPayload:    int(cfg.ClientMaxPayload()),
		RateLimit:     int64(cfg.ClientRateLimit()),
		Logger:        logger,
	})

	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("client stopped")
	return nil
}

func runServer(cfg *config.Config) error {
	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

	mode, err := server.ParseMode(cfg.Server.Listener)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopMetrics := startMetrics(ctx, cfg, logger)
	defer stopMetrics()

	s := server.New(server.Config{
		Address:    cfg.Server.Listen,
		Upstream:   cfg.Server.Upstream,
		Mode:       mode,
		MaxPayload: int(cfg.ServerMaxPayload()),
		RateLimit:  int64(cfg.ServerRateLimit()),
		Logger:     logger,
	})

	if err := s.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

// startMetrics serves the Prometheus endpoint when enabled. The returned
// function shuts the endpoint down.
func startMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) func() {
	if !cfg.Metrics.Enabled {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         cfg.Metrics.Address,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("metrics endpoint started", "address", cfg.Metrics.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics endpoint failed", "error", err.Error())
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}
}
