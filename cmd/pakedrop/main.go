// Package main provides the CLI entry point for the pakedrop file transfer
// server and client.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/postalsys/pakedrop/internal/config"
	"github.com/postalsys/pakedrop/internal/logging"
	"github.com/postalsys/pakedrop/internal/metrics"
	"github.com/postalsys/pakedrop/internal/presence"
	"github.com/postalsys/pakedrop/internal/server"
	"github.com/postalsys/pakedrop/internal/storage"
	"github.com/postalsys/pakedrop/internal/transfer"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pakedrop",
		Short: "pakedrop - password-authenticated file drop",
		Long: `pakedrop moves files between clients and a server over channels keyed
by a password-authenticated key exchange (SPAKE2).

Run "pakedrop serve" on the server, then use the upload, download and
files commands from any client that knows the transfer password.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(uploadCmd())
	rootCmd.AddCommand(downloadCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(filesCmd())
	rootCmd.AddCommand(presenceCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads path, or returns defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	var (
		configPath string
		address    string
		dir        string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the file transfer server",
		Long:  "Start the pakedrop server with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Server.Address = address
			}
			if dir != "" {
				cfg.Storage.Dir = dir
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
			if !cfg.HasSensitiveData() {
				logger.Warn("no transfer password configured; transfer ids act as the shared secret")
			}
			if cfg.Transfer.AllowPlaintext {
				logger.Warn("plaintext transfers are allowed")
			}

			m := metrics.Default()

			var catalog *storage.Catalog
			if path := cfg.CatalogPath(); path != "" {
				catalog, err = storage.OpenCatalog(path)
				if err != nil {
					return err
				}
				defer catalog.Close()
			}
			store, err := storage.New(storage.Options{
				Dir:         cfg.Storage.Dir,
				MaxFileSize: cfg.Storage.MaxFileSize.Int64(),
				Catalog:     catalog,
				Logger:      logger,
			})
			if err != nil {
				return fmt.Errorf("failed to open storage: %w", err)
			}

			var hub *presence.Hub
			if cfg.Presence.Enabled {
				hub = presence.NewHub(presence.Options{
					PingInterval: cfg.Presence.PingInterval,
					IdleTimeout:  cfg.Presence.IdleTimeout,
					Metrics:      m,
					Logger:       logger,
				})
			}
			registry := transfer.NewRegistry(transfer.Options{
				BroadcastInterval: cfg.Transfer.BroadcastInterval,
				Retention:         cfg.Transfer.SessionRetention,
				Presence:          hub,
				Metrics:           m,
				Logger:            logger,
			})

			srv := server.New(server.Options{
				Config:   cfg,
				Registry: registry,
				Store:    store,
				Metrics:  m,
				Gatherer: prometheus.DefaultGatherer,
				Logger:   logger,
			})
			if err := srv.Start(); err != nil {
				return fmt.Errorf("failed to start server: %w", err)
			}

			fmt.Printf("pakedrop %s listening on %s\n", Version, srv.Address())
			fmt.Printf("Storage: %s\n", store.Dir())

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			if err := srv.Stop(); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Server stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (defaults are used when empty)")
	cmd.Flags().StringVarP(&address, "address", "a", "", "Listen address, overrides server.address")
	cmd.Flags().StringVarP(&dir, "dir", "d", "", "Storage directory, overrides storage.dir")

	return cmd
}

func configCmd() *cobra.Command {
	var (
		configPath string
		unsafe     bool
	)

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Load and validate the configuration, then print it as YAML. Secrets are redacted unless --unsafe is set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if unsafe {
				fmt.Print(cfg.StringUnsafe())
			} else {
				fmt.Print(cfg.String())
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().BoolVar(&unsafe, "unsafe", false, "Include secrets in the output")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pakedrop %s\n", Version)
		},
	}
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
