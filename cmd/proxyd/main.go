package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nooterra/proxy/pkg/config"
	"github.com/nooterra/proxy/pkg/log"
	"github.com/nooterra/proxy/pkg/manager"
	"github.com/nooterra/proxy/pkg/metrics"
	"github.com/nooterra/proxy/pkg/secrets"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath  string
	logLevel    string
	logJSON     bool
	metricsAddr string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "proxyd",
	Short: "Proxy - event-sourced coordination and settlement service",
	Long: `Proxy persists multi-tenant domain mutations as hash-chained event
streams, keeps a double-entry ledger, and fans side-effects out through a
durable outbox to webhook and S3 destinations.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Proxy version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", true, "emit JSON log lines")

	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "listen address for the metrics endpoint")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(replayCmd)
}

func loadConfig() (*config.Config, error) {
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %v", err)
	}
	return cfg, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the service with the tick scheduler and metrics endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		mgr, err := manager.New(cfg, secrets.Env{})
		if err != nil {
			return fmt.Errorf("failed to create manager: %v", err)
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		mgr.Start(ctx)

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "ok")
		})
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("metrics server failed", err)
			}
		}()
		log.Info("proxyd serving (metrics on " + metricsAddr + ")")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Info("shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
		cancel()
		mgr.Stop()
		return nil
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay the transaction log and print the resulting store checksum",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		// Replay must not touch the mirror.
		cfg.SQLitePath = ""
		cfg.Autotick.Enabled = false

		mgr, err := manager.New(cfg, secrets.Env{})
		if err != nil {
			return fmt.Errorf("replay failed: %v", err)
		}
		defer mgr.Stop()

		checksum, err := mgr.Store().Checksum()
		if err != nil {
			return fmt.Errorf("checksum failed: %v", err)
		}
		fmt.Printf("store checksum: %s\n", checksum)
		return nil
	},
}
