package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/witnz/sovereign/internal/alert"
	"github.com/witnz/sovereign/internal/logging"
	"github.com/witnz/sovereign/internal/metrics"
	"github.com/witnz/sovereign/internal/persistence"
	"github.com/witnz/sovereign/internal/verify"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the node with periodic integrity checks and a metrics endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := logging.New(cfg.Logging, "sovereign")

		fmt.Printf("Starting sovereign node: %s\n", cfg.Node.ID)
		fmt.Printf("State directory: %s\n", cfg.Node.StatePath)

		reg, m := metrics.NewRegistry()
		alerts := alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.SlackWebhook)

		layer, err := openLayer(cfg, logger, persistence.WithMetrics(m))
		if err != nil {
			return err
		}
		defer layer.Close()

		stats := layer.RecoveryStats()
		fmt.Printf("Merkle root: %s (%d entries, wal sequence %d)\n", stats.Root, stats.Entries, stats.WALSequence)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		monitor := verify.NewMonitor(layer, cfg.Node.ID, cfg.VerifyInterval(),
			verify.WithAlerts(alerts),
			verify.WithMetrics(m),
			verify.WithLogger(logger.Named("verify")),
		)
		if err := monitor.Start(ctx); err != nil {
			return fmt.Errorf("failed to start integrity monitor: %w", err)
		}
		defer monitor.Stop()

		var srv *http.Server
		if cfg.Metrics.Enabled {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler(reg))
			mux.HandleFunc("/healthz", healthHandler(layer))
			mux.HandleFunc("/stats", statsHandler(layer))

			srv = &http.Server{
				Addr:              cfg.Metrics.Addr,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server failed", "error", err)
				}
			}()
			fmt.Printf("Metrics listening on %s\n", cfg.Metrics.Addr)
		}

		green.Println("Sovereign node is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigCh:
		case <-ctx.Done():
		}

		fmt.Println("\nShutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if srv != nil {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("failed to stop metrics server: %w", err)
			}
		}

		fmt.Println("Sovereign node stopped")
		return nil
	},
}

func healthHandler(layer *persistence.Layer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok, computed := layer.VerifyIntegrity()
		w.Header().Set("Content-Type", "application/json")
		if !ok || layer.State() != persistence.Operating {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"state":         layer.State().String(),
			"integrity_ok":  ok,
			"merkle_root":   layer.MerkleRoot(),
			"computed_root": computed,
		})
	}
}

func statsHandler(layer *persistence.Layer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(layer.RecoveryStats())
	}
}
