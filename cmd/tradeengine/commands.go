package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/sectorwars/trade-engine/internal/config"
	"github.com/sectorwars/trade-engine/internal/metrics"
	"github.com/sectorwars/trade-engine/internal/trade"
)

func newServeCmd(cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfg())
		},
	}
}

func newMigrateCmd(cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cfg()
			_, cleanup, err := openStore(cmd.Context(), c)
			if err != nil {
				return err
			}
			defer cleanup()
			slog.Info("schema up to date", "driver", c.Store.Driver)
			return nil
		},
	}
}

func newSeedCmd(cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Populate the store with demo ports and players",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cfg()
			if c.Store.Driver == "memory" {
				return errors.New("seed needs a persistent store; set store.driver to sqlite or postgres")
			}
			st, cleanup, err := openStore(cmd.Context(), c)
			if err != nil {
				return err
			}
			defer cleanup()
			_, err = trade.Seed(cmd.Context(), st, trade.SeedOptions{
				Ports:           c.Seed.Ports,
				Players:         c.Seed.Players,
				StartingCredits: decimal.NewFromFloat(c.Seed.StartingCredits),
				CargoCapacity:   c.Seed.CargoCapacity,
			})
			return err
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if cfg.Store.Driver == "memory" {
		// An empty in-memory galaxy has nothing to trade.
		if _, err := trade.Seed(ctx, st, trade.SeedOptions{
			Ports:           cfg.Seed.Ports,
			Players:         cfg.Seed.Players,
			StartingCredits: decimal.NewFromFloat(cfg.Seed.StartingCredits),
			CargoCapacity:   cfg.Seed.CargoCapacity,
		}); err != nil {
			return err
		}
	}

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run(ctx)

	svc, err := newService(ctx, cfg, st, wsHub)
	if err != nil {
		return err
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"trade-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time price updates. It stays outside
		// the timeout middleware so connections are not cut.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Logger)
			r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
			trade.NewHandler(svc).Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("trade-engine listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Graceful shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down trade-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	slog.Info("trade-engine stopped")
	return nil
}
