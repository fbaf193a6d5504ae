package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"paysplit/internal/config"
	"paysplit/internal/runstore"
	"paysplit/internal/server"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var memoryStore bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the smoke-run HTTP API",
	Long: `Starts the HTTP API on API_HTTP_PORT:
  POST /api/v1/runs       trigger a run (HMAC signed, X-Idempotency-Key required)
  GET  /api/v1/runs       recent runs
  GET  /api/v1/runs/{id}  one run
  GET  /api/v1/metrics    Prometheus metrics
  GET  /api/v1/health     RPC and store health

Runs are recorded in PostgreSQL when POSTGRES_DSN is set, otherwise in a
goleveldb directory at RUN_STORE_PATH.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&memoryStore, "memory-store", false, "Keep run records in memory only")
}

func openStore(ctx context.Context, cfg *config.AppConfig) (runstore.Store, func(), error) {
	switch {
	case memoryStore:
		return runstore.NewMemoryStore(), func() {}, nil
	case cfg.Service.PostgresDSN != "":
		store, err := runstore.NewPostgresStore(ctx, cfg.Service.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres store: %w", err)
		}
		return store, store.Close, nil
	default:
		store, err := runstore.NewLevelStore(cfg.Service.RunStorePath)
		if err != nil {
			return nil, nil, fmt.Errorf("run store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	client, closeClient, err := newClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeClient()

	if cfg.Service.HMACSecret == "" {
		log().Warn("HMAC_SECRET is empty, run requests are not authenticated")
	}

	apiServer := server.NewServer(cfg, client, store, log())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := apiServer.Start(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log().Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log().Error("shutdown", zap.Error(err))
			return err
		}
		return nil
	})
	return g.Wait()
}
