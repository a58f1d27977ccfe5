// Command bulkqd serves the bulk operation queue over HTTP and NATS and
// persists records to Postgres.
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

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	bulkq "github.com/DarlingtonDeveloper/swarm-bulkq"
)

func main() {
	cfg := loadConfig()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

	if err := run(cfg); err != nil {
		slog.Error("bulkqd: exiting", "error", err)
		os.Exit(1)
	}
}

func run(cfg config) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	store := bulkq.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	nc, err := nats.Connect(cfg.NATSURL, nats.Name("bulkqd"))
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer nc.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	q := bulkq.New(store,
		bulkq.WithBatchSize(cfg.BatchSize),
		bulkq.WithYieldDelay(cfg.YieldDelay),
		bulkq.WithProgressSink(bulkq.NewPublisher(nc)),
		bulkq.WithProgressSink(bulkq.NewMetrics(reg)),
	)

	if _, err := bulkq.NewIngestor(q).Subscribe(nc); err != nil {
		return err
	}

	var scanner *bulkq.Scanner
	if cfg.RetryInterval > 0 {
		scanner = bulkq.NewScanner(q, cfg.RetryInterval, cfg.MaxRetries)
		scanner.Start(ctx)
	}

	r := chi.NewRouter()
	r.Mount("/api/v1/bulk", bulkq.NewHandler(q, store).Routes())
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("bulkqd: listening", "addr", cfg.HTTPAddr, "batch_size", cfg.BatchSize)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	slog.Info("bulkqd: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	if err := q.Shutdown(shutdownCtx); err != nil {
		slog.Warn("bulkqd: queue did not stop in time", "error", err)
	}
	if scanner != nil {
		scanner.Wait()
	}
	if err := nc.Drain(); err != nil {
		slog.Warn("bulkqd: nats drain failed", "error", err)
	}
	return nil
}
