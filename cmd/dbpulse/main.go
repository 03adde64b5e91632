// Command dbpulse continuously verifies that a PostgreSQL or MySQL
// database is executing real read-write transactions, and exposes the
// results as Prometheus metrics over HTTP.
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

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nbari/dbpulse/certprobe"
	"github.com/nbari/dbpulse/config"
	"github.com/nbari/dbpulse/dialect"
	"github.com/nbari/dbpulse/dialect/mysql"
	"github.com/nbari/dbpulse/dialect/postgres"
	"github.com/nbari/dbpulse/dsn"
	"github.com/nbari/dbpulse/metrics"
	"github.com/nbari/dbpulse/probe"
	"github.com/nbari/dbpulse/scheduler"
)

// Exit codes per the operator-facing contract: 0 clean shutdown, 1
// configuration error (including an unparsable DSN or unsupported
// driver), 2 a fatal failure once the daemon is otherwise running (the
// metrics server dying). A panic inside an iteration never reaches
// main — the engine recovers it.
const (
	exitConfig = 1
	exitFatal  = 2
)

func main() {
	logger := slog.Default()

	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		logger.Error("configuration error", "error", err)
		os.Exit(exitConfig)
	}

	parsed, err := dsn.Parse(cfg.DSN)
	if err != nil {
		logger.Error("configuration error", "error", err)
		os.Exit(exitConfig)
	}

	d, err := newDialect(parsed.Driver)
	if err != nil {
		logger.Error("configuration error", "error", err)
		os.Exit(exitConfig)
	}

	if err := run(logger, cfg, parsed, d); err != nil {
		logger.Error("dbpulse exited", "error", err)
		os.Exit(exitFatal)
	}
}

func run(logger *slog.Logger, cfg *config.Config, parsed *dsn.Config, d dialect.Dialect) error {
	reg := metrics.New()
	cache := certprobe.NewCache(cfg.CertCacheTTL)
	engine := probe.New(d, parsed, reg, cache, cfg.Range, probe.WithLogger(logger))
	sched := scheduler.New(engine, cfg.Interval, scheduler.WithLogger(logger))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched.Start(ctx)
	defer sched.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}))

	addr := cfg.Listen + ":" + cfg.Port
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		cancel()
		if err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown did not complete cleanly", "error", err)
	}

	sched.Stop()
	return nil
}

func newDialect(driver string) (dialect.Dialect, error) {
	switch driver {
	case "postgres":
		return postgres.New(), nil
	case "mysql":
		return mysql.New(), nil
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}
