// Command massive forks a large number of simulated tasks, either into a
// structured scope or as an unstructured fan-out, and reports how long they
// took.
//
// Usage:
//
//	THREAD_COUNT=100000 MAX_LATENCY=50 POLICY=fail_fast CAN_FAIL=true go run ./cmd/massive
//
// See internal/config for the full list of variables.
package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/NetPo4ki/massive-scope/internal/config"
	"github.com/NetPo4ki/massive-scope/internal/driver"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(os.Stdout, cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	if _, err := driver.New(cfg, driver.WithLogger(logger), driver.WithRegistry(reg)).Run(ctx); err != nil {
		logger.Error("run failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
