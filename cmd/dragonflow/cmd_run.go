package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/dragonflow/internal/logging"
	"github.com/ZanzyTHEbar/dragonflow/internal/telemetry"
	"github.com/ZanzyTHEbar/dragonflow/pkg/dragonflow"
)

const shutdownTimeout = 30 * time.Second

func runManifest(cmd *cobra.Command, opts runOptions) error {
	cfg, err := dragonflow.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, cmd.ErrOrStderr())

	m, err := dragonflow.LoadManifest(opts.manifestPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.trace {
		flush, err := telemetry.InitStdoutTracing("dragonflow", cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer func() {
			if err := flush(context.Background()); err != nil {
				logger.Warn("failed to flush spans", slog.Any("error", err))
			}
		}()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if opts.metricsAddr != "" {
		srv := serveMetrics(opts.metricsAddr, registry, logger)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	engine, err := dragonflow.New(
		dragonflow.WithConfig(cfg),
		dragonflow.WithLogger(logger),
		dragonflow.WithRegisterer(registry))
	if err != nil {
		return err
	}

	logger.Info("running manifest",
		slog.String("manifest", m.Name),
		slog.Int("tasks", len(m.Tasks)))
	report, runErr := engine.RunManifest(ctx, m)

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := engine.Shutdown(sctx); err != nil {
		logger.Error("shutdown incomplete", slog.Any("error", err))
	}
	if runErr != nil {
		return runErr
	}

	if opts.jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		printReport(cmd.OutOrStdout(), report)
	}

	if !report.Success() {
		return fmt.Errorf("%d failed, %d cancelled, %d skipped", len(report.Failed), len(report.Cancelled), len(report.Skipped))
	}
	return nil
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", slog.Any("error", err))
		}
	}()
	logger.Info("serving metrics", slog.String("addr", addr))
	return srv
}

func printReport(w io.Writer, report *dragonflow.Report) {
	fmt.Fprintf(w, "Finished in %s: %d completed, %d failed, %d cancelled, %d skipped\n",
		report.Duration.Round(time.Millisecond),
		len(report.Completed), len(report.Failed), len(report.Cancelled), len(report.Skipped))

	for _, id := range report.Order {
		res, ran := report.Results[id]
		switch {
		case !ran:
			fmt.Fprintf(w, "  %-20s skipped    %s\n", id, report.SkipReasons[id])
		case res.Success:
			fmt.Fprintf(w, "  %-20s ok         %s (%d retries)\n", id, res.ExecutionTime.Round(time.Millisecond), res.RetryCount)
		default:
			fmt.Fprintf(w, "  %-20s %-10s %s\n", id, outcome(res), res.Error.Error())
		}
	}

	if len(report.CriticalPath) > 0 {
		fmt.Fprintf(w, "Critical path: %s\n", strings.Join(report.CriticalPath, " -> "))
	}
}

func outcome(res *dragonflow.ExecutionResult) string {
	if res.Cancelled() {
		return "cancelled"
	}
	return "failed"
}
