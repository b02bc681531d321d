package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lsm/shunt/internal/config"
	"github.com/lsm/shunt/internal/message"
	"github.com/lsm/shunt/internal/observability"
	"github.com/lsm/shunt/internal/spout"
	"github.com/lsm/shunt/internal/trigger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// stdoutEmitter prints emitted tuples as JSON lines and acks them
// immediately. It stands in for a real topology runtime.
type stdoutEmitter struct {
	sp *spout.Spout
}

func (e *stdoutEmitter) Emit(streamID string, fields map[string]any, id message.ID) {
	line, err := json.Marshal(map[string]any{
		"stream": streamID,
		"id":     id.String(),
		"fields": fields,
	})
	if err != nil {
		e.sp.Fail(id)
		return
	}
	fmt.Println(string(line))
	e.sp.Ack(id)
}

func run() error {
	configPath := flag.String("config", "/etc/shunt/config.yaml", "path to the spout config file")
	taskIndex := flag.Int("task-index", 0, "index of this instance")
	totalTasks := flag.Int("total-tasks", 1, "total parallel instances")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := *logLevel
	if level == "" {
		level = cfg.LogLevel
	}
	logger := observability.NewLogger("shunt", observability.GetLogLevel(level))
	slog.SetDefault(logger)

	// Setup metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)

	health := observability.NewHealthServer()

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("GET /healthz", health.Handler())
	mux.Handle("GET /readyz", health.Handler())

	httpServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		logger.Info("metrics server starting", "addr", cfg.MetricsAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := []spout.Option{
		spout.WithRecorder(metrics),
		spout.WithLogger(logger),
	}
	if cfg.TriggerDir != "" {
		opts = append(opts, spout.WithTrigger(trigger.NewFileTrigger(cfg.TriggerDir, logger)))
	}

	sp := spout.New(cfg, *taskIndex, *totalTasks, opts...)
	emitter := &stdoutEmitter{sp: sp}

	if err := sp.Open(emitter); err != nil {
		return fmt.Errorf("open spout: %w", err)
	}
	health.SetReady(true)

	logger.Info("spout running", "topic", cfg.Topic)

	// Host loop: poll until shutdown, idling briefly when nothing is
	// buffered.
	for ctx.Err() == nil {
		if !sp.NextTuple() {
			time.Sleep(time.Millisecond)
		}
	}

	// Graceful shutdown
	health.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := sp.Close(); err != nil {
		logger.Error("spout shutdown error", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}
