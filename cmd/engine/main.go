// Command engine is Beacon's daemon entrypoint: load configuration and a
// compiled rule plan, then run the cycle scheduler until signalled to stop.
// Grounded on the teacher's cmd/server/main.go wiring order (config ->
// logging -> dependencies -> background loops -> signal-driven graceful
// shutdown), narrowed to this repo's in-scope surface: no HTTP/gRPC API
// server (only a Prometheus /metrics endpoint), no database, no Kafka, no
// notification manager — those are the teacher's
// concerns that spec.md §1 places out of scope for the core runtime.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/pulsar-io/beacon/internal/config"
	"github.com/pulsar-io/beacon/internal/dsl"
	"github.com/pulsar-io/beacon/internal/evaluator"
	"github.com/pulsar-io/beacon/internal/logging"
	"github.com/pulsar-io/beacon/internal/metrics"
	"github.com/pulsar-io/beacon/internal/plan"
	"github.com/pulsar-io/beacon/internal/scheduler"
	"github.com/pulsar-io/beacon/internal/store"
	"github.com/pulsar-io/beacon/internal/temporal"
	"github.com/pulsar-io/beacon/internal/validate"
)

const serviceName = "beacon"

func main() {
	rulesPath := pflag.StringP("rules", "r", "rules.yaml", "path to the DSL rule set file")
	metricsAddr := pflag.StringP("metrics-addr", "m", ":9090", "listen address for the Prometheus /metrics endpoint")
	pflag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "beacon: failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Engine.LogLevel)
	logger.Info("starting beacon engine", "service", serviceName, "rules", *rulesPath)

	rulePlan, err := loadPlan(*rulesPath, cfg)
	if err != nil {
		logger.Error("failed to compile rule plan", "error", err)
		os.Exit(1)
	}
	logger.Info("rule plan compiled", "plan_id", rulePlan.ID, "layers", len(rulePlan.Layers), "rules", len(rulePlan.RulesByName), "sensors", len(rulePlan.Sensors))

	collector := metrics.New()

	st, err := store.New(cfg.Redis, logger, collector)
	if err != nil {
		logger.Error("failed to construct store adapter", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("failed to close store adapter", "error", err)
		}
	}()

	buf := temporal.New(cfg.Engine.BufferCapacity)
	for sensor, capacity := range rulePlan.SensorCapacity {
		buf.EnsureCapacity(sensor, capacity)
	}

	emitState := evaluator.NewEmitState()
	eval := evaluator.New(rulePlan, buf, emitState, collector)

	healthInterval := time.Duration(cfg.Redis.HealthCheck.IntervalSec) * time.Second
	if !cfg.Redis.HealthCheck.Enabled {
		healthInterval = 0 // 0 disables the scheduler's health-check job
	}
	sched := scheduler.New(st, buf, eval, rulePlan, scheduler.Options{
		Period:           cfg.Engine.CycleTime(),
		HealthInterval:   healthInterval,
		HealthFailureMax: cfg.Redis.HealthCheck.FailureThreshold,
	}, logger, collector)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsServer := &http.Server{
		Addr:    *metricsAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Info("serving prometheus metrics", "addr", *metricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
	}

	cancel()
	<-done

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down metrics server gracefully", "error", err)
	}

	logger.Info("beacon engine stopped", "cycles", sched.CycleCount())
}

// loadPlan reads and compiles the rule set at path into an immutable
// RulePlan. The document format is inferred from the file extension
// (.json vs. everything else treated as YAML), per spec.md §4.1's two
// accepted wire syntaxes.
func loadPlan(path string, cfg config.Config) (*plan.RulePlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("beacon: read rules file: %w", err)
	}

	format := dsl.FormatYAML
	if filepath.Ext(path) == ".json" {
		format = dsl.FormatJSON
	}

	ruleSet, err := dsl.Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("beacon: parse rules: %w", err)
	}

	compiled, diags, err := plan.Compile(ruleSet, plan.Options{
		Validate: validate.Options{
			MaxDependencyDepth: cfg.Engine.MaxDependencyDepth,
		},
		SamplePeriod:          cfg.Engine.CycleTime(),
		DefaultBufferCapacity: cfg.Engine.BufferCapacity,
	})
	for _, d := range diags {
		fmt.Fprintln(os.Stderr, d.String())
	}
	if err != nil {
		return nil, fmt.Errorf("beacon: compile rule plan: %w", err)
	}
	return compiled, nil
}
