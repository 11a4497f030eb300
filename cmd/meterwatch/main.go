package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"meterwatch/internal/config"
	"meterwatch/internal/logging"
	"meterwatch/internal/service"
	"meterwatch/telemetry"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "config/meters.yaml", "Path to configuration file")
	testConnections := flag.Bool("test-connections", false, "Test camera connections and exit")
	runOnce := flag.Bool("run-once", false, "Take a single reading from all meters and exit")
	statistics := flag.Bool("statistics", false, "Show usage statistics for all meters and exit")
	configCheck := flag.Bool("config-check", false, "Validate configuration and exit")
	diagListen := flag.String("diag-listen", "", "Diagnostics listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		return 1
	}

	if *configCheck {
		fmt.Printf("Configuration OK: %d meter(s) configured.\n", len(cfg.Meters))
		return 0
	}

	logger, cleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Error().Err(err).Msg("failed to setup logger")
		return 1
	}
	defer cleanup()
	log.Logger = logger

	collector, err := newTelemetryCollector(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry disabled: %v\n", err)
		collector = telemetry.Noop()
	}

	orchestrator, err := service.New(cfg, logger, service.WithCollector(collector))
	if err != nil {
		logger.Error().Err(err).Msg("failed to create orchestrator")
		return 1
	}
	defer orchestrator.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch {
	case *testConnections:
		return executeConnectionTest(ctx, orchestrator)
	case *runOnce:
		return executeRunOnce(ctx, orchestrator)
	case *statistics:
		return executeStatistics(orchestrator)
	}

	listen := *diagListen
	if listen == "" && cfg.Diagnostics.Enabled {
		listen = cfg.Diagnostics.Listen
	}
	if *diagListen != "" || cfg.Diagnostics.Enabled {
		if err := orchestrator.EnableDiagnostics(listen); err != nil {
			logger.Error().Err(err).Msg("failed to start diagnostics server")
			return 1
		}
	}

	return runContinuous(ctx, orchestrator, logger)
}

func runContinuous(ctx context.Context, orchestrator *service.Orchestrator, logger zerolog.Logger) int {
	logger.Info().Msg("testing camera connections")
	results := orchestrator.TestConnections(ctx)
	failed := 0
	for _, ok := range results {
		if !ok {
			failed++
		}
	}
	if failed > 0 {
		logger.Warn().Int("failed", failed).Msg("camera(s) failed connection test, continuing anyway")
	}

	if err := orchestrator.Start(); err != nil {
		logger.Error().Err(err).Msg("failed to start orchestrator")
		return 1
	}
	logger.Info().Msg("continuous monitoring started, send SIGINT or SIGTERM to stop")

	<-ctx.Done()
	orchestrator.Stop()

	stats := orchestrator.Statistics()
	fmt.Println("FINAL STATISTICS")
	fmt.Printf("  Total readings:    %d\n", stats.TotalReadings)
	fmt.Printf("  Successful:        %d\n", stats.SuccessfulReadings)
	fmt.Printf("  Failed:            %d\n", stats.FailedReadings)
	fmt.Printf("  Success rate:      %.1f%%\n", stats.SuccessRate)
	fmt.Printf("  Uptime:            %.0f seconds\n", stats.UptimeSeconds)
	return 0
}

func newTelemetryCollector(cfg config.TelemetryConfig) (telemetry.Collector, error) {
	if !cfg.Enabled {
		return telemetry.Noop(), nil
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "", "prometheus":
		collector, err := telemetry.NewPrometheusCollector(nil)
		if err != nil {
			return nil, err
		}
		return collector, nil
	default:
		return telemetry.Noop(), fmt.Errorf("unsupported telemetry provider %q", cfg.Provider)
	}
}

func executeConnectionTest(ctx context.Context, orchestrator *service.Orchestrator) int {
	results := orchestrator.TestConnections(ctx)

	fmt.Println("CAMERA CONNECTION TEST")
	failed := 0
	for _, name := range sortedKeys(results) {
		status := "ok"
		if !results[name] {
			status = "FAILED"
			failed++
		}
		fmt.Printf("  %-20s %s\n", name, status)
	}
	if failed > 0 {
		fmt.Printf("%d camera(s) failed connection test\n", failed)
		return 1
	}
	fmt.Println("All camera connections successful.")
	return 0
}

func executeRunOnce(ctx context.Context, orchestrator *service.Orchestrator) int {
	results := orchestrator.RunOnce(ctx)

	fmt.Println("SINGLE READING FROM ALL METERS")
	failures := 0
	for _, name := range sortedKeys(results) {
		result := results[name]
		if result.Err != nil {
			failures++
			fmt.Printf("  %-20s ERROR: %s\n", name, result.Err.Error())
			continue
		}
		fmt.Printf("  %-20s %.3f %s (confidence: %s)\n",
			name, result.Reading.TotalValue, result.Reading.Unit, result.Reading.Confidence)
	}
	if failures > 0 {
		fmt.Printf("%d reading(s) failed\n", failures)
		return 1
	}
	fmt.Println("All readings successful.")
	return 0
}

func executeStatistics(orchestrator *service.Orchestrator) int {
	summaries := orchestrator.MeterSummaries()
	for _, name := range sortedKeys(summaries) {
		result := summaries[name]
		fmt.Printf("\n%s:\n", name)
		if result.Err != "" {
			fmt.Printf("  %s\n", result.Err)
			continue
		}
		s := result.Summary
		fmt.Printf("  Readings:          %d over %.1f h\n", s.NumReadings, s.DurationHours)
		fmt.Printf("  Total usage:       %.3f %s\n", s.TotalUsage, s.Unit)
		fmt.Printf("  Average rate:      %.3f %s/h\n", s.AverageRate, s.Unit)
		fmt.Printf("  Instantaneous:     %.3f %s\n", s.InstantRate, s.RateUnit)
		if s.Alert {
			fmt.Printf("  ALERT:             %s\n", s.AlertReason)
		}
	}
	return 0
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
