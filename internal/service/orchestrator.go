package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"meterwatch/internal/capture"
	"meterwatch/internal/config"
	"meterwatch/internal/interpret"
	"meterwatch/internal/meter"
	"meterwatch/internal/notify"
	"meterwatch/internal/store"
	"meterwatch/telemetry"
)

// Orchestrator owns the set of meter units and runs one independent polling
// loop per unit. Loops communicate with the orchestrator only through atomic
// counters and the shared stop context; no history is ever shared between
// units.
type Orchestrator struct {
	units     []*MeterUnit
	logger    zerolog.Logger
	collector telemetry.Collector

	stores store.Store
	sinks  notify.Sink

	running         atomic.Bool
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	active          sync.Map // meter name -> struct{}, loops still running
	shutdownTimeout time.Duration

	totalReadings      atomic.Uint64
	successfulReadings atomic.Uint64
	failedReadings     atomic.Uint64
	startNanos         atomic.Int64

	diag *diagServer
}

// Option customises orchestrator construction, mainly to inject fakes in tests.
type Option func(*builder)

type builder struct {
	capture   capture.Service
	interpret interpret.Service
	store     store.Store
	notify    notify.Sink
	collector telemetry.Collector
}

// WithCaptureService replaces the default HTTP capture implementation.
func WithCaptureService(s capture.Service) Option { return func(b *builder) { b.capture = s } }

// WithInterpretService replaces the default vision client.
func WithInterpretService(s interpret.Service) Option { return func(b *builder) { b.interpret = s } }

// WithStore replaces the configured durable stores.
func WithStore(s store.Store) Option { return func(b *builder) { b.store = s } }

// WithNotifySink replaces the configured notification sinks.
func WithNotifySink(s notify.Sink) Option { return func(b *builder) { b.notify = s } }

// WithCollector sets the telemetry collector.
func WithCollector(c telemetry.Collector) Option { return func(b *builder) { b.collector = c } }

// New builds an orchestrator and its meter units from configuration.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}

	var b builder
	for _, opt := range opts {
		opt(&b)
	}

	if b.collector == nil {
		b.collector = telemetry.Noop()
	}
	if b.capture == nil {
		b.capture = capture.NewHTTPCapture(cfg.CaptureTimeout(), logger)
	}
	if b.interpret == nil {
		if cfg.Vision.Endpoint == "" {
			return nil, errors.New("vision.endpoint is required")
		}
		b.interpret = interpret.NewVisionClient(cfg.Vision.Endpoint, cfg.Vision.APIKey, cfg.Vision.Model, cfg.VisionTimeout(), logger)
	}
	if b.store == nil {
		stores, err := buildStores(cfg.Storage, logger)
		if err != nil {
			return nil, err
		}
		b.store = stores
	}
	if b.notify == nil {
		sinks, err := buildSinks(cfg.Notify, logger)
		if err != nil {
			return nil, err
		}
		b.notify = sinks
	}

	units := make([]*MeterUnit, 0, len(cfg.Meters))
	for _, m := range cfg.Meters {
		unit, err := buildUnit(cfg, m, Collaborators{
			Capture:   b.capture,
			Interpret: b.interpret,
			Store:     b.store,
			Notify:    b.notify,
		}, logger)
		if err != nil {
			return nil, err
		}
		units = append(units, unit)
		logger.Info().
			Str("meter", unit.Name()).
			Str("kind", string(unit.Kind())).
			Dur("interval", unit.Interval()).
			Msg("meter initialised")
	}

	o := &Orchestrator{
		units:           units,
		logger:          logger.With().Str("component", "orchestrator").Logger(),
		collector:       b.collector,
		stores:          b.store,
		sinks:           b.notify,
		shutdownTimeout: cfg.ShutdownTimeout(),
	}
	return o, nil
}

// NewFromUnits builds an orchestrator over pre-constructed units; used by
// tests and embedders that wire collaborators themselves.
func NewFromUnits(units []*MeterUnit, logger zerolog.Logger, collector telemetry.Collector, shutdownTimeout time.Duration) *Orchestrator {
	if collector == nil {
		collector = telemetry.Noop()
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &Orchestrator{
		units:           units,
		logger:          logger.With().Str("component", "orchestrator").Logger(),
		collector:       collector,
		shutdownTimeout: shutdownTimeout,
	}
}

func buildUnit(cfg *config.Config, m config.MeterConfig, deps Collaborators, logger zerolog.Logger) (*MeterUnit, error) {
	kind, err := meter.ParseKind(m.Kind)
	if err != nil {
		return nil, fmt.Errorf("meter %q: %w", m.Name, err)
	}
	var rule *meter.AlertRule
	if m.AlertRule != "" {
		rule, err = meter.CompileAlertRule(m.AlertRule)
		if err != nil {
			return nil, fmt.Errorf("meter %q: %w", m.Name, err)
		}
	}
	return NewMeterUnit(UnitConfig{
		Name: m.Name,
		Kind: kind,
		Camera: capture.CameraConfig{
			Address:     m.Camera.Address,
			Username:    m.Camera.Username,
			Password:    m.Camera.Password,
			SnapshotURL: m.Camera.SnapshotURL,
			StreamURL:   m.Camera.StreamURL,
		},
		Interval:         cfg.IntervalFor(m),
		Thresholds:       meter.ThresholdsFor(kind, m.MaxDeltaPerReading),
		UseCubicMeters:   m.UseCubicMeters,
		AlertThreshold:   m.AlertThreshold,
		AlertRule:        rule,
		CaptureTimeout:   cfg.CaptureTimeout(),
		InterpretTimeout: cfg.InterpretTimeout(),
	}, deps, logger)
}

func buildStores(cfg config.StorageConfig, logger zerolog.Logger) (store.Store, error) {
	stores := make([]store.Store, 0, 3)

	fileStore, err := store.NewFileStore(cfg.Directory, logger)
	if err != nil {
		return nil, err
	}
	stores = append(stores, fileStore)

	if cfg.Influx.Enabled {
		influxStore, err := store.NewInfluxStore(cfg.Influx, logger)
		if err != nil {
			return nil, err
		}
		stores = append(stores, influxStore)
	}
	if cfg.SQLite.Enabled {
		sqliteStore, err := store.NewSQLiteStore(cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		stores = append(stores, sqliteStore)
	}
	return store.Multi(logger, stores...), nil
}

func buildSinks(cfg config.NotifyConfig, logger zerolog.Logger) (notify.Sink, error) {
	sinks := make([]notify.Sink, 0, 2)
	if cfg.MQTT.Enabled {
		sink, err := notify.NewMQTTSink(cfg.MQTT, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if cfg.Kafka.Enabled {
		sink, err := notify.NewKafkaSink(cfg.Kafka, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if len(sinks) == 0 {
		return notify.Discard(), nil
	}
	return notify.Multi(logger, sinks...), nil
}

// Start spawns one polling loop per unit. It fails only when no meters are
// configured; per-cycle failures never stop a loop.
func (o *Orchestrator) Start() error {
	if len(o.units) == 0 {
		return errors.New("no meters configured")
	}
	if !o.running.CompareAndSwap(false, true) {
		return errors.New("orchestrator already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.startNanos.Store(time.Now().UnixNano())

	for _, unit := range o.units {
		o.active.Store(unit.Name(), struct{}{})
		o.wg.Add(1)
		go o.monitor(ctx, unit)
	}

	o.logger.Info().Int("meters", len(o.units)).Msg("orchestrator started")
	return nil
}

// monitor is one unit's polling loop: cycle, bookkeeping, interruptible wait.
func (o *Orchestrator) monitor(ctx context.Context, unit *MeterUnit) {
	defer o.wg.Done()
	defer o.active.Delete(unit.Name())

	logger := o.logger.With().Str("meter", unit.Name()).Logger()
	logger.Info().Dur("interval", unit.Interval()).Msg("monitoring started")

	for {
		// Stop is cooperative: the cycle runs under its own stage timeouts
		// rather than the loop context, so an in-flight capture finishes
		// instead of being torn down mid-request.
		o.executeCycle(context.Background(), unit)

		timer := time.NewTimer(unit.Interval())
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			logger.Info().Msg("monitoring stopped")
			return
		case <-timer.C:
		}
	}
}

// executeCycle runs a single cycle and updates counters and telemetry.
func (o *Orchestrator) executeCycle(ctx context.Context, unit *MeterUnit) (meter.Reading, *CycleError) {
	start := time.Now()
	reading, cerr := unit.RunCycle(ctx)
	duration := time.Since(start)

	o.totalReadings.Add(1)
	if cerr != nil {
		o.failedReadings.Add(1)
		o.collector.IncCycleError(unit.Name(), cerr.Stage)
	} else {
		o.successfulReadings.Add(1)
		o.collector.SetLastValue(unit.Name(), reading.TotalValue)
	}
	o.collector.ObserveCycle(unit.Name(), cerr == nil, duration)
	o.collector.SetConsecutiveErrors(unit.Name(), unit.ConsecutiveErrors())
	return reading, cerr
}

// Stop signals all loops and waits for them to exit, bounded by the shutdown
// timeout. Loops that overrun the timeout are reported but not killed.
func (o *Orchestrator) Stop() {
	if !o.running.CompareAndSwap(true, false) {
		o.logger.Warn().Msg("orchestrator is not running")
		return
	}
	o.logger.Info().Msg("stopping orchestrator")
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info().Msg("orchestrator stopped")
	case <-time.After(o.shutdownTimeout):
		o.active.Range(func(key, _ any) bool {
			o.logger.Warn().Str("meter", key.(string)).Msg("did not stop cleanly")
			return true
		})
	}
}

// CycleResult pairs one meter's single-shot outcome for RunOnce.
type CycleResult struct {
	Reading *meter.Reading `json:"reading,omitempty"`
	Err     *CycleError    `json:"error,omitempty"`
}

// RunOnce synchronously executes exactly one cycle per meter and returns all
// results. It never touches the scheduling loops; the per-unit in-flight
// guard keeps a manual trigger from overlapping a scheduled cycle.
func (o *Orchestrator) RunOnce(ctx context.Context) map[string]CycleResult {
	results := make(map[string]CycleResult, len(o.units))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, unit := range o.units {
		wg.Add(1)
		go func(unit *MeterUnit) {
			defer wg.Done()
			reading, cerr := o.executeCycle(ctx, unit)
			mu.Lock()
			defer mu.Unlock()
			if cerr != nil {
				results[unit.Name()] = CycleResult{Err: cerr}
			} else {
				results[unit.Name()] = CycleResult{Reading: &reading}
			}
		}(unit)
	}
	wg.Wait()
	return results
}

// TestConnections runs only the capture step for every meter, verifying the
// camera wiring before a long-running session is committed to.
func (o *Orchestrator) TestConnections(ctx context.Context) map[string]bool {
	results := make(map[string]bool, len(o.units))
	for _, unit := range o.units {
		err := unit.TestConnection(ctx)
		results[unit.Name()] = err == nil
		if err != nil {
			o.logger.Error().Err(err).Str("meter", unit.Name()).Msg("connection test failed")
		} else {
			o.logger.Info().Str("meter", unit.Name()).Msg("connection test succeeded")
		}
	}
	return results
}

// Statistics is the process-wide counter snapshot.
type Statistics struct {
	Running            bool      `json:"running"`
	NumMeters          int       `json:"num_meters"`
	TotalReadings      uint64    `json:"total_readings"`
	SuccessfulReadings uint64    `json:"successful_readings"`
	FailedReadings     uint64    `json:"failed_readings"`
	SuccessRate        float64   `json:"success_rate"`
	UptimeSeconds      float64   `json:"uptime_seconds"`
	StartTime          time.Time `json:"start_time,omitzero"`
}

// Statistics returns the aggregate counters plus uptime.
func (o *Orchestrator) Statistics() Statistics {
	total := o.totalReadings.Load()
	successful := o.successfulReadings.Load()
	stats := Statistics{
		Running:            o.running.Load(),
		NumMeters:          len(o.units),
		TotalReadings:      total,
		SuccessfulReadings: successful,
		FailedReadings:     o.failedReadings.Load(),
	}
	if total > 0 {
		stats.SuccessRate = float64(successful) / float64(total) * 100
	}
	if nanos := o.startNanos.Load(); nanos != 0 {
		start := time.Unix(0, nanos)
		stats.StartTime = start
		stats.UptimeSeconds = time.Since(start).Seconds()
	}
	return stats
}

// SummaryResult is one meter's usage summary or the reason it is unavailable.
type SummaryResult struct {
	Summary *meter.Summary `json:"summary,omitempty"`
	Err     string         `json:"error,omitempty"`
}

// MeterSummaries derives a usage summary per meter from its accepted history.
func (o *Orchestrator) MeterSummaries() map[string]SummaryResult {
	results := make(map[string]SummaryResult, len(o.units))
	for _, unit := range o.units {
		summary, err := unit.Summary()
		if err != nil {
			results[unit.Name()] = SummaryResult{Err: err.Error()}
			continue
		}
		results[unit.Name()] = SummaryResult{Summary: &summary}
	}
	return results
}

// Units exposes the configured meter units.
func (o *Orchestrator) Units() []*MeterUnit {
	return o.units
}

// Running reports whether the scheduling loops are active.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// EnableDiagnostics starts the optional diagnostics HTTP server.
func (o *Orchestrator) EnableDiagnostics(listen string) error {
	if o.diag != nil {
		return errors.New("diagnostics already enabled")
	}
	server, err := newDiagServer(listen, o, o.logger)
	if err != nil {
		return err
	}
	o.diag = server
	return nil
}

// Close releases stores, sinks and the diagnostics server. The scheduling
// loops must already be stopped.
func (o *Orchestrator) Close() error {
	var firstErr error
	if o.diag != nil {
		if err := o.diag.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if o.sinks != nil {
		if err := o.sinks.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if o.stores != nil {
		if err := o.stores.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
