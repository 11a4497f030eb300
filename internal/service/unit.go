package service

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"meterwatch/internal/capture"
	"meterwatch/internal/interpret"
	"meterwatch/internal/meter"
	"meterwatch/internal/notify"
	"meterwatch/internal/store"
)

// Collaborators are the external services a meter unit delegates to.
type Collaborators struct {
	Capture   capture.Service
	Interpret interpret.Service
	Store     store.Store
	Notify    notify.Sink
}

// UnitConfig is the immutable per-meter configuration.
type UnitConfig struct {
	Name             string
	Kind             meter.Kind
	Camera           capture.CameraConfig
	Interval         time.Duration
	Thresholds       meter.Thresholds
	UseCubicMeters   bool
	AlertThreshold   float64
	AlertRule        *meter.AlertRule
	CaptureTimeout   time.Duration
	InterpretTimeout time.Duration
}

// Pipeline stages a cycle can fail in.
const (
	StageSchedule  = "schedule"
	StageCapture   = "capture"
	StageInterpret = "interpret"
	StageValidate  = "validate"
)

// CycleError is the per-cycle failure result. Cycle failures are recoverable:
// the unit returns to idle and is retried on the next scheduled tick.
type CycleError struct {
	Meter  string `json:"meter"`
	Stage  string `json:"stage"`
	Reason string `json:"reason,omitempty"`
	Err    error  `json:"-"`
}

func (e *CycleError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("meter %s: %s: %s", e.Meter, e.Stage, e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("meter %s: %s: %v", e.Meter, e.Stage, e.Err)
	}
	return fmt.Sprintf("meter %s: %s failed", e.Meter, e.Stage)
}

func (e *CycleError) Unwrap() error { return e.Err }

// MeterUnit owns one meter's configuration, its accepted-reading history and
// the capture→interpret→validate→persist pipeline for a single cycle.
//
// History is written only by RunCycle and read concurrently by statistics
// queries; readers always get a copy so they never block the writer.
type MeterUnit struct {
	cfg    UnitConfig
	deps   Collaborators
	logger zerolog.Logger

	mu                sync.RWMutex
	history           []meter.Reading
	consecutiveErrors int
	lastError         string

	// inFlight guarantees at most one cycle per unit at any time.
	inFlight atomic.Bool
}

// NewMeterUnit wires a unit to its collaborators.
func NewMeterUnit(cfg UnitConfig, deps Collaborators, logger zerolog.Logger) (*MeterUnit, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("meter unit: name must not be empty")
	}
	if deps.Capture == nil || deps.Interpret == nil {
		return nil, fmt.Errorf("meter unit %s: capture and interpret services are required", cfg.Name)
	}
	if deps.Store == nil {
		deps.Store = store.Discard()
	}
	if deps.Notify == nil {
		deps.Notify = notify.Discard()
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("meter unit %s: interval must be positive", cfg.Name)
	}
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = 15 * time.Second
	}
	if cfg.InterpretTimeout <= 0 {
		cfg.InterpretTimeout = 90 * time.Second
	}
	return &MeterUnit{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With().Str("meter", cfg.Name).Str("kind", string(cfg.Kind)).Logger(),
	}, nil
}

// Name returns the configured meter name.
func (u *MeterUnit) Name() string { return u.cfg.Name }

// Kind returns the meter kind.
func (u *MeterUnit) Kind() meter.Kind { return u.cfg.Kind }

// Interval returns the polling interval.
func (u *MeterUnit) Interval() time.Duration { return u.cfg.Interval }

// RunCycle executes one capture→interpret→validate→persist cycle. Exactly one
// cycle may be in flight per unit; a second caller gets a schedule error
// without touching the error bookkeeping.
func (u *MeterUnit) RunCycle(ctx context.Context) (meter.Reading, *CycleError) {
	if !u.inFlight.CompareAndSwap(false, true) {
		return meter.Reading{}, &CycleError{Meter: u.cfg.Name, Stage: StageSchedule, Reason: "cycle already in flight"}
	}
	defer u.inFlight.Store(false)

	capCtx, cancelCapture := context.WithTimeout(ctx, u.cfg.CaptureTimeout)
	img, err := u.deps.Capture.Capture(capCtx, u.cfg.Camera)
	cancelCapture()
	if err != nil {
		return meter.Reading{}, u.fail(StageCapture, "", err)
	}

	intCtx, cancelInterpret := context.WithTimeout(ctx, u.cfg.InterpretTimeout)
	reading, err := u.deps.Interpret.Interpret(intCtx, img, interpret.Request{
		Meter:          u.cfg.Name,
		Kind:           u.cfg.Kind,
		UseCubicMeters: u.cfg.UseCubicMeters,
	})
	cancelInterpret()
	if err != nil {
		u.persistImage(ctx, img, time.Now().UTC(), store.LabelError)
		return meter.Reading{}, u.fail(StageInterpret, "", err)
	}

	u.mu.RLock()
	outcome := meter.Validate(reading, u.history, u.cfg.Thresholds)
	u.mu.RUnlock()
	if !outcome.Accepted {
		// The value is discarded, but the image is kept for human audit.
		u.persistImage(ctx, img, reading.Timestamp, store.LabelRejected)
		return meter.Reading{}, u.fail(StageValidate, outcome.Reason, nil)
	}

	u.mu.Lock()
	u.history = append(u.history, reading)
	u.consecutiveErrors = 0
	u.lastError = ""
	u.mu.Unlock()

	if err := u.deps.Store.PersistReading(ctx, reading); err != nil {
		u.logger.Error().Err(err).Msg("persist reading failed")
	}
	u.persistImage(ctx, img, reading.Timestamp, formatValueLabel(reading.TotalValue))
	if err := u.deps.Notify.Notify(ctx, reading); err != nil {
		u.logger.Warn().Err(err).Msg("notification failed")
	}

	u.logger.Info().
		Float64("value", reading.TotalValue).
		Str("unit", reading.Unit).
		Str("confidence", string(reading.Confidence)).
		Msg("reading accepted")
	return reading, nil
}

// TestConnection runs only the capture step, verifying camera wiring without
// spending an interpretation call.
func (u *MeterUnit) TestConnection(ctx context.Context) error {
	capCtx, cancel := context.WithTimeout(ctx, u.cfg.CaptureTimeout)
	defer cancel()
	_, err := u.deps.Capture.Capture(capCtx, u.cfg.Camera)
	return err
}

// History returns a copy of the accepted readings so callers can never
// observe a partially appended slice.
func (u *MeterUnit) History() []meter.Reading {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]meter.Reading, len(u.history))
	copy(out, u.history)
	return out
}

// ConsecutiveErrors reports the current run of failed cycles.
func (u *MeterUnit) ConsecutiveErrors() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.consecutiveErrors
}

// LastError reports the most recent cycle failure, empty after a success.
func (u *MeterUnit) LastError() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.lastError
}

// LastValue returns the most recent accepted value, if any.
func (u *MeterUnit) LastValue() (float64, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if len(u.history) == 0 {
		return 0, false
	}
	return u.history[len(u.history)-1].TotalValue, true
}

// Summary derives usage statistics from the accepted history and applies the
// optional custom alert rule on top of the kind's builtin predicate.
func (u *MeterUnit) Summary() (meter.Summary, error) {
	summary, err := meter.Summarize(u.cfg.Name, u.cfg.Kind, u.History(), meter.SummaryOptions{
		AlertThreshold: u.cfg.AlertThreshold,
		UseCubicMeters: u.cfg.UseCubicMeters,
	})
	if err != nil {
		return meter.Summary{}, err
	}
	if u.cfg.AlertRule != nil {
		triggered, ruleErr := u.cfg.AlertRule.Evaluate(summary)
		if ruleErr != nil {
			u.logger.Warn().Err(ruleErr).Msg("alert rule evaluation failed")
		} else if triggered && !summary.Alert {
			summary.Alert = true
			summary.AlertReason = "rule"
		}
	}
	return summary, nil
}

func (u *MeterUnit) fail(stage, reason string, err error) *CycleError {
	cerr := &CycleError{Meter: u.cfg.Name, Stage: stage, Reason: reason, Err: err}
	u.mu.Lock()
	u.consecutiveErrors++
	u.lastError = cerr.Error()
	count := u.consecutiveErrors
	u.mu.Unlock()
	u.logger.Error().Err(err).Str("stage", stage).Str("reason", reason).Int("consecutive_errors", count).Msg("cycle failed")
	return cerr
}

func (u *MeterUnit) persistImage(ctx context.Context, img []byte, takenAt time.Time, label string) {
	if err := u.deps.Store.PersistImage(ctx, u.cfg.Name, img, takenAt, label); err != nil {
		u.logger.Warn().Err(err).Msg("persist image failed")
	}
}

func formatValueLabel(value float64) string {
	return strconv.FormatFloat(value, 'f', 3, 64)
}
