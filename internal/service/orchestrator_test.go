package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"meterwatch/internal/meter"
)

func newTestUnit(t *testing.T, name string, interval time.Duration, capSvc *fakeCapture, interp *fakeInterpret, st *recordingStore) *MeterUnit {
	t.Helper()
	cfg := waterUnitConfig(name)
	cfg.Interval = interval
	deps := Collaborators{Capture: capSvc, Interpret: interp}
	if st != nil {
		deps.Store = st
	}
	unit, err := NewMeterUnit(cfg, deps, zerolog.Nop())
	if err != nil {
		t.Fatalf("new unit %s: %v", name, err)
	}
	return unit
}

func TestOrchestratorIndependentScheduling(t *testing.T) {
	fastCapture := &fakeCapture{}
	fastInterp := scriptedInterpret("fast", meter.KindWater, []float64{100.0}, nil)
	fast := newTestUnit(t, "fast", 20*time.Millisecond, fastCapture, fastInterp, nil)

	slowCapture := &fakeCapture{}
	slowInterp := scriptedInterpret("slow", meter.KindWater, []float64{50.0}, nil)
	slow := newTestUnit(t, "slow", time.Hour, slowCapture, slowInterp, nil)

	o := NewFromUnits([]*MeterUnit{fast, slow}, zerolog.Nop(), nil, time.Second)
	if err := o.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	o.Stop()

	if got := fastCapture.count(); got < 4 {
		t.Fatalf("fast meter ran %d cycles, want at least 4", got)
	}
	// The slow meter fires once immediately and then waits out its interval.
	if got := slowCapture.count(); got != 1 {
		t.Fatalf("slow meter ran %d cycles, want 1", got)
	}
	if o.Running() {
		t.Fatalf("orchestrator still running after Stop")
	}
}

func TestOrchestratorStalledMeterDoesNotDelayOthers(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	stuckCapture := &fakeCapture{block: block}
	stuckInterp := scriptedInterpret("stuck", meter.KindWater, []float64{1.0}, nil)
	stuckCfg := waterUnitConfig("stuck")
	stuckCfg.Interval = 20 * time.Millisecond
	stuckCfg.CaptureTimeout = time.Hour
	stuck, err := NewMeterUnit(stuckCfg, Collaborators{Capture: stuckCapture, Interpret: stuckInterp}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new stuck unit: %v", err)
	}

	liveCapture := &fakeCapture{}
	liveInterp := scriptedInterpret("live", meter.KindWater, []float64{100.0}, nil)
	live := newTestUnit(t, "live", 20*time.Millisecond, liveCapture, liveInterp, nil)

	o := NewFromUnits([]*MeterUnit{stuck, live}, zerolog.Nop(), nil, 50*time.Millisecond)
	if err := o.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	time.Sleep(150 * time.Millisecond)

	if got := liveCapture.count(); got < 4 {
		t.Fatalf("live meter ran %d cycles while peer was stalled, want at least 4", got)
	}
	if got := len(stuck.History()); got != 0 {
		t.Fatalf("stalled meter produced %d readings", got)
	}

	// Stop must return within the shutdown timeout even though one loop is
	// still inside a capture call.
	done := make(chan struct{})
	go func() {
		o.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Stop did not return within the shutdown timeout")
	}
}

func TestOrchestratorGracefulStop(t *testing.T) {
	capSvc := &fakeCapture{}
	interp := scriptedInterpret("m", meter.KindWater, []float64{100.0}, nil)
	unit := newTestUnit(t, "m", 10*time.Millisecond, capSvc, interp, nil)

	o := NewFromUnits([]*MeterUnit{unit}, zerolog.Nop(), nil, time.Second)
	if err := o.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := o.Start(); err == nil {
		t.Fatalf("expected error on second Start")
	}

	time.Sleep(50 * time.Millisecond)
	o.Stop()

	settled := capSvc.count()
	time.Sleep(50 * time.Millisecond)
	if got := capSvc.count(); got != settled {
		t.Fatalf("cycles kept running after Stop: %d -> %d", settled, got)
	}

	// Stopping again is harmless.
	o.Stop()
}

func TestOrchestratorStartWithoutMeters(t *testing.T) {
	o := NewFromUnits(nil, zerolog.Nop(), nil, time.Second)
	if err := o.Start(); err == nil {
		t.Fatalf("expected error for empty meter set")
	}
}

func TestOrchestratorRunOnceSequence(t *testing.T) {
	capSvc := &fakeCapture{}
	interp := scriptedInterpret("water_main", meter.KindWater,
		[]float64{100.000, 100.450, 100.900, 99.000, 101.200}, nil)
	st := &recordingStore{}
	unit := newTestUnit(t, "water_main", time.Minute, capSvc, interp, st)

	o := NewFromUnits([]*MeterUnit{unit}, zerolog.Nop(), nil, time.Second)

	var rejected *CycleError
	for i := 0; i < 5; i++ {
		results := o.RunOnce(context.Background())
		result, ok := results["water_main"]
		if !ok {
			t.Fatalf("run %d: no result for meter", i)
		}
		if result.Err != nil {
			rejected = result.Err
		}
	}

	history := unit.History()
	want := []float64{100.000, 100.450, 100.900, 101.200}
	if len(history) != len(want) {
		t.Fatalf("history length = %d, want %d", len(history), len(want))
	}
	for i, r := range history {
		if r.TotalValue != want[i] {
			t.Fatalf("history[%d] = %v, want %v", i, r.TotalValue, want[i])
		}
	}

	if rejected == nil || rejected.Stage != StageValidate || rejected.Reason != "reading decreased" {
		t.Fatalf("rejected cycle = %+v", rejected)
	}

	stats := o.Statistics()
	if stats.TotalReadings != 5 || stats.SuccessfulReadings != 4 || stats.FailedReadings != 1 {
		t.Fatalf("counters = %d/%d/%d, want 5/4/1",
			stats.TotalReadings, stats.SuccessfulReadings, stats.FailedReadings)
	}
	if stats.SuccessRate != 80.0 {
		t.Fatalf("success rate = %v, want 80", stats.SuccessRate)
	}

	if got := len(st.persisted()); got != 4 {
		t.Fatalf("persisted readings = %d, want 4", got)
	}
}

func TestOrchestratorStatisticsDuringStart(t *testing.T) {
	capSvc := &fakeCapture{}
	interp := scriptedInterpret("m", meter.KindWater, []float64{100.0}, nil)
	unit := newTestUnit(t, "m", time.Hour, capSvc, interp, nil)

	o := NewFromUnits([]*MeterUnit{unit}, zerolog.Nop(), nil, time.Second)

	if got := o.Statistics(); !got.StartTime.IsZero() || got.UptimeSeconds != 0 {
		t.Fatalf("statistics before Start = %+v", got)
	}

	// The diagnostics server reads statistics while Start is still running,
	// so the two must be safe to call concurrently.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			o.Statistics()
		}
		close(done)
	}()
	if err := o.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-done
	defer o.Stop()

	stats := o.Statistics()
	if stats.StartTime.IsZero() {
		t.Fatalf("start time not recorded")
	}
	if stats.UptimeSeconds < 0 {
		t.Fatalf("uptime = %v", stats.UptimeSeconds)
	}
}

func TestOrchestratorTestConnections(t *testing.T) {
	okUnit := newTestUnit(t, "ok", time.Minute, &fakeCapture{}, scriptedInterpret("ok", meter.KindWater, []float64{1}, nil), nil)
	badUnit := newTestUnit(t, "bad", time.Minute,
		&fakeCapture{err: errors.New("connection refused")},
		scriptedInterpret("bad", meter.KindWater, []float64{1}, nil), nil)

	o := NewFromUnits([]*MeterUnit{okUnit, badUnit}, zerolog.Nop(), nil, time.Second)
	results := o.TestConnections(context.Background())

	if !results["ok"] {
		t.Fatalf("healthy camera reported as failed")
	}
	if results["bad"] {
		t.Fatalf("unreachable camera reported as healthy")
	}
}

func TestOrchestratorMeterSummaries(t *testing.T) {
	capSvc := &fakeCapture{}
	interp := scriptedInterpret("m", meter.KindWater, []float64{100.0, 100.2}, nil)
	unit := newTestUnit(t, "m", time.Minute, capSvc, interp, nil)

	o := NewFromUnits([]*MeterUnit{unit}, zerolog.Nop(), nil, time.Second)

	summaries := o.MeterSummaries()
	if summaries["m"].Err == "" {
		t.Fatalf("expected insufficient data error before any readings")
	}

	for i := 0; i < 2; i++ {
		o.RunOnce(context.Background())
	}

	summaries = o.MeterSummaries()
	result := summaries["m"]
	if result.Err != "" {
		t.Fatalf("summary error: %s", result.Err)
	}
	if result.Summary.NumReadings != 2 || result.Summary.EndReading != 100.2 {
		t.Fatalf("summary = %+v", result.Summary)
	}
}
