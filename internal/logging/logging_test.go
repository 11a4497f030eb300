package logging

import (
	"testing"

	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"

	"meterwatch/internal/config"
)

func TestSetupDefaultsToInfo(t *testing.T) {
	logger, cleanup, err := Setup(config.LoggingConfig{})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer cleanup()

	if logger.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("default level = %s", logger.GetLevel())
	}
}

func TestSetupRejectsUnknownLevel(t *testing.T) {
	if _, _, err := Setup(config.LoggingConfig{Level: "shouting"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestSetupRequiresLokiURL(t *testing.T) {
	cfg := config.LoggingConfig{Loki: config.LokiConfig{Enabled: true}}
	if _, _, err := Setup(cfg); err == nil {
		t.Fatalf("expected error for loki without url")
	}
}

func TestBaseLabels(t *testing.T) {
	labels := baseLabels(nil)
	if labels["app"] != "meterwatch" {
		t.Fatalf("default labels = %v", labels)
	}

	labels = baseLabels(map[string]string{"app": "custom", "site": "home"})
	if labels["app"] != "custom" || labels["site"] != "home" {
		t.Fatalf("configured labels = %v", labels)
	}
	if len(labels) != 2 {
		t.Fatalf("unexpected extra labels: %v", labels)
	}
}

func TestEntryLabelsDeriveSeverityAndMeter(t *testing.T) {
	base := model.LabelSet{"app": "meterwatch"}

	labels := entryLabels(base, `{"level":"warn","meter":"water_main","message":"cycle failed"}`)
	if labels["level"] != "warn" || labels["meter"] != "water_main" || labels["app"] != "meterwatch" {
		t.Fatalf("entry labels = %v", labels)
	}
	// The base set must stay untouched between entries.
	if len(base) != 1 {
		t.Fatalf("base labels mutated: %v", base)
	}

	labels = entryLabels(base, `{"level":"info","message":"started"}`)
	if _, ok := labels["meter"]; ok {
		t.Fatalf("meter label derived from meterless entry: %v", labels)
	}

	labels = entryLabels(base, "plain text line")
	if len(labels) != 1 || labels["app"] != "meterwatch" {
		t.Fatalf("labels for non-JSON line = %v", labels)
	}
}
