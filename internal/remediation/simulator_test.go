package remediation

import (
	"context"
	"testing"
	"time"

	"github.com/flowmetry/flowmetry/internal/models"
)

func TestDelayForStaysInBand(t *testing.T) {
	sim := NewActionSimulator(42, testLogger())

	for i := 0; i < 50; i++ {
		delay := sim.delayFor(models.ActionScaleUp)
		if delay < 700*time.Millisecond || delay >= 1200*time.Millisecond {
			t.Fatalf("scale_up delay %v outside band", delay)
		}
	}
	for i := 0; i < 50; i++ {
		delay := sim.delayFor(models.ActionAdjustLogging)
		if delay < 200*time.Millisecond || delay >= 500*time.Millisecond {
			t.Fatalf("adjust_logging delay %v outside band", delay)
		}
	}
}

func TestDelayForUnknownActionUsesDefaultBand(t *testing.T) {
	sim := NewActionSimulator(42, testLogger())

	delay := sim.delayFor(models.ActionMonitor)
	if delay < defaultBand.min || delay >= defaultBand.max {
		t.Fatalf("monitor delay %v outside default band", delay)
	}
}

func TestApplyHonorsCancellation(t *testing.T) {
	sim := NewActionSimulator(42, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	record := models.RemediationRecord{
		Anomaly:    testAnomaly(),
		ActionType: models.ActionScaleUp,
	}
	start := time.Now()
	err := sim.Apply(ctx, record)
	if err == nil {
		t.Fatal("expected context error")
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("cancelled apply took %v", elapsed)
	}
}
