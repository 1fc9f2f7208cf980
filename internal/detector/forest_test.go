package detector

import (
	"errors"
	"math"
	"testing"
)

// clusteredValues builds a deterministic cluster around center with small
// spread, mimicking baseline noise.
func clusteredValues(center float64, n int) []float64 {
	values := make([]float64, n)
	for i := range values {
		offset := float64(i%9-4) / 4.0 // -1.0 .. +1.0
		values[i] = center + offset
	}
	return values
}

func TestForestScoresOutlierHigher(t *testing.T) {
	f := NewForest(100, 256, 0, 7)
	if err := f.Fit(clusteredValues(50, 100), 0.1); err != nil {
		t.Fatalf("fit: %v", err)
	}

	center := f.Score(50)
	outlier := f.Score(500)
	if outlier <= center {
		t.Fatalf("expected outlier score above center: center=%v outlier=%v", center, outlier)
	}
	if outlier <= 0.5 {
		t.Fatalf("expected outlier score above 0.5, got %v", outlier)
	}
}

func TestForestFlagsObviousOutlier(t *testing.T) {
	f := NewForest(100, 256, 0, 7)
	if err := f.Fit(clusteredValues(50, 100), 0.1); err != nil {
		t.Fatalf("fit: %v", err)
	}

	if !f.IsAnomaly(500) {
		t.Fatalf("expected 500 flagged, score=%v threshold=%v", f.Score(500), f.Threshold())
	}
	if f.IsAnomaly(50) {
		t.Fatalf("expected center value unflagged, score=%v threshold=%v", f.Score(50), f.Threshold())
	}
}

func TestForestConstantDataFlagsNothing(t *testing.T) {
	f := NewForest(50, 256, 0, 7)
	values := make([]float64, 60)
	for i := range values {
		values[i] = 42
	}
	if err := f.Fit(values, 0.1); err != nil {
		t.Fatalf("fit: %v", err)
	}

	if got := f.Score(42); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("expected score 0.5 on constant data, got %v", got)
	}
	if f.IsAnomaly(42) || f.IsAnomaly(1000) {
		t.Fatal("constant-data forest must not flag anything")
	}
}

func TestForestEmptyFit(t *testing.T) {
	f := NewForest(10, 64, 0, 7)
	if err := f.Fit(nil, 0.1); !errors.Is(err, ErrNoTrainingData) {
		t.Fatalf("expected ErrNoTrainingData, got %v", err)
	}
	if f.Trained() {
		t.Fatal("forest must not report trained after failed fit")
	}
	if got := f.Score(10); got != 0.5 {
		t.Fatalf("untrained score should be 0.5, got %v", got)
	}
}

func TestAveragePathLength(t *testing.T) {
	if got := averagePathLength(0); got != 0 {
		t.Fatalf("c(0) should be 0, got %v", got)
	}
	if got := averagePathLength(1); got != 0 {
		t.Fatalf("c(1) should be 0, got %v", got)
	}
	if got := averagePathLength(2); got != 1 {
		t.Fatalf("c(2) should be 1, got %v", got)
	}
	// c(n) grows with n.
	if c8, c64 := averagePathLength(8), averagePathLength(64); c8 >= c64 {
		t.Fatalf("c(n) not increasing: c(8)=%v c(64)=%v", c8, c64)
	}
}
