package detector

import (
	"sync"
	"time"
)

// evalEpsilon guards the ratio denominators.
const evalEpsilon = 1e-10

// evalHistoryCap bounds the retained prediction records.
const evalHistoryCap = 1000

// PredictionRecord is one classified prediction kept for inspection.
type PredictionRecord struct {
	Predicted bool      `json:"predicted"`
	Actual    bool      `json:"actual"`
	At        time.Time `json:"at"`
}

// EvalSnapshot summarizes classification quality so far.
type EvalSnapshot struct {
	TruePositives  int64   `json:"true_positives"`
	FalsePositives int64   `json:"false_positives"`
	TrueNegatives  int64   `json:"true_negatives"`
	FalseNegatives int64   `json:"false_negatives"`
	Accuracy       float64 `json:"accuracy"`
	Precision      float64 `json:"precision"`
	Recall         float64 `json:"recall"`
	F1             float64 `json:"f1"`
}

// Evaluator scores detector predictions against the generator's ground
// truth flag.
type Evaluator struct {
	mu      sync.Mutex
	tp      int64
	fp      int64
	tn      int64
	fn      int64
	history []PredictionRecord
}

// NewEvaluator creates an empty evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// RecordPrediction classifies one (predicted, actual) pair into the
// confusion matrix and appends it to the bounded history.
func (e *Evaluator) RecordPrediction(predicted, actual bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case predicted && actual:
		e.tp++
	case predicted && !actual:
		e.fp++
	case !predicted && !actual:
		e.tn++
	default:
		e.fn++
	}

	e.history = append(e.history, PredictionRecord{Predicted: predicted, Actual: actual, At: time.Now()})
	if len(e.history) > evalHistoryCap {
		e.history = e.history[len(e.history)-evalHistoryCap:]
	}
}

// Snapshot computes the current quality metrics.
func (e *Evaluator) Snapshot() EvalSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	tp := float64(e.tp)
	fp := float64(e.fp)
	tn := float64(e.tn)
	fn := float64(e.fn)

	precision := tp / (tp + fp + evalEpsilon)
	recall := tp / (tp + fn + evalEpsilon)

	return EvalSnapshot{
		TruePositives:  e.tp,
		FalsePositives: e.fp,
		TrueNegatives:  e.tn,
		FalseNegatives: e.fn,
		Accuracy:       (tp + tn) / (tp + fp + tn + fn + evalEpsilon),
		Precision:      precision,
		Recall:         recall,
		F1:             2 * precision * recall / (precision + recall + evalEpsilon),
	}
}

// History returns a copy of the retained prediction records.
func (e *Evaluator) History() []PredictionRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]PredictionRecord, len(e.history))
	copy(out, e.history)
	return out
}
