package remediation

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/flowmetry/flowmetry/internal/models"
)

// delayBand is the uniform range an action's simulated execution draws from.
type delayBand struct {
	min time.Duration
	max time.Duration
}

var delayBands = map[models.ActionType]delayBand{
	models.ActionScaleUp:           {700 * time.Millisecond, 1200 * time.Millisecond},
	models.ActionAllocateMemory:    {500 * time.Millisecond, 1000 * time.Millisecond},
	models.ActionRestartService:    {500 * time.Millisecond, 1000 * time.Millisecond},
	models.ActionRerouteTraffic:    {400 * time.Millisecond, 900 * time.Millisecond},
	models.ActionCircuitBreaker:    {400 * time.Millisecond, 900 * time.Millisecond},
	models.ActionRateLimiting:      {400 * time.Millisecond, 900 * time.Millisecond},
	models.ActionOptimizeQueries:   {300 * time.Millisecond, 800 * time.Millisecond},
	models.ActionGarbageCollection: {300 * time.Millisecond, 800 * time.Millisecond},
	models.ActionAdjustLogging:     {200 * time.Millisecond, 500 * time.Millisecond},
}

// defaultBand covers monitor and any unknown action type.
var defaultBand = delayBand{200 * time.Millisecond, 500 * time.Millisecond}

// ActionSimulator stands in for real infrastructure calls by sleeping for a
// per-action delay. It runs after the decision engine so simulated latency
// never shows up in decision durations.
type ActionSimulator struct {
	mu     sync.Mutex
	rng    *rand.Rand
	logger *slog.Logger
}

// NewActionSimulator creates a simulator. Seed 0 seeds from the clock.
func NewActionSimulator(seed int64, logger *slog.Logger) *ActionSimulator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ActionSimulator{
		rng:    rand.New(rand.NewSource(seed)),
		logger: logger.With("component", "action_simulator"),
	}
}

// Apply simulates executing the decided action. It honors context
// cancellation mid-delay.
func (s *ActionSimulator) Apply(ctx context.Context, record models.RemediationRecord) error {
	delay := s.delayFor(record.ActionType)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	s.logger.Debug("action applied",
		"action_type", record.ActionType,
		"service", record.Anomaly.Service,
		"delay", delay)
	return nil
}

func (s *ActionSimulator) delayFor(actionType models.ActionType) time.Duration {
	band, ok := delayBands[actionType]
	if !ok {
		band = defaultBand
	}
	span := band.max - band.min
	if span <= 0 {
		return band.min
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return band.min + time.Duration(s.rng.Int63n(int64(span)))
}
