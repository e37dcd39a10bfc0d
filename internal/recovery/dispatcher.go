package recovery

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/aidenlippert/swarmcore/internal/clockutil"
)

var ErrNoStrategySucceeded = errors.New("recovery: no strategy resolved the failure")

var (
	dispatchAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmcore_recovery_dispatch_attempts_total",
		Help: "Recovery strategy attempts by strategy name and outcome.",
	}, []string{"strategy", "outcome"})

	dispatchInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swarmcore_recovery_dispatch_in_flight",
		Help: "Recovery dispatches currently holding a concurrency slot.",
	})
)

// Dispatcher is the Recovery Strategy Dispatcher (C5). It holds no
// knowledge of any one strategy's internals, only the cost-ranked dispatch
// loop, a concurrency gate of capacity cfg.MaxConcurrentRecoveries, and a
// bounded history ring, mirroring the ticker+metrics ownership shape of
// libs/orchestration/coordination.go's lock-cleanup loop but applied to
// strategy attempts instead of lock expiry.
type Dispatcher struct {
	clock      clockutil.Clock
	logger     *zap.Logger
	cfg        Config
	strategies []Strategy
	sem        chan struct{}

	mu      sync.Mutex
	history []HistoryEntry
}

func NewDispatcher(clock clockutil.Clock, logger *zap.Logger, cfg Config, strategies ...Strategy) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Dispatcher{
		clock:      clock,
		logger:     logger,
		cfg:        cfg,
		strategies: strategies,
		sem:        make(chan struct{}, cfg.MaxConcurrentRecoveries),
	}
}

// Recover runs the ranked dispatch loop of spec.md §4.5: collect matching
// strategies, sort ascending by cost, invoke in order, stop on a
// confident success or on a strategy that reports no further attempts are
// worthwhile.
func (d *Dispatcher) Recover(ctx context.Context, f Failure) (Outcome, error) {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
	dispatchInFlight.Inc()
	defer func() {
		<-d.sem
		dispatchInFlight.Dec()
	}()

	candidates := make([]Strategy, 0, len(d.strategies))
	for _, s := range d.strategies {
		if s.Match(f) {
			candidates = append(candidates, s)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Cost() < candidates[j].Cost() })

	var last Outcome
	for _, s := range candidates {
		started := d.clock.UTCNow()
		out := s.Recover(ctx, f)
		ended := d.clock.UTCNow()

		d.record(HistoryEntry{Failure: f, Strategy: s.Name(), Outcome: out, StartedAt: started, EndedAt: ended})

		label := "failure"
		if out.Success {
			label = "success"
		}
		dispatchAttemptsTotal.WithLabelValues(s.Name(), label).Inc()

		d.logger.Info("recovery strategy attempted",
			zap.String("strategy", s.Name()),
			zap.String("task", f.Task),
			zap.String("kind", string(f.Kind)),
			zap.Bool("success", out.Success),
			zap.Float64("confidence", out.Confidence),
			zap.String("detail", out.Detail),
		)

		last = out
		if out.Success && out.Confidence > 0.5 {
			return out, nil
		}
		if out.NoFurtherAttempts {
			return out, ErrNoStrategySucceeded
		}
	}

	if len(candidates) == 0 {
		return Outcome{}, ErrNoStrategySucceeded
	}
	return last, ErrNoStrategySucceeded
}

func (d *Dispatcher) record(e HistoryEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, e)
	if len(d.history) > d.cfg.HistorySize {
		d.history = d.history[len(d.history)-d.cfg.HistorySize:]
	}
}

// History returns a copy of the bounded attempt history, oldest first.
func (d *Dispatcher) History() []HistoryEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]HistoryEntry, len(d.history))
	copy(out, d.history)
	return out
}
