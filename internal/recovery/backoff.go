package recovery

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/aidenlippert/swarmcore/internal/clockutil"
)

// BackoffStrategy delays before signaling the failure ready for a retry,
// following d_k = min(max_delay, initial_delay * multiplier^k) plus
// uniform jitter, the formula and shape of
// libs/substrate/retry.go's calculateBackoff, retargeted from a single
// blocking RetryWithBackoff call to the Strategy interface's one-shot
// Recover.
type BackoffStrategy struct {
	clock clockutil.Clock
	cfg   Config

	mu       sync.Mutex
	attempts map[string]int
}

func NewBackoffStrategy(clock clockutil.Clock, cfg Config) *BackoffStrategy {
	return &BackoffStrategy{clock: clock, cfg: cfg, attempts: make(map[string]int)}
}

func (b *BackoffStrategy) Name() string { return "exponential_backoff" }

func (b *BackoffStrategy) Cost() float64 { return 0.1 }

func (b *BackoffStrategy) Match(f Failure) bool {
	switch f.Kind {
	case FailureTransport, FailureStorage, FailureTimeout:
		return true
	default:
		return false
	}
}

func (b *BackoffStrategy) key(f Failure) string {
	return f.Task + "|" + f.Agent.String()
}

func (b *BackoffStrategy) Recover(ctx context.Context, f Failure) Outcome {
	k := b.key(f)

	b.mu.Lock()
	attempt := b.attempts[k]
	b.mu.Unlock()

	if attempt >= b.cfg.BackoffMaxRetries {
		return Outcome{Success: false, Detail: "max retries exceeded", NoFurtherAttempts: true}
	}

	d := calculateBackoff(attempt, b.cfg)

	select {
	case <-b.clock.After(d):
	case <-ctx.Done():
		return Outcome{Success: false, Detail: "canceled during backoff wait"}
	}

	b.mu.Lock()
	b.attempts[k] = attempt + 1
	b.mu.Unlock()

	if f.Retry == nil {
		// No way to confirm the underlying operation now succeeds; report
		// a sub-threshold confidence so the dispatcher keeps trying other
		// strategies rather than declaring victory on a guess.
		return Outcome{Success: true, Confidence: 0.5, Detail: "waited, no retry hook to confirm"}
	}

	if err := f.Retry(ctx); err != nil {
		return Outcome{Success: false, Confidence: 0.2, Detail: "retry failed: " + err.Error()}
	}

	b.mu.Lock()
	delete(b.attempts, k)
	b.mu.Unlock()

	return Outcome{Success: true, Confidence: 0.8, Detail: "retry succeeded after backoff"}
}

func calculateBackoff(attempt int, cfg Config) time.Duration {
	d := float64(cfg.BackoffInitialDelay) * math.Pow(cfg.BackoffMultiplier, float64(attempt))
	if d > float64(cfg.BackoffMaxDelay) {
		d = float64(cfg.BackoffMaxDelay)
	}
	if cfg.BackoffJitter > 0 {
		j := d * cfg.BackoffJitter
		d = d - j + rand.Float64()*j*2
	}
	return time.Duration(d)
}
