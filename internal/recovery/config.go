package recovery

import "time"

// Config tunes the dispatcher and its shipped strategies. Defaults follow
// spec.md §4.5 where a value is named, and the teacher's
// DefaultRetryConfig for the backoff strategy's numbers otherwise.
type Config struct {
	MaxConcurrentRecoveries int
	HistorySize             int

	BackoffInitialDelay time.Duration
	BackoffMaxDelay     time.Duration
	BackoffMultiplier   float64
	BackoffJitter       float64 // fraction of d_k, e.g. 0.25 = +-25%
	BackoffMaxRetries   int

	CheckpointDir              string
	CheckpointSnapshotInterval time.Duration

	DegradationFactor         float64 // fraction to shrink by, e.g. 0.5
	DegradationMinConcurrency int

	SelfHealDefaultCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentRecoveries <= 0 {
		c.MaxConcurrentRecoveries = 3
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	if c.BackoffInitialDelay <= 0 {
		c.BackoffInitialDelay = 100 * time.Millisecond
	}
	if c.BackoffMaxDelay <= 0 {
		c.BackoffMaxDelay = 30 * time.Second
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = 2.0
	}
	if c.BackoffJitter <= 0 {
		c.BackoffJitter = 0.25
	}
	if c.BackoffMaxRetries <= 0 {
		c.BackoffMaxRetries = 3
	}
	if c.CheckpointSnapshotInterval <= 0 {
		c.CheckpointSnapshotInterval = 5 * time.Minute
	}
	if c.DegradationFactor <= 0 {
		c.DegradationFactor = 0.5
	}
	if c.DegradationMinConcurrency <= 0 {
		c.DegradationMinConcurrency = 1
	}
	if c.SelfHealDefaultCooldown <= 0 {
		c.SelfHealDefaultCooldown = 30 * time.Second
	}
	return c
}

// DefaultConfig returns a Config with every field at its spec.md/teacher
// default.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}
