package faulttolerance

import "time"

// Config tunes the manager, mirroring spec.md §6's enumerated fault
// tolerance keys and the defaults from the original FaultToleranceConfig.
type Config struct {
	HeartbeatInterval     time.Duration // scan cadence, default 5s
	AgentTimeout          time.Duration // elapsed since last heartbeat before Unresponsive, default 15s
	MissedCountThreshold  int           // misses before Failed, default 3

	CircuitFailureThreshold int           // failures before Open, default 5
	CircuitOpenTimeout      time.Duration // Open -> HalfOpen, default 60s

	MaxRestartAttempts     int           // default 3
	RestartDelay           time.Duration // default 10s
	RestartTimeout         time.Duration // bound on the initializer hook, default 30s
	RedistributionDelay    time.Duration // default 5s

	MaxCheckpoints    int           // per-task ring capacity, default 10
	CheckpointRetention time.Duration // sweep age, default 1h
	CheckpointSweepInterval time.Duration // sweep cadence, default 10m

	RecoveryQueueCapacity int // concurrent in-flight recovery actions, default 3

	EnableAutoRecovery       bool
	EnableTaskRedistribution bool

	ShardCount int // heartbeat/circuit-breaker map shards, default 16
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.AgentTimeout == 0 {
		c.AgentTimeout = 15 * time.Second
	}
	if c.MissedCountThreshold == 0 {
		c.MissedCountThreshold = 3
	}
	if c.CircuitFailureThreshold == 0 {
		c.CircuitFailureThreshold = 5
	}
	if c.CircuitOpenTimeout == 0 {
		c.CircuitOpenTimeout = 60 * time.Second
	}
	if c.MaxRestartAttempts == 0 {
		c.MaxRestartAttempts = 3
	}
	if c.RestartDelay == 0 {
		c.RestartDelay = 10 * time.Second
	}
	if c.RestartTimeout == 0 {
		c.RestartTimeout = 30 * time.Second
	}
	if c.RedistributionDelay == 0 {
		c.RedistributionDelay = 5 * time.Second
	}
	if c.MaxCheckpoints == 0 {
		c.MaxCheckpoints = 10
	}
	if c.CheckpointRetention == 0 {
		c.CheckpointRetention = time.Hour
	}
	if c.CheckpointSweepInterval == 0 {
		c.CheckpointSweepInterval = 10 * time.Minute
	}
	if c.RecoveryQueueCapacity == 0 {
		c.RecoveryQueueCapacity = 3
	}
	if c.ShardCount == 0 {
		c.ShardCount = 16
	}
	return c
}

// DefaultConfig mirrors the zero-value defaults applied by withDefaults,
// spelled out for callers that want to start from the documented baseline
// and tweak only a few fields.
func DefaultConfig() Config {
	return Config{
		EnableAutoRecovery:       true,
		EnableTaskRedistribution: true,
	}.withDefaults()
}
