package recovery

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aidenlippert/swarmcore/internal/clockutil"
)

// SwarmCheckpoint is a snapshot of the whole swarm's trust ledger, taken
// independently of C4's per-task checkpoint rings (spec.md §9 Open
// Question (c)). It carries a sequence watermark from the consensus
// component so a restore can tell a caller how far consensus needs to
// replay from, without this package importing internal/consensus.
type SwarmCheckpoint struct {
	Sequence  uint64
	Path      string
	Hash      [32]byte
	CreatedAt time.Time
}

// TrustSnapshotter is the narrow seam onto C1's backup/restore, satisfied
// directly by trust.Store without this package importing internal/trust.
type TrustSnapshotter interface {
	Backup(ctx context.Context, path string) error
	Restore(ctx context.Context, path string) error
}

// WatermarkSource reports the consensus component's last stable checkpoint
// sequence number at snapshot time, another narrow seam kept deliberately
// thin rather than importing internal/consensus here.
type WatermarkSource func() uint64

// CheckpointStrategy restores the most recent swarm checkpoint on failure.
// Distinct from faulttolerance's per-task Checkpoint rings: this is a
// single swarm-wide snapshot of the trust ledger plus a consensus
// watermark, not a per-task progress log.
type CheckpointStrategy struct {
	clock     clockutil.Clock
	cfg       Config
	store     TrustSnapshotter // nil disables snapshot/restore (strategy always Exhausted)
	watermark WatermarkSource

	mu     sync.Mutex
	latest *SwarmCheckpoint
	seq    uint64
}

func NewCheckpointStrategy(clock clockutil.Clock, cfg Config, store TrustSnapshotter, watermark WatermarkSource) *CheckpointStrategy {
	return &CheckpointStrategy{clock: clock, cfg: cfg, store: store, watermark: watermark}
}

func (c *CheckpointStrategy) Name() string { return "checkpoint_restore" }

func (c *CheckpointStrategy) Cost() float64 { return 0.4 }

func (c *CheckpointStrategy) Match(f Failure) bool {
	switch f.Kind {
	case FailureStorage, FailureAgent, FailureUnknown:
		return true
	default:
		return false
	}
}

// Snapshot takes a fresh swarm checkpoint and records it as the latest.
func (c *CheckpointStrategy) Snapshot(ctx context.Context) (SwarmCheckpoint, error) {
	if c.store == nil {
		return SwarmCheckpoint{}, fmt.Errorf("checkpoint strategy: no trust store configured")
	}

	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	name := fmt.Sprintf("swarm-checkpoint-%d.snap", seq)
	path := filepath.Join(c.cfg.CheckpointDir, name)

	if err := c.store.Backup(ctx, path); err != nil {
		return SwarmCheckpoint{}, fmt.Errorf("checkpoint strategy: backup failed: %w", err)
	}

	hash, err := hashFile(path)
	if err != nil {
		return SwarmCheckpoint{}, fmt.Errorf("checkpoint strategy: hash failed: %w", err)
	}

	watermarkSeq := uint64(0)
	if c.watermark != nil {
		watermarkSeq = c.watermark()
	}

	cp := SwarmCheckpoint{Sequence: watermarkSeq, Path: path, Hash: hash, CreatedAt: c.clock.UTCNow()}

	c.mu.Lock()
	c.latest = &cp
	c.mu.Unlock()

	return cp, nil
}

// Start periodically takes swarm checkpoints until ctx is canceled.
func (c *CheckpointStrategy) Start(ctx context.Context) {
	ticker := c.clock.NewTicker(c.cfg.CheckpointSnapshotInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = c.Snapshot(ctx)
			}
		}
	}()
}

func (c *CheckpointStrategy) Latest() (SwarmCheckpoint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest == nil {
		return SwarmCheckpoint{}, false
	}
	return *c.latest, true
}

func (c *CheckpointStrategy) Recover(ctx context.Context, f Failure) Outcome {
	if c.store == nil {
		return Outcome{Success: false, Detail: "no trust store configured", NoFurtherAttempts: true}
	}

	cp, ok := c.Latest()
	if !ok {
		return Outcome{Success: false, Detail: "no swarm checkpoint available"}
	}

	if gotHash, err := hashFile(cp.Path); err != nil || gotHash != cp.Hash {
		return Outcome{Success: false, Detail: "checkpoint file missing or corrupt"}
	}

	if err := c.store.Restore(ctx, cp.Path); err != nil {
		return Outcome{Success: false, Detail: "restore failed: " + err.Error()}
	}

	return Outcome{Success: true, Confidence: 0.9, Detail: fmt.Sprintf("restored checkpoint at watermark %d", cp.Sequence)}
}

func hashFile(path string) ([32]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}
