package trust

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/aidenlippert/swarmcore/internal/clockutil"
)

var (
	backupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmcore_trust_backups_total",
		Help: "Total Trust Store backups attempted, by outcome",
	}, []string{"outcome"})

	backupFilesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swarmcore_trust_backup_files",
		Help: "Number of retained backup files",
	})
)

// BackupScheduler periodically snapshots a Store to a timestamped file
// under dir and prunes all but the most recent maxFiles, per spec.md §6's
// backup_interval/max_backup_files keys. Nothing else in the source spec
// names a scheduler for C1's backup/restore pair, so this is the
// supplemented piece that actually drives it.
type BackupScheduler struct {
	store    Store
	clock    clockutil.Clock
	logger   *zap.Logger
	dir      string
	interval time.Duration
	maxFiles int

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBackupScheduler constructs a scheduler over store, writing snapshots
// into dir. interval and maxFiles fall back to spec.md's implied defaults
// (1h, 24) when zero.
func NewBackupScheduler(store Store, clock clockutil.Clock, logger *zap.Logger, dir string, interval time.Duration, maxFiles int) *BackupScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if maxFiles <= 0 {
		maxFiles = 24
	}
	return &BackupScheduler{store: store, clock: clock, logger: logger, dir: dir, interval: interval, maxFiles: maxFiles}
}

// Start spawns the backup loop. Call Close to stop it.
func (b *BackupScheduler) Start(ctx context.Context) error {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return fmt.Errorf("trust: create backup dir: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	b.wg.Add(1)
	go b.loop(ctx)
	return nil
}

func (b *BackupScheduler) loop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.runOnce(ctx)
		}
	}
}

// runOnce takes one snapshot and prunes stale files. Exported as RunOnce so
// callers (and tests) can drive a backup deterministically without waiting
// on the ticker.
func (b *BackupScheduler) RunOnce(ctx context.Context) error {
	return b.runOnce(ctx)
}

func (b *BackupScheduler) runOnce(ctx context.Context) error {
	name := fmt.Sprintf("trust-%s.bak", b.clock.UTCNow().Format("20060102T150405.000000000Z"))
	path := filepath.Join(b.dir, name)
	if err := b.store.Backup(ctx, path); err != nil {
		backupsTotal.WithLabelValues("failure").Inc()
		b.logger.Warn("trust store backup failed", zap.Error(err), zap.String("path", path))
		return err
	}
	backupsTotal.WithLabelValues("success").Inc()
	b.logger.Info("trust store backup written", zap.String("path", path))
	b.prune()
	return nil
}

func (b *BackupScheduler) prune() {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "trust-") && strings.HasSuffix(e.Name(), ".bak") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names) // timestamp-prefixed names sort chronologically
	backupFilesGauge.Set(float64(len(names)))
	for len(names) > b.maxFiles {
		stale := names[0]
		names = names[1:]
		if err := os.RemoveAll(filepath.Join(b.dir, stale)); err != nil {
			b.logger.Warn("trust backup prune failed", zap.Error(err), zap.String("file", stale))
			continue
		}
		backupFilesGauge.Set(float64(len(names)))
	}
}

// Close stops the backup loop and waits for it to exit.
func (b *BackupScheduler) Close() error {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
	return nil
}
