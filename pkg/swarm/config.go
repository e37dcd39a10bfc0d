package swarm

import (
	"time"

	"github.com/aidenlippert/swarmcore/internal/consensus"
	"github.com/aidenlippert/swarmcore/internal/faulttolerance"
	"github.com/aidenlippert/swarmcore/internal/recovery"
	"github.com/aidenlippert/swarmcore/internal/trust"
)

// Config aggregates every tunable named in §6's configuration table,
// grouped by the component that owns it. Zero-valued fields fall back to
// each component's own documented defaults — Coordinator never invents
// its own default set, it just forwards these structs down.
type Config struct {
	Consensus      consensus.Config
	Trust          trust.Config
	FaultTolerance faulttolerance.Config
	Recovery       recovery.Config

	// BackupDir, BackupInterval, and MaxBackupFiles drive the Trust
	// Store's BackupScheduler (backup_interval / max_backup_files).
	BackupDir      string
	BackupInterval time.Duration
	MaxBackupFiles int
}

// DefaultConfig returns a Config with every sub-component at its own
// documented default.
func DefaultConfig() Config {
	return Config{
		Consensus:      consensus.Config{},
		Trust:          trust.Config{},
		FaultTolerance: faulttolerance.DefaultConfig(),
		Recovery:       recovery.DefaultConfig(),
		BackupDir:      "./data/backups",
		BackupInterval: time.Hour,
		MaxBackupFiles: 24,
	}
}
