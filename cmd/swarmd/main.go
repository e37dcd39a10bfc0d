package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aidenlippert/swarmcore/internal/clockutil"
	"github.com/aidenlippert/swarmcore/internal/healthapi"
	"github.com/aidenlippert/swarmcore/internal/ids"
	"github.com/aidenlippert/swarmcore/internal/sigoracle"
	"github.com/aidenlippert/swarmcore/internal/transport"
	"github.com/aidenlippert/swarmcore/internal/trust"
	"github.com/aidenlippert/swarmcore/pkg/swarm"
)

func main() {
	var (
		host      = flag.String("host", "0.0.0.0", "Health/metrics server host")
		port      = flag.Int("port", 7420, "Health/metrics server port")
		dataDir   = flag.String("data-dir", "./data", "Directory for trust store and backup files")
		storeKind = flag.String("store", "sqlite", "Trust store backend: sqlite|jsonfile|memory")
		transKind = flag.String("transport", "libp2p", "Message transport: libp2p|memory")
		peersCSV  = flag.String("peers", "", "Comma-separated libp2p multiaddrs to dial on startup")
		debug     = flag.Bool("debug", false, "Enable debug logging")

		roundTimeout      = flag.Duration("round-timeout", 0, "Consensus round deadline before ViewChange (0 = default)")
		viewChangeTimeout = flag.Duration("view-change-timeout", 0, "Per-view-change deadline (0 = default)")
		maxViewChanges    = flag.Int("max-view-changes", 0, "ViewChange abort cap (0 = default)")
		checkpointEvery   = flag.Uint64("checkpoint-interval", 0, "Sequences between consensus checkpoints (0 = default)")
		minVotingTrust    = flag.Float64("min-voting-trust", 0, "Trust eligibility floor for voting (0 = default)")

		heartbeatInterval = flag.Duration("heartbeat-interval", 0, "Heartbeat tick (0 = default)")
		agentTimeout      = flag.Duration("agent-timeout", 0, "Absence threshold for Unresponsive (0 = default)")
		circuitThreshold  = flag.Int("circuit-failure-threshold", 0, "Failures to open breaker (0 = default)")
		circuitOpenFor    = flag.Duration("circuit-open-timeout", 0, "Duration before HalfOpen (0 = default)")
		maxRestarts       = flag.Int("max-restart-attempts", 0, "Restart cap (0 = default)")
		restartDelay      = flag.Duration("restart-delay", 0, "Inter-attempt restart delay (0 = default)")
		recoveryCap       = flag.Int("recovery-concurrency", 0, "Recovery semaphore capacity (0 = default)")

		minTrustThreshold = flag.Float64("min-trust-threshold", 0, "Trust alert floor (0 = default)")
		decayInterval     = flag.Duration("decay-interval", 0, "Trust decay period (0 = default)")

		backupInterval = flag.Duration("backup-interval", 0, "Durable-store backup period (0 = default)")
		maxBackupFiles = flag.Int("max-backup-files", 0, "Retained backup file count (0 = default)")
	)
	flag.Parse()

	if os.Getenv("LOG_LEVEL") == "debug" {
		*debug = true
	}
	var logger *zap.Logger
	var err error
	if *debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting swarmcore agent",
		zap.String("host", *host),
		zap.Int("port", *port),
		zap.String("store", *storeKind),
		zap.String("transport", *transKind),
		zap.Bool("debug", *debug),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Fatal("failed to create data dir", zap.Error(err))
	}

	self, err := loadOrCreateAgentID(*dataDir)
	if err != nil {
		logger.Fatal("failed to load/create agent identity", zap.Error(err))
	}
	logger.Info("agent identity loaded", zap.String("agent_id", self.String()))

	store, err := openStore(*storeKind, *dataDir)
	if err != nil {
		logger.Fatal("failed to open trust store", zap.Error(err))
	}

	tr, closeTransport, err := openTransport(ctx, *transKind, self, *peersCSV, logger)
	if err != nil {
		logger.Fatal("failed to initialize transport", zap.Error(err))
	}
	defer closeTransport()

	cfg := swarm.DefaultConfig()
	cfg.Consensus.RoundTimeout = *roundTimeout
	cfg.Consensus.ViewChangeTimeout = *viewChangeTimeout
	cfg.Consensus.MaxViewChanges = *maxViewChanges
	cfg.Consensus.CheckpointInterval = *checkpointEvery
	cfg.Consensus.MinVotingTrust = *minVotingTrust
	cfg.FaultTolerance.HeartbeatInterval = *heartbeatInterval
	cfg.FaultTolerance.AgentTimeout = *agentTimeout
	cfg.FaultTolerance.CircuitFailureThreshold = *circuitThreshold
	cfg.FaultTolerance.CircuitOpenTimeout = *circuitOpenFor
	cfg.FaultTolerance.MaxRestartAttempts = *maxRestarts
	cfg.FaultTolerance.RestartDelay = *restartDelay
	cfg.FaultTolerance.RecoveryQueueCapacity = *recoveryCap
	cfg.Trust.MinTrustThreshold = *minTrustThreshold
	cfg.Trust.DecayInterval = *decayInterval
	cfg.BackupDir = filepath.Join(*dataDir, "backups")
	cfg.BackupInterval = *backupInterval
	cfg.MaxBackupFiles = *maxBackupFiles

	coord, err := swarm.New(ctx, swarm.Options{
		Self:      self,
		Transport: tr,
		Store:     store,
		Clock:     clockutil.New(),
		Logger:    logger,
		Oracle:    sigoracle.Ed25519Oracle{},
		Config:    cfg,
	})
	if err != nil {
		logger.Fatal("failed to assemble coordinator", zap.Error(err))
	}

	if err := coord.Start(ctx); err != nil {
		logger.Fatal("failed to start coordinator", zap.Error(err))
	}

	registry := healthapi.NewRegistry()
	registry.Register("trust_store", healthapi.TrustStoreChecker(coord.PingTrustStore))
	registry.Register("fault_tolerance", healthapi.FaultToleranceChecker(coord.FailedAgentFraction, 0.25, 0.5))
	handler := healthapi.NewHandler(registry)

	mux := http.NewServeMux()
	handler.RegisterHandlers(mux)
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", *host, *port),
		Handler: mux,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("health/metrics server listening", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	fmt.Printf("\n")
	fmt.Printf("swarmcore agent running\n")
	fmt.Printf("  agent id:   %s\n", self.String())
	fmt.Printf("  transport:  %s\n", *transKind)
	fmt.Printf("  store:      %s (%s)\n", *storeKind, *dataDir)
	fmt.Printf("  healthz:    http://%s:%d/healthz\n", *host, *port)
	fmt.Printf("  metrics:    http://%s:%d/metrics\n", *host, *port)
	fmt.Printf("\npress ctrl+c to shut down gracefully\n\n")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		logger.Error("health/metrics server error", zap.Error(err))
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	}

	logger.Info("shutting down gracefully")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down health/metrics server", zap.Error(err))
	}
	if err := coord.Close(); err != nil {
		logger.Error("error closing coordinator", zap.Error(err))
	}
	time.Sleep(250 * time.Millisecond)
	logger.Info("shutdown complete")
}

// loadOrCreateAgentID persists this process's AgentId under dataDir so
// trust history and consensus membership survive a restart instead of
// reassigning a fresh identity every boot.
func loadOrCreateAgentID(dataDir string) (ids.AgentId, error) {
	path := filepath.Join(dataDir, "agent_id")
	raw, err := os.ReadFile(path)
	if err == nil {
		return ids.AgentIdFromString(string(raw))
	}
	if !os.IsNotExist(err) {
		return ids.AgentId{}, fmt.Errorf("read agent id file: %w", err)
	}
	agent := ids.NewAgentId()
	if err := os.WriteFile(path, []byte(agent.String()), 0o600); err != nil {
		return ids.AgentId{}, fmt.Errorf("write agent id file: %w", err)
	}
	return agent, nil
}

func openStore(kind, dataDir string) (trust.Store, error) {
	switch kind {
	case "sqlite":
		return trust.NewSqliteStore(filepath.Join(dataDir, "trust.db"))
	case "jsonfile":
		return trust.NewJSONFileStore(filepath.Join(dataDir, "trust"))
	case "memory":
		return trust.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", kind)
	}
}

// openTransport builds the message transport and, for libp2p, dials any
// peer multiaddrs supplied via -peers. Peer discovery beyond an explicit
// address list (mDNS, DHT rendezvous) is the transport/identity layer's
// concern and out of this core's scope, per spec.md §1.
func openTransport(ctx context.Context, kind string, self ids.AgentId, peersCSV string, logger *zap.Logger) (transport.Transport, func(), error) {
	switch kind {
	case "memory":
		hub := transport.NewHub(0, 0)
		t := hub.Join(self)
		return t, func() {}, nil
	case "libp2p":
		h, err := libp2p.New()
		if err != nil {
			return nil, nil, fmt.Errorf("create libp2p host: %w", err)
		}
		t, err := transport.NewLibP2PTransport(ctx, h, self, logger)
		if err != nil {
			h.Close()
			return nil, nil, fmt.Errorf("create libp2p transport: %w", err)
		}
		dialPeers(ctx, h, peersCSV, logger)
		return t, func() { _ = t.Close(); _ = h.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", kind)
	}
}

func dialPeers(ctx context.Context, h host.Host, peersCSV string, logger *zap.Logger) {
	if peersCSV == "" {
		return
	}
	for _, addr := range splitAndTrim(peersCSV) {
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			logger.Warn("invalid peer multiaddr", zap.String("addr", addr), zap.Error(err))
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			logger.Warn("invalid peer addr info", zap.String("addr", addr), zap.Error(err))
			continue
		}
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := h.Connect(dialCtx, *info); err != nil {
			logger.Warn("failed to dial peer", zap.String("addr", addr), zap.Error(err))
		} else {
			logger.Info("connected to peer", zap.String("addr", addr))
		}
		cancel()
	}
}

func splitAndTrim(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
