// Package main is the entry point for the happy-agent-core binary.
// It wires a MachineClient end to end against a configured coordination
// server for manual smoke testing.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Build crypto context and Prometheus metrics
//  4. Build MachineClient and install demo daemon callbacks
//  5. Connect and serve /metrics
//  6. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Enflame-Media/happy-cli-sub001/internal/corecfg"
	"github.com/Enflame-Media/happy-cli-sub001/internal/coremetrics"
	"github.com/Enflame-Media/happy-cli-sub001/internal/cryptoframe"
	"github.com/Enflame-Media/happy-cli-sub001/internal/machineclient"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	serverURL  string
	machineID  string
	token      string
	encKeyHex  string
	metricsAddr string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "happy-agent-core",
		Short: "happy-agent-core — machine-scoped daemon connectivity smoke test",
		Long: `happy-agent-core connects to a coordination server as a machine-scoped
daemon, registers the daemon RPC surface, and demonstrates the session
revival flow with an in-memory session registry.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.serverURL, "server-url", envOrDefault("HAPPY_SERVER_URL", "ws://localhost:8080/ws"), "coordination server WebSocket URL")
	root.PersistentFlags().StringVar(&cfg.machineID, "machine-id", envOrDefault("HAPPY_MACHINE_ID", ""), "machine scope id (required)")
	root.PersistentFlags().StringVar(&cfg.token, "token", envOrDefault("HAPPY_TOKEN", ""), "bearer token presented at handshake")
	root.PersistentFlags().StringVar(&cfg.encKeyHex, "encryption-key", envOrDefault("HAPPY_ENCRYPTION_KEY", ""), "32-byte encryption key, hex-encoded (64 hex chars)")
	root.PersistentFlags().StringVar(&cfg.metricsAddr, "metrics-addr", envOrDefault("HAPPY_METRICS_ADDR", ":9090"), "address to serve /metrics on (empty disables)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("HAPPY_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("happy-agent-core %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.machineID == "" {
		return fmt.Errorf("machine-id is required (flag --machine-id or HAPPY_MACHINE_ID)")
	}
	if cfg.token == "" {
		logger.Warn("token not configured — handshake will be unauthenticated")
	}

	if cfg.encKeyHex == "" {
		logger.Warn("encryption-key not configured — generating an ephemeral key for this process only")
	}
	crypto, err := loadCrypto(cfg.encKeyHex)
	if err != nil {
		return fmt.Errorf("failed to build encryption context: %w", err)
	}

	logger.Info("starting happy-agent-core",
		zap.String("version", version),
		zap.String("server", cfg.serverURL),
		zap.String("machineId", cfg.machineID),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tunables := corecfg.LoadRevivalTunables()

	registry := prometheus.NewRegistry()
	transportMetrics := coremetrics.NewTransportMetrics(cfg.machineID, 64)
	replicatorMetrics := coremetrics.NewReplicatorMetrics(cfg.machineID, 64)
	revivalMetrics := coremetrics.NewRevivalMetrics(cfg.machineID)
	registry.MustRegister(transportMetrics, replicatorMetrics, revivalMetrics)

	mc := machineclient.New(machineclient.Config{
		URL:       cfg.serverURL,
		MachineID: cfg.machineID,
		Token:     cfg.token,
		Crypto:    crypto,
		Logger:    logger,
		Tunables:  tunables,
		PID:       os.Getpid(),
	}, transportMetrics, replicatorMetrics, revivalMetrics)

	daemon := newDemoDaemon(logger)
	mc.SetCallbacks(daemon.callbacks())

	var metricsServer *http.Server
	if cfg.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.metricsAddr, Handler: mux}
		go func() {
			logger.Info("serving metrics", zap.String("addr", cfg.metricsAddr))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	if err := mc.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	if metricsServer != nil {
		_ = metricsServer.Close()
	}
	if err := mc.Close(); err != nil {
		logger.Warn("error during shutdown", zap.Error(err))
	}

	logger.Info("happy-agent-core stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func loadCrypto(keyHex string) (cryptoframe.Context, error) {
	if keyHex == "" {
		key := make([]byte, cryptoframe.KeySize)
		if _, err := rand.Read(key); err != nil {
			return cryptoframe.Context{}, fmt.Errorf("generate ephemeral key: %w", err)
		}
		return cryptoframe.New(key, cryptoframe.VariantDataKey)
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return cryptoframe.Context{}, fmt.Errorf("encryption-key must be hex-encoded: %w", err)
	}
	return cryptoframe.New(key, cryptoframe.VariantDataKey)
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// demoDaemon is an in-memory stand-in for a real daemon's session registry,
// enough to exercise spawn-happy-session, get-session-status, and the
// revival flow end to end without a subprocess manager.
type demoDaemon struct {
	logger *zap.Logger

	mu     sync.Mutex
	active map[string]bool
}

func newDemoDaemon(logger *zap.Logger) *demoDaemon {
	return &demoDaemon{logger: logger.Named("demo-daemon"), active: make(map[string]bool)}
}

func (d *demoDaemon) callbacks() machineclient.DaemonCallbacks {
	return machineclient.DaemonCallbacks{
		SpawnSession: func(ctx context.Context, req machineclient.SpawnRequest) (machineclient.SpawnOutcome, error) {
			d.mu.Lock()
			defer d.mu.Unlock()
			d.active[req.SessionID] = true
			d.logger.Info("spawned session", zap.String("sessionId", req.SessionID), zap.String("directory", req.Directory))
			return machineclient.SpawnOutcome{Kind: machineclient.SpawnSuccess, NewSessionID: req.SessionID}, nil
		},
		StopSession: func(ctx context.Context, sessionID string) error {
			d.mu.Lock()
			defer d.mu.Unlock()
			delete(d.active, sessionID)
			return nil
		},
		StopDaemon: func(ctx context.Context) error {
			d.logger.Info("stop-daemon requested")
			return nil
		},
		GetSessionStatus: func(ctx context.Context, sessionID string) (machineclient.SessionStatus, error) {
			d.mu.Lock()
			defer d.mu.Unlock()
			if d.active[sessionID] {
				return machineclient.SessionStatusActive, nil
			}
			return machineclient.SessionStatusUnknown, nil
		},
	}
}
