// Package machineclient implements MachineClient (spec §4.5, component C5):
// the machine-scoped binding of Transport, Dispatcher, and Replicator, the
// daemon RPC surface, and the session-revival controller.
package machineclient

import (
	"context"
	"encoding/json"
	"math/rand"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/Enflame-Media/happy-cli-sub001/internal/corecfg"
	"github.com/Enflame-Media/happy-cli-sub001/internal/coremetrics"
	"github.com/Enflame-Media/happy-cli-sub001/internal/cryptoframe"
	"github.com/Enflame-Media/happy-cli-sub001/internal/dispatcher"
	"github.com/Enflame-Media/happy-cli-sub001/internal/hostmetrics"
	"github.com/Enflame-Media/happy-cli-sub001/internal/replicator"
	"github.com/Enflame-Media/happy-cli-sub001/internal/transport"
)

// Blob names tracked by a machine-scoped Replicator (spec §3, §4.3).
const (
	BlobMetadata    = "metadata"
	BlobDaemonState = "daemonState"
)

// sessionIDPattern accepts a UUID or 32-char hex id (spec §4.5: "validated
// as UUID or 32-char hex and normalized before dispatch").
var sessionIDPattern = regexp.MustCompile(`^[0-9a-fA-F-]{32,36}$`)

// NormalizeSessionID lower-cases and validates a candidate session id.
// ok is false if id is not a plausible UUID or 32-char hex string.
func NormalizeSessionID(id string) (normalized string, ok bool) {
	if !sessionIDPattern.MatchString(id) {
		return "", false
	}
	lower := make([]byte, len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		lower[i] = c
	}
	return string(lower), true
}

// DaemonCallbacks are the host-daemon operations MachineClient delegates to
// (spec §4.5): spawn/stop sessions, report status, and react to machine
// disconnection.
type DaemonCallbacks struct {
	SpawnSession         func(ctx context.Context, req SpawnRequest) (SpawnOutcome, error)
	StopSession          func(ctx context.Context, sessionID string) error
	StopDaemon           func(ctx context.Context) error
	GetSessionStatus     func(ctx context.Context, sessionID string) (SessionStatus, error)
	GetSessionDirectory  func(sessionID string) (string, bool)
	OnMachineDisconnected func(reason string)
}

// SessionStatus is the result of GetSessionStatus (spec §4.5.1 step 8, and
// the "archived is not a getSessionStatus value" open question in §9).
type SessionStatus string

const (
	SessionStatusActive  SessionStatus = "active"
	SessionStatusUnknown SessionStatus = "unknown"
)

// SpawnRequest is the input to DaemonCallbacks.SpawnSession.
type SpawnRequest struct {
	Directory string
	SessionID string
}

// SpawnOutcomeKind discriminates SpawnOutcome (spec §4.5.1 step 6b-f).
type SpawnOutcomeKind string

const (
	SpawnSuccess                    SpawnOutcomeKind = "success"
	SpawnRequestApproveDirectory    SpawnOutcomeKind = "requestToApproveDirectoryCreation"
	SpawnError                      SpawnOutcomeKind = "error"
)

// SpawnOutcome is the result of a spawn attempt.
type SpawnOutcome struct {
	Kind         SpawnOutcomeKind
	NewSessionID string
	Directory    string
	ErrorMessage string
}

// Config configures a MachineClient.
type Config struct {
	URL       string
	MachineID string
	Token     string
	Crypto    cryptoframe.Context
	Logger    *zap.Logger
	Transport transport.Config
	Tunables  corecfg.RevivalTunables

	PID       int
	HTTPPort  int
	MCPConfig json.RawMessage
}

func (c *Config) withDefaults() {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	c.Transport.URL = c.URL
	c.Transport.Credential = corecfg.Credential{
		Token:      c.Token,
		ClientType: corecfg.ClientTypeMachine,
		MachineID:  c.MachineID,
	}
	c.Transport.Logger = c.Logger
}

// MachineClient binds one daemon process's Transport, Dispatcher, and
// Replicator together, and owns the revival controller.
type MachineClient struct {
	cfg    Config
	crypto cryptoframe.Context
	logger *zap.Logger

	transport  *transport.Transport
	dispatcher *dispatcher.Dispatcher
	replicator *replicator.Replicator

	callbacks DaemonCallbacks
	revival   *revivalController

	archived archivedScopeSet

	keepaliveStop chan struct{}
	keepaliveDone chan struct{}
	shuttingDown  bool
}

// New constructs a MachineClient. Call SetCallbacks before Connect so the
// connect-time RPC registration has real handlers to bind.
func New(cfg Config, metrics *coremetrics.TransportMetrics, replMetrics *coremetrics.ReplicatorMetrics, revivalMetrics *coremetrics.RevivalMetrics) *MachineClient {
	cfg.withDefaults()
	cfg.Transport.Metrics = metrics

	mc := &MachineClient{
		cfg:           cfg,
		crypto:        cfg.Crypto,
		logger:        cfg.Logger.Named("machineclient"),
		transport:     transport.New(cfg.Transport),
		archived:      newArchivedScopeSet(),
		keepaliveStop: make(chan struct{}),
		keepaliveDone: make(chan struct{}),
	}
	mc.dispatcher = dispatcher.New(cfg.MachineID, cfg.Crypto, mc.logger)
	mc.transport.SetRPCHandler(mc.asRevivingRPCHandler())

	mc.replicator = replicator.New(
		replicator.Identity{Key: "machineId", Value: cfg.MachineID},
		[]replicator.BlobSpec{
			{Name: BlobMetadata, UpdateEvent: "machine-update-metadata"},
			{Name: BlobDaemonState, UpdateEvent: "machine-update-state"},
		},
		cfg.Crypto, mc.transport, mc.logger, replMetrics,
	)

	mc.revival = newRevivalController(mc, cfg.Tunables, revivalMetrics)

	mc.transport.On(transport.EventConnect, mc.onConnect)
	mc.transport.On("update", mc.onUpdate)

	return mc
}

// SetCallbacks installs the daemon delegate functions. Safe to call before
// Connect only; MachineClient does not synchronize concurrent reassignment.
func (mc *MachineClient) SetCallbacks(cb DaemonCallbacks) {
	mc.callbacks = cb
	mc.revival.setHandlersReady(cb.SpawnSession != nil)
}

// Connect dials the transport and starts the keepalive loop.
func (mc *MachineClient) Connect(ctx context.Context) error {
	if err := mc.transport.Connect(ctx); err != nil {
		return err
	}
	go mc.keepaliveLoop(ctx)
	return nil
}

// Close performs an orderly shutdown: stop the keepalive loop, mark
// shuttingDown so in-flight keepalive ticks no-op, and close the transport.
func (mc *MachineClient) Close() error {
	mc.shuttingDown = true
	select {
	case <-mc.keepaliveStop:
	default:
		close(mc.keepaliveStop)
	}
	<-mc.keepaliveDone
	mc.revival.shutdown()
	return mc.transport.Close()
}

// Replicator exposes the underlying Replicator for typed Update/Get calls.
func (mc *MachineClient) Replicator() *replicator.Replicator { return mc.replicator }

// Dispatcher exposes the underlying Dispatcher, mainly for tests that need
// to register methods directly.
func (mc *MachineClient) Dispatcher() *dispatcher.Dispatcher { return mc.dispatcher }

func (mc *MachineClient) onConnect(json.RawMessage) {
	mc.registerHandlers()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	snap := hostmetrics.Collect(ctx, 0)
	_, err := replicator.Update(ctx, mc.replicator, BlobDaemonState, func(current DaemonState) (DaemonState, error) {
		return DaemonState{
			Status:    "running",
			PID:       mc.cfg.PID,
			HTTPPort:  mc.cfg.HTTPPort,
			StartedAt: time.Now().UnixMilli(),
			MCPConfig: mc.cfg.MCPConfig,
			Host:      snap,
		}, nil
	})
	if err != nil {
		mc.logger.Warn("machineclient: failed to publish daemonState on connect", zap.Error(err))
	}

	mc.dispatcher.RegisterAll(mc.transport)
}

// DaemonState is the machine-scope daemonState blob (spec §4.5: "write
// daemonState = {status, pid, httpPort, startedAt, mcpConfig}").
type DaemonState struct {
	Status    string              `json:"status"`
	PID       int                 `json:"pid"`
	HTTPPort  int                 `json:"httpPort"`
	StartedAt int64               `json:"startedAt"`
	MCPConfig json.RawMessage     `json:"mcpConfig,omitempty"`
	Host      hostmetrics.Snapshot `json:"host"`
}

func (mc *MachineClient) registerHandlers() {
	mc.dispatcher.Register("spawn-happy-session", mc.handleSpawnHappySession)
	mc.dispatcher.Register("stop-session", mc.handleStopSession)
	mc.dispatcher.Register("stop-daemon", mc.handleStopDaemon)
	mc.dispatcher.Register("get-session-status", mc.handleGetSessionStatus)
}

func (mc *MachineClient) keepaliveLoop(ctx context.Context) {
	defer close(mc.keepaliveDone)
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-mc.keepaliveStop:
			return
		case <-ticker.C:
			jitter := time.Duration(rand.Int63n(int64(5 * time.Second)))
			select {
			case <-ctx.Done():
				return
			case <-mc.keepaliveStop:
				return
			case <-time.After(jitter):
				mc.sendKeepalive()
			}
		}
	}
}

func (mc *MachineClient) sendKeepalive() {
	if mc.shuttingDown || !mc.transport.IsConnected() {
		return
	}
	snap := hostmetrics.Collect(context.Background(), 0)
	mc.transport.EmitVolatile("machine-alive", map[string]any{
		"machineId":   mc.cfg.MachineID,
		"time":        time.Now().UnixMilli(),
		"cpuPercent":  snap.CPUPercent,
		"memPercent":  snap.MemPercent,
		"diskPercent": snap.DiskPercent,
	})
}
