// Package sessionclient implements SessionClient (spec §4.4, component C4):
// the session-scoped binding of Transport, Dispatcher, and Replicator, plus
// message send/receive, keepalive, and inbound update routing.
package sessionclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Enflame-Media/happy-cli-sub001/internal/corecfg"
	"github.com/Enflame-Media/happy-cli-sub001/internal/coremetrics"
	"github.com/Enflame-Media/happy-cli-sub001/internal/cryptoframe"
	"github.com/Enflame-Media/happy-cli-sub001/internal/dispatcher"
	"github.com/Enflame-Media/happy-cli-sub001/internal/pricing"
	"github.com/Enflame-Media/happy-cli-sub001/internal/replicator"
	"github.com/Enflame-Media/happy-cli-sub001/internal/transport"
)

// Blob names tracked by a session-scoped Replicator (spec §3, §4.3).
const (
	BlobAgentState = "agentState"
	BlobMetadata   = "metadata"
)

// AgentState is the opaque per-session agent state blob. Its shape is owned
// by the host agent; the core only replicates it.
type AgentState = json.RawMessage

// Metadata is the opaque per-session metadata blob.
type Metadata = json.RawMessage

// contextNotificationsEnabled is the sole key currently recognized by the
// kv-batch-update allowlist (spec §4.4).
const contextNotificationsEnabled = "contextNotificationsEnabled"

// Config configures a SessionClient.
type Config struct {
	URL        string
	SessionID  string
	Token      string
	Crypto     cryptoframe.Context
	Logger     *zap.Logger
	Transport  transport.Config
	KeepaliveInterval time.Duration
}

func (c *Config) withDefaults() {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = 30 * time.Second
	}
	c.Transport.URL = c.URL
	c.Transport.Credential = corecfg.Credential{
		Token:      c.Token,
		ClientType: corecfg.ClientTypeSession,
		SessionID:  c.SessionID,
	}
	c.Transport.Logger = c.Logger
}

// PendingMessageHandler receives a decrypted inbound user message that
// matched the expected schema.
type PendingMessageHandler func(msg InboundMessage)

// InboundMessage is the decrypted shape of a "new-message" update.
type InboundMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// SessionClient binds one agent session's Transport, Dispatcher, and
// Replicator together.
type SessionClient struct {
	scope  corecfg.Scope
	cfg    Config
	crypto cryptoframe.Context
	logger *zap.Logger

	transport  *transport.Transport
	dispatcher *dispatcher.Dispatcher
	replicator *replicator.Replicator

	contextNotificationsEnabled bool

	onMessage        func(data json.RawMessage)
	onPendingMessage PendingMessageHandler
	onSessionDeleted func(sid string)

	mode      string
	thinking  bool
	keepaliveStop chan struct{}
	keepaliveDone chan struct{}
}

// New constructs a SessionClient and wires its inbound routing. Call Connect
// to dial.
func New(cfg Config, metrics *coremetrics.TransportMetrics, replMetrics *coremetrics.ReplicatorMetrics) *SessionClient {
	cfg.withDefaults()
	cfg.Transport.Metrics = metrics

	sc := &SessionClient{
		scope:         corecfg.Scope(cfg.SessionID),
		cfg:           cfg,
		crypto:        cfg.Crypto,
		logger:        cfg.Logger.Named("sessionclient"),
		transport:     transport.New(cfg.Transport),
		keepaliveStop: make(chan struct{}),
		keepaliveDone: make(chan struct{}),
	}
	sc.dispatcher = dispatcher.New(string(sc.scope), cfg.Crypto, sc.logger)
	sc.transport.SetRPCHandler(sc.dispatcher.AsRPCHandler())

	sc.replicator = replicator.New(
		replicator.Identity{Key: "sid", Value: cfg.SessionID},
		[]replicator.BlobSpec{
			{Name: BlobAgentState, UpdateEvent: "update-state"},
			{Name: BlobMetadata, UpdateEvent: "update-metadata"},
		},
		cfg.Crypto, sc.transport, sc.logger, replMetrics,
	)

	sc.transport.On(transport.EventConnect, sc.onConnect)
	sc.transport.On("update", sc.onUpdate)
	sc.transport.On(transport.EventDisconnect, sc.onDisconnect)

	return sc
}

// Connect dials the transport and starts the keepalive loop.
func (sc *SessionClient) Connect(ctx context.Context) error {
	if err := sc.transport.Connect(ctx); err != nil {
		return err
	}
	go sc.keepaliveLoop(ctx)
	return nil
}

// Close stops the keepalive loop and closes the transport.
func (sc *SessionClient) Close() error {
	select {
	case <-sc.keepaliveStop:
	default:
		close(sc.keepaliveStop)
	}
	<-sc.keepaliveDone
	return sc.transport.Close()
}

// Replicator exposes the underlying Replicator for typed Update/Get calls.
func (sc *SessionClient) Replicator() *replicator.Replicator { return sc.replicator }

// Dispatcher exposes the underlying Dispatcher for registering RPC handlers.
func (sc *SessionClient) Dispatcher() *dispatcher.Dispatcher { return sc.dispatcher }

// OnMessage registers the callback for inbound messages that do not decrypt
// to the user-message schema (spec §4.4's fallback path). Matched messages
// also reach it when no OnPendingMessage callback is set.
func (sc *SessionClient) OnMessage(cb func(data json.RawMessage)) { sc.onMessage = cb }

// OnPendingMessage registers the callback for inbound messages that matched
// the user-message schema.
func (sc *SessionClient) OnPendingMessage(cb PendingMessageHandler) { sc.onPendingMessage = cb }

// OnSessionDeleted registers the callback fired when the server reports this
// session deleted.
func (sc *SessionClient) OnSessionDeleted(cb func(sid string)) { sc.onSessionDeleted = cb }

// ContextNotificationsEnabled reports the current allowlisted kv flag.
func (sc *SessionClient) ContextNotificationsEnabled() bool { return sc.contextNotificationsEnabled }

func (sc *SessionClient) onConnect(json.RawMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	sc.dispatcher.RegisterAll(sc.transport)
	sc.replicator.Reconcile(ctx)
}

func (sc *SessionClient) onDisconnect(json.RawMessage) {
	sc.dispatcher.CancelAllPendingRequests()
}

func (sc *SessionClient) keepaliveLoop(ctx context.Context) {
	defer close(sc.keepaliveDone)
	ticker := time.NewTicker(sc.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sc.keepaliveStop:
			return
		case <-ticker.C:
			sc.sendKeepalive()
		}
	}
}

func (sc *SessionClient) sendKeepalive() {
	if !sc.transport.IsConnected() {
		return
	}
	sc.transport.EmitVolatile("session-alive", map[string]any{
		"sid":      sc.cfg.SessionID,
		"time":     time.Now().UnixMilli(),
		"thinking": sc.thinking,
		"mode":     sc.mode,
	})
}

// SetThinking updates the thinking flag reported on the next keepalive.
func (sc *SessionClient) SetThinking(thinking bool) { sc.thinking = thinking }

// SetMode updates the mode reported on the next keepalive and session events.
func (sc *SessionClient) SetMode(mode string) { sc.mode = mode }

func encryptEnvelope(crypto cryptoframe.Context, role string, content any) (string, error) {
	envelope := map[string]any{
		"role":    role,
		"content": content,
		"meta":    map[string]string{"sentFrom": "cli"},
	}
	return crypto.Encrypt(envelope)
}

// SendUserText sends a user-style text message (spec §4.4's first shape).
func (sc *SessionClient) SendUserText(text string) error {
	ciphertext, err := encryptEnvelope(sc.crypto, "user", map[string]string{"type": "text", "text": text})
	if err != nil {
		return fmt.Errorf("sessionclient: encrypt user text: %w", err)
	}
	return sc.emitMessage(ciphertext)
}

// AgentOutput is the agent-style output shape, optionally carrying usage
// numbers that trigger a usage-report emission.
type AgentOutput struct {
	Text  string
	Model string
	Usage *pricing.Usage
}

// SendAgentOutput sends an agent-style message and, if Usage is present,
// emits the normalized usage-report alongside it (spec §4.4).
func (sc *SessionClient) SendAgentOutput(out AgentOutput) error {
	ciphertext, err := encryptEnvelope(sc.crypto, "agent", map[string]string{"type": "text", "text": out.Text})
	if err != nil {
		return fmt.Errorf("sessionclient: encrypt agent output: %w", err)
	}
	if err := sc.emitMessage(ciphertext); err != nil {
		return err
	}
	if out.Usage != nil {
		sc.reportUsage(out.Model, *out.Usage)
	}
	return nil
}

// CodexOutput is the codex-style output shape.
type CodexOutput struct {
	Output json.RawMessage
	Model  string
	Usage  *pricing.Usage
}

// SendCodexOutput sends a codex-style message (spec §4.4's third shape).
func (sc *SessionClient) SendCodexOutput(out CodexOutput) error {
	ciphertext, err := encryptEnvelope(sc.crypto, "agent", map[string]any{"type": "codex", "output": out.Output})
	if err != nil {
		return fmt.Errorf("sessionclient: encrypt codex output: %w", err)
	}
	if err := sc.emitMessage(ciphertext); err != nil {
		return err
	}
	if out.Usage != nil {
		sc.reportUsage(out.Model, *out.Usage)
	}
	return nil
}

func (sc *SessionClient) emitMessage(ciphertext string) error {
	return sc.transport.Emit("message", map[string]any{
		"sid":     sc.cfg.SessionID,
		"message": ciphertext,
	})
}

func (sc *SessionClient) reportUsage(model string, usage pricing.Usage) {
	totals := pricing.Compute(model, usage)
	_ = sc.transport.Emit("usage-report", map[string]any{
		"key":       uuid.NewString(),
		"sessionId": sc.cfg.SessionID,
		"model":     model,
		"tokens":    totals.Tokens,
		"cost":      totals.Cost,
	})
}

// SessionEventType enumerates the small set of session events (spec §4.4).
type SessionEventType string

const (
	EventSwitch                 SessionEventType = "switch"
	EventMessage                SessionEventType = "message"
	EventPermissionModeChanged SessionEventType = "permission-mode-changed"
	EventReady                  SessionEventType = "ready"
)

// SessionEvent is the enumerated shape emitted under the shared "message"
// envelope. ID is assigned a UUID by EmitSessionEvent if left empty.
type SessionEvent struct {
	ID      string           `json:"id,omitempty"`
	Type    SessionEventType `json:"type"`
	Mode    string           `json:"mode,omitempty"`
	Message json.RawMessage  `json:"message,omitempty"`
}

// EmitSessionEvent encrypts and sends ev under the "message" envelope,
// assigning a UUID if ev.ID is empty.
func (sc *SessionClient) EmitSessionEvent(ev SessionEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ciphertext, err := encryptEnvelope(sc.crypto, "event", ev)
	if err != nil {
		return fmt.Errorf("sessionclient: encrypt session event: %w", err)
	}
	return sc.emitMessage(ciphertext)
}
