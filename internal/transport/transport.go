// Package transport implements the single persistent client-side WebSocket
// connection to the coordination server (spec §4.1, component C1): dialing,
// auto-reconnection with jittered backoff, the bounded handler registry, and
// request/response acknowledgement correlation.
//
// One Transport exists per scope — every session gets its own, and the
// machine gets its own — each dialing the same server with a different
// Credential (spec §3).
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Enflame-Media/happy-cli-sub001/internal/corecfg"
	"github.com/Enflame-Media/happy-cli-sub001/internal/coremetrics"
)

// State is one node of the connection lifecycle (spec §4.1):
// idle -> connecting -> open -> closing -> closed, with an implicit
// reconnecting state between closed and connecting on non-manual close.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Errors surfaced locally (never serialized to the wire — spec §7).
var (
	ErrDisconnected = errors.New("transport: WebSocketDisconnected")
	ErrAckTimeout   = errors.New("transport: WebSocketAckTimeout")
	ErrClosed       = errors.New("transport: closed")
)

// Config configures one Transport. URL must already encode the scheme
// (ws/wss) and path; it must never carry credentials — those travel only in
// headers (spec §4.1).
type Config struct {
	URL        string
	Credential corecfg.Credential

	ConnectionTimeout time.Duration
	AckTimeout        time.Duration

	ReconnectionDelay      time.Duration
	ReconnectionDelayMax   time.Duration
	ReconnectionFactor     float64
	MaxReconnectionAttempts int

	Logger  *zap.Logger
	Metrics *coremetrics.TransportMetrics
}

func (c *Config) withDefaults() {
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = 20 * time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.ReconnectionDelay == 0 {
		c.ReconnectionDelay = 1 * time.Second
	}
	if c.ReconnectionDelayMax == 0 {
		c.ReconnectionDelayMax = 30 * time.Second
	}
	if c.ReconnectionFactor == 0 {
		c.ReconnectionFactor = 0.5
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// RPCRequest is the decoded Data payload of an inbound "rpc-request" frame.
type RPCRequest struct {
	Method    string
	Params    json.RawMessage
	RequestID string
	AckID     string
}

// RPCHandler is the single RPC callback slot (spec §3): exactly one
// receiver processes every inbound "rpc-request" frame for this transport.
// respond sends the encrypted reply back as an "rpc-response" frame.
type RPCHandler func(req RPCRequest, respond func(ack json.RawMessage))

// Transport is one persistent WebSocket connection with reconnection.
type Transport struct {
	cfg    Config
	logger *zap.Logger

	state   atomic.Int32
	manualClose atomic.Bool

	connMu sync.RWMutex
	conn   *websocket.Conn

	sendCh chan Frame

	registry *handlerRegistry
	acks     *pendingAckTable

	rpcMu      sync.RWMutex
	rpcHandler RPCHandler

	reconnectAttempt atomic.Int32

	connectOnce      sync.Once
	connectCh        chan error
	firstConnectDone chan struct{}
	firstConnectErr  error

	closeCh chan struct{}
	doneCh  chan struct{}
}

// New builds a Transport. Call Connect to dial.
func New(cfg Config) *Transport {
	cfg.withDefaults()
	t := &Transport{
		cfg:     cfg,
		logger:  cfg.Logger.Named("transport"),
		sendCh:  make(chan Frame, 64),
		acks:    newPendingAckTable(),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	t.registry = newHandlerRegistry(t.logger, cfg.Metrics)
	t.state.Store(int32(StateIdle))
	return t
}

// State reports the current connection state.
func (t *Transport) State() State { return State(t.state.Load()) }

// IsConnected reports whether the socket is currently open.
func (t *Transport) IsConnected() bool { return t.State() == StateOpen }

// SetRPCHandler installs the single RPC callback slot. Replacing it is
// allowed (SessionClient and MachineClient each call this once at
// construction).
func (t *Transport) SetRPCHandler(h RPCHandler) {
	t.rpcMu.Lock()
	defer t.rpcMu.Unlock()
	t.rpcHandler = h
}

// On registers cb under event, subject to MaxHandlersPerEvent. The returned
// Subscription must be cancelled by the owner when done (spec §9).
func (t *Transport) On(event string, cb HandlerFunc) Subscription {
	return t.registry.on(event, cb)
}

// Off cancels a previously-returned Subscription. Equivalent to calling
// Subscription.Cancel directly.
func (t *Transport) Off(sub Subscription) { sub.Cancel() }

// RemoveAllListeners removes handlers for one event, or every event when
// event is "".
func (t *Transport) RemoveAllListeners(event string) { t.registry.removeAll(event) }

// LiveHandlerCount reports the number of callbacks currently retained for
// event — exposed for tests asserting spec §8's registry invariants.
func (t *Transport) LiveHandlerCount(event string) int { return t.registry.liveCount(event) }

// Connect dials the server. It is idempotent: a second call while a
// connection attempt is already in flight (or once one has completed)
// returns the same result (spec §4.1 "connect() is idempotent").
func (t *Transport) Connect(ctx context.Context) error {
	t.connectOnce.Do(func() {
		t.connectCh = make(chan error, 1)
		t.firstConnectDone = make(chan struct{})
		go t.runConnectionLoop(ctx)
		go func() {
			t.firstConnectErr = t.awaitFirstConnect(ctx)
			close(t.firstConnectDone)
		}()
	})

	select {
	case <-t.firstConnectDone:
		return t.firstConnectErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) awaitFirstConnect(ctx context.Context) error {
	select {
	case err := <-t.connectCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-t.doneCh:
		return ErrClosed
	}
}

// Close performs a manual, terminal close: no further reconnection is
// scheduled.
func (t *Transport) Close() error {
	t.manualClose.Store(true)
	t.state.Store(int32(StateClosing))

	t.connMu.RLock()
	conn := t.conn
	t.connMu.RUnlock()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}

	select {
	case <-t.closeCh:
	default:
		close(t.closeCh)
	}
	t.state.Store(int32(StateClosed))
	return nil
}

// runConnectionLoop owns the full connect -> run -> (reconnect) lifecycle.
// It mirrors the teacher connection.Manager.Run loop's shape: dial, run
// until failure, backoff, retry — generalized to WebSocket framing and
// jittered-centered backoff instead of gRPC streams.
func (t *Transport) runConnectionLoop(ctx context.Context) {
	defer close(t.doneCh)

	totalAttempts := 0
	for {
		select {
		case <-t.closeCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		conn, err := t.dial(ctx)
		if err != nil {
			t.reportConnectErr(totalAttempts, err)
			if !t.scheduleReconnect(ctx, totalAttempts) {
				return
			}
			totalAttempts++
			continue
		}

		t.onOpen(conn, totalAttempts)
		totalAttempts = 0 // a successful session resets the backoff schedule

		code, reason := t.runSession(ctx, conn)
		t.onClose(code, reason)

		if t.manualClose.Load() {
			return
		}
		select {
		case <-t.closeCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		if !t.scheduleReconnect(ctx, totalAttempts) {
			return
		}
		totalAttempts++
	}
}

func (t *Transport) reportConnectErr(attempt int, err error) {
	t.logger.Warn("transport: dial failed", zap.Int("attempt", attempt), zap.Error(err))
	if attempt == 0 {
		select {
		case t.connectCh <- err:
		default:
		}
	}
}

// dial performs the WebSocket handshake with the handshake headers from
// spec §4.1. Credentials never appear in the URL.
func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	t.state.Store(int32(StateConnecting))

	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid url: %w", err)
	}
	if u.User != nil {
		return nil, errors.New("transport: credentials must not appear in the connection URL")
	}

	header := http.Header{}
	for k, v := range t.cfg.Credential.Headers() {
		header.Set(k, v)
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectionTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.ConnectionTimeout}
	conn, _, err := dialer.DialContext(dialCtx, u.String(), header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (t *Transport) onOpen(conn *websocket.Conn, attempt int) {
	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()

	t.state.Store(int32(StateOpen))
	t.reconnectAttempt.Store(0)

	if attempt == 0 {
		select {
		case t.connectCh <- nil:
		default:
		}
	} else {
		t.logger.Info("transport: reconnected", zap.Int("attempt", attempt))
	}

	if t.cfg.Metrics != nil {
		t.cfg.Metrics.RecordReconnect(nowFunc())
	}
}

// runSession pumps frames until the connection closes, returning the close
// code and raw reason text so onClose can map it per spec §4.1's table.
//
// EventConnect fires only once both pumps are live: a connect handler that
// issues an acked RPC (daemonState publish, blob reconcile) needs a running
// writePump to drain sendCh and a running readPump to deliver the ack, so
// dispatch happens on its own goroutine after both are started rather than
// inline in onOpen (spec §4.1, §4.5).
func (t *Transport) runSession(ctx context.Context, conn *websocket.Conn) (int, string) {
	sessionDone := make(chan struct{})
	var writeWG sync.WaitGroup
	writeWG.Add(1)
	go func() {
		defer writeWG.Done()
		t.writePump(conn, sessionDone)
	}()

	go t.registry.dispatch(EventConnect, nil)

	code, reason := t.readPump(conn)
	close(sessionDone)
	writeWG.Wait()
	return code, reason
}

func (t *Transport) writePump(conn *websocket.Conn, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case frame := <-t.sendCh:
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}

func (t *Transport) readPump(conn *websocket.Conn) (int, string) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
			}
			return code, err.Error()
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.logger.Warn("transport: malformed frame dropped", zap.Error(err))
			continue
		}
		t.dispatchInbound(frame)
	}
}

func (t *Transport) dispatchInbound(frame Frame) {
	if frame.AckID != "" && frame.Ack != nil {
		if p, ok := t.acks.resolve(frame.AckID); ok {
			p.resultCh <- ackResult{ack: frame.Ack}
		}
		if t.cfg.Metrics != nil {
			t.cfg.Metrics.SetPendingAcks(t.acks.len())
		}
		return
	}

	if frame.Event == EventRPCRequest && frame.AckID != "" {
		t.rpcMu.RLock()
		h := t.rpcHandler
		t.rpcMu.RUnlock()
		if h == nil {
			return
		}

		var data rpcRequestData
		_ = json.Unmarshal(frame.Data, &data)
		req := RPCRequest{
			Method:    data.Method,
			Params:    data.Params,
			RequestID: data.RequestID,
			AckID:     frame.AckID,
		}
		h(req, func(ack json.RawMessage) {
			t.sendCh <- Frame{Event: EventRPCResponse, AckID: frame.AckID, Ack: ack}
		})
		return
	}

	t.registry.dispatch(frame.Event, frame.Data)
}

// closeReason maps a WebSocket close code to the human-readable string
// spec §4.1's table requires.
func closeReason(code int) string {
	switch code {
	case websocket.CloseNormalClosure: // 1000
		return "io client disconnect"
	case websocket.CloseGoingAway: // 1001
		return "transport close"
	case websocket.CloseAbnormalClosure: // 1006
		return "transport error"
	case 4000:
		return "io server disconnect"
	default:
		return fmt.Sprintf("transport close (code: %d)", code)
	}
}

func (t *Transport) onClose(code int, _ string) {
	wasOpen := t.State() == StateOpen
	t.state.Store(int32(StateReconnecting))

	t.connMu.Lock()
	t.conn = nil
	t.connMu.Unlock()

	t.acks.rejectAll(ErrDisconnected)
	if t.cfg.Metrics != nil {
		t.cfg.Metrics.SetPendingAcks(0)
		t.cfg.Metrics.RecordDisconnect(nowFunc())
	}

	if wasOpen {
		reason := closeReason(code)
		payload, _ := json.Marshal(map[string]any{"code": code, "reason": reason})
		t.logger.Warn("transport: disconnected", zap.Int("code", code), zap.String("reason", reason))
		t.registry.dispatch(EventDisconnect, payload)
	}
}

// scheduleReconnect waits out the backoff for attempt (0-based) and
// increments the reconnect-attempt counter, emitting the attempt/failed
// lifecycle events from spec §4.1. Returns false if reconnection should
// stop entirely (manual close, context cancellation, or attempts exhausted).
func (t *Transport) scheduleReconnect(ctx context.Context, attempt int) bool {
	if t.manualClose.Load() {
		return false
	}
	if t.cfg.MaxReconnectionAttempts > 0 && attempt >= t.cfg.MaxReconnectionAttempts {
		t.registry.dispatch(EventReconnectFailed, nil)
		return false
	}

	delay := ReconnectDelay(attempt, t.cfg.ReconnectionDelay, t.cfg.ReconnectionDelayMax, t.cfg.ReconnectionFactor)
	t.reconnectAttempt.Store(int32(attempt + 1))

	payload, _ := json.Marshal(attempt + 1)
	t.registry.dispatch(EventReconnectAttempt, payload)

	select {
	case <-ctx.Done():
		return false
	case <-t.closeCh:
		return false
	case <-time.After(delay):
		return true
	}
}

// ReconnectDelay computes the centered-jitter backoff for attempt (0-based):
// base = min(delay * 2^attempt, max); mult = 1 - factor + rand*factor*2;
// result = max(100ms, base*mult) (spec §4.1).
func ReconnectDelay(attempt int, delay, max time.Duration, factor float64) time.Duration {
	base := float64(delay) * pow2(attempt)
	if base > float64(max) {
		base = float64(max)
	}
	mult := 1 - factor + rand.Float64()*factor*2
	d := time.Duration(base * mult)
	if d < 100*time.Millisecond {
		return 100 * time.Millisecond
	}
	return d
}

func pow2(n int) float64 {
	if n < 0 {
		n = 0
	}
	result := 1.0
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}

// Emit sends {event, data} and requires an open socket.
func (t *Transport) Emit(event string, data any) error {
	if !t.IsConnected() {
		return ErrDisconnected
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("transport: marshal emit data: %w", err)
	}
	t.sendCh <- Frame{Event: event, Data: raw}
	return nil
}

// EmitVolatile is identical to Emit but silently drops the frame instead of
// erroring when the socket is not connected.
func (t *Transport) EmitVolatile(event string, data any) {
	if !t.IsConnected() {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		t.logger.Warn("transport: marshal volatile emit data failed", zap.Error(err))
		return
	}
	select {
	case t.sendCh <- Frame{Event: event, Data: raw}:
	default:
		t.logger.Warn("transport: volatile emit dropped, send buffer full", zap.String("event", event))
	}
}

// EmitWithAck sends {event, data, ackId} and resolves on the matching ack or
// rejects with ErrAckTimeout after timeout (or cfg.AckTimeout if timeout<=0).
func (t *Transport) EmitWithAck(ctx context.Context, event string, data any, timeout time.Duration) (json.RawMessage, error) {
	if !t.IsConnected() {
		return nil, ErrDisconnected
	}
	if timeout <= 0 {
		timeout = t.cfg.AckTimeout
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal emit data: %w", err)
	}

	ackID := uuid.NewString()
	p := &pendingAck{resultCh: make(chan ackResult, 1)}
	p.timer = time.AfterFunc(timeout, func() {
		if _, ok := t.acks.resolve(ackID); ok {
			p.resultCh <- ackResult{err: ErrAckTimeout}
		}
	})
	t.acks.register(ackID, p)
	if t.cfg.Metrics != nil {
		t.cfg.Metrics.SetPendingAcks(t.acks.len())
	}

	select {
	case t.sendCh <- Frame{Event: event, Data: raw, AckID: ackID}:
	case <-ctx.Done():
		t.acks.remove(ackID)
		p.timer.Stop()
		return nil, ctx.Err()
	}

	select {
	case res := <-p.resultCh:
		return res.ack, res.err
	case <-ctx.Done():
		t.acks.remove(ackID)
		p.timer.Stop()
		return nil, ctx.Err()
	}
}

// OnMemoryPressure removes orphaned pending-ack entries and advances the
// metrics counters (spec §4.1).
func (t *Transport) OnMemoryPressure() int {
	cleaned := t.acks.sweepOrphaned()
	if t.cfg.Metrics != nil {
		t.cfg.Metrics.RecordMemoryPressureSweep(cleaned)
		t.cfg.Metrics.SetPendingAcks(t.acks.len())
	}
	return cleaned
}

// Metrics exposes the snapshot described in spec §4.1's getMetrics().
func (t *Transport) Metrics() coremetrics.TransportSnapshot {
	if t.cfg.Metrics == nil {
		return coremetrics.TransportSnapshot{}
	}
	return t.cfg.Metrics.Snapshot()
}

// Flush yields briefly so any frames already queued on sendCh have a chance
// to reach the wire before the caller proceeds (spec §5's suspension points
// list a configurable flush()).
func (t *Transport) Flush(ctx context.Context, d time.Duration) {
	if d <= 0 {
		d = 10 * time.Millisecond
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func nowFunc() time.Time { return time.Now() }
