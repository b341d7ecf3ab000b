package machineclient

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Enflame-Media/happy-cli-sub001/internal/corecfg"
	"github.com/Enflame-Media/happy-cli-sub001/internal/coremetrics"
	"github.com/Enflame-Media/happy-cli-sub001/internal/dispatcher"
	"github.com/Enflame-Media/happy-cli-sub001/internal/transport"
)

// Circuit-breaker and per-session cap constants (spec §3, §4.5.1).
const (
	failureWindow    = 30 * time.Second
	failureThreshold = 10
	cooldownDuration = 60 * time.Second

	handlerReadyPollInterval = 100 * time.Millisecond
	handlerReadyPollCap      = 5 * time.Second
)

// reviveResult is the outcome of tryReviveSession (spec §4.5.1).
type reviveResult struct {
	Revived            bool   `json:"revived"`
	NewSessionID       string `json:"newSessionId,omitempty"`
	OriginalSessionID  string `json:"originalSessionId,omitempty"`
	CommandReplayed    bool   `json:"commandReplayed"`
	Error              string `json:"error,omitempty"`
}

type revivalFuture struct {
	done   chan struct{}
	result reviveResult
}

// revivalController implements tryReviveSession and handleRpcWithRevival
// (spec §4.5.1): the circuit breaker, per-session attempt cap, concurrent
// deduplication, and replay.
type revivalController struct {
	mc       *MachineClient
	tunables corecfg.RevivalTunables
	metrics  *coremetrics.RevivalMetrics
	logger   *zap.Logger

	handlersReady atomic.Bool

	mu       sync.Mutex
	attempts map[string]int
	inFlight map[string]*revivalFuture

	windowMu      sync.Mutex
	failures      []time.Time
	cooldownUntil time.Time

	shutdownOnce sync.Once
}

func newRevivalController(mc *MachineClient, tunables corecfg.RevivalTunables, metrics *coremetrics.RevivalMetrics) *revivalController {
	return &revivalController{
		mc:       mc,
		tunables: tunables,
		metrics:  metrics,
		logger:   mc.logger.Named("revival"),
		attempts: make(map[string]int),
		inFlight: make(map[string]*revivalFuture),
	}
}

func (rc *revivalController) setHandlersReady(ready bool) { rc.handlersReady.Store(ready) }

func (rc *revivalController) shutdown() {
	rc.shutdownOnce.Do(func() {
		rc.mu.Lock()
		rc.attempts = make(map[string]int)
		rc.inFlight = make(map[string]*revivalFuture)
		rc.mu.Unlock()
	})
}

// asRevivingRPCHandler wraps the Dispatcher so every inbound RPC is routed
// through handleRpcWithRevival instead of being encrypted and returned
// directly (spec §4.5.1).
func (mc *MachineClient) asRevivingRPCHandler() transport.RPCHandler {
	return func(req transport.RPCRequest, respond func(json.RawMessage)) {
		ctx := context.Background()
		resp := mc.revival.handleRpcWithRevival(ctx, mc.dispatcher, req)
		encoded, err := mc.crypto.Encrypt(resp)
		if err != nil {
			mc.logger.Error("machineclient: failed to encrypt RPC response", zap.Error(err))
			return
		}
		ack, _ := json.Marshal(encoded)
		respond(ack)
	}
}

// revivalFailedResponse is the distinct shape returned after an exhausted or
// rejected revival attempt (spec §4.5.1 step 7).
type revivalFailedResponse struct {
	Error             string       `json:"error"`
	Code              string       `json:"code"`
	OriginalSessionID string       `json:"originalSessionId"`
	RevivalResult     reviveResult `json:"revivalResult"`
}

// handleRpcWithRevival implements spec §4.5.1 steps 1-9.
func (rc *revivalController) handleRpcWithRevival(ctx context.Context, d *dispatcher.Dispatcher, req transport.RPCRequest) any {
	resp := d.Dispatch(ctx, req.Method, req.Params, req.RequestID)
	if resp.Code != dispatcher.CodeSessionNotActive {
		return resp
	}

	scope, name, ok := dispatcher.SplitMethod(req.Method)
	if !ok {
		return resp
	}
	sessionID, validID := NormalizeSessionID(scope)
	if !validID {
		return resp
	}
	if name == "killSession" {
		return resp
	}
	if rc.mc.archived.Contains(sessionID) {
		return resp
	}

	directory := "."
	if rc.mc.callbacks.GetSessionDirectory != nil {
		if dir, ok := rc.mc.callbacks.GetSessionDirectory(sessionID); ok {
			directory = dir
		}
	} else if wd, err := os.Getwd(); err == nil {
		directory = wd
	}

	result := rc.tryReviveSession(ctx, sessionID, directory)
	if !result.Revived {
		return revivalFailedResponse{
			Error:             result.Error,
			Code:              dispatcher.CodeSessionRevivalFailed,
			OriginalSessionID: sessionID,
			RevivalResult:     result,
		}
	}

	rc.awaitHandlerReady(ctx, result.NewSessionID)

	replayMethod := result.NewSessionID + ":" + name
	return d.Dispatch(ctx, replayMethod, req.Params, req.RequestID)
}

// awaitHandlerReady implements spec §4.5.1 step 8: poll getSessionStatus
// every 100ms up to 5s, proceeding anyway on timeout.
func (rc *revivalController) awaitHandlerReady(ctx context.Context, newSessionID string) {
	deadline := time.Now().Add(handlerReadyPollCap)
	for time.Now().Before(deadline) {
		status, err := rc.mc.getSessionStatus(ctx, newSessionID)
		if err == nil && status == SessionStatusActive {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(handlerReadyPollInterval):
		}
	}
}

// tryReviveSession implements spec §4.5.1's algorithm of the same name.
func (rc *revivalController) tryReviveSession(ctx context.Context, scope, directory string) reviveResult {
	if paused, remaining, resumesAt := rc.checkCircuitBreaker(); paused {
		rc.broadcastRevivalPaused(remaining, resumesAt)
		return reviveResult{Revived: false, Error: "Revival paused due to repeated failures"}
	}

	rc.mu.Lock()
	if rc.attempts[scope] >= rc.tunables.MaxRevivalAttemptsPerSession {
		rc.mu.Unlock()
		if rc.metrics != nil {
			rc.metrics.IncLimited()
		}
		rc.logger.Warn("machineclient: session_revival_limit_exceeded", zap.String("session", scope))
		return reviveResult{Revived: false, Error: fmt.Sprintf("Max revival attempts (%d) exceeded", rc.tunables.MaxRevivalAttemptsPerSession)}
	}

	if fut, ok := rc.inFlight[scope]; ok {
		rc.mu.Unlock()
		<-fut.done
		return fut.result
	}

	if !rc.handlersReady.Load() {
		rc.mu.Unlock()
		return reviveResult{Revived: false, Error: "RPC handlers not initialized"}
	}

	rc.attempts[scope]++
	if rc.metrics != nil {
		rc.metrics.IncAttempted()
	}
	rc.logger.Info("machineclient: session_revival_attempt", zap.String("session", scope))

	fut := &revivalFuture{done: make(chan struct{})}
	rc.inFlight[scope] = fut
	rc.mu.Unlock()

	result := rc.executeSessionRevival(ctx, scope, directory)

	rc.mu.Lock()
	delete(rc.inFlight, scope)
	if result.Revived {
		delete(rc.attempts, scope)
	}
	rc.mu.Unlock()

	if result.Revived {
		if rc.metrics != nil {
			rc.metrics.IncSucceeded()
		}
		rc.logger.Info("machineclient: session_revival_success", zap.String("session", scope), zap.String("newSessionId", result.NewSessionID))
	} else {
		rc.recordFailure()
		if rc.metrics != nil {
			rc.metrics.IncFailed()
		}
		rc.logger.Warn("machineclient: session_revival_failure", zap.String("session", scope), zap.String("reason", result.Error))
	}

	fut.result = result
	close(fut.done)
	return result
}

func (rc *revivalController) executeSessionRevival(ctx context.Context, scope, directory string) reviveResult {
	if status, err := rc.mc.getSessionStatus(ctx, scope); err != nil {
		rc.logger.Warn("machineclient: getSessionStatus failed during revival", zap.Error(err))
	} else if status == SessionStatusActive {
		return reviveResult{Revived: false, Error: "Session is already active"}
	}

	if rc.mc.callbacks.SpawnSession == nil {
		return reviveResult{Revived: false, Error: "RPC handlers not initialized"}
	}

	timeoutMS := rc.tunables.SessionRevivalTimeoutMS
	if timeoutMS <= 0 {
		timeoutMS = 60000
	}
	spawnCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
	defer cancel()

	type spawnResult struct {
		outcome SpawnOutcome
		err     error
	}
	resultCh := make(chan spawnResult, 1)
	go func() {
		outcome, err := rc.mc.callbacks.SpawnSession(spawnCtx, SpawnRequest{Directory: directory, SessionID: scope})
		resultCh <- spawnResult{outcome: outcome, err: err}
	}()

	select {
	case <-spawnCtx.Done():
		return reviveResult{Revived: false, Error: "Session revival timed out"}
	case sr := <-resultCh:
		if sr.err != nil {
			return reviveResult{Revived: false, Error: sr.err.Error()}
		}
		switch sr.outcome.Kind {
		case SpawnSuccess:
			newID := sr.outcome.NewSessionID
			if newID == "" {
				newID = scope
			}
			if rc.mc.transport.IsConnected() && newID != scope {
				rc.mc.transport.EmitVolatile("session-revived", map[string]any{
					"originalSessionId": scope,
					"newSessionId":      newID,
					"machineId":         rc.mc.cfg.MachineID,
				})
			}
			return reviveResult{Revived: true, NewSessionID: newID, OriginalSessionID: scope, CommandReplayed: false}
		case SpawnRequestApproveDirectory:
			return reviveResult{Revived: false, Error: fmt.Sprintf("Directory creation required but not approved: %s", sr.outcome.Directory)}
		default:
			return reviveResult{Revived: false, Error: sr.outcome.ErrorMessage}
		}
	}
}

// checkCircuitBreaker reports whether the circuit is currently open and, if
// not, prunes stale failures from the window (spec §4.5.1 step 1).
func (rc *revivalController) checkCircuitBreaker() (paused bool, remaining time.Duration, resumesAt time.Time) {
	rc.windowMu.Lock()
	defer rc.windowMu.Unlock()

	now := time.Now()
	if now.Before(rc.cooldownUntil) {
		return true, rc.cooldownUntil.Sub(now), rc.cooldownUntil
	}

	cutoff := now.Add(-failureWindow)
	kept := rc.failures[:0:0]
	for _, ts := range rc.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	rc.failures = kept
	return false, 0, time.Time{}
}

// recordFailure appends a failure timestamp and trips the circuit breaker
// once the window holds at least failureThreshold entries (spec §4.5.1
// step 7).
func (rc *revivalController) recordFailure() {
	rc.windowMu.Lock()
	defer rc.windowMu.Unlock()

	now := time.Now()
	cutoff := now.Add(-failureWindow)
	kept := rc.failures[:0:0]
	for _, ts := range rc.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	rc.failures = kept

	if len(rc.failures) >= failureThreshold && now.After(rc.cooldownUntil) {
		rc.cooldownUntil = now.Add(cooldownDuration)
		rc.logger.Warn("machineclient: session_revival_cooldown_triggered",
			zap.Int("failureCount", len(rc.failures)),
			zap.Duration("cooldownDuration", cooldownDuration),
			zap.Duration("window", failureWindow),
			zap.Int("threshold", failureThreshold))
	}
}

func (rc *revivalController) broadcastRevivalPaused(remaining time.Duration, resumesAt time.Time) {
	if rc.metrics != nil {
		rc.metrics.IncPaused()
	}
	if !rc.mc.transport.IsConnected() {
		return
	}
	rc.mc.transport.EmitVolatile("session-revival-paused", map[string]any{
		"reason":      "circuit_breaker",
		"remainingMs": remaining.Milliseconds(),
		"resumesAt":   resumesAt.UnixMilli(),
		"machineId":   rc.mc.cfg.MachineID,
	})
}
