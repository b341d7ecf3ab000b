package machineclient

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/Enflame-Media/happy-cli-sub001/internal/dispatcher"
)

// spawnHappySessionParams is the decrypted params shape for spawn-happy-session.
type spawnHappySessionParams struct {
	SessionID string `json:"sessionId"`
	Directory string `json:"directory"`
}

func (mc *MachineClient) handleSpawnHappySession(ctx context.Context, params json.RawMessage, cancel *dispatcher.CancelToken) (any, error) {
	var p spawnHappySessionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("machineclient: malformed spawn-happy-session params: %w", err)
	}
	normalized, ok := NormalizeSessionID(p.SessionID)
	if !ok {
		return nil, fmt.Errorf("machineclient: invalid session id %q", p.SessionID)
	}
	if mc.callbacks.SpawnSession == nil {
		return nil, fmt.Errorf("machineclient: spawn not supported by this daemon")
	}

	outcome, err := mc.callbacks.SpawnSession(ctx, SpawnRequest{Directory: p.Directory, SessionID: normalized})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

type stopSessionParams struct {
	SessionID string `json:"sessionId"`
}

func (mc *MachineClient) handleStopSession(ctx context.Context, params json.RawMessage, cancel *dispatcher.CancelToken) (any, error) {
	var p stopSessionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("machineclient: malformed stop-session params: %w", err)
	}
	normalized, ok := NormalizeSessionID(p.SessionID)
	if !ok {
		return nil, fmt.Errorf("machineclient: invalid session id %q", p.SessionID)
	}
	if mc.callbacks.StopSession == nil {
		return map[string]bool{"stopped": false}, nil
	}
	if err := mc.callbacks.StopSession(ctx, normalized); err != nil {
		return nil, err
	}
	return map[string]bool{"stopped": true}, nil
}

func (mc *MachineClient) handleStopDaemon(ctx context.Context, params json.RawMessage, cancel *dispatcher.CancelToken) (any, error) {
	if mc.callbacks.StopDaemon == nil {
		return map[string]bool{"stopped": false}, nil
	}
	if err := mc.callbacks.StopDaemon(ctx); err != nil {
		return nil, err
	}
	return map[string]bool{"stopped": true}, nil
}

type getSessionStatusParams struct {
	SessionID string `json:"sessionId"`
}

func (mc *MachineClient) handleGetSessionStatus(ctx context.Context, params json.RawMessage, cancel *dispatcher.CancelToken) (any, error) {
	var p getSessionStatusParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("machineclient: malformed get-session-status params: %w", err)
	}
	normalized, ok := NormalizeSessionID(p.SessionID)
	if !ok {
		return nil, fmt.Errorf("machineclient: invalid session id %q", p.SessionID)
	}
	status, err := mc.getSessionStatus(ctx, normalized)
	if err != nil {
		mc.logger.Warn("machineclient: get-session-status callback failed", zap.Error(err))
		return map[string]string{"status": string(SessionStatusUnknown)}, nil
	}
	return map[string]string{"status": string(status)}, nil
}

// getSessionStatus calls the daemon callback directly, tolerating its
// absence by reporting unknown (used by both the RPC handler and the
// revival controller per spec §4.5.1 step 6a, 8).
func (mc *MachineClient) getSessionStatus(ctx context.Context, sessionID string) (SessionStatus, error) {
	if mc.callbacks.GetSessionStatus == nil {
		return SessionStatusUnknown, nil
	}
	return mc.callbacks.GetSessionStatus(ctx, sessionID)
}
