package machineclient

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Enflame-Media/happy-cli-sub001/internal/corecfg"
	"github.com/Enflame-Media/happy-cli-sub001/internal/cryptoframe"
	"github.com/Enflame-Media/happy-cli-sub001/internal/dispatcher"
	"github.com/Enflame-Media/happy-cli-sub001/internal/transport"
)

func newTestMachineClient(t *testing.T, tunables corecfg.RevivalTunables) *MachineClient {
	t.Helper()
	return newTestMachineClientWithID(t, "machine-1", tunables)
}

func newTestMachineClientWithID(t *testing.T, machineID string, tunables corecfg.RevivalTunables) *MachineClient {
	t.Helper()
	crypto, err := cryptoframe.New([]byte("01234567890123456789012345678901"), cryptoframe.VariantDataKey)
	require.NoError(t, err)

	cfg := Config{
		URL:       "ws://127.0.0.1:0/ignored",
		MachineID: machineID,
		Token:     "tok",
		Crypto:    crypto,
		Logger:    zaptest.NewLogger(t),
		Tunables:  tunables,
	}
	return New(cfg, nil, nil, nil)
}

const testSessionID = "bb6ca0a4aaaaaaaaaaaaaaaaaaaaaac5"

func TestHandleRpcWithRevival_UnknownMethodRevivesAndReplays(t *testing.T) {
	const newSessionID = "cc7db1b5aaaaaaaaaaaaaaaaaaaaaad6"
	// The replay dispatch looks up "<newSessionId>:<method>" directly; a
	// freshly revived session's handlers are registered under its own id as
	// the dispatcher scope, so this client is built with that id as its
	// MachineID purely to exercise the replay lookup path.
	mc := newTestMachineClientWithID(t, newSessionID, corecfg.RevivalTunables{SessionRevivalTimeoutMS: 1000, MaxRevivalAttemptsPerSession: 3})

	mc.SetCallbacks(DaemonCallbacks{
		SpawnSession: func(ctx context.Context, req SpawnRequest) (SpawnOutcome, error) {
			return SpawnOutcome{Kind: SpawnSuccess, NewSessionID: newSessionID}, nil
		},
		GetSessionStatus: func(ctx context.Context, sessionID string) (SessionStatus, error) {
			if sessionID == newSessionID {
				return SessionStatusActive, nil
			}
			return SessionStatusUnknown, nil
		},
	})

	mc.dispatcher.Register("foo", func(ctx context.Context, params json.RawMessage, cancel *dispatcher.CancelToken) (any, error) {
		return map[string]string{"ok": "yes"}, nil
	})

	req := transport.RPCRequest{Method: testSessionID + ":foo", Params: mustEncryptParams(t, mc.crypto, map[string]string{})}
	resp := mc.revival.handleRpcWithRevival(context.Background(), mc.dispatcher, req)

	dr, ok := resp.(dispatcher.Response)
	require.True(t, ok, "expected a successful dispatcher.Response after replay, got %#v", resp)
	require.NotNil(t, dr.Result)
}

func TestHandleRpcWithRevival_KillSessionNeverRevives(t *testing.T) {
	mc := newTestMachineClient(t, corecfg.RevivalTunables{SessionRevivalTimeoutMS: 1000, MaxRevivalAttemptsPerSession: 3})
	spawned := false
	mc.SetCallbacks(DaemonCallbacks{
		SpawnSession: func(ctx context.Context, req SpawnRequest) (SpawnOutcome, error) {
			spawned = true
			return SpawnOutcome{Kind: SpawnSuccess, NewSessionID: "new"}, nil
		},
	})

	req := transport.RPCRequest{Method: testSessionID + ":killSession", Params: mustEncryptParams(t, mc.crypto, map[string]string{})}
	resp := mc.revival.handleRpcWithRevival(context.Background(), mc.dispatcher, req)

	dr, ok := resp.(dispatcher.Response)
	require.True(t, ok)
	require.Equal(t, dispatcher.CodeSessionNotActive, dr.Code)
	require.False(t, spawned)
}

func TestHandleRpcWithRevival_ArchivedSessionNeverRevives(t *testing.T) {
	mc := newTestMachineClient(t, corecfg.RevivalTunables{SessionRevivalTimeoutMS: 1000, MaxRevivalAttemptsPerSession: 3})
	spawned := false
	mc.SetCallbacks(DaemonCallbacks{
		SpawnSession: func(ctx context.Context, req SpawnRequest) (SpawnOutcome, error) {
			spawned = true
			return SpawnOutcome{Kind: SpawnSuccess, NewSessionID: "new"}, nil
		},
	})
	mc.archived.Add(testSessionID)

	req := transport.RPCRequest{Method: testSessionID + ":foo", Params: mustEncryptParams(t, mc.crypto, map[string]string{})}
	resp := mc.revival.handleRpcWithRevival(context.Background(), mc.dispatcher, req)

	dr, ok := resp.(dispatcher.Response)
	require.True(t, ok)
	require.Equal(t, dispatcher.CodeSessionNotActive, dr.Code)
	require.False(t, spawned)
}

func TestTryReviveSession_PerSessionCap(t *testing.T) {
	mc := newTestMachineClient(t, corecfg.RevivalTunables{SessionRevivalTimeoutMS: 1000, MaxRevivalAttemptsPerSession: 3})
	mc.SetCallbacks(DaemonCallbacks{
		SpawnSession: func(ctx context.Context, req SpawnRequest) (SpawnOutcome, error) {
			return SpawnOutcome{Kind: SpawnError, ErrorMessage: "boom"}, nil
		},
	})

	for i := 0; i < 3; i++ {
		res := mc.revival.tryReviveSession(context.Background(), "scope-a", ".")
		require.False(t, res.Revived)
	}

	res := mc.revival.tryReviveSession(context.Background(), "scope-a", ".")
	require.False(t, res.Revived)
	require.Contains(t, res.Error, "Max revival attempts")
}

func TestTryReviveSession_CircuitBreakerTripsAfterTenFailuresAcrossScopes(t *testing.T) {
	mc := newTestMachineClient(t, corecfg.RevivalTunables{SessionRevivalTimeoutMS: 1000, MaxRevivalAttemptsPerSession: 100})
	mc.SetCallbacks(DaemonCallbacks{
		SpawnSession: func(ctx context.Context, req SpawnRequest) (SpawnOutcome, error) {
			return SpawnOutcome{Kind: SpawnError, ErrorMessage: "boom"}, nil
		},
	})

	for i := 0; i < failureThreshold; i++ {
		scope := "scope-" + string(rune('a'+i))
		res := mc.revival.tryReviveSession(context.Background(), scope, ".")
		require.False(t, res.Revived)
	}

	res := mc.revival.tryReviveSession(context.Background(), "scope-z", ".")
	require.False(t, res.Revived)
	require.Contains(t, res.Error, "paused")
}

func TestTryReviveSession_ConcurrentDedupeCallsSpawnOnce(t *testing.T) {
	mc := newTestMachineClient(t, corecfg.RevivalTunables{SessionRevivalTimeoutMS: 2000, MaxRevivalAttemptsPerSession: 3})

	var calls int32
	mc.SetCallbacks(DaemonCallbacks{
		SpawnSession: func(ctx context.Context, req SpawnRequest) (SpawnOutcome, error) {
			atomic.AddInt32(&calls, 1)
			time.Sleep(50 * time.Millisecond)
			return SpawnOutcome{Kind: SpawnSuccess, NewSessionID: "new-id"}, nil
		},
		GetSessionStatus: func(ctx context.Context, sessionID string) (SessionStatus, error) {
			return SessionStatusUnknown, nil
		},
	})

	var wg sync.WaitGroup
	results := make([]reviveResult, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = mc.revival.tryReviveSession(context.Background(), "dedup-scope", ".")
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
	for _, r := range results {
		require.True(t, r.Revived)
		require.Equal(t, "new-id", r.NewSessionID)
	}
}

func mustEncryptParams(t *testing.T, crypto cryptoframe.Context, v any) json.RawMessage {
	t.Helper()
	ciphertext, err := crypto.Encrypt(v)
	require.NoError(t, err)
	raw, err := json.Marshal(ciphertext)
	require.NoError(t, err)
	return raw
}
