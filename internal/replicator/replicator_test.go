package replicator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Enflame-Media/happy-cli-sub001/internal/corecfg"
	"github.com/Enflame-Media/happy-cli-sub001/internal/cryptoframe"
	"github.com/Enflame-Media/happy-cli-sub001/internal/transport"
)

type fakeBlob struct {
	Counter int    `json:"counter"`
	Label   string `json:"label"`
}

// fakeServer is a minimal echo-CAS server: it accepts a single connection
// and answers each acked frame with the next step of a scripted sequence of
// outcomes (steps may echo the submitted ciphertext back), so Update's retry
// path is exercised deterministically.
type fakeServer struct {
	t       *testing.T
	crypto  cryptoframe.Context
	mu      sync.Mutex
	conn    *websocket.Conn
	scripts map[string][]func(req map[string]json.RawMessage) map[string]any
}

func newFakeServer(t *testing.T, crypto cryptoframe.Context) *fakeServer {
	return &fakeServer{t: t, crypto: crypto, scripts: make(map[string][]func(map[string]json.RawMessage) map[string]any)}
}

func (s *fakeServer) script(event string, steps ...func(map[string]json.RawMessage) map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[event] = steps
}

func (s *fakeServer) handler(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	require.NoError(s.t, err)
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	for {
		var frame transport.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		var req map[string]json.RawMessage
		_ = json.Unmarshal(frame.Data, &req)

		s.mu.Lock()
		steps := s.scripts[frame.Event]
		var step func(map[string]json.RawMessage) map[string]any
		if len(steps) > 0 {
			step = steps[0]
			s.scripts[frame.Event] = steps[1:]
		}
		s.mu.Unlock()

		if step == nil || frame.AckID == "" {
			continue
		}
		resp := step(req)
		ack, _ := json.Marshal(resp)
		_ = conn.WriteJSON(transport.Frame{AckID: frame.AckID, Ack: ack})
	}
}

func newTestKey() []byte {
	return []byte("01234567890123456789012345678901")
}

func dialTestTransport(t *testing.T, url string) *transport.Transport {
	t.Helper()
	tr := transport.New(transport.Config{
		URL: strings.Replace(url, "http://", "ws://", 1),
		Credential: corecfg.Credential{
			Token:      "test-token",
			ClientType: corecfg.ClientTypeSession,
			SessionID:  "sid-123",
		},
		Logger: zaptest.NewLogger(t),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tr.Connect(ctx))
	return tr
}

func TestUpdate_SuccessAdoptsServerVersion(t *testing.T) {
	crypto, err := cryptoframe.New(newTestKey(), cryptoframe.VariantDataKey)
	require.NoError(t, err)

	srv := newFakeServer(t, crypto)
	ts := httptest.NewServer(http.HandlerFunc(srv.handler))
	defer ts.Close()

	srv.script("update-state", func(req map[string]json.RawMessage) map[string]any {
		var blobCipher string
		_ = json.Unmarshal(req["agentState"], &blobCipher)
		return map[string]any{"result": "success", "version": 1, "agentState": blobCipher}
	})

	tr := dialTestTransport(t, ts.URL)
	defer tr.Close()

	r := New(Identity{Key: "sid", Value: "sid-123"},
		[]BlobSpec{{Name: "agentState", UpdateEvent: "update-state"}},
		crypto, tr, zaptest.NewLogger(t), nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got, err := Update(ctx, r, "agentState", func(current fakeBlob) (fakeBlob, error) {
		return fakeBlob{Counter: 1, Label: "first"}, nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Version)
	require.Equal(t, "first", got.Value.Label)
}

func TestUpdate_RetriesOnVersionMismatchThenSucceeds(t *testing.T) {
	crypto, err := cryptoframe.New(newTestKey(), cryptoframe.VariantDataKey)
	require.NoError(t, err)

	srv := newFakeServer(t, crypto)
	ts := httptest.NewServer(http.HandlerFunc(srv.handler))
	defer ts.Close()

	serverBlob, _ := crypto.Encrypt(fakeBlob{Counter: 9, Label: "server-wins"})

	srv.script("update-state",
		func(req map[string]json.RawMessage) map[string]any {
			return map[string]any{"result": "version-mismatch", "version": 5, "agentState": serverBlob}
		},
		func(req map[string]json.RawMessage) map[string]any {
			var blobCipher string
			_ = json.Unmarshal(req["agentState"], &blobCipher)
			return map[string]any{"result": "success", "version": 6, "agentState": blobCipher}
		},
	)

	tr := dialTestTransport(t, ts.URL)
	defer tr.Close()

	r := New(Identity{Key: "sid", Value: "sid-123"},
		[]BlobSpec{{Name: "agentState", UpdateEvent: "update-state"}},
		crypto, tr, zaptest.NewLogger(t), nil)

	calls := 0
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	got, err := Update(ctx, r, "agentState", func(current fakeBlob) (fakeBlob, error) {
		calls++
		return fakeBlob{Counter: current.Counter + 1, Label: current.Label}, nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.Equal(t, int64(6), got.Version)
	require.Equal(t, 10, got.Value.Counter)
	require.Equal(t, "server-wins", got.Value.Label)
}

func TestUpdate_ServerErrorDoesNotRetry(t *testing.T) {
	crypto, err := cryptoframe.New(newTestKey(), cryptoframe.VariantDataKey)
	require.NoError(t, err)

	srv := newFakeServer(t, crypto)
	ts := httptest.NewServer(http.HandlerFunc(srv.handler))
	defer ts.Close()

	calls := 0
	srv.script("update-state", func(req map[string]json.RawMessage) map[string]any {
		calls++
		return map[string]any{"result": "error", "error": "not authorized"}
	})

	tr := dialTestTransport(t, ts.URL)
	defer tr.Close()

	r := New(Identity{Key: "sid", Value: "sid-123"},
		[]BlobSpec{{Name: "agentState", UpdateEvent: "update-state"}},
		crypto, tr, zaptest.NewLogger(t), nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err = Update(ctx, r, "agentState", func(current fakeBlob) (fakeBlob, error) {
		return fakeBlob{Counter: 1}, nil
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestHandleInboundPush_IgnoresStaleVersion(t *testing.T) {
	crypto, err := cryptoframe.New(newTestKey(), cryptoframe.VariantDataKey)
	require.NoError(t, err)

	r := New(Identity{Key: "sid", Value: "sid-123"},
		[]BlobSpec{{Name: "agentState", UpdateEvent: "update-state"}},
		crypto, nil, zaptest.NewLogger(t), nil)

	Seed(r, "agentState", fakeBlob{Counter: 5, Label: "current"}, 10)

	staleCipher, _ := crypto.Encrypt(fakeBlob{Counter: 1, Label: "stale"})
	HandleInboundPush[fakeBlob](r, "agentState", staleCipher, 3)

	got, err := Get[fakeBlob](r, "agentState")
	require.NoError(t, err)
	require.Equal(t, int64(10), got.Version)
	require.Equal(t, "current", got.Value.Label)

	freshCipher, _ := crypto.Encrypt(fakeBlob{Counter: 7, Label: "fresh"})
	HandleInboundPush[fakeBlob](r, "agentState", freshCipher, 11)

	got, err = Get[fakeBlob](r, "agentState")
	require.NoError(t, err)
	require.Equal(t, int64(11), got.Version)
	require.Equal(t, "fresh", got.Value.Label)
}

func TestOnStateReconciled_FiresOnlyWhenServerAdoptsANewerBlob(t *testing.T) {
	crypto, err := cryptoframe.New(newTestKey(), cryptoframe.VariantDataKey)
	require.NoError(t, err)

	srv := newFakeServer(t, crypto)
	ts := httptest.NewServer(http.HandlerFunc(srv.handler))
	defer ts.Close()

	serverBlob, _ := crypto.Encrypt(fakeBlob{Counter: 99, Label: "from-server"})
	srv.script("update-state", func(req map[string]json.RawMessage) map[string]any {
		return map[string]any{"result": "success", "version": 42, "agentState": serverBlob}
	})

	tr := dialTestTransport(t, ts.URL)
	defer tr.Close()

	r := New(Identity{Key: "sid", Value: "sid-123"},
		[]BlobSpec{{Name: "agentState", UpdateEvent: "update-state"}},
		crypto, tr, zaptest.NewLogger(t), nil)
	Seed(r, "agentState", fakeBlob{Counter: 1, Label: "local"}, 1)

	var fired int
	r.OnStateReconciled(func() { fired++ })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Reconcile(ctx)

	require.Equal(t, 1, fired)
	got, err := Get[fakeBlob](r, "agentState")
	require.NoError(t, err)
	require.Equal(t, int64(42), got.Version)
	require.Equal(t, "from-server", got.Value.Label)
}
