package sessionclient

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Enflame-Media/happy-cli-sub001/internal/cryptoframe"
)

func newTestClient(t *testing.T) *SessionClient {
	t.Helper()
	crypto, err := cryptoframe.New([]byte("01234567890123456789012345678901"), cryptoframe.VariantDataKey)
	require.NoError(t, err)

	cfg := Config{
		URL:       "ws://127.0.0.1:0/ignored",
		SessionID: "sid-abc",
		Token:     "tok",
		Crypto:    crypto,
		Logger:    zaptest.NewLogger(t),
	}
	return New(cfg, nil, nil)
}

func TestOnUpdate_NewMessageMatchedSchemaGoesToPendingHandler(t *testing.T) {
	sc := newTestClient(t)

	var got InboundMessage
	sc.OnPendingMessage(func(msg InboundMessage) { got = msg })

	ciphertext, err := sc.crypto.Encrypt(InboundMessage{Role: "user", Content: json.RawMessage(`{"text":"hi"}`)})
	require.NoError(t, err)

	body, _ := json.Marshal(newMessageBody{Content: ciphertext})
	env, _ := json.Marshal(updateEnvelope{Body: mustEmbedKind("new-message", body)})

	sc.onUpdate(env)
	require.Equal(t, "user", got.Role)
}

func TestOnUpdate_NewMessageUnmatchedSchemaFallsBackToOnMessage(t *testing.T) {
	sc := newTestClient(t)

	var gotRaw json.RawMessage
	sc.OnMessage(func(data json.RawMessage) { gotRaw = data })

	body, _ := json.Marshal(newMessageBody{Content: "not-valid-ciphertext"})
	env, _ := json.Marshal(updateEnvelope{Body: mustEmbedKind("new-message", body)})

	sc.onUpdate(env)
	require.NotNil(t, gotRaw)
}

func TestOnUpdate_DeleteSessionFires(t *testing.T) {
	sc := newTestClient(t)

	var gotSID string
	sc.OnSessionDeleted(func(sid string) { gotSID = sid })

	body, _ := json.Marshal(deleteSessionBody{SID: "sid-abc"})
	env, _ := json.Marshal(updateEnvelope{Body: mustEmbedKind("delete-session", body)})

	sc.onUpdate(env)
	require.Equal(t, "sid-abc", gotSID)
}

func TestOnUpdate_KVBatchUpdateAppliesAllowlistedKey(t *testing.T) {
	sc := newTestClient(t)
	require.False(t, sc.ContextNotificationsEnabled())

	body, _ := json.Marshal(kvBatchUpdateBody{Changes: []kvChange{
		{Key: "contextNotificationsEnabled", Value: json.RawMessage("true")},
		{Key: "someUnknownKey", Value: json.RawMessage(`"whatever"`)},
	}})
	env, _ := json.Marshal(updateEnvelope{Body: mustEmbedKind("kv-batch-update", body)})

	sc.onUpdate(env)
	require.True(t, sc.ContextNotificationsEnabled())
}

func TestOnUpdate_IgnoredKindsDoNotPanic(t *testing.T) {
	sc := newTestClient(t)
	env, _ := json.Marshal(updateEnvelope{Body: mustEmbedKind("artifact", []byte(`{}`))})
	require.NotPanics(t, func() { sc.onUpdate(env) })
}

// mustEmbedKind merges {"t": kind} into an arbitrary body object, matching
// the wire shape where "t" sits alongside the body's own fields.
func mustEmbedKind(kind string, body json.RawMessage) json.RawMessage {
	var m map[string]json.RawMessage
	_ = json.Unmarshal(body, &m)
	if m == nil {
		m = make(map[string]json.RawMessage)
	}
	kindRaw, _ := json.Marshal(kind)
	m["t"] = kindRaw
	out, _ := json.Marshal(m)
	return out
}
