package sessionclient

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/Enflame-Media/happy-cli-sub001/internal/replicator"
)

// updateEnvelope is the inbound "update" event's data shape: {body:{t, ...}}
// (spec §6).
type updateEnvelope struct {
	Body json.RawMessage `json:"body"`
}

type updateKind struct {
	T string `json:"t"`
}

// newMessageBody carries the encrypted content of an inbound chat message.
type newMessageBody struct {
	Content string `json:"content"`
}

// sessionStateBody is the per-scope state-push shape for "update-session":
// one ciphertext+version pair per tracked blob, present only for blobs that
// actually changed.
type sessionStateBody struct {
	AgentState        string `json:"agentState,omitempty"`
	AgentStateVersion *int64 `json:"agentStateVersion,omitempty"`
	Metadata          string `json:"metadata,omitempty"`
	MetadataVersion   *int64 `json:"metadataVersion,omitempty"`
}

type deleteSessionBody struct {
	SID string `json:"sid"`
}

// kvChange is one entry of a "kv-batch-update" body.
type kvChange struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type kvBatchUpdateBody struct {
	Changes []kvChange `json:"changes"`
}

// recognizedButIgnoredKinds are update kinds the session client understands
// but takes no action on (spec §4.4: "artifact, social, account").
var recognizedButIgnoredKinds = map[string]bool{
	"artifact": true,
	"social":   true,
	"account":  true,
}

func (sc *SessionClient) onUpdate(data json.RawMessage) {
	var env updateEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		sc.logger.Warn("sessionclient: malformed update envelope", zap.Error(err))
		return
	}
	var kind updateKind
	if err := json.Unmarshal(env.Body, &kind); err != nil {
		sc.logger.Warn("sessionclient: malformed update body", zap.Error(err))
		return
	}

	switch kind.T {
	case "new-message":
		sc.handleNewMessage(env.Body)
	case "update-session":
		sc.handleUpdateSession(env.Body)
	case "delete-session":
		sc.handleDeleteSession(env.Body)
	case "kv-batch-update":
		sc.handleKVBatchUpdate(env.Body)
	default:
		if !recognizedButIgnoredKinds[kind.T] {
			sc.logger.Debug("sessionclient: unrecognized update kind ignored", zap.String("kind", kind.T))
		}
	}
}

func (sc *SessionClient) handleNewMessage(body json.RawMessage) {
	var msg newMessageBody
	if err := json.Unmarshal(body, &msg); err != nil {
		sc.logger.Warn("sessionclient: malformed new-message body", zap.Error(err))
		return
	}

	var decoded InboundMessage
	if err := sc.crypto.Decrypt(msg.Content, &decoded); err != nil || decoded.Role == "" {
		if sc.onMessage != nil {
			sc.onMessage(body)
		}
		return
	}

	if sc.onPendingMessage != nil {
		sc.onPendingMessage(decoded)
	} else if sc.onMessage != nil {
		raw, _ := json.Marshal(decoded)
		sc.onMessage(raw)
	}
}

func (sc *SessionClient) handleUpdateSession(body json.RawMessage) {
	var push sessionStateBody
	if err := json.Unmarshal(body, &push); err != nil {
		sc.logger.Warn("sessionclient: malformed update-session body", zap.Error(err))
		return
	}
	if push.AgentState != "" && push.AgentStateVersion != nil {
		replicator.HandleInboundPush[AgentState](sc.replicator, BlobAgentState, push.AgentState, *push.AgentStateVersion)
	}
	if push.Metadata != "" && push.MetadataVersion != nil {
		replicator.HandleInboundPush[Metadata](sc.replicator, BlobMetadata, push.Metadata, *push.MetadataVersion)
	}
}

func (sc *SessionClient) handleDeleteSession(body json.RawMessage) {
	var del deleteSessionBody
	_ = json.Unmarshal(body, &del)
	if del.SID == "" {
		del.SID = sc.cfg.SessionID
	}
	if sc.onSessionDeleted != nil {
		sc.onSessionDeleted(del.SID)
	}
}

func (sc *SessionClient) handleKVBatchUpdate(body json.RawMessage) {
	var batch kvBatchUpdateBody
	if err := json.Unmarshal(body, &batch); err != nil {
		sc.logger.Warn("sessionclient: malformed kv-batch-update body", zap.Error(err))
		return
	}
	for _, change := range batch.Changes {
		switch change.Key {
		case contextNotificationsEnabled:
			var enabled bool
			if err := json.Unmarshal(change.Value, &enabled); err != nil {
				sc.logger.Warn("sessionclient: malformed contextNotificationsEnabled value", zap.Error(err))
				continue
			}
			sc.contextNotificationsEnabled = enabled
		default:
			sc.logger.Debug("sessionclient: unrecognized kv key ignored", zap.String("key", change.Key))
		}
	}
}
