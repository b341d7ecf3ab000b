package machineclient

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/Enflame-Media/happy-cli-sub001/internal/replicator"
)

type updateEnvelope struct {
	Body json.RawMessage `json:"body"`
}

type updateKind struct {
	T string `json:"t"`
}

// machineStateBody mirrors sessionclient's sessionStateBody for the machine
// scope's two blobs.
type machineStateBody struct {
	MachineID           string `json:"machineId"`
	Metadata             string `json:"metadata,omitempty"`
	MetadataVersion      *int64 `json:"metadataVersion,omitempty"`
	DaemonState          string `json:"daemonState,omitempty"`
	DaemonStateVersion   *int64 `json:"daemonStateVersion,omitempty"`
}

type deleteMachineBody struct {
	MachineID string `json:"machineId"`
	Reason    string `json:"reason"`
}

type deleteSessionBody struct {
	SID string `json:"sid"`
}

// recognizedButIgnoredKinds holds sessionclient's ignored kinds (artifact,
// social, account) plus the session-only kinds new-message and
// kv-batch-update, which the machine scope does not act on.
var recognizedButIgnoredKinds = map[string]bool{
	"artifact":       true,
	"social":         true,
	"account":        true,
	"new-message":    true,
	"kv-batch-update": true,
}

func (mc *MachineClient) onUpdate(data json.RawMessage) {
	var env updateEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		mc.logger.Warn("machineclient: malformed update envelope", zap.Error(err))
		return
	}
	var kind updateKind
	if err := json.Unmarshal(env.Body, &kind); err != nil {
		mc.logger.Warn("machineclient: malformed update body", zap.Error(err))
		return
	}

	switch kind.T {
	case "update-machine":
		mc.handleUpdateMachine(env.Body)
	case "delete-machine":
		mc.handleDeleteMachine(env.Body)
	case "delete-session":
		mc.handleDeleteSession(env.Body)
	default:
		if !recognizedButIgnoredKinds[kind.T] {
			mc.logger.Debug("machineclient: unrecognized update kind ignored", zap.String("kind", kind.T))
		}
	}
}

func (mc *MachineClient) handleUpdateMachine(body json.RawMessage) {
	var push machineStateBody
	if err := json.Unmarshal(body, &push); err != nil {
		mc.logger.Warn("machineclient: malformed update-machine body", zap.Error(err))
		return
	}
	if push.MachineID != "" && push.MachineID != mc.cfg.MachineID {
		return
	}
	if push.Metadata != "" && push.MetadataVersion != nil {
		replicator.HandleInboundPush[json.RawMessage](mc.replicator, BlobMetadata, push.Metadata, *push.MetadataVersion)
	}
	if push.DaemonState != "" && push.DaemonStateVersion != nil {
		replicator.HandleInboundPush[DaemonState](mc.replicator, BlobDaemonState, push.DaemonState, *push.DaemonStateVersion)
	}
}

func (mc *MachineClient) handleDeleteMachine(body json.RawMessage) {
	var del deleteMachineBody
	_ = json.Unmarshal(body, &del)
	if del.MachineID != "" && del.MachineID != mc.cfg.MachineID {
		return
	}
	if mc.callbacks.OnMachineDisconnected != nil {
		mc.callbacks.OnMachineDisconnected(del.Reason)
	}
}

func (mc *MachineClient) handleDeleteSession(body json.RawMessage) {
	var del deleteSessionBody
	_ = json.Unmarshal(body, &del)
	if del.SID == "" {
		return
	}
	mc.archived.Add(del.SID)
}
