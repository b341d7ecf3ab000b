package replicator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Enflame-Media/happy-cli-sub001/internal/coremetrics"
	"github.com/Enflame-Media/happy-cli-sub001/internal/cryptoframe"
	"github.com/Enflame-Media/happy-cli-sub001/internal/transport"
)

// ErrVersionMismatch marks a CAS attempt the server rejected as stale.
// Update retries such attempts internally and wraps this error in the one
// it returns only when every retry has ended in a version mismatch.
var ErrVersionMismatch = errors.New("replicator: version mismatch")

// ErrSyncAborted describes the "aborted" sync outcome that Reconcile records
// when the socket is disconnected mid-reconciliation. Reconcile records the
// outcome by name and does not return this error.
var ErrSyncAborted = errors.New("replicator: sync aborted, socket disconnected")

// BlobSpec describes one of the two versioned blobs tracked for a scope.
type BlobSpec struct {
	// Name is the wire field name carrying the ciphertext, e.g. "agentState",
	// "metadata", or "daemonState".
	Name string
	// UpdateEvent is the acked wire event used for CAS updates and for the
	// reconcile-on-reconnect resend, e.g. "update-state" or
	// "machine-update-metadata".
	UpdateEvent string
}

// Identity names the scope identifier field carried alongside every CAS
// update ("sid" for sessions, "machineId" for the machine scope).
type Identity struct {
	Key   string
	Value string
}

type blobState struct {
	mu      sync.Mutex
	value   json.RawMessage
	version int64
}

// Retry policy for the CAS backoff loop (spec §4.3, §9: "capped exponential
// delays; do not rely on exceptions-as-control-flow").
const (
	retryBaseDelay = 200 * time.Millisecond
	retryMaxDelay  = 5 * time.Second
	maxRetries     = 6
)

// Replicator owns the two versioned blobs for one scope.
type Replicator struct {
	identity  Identity
	crypto    cryptoframe.Context
	transport *transport.Transport
	logger    *zap.Logger
	metrics   *coremetrics.ReplicatorMetrics

	specs map[string]BlobSpec

	statesMu sync.RWMutex
	states   map[string]*blobState

	reconciledMu sync.Mutex
	onReconciled func()
}

// New builds a Replicator for the given identity (scope id) over the
// provided blob specs (exactly two per spec §4.3, but the type does not
// enforce a count so tests can exercise a single blob in isolation).
func New(identity Identity, specs []BlobSpec, crypto cryptoframe.Context, t *transport.Transport, logger *zap.Logger, metrics *coremetrics.ReplicatorMetrics) *Replicator {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Replicator{
		identity:  identity,
		crypto:    crypto,
		transport: t,
		logger:    logger.Named("replicator"),
		metrics:   metrics,
		specs:     make(map[string]BlobSpec, len(specs)),
		states:    make(map[string]*blobState, len(specs)),
	}
	for _, s := range specs {
		r.specs[s.Name] = s
		r.states[s.Name] = &blobState{}
	}
	return r
}

// OnStateReconciled registers the callback invoked exactly once per
// reconciliation pass that adopted at least one blob from the server (spec
// §4.3).
func (r *Replicator) OnStateReconciled(cb func()) {
	r.reconciledMu.Lock()
	defer r.reconciledMu.Unlock()
	r.onReconciled = cb
}

func (r *Replicator) fireReconciled() {
	r.reconciledMu.Lock()
	cb := r.onReconciled
	r.reconciledMu.Unlock()
	if cb != nil {
		cb()
	}
}

func (r *Replicator) state(name string) *blobState {
	r.statesMu.RLock()
	defer r.statesMu.RUnlock()
	return r.states[name]
}

// Get returns the current (value, version) for blob name.
func Get[T any](r *Replicator, name string) (VersionedBlob[T], error) {
	st := r.state(name)
	if st == nil {
		return VersionedBlob[T]{}, fmt.Errorf("replicator: unknown blob %q", name)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return decodeBlob[T](st.value, st.version)
}

// Update performs the CAS update contract of spec §4.3 for typed blob T:
// under the blob's lock, compute next = mutate(current), send it with the
// expected version, and adopt whatever the server settles on — retrying on
// version-mismatch with capped exponential backoff until the CAS succeeds
// or retries are exhausted.
func Update[T any](ctx context.Context, r *Replicator, name string, mutate func(current T) (T, error)) (VersionedBlob[T], error) {
	st := r.state(name)
	if st == nil {
		return VersionedBlob[T]{}, fmt.Errorf("replicator: unknown blob %q", name)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	delay := retryBaseDelay
	for attempt := 0; attempt <= maxRetries; attempt++ {
		current, err := decodeBlob[T](st.value, st.version)
		if err != nil {
			return VersionedBlob[T]{}, fmt.Errorf("replicator: decode current blob: %w", err)
		}

		next, err := mutate(current.Value)
		if err != nil {
			return VersionedBlob[T]{}, err
		}

		ciphertext, err := r.crypto.Encrypt(next)
		if err != nil {
			return VersionedBlob[T]{}, fmt.Errorf("replicator: encrypt next blob: %w", err)
		}

		ackResult, sendErr := r.sendUpdate(ctx, name, ciphertext, st.version)
		if sendErr != nil {
			return VersionedBlob[T]{}, sendErr
		}

		switch ackResult.result {
		case "success":
			version := st.version
			if ackResult.version != nil {
				version = *ackResult.version
			}
			if ackResult.blobCiphertext != "" {
				var decoded T
				if err := r.crypto.Decrypt(ackResult.blobCiphertext, &decoded); err == nil {
					raw, _ := json.Marshal(decoded)
					st.value = raw
					st.version = version
					return VersionedBlob[T]{Value: decoded, Version: version, present: true}, nil
				}
				r.logger.Warn("replicator: update ack decrypt failed, keeping local state",
					zap.String("blob", name))
				return decodeBlob[T](st.value, st.version)
			}
			raw, err := json.Marshal(next)
			if err != nil {
				return VersionedBlob[T]{}, fmt.Errorf("replicator: marshal confirmed blob: %w", err)
			}
			st.value = raw
			st.version = version
			return VersionedBlob[T]{Value: next, Version: version, present: true}, nil

		case "version-mismatch":
			if ackResult.version != nil && *ackResult.version > st.version && ackResult.blobCiphertext != "" {
				var decoded T
				if err := r.crypto.Decrypt(ackResult.blobCiphertext, &decoded); err == nil {
					raw, _ := json.Marshal(decoded)
					st.value = raw
					st.version = *ackResult.version
				} else {
					r.logger.Warn("replicator: version-mismatch blob decrypt failed", zap.String("blob", name))
				}
			}
			if attempt == maxRetries {
				return VersionedBlob[T]{}, fmt.Errorf("replicator: %w: retries exhausted", ErrVersionMismatch)
			}
			select {
			case <-ctx.Done():
				return VersionedBlob[T]{}, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > retryMaxDelay {
				delay = retryMaxDelay
			}
			continue

		default: // "error"
			return VersionedBlob[T]{}, fmt.Errorf("replicator: update rejected: %s", ackResult.errMsg)
		}
	}

	return VersionedBlob[T]{}, fmt.Errorf("replicator: %w: retries exhausted", ErrVersionMismatch)
}

type updateAck struct {
	result         string
	version        *int64
	blobCiphertext string
	errMsg         string
}

// sendUpdate issues the update RPC for blob name with candidateCiphertext at
// expectedVersion and parses the discriminated response (spec §4.3, §6).
func (r *Replicator) sendUpdate(ctx context.Context, name, candidateCiphertext string, expectedVersion int64) (updateAck, error) {
	if !r.transport.IsConnected() {
		return updateAck{}, transport.ErrDisconnected
	}

	spec, ok := r.specs[name]
	if !ok {
		return updateAck{}, fmt.Errorf("replicator: unknown blob %q", name)
	}

	payload := map[string]any{
		r.identity.Key:   r.identity.Value,
		"expectedVersion": expectedVersion,
		spec.Name:         candidateCiphertext,
	}

	raw, err := r.transport.EmitWithAck(ctx, spec.UpdateEvent, payload, 0)
	if err != nil {
		return updateAck{}, err
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return updateAck{}, fmt.Errorf("replicator: malformed update ack: %w", err)
	}

	ack := updateAck{}
	if v, ok := decoded["result"]; ok {
		_ = json.Unmarshal(v, &ack.result)
	}
	if v, ok := decoded["version"]; ok {
		var n int64
		if err := json.Unmarshal(v, &n); err == nil {
			ack.version = &n
		}
	}
	if v, ok := decoded[spec.Name]; ok {
		_ = json.Unmarshal(v, &ack.blobCiphertext)
	}
	if v, ok := decoded["error"]; ok {
		_ = json.Unmarshal(v, &ack.errMsg)
	}
	return ack, nil
}

// HandleInboundPush adopts a server-pushed update for blob name if
// version > local (spec §4.3's inbound server pushes, guarded by the same
// per-blob lock used by Update to prevent stale ordering).
func HandleInboundPush[T any](r *Replicator, name string, ciphertext string, version int64) {
	st := r.state(name)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if version <= st.version {
		return
	}
	var decoded T
	if err := r.crypto.Decrypt(ciphertext, &decoded); err != nil {
		r.logger.Warn("replicator: inbound push decrypt failed, skipping", zap.String("blob", name))
		return
	}
	raw, _ := json.Marshal(decoded)
	st.value = raw
	st.version = version
}
