package replicator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Enflame-Media/happy-cli-sub001/internal/transport"
)

// Reconcile resends every tracked blob's current (value, version) right
// after a reconnect and adopts whatever the server settles on (spec §4.3:
// "on reconnect, resend local state for CAS reconciliation rather than
// assuming it is authoritative"). It fires OnStateReconciled exactly once if
// any blob was adopted from the server, and records one syncComplete/
// syncAborted/syncError sample via the Replicator's metrics.
func (r *Replicator) Reconcile(ctx context.Context) {
	start := time.Now()
	adopted := false
	outcome := "" // "" means every blob reconciled cleanly

	r.statesMu.RLock()
	names := make([]string, 0, len(r.states))
	for name := range r.states {
		names = append(names, name)
	}
	r.statesMu.RUnlock()

	for _, name := range names {
		st := r.states[name]
		st.mu.Lock()
		localVersion := st.version
		localValue := st.value
		st.mu.Unlock()

		var ciphertext string
		if len(localValue) > 0 && string(localValue) != "null" {
			var generic any
			if err := json.Unmarshal(localValue, &generic); err == nil {
				enc, err := r.crypto.Encrypt(generic)
				if err != nil {
					r.logger.Warn("replicator: reconcile encrypt failed", zap.String("blob", name), zap.Error(err))
					outcome = "error"
					continue
				}
				ciphertext = enc
			}
		}

		ack, err := r.sendUpdate(ctx, name, ciphertext, localVersion)
		if err != nil {
			if err == context.Canceled || err == context.DeadlineExceeded {
				outcome = "aborted"
				break
			}
			r.logger.Warn("replicator: reconcile send failed", zap.String("blob", name), zap.Error(err))
			if errors.Is(err, transport.ErrDisconnected) {
				outcome = "aborted"
			} else {
				outcome = "error"
			}
			continue
		}

		switch ack.result {
		case "version-mismatch":
			if outcome == "" {
				outcome = "mismatch"
			}
			fallthrough
		case "success":
			if ack.version != nil && *ack.version > localVersion && ack.blobCiphertext != "" {
				st.mu.Lock()
				if *ack.version > st.version {
					var decoded any
					if derr := r.crypto.Decrypt(ack.blobCiphertext, &decoded); derr == nil {
						raw, _ := json.Marshal(decoded)
						st.value = raw
						st.version = *ack.version
						adopted = true
					}
				}
				st.mu.Unlock()
			}
		default:
			outcome = "error"
		}
	}

	if adopted {
		r.fireReconciled()
	}
	if r.metrics != nil {
		r.metrics.RecordSync(outcome, time.Since(start))
	}
}
