// Package replicator implements the version-stamped state replication
// engine (spec §4.3, component C3): compare-and-swap updates of two opaque
// blobs per scope, inbound server-push adoption, and reconcile-on-reconnect.
package replicator

import "encoding/json"

// VersionedBlob is the typed view of spec §3's VersionedBlob⟨T⟩: a pair of
// (plaintext T, monotonic non-negative version). The zero value represents
// "none" at version 0.
type VersionedBlob[T any] struct {
	Value   T
	Version int64
	present bool
}

// Present reports whether Value holds real content (as opposed to "none").
func (b VersionedBlob[T]) Present() bool { return b.present }

// Seed installs an initial (value, version) for blob name, used to prime a
// Replicator from locally persisted state before the first Connect.
func Seed[T any](r *Replicator, name string, value T, version int64) {
	st := r.state(name)
	if st == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	st.mu.Lock()
	st.value = raw
	st.version = version
	st.mu.Unlock()
}

func decodeBlob[T any](raw json.RawMessage, version int64) (VersionedBlob[T], error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return VersionedBlob[T]{Version: version}, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return VersionedBlob[T]{}, err
	}
	return VersionedBlob[T]{Value: v, Version: version, present: true}, nil
}
