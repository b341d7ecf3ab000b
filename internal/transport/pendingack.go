package transport

import (
	"encoding/json"
	"sync"
	"time"
)

// pendingAck is one outstanding emitWithAck call (spec §3 PendingAck): a
// resolver/rejecter pair plus the timer that fires WebSocketAckTimeout.
type pendingAck struct {
	resultCh chan ackResult
	timer    *time.Timer
}

type ackResult struct {
	ack json.RawMessage
	err error
}

// pendingAckTable is the ackId -> pendingAck map, guarded by its own mutex
// so emitWithAck, the inbound-ack path, and onMemoryPressure can all touch
// it without taking the transport's broader lock.
type pendingAckTable struct {
	mu    sync.Mutex
	table map[string]*pendingAck
}

func newPendingAckTable() *pendingAckTable {
	return &pendingAckTable{table: make(map[string]*pendingAck)}
}

func (t *pendingAckTable) register(ackID string, p *pendingAck) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.table[ackID] = p
}

// resolve looks up ackID, cancels its timeout, removes it, and returns it
// (or ok=false if no such ackId is outstanding — a late or duplicate ack).
func (t *pendingAckTable) resolve(ackID string) (*pendingAck, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.table[ackID]
	if !ok {
		return nil, false
	}
	delete(t.table, ackID)
	p.timer.Stop()
	return p, true
}

// remove deletes ackID unconditionally (used by EmitWithAck when its
// context is done before the ack arrives).
func (t *pendingAckTable) remove(ackID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.table, ackID)
}

func (t *pendingAckTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.table)
}

// rejectAll rejects every outstanding ack with err and empties the table.
// Called on socket close (spec §4.1).
func (t *pendingAckTable) rejectAll(err error) {
	t.mu.Lock()
	all := t.table
	t.table = make(map[string]*pendingAck)
	t.mu.Unlock()

	for _, p := range all {
		p.timer.Stop()
		p.resultCh <- ackResult{err: err}
	}
}

// sweepOrphaned removes entries that have no timer attached (a nil timer,
// so no timeout will ever clear them) without touching entries that are
// still well-formed.
// It implements Transport.onMemoryPressure (spec §4.1).
func (t *pendingAckTable) sweepOrphaned() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cleaned := 0
	for id, p := range t.table {
		if p.timer == nil {
			delete(t.table, id)
			cleaned++
		}
	}
	return cleaned
}
