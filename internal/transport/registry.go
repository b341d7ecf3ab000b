package transport

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/Enflame-Media/happy-cli-sub001/internal/coremetrics"
)

// MaxHandlersPerEvent bounds the number of live callbacks retained per
// event name (spec §3 HandlerRegistry).
const MaxHandlersPerEvent = 100

// HandlerWarningThreshold is the live-handler count at which a single
// warning is logged, on the exact crossing (spec §4.1).
const HandlerWarningThreshold = 90

// HandlerFunc receives the Data payload of a dispatched event.
type HandlerFunc func(data json.RawMessage)

// Subscription is the explicit lifetime handle returned by On. The owner
// must call Cancel when it no longer needs the callback — this is the
// systems-language substitute for the source's weak-reference handlers
// (spec §9): handler lifetime is owned explicitly instead of being pinned
// by a GC root, but the bound (MaxHandlersPerEvent) and rejection-with-
// logging behavior are identical regardless of which lifetime strategy is
// used.
type Subscription struct {
	event string
	id    uint64
	reg   *handlerRegistry
}

// Cancel removes this subscription's callback from the registry. Cancel is
// idempotent — calling it twice, or after RemoveAll, is a no-op.
func (s Subscription) Cancel() {
	if s.reg == nil {
		return
	}
	s.reg.remove(s.event, s.id)
}

type handlerEntry struct {
	id uint64
	cb HandlerFunc
}

// handlerRegistry implements spec §3's HandlerRegistry: a bounded mapping
// from event name to a set of live callbacks, plus a single RPC callback
// slot (held separately — see transport.go's rpcHandler field).
type handlerRegistry struct {
	mu       sync.Mutex
	handlers map[string][]handlerEntry
	nextID   uint64

	logger  *zap.Logger
	metrics *coremetrics.TransportMetrics
}

func newHandlerRegistry(logger *zap.Logger, metrics *coremetrics.TransportMetrics) *handlerRegistry {
	return &handlerRegistry{
		handlers: make(map[string][]handlerEntry),
		logger:   logger,
		metrics:  metrics,
	}
}

// on registers cb under event. Re-registering the same callback reference
// is impossible to detect for closures in Go (no identity beyond pointer
// equality of the func value is reliable across closures capturing
// different state), so — matching the spirit of "duplicate registration is
// a no-op" — callers are expected to hold onto the Subscription instead of
// re-registering; On itself only enforces the MAX_HANDLERS_PER_EVENT cap.
func (r *handlerRegistry) on(event string, cb HandlerFunc) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := r.handlers[event]
	if len(live) >= MaxHandlersPerEvent {
		if r.metrics != nil {
			r.metrics.IncHandlersRejected()
		}
		if r.logger != nil {
			r.logger.Warn("transport: handler rejected, MAX_HANDLERS_PER_EVENT reached",
				zap.String("event", event), zap.Int("max", MaxHandlersPerEvent))
		}
		return Subscription{}
	}

	r.nextID++
	id := r.nextID
	live = append(live, handlerEntry{id: id, cb: cb})
	r.handlers[event] = live

	if len(live) == HandlerWarningThreshold && r.logger != nil {
		r.logger.Warn("transport: handler count crossed warning threshold",
			zap.String("event", event), zap.Int("count", len(live)))
	}
	if r.metrics != nil {
		r.metrics.SetHandlerCount(event, len(live))
	}

	return Subscription{event: event, id: id, reg: r}
}

func (r *handlerRegistry) remove(event string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := r.handlers[event]
	for i, e := range live {
		if e.id == id {
			live = append(live[:i], live[i+1:]...)
			break
		}
	}
	if len(live) == 0 {
		delete(r.handlers, event)
	} else {
		r.handlers[event] = live
	}
	if r.metrics != nil {
		r.metrics.SetHandlerCount(event, len(live))
	}
}

// removeAll removes handlers for one event, or every event when event=="".
func (r *handlerRegistry) removeAll(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if event == "" {
		for ev := range r.handlers {
			if r.metrics != nil {
				r.metrics.SetHandlerCount(ev, 0)
			}
		}
		r.handlers = make(map[string][]handlerEntry)
		return
	}
	delete(r.handlers, event)
	if r.metrics != nil {
		r.metrics.SetHandlerCount(event, 0)
	}
}

// dispatch invokes every live handler for event with data. Handlers run
// synchronously in registration order on the caller's goroutine. Most events
// dispatch from the read-pump goroutine; EventConnect is the exception,
// fired from its own goroutine by runSession once the pumps are live.
func (r *handlerRegistry) dispatch(event string, data json.RawMessage) {
	r.mu.Lock()
	live := append([]handlerEntry(nil), r.handlers[event]...)
	r.mu.Unlock()

	for _, e := range live {
		e.cb(data)
	}
}

// liveCount returns the number of callbacks currently retained for event.
func (r *handlerRegistry) liveCount(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers[event])
}
