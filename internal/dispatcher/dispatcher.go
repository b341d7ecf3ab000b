// Package dispatcher implements the encrypted RPC dispatcher (spec §4.2,
// component C2): it decrypts inbound "rpc-request" frames, routes them to a
// registered handler keyed by "<scope>:<method>", encrypts the reply, and
// classifies unregistered methods into the wire error taxonomy of spec §7.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Enflame-Media/happy-cli-sub001/internal/cryptoframe"
	"github.com/Enflame-Media/happy-cli-sub001/internal/transport"
)

// Wire error codes (spec §7).
const (
	CodeDecryptionFailed  = "DECRYPTION_FAILED"
	CodeMethodNotFound    = "METHOD_NOT_FOUND"
	CodeSessionNotActive  = "SESSION_NOT_ACTIVE"
	CodeOperationCancelled = "OPERATION_CANCELLED"
	CodeSessionRevivalFailed = "SESSION_REVIVAL_FAILED"
)

// sessionLikeMinLength is the minimum prefix length the dispatcher treats
// as a plausible session id when classifying an unknown method (spec §4.2,
// §9: "prefix length >= 32" — preserved verbatim; implementers may tighten
// this to strict UUID/hex validation, which MachineClient does at the
// revival layer).
const sessionLikeMinLength = 32

// Handler processes one decrypted RPC call. It receives the decrypted
// params and a CancelToken it should observe for long-running work, and
// returns a plaintext result to be encrypted for the reply. cancel is nil
// when the request carried no requestId.
type Handler func(ctx context.Context, params json.RawMessage, cancel *CancelToken) (any, error)

// Response is the plaintext shape of an RPC reply before encryption — the
// dispatcher always encrypts exactly one of these per request.
type Response struct {
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
	Method    string `json:"method,omitempty"`
	Message   string `json:"message,omitempty"`
	Cancelled bool   `json:"cancelled"`
}

// Dispatcher owns one scope's method table and the cancellation-token
// registry for in-flight requests.
type Dispatcher struct {
	scope  string
	crypto cryptoframe.Context
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	cancelMu sync.Mutex
	cancels  map[string]*CancelToken
}

// New builds a Dispatcher for scope, using crypto for all param/result
// encryption on this scope's RPCs.
func New(scope string, crypto cryptoframe.Context, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		scope:    scope,
		crypto:   crypto,
		logger:   logger.Named("dispatcher"),
		handlers: make(map[string]Handler),
		cancels:  make(map[string]*CancelToken),
	}
}

// Register binds method (unqualified) to h under this dispatcher's scope.
func (d *Dispatcher) Register(method string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[d.scope+":"+method] = h
}

// Methods returns the fully-qualified "<scope>:<method>" keys currently
// registered, used to replay "rpc-register" on reconnect (spec §4.2).
func (d *Dispatcher) Methods() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.handlers))
	for k := range d.handlers {
		out = append(out, k)
	}
	return out
}

// RegisterAll emits one "rpc-register" event per known method via t. Called
// on every successful reconnect (spec §4.2).
func (d *Dispatcher) RegisterAll(t *transport.Transport) {
	for _, method := range d.Methods() {
		_ = t.Emit(transport.EventRPCRegister, map[string]string{"method": method})
	}
}

// AsRPCHandler adapts Dispatch to transport.RPCHandler so it can be
// installed via Transport.SetRPCHandler.
func (d *Dispatcher) AsRPCHandler() transport.RPCHandler {
	return func(req transport.RPCRequest, respond func(json.RawMessage)) {
		resp := d.Dispatch(context.Background(), req.Method, req.Params, req.RequestID)
		encoded, err := d.crypto.Encrypt(resp)
		if err != nil {
			d.logger.Error("dispatcher: failed to encrypt response", zap.Error(err))
			return
		}
		respond(json.RawMessage(mustQuoteJSONString(encoded)))
	}
}

// mustQuoteJSONString wraps a base64 ciphertext string as a JSON string
// value, matching the wire contract that ack/ciphertext fields are
// base64-encoded ciphertext carried as a JSON string.
func mustQuoteJSONString(s string) []byte {
	b, _ := json.Marshal(s)
	return b
}

// Dispatch runs the full dispatch algorithm of spec §4.2 and returns the
// plaintext Response to be encrypted and sent back.
func (d *Dispatcher) Dispatch(ctx context.Context, method string, encryptedParams json.RawMessage, requestID string) Response {
	var token *CancelToken
	if requestID != "" {
		token = newCancelToken()
		d.cancelMu.Lock()
		d.cancels[requestID] = token
		d.cancelMu.Unlock()
		defer func() {
			d.cancelMu.Lock()
			delete(d.cancels, requestID)
			d.cancelMu.Unlock()
		}()
	}

	d.mu.RLock()
	h, ok := d.handlers[method]
	d.mu.RUnlock()

	if !ok {
		return d.classifyUnknownMethod(method)
	}

	var ciphertext string
	if err := json.Unmarshal(encryptedParams, &ciphertext); err != nil {
		ciphertext = string(encryptedParams)
	}
	var plaintext json.RawMessage
	if err := d.crypto.Decrypt(ciphertext, &plaintext); err != nil {
		return Response{Error: "Decryption failed", Code: CodeDecryptionFailed, Cancelled: false}
	}

	result, err := h(ctx, plaintext, token)

	cancelled := token != nil && token.IsCancelled()
	if cancelled {
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		return Response{Error: msg, Code: CodeOperationCancelled, Cancelled: true}
	}
	if err != nil {
		return Response{Error: err.Error(), Cancelled: false}
	}
	return Response{Result: result, Cancelled: false}
}

// classifyUnknownMethod implements spec §4.2 step 2's "not found" branch:
// a method whose scope prefix looks like a session id gets the structured
// SESSION_NOT_ACTIVE error (which the MachineClient intercepts to drive
// revival); anything else is a plain METHOD_NOT_FOUND.
func (d *Dispatcher) classifyUnknownMethod(method string) Response {
	prefix, name, ok := SplitMethod(method)
	if ok && len(prefix) >= sessionLikeMinLength {
		d.logger.Debug("dispatcher: session not active", zap.String("method", method))
		return Response{
			Error:     "Session not active",
			Code:      CodeSessionNotActive,
			Method:    name,
			Cancelled: false,
			Message:   fmt.Sprintf("session %q is not hosted by this machine", prefix),
		}
	}
	d.logger.Error("dispatcher: method not found", zap.String("method", method))
	return Response{Error: "Method not found", Code: CodeMethodNotFound, Cancelled: false}
}

// SplitMethod splits "<scope>:<name>" into its two parts. ok is false if
// method does not contain exactly one ':'.
func SplitMethod(method string) (scope, name string, ok bool) {
	idx := -1
	for i, c := range method {
		if c == ':' {
			if idx != -1 {
				return "", "", false
			}
			idx = i
		}
	}
	if idx <= 0 || idx == len(method)-1 {
		return "", "", false
	}
	return method[:idx], method[idx+1:], true
}

// Cancel signals the cancellation token registered under requestID, if any
// (spec §4.2's "rpc-cancel" handling).
func (d *Dispatcher) Cancel(requestID string) {
	d.cancelMu.Lock()
	token, ok := d.cancels[requestID]
	d.cancelMu.Unlock()
	if ok {
		token.signal()
	}
}

// CancelAllPendingRequests signals every outstanding cancellation token
// (spec §4.2, used on disconnect).
func (d *Dispatcher) CancelAllPendingRequests() {
	d.cancelMu.Lock()
	tokens := make([]*CancelToken, 0, len(d.cancels))
	for _, t := range d.cancels {
		tokens = append(tokens, t)
	}
	d.cancelMu.Unlock()
	for _, t := range tokens {
		t.signal()
	}
}

// HandleCancelFrame decodes an inbound "rpc-cancel" event payload and
// cancels the matching request.
func (d *Dispatcher) HandleCancelFrame(data json.RawMessage) {
	var payload struct {
		RequestID string `json:"requestId"`
		Method    string `json:"method"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.RequestID == "" {
		return
	}
	d.Cancel(payload.RequestID)
}
