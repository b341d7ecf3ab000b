// Package corecfg defines the data types shared by every connectivity
// component: the credential presented at handshake time, the scope prefix
// that namespaces RPC methods and state blobs, and the environment-derived
// tunables that control revival behavior.
package corecfg

import (
	"os"
	"strconv"
)

// ClientType identifies which side of the wire a connection speaks for.
// It is sent as the X-Client-Type handshake header (see Credential.Headers).
type ClientType string

const (
	ClientTypeSession ClientType = "session-scoped"
	ClientTypeMachine ClientType = "machine-scoped"
)

// Credential is the bearer token and scope identifiers presented at
// handshake time. It is immutable for the lifetime of a connection —
// reconnects reuse the same Credential rather than re-deriving one.
type Credential struct {
	Token      string
	ClientType ClientType

	// SessionID and MachineID are optional; at most one is meaningful
	// depending on ClientType. Empty values are omitted from headers.
	SessionID string
	MachineID string

	// CorrelationID is an optional value surfaced in X-Correlation-ID,
	// useful for tracing a single daemon restart across reconnects.
	CorrelationID string
}

// Headers builds the handshake header set for this credential. Credentials
// never appear in the connection URL — only here, in headers — because the
// URL is commonly logged by proxies and load balancers along the way.
func (c Credential) Headers() map[string]string {
	h := map[string]string{
		"Authorization": "Bearer " + c.Token,
		"X-Client-Type": string(c.ClientType),
	}
	if c.SessionID != "" {
		h["X-Session-Id"] = c.SessionID
	}
	if c.MachineID != "" {
		h["X-Machine-Id"] = c.MachineID
	}
	if c.CorrelationID != "" {
		h["X-Correlation-ID"] = c.CorrelationID
	}
	return h
}

// Scope is the string prefix that namespaces RPC methods and state blobs.
// It is opaque to the transport: the dispatcher is the only component that
// inspects its shape (see Dispatcher.classifyUnknownMethod).
type Scope string

// Method builds the wire method name "<scope>:<method>" for this scope.
func (s Scope) Method(name string) string {
	return string(s) + ":" + name
}

// RevivalTunables holds the MachineClient's environment-derived knobs. They
// are read once at construction — see LoadRevivalTunables — per §4.5.1's
// "read once at construction from the environment and validated" contract.
type RevivalTunables struct {
	// SessionRevivalTimeoutMS bounds how long tryReviveSession waits for a
	// spawned session before giving up.
	SessionRevivalTimeoutMS int
	// MaxRevivalAttemptsPerSession caps revival attempts per session id
	// before tryReviveSession refuses outright.
	MaxRevivalAttemptsPerSession int
	// Debug enables verbose keepalive logging.
	Debug bool
}

const (
	defaultSessionRevivalTimeoutMS      = 60000
	defaultMaxRevivalAttemptsPerSession = 3
)

// LoadRevivalTunables reads HAPPY_SESSION_REVIVAL_TIMEOUT,
// HAPPY_SESSION_REVIVAL_MAX_ATTEMPTS, and DEBUG from the environment,
// falling back to defaults on missing or invalid values.
func LoadRevivalTunables() RevivalTunables {
	t := RevivalTunables{
		SessionRevivalTimeoutMS:      defaultSessionRevivalTimeoutMS,
		MaxRevivalAttemptsPerSession: defaultMaxRevivalAttemptsPerSession,
	}

	if v := os.Getenv("HAPPY_SESSION_REVIVAL_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			t.SessionRevivalTimeoutMS = n
		}
	}

	if v := os.Getenv("HAPPY_SESSION_REVIVAL_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			t.MaxRevivalAttemptsPerSession = n
		}
	}

	if v := os.Getenv("DEBUG"); v != "" && v != "0" && v != "false" {
		t.Debug = true
	}

	return t
}
