package receiver

import "time"

// Envelope is the wire form of one inbound message. Opcodes travel as strings
// in decimal or 0x-prefixed hex.
type Envelope struct {
	Kind      string          `json:"kind"`
	ClientID  string          `json:"client_id"`
	PID       int             `json:"pid"`
	Timestamp time.Time       `json:"timestamp"`
	Request   *RequestPayload `json:"request,omitempty"`
	Signal    *SignalPayload  `json:"signal,omitempty"`
}

// RequestPayload is the wire form of a tune, retune or untune request.
type RequestPayload struct {
	ID         string          `json:"id,omitempty"`
	Op         string          `json:"op"`
	Priority   string          `json:"priority,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	Resources  []ResourceEntry `json:"resources"`
}

// ResourceEntry is one opcode and value pair.
type ResourceEntry struct {
	Opcode  string `json:"opcode"`
	Value   int64  `json:"value"`
	Cluster int    `json:"cluster,omitempty"`
	Core    int    `json:"core,omitempty"`
	CGroup  string `json:"cgroup,omitempty"`
}

// SignalPayload is the wire form of a signal.
type SignalPayload struct {
	ID         string  `json:"id,omitempty"`
	Opcode     string  `json:"opcode"`
	Op         string  `json:"op,omitempty"`
	Priority   string  `json:"priority,omitempty"`
	DurationMS int64   `json:"duration_ms,omitempty"`
	Args       []int64 `json:"args,omitempty"`
	TargetPID  int     `json:"target_pid,omitempty"`
}

// Credentials describe the sending process as seen by the transport.
// Verified is false when the transport cannot vouch for the peer.
type Credentials struct {
	PID      int
	UID      int
	Verified bool
}
