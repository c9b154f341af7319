package tuning

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ClientID identifies a client session. Transports choose the format; the ipc
// server uses "<pid>:<session>".
type ClientID string

// Opcode identifies a logical resource or a signal.
type Opcode uint32

// String renders the opcode in hex, the form descriptor files use.
func (o Opcode) String() string {
	return fmt.Sprintf("0x%08x", uint32(o))
}

// ParseOpcode accepts decimal or 0x-prefixed hex.
func ParseOpcode(value string) (Opcode, error) {
	trimmed := strings.TrimSpace(value)
	parsed, err := strconv.ParseUint(trimmed, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("parse opcode %q: %w", value, err)
	}
	return Opcode(parsed), nil
}

// RequestID identifies one client request. Several queue entries may share it.
type RequestID string

// OpKind is the operation a request performs.
type OpKind uint8

const (
	OpTune OpKind = iota + 1
	OpRetune
	OpUntune
)

func (k OpKind) String() string {
	switch k {
	case OpTune:
		return "tune"
	case OpRetune:
		return "retune"
	case OpUntune:
		return "untune"
	default:
		return "unknown"
	}
}

// Valid reports whether k is a known operation.
func (k OpKind) Valid() bool {
	return k >= OpTune && k <= OpUntune
}

// ParseOpKind maps a wire string to an OpKind.
func ParseOpKind(value string) (OpKind, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "tune":
		return OpTune, nil
	case "retune":
		return OpRetune, nil
	case "untune":
		return OpUntune, nil
	default:
		return 0, fmt.Errorf("unknown operation %q", value)
	}
}

// PriorityClass is the priority a client asks for.
type PriorityClass uint8

const (
	PriorityHigh PriorityClass = iota + 1
	PriorityLow
)

func (p PriorityClass) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriorityClass maps a wire string to a class. Empty means low.
func ParsePriorityClass(value string) (PriorityClass, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "high":
		return PriorityHigh, nil
	case "low", "":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", value)
	}
}

// Tier is the permission tier of a client.
type Tier uint8

const (
	TierThirdParty Tier = iota + 1
	TierSystem
)

func (t Tier) String() string {
	switch t {
	case TierSystem:
		return "system"
	case TierThirdParty:
		return "third_party"
	default:
		return "unknown"
	}
}

// ParseTier maps a descriptor string to a tier. Empty means third party.
func ParseTier(value string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "system":
		return TierSystem, nil
	case "third_party", "thirdparty", "":
		return TierThirdParty, nil
	default:
		return 0, fmt.Errorf("unknown permission tier %q", value)
	}
}

// Allows reports whether a client of tier t may use something requiring tier required.
func (t Tier) Allows(required Tier) bool {
	return t >= required
}

// Priority is the effective priority of a queued entry or arbitration entry.
// Larger values win.
type Priority uint8

const (
	PriorityThirdPartyLow Priority = iota + 1
	PriorityThirdPartyHigh
	PrioritySystemLow
	PrioritySystemHigh
	// PriorityInternal is reserved for daemon-issued work such as expiry and
	// garbage collection untunes.
	PriorityInternal
)

func (p Priority) String() string {
	switch p {
	case PriorityThirdPartyLow:
		return "third_party_low"
	case PriorityThirdPartyHigh:
		return "third_party_high"
	case PrioritySystemLow:
		return "system_low"
	case PrioritySystemHigh:
		return "system_high"
	case PriorityInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Effective combines a client tier with the class it requested.
func Effective(tier Tier, class PriorityClass) Priority {
	if tier == TierSystem {
		if class == PriorityHigh {
			return PrioritySystemHigh
		}
		return PrioritySystemLow
	}
	if class == PriorityHigh {
		return PriorityThirdPartyHigh
	}
	return PriorityThirdPartyLow
}

// Mode is a bitmask of operational modes.
type Mode uint8

const (
	ModeResume Mode = 1 << iota
	ModeSuspend
	ModeDoze

	ModeAll = ModeResume | ModeSuspend | ModeDoze
)

func (m Mode) String() string {
	if m == 0 {
		return "none"
	}
	var parts []string
	if m&ModeResume != 0 {
		parts = append(parts, "resume")
	}
	if m&ModeSuspend != 0 {
		parts = append(parts, "suspend")
	}
	if m&ModeDoze != 0 {
		parts = append(parts, "doze")
	}
	return strings.Join(parts, "|")
}

// ParseModes parses names such as "resume", "suspend|doze" or "all".
func ParseModes(values []string) (Mode, error) {
	var mode Mode
	for _, raw := range values {
		for _, name := range strings.Split(raw, "|") {
			switch strings.ToLower(strings.TrimSpace(name)) {
			case "resume", "display_on":
				mode |= ModeResume
			case "suspend", "display_off":
				mode |= ModeSuspend
			case "doze":
				mode |= ModeDoze
			case "all":
				mode |= ModeAll
			case "":
			default:
				return 0, fmt.Errorf("unknown mode %q", name)
			}
		}
	}
	return mode, nil
}

// Location addresses a logical target inside a resource: a logical cluster and
// core for per-cpu knobs, or a cgroup name.
type Location struct {
	Cluster int    `json:"cluster" msgpack:"cluster"`
	Core    int    `json:"core" msgpack:"core"`
	CGroup  string `json:"cgroup,omitempty" msgpack:"cgroup"`
}

// ResourceValue pairs an opcode with the value a client wants it to hold.
type ResourceValue struct {
	Opcode   Opcode
	Value    int64
	Location Location
}

// Key is the dedup key of a tuning.
type Key struct {
	Client ClientID
	Opcode Opcode
}

func (k Key) String() string {
	return string(k.Client) + "/" + k.Opcode.String()
}

// Request asks the daemon to tune, retune or untune one or more resources.
type Request struct {
	ID        RequestID
	Op        OpKind
	Priority  PriorityClass
	Duration  time.Duration
	Resources []ResourceValue
}

// Signal carries control events and signal bundle activations.
type Signal struct {
	ID        RequestID
	Opcode    Opcode
	Op        OpKind
	Priority  PriorityClass
	Duration  time.Duration
	Args      []int64
	TargetPID int
}

// Control signal opcodes handled by the daemon itself.
const (
	SignalHeartbeat  Opcode = 0xFFFF0001
	SignalModeChange Opcode = 0xFFFF0002
)

// IsControl reports whether the opcode is a built-in control signal.
func (o Opcode) IsControl() bool {
	return o == SignalHeartbeat || o == SignalModeChange
}

// MessageKind discriminates Message payloads.
type MessageKind uint8

const (
	KindRequest MessageKind = iota + 1
	KindSignal
)

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindSignal:
		return "signal"
	default:
		return "unknown"
	}
}

// Message is the typed form of an inbound message. Exactly one of Request and
// Signal is set, matching Kind.
type Message struct {
	Kind      MessageKind
	Client    ClientID
	PID       int
	Tier      Tier
	Timestamp time.Time
	Request   *Request
	Signal    *Signal
}

// Validate checks structural consistency only; registry checks happen later.
func (m Message) Validate() error {
	if strings.TrimSpace(string(m.Client)) == "" {
		return Errorf(ErrMalformedRequest, "message without client id")
	}
	switch m.Kind {
	case KindRequest:
		if m.Request == nil || m.Signal != nil {
			return Errorf(ErrMalformedRequest, "request message payload mismatch")
		}
		return m.Request.Validate()
	case KindSignal:
		if m.Signal == nil || m.Request != nil {
			return Errorf(ErrMalformedRequest, "signal message payload mismatch")
		}
		if m.Signal.Duration < 0 {
			return Errorf(ErrMalformedRequest, "negative signal duration")
		}
		return nil
	default:
		return Errorf(ErrMalformedRequest, "unknown message kind %d", m.Kind)
	}
}

// Validate checks the request shape.
func (r *Request) Validate() error {
	if !r.Op.Valid() {
		return Errorf(ErrMalformedRequest, "unknown operation %d", r.Op)
	}
	if r.Priority != PriorityHigh && r.Priority != PriorityLow {
		return Errorf(ErrMalformedRequest, "unknown priority %d", r.Priority)
	}
	if r.Duration < 0 {
		return Errorf(ErrMalformedRequest, "negative duration")
	}
	if len(r.Resources) == 0 {
		return Errorf(ErrMalformedRequest, "request carries no resources")
	}
	seen := make(map[Opcode]struct{}, len(r.Resources))
	for _, res := range r.Resources {
		if _, dup := seen[res.Opcode]; dup {
			return Errorf(ErrMalformedRequest, "opcode %s listed twice", res.Opcode)
		}
		seen[res.Opcode] = struct{}{}
	}
	return nil
}
