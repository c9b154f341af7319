package recovery

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"restune/internal/tuning"
)

const recordColumns = "client_id, opcode, op, request_id, target_value, previous_value, status, target_path, priority, payload, instance_id, updated_at"

// payloadVersion prefixes every encoded payload.
const payloadVersion byte = 1

// Payload carries the fields needed to rebuild an ActiveTuning that have no
// column of their own.
type Payload struct {
	Location  tuning.Location      `msgpack:"location"`
	Variant   string               `msgpack:"variant"`
	Cluster   int                  `msgpack:"cluster"`
	CPU       int                  `msgpack:"cpu"`
	CGroup    string               `msgpack:"cgroup"`
	Unit      int64                `msgpack:"unit"`
	ExpiresAt time.Time            `msgpack:"expires_at"`
	PID       int                  `msgpack:"pid"`
	Tier      tuning.Tier          `msgpack:"tier"`
	Class     tuning.PriorityClass `msgpack:"class"`
	Duration  time.Duration        `msgpack:"duration"`
	AppliedAt time.Time            `msgpack:"applied_at"`
	// Suspended tunings are recorded but not physically applied.
	Suspended bool `msgpack:"suspended"`
}

func encodePayload(p Payload) ([]byte, error) {
	data, err := msgpack.Marshal(&p)
	if err != nil {
		return nil, err
	}
	return append([]byte{payloadVersion}, data...), nil
}

func decodePayload(raw []byte) (Payload, error) {
	var p Payload
	if len(raw) == 0 {
		return p, nil
	}
	if raw[0] != payloadVersion {
		return p, fmt.Errorf("unsupported payload version %d", raw[0])
	}
	if err := msgpack.Unmarshal(raw[1:], &p); err != nil {
		return p, err
	}
	return p, nil
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (*Record, error) {
	var (
		client     string
		opcode     int64
		opRaw      string
		requestID  string
		target     int64
		previous   int64
		status     string
		path       sql.NullString
		priority   int
		payloadRaw []byte
		instanceID string
		updatedRaw string
	)
	if err := scanner.Scan(
		&client, &opcode, &opRaw, &requestID, &target, &previous,
		&status, &path, &priority, &payloadRaw, &instanceID, &updatedRaw,
	); err != nil {
		return nil, err
	}

	op, err := tuning.ParseOpKind(opRaw)
	if err != nil {
		return nil, err
	}
	payload, err := decodePayload(payloadRaw)
	if err != nil {
		return nil, fmt.Errorf("decode payload for %s/%d: %w", client, opcode, err)
	}
	rec := &Record{
		Client:        tuning.ClientID(client),
		Opcode:        tuning.Opcode(opcode),
		Op:            op,
		RequestID:     tuning.RequestID(requestID),
		TargetValue:   target,
		PreviousValue: previous,
		Status:        Status(status),
		TargetPath:    path.String,
		Priority:      tuning.Priority(priority),
		Payload:       payload,
		InstanceID:    instanceID,
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		rec.UpdatedAt = updated
	}
	return rec, nil
}

// timeLayout has a fixed width so updated_at sorts as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}
