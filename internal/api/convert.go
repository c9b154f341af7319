package api

import (
	"time"

	"restune/internal/clients"
	"restune/internal/engine"
	"restune/internal/topology"
)

// FromActiveTuning converts an engine tuning to its API representation.
func FromActiveTuning(at engine.ActiveTuning) Tuning {
	return Tuning{
		ClientID:  string(at.Key.Client),
		Opcode:    at.Key.Opcode.String(),
		RequestID: string(at.RequestID),
		Value:     at.Value,
		Previous:  at.Previous,
		Target:    at.Target.Key(),
		Cluster:   at.Location.Cluster,
		Core:      at.Location.Core,
		CGroup:    at.Location.CGroup,
		Priority:  at.Priority.String(),
		Class:     at.Class.String(),
		AppliedAt: formatTime(at.AppliedAt),
		ExpiresAt: formatTime(at.ExpiresAt),
		Suspended: at.Suspended,
	}
}

// FromActiveTunings converts a slice, keeping order.
func FromActiveTunings(list []engine.ActiveTuning) []Tuning {
	out := make([]Tuning, 0, len(list))
	for _, at := range list {
		out = append(out, FromActiveTuning(at))
	}
	return out
}

// FromClientInfo converts a client record.
func FromClientInfo(info clients.Info) Client {
	owned := make([]string, 0, len(info.Owned))
	for _, key := range info.Owned {
		owned = append(owned, key.Opcode.String())
	}
	return Client{
		ID:            string(info.ID),
		PID:           info.PID,
		Tier:          info.Tier.String(),
		Class:         info.Class.String(),
		CreatedAt:     formatTime(info.CreatedAt),
		LastSeen:      formatTime(info.LastSeen),
		Owned:         owned,
		Pending:       len(info.Pending),
		Dead:          info.Dead,
		Recovered:     info.Recovered,
		GraceDeadline: formatTime(info.GraceDeadline),
	}
}

// FromClientInfos converts a slice, keeping order.
func FromClientInfos(list []clients.Info) []Client {
	out := make([]Client, 0, len(list))
	for _, info := range list {
		out = append(out, FromClientInfo(info))
	}
	return out
}

// FromOutcome converts a request outcome.
func FromOutcome(o engine.Outcome) Outcome {
	return Outcome{
		RequestID: string(o.RequestID),
		ClientID:  string(o.Client),
		Op:        o.Op.String(),
		Status:    string(o.Status),
		Error:     o.Error,
		ErrorKind: o.ErrorKind,
		Total:     o.Total,
		Applied:   o.Applied,
		Failed:    o.Failed,
		Cancelled: o.Cancelled,
		UpdatedAt: formatTime(o.UpdatedAt),
	}
}

// FromSnapshot converts an engine snapshot.
func FromSnapshot(s engine.Snapshot) EngineStatus {
	return EngineStatus{
		Mode:        s.Mode.String(),
		DedupPolicy: s.DedupPolicy,
		Workers:     s.Workers,
		Queued:      s.Queued,
		Active:      s.Active,
		Suspended:   s.Suspended,
		Clients:     s.Clients,
		Nodes:       s.Nodes,
		Slots:       s.Slots,
	}
}

// FromTopology converts a topology snapshot. A nil topology yields a zero value.
func FromTopology(topo *topology.Topology, hotplug bool) TopologyStatus {
	if topo == nil {
		return TopologyStatus{Hotplug: hotplug}
	}
	return TopologyStatus{
		Brand:       topo.Brand,
		Vendor:      topo.Vendor,
		Physical:    topo.Physical,
		Logical:     topo.Logical,
		Online:      topo.OnlineCount(),
		Clusters:    len(topo.Clusters),
		Fingerprint: topo.Fingerprint(),
		Hotplug:     hotplug,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}
