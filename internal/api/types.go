package api

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Tuning describes an active tuning in a transport-friendly format.
type Tuning struct {
	ClientID  string `json:"clientId"`
	Opcode    string `json:"opcode"`
	RequestID string `json:"requestId"`
	Value     int64  `json:"value"`
	Previous  int64  `json:"previous"`
	Target    string `json:"target"`
	Cluster   int    `json:"cluster"`
	Core      int    `json:"core"`
	CGroup    string `json:"cgroup,omitempty"`
	Priority  string `json:"priority"`
	Class     string `json:"class"`
	AppliedAt string `json:"appliedAt,omitempty"`
	ExpiresAt string `json:"expiresAt,omitempty"`
	Suspended bool   `json:"suspended"`
}

// Client describes a client session.
type Client struct {
	ID            string   `json:"id"`
	PID           int      `json:"pid"`
	Tier          string   `json:"tier"`
	Class         string   `json:"class"`
	CreatedAt     string   `json:"createdAt,omitempty"`
	LastSeen      string   `json:"lastSeen,omitempty"`
	Owned         []string `json:"owned"`
	Pending       int      `json:"pending"`
	Dead          bool     `json:"dead"`
	Recovered     bool     `json:"recovered"`
	GraceDeadline string   `json:"graceDeadline,omitempty"`
}

// Outcome reports the settled state of one request.
type Outcome struct {
	RequestID string `json:"requestId"`
	ClientID  string `json:"clientId"`
	Op        string `json:"op"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"errorKind,omitempty"`
	Total     int    `json:"total"`
	Applied   int    `json:"applied"`
	Failed    int    `json:"failed"`
	Cancelled int    `json:"cancelled"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// EngineStatus summarizes the request manager.
type EngineStatus struct {
	Mode        string `json:"mode"`
	DedupPolicy string `json:"dedupPolicy"`
	Workers     int    `json:"workers"`
	Queued      int    `json:"queued"`
	Active      int    `json:"active"`
	Suspended   int    `json:"suspended"`
	Clients     int    `json:"clients"`
	Nodes       int    `json:"nodes"`
	Slots       int    `json:"slots"`
}

// TopologyStatus summarizes the detected CPU layout.
type TopologyStatus struct {
	Brand       string `json:"brand,omitempty"`
	Vendor      string `json:"vendor,omitempty"`
	Physical    int    `json:"physicalCores"`
	Logical     int    `json:"logicalCores"`
	Online      int    `json:"onlineCpus"`
	Clusters    int    `json:"clusters"`
	Fingerprint string `json:"fingerprint"`
	Hotplug     bool   `json:"hotplug"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running        bool           `json:"running"`
	PID            int            `json:"pid"`
	StartedAt      string         `json:"startedAt,omitempty"`
	LockFilePath   string         `json:"lockFilePath"`
	SocketPath     string         `json:"socketPath"`
	RecoveryDBPath string         `json:"recoveryDbPath,omitempty"`
	RecoveryRows   int            `json:"recoveryRows"`
	GCPending      int            `json:"gcPending"`
	Engine         EngineStatus   `json:"engine"`
	Topology       TopologyStatus `json:"topology"`
}

// TuningsResponse wraps a list of tunings.
type TuningsResponse struct {
	Tunings []Tuning `json:"tunings"`
}

// ClientsResponse wraps a list of clients.
type ClientsResponse struct {
	Clients []Client `json:"clients"`
}

// OutcomeResponse wraps one outcome.
type OutcomeResponse struct {
	Outcome Outcome `json:"outcome"`
}
