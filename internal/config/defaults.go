package config

const (
	defaultConfigPath        = "~/.config/restune/config.toml"
	defaultStateDir          = "~/.local/state/restune"
	defaultLogDir            = "~/.local/state/restune/logs"
	defaultDescriptorsPath   = "~/.config/restune/descriptors.yaml"
	defaultSocketName        = "restune.sock"
	defaultWorkers           = 4
	defaultDequeueWaitMS     = 500
	defaultDedupPolicy       = DedupPolicyRetune
	defaultOutcomeCacheSize  = 1024
	defaultResolveCacheSize  = 512
	defaultClientRate        = 20
	defaultClientBurst       = 10
	defaultGlobalRate        = 400
	defaultGlobalBurst       = 200
	defaultMaxActiveRequests = 50
	defaultPulseInterval     = 60
	defaultDeadClientTimeout = 120
	defaultGCRetryInterval   = 30
	defaultGCBatchSize       = 5
	defaultReconnectGrace    = 30
	defaultSysfsRoot         = "/sys"
	defaultLogFormat         = "console"
	defaultLogLevel          = "info"
	defaultLogRetentionDays  = 14
)

// Duplicate handling policies for a fresh tune on a key the client already holds.
const (
	// DedupPolicyRetune turns the second tune into a retune of the active tuning,
	// or coalesces it into the queued entry when the first is still pending.
	DedupPolicyRetune = "retune"
	// DedupPolicyReject answers the second tune with a Duplicate error.
	DedupPolicyReject = "reject"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir:        defaultStateDir,
			LogDir:          defaultLogDir,
			DescriptorsPath: defaultDescriptorsPath,
		},
		Engine: Engine{
			Workers:          defaultWorkers,
			DequeueWaitMS:    defaultDequeueWaitMS,
			DedupPolicy:      defaultDedupPolicy,
			SystemUIDs:       []int{0},
			OutcomeCacheSize: defaultOutcomeCacheSize,
			ResolveCacheSize: defaultResolveCacheSize,
		},
		RateLimit: RateLimit{
			ClientRate:        defaultClientRate,
			ClientBurst:       defaultClientBurst,
			GlobalRate:        defaultGlobalRate,
			GlobalBurst:       defaultGlobalBurst,
			MaxActiveRequests: defaultMaxActiveRequests,
		},
		Liveness: Liveness{
			PulseInterval:     defaultPulseInterval,
			DeadClientTimeout: defaultDeadClientTimeout,
			GCRetryInterval:   defaultGCRetryInterval,
			GCBatchSize:       defaultGCBatchSize,
			ProbeProcess:      true,
		},
		Recovery: Recovery{
			Enabled:        true,
			ReconnectGrace: defaultReconnectGrace,
		},
		Topology: Topology{
			SysfsRoot:    defaultSysfsRoot,
			WatchHotplug: true,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
