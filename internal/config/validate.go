package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateEngine(); err != nil {
		return err
	}
	if err := c.validateRateLimit(); err != nil {
		return err
	}
	if err := c.validateLiveness(); err != nil {
		return err
	}
	if err := c.validateRecovery(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateEngine() error {
	if c.Engine.Workers <= 0 {
		return errors.New("engine.workers must be positive")
	}
	if c.Engine.DequeueWaitMS <= 0 {
		return errors.New("engine.dequeue_wait_ms must be positive")
	}
	switch c.Engine.DedupPolicy {
	case DedupPolicyRetune, DedupPolicyReject:
	default:
		return fmt.Errorf("engine.dedup_policy: unsupported value %q (use %q or %q)",
			c.Engine.DedupPolicy, DedupPolicyRetune, DedupPolicyReject)
	}
	for _, uid := range c.Engine.SystemUIDs {
		if uid < 0 {
			return fmt.Errorf("engine.system_uids: invalid uid %d", uid)
		}
	}
	return nil
}

func (c *Config) validateRateLimit() error {
	if c.RateLimit.ClientRate <= 0 {
		return errors.New("rate_limit.client_rate must be positive")
	}
	if c.RateLimit.ClientBurst <= 0 {
		return errors.New("rate_limit.client_burst must be positive")
	}
	if c.RateLimit.GlobalRate <= 0 {
		return errors.New("rate_limit.global_rate must be positive")
	}
	if c.RateLimit.GlobalBurst < c.RateLimit.ClientBurst {
		return errors.New("rate_limit.global_burst must be at least rate_limit.client_burst")
	}
	if c.RateLimit.MaxActiveRequests <= 0 {
		return errors.New("rate_limit.max_active_requests must be positive")
	}
	return nil
}

func (c *Config) validateLiveness() error {
	if c.Liveness.PulseInterval <= 0 {
		return errors.New("liveness.pulse_interval must be positive")
	}
	if c.Liveness.DeadClientTimeout <= 0 {
		return errors.New("liveness.dead_client_timeout must be positive")
	}
	if c.Liveness.GCRetryInterval <= 0 {
		return errors.New("liveness.gc_retry_interval must be positive")
	}
	if c.Liveness.GCBatchSize <= 0 {
		return errors.New("liveness.gc_batch_size must be positive")
	}
	return nil
}

func (c *Config) validateRecovery() error {
	if c.Recovery.ReconnectGrace < 0 {
		return errors.New("recovery.reconnect_grace must not be negative")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	if c.Logging.RetentionDays < 0 {
		return errors.New("logging.retention_days must not be negative")
	}
	for component, level := range c.Logging.ComponentOverrides {
		switch level {
		case "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("logging.component_overrides.%s: unsupported level %q", component, level)
		}
	}
	return nil
}
