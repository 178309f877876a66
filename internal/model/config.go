package model

import "fmt"

type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Worker    WorkerConfig    `yaml:"worker"`
	Agent     AgentConfig     `yaml:"agent"`
	Provision ProvisionConfig `yaml:"provision"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type StoreConfig struct {
	BaseURL           string `yaml:"base_url"`
	AuthToken         string `yaml:"auth_token,omitempty"`
	RequestTimeoutSec int    `yaml:"request_timeout_sec"`
	RetryMaxAttempts  int    `yaml:"retry_max_attempts"`
	RetryIntervalMs   int    `yaml:"retry_interval_ms"`
}

type SchedulerConfig struct {
	PollIntervalSec    int    `yaml:"poll_interval_sec"`
	SystemOwner        string `yaml:"system_owner"`
	ProvisionThreshold int    `yaml:"provision_threshold"`
	StaleThresholdMin  int    `yaml:"stale_threshold_min"`
	LinkRetryAttempts  int    `yaml:"link_retry_attempts"`
	LinkRetryDelayMs   int    `yaml:"link_retry_delay_ms"`
	StatePath          string `yaml:"state_path"`
}

type WorkerConfig struct {
	HostID               string `yaml:"host_id"`
	PollIntervalSec      int    `yaml:"poll_interval_sec"`
	HeartbeatIntervalSec int    `yaml:"heartbeat_interval_sec"`
}

type AgentConfig struct {
	Binary          string `yaml:"binary"`
	Model           string `yaml:"model,omitempty"`
	Workdir         string `yaml:"workdir"`
	PhaseTimeoutMin int    `yaml:"phase_timeout_min"`
	MaxIterations   int    `yaml:"max_iterations"`
}

type ProvisionConfig struct {
	BaseURL string `yaml:"base_url,omitempty"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ApplyDefaults fills zero-valued fields with operational defaults.
func ApplyDefaults(cfg Config) Config {
	if cfg.Store.RequestTimeoutSec <= 0 {
		cfg.Store.RequestTimeoutSec = 30
	}
	if cfg.Store.RetryMaxAttempts <= 0 {
		cfg.Store.RetryMaxAttempts = 3
	}
	if cfg.Store.RetryIntervalMs <= 0 {
		cfg.Store.RetryIntervalMs = 1000
	}
	if cfg.Scheduler.PollIntervalSec <= 0 {
		cfg.Scheduler.PollIntervalSec = 10
	}
	if cfg.Scheduler.ProvisionThreshold <= 0 {
		cfg.Scheduler.ProvisionThreshold = 5
	}
	if cfg.Scheduler.StaleThresholdMin <= 0 {
		cfg.Scheduler.StaleThresholdMin = 30
	}
	if cfg.Scheduler.LinkRetryAttempts <= 0 {
		cfg.Scheduler.LinkRetryAttempts = 3
	}
	if cfg.Scheduler.LinkRetryDelayMs <= 0 {
		cfg.Scheduler.LinkRetryDelayMs = 1000
	}
	if cfg.Worker.PollIntervalSec <= 0 {
		cfg.Worker.PollIntervalSec = 10
	}
	if cfg.Worker.HeartbeatIntervalSec <= 0 {
		cfg.Worker.HeartbeatIntervalSec = 60
	}
	if cfg.Agent.Binary == "" {
		cfg.Agent.Binary = "claude"
	}
	if cfg.Agent.PhaseTimeoutMin <= 0 {
		cfg.Agent.PhaseTimeoutMin = 20
	}
	if cfg.Agent.MaxIterations <= 0 {
		cfg.Agent.MaxIterations = 10
	}
	if cfg.Daemon.ShutdownTimeoutSec <= 0 {
		cfg.Daemon.ShutdownTimeoutSec = 30
	}
	return cfg
}

// Validate checks fields that have no sensible default.
func (c Config) Validate() error {
	if c.Store.BaseURL == "" {
		return fmt.Errorf("store.base_url is required")
	}
	if c.Scheduler.SystemOwner == "" {
		return fmt.Errorf("scheduler.system_owner is required")
	}
	return nil
}

// ValidateWorker adds the worker-only requirements on top of Validate.
func (c Config) ValidateWorker() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Worker.HostID == "" {
		return fmt.Errorf("worker.host_id is required")
	}
	return nil
}
