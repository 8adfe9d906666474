package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"burrow/internal/channel"
	"burrow/internal/groupqueue"
	"burrow/internal/sandbox"
	"burrow/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultAdminAddr       = "127.0.0.1:8090"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultHTTPIdleTimeout = 60 * time.Second
	defaultShutdownTimeout = 15 * time.Second

	defaultDataDir           = "data"
	defaultAssistantName     = "Andy"
	defaultQueueCapacity     = 5
	defaultRetryMax          = 3
	defaultRetryBase         = 10 * time.Second
	defaultRetryMaxDelay     = 5 * time.Minute
	defaultRunIdleTimeout    = 30 * time.Second
	defaultSchedulerInterval = 30 * time.Second
	defaultIPCInterval       = 2 * time.Second
)

// AdminConfig holds the admin HTTP API settings.
type AdminConfig struct {
	Addr         string        `yaml:"addr"`
	JWTSecret    string        `yaml:"jwtSecret"`
	JWTIssuer    string        `yaml:"jwtIssuer"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// AgentConfig holds the agent identity and workspace roots.
type AgentConfig struct {
	// AssistantName is how the agent signs its messages; inbound messages
	// carrying this prefix are treated as the agent's own output.
	AssistantName string `yaml:"assistantName"`
	// MainGroupFolder names the privileged group.
	MainGroupFolder string `yaml:"mainGroupFolder"`
	// GroupsDir holds one read-write workspace per group.
	GroupsDir string `yaml:"groupsDir"`
	// StateDir holds per-run directories and the IPC outboxes.
	StateDir string `yaml:"stateDir"`
	// AllowlistPath is the mount allowlist file. Runs refuse to start when it
	// cannot be loaded.
	AllowlistPath string `yaml:"allowlistPath"`
	// DBPath is the SQLite database file.
	DBPath string `yaml:"dbPath"`
	// IdleTimeout closes a live run's input channel after this long without
	// agent output.
	IdleTimeout time.Duration `yaml:"idleTimeout"`
}

// ContainerConfig holds sandbox container settings.
type ContainerConfig struct {
	CLI            string        `yaml:"cli"`
	Image          string        `yaml:"image"`
	MemoryLimit    string        `yaml:"memoryLimit"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxOutputBytes int64         `yaml:"maxOutputBytes"`
}

// QueueConfig holds run admission settings.
type QueueConfig struct {
	Capacity      int           `yaml:"capacity"`
	RetryMax      int           `yaml:"retryMax"`
	RetryBase     time.Duration `yaml:"retryBaseDelay"`
	RetryMaxDelay time.Duration `yaml:"retryMaxDelay"`
}

// PollConfig holds the background loop intervals.
type PollConfig struct {
	Scheduler time.Duration `yaml:"scheduler"`
	IPC       time.Duration `yaml:"ipc"`
}

// AppConfig holds orchestrator config.
type AppConfig struct {
	Logger    logger.Config          `yaml:"logger"`
	Admin     AdminConfig            `yaml:"admin"`
	Telegram  channel.TelegramConfig `yaml:"telegram"`
	Agent     AgentConfig            `yaml:"agent"`
	Container ContainerConfig        `yaml:"container"`
	Queue     QueueConfig            `yaml:"queue"`
	Poll      PollConfig             `yaml:"poll"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Telegram.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if cfg.Agent.AllowlistPath == "" {
		return nil, fmt.Errorf("mount allowlist path is required")
	}
	if cfg.Agent.MainGroupFolder == "" {
		return nil, fmt.Errorf("main group folder is required")
	}
	if cfg.Container.Image == "" {
		return nil, fmt.Errorf("container image is required")
	}
	if cfg.Agent.AssistantName == "" {
		cfg.Agent.AssistantName = defaultAssistantName
	}
	if cfg.Agent.GroupsDir == "" {
		cfg.Agent.GroupsDir = filepath.Join(defaultDataDir, "groups")
	}
	if cfg.Agent.StateDir == "" {
		cfg.Agent.StateDir = filepath.Join(defaultDataDir, "state")
	}
	if cfg.Agent.DBPath == "" {
		cfg.Agent.DBPath = filepath.Join(defaultDataDir, "burrow.db")
	}
	if cfg.Agent.IdleTimeout == 0 {
		cfg.Agent.IdleTimeout = defaultRunIdleTimeout
	}
	if cfg.Queue.Capacity <= 0 {
		cfg.Queue.Capacity = defaultQueueCapacity
	}
	if cfg.Queue.RetryMax <= 0 {
		cfg.Queue.RetryMax = defaultRetryMax
	}
	if cfg.Queue.RetryBase == 0 {
		cfg.Queue.RetryBase = defaultRetryBase
	}
	if cfg.Queue.RetryMaxDelay == 0 {
		cfg.Queue.RetryMaxDelay = defaultRetryMaxDelay
	}
	if cfg.Poll.Scheduler == 0 {
		cfg.Poll.Scheduler = defaultSchedulerInterval
	}
	if cfg.Poll.IPC == 0 {
		cfg.Poll.IPC = defaultIPCInterval
	}
	if cfg.Admin.Addr == "" {
		cfg.Admin.Addr = defaultAdminAddr
	}
	if cfg.Admin.ReadTimeout == 0 {
		cfg.Admin.ReadTimeout = defaultReadTimeout
	}
	if cfg.Admin.WriteTimeout == 0 {
		cfg.Admin.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Admin.IdleTimeout == 0 {
		cfg.Admin.IdleTimeout = defaultHTTPIdleTimeout
	}
	return &cfg, nil
}

func (c ContainerConfig) toRunnerConfig(agent AgentConfig) sandbox.Config {
	return sandbox.Config{
		ContainerCLI:   c.CLI,
		Image:          c.Image,
		MemoryLimit:    c.MemoryLimit,
		GroupsDir:      agent.GroupsDir,
		StateDir:       agent.StateDir,
		Timeout:        c.Timeout,
		MaxOutputBytes: c.MaxOutputBytes,
	}
}

func (q QueueConfig) toQueueConfig() groupqueue.Config {
	return groupqueue.Config{
		Capacity:      q.Capacity,
		RetryMax:      q.RetryMax,
		RetryBase:     q.RetryBase,
		RetryMaxDelay: q.RetryMaxDelay,
	}
}
