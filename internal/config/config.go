// Package config loads supervisor configuration from an optional YAML file
// merged with environment variables, following the defaults -> file -> env
// precedence used throughout the teacher's config package.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Environment variables consumed by the supervisor (External Interfaces, §6).
const (
	EnvConfigFile            = "NANOCLAW_CONFIG_FILE"
	EnvAssistantName         = "NANOCLAW_ASSISTANT_NAME"
	EnvLogLevel              = "NANOCLAW_LOG_LEVEL"
	EnvTimezone              = "NANOCLAW_TIMEZONE"
	EnvDBDriver              = "NANOCLAW_DB_DRIVER"
	EnvDBDSN                 = "NANOCLAW_DB_DSN"
	EnvStateDir              = "NANOCLAW_STATE_DIR"
	EnvProjectRoot           = "NANOCLAW_PROJECT_ROOT"
	EnvContainerRuntime      = "NANOCLAW_CONTAINER_RUNTIME"
	EnvContainerImage        = "NANOCLAW_CONTAINER_IMAGE"
	EnvContainerTimeout      = "NANOCLAW_CONTAINER_TIMEOUT"
	EnvMaxOutputBytes        = "NANOCLAW_MAX_OUTPUT_BYTES"
	EnvWarmIdleTimeout       = "NANOCLAW_WARM_IDLE_TIMEOUT"
	EnvWarmReapInterval      = "NANOCLAW_WARM_REAP_INTERVAL"
	EnvSchedulerTickInterval = "NANOCLAW_SCHEDULER_TICK_INTERVAL"
	EnvMailboxPollInterval   = "NANOCLAW_MAILBOX_POLL_INTERVAL"
	EnvDebounceWindow        = "NANOCLAW_DEBOUNCE_WINDOW"
	EnvAllowlistFile         = "NANOCLAW_MOUNT_ALLOWLIST_FILE"
	EnvBotToken              = "NANOCLAW_BOT_TOKEN"
	EnvRebuildCommand        = "NANOCLAW_REBUILD_COMMAND"
	EnvMainChatID            = "NANOCLAW_MAIN_CHAT_ID"
)

// Defaults mirror the magnitudes named throughout spec.md (4.E, 4.F, 4.G, 4.H).
const (
	DefaultAssistantName         = "Nanoclaw"
	DefaultLogLevel              = "info"
	DefaultTimezone              = "UTC"
	DefaultDBDriver              = "sqlite"
	DefaultDBDSN                 = "nanoclaw.db"
	DefaultStateDir              = ".nanoclaw"
	DefaultContainerRuntime      = "docker"
	DefaultContainerImage        = "nanoclaw/worker:latest"
	DefaultContainerTimeout      = 5 * time.Minute
	DefaultMaxOutputBytes        = 10 << 20
	DefaultWarmIdleTimeout       = 30 * time.Minute
	DefaultWarmReapInterval      = 60 * time.Second
	DefaultSchedulerTickInterval = 60 * time.Second
	DefaultMailboxPollInterval   = 1 * time.Second
	DefaultDebounceWindow        = 2 * time.Second
	DefaultAllowlistFile         = ".nanoclaw/mount-allowlist.yaml"
)

// Config is the full set of supervisor settings, merged from defaults, an
// optional YAML file, and environment variables.
type Config struct {
	AssistantName string
	LogLevel      string
	Timezone      string

	DBDriver string
	DBDSN    string

	StateDir    string
	ProjectRoot string

	ContainerRuntime        string
	ContainerImage          string
	ContainerTimeout        time.Duration
	ContainerMaxOutputBytes int64
	WarmIdleTimeout         time.Duration
	WarmReapInterval        time.Duration

	SchedulerTickInterval time.Duration
	MailboxPollInterval   time.Duration
	DebounceWindow        time.Duration

	AllowlistFile string
	BotToken      string
	RebuildCommand []string

	// MainChatID is the chat ID the bot treats as the privileged main
	// workspace regardless of topic (router.Router still records a topic row
	// for it, but the Dispatch Core always uses domain.MainWorkspace as its
	// folder).
	MainChatID int64
}

func defaultConfig() Config {
	return Config{
		AssistantName:           DefaultAssistantName,
		LogLevel:                DefaultLogLevel,
		Timezone:                DefaultTimezone,
		DBDriver:                DefaultDBDriver,
		DBDSN:                   DefaultDBDSN,
		StateDir:                DefaultStateDir,
		ContainerRuntime:        DefaultContainerRuntime,
		ContainerImage:          DefaultContainerImage,
		ContainerTimeout:        DefaultContainerTimeout,
		ContainerMaxOutputBytes: DefaultMaxOutputBytes,
		WarmIdleTimeout:         DefaultWarmIdleTimeout,
		WarmReapInterval:        DefaultWarmReapInterval,
		SchedulerTickInterval:   DefaultSchedulerTickInterval,
		MailboxPollInterval:     DefaultMailboxPollInterval,
		DebounceWindow:          DefaultDebounceWindow,
		AllowlistFile:           DefaultAllowlistFile,
	}
}

// FromEnv loads configuration from defaults and environment variables only.
func FromEnv() Config {
	cfg := defaultConfig()
	applyEnv(&cfg)
	return cfg
}

// FromYAMLAndEnv loads defaults, then an optional YAML file, then
// environment variables, in that order of increasing precedence.
func FromYAMLAndEnv() (Config, error) {
	cfg := defaultConfig()

	fileCfg, err := loadFileConfig()
	if err != nil {
		return Config{}, err
	}
	applyYAML(&cfg, fileCfg)
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.AssistantName = EnvOrDefault(EnvAssistantName, cfg.AssistantName)
	cfg.LogLevel = strings.ToLower(EnvOrDefault(EnvLogLevel, cfg.LogLevel))
	cfg.Timezone = EnvOrDefault(EnvTimezone, cfg.Timezone)
	cfg.DBDriver = strings.ToLower(EnvOrDefault(EnvDBDriver, cfg.DBDriver))
	cfg.DBDSN = EnvOrDefault(EnvDBDSN, cfg.DBDSN)
	cfg.StateDir = ExpandUser(EnvOrDefault(EnvStateDir, cfg.StateDir))
	cfg.ProjectRoot = ExpandUser(EnvOrDefault(EnvProjectRoot, cfg.ProjectRoot))
	cfg.ContainerRuntime = EnvOrDefault(EnvContainerRuntime, cfg.ContainerRuntime)
	cfg.ContainerImage = EnvOrDefault(EnvContainerImage, cfg.ContainerImage)
	cfg.ContainerTimeout = parseDurationEnv(EnvContainerTimeout, cfg.ContainerTimeout)
	cfg.ContainerMaxOutputBytes = parseIntEnv(EnvMaxOutputBytes, cfg.ContainerMaxOutputBytes)
	cfg.WarmIdleTimeout = parseDurationEnv(EnvWarmIdleTimeout, cfg.WarmIdleTimeout)
	cfg.WarmReapInterval = parseDurationEnv(EnvWarmReapInterval, cfg.WarmReapInterval)
	cfg.SchedulerTickInterval = parseDurationEnv(EnvSchedulerTickInterval, cfg.SchedulerTickInterval)
	cfg.MailboxPollInterval = parseDurationEnv(EnvMailboxPollInterval, cfg.MailboxPollInterval)
	cfg.DebounceWindow = parseDurationEnv(EnvDebounceWindow, cfg.DebounceWindow)
	cfg.AllowlistFile = ExpandUser(EnvOrDefault(EnvAllowlistFile, cfg.AllowlistFile))
	cfg.BotToken = EnvOrDefault(EnvBotToken, cfg.BotToken)
	if raw := EnvString(EnvRebuildCommand); raw != "" {
		cfg.RebuildCommand = strings.Fields(raw)
	}
	cfg.MainChatID = parseIntEnv(EnvMainChatID, cfg.MainChatID)
}

// Validate reports the first invalid field, mirroring GatewayConfig.Validate.
func (c Config) Validate() error {
	if strings.TrimSpace(c.AssistantName) == "" {
		return fmt.Errorf("%s must not be empty", EnvAssistantName)
	}
	switch strings.ToLower(strings.TrimSpace(c.DBDriver)) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%s must be sqlite or postgres", EnvDBDriver)
	}
	if strings.TrimSpace(c.DBDSN) == "" {
		return fmt.Errorf("%s must not be empty", EnvDBDSN)
	}
	if strings.TrimSpace(c.StateDir) == "" {
		return fmt.Errorf("%s must not be empty", EnvStateDir)
	}
	if strings.TrimSpace(c.ContainerImage) == "" {
		return fmt.Errorf("%s must not be empty", EnvContainerImage)
	}
	if c.ContainerTimeout <= 0 {
		return fmt.Errorf("%s must be > 0", EnvContainerTimeout)
	}
	if c.ContainerMaxOutputBytes <= 0 {
		return fmt.Errorf("%s must be > 0", EnvMaxOutputBytes)
	}
	if c.SchedulerTickInterval <= 0 {
		return fmt.Errorf("%s must be > 0", EnvSchedulerTickInterval)
	}
	if c.MailboxPollInterval <= 0 {
		return fmt.Errorf("%s must be > 0", EnvMailboxPollInterval)
	}
	if c.DebounceWindow <= 0 {
		return fmt.Errorf("%s must be > 0", EnvDebounceWindow)
	}
	if _, err := LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("%s is not a valid IANA timezone: %w", EnvTimezone, err)
	}
	return nil
}

// LoadLocation resolves an IANA timezone name, defaulting empty to UTC.
func LoadLocation(name string) (*time.Location, error) {
	if strings.TrimSpace(name) == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}
