package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigFileName   = "config.yaml"
	alternateConfigFileName = "config.yml"
)

// fileConfig is the optional YAML config file shape, one field per Config
// field except BotToken, which is read from the environment only. All fields
// are optional; env vars always win over the file.
type fileConfig struct {
	AssistantName         string `yaml:"assistant_name"`
	LogLevel              string `yaml:"log_level"`
	Timezone              string `yaml:"timezone"`
	DBDriver              string `yaml:"db_driver"`
	DBDSN                 string `yaml:"db_dsn"`
	StateDir              string `yaml:"state_dir"`
	ProjectRoot           string `yaml:"project_root"`
	ContainerRuntime      string `yaml:"container_runtime"`
	ContainerImage        string `yaml:"container_image"`
	ContainerTimeout      string `yaml:"container_timeout"`
	MaxOutputBytes        int64  `yaml:"max_output_bytes"`
	WarmIdleTimeout       string `yaml:"warm_idle_timeout"`
	WarmReapInterval      string `yaml:"warm_reap_interval"`
	SchedulerTickInterval string `yaml:"scheduler_tick_interval"`
	MailboxPollInterval   string `yaml:"mailbox_poll_interval"`
	DebounceWindow        string `yaml:"debounce_window"`
	AllowlistFile         string `yaml:"mount_allowlist_file"`
	RebuildCommand        []string `yaml:"rebuild_command"`
	MainChatID            int64  `yaml:"main_chat_id"`
}

func loadFileConfig() (fileConfig, error) {
	path, ok, err := resolveConfigFilePath()
	if err != nil {
		return fileConfig{}, err
	}
	if !ok {
		return fileConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fileConfig{}, fmt.Errorf("decode config file %s: %w", path, err)
	}
	return cfg, nil
}

func resolveConfigFilePath() (string, bool, error) {
	if explicit := EnvString(EnvConfigFile); explicit != "" {
		resolved := ExpandUser(explicit)
		info, err := os.Stat(resolved)
		if err != nil {
			return "", false, fmt.Errorf("config file %s: %w", resolved, err)
		}
		if info.IsDir() {
			return "", false, fmt.Errorf("config file %s is a directory", resolved)
		}
		return resolved, true, nil
	}

	localCandidates := []string{
		filepath.Join(DefaultStateDir, defaultConfigFileName),
		filepath.Join(DefaultStateDir, alternateConfigFileName),
	}
	for _, candidate := range localCandidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", false, fmt.Errorf("config path %s is a directory", candidate)
			}
			return candidate, true, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}
	return "", false, nil
}

func applyYAML(cfg *Config, f fileConfig) {
	if f.AssistantName != "" {
		cfg.AssistantName = f.AssistantName
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	if f.Timezone != "" {
		cfg.Timezone = f.Timezone
	}
	if f.DBDriver != "" {
		cfg.DBDriver = f.DBDriver
	}
	if f.DBDSN != "" {
		cfg.DBDSN = f.DBDSN
	}
	if f.StateDir != "" {
		cfg.StateDir = ExpandUser(f.StateDir)
	}
	if f.ProjectRoot != "" {
		cfg.ProjectRoot = ExpandUser(f.ProjectRoot)
	}
	if f.ContainerRuntime != "" {
		cfg.ContainerRuntime = f.ContainerRuntime
	}
	if f.ContainerImage != "" {
		cfg.ContainerImage = f.ContainerImage
	}
	if d, ok := parseYAMLDuration(f.ContainerTimeout); ok {
		cfg.ContainerTimeout = d
	}
	if f.MaxOutputBytes > 0 {
		cfg.ContainerMaxOutputBytes = f.MaxOutputBytes
	}
	if d, ok := parseYAMLDuration(f.WarmIdleTimeout); ok {
		cfg.WarmIdleTimeout = d
	}
	if d, ok := parseYAMLDuration(f.WarmReapInterval); ok {
		cfg.WarmReapInterval = d
	}
	if d, ok := parseYAMLDuration(f.SchedulerTickInterval); ok {
		cfg.SchedulerTickInterval = d
	}
	if d, ok := parseYAMLDuration(f.MailboxPollInterval); ok {
		cfg.MailboxPollInterval = d
	}
	if d, ok := parseYAMLDuration(f.DebounceWindow); ok {
		cfg.DebounceWindow = d
	}
	if f.AllowlistFile != "" {
		cfg.AllowlistFile = ExpandUser(f.AllowlistFile)
	}
	if len(f.RebuildCommand) > 0 {
		cfg.RebuildCommand = f.RebuildCommand
	}
	if f.MainChatID != 0 {
		cfg.MainChatID = f.MainChatID
	}
}

func parseYAMLDuration(raw string) (time.Duration, bool) {
	if raw == "" {
		return 0, false
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}
