package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Runtime  RuntimeConfig  `koanf:"runtime"`
	Session  SessionConfig  `koanf:"session"`
	Terminal TerminalConfig `koanf:"terminal"`
	FileTree FileTreeConfig `koanf:"filetree"`
	Sweep    SweepConfig    `koanf:"sweep"`
	Daemon   DaemonConfig   `koanf:"daemon"`
}

type ServerConfig struct {
	Port            int    `koanf:"port"`
	LogLevel        string `koanf:"log_level"`
	ReadTimeout     string `koanf:"read_timeout"`
	WriteTimeout    string `koanf:"write_timeout"`
	IdleTimeout     string `koanf:"idle_timeout"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
}

type RuntimeConfig struct {
	Host           string `koanf:"host"`
	Image          string `koanf:"image"`
	RequestTimeout string `koanf:"request_timeout"`
	StopGrace      string `koanf:"stop_grace"`
}

type SessionConfig struct {
	WorkspaceMount string `koanf:"workspace_mount"`
	MaxInactive    string `koanf:"max_inactive"`
}

type TerminalConfig struct {
	Shell        string `koanf:"shell"`
	SendBuffer   int    `koanf:"send_buffer"`
	WriteTimeout string `koanf:"write_timeout"`
}

type FileTreeConfig struct {
	TTL           string `koanf:"ttl"`
	PruneInterval string `koanf:"prune_interval"`
	ListTimeout   string `koanf:"list_timeout"`
}

type SweepConfig struct {
	Schedule string `koanf:"schedule"`
}

type DaemonConfig struct {
	ShutdownTimeout        string `koanf:"shutdown_timeout"`
	HealthCheckInterval    string `koanf:"health_check_interval"`
	StartupShutdownTimeout string `koanf:"startup_shutdown_timeout"`
	InstanceDir            string `koanf:"instance_dir"`
}

const (
	DefaultServerPort            = 8090
	DefaultServerLogLevel        = "info"
	DefaultServerReadTimeout     = "10s"
	DefaultServerWriteTimeout    = "10s"
	DefaultServerIdleTimeout     = "120s"
	DefaultServerShutdownTimeout = "5s"

	DefaultRuntimeImage          = "hako/devbox:latest"
	DefaultRuntimeRequestTimeout = "30s"
	DefaultRuntimeStopGrace      = "10s"

	DefaultSessionWorkspaceMount = "/workspace"
	DefaultSessionMaxInactive    = "4h"

	DefaultTerminalShell        = "/bin/bash -l"
	DefaultTerminalSendBuffer   = 256
	DefaultTerminalWriteTimeout = "10s"

	DefaultFileTreeTTL           = "30s"
	DefaultFileTreePruneInterval = "5m"
	DefaultFileTreeListTimeout   = "10s"

	DefaultSweepSchedule = "@every 10m"

	DefaultDaemonShutdownTimeout        = "30s"
	DefaultDaemonHealthCheckInterval    = "30s"
	DefaultDaemonStartupShutdownTimeout = "10s"
)

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	// Hardcoded Defaults
	defaults := map[string]interface{}{
		"server.port":                     DefaultServerPort,
		"server.log_level":                DefaultServerLogLevel,
		"server.read_timeout":             DefaultServerReadTimeout,
		"server.write_timeout":            DefaultServerWriteTimeout,
		"server.idle_timeout":             DefaultServerIdleTimeout,
		"server.shutdown_timeout":         DefaultServerShutdownTimeout,
		"runtime.host":                    "",
		"runtime.image":                   DefaultRuntimeImage,
		"runtime.request_timeout":         DefaultRuntimeRequestTimeout,
		"runtime.stop_grace":              DefaultRuntimeStopGrace,
		"session.workspace_mount":         DefaultSessionWorkspaceMount,
		"session.max_inactive":            DefaultSessionMaxInactive,
		"terminal.shell":                  DefaultTerminalShell,
		"terminal.send_buffer":            DefaultTerminalSendBuffer,
		"terminal.write_timeout":          DefaultTerminalWriteTimeout,
		"filetree.ttl":                    DefaultFileTreeTTL,
		"filetree.prune_interval":         DefaultFileTreePruneInterval,
		"filetree.list_timeout":           DefaultFileTreeListTimeout,
		"sweep.schedule":                  DefaultSweepSchedule,
		"daemon.shutdown_timeout":         DefaultDaemonShutdownTimeout,
		"daemon.health_check_interval":    DefaultDaemonHealthCheckInterval,
		"daemon.startup_shutdown_timeout": DefaultDaemonStartupShutdownTimeout,
		"daemon.instance_dir":             filepath.Join(os.Getenv("HOME"), ".hako"),
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	// Config file loading
	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			globalPath := filepath.Join(home, ".hako", "config.yaml")
			if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
				slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
			}
		}
	}

	// Environment Variables
	k.Load(env.Provider("HAKO_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "HAKO_")), "_", ".", -1)
	}), nil)

	// CLI Flags
	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
