// Package config loads and validates the agent's configuration surface:
// backend connection, node identity, relay (frp) tunnel settings, the
// Docker allow-list and defaults, resource reservations, and logging.
//
// Parsing itself is ambient glue (spec.md §1 places "YAML/env
// configuration parsing" out of scope as a design concern) but a loader
// still has to exist for the binary to run; it mirrors
// original_source/config.py's AgentSettings shape and precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type BackendConfig struct {
	URL                  string `yaml:"url"`
	APIKey               string `yaml:"api_key"`
	ReconnectDelaySecs   int    `yaml:"reconnect_delay_seconds"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
}

type NodeConfig struct {
	ID                       string `yaml:"id"`
	HeartbeatIntervalSeconds int    `yaml:"heartbeat_interval_seconds"`
}

type FRPConfig struct {
	ServerAddr string `yaml:"server_addr"`
	ServerPort int    `yaml:"server_port"`
	Token      string `yaml:"token"`
	FRPCPath   string `yaml:"frpc_path"`
}

type DockerDefaults struct {
	NetworkMode   string `yaml:"network_mode"`
	RestartPolicy string `yaml:"restart_policy"`
}

type DockerConfig struct {
	AllowedImages      []string       `yaml:"allowed_images"`
	Defaults           DockerDefaults `yaml:"defaults"`
	CleanupAfterSecs   int            `yaml:"cleanup_after_seconds"`
}

type ResourceConfig struct {
	MaxConcurrentRentals int     `yaml:"max_concurrent_rentals"`
	ReservedRAMGB        float64 `yaml:"reserved_ram_gb"`
	ReservedCPUCores     int     `yaml:"reserved_cpu_cores"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// AgentSettings is the root configuration object.
type AgentSettings struct {
	Backend   BackendConfig  `yaml:"backend"`
	Node      NodeConfig     `yaml:"node"`
	FRP       FRPConfig      `yaml:"frp"`
	Docker    DockerConfig   `yaml:"docker"`
	Resources ResourceConfig `yaml:"resources"`
	Logging   LoggingConfig  `yaml:"logging"`
}

// Defaults mirrors original_source/config.py's field defaults.
func Defaults() AgentSettings {
	return AgentSettings{
		Backend: BackendConfig{
			URL:                  "wss://localhost:3000/fleet",
			ReconnectDelaySecs:   5,
			MaxReconnectAttempts: 0,
		},
		Node: NodeConfig{
			HeartbeatIntervalSeconds: 5,
		},
		FRP: FRPConfig{
			ServerAddr: "localhost",
			ServerPort: 7000,
		},
		Docker: DockerConfig{
			AllowedImages: []string{
				"pytorch/pytorch:*",
				"tensorflow/tensorflow:*",
				"jupyter/scipy-notebook:*",
				"nvidia/cuda:*",
			},
			Defaults: DockerDefaults{
				NetworkMode:   "bridge",
				RestartPolicy: "no",
			},
			CleanupAfterSecs: 300,
		},
		Resources: ResourceConfig{
			ReservedRAMGB:    2.0,
			ReservedCPUCores: 1,
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "json",
		},
	}
}

// Load reads a YAML config file if path is non-empty and exists, then
// applies AGENT_*-prefixed environment overrides, nested with "__".
func Load(path string) (AgentSettings, error) {
	settings := Defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return settings, fmt.Errorf("reading config file: %w", err)
			}
			if err := yaml.Unmarshal(data, &settings); err != nil {
				return settings, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&settings)
	return settings, nil
}

// applyEnvOverrides walks the recognized AGENT_* environment variables.
// Nesting uses "__" per spec.md §6 ("env vars via AGENT_* with __ for
// nesting").
func applyEnvOverrides(s *AgentSettings) {
	if v, ok := os.LookupEnv("AGENT_BACKEND__URL"); ok {
		s.Backend.URL = v
	}
	if v, ok := os.LookupEnv("AGENT_BACKEND__API_KEY"); ok {
		s.Backend.APIKey = v
	}
	if v, ok := envInt("AGENT_BACKEND__RECONNECT_DELAY_SECONDS"); ok {
		s.Backend.ReconnectDelaySecs = v
	}
	if v, ok := envInt("AGENT_BACKEND__MAX_RECONNECT_ATTEMPTS"); ok {
		s.Backend.MaxReconnectAttempts = v
	}
	if v, ok := os.LookupEnv("AGENT_NODE__ID"); ok {
		s.Node.ID = v
	}
	if v, ok := envInt("AGENT_NODE__HEARTBEAT_INTERVAL_SECONDS"); ok {
		s.Node.HeartbeatIntervalSeconds = v
	}
	if v, ok := os.LookupEnv("AGENT_FRP__SERVER_ADDR"); ok {
		s.FRP.ServerAddr = v
	}
	if v, ok := envInt("AGENT_FRP__SERVER_PORT"); ok {
		s.FRP.ServerPort = v
	}
	if v, ok := os.LookupEnv("AGENT_FRP__TOKEN"); ok {
		s.FRP.Token = v
	}
	if v, ok := os.LookupEnv("AGENT_FRP__FRPC_PATH"); ok {
		s.FRP.FRPCPath = v
	}
	if v, ok := os.LookupEnv("AGENT_DOCKER__ALLOWED_IMAGES"); ok {
		s.Docker.AllowedImages = strings.Split(v, ",")
	}
	if v, ok := os.LookupEnv("AGENT_LOGGING__LEVEL"); ok {
		s.Logging.Level = strings.ToUpper(v)
	}
	if v, ok := os.LookupEnv("AGENT_LOGGING__FORMAT"); ok {
		s.Logging.Format = v
	}
}

func envInt(key string) (int, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

var validLogLevels = map[string]bool{
	"DEBUG": true, "INFO": true, "WARNING": true, "ERROR": true, "CRITICAL": true,
}

// ValidateRequired reports the dotted names of any required fields that
// are missing, matching original_source/config.py::validate_required.
func (s AgentSettings) ValidateRequired() []string {
	var missing []string
	if s.Backend.URL == "" {
		missing = append(missing, "backend.url")
	}
	if s.Backend.APIKey == "" {
		missing = append(missing, "backend.api_key")
	}
	if s.Node.ID == "" {
		missing = append(missing, "node.id")
	}
	if s.FRP.ServerAddr == "" {
		missing = append(missing, "frp.server_addr")
	}
	if s.FRP.Token == "" {
		missing = append(missing, "frp.token")
	}
	return missing
}

// ValidateLogLevel reports whether the configured level is recognized.
func (s AgentSettings) ValidateLogLevel() error {
	level := strings.ToUpper(s.Logging.Level)
	if !validLogLevels[level] {
		return fmt.Errorf("invalid log level: %s", s.Logging.Level)
	}
	return nil
}
