package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"fluxbus/internal/topic"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for fluxbus.
type Config struct {
	General GeneralConfig `json:"general"`
	Worker  WorkerConfig  `json:"worker"`
	Server  ServerConfig  `json:"server"`
	Uplinks []UplinkEntry `json:"uplinks,omitempty"`
	Store   StoreConfig   `json:"store"`
	Metrics MetricsConfig `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel  string `json:"logLevel"`
	LogFormat string `json:"logFormat"` // "text" | "json"
	LogFile   string `json:"logFile"`
}

// WorkerConfig selects the context hosting the topic registry.
type WorkerConfig struct {
	URL                 string `json:"url"` // "" or inproc:// for in-process, ws://host:port/worker otherwise
	CallTimeoutSeconds  int    `json:"callTimeoutSeconds"`
	SpawnTimeoutSeconds int    `json:"spawnTimeoutSeconds"`
}

// ServerConfig configures the socket server started by serve.
type ServerConfig struct {
	Enabled    bool   `json:"enabled"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	SocketPath string `json:"socketPath"`
	WorkerPath string `json:"workerPath"`
}

// UplinkEntry mirrors the socket at URL under Topic + ".socket".
type UplinkEntry struct {
	Topic string `json:"topic"`
	URL   string `json:"url"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.fluxbus).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fluxbus"
	}
	return filepath.Join(home, ".fluxbus")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a JSON or YAML (.yaml, .yml) config file over the defaults.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	if isYAML(path) {
		if data, err = yamlToJSON(data); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// yamlToJSON re-encodes a YAML document as JSON so both formats share the
// json field names.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(doc)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes cfg as JSON, or YAML when path ends in .yaml or .yml.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if isYAML(path) {
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		if data, err = yaml.Marshal(doc); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "", "text", "json":
		// valid
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}

	if u := cfg.Worker.URL; u != "" && !strings.HasPrefix(u, "inproc://") &&
		!strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		errs = append(errs, "worker.url must be empty, inproc://, ws:// or wss://")
	}
	if cfg.Worker.CallTimeoutSeconds < 1 {
		errs = append(errs, "worker.callTimeoutSeconds must be >= 1")
	}
	if cfg.Worker.SpawnTimeoutSeconds < 1 {
		errs = append(errs, "worker.spawnTimeoutSeconds must be >= 1")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Server.Enabled && cfg.Server.SocketPath == cfg.Server.WorkerPath {
		errs = append(errs, "server.socketPath and server.workerPath must differ")
	}

	seen := make(map[string]bool)
	for i, u := range cfg.Uplinks {
		if _, err := topic.Parse(u.Topic); err != nil {
			errs = append(errs, fmt.Sprintf("uplinks.%d.topic: %v", i, err))
		}
		if seen[u.Topic] {
			errs = append(errs, fmt.Sprintf("uplinks.%d.topic: duplicate %s", i, u.Topic))
		}
		seen[u.Topic] = true
		if parsed, err := url.Parse(u.URL); err != nil || parsed.Scheme == "" {
			errs = append(errs, fmt.Sprintf("uplinks.%d.url: not a url: %q", i, u.URL))
		}
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
