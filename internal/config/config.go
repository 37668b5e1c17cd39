package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/raven2cz/avatar-engine-sub000/pkg/client"
)

// Config is the client configuration.
type Config struct {
	ServerURL    string `json:"server_url,omitempty" yaml:"server_url,omitempty"`
	WSPath       string `json:"ws_path,omitempty" yaml:"ws_path,omitempty"`
	UploadPath   string `json:"upload_path,omitempty" yaml:"upload_path,omitempty"`
	HistoryPath  string `json:"history_path,omitempty" yaml:"history_path,omitempty"`
	SessionsPath string `json:"sessions_path,omitempty" yaml:"sessions_path,omitempty"`
	Token        string `json:"token,omitempty" yaml:"token,omitempty"`

	// Provider and Model are requested with a switch after connecting.
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model    string `json:"model,omitempty" yaml:"model,omitempty"`

	ReconnectDelayMs int `json:"reconnect_delay_ms,omitempty" yaml:"reconnect_delay_ms,omitempty"`
	HeartbeatMs      int `json:"heartbeat_ms,omitempty" yaml:"heartbeat_ms,omitempty"`
	WatchdogBaseMs   int `json:"watchdog_base_ms,omitempty" yaml:"watchdog_base_ms,omitempty"`
	WatchdogPerMBMs  int `json:"watchdog_per_mb_ms,omitempty" yaml:"watchdog_per_mb_ms,omitempty"`

	LogLevel string `json:"log_level,omitempty" yaml:"log_level,omitempty"`

	// Permissions maps tool-name patterns to allow, deny or ask.
	Permissions map[string]string `json:"permissions,omitempty" yaml:"permissions,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ServerURL:        "http://localhost:8420",
		WSPath:           "/api/avatar/ws",
		UploadPath:       client.DefaultUploadPath,
		HistoryPath:      client.DefaultHistoryPath,
		SessionsPath:     client.DefaultSessionsPath,
		ReconnectDelayMs: int(client.DefaultReconnectDelay / time.Millisecond),
		HeartbeatMs:      30000,
		WatchdogBaseMs:   30000,
		WatchdogPerMBMs:  3000,
		LogLevel:         "INFO",
	}
}

var configNames = []string{"config.json", "config.jsonc", "config.yaml", "config.yml"}

// Load loads configuration from multiple sources (priority order):
// 1. Built-in defaults
// 2. Global config ($XDG_CONFIG_HOME/avatar/config.*)
// 3. Project config (.avatar/config.*)
// 4. AVATAR_CONFIG file
// 5. .env in directory
// 6. Environment variables
func Load(directory string) (*Config, error) {
	cfg := Default()

	loaded := make(map[string]bool)
	loadOnce := func(path string) error {
		absPath, err := filepath.Abs(path)
		if err != nil || loaded[absPath] {
			return nil
		}
		if err := loadConfigFile(path, cfg); err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		loaded[absPath] = true
		return nil
	}

	globalDir := GetPaths().Config
	for _, name := range configNames {
		if err := loadOnce(filepath.Join(globalDir, name)); err != nil {
			return nil, err
		}
	}

	if directory != "" {
		projectDir := ProjectConfigDir(directory)
		for _, name := range configNames {
			if err := loadOnce(filepath.Join(projectDir, name)); err != nil {
				return nil, err
			}
		}
	}

	if configPath := os.Getenv("AVATAR_CONFIG"); configPath != "" {
		if err := loadConfigFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("AVATAR_CONFIG: %w", err)
		}
	}

	dotenv := map[string]string{}
	if directory != "" {
		if env, err := godotenv.Read(filepath.Join(directory, ".env")); err == nil {
			dotenv = env
		}
	}
	applyEnvOverrides(cfg, func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return dotenv[key]
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadConfigFile merges one JSON, JSONC or YAML file into cfg.
func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	data = interpolate(data)

	var fileConfig Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &fileConfig)
	default:
		err = json.Unmarshal(jsonc.ToJSON(data), &fileConfig)
	}
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	mergeConfig(cfg, &fileConfig)
	return nil
}

var envPattern = regexp.MustCompile(`\{env:([^}]+)\}`)

// interpolate replaces {env:VAR} placeholders.
func interpolate(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// mergeConfig merges non-zero fields of source into target.
func mergeConfig(target, source *Config) {
	mergeString(&target.ServerURL, source.ServerURL)
	mergeString(&target.WSPath, source.WSPath)
	mergeString(&target.UploadPath, source.UploadPath)
	mergeString(&target.HistoryPath, source.HistoryPath)
	mergeString(&target.SessionsPath, source.SessionsPath)
	mergeString(&target.Token, source.Token)
	mergeString(&target.Provider, source.Provider)
	mergeString(&target.Model, source.Model)
	mergeString(&target.LogLevel, source.LogLevel)
	mergeInt(&target.ReconnectDelayMs, source.ReconnectDelayMs)
	mergeInt(&target.HeartbeatMs, source.HeartbeatMs)
	mergeInt(&target.WatchdogBaseMs, source.WatchdogBaseMs)
	mergeInt(&target.WatchdogPerMBMs, source.WatchdogPerMBMs)
	for pattern, action := range source.Permissions {
		if target.Permissions == nil {
			target.Permissions = make(map[string]string)
		}
		target.Permissions[pattern] = action
	}
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func mergeInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

// applyEnvOverrides applies AVATAR_* variables. Malformed numbers are ignored.
func applyEnvOverrides(cfg *Config, getenv func(string) string) {
	mergeString(&cfg.ServerURL, getenv("AVATAR_SERVER_URL"))
	mergeString(&cfg.WSPath, getenv("AVATAR_WS_PATH"))
	mergeString(&cfg.Token, getenv("AVATAR_TOKEN"))
	mergeString(&cfg.Provider, getenv("AVATAR_PROVIDER"))
	mergeString(&cfg.Model, getenv("AVATAR_MODEL"))
	mergeString(&cfg.LogLevel, getenv("AVATAR_LOG_LEVEL"))

	ints := map[string]*int{
		"AVATAR_RECONNECT_DELAY_MS": &cfg.ReconnectDelayMs,
		"AVATAR_HEARTBEAT_MS":       &cfg.HeartbeatMs,
		"AVATAR_WATCHDOG_BASE_MS":   &cfg.WatchdogBaseMs,
		"AVATAR_WATCHDOG_PER_MB_MS": &cfg.WatchdogPerMBMs,
	}
	for key, dst := range ints {
		if v := getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
}

// Validate checks that the server URL is usable.
func (c *Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server_url %q: %w", c.ServerURL, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("invalid server_url %q: unsupported scheme %q", c.ServerURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid server_url %q: missing host", c.ServerURL)
	}
	return nil
}

// WebSocketURL returns the socket endpoint derived from ServerURL and WSPath.
func (c *Config) WebSocketURL() (string, error) {
	return client.WebSocketURL(c.ServerURL, c.WSPath)
}

// HTTPBaseURL returns ServerURL with an http(s) scheme.
func (c *Config) HTTPBaseURL() string {
	switch {
	case strings.HasPrefix(c.ServerURL, "ws://"):
		return "http://" + strings.TrimPrefix(c.ServerURL, "ws://")
	case strings.HasPrefix(c.ServerURL, "wss://"):
		return "https://" + strings.TrimPrefix(c.ServerURL, "wss://")
	}
	return c.ServerURL
}

// ReconnectDelay returns the reconnect delay as a duration.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMs) * time.Millisecond
}

// Heartbeat returns the ping interval. Zero disables it.
func (c *Config) Heartbeat() time.Duration {
	if c.HeartbeatMs <= 0 {
		return 0
	}
	return time.Duration(c.HeartbeatMs) * time.Millisecond
}

// WatchdogBase returns the base response watchdog.
func (c *Config) WatchdogBase() time.Duration {
	return time.Duration(c.WatchdogBaseMs) * time.Millisecond
}

// WatchdogPerMB returns the watchdog extension per started MB of attachments.
func (c *Config) WatchdogPerMB() time.Duration {
	return time.Duration(c.WatchdogPerMBMs) * time.Millisecond
}

// Save writes the configuration as YAML or JSON depending on the extension.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
