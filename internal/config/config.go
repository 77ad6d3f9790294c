package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// ToolConfig declares one external tool the daemon will accept calls for.
// The schema is written as YAML in the config file and carried as JSON on
// the wire.
type ToolConfig struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Trust       string         `yaml:"trust"`
	Class       string         `yaml:"class"`
	Schema      map[string]any `yaml:"schema"`
}

// ClassLimit is one rate-limit class: at most Cap executions per Window.
type ClassLimit struct {
	Cap    int
	Window time.Duration
}

type fileClassLimit struct {
	Cap    *int   `yaml:"cap"`
	Window string `yaml:"window"`
}

type fileConfig struct {
	SocketPath       string                    `yaml:"socket_path"`
	StoragePath      string                    `yaml:"storage_path"`
	AuditLog         string                    `yaml:"audit_log"`
	MaxFrame         int                       `yaml:"max_frame"`
	ConfirmTimeout   string                    `yaml:"confirm_timeout"`
	DefaultTrust     string                    `yaml:"default_trust"`
	Trust            map[string]string         `yaml:"trust"`
	Tools            []ToolConfig              `yaml:"tools"`
	RateLimitCap     *int                      `yaml:"rate_limit_cap"`
	RateLimitWindow  string                    `yaml:"rate_limit_window"`
	RateLimitClasses map[string]fileClassLimit `yaml:"rate_limit_classes"`
	ProviderBaseURL  string                    `yaml:"provider_base_url"`
	ProviderModel    string                    `yaml:"provider_model"`
	ProviderTimeout  string                    `yaml:"provider_timeout"`
	ProviderRetries  *int                      `yaml:"provider_retries"`
	Temperature      *float64                  `yaml:"temperature"`
	MaxTokens        int                       `yaml:"max_tokens"`
	LogLevel         string                    `yaml:"log_level"`
	LogFormat        string                    `yaml:"log_format"`
}

type Config struct {
	SocketPath       string
	StoragePath      string
	AuditLog         string
	MaxFrame         int
	ConfirmTimeout   time.Duration
	DefaultTrust     string
	Trust            map[string]string
	Tools            []ToolConfig
	RateLimitCap     int
	RateLimitWindow  time.Duration
	RateLimitClasses map[string]ClassLimit
	ProviderBaseURL  string
	ProviderAPIKey   string
	ProviderModel    string
	ProviderTimeout  time.Duration
	ProviderRetries  int
	Temperature      float64
	MaxTokens        int
	LogLevel         string
	LogFormat        string
}

// ProviderConfigured reports whether a real model endpoint is set up; when
// false the daemon runs in echo mode.
func (c Config) ProviderConfigured() bool {
	return strings.TrimSpace(c.ProviderBaseURL) != ""
}

func Load(configPath string) (Config, error) {
	_ = loadDotEnv(".env")
	cfg := defaultConfig()
	if strings.TrimSpace(configPath) != "" {
		if err := applyYAMLConfig(&cfg, configPath); err != nil {
			return Config{}, err
		}
	}
	applyEnvOverrides(&cfg)
	if err := normalizeAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultConfig() Config {
	cwd, _ := os.Getwd()
	dataDir := filepath.Join(cwd, "data")
	return Config{
		SocketPath:       filepath.Join(dataDir, "agentd.sock"),
		StoragePath:      filepath.Join(dataDir, "agentd.db"),
		AuditLog:         filepath.Join(dataDir, "audit.jsonl"),
		MaxFrame:         16 * 1024 * 1024,
		ConfirmTimeout:   60 * time.Second,
		DefaultTrust:     "confirm",
		Trust:            map[string]string{},
		RateLimitCap:     3,
		RateLimitWindow:  60 * time.Second,
		RateLimitClasses: map[string]ClassLimit{},
		ProviderBaseURL:  os.Getenv("AGENTD_BASE_URL"),
		ProviderAPIKey:   os.Getenv("AGENTD_API_KEY"),
		ProviderModel:    "z-ai/glm5",
		ProviderTimeout:  180 * time.Second,
		ProviderRetries:  2,
		Temperature:      0.2,
		MaxTokens:        1200,
		LogLevel:         "info",
		LogFormat:        "console",
	}
}

func applyYAMLConfig(cfg *Config, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse yaml config: %w", err)
	}
	if v := strings.TrimSpace(fc.SocketPath); v != "" {
		cfg.SocketPath = v
	}
	if v := strings.TrimSpace(fc.StoragePath); v != "" {
		cfg.StoragePath = v
	}
	if v := strings.TrimSpace(fc.AuditLog); v != "" {
		cfg.AuditLog = v
	}
	if fc.MaxFrame > 0 {
		cfg.MaxFrame = fc.MaxFrame
	}
	if v := strings.TrimSpace(fc.ConfirmTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid confirm_timeout in yaml: %w", err)
		}
		cfg.ConfirmTimeout = d
	}
	if v := strings.TrimSpace(fc.DefaultTrust); v != "" {
		cfg.DefaultTrust = v
	}
	if len(fc.Trust) > 0 {
		cfg.Trust = normalizeMapKeys(fc.Trust)
	}
	if len(fc.Tools) > 0 {
		cfg.Tools = append([]ToolConfig(nil), fc.Tools...)
	}
	if fc.RateLimitCap != nil && *fc.RateLimitCap >= 0 {
		cfg.RateLimitCap = *fc.RateLimitCap
	}
	if v := strings.TrimSpace(fc.RateLimitWindow); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid rate_limit_window in yaml: %w", err)
		}
		cfg.RateLimitWindow = d
	}
	if len(fc.RateLimitClasses) > 0 {
		classes := make(map[string]ClassLimit, len(fc.RateLimitClasses))
		for name, fl := range fc.RateLimitClasses {
			name = strings.ToLower(strings.TrimSpace(name))
			if name == "" {
				continue
			}
			cl := ClassLimit{Cap: cfg.RateLimitCap, Window: cfg.RateLimitWindow}
			if fl.Cap != nil && *fl.Cap >= 0 {
				cl.Cap = *fl.Cap
			}
			if v := strings.TrimSpace(fl.Window); v != "" {
				d, err := time.ParseDuration(v)
				if err != nil {
					return fmt.Errorf("invalid window for rate limit class %q: %w", name, err)
				}
				cl.Window = d
			}
			classes[name] = cl
		}
		cfg.RateLimitClasses = classes
	}
	if v := strings.TrimSpace(fc.ProviderBaseURL); v != "" {
		cfg.ProviderBaseURL = v
	}
	if v := strings.TrimSpace(fc.ProviderModel); v != "" {
		cfg.ProviderModel = v
	}
	if v := strings.TrimSpace(fc.ProviderTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid provider_timeout in yaml: %w", err)
		}
		cfg.ProviderTimeout = d
	}
	if fc.ProviderRetries != nil && *fc.ProviderRetries >= 0 {
		cfg.ProviderRetries = *fc.ProviderRetries
	}
	if fc.Temperature != nil && *fc.Temperature >= 0 {
		cfg.Temperature = *fc.Temperature
	}
	if fc.MaxTokens > 0 {
		cfg.MaxTokens = fc.MaxTokens
	}
	if v := strings.TrimSpace(fc.LogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(fc.LogFormat); v != "" {
		cfg.LogFormat = v
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("AGENTD_SOCKET")); v != "" {
		cfg.SocketPath = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTD_STORAGE_PATH")); v != "" {
		cfg.StoragePath = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTD_AUDIT_LOG")); v != "" {
		cfg.AuditLog = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTD_BASE_URL")); v != "" {
		cfg.ProviderBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTD_API_KEY")); v != "" {
		cfg.ProviderAPIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTD_MODEL")); v != "" {
		cfg.ProviderModel = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTD_CONFIRM_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.ConfirmTimeout = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("AGENTD_RATE_LIMIT_CAP")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.RateLimitCap = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("AGENTD_RATE_LIMIT_WINDOW")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.RateLimitWindow = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("AGENTD_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTD_LOG_FORMAT")); v != "" {
		cfg.LogFormat = v
	}
}

func normalizeAndValidate(cfg *Config) error {
	cfg.SocketPath = strings.TrimSpace(cfg.SocketPath)
	if cfg.SocketPath == "" {
		return errors.New("socket_path is required")
	}
	for _, p := range []*string{&cfg.SocketPath, &cfg.StoragePath, &cfg.AuditLog} {
		abs, err := filepath.Abs(strings.TrimSpace(*p))
		if err != nil {
			return fmt.Errorf("resolve path %q: %w", *p, err)
		}
		*p = abs
	}
	if err := os.MkdirAll(filepath.Dir(cfg.StoragePath), 0o755); err != nil {
		return fmt.Errorf("ensure storage dir: %w", err)
	}

	if cfg.MaxFrame <= 0 {
		cfg.MaxFrame = 16 * 1024 * 1024
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}

	cfg.DefaultTrust = strings.ToLower(strings.TrimSpace(cfg.DefaultTrust))
	if !validTrust(cfg.DefaultTrust) {
		return fmt.Errorf("default_trust %q is not one of none, confirm, double_confirm", cfg.DefaultTrust)
	}
	for pattern, level := range cfg.Trust {
		if !validTrust(strings.ToLower(strings.TrimSpace(level))) {
			return fmt.Errorf("trust override %q has invalid level %q", pattern, level)
		}
	}

	seen := map[string]struct{}{}
	for i, tc := range cfg.Tools {
		name := strings.ToLower(strings.TrimSpace(tc.Name))
		if name == "" {
			return fmt.Errorf("tools[%d] is missing a name", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("tool %q is declared twice", name)
		}
		seen[name] = struct{}{}
		trust := strings.ToLower(strings.TrimSpace(tc.Trust))
		if trust == "" {
			trust = cfg.DefaultTrust
		}
		if !validTrust(trust) {
			return fmt.Errorf("tool %q has invalid trust %q", name, tc.Trust)
		}
		cfg.Tools[i].Name = name
		cfg.Tools[i].Trust = trust
		cfg.Tools[i].Class = strings.ToLower(strings.TrimSpace(tc.Class))
	}

	if cfg.RateLimitCap < 0 {
		cfg.RateLimitCap = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = 60 * time.Second
	}
	if cfg.ProviderRetries < 0 {
		cfg.ProviderRetries = 0
	}
	if cfg.ProviderRetries > 6 {
		cfg.ProviderRetries = 6
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 180 * time.Second
	}
	if cfg.Temperature < 0 {
		cfg.Temperature = 0
	}
	if cfg.Temperature > 1 {
		cfg.Temperature = 1
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1200
	}
	return nil
}

// SchemaJSON converts a tool's YAML schema into the JSON form used on the
// wire and in validation.
func (tc ToolConfig) SchemaJSON() (json.RawMessage, error) {
	if len(tc.Schema) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(tc.Schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema for tool %q: %w", tc.Name, err)
	}
	return raw, nil
}

func validTrust(v string) bool {
	switch v {
	case "none", "confirm", "double_confirm":
		return true
	default:
		return false
	}
}

func normalizeMapKeys(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}

func loadDotEnv(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		k := strings.TrimSpace(line[:idx])
		v := strings.TrimSpace(line[idx+1:])
		if (strings.HasPrefix(v, "\"") && strings.HasSuffix(v, "\"")) || (strings.HasPrefix(v, "'") && strings.HasSuffix(v, "'")) {
			v = strings.Trim(v, "\"'")
		}
		if os.Getenv(k) == "" {
			_ = os.Setenv(k, v)
		}
	}
	return nil
}
