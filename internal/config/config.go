// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/rigrun-relay/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete rigrun-relay configuration.
type Config struct {
	// General settings
	DefaultModel    string `toml:"default_model" json:"default_model"`
	DefaultProvider string `toml:"default_provider" json:"default_provider"`
	// MaxTokens is sent as max_tokens when > 0
	MaxTokens int `toml:"max_tokens" json:"max_tokens"`

	Providers ProvidersConfig `toml:"providers" json:"providers"`
	Bridge    BridgeConfig    `toml:"bridge" json:"bridge"`
	Session   SessionConfig   `toml:"session" json:"session"`
	Events    EventsConfig    `toml:"events" json:"events"`
	Host      HostConfig      `toml:"host" json:"host"`
	Logging   LoggingConfig   `toml:"logging" json:"logging"`
}

// ProvidersConfig holds per-provider settings.
type ProvidersConfig struct {
	OpenAI    ProviderConfig `toml:"openai" json:"openai"`
	Anthropic ProviderConfig `toml:"anthropic" json:"anthropic"`
}

// ProviderConfig configures one upstream provider.
type ProviderConfig struct {
	// APIKey wins over the environment and .env when set
	APIKey  string `toml:"api_key" json:"api_key"`
	BaseURL string `toml:"base_url" json:"base_url"`
	// Model is used when the provider is selected and no model is given
	Model string `toml:"model" json:"model"`
}

// BridgeConfig contains stream bridge settings.
type BridgeConfig struct {
	// TimeoutSecs auto-cancels a stream with no terminal event. 0 disables.
	TimeoutSecs int    `toml:"timeout_secs" json:"timeout_secs"`
	Endpoint    string `toml:"endpoint" json:"endpoint"`
}

// Timeout returns the stream deadline as a duration.
func (b BridgeConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSecs) * time.Second
}

// SessionConfig contains chat session settings.
type SessionConfig struct {
	// Policy is "reject" or "queue"
	Policy    string `toml:"policy" json:"policy"`
	MaxQueued int    `toml:"max_queued" json:"max_queued"`
}

// EventsConfig selects the host event transport.
type EventsConfig struct {
	// Backend is "memory" (in-process) or "nats"
	Backend       string `toml:"backend" json:"backend"`
	NATSURL       string `toml:"nats_url" json:"nats_url"`
	SubjectPrefix string `toml:"subject_prefix" json:"subject_prefix"`
	// EmbeddedServer starts an in-process NATS server when NATSURL is empty
	EmbeddedServer bool `toml:"embedded_server" json:"embedded_server"`
}

// HostConfig contains provider host settings.
type HostConfig struct {
	// RequestsPerSecond limits requests per provider. 0 = unlimited.
	RequestsPerSecond float64 `toml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `toml:"burst" json:"burst"`
	// EnvFile is an optional dotenv file read for API keys
	EnvFile string `toml:"env_file" json:"env_file"`
}

// LoggingConfig contains log output settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `toml:"level" json:"level"`
	// File additionally receives JSON logs when set
	File string `toml:"file" json:"file"`
}

// Backend names.
const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DefaultModel:    "claude-3-5-sonnet-latest",
		DefaultProvider: "anthropic",
		MaxTokens:       1024,
		Providers: ProvidersConfig{
			OpenAI: ProviderConfig{
				BaseURL: "https://api.openai.com/v1",
				Model:   "gpt-4o-mini",
			},
			Anthropic: ProviderConfig{
				BaseURL: "https://api.anthropic.com",
				Model:   "claude-3-5-sonnet-latest",
			},
		},
		Bridge: BridgeConfig{
			TimeoutSecs: 120,
			Endpoint:    "/api/chat",
		},
		Session: SessionConfig{
			Policy:    "reject",
			MaxQueued: 8,
		},
		Events: EventsConfig{
			Backend:       BackendMemory,
			SubjectPrefix: "rigrun.relay",
		},
		Host: HostConfig{
			RequestsPerSecond: 0,
			Burst:             1,
		},
		Logging: LoggingConfig{
			Level: "warn",
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the rigrun-relay configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".rigrun-relay"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// ensureSecurePermissions checks and fixes permissions on config files.
// Config files hold API keys and must be 0600.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	mode := info.Mode().Perm()
	if mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the config file(s).
// Tries TOML first, then JSON, and falls back to defaults.
// Environment overrides are applied last.
func Load() (*Config, error) {
	for _, pathFn := range []func() (string, error){ConfigPathTOML, ConfigPathJSON} {
		path, err := pathFn()
		if err != nil {
			continue
		}
		if _, statErr := os.Stat(path); statErr == nil {
			return LoadFromPath(path)
		}
	}

	cfg := Default()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML loads configuration from a TOML file into cfg.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	fillDefaults(cfg)
	return nil
}

// LoadJSON loads configuration from a JSON file into cfg.
func LoadJSON(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	fillDefaults(cfg)
	return nil
}

// LoadFromPath loads configuration from a specific file path with env
// overrides and validation. Files ending in .json are read as JSON,
// everything else as TOML. Keys absent from the file keep their defaults.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if strings.HasSuffix(path, ".json") {
		if err := LoadJSON(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load JSON config from %s: %w", path, err)
		}
	} else {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
		}
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// fillDefaults fills in empty string and zero-count values with defaults.
// Numeric settings where 0 is meaningful (timeout_secs, max_tokens,
// requests_per_second) are left alone.
func fillDefaults(cfg *Config) {
	defaults := Default()

	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaults.DefaultModel
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = defaults.DefaultProvider
	}

	// Providers
	if cfg.Providers.OpenAI.BaseURL == "" {
		cfg.Providers.OpenAI.BaseURL = defaults.Providers.OpenAI.BaseURL
	}
	if cfg.Providers.OpenAI.Model == "" {
		cfg.Providers.OpenAI.Model = defaults.Providers.OpenAI.Model
	}
	if cfg.Providers.Anthropic.BaseURL == "" {
		cfg.Providers.Anthropic.BaseURL = defaults.Providers.Anthropic.BaseURL
	}
	if cfg.Providers.Anthropic.Model == "" {
		cfg.Providers.Anthropic.Model = defaults.Providers.Anthropic.Model
	}

	// Bridge
	if cfg.Bridge.Endpoint == "" {
		cfg.Bridge.Endpoint = defaults.Bridge.Endpoint
	}

	// Session
	if cfg.Session.Policy == "" {
		cfg.Session.Policy = defaults.Session.Policy
	}
	if cfg.Session.MaxQueued == 0 {
		cfg.Session.MaxQueued = defaults.Session.MaxQueued
	}

	// Events
	if cfg.Events.Backend == "" {
		cfg.Events.Backend = defaults.Events.Backend
	}
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = defaults.Events.SubjectPrefix
	}

	// Host
	if cfg.Host.Burst == 0 {
		cfg.Host.Burst = defaults.Host.Burst
	}

	// Logging
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML saves the configuration to a TOML file with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf strings.Builder
	buf.WriteString("# rigrun-relay configuration file\n")
	buf.WriteString("# Generated by rigrun-relay - edit with care\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, []byte(buf.String()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SaveJSON saves the configuration to a JSON file with 0600 permissions.
func SaveJSON(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if strings.TrimSpace(c.DefaultModel) == "" {
		errs = append(errs, ValidationError{Field: "default_model", Message: "must not be empty"})
	}
	if strings.TrimSpace(c.DefaultProvider) == "" {
		errs = append(errs, ValidationError{Field: "default_provider", Message: "must not be empty"})
	}
	if c.MaxTokens < 0 {
		errs = append(errs, ValidationError{Field: "max_tokens", Message: fmt.Sprintf("must be >= 0, got %d", c.MaxTokens)})
	}

	for name, p := range map[string]ProviderConfig{
		"providers.openai":    c.Providers.OpenAI,
		"providers.anthropic": c.Providers.Anthropic,
	} {
		if p.BaseURL == "" {
			continue
		}
		if u, err := url.Parse(p.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, ValidationError{
				Field:   name + ".base_url",
				Message: fmt.Sprintf("invalid URL '%s'", p.BaseURL),
			})
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, ValidationError{
				Field:   name + ".base_url",
				Message: fmt.Sprintf("unsupported scheme '%s', must be http or https", u.Scheme),
			})
		}
	}

	if c.Bridge.TimeoutSecs < 0 {
		errs = append(errs, ValidationError{
			Field:   "bridge.timeout_secs",
			Message: fmt.Sprintf("must be >= 0 (0 disables), got %d", c.Bridge.TimeoutSecs),
		})
	}

	switch strings.ToLower(c.Session.Policy) {
	case "reject", "queue":
	default:
		errs = append(errs, ValidationError{
			Field:   "session.policy",
			Message: fmt.Sprintf("invalid policy '%s', must be one of: reject, queue", c.Session.Policy),
		})
	}
	if c.Session.MaxQueued < 1 {
		errs = append(errs, ValidationError{
			Field:   "session.max_queued",
			Message: fmt.Sprintf("must be >= 1, got %d", c.Session.MaxQueued),
		})
	}

	switch strings.ToLower(c.Events.Backend) {
	case BackendMemory:
	case BackendNATS:
		if c.Events.NATSURL == "" && !c.Events.EmbeddedServer {
			errs = append(errs, ValidationError{
				Field:   "events.nats_url",
				Message: "required when backend is nats (or set events.embedded_server)",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "events.backend",
			Message: fmt.Sprintf("invalid backend '%s', must be one of: memory, nats", c.Events.Backend),
		})
	}
	if c.Events.SubjectPrefix == "" || strings.ContainsAny(c.Events.SubjectPrefix, " *>") {
		errs = append(errs, ValidationError{
			Field:   "events.subject_prefix",
			Message: fmt.Sprintf("invalid subject prefix '%s'", c.Events.SubjectPrefix),
		})
	}

	if c.Host.RequestsPerSecond < 0 {
		errs = append(errs, ValidationError{Field: "host.requests_per_second", Message: "must be >= 0"})
	}
	if c.Host.Burst < 1 {
		errs = append(errs, ValidationError{Field: "host.burst", Message: "must be >= 1"})
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid level '%s', must be one of: debug, info, warn, error", c.Logging.Level),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides.
//
// Supported variables:
//   - RELAY_MODEL: overrides default_model
//   - RELAY_PROVIDER: overrides default_provider
//   - RELAY_TIMEOUT_SECS: overrides bridge.timeout_secs
//   - RELAY_EVENTS_BACKEND: overrides events.backend
//   - RELAY_NATS_URL: overrides events.nats_url
//   - RELAY_LOG_LEVEL: overrides logging.level
//
// Provider API keys are not read here; the host resolves them at request time.
func (c *Config) ApplyEnvOverrides() {
	if model := os.Getenv("RELAY_MODEL"); model != "" {
		c.DefaultModel = model
	}
	if provider := os.Getenv("RELAY_PROVIDER"); provider != "" {
		c.DefaultProvider = provider
	}
	if secs := os.Getenv("RELAY_TIMEOUT_SECS"); secs != "" {
		if n, err := strconv.Atoi(secs); err == nil {
			c.Bridge.TimeoutSecs = n
		} else {
			fmt.Fprintf(os.Stderr, "Warning: ignoring invalid RELAY_TIMEOUT_SECS %q\n", secs)
		}
	}
	if backend := os.Getenv("RELAY_EVENTS_BACKEND"); backend != "" {
		c.Events.Backend = backend
	}
	if natsURL := os.Getenv("RELAY_NATS_URL"); natsURL != "" {
		c.Events.NATSURL = natsURL
	}
	if level := os.Getenv("RELAY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// =============================================================================
// PROVIDER HELPERS
// =============================================================================

// Provider returns the settings for a provider by name.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	switch strings.ToLower(name) {
	case "openai":
		return c.Providers.OpenAI, true
	case "anthropic":
		return c.Providers.Anthropic, true
	default:
		return ProviderConfig{}, false
	}
}

// ConfiguredKeys returns the API keys set in the file, by provider.
func (c *Config) ConfiguredKeys() map[string]string {
	keys := make(map[string]string)
	if c.Providers.OpenAI.APIKey != "" {
		keys["openai"] = c.Providers.OpenAI.APIKey
	}
	if c.Providers.Anthropic.APIKey != "" {
		keys["anthropic"] = c.Providers.Anthropic.APIKey
	}
	return keys
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a configuration value using dot notation (e.g., "bridge.timeout_secs").
func (c *Config) Get(key string) (interface{}, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set sets a configuration value using dot notation (e.g., "session.policy").
func (c *Config) Set(key string, value interface{}) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(field, value)
}

// lookup walks the struct by toml tag.
func (c *Config) lookup(key string) (reflect.Value, error) {
	if strings.TrimSpace(key) == "" {
		return reflect.Value{}, errors.New("empty key")
	}
	parts := strings.Split(key, ".")

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		field, ok := fieldByTag(v, part)
		if !ok {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			return field, nil
		}
		if field.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a struct", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, fmt.Errorf("invalid key: %s", key)
}

func fieldByTag(v reflect.Value, name string) (reflect.Value, bool) {
	name = strings.ReplaceAll(strings.ToLower(name), "-", "_")
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if tag := strings.Split(t.Field(i).Tag.Get("toml"), ",")[0]; tag == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// setFieldValue sets a reflect.Value from an interface{} value with type conversion.
func setFieldValue(field reflect.Value, value interface{}) error {
	if strVal, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(strVal)
			return nil
		case reflect.Int, reflect.Int64:
			intVal, err := strconv.ParseInt(strVal, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(intVal)
			return nil
		case reflect.Float64:
			floatVal, err := strconv.ParseFloat(strVal, 64)
			if err != nil {
				return fmt.Errorf("invalid float value: %v", err)
			}
			field.SetFloat(floatVal)
			return nil
		case reflect.Bool:
			lower := strings.ToLower(strVal)
			field.SetBool(strVal == "1" || lower == "true" || lower == "yes")
			return nil
		}
	}

	val := reflect.ValueOf(value)
	if !val.IsValid() {
		return fmt.Errorf("cannot assign nil to %s", field.Type())
	}
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// GetAllKeys returns all configuration keys in dot notation.
func GetAllKeys() []string {
	return []string{
		"default_model",
		"default_provider",
		"max_tokens",
		"providers.openai.api_key",
		"providers.openai.base_url",
		"providers.openai.model",
		"providers.anthropic.api_key",
		"providers.anthropic.base_url",
		"providers.anthropic.model",
		"bridge.timeout_secs",
		"bridge.endpoint",
		"session.policy",
		"session.max_queued",
		"events.backend",
		"events.nats_url",
		"events.subject_prefix",
		"events.embedded_server",
		"host.requests_per_second",
		"host.burst",
		"host.env_file",
		"logging.level",
		"logging.file",
	}
}

// =============================================================================
// COPY AND DISPLAY
// =============================================================================

// Clone creates a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// String returns the config as indented JSON with API keys redacted.
func (c *Config) String() string {
	safe := c.Clone()
	if safe.Providers.OpenAI.APIKey != "" {
		safe.Providers.OpenAI.APIKey = util.Redact(safe.Providers.OpenAI.APIKey)
	}
	if safe.Providers.Anthropic.APIKey != "" {
		safe.Providers.Anthropic.APIKey = util.Redact(safe.Providers.Anthropic.APIKey)
	}

	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}
