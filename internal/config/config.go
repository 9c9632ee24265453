package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dyluth/tether/pkg/reconcile"
	"github.com/dyluth/tether/pkg/transport"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the CLI looks for a config file.
const DefaultPath = "tether.yml"

// Environment variables that override the file.
const (
	EnvURL   = "TETHER_URL"
	EnvToken = "TETHER_TOKEN"
)

// DefaultNamespace prefixes Redis channels and lock keys.
const DefaultNamespace = "tether"

// Transport drivers.
const (
	DriverWebSocket = "websocket"
	DriverRedis     = "redis"
)

// TetherConfig represents the top-level tether.yml configuration
type TetherConfig struct {
	Version   string          `yaml:"version"`
	Transport TransportConfig `yaml:"transport"`
	Engine    *EngineConfig   `yaml:"engine,omitempty"`
	Form      *FormConfig     `yaml:"form,omitempty"`
	API       *APIConfig      `yaml:"api,omitempty"`
	Logging   *LoggingConfig  `yaml:"logging,omitempty"`
}

// TransportConfig specifies the push connection
type TransportConfig struct {
	Driver    string `yaml:"driver,omitempty"` // "websocket" (default) or "redis"
	URL       string `yaml:"url"`              // ws(s):// endpoint or redis:// address
	Token     string `yaml:"token,omitempty"`
	Namespace string `yaml:"namespace,omitempty"` // Redis key/channel prefix

	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay,omitempty"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay,omitempty"`
	MaxReconnectAttempts *int          `yaml:"max_reconnect_attempts,omitempty"` // 0 = never give up
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout,omitempty"`
	RequestTimeout       time.Duration `yaml:"request_timeout,omitempty"`
	PingInterval         time.Duration `yaml:"ping_interval,omitempty"` // 0 disables heartbeats
}

// EngineConfig tunes reconciliation
type EngineConfig struct {
	IDField            string        `yaml:"id_field,omitempty"`
	RetryAttempts      *int          `yaml:"retry_attempts,omitempty"`
	RetryDelay         time.Duration `yaml:"retry_delay,omitempty"`
	MaxRetryDelay      time.Duration `yaml:"max_retry_delay,omitempty"`
	RequestTimeout     time.Duration `yaml:"request_timeout,omitempty"`
	ConflictDetection  *bool         `yaml:"conflict_detection,omitempty"`
	HeuristicMatching  *bool         `yaml:"heuristic_matching,omitempty"`
	MatchFields        []string      `yaml:"match_fields,omitempty"`
	MatchWindow        time.Duration `yaml:"match_window,omitempty"`
	VersionField       string        `yaml:"version_field,omitempty"`
	SyncOnBulkComplete bool          `yaml:"sync_on_bulk_complete,omitempty"`
}

// FormConfig tunes form synchronization
type FormConfig struct {
	DebounceInterval time.Duration `yaml:"debounce_interval,omitempty"`
}

// APIConfig points at the REST API backing the gateway
type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// LoggingConfig selects log level and encoding
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"` // debug, info, warn, error
	JSON  bool   `yaml:"json,omitempty"`
}

// Default returns a configuration with every default applied and no URL.
func Default() *TetherConfig {
	c := &TetherConfig{Version: "1.0"}
	c.applyDefaults()
	return c
}

// Validate applies defaults and performs strict validation on the configuration
func (c *TetherConfig) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}
	c.applyDefaults()

	if err := c.Transport.Validate(); err != nil {
		return err
	}
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	if c.API.BaseURL != "" && !strings.HasPrefix(c.API.BaseURL, "http://") && !strings.HasPrefix(c.API.BaseURL, "https://") {
		return fmt.Errorf("api.base_url must be an http(s) URL, got %q", c.API.BaseURL)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %s (must be 'debug', 'info', 'warn', or 'error')", c.Logging.Level)
	}
	return nil
}

func (c *TetherConfig) applyDefaults() {
	t := &c.Transport
	if t.Driver == "" {
		t.Driver = DriverWebSocket
	}
	if t.Driver == DriverRedis && t.Namespace == "" {
		t.Namespace = DefaultNamespace
	}
	td := transport.DefaultConfig()
	if t.ReconnectBaseDelay == 0 {
		t.ReconnectBaseDelay = td.ReconnectBaseDelay
	}
	if t.ReconnectMaxDelay == 0 {
		t.ReconnectMaxDelay = td.ReconnectMaxDelay
	}
	if t.MaxReconnectAttempts == nil {
		attempts := td.MaxReconnectAttempts
		t.MaxReconnectAttempts = &attempts
	}
	if t.HandshakeTimeout == 0 {
		t.HandshakeTimeout = td.HandshakeTimeout
	}
	if t.RequestTimeout == 0 {
		t.RequestTimeout = td.RequestTimeout
	}

	if c.Engine == nil {
		c.Engine = &EngineConfig{}
	}
	e := c.Engine
	ed := reconcile.DefaultConfig()
	if e.IDField == "" {
		e.IDField = ed.IDField
	}
	if e.RetryAttempts == nil {
		attempts := ed.MaxRetries
		e.RetryAttempts = &attempts
	}
	if e.RetryDelay == 0 {
		e.RetryDelay = ed.RetryDelay
	}
	if e.MaxRetryDelay == 0 {
		e.MaxRetryDelay = ed.MaxRetryDelay
	}
	if e.RequestTimeout == 0 {
		e.RequestTimeout = ed.RequestTimeout
	}
	if e.ConflictDetection == nil {
		on := ed.ConflictDetection
		e.ConflictDetection = &on
	}
	if e.HeuristicMatching == nil {
		on := ed.HeuristicMatching
		e.HeuristicMatching = &on
	}
	if len(e.MatchFields) == 0 {
		e.MatchFields = ed.MatchFields
	}
	if e.MatchWindow == 0 {
		e.MatchWindow = ed.MatchWindow
	}

	if c.Form == nil {
		c.Form = &FormConfig{}
	}
	if c.Form.DebounceInterval == 0 {
		c.Form.DebounceInterval = 300 * time.Millisecond
	}

	if c.API == nil {
		c.API = &APIConfig{}
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = ed.RequestTimeout
	}

	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate performs validation on the transport section
func (t *TransportConfig) Validate() error {
	switch t.Driver {
	case DriverWebSocket:
		if t.URL != "" && !strings.HasPrefix(t.URL, "ws://") && !strings.HasPrefix(t.URL, "wss://") {
			return fmt.Errorf("transport.url must be a ws:// or wss:// URL for the websocket driver, got %q", t.URL)
		}
	case DriverRedis:
	default:
		return fmt.Errorf("invalid transport.driver: %s (must be 'websocket' or 'redis')", t.Driver)
	}
	if t.ReconnectBaseDelay < 0 || t.ReconnectMaxDelay < 0 {
		return fmt.Errorf("transport reconnect delays must be positive")
	}
	if t.ReconnectMaxDelay < t.ReconnectBaseDelay {
		return fmt.Errorf("transport.reconnect_max_delay (%s) must be >= reconnect_base_delay (%s)", t.ReconnectMaxDelay, t.ReconnectBaseDelay)
	}
	if *t.MaxReconnectAttempts < 0 {
		return fmt.Errorf("transport.max_reconnect_attempts must be >= 0 (0 = unlimited), got %d", *t.MaxReconnectAttempts)
	}
	return nil
}

// Validate performs validation on the engine section
func (e *EngineConfig) Validate() error {
	if *e.RetryAttempts < 0 {
		return fmt.Errorf("engine.retry_attempts must be >= 0, got %d", *e.RetryAttempts)
	}
	if e.MaxRetryDelay < e.RetryDelay {
		return fmt.Errorf("engine.max_retry_delay (%s) must be >= retry_delay (%s)", e.MaxRetryDelay, e.RetryDelay)
	}
	return nil
}

// ChannelConfig converts the transport section for transport.NewChannel.
func (c *TetherConfig) ChannelConfig() transport.Config {
	t := c.Transport
	return transport.Config{
		ReconnectBaseDelay:   t.ReconnectBaseDelay,
		ReconnectMaxDelay:    t.ReconnectMaxDelay,
		MaxReconnectAttempts: *t.MaxReconnectAttempts,
		HandshakeTimeout:     t.HandshakeTimeout,
		RequestTimeout:       t.RequestTimeout,
		PingInterval:         t.PingInterval,
	}
}

// EngineOptions converts the engine section for reconcile.New.
func (c *TetherConfig) EngineOptions() *reconcile.Config {
	e := c.Engine
	return &reconcile.Config{
		IDField:            e.IDField,
		MaxRetries:         *e.RetryAttempts,
		RetryDelay:         e.RetryDelay,
		MaxRetryDelay:      e.MaxRetryDelay,
		RequestTimeout:     e.RequestTimeout,
		ConflictDetection:  *e.ConflictDetection,
		HeuristicMatching:  *e.HeuristicMatching,
		MatchFields:        append([]string(nil), e.MatchFields...),
		MatchWindow:        e.MatchWindow,
		VersionField:       e.VersionField,
		SyncOnBulkComplete: e.SyncOnBulkComplete,
	}
}

// ApplyEnv overrides the URL and token from the environment when set.
func (c *TetherConfig) ApplyEnv() {
	if v := os.Getenv(EnvURL); v != "" {
		c.Transport.URL = v
	}
	if v := os.Getenv(EnvToken); v != "" {
		c.Transport.Token = v
	}
}

// Load reads tether.yml from the specified path, applies environment overrides
// and validates it
func Load(path string) (*TetherConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config TetherConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}
