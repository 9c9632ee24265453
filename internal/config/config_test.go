package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tether.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `version: "1.0"
transport:
  url: "ws://localhost:8080/ws"
  reconnect_base_delay: 2s
  max_reconnect_attempts: 0
engine:
  retry_attempts: 5
  conflict_detection: false
  version_field: "version"
form:
  debounce_interval: 150ms
api:
  base_url: "http://localhost:8080/api"
logging:
  level: debug
  json: true
`)

	config, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DriverWebSocket, config.Transport.Driver)
	assert.Equal(t, "ws://localhost:8080/ws", config.Transport.URL)
	assert.Equal(t, 2*time.Second, config.Transport.ReconnectBaseDelay)
	assert.Equal(t, 0, *config.Transport.MaxReconnectAttempts, "explicit zero is kept")
	assert.Equal(t, 5, *config.Engine.RetryAttempts)
	assert.False(t, *config.Engine.ConflictDetection)
	assert.True(t, *config.Engine.HeuristicMatching)
	assert.Equal(t, 150*time.Millisecond, config.Form.DebounceInterval)
	assert.Equal(t, "debug", config.Logging.Level)
	assert.True(t, config.Logging.JSON)
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `version: "1.0"
transport:
  url: "ws://localhost/ws"
`)

	config, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, time.Second, config.Transport.ReconnectBaseDelay)
	assert.Equal(t, 30*time.Second, config.Transport.ReconnectMaxDelay)
	assert.Equal(t, 5, *config.Transport.MaxReconnectAttempts)
	assert.Equal(t, 3, *config.Engine.RetryAttempts)
	assert.Equal(t, []string{"name", "email", "title"}, config.Engine.MatchFields)
	assert.Equal(t, 30*time.Second, config.Engine.MatchWindow)
	assert.Equal(t, 300*time.Millisecond, config.Form.DebounceInterval)
	assert.Equal(t, "info", config.Logging.Level)
}

func TestLoad_FileNotFound(t *testing.T) {
	config, err := Load("/nonexistent/tether.yml")
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, `version: "1.0"
transport:
  - this is invalid
    yaml syntax
`)

	config, err := Load(path)
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `version: "1.0"
transport:
  url: "ws://file/ws"
  token: "file-token"
`)
	t.Setenv(EnvURL, "ws://env/ws")
	t.Setenv(EnvToken, "env-token")

	config, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://env/ws", config.Transport.URL)
	assert.Equal(t, "env-token", config.Transport.Token)
}

func TestValidate(t *testing.T) {
	negative := -1

	tests := []struct {
		name    string
		config  TetherConfig
		wantErr string
	}{
		{
			name:    "unsupported version",
			config:  TetherConfig{Version: "2.0"},
			wantErr: "unsupported version: 2.0",
		},
		{
			name:    "unknown driver",
			config:  TetherConfig{Version: "1.0", Transport: TransportConfig{Driver: "mqtt"}},
			wantErr: "invalid transport.driver",
		},
		{
			name:    "websocket url scheme",
			config:  TetherConfig{Version: "1.0", Transport: TransportConfig{URL: "http://localhost"}},
			wantErr: "ws:// or wss://",
		},
		{
			name:    "redis url accepted",
			config:  TetherConfig{Version: "1.0", Transport: TransportConfig{Driver: DriverRedis, URL: "redis://localhost:6379/0"}},
			wantErr: "",
		},
		{
			name: "reconnect delays out of order",
			config: TetherConfig{Version: "1.0", Transport: TransportConfig{
				ReconnectBaseDelay: time.Minute,
				ReconnectMaxDelay:  time.Second,
			}},
			wantErr: "reconnect_max_delay",
		},
		{
			name:    "negative reconnect attempts",
			config:  TetherConfig{Version: "1.0", Transport: TransportConfig{MaxReconnectAttempts: &negative}},
			wantErr: "max_reconnect_attempts must be >= 0",
		},
		{
			name:    "negative retry attempts",
			config:  TetherConfig{Version: "1.0", Engine: &EngineConfig{RetryAttempts: &negative}},
			wantErr: "retry_attempts must be >= 0",
		},
		{
			name:    "api url scheme",
			config:  TetherConfig{Version: "1.0", API: &APIConfig{BaseURL: "localhost:8080"}},
			wantErr: "api.base_url",
		},
		{
			name:    "log level",
			config:  TetherConfig{Version: "1.0", Logging: &LoggingConfig{Level: "verbose"}},
			wantErr: "invalid logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConversions(t *testing.T) {
	config := Default()
	config.Engine.VersionField = "version"

	ch := config.ChannelConfig()
	assert.Equal(t, 5, ch.MaxReconnectAttempts)
	assert.Equal(t, time.Second, ch.ReconnectBaseDelay)

	eng := config.EngineOptions()
	assert.Equal(t, 3, eng.MaxRetries)
	assert.True(t, eng.ConflictDetection)
	assert.Equal(t, "version", eng.VersionField)

	eng.MatchFields[0] = "changed"
	assert.Equal(t, "name", config.Engine.MatchFields[0], "conversion copies slices")
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	path := writeConfig(t, `version: "1.0"
transport:
  url: "ws://one/ws"
`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *TetherConfig, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c *TetherConfig, err error) {
			if err == nil {
				reloaded <- c
			}
		})
	}()

	// Give the watcher time to register before writing
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`version: "1.0"
transport:
  url: "ws://two/ws"
`), 0644))

	select {
	case c := <-reloaded:
		assert.Equal(t, "ws://two/ws", c.Transport.URL)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestWatch_ReportsInvalidConfig(t *testing.T) {
	path := writeConfig(t, `version: "1.0"
transport:
  url: "ws://one/ws"
`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	failures := make(chan error, 4)
	go Watch(ctx, path, func(_ *TetherConfig, err error) {
		if err != nil {
			failures <- err
		}
	})

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`version: "9"`), 0644))

	select {
	case err := <-failures:
		assert.Contains(t, err.Error(), "unsupported version")
	case <-time.After(5 * time.Second):
		t.Fatal("invalid config was not reported")
	}
}

func TestLoad_RedisNamespaceDefault(t *testing.T) {
	path := writeConfig(t, `version: "1.0"
transport:
  driver: redis
  url: "redis://localhost:6379/0"
`)

	config, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultNamespace, config.Transport.Namespace)
}
