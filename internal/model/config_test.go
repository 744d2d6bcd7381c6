package model

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
agent:
  display_name: garden-cam
  url_hostname: cam1.local
  tcp_port1: 8080
  heartbeat_ms: 250
intents:
  write_period_sec: 60
camera:
  enabled: true
  cache_path: /var/cache/hostagent
  reboot_on_failure: true
  reboot_command: [/sbin/reboot, -f]
auth:
  session_capacity: 16
logging:
  level: debug
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "garden-cam", cfg.Agent.DisplayName)
	assert.Equal(t, "cam1.local", cfg.Agent.URLHostname)
	assert.Equal(t, 8080, cfg.Agent.TCPPort1)
	assert.Equal(t, 250*time.Millisecond, cfg.Agent.Heartbeat())
	assert.Equal(t, 60, cfg.Intents.WritePeriodSec)
	assert.True(t, cfg.Camera.Enabled)
	assert.True(t, cfg.Camera.RebootOnFailure)
	assert.Equal(t, []string{"/sbin/reboot", "-f"}, cfg.Camera.RebootCommand)
	assert.Equal(t, 16, cfg.Auth.SessionCapacity)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Config{}, cfg)
	assert.Equal(t, 500*time.Millisecond, cfg.Agent.Heartbeat())
	assert.Equal(t, 10*time.Second, cfg.Agent.StatusPeriod())
	assert.Equal(t, 30*time.Second, cfg.Agent.InvokeTimeout())
	assert.Equal(t, 30*time.Second, cfg.Daemon.ShutdownTimeout())
}

func TestLoadConfig_ParseError(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "agent: [unterminated"))
	assert.ErrorContains(t, err, "parse")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"zero", Config{}, ""},
		{"ip hostname", Config{Agent: AgentConfig{URLHostname: "192.168.1.20"}}, ""},
		{"bad hostname", Config{Agent: AgentConfig{URLHostname: "not a host"}}, "agent.url_hostname"},
		{"bad bind address", Config{Agent: AgentConfig{BindAddress: "localhost"}}, "agent.bind_address"},
		{"port range", Config{Agent: AgentConfig{TCPPort2: 70000}}, "agent.tcp_port2"},
		{"authorize path", Config{Auth: AuthConfig{AuthorizePath: "auth"}}, "auth.authorize_path"},
		{"log level", Config{Logging: LoggingConfig{Level: "verbose"}}, "logging.level"},
		{"log level case", Config{Logging: LoggingConfig{Level: "WARN"}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestLoadConfig_ValidationError(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "agent:\n  udp_port: -1\n"))
	assert.ErrorContains(t, err, "agent.udp_port")
}
