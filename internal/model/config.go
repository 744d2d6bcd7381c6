// Package model defines the agent configuration file.
package model

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the configuration file inside the conf directory.
const ConfigFileName = "agent.yaml"

// Config is the YAML agent configuration. Zero values select defaults.
type Config struct {
	Agent   AgentConfig   `yaml:"agent"`
	Intents IntentsConfig `yaml:"intents"`
	Camera  CameraConfig  `yaml:"camera"`
	Auth    AuthConfig    `yaml:"auth"`
	Logging LoggingConfig `yaml:"logging"`
	Daemon  DaemonConfig  `yaml:"daemon"`
}

type AgentConfig struct {
	DisplayName        string `yaml:"display_name"`
	URLHostname        string `yaml:"url_hostname"`
	BindAddress        string `yaml:"bind_address"`
	TCPPort1           int    `yaml:"tcp_port1"`
	TCPPort2           int    `yaml:"tcp_port2"`
	UDPPort            int    `yaml:"udp_port"`
	HeartbeatMs        int    `yaml:"heartbeat_ms"`
	StatusPeriodSec    int    `yaml:"status_period_sec"`
	PeerIdleTimeoutSec int    `yaml:"peer_idle_timeout_sec"`
	InvokeTimeoutSec   int    `yaml:"invoke_timeout_sec"`
	MaxTaskCount       int    `yaml:"max_task_count"`
}

type IntentsConfig struct {
	WritePeriodSec int    `yaml:"write_period_sec"`
	ConfigFile     string `yaml:"config_file"`
}

type CameraConfig struct {
	Enabled            bool     `yaml:"enabled"`
	CachePath          string   `yaml:"cache_path"`
	CaptureProcess     string   `yaml:"capture_process"`
	MaxImageWidth      int      `yaml:"max_image_width"`
	MaxImageHeight     int      `yaml:"max_image_height"`
	MaxBucketFiles     int      `yaml:"max_bucket_files"`
	RebootOnFailure    bool     `yaml:"reboot_on_failure"`
	CaptureTimeoutSec  int      `yaml:"capture_timeout_sec"`
	RetryDelaySec      int      `yaml:"retry_delay_sec"`
	DiskSpacePeriodSec int      `yaml:"disk_space_period_sec"`
	RebootCommand      []string `yaml:"reboot_command"`
}

type AuthConfig struct {
	AuthorizePath   string `yaml:"authorize_path"`
	SessionCapacity int    `yaml:"session_capacity"`
	SessionTTLSec   int    `yaml:"session_ttl_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

// LoadConfig reads path. A missing file yields the zero Config.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks fields whose zero value is not "use default".
func (c Config) Validate() error {
	var errs []string
	if h := c.Agent.URLHostname; h != "" && !govalidator.IsDNSName(h) && !govalidator.IsIP(h) {
		errs = append(errs, fmt.Sprintf("agent.url_hostname %q is not a hostname", h))
	}
	if a := c.Agent.BindAddress; a != "" && !govalidator.IsIP(a) {
		errs = append(errs, fmt.Sprintf("agent.bind_address %q is not an IP address", a))
	}
	ports := map[string]int{
		"agent.tcp_port1": c.Agent.TCPPort1,
		"agent.tcp_port2": c.Agent.TCPPort2,
		"agent.udp_port":  c.Agent.UDPPort,
	}
	for _, name := range []string{"agent.tcp_port1", "agent.tcp_port2", "agent.udp_port"} {
		if p := ports[name]; p != 0 && !govalidator.IsPort(fmt.Sprint(p)) {
			errs = append(errs, fmt.Sprintf("%s %d out of range", name, p))
		}
	}
	if p := c.Auth.AuthorizePath; p != "" && !strings.HasPrefix(p, "/") {
		errs = append(errs, fmt.Sprintf("auth.authorize_path %q must start with /", p))
	}
	if l := c.Logging.Level; l != "" && !govalidator.IsIn(strings.ToLower(l), "debug", "info", "warn", "error") {
		errs = append(errs, fmt.Sprintf("logging.level %q is not one of debug, info, warn, error", l))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func seconds(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

// Heartbeat returns the intent update period.
func (c AgentConfig) Heartbeat() time.Duration {
	if c.HeartbeatMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.HeartbeatMs) * time.Millisecond
}

// StatusPeriod returns how often AgentStatus is pushed to watchers.
func (c AgentConfig) StatusPeriod() time.Duration {
	return seconds(c.StatusPeriodSec, 10*time.Second)
}

// InvokeTimeout bounds one outbound HTTP invocation.
func (c AgentConfig) InvokeTimeout() time.Duration {
	return seconds(c.InvokeTimeoutSec, 30*time.Second)
}

// ShutdownTimeout bounds graceful shutdown.
func (c DaemonConfig) ShutdownTimeout() time.Duration {
	return seconds(c.ShutdownTimeoutSec, 30*time.Second)
}
