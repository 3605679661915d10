package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pithecene-io/statupdate/backend"
	"github.com/pithecene-io/statupdate/log"
	"github.com/pithecene-io/statupdate/server"
)

// DefaultHTTPPort is the listen port used when none is configured.
const DefaultHTTPPort = 5000

// DefaultRedisHost is the counters backend host used when none is configured.
const DefaultRedisHost = "127.0.0.1"

// Config is the complete stat-update configuration. It is built once by the
// CLI from defaults, an optional stat-update.yaml and explicitly set flags,
// in that order of precedence.
type Config struct {
	HTTP    HTTPConfig    `yaml:"http"`
	Redis   RedisConfig   `yaml:"redis"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

// HTTPConfig configures the redirect listener.
type HTTPConfig struct {
	Prefix string `yaml:"prefix"`
	Port   int    `yaml:"port"`
}

// RedisConfig configures the counters backend connection.
type RedisConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	RetryDelay     Duration `yaml:"retry_delay"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	QueueSize      int      `yaml:"queue_size,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "5s", "250ms").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "5s" or "1m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration in time.Duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Prefix: server.DefaultPrefix,
			Port:   DefaultHTTPPort,
		},
		Redis: RedisConfig{
			Host:           DefaultRedisHost,
			Port:           backend.DefaultPort,
			RetryDelay:     Duration{backend.DefaultRetryDelay},
			ConnectTimeout: Duration{backend.DefaultConnectTimeout},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.HTTP.Prefix == "" {
		return errors.New("http.prefix must not be empty")
	}
	if err := validPort("http.port", c.HTTP.Port); err != nil {
		return err
	}
	if c.Redis.Host == "" {
		return errors.New("redis.host must not be empty")
	}
	if err := validPort("redis.port", c.Redis.Port); err != nil {
		return err
	}
	if c.Redis.RetryDelay.Duration <= 0 {
		return fmt.Errorf("redis.retry_delay must be > 0, got %s", c.Redis.RetryDelay)
	}
	if c.Redis.ConnectTimeout.Duration <= 0 {
		return fmt.Errorf("redis.connect_timeout must be > 0, got %s", c.Redis.ConnectTimeout)
	}
	if c.Redis.QueueSize < 0 {
		return fmt.Errorf("redis.queue_size must be >= 0, got %d", c.Redis.QueueSize)
	}
	if c.Metrics.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Addr); err != nil {
			return fmt.Errorf("metrics.addr %q: %w", c.Metrics.Addr, err)
		}
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

func validPort(field string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be in 1..65535, got %d", field, port)
	}
	return nil
}

// ListenAddr is the redirect listener address on all interfaces.
func (h HTTPConfig) ListenAddr() string {
	return ":" + strconv.Itoa(h.Port)
}

// Addr is the backend address in host:port form.
func (r RedisConfig) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// Backend converts the Redis section into a backend.Config.
func (r RedisConfig) Backend() backend.Config {
	return backend.Config{
		Addr:           r.Addr(),
		RetryDelay:     r.RetryDelay.Duration,
		ConnectTimeout: r.ConnectTimeout.Duration,
		QueueSize:      r.QueueSize,
	}
}
