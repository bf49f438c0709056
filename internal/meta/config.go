package meta

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ApplicationConfig is a top-level block for application-level meta configuration.
type ApplicationConfig struct {
	SentryDSN string `yaml:"sentry_dsn"`
}

// MetricsConfig is a top-level block for metrics configuration.
type MetricsConfig struct {
	Statsd *struct {
		Address    string  `yaml:"addr"`
		SampleRate float64 `yaml:"sample_rate"`
	} `yaml:"statsd"`
}

// ListenerConfig is a top-level block for server listener configuration.
type ListenerConfig struct {
	TCP *struct {
		Address      string        `yaml:"addr"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"tcp"`
	UDP *struct {
		Address                  string        `yaml:"addr"`
		MaxConcurrentConnections int           `yaml:"max_concurrent_connections"`
		ReadTimeout              time.Duration `yaml:"read_timeout"`
		WriteTimeout             time.Duration `yaml:"write_timeout"`
	} `yaml:"udp"`
}

// UpstreamConfig is a top-level block describing the single upstream resolver and the session
// that multiplexes queries over it.
type UpstreamConfig struct {
	Address                 string        `yaml:"addr"`
	ServerName              string        `yaml:"server_name"`
	ConnectTimeout          time.Duration `yaml:"connect_timeout"`
	HandshakeTimeout        time.Duration `yaml:"handshake_timeout"`
	WriteTimeout            time.Duration `yaml:"write_timeout"`
	QueueSize               int           `yaml:"queue_size"`
	ReconnectBackoffFloor   time.Duration `yaml:"reconnect_backoff_floor"`
	ReconnectBackoffCeiling time.Duration `yaml:"reconnect_backoff_ceiling"`
}

// ProxyConfig is a top-level block for end-to-end proxy behavior.
type ProxyConfig struct {
	// QueryTimeout bounds how long a query may await an upstream answer.
	QueryTimeout time.Duration `yaml:"query_timeout"`
	// MaxPendingQueries bounds the number of simultaneously in-flight queries; zero permits
	// the full 16-bit correlation key space.
	MaxPendingQueries int `yaml:"max_pending_queries"`
	// ShutdownGrace bounds how long shutdown waits for in-flight queries to complete.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// Config describes all application configuration options.
type Config struct {
	Application *ApplicationConfig `yaml:"application"`
	Metrics     *MetricsConfig     `yaml:"metrics"`
	Listener    *ListenerConfig    `yaml:"listener"`
	Upstream    *UpstreamConfig    `yaml:"upstream"`
	Proxy       *ProxyConfig       `yaml:"proxy"`
}

// ParseConfig parses a Config struct instance from a file specified as a path on disk.
func ParseConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: error reading config: err=%v", err)
	}

	var cfg *Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: error parsing config: err=%v", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate the contents of the configuration. Returns an error if validation failed; nil
// otherwise.
func (c *Config) validate() error {
	/* Metrics */

	// Users can omit the metrics block entirely to disable metrics reporting.
	if c.Metrics != nil && c.Metrics.Statsd != nil {
		if c.Metrics.Statsd.Address == "" {
			return fmt.Errorf("config: missing metrics statsd address")
		}

		if c.Metrics.Statsd.SampleRate < 0 || c.Metrics.Statsd.SampleRate > 1 {
			return fmt.Errorf("config: statsd sample rate must be in range [0.0, 1.0]")
		}
	}

	/* Listener */

	if c.Listener == nil {
		return fmt.Errorf("config: missing top-level listener config key")
	}

	if c.Listener.TCP == nil && c.Listener.UDP == nil {
		return fmt.Errorf("config: at least one TCP or UDP listener must be specified")
	}

	if c.Listener.TCP != nil && c.Listener.TCP.Address == "" {
		return fmt.Errorf("config: missing TCP server listening address")
	}

	if c.Listener.UDP != nil && c.Listener.UDP.Address == "" {
		return fmt.Errorf("config: missing UDP server listening address")
	}

	/* Upstream */

	if c.Upstream == nil {
		return fmt.Errorf("config: missing top-level upstream config key")
	}

	if c.Upstream.Address == "" {
		return fmt.Errorf("config: missing upstream server address")
	}

	if c.Upstream.ServerName == "" {
		return fmt.Errorf("config: missing upstream TLS hostname")
	}

	if c.Upstream.QueueSize < 0 {
		return fmt.Errorf("config: upstream queue size must be non-negative")
	}

	/* Proxy */

	if c.Proxy != nil {
		if c.Proxy.MaxPendingQueries < 0 || c.Proxy.MaxPendingQueries > 1<<16 {
			return fmt.Errorf(
				"config: max pending queries must be in range [0, 65536]: value=%d",
				c.Proxy.MaxPendingQueries,
			)
		}

		if c.Proxy.QueryTimeout < 0 {
			return fmt.Errorf("config: query timeout must be non-negative")
		}
	}

	return nil
}
