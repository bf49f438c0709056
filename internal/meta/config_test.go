package meta

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

	return path
}

func TestParseConfigComplete(t *testing.T) {
	path := writeConfig(t, `
application:
  sentry_dsn: https://key@sentry.example.com/1
metrics:
  statsd:
    addr: localhost:8125
    sample_rate: 1.0
listener:
  tcp:
    addr: :5353
    read_timeout: 5s
    write_timeout: 5s
  udp:
    addr: :5353
    max_concurrent_connections: 16
    read_timeout: 5s
    write_timeout: 5s
upstream:
  addr: 1.1.1.1:853
  server_name: cloudflare-dns.com
  connect_timeout: 3s
  handshake_timeout: 3s
  write_timeout: 2s
  queue_size: 256
  reconnect_backoff_floor: 100ms
  reconnect_backoff_ceiling: 30s
proxy:
  query_timeout: 5s
  max_pending_queries: 4096
  shutdown_grace: 10s
`)

	cfg, err := ParseConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://key@sentry.example.com/1", cfg.Application.SentryDSN)
	assert.Equal(t, "localhost:8125", cfg.Metrics.Statsd.Address)
	assert.Equal(t, 1.0, cfg.Metrics.Statsd.SampleRate)

	require.NotNil(t, cfg.Listener.TCP)
	require.NotNil(t, cfg.Listener.UDP)
	assert.Equal(t, ":5353", cfg.Listener.TCP.Address)
	assert.Equal(t, 16, cfg.Listener.UDP.MaxConcurrentConnections)
	assert.Equal(t, 5*time.Second, cfg.Listener.UDP.ReadTimeout)

	assert.Equal(t, "1.1.1.1:853", cfg.Upstream.Address)
	assert.Equal(t, "cloudflare-dns.com", cfg.Upstream.ServerName)
	assert.Equal(t, 256, cfg.Upstream.QueueSize)
	assert.Equal(t, 100*time.Millisecond, cfg.Upstream.ReconnectBackoffFloor)

	assert.Equal(t, 5*time.Second, cfg.Proxy.QueryTimeout)
	assert.Equal(t, 4096, cfg.Proxy.MaxPendingQueries)
	assert.Equal(t, 10*time.Second, cfg.Proxy.ShutdownGrace)
}

func TestParseConfigMinimal(t *testing.T) {
	// Metrics, application, and proxy blocks are all optional.
	path := writeConfig(t, `
listener:
  udp:
    addr: :5353
upstream:
  addr: 9.9.9.9:853
  server_name: dns.quad9.net
`)

	cfg, err := ParseConfig(path)
	require.NoError(t, err)

	assert.Nil(t, cfg.Metrics)
	assert.Nil(t, cfg.Listener.TCP)
	assert.Equal(t, "dns.quad9.net", cfg.Upstream.ServerName)
}

func TestParseConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		contents string
	}{
		{
			"no listeners",
			`
listener: {}
upstream:
  addr: 1.1.1.1:853
  server_name: cloudflare-dns.com
`,
		},
		{
			"missing upstream block",
			`
listener:
  udp:
    addr: :5353
`,
		},
		{
			"missing upstream server name",
			`
listener:
  udp:
    addr: :5353
upstream:
  addr: 1.1.1.1:853
`,
		},
		{
			"statsd without address",
			`
metrics:
  statsd:
    sample_rate: 0.5
listener:
  udp:
    addr: :5353
upstream:
  addr: 1.1.1.1:853
  server_name: cloudflare-dns.com
`,
		},
		{
			"sample rate out of range",
			`
metrics:
  statsd:
    addr: localhost:8125
    sample_rate: 1.5
listener:
  udp:
    addr: :5353
upstream:
  addr: 1.1.1.1:853
  server_name: cloudflare-dns.com
`,
		},
		{
			"max pending queries beyond key space",
			`
listener:
  udp:
    addr: :5353
upstream:
  addr: 1.1.1.1:853
  server_name: cloudflare-dns.com
proxy:
  max_pending_queries: 65537
`,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := ParseConfig(writeConfig(t, test.contents))
			assert.Error(t, err)
		})
	}
}

func TestParseConfigMissingFile(t *testing.T) {
	_, err := ParseConfig(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	assert.Error(t, err)
}
