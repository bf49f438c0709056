package metrics

import (
	"fmt"
	"net"
	"os"
	"time"
)

// ConnectionLifecycleHook is a metrics hook interface for reporting events that occur during a
// TCP connection lifecycle. Note that it is not pertinent to UDP transports, since UDP is an
// inherently connectionless protocol.
type ConnectionLifecycleHook interface {
	// EmitConnectionOpen reports the event that a connection was successfully opened.
	EmitConnectionOpen(latency time.Duration, addr net.Addr)

	// EmitConnectionClose reports the event that a connection was closed.
	EmitConnectionClose(addr net.Addr)

	// EmitConnectionError reports occurrence of an error establishing a connection.
	EmitConnectionError()
}

// ConnectionIOHook is a metrics hook interface for reporting events related to I/O with an
// established TCP or UDP connection.
type ConnectionIOHook interface {
	// EmitRead reports a successful connection read.
	EmitRead(latency time.Duration, addr net.Addr)

	// EmitReadError reports the event that a connection read failed.
	EmitReadError(addr net.Addr)

	// EmitWrite reports a successful connection write.
	EmitWrite(latency time.Duration, addr net.Addr)

	// EmitWriteError reports the event that a connection write failed.
	EmitWriteError(addr net.Addr)
}

// SessionHook is a metrics hook interface for reporting events in the lifecycle of the shared
// upstream session: reconnects, pending-query drains, and the health of the outbound queue.
type SessionHook interface {
	// EmitReconnect reports that the upstream connection was rebuilt, tagged with the new
	// connection generation.
	EmitReconnect(generation uint64)

	// EmitDrain reports the number of pending queries failed back to clients because their
	// connection generation died.
	EmitDrain(count int)

	// EmitQueueOverflow reports a query rejected because the outbound queue was full.
	EmitQueueOverflow()

	// EmitStaleAnswer reports an upstream answer whose correlation key matched no pending
	// query.
	EmitStaleAnswer()

	// EmitPending reports the current number of in-flight queries.
	EmitPending(count int)
}

// ProxyHook is a metrics hook interface for reporting events and latencies related to
// end-to-end proxying of a client request with the upstream server.
type ProxyHook interface {
	// EmitRequestSize reports the size of the proxied request on the wire.
	EmitRequestSize(bytes int64, client net.Addr)

	// EmitResponseSize reports the size of the proxied response on the wire.
	EmitResponseSize(bytes int64, client net.Addr)

	// EmitRTT reports the total, end-to-end latency associated with serving a single
	// request from a client.
	EmitRTT(latency time.Duration, client net.Addr)

	// EmitTimeout reports a query that exceeded the configured wait and was released
	// without a reply.
	EmitTimeout(client net.Addr)

	// EmitExhausted reports a query rejected because no correlation key was free.
	EmitExhausted()

	// EmitError reports the occurrence of an error in the proxy lifecycle that causes the
	// request to not be correctly served.
	EmitError()
}

// AsyncStatsdConnectionLifecycleHook is an implementation of ConnectionLifecycleHook that
// outputs metrics asynchronously to statsd.
type AsyncStatsdConnectionLifecycleHook struct {
	client *StatsdClient
	source string
}

// AsyncStatsdConnectionIOHook is an implementation of ConnectionIOHook that outputs metrics
// asynchronously to statsd.
type AsyncStatsdConnectionIOHook struct {
	client *StatsdClient
	source string
}

// AsyncStatsdSessionHook is an implementation of SessionHook that outputs metrics
// asynchronously to statsd.
type AsyncStatsdSessionHook struct {
	client *StatsdClient
}

// AsyncStatsdProxyHook is an implementation of ProxyHook that outputs metrics asynchronously to
// statsd.
type AsyncStatsdProxyHook struct {
	client *StatsdClient
}

// NoopConnectionLifecycleHook implements the ConnectionLifecycleHook interface but noops on all
// emissions.
type NoopConnectionLifecycleHook struct{}

// NoopConnectionIOHook implements the ConnectionIOHook interface but noops on all emissions.
type NoopConnectionIOHook struct{}

// NoopSessionHook implements the SessionHook interface but noops on all emissions.
type NoopSessionHook struct{}

// NoopProxyHook implements the ProxyHook interface but noops on all emissions.
type NoopProxyHook struct{}

// NewAsyncStatsdConnectionLifecycleHook creates a new hook with the specified source, statsd
// address, and statsd sample rate. The source denotes the entity with whom connections are
// opened and closed.
func NewAsyncStatsdConnectionLifecycleHook(source string, addr string, sampleRate float32) (ConnectionLifecycleHook, error) {
	client, err := statsdClientFactory(addr, sampleRate)
	if err != nil {
		return nil, err
	}

	return &AsyncStatsdConnectionLifecycleHook{
		client: client,
		source: source,
	}, nil
}

// EmitConnectionOpen statsd implementation
func (h *AsyncStatsdConnectionLifecycleHook) EmitConnectionOpen(latency time.Duration, addr net.Addr) {
	go func() {
		tags := map[string]string{
			"addr":      ipFromAddr(addr),
			"transport": transportFromAddr(addr),
		}

		h.client.Count(fmt.Sprintf("event.%s.cx_open", h.source), 1, tags)

		if latency > 0 {
			h.client.Timing(fmt.Sprintf("latency.%s.cx_open", h.source), latency, tags)
		}
	}()
}

// EmitConnectionClose statsd implementation
func (h *AsyncStatsdConnectionLifecycleHook) EmitConnectionClose(addr net.Addr) {
	go h.client.Count(fmt.Sprintf("event.%s.cx_close", h.source), 1, map[string]string{
		"addr":      ipFromAddr(addr),
		"transport": transportFromAddr(addr),
	})
}

// EmitConnectionError statsd implementation
func (h *AsyncStatsdConnectionLifecycleHook) EmitConnectionError() {
	go h.client.Count(fmt.Sprintf("event.%s.cx_error", h.source), 1, nil)
}

// NewNoopConnectionLifecycleHook creates a noop implementation of ConnectionLifecycleHook.
func NewNoopConnectionLifecycleHook() ConnectionLifecycleHook {
	return &NoopConnectionLifecycleHook{}
}

// EmitConnectionOpen noops.
func (h *NoopConnectionLifecycleHook) EmitConnectionOpen(latency time.Duration, addr net.Addr) {}

// EmitConnectionClose noops.
func (h *NoopConnectionLifecycleHook) EmitConnectionClose(addr net.Addr) {}

// EmitConnectionError noops.
func (h *NoopConnectionLifecycleHook) EmitConnectionError() {}

// NewAsyncStatsdConnectionIOHook creates a new hook with the specified source, statsd address,
// and statsd sample rate. The source denotes the entity with whom the server is performing I/O.
func NewAsyncStatsdConnectionIOHook(source string, addr string, sampleRate float32) (ConnectionIOHook, error) {
	client, err := statsdClientFactory(addr, sampleRate)
	if err != nil {
		return nil, err
	}

	return &AsyncStatsdConnectionIOHook{
		client: client,
		source: source,
	}, nil
}

// EmitRead statsd implementation.
func (h *AsyncStatsdConnectionIOHook) EmitRead(latency time.Duration, addr net.Addr) {
	go func() {
		tags := map[string]string{
			"addr":      ipFromAddr(addr),
			"transport": transportFromAddr(addr),
		}

		h.client.Count(fmt.Sprintf("event.%s.read", h.source), 1, tags)
		h.client.Timing(fmt.Sprintf("latency.%s.read", h.source), latency, tags)
	}()
}

// EmitReadError statsd implementation.
func (h *AsyncStatsdConnectionIOHook) EmitReadError(addr net.Addr) {
	go h.client.Count(fmt.Sprintf("event.%s.read_error", h.source), 1, map[string]string{
		"addr":      ipFromAddr(addr),
		"transport": transportFromAddr(addr),
	})
}

// EmitWrite statsd implementation.
func (h *AsyncStatsdConnectionIOHook) EmitWrite(latency time.Duration, addr net.Addr) {
	go func() {
		tags := map[string]string{
			"addr":      ipFromAddr(addr),
			"transport": transportFromAddr(addr),
		}

		h.client.Count(fmt.Sprintf("event.%s.write", h.source), 1, tags)
		h.client.Timing(fmt.Sprintf("latency.%s.write", h.source), latency, tags)
	}()
}

// EmitWriteError statsd implementation.
func (h *AsyncStatsdConnectionIOHook) EmitWriteError(addr net.Addr) {
	go h.client.Count(fmt.Sprintf("event.%s.write_error", h.source), 1, map[string]string{
		"addr":      ipFromAddr(addr),
		"transport": transportFromAddr(addr),
	})
}

// NewNoopConnectionIOHook creates a noop implementation of ConnectionIOHook.
func NewNoopConnectionIOHook() ConnectionIOHook {
	return &NoopConnectionIOHook{}
}

// EmitRead noops.
func (h *NoopConnectionIOHook) EmitRead(latency time.Duration, addr net.Addr) {}

// EmitReadError noops.
func (h *NoopConnectionIOHook) EmitReadError(addr net.Addr) {}

// EmitWrite noops.
func (h *NoopConnectionIOHook) EmitWrite(latency time.Duration, addr net.Addr) {}

// EmitWriteError noops.
func (h *NoopConnectionIOHook) EmitWriteError(addr net.Addr) {}

// NewAsyncStatsdSessionHook creates a new session hook with the specified statsd address and
// sample rate.
func NewAsyncStatsdSessionHook(addr string, sampleRate float32) (SessionHook, error) {
	client, err := statsdClientFactory(addr, sampleRate)
	if err != nil {
		return nil, err
	}

	return &AsyncStatsdSessionHook{client}, nil
}

// EmitReconnect statsd implementation.
func (h *AsyncStatsdSessionHook) EmitReconnect(generation uint64) {
	go h.client.Count("event.session.reconnect", 1, map[string]string{
		"generation": fmt.Sprintf("%d", generation),
	})
}

// EmitDrain statsd implementation.
func (h *AsyncStatsdSessionHook) EmitDrain(count int) {
	go h.client.Count("event.session.drain", int64(count), nil)
}

// EmitQueueOverflow statsd implementation.
func (h *AsyncStatsdSessionHook) EmitQueueOverflow() {
	go h.client.Count("event.session.queue_overflow", 1, nil)
}

// EmitStaleAnswer statsd implementation.
func (h *AsyncStatsdSessionHook) EmitStaleAnswer() {
	go h.client.Count("event.session.stale_answer", 1, nil)
}

// EmitPending statsd implementation.
func (h *AsyncStatsdSessionHook) EmitPending(count int) {
	go h.client.Gauge("gauge.session.pending", int64(count), nil)
}

// NewNoopSessionHook creates a noop implementation of SessionHook.
func NewNoopSessionHook() SessionHook {
	return &NoopSessionHook{}
}

// EmitReconnect noops.
func (h *NoopSessionHook) EmitReconnect(generation uint64) {}

// EmitDrain noops.
func (h *NoopSessionHook) EmitDrain(count int) {}

// EmitQueueOverflow noops.
func (h *NoopSessionHook) EmitQueueOverflow() {}

// EmitStaleAnswer noops.
func (h *NoopSessionHook) EmitStaleAnswer() {}

// EmitPending noops.
func (h *NoopSessionHook) EmitPending(count int) {}

// NewAsyncStatsdProxyHook creates a new proxy hook with the specified statsd address and sample
// rate.
func NewAsyncStatsdProxyHook(addr string, sampleRate float32) (ProxyHook, error) {
	client, err := statsdClientFactory(addr, sampleRate)
	if err != nil {
		return nil, err
	}

	return &AsyncStatsdProxyHook{client}, nil
}

// EmitRequestSize statsd implementation
func (h *AsyncStatsdProxyHook) EmitRequestSize(bytes int64, client net.Addr) {
	go h.client.Size("size.proxy.request", bytes, map[string]string{
		"addr": ipFromAddr(client),
	})
}

// EmitResponseSize statsd implementation
func (h *AsyncStatsdProxyHook) EmitResponseSize(bytes int64, client net.Addr) {
	go h.client.Size("size.proxy.response", bytes, map[string]string{
		"addr": ipFromAddr(client),
	})
}

// EmitRTT statsd implementation
func (h *AsyncStatsdProxyHook) EmitRTT(latency time.Duration, client net.Addr) {
	go h.client.Timing("latency.proxy.tx_rtt", latency, map[string]string{
		"client":    ipFromAddr(client),
		"transport": transportFromAddr(client),
	})
}

// EmitTimeout statsd implementation
func (h *AsyncStatsdProxyHook) EmitTimeout(client net.Addr) {
	go h.client.Count("event.proxy.timeout", 1, map[string]string{
		"client": ipFromAddr(client),
	})
}

// EmitExhausted statsd implementation
func (h *AsyncStatsdProxyHook) EmitExhausted() {
	go h.client.Count("event.proxy.exhausted", 1, nil)
}

// EmitError statsd implementation
func (h *AsyncStatsdProxyHook) EmitError() {
	go h.client.Count("event.proxy.error", 1, nil)
}

// NewNoopProxyHook creates a noop implementation of ProxyHook.
func NewNoopProxyHook() ProxyHook {
	return &NoopProxyHook{}
}

// EmitRequestSize noops.
func (h *NoopProxyHook) EmitRequestSize(bytes int64, client net.Addr) {}

// EmitResponseSize noops.
func (h *NoopProxyHook) EmitResponseSize(bytes int64, client net.Addr) {}

// EmitRTT noops.
func (h *NoopProxyHook) EmitRTT(latency time.Duration, client net.Addr) {}

// EmitTimeout noops.
func (h *NoopProxyHook) EmitTimeout(client net.Addr) {}

// EmitExhausted noops.
func (h *NoopProxyHook) EmitExhausted() {}

// EmitError noops.
func (h *NoopProxyHook) EmitError() {}

// statsdClientFactory creates a configured StatsdClient with reasonable defaults for the given
// statsd server address and sample rate.
func statsdClientFactory(addr string, sampleRate float32) (*StatsdClient, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, err
	}

	defaultTags := map[string]string{
		"host": hostname,
	}

	return NewStatsdClient(addr, "dotmux", defaultTags, sampleRate)
}

// ipFromAddr returns the IP address from a full net.Addr, or null if unavailable.
func ipFromAddr(addr net.Addr) string {
	switch networkAddr := addr.(type) {
	case *net.UDPAddr:
		return networkAddr.IP.String()
	case *net.TCPAddr:
		return networkAddr.IP.String()
	default:
		return "null"
	}
}

// transportFromAddr returns the transport protocol (as a string) behind a net.Addr, or null if
// unavailable.
func transportFromAddr(addr net.Addr) string {
	switch addr.(type) {
	case *net.UDPAddr:
		return "udp"
	case *net.TCPAddr:
		return "tcp"
	default:
		return "null"
	}
}
