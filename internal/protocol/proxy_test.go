package protocol

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dotmux/internal/correlation"
	"dotmux/internal/framing"
	"dotmux/internal/log"
	"dotmux/internal/metrics"
	"dotmux/internal/network"
)

/* Scripted client connection */

// scriptConn is an in-memory net.Conn fed by the test: reads pop scripted chunks, writes are
// captured for assertion. Closing the reads channel simulates client disconnect.
type scriptConn struct {
	reads  chan []byte
	writes chan []byte
	remote net.Addr

	closeOnce sync.Once
	closed    chan struct{}
}

func newScriptConn(remote net.Addr) *scriptConn {
	return &scriptConn{
		reads:  make(chan []byte, 16),
		writes: make(chan []byte, 16),
		remote: remote,
		closed: make(chan struct{}),
	}
}

func (c *scriptConn) Read(p []byte) (int, error) {
	select {
	case chunk, ok := <-c.reads:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, chunk), nil
	case <-c.closed:
		return 0, net.ErrClosed
	}
}

func (c *scriptConn) Write(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}

	buf := make([]byte, len(p))
	copy(buf, p)
	c.writes <- buf

	return len(p), nil
}

func (c *scriptConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *scriptConn) LocalAddr() net.Addr                { return c.remote }
func (c *scriptConn) RemoteAddr() net.Addr               { return c.remote }
func (c *scriptConn) SetDeadline(t time.Time) error      { return nil }
func (c *scriptConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *scriptConn) SetWriteDeadline(t time.Time) error { return nil }

/* Harness */

// proxyHarness wires a handler to an in-memory upstream whose behavior is scripted per-message.
type proxyHarness struct {
	handler *DNSProxyHandler
	table   *correlation.Table
}

func newProxyHarness(t *testing.T, opts DNSProxyOpts, respond func(msg []byte) []byte) *proxyHarness {
	t.Helper()

	table := correlation.NewTable(0)
	accept := make(chan net.Conn, 1)

	dialer := network.Dialer(func() (net.Conn, error) {
		client, server := net.Pipe()
		accept <- server
		return client, nil
	})

	session := network.NewUpstreamSession(
		dialer,
		table,
		metrics.NewNoopConnectionLifecycleHook(),
		metrics.NewNoopSessionHook(),
		log.NewNopLogger(),
		network.UpstreamSessionOpts{QueueSize: 256, BackoffFloor: 5 * time.Millisecond},
	)
	session.Start()
	t.Cleanup(func() { session.Close() })

	go serveUpstream(<-accept, respond)

	handler := &DNSProxyHandler{
		Session:        session,
		Table:          table,
		ClientCxIOHook: metrics.NewNoopConnectionIOHook(),
		SessionHook:    metrics.NewNoopSessionHook(),
		ProxyHook:      metrics.NewNoopProxyHook(),
		Logger:         log.NewNopLogger(),
		Opts:           opts,
	}
	handler.Start()
	t.Cleanup(func() { handler.Stop(time.Second) })

	return &proxyHarness{handler: handler, table: table}
}

// serveUpstream decodes length-prefixed queries from the session's connection and answers each
// through respond; a nil response swallows the query.
func serveUpstream(conn net.Conn, respond func(msg []byte) []byte) {
	decoder := framing.NewStreamDecoder()
	buf := make([]byte, 4096)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			decoder.Feed(buf[:n])

			for {
				msg, ok := decoder.Next()
				if !ok {
					break
				}

				answer := respond(msg)
				if answer == nil {
					continue
				}

				framed, err := framing.EncodeStream(answer)
				if err != nil {
					continue
				}

				if _, err := conn.Write(framed); err != nil {
					return
				}
			}
		}

		if err != nil {
			return
		}
	}
}

// echoDNS builds a well-formed empty reply to the supplied query, preserving its transaction ID.
func echoDNS(msg []byte) []byte {
	var query dns.Msg
	if err := query.Unpack(msg); err != nil {
		return nil
	}

	reply := new(dns.Msg)
	reply.SetReply(&query)

	wire, err := reply.Pack()
	if err != nil {
		return nil
	}

	return wire
}

func packQuery(t *testing.T, id uint16, name string) []byte {
	t.Helper()

	query := new(dns.Msg)
	query.SetQuestion(name, dns.TypeA)
	query.Id = id

	wire, err := query.Pack()
	require.NoError(t, err)

	return wire
}

func udpContext() context.Context {
	return context.WithValue(context.Background(), network.TransportContextKey, network.UDP)
}

func tcpContext() context.Context {
	return context.WithValue(context.Background(), network.TransportContextKey, network.TCP)
}

/* Tests */

func TestProxyRestoresClientTransactionID(t *testing.T) {
	harness := newProxyHarness(t, DNSProxyOpts{}, echoDNS)

	conn := newScriptConn(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 53000})
	conn.reads <- packQuery(t, 0x1234, "example.com.")

	require.NoError(t, harness.handler.Handle(udpContext(), conn))

	select {
	case reply := <-conn.writes:
		var msg dns.Msg
		require.NoError(t, msg.Unpack(reply))
		assert.Equal(t, uint16(0x1234), msg.Id)
		assert.True(t, msg.Response)
		require.Len(t, msg.Question, 1)
		assert.Equal(t, "example.com.", msg.Question[0].Name)
	default:
		t.Fatal("no reply written to client")
	}

	assert.Equal(t, 0, harness.table.Len())
}

func TestProxyConcurrentClientsSameTransactionID(t *testing.T) {
	harness := newProxyHarness(t, DNSProxyOpts{}, echoDNS)

	// 100 clients all querying with transaction ID 0x0000 simultaneously; each must receive
	// the answer for its own question.
	const concurrency = 100

	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go func(i int) {
			defer wg.Done()

			name := dns.Fqdn(fmt.Sprintf("q%d.example.com", i))
			conn := newScriptConn(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 53000 + i})
			conn.reads <- packQuery(t, 0x0000, name)

			if !assert.NoError(t, harness.handler.Handle(udpContext(), conn)) {
				return
			}

			select {
			case reply := <-conn.writes:
				var msg dns.Msg
				if !assert.NoError(t, msg.Unpack(reply)) {
					return
				}

				assert.Equal(t, uint16(0x0000), msg.Id)
				if assert.Len(t, msg.Question, 1) {
					assert.Equal(t, name, msg.Question[0].Name)
				}
			case <-time.After(2 * time.Second):
				t.Errorf("client %d received no reply", i)
			}
		}(i)
	}

	wg.Wait()
	assert.Equal(t, 0, harness.table.Len())
}

func TestProxyQueryTimeout(t *testing.T) {
	// The upstream never answers; the pending slot must be reclaimed and the client must
	// receive nothing rather than a late or fabricated reply.
	harness := newProxyHarness(t, DNSProxyOpts{QueryTimeout: 50 * time.Millisecond}, func(msg []byte) []byte {
		return nil
	})

	conn := newScriptConn(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 53000})
	conn.reads <- packQuery(t, 0x1234, "example.com.")

	done := make(chan error, 1)
	go func() { done <- harness.handler.Handle(udpContext(), conn) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not unblock after query timeout")
	}

	assert.Empty(t, conn.writes)
	assert.Equal(t, 0, harness.table.Len())
}

func TestProxyDropsMalformedQuery(t *testing.T) {
	harness := newProxyHarness(t, DNSProxyOpts{}, echoDNS)

	conn := newScriptConn(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 53000})
	conn.reads <- []byte{0xff}

	require.NoError(t, harness.handler.Handle(udpContext(), conn))

	assert.Empty(t, conn.writes)
	assert.Equal(t, 0, harness.table.Len())
}

func TestProxyStreamServesSequentialQueries(t *testing.T) {
	harness := newProxyHarness(t, DNSProxyOpts{}, echoDNS)

	first := packQuery(t, 0x0001, "one.example.com.")
	second := packQuery(t, 0x0002, "two.example.com.")

	firstFramed, err := framing.EncodeStream(first)
	require.NoError(t, err)
	secondFramed, err := framing.EncodeStream(second)
	require.NoError(t, err)

	conn := newScriptConn(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 53000})

	// Deliver the two frames split at an arbitrary byte boundary to exercise reassembly.
	stream := append(append([]byte{}, firstFramed...), secondFramed...)
	conn.reads <- stream[:3]
	conn.reads <- stream[3:]
	close(conn.reads)

	require.NoError(t, harness.handler.Handle(tcpContext(), conn))

	for _, want := range []struct {
		id   uint16
		name string
	}{
		{0x0001, "one.example.com."},
		{0x0002, "two.example.com."},
	} {
		select {
		case framed := <-conn.writes:
			decoder := framing.NewStreamDecoder()
			decoder.Feed(framed)

			reply, ok := decoder.Next()
			require.True(t, ok, "stream reply not fully framed")

			var msg dns.Msg
			require.NoError(t, msg.Unpack(reply))
			assert.Equal(t, want.id, msg.Id)
			require.Len(t, msg.Question, 1)
			assert.Equal(t, want.name, msg.Question[0].Name)
		default:
			t.Fatalf("no stream reply for transaction %#04x", want.id)
		}
	}

	assert.Equal(t, 0, harness.table.Len())
}
