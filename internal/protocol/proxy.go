package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/getsentry/raven-go"
	"lib.kevinlin.info/aperture/lib"

	"dotmux/internal/correlation"
	"dotmux/internal/framing"
	"dotmux/internal/log"
	"dotmux/internal/metrics"
	"dotmux/internal/network"
)

// maxDatagramSize is the largest client datagram the proxy will accept; EDNS0 permits UDP
// payloads beyond the classic 512-octet limit.
const maxDatagramSize = 4096

// DNSProxyHandler is a semi-DNS-protocol-aware server handler that correlates client queries
// with answers multiplexed over the shared upstream session. One handler instance serves every
// listener; per-query state lives in the correlation table.
type DNSProxyHandler struct {
	Session        *network.UpstreamSession
	Table          *correlation.Table
	ClientCxIOHook metrics.ConnectionIOHook
	SessionHook    metrics.SessionHook
	ProxyHook      metrics.ProxyHook
	Logger         log.Logger
	Opts           DNSProxyOpts

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// DNSProxyOpts formalizes configuration options for the proxy handler.
type DNSProxyOpts struct {
	// QueryTimeout is the maximum duration a query may remain pending without an upstream
	// answer before its slot is released and the client receives no reply.
	QueryTimeout time.Duration
	// SweepInterval is the period of the timeout enforcement sweep. Timeouts are enforced
	// cooperatively by the sweep rather than by per-query timers to bound overhead; a zero
	// value derives a sensible period from QueryTimeout.
	SweepInterval time.Duration
}

// Start launches the periodic timeout sweep. It must be called once before the handler serves
// traffic, and balanced with Stop.
func (h *DNSProxyHandler) Start() {
	if h.Opts.QueryTimeout <= 0 {
		h.Opts.QueryTimeout = 5 * time.Second
	}
	if h.Opts.SweepInterval <= 0 {
		h.Opts.SweepInterval = h.Opts.QueryTimeout / 4
	}
	if h.Opts.SweepInterval < 50*time.Millisecond {
		h.Opts.SweepInterval = 50 * time.Millisecond
	}

	h.sweepStop = make(chan struct{})
	h.sweepDone = make(chan struct{})

	go h.sweep()
}

// Stop halts the timeout sweep, waits up to the supplied grace period for in-flight queries to
// complete, and reports whether the table fully quiesced.
func (h *DNSProxyHandler) Stop(grace time.Duration) bool {
	deadline := time.Now().Add(grace)
	for h.Table.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(25 * time.Millisecond)
	}

	close(h.sweepStop)
	<-h.sweepDone

	return h.Table.Len() == 0
}

// ConsumeError logs the proxy error and ships it to the error reporter.
func (h *DNSProxyHandler) ConsumeError(ctx context.Context, err error) {
	h.Logger.Error("%v", err)
	h.ProxyHook.EmitError()

	raven.CaptureError(err, map[string]string{
		"transport": ctx.Value(network.TransportContextKey).(network.Transport).String(),
	})
}

// Handle serves a client connection. For UDP, the connection is a one-shot transaction: one
// packet in, at most one packet out. For TCP, the connection carries sequential length-prefixed
// queries until the client disconnects or the idle read timeout elapses.
func (h *DNSProxyHandler) Handle(ctx context.Context, clientConn net.Conn) error {
	if ctx.Value(network.TransportContextKey) == network.UDP {
		return h.handleDatagram(clientConn)
	}

	return h.handleStream(clientConn)
}

// handleDatagram serves one UDP transaction.
func (h *DNSProxyHandler) handleDatagram(clientConn net.Conn) error {
	buf := make([]byte, maxDatagramSize)

	n, err := clientConn.Read(buf)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return err
		}

		// An idle read timeout on the shared socket is routine, not reportable.
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil
		}

		h.ClientCxIOHook.EmitReadError(clientConn.RemoteAddr())
		return fmt.Errorf("dns_proxy: error reading request from client: err=%v", err)
	}

	// The network read blocks until a client transacts; only now does the clock start.
	rttTimer := lib.NewStopwatch()

	reply, ok := h.serve(buf[:n], clientConn.RemoteAddr())
	if !ok {
		return nil
	}

	writeTimer := lib.NewStopwatch()
	if _, err := clientConn.Write(reply); err != nil {
		h.ClientCxIOHook.EmitWriteError(clientConn.RemoteAddr())
		return fmt.Errorf("dns_proxy: error writing response to client: err=%v", err)
	}

	h.ClientCxIOHook.EmitWrite(writeTimer.Elapsed(), clientConn.RemoteAddr())
	h.ProxyHook.EmitRTT(rttTimer.Elapsed(), clientConn.RemoteAddr())

	return nil
}

// handleStream serves sequential queries on one accepted TCP connection. DNS-over-TCP uses the
// same length-prefixed framing as the upstream transport.
func (h *DNSProxyHandler) handleStream(clientConn net.Conn) error {
	decoder := framing.NewStreamDecoder()
	buf := make([]byte, maxDatagramSize)

	for {
		n, err := clientConn.Read(buf)
		if n > 0 {
			readTimer := lib.NewStopwatch()
			decoder.Feed(buf[:n])
			h.ClientCxIOHook.EmitRead(readTimer.Elapsed(), clientConn.RemoteAddr())
		}

		if err != nil {
			// An idle timeout or client-initiated close ends the connection
			// without ceremony.
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, net.ErrClosed) {
				return nil
			}

			h.ClientCxIOHook.EmitReadError(clientConn.RemoteAddr())
			return fmt.Errorf("dns_proxy: error reading request from client: err=%v", err)
		}

		for {
			msg, ok := decoder.Next()
			if !ok {
				break
			}

			rttTimer := lib.NewStopwatch()

			reply, ok := h.serve(msg, clientConn.RemoteAddr())
			if !ok {
				continue
			}

			framed, err := framing.EncodeStream(reply)
			if err != nil {
				h.Logger.Warn("dns_proxy: reply not frameable for stream client: err=%v", err)
				continue
			}

			writeTimer := lib.NewStopwatch()
			if _, err := clientConn.Write(framed); err != nil {
				h.ClientCxIOHook.EmitWriteError(clientConn.RemoteAddr())
				return fmt.Errorf("dns_proxy: error writing response to client: err=%v", err)
			}

			h.ClientCxIOHook.EmitWrite(writeTimer.Elapsed(), clientConn.RemoteAddr())
			h.ProxyHook.EmitRTT(rttTimer.Elapsed(), clientConn.RemoteAddr())
		}
	}
}

// serve carries one query end to end: register a pending entry, substitute the correlation key
// on the upstream wire, park until the entry completes, and restore the client's transaction ID
// in the reply. A false result means no reply is owed, which is the outcome for every error
// class here: malformed queries, key exhaustion, a rejected send, a timeout, and a connection
// drain all fall back on the client's own retry behavior.
func (h *DNSProxyHandler) serve(msg []byte, client net.Addr) ([]byte, bool) {
	clientID, err := framing.TransactionID(msg)
	if err != nil {
		// Too short to carry the ID a reply would need; drop silently.
		h.Logger.Warn("dns_proxy: dropping malformed query: client=%s len=%d", client, len(msg))
		return nil, false
	}

	pending, err := h.Table.Register(clientID, client)
	if err != nil {
		h.ProxyHook.EmitExhausted()
		h.Logger.Warn("dns_proxy: rejecting query, no free correlation key: client=%s", client)
		return nil, false
	}

	h.SessionHook.EmitPending(h.Table.Len())

	rewritten, err := framing.RewriteTransactionID(msg, pending.Key())
	if err != nil {
		// Unreachable given the ID peek above succeeded, but release the slot anyway.
		h.Table.Resolve(pending.Key())
		return nil, false
	}

	h.Logger.Debug(
		"dns_proxy: registered query: client=%s client_id=%#04x key=%#04x",
		client,
		clientID,
		pending.Key(),
	)

	if err := h.Session.Send(rewritten); err != nil {
		// The slot must be released here: nothing was written, so neither the read
		// path nor the drain will ever complete this entry.
		h.Table.Resolve(pending.Key())
		h.Logger.Warn("dns_proxy: upstream send rejected: client=%s err=%v", client, err)
		return nil, false
	}

	h.ProxyHook.EmitRequestSize(int64(len(msg)), client)

	answer := <-pending.Done()
	if answer == nil {
		// Timed out or drained; the client is owed nothing.
		return nil, false
	}

	restored, err := framing.RewriteTransactionID(answer, clientID)
	if err != nil {
		h.Logger.Warn("dns_proxy: upstream answer too short to restore ID: client=%s", client)
		return nil, false
	}

	h.ProxyHook.EmitResponseSize(int64(len(restored)), client)

	h.Logger.Debug(
		"dns_proxy: completed query: client=%s client_id=%#04x answer_bytes=%d",
		client,
		clientID,
		len(restored),
	)

	return restored, true
}

// sweep periodically expires pending queries older than the configured timeout. Expired queries
// produce no client reply; DNS clients already treat silence as loss and retry on their own
// schedule.
func (h *DNSProxyHandler) sweep() {
	defer close(h.sweepDone)

	ticker := time.NewTicker(h.Opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.sweepStop:
			return
		case <-ticker.C:
			expired := h.Table.ExpireOlderThan(h.Opts.QueryTimeout)
			for _, pending := range expired {
				pending.Complete(nil)
				h.ProxyHook.EmitTimeout(pending.Client)
			}

			if len(expired) > 0 {
				h.Logger.Info("dns_proxy: expired pending queries: count=%d", len(expired))
			}
		}
	}
}
