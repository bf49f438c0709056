package network

import (
	"fmt"
	"net"
	"sync"
	"time"

	"lib.kevinlin.info/aperture/lib"

	"dotmux/internal/correlation"
	"dotmux/internal/framing"
	"dotmux/internal/log"
	"dotmux/internal/metrics"
)

// ErrQueueFull indicates that the session's outbound queue is at capacity. It occurs when
// queries arrive faster than the connection can absorb them, most commonly while the session is
// between connections; the caller rejects the query rather than block.
var ErrQueueFull = fmt.Errorf("session: outbound queue is full")

// ErrSessionClosed indicates a send attempted after the session was shut down.
var ErrSessionClosed = fmt.Errorf("session: session is closed")

// UpstreamSession owns the single logical connection to the upstream resolver. It serializes
// writes through one writer goroutine, demultiplexes reads back into the correlation table, and
// rebuilds the connection transparently on failure. Each rebuild increments a generation
// counter; every query pending on a dead generation is drained and failed back to its client
// before the next generation serves traffic.
type UpstreamSession struct {
	dialer      Dialer
	table       *correlation.Table
	cxHook      metrics.ConnectionLifecycleHook
	sessionHook metrics.SessionHook
	logger      log.Logger
	opts        UpstreamSessionOpts

	sendCh    chan []byte
	shutdown  chan struct{}
	finished  chan struct{}
	closeOnce sync.Once

	mutex      sync.Mutex
	conn       net.Conn
	generation uint64
}

// UpstreamSessionOpts formalizes upstream session configuration options.
type UpstreamSessionOpts struct {
	// QueueSize bounds the number of outbound queries that may be held while the connection
	// is busy or rebuilding. Sends beyond the bound fail with ErrQueueFull.
	QueueSize int
	// WriteTimeout is the maximum amount of time a single framed write to the upstream may
	// take before the connection is considered failed.
	WriteTimeout time.Duration
	// BackoffFloor is the delay before the first reconnection attempt.
	BackoffFloor time.Duration
	// BackoffCeiling caps the exponentially growing delay between reconnection attempts.
	BackoffCeiling time.Duration
}

// NewUpstreamSession creates a session that connects through the supplied dialer and correlates
// answers through the supplied table. Start must be called before the session carries traffic.
func NewUpstreamSession(dialer Dialer, table *correlation.Table, cxHook metrics.ConnectionLifecycleHook, sessionHook metrics.SessionHook, logger log.Logger, opts UpstreamSessionOpts) *UpstreamSession {
	// Sane option defaults
	if opts.QueueSize <= 0 {
		opts.QueueSize = 128
	}
	if opts.BackoffFloor <= 0 {
		opts.BackoffFloor = 100 * time.Millisecond
	}
	if opts.BackoffCeiling < opts.BackoffFloor {
		opts.BackoffCeiling = 30 * time.Second
	}

	return &UpstreamSession{
		dialer:      dialer,
		table:       table,
		cxHook:      cxHook,
		sessionHook: sessionHook,
		logger:      logger,
		opts:        opts,
		sendCh:      make(chan []byte, opts.QueueSize),
		shutdown:    make(chan struct{}),
		finished:    make(chan struct{}),
	}
}

// Start launches the session's connect/serve loop in the background.
func (s *UpstreamSession) Start() {
	go s.run()
}

// Send enqueues one DNS message, already rewritten with its correlation key, for framed
// transmission on the current connection generation. It never blocks: when the bounded queue is
// full the query is rejected with ErrQueueFull and the caller releases its correlation key.
func (s *UpstreamSession) Send(msg []byte) error {
	select {
	case <-s.shutdown:
		return ErrSessionClosed
	default:
	}

	select {
	case s.sendCh <- msg:
		return nil
	default:
		s.sessionHook.EmitQueueOverflow()
		return ErrQueueFull
	}
}

// Generation reads the current connection generation. The counter is zero before the first
// successful connect and increments on every subsequent (re)connect.
func (s *UpstreamSession) Generation() uint64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.generation
}

// Close shuts the session down: the current connection is torn down and every still-pending
// query is failed back to its client. Close blocks until the serve loop has fully exited.
func (s *UpstreamSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.shutdown)

		s.mutex.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mutex.Unlock()
	})

	<-s.finished

	return nil
}

// run is the session's serve loop: dial with backoff, serve the connection until it fails, fail
// the generation's pending queries, repeat until shutdown.
func (s *UpstreamSession) run() {
	defer close(s.finished)
	defer s.failPending()

	backoff := s.opts.BackoffFloor

	for {
		select {
		case <-s.shutdown:
			return
		default:
		}

		dialTimer := lib.NewStopwatch()
		conn, err := s.dialer()
		if err != nil {
			s.cxHook.EmitConnectionError()
			s.logger.Warn("session: upstream connect failed: err=%v retry_in=%v", err, backoff)

			if !s.sleep(backoff) {
				return
			}

			backoff *= 2
			if backoff > s.opts.BackoffCeiling {
				backoff = s.opts.BackoffCeiling
			}

			continue
		}

		backoff = s.opts.BackoffFloor

		s.mutex.Lock()
		s.conn = conn
		s.generation++
		generation := s.generation
		s.mutex.Unlock()

		s.cxHook.EmitConnectionOpen(dialTimer.Elapsed(), conn.RemoteAddr())
		if generation > 1 {
			s.sessionHook.EmitReconnect(generation)
		}

		s.logger.Info(
			"session: upstream connection established: addr=%s generation=%d",
			conn.RemoteAddr(),
			generation,
		)

		s.serve(conn, generation)
	}
}

// serve owns one connection generation from establishment to teardown. It runs the read loop in
// the background and the write loop inline; whichever fails first wins, the connection is closed,
// the reader is joined, and only then are the generation's pending entries drained. Joining the
// reader before the drain guarantees that no frame read on this generation can resolve an entry
// registered after the drain.
func (s *UpstreamSession) serve(conn net.Conn, generation uint64) {
	readErr := make(chan error, 1)
	readDone := make(chan struct{})

	go func() {
		defer close(readDone)
		readErr <- s.readLoop(conn)
	}()

	err := s.writeLoop(conn, readErr)

	s.mutex.Lock()
	s.conn = nil
	s.mutex.Unlock()

	conn.Close()
	<-readDone

	s.cxHook.EmitConnectionClose(conn.RemoteAddr())

	select {
	case <-s.shutdown:
	default:
		s.logger.Warn(
			"session: upstream connection failed: generation=%d err=%v",
			generation,
			err,
		)
	}

	s.failPending()
}

// writeLoop serializes outbound writes on the connection. It returns when the connection's
// reader fails, when a write fails, or at shutdown. A message dequeued but not successfully
// written is lost; its pending entry is failed by the subsequent drain, mirroring ordinary DNS
// loss semantics.
func (s *UpstreamSession) writeLoop(conn net.Conn, readErr <-chan error) error {
	for {
		select {
		case <-s.shutdown:
			return nil
		case err := <-readErr:
			return err
		case msg := <-s.sendCh:
			framed, err := framing.EncodeStream(msg)
			if err != nil {
				// Oversize messages cannot be framed for a stream transport;
				// drop and let the pending entry expire.
				s.logger.Warn("session: dropping unframeable message: err=%v", err)
				continue
			}

			if s.opts.WriteTimeout > 0 {
				if err := conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
					return err
				}
			}

			if _, err := conn.Write(framed); err != nil {
				return err
			}

			s.logger.Debug("session: wrote query to upstream: frame_bytes=%d", len(framed))
		}
	}
}

// readLoop continuously decodes complete frames from the connection and resolves each against
// the correlation table. It returns the first read error; an upstream-initiated close surfaces
// here and is treated identically to any other I/O failure.
func (s *UpstreamSession) readLoop(conn net.Conn) error {
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

				s.dispatch(msg)
			}
		}

		if err != nil {
			return err
		}
	}
}

// dispatch routes one decoded upstream answer to the query awaiting it. Answers carrying an
// unknown correlation key are spurious or stale and are dropped, not errored.
func (s *UpstreamSession) dispatch(msg []byte) {
	key, err := framing.TransactionID(msg)
	if err != nil {
		s.logger.Warn("session: upstream answer too short to correlate; dropping")
		return
	}

	pending, ok := s.table.Resolve(key)
	if !ok {
		s.sessionHook.EmitStaleAnswer()
		s.logger.Debug("session: dropping answer with no pending query: key=%#04x", key)
		return
	}

	pending.Complete(msg)
	s.sessionHook.EmitPending(s.table.Len())
}

// failPending drains every pending entry of the generation that just died and fails each back
// to its client with no answer.
func (s *UpstreamSession) failPending() {
	drained := s.table.DrainAll()
	if len(drained) == 0 {
		return
	}

	for _, pending := range drained {
		pending.Complete(nil)
	}

	s.sessionHook.EmitDrain(len(drained))
	s.logger.Warn("session: failed pending queries for dead generation: count=%d", len(drained))
}

// sleep waits for the supplied duration, returning early with false if the session is shut down
// while waiting.
func (s *UpstreamSession) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-s.shutdown:
		return false
	}
}
