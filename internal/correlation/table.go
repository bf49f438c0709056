package correlation

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"dotmux/internal/data"
)

// keySpace is the number of distinct correlation keys, bounded by the 16-bit transaction ID
// field they are transmitted in.
const keySpace = 1 << 16

// ErrExhausted indicates that every permitted correlation key is simultaneously pending. It is a
// backpressure signal: the caller must reject the new query rather than reuse a live key.
var ErrExhausted = fmt.Errorf("correlation: no free correlation key")

// Pending represents one in-flight query: the client metadata needed to address the eventual
// reply, and a one-shot completion channel the answer is delivered on.
type Pending struct {
	// ClientID is the transaction ID the client chose. It is restored in the reply; two
	// concurrent clients may legitimately pick the same value.
	ClientID uint16
	// Client is the originating client address, recorded for logging and metrics.
	Client net.Addr

	key     uint16
	arrival time.Time
	item    *data.Item
	done    chan []byte
}

// Key returns the correlation key assigned to this query on the upstream wire.
func (p *Pending) Key() uint16 {
	return p.key
}

// Arrival returns the time at which the query was registered.
func (p *Pending) Arrival() time.Time {
	return p.arrival
}

// Done exposes the completion channel. Exactly one value is ever delivered: the raw upstream
// answer, or nil when the query is expired or drained without one.
func (p *Pending) Done() <-chan []byte {
	return p.done
}

// Complete delivers the answer, or the lack of one, to the waiting query. It must be called at
// most once, by whoever removed the entry from the table.
func (p *Pending) Complete(answer []byte) {
	p.done <- answer
}

// Table maps in-flight correlation keys to their pending queries. It is the unit that makes
// concurrent multiplexing over one upstream connection safe: keys are unique among pending
// entries at any instant, and every entry is released exactly once, whether by answer, expiry,
// or connection drain.
type Table struct {
	mutex    sync.Mutex
	entries  map[uint16]*Pending
	arrivals *data.ArrivalQueue
	next     uint16
	capacity int
}

// NewTable creates a table permitting up to capacity simultaneously pending queries. A
// non-positive or oversized capacity falls back to the full 16-bit key space. The key counter
// starts at a random value so upstream-visible IDs do not form a predictable sequence from
// process start.
func NewTable(capacity int) *Table {
	if capacity <= 0 || capacity > keySpace {
		capacity = keySpace
	}

	return &Table{
		entries:  make(map[uint16]*Pending),
		arrivals: data.NewArrivalQueue(),
		next:     uint16(rand.Intn(keySpace)),
		capacity: capacity,
	}
}

// Register allocates a fresh correlation key for a client query and stores the pending entry. It
// returns ErrExhausted when the configured capacity is fully pending; live keys are never
// reissued.
func (t *Table) Register(clientID uint16, client net.Addr) (*Pending, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if len(t.entries) >= t.capacity {
		return nil, ErrExhausted
	}

	// The capacity check above guarantees at least one free key; the counter wraps and
	// skips values that are still in flight.
	for {
		t.next++
		if _, live := t.entries[t.next]; !live {
			break
		}
	}

	pending := &Pending{
		ClientID: clientID,
		Client:   client,
		key:      t.next,
		arrival:  time.Now(),
		done:     make(chan []byte, 1),
	}

	t.entries[pending.key] = pending
	pending.item = t.arrivals.Push(pending, pending.arrival.UnixNano())

	return pending, nil
}

// Resolve removes and returns the pending entry for a key. It returns false for a key that is
// unknown: stale, already resolved, or never issued. The caller is expected to drop such
// answers silently.
func (t *Table) Resolve(key uint16) (*Pending, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	pending, ok := t.entries[key]
	if !ok {
		return nil, false
	}

	delete(t.entries, key)
	t.arrivals.Remove(pending.item)

	return pending, true
}

// ExpireOlderThan removes and returns every pending entry registered earlier than age ago. The
// arrival-ordered index makes the sweep proportional to the number of expired entries, not the
// table size.
func (t *Table) ExpireOlderThan(age time.Duration) []*Pending {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	threshold := time.Now().Add(-age).UnixNano()

	var expired []*Pending
	for {
		value, ok := t.arrivals.PopOlderThan(threshold)
		if !ok {
			break
		}

		pending := value.(*Pending)
		delete(t.entries, pending.key)
		expired = append(expired, pending)
	}

	return expired
}

// DrainAll removes and returns every pending entry. It is invoked when the upstream connection
// generation changes: answers for these entries can no longer arrive, so each must be failed
// back to its client rather than left to hang.
func (t *Table) DrainAll() []*Pending {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	drained := make([]*Pending, 0, len(t.entries))
	for {
		value, ok := t.arrivals.Pop()
		if !ok {
			break
		}

		pending := value.(*Pending)
		delete(t.entries, pending.key)
		drained = append(drained, pending)
	}

	return drained
}

// Len reads the number of currently pending queries.
func (t *Table) Len() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return len(t.entries)
}
