package correlation

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testClient = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 53535}

func TestRegisterAssignsUniqueKeys(t *testing.T) {
	table := NewTable(0)

	// Every client picked the same transaction ID; the table must still hand out a
	// distinct key per pending query.
	const concurrency = 100

	var mutex sync.Mutex
	keys := make(map[uint16]int)

	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()

			pending, err := table.Register(0x0000, testClient)
			if !assert.NoError(t, err) {
				return
			}

			mutex.Lock()
			defer mutex.Unlock()
			keys[pending.Key()]++
		}()
	}

	wg.Wait()

	assert.Len(t, keys, concurrency)
	for _, count := range keys {
		assert.Equal(t, 1, count)
	}
}

func TestResolveRemovesEntry(t *testing.T) {
	table := NewTable(0)

	pending, err := table.Register(0x1234, testClient)
	require.NoError(t, err)

	resolved, ok := table.Resolve(pending.Key())
	require.True(t, ok)
	assert.Equal(t, pending, resolved)
	assert.Equal(t, uint16(0x1234), resolved.ClientID)

	// A key is released exactly once; a second resolve finds nothing.
	_, ok = table.Resolve(pending.Key())
	assert.False(t, ok)
	assert.Equal(t, 0, table.Len())
}

func TestResolveUnknownKey(t *testing.T) {
	table := NewTable(0)

	_, ok := table.Resolve(0xbeef)
	assert.False(t, ok)
}

func TestRegisterExhausted(t *testing.T) {
	table := NewTable(4)

	for i := 0; i < 4; i++ {
		_, err := table.Register(uint16(i), testClient)
		require.NoError(t, err)
	}

	_, err := table.Register(0xffff, testClient)
	assert.ErrorIs(t, err, ErrExhausted)

	// Releasing one slot makes room again.
	drained := table.DrainAll()
	require.Len(t, drained, 4)

	_, err = table.Register(0xffff, testClient)
	assert.NoError(t, err)
}

func TestExpireOlderThan(t *testing.T) {
	table := NewTable(0)

	stale, err := table.Register(0x0001, testClient)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	fresh, err := table.Register(0x0002, testClient)
	require.NoError(t, err)

	expired := table.ExpireOlderThan(15 * time.Millisecond)
	require.Len(t, expired, 1)
	assert.Equal(t, stale.Key(), expired[0].Key())

	// The fresh entry survives and remains resolvable.
	_, ok := table.Resolve(fresh.Key())
	assert.True(t, ok)

	// The expired key was released; it cannot be resolved again.
	_, ok = table.Resolve(stale.Key())
	assert.False(t, ok)
}

func TestExpireThenSlotReuse(t *testing.T) {
	table := NewTable(1)

	_, err := table.Register(0x0001, testClient)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	expired := table.ExpireOlderThan(5 * time.Millisecond)
	require.Len(t, expired, 1)

	// The freed slot is immediately available for a new query.
	_, err = table.Register(0x0002, testClient)
	assert.NoError(t, err)
}

func TestDrainAll(t *testing.T) {
	table := NewTable(0)

	registered := make(map[uint16]bool)
	for i := 0; i < 5; i++ {
		pending, err := table.Register(uint16(i), testClient)
		require.NoError(t, err)
		registered[pending.Key()] = true
	}

	drained := table.DrainAll()
	require.Len(t, drained, 5)
	for _, pending := range drained {
		assert.True(t, registered[pending.Key()])
	}

	assert.Equal(t, 0, table.Len())

	// Nothing drained twice.
	assert.Empty(t, table.DrainAll())
}

func TestPendingCompletion(t *testing.T) {
	table := NewTable(0)

	pending, err := table.Register(0x0001, testClient)
	require.NoError(t, err)

	answer := []byte{0x00, 0x01, 0xca, 0xfe}
	resolved, ok := table.Resolve(pending.Key())
	require.True(t, ok)
	resolved.Complete(answer)

	select {
	case received := <-pending.Done():
		assert.Equal(t, answer, received)
	case <-time.After(time.Second):
		t.Fatal("completion never delivered")
	}
}
