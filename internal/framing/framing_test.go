package framing

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeStreamRoundTrip(t *testing.T) {
	query := new(dns.Msg)
	query.SetQuestion("example.com.", dns.TypeA)
	query.Id = 0x1234

	msg, err := query.Pack()
	require.NoError(t, err)

	framed, err := EncodeStream(msg)
	require.NoError(t, err)
	assert.Equal(t, len(msg)+2, len(framed))

	decoder := NewStreamDecoder()
	decoder.Feed(framed)

	decoded, ok := decoder.Next()
	require.True(t, ok)
	assert.Equal(t, msg, decoded)
	assert.Equal(t, 0, decoder.Buffered())
}

func TestEncodeStreamEmptyMessage(t *testing.T) {
	framed, err := EncodeStream(nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00}, framed)
}

func TestEncodeStreamOversize(t *testing.T) {
	_, err := EncodeStream(make([]byte, MaxMessageSize+1))
	assert.ErrorIs(t, err, ErrOversize)
}

func TestStreamDecoderPartialFeeds(t *testing.T) {
	msg := []byte{0xab, 0xcd, 0x01, 0x02, 0x03}
	framed, err := EncodeStream(msg)
	require.NoError(t, err)

	decoder := NewStreamDecoder()

	// Feeding one byte at a time never yields a message until the frame completes.
	for _, b := range framed[:len(framed)-1] {
		decoder.Feed([]byte{b})

		_, ok := decoder.Next()
		assert.False(t, ok)
	}

	decoder.Feed(framed[len(framed)-1:])

	decoded, ok := decoder.Next()
	require.True(t, ok)
	assert.Equal(t, msg, decoded)
}

func TestStreamDecoderCoalescedFrames(t *testing.T) {
	first, err := EncodeStream([]byte{0x00, 0x01, 0xaa})
	require.NoError(t, err)
	second, err := EncodeStream([]byte{0x00, 0x02, 0xbb, 0xcc})
	require.NoError(t, err)

	// A single read may carry multiple frames back to back.
	decoder := NewStreamDecoder()
	decoder.Feed(append(first, second...))

	one, ok := decoder.Next()
	require.True(t, ok)
	assert.Equal(t, []byte{0x00, 0x01, 0xaa}, one)

	two, ok := decoder.Next()
	require.True(t, ok)
	assert.Equal(t, []byte{0x00, 0x02, 0xbb, 0xcc}, two)

	_, ok = decoder.Next()
	assert.False(t, ok)
}

func TestTransactionID(t *testing.T) {
	id, err := TransactionID([]byte{0x12, 0x34, 0x00, 0x00})
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), id)
}

func TestTransactionIDMalformed(t *testing.T) {
	for _, msg := range [][]byte{nil, {}, {0xff}} {
		_, err := TransactionID(msg)
		assert.ErrorIs(t, err, ErrMalformed)
	}
}

func TestRewriteTransactionID(t *testing.T) {
	original := []byte{0x12, 0x34, 0xde, 0xad}

	rewritten, err := RewriteTransactionID(original, 0x0001)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01, 0xde, 0xad}, rewritten)

	// The input message is copied, never mutated in place.
	assert.Equal(t, []byte{0x12, 0x34, 0xde, 0xad}, original)
}

func TestRewriteTransactionIDMalformed(t *testing.T) {
	_, err := RewriteTransactionID([]byte{0x01}, 0x0001)
	assert.ErrorIs(t, err, ErrMalformed)
}
