package framing

import (
	"encoding/binary"
	"fmt"
)

// MaxMessageSize is the largest DNS message representable on a stream transport, bounded by the
// 16-bit length prefix mandated by RFC 1035 section 4.2.2.
const MaxMessageSize = 0xffff

// headerSize is the number of octets occupied by the transaction ID at the start of every DNS
// message.
const headerSize = 2

// ErrMalformed indicates a message too short to contain a transaction ID. Such messages are
// dropped without a reply, since the ID needed to address a reply cannot be trusted.
var ErrMalformed = fmt.Errorf("framing: message too short for a DNS header")

// ErrOversize indicates a message that cannot be represented within a 16-bit length prefix.
var ErrOversize = fmt.Errorf("framing: message exceeds maximum stream frame size")

// EncodeStream wraps a DNS message in the length-prefixed frame used by stream transports
// (DNS-over-TCP and DNS-over-TLS): a two-octet big-endian length followed by the message itself.
func EncodeStream(msg []byte) ([]byte, error) {
	if len(msg) > MaxMessageSize {
		return nil, ErrOversize
	}

	framed := make([]byte, 2+len(msg))
	binary.BigEndian.PutUint16(framed, uint16(len(msg)))
	copy(framed[2:], msg)

	return framed, nil
}

// TransactionID reads the 16-bit transaction ID at the fixed offset of a DNS message header.
func TransactionID(msg []byte) (uint16, error) {
	if len(msg) < headerSize {
		return 0, ErrMalformed
	}

	return binary.BigEndian.Uint16(msg), nil
}

// RewriteTransactionID returns a copy of the message with the transaction ID field overwritten.
// The input message is never mutated; the proxy substitutes its own correlation key on the
// upstream wire and restores the client's original ID on the way back.
func RewriteTransactionID(msg []byte, id uint16) ([]byte, error) {
	if len(msg) < headerSize {
		return nil, ErrMalformed
	}

	rewritten := make([]byte, len(msg))
	copy(rewritten, msg)
	binary.BigEndian.PutUint16(rewritten, id)

	return rewritten, nil
}

// StreamDecoder incrementally decodes length-prefixed DNS messages from a stream transport. A
// single network read may carry a partial frame, exactly one frame, or several frames; the
// decoder buffers fed bytes and surfaces complete messages as they become available.
type StreamDecoder struct {
	buf []byte
}

// NewStreamDecoder creates an empty stream decoder.
func NewStreamDecoder() *StreamDecoder {
	return &StreamDecoder{}
}

// Feed appends bytes read from the stream to the decode buffer.
func (d *StreamDecoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next returns the next complete message and advances past it, or returns false if the buffered
// bytes do not yet contain a full frame. The buffer is left untouched in the latter case; the
// caller should read more from the stream and feed again.
func (d *StreamDecoder) Next() ([]byte, bool) {
	if len(d.buf) < 2 {
		return nil, false
	}

	size := int(binary.BigEndian.Uint16(d.buf))
	if len(d.buf) < 2+size {
		return nil, false
	}

	msg := make([]byte, size)
	copy(msg, d.buf[2:2+size])
	d.buf = d.buf[2+size:]

	return msg, true
}

// Buffered reports the number of undecoded bytes currently held.
func (d *StreamDecoder) Buffered() int {
	return len(d.buf)
}
