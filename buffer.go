package derpnet

// maxIncomingSize bounds the bytes buffered from the relay that have not yet
// been parsed into frames. Larger frames cannot be received.
const maxIncomingSize = 64 * 1024

// incomingBuffer accumulates bytes from the relay until they form complete
// frames. Its capacity is fixed: running out of space is a protocol error.
type incomingBuffer struct {
	buf  []byte
	size int // Valid bytes, starting at buf[0].
}

func newIncomingBuffer(capacity int) *incomingBuffer {
	return &incomingBuffer{buf: make([]byte, capacity)}
}

// append adds p to the buffer. Nothing is added if p does not fit.
func (b *incomingBuffer) append(p []byte) error {
	if len(p) > len(b.buf)-b.size {
		return prefixError(ErrBufferOverflow, "%d bytes buffered, %d bytes arrived, capacity %d", b.size, len(p), len(b.buf))
	}
	b.size += copy(b.buf[b.size:], p)
	return nil
}

// next returns the first complete frame without consuming it. The payload is
// only valid until the next call to consume or append.
func (b *incomingBuffer) next() (FrameType, []byte, bool) {
	return decodeFrame(b.buf[:b.size])
}

// consume removes the first frame, which must have been returned by next.
func (b *incomingBuffer) consume(payloadLen int) {
	b.size = consumeFrame(b.buf, b.size, payloadLen)
}

// reset discards and clears all buffered bytes.
func (b *incomingBuffer) reset() {
	for i := range b.buf[:b.size] {
		b.buf[i] = 0
	}
	b.size = 0
}
