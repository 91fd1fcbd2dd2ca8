package derpnet

import (
	"encoding/binary"
	"fmt"
	"math"
)

// FrameType is the first byte of every frame on the wire.
type FrameType byte

// Frame types known to this client. Relays may send others, which are skipped
// once the handshake has completed.
const (
	FrameServerKey  FrameType = 1
	FrameClientInfo FrameType = 2
	FrameServerInfo FrameType = 3
	FrameSendPacket FrameType = 4
	FrameRecvPacket FrameType = 5
)

// frameHeaderSize is the type byte followed by a big-endian uint32 payload length.
const frameHeaderSize = 1 + 4

func (t FrameType) String() string {
	switch t {
	case FrameServerKey:
		return "ServerKey"
	case FrameClientInfo:
		return "ClientInfo"
	case FrameServerInfo:
		return "ServerInfo"
	case FrameSendPacket:
		return "SendPacket"
	case FrameRecvPacket:
		return "RecvPacket"
	}
	return fmt.Sprintf("FrameType(%d)", byte(t))
}

// appendHeader appends a frame header for a payload of n bytes to dst. The
// payload must be appended by the caller.
func appendHeader(dst []byte, t FrameType, n int) ([]byte, error) {
	if n < 0 || uint64(n) > math.MaxUint32 {
		return nil, errFrameTooBig
	}
	var hdr [frameHeaderSize]byte
	hdr[0] = byte(t)
	binary.BigEndian.PutUint32(hdr[1:], uint32(n))
	return append(dst, hdr[:]...), nil
}

// appendFrame appends a complete frame with the concatenation of parts as payload.
func appendFrame(dst []byte, t FrameType, parts ...[]byte) ([]byte, error) {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	dst, err := appendHeader(dst, t, n)
	if err != nil {
		return nil, err
	}
	for _, p := range parts {
		dst = append(dst, p...)
	}
	return dst, nil
}

// decodeFrame parses the frame at the start of buf. It reports false if buf
// does not yet hold the complete frame. The returned payload points into buf,
// nothing is copied or consumed.
func decodeFrame(buf []byte) (t FrameType, payload []byte, ok bool) {
	if len(buf) < frameHeaderSize {
		return 0, nil, false
	}
	n := binary.BigEndian.Uint32(buf[1:frameHeaderSize])
	if uint64(len(buf)-frameHeaderSize) < uint64(n) {
		return 0, nil, false
	}
	return FrameType(buf[0]), buf[frameHeaderSize : frameHeaderSize+int(n)], true
}

// consumeFrame removes the leading frame with a payload of payloadLen bytes
// from the first size bytes of buf, moving the remainder to the start of buf.
// It returns the new size.
func consumeFrame(buf []byte, size, payloadLen int) int {
	n := frameHeaderSize + payloadLen
	// copy has memmove semantics, the regions may overlap.
	copy(buf, buf[n:size])
	return size - n
}
