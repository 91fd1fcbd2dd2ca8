package derpnet

import (
	"bytes"
	"testing"
)

func TestFrameRoundtrip(t *testing.T) {
	payload := []byte("hello relay")
	buf, err := appendFrame(nil, FrameSendPacket, payload[:5], payload[5:])
	check(t, err, nil, "append frame")

	exp := append([]byte{4, 0, 0, 0, byte(len(payload))}, payload...)
	if !bytes.Equal(buf, exp) {
		t.Fatalf("encoded frame: got %x, expected %x", buf, exp)
	}

	ft, p, ok := decodeFrame(buf)
	if !ok || ft != FrameSendPacket || !bytes.Equal(p, payload) {
		t.Fatalf("decode: got %v %q %v, expected SendPacket %q true", ft, p, ok, payload)
	}

	// Empty payload is a complete frame on its own.
	buf, err = appendFrame(nil, FrameServerInfo)
	check(t, err, nil, "append empty frame")
	ft, p, ok = decodeFrame(buf)
	if !ok || ft != FrameServerInfo || len(p) != 0 {
		t.Fatalf("decode empty: got %v %q %v", ft, p, ok)
	}

	if _, _, ok := decodeFrame(buf[:4]); ok {
		t.Fatalf("decoded frame from partial header")
	}
}

func TestFrameTooBig(t *testing.T) {
	_, err := appendHeader(nil, FrameSendPacket, -1)
	check(t, err, errFrameTooBig, "negative length")
}

func TestFrameTypeString(t *testing.T) {
	if s := FrameRecvPacket.String(); s != "RecvPacket" {
		t.Fatalf("got %q", s)
	}
	if s := FrameType(9).String(); s != "FrameType(9)" {
		t.Fatalf("got %q", s)
	}
}

func TestIncomingPartial(t *testing.T) {
	b := newIncomingBuffer(maxIncomingSize)
	frame, err := appendFrame(nil, FrameRecvPacket, bytes.Repeat([]byte{'x'}, 100))
	check(t, err, nil, "append frame")

	// Byte at a time, the frame only appears with the last byte.
	for i := range frame {
		if _, _, ok := b.next(); ok {
			t.Fatalf("frame complete after %d of %d bytes", i, len(frame))
		}
		check(t, b.append(frame[i:i+1]), nil, "append byte")
	}
	ft, p, ok := b.next()
	if !ok || ft != FrameRecvPacket || len(p) != 100 {
		t.Fatalf("got %v, %d bytes, %v", ft, len(p), ok)
	}
	b.consume(len(p))
	if b.size != 0 {
		t.Fatalf("size after consume: got %d, expected 0", b.size)
	}
}

func TestIncomingCompaction(t *testing.T) {
	b := newIncomingBuffer(64)
	f1, _ := appendFrame(nil, FrameRecvPacket, []byte("first"))
	f2, _ := appendFrame(nil, FrameServerInfo, []byte("second"))
	data := append(append([]byte{}, f1...), f2...)
	// Partial third frame.
	data = append(data, byte(FrameRecvPacket), 0, 0)

	check(t, b.append(data), nil, "append")

	_, p, ok := b.next()
	if !ok || string(p) != "first" {
		t.Fatalf("first frame: got %q %v", p, ok)
	}
	b.consume(len(p))
	if b.size != len(f2)+3 || !bytes.Equal(b.buf[:len(f2)], f2) {
		t.Fatalf("after first consume: size %d, buf %x", b.size, b.buf[:b.size])
	}

	ft, p, ok := b.next()
	if !ok || ft != FrameServerInfo || string(p) != "second" {
		t.Fatalf("second frame: got %v %q %v", ft, p, ok)
	}
	b.consume(len(p))
	if b.size != 3 || !bytes.Equal(b.buf[:3], []byte{byte(FrameRecvPacket), 0, 0}) {
		t.Fatalf("after second consume: size %d, buf %x", b.size, b.buf[:b.size])
	}

	// Room freed by consuming is usable again.
	check(t, b.append(make([]byte, 61)), nil, "append into freed space")
}

func TestIncomingOverflow(t *testing.T) {
	b := newIncomingBuffer(16)
	check(t, b.append(make([]byte, 10)), nil, "append")

	err := b.append(make([]byte, 7))
	check(t, err, ErrBufferOverflow, "overflow")
	check(t, err, ErrProtocol, "overflow is protocol error")
	if b.size != 10 {
		t.Fatalf("partial append on overflow: size %d, expected 10", b.size)
	}
	check(t, b.append(make([]byte, 6)), nil, "append exactly filling buffer")

	b.reset()
	if b.size != 0 || !bytes.Equal(b.buf, make([]byte, 16)) {
		t.Fatalf("reset did not clear buffer")
	}
}
