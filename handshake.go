package derpnet

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"sync/atomic"

	"golang.org/x/xerrors"
)

// ProtocolVersion is the version announced to the relay in ClientInfo.
const ProtocolVersion = 2

// derpMagic starts every ServerKey frame.
var derpMagic = []byte("DERP🔑")

type connState int32

const (
	stateAwaitServerKey connState = iota
	stateAwaitServerInfo
	stateEstablished
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateAwaitServerKey:
		return "awaiting server key"
	case stateAwaitServerInfo:
		return "awaiting server info"
	case stateEstablished:
		return "established"
	case stateClosed:
		return "closed"
	}
	return "invalid"
}

type clientInfo struct {
	Version int `json:"version"`
}

type serverInfo struct {
	Version *json.Number `json:"version"`
}

// version returns the announced version. Relays may write it as a float, e.g.
// 2.0, which is truncated.
func (si serverInfo) version() (int, error) {
	if si.Version == nil {
		return 0, prefixError(ErrBadServerInfo, "missing version")
	}
	if v, err := si.Version.Int64(); err == nil {
		return int(v), nil
	}
	f, err := si.Version.Float64()
	if err != nil {
		return 0, prefixError(ErrBadServerInfo, "bad version %q", si.Version.String())
	}
	return int(f), nil
}

// session is the protocol state of a connection, without any I/O. Bytes from
// the relay go in through feed, frames to the relay come out through write.
// Only a single goroutine calls feed. The state is read by other goroutines,
// and set to closed by whichever goroutine tears the connection down.
type session struct {
	state atomic.Int32

	secret    *SecretKey
	public    PublicKey
	serverKey PublicKey // Valid after the ServerKey frame.
	keys      *sharedKeys
	in        *incomingBuffer
	rand      io.Reader
	log       *slog.Logger

	minServerVersion int

	// verify is called with the key from the ServerKey frame, and may reject it.
	verify func(PublicKey) error
	// write queues a frame for sending to the relay.
	write func(frame []byte) error
	// established is called once the handshake has completed.
	established func(version int)
	// packet is called for each decrypted packet. The packet is consumed when it returns.
	packet func(from PublicKey, msg []byte)
}

func newSession(secret *SecretKey, random io.Reader, log *slog.Logger) *session {
	return &session{
		secret: secret,
		public: secret.Public(),
		keys:   newSharedKeys(secret),
		in:     newIncomingBuffer(maxIncomingSize),
		rand:   random,
		log:    log,
	}
}

func (s *session) current() connState {
	return connState(s.state.Load())
}

// advance moves from one state to the next, unless the session was closed in
// the meantime.
func (s *session) advance(from, to connState) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

func (s *session) close() {
	s.state.Store(int32(stateClosed))
}

// feed appends data from the relay, and handles all complete frames. A frame
// is only consumed after it was handled, so a frame that fails validation is
// never skipped. Any error is fatal for the connection.
func (s *session) feed(data []byte) error {
	if s.current() == stateClosed {
		return ErrConnClosed
	}
	if err := s.in.append(data); err != nil {
		return err
	}
	for {
		t, payload, ok := s.in.next()
		if !ok {
			return nil
		}
		var err error
		switch st := s.current(); st {
		case stateAwaitServerKey:
			err = s.handleServerKey(t, payload)
		case stateAwaitServerInfo:
			err = s.handleServerInfo(t, payload)
		case stateEstablished:
			err = s.handlePacket(t, payload)
		default:
			return ErrConnClosed
		}
		if err != nil {
			return err
		}
		s.in.consume(len(payload))
	}
}

func (s *session) handleServerKey(t FrameType, payload []byte) error {
	if t != FrameServerKey {
		return prefixError(ErrBadServerKey, "got %s frame", t)
	}
	if len(payload) < len(derpMagic)+KeySize {
		return prefixError(ErrBadServerKey, "payload of %d bytes too short", len(payload))
	}
	if !bytes.Equal(payload[:len(derpMagic)], derpMagic) {
		return prefixError(ErrBadServerKey, "bad magic %x", payload[:len(derpMagic)])
	}
	copy(s.serverKey[:], payload[len(derpMagic):len(derpMagic)+KeySize])
	s.log.Debug("received server key", "serverkey", s.serverKey)

	if s.verify != nil {
		if err := s.verify(s.serverKey); err != nil {
			return err
		}
	}
	if !s.advance(stateAwaitServerKey, stateAwaitServerInfo) {
		return ErrConnClosed
	}
	return s.sendClientInfo()
}

func (s *session) sendClientInfo() error {
	info, err := json.Marshal(clientInfo{Version: ProtocolVersion})
	if err != nil {
		return err
	}
	nonce, err := newNonce(s.rand)
	if err != nil {
		return xerrors.Errorf("generating nonce: %w", err)
	}
	frame, err := appendHeader(nil, FrameClientInfo, KeySize+nonceSize+overhead+len(info))
	if err != nil {
		return err
	}
	frame = append(frame, s.public[:]...)
	frame = append(frame, nonce[:]...)
	frame = sealBox(frame, info, nonce, s.serverKey, s.secret)
	return s.write(frame)
}

func (s *session) handleServerInfo(t FrameType, payload []byte) (rerr error) {
	lcheck, handle := errorHandler(func(err error) {
		rerr = err
	})
	defer handle()

	if t != FrameServerInfo {
		return prefixError(ErrBadServerInfo, "got %s frame", t)
	}
	if len(payload) < nonceSize+overhead {
		return prefixError(ErrBadServerInfo, "payload of %d bytes too short", len(payload))
	}
	var nonce [nonceSize]byte
	copy(nonce[:], payload)
	msg, ok := openBox(nil, payload[nonceSize:], &nonce, s.serverKey, s.secret)
	if !ok {
		return prefixError(ErrDecrypt, "server info")
	}

	var info serverInfo
	err := json.Unmarshal(msg, &info)
	lcheck(prefixErrorIf(ErrBadServerInfo, err), "parsing server info")
	version, err := info.version()
	lcheck(err, "server info")
	if version < s.minServerVersion {
		return prefixError(ErrVersion, "server has version %d, need at least %d", version, s.minServerVersion)
	}

	if !s.advance(stateAwaitServerInfo, stateEstablished) {
		return ErrConnClosed
	}
	s.log.Debug("handshake completed", "version", version)
	if s.established != nil {
		s.established(version)
	}
	return nil
}

func (s *session) handlePacket(t FrameType, payload []byte) error {
	if t != FrameRecvPacket {
		s.log.Debug("skipping frame", "type", t, "size", len(payload))
		return nil
	}
	if len(payload) < KeySize+nonceSize+overhead {
		return prefixError(ErrProtocol, "RecvPacket payload of %d bytes too short", len(payload))
	}

	var from PublicKey
	var nonce [nonceSize]byte
	copy(from[:], payload[:KeySize])
	copy(nonce[:], payload[KeySize:KeySize+nonceSize])
	msg, ok := s.keys.open(nil, payload[KeySize+nonceSize:], &nonce, from)
	if !ok {
		return prefixError(ErrDecrypt, "packet from %s", from)
	}
	if msg == nil {
		msg = []byte{}
	}
	s.packet(from, msg)
	return nil
}

// prefixErrorIf wraps a non-nil err as class, keeping its message.
func prefixErrorIf(class, err error) error {
	if err == nil {
		return nil
	}
	return prefixError(class, "%s", err)
}
