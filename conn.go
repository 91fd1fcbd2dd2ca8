package derpnet

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/mjl-/derpnet/derpws"
	"golang.org/x/xerrors"
)

var (
	// ErrProtocol is returned for protocol-level errors, like malformed frames.
	ErrProtocol = errors.New("protocol error")

	// ErrBufferOverflow is returned when the relay sends more unparsable data than
	// fits in the incoming buffer, typically a frame that is too large. It matches
	// ErrProtocol.
	ErrBufferOverflow error = &wrapErr{errors.New("incoming buffer overflow"), ErrProtocol}

	// ErrBadServerKey indicates the first frame from the relay was not a valid
	// ServerKey frame. It matches ErrProtocol.
	ErrBadServerKey error = &wrapErr{errors.New("bad server key frame"), ErrProtocol}

	// ErrBadServerInfo indicates the second frame from the relay was not a valid
	// ServerInfo frame. It matches ErrProtocol.
	ErrBadServerInfo error = &wrapErr{errors.New("bad server info frame"), ErrProtocol}

	// ErrVersion is returned when the relay announces a protocol version lower
	// than Config.MinServerVersion.
	ErrVersion = errors.New("unsupported server version")

	// ErrDecrypt is returned when a handshake frame or packet cannot be
	// authenticated. Either data was corrupted, or someone is tampering with the
	// connection.
	ErrDecrypt = errors.New("decryption failed")

	// ErrServerUntrusted is returned when the public key of the relay was rejected.
	ErrServerUntrusted = errors.New("server untrusted")

	// ErrNoHandshake is returned for sends before the handshake completed.
	ErrNoHandshake = errors.New("handshake not completed yet")

	// ErrConnClosed is returned when using a closed connection.
	ErrConnClosed = errors.New("connection closed")

	// ErrNoSecretKey indicates no secret key was found, either in the config or
	// through the derpnet address.
	ErrNoSecretKey = errors.New("no secret key")

	// ErrBadKey indicates a key is not valid, either public or secret. Possibly
	// invalid hex, or not 32 bytes.
	ErrBadKey = errors.New("bad key")

	// ErrBadAddress is returned when a derpnet address is malformed.
	ErrBadAddress = errors.New("malformed derpnet address")

	// ErrBadConfig is returned when a config and address cannot be turned into a
	// usable Config.
	ErrBadConfig = errors.New("invalid configuration/address combination")

	// ErrNoDerpDir indicates no .derpnet directory was found.
	ErrNoDerpDir = errors.New("no .derpnet directory found")

	// ErrNoKnownRelays indicates no .derpnet/known_relays file was found.
	ErrNoKnownRelays = errors.New("no .derpnet/known_relays file found")

	errNoConfig      = errors.New("nil config passed to function")
	errFrameTooBig   = errors.New("frame payload does not fit in 32 bits")
	errBadKnownHosts = errors.New("malformed .derpnet/known_relays file")
	errUnexpectedEOF = prefixError(io.ErrUnexpectedEOF, "relay closed connection")
)

// Config holds the identity and callbacks for a relay connection. A Config
// must not be modified after it has been passed to Dial, Client or NewConn.
type Config struct {
	// Rand is the source of randomness for nonces. If nil, Reader from
	// crypto/rand is used.
	Rand io.Reader

	// Address of the relay server, a host name with optional port. Set by
	// ParseAddress, which is also called by Dial.
	Address string

	// SecretKey is our identity. Peers send packets to its public key. Can be set
	// by direct assignment, through a derpnet address containing a secret key, or
	// through the "fs" keyword.
	SecretKey *SecretKey

	// Filled from explicit public keys in the derpnet address.
	serverKeys []PublicKey

	// CheckServerKey is called (if set) to verify the public key of the relay
	// server for the address. If neither CheckServerKey is set nor server keys
	// are listed in the address, any server key is accepted: the relay cannot
	// read or forge packets either way. See CheckKnownRelays and
	// CheckTrustOnFirstUse.
	CheckServerKey func(address string, key PublicKey) error
	isTofu         bool

	// MinServerVersion is the lowest protocol version accepted in the ServerInfo
	// frame. Zero accepts any version.
	MinServerVersion int

	// OnConnect is called when the handshake has completed.
	OnConnect func()

	// OnDisconnect is called exactly once when the connection is gone, with the
	// reason, or nil after Close. It is never followed by other callbacks.
	OnDisconnect func(err error)

	// OnPacket is called for each packet received, in the order the relay
	// delivered them. Reading from the relay is paused until it returns. If nil,
	// packets are read with Conn.Recv.
	OnPacket func(from PublicKey, msg []byte)

	// Log receives diagnostics. If nil, nothing is logged.
	Log *slog.Logger

	// DialTransport makes the byte stream to the relay for Dial. If nil, a
	// WebSocket connection to "wss://<address>/derp" is made.
	DialTransport func(ctx context.Context, address string) (io.ReadWriteCloser, error)
}

// LocalPublic returns the public key for the configured secret key.
//
// If no secret key has been configured, LocalPublic calls panic.
func (c *Config) LocalPublic() PublicKey {
	if c.SecretKey == nil {
		panic("SecretKey not yet set")
	}
	return c.SecretKey.Public()
}

// Packet is a decrypted packet from a peer.
type Packet struct {
	From PublicKey
	Data []byte
}

// Conn is a connection to a relay server, through which packets are exchanged
// with peers identified by their public key.
//
// All frames from the relay are handled by a single goroutine, which also
// makes all callbacks. Sends can be made from any goroutine.
type Conn struct {
	rwc    io.ReadWriteCloser
	config *Config
	log    *slog.Logger
	sess   *session
	out    *outbox

	established chan struct{} // Closed when the handshake completes.
	closed      chan struct{} // Closed on teardown, before OnDisconnect.
	recvq       chan Packet   // Used when config.OnPacket is nil.
	done        chan struct{} // Closed after OnDisconnect returned.

	closeOnce sync.Once
	closeErr  error // Error from closing the transport.
	err       error // First fatal error, nil after Close.
}

// Dial connects to the relay server and performs the handshake.
//
// Dial calls ParseAddress on address, which can be a derpnet address.
func Dial(ctx context.Context, address string, config *Config) (*Conn, error) {
	if config == nil {
		return nil, errNoConfig
	}

	err := ParseAddress(address, config)
	if err != nil {
		return nil, xerrors.Errorf("parsing address: %w", err)
	}

	dial := config.DialTransport
	if dial == nil {
		dial = func(ctx context.Context, address string) (io.ReadWriteCloser, error) {
			return derpws.Dial(ctx, address)
		}
	}
	rwc, err := dial(ctx, config.Address)
	if err != nil {
		return nil, xerrors.Errorf("dialing relay: %w", err)
	}
	return Client(ctx, rwc, config)
}

// Client makes a relay connection over an existing byte stream, like a
// WebSocket connection, and waits for the handshake to complete. On failure,
// the byte stream is closed.
func Client(ctx context.Context, rwc io.ReadWriteCloser, config *Config) (*Conn, error) {
	c, err := NewConn(rwc, config)
	if err != nil {
		rwc.Close()
		return nil, err
	}
	err = c.Handshake(ctx)
	if err != nil {
		c.Close()
		return nil, xerrors.Errorf("handshake: %w", err)
	}
	return c, nil
}

// NewConn starts a relay connection over rwc without waiting for the
// handshake. The outcome is reported through the callbacks in config, and
// through Handshake.
func NewConn(rwc io.ReadWriteCloser, config *Config) (*Conn, error) {
	if config == nil {
		return nil, errNoConfig
	}
	if config.SecretKey == nil {
		return nil, ErrNoSecretKey
	}

	random := config.Rand
	if random == nil {
		random = rand.Reader
	}
	log := config.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	log = log.With("relay", config.Address)

	c := &Conn{
		rwc:         rwc,
		config:      config,
		log:         log,
		sess:        newSession(config.SecretKey, random, log),
		out:         newOutbox(),
		established: make(chan struct{}),
		closed:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	c.sess.minServerVersion = config.MinServerVersion
	c.sess.verify = c.verifyServer
	c.sess.write = c.out.push
	c.sess.established = func(version int) {
		close(c.established)
		c.log.Info("connected to relay", "version", version, "serverkey", c.sess.serverKey)
		if config.OnConnect != nil {
			config.OnConnect()
		}
	}
	if config.OnPacket != nil {
		c.sess.packet = config.OnPacket
	} else {
		c.recvq = make(chan Packet, 64)
		c.sess.packet = c.enqueue
	}

	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

func (c *Conn) verifyServer(key PublicKey) error {
	for _, k := range c.config.serverKeys {
		if k == key {
			return nil
		}
	}
	if c.config.CheckServerKey != nil {
		err := c.config.CheckServerKey(c.config.Address, key)
		if err != nil {
			if xerrors.Is(err, ErrServerUntrusted) {
				return err
			}
			return &wrapErr{ErrServerUntrusted, err}
		}
		if c.config.isTofu {
			c.log.Debug("server key trusted on first use or known", "serverkey", key)
		}
		return nil
	}
	if len(c.config.serverKeys) > 0 {
		return prefixError(ErrServerUntrusted, "unknown server public key %s", key)
	}
	return nil
}

// Handshake waits until the handshake has completed, the connection failed,
// or ctx is done. After a completed handshake it returns nil, also when the
// connection has closed since.
func (c *Conn) Handshake(ctx context.Context) error {
	// Once established, the result no longer depends on later teardown.
	select {
	case <-c.established:
		return nil
	default:
	}
	select {
	case <-c.established:
		return nil
	case <-c.done:
		select {
		case <-c.established:
			return nil
		default:
		}
		if c.err != nil {
			return c.err
		}
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServerKey returns the public key of the relay server, available once the
// relay sent it during the handshake.
func (c *Conn) ServerKey() (PublicKey, error) {
	switch c.sess.current() {
	case stateAwaitServerKey:
		return PublicKey{}, ErrNoHandshake
	case stateClosed:
		select {
		case <-c.established:
		default:
			return PublicKey{}, ErrConnClosed
		}
	}
	return c.sess.serverKey, nil
}

// LocalPublic returns our public key, the address peers send packets to.
func (c *Conn) LocalPublic() PublicKey {
	return c.sess.public
}

// Buffered returns the number of bytes queued for writing to the relay.
func (c *Conn) Buffered() int {
	return c.out.buffered()
}

// Queue encrypts msg for peer and queues it for sending through the relay. It
// does not wait for earlier sends to be written, see Send.
func (c *Conn) Queue(peer PublicKey, msg []byte) error {
	switch c.sess.current() {
	case stateEstablished:
	case stateClosed:
		return ErrConnClosed
	default:
		return ErrNoHandshake
	}

	nonce, err := newNonce(c.sess.rand)
	if err != nil {
		return xerrors.Errorf("generating nonce: %w", err)
	}
	frame, err := appendHeader(make([]byte, 0, frameHeaderSize+KeySize+nonceSize+overhead+len(msg)), FrameSendPacket, KeySize+nonceSize+overhead+len(msg))
	if err != nil {
		return err
	}
	frame = append(frame, peer[:]...)
	frame = append(frame, nonce[:]...)
	frame, ok := c.sess.keys.seal(frame, msg, nonce, peer)
	if !ok {
		return ErrConnClosed
	}
	return c.out.push(frame)
}

// Send is like Queue, but then waits until the bytes queued for the relay have
// dropped below a fixed limit. Senders calling Send for each packet never
// make the queue grow without bounds. Send returns early with an error if ctx
// is done or the connection closes. Concurrent calls are allowed.
func (c *Conn) Send(ctx context.Context, peer PublicKey, msg []byte) error {
	if err := c.Queue(peer, msg); err != nil {
		return err
	}
	return c.out.wait(ctx, maxBufferedSend)
}

// Flush waits until all queued packets have been written to the relay.
func (c *Conn) Flush(ctx context.Context) error {
	return c.out.wait(ctx, 1)
}

// Recv returns the next packet from a peer. Recv can only be used if no
// OnPacket callback was configured.
func (c *Conn) Recv(ctx context.Context) (PublicKey, []byte, error) {
	if c.recvq == nil {
		return PublicKey{}, nil, xerrors.New("packets are delivered to OnPacket callback")
	}
	select {
	case p := <-c.recvq:
		return p.From, p.Data, nil
	case <-ctx.Done():
		return PublicKey{}, nil, ctx.Err()
	case <-c.done:
	}
	// Packets received before the connection went away are still delivered.
	select {
	case p := <-c.recvq:
		return p.From, p.Data, nil
	default:
	}
	if c.err != nil {
		return PublicKey{}, nil, c.err
	}
	return PublicKey{}, nil, ErrConnClosed
}

func (c *Conn) enqueue(from PublicKey, msg []byte) {
	select {
	case c.recvq <- Packet{from, msg}:
	case <-c.closed:
	}
}

// Done returns a channel that is closed when the connection is gone and
// OnDisconnect has returned.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, nil if it is still alive
// or was closed with Close.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close closes the connection. Further incoming data is not processed, queued
// sends are dropped, and OnDisconnect is called with a nil error. Calling
// Close again has no effect.
func (c *Conn) Close() error {
	c.fail(nil)
	return c.closeErr
}

// fail tears down the connection with err as reason. Only the first call has
// effect.
func (c *Conn) fail(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		c.sess.close()
		close(c.closed)
		c.out.close()
		c.closeErr = c.rwc.Close()
		if err != nil {
			c.log.Info("connection failed", "err", err)
		} else {
			c.log.Debug("connection closed")
		}
	})
}

func (c *Conn) readLoop() {
	var rerr error
	defer func() {
		c.fail(rerr)
		c.sess.in.reset()
		c.sess.keys.clear()
		if c.config.OnDisconnect != nil {
			c.config.OnDisconnect(c.err)
		}
		close(c.done)
	}()

	buf := make([]byte, 16*1024)
	for {
		n, err := c.rwc.Read(buf)
		if n > 0 {
			if ferr := c.sess.feed(buf[:n]); ferr != nil {
				rerr = ferr
				return
			}
		}
		if err == io.EOF {
			rerr = errUnexpectedEOF
			return
		} else if err != nil {
			rerr = xerrors.Errorf("reading from relay: %w", err)
			return
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		frame, ok := c.out.pop()
		if !ok {
			return
		}
		_, err := c.rwc.Write(frame)
		c.out.done(len(frame))
		if err != nil {
			c.fail(xerrors.Errorf("writing to relay: %w", err))
			return
		}
	}
}
