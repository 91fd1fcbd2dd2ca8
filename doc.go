/*
Package derpnet is a client for DERP relay servers, exchanging end-to-end
encrypted packets with peers that are identified by their public key.

A DERP relay forwards packets between clients that cannot reach each other
directly, e.g. because both are behind NAT. Clients connect to the relay over
WebSocket ("wss://host/derp", subprotocol "derp"), see package derpws. The
relay sees who talks to whom, but cannot read or forge packet contents.

Keys are Curve25519 keys, stored and printed in lowercase hex. A 32-byte
public key is derived from a 32-byte secret key.

# Protocol

All data is framed as a 1-byte frame type, a 4-byte big-endian payload length
and the payload. After connecting, the relay sends a ServerKey frame with its
public key. The client answers with a ClientInfo frame: its own public key and
a JSON object with the protocol version, sealed with NaCl box from the client
to the relay. The relay answers with a sealed ServerInfo frame, after which
packets can be exchanged. Each packet is sealed with the key shared between
sender and receiver (box.Precompute), with a fresh random nonce, and carried in
a SendPacket frame to the relay, which delivers it as a RecvPacket frame.

# Connections

Dial parses a derpnet address, connects and performs the handshake. Client and
NewConn run the protocol over an existing byte stream. Incoming packets go to
Config.OnPacket, or are returned by Conn.Recv. Conn.Send waits while too much
data is queued for the relay, pacing bulk senders. Every failure, protocol
violations and authentication failures included, closes the connection and is
reported once through Config.OnDisconnect. Use errors.Is to check for the
errors defined in this package.

# Derpnet addresses

Derpnet uses an address format that can include keys, or specify where keys
are read from:

	host+local+server

Host is the relay host name, with optional port. Local specifies (the source
of) our secret key, server the relay's public key. If local is "fs", the key is
read from ".derpnet/secret_key" in the nearest ".derpnet" directory. If server
is "known" or "tofu", the relay's key is checked against
".derpnet/known_relays". See ParseAddress for details.

Use cmd/derpnet to initialize a ".derpnet" directory, and to chat, transfer
files and forward TCP ports through a relay.
*/
package derpnet
