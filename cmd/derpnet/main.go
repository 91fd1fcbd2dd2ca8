/*
Derpnet exchanges end-to-end encrypted packets with peers through a DERP relay
server.

	$ derpnet
	usage: derpnet { init | genkey | pubkey | serverkey | send | recv | chat | sendfile | recvfile | serve | forward }

Peers are identified by their public key. Both peers must connect to the same
relay, or at least to relays in the same region. The relay forwards packets
but cannot read or modify them.

# Init

Create a ".derpnet" directory with a new secret key and an empty known_relays
file, and print the public key that others send packets to:

	alice$ derpnet init
	init: created .derpnet/secret_key
	init: created .derpnet/known_relays
	init: public key 3b6a27bcceb6a42d62a3a8d02a6f0d73653215771de243a63ac048a18b59da29

# Addresses

Commands take a derpnet address: a relay host name, optionally followed by
"+local+server", see derpnet.ParseAddress. A plain host name reads the secret
key from the nearest ".derpnet" directory and accepts any server key. To pin
the relay's key on first use:

	alice$ derpnet chat derp1f.tailscale.com+fs+tofu <bob-public-key>

# Chat

Send lines from stdin to a peer, and print lines from the peer:

	alice$ derpnet chat derp1f.tailscale.com <bob-public-key>
	bob$ derpnet chat derp1f.tailscale.com <alice-public-key>

# Files

Send a file, received by the first peer that sends to us:

	bob$ derpnet recvfile derp1f.tailscale.com
	alice$ derpnet sendfile derp1f.tailscale.com <bob-public-key> photo.jpg

# Forwarding TCP ports

Serve local port 22 to peers, and forward local port 2222 to it:

	server$ derpnet serve derp1f.tailscale.com 22
	client$ derpnet forward derp1f.tailscale.com <server-public-key> localhost:2222
	client$ ssh -p 2222 localhost

A zero-length packet marks the end of a file or TCP connection.
*/
package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mjl-/derpnet"
	"golang.org/x/term"
)

// chunkSize is the size of file and TCP data per packet.
const chunkSize = 16 * 1024

var logLevel = new(slog.LevelVar)

func check(err error, action string) {
	if err != nil {
		log.Fatalf("%s: %s\n", action, err)
	}
}

func main() {
	log.SetFlags(0)
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		NoColor:    !term.IsTerminal(int(os.Stderr.Fd())),
		Level:      logLevel,
		TimeFormat: time.TimeOnly,
	})))

	usage := func() {
		log.Printf("usage: derpnet { init | genkey | pubkey | serverkey | send | recv | chat | sendfile | recvfile | serve | forward }\n")
		os.Exit(2)
	}
	if len(os.Args) < 2 {
		usage()
	}

	args := os.Args[1:]
	switch os.Args[1] {
	case "init":
		init0(args)
	case "genkey":
		genkey(args)
	case "pubkey":
		pubkey(args)
	case "serverkey":
		serverkey(args)
	case "send":
		send(args)
	case "recv":
		recv(args)
	case "chat":
		chat(args)
	case "sendfile":
		sendfile(args)
	case "recvfile":
		recvfile(args)
	case "serve":
		serve(args)
	case "forward":
		forward(args)
	default:
		usage()
	}
}

// parseFlags parses the flags for a subcommand, adding -debug, and checks the
// number of remaining arguments.
func parseFlags(flagset *flag.FlagSet, args []string, usage string, minArgs, maxArgs int) []string {
	debug := flagset.Bool("debug", false, "log protocol details")
	flagset.Usage = func() {
		log.Println("usage: derpnet " + usage)
		flagset.PrintDefaults()
	}
	flagset.Parse(args[1:])
	args = flagset.Args()
	if len(args) < minArgs || maxArgs >= 0 && len(args) > maxArgs {
		flagset.Usage()
		os.Exit(2)
	}
	if *debug {
		logLevel.Set(slog.LevelDebug)
	}
	return args
}

func signalContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), os.Interrupt)
	return ctx
}

// dial connects to the relay at address, logging our public key.
func dial(ctx context.Context, address string, config *derpnet.Config) *derpnet.Conn {
	config.Log = slog.Default()
	conn, err := derpnet.Dial(ctx, address, config)
	check(err, "dial")
	log.Printf("connected to %s, public key %s\n", config.Address, conn.LocalPublic())
	return conn
}

func parsePeer(s string) derpnet.PublicKey {
	key, err := derpnet.ParsePublicKey(s)
	check(err, "parsing peer public key")
	return key
}

func init0(args []string) {
	log.SetPrefix("init: ")

	flagset := flag.NewFlagSet(args[0], flag.ExitOnError)
	parseFlags(flagset, args, "init", 0, 0)

	key, err := derpnet.InitDerpDir(".", &derpnet.Config{})
	check(err, "initializing .derpnet directory")
	log.Println("created .derpnet/secret_key")
	log.Println("created .derpnet/known_relays")
	log.Printf("public key %s\n", key.Public())
}

func genkey(args []string) {
	log.SetPrefix("genkey: ")

	flagset := flag.NewFlagSet(args[0], flag.ExitOnError)
	parseFlags(flagset, args, "genkey >.derpnet/secret_key", 0, 0)

	key, err := derpnet.GenerateSecretKey(nil)
	check(err, "generating secret key")
	_, err = fmt.Printf("%s\n", hex.EncodeToString(key[:]))
	check(err, "write")
}

func pubkey(args []string) {
	log.SetPrefix("pubkey: ")

	flagset := flag.NewFlagSet(args[0], flag.ExitOnError)
	parseFlags(flagset, args, "pubkey < .derpnet/secret_key", 0, 0)

	buf, err := io.ReadAll(io.LimitReader(os.Stdin, 1024))
	check(err, "reading secret key")
	key, err := derpnet.ParseSecretKey(strings.TrimSpace(string(buf)))
	check(err, "parsing secret key")

	_, err = fmt.Printf("%s\n", key.Public())
	check(err, "write")
}

func serverkey(args []string) {
	log.SetPrefix("serverkey: ")

	flagset := flag.NewFlagSet(args[0], flag.ExitOnError)
	args = parseFlags(flagset, args, "serverkey [flags] host", 1, 1)

	addr := args[0]
	if len(strings.Split(addr, "+")) == 1 {
		addr += "+new+any"
	}

	config := &derpnet.Config{Log: slog.Default()}
	conn, err := derpnet.Dial(signalContext(), addr, config)
	check(err, "dial")
	defer conn.Close()

	key, err := conn.ServerKey()
	check(err, "server key")
	_, err = fmt.Printf("derp1 %s %s\n", config.Address, key)
	check(err, "print")
}

func send(args []string) {
	log.SetPrefix("send: ")

	flagset := flag.NewFlagSet(args[0], flag.ExitOnError)
	args = parseFlags(flagset, args, "send [flags] address peer [message ...]", 2, -1)

	ctx := signalContext()
	conn := dial(ctx, args[0], &derpnet.Config{})
	defer conn.Close()
	peer := parsePeer(args[1])

	if len(args) > 2 {
		err := conn.Send(ctx, peer, []byte(strings.Join(args[2:], " ")))
		check(err, "send")
	} else {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			err := conn.Send(ctx, peer, []byte(scanner.Text()))
			check(err, "send")
		}
		check(scanner.Err(), "reading stdin")
	}
	err := conn.Flush(ctx)
	check(err, "flush")
}

func recv(args []string) {
	log.SetPrefix("recv: ")

	flagset := flag.NewFlagSet(args[0], flag.ExitOnError)
	count := flagset.Int("count", 0, "exit after this many packets, 0 for no limit")
	args = parseFlags(flagset, args, "recv [flags] address", 1, 1)

	ctx := signalContext()
	conn := dial(ctx, args[0], &derpnet.Config{})
	defer conn.Close()

	for i := 0; *count == 0 || i < *count; i++ {
		from, msg, err := conn.Recv(ctx)
		check(err, "recv")
		_, err = fmt.Printf("%s %q\n", from, msg)
		check(err, "print")
	}
}

func chat(args []string) {
	log.SetPrefix("chat: ")

	flagset := flag.NewFlagSet(args[0], flag.ExitOnError)
	args = parseFlags(flagset, args, "chat [flags] address peer", 2, 2)
	peer := parsePeer(args[1])

	ctx := signalContext()
	config := &derpnet.Config{
		OnPacket: func(from derpnet.PublicKey, msg []byte) {
			if from != peer {
				slog.Debug("ignoring packet from other peer", "from", from)
				return
			}
			fmt.Printf("%s: %s\n", from.String()[:8], msg)
		},
		OnDisconnect: func(err error) {
			if err != nil {
				log.Fatalf("disconnected: %s\n", err)
			}
		},
	}
	conn := dial(ctx, args[0], config)
	defer conn.Close()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if scanner.Text() == "" {
			continue
		}
		err := conn.Send(ctx, peer, scanner.Bytes())
		check(err, "send")
	}
	check(scanner.Err(), "reading stdin")
	err := conn.Flush(ctx)
	check(err, "flush")
}

func sendfile(args []string) {
	log.SetPrefix("sendfile: ")

	flagset := flag.NewFlagSet(args[0], flag.ExitOnError)
	args = parseFlags(flagset, args, "sendfile [flags] address peer file", 3, 3)
	peer := parsePeer(args[1])

	f, err := os.Open(args[2])
	check(err, "open file")
	defer f.Close()

	ctx := signalContext()
	conn := dial(ctx, args[0], &derpnet.Config{})
	defer conn.Close()

	err = conn.Send(ctx, peer, []byte(filepath.Base(args[2])))
	check(err, "sending file name")

	start := time.Now()
	total, err := sendStream(ctx, conn, peer, f)
	check(err, "sending file")
	err = conn.Flush(ctx)
	check(err, "flush")

	elapsed := time.Since(start)
	log.Printf("sent %d KB in %.1f seconds, %.2f KB/s\n", total/1024, elapsed.Seconds(), float64(total)/1024/elapsed.Seconds())
}

// sendStream sends r to peer in chunks, followed by a zero-length packet.
func sendStream(ctx context.Context, conn *derpnet.Conn, peer derpnet.PublicKey, r io.Reader) (int64, error) {
	var total int64
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if err := conn.Send(ctx, peer, buf[:n]); err != nil {
				return total, err
			}
			total += int64(n)
		}
		if err == io.EOF {
			break
		} else if err != nil {
			return total, err
		}
	}
	return total, conn.Send(ctx, peer, nil)
}

func recvfile(args []string) {
	log.SetPrefix("recvfile: ")

	flagset := flag.NewFlagSet(args[0], flag.ExitOnError)
	args = parseFlags(flagset, args, "recvfile [flags] address [peer]", 1, 2)

	ctx := signalContext()
	conn := dial(ctx, args[0], &derpnet.Config{})
	defer conn.Close()

	var sender derpnet.PublicKey
	var name []byte
	for {
		from, msg, err := conn.Recv(ctx)
		check(err, "waiting for file name")
		if len(args) == 1 || from == parsePeer(args[1]) {
			sender, name = from, msg
			break
		}
	}
	if len(name) == 0 || len(name) > 255 || strings.ContainsAny(string(name), "/\\") || string(name) == "." || string(name) == ".." {
		log.Fatalf("bad file name %q\n", name)
	}
	log.Printf("receiving %q from %s\n", name, sender)

	f, err := os.OpenFile(string(name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	check(err, "create file")

	var total int64
	for {
		from, msg, err := conn.Recv(ctx)
		check(err, "recv")
		if from != sender {
			continue
		}
		if len(msg) == 0 {
			break
		}
		_, err = f.Write(msg)
		check(err, "write file")
		total += int64(len(msg))
	}
	err = f.Close()
	check(err, "close file")
	log.Printf("received %d KB\n", total/1024)
}

func serve(args []string) {
	log.SetPrefix("serve: ")

	flagset := flag.NewFlagSet(args[0], flag.ExitOnError)
	host := flagset.String("host", "127.0.0.1", "host to connect to for each peer")
	args = parseFlags(flagset, args, "serve [flags] address port", 2, 2)
	target := net.JoinHostPort(*host, args[1])

	ctx := signalContext()
	conn := dial(ctx, args[0], &derpnet.Config{})
	defer conn.Close()

	var mu sync.Mutex
	locals := map[derpnet.PublicKey]net.Conn{}

	for {
		from, msg, err := conn.Recv(ctx)
		check(err, "recv")

		mu.Lock()
		local, ok := locals[from]
		mu.Unlock()

		if len(msg) == 0 {
			if ok {
				log.Printf("peer %s closed connection\n", from)
				mu.Lock()
				delete(locals, from)
				mu.Unlock()
				local.Close()
			}
			continue
		}
		if !ok {
			local, err = net.Dial("tcp", target)
			if err != nil {
				log.Printf("connecting to %s for peer %s: %s\n", target, from, err)
				if err := conn.Queue(from, nil); err != nil {
					log.Printf("closing connection for peer %s: %s\n", from, err)
				}
				continue
			}
			log.Printf("new connection from peer %s\n", from)
			mu.Lock()
			locals[from] = local
			mu.Unlock()

			go func(peer derpnet.PublicKey, local net.Conn) {
				lcheck, handle := errorHandler(func(err error) {
					log.Printf("connection for peer %s finished: %s\n", peer, err)
				})
				defer handle()
				defer func() {
					mu.Lock()
					if locals[peer] == local {
						delete(locals, peer)
					}
					mu.Unlock()
					local.Close()
				}()

				// Closed locally after the peer closed, no need to tell it.
				_, err := sendStream(ctx, conn, peer, local)
				if errors.Is(err, net.ErrClosed) {
					err = nil
				}
				lcheck(err, "copy to peer")
			}(from, local)
		}
		if _, err := local.Write(msg); err != nil {
			log.Printf("write to local connection for peer %s: %s\n", from, err)
			local.Close()
		}
	}
}

func forward(args []string) {
	log.SetPrefix("forward: ")

	flagset := flag.NewFlagSet(args[0], flag.ExitOnError)
	args = parseFlags(flagset, args, "forward [flags] address peer listen-address", 3, 3)
	peer := parsePeer(args[1])

	ctx := signalContext()

	var mu sync.Mutex
	var local net.Conn // Current local connection, nil if none.

	config := &derpnet.Config{
		OnPacket: func(from derpnet.PublicKey, msg []byte) {
			mu.Lock()
			defer mu.Unlock()
			if from != peer || local == nil {
				return
			}
			if len(msg) == 0 {
				log.Println("peer closed connection")
				local.Close()
				local = nil
				return
			}
			if _, err := local.Write(msg); err != nil {
				log.Printf("write to local connection: %s\n", err)
				local.Close()
				local = nil
			}
		},
		OnDisconnect: func(err error) {
			if err != nil {
				log.Fatalf("disconnected: %s\n", err)
			}
		},
	}
	conn := dial(ctx, args[0], config)
	defer conn.Close()

	l, err := net.Listen("tcp", args[2])
	check(err, "listen")
	log.Printf("listening on %s\n", l.Addr())

	for {
		c, err := l.Accept()
		check(err, "accept")

		mu.Lock()
		busy := local != nil
		if !busy {
			local = c
		}
		mu.Unlock()
		if busy {
			log.Printf("refusing connection from %s, already forwarding a connection\n", c.RemoteAddr())
			c.Close()
			continue
		}

		log.Printf("forwarding connection from %s\n", c.RemoteAddr())
		_, err = sendStream(ctx, conn, peer, c)
		if err != nil && !errors.Is(err, net.ErrClosed) {
			check(err, "copy to peer")
		}
		mu.Lock()
		if local == c {
			local = nil
		}
		mu.Unlock()
		c.Close()
	}
}
