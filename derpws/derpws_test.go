package derpws

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestURL(t *testing.T) {
	require.Equal(t, "wss://derp.example.com/derp", URL("derp.example.com"))
	require.Equal(t, "wss://derp.example.com:8443/derp", URL("derp.example.com:8443"))
}

func startServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, []Option) {
	mux := http.NewServeMux()
	mux.Handle("/derp", handler)
	ts := httptest.NewTLSServer(mux)
	t.Cleanup(ts.Close)

	tlsConfig := ts.Client().Transport.(*http.Transport).TLSClientConfig
	return ts, []Option{WithURL("wss" + ts.URL[5:] + "/derp"), WithTLSConfig(tlsConfig)}
}

func TestEcho(t *testing.T) {
	_, opts := startServer(t, func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r)
		if err != nil {
			t.Log("upgrade failed", "error", err)
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	})

	conn, err := Dial(context.Background(), "ignored", opts...)
	require.NoError(t, err)
	defer conn.Close()

	// Messages are concatenated into a stream, boundaries are not preserved.
	for _, s := range []string{"hello", " ", "world"} {
		n, err := conn.Write([]byte(s))
		require.NoError(t, err)
		require.Equal(t, len(s), n)
	}
	buf := make([]byte, len("hello world"))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(buf))
}

func TestServerClose(t *testing.T) {
	_, opts := startServer(t, func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r)
		if err != nil {
			return
		}
		conn.Write([]byte("bye"))
		conn.Close()
	})

	conn, err := Dial(context.Background(), "ignored", opts...)
	require.NoError(t, err)
	defer conn.Close()

	buf, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.Equal(t, "bye", string(buf))
}

func TestNoSubprotocol(t *testing.T) {
	_, opts := startServer(t, func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	})

	_, err := Dial(context.Background(), "ignored", opts...)
	require.ErrorContains(t, err, "subprotocol")
}

func TestNotWebSocket(t *testing.T) {
	_, opts := startServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no relay here", http.StatusNotFound)
	})

	_, err := Dial(context.Background(), "ignored", opts...)
	require.Error(t, err)
}
