package connection

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/ircrelay/internal/router"
)

func testWSConfig() WebSocketConfig {
	cfg := DefaultWebSocketConfig()
	cfg.PingInterval = 0
	return cfg
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// dialObserver connects a WebSocket client and returns the server side.
func dialObserver(t *testing.T, l *WebSocketListener, server *httptest.Server) (*websocket.Conn, router.Conn) {
	t.Helper()

	client, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	accepted := make(chan router.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	select {
	case c := <-accepted:
		return client, c
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for Accept")
	}
	return nil, nil
}

func TestWebSocketListener_ReadsLines(t *testing.T) {
	l := NewWebSocketListener(testWSConfig(), nil)
	server := httptest.NewServer(l)
	defer server.Close()
	defer l.Close()

	client, conn := dialObserver(t, l, server)
	defer client.Close()
	defer conn.Close()

	client.WriteMessage(websocket.TextMessage, []byte("PRIVMSG #c :hello there"))
	client.WriteMessage(websocket.TextMessage, []byte("NICK finch\r\n"))

	br := bufio.NewReader(conn)
	for _, want := range []string{"PRIVMSG #c :hello there\r\n", "NICK finch\r\n"} {
		got, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if got != want {
			t.Errorf("read %q, want %q", got, want)
		}
	}
}

func TestWebSocketListener_ReadSmallBuffer(t *testing.T) {
	l := NewWebSocketListener(testWSConfig(), nil)
	server := httptest.NewServer(l)
	defer server.Close()
	defer l.Close()

	client, conn := dialObserver(t, l, server)
	defer client.Close()
	defer conn.Close()

	client.WriteMessage(websocket.TextMessage, []byte("PING :abc"))

	var got []byte
	buf := make([]byte, 3)
	for len(got) < len("PING :abc\r\n") {
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	if string(got) != "PING :abc\r\n" {
		t.Errorf("read %q, want %q", got, "PING :abc\r\n")
	}
}

func TestWebSocketListener_WritesOneMessagePerLine(t *testing.T) {
	l := NewWebSocketListener(testWSConfig(), nil)
	server := httptest.NewServer(l)
	defer server.Close()
	defer l.Close()

	client, conn := dialObserver(t, l, server)
	defer client.Close()
	defer conn.Close()

	// A line split across writes is sent once it is complete.
	if _, err := conn.Write([]byte(":a PRIVMSG #c :one\r\n:a PRIVMSG #c :t")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := conn.Write([]byte("wo\r\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, want := range []string{":a PRIVMSG #c :one", ":a PRIVMSG #c :two"} {
		mt, data, err := client.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage failed: %v", err)
		}
		if mt != websocket.TextMessage {
			t.Errorf("message type = %d, want text", mt)
		}
		if string(data) != want {
			t.Errorf("message = %q, want %q", data, want)
		}
	}
}

func TestWebSocketListener_ClientCloseIsEOF(t *testing.T) {
	l := NewWebSocketListener(testWSConfig(), nil)
	server := httptest.NewServer(l)
	defer server.Close()
	defer l.Close()

	client, conn := dialObserver(t, l, server)
	defer conn.Close()

	client.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	client.Close()

	if _, err := conn.Read(make([]byte, 16)); !errors.Is(err, io.EOF) {
		t.Errorf("Read() error = %v, want io.EOF", err)
	}
}

func TestWebSocketListener_CloseStopsAccept(t *testing.T) {
	l := NewWebSocketListener(testWSConfig(), nil)

	if err := l.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if _, err := l.Accept(); !errors.Is(err, ErrListenerClosed) {
		t.Errorf("Accept() error = %v, want ErrListenerClosed", err)
	}
	if got := l.Addr().String(); got != "/observe" {
		t.Errorf("Addr() = %q, want /observe", got)
	}
}

func TestWebSocketListener_StaleObserverClosed(t *testing.T) {
	cfg := testWSConfig()
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PingTimeout = 50 * time.Millisecond

	l := NewWebSocketListener(cfg, nil)
	server := httptest.NewServer(l)
	defer server.Close()
	defer l.Close()

	// The client never reads, so it never answers pings.
	client, conn := dialObserver(t, l, server)
	defer client.Close()

	done := make(chan error, 1)
	go func() {
		_, err := conn.Read(make([]byte, 16))
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Read succeeded on a stale observer")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stale observer was not closed")
	}
}

func TestListenWebSocket(t *testing.T) {
	cfg := testWSConfig()
	cfg.Addr = "127.0.0.1:0"

	l, err := ListenWebSocket(cfg, nil)
	if err != nil {
		t.Skipf("tcp listen unavailable: %v", err)
	}
	defer l.Close()

	var addr net.Addr
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a := l.Addr(); a.Network() == "tcp" {
			addr = a
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if addr == nil {
		t.Fatal("listener never bound")
	}

	client, _, err := websocket.DefaultDialer.Dial("ws://"+addr.String()+cfg.Path, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	conn, err := l.Accept()
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	conn.Close()
}

func TestWebSocketListener_RelaysThroughRouter(t *testing.T) {
	l := NewWebSocketListener(testWSConfig(), nil)
	server := httptest.NewServer(l)
	defer server.Close()

	up, upPeer := net.Pipe()
	defer upPeer.Close()
	go io.Copy(io.Discard, upPeer)

	cfg := router.DefaultConfig(router.Identity{Nick: "finch", Username: "finch", Hostname: "h", Servername: "s", Realname: "r"})
	r := router.New(cfg, up, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.AddListener("websocket", l)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	client, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for len(r.Observers()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("observer never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	upPeer.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := upPeer.Write([]byte(":irc.example.com NOTICE * :server is ready\r\n")); err != nil {
		t.Fatalf("upstream write failed: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if string(data) != ":irc.example.com NOTICE * :server is ready" {
		t.Errorf("message = %q", data)
	}
	if got := r.Observers()[0].Listener; got != "websocket" {
		t.Errorf("Listener = %q, want websocket", got)
	}
}
