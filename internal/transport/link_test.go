package transport

import (
	"bytes"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/net/websocket"

	"github.com/jape-engine/japenet/internal/packet"
)

func TestTCPLink(t *testing.T) {
	a, b := net.Pipe()
	left, right := TCP(a), TCP(b)
	defer left.Close()
	defer right.Close()

	want := packet.Frame{Type: 12, Payload: []byte("hello")}
	errc := make(chan error, 1)
	go func() { errc <- left.WriteFrame(want) }()

	got, err := right.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
	if got.Type != want.Type || !bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("got %+v", got)
	}
}

func TestWebSocketLink(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle(WebSocketPath, websocket.Handler(func(conn *websocket.Conn) {
		l := WebSocket(conn)
		f, err := l.ReadFrame()
		if err != nil {
			return
		}
		f.Type++
		_ = l.WriteFrame(f)
	}))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	l, err := DialWebSocket(strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	if err := l.WriteFrame(packet.Frame{Type: 1, Payload: []byte{1, 2, 3}}); err != nil {
		t.Fatal(err)
	}
	got, err := l.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != 2 || !bytes.Equal(got.Payload, []byte{1, 2, 3}) {
		t.Fatalf("got %+v", got)
	}
}

func TestIsClosed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ln.Close()
	_, err = ln.Accept()
	if !IsClosed(err) {
		t.Fatalf("IsClosed(%v) = false", err)
	}
	if IsClosed(nil) {
		t.Fatal("IsClosed(nil) = true")
	}
}
