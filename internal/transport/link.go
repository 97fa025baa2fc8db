// Package transport carries packet frames over a reliable stream: a raw TCP
// connection or a WebSocket connection for web clients.
package transport

import (
	"bufio"
	"errors"
	"net"
	"strings"

	"golang.org/x/net/websocket"

	"github.com/jape-engine/japenet/internal/packet"
)

// WebSocketPath is where the server accepts WebSocket clients.
const WebSocketPath = "/net"

// Link is a reliable, ordered frame channel. ReadFrame and WriteFrame may be
// called from different goroutines, but each only from one at a time.
type Link interface {
	ReadFrame() (packet.Frame, error)
	WriteFrame(f packet.Frame) error
	RemoteAddr() string
	Close() error
}

type tcpLink struct {
	conn net.Conn
	r    *bufio.Reader
}

// TCP wraps conn. Frames are length prefixed.
func TCP(conn net.Conn) Link {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return &tcpLink{conn: conn, r: bufio.NewReader(conn)}
}

func (l *tcpLink) ReadFrame() (packet.Frame, error) { return packet.ReadFrame(l.r) }

func (l *tcpLink) WriteFrame(f packet.Frame) error { return packet.WriteFrame(l.conn, f) }

func (l *tcpLink) RemoteAddr() string { return l.conn.RemoteAddr().String() }

func (l *tcpLink) Close() error { return l.conn.Close() }

type wsLink struct {
	conn *websocket.Conn
}

// WebSocket wraps conn. Each binary message carries one frame without the
// length prefix.
func WebSocket(conn *websocket.Conn) Link {
	conn.PayloadType = websocket.BinaryFrame
	conn.MaxPayloadBytes = packet.MaxFrameSize
	return &wsLink{conn: conn}
}

func (l *wsLink) ReadFrame() (packet.Frame, error) {
	var body []byte
	if err := websocket.Message.Receive(l.conn, &body); err != nil {
		return packet.Frame{}, err
	}
	return packet.DecodeMessage(body)
}

func (l *wsLink) WriteFrame(f packet.Frame) error {
	body, err := packet.EncodeMessage(f)
	if err != nil {
		return err
	}
	return websocket.Message.Send(l.conn, body)
}

func (l *wsLink) RemoteAddr() string {
	if r := l.conn.Request(); r != nil {
		return r.RemoteAddr
	}
	return l.conn.RemoteAddr().String()
}

func (l *wsLink) Close() error { return l.conn.Close() }

// DialWebSocket connects to a server's WebSocket endpoint at host:port.
func DialWebSocket(addr string) (Link, error) {
	conn, err := websocket.Dial("ws://"+addr+WebSocketPath, "", "http://"+addr+"/")
	if err != nil {
		return nil, err
	}
	return WebSocket(conn), nil
}

// IsClosed reports whether err comes from using a connection that was
// already closed locally.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection")
}
