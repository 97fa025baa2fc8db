package netserver

import (
	"net"
	"sync"
	"time"

	"github.com/jape-engine/japenet/internal/packet"
	"github.com/jape-engine/japenet/internal/transport"
)

// State is the handshake progress of a client.
type State uint8

const (
	Unverified State = iota
	TCPVerified
	UDPVerified
	Connected
)

func (s State) String() string {
	switch s {
	case TCPVerified:
		return "tcp-verified"
	case UDPVerified:
		return "udp-verified"
	case Connected:
		return "connected"
	default:
		return "unverified"
	}
}

const (
	DefaultVerifyTimeout = 5 * time.Second
	DefaultPingTimeout   = 10 * time.Second
	DefaultMaxClients    = 64

	outboxSize = 256
)

// Config is the listening configuration of a Server.
type Config struct {
	TCPAddr string
	UDPAddr string
	// WSAddr enables the WebSocket endpoint for custom-mode clients.
	WSAddr        string
	MaxClients    int
	VerifyTimeout time.Duration
	PingTimeout   time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxClients <= 0 {
		c.MaxClients = DefaultMaxClients
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = DefaultVerifyTimeout
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = DefaultPingTimeout
	}
}

// Handler receives the traffic of verified clients on the tick goroutine.
type Handler interface {
	ClientConnected(id int)
	// ClientDisconnected is only called for clients that had connected.
	ClientDisconnected(id int)
	Packet(id int, t packet.ToSrv, payload []byte)
}

// Client is one entry of the client table.
type Client struct {
	ID         int
	Addr       string
	CustomMode bool

	state      State
	registered bool
	udpAddr    *net.UDPAddr
	accepted   time.Time
	lastSeen   time.Time
	rtt        time.Duration

	link      transport.Link
	outbox    chan packet.Frame
	done      chan struct{}
	closeOnce sync.Once
}

// ClientInfo is a read-only view of a Client.
type ClientInfo struct {
	ID         int    `json:"id"`
	Addr       string `json:"addr"`
	State      string `json:"state"`
	CustomMode bool   `json:"customMode"`
	RTTMillis  int64  `json:"rttMs"`
}

func (c *Client) info() ClientInfo {
	return ClientInfo{
		ID:         c.ID,
		Addr:       c.Addr,
		State:      c.state.String(),
		CustomMode: c.CustomMode,
		RTTMillis:  c.rtt.Milliseconds(),
	}
}

func (c *Client) close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.link.Close()
	})
	return err
}

type eventKind uint8

const (
	evFrame eventKind = iota
	evClosed
)

// event is queued by receive goroutines and consumed by Drain.
type event struct {
	kind   eventKind
	client *Client
	// UDP events carry the claimed client id and source instead of a client.
	udp   bool
	id    int
	addr  *net.UDPAddr
	frame packet.Frame
	err   error
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a != nil && b != nil && a.Port == b.Port && a.IP.Equal(b.IP)
}
