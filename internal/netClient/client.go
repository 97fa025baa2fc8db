// Package netclient is the client half of the connection layer: it dials the
// server, answers the verification handshake and queues server traffic for
// the tick goroutine.
package netclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"github.com/jape-engine/japenet/internal/metrics"
	neterrors "github.com/jape-engine/japenet/internal/netErrors"
	"github.com/jape-engine/japenet/internal/packet"
	"github.com/jape-engine/japenet/internal/transport"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultPingTimeout    = 10 * time.Second

	verifyRetry = 250 * time.Millisecond
	outboxSize  = 256
)

var (
	// ErrClosed is reported when the server closes the connection.
	ErrClosed = errors.New("connection closed by server")

	errOutboxFull = errors.New("outbox full")
)

// Config configures a Client.
type Config struct {
	// Addr is the server's TCP address, or its WebSocket address in custom
	// mode.
	Addr           string
	CustomMode     bool
	ConnectTimeout time.Duration
	PingTimeout    time.Duration
}

// Handler receives connection events and server packets on the tick
// goroutine.
type Handler interface {
	Connected(id int)
	// Disconnected reports the loss of the connection, or a failed
	// handshake, with its cause.
	Disconnected(err error)
	Packet(t packet.ToClt, payload []byte)
}

type phase uint8

const (
	offline phase = iota
	registering
	verifyingUDP
	connected
)

type event struct {
	closed bool
	udp    bool
	frame  packet.Frame
	err    error
}

// Client is one connection to a server.
type Client struct {
	Logger  logr.Logger
	Metrics *metrics.Metrics
	Config  Config

	handler Handler
	link    transport.Link
	udp     *net.UDPConn
	outbox  chan packet.Frame
	done    chan struct{}

	mu         sync.Mutex
	id         int
	phase      phase
	rtt        time.Duration
	started    time.Time
	lastSeen   time.Time
	lastVerify time.Time

	queue      []event
	queueMutex sync.Mutex

	wg sync.WaitGroup
}

// New returns an unconnected Client.
func New(cfg Config, handler Handler, logger logr.Logger, m *metrics.Metrics) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}
	return &Client{
		Config:  cfg,
		Logger:  logger.WithName("client"),
		Metrics: m,
		handler: handler,
	}
}

// Connect dials the server. The handshake then completes over the following
// Drain calls and ends with Handler.Connected or Handler.Disconnected.
func (c *Client) Connect(ctx context.Context) error {
	if c.link != nil {
		return &neterrors.AlreadyConnectedError{Mode: "client"}
	}
	var (
		link transport.Link
		err  error
	)
	if c.Config.CustomMode {
		link, err = transport.DialWebSocket(c.Config.Addr)
	} else {
		var conn net.Conn
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", c.Config.Addr)
		if err == nil {
			link = transport.TCP(conn)
		}
	}
	if err != nil {
		return neterrors.Connection(0, "dial", err)
	}

	now := time.Now()
	c.link = link
	c.mu.Lock()
	c.phase = registering
	c.started = now
	c.lastSeen = now
	c.mu.Unlock()

	c.outbox = make(chan packet.Frame, outboxSize)
	c.done = make(chan struct{})
	c.wg.Add(2)
	go c.receive(link)
	go c.writeLoop(link, c.outbox, c.done)
	c.Logger.Info("connecting", "addr", c.Config.Addr, "customMode", c.Config.CustomMode)
	return nil
}

// Close drops the connection without notifying the handler.
func (c *Client) Close() error {
	var err error
	if c.done != nil {
		close(c.done)
		c.done, c.outbox = nil, nil
	}
	if c.link != nil {
		if e := c.link.Close(); e != nil && !transport.IsClosed(e) {
			err = multierr.Append(err, e)
		}
		c.link = nil
	}
	if c.udp != nil {
		if e := c.udp.Close(); e != nil && !transport.IsClosed(e) {
			err = multierr.Append(err, e)
		}
		c.udp = nil
	}
	c.wg.Wait()

	c.mu.Lock()
	c.phase = offline
	c.id = 0
	c.mu.Unlock()
	c.queueMutex.Lock()
	c.queue = nil
	c.queueMutex.Unlock()
	return err
}

// ID returns the id assigned by the server, or 0.
func (c *Client) ID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// IsConnected reports whether the handshake completed.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase == connected
}

// RTT returns the last measured round trip time.
func (c *Client) RTT() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rtt
}

func (c *Client) receive(link transport.Link) {
	defer c.wg.Done()
	for {
		f, err := link.ReadFrame()
		if err != nil {
			if transport.IsClosed(err) {
				return
			}
			c.push(event{closed: true, err: err})
			return
		}
		c.push(event{frame: f})
	}
}

func (c *Client) receiveUDP(conn *net.UDPConn) {
	defer c.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if transport.IsClosed(err) {
				return
			}
			// ICMP errors surface here while the server port is not ready
			c.Logger.V(1).Info("error reading from UDP", "reason", err.Error())
			continue
		}
		f, err := packet.DecodeDatagram(append([]byte(nil), buf[:n]...))
		if err != nil {
			c.Logger.V(1).Info("dropping malformed datagram", "reason", err.Error())
			continue
		}
		c.push(event{udp: true, frame: f})
	}
}

func (c *Client) push(ev event) {
	c.queueMutex.Lock()
	c.queue = append(c.queue, ev)
	c.queueMutex.Unlock()
}

func (c *Client) writeLoop(link transport.Link, outbox <-chan packet.Frame, done <-chan struct{}) {
	defer c.wg.Done()
	for {
		select {
		case <-done:
			return
		case f := <-outbox:
			if err := link.WriteFrame(f); err != nil {
				if !transport.IsClosed(err) {
					c.push(event{closed: true, err: err})
				}
				return
			}
		}
	}
}

// SendTCP queues f on the reliable channel. A full outbox drops the
// connection on the next Drain.
func (c *Client) SendTCP(f packet.Frame) {
	if c.outbox == nil {
		return
	}
	select {
	case c.outbox <- f:
		c.Metrics.Sent(packet.ToSrv(f.Type).String(), "tcp")
	default:
		c.push(event{closed: true, err: errOutboxFull})
	}
}

// SendUDP sends f unreliably, or reliably in custom mode and when f does not
// fit in a datagram.
func (c *Client) SendUDP(f packet.Frame) {
	if c.udp == nil || c.Config.CustomMode {
		c.SendTCP(f)
		return
	}
	raw, err := packet.EncodeClientDatagram(int32(c.ID()), f)
	if err != nil {
		c.Logger.V(1).Info("sending datagram reliably", "type", packet.ToSrv(f.Type).String(), "reason", err.Error())
		c.SendTCP(f)
		return
	}
	if _, err := c.udp.Write(raw); err != nil {
		if !transport.IsClosed(err) {
			c.Logger.Error(err, "error writing datagram")
		}
		return
	}
	c.Metrics.Sent(packet.ToSrv(f.Type).String(), "udp")
}

// Ping sends a ping stamped with now.
func (c *Client) Ping(now time.Time) {
	if !c.IsConnected() {
		return
	}
	p := packet.New(packet.ToSrvPing)
	p.WriteString(packet.FormatTimestamp(now))
	p.WriteBool(false)
	c.SendTCP(p.Frame())
}

// Drain processes queued server traffic and checks the connect and ping
// timeouts. It must be called from the tick goroutine.
func (c *Client) Drain(now time.Time) {
	if c.link == nil {
		return
	}
	c.queueMutex.Lock()
	events := c.queue
	c.queue = nil
	c.queueMutex.Unlock()

	for _, ev := range events {
		if ev.closed {
			c.fail(neterrors.Connection(c.ID(), "read", multierr.Append(ErrClosed, ev.err)))
			return
		}
		if err := c.process(now, ev); err != nil {
			c.Logger.Error(err, "packet rejected", "type", packet.ToClt(ev.frame.Type).String())
		}
		if c.link == nil {
			return
		}
	}

	c.mu.Lock()
	ph, started, lastSeen, lastVerify := c.phase, c.started, c.lastSeen, c.lastVerify
	c.mu.Unlock()
	switch {
	case ph != connected && now.Sub(started) > c.Config.ConnectTimeout:
		c.fail(neterrors.Connection(c.ID(), "connect", neterrors.ErrTimeout))
	case ph == connected && now.Sub(lastSeen) > c.Config.PingTimeout:
		c.fail(neterrors.Connection(c.ID(), "ping", neterrors.ErrTimeout))
	case ph == verifyingUDP && now.Sub(lastVerify) > verifyRetry:
		c.verifyUDP(now)
	}
}

// fail drops the connection and reports err to the handler.
func (c *Client) fail(err error) {
	c.Logger.Info("disconnected", "reason", err.Error())
	if e := c.Close(); e != nil {
		c.Logger.Error(e, "error closing connection")
	}
	c.handler.Disconnected(err)
}

func (c *Client) process(now time.Time, ev event) error {
	t := packet.ToClt(ev.frame.Type)
	channel := "tcp"
	if ev.udp {
		channel = "udp"
	}
	c.Metrics.Received(t.String(), channel)
	c.mu.Lock()
	c.lastSeen = now
	c.mu.Unlock()

	r := packet.NewReader(ev.frame.Payload)
	switch t.Band() {
	case packet.BandConnect:
		return c.handshake(now, t, r)
	case packet.BandSystem, packet.BandData:
		if !c.IsConnected() {
			return neterrors.State(t.String(), "not connected")
		}
		if t == packet.ToCltPing {
			return c.ping(now, r)
		}
		c.handler.Packet(t, ev.frame.Payload)
		return nil
	default:
		return neterrors.Protocol("receive", fmt.Errorf("unknown packet %s", t))
	}
}

func (c *Client) handshake(now time.Time, t packet.ToClt, r *packet.Reader) error {
	c.mu.Lock()
	ph := c.phase
	c.mu.Unlock()

	switch t {
	case packet.ToCltRegister:
		if ph != registering {
			return neterrors.State("register", "unexpected register")
		}
		id, err := r.ReadInt32()
		if err != nil {
			return err
		}
		udpPort, err := r.ReadInt32()
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.id = int(id)
		c.mu.Unlock()
		if !c.Config.CustomMode {
			if err := c.dialUDP(int(udpPort)); err != nil {
				c.fail(neterrors.Connection(int(id), "dial udp", err))
				return nil
			}
		}
		p := packet.New(packet.ToSrvRegistered)
		p.WriteInt32(id)
		p.WriteBool(c.Config.CustomMode)
		c.SendTCP(p.Frame())

	case packet.ToCltVerifyTCP:
		if ph != registering {
			return neterrors.State("verify tcp", "unexpected verify")
		}
		c.SendTCP(packet.New(packet.ToSrvVerifiedTCP).Frame())

	case packet.ToCltVerifyUDP:
		if ph != registering {
			return neterrors.State("verify udp", "unexpected verify")
		}
		c.mu.Lock()
		c.phase = verifyingUDP
		c.mu.Unlock()
		c.verifyUDP(now)

	case packet.ToCltConnect:
		if ph == connected {
			// duplicate answer to a retried verification
			return nil
		}
		id, err := r.ReadInt32()
		if err != nil {
			return err
		}
		if int(id) != c.ID() {
			return neterrors.State("connect", fmt.Sprintf("server sent id %d", id))
		}
		c.mu.Lock()
		c.phase = connected
		c.mu.Unlock()
		c.SendTCP(packet.New(packet.ToSrvConnected).Frame())
		c.Logger.Info("connected", "client", c.ID(), "addr", c.Config.Addr)
		c.handler.Connected(int(id))

	default:
		return neterrors.Protocol("handshake", fmt.Errorf("unknown packet %s", t))
	}
	return nil
}

func (c *Client) dialUDP(port int) error {
	host, _, err := net.SplitHostPort(c.Config.Addr)
	if err != nil {
		return err
	}
	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return err
	}
	c.udp = conn
	c.wg.Add(1)
	go c.receiveUDP(conn)
	return nil
}

func (c *Client) verifyUDP(now time.Time) {
	c.mu.Lock()
	c.lastVerify = now
	c.mu.Unlock()
	c.SendUDP(packet.New(packet.ToSrvVerifiedUDP).Frame())
}

func (c *Client) ping(now time.Time, r *packet.Reader) error {
	stamp, err := r.ReadString()
	if err != nil {
		return err
	}
	reply, err := r.ReadBool()
	if err != nil {
		return err
	}
	if !reply {
		p := packet.New(packet.ToSrvPing)
		p.WriteString(stamp)
		p.WriteBool(true)
		c.SendTCP(p.Frame())
		return nil
	}
	sent, err := packet.ParseTimestamp(stamp)
	if err != nil {
		return neterrors.Protocol("ping", err)
	}
	rtt := now.Sub(sent)
	if rtt < 0 {
		rtt = 0
	}
	c.mu.Lock()
	c.rtt = rtt
	c.mu.Unlock()
	return nil
}
