// Package netserver is the server half of the connection layer. It accepts
// TCP, UDP and WebSocket peers, runs the verification handshake and routes
// the traffic of connected clients to a Handler on the tick goroutine.
package netserver

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"golang.org/x/net/websocket"

	"github.com/jape-engine/japenet/internal/metrics"
	neterrors "github.com/jape-engine/japenet/internal/netErrors"
	"github.com/jape-engine/japenet/internal/packet"
	"github.com/jape-engine/japenet/internal/transport"
)

var errOutboxFull = errors.New("outbox full")

type Server struct {
	TCPListener *net.TCPListener
	UDPListener *net.UDPConn
	WSServer    *http.Server
	Logger      logr.Logger
	Metrics     *metrics.Metrics
	Config      Config

	handler Handler
	tcpAddr string
	wsAddr  string
	udpPort int

	clients      map[int]*Client
	clientsMutex sync.Mutex
	nextID       int
	closed       bool

	queue      []event
	queueMutex sync.Mutex

	wg sync.WaitGroup
}

// New returns a Server that reports to handler. Start opens the sockets.
func New(cfg Config, handler Handler, logger logr.Logger, m *metrics.Metrics) *Server {
	cfg.setDefaults()
	return &Server{
		Config:  cfg,
		Logger:  logger.WithName("server"),
		Metrics: m,
		handler: handler,
		clients: make(map[int]*Client),
	}
}

// Start listens on the configured addresses and starts the receive
// goroutines.
func (s *Server) Start() error {
	tcpAddr, err := net.ResolveTCPAddr("tcp", s.Config.TCPAddr)
	if err != nil {
		return fmt.Errorf("resolve tcp address: %w", err)
	}
	s.TCPListener, err = net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return fmt.Errorf("listen tcp: %w", err)
	}
	if err := s.createUDPServer(); err != nil {
		s.Logger.Error(err, "error creating UDP server")
		if err := s.TCPListener.Close(); err != nil && !transport.IsClosed(err) {
			s.Logger.Error(err, "error closing TcpListener")
		}
		s.TCPListener = nil
		return err
	}
	s.tcpAddr = s.TCPListener.Addr().String()
	s.udpPort = s.UDPListener.LocalAddr().(*net.UDPAddr).Port
	if s.Config.WSAddr != "" {
		if err := s.createWebSocketServer(); err != nil {
			return multierr.Append(err, s.Close())
		}
	}

	s.wg.Add(2)
	go s.acceptTCP(s.TCPListener)
	go s.receiveUDP(s.UDPListener)

	s.Logger.Info("server started", "tcp", s.tcpAddr, "udpPort", s.udpPort, "ws", s.wsAddr, "maxClients", s.Config.MaxClients)
	return nil
}

func (s *Server) createUDPServer() error {
	udpAddr, err := net.ResolveUDPAddr("udp", s.Config.UDPAddr)
	if err != nil {
		return fmt.Errorf("resolve udp address: %w", err)
	}
	s.UDPListener, err = net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	return nil
}

func (s *Server) createWebSocketServer() error {
	ln, err := net.Listen("tcp", s.Config.WSAddr)
	if err != nil {
		return fmt.Errorf("listen websocket: %w", err)
	}
	s.wsAddr = ln.Addr().String()

	router := chi.NewRouter()
	router.Handle(transport.WebSocketPath, websocket.Handler(s.serveWebSocket))
	s.WSServer = &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error(err, "websocket server stopped")
		}
	}(s.WSServer)
	return nil
}

// TCPAddr returns the bound TCP address.
func (s *Server) TCPAddr() string { return s.tcpAddr }

// UDPPort returns the bound UDP port.
func (s *Server) UDPPort() int { return s.udpPort }

// WSAddr returns the bound WebSocket address, or "".
func (s *Server) WSAddr() string { return s.wsAddr }

// Close stops the listeners and drops every client. Handler callbacks are
// not invoked.
func (s *Server) Close() error {
	s.clientsMutex.Lock()
	s.closed = true
	s.clientsMutex.Unlock()

	var err error
	if s.WSServer != nil {
		if e := s.WSServer.Close(); e != nil {
			err = multierr.Append(err, e)
		} else {
			s.Logger.Info("WebSocket server closed")
		}
		s.WSServer = nil
	}
	if s.UDPListener != nil {
		if e := s.UDPListener.Close(); e != nil && !transport.IsClosed(e) {
			err = multierr.Append(err, e)
		} else if e == nil {
			s.Logger.Info("UDP server closed")
		}
		s.UDPListener = nil
	}
	if s.TCPListener != nil {
		if e := s.TCPListener.Close(); e != nil && !transport.IsClosed(e) {
			err = multierr.Append(err, e)
		} else if e == nil {
			s.Logger.Info("TCP server closed")
		}
		s.TCPListener = nil
	}

	s.clientsMutex.Lock()
	clients := s.clients
	s.clients = make(map[int]*Client)
	s.clientsMutex.Unlock()
	for _, c := range clients {
		if e := c.close(); e != nil && !transport.IsClosed(e) {
			err = multierr.Append(err, e)
		}
	}
	s.wg.Wait()

	s.queueMutex.Lock()
	s.queue = nil
	s.queueMutex.Unlock()
	s.Metrics.SetConnectedClients(0)
	return err
}

func (s *Server) acceptTCP(ln *net.TCPListener) {
	defer s.wg.Done()
	for {
		conn, err := ln.AcceptTCP()
		if err != nil {
			if !transport.IsClosed(err) {
				s.Logger.Error(err, "error accepting TCP connection")
			}
			return
		}
		c := s.accept(transport.TCP(conn), false)
		if c == nil {
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.receive(c)
		}()
	}
}

func (s *Server) serveWebSocket(conn *websocket.Conn) {
	c := s.accept(transport.WebSocket(conn), true)
	if c == nil {
		return
	}
	s.receive(c)
}

// accept adds a client table entry for link and starts the handshake.
func (s *Server) accept(link transport.Link, customMode bool) *Client {
	s.clientsMutex.Lock()
	if s.closed {
		s.clientsMutex.Unlock()
		_ = link.Close()
		return nil
	}
	if len(s.clients) >= s.Config.MaxClients {
		s.clientsMutex.Unlock()
		s.Logger.Info("server full, refusing client", "addr", link.RemoteAddr(), "maxClients", s.Config.MaxClients)
		if err := link.Close(); err != nil && !transport.IsClosed(err) {
			s.Logger.Error(err, "error closing refused connection")
		}
		return nil
	}
	s.nextID++
	now := time.Now()
	c := &Client{
		ID:         s.nextID,
		Addr:       link.RemoteAddr(),
		CustomMode: customMode,
		accepted:   now,
		lastSeen:   now,
		link:       link,
		outbox:     make(chan packet.Frame, outboxSize),
		done:       make(chan struct{}),
	}
	s.clients[c.ID] = c
	s.clientsMutex.Unlock()

	s.Logger.Info("client accepted", "client", c.ID, "addr", c.Addr, "customMode", customMode)
	s.wg.Add(1)
	go s.writeLoop(c)

	p := packet.New(packet.ToCltRegister)
	p.WriteInt32(int32(c.ID))
	p.WriteInt32(int32(s.udpPort))
	s.send(c, p.Frame())
	return c
}

func (s *Server) receive(c *Client) {
	for {
		f, err := c.link.ReadFrame()
		if err != nil {
			s.push(event{kind: evClosed, client: c, err: neterrors.Connection(c.ID, "read", err)})
			return
		}
		s.push(event{kind: evFrame, client: c, frame: f})
	}
}

func (s *Server) receiveUDP(conn *net.UDPConn) {
	defer s.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if transport.IsClosed(err) {
				return
			}
			s.Logger.Error(err, "error reading from UDP")
			continue
		}
		id, f, err := packet.DecodeClientDatagram(append([]byte(nil), buf[:n]...))
		if err != nil {
			s.Logger.V(1).Info("dropping malformed datagram", "addr", addr.String(), "reason", err.Error())
			continue
		}
		s.push(event{kind: evFrame, udp: true, id: int(id), addr: addr, frame: f})
	}
}

func (s *Server) writeLoop(c *Client) {
	defer s.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case f := <-c.outbox:
			if err := c.link.WriteFrame(f); err != nil {
				s.push(event{kind: evClosed, client: c, err: neterrors.Connection(c.ID, "write", err)})
				return
			}
		}
	}
}

func (s *Server) push(ev event) {
	s.queueMutex.Lock()
	s.queue = append(s.queue, ev)
	s.queueMutex.Unlock()
}

// send queues f on the reliable channel of c. A full outbox disconnects c on
// the next Drain.
func (s *Server) send(c *Client, f packet.Frame) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.outbox <- f:
		s.Metrics.Sent(packet.ToClt(f.Type).String(), "tcp")
	default:
		s.push(event{kind: evClosed, client: c, err: neterrors.Connection(c.ID, "send", errOutboxFull)})
	}
}

// sendUDP sends f unreliably. Custom-mode clients and frames that do not
// fit in a datagram use the reliable channel.
func (s *Server) sendUDP(c *Client, f packet.Frame) {
	if c.CustomMode || c.udpAddr == nil || s.UDPListener == nil {
		s.send(c, f)
		return
	}
	raw, err := packet.EncodeDatagram(f)
	if err != nil {
		s.Logger.V(1).Info("sending datagram reliably", "type", packet.ToClt(f.Type).String(), "reason", err.Error())
		s.send(c, f)
		return
	}
	if _, err := s.UDPListener.WriteToUDP(raw, c.udpAddr); err != nil {
		if !transport.IsClosed(err) {
			s.Logger.Error(err, "error writing datagram", "client", c.ID)
		}
		return
	}
	s.Metrics.Sent(packet.ToClt(f.Type).String(), "udp")
}

func (s *Server) lookup(id int) *Client {
	s.clientsMutex.Lock()
	defer s.clientsMutex.Unlock()
	return s.clients[id]
}

func (s *Server) connected(id int) *Client {
	s.clientsMutex.Lock()
	defer s.clientsMutex.Unlock()
	if c, ok := s.clients[id]; ok && c.state == Connected {
		return c
	}
	return nil
}

func (s *Server) connectedClients() []*Client {
	s.clientsMutex.Lock()
	defer s.clientsMutex.Unlock()
	out := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		if c.state == Connected {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SendTCP sends f reliably to a connected client. Unknown ids are ignored.
func (s *Server) SendTCP(id int, f packet.Frame) {
	if c := s.connected(id); c != nil {
		s.send(c, f)
	}
}

// SendUDP sends f unreliably to a connected client. Unknown ids are ignored.
func (s *Server) SendUDP(id int, f packet.Frame) {
	if c := s.connected(id); c != nil {
		s.sendUDP(c, f)
	}
}

// BroadcastTCP sends f reliably to every connected client except except.
// Client ids start at 1, so 0 excludes nobody.
func (s *Server) BroadcastTCP(f packet.Frame, except int) {
	for _, c := range s.connectedClients() {
		if c.ID != except {
			s.send(c, f)
		}
	}
}

// BroadcastUDP sends f unreliably to every connected client except except.
func (s *Server) BroadcastUDP(f packet.Frame, except int) {
	for _, c := range s.connectedClients() {
		if c.ID != except {
			s.sendUDP(c, f)
		}
	}
}

// PingAll sends a ping stamped with now to every connected client.
func (s *Server) PingAll(now time.Time) {
	p := packet.New(packet.ToCltPing)
	p.WriteString(packet.FormatTimestamp(now))
	p.WriteBool(false)
	s.BroadcastTCP(p.Frame(), 0)
}

// Disconnect drops client id.
func (s *Server) Disconnect(id int) {
	if c := s.lookup(id); c != nil {
		s.disconnect(c, errors.New("kicked"))
	}
}

func (s *Server) disconnect(c *Client, reason error) {
	s.clientsMutex.Lock()
	if s.clients[c.ID] != c {
		s.clientsMutex.Unlock()
		return
	}
	delete(s.clients, c.ID)
	wasConnected := c.state == Connected
	n := s.connectedCountLocked()
	s.clientsMutex.Unlock()

	if err := c.close(); err != nil && !transport.IsClosed(err) {
		s.Logger.Error(err, "error closing client connection", "client", c.ID)
	}
	s.Logger.Info("client disconnected", "client", c.ID, "addr", c.Addr, "reason", reason.Error())
	if wasConnected {
		s.Metrics.SetConnectedClients(n)
		s.handler.ClientDisconnected(c.ID)
	}
}

func (s *Server) connectedCountLocked() int {
	n := 0
	for _, c := range s.clients {
		if c.state == Connected {
			n++
		}
	}
	return n
}

// ConnectedCount returns the number of connected clients.
func (s *Server) ConnectedCount() int {
	s.clientsMutex.Lock()
	defer s.clientsMutex.Unlock()
	return s.connectedCountLocked()
}

// ConnectedIDs returns the ids of connected clients in ascending order.
func (s *Server) ConnectedIDs() []int {
	clients := s.connectedClients()
	ids := make([]int, len(clients))
	for i, c := range clients {
		ids[i] = c.ID
	}
	return ids
}

// IsConnected reports whether id completed the handshake.
func (s *Server) IsConnected(id int) bool { return s.connected(id) != nil }

// Clients returns every table entry ordered by id.
func (s *Server) Clients() []ClientInfo {
	s.clientsMutex.Lock()
	defer s.clientsMutex.Unlock()
	out := make([]ClientInfo, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
