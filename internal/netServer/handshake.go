package netserver

import (
	"fmt"
	"sort"
	"time"

	neterrors "github.com/jape-engine/japenet/internal/netErrors"
	"github.com/jape-engine/japenet/internal/packet"
)

// Drain processes everything the receive goroutines queued since the last
// call, in arrival order, then drops clients that timed out. It must be
// called from the tick goroutine.
func (s *Server) Drain(now time.Time) {
	s.queueMutex.Lock()
	events := s.queue
	s.queue = nil
	s.queueMutex.Unlock()

	for _, ev := range events {
		s.process(now, ev)
	}
	s.checkTimeouts(now)
}

func (s *Server) process(now time.Time, ev event) {
	c := ev.client
	if ev.udp {
		c = s.lookup(ev.id)
	} else if s.lookup(c.ID) != c {
		c = nil
	}
	if c == nil {
		return
	}
	if ev.kind == evClosed {
		s.disconnect(c, ev.err)
		return
	}

	t := packet.ToSrv(ev.frame.Type)
	channel := "tcp"
	if ev.udp {
		channel = "udp"
		// only the verification datagram may come from an unbound endpoint
		if t != packet.ToSrvVerifiedUDP && !sameAddr(c.udpAddr, ev.addr) {
			s.Logger.V(1).Info("dropping datagram from unbound endpoint", "client", c.ID, "addr", ev.addr.String())
			return
		}
	}
	s.Metrics.Received(t.String(), channel)

	s.clientsMutex.Lock()
	c.lastSeen = now
	s.clientsMutex.Unlock()

	switch t.Band() {
	case packet.BandConnect:
		if err := s.handshake(c, t, ev); err != nil {
			s.Logger.Error(err, "handshake packet rejected", "client", c.ID, "type", t.String())
		}
	case packet.BandSystem, packet.BandData:
		if c.state != Connected {
			s.Logger.Info("rejecting packet from unverified client", "client", c.ID, "type", t.String(), "state", c.state.String())
			return
		}
		if t == packet.ToSrvPing {
			if err := s.ping(c, now, packet.NewReader(ev.frame.Payload)); err != nil {
				s.Logger.Error(err, "bad ping", "client", c.ID)
			}
			return
		}
		s.handler.Packet(c.ID, t, ev.frame.Payload)
	default:
		s.Logger.Info("dropping packet of unknown type", "client", c.ID, "type", t.String())
	}
}

func (s *Server) setState(c *Client, st State) {
	s.clientsMutex.Lock()
	c.state = st
	s.clientsMutex.Unlock()
}

func (s *Server) handshake(c *Client, t packet.ToSrv, ev event) error {
	r := packet.NewReader(ev.frame.Payload)
	switch t {
	case packet.ToSrvRegistered:
		if c.state != Unverified || c.registered {
			return neterrors.State("registered", "client already registered")
		}
		id, err := r.ReadInt32()
		if err != nil {
			return err
		}
		customMode, err := r.ReadBool()
		if err != nil {
			return err
		}
		if int(id) != c.ID {
			return neterrors.State("registered", fmt.Sprintf("client claims id %d", id))
		}
		s.clientsMutex.Lock()
		c.registered = true
		c.CustomMode = c.CustomMode || customMode
		s.clientsMutex.Unlock()
		s.send(c, packet.New(packet.ToCltVerifyTCP).Frame())

	case packet.ToSrvVerifiedTCP:
		if c.state != Unverified || !c.registered {
			return neterrors.State("verified tcp", "unexpected in state "+c.state.String())
		}
		if c.CustomMode {
			// web clients have no datagram channel
			s.setState(c, UDPVerified)
			s.send(c, connectFrame(c.ID))
			return nil
		}
		s.setState(c, TCPVerified)
		s.send(c, packet.New(packet.ToCltVerifyUDP).Frame())

	case packet.ToSrvVerifiedUDP:
		if !ev.udp {
			return neterrors.State("verified udp", "received over the reliable channel")
		}
		if c.state == UDPVerified && sameAddr(c.udpAddr, ev.addr) {
			// the client retries until Connect arrives
			s.sendUDP(c, connectFrame(c.ID))
			return nil
		}
		if c.state != TCPVerified {
			return neterrors.State("verified udp", "unexpected in state "+c.state.String())
		}
		s.clientsMutex.Lock()
		c.udpAddr = ev.addr
		c.state = UDPVerified
		s.clientsMutex.Unlock()
		s.Logger.V(1).Info("bound datagram endpoint", "client", c.ID, "addr", ev.addr.String())
		s.sendUDP(c, connectFrame(c.ID))

	case packet.ToSrvConnected:
		if c.state != UDPVerified {
			return neterrors.State("connected", "unexpected in state "+c.state.String())
		}
		s.clientsMutex.Lock()
		c.state = Connected
		n := s.connectedCountLocked()
		s.clientsMutex.Unlock()
		s.Metrics.SetConnectedClients(n)
		s.Logger.Info("client connected", "client", c.ID, "addr", c.Addr, "customMode", c.CustomMode)
		s.handler.ClientConnected(c.ID)

	default:
		return neterrors.Protocol("handshake", fmt.Errorf("unknown packet %s", t))
	}
	return nil
}

func connectFrame(id int) packet.Frame {
	p := packet.New(packet.ToCltConnect)
	p.WriteInt32(int32(id))
	return p.Frame()
}

// ping answers a client ping, or records the round trip of an answer to one
// of ours.
func (s *Server) ping(c *Client, now time.Time, r *packet.Reader) error {
	stamp, err := r.ReadString()
	if err != nil {
		return err
	}
	reply, err := r.ReadBool()
	if err != nil {
		return err
	}
	if !reply {
		p := packet.New(packet.ToCltPing)
		p.WriteString(stamp)
		p.WriteBool(true)
		s.send(c, p.Frame())
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
	s.clientsMutex.Lock()
	c.rtt = rtt
	s.clientsMutex.Unlock()
	return nil
}

func (s *Server) checkTimeouts(now time.Time) {
	type expiry struct {
		c  *Client
		op string
	}
	var expired []expiry

	s.clientsMutex.Lock()
	for _, c := range s.clients {
		switch {
		case c.state != Connected && now.Sub(c.accepted) > s.Config.VerifyTimeout:
			expired = append(expired, expiry{c, "verify"})
		case c.state == Connected && now.Sub(c.lastSeen) > s.Config.PingTimeout:
			expired = append(expired, expiry{c, "ping"})
		}
	}
	s.clientsMutex.Unlock()

	sort.Slice(expired, func(i, j int) bool { return expired[i].c.ID < expired[j].c.ID })
	for _, e := range expired {
		s.disconnect(e.c, neterrors.Connection(e.c.ID, e.op, neterrors.ErrTimeout))
	}
}
