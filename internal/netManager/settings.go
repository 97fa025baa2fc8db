package netmanager

import (
	"time"

	netclient "github.com/jape-engine/japenet/internal/netClient"
	netserver "github.com/jape-engine/japenet/internal/netServer"
)

const (
	DefaultTCPAddr      = "127.0.0.1:7777"
	DefaultUDPAddr      = "127.0.0.1:7778"
	DefaultTickRate     = 60
	DefaultPingInterval = time.Second
)

// Settings configure a Manager.
type Settings struct {
	// IsServer selects the role picked by Connect.
	IsServer bool
	// ServerBuild enables the master notifications of a dedicated server.
	ServerBuild bool

	TCPAddr string
	UDPAddr string
	// WSAddr is the WebSocket endpoint. Servers serve it when set; clients
	// dial it in custom mode.
	WSAddr     string
	StatusAddr string
	CustomMode bool

	TickRate       int
	PingInterval   time.Duration
	PingTimeout    time.Duration
	VerifyTimeout  time.Duration
	ConnectTimeout time.Duration
	MaxClients     int

	MasterURL  string
	ServerName string
}

// DefaultSettings returns the settings of a local client.
func DefaultSettings() Settings {
	return Settings{
		TCPAddr:        DefaultTCPAddr,
		UDPAddr:        DefaultUDPAddr,
		TickRate:       DefaultTickRate,
		PingInterval:   DefaultPingInterval,
		PingTimeout:    netserver.DefaultPingTimeout,
		VerifyTimeout:  netserver.DefaultVerifyTimeout,
		ConnectTimeout: netclient.DefaultConnectTimeout,
		MaxClients:     netserver.DefaultMaxClients,
		ServerName:     "japenet",
	}
}

func (s Settings) tickInterval() time.Duration {
	if s.TickRate <= 0 {
		return time.Second / DefaultTickRate
	}
	return time.Second / time.Duration(s.TickRate)
}

func (s Settings) serverConfig() netserver.Config {
	return netserver.Config{
		TCPAddr:       s.TCPAddr,
		UDPAddr:       s.UDPAddr,
		WSAddr:        s.WSAddr,
		MaxClients:    s.MaxClients,
		VerifyTimeout: s.VerifyTimeout,
		PingTimeout:   s.PingTimeout,
	}
}

func (s Settings) clientConfig() netclient.Config {
	addr := s.TCPAddr
	if s.CustomMode {
		addr = s.WSAddr
	}
	return netclient.Config{
		Addr:           addr,
		CustomMode:     s.CustomMode,
		ConnectTimeout: s.ConnectTimeout,
		PingTimeout:    s.PingTimeout,
	}
}
