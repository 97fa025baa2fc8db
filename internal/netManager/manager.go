// Package netmanager orchestrates a japenet process. A Manager owns the
// connection layer of its current mode together with the element and
// synced instance registries, routes packets to them and raises lifecycle
// events.
package netmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/jape-engine/japenet/internal/dispatch"
	"github.com/jape-engine/japenet/internal/element"
	"github.com/jape-engine/japenet/internal/instances"
	"github.com/jape-engine/japenet/internal/master"
	"github.com/jape-engine/japenet/internal/metrics"
	netclient "github.com/jape-engine/japenet/internal/netClient"
	neterrors "github.com/jape-engine/japenet/internal/netErrors"
	netserver "github.com/jape-engine/japenet/internal/netServer"
	"github.com/jape-engine/japenet/internal/packet"
	"github.com/jape-engine/japenet/internal/scheduler"
	"github.com/jape-engine/japenet/internal/world"
)

// Mode is the role a Manager currently plays.
type Mode uint8

const (
	Offline Mode = iota
	Client
	Server
)

func (m Mode) String() string {
	switch m {
	case Client:
		return "client"
	case Server:
		return "server"
	default:
		return "offline"
	}
}

// Provider answers a Request or feeds a Listen for player.
type Provider func(player int) (any, error)

// Delegate handles an Invoke from client.
type Delegate func(client int, args []any) error

type listenKey struct {
	player int
	key    string
}

type listener struct {
	client int
	index  int32
}

// Manager is the network context of one process. Apart from Status and
// Subscribe, its methods must be called from the tick goroutine.
type Manager struct {
	Settings  Settings
	Logger    logr.Logger
	Metrics   *metrics.Metrics
	Master    *master.Notifier
	World     world.World
	Elements  *element.Registry
	Instances *instances.Registry
	Listeners *netclient.Listeners
	Scheduler *scheduler.Scheduler

	mu     sync.RWMutex
	mode   Mode
	server *netserver.Server
	client *netclient.Client

	ctx    context.Context
	toSrv  *dispatch.Dispatcher[packet.ToSrv]
	toClt  *dispatch.Dispatcher[packet.ToClt]
	events observers
	jobs   []*scheduler.Job

	onConnect func()
	onError   func(error)
	playerID  int

	providers map[string]Provider
	delegates map[string]Delegate
	listens   map[listenKey][]listener
}

// New returns an offline Manager driving w. When settings mark a server
// build with a master URL, lifecycle events are reported to the master.
func New(settings Settings, w world.World, logger logr.Logger, m *metrics.Metrics) *Manager {
	logger = logger.WithName("net")
	mgr := &Manager{
		Settings:  settings,
		Logger:    logger,
		Metrics:   m,
		World:     w,
		Elements:  element.NewRegistry(logger),
		Instances: instances.New(w, logger),
		Listeners: netclient.NewListeners(),
		Scheduler: scheduler.New(time.Now()),
		ctx:       context.Background(),
		toSrv:     dispatch.New[packet.ToSrv](logger.WithName("server"), m),
		toClt:     dispatch.New[packet.ToClt](logger.WithName("client"), m),
		providers: make(map[string]Provider),
		delegates: make(map[string]Delegate),
		listens:   make(map[listenKey][]listener),
	}
	if settings.ServerBuild && settings.MasterURL != "" {
		mgr.Master = master.New(settings.MasterURL, settings.ServerName, logger)
	}
	mgr.registerServerHandlers()
	mgr.registerClientHandlers()
	return mgr
}

// Mode returns the current mode.
func (m *Manager) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// Subscribe registers fn for every event and returns a function that
// removes it again.
func (m *Manager) Subscribe(fn Observer) (unsubscribe func()) {
	return m.events.subscribe(fn)
}

func (m *Manager) emit(kind EventKind, player int) {
	m.Logger.V(1).Info("event", "event", kind.String(), "player", player)
	m.events.emit(Event{Kind: kind, Player: player})
}

// Connect starts the role picked by Settings.IsServer. See ConnectAs.
func (m *Manager) Connect(ctx context.Context, success func(), fail func(error)) error {
	mode := Client
	if m.Settings.IsServer {
		mode = Server
	}
	return m.ConnectAs(ctx, mode, success, fail)
}

// ConnectAs starts mode. It returns an AlreadyConnectedError when the
// Manager is not offline. Connection failures are not returned: they are
// passed to fail, and the Manager is offline again when fail runs. success
// runs once the server listens, or once the client completed the handshake.
func (m *Manager) ConnectAs(ctx context.Context, mode Mode, success func(), fail func(error)) error {
	if current := m.Mode(); current != Offline {
		return &neterrors.AlreadyConnectedError{Mode: current.String()}
	}
	if success == nil {
		success = func() {}
	}
	if fail == nil {
		fail = func(error) {}
	}

	switch mode {
	case Server:
		return m.startServer(success, fail)
	case Client:
		return m.startClient(ctx, success, fail)
	default:
		return neterrors.State("connect", fmt.Sprintf("can not connect as %s", mode))
	}
}

func (m *Manager) setMode(mode Mode, s *netserver.Server, c *netclient.Client) {
	m.mu.Lock()
	m.mode = mode
	m.server = s
	m.client = c
	m.mu.Unlock()
}

func (m *Manager) startServer(success func(), fail func(error)) error {
	s := netserver.New(m.Settings.serverConfig(), serverHandler{m}, m.Logger, m.Metrics)
	if err := s.Start(); err != nil {
		m.Logger.Error(err, "could not start server")
		fail(err)
		return nil
	}
	m.setMode(Server, s, nil)
	m.jobs = append(m.jobs, m.Scheduler.Every("ping", m.Settings.PingInterval, s.PingAll))

	if m.Settings.ServerBuild {
		m.Master.ServerActivate(0)
	}
	m.emit(StartServer, 0)
	success()
	return nil
}

func (m *Manager) startClient(ctx context.Context, success func(), fail func(error)) error {
	c := netclient.New(m.Settings.clientConfig(), clientHandler{m}, m.Logger, m.Metrics)
	if err := c.Connect(ctx); err != nil {
		m.Logger.Error(err, "could not connect")
		fail(err)
		return nil
	}
	m.setMode(Client, nil, c)
	m.onConnect = success
	m.onError = fail
	m.emit(StartClient, 0)
	return nil
}

// Disconnect stops the current mode and returns to Offline. It does nothing
// when already offline.
func (m *Manager) Disconnect() {
	switch m.Mode() {
	case Server:
		m.stopServer()
	case Client:
		m.stopClient()
	}
}

func (m *Manager) cancelJobs() {
	for _, j := range m.jobs {
		j.Cancel()
	}
	m.jobs = nil
}

func (m *Manager) stopServer() {
	m.mu.RLock()
	s := m.server
	m.mu.RUnlock()
	m.cancelJobs()
	if err := s.Close(); err != nil {
		m.Logger.Error(err, "error closing server")
	}
	m.listens = make(map[listenKey][]listener)
	m.setMode(Offline, nil, nil)
	m.Metrics.SetConnectedClients(0)
	m.Logger.Info("server stopped")
	m.emit(StopServer, 0)
}

func (m *Manager) stopClient() {
	m.mu.RLock()
	c := m.client
	m.mu.RUnlock()
	m.cancelJobs()
	if err := c.Close(); err != nil {
		m.Logger.Error(err, "error closing client")
	}
	m.Listeners.Reset()
	m.onConnect, m.onError = nil, nil
	m.playerID = 0
	m.setMode(Offline, nil, nil)
	m.Logger.Info("client stopped")
	m.emit(StopClient, 0)
}

// Tick drains the connection layer of the current mode, then runs due
// scheduler jobs.
func (m *Manager) Tick(now time.Time) {
	m.tick(context.Background(), now)
}

func (m *Manager) tick(ctx context.Context, now time.Time) {
	m.ctx = ctx
	m.mu.RLock()
	s, c := m.server, m.client
	m.mu.RUnlock()
	switch {
	case s != nil:
		s.Drain(now)
	case c != nil:
		c.Drain(now)
	}
	m.Scheduler.Tick(now)
	m.Metrics.SetSyncedInstances(m.Instances.Len())
}

// Run ticks at the configured rate until ctx ends, then disconnects.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.Settings.tickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Disconnect()
			m.Master.Wait()
			return ctx.Err()
		case now := <-ticker.C:
			m.tick(ctx, now)
		}
	}
}

// Status is a snapshot of the Manager for the status endpoint.
type Status struct {
	Mode            string                 `json:"mode"`
	Player          int                    `json:"player,omitempty"`
	Scene           string                 `json:"scene"`
	Clients         []netserver.ClientInfo `json:"clients,omitempty"`
	ConnectedCount  int                    `json:"connected"`
	SyncedInstances int                    `json:"syncedInstances"`
	Elements        int                    `json:"elements"`
}

// SyncedInstances returns the synced instance records. It may be called
// from any goroutine.
func (m *Manager) SyncedInstances() []instances.Info {
	return m.Instances.Snapshot()
}

// Status may be called from any goroutine.
func (m *Manager) Status() Status {
	m.mu.RLock()
	mode, s, c := m.mode, m.server, m.client
	m.mu.RUnlock()

	st := Status{
		Mode:            mode.String(),
		Scene:           m.World.ActiveScene().Path,
		SyncedInstances: m.Instances.Len(),
		Elements:        m.Elements.Len(),
	}
	if s != nil {
		st.Clients = s.Clients()
		st.ConnectedCount = s.ConnectedCount()
	}
	if c != nil {
		st.Player = c.ID()
	}
	return st
}
