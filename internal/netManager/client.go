package netmanager

import (
	"context"

	"github.com/jape-engine/japenet/internal/dispatch"
	"github.com/jape-engine/japenet/internal/element"
	elementkey "github.com/jape-engine/japenet/internal/elementKey"
	"github.com/jape-engine/japenet/internal/instances"
	netclient "github.com/jape-engine/japenet/internal/netClient"
	neterrors "github.com/jape-engine/japenet/internal/netErrors"
	"github.com/jape-engine/japenet/internal/packet"
)

// clientHandler receives the events of the client connection layer.
type clientHandler struct{ m *Manager }

var _ netclient.Handler = clientHandler{}

func (h clientHandler) Connected(id int) {
	m := h.m
	m.playerID = id
	m.jobs = append(m.jobs, m.Scheduler.Every("ping", m.Settings.PingInterval, m.client.Ping))
	m.emit(ConnectClient, id)
	if m.onConnect != nil {
		done := m.onConnect
		m.onConnect = nil
		done()
	}
}

func (h clientHandler) Disconnected(err error) {
	m := h.m
	if m.playerID != 0 {
		m.emit(DisconnectClient, m.playerID)
	}
	fail := m.onError
	m.stopClient()
	if fail != nil {
		fail(err)
	}
}

func (h clientHandler) Packet(t packet.ToClt, payload []byte) {
	_ = h.m.toClt.Dispatch(h.m.ctx, 0, t, payload)
}

func (m *Manager) registerClientHandlers() {
	d := m.toClt
	d.Handle(packet.ToCltSceneChange, m.handleSceneChange)
	d.Handle(packet.ToCltPlayerConnected, m.handlePlayer(PlayerConnectClient))
	d.Handle(packet.ToCltPlayerDisconnected, m.handlePlayer(PlayerDisconnectClient))
	d.Handle(packet.ToCltField, m.handleLocalField)
	d.Handle(packet.ToCltCall, m.handleLocalCall)
	d.Handle(packet.ToCltStream, m.handleLocalStream)
	d.Handle(packet.ToCltSync, m.handleLocalSync)
	d.Handle(packet.ToCltResponse, m.handleResponse)
	d.Handle(packet.ToCltSpawn, m.handleSpawn)
	d.Handle(packet.ToCltDespawn, m.handleDespawn)
	d.Handle(packet.ToCltParent, m.handleParent)
	d.Handle(packet.ToCltSetActive, m.handleSetActive)
}

// handleSceneChange follows the server into a scene and reports back, which
// makes the server replay its synced instances.
func (m *Manager) handleSceneChange(_ context.Context, _ int, r *packet.Reader) error {
	path, err := r.ReadString()
	if err != nil {
		return err
	}
	if err := r.Finish(); err != nil {
		return err
	}
	if m.World.ActiveScene().Path != path {
		if _, err := m.World.LoadScene(path); err != nil {
			return err
		}
		m.Logger.Info("scene changed", "scene", path)
	}
	return m.SceneChanged()
}

func (m *Manager) handlePlayer(kind EventKind) dispatch.HandlerFunc {
	return func(_ context.Context, _ int, r *packet.Reader) error {
		id, err := r.ReadInt32()
		if err != nil {
			return err
		}
		if err := r.Finish(); err != nil {
			return err
		}
		m.emit(kind, int(id))
		return nil
	}
}

func (m *Manager) handleLocalField(_ context.Context, _ int, r *packet.Reader) error {
	k, name, err := readKeyName(r)
	if err != nil {
		return err
	}
	value, err := r.ReadValue()
	if err != nil {
		return err
	}
	if err := r.Finish(); err != nil {
		return err
	}
	return m.Elements.AccessLocal(k, func(e element.Element) error {
		return e.SetField(name, value)
	})
}

func (m *Manager) handleLocalCall(_ context.Context, _ int, r *packet.Reader) error {
	k, name, err := readKeyName(r)
	if err != nil {
		return err
	}
	args, err := r.ReadArgs()
	if err != nil {
		return err
	}
	if err := r.Finish(); err != nil {
		return err
	}
	return m.Elements.AccessLocal(k, func(e element.Element) error {
		return e.Call(name, args)
	})
}

func (m *Manager) handleLocalStream(_ context.Context, _ int, r *packet.Reader) error {
	k, err := r.ReadKey()
	if err != nil {
		return err
	}
	values, err := r.ReadArgs()
	if err != nil {
		return err
	}
	if err := r.Finish(); err != nil {
		return err
	}
	return m.Elements.AccessLocal(k, func(e element.Element) error {
		return e.Stream(values)
	})
}

func (m *Manager) handleLocalSync(_ context.Context, _ int, r *packet.Reader) error {
	k, err := r.ReadKey()
	if err != nil {
		return err
	}
	pairs, err := r.ReadPairs()
	if err != nil {
		return err
	}
	if err := r.Finish(); err != nil {
		return err
	}
	return m.Elements.AccessLocal(k, func(e element.Element) error {
		return e.Sync(pairs)
	})
}

func (m *Manager) handleResponse(_ context.Context, _ int, r *packet.Reader) error {
	index, err := r.ReadInt32()
	if err != nil {
		return err
	}
	value, err := r.ReadValue()
	if err != nil {
		return err
	}
	if err := r.Finish(); err != nil {
		return err
	}
	if !m.Listeners.Resolve(int(index), value) {
		m.Logger.V(1).Info("response without listener", "index", index)
	}
	return nil
}

// handleSpawn mirrors a server spawn. The local copy is never tracked: only
// the server replays instances.
func (m *Manager) handleSpawn(_ context.Context, _ int, r *packet.Reader) error {
	var cmd instances.SpawnCommand
	var err error
	if cmd.Key, err = r.ReadString(); err != nil {
		return err
	}
	if cmd.Prefab, err = r.ReadString(); err != nil {
		return err
	}
	if cmd.Position, err = r.ReadVector3(); err != nil {
		return err
	}
	if cmd.Rotation, err = r.ReadQuaternion(); err != nil {
		return err
	}
	if cmd.Parent, err = r.ReadString(); err != nil {
		return err
	}
	player, err := r.ReadInt32()
	if err != nil {
		return err
	}
	cmd.Player = int(player)
	if cmd.Active, err = r.ReadBool(); err != nil {
		return err
	}
	if err := r.Finish(); err != nil {
		return err
	}
	if existing := m.World.Find(cmd.Key); existing.Alive() {
		// replayed by a repeated sync pass
		m.Logger.V(1).Info("instance already spawned", "key", cmd.Key)
		m.World.SetActive(existing, cmd.Active)
		return nil
	}

	_, err = m.Instances.Spawn(cmd.Key, cmd.Prefab, instances.SpawnOptions{
		Position:  cmd.Position,
		Rotation:  cmd.Rotation,
		Parent:    cmd.Parent,
		Player:    cmd.Player,
		Active:    cmd.Active,
		Temporary: true,
	})
	return err
}

func (m *Manager) handleDespawn(_ context.Context, _ int, r *packet.Reader) error {
	key, err := r.ReadString()
	if err != nil {
		return err
	}
	if err := r.Finish(); err != nil {
		return err
	}
	o := m.World.Find(key)
	if !o.Alive() {
		m.Logger.V(1).Info("despawn of unknown instance", "key", key)
		return nil
	}
	m.World.Destroy(o)
	return nil
}

func (m *Manager) handleParent(_ context.Context, _ int, r *packet.Reader) error {
	key, err := r.ReadString()
	if err != nil {
		return err
	}
	parentKey, err := r.ReadString()
	if err != nil {
		return err
	}
	if err := r.Finish(); err != nil {
		return err
	}
	o := m.World.Find(key)
	if !o.Alive() {
		return neterrors.Lookup("instance", key)
	}
	if parentKey == "" {
		m.World.SetParent(o, nil)
		return nil
	}
	parent := m.World.Find(parentKey)
	if !parent.Alive() {
		return neterrors.Lookup("parent", parentKey)
	}
	m.World.SetParent(o, parent)
	return nil
}

func (m *Manager) handleSetActive(_ context.Context, _ int, r *packet.Reader) error {
	key, err := r.ReadString()
	if err != nil {
		return err
	}
	active, err := r.ReadBool()
	if err != nil {
		return err
	}
	if err := r.Finish(); err != nil {
		return err
	}
	o := m.World.Find(key)
	if !o.Alive() {
		return neterrors.Lookup("instance", key)
	}
	m.World.SetActive(o, active)
	return nil
}

// connectedClient returns the client connection, or a StateError when the
// Manager is not a connected client.
func (m *Manager) connectedClient(op string) (*netclient.Client, error) {
	m.mu.RLock()
	c := m.client
	m.mu.RUnlock()
	if c == nil || !c.IsConnected() {
		return nil, neterrors.State(op, "not connected as client")
	}
	return c, nil
}

// Player returns the id the server assigned to this client, or 0.
func (m *Manager) Player() int { return m.playerID }

// Field sets a field of k on the server.
func (m *Manager) Field(k elementkey.Key, name string, value any) error {
	c, err := m.connectedClient("field")
	if err != nil {
		return err
	}
	f, err := fieldFrame(packet.ToSrvField, k, name, value)
	if err != nil {
		return err
	}
	c.SendTCP(f)
	return nil
}

// Call calls name on k on the server.
func (m *Manager) Call(k elementkey.Key, name string, args ...any) error {
	c, err := m.connectedClient("call")
	if err != nil {
		return err
	}
	f, err := callFrame(packet.ToSrvCall, k, name, args)
	if err != nil {
		return err
	}
	c.SendTCP(f)
	return nil
}

// Stream streams values of k to the server unreliably.
func (m *Manager) Stream(k elementkey.Key, values ...any) error {
	c, err := m.connectedClient("stream")
	if err != nil {
		return err
	}
	f, err := streamFrame(packet.ToSrvStream, k, values)
	if err != nil {
		return err
	}
	c.SendUDP(f)
	return nil
}

// Sync sends synced values of k to the server unreliably.
func (m *Manager) Sync(k elementkey.Key, values map[string]any) error {
	c, err := m.connectedClient("sync")
	if err != nil {
		return err
	}
	f, err := syncFrame(packet.ToSrvSync, k, values)
	if err != nil {
		return err
	}
	c.SendUDP(f)
	return nil
}

func playerKeyFrame(t packet.ToSrv, player int, key string, index int) packet.Frame {
	p := packet.New(t)
	p.WriteInt32(int32(player))
	p.WriteString(key)
	p.WriteInt32(int32(index))
	return p.Frame()
}

// Request asks the server once for the value of key for player. fn runs on
// the tick goroutine with the answer.
func (m *Manager) Request(player int, key string, fn func(value any)) error {
	c, err := m.connectedClient("request")
	if err != nil {
		return err
	}
	index := m.Listeners.Open(fn, true)
	c.SendTCP(playerKeyFrame(packet.ToSrvRequest, player, key, index))
	return nil
}

// ListenStart subscribes fn to the values the server publishes on key for
// player. The returned index is passed to ListenStop.
func (m *Manager) ListenStart(player int, key string, fn func(value any)) (int, error) {
	c, err := m.connectedClient("listen start")
	if err != nil {
		return 0, err
	}
	index := m.Listeners.Open(fn, false)
	c.SendTCP(playerKeyFrame(packet.ToSrvListenStart, player, key, index))
	return index, nil
}

// ListenStop ends the subscription index.
func (m *Manager) ListenStop(player int, key string, index int) error {
	c, err := m.connectedClient("listen stop")
	if err != nil {
		return err
	}
	m.Listeners.Close(index)
	c.SendTCP(playerKeyFrame(packet.ToSrvListenStop, player, key, index))
	return nil
}

// Invoke runs the server delegate registered for key.
func (m *Manager) Invoke(key string, args ...any) error {
	c, err := m.connectedClient("invoke")
	if err != nil {
		return err
	}
	p := packet.New(packet.ToSrvInvoke)
	p.WriteString(key)
	if err := p.WriteArgs(args); err != nil {
		return err
	}
	c.SendTCP(p.Frame())
	return nil
}

// SceneChanged tells the server that this client finished loading the
// active scene.
func (m *Manager) SceneChanged() error {
	c, err := m.connectedClient("scene changed")
	if err != nil {
		return err
	}
	c.SendTCP(packet.New(packet.ToSrvSceneChanged).Frame())
	return nil
}
