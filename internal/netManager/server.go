package netmanager

import (
	"context"
	"sort"

	"github.com/jape-engine/japenet/internal/element"
	elementkey "github.com/jape-engine/japenet/internal/elementKey"
	"github.com/jape-engine/japenet/internal/instances"
	neterrors "github.com/jape-engine/japenet/internal/netErrors"
	netserver "github.com/jape-engine/japenet/internal/netServer"
	"github.com/jape-engine/japenet/internal/packet"
)

// serverHandler receives the events of the server connection layer.
type serverHandler struct{ m *Manager }

var (
	_ netserver.Handler     = serverHandler{}
	_ instances.Replicator = (*Manager)(nil)
)

func (h serverHandler) ClientConnected(id int) {
	m := h.m
	s := m.server
	n := s.ConnectedCount()

	// the newcomer learns about everybody already there, and vice versa
	for _, other := range s.ConnectedIDs() {
		if other != id {
			s.SendTCP(id, playerFrame(packet.ToCltPlayerConnected, other))
		}
	}
	s.BroadcastTCP(playerFrame(packet.ToCltPlayerConnected, id), id)
	s.SendTCP(id, sceneFrame(m.World.ActiveScene().Path))

	if m.Settings.ServerBuild {
		m.Master.PlayerConnect(n)
	}
	if n == 1 {
		m.emit(PlayerConnectServerFirst, id)
	}
	m.emit(PlayerConnectServer, id)
}

func (h serverHandler) ClientDisconnected(id int) {
	m := h.m
	s := m.server
	n := s.ConnectedCount()
	m.dropListens(id)
	s.BroadcastTCP(playerFrame(packet.ToCltPlayerDisconnected, id), 0)

	m.emit(PlayerDisconnectServer, id)
	if n == 0 {
		m.emit(PlayerDisconnectServerLast, id)
	}
	if m.Settings.ServerBuild {
		m.Master.PlayerDisconnect(n)
	}
}

func (h serverHandler) Packet(id int, t packet.ToSrv, payload []byte) {
	_ = h.m.toSrv.Dispatch(h.m.ctx, id, t, payload)
}

func playerFrame(t packet.ToClt, id int) packet.Frame {
	p := packet.New(t)
	p.WriteInt32(int32(id))
	return p.Frame()
}

func sceneFrame(path string) packet.Frame {
	p := packet.New(packet.ToCltSceneChange)
	p.WriteString(path)
	return p.Frame()
}

func (m *Manager) registerServerHandlers() {
	d := m.toSrv
	d.Handle(packet.ToSrvSceneChanged, m.handleSceneChanged)
	d.Handle(packet.ToSrvField, m.handleField)
	d.Handle(packet.ToSrvCall, m.handleCall)
	d.Handle(packet.ToSrvStream, m.handleStream)
	d.Handle(packet.ToSrvSync, m.handleSync)
	d.Handle(packet.ToSrvRequest, m.handleRequest)
	d.Handle(packet.ToSrvListenStart, m.handleListenStart)
	d.Handle(packet.ToSrvListenStop, m.handleListenStop)
	d.Handle(packet.ToSrvInvoke, m.handleInvoke)
}

func (m *Manager) handleSceneChanged(_ context.Context, from int, r *packet.Reader) error {
	if err := r.Finish(); err != nil {
		return err
	}
	m.SyncClient(from)
	m.emit(PlayerSceneChangeServer, from)
	return nil
}

func (m *Manager) handleField(_ context.Context, from int, r *packet.Reader) error {
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
	return m.Elements.Access(from, k, func(e element.Element) error {
		return e.SetField(name, value)
	})
}

func (m *Manager) handleCall(_ context.Context, from int, r *packet.Reader) error {
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
	return m.Elements.Access(from, k, func(e element.Element) error {
		return e.Call(name, args)
	})
}

func (m *Manager) handleStream(_ context.Context, from int, r *packet.Reader) error {
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
	return m.Elements.Access(from, k, func(e element.Element) error {
		return e.Stream(values)
	})
}

func (m *Manager) handleSync(_ context.Context, from int, r *packet.Reader) error {
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
	return m.Elements.Access(from, k, func(e element.Element) error {
		return e.Sync(pairs)
	})
}

func readKeyName(r *packet.Reader) (elementkey.Key, string, error) {
	k, err := r.ReadKey()
	if err != nil {
		return k, "", err
	}
	name, err := r.ReadString()
	return k, name, err
}

// readPlayerKey reads the [int32 player][string key] head of request and
// listen packets.
func readPlayerKey(r *packet.Reader) (int, string, error) {
	player, err := r.ReadInt32()
	if err != nil {
		return 0, "", err
	}
	key, err := r.ReadString()
	return int(player), key, err
}

func (m *Manager) handleRequest(_ context.Context, from int, r *packet.Reader) error {
	player, key, err := readPlayerKey(r)
	if err != nil {
		return err
	}
	index, err := r.ReadInt32()
	if err != nil {
		return err
	}
	if err := r.Finish(); err != nil {
		return err
	}
	value, err := m.provide(player, key)
	// the client waits on index, so it is answered even when nothing is known
	m.respond(from, index, value)
	return err
}

func (m *Manager) handleListenStart(_ context.Context, from int, r *packet.Reader) error {
	player, key, err := readPlayerKey(r)
	if err != nil {
		return err
	}
	index, err := r.ReadInt32()
	if err != nil {
		return err
	}
	if err := r.Finish(); err != nil {
		return err
	}
	lk := listenKey{player: player, key: key}
	m.listens[lk] = append(m.listens[lk], listener{client: from, index: index})
	if _, ok := m.providers[key]; ok {
		value, err := m.provide(player, key)
		if err != nil {
			return err
		}
		m.respond(from, index, value)
	}
	return nil
}

func (m *Manager) handleListenStop(_ context.Context, from int, r *packet.Reader) error {
	player, key, err := readPlayerKey(r)
	if err != nil {
		return err
	}
	index, err := r.ReadInt32()
	if err != nil {
		return err
	}
	if err := r.Finish(); err != nil {
		return err
	}
	lk := listenKey{player: player, key: key}
	subs := m.listens[lk]
	for i, l := range subs {
		if l.client == from && l.index == index {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(m.listens, lk)
	} else {
		m.listens[lk] = subs
	}
	return nil
}

func (m *Manager) handleInvoke(_ context.Context, from int, r *packet.Reader) error {
	key, err := r.ReadString()
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
	d, ok := m.delegates[key]
	if !ok {
		m.Logger.V(1).Info("no delegate", "key", key, "client", from)
		return neterrors.Lookup("delegate", key)
	}
	return d(from, args)
}

func (m *Manager) provide(player int, key string) (any, error) {
	p, ok := m.providers[key]
	if !ok {
		m.Logger.V(1).Info("no provider", "key", key, "player", player)
		return nil, neterrors.Lookup("provider", key)
	}
	return p(player)
}

func (m *Manager) respond(client int, index int32, value any) {
	p := packet.New(packet.ToCltResponse)
	p.WriteInt32(index)
	if err := p.WriteValue(value); err != nil {
		m.Logger.Error(err, "can not encode response", "client", client, "index", index)
		return
	}
	m.server.SendTCP(client, p.Frame())
}

func (m *Manager) dropListens(client int) {
	for lk, subs := range m.listens {
		kept := subs[:0]
		for _, l := range subs {
			if l.client != client {
				kept = append(kept, l)
			}
		}
		if len(kept) == 0 {
			delete(m.listens, lk)
		} else {
			m.listens[lk] = kept
		}
	}
}

// Provide registers the provider answering requests and listens on key.
func (m *Manager) Provide(key string, p Provider) { m.providers[key] = p }

// Delegate registers the handler of Invoke packets for key.
func (m *Manager) Delegate(key string, d Delegate) { m.delegates[key] = d }

// Publish sends value to every client listening on key for player.
func (m *Manager) Publish(player int, key string, value any) error {
	if err := m.requireServer("publish"); err != nil {
		return err
	}
	subs := m.listens[listenKey{player: player, key: key}]
	clients := make([]listener, len(subs))
	copy(clients, subs)
	sort.Slice(clients, func(i, j int) bool { return clients[i].client < clients[j].client })
	for _, l := range clients {
		m.respond(l.client, l.index, value)
	}
	return nil
}

func (m *Manager) requireServer(op string) error {
	if m.Mode() != Server {
		return neterrors.State(op, "not running as server")
	}
	return nil
}

// SyncClient replays the synced instances to client.
func (m *Manager) SyncClient(client int) {
	n := m.Instances.Sync(client, m)
	m.Metrics.SyncPass()
	m.Logger.V(1).Info("synced client", "client", client, "commands", n)
}

// SpawnLocal sends a spawn of cmd to client only.
func (m *Manager) SpawnLocal(client int, cmd instances.SpawnCommand) {
	m.server.SendTCP(client, spawnFrame(cmd))
}

// DespawnLocal sends a despawn of key to client only.
func (m *Manager) DespawnLocal(client int, key string) {
	m.server.SendTCP(client, keyFrame(packet.ToCltDespawn, key))
}

// SetActiveLocal sends the active flag of key to client only.
func (m *Manager) SetActiveLocal(client int, key string, active bool) {
	m.server.SendTCP(client, activeFrame(key, active))
}

func spawnFrame(cmd instances.SpawnCommand) packet.Frame {
	p := packet.New(packet.ToCltSpawn)
	p.WriteString(cmd.Key)
	p.WriteString(cmd.Prefab)
	p.WriteVector3(cmd.Position)
	p.WriteQuaternion(cmd.Rotation)
	p.WriteString(cmd.Parent)
	p.WriteInt32(int32(cmd.Player))
	p.WriteBool(cmd.Active)
	return p.Frame()
}

func keyFrame(t packet.ToClt, key string) packet.Frame {
	p := packet.New(t)
	p.WriteString(key)
	return p.Frame()
}

func activeFrame(key string, active bool) packet.Frame {
	p := packet.New(packet.ToCltSetActive)
	p.WriteString(key)
	p.WriteBool(active)
	return p.Frame()
}

// Spawn instantiates prefab under key on the server and every client.
func (m *Manager) Spawn(key, prefab string, opts instances.SpawnOptions) error {
	if err := m.requireServer("spawn"); err != nil {
		return err
	}
	o, err := m.Instances.Spawn(key, prefab, opts)
	if err != nil {
		return err
	}
	m.server.BroadcastTCP(spawnFrame(instances.SpawnCommand{
		Key:      key,
		Prefab:   prefab,
		Position: o.Position,
		Rotation: o.Rotation,
		Parent:   o.ParentID(),
		Player:   o.Player,
		Active:   o.Active,
	}), 0)
	return nil
}

// Despawn destroys key on the server and every client.
func (m *Manager) Despawn(key string) error {
	if err := m.requireServer("despawn"); err != nil {
		return err
	}
	if err := m.Instances.Despawn(key); err != nil {
		return err
	}
	m.server.BroadcastTCP(keyFrame(packet.ToCltDespawn, key), 0)
	return nil
}

// Parent moves key under parentKey ("" for the root) everywhere.
func (m *Manager) Parent(key, parentKey string) error {
	if err := m.requireServer("parent"); err != nil {
		return err
	}
	if err := m.Instances.Parent(key, parentKey); err != nil {
		return err
	}
	p := packet.New(packet.ToCltParent)
	p.WriteString(key)
	p.WriteString(parentKey)
	m.server.BroadcastTCP(p.Frame(), 0)
	return nil
}

// SetActive toggles key everywhere.
func (m *Manager) SetActive(key string, active bool) error {
	if err := m.requireServer("set active"); err != nil {
		return err
	}
	if err := m.Instances.SetActive(key, active); err != nil {
		return err
	}
	m.server.BroadcastTCP(activeFrame(key, active), 0)
	return nil
}

// SceneChange activates the scene at path and tells the clients to follow.
// The records of the old scene are dropped first. Changing to the active
// scene does nothing; an unknown path is a LookupError and changes nothing.
func (m *Manager) SceneChange(path string) error {
	if err := m.requireServer("scene change"); err != nil {
		return err
	}
	active := m.World.ActiveScene()
	if active.Path == path {
		m.Logger.V(1).Info("scene already active", "scene", path)
		return nil
	}
	if !m.World.HasScene(path) {
		return neterrors.Lookup("scene", path)
	}
	dropped := m.Instances.DesyncScene(active.Index)
	if _, err := m.World.LoadScene(path); err != nil {
		return err
	}
	m.Logger.Info("scene changed", "from", active.Path, "to", path, "dropped", dropped)
	m.server.BroadcastTCP(sceneFrame(path), 0)
	return nil
}

// SendField sets a field of k on every client.
func (m *Manager) SendField(k elementkey.Key, name string, value any) error {
	if err := m.requireServer("field"); err != nil {
		return err
	}
	f, err := fieldFrame(packet.ToCltField, k, name, value)
	if err != nil {
		return err
	}
	m.server.BroadcastTCP(f, 0)
	return nil
}

// SendCall calls name on k on every client.
func (m *Manager) SendCall(k elementkey.Key, name string, args ...any) error {
	if err := m.requireServer("call"); err != nil {
		return err
	}
	f, err := callFrame(packet.ToCltCall, k, name, args)
	if err != nil {
		return err
	}
	m.server.BroadcastTCP(f, 0)
	return nil
}

// SendStream streams values of k to every client unreliably.
func (m *Manager) SendStream(k elementkey.Key, values ...any) error {
	if err := m.requireServer("stream"); err != nil {
		return err
	}
	f, err := streamFrame(packet.ToCltStream, k, values)
	if err != nil {
		return err
	}
	m.server.BroadcastUDP(f, 0)
	return nil
}

// SendSync sends the synced values of k to every client unreliably.
func (m *Manager) SendSync(k elementkey.Key, values map[string]any) error {
	if err := m.requireServer("sync"); err != nil {
		return err
	}
	f, err := syncFrame(packet.ToCltSync, k, values)
	if err != nil {
		return err
	}
	m.server.BroadcastUDP(f, 0)
	return nil
}

func fieldFrame[T packet.Kind](t T, k elementkey.Key, name string, value any) (packet.Frame, error) {
	p := packet.New(t)
	p.WriteKey(k)
	p.WriteString(name)
	if err := p.WriteValue(value); err != nil {
		return packet.Frame{}, err
	}
	return p.Frame(), nil
}

func callFrame[T packet.Kind](t T, k elementkey.Key, name string, args []any) (packet.Frame, error) {
	p := packet.New(t)
	p.WriteKey(k)
	p.WriteString(name)
	if err := p.WriteArgs(args); err != nil {
		return packet.Frame{}, err
	}
	return p.Frame(), nil
}

func streamFrame[T packet.Kind](t T, k elementkey.Key, values []any) (packet.Frame, error) {
	p := packet.New(t)
	p.WriteKey(k)
	if err := p.WriteArgs(values); err != nil {
		return packet.Frame{}, err
	}
	return p.Frame(), nil
}

func syncFrame[T packet.Kind](t T, k elementkey.Key, values map[string]any) (packet.Frame, error) {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	p := packet.New(t)
	p.WriteKey(k)
	if err := p.WritePairs(names, values); err != nil {
		return packet.Frame{}, err
	}
	return p.Frame(), nil
}
