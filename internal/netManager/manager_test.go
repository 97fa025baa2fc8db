package netmanager

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"

	"github.com/jape-engine/japenet/internal/element"
	"github.com/jape-engine/japenet/internal/instances"
	neterrors "github.com/jape-engine/japenet/internal/netErrors"
	"github.com/jape-engine/japenet/internal/packet"
	"github.com/jape-engine/japenet/internal/world"
)

type recorder struct {
	events []Event
}

func (r *recorder) observe(ev Event) { r.events = append(r.events, ev) }

func (r *recorder) count(kind EventKind) int {
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) kinds() []EventKind {
	out := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func newWorld() *world.Memory {
	w := world.NewMemory("main", "arena")
	w.AddPrefab("Box")
	return w
}

func newManager(t *testing.T, settings Settings, w *world.Memory) (*Manager, *recorder) {
	t.Helper()
	m := New(settings, w, testr.New(t), nil)
	rec := &recorder{}
	m.Subscribe(rec.observe)
	t.Cleanup(m.Disconnect)
	return m, rec
}

func startServer(t *testing.T) (*Manager, *recorder) {
	t.Helper()
	settings := DefaultSettings()
	settings.IsServer = true
	settings.TCPAddr = "127.0.0.1:0"
	settings.UDPAddr = "127.0.0.1:0"
	m, rec := newManager(t, settings, newWorld())
	var failed error
	if err := m.Connect(context.Background(), nil, func(err error) { failed = err }); err != nil {
		t.Fatal(err)
	}
	if failed != nil {
		t.Fatal(failed)
	}
	return m, rec
}

func startClient(t *testing.T, srv *Manager, w *world.Memory) (*Manager, *recorder) {
	t.Helper()
	settings := DefaultSettings()
	settings.TCPAddr = srv.server.TCPAddr()
	m, rec := newManager(t, settings, w)
	var failed error
	if err := m.Connect(context.Background(), nil, func(err error) { failed = err }); err != nil {
		t.Fatal(err)
	}
	if failed != nil {
		t.Fatal(failed)
	}
	return m, rec
}

// pump ticks every manager until done holds.
func pump(t *testing.T, done func() bool, managers ...*Manager) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !done() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		now := time.Now()
		for _, m := range managers {
			m.Tick(now)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitConnected(t *testing.T, srv, c *Manager) {
	t.Helper()
	pump(t, func() bool { return c.Player() != 0 && srv.server.IsConnected(c.Player()) }, srv, c)
}

func TestDisconnectWhenOffline(t *testing.T) {
	m, rec := newManager(t, DefaultSettings(), newWorld())
	m.Disconnect()
	if m.Mode() != Offline || len(rec.events) != 0 {
		t.Fatalf("mode %s, events %v", m.Mode(), rec.kinds())
	}
}

func TestConnectTwice(t *testing.T) {
	srv, rec := startServer(t)
	if srv.Mode() != Server {
		t.Fatalf("mode = %s", srv.Mode())
	}

	var already *neterrors.AlreadyConnectedError
	if err := srv.ConnectAs(context.Background(), Client, nil, nil); !errors.As(err, &already) || already.Mode != "server" {
		t.Fatalf("second connect err = %v", err)
	}

	srv.Disconnect()
	if srv.Mode() != Offline {
		t.Fatalf("mode = %s after Disconnect", srv.Mode())
	}
	want := []EventKind{StartServer, StopServer}
	if got := rec.kinds(); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("events = %v", got)
	}
}

func TestConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	settings := DefaultSettings()
	settings.TCPAddr = addr
	m, rec := newManager(t, settings, newWorld())
	var failed error
	if err := m.Connect(context.Background(), func() { t.Error("success called") }, func(err error) { failed = err }); err != nil {
		t.Fatalf("Connect returned %v", err)
	}
	var ce *neterrors.ConnectionError
	if !errors.As(failed, &ce) {
		t.Fatalf("failed = %v", failed)
	}
	if m.Mode() != Offline || len(rec.events) != 0 {
		t.Fatalf("mode %s, events %v", m.Mode(), rec.kinds())
	}
}

func TestOperationsNeedMode(t *testing.T) {
	m, _ := newManager(t, DefaultSettings(), newWorld())
	if err := m.Spawn("A1", "Box", instances.SpawnOptions{}); !neterrors.IsState(err) {
		t.Fatalf("Spawn offline err = %v", err)
	}
	if err := m.Invoke("x"); !neterrors.IsState(err) {
		t.Fatalf("Invoke offline err = %v", err)
	}
	if err := m.Publish(1, "x", nil); !neterrors.IsState(err) {
		t.Fatalf("Publish offline err = %v", err)
	}
}

func TestLateJoiners(t *testing.T) {
	srv, srvEvents := startServer(t)
	if err := srv.Spawn("A1", "Box", instances.SpawnOptions{Active: true}); err != nil {
		t.Fatal(err)
	}

	bWorld := newWorld()
	b, bEvents := startClient(t, srv, bWorld)
	pump(t, func() bool { return bWorld.Find("A1").Alive() }, srv, b)
	a1 := bWorld.Find("A1")
	if a1.Prefab != "Box" || a1.Position != (packet.Vector3{}) || !a1.Active {
		t.Fatalf("mirrored A1 = %+v", a1)
	}
	if b.Player() != 1 || bEvents.count(ConnectClient) != 1 {
		t.Fatalf("player %d, events %v", b.Player(), bEvents.kinds())
	}
	if srvEvents.count(PlayerConnectServerFirst) != 1 || srvEvents.count(PlayerSceneChangeServer) != 1 {
		t.Fatalf("server events %v", srvEvents.kinds())
	}
	// mirrored instances are never tracked on clients
	if b.Instances.Len() != 0 {
		t.Fatalf("client tracks %d instances", b.Instances.Len())
	}

	if err := srv.Despawn("A1"); err != nil {
		t.Fatal(err)
	}
	pump(t, func() bool { return !bWorld.Find("A1").Alive() }, srv, b)

	// C has a stale copy that the replay must remove
	cWorld := newWorld()
	stale := cWorld.Add(&world.Object{ID: "A1", Prefab: "Box", Active: true})
	c, _ := startClient(t, srv, cWorld)
	pump(t, func() bool { return !stale.Alive() }, srv, b, c)
	if cWorld.Len() != 0 {
		t.Fatalf("client C has %d objects", cWorld.Len())
	}
	pump(t, func() bool { return bEvents.count(PlayerConnectClient) == 1 }, srv, b, c)
	if srvEvents.count(PlayerConnectServerFirst) != 1 || srvEvents.count(PlayerConnectServer) != 2 {
		t.Fatalf("server events %v", srvEvents.kinds())
	}

	b.Disconnect()
	c.Disconnect()
	pump(t, func() bool { return srvEvents.count(PlayerDisconnectServerLast) == 1 }, srv)
	if srvEvents.count(PlayerDisconnectServer) != 2 {
		t.Fatalf("server events %v", srvEvents.kinds())
	}
}

func TestSceneChange(t *testing.T) {
	srv, srvEvents := startServer(t)
	if err := srv.Spawn("A1", "Box", instances.SpawnOptions{}); err != nil {
		t.Fatal(err)
	}
	cWorld := newWorld()
	c, _ := startClient(t, srv, cWorld)
	pump(t, func() bool { return srvEvents.count(PlayerSceneChangeServer) == 1 }, srv, c)

	if err := srv.SceneChange("main"); err != nil {
		t.Fatal(err)
	}
	if srv.Instances.Len() != 1 {
		t.Fatal("changing to the active scene must not purge records")
	}

	if err := srv.SceneChange("arena"); err != nil {
		t.Fatal(err)
	}
	if srv.Instances.Len() != 0 {
		t.Fatalf("records left after scene change: %+v", srv.Instances.Snapshot())
	}
	pump(t, func() bool { return srvEvents.count(PlayerSceneChangeServer) == 2 }, srv, c)
	if cWorld.ActiveScene().Path != "arena" {
		t.Fatalf("client scene = %s", cWorld.ActiveScene().Path)
	}
}

func TestSceneChangeToUnknownScene(t *testing.T) {
	srv, _ := startServer(t)
	if err := srv.Spawn("A1", "Box", instances.SpawnOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := srv.SceneChange("nowhere"); !neterrors.IsLookup(err) {
		t.Fatalf("err = %v", err)
	}
	if srv.World.ActiveScene().Path != "main" || !srv.World.Find("A1").Alive() {
		t.Fatal("unknown scene changed the world")
	}
	if srv.Instances.Len() != 1 {
		t.Fatalf("records = %+v", srv.Instances.Snapshot())
	}
}

func TestHandlersRejectTrailingBytes(t *testing.T) {
	w := newWorld()
	lamp := w.Add(&world.Object{ID: "lamp"})
	m, _ := newManager(t, DefaultSettings(), w)
	invoked := 0
	m.Delegate("greet", func(int, []any) error {
		invoked++
		return nil
	})
	ctx := context.Background()

	active := packet.New(packet.ToCltSetActive)
	active.WriteString("lamp")
	active.WriteBool(true)
	if err := m.toClt.Dispatch(ctx, 0, packet.ToCltSetActive, append(active.Bytes(), 0)); !neterrors.IsProtocol(err) {
		t.Fatalf("set active err = %v", err)
	}
	if lamp.Active {
		t.Fatal("packet with trailing bytes was applied")
	}

	invoke := packet.New(packet.ToSrvInvoke)
	invoke.WriteString("greet")
	if err := invoke.WriteArgs([]any{"hi"}); err != nil {
		t.Fatal(err)
	}
	if err := m.toSrv.Dispatch(ctx, 1, packet.ToSrvInvoke, append(invoke.Bytes(), 1, 2)); !neterrors.IsProtocol(err) {
		t.Fatalf("invoke err = %v", err)
	}
	if err := m.toSrv.Dispatch(ctx, 1, packet.ToSrvInvoke, invoke.Bytes()); err != nil {
		t.Fatal(err)
	}
	if invoked != 1 {
		t.Fatalf("delegate ran %d times", invoked)
	}
}

func TestRequestListenInvoke(t *testing.T) {
	srv, _ := startServer(t)
	srv.Provide("score", func(player int) (any, error) { return int32(player * 10), nil })
	var invoked []any
	var invoker int
	srv.Delegate("greet", func(client int, args []any) error {
		invoker = client
		invoked = args
		return nil
	})

	c, _ := startClient(t, srv, newWorld())
	waitConnected(t, srv, c)

	var answer any
	if err := c.Request(3, "score", func(v any) { answer = v }); err != nil {
		t.Fatal(err)
	}
	var heard []any
	index, err := c.ListenStart(1, "score", func(v any) { heard = append(heard, v) })
	if err != nil {
		t.Fatal(err)
	}
	pump(t, func() bool { return answer != nil && len(heard) == 1 }, srv, c)
	if answer != int32(30) || heard[0] != int32(10) {
		t.Fatalf("answer %v, heard %v", answer, heard)
	}

	if err := srv.Publish(1, "score", int32(11)); err != nil {
		t.Fatal(err)
	}
	pump(t, func() bool { return len(heard) == 2 }, srv, c)

	if err := c.ListenStop(1, "score", index); err != nil {
		t.Fatal(err)
	}
	if err := c.Invoke("greet", "hi", int32(2)); err != nil {
		t.Fatal(err)
	}
	pump(t, func() bool { return invoked != nil }, srv, c)
	if invoker != c.Player() || len(invoked) != 2 || invoked[0] != "hi" {
		t.Fatalf("invoke from %d with %v", invoker, invoked)
	}
	if len(srv.listens) != 0 {
		t.Fatalf("listens after stop: %v", srv.listens)
	}
	if c.Listeners.Len() != 0 {
		t.Fatalf("client listeners = %d", c.Listeners.Len())
	}
}

func TestElementTraffic(t *testing.T) {
	srv, _ := startServer(t)
	door := world.Object{ID: "door", Active: true}
	srvWorld := srv.World.(*world.Memory)
	srvDoor := element.NewBehavior("Door", srvWorld.Add(&door))
	var opened int32
	element.Field(srvDoor, "open", func(v int32) { opened = v })
	var positions []any
	srvDoor.OnStream(func(values []any) error {
		positions = values
		return nil
	})
	if err := srv.Elements.Add(srvDoor); err != nil {
		t.Fatal(err)
	}

	cWorld := newWorld()
	clientDoor := element.NewBehavior("Door", cWorld.Add(&world.Object{ID: "door", Active: true}))
	var rung string
	element.Call1(clientDoor, "ring", func(who string) { rung = who })
	c, _ := startClient(t, srv, cWorld)
	if err := c.Elements.Add(clientDoor); err != nil {
		t.Fatal(err)
	}
	waitConnected(t, srv, c)

	if err := c.Field(clientDoor.Key(), "open", int32(1)); err != nil {
		t.Fatal(err)
	}
	if err := c.Stream(clientDoor.Key(), packet.Vector3{X: 1}); err != nil {
		t.Fatal(err)
	}
	if err := srv.SendCall(srvDoor.Key(), "ring", "server"); err != nil {
		t.Fatal(err)
	}
	pump(t, func() bool { return opened == 1 && positions != nil && rung == "server" }, srv, c)
	if positions[0] != (packet.Vector3{X: 1}) {
		t.Fatalf("positions = %v", positions)
	}
}

func TestElementAccessDenied(t *testing.T) {
	srv, _ := startServer(t)
	srvWorld := srv.World.(*world.Memory)
	locked := element.NewBehavior("Vault", srvWorld.Add(&world.Object{ID: "vault"})).WithAccess(element.ServerOwned())
	var writes int
	element.Field(locked, "gold", func(int32) { writes++ })
	open := element.NewBehavior("Chest", srvWorld.Add(&world.Object{ID: "chest"}))
	var opened bool
	element.Call0(open, "open", func() { opened = true })
	for _, e := range []element.Element{locked, open} {
		if err := srv.Elements.Add(e); err != nil {
			t.Fatal(err)
		}
	}

	c, _ := startClient(t, srv, newWorld())
	waitConnected(t, srv, c)
	if err := c.Field(locked.Key(), "gold", int32(100)); err != nil {
		t.Fatal(err)
	}
	if err := c.Call(open.Key(), "open"); err != nil {
		t.Fatal(err)
	}
	// packets from one client are handled in order
	pump(t, func() bool { return opened }, srv, c)
	if writes != 0 {
		t.Fatal("server owned element accepted a client write")
	}
}

func TestServerShutdownDisconnectsClient(t *testing.T) {
	srv, _ := startServer(t)
	c, cEvents := startClient(t, srv, newWorld())
	var failed error
	c.onError = func(err error) { failed = err }
	waitConnected(t, srv, c)

	srv.Disconnect()
	pump(t, func() bool { return c.Mode() == Offline }, c)
	want := []EventKind{StartClient, ConnectClient, DisconnectClient, StopClient}
	got := cEvents.kinds()
	if len(got) != len(want) {
		t.Fatalf("events = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v", got)
		}
	}
	if failed == nil {
		t.Fatal("error callback not called")
	}
}
