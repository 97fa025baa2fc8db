package instances

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/go-logr/logr/testr"

	neterrors "github.com/jape-engine/japenet/internal/netErrors"
	"github.com/jape-engine/japenet/internal/packet"
	"github.com/jape-engine/japenet/internal/world"
)

// recorder is a Replicator that keeps every command as a string.
type recorder struct {
	cmds []string
}

func (r *recorder) SpawnLocal(client int, cmd SpawnCommand) {
	r.cmds = append(r.cmds, fmt.Sprintf("%d spawn %s %s %v %q %d %v", client, cmd.Key, cmd.Prefab, cmd.Position, cmd.Parent, cmd.Player, cmd.Active))
}

func (r *recorder) DespawnLocal(client int, key string) {
	r.cmds = append(r.cmds, fmt.Sprintf("%d despawn %s", client, key))
}

func (r *recorder) SetActiveLocal(client int, key string, active bool) {
	r.cmds = append(r.cmds, fmt.Sprintf("%d active %s %v", client, key, active))
}

func newRegistry(t *testing.T) (*Registry, *world.Memory) {
	w := world.NewMemory("lobby", "arena")
	w.AddPrefab("Box", "Crate")
	return New(w, testr.New(t)), w
}

func TestSpawnTracksInstance(t *testing.T) {
	r, w := newRegistry(t)
	o, err := r.Spawn("A1", "Box", SpawnOptions{Position: packet.Vector3{X: 1}, Player: 2, Active: true})
	if err != nil {
		t.Fatal(err)
	}
	if w.Find("A1") != o || !o.Active || o.Player != 2 || !o.HasID {
		t.Fatalf("object = %+v", o)
	}
	s, ok := r.Lookup("A1")
	if !ok || s.State() != Spawned || s.Instance != o {
		t.Fatalf("record = %+v, %v", s, ok)
	}
	if byInstance, _ := r.LookupInstance(o); byInstance != s {
		t.Fatal("lookups by key and by instance disagree")
	}
}

func TestSpawnErrors(t *testing.T) {
	r, _ := newRegistry(t)
	if _, err := r.Spawn("A1", "Missing", SpawnOptions{}); !neterrors.IsLookup(err) {
		t.Fatalf("missing prefab err = %v", err)
	}
	if r.Len() != 0 {
		t.Fatal("failed spawn must not register")
	}
	if _, err := r.Spawn("A1", "Box", SpawnOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Spawn("A1", "Box", SpawnOptions{}); !neterrors.IsState(err) {
		t.Fatalf("duplicate spawn err = %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d", r.Len())
	}
}

func TestTemporarySpawnIsNotTracked(t *testing.T) {
	r, w := newRegistry(t)
	if _, err := r.Spawn("fx", "Box", SpawnOptions{Temporary: true}); err != nil {
		t.Fatal(err)
	}
	if r.Len() != 0 || w.Find("fx") == nil {
		t.Fatalf("Len = %d", r.Len())
	}
}

func TestSpawnThenDespawn(t *testing.T) {
	r, w := newRegistry(t)
	if _, err := r.Spawn("A1", "Box", SpawnOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := r.Despawn("A1"); err != nil {
		t.Fatal(err)
	}
	if w.Find("A1") != nil {
		t.Fatal("instance still alive")
	}
	snap := r.Snapshot()
	if len(snap) != 1 || snap[0].Key != "A1" || snap[0].State != "despawned" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestDespawnUntrackedTwice(t *testing.T) {
	r, w := newRegistry(t)
	w.Add(&world.Object{ID: "door"})
	if err := r.Despawn("door"); err != nil {
		t.Fatal(err)
	}
	s, ok := r.Lookup("door")
	if !ok || s.State() != Despawned {
		t.Fatalf("record = %+v", s)
	}
	if err := r.Despawn("door"); !neterrors.IsState(err) {
		t.Fatalf("second despawn err = %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d", r.Len())
	}
}

func TestDespawnMissingInstance(t *testing.T) {
	r, _ := newRegistry(t)
	if err := r.Despawn("ghost"); !neterrors.IsLookup(err) {
		t.Fatalf("err = %v", err)
	}
	if r.Len() != 0 {
		t.Fatal("lookup failure must not register")
	}
}

func TestDespawnDefaultRecord(t *testing.T) {
	r, w := newRegistry(t)
	w.Add(&world.Object{ID: "lamp", Active: true})
	if err := r.SetActive("lamp", false); err != nil {
		t.Fatal(err)
	}
	if s, _ := r.Lookup("lamp"); s.State() != Default {
		t.Fatalf("state = %v", s.State())
	}
	if err := r.Despawn("lamp"); err != nil {
		t.Fatal(err)
	}
	if s, _ := r.Lookup("lamp"); s.State() != Despawned || r.Len() != 1 {
		t.Fatalf("state = %v, Len = %d", s.State(), r.Len())
	}
}

func TestParentAndSetActiveUpsert(t *testing.T) {
	r, w := newRegistry(t)
	w.Add(&world.Object{ID: "table"})
	w.Add(&world.Object{ID: "cup"})

	if err := r.Parent("cup", "table"); err != nil {
		t.Fatal(err)
	}
	if err := r.SetActive("cup", true); err != nil {
		t.Fatal(err)
	}
	if r.Len() != 1 {
		t.Fatalf("upsert created %d records", r.Len())
	}
	if w.Find("cup").ParentID() != "table" {
		t.Fatal("parent not set")
	}
	if err := r.Parent("cup", "nowhere"); !neterrors.IsLookup(err) {
		t.Fatalf("missing parent err = %v", err)
	}
	if err := r.SetActive("nowhere", true); !neterrors.IsLookup(err) {
		t.Fatalf("missing instance err = %v", err)
	}
}

func TestSyncReplay(t *testing.T) {
	r, w := newRegistry(t)
	w.Add(&world.Object{ID: "lamp", Active: true})
	if _, err := r.Spawn("A1", "Box", SpawnOptions{Position: packet.Vector3{X: 1, Y: 2, Z: 3}, Player: 1, Active: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Spawn("B1", "Crate", SpawnOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := r.Despawn("B1"); err != nil {
		t.Fatal(err)
	}
	if err := r.SetActive("lamp", false); err != nil {
		t.Fatal(err)
	}

	first := &recorder{}
	n := r.Sync(4, first)
	want := []string{
		`4 spawn A1 Box {1 2 3} "" 1 true`,
		`4 despawn B1`,
		`4 active lamp false`,
	}
	if n != 3 || !reflect.DeepEqual(first.cmds, want) {
		t.Fatalf("Sync sent %d: %q", n, first.cmds)
	}

	second := &recorder{}
	r.Sync(4, second)
	if !reflect.DeepEqual(first.cmds, second.cmds) {
		t.Fatalf("Sync is not idempotent: %q vs %q", first.cmds, second.cmds)
	}
}

func TestLateJoinerScenario(t *testing.T) {
	r, _ := newRegistry(t)
	if _, err := r.Spawn("A1", "Box", SpawnOptions{Active: true}); err != nil {
		t.Fatal(err)
	}

	clientB := &recorder{}
	r.Sync(2, clientB)
	if len(clientB.cmds) != 1 || clientB.cmds[0] != `2 spawn A1 Box {0 0 0} "" 0 true` {
		t.Fatalf("client B got %q", clientB.cmds)
	}

	if err := r.Despawn("A1"); err != nil {
		t.Fatal(err)
	}
	clientC := &recorder{}
	r.Sync(3, clientC)
	if len(clientC.cmds) != 1 || clientC.cmds[0] != "3 despawn A1" {
		t.Fatalf("client C got %q", clientC.cmds)
	}
}

func TestRespawnReplacesTombstone(t *testing.T) {
	r, _ := newRegistry(t)
	r.Spawn("A1", "Box", SpawnOptions{})
	r.Despawn("A1")
	if _, err := r.Spawn("A1", "Box", SpawnOptions{}); err != nil {
		t.Fatal(err)
	}
	if s, _ := r.Lookup("A1"); s.State() != Spawned || r.Len() != 1 {
		t.Fatalf("state = %v, Len = %d", s.State(), r.Len())
	}
}

func TestDespawnTemporaryOverTombstone(t *testing.T) {
	r, w := newRegistry(t)
	r.Spawn("A1", "Box", SpawnOptions{})
	r.Despawn("A1")
	o, err := r.Spawn("A1", "Box", SpawnOptions{Temporary: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Despawn("A1"); err != nil {
		t.Fatalf("despawn err = %v", err)
	}
	if o.Alive() || w.Find("A1") != nil {
		t.Fatal("temporary instance still alive")
	}
	snap := r.Snapshot()
	if len(snap) != 1 || snap[0].State != "despawned" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if err := r.Despawn("A1"); !neterrors.IsState(err) {
		t.Fatalf("third despawn err = %v", err)
	}
}

func TestDesyncScene(t *testing.T) {
	r, w := newRegistry(t)
	w.Add(&world.Object{ID: "lamp"})
	r.Spawn("A1", "Box", SpawnOptions{})
	r.SetActive("lamp", true)

	// move to the second scene and track something there
	r.World.(*world.Memory).LoadScene("arena")
	r.Spawn("A2", "Box", SpawnOptions{})

	if n := r.DesyncScene(0); n != 2 {
		t.Fatalf("DesyncScene removed %d", n)
	}
	snap := r.Snapshot()
	if len(snap) != 1 || snap[0].Key != "A2" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if _, ok := r.Lookup("A1"); ok {
		t.Fatal("A1 still indexed")
	}
}
