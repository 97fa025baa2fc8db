// Package instances tracks the replication state of dynamically spawned and
// modified objects on the server. The registry is the source of truth that
// is replayed to clients when they join or change scene.
package instances

import (
	"sync"

	"github.com/go-logr/logr"

	neterrors "github.com/jape-engine/japenet/internal/netErrors"
	"github.com/jape-engine/japenet/internal/packet"
	"github.com/jape-engine/japenet/internal/world"
)

// State is the replication state of a tracked instance.
type State uint8

const (
	// Default marks an instance that is known, for instance because it was
	// reparented or toggled, but was never spawned or despawned.
	Default State = iota
	Spawned
	Despawned
)

func (s State) String() string {
	switch s {
	case Spawned:
		return "spawned"
	case Despawned:
		return "despawned"
	default:
		return "default"
	}
}

// SyncedInstance is one tracked object.
type SyncedInstance struct {
	state      State
	Key        string
	Prefab     string
	Instance   *world.Object
	SceneIndex int
}

// State returns the replication state.
func (s *SyncedInstance) State() State { return s.state }

// SpawnCommand is everything a client needs to materialise an instance.
type SpawnCommand struct {
	Key      string
	Prefab   string
	Position packet.Vector3
	Rotation packet.Quaternion
	Parent   string
	Player   int
	Active   bool
}

// Replicator sends replay commands to a single client.
type Replicator interface {
	SpawnLocal(client int, cmd SpawnCommand)
	DespawnLocal(client int, key string)
	SetActiveLocal(client int, key string, active bool)
}

// SpawnOptions are the optional parts of a spawn.
type SpawnOptions struct {
	Position packet.Vector3
	Rotation packet.Quaternion
	Parent   string
	Player   int
	Active   bool
	// Temporary instances are created but never tracked, so late joiners
	// do not see them.
	Temporary bool
}

// Registry holds every SyncedInstance. Mutations happen on the tick
// goroutine; the lock lets other goroutines take snapshots.
type Registry struct {
	World  world.World
	Logger logr.Logger

	mu         sync.RWMutex
	records    []*SyncedInstance
	byInstance map[*world.Object]*SyncedInstance
	byKey      map[string]*SyncedInstance
}

// New returns an empty registry over w.
func New(w world.World, logger logr.Logger) *Registry {
	return &Registry{
		World:      w,
		Logger:     logger.WithName("instances"),
		byInstance: make(map[*world.Object]*SyncedInstance),
		byKey:      make(map[string]*SyncedInstance),
	}
}

func (r *Registry) add(s *SyncedInstance) *SyncedInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, s)
	r.byKey[s.Key] = s
	if s.Instance != nil {
		r.byInstance[s.Instance] = s
	}
	return s
}

func (r *Registry) remove(s *SyncedInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(s)
}

func (r *Registry) removeLocked(s *SyncedInstance) {
	for i, rec := range r.records {
		if rec == s {
			r.records = append(r.records[:i], r.records[i+1:]...)
			break
		}
	}
	if r.byKey[s.Key] == s {
		delete(r.byKey, s.Key)
	}
	if s.Instance != nil && r.byInstance[s.Instance] == s {
		delete(r.byInstance, s.Instance)
	}
}

// Lookup returns the record for key.
func (r *Registry) Lookup(key string) (*SyncedInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byKey[key]
	return s, ok
}

// LookupInstance returns the record of a live instance.
func (r *Registry) LookupInstance(o *world.Object) (*SyncedInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byInstance[o]
	return s, ok
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Info is a read-only view of a record.
type Info struct {
	Key        string `json:"key"`
	State      string `json:"state"`
	Prefab     string `json:"prefab,omitempty"`
	SceneIndex int    `json:"scene"`
}

// Snapshot returns the records in insertion order.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, len(r.records))
	for i, s := range r.records {
		out[i] = Info{Key: s.Key, State: s.state.String(), Prefab: s.Prefab, SceneIndex: s.SceneIndex}
	}
	return out
}

func (r *Registry) update(o *world.Object) *SyncedInstance {
	if s, ok := r.LookupInstance(o); ok {
		return s
	}
	return r.add(&SyncedInstance{state: Default, Key: o.ID, Prefab: o.Prefab, Instance: o, SceneIndex: o.Scene})
}

// Spawn instantiates prefab under key and, unless temporary, tracks it as
// Spawned. A missing prefab is a LookupError; a key that already names a
// live object is a StateError. In both cases nothing changes.
func (r *Registry) Spawn(key, prefab string, opts SpawnOptions) (*world.Object, error) {
	if existing := r.World.Find(key); existing.Alive() {
		return nil, neterrors.State("spawn", "instance "+key+" already exists")
	}
	if !r.World.HasPrefab(prefab) {
		return nil, neterrors.Lookup("prefab", prefab)
	}
	parent, err := r.parent(opts.Parent)
	if err != nil {
		r.Logger.Error(err, "spawning at root", "key", key)
	}
	clone, err := r.World.Instantiate(prefab, opts.Position, opts.Rotation, parent)
	if err != nil {
		return nil, err
	}
	r.World.SetID(clone, key)
	r.World.SetPlayer(clone, opts.Player)
	r.World.SetActive(clone, opts.Active)

	if !opts.Temporary {
		if old, ok := r.Lookup(key); ok {
			// a tombstone from an earlier despawn of the same key
			r.remove(old)
		}
		r.add(&SyncedInstance{state: Spawned, Key: key, Prefab: prefab, Instance: clone, SceneIndex: clone.Scene})
	}
	return clone, nil
}

func (r *Registry) parent(id string) (*world.Object, error) {
	if id == "" {
		return nil, nil
	}
	p := r.World.Find(id)
	if !p.Alive() {
		return nil, neterrors.Lookup("parent", id)
	}
	return p, nil
}

// Despawn destroys the instance named key and records that it is gone so
// late joiners remove their copy. Despawning twice is a StateError no-op.
func (r *Registry) Despawn(key string) error {
	instance := r.World.Find(key)
	if !instance.Alive() {
		if s, ok := r.Lookup(key); ok && s.state == Despawned {
			return neterrors.State("despawn", "already despawned: "+key)
		}
		return neterrors.Lookup("instance", key)
	}

	s, ok := r.LookupInstance(instance)
	switch {
	case ok && s.state == Despawned:
		return neterrors.State("despawn", "already despawned: "+key)
	case !ok:
		if old, found := r.Lookup(key); found {
			// an earlier instance under the same key
			r.remove(old)
		}
		r.add(&SyncedInstance{state: Despawned, Key: key, Prefab: instance.Prefab, Instance: instance, SceneIndex: instance.Scene})
	case s.state == Spawned:
		// the spawn bookkeeping is superseded; only a tombstone remains
		r.remove(s)
		r.add(&SyncedInstance{state: Despawned, Key: key, Prefab: s.Prefab, Instance: instance, SceneIndex: s.SceneIndex})
	default:
		r.mu.Lock()
		s.state = Despawned
		r.mu.Unlock()
	}
	r.World.Destroy(instance)
	return nil
}

// Parent moves the instance key under parentKey ("" for the root).
func (r *Registry) Parent(key, parentKey string) error {
	instance := r.World.Find(key)
	if !instance.Alive() {
		return neterrors.Lookup("instance", key)
	}
	parent, err := r.parent(parentKey)
	if err != nil {
		return err
	}
	r.World.SetParent(instance, parent)
	r.update(instance)
	return nil
}

// SetActive toggles the instance key.
func (r *Registry) SetActive(key string, active bool) error {
	instance := r.World.Find(key)
	if !instance.Alive() {
		return neterrors.Lookup("instance", key)
	}
	r.World.SetActive(instance, active)
	r.update(instance)
	return nil
}

// Sync replays the registry to client through rep. The replay iterates over
// a snapshot taken under the lock, so concurrent changes are not observed
// part way through. It returns the number of commands sent.
func (r *Registry) Sync(client int, rep Replicator) int {
	r.mu.RLock()
	snapshot := make([]SyncedInstance, len(r.records))
	for i, s := range r.records {
		snapshot[i] = *s
	}
	r.mu.RUnlock()

	sent := 0
	for _, s := range snapshot {
		switch s.state {
		case Spawned:
			if !s.Instance.Alive() {
				r.Logger.V(1).Info("skipping destroyed instance", "key", s.Key)
				continue
			}
			rep.SpawnLocal(client, SpawnCommand{
				Key:      s.Key,
				Prefab:   s.Prefab,
				Position: s.Instance.Position,
				Rotation: s.Instance.Rotation,
				Parent:   s.Instance.ParentID(),
				Player:   s.Instance.Player,
				Active:   s.Instance.Active,
			})
		case Despawned:
			rep.DespawnLocal(client, s.Key)
		default:
			if !s.Instance.Alive() {
				continue
			}
			rep.SetActiveLocal(client, s.Key, s.Instance.Active)
		}
		sent++
	}
	return sent
}

// DesyncScene drops every record created in scene in one batch. It must run
// before the scene is unloaded.
func (r *Registry) DesyncScene(scene int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var drop []*SyncedInstance
	for _, s := range r.records {
		if s.SceneIndex == scene {
			drop = append(drop, s)
		}
	}
	for _, s := range drop {
		r.removeLocked(s)
	}
	return len(drop)
}

// Desync drops the record for key.
func (r *Registry) Desync(key string) error {
	s, ok := r.Lookup(key)
	if !ok {
		return neterrors.Lookup("synced instance", key)
	}
	r.remove(s)
	return nil
}
