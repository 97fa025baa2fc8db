// Package world is the host environment the networking layer drives: object
// lookup by identifier, prefab instantiation, transforms, player and active
// flags, and the active scene. Memory is a complete in-process
// implementation used by the headless server, the client mirror and tests.
package world

import (
	"fmt"
	"strconv"
	"sync"

	neterrors "github.com/jape-engine/japenet/internal/netErrors"
	"github.com/jape-engine/japenet/internal/packet"
)

// Object is a live game object. Its fields are only read and written from
// the tick goroutine.
type Object struct {
	ID string
	// HasID is true when ID was assigned at runtime rather than authored
	// into a scene.
	HasID    bool
	Prefab   string
	Position packet.Vector3
	Rotation packet.Quaternion
	Parent   *Object
	Player   int
	Active   bool
	Scene    int

	destroyed bool
}

// ParentID returns the identifier of the parent, or "" at the root.
func (o *Object) ParentID() string {
	if o.Parent == nil {
		return ""
	}
	return o.Parent.ID
}

// Alive reports whether the object has not been destroyed.
func (o *Object) Alive() bool { return o != nil && !o.destroyed }

// Scene is a loaded scene.
type Scene struct {
	Index int
	Path  string
}

// World is implemented by the host.
type World interface {
	Find(id string) *Object
	HasPrefab(name string) bool
	// Instantiate clones prefab inactive under parent in the active scene.
	Instantiate(prefab string, pos packet.Vector3, rot packet.Quaternion, parent *Object) (*Object, error)
	Destroy(o *Object)
	SetID(o *Object, id string)
	SetParent(o, parent *Object)
	SetActive(o *Object, active bool)
	SetPlayer(o *Object, player int)
	ActiveScene() Scene
	HasScene(path string) bool
	// LoadScene replaces the active scene.
	LoadScene(path string) (Scene, error)
}

// Memory is an in-memory World.
type Memory struct {
	mu      sync.RWMutex
	prefabs map[string]struct{}
	objects map[string]*Object
	scenes  []string
	active  int
	nextID  uint64
}

var _ World = (*Memory)(nil)

// NewMemory returns a world whose build scenes are scenes, indexed in order.
// The first scene is active.
func NewMemory(scenes ...string) *Memory {
	if len(scenes) == 0 {
		scenes = []string{"main"}
	}
	return &Memory{
		prefabs: make(map[string]struct{}),
		objects: make(map[string]*Object),
		scenes:  scenes,
	}
}

// AddPrefab registers prefab templates by name.
func (m *Memory) AddPrefab(names ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range names {
		m.prefabs[n] = struct{}{}
	}
}

// Add places a scene-authored object into the active scene.
func (m *Memory) Add(o *Object) *Object {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.Scene = m.active
	o.destroyed = false
	m.objects[o.ID] = o
	return o
}

func (m *Memory) Find(id string) *Object {
	if id == "" {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.objects[id]
}

func (m *Memory) HasPrefab(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.prefabs[name]
	return ok
}

func (m *Memory) Instantiate(prefab string, pos packet.Vector3, rot packet.Quaternion, parent *Object) (*Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.prefabs[prefab]; !ok {
		return nil, neterrors.Lookup("prefab", prefab)
	}
	m.nextID++
	o := &Object{
		ID:       prefab + " (Clone " + strconv.FormatUint(m.nextID, 10) + ")",
		Prefab:   prefab,
		Position: pos,
		Rotation: rot,
		Parent:   parent,
		Scene:    m.active,
	}
	m.objects[o.ID] = o
	return o, nil
}

// Destroy removes o and every object parented under it.
func (m *Memory) Destroy(o *Object) {
	if !o.Alive() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroy(o)
}

func (m *Memory) destroy(o *Object) {
	o.destroyed = true
	if m.objects[o.ID] == o {
		delete(m.objects, o.ID)
	}
	for _, child := range m.objects {
		if child.Parent == o {
			m.destroy(child)
		}
	}
}

// SetID renames o. A runtime-assigned id marks the object as HasID.
func (m *Memory) SetID(o *Object, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects[o.ID] == o {
		delete(m.objects, o.ID)
	}
	o.ID = id
	o.HasID = true
	m.objects[id] = o
}

func (m *Memory) SetParent(o, parent *Object) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.Parent = parent
}

func (m *Memory) SetActive(o *Object, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.Active = active
}

func (m *Memory) SetPlayer(o *Object, player int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.Player = player
}

func (m *Memory) ActiveScene() Scene {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Scene{Index: m.active, Path: m.scenes[m.active]}
}

func (m *Memory) sceneIndex(path string) int {
	for i, p := range m.scenes {
		if p == path {
			return i
		}
	}
	return -1
}

// HasScene reports whether path is a build scene.
func (m *Memory) HasScene(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sceneIndex(path) >= 0
}

// LoadScene destroys every object of the active scene and activates path.
func (m *Memory) LoadScene(path string) (Scene, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	index := m.sceneIndex(path)
	if index < 0 {
		return Scene{}, fmt.Errorf("load scene: %w", neterrors.Lookup("scene", path))
	}
	for _, o := range m.objects {
		if o.Scene == m.active {
			o.destroyed = true
			delete(m.objects, o.ID)
		}
	}
	m.active = index
	return Scene{Index: index, Path: path}, nil
}

// Len returns the number of live objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
