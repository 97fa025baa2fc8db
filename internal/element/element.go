// Package element holds the networked behaviors that remote peers address by
// element key. Fields, calls, streams and sync values are routed through
// handler tables registered up front; nothing is resolved by name at
// runtime beyond a map lookup.
package element

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/go-logr/logr"

	elementkey "github.com/jape-engine/japenet/internal/elementKey"
	neterrors "github.com/jape-engine/japenet/internal/netErrors"
	"github.com/jape-engine/japenet/internal/world"
)

// Element is a networked behavior attached to a game object.
type Element interface {
	Key() elementkey.Key
	// CanAccess reports whether client may write to the element.
	CanAccess(client int) bool
	SetField(name string, value any) error
	Call(name string, args []any) error
	Stream(values []any) error
	Sync(values map[string]any) error
}

// Access decides which clients may write to an element.
type Access func(client int) bool

// ServerOwned denies every client.
func ServerOwned() Access { return func(int) bool { return false } }

// PlayerOwned allows only the client of player.
func PlayerOwned(player int) Access { return func(c int) bool { return c == player } }

// Shared allows every client.
func Shared() Access { return func(int) bool { return true } }

// Behavior is the standard Element. Its key is generated on first use and
// never regenerated, even if the owner is renamed later.
type Behavior struct {
	typeName string
	owner    *world.Object

	keyOnce sync.Once
	key     elementkey.Key

	access Access
	fields map[string]func(any) error
	calls  map[string]func([]any) error
	stream func([]any) error
	sync   func(map[string]any) error
}

var _ Element = (*Behavior)(nil)

// NewBehavior returns a Behavior of typeName attached to owner.
func NewBehavior(typeName string, owner *world.Object) *Behavior {
	return &Behavior{
		typeName: typeName,
		owner:    owner,
		fields:   make(map[string]func(any) error),
		calls:    make(map[string]func([]any) error),
	}
}

// Owner returns the object the behavior is attached to.
func (b *Behavior) Owner() *world.Object { return b.owner }

func (b *Behavior) Key() elementkey.Key {
	b.keyOnce.Do(func() {
		b.key = elementkey.New(b.typeName, b.owner.ID, b.owner.HasID)
	})
	return b.key
}

// WithAccess replaces the access policy. Without one, an owner with a
// player only accepts that player's client and an owner without one
// accepts every client.
func (b *Behavior) WithAccess(a Access) *Behavior {
	b.access = a
	return b
}

func (b *Behavior) CanAccess(client int) bool {
	if b.access != nil {
		return b.access(client)
	}
	if b.owner.Player == 0 {
		return true
	}
	return b.owner.Player == client
}

// OnField registers the setter of a networked field.
func (b *Behavior) OnField(name string, set func(any) error) *Behavior {
	b.fields[name] = set
	return b
}

// OnCall registers a remotely callable method.
func (b *Behavior) OnCall(name string, fn func(args []any) error) *Behavior {
	b.calls[name] = fn
	return b
}

// OnStream registers the receiver of stream packets.
func (b *Behavior) OnStream(fn func(values []any) error) *Behavior {
	b.stream = fn
	return b
}

// OnSync registers the receiver of sync packets.
func (b *Behavior) OnSync(fn func(values map[string]any) error) *Behavior {
	b.sync = fn
	return b
}

func (b *Behavior) SetField(name string, value any) error {
	set, ok := b.fields[name]
	if !ok {
		return neterrors.Lookup("field", b.typeName+"."+name)
	}
	return set(value)
}

func (b *Behavior) Call(name string, args []any) error {
	fn, ok := b.calls[name]
	if !ok {
		return neterrors.Lookup("method", b.typeName+"."+name)
	}
	return fn(args)
}

func (b *Behavior) Stream(values []any) error {
	if b.stream == nil {
		return neterrors.Lookup("stream", b.typeName)
	}
	return b.stream(values)
}

func (b *Behavior) Sync(values map[string]any) error {
	if b.sync == nil {
		return neterrors.Lookup("sync", b.typeName)
	}
	return b.sync(values)
}

// Field registers a typed field setter on b.
func Field[T any](b *Behavior, name string, set func(T)) *Behavior {
	return b.OnField(name, func(v any) error {
		t, ok := v.(T)
		if !ok {
			return fmt.Errorf("field %s: got %T, want %T", name, v, t)
		}
		set(t)
		return nil
	})
}

// Call0 registers a method without arguments.
func Call0(b *Behavior, name string, fn func()) *Behavior {
	return b.OnCall(name, func(args []any) error {
		if len(args) != 0 {
			return fmt.Errorf("call %s: got %d args, want 0", name, len(args))
		}
		fn()
		return nil
	})
}

// Call1 registers a method with one typed argument.
func Call1[A any](b *Behavior, name string, fn func(A)) *Behavior {
	return b.OnCall(name, func(args []any) error {
		if len(args) != 1 {
			return fmt.Errorf("call %s: got %d args, want 1", name, len(args))
		}
		a, ok := args[0].(A)
		if !ok {
			return fmt.Errorf("call %s: arg 0 is %T, want %T", name, args[0], a)
		}
		fn(a)
		return nil
	})
}

// Call2 registers a method with two typed arguments.
func Call2[A, B any](b *Behavior, name string, fn func(A, B)) *Behavior {
	return b.OnCall(name, func(args []any) error {
		if len(args) != 2 {
			return fmt.Errorf("call %s: got %d args, want 2", name, len(args))
		}
		a, ok := args[0].(A)
		if !ok {
			return fmt.Errorf("call %s: arg 0 is %T, want %T", name, args[0], a)
		}
		bv, ok := args[1].(B)
		if !ok {
			return fmt.Errorf("call %s: arg 1 is %T, want %T", name, args[1], bv)
		}
		fn(a, bv)
		return nil
	})
}

func index(k elementkey.Key) string {
	return strconv.FormatUint(uint64(k.TypeID), 16) + string(elementkey.SplitChar) + k.Owner
}

// Registry holds the runtime elements of one process.
type Registry struct {
	Logger logr.Logger

	mu       sync.RWMutex
	elements map[string]Element
}

// NewRegistry returns an empty Registry.
func NewRegistry(logger logr.Logger) *Registry {
	return &Registry{
		Logger:   logger.WithName("elements"),
		elements: make(map[string]Element),
	}
}

// Add registers e. Two elements with equal keys cannot coexist.
func (r *Registry) Add(e Element) error {
	id := index(e.Key())
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.elements[id]; ok {
		return neterrors.State("add element", "duplicate key "+e.Key().String())
	}
	r.elements[id] = e
	return nil
}

// Remove unregisters e.
func (r *Registry) Remove(e Element) {
	id := index(e.Key())
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.elements[id] == e {
		delete(r.elements, id)
	}
}

// Lookup returns the element addressed by k.
func (r *Registry) Lookup(k elementkey.Key) (Element, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.elements[index(k)]
	return e, ok
}

// Len returns the number of registered elements.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.elements)
}

// Keys returns the printable keys of every element, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.elements))
	for _, e := range r.elements {
		keys = append(keys, e.Key().String())
	}
	sort.Strings(keys)
	return keys
}

// Access runs fn on the element addressed by k on behalf of client, after
// checking that client may write to it.
func (r *Registry) Access(client int, k elementkey.Key, fn func(Element) error) error {
	e, ok := r.Lookup(k)
	if !ok {
		r.Logger.V(1).Info("could not find element key", "key", k.String(), "client", client)
		return neterrors.Lookup("element", k.String())
	}
	if !e.CanAccess(client) {
		return neterrors.State("access", fmt.Sprintf("player %d can not access %s", client, e.Key()))
	}
	return fn(e)
}

// AccessLocal runs fn on the element addressed by k without an authority
// check. Clients use it for updates that come from the server.
func (r *Registry) AccessLocal(k elementkey.Key, fn func(Element) error) error {
	e, ok := r.Lookup(k)
	if !ok {
		r.Logger.V(1).Info("could not find element key", "key", k.String())
		return neterrors.Lookup("element", k.String())
	}
	return fn(e)
}
