package netclient

import "sync"

// Listeners maps response indices to callbacks for Request and Listen.
type Listeners struct {
	mu      sync.Mutex
	next    int
	entries map[int]listener
}

type listener struct {
	fn   func(value any)
	once bool
}

// NewListeners returns an empty registry.
func NewListeners() *Listeners {
	return &Listeners{entries: make(map[int]listener)}
}

// Open registers fn and returns its index. A once listener is removed after
// its first response.
func (l *Listeners) Open(fn func(value any), once bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	l.entries[l.next] = listener{fn: fn, once: once}
	return l.next
}

// Resolve delivers value to the listener at index. It reports false for
// unknown indices.
func (l *Listeners) Resolve(index int, value any) bool {
	l.mu.Lock()
	e, ok := l.entries[index]
	if ok && e.once {
		delete(l.entries, index)
	}
	l.mu.Unlock()
	if !ok {
		return false
	}
	if e.fn != nil {
		e.fn(value)
	}
	return true
}

// Close removes the listener at index.
func (l *Listeners) Close(index int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, index)
}

// Len returns the number of open listeners.
func (l *Listeners) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Reset removes every listener.
func (l *Listeners) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[int]listener)
}
