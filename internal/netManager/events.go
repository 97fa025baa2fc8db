package netmanager

import (
	"strconv"
	"sync"
)

// EventKind names a lifecycle event.
type EventKind uint8

const (
	StartClient EventKind = iota
	StopClient
	ConnectClient
	PlayerConnectClient
	PlayerDisconnectClient
	DisconnectClient
	StartServer
	StopServer
	PlayerConnectServerFirst
	PlayerConnectServer
	PlayerSceneChangeServer
	PlayerDisconnectServer
	PlayerDisconnectServerLast
	eventKindMax
)

var eventNames = [...]string{
	StartClient:                "StartClient",
	StopClient:                 "StopClient",
	ConnectClient:              "ConnectClient",
	PlayerConnectClient:        "PlayerConnectClient",
	PlayerDisconnectClient:     "PlayerDisconnectClient",
	DisconnectClient:           "DisconnectClient",
	StartServer:                "StartServer",
	StopServer:                 "StopServer",
	PlayerConnectServerFirst:   "PlayerConnectServerFirst",
	PlayerConnectServer:        "PlayerConnectServer",
	PlayerSceneChangeServer:    "PlayerSceneChangeServer",
	PlayerDisconnectServer:     "PlayerDisconnectServer",
	PlayerDisconnectServerLast: "PlayerDisconnectServerLast",
}

func (k EventKind) String() string {
	if k < eventKindMax {
		return eventNames[k]
	}
	return "EventKind(" + strconv.Itoa(int(k)) + ")"
}

// Event is one lifecycle event. Player is the id of the client concerned,
// or 0 for events that are not about a player.
type Event struct {
	Kind   EventKind
	Player int
}

// Observer receives events on the tick goroutine.
type Observer func(Event)

type subscription struct {
	id int
	fn Observer
}

type observers struct {
	mu   sync.Mutex
	next int
	subs []subscription
}

func (o *observers) subscribe(fn Observer) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.next++
	id := o.next
	o.subs = append(o.subs, subscription{id: id, fn: fn})
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for i, s := range o.subs {
			if s.id == id {
				o.subs = append(o.subs[:i:i], o.subs[i+1:]...)
				return
			}
		}
	}
}

// emit calls the observers in subscription order. Observers may subscribe
// and unsubscribe while being called.
func (o *observers) emit(ev Event) {
	o.mu.Lock()
	subs := o.subs
	o.mu.Unlock()
	for _, s := range subs {
		s.fn(ev)
	}
}
