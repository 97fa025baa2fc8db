package master

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-logr/logr/testr"
)

func TestNotify(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
		notes []Notification
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n Notification
		if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
			t.Errorf("decode: %v", err)
		}
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		notes = append(notes, n)
		mu.Unlock()
	}))
	defer srv.Close()

	n := New(srv.URL+"/", "arena one", testr.New(t))
	n.ServerActivate(0)
	n.Wait()
	n.PlayerConnect(1)
	n.Wait()

	if len(paths) != 2 {
		t.Fatalf("paths = %v", paths)
	}
	if paths[0] != "POST /servers/arena one/activate" || paths[1] != "POST /servers/arena one/connect" {
		t.Fatalf("paths = %v", paths)
	}
	if notes[1] != (Notification{Event: PlayerConnect, Server: "arena one", Players: 1}) {
		t.Fatalf("note = %+v", notes[1])
	}
}

func TestSendRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	n := New(srv.URL, "s", testr.New(t))
	if err := n.Send(context.Background(), Notification{Event: PlayerDisconnect, Server: "s"}); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d", calls.Load())
	}
}

func TestSendRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	n := New(srv.URL, "s", testr.New(t))
	if err := n.Send(context.Background(), Notification{Event: ServerActivate, Server: "s"}); err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestNilNotifier(t *testing.T) {
	var n *Notifier
	n.PlayerConnect(1)
	n.Wait()
}
