package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/testr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jape-engine/japenet/internal/metrics"
	neterrors "github.com/jape-engine/japenet/internal/netErrors"
	"github.com/jape-engine/japenet/internal/packet"
)

func newDispatcher(t *testing.T) *Dispatcher[packet.ToSrv] {
	return New[packet.ToSrv](testr.New(t), metrics.New(prometheus.NewRegistry()))
}

func TestDispatchRoutesByType(t *testing.T) {
	d := newDispatcher(t)
	var got []string
	d.Handle(packet.ToSrvCall, func(_ context.Context, from int, r *packet.Reader) error {
		s, err := r.ReadString()
		if err != nil {
			return err
		}
		got = append(got, s)
		if from != 3 {
			t.Errorf("from = %d", from)
		}
		return nil
	})

	p := packet.New(packet.ToSrvCall)
	p.WriteString("Jump")
	if err := d.Dispatch(context.Background(), 3, packet.ToSrvCall, p.Bytes()); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "Jump" {
		t.Fatalf("got %q", got)
	}
	if !d.Handles(packet.ToSrvCall) || d.Handles(packet.ToSrvField) {
		t.Fatal("Handles disagrees with registrations")
	}
}

func TestDispatchDropsUnknownType(t *testing.T) {
	d := newDispatcher(t)
	if err := d.Dispatch(context.Background(), 1, packet.ToSrvInvoke, nil); err != nil {
		t.Fatalf("unknown type err = %v", err)
	}
}

func TestDispatchIsolatesFailures(t *testing.T) {
	d := newDispatcher(t)
	boom := errors.New("boom")
	d.Handle(packet.ToSrvField, func(context.Context, int, *packet.Reader) error { return boom })
	d.Handle(packet.ToSrvStream, func(context.Context, int, *packet.Reader) error { panic("bad stream") })
	d.Handle(packet.ToSrvSync, func(_ context.Context, _ int, r *packet.Reader) error {
		_, err := r.ReadArgs()
		return err
	})
	calls := 0
	d.Handle(packet.ToSrvPing, func(context.Context, int, *packet.Reader) error {
		calls++
		return nil
	})
	ctx := context.Background()

	if err := d.Dispatch(ctx, 1, packet.ToSrvField, nil); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if err := d.Dispatch(ctx, 1, packet.ToSrvStream, nil); err == nil {
		t.Fatal("panic was not reported")
	}
	if err := d.Dispatch(ctx, 1, packet.ToSrvSync, []byte{0xff}); !neterrors.IsProtocol(err) {
		t.Fatalf("truncated payload err = %v", err)
	}
	// later packets still flow
	if err := d.Dispatch(ctx, 1, packet.ToSrvPing, nil); err != nil || calls != 1 {
		t.Fatalf("err = %v, calls = %d", err, calls)
	}
}

// levelSink counts log calls by kind.
type levelSink struct {
	infos  map[int]int
	errors int
}

func (s *levelSink) Init(logr.RuntimeInfo)              {}
func (s *levelSink) Enabled(int) bool                   { return true }
func (s *levelSink) Info(level int, _ string, _ ...any) { s.infos[level]++ }
func (s *levelSink) Error(error, string, ...any)        { s.errors++ }
func (s *levelSink) WithValues(...any) logr.LogSink     { return s }
func (s *levelSink) WithName(string) logr.LogSink       { return s }

func TestDispatchLogLevels(t *testing.T) {
	sink := &levelSink{infos: make(map[int]int)}
	d := New[packet.ToSrv](logr.New(sink), nil)
	d.Handle(packet.ToSrvField, func(context.Context, int, *packet.Reader) error {
		return neterrors.Lookup("element", "Door/7")
	})
	d.Handle(packet.ToSrvCall, func(context.Context, int, *packet.Reader) error {
		return neterrors.State("despawn", "already despawned: A1")
	})
	d.Handle(packet.ToSrvSync, func(_ context.Context, _ int, r *packet.Reader) error {
		_, err := r.ReadArgs()
		return err
	})
	ctx := context.Background()

	if err := d.Dispatch(ctx, 1, packet.ToSrvField, nil); !neterrors.IsLookup(err) {
		t.Fatalf("err = %v", err)
	}
	if err := d.Dispatch(ctx, 1, packet.ToSrvCall, nil); !neterrors.IsState(err) {
		t.Fatalf("err = %v", err)
	}
	if sink.errors != 0 || sink.infos[1] != 2 {
		t.Fatalf("errors = %d, V(1) infos = %d", sink.errors, sink.infos[1])
	}
	d.Dispatch(ctx, 1, packet.ToSrvSync, []byte{0xff})
	if sink.errors != 1 {
		t.Fatalf("protocol error logged %d times at error level", sink.errors)
	}
}
