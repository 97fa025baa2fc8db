// Package dispatch routes decoded packets to the handler registered for
// their type. A failing or panicking handler only loses its own packet.
package dispatch

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jape-engine/japenet/internal/metrics"
	neterrors "github.com/jape-engine/japenet/internal/netErrors"
	"github.com/jape-engine/japenet/internal/packet"
)

const (
	tracerName = "github.com/jape-engine/japenet"
	spanName   = "japenet.dispatch"
)

// HandlerFunc handles one packet from peer from. On the client, from is
// always 0, the server.
type HandlerFunc func(ctx context.Context, from int, r *packet.Reader) error

// Dispatcher maps packet types of one direction to handlers. Handlers are
// registered during setup and dispatch runs on the tick goroutine.
type Dispatcher[T packet.Kind] struct {
	Logger  logr.Logger
	Metrics *metrics.Metrics

	tracer   trace.Tracer
	handlers map[T]HandlerFunc
}

// New returns a Dispatcher without handlers.
func New[T packet.Kind](logger logr.Logger, m *metrics.Metrics) *Dispatcher[T] {
	return &Dispatcher[T]{
		Logger:   logger.WithName("dispatch"),
		Metrics:  m,
		tracer:   otel.Tracer(tracerName),
		handlers: make(map[T]HandlerFunc),
	}
}

// Handle registers h for t, replacing any earlier handler.
func (d *Dispatcher[T]) Handle(t T, h HandlerFunc) {
	d.handlers[t] = h
}

// Handles reports whether t has a handler.
func (d *Dispatcher[T]) Handles(t T) bool {
	_, ok := d.handlers[t]
	return ok
}

// Dispatch runs the handler of t on payload. Packets without a handler are
// dropped. The returned error has already been logged; state and lookup
// errors only at V(1).
func (d *Dispatcher[T]) Dispatch(ctx context.Context, from int, t T, payload []byte) (err error) {
	name := t.String()
	h, ok := d.handlers[t]
	if !ok {
		d.Logger.Info("dropping packet without handler", "type", name, "from", from)
		d.Metrics.Dispatched(name, metrics.Dropped)
		return nil
	}

	ctx, span := d.tracer.Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("japenet.packet", name),
			attribute.Int("japenet.peer", from),
			attribute.Int("japenet.payload_bytes", len(payload)),
		),
	)
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s handler panic: %v", name, p)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if neterrors.IsState(err) || neterrors.IsLookup(err) {
				d.Logger.V(1).Info("packet ignored", "type", name, "from", from, "reason", err.Error())
			} else {
				d.Logger.Error(err, "packet handler failed", "type", name, "from", from)
			}
			d.Metrics.Dispatched(name, metrics.Failed)
			return
		}
		d.Metrics.Dispatched(name, metrics.Handled)
	}()

	return h(ctx, from, packet.NewReader(payload))
}
