package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/invoiceflow/internal/logging"
	"github.com/rendis/invoiceflow/internal/metrics"
	"github.com/rendis/invoiceflow/pkg/schema"
)

// AllEvents subscribes a handler to every canonical type, including tags
// that are not in the alias table.
const AllEvents = "*"

const defaultChannelBuffer = 64

// Handler receives one canonical event. Handlers run on the publishing
// goroutine, in arrival order.
type Handler func(ctx context.Context, ev schema.Event)

// SubscriptionID identifies one registration; it is the only way to remove it.
type SubscriptionID uint64

// Filter restricts the events delivered through Watch.
type Filter struct {
	EventTypes []string `json:"event_types,omitempty"`
}

// Dispatcher is a typed publish/subscribe registry for canonical events.
// Registration may change while an event is being delivered: delivery
// iterates over a snapshot taken when the event arrives.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]map[SubscriptionID]Handler
	seq      atomic.Uint64

	logger  *slog.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics records publish and panic counts on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(d *Dispatcher) { d.metrics = c }
}

// WithClock overrides the receipt clock used for frames without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates an empty Dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]map[SubscriptionID]Handler),
		now:      time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	d.logger = logging.OrDefault(d.logger)
	return d
}

// Subscribe registers h for the canonical type typ. Wire aliases are resolved,
// so subscribing to "human_input_needed" is the same as "human_input_required".
func (d *Dispatcher) Subscribe(typ string, h Handler) SubscriptionID {
	if typ != AllEvents {
		typ = schema.CanonicalType(typ)
	}
	id := SubscriptionID(d.seq.Add(1))

	d.mu.Lock()
	set, ok := d.handlers[typ]
	if !ok {
		set = make(map[SubscriptionID]Handler)
		d.handlers[typ] = set
	}
	set[id] = h
	d.mu.Unlock()
	return id
}

// SubscribeAll registers h for every event.
func (d *Dispatcher) SubscribeAll(h Handler) SubscriptionID {
	return d.Subscribe(AllEvents, h)
}

// Unsubscribe removes a registration. Unknown ids are ignored.
func (d *Dispatcher) Unsubscribe(typ string, id SubscriptionID) {
	if typ != AllEvents {
		typ = schema.CanonicalType(typ)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.handlers[typ]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(d.handlers, typ)
	}
}

// HandlerCount returns the number of registrations for typ.
func (d *Dispatcher) HandlerCount(typ string) int {
	if typ != AllEvents {
		typ = schema.CanonicalType(typ)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[typ])
}

// Publish decodes a raw inbound frame and delivers it. A malformed frame is
// logged and discarded; the returned error only informs the caller.
func (d *Dispatcher) Publish(ctx context.Context, raw []byte) error {
	ev, err := schema.Normalize(raw, d.now())
	if err != nil {
		d.metrics.FrameMalformed()
		logging.LogWith(ctx, d.logger).Warn("discarding malformed frame",
			slog.Int("bytes", len(raw)),
			slog.String("error", err.Error()),
		)
		return err
	}
	d.Emit(ctx, ev)
	return nil
}

// Emit delivers an already-canonical event to every matching handler.
func (d *Dispatcher) Emit(ctx context.Context, ev schema.Event) {
	if ev.Type == "" {
		ev.Type = schema.EventUnknown
	}
	if ev.Timestamp == "" {
		ev.Timestamp = schema.FormatTimestamp(d.now())
	}
	d.metrics.EventPublished(ev.Type)

	ctx = logging.WithEventType(ctx, ev.Type)
	for _, h := range d.snapshot(ev.Type) {
		d.deliver(ctx, h, ev)
	}
}

func (d *Dispatcher) snapshot(typ string) []Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Handler, 0, len(d.handlers[typ])+len(d.handlers[AllEvents]))
	for _, h := range d.handlers[typ] {
		out = append(out, h)
	}
	for _, h := range d.handlers[AllEvents] {
		out = append(out, h)
	}
	return out
}

func (d *Dispatcher) deliver(ctx context.Context, h Handler, ev schema.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.HandlerPanicked(ev.Type)
			logging.LogWith(ctx, d.logger).Error("event handler panicked",
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	h(ctx, ev)
}

// Watch bridges the dispatcher to a channel. Delivery is non-blocking: when the
// channel buffer is full the event is dropped for this watcher only.
// The returned cancel func must be called to release the registration.
func (d *Dispatcher) Watch(ctx context.Context, filter Filter) (<-chan schema.Event, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	allowed := make(map[string]struct{}, len(filter.EventTypes))
	for _, t := range filter.EventTypes {
		allowed[schema.CanonicalType(t)] = struct{}{}
	}

	ch := make(chan schema.Event, defaultChannelBuffer)
	var (
		once   sync.Once
		closed atomic.Bool
	)
	id := d.SubscribeAll(func(_ context.Context, ev schema.Event) {
		if closed.Load() {
			return
		}
		if len(allowed) > 0 {
			if _, ok := allowed[ev.Type]; !ok {
				return
			}
		}
		select {
		case ch <- ev:
		default:
			// backpressure: drop event for slow watcher
		}
	})

	cancel := func() {
		once.Do(func() {
			closed.Store(true)
			d.Unsubscribe(AllEvents, id)
		})
	}
	return ch, cancel, nil
}
