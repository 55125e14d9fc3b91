package steps

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rendis/invoiceflow/internal/dispatch"
	"github.com/rendis/invoiceflow/internal/logging"
	"github.com/rendis/invoiceflow/pkg/schema"
)

// TransitionHook is called after a step changes status.
type TransitionHook func(ctx context.Context, step Step, from schema.StepStatus)

// ChangeHook is called after every applied event with the resulting state.
type ChangeHook func(ctx context.Context, ev schema.Event, st State)

type hookKey struct {
	from, to schema.StepStatus
}

// anyStatus matches every status in OnTransition.
const anyStatus schema.StepStatus = "*"

// Machine owns the reduced state of one workflow. Apply serializes reductions,
// so events fed from several goroutines are still reduced one at a time.
type Machine struct {
	applyMu  sync.Mutex
	mu       sync.Mutex
	pipeline *Pipeline
	state    State
	logger   *slog.Logger

	hookMu      sync.RWMutex
	transitions map[hookKey][]TransitionHook
	changes     []ChangeHook
}

// NewMachine creates a machine in the pipeline's initial state.
func NewMachine(p *Pipeline, logger *slog.Logger) *Machine {
	return &Machine{
		pipeline:    p,
		state:       p.Initial(),
		logger:      logging.OrDefault(logger),
		transitions: make(map[hookKey][]TransitionHook),
	}
}

// Pipeline returns the pipeline definition.
func (m *Machine) Pipeline() *Pipeline { return m.pipeline }

// OnTransition registers a hook for a from -> to change. Pass "" for either
// side to match any status.
func (m *Machine) OnTransition(from, to schema.StepStatus, hook TransitionHook) {
	if from == "" {
		from = anyStatus
	}
	if to == "" {
		to = anyStatus
	}
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	key := hookKey{from, to}
	m.transitions[key] = append(m.transitions[key], hook)
}

// OnChange registers a hook called after every applied event.
func (m *Machine) OnChange(hook ChangeHook) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.changes = append(m.changes, hook)
}

// Snapshot returns a deep copy of the current state.
func (m *Machine) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// Reset returns the machine to the initial state.
func (m *Machine) Reset() {
	m.mu.Lock()
	m.state = m.pipeline.Initial()
	m.mu.Unlock()
}

// Apply reduces one event and runs hooks for the resulting changes.
// Hooks run before the next event is reduced and may read Snapshot, but must
// not call Apply.
func (m *Machine) Apply(ctx context.Context, ev schema.Event) State {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	m.mu.Lock()
	prev := m.state
	next, err := reduce(m.pipeline, prev, ev)
	m.state = next
	out := next.Clone()
	m.mu.Unlock()

	if err != nil {
		logging.LogWith(logging.WithEventType(ctx, ev.Type), m.logger).Warn("event partially decoded",
			slog.String("error", err.Error()))
	}

	m.runHooks(ctx, prev, out, ev)
	return out
}

func (m *Machine) runHooks(ctx context.Context, prev, next State, ev schema.Event) {
	m.hookMu.RLock()
	defer m.hookMu.RUnlock()

	for i := range next.Steps {
		if i >= len(prev.Steps) {
			break
		}
		from, to := prev.Steps[i].Status, next.Steps[i].Status
		if from == to {
			continue
		}
		sctx := logging.WithStepID(ctx, next.Steps[i].ID)
		logging.LogWith(sctx, m.logger).Debug("step transition",
			slog.String("from", string(from)),
			slog.String("to", string(to)),
		)
		for _, key := range []hookKey{{from, to}, {anyStatus, to}, {from, anyStatus}, {anyStatus, anyStatus}} {
			for _, hook := range m.transitions[key] {
				m.safeCall(sctx, func() { hook(sctx, next.Steps[i], from) })
			}
		}
	}
	for _, hook := range m.changes {
		m.safeCall(ctx, func() { hook(ctx, ev, next) })
	}
}

func (m *Machine) safeCall(ctx context.Context, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.LogWith(ctx, m.logger).Error("state hook panicked", slog.Any("panic", r))
		}
	}()
	fn()
}

// Attach subscribes the machine to every event of d. The returned func detaches it.
func (m *Machine) Attach(d *dispatch.Dispatcher) func() {
	id := d.SubscribeAll(func(ctx context.Context, ev schema.Event) {
		m.Apply(ctx, ev)
	})
	return func() { d.Unsubscribe(dispatch.AllEvents, id) }
}

// Replay reduces events from the initial state without running hooks.
func Replay(p *Pipeline, events []schema.Event) State {
	st := p.Initial()
	for _, ev := range events {
		st = Reduce(p, st, ev)
	}
	return st
}
