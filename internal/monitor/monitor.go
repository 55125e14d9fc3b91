// Package monitor wires one workflow's transport session, dispatcher, step
// machine, human gate and command surface together. Every Monitor owns its
// own instances; there is no process-wide state.
package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/invoiceflow/internal/client"
	"github.com/rendis/invoiceflow/internal/command"
	"github.com/rendis/invoiceflow/internal/dispatch"
	"github.com/rendis/invoiceflow/internal/gate"
	"github.com/rendis/invoiceflow/internal/journal"
	"github.com/rendis/invoiceflow/internal/logging"
	"github.com/rendis/invoiceflow/internal/metrics"
	"github.com/rendis/invoiceflow/internal/pipeline"
	"github.com/rendis/invoiceflow/internal/steps"
	"github.com/rendis/invoiceflow/internal/transport"
	"github.com/rendis/invoiceflow/pkg/schema"
)

// Snapshot is the combined view of a workflow.
type Snapshot struct {
	MonitorID  string           `json:"monitor_id"`
	WorkflowID string           `json:"workflow_id"`
	Connection transport.Status `json:"connection"`
	Steps      steps.State      `json:"steps"`
	Gate       gate.State       `json:"gate"`
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithMetrics records component metrics on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Monitor) { m.metrics = c }
}

// WithClient enables the HTTP fallback, the requirements lookup and Invoice.
func WithClient(c *client.Client) Option {
	return func(m *Monitor) { m.client = c }
}

// WithJournal records every event of the workflow in j.
func WithJournal(j *journal.Journal) Option {
	return func(m *Monitor) { m.journal = j }
}

// WithPipeline replaces the default contract-to-invoice pipeline.
func WithPipeline(p *steps.Pipeline) Option {
	return func(m *Monitor) { m.pipeline = p }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d transport.Dialer) Option {
	return func(m *Monitor) { m.dialer = d }
}

// Monitor follows one workflow. Safe for concurrent use.
type Monitor struct {
	id         string
	workflowID string

	logger   *slog.Logger
	metrics  *metrics.Collector
	client   *client.Client
	journal  *journal.Journal
	pipeline *steps.Pipeline
	dialer   transport.Dialer

	dispatcher *dispatch.Dispatcher
	session    *transport.Session
	machine    *steps.Machine
	gate       *gate.Controller
	surface    *command.Surface

	mu      sync.Mutex
	changed chan struct{}
	detach  []func()
	closed  bool
}

// New builds a monitor for workflowID. Nothing is dialed until Start.
func New(workflowID string, cfg transport.Config, opts ...Option) (*Monitor, error) {
	if workflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow id is required")
	}
	m := &Monitor{
		id:         uuid.NewString(),
		workflowID: workflowID,
		changed:    make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = logging.OrDefault(m.logger).With(slog.String("monitor_id", m.id))
	if m.pipeline == nil {
		m.pipeline = pipeline.Default(m.logger)
	}

	m.dispatcher = dispatch.New(dispatch.WithLogger(m.logger), dispatch.WithMetrics(m.metrics))

	sessOpts := []transport.Option{transport.WithLogger(m.logger), transport.WithMetrics(m.metrics)}
	if m.dialer != nil {
		sessOpts = append(sessOpts, transport.WithDialer(m.dialer))
	}
	m.session = transport.NewSession(cfg, m.dispatcher, sessOpts...)

	surfOpts := []command.Option{
		command.WithEmitter(m.dispatcher),
		command.WithLogger(m.logger),
		command.WithMetrics(m.metrics),
	}
	gateOpts := []gate.Option{gate.WithLogger(m.logger), gate.WithEmitter(m.dispatcher)}
	if m.client != nil {
		surfOpts = append(surfOpts, command.WithFallback(m.client))
		gateOpts = append(gateOpts, gate.WithRequirements(m.client))
	}
	m.surface = command.New(workflowID, m.session, surfOpts...)

	g, err := gate.New(workflowID, m.surface, gateOpts...)
	if err != nil {
		return nil, err
	}
	m.gate = g
	m.gate.OnChange(func(gate.State) { m.notify() })

	m.machine = steps.NewMachine(m.pipeline, m.logger)
	m.machine.OnChange(func(context.Context, schema.Event, steps.State) { m.notify() })

	m.detach = append(m.detach, m.machine.Attach(m.dispatcher), m.gate.Attach(m.dispatcher))
	if m.journal != nil {
		m.detach = append(m.detach, m.journal.Record(m.dispatcher, workflowID, m.logger))
	}
	return m, nil
}

// ID returns the monitor instance id.
func (m *Monitor) ID() string { return m.id }

// WorkflowID returns the followed workflow.
func (m *Monitor) WorkflowID() string { return m.workflowID }

// Dispatcher returns the event dispatcher.
func (m *Monitor) Dispatcher() *dispatch.Dispatcher { return m.dispatcher }

// Session returns the transport session.
func (m *Monitor) Session() *transport.Session { return m.session }

// Machine returns the step state machine.
func (m *Monitor) Machine() *steps.Machine { return m.machine }

// Gate returns the human-review gate.
func (m *Monitor) Gate() *gate.Controller { return m.gate }

// Surface returns the command surface.
func (m *Monitor) Surface() *command.Surface { return m.surface }

// Start opens the session and reports whether it is open on return. A failed
// dial keeps retrying in the background.
func (m *Monitor) Start(ctx context.Context) bool {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return false
	}
	ctx = logging.WithWorkflowID(ctx, m.workflowID)
	logging.LogWith(ctx, m.logger).Info("monitor starting", slog.String("pipeline", m.pipeline.Name))
	return m.session.Connect(ctx, m.workflowID)
}

// Close disconnects the session and detaches every subscriber. It is idempotent.
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	detach := m.detach
	m.detach = nil
	m.mu.Unlock()

	m.session.Disconnect()
	for _, fn := range detach {
		fn()
	}
	m.gate.WaitFetches()
	m.notify()
}

// Snapshot returns the combined state.
func (m *Monitor) Snapshot() Snapshot {
	return Snapshot{
		MonitorID:  m.id,
		WorkflowID: m.workflowID,
		Connection: m.session.Status(),
		Steps:      m.machine.Snapshot(),
		Gate:       m.gate.Snapshot(),
	}
}

// Invoice fetches the final artifact. It requires an API client.
func (m *Monitor) Invoice(ctx context.Context) (json.RawMessage, error) {
	if m.client == nil {
		return nil, schema.NewError(schema.ErrCodeNotConnected, "no API base URL configured")
	}
	return m.client.Invoice(ctx, m.workflowID)
}

// Changes returns a channel closed at the next state change.
func (m *Monitor) Changes() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changed
}

// Wait blocks until the workflow completes or fails, the session gives up
// reconnecting, the monitor is closed or ctx is done.
func (m *Monitor) Wait(ctx context.Context) (steps.State, error) {
	for {
		ch := m.Changes()
		st := m.machine.Snapshot()
		if st.Completed || st.Failed {
			return st, nil
		}
		if m.session.State() == schema.ConnectionErrored {
			return st, schema.NewErrorf(schema.ErrCodeReconnectExhausted,
				"workflow %s: reconnect attempts exhausted", m.workflowID)
		}
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return st, schema.NewError(schema.ErrCodeNotConnected, "monitor closed")
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ch:
		}
	}
}

func (m *Monitor) notify() {
	m.mu.Lock()
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()
}
