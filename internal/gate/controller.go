// Package gate implements the human-review gate: it suspends when the backend
// asks for input, carries the request while suspended and resumes only when
// the backend acknowledges the submission.
package gate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/invoiceflow/internal/dispatch"
	"github.com/rendis/invoiceflow/internal/logging"
	"github.com/rendis/invoiceflow/internal/validation"
	"github.com/rendis/invoiceflow/pkg/schema"
)

const defaultFetchTimeout = 10 * time.Second

// NotesField is attached when neither the event nor the backend names any field.
var NotesField = schema.InputField{
	Name:  "notes",
	Label: "Notes",
	Type:  "textarea",
}

// Surface sends the gate's outcome to the backend.
type Surface interface {
	SubmitHumanInput(ctx context.Context, values map[string]any, notes string) error
	CancelHumanInput(ctx context.Context) error
}

// Emitter delivers locally raised events to the workflow's subscribers.
type Emitter interface {
	Emit(ctx context.Context, ev schema.Event)
}

// RequirementsFetcher looks up outstanding field issues.
type RequirementsFetcher interface {
	ValidationRequirements(ctx context.Context, workflowID string) (*schema.ValidationRequirements, error)
}

// Request is what the reviewer is asked to provide.
type Request struct {
	Fields       []schema.InputField `json:"fields"`
	Instructions string              `json:"instructions,omitempty"`
	Message      string              `json:"message,omitempty"`
	Step         string              `json:"step,omitempty"`
	Context      map[string]any      `json:"context,omitempty"`
	ReceivedAt   time.Time           `json:"received_at"`
}

func (r *Request) clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.Fields = append([]schema.InputField(nil), r.Fields...)
	return &c
}

// State is a snapshot of the gate. Request is non-nil exactly when Suspended.
type State struct {
	Suspended bool     `json:"suspended"`
	Request   *Request `json:"request,omitempty"`
	// AwaitingAck is set after a successful submission until the backend
	// confirms it with an input-processed event.
	AwaitingAck bool   `json:"awaiting_ack"`
	LastError   string `json:"last_error,omitempty"`
}

// Option configures a Controller.
type Option func(*Controller)

// WithRequirements enables fetching fields when the event carries none.
func WithRequirements(f RequirementsFetcher) Option {
	return func(c *Controller) { c.fetcher = f }
}

// WithEmitter announces local cancellations as human_input_cancelled events.
func WithEmitter(e Emitter) Option {
	return func(c *Controller) { c.emitter = e }
}

// WithValidator overrides the submission validator.
func WithValidator(v validation.Validator) Option {
	return func(c *Controller) { c.validator = v }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithFetchTimeout bounds the requirements lookup.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Controller) { c.fetchTimeout = d }
}

// WithClock overrides the clock used for ReceivedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller is the human-review gate of one workflow. Safe for concurrent use.
type Controller struct {
	workflowID   string
	surface      Surface
	fetcher      RequirementsFetcher
	emitter      Emitter
	validator    validation.Validator
	logger       *slog.Logger
	fetchTimeout time.Duration
	now          func() time.Time

	mu        sync.Mutex
	suspended bool
	request   *Request
	awaiting  bool
	lastError string
	// gen changes whenever the request is replaced or cleared, so a late
	// requirements lookup cannot overwrite a newer request.
	gen       uint64
	listeners []func(State)
	fetches   sync.WaitGroup
}

// New creates a gate for workflowID.
func New(workflowID string, surface Surface, opts ...Option) (*Controller, error) {
	c := &Controller{
		workflowID:   workflowID,
		surface:      surface,
		fetchTimeout: defaultFetchTimeout,
		now:          time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.validator == nil {
		v, err := validation.NewJSONSchemaValidator()
		if err != nil {
			return nil, err
		}
		c.validator = v
	}
	c.logger = logging.OrDefault(c.logger)
	return c, nil
}

// OnChange registers a listener called after every state change.
func (c *Controller) OnChange(fn func(State)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// Suspended reports whether the gate is waiting for the reviewer.
func (c *Controller) Suspended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suspended
}

// Attach subscribes the gate to d. The returned func detaches it.
func (c *Controller) Attach(d *dispatch.Dispatcher) func() {
	types := []string{
		schema.EventHumanInputRequired,
		schema.EventHumanInputProcessed,
		schema.EventHumanInputCancelled,
		schema.EventWorkflowCompleted,
	}
	ids := make([]dispatch.SubscriptionID, len(types))
	for i, typ := range types {
		ids[i] = d.Subscribe(typ, c.HandleEvent)
	}
	return func() {
		for i, typ := range types {
			d.Unsubscribe(typ, ids[i])
		}
	}
}

// HandleEvent applies one canonical event. Other event types are ignored.
func (c *Controller) HandleEvent(ctx context.Context, ev schema.Event) {
	p, err := schema.DecodePayload(ev)
	if err != nil {
		logging.LogWith(ctx, c.logger).Warn("gate event partially decoded", slog.String("error", err.Error()))
	}
	switch pl := p.(type) {
	case schema.HumanInputRequiredPayload:
		c.suspend(ctx, pl)
	case schema.HumanInputProcessedPayload:
		c.release(ctx, "input processed")
	case schema.HumanInputCancelledPayload:
		c.release(ctx, "input cancelled")
	case schema.CompletedPayload:
		c.release(ctx, "workflow completed")
	}
}

func (c *Controller) suspend(ctx context.Context, pl schema.HumanInputRequiredPayload) {
	req := &Request{
		Fields:       append([]schema.InputField(nil), pl.Fields...),
		Instructions: pl.Instructions,
		Message:      pl.Message,
		Step:         firstNonEmpty(pl.Step, pl.CurrentAgent),
		Context:      pl.Context,
		ReceivedAt:   c.now(),
	}
	needFetch := len(req.Fields) == 0 && c.fetcher != nil
	if len(req.Fields) == 0 {
		req.Fields = []schema.InputField{NotesField}
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.suspended = true
	c.request = req
	c.awaiting = false
	c.lastError = ""
	if needFetch {
		c.fetches.Add(1)
	}
	c.notifyLocked()
	c.mu.Unlock()

	logging.LogWith(ctx, c.logger).Info("human input required",
		slog.Int("fields", len(req.Fields)), slog.Bool("fetching_requirements", needFetch))

	if needFetch {
		go c.fetchRequirements(context.WithoutCancel(ctx), gen)
	}
}

func (c *Controller) fetchRequirements(ctx context.Context, gen uint64) {
	defer c.fetches.Done()
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	reqs, err := c.fetcher.ValidationRequirements(ctx, c.workflowID)
	if err != nil {
		logging.LogWith(ctx, c.logger).Warn("validation requirements unavailable", slog.String("error", err.Error()))
		return
	}
	fields := reqs.Fields()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.request == nil {
		return
	}
	if len(fields) > 0 {
		c.request.Fields = fields
	}
	if c.request.Instructions == "" {
		c.request.Instructions = reqs.Instructions
	}
	if c.request.Context == nil && len(reqs.ExtractedData) > 0 {
		c.request.Context = map[string]any{"extracted_data": reqs.ExtractedData}
	}
	c.notifyLocked()
}

// WaitFetches blocks until pending requirements lookups finish.
func (c *Controller) WaitFetches() { c.fetches.Wait() }

func (c *Controller) release(ctx context.Context, reason string) {
	c.mu.Lock()
	if !c.suspended {
		c.mu.Unlock()
		return
	}
	c.clearLocked()
	c.notifyLocked()
	c.mu.Unlock()
	logging.LogWith(ctx, c.logger).Info("human gate released", slog.String("reason", reason))
}

// Submit validates values against the request fields and dispatches them.
// The gate stays suspended until the backend acknowledges; on any failure
// the request is kept and LastError is set so the reviewer can retry.
func (c *Controller) Submit(ctx context.Context, values map[string]any, notes string) error {
	c.mu.Lock()
	if !c.suspended {
		c.mu.Unlock()
		return schema.NewError(schema.ErrCodeNotSuspended, "no human input is pending")
	}
	fields := append([]schema.InputField(nil), c.request.Fields...)
	gen := c.gen
	c.mu.Unlock()

	if err := c.validator.ValidateSubmission(fields, withNotes(values, notes)); err != nil {
		c.fail(gen, err)
		return err
	}
	if err := c.surface.SubmitHumanInput(ctx, values, notes); err != nil {
		c.fail(gen, err)
		return err
	}

	c.mu.Lock()
	if c.gen == gen {
		c.awaiting = true
		c.lastError = ""
		c.notifyLocked()
	}
	c.mu.Unlock()
	logging.LogWith(logging.WithWorkflowID(ctx, c.workflowID), c.logger).Info("human input submitted")
	return nil
}

// Cancel clears the request locally without waiting for the backend, raises
// human_input_cancelled through the emitter, then notifies the backend
// best-effort.
func (c *Controller) Cancel(ctx context.Context) error {
	c.mu.Lock()
	if !c.suspended {
		c.mu.Unlock()
		return schema.NewError(schema.ErrCodeNotSuspended, "no human input is pending")
	}
	c.clearLocked()
	c.notifyLocked()
	c.mu.Unlock()

	if c.emitter != nil {
		c.emitter.Emit(ctx, schema.NewEvent(schema.EventHumanInputCancelled, map[string]any{
			"message": "Review cancelled",
			"reason":  "cancelled by reviewer",
		}, c.now()))
	}

	log := logging.LogWith(logging.WithWorkflowID(ctx, c.workflowID), c.logger)
	if err := c.surface.CancelHumanInput(ctx); err != nil {
		log.Warn("cancel notification failed", slog.String("error", err.Error()))
	} else {
		log.Info("human input cancelled")
	}
	return nil
}

func (c *Controller) fail(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return
	}
	c.lastError = err.Error()
	c.notifyLocked()
}

func (c *Controller) clearLocked() {
	c.gen++
	c.suspended = false
	c.request = nil
	c.awaiting = false
	c.lastError = ""
}

func (c *Controller) stateLocked() State {
	return State{
		Suspended:   c.suspended,
		Request:     c.request.clone(),
		AwaitingAck: c.awaiting,
		LastError:   c.lastError,
	}
}

// notifyLocked runs listeners with c.mu held; listeners must not call back
// into the controller.
func (c *Controller) notifyLocked() {
	if len(c.listeners) == 0 {
		return
	}
	st := c.stateLocked()
	for _, fn := range c.listeners {
		c.safeCall(fn, st)
	}
}

func (c *Controller) safeCall(fn func(State), st State) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("gate listener panicked", slog.Any("panic", r))
		}
	}()
	fn(st)
}

func withNotes(values map[string]any, notes string) map[string]any {
	out := make(map[string]any, len(values)+1)
	for k, v := range values {
		out[k] = v
	}
	if _, ok := out[NotesField.Name]; !ok && notes != "" {
		out[NotesField.Name] = notes
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
