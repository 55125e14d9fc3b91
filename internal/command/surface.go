// Package command routes outbound workflow intents. The open transport is
// preferred; when it is not open the equivalent HTTP call is made instead.
// Callers only learn whether the attempt was dispatched: acknowledgment
// always arrives later as an event.
package command

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/invoiceflow/internal/logging"
	"github.com/rendis/invoiceflow/internal/metrics"
	"github.com/rendis/invoiceflow/pkg/schema"
)

// Intent names, used in logs and metrics.
const (
	IntentRequestStatus = "request_status"
	IntentPause         = "pause"
	IntentResume        = "resume"
	IntentSubmitInput   = "submit_human_input"
	IntentCancelInput   = "cancel_human_input"
	IntentGeneralInput  = "submit_general_input"
)

// Routes an intent can take.
const (
	RouteTransport = "transport"
	RouteFallback  = "fallback"
	RouteFailed    = "failed"
)

// Transport is the subset of the session the surface sends through.
type Transport interface {
	IsOpen() bool
	WorkflowID() string
	Send(ctx context.Context, typ string, data map[string]any) error
}

// Fallback is the one-shot HTTP surface used when the transport is not open.
type Fallback interface {
	Status(ctx context.Context, workflowID string) (map[string]any, error)
	SubmitHumanInput(ctx context.Context, workflowID string, values map[string]any, notes string) error
	CancelHumanInput(ctx context.Context, workflowID string) error
	Pause(ctx context.Context, workflowID string) error
	Resume(ctx context.Context, workflowID string) error
	SubmitInput(ctx context.Context, workflowID, input string) error
}

// Emitter receives events synthesized from fallback responses.
type Emitter interface {
	Emit(ctx context.Context, ev schema.Event)
}

// Option configures a Surface.
type Option func(*Surface)

// WithFallback sets the HTTP fallback. Without one, intents fail with
// NOT_CONNECTED while the transport is down.
func WithFallback(f Fallback) Option {
	return func(s *Surface) { s.fallback = f }
}

// WithEmitter sets where fallback status documents are published.
func WithEmitter(e Emitter) Option {
	return func(s *Surface) { s.emitter = e }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Surface) { s.logger = l }
}

// WithMetrics counts dispatched intents by route.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Surface) { s.metrics = m }
}

// WithClock overrides the clock used to stamp synthesized events.
func WithClock(now func() time.Time) Option {
	return func(s *Surface) { s.now = now }
}

// Surface dispatches intents for one workflow.
type Surface struct {
	workflowID string
	transport  Transport
	fallback   Fallback
	emitter    Emitter
	logger     *slog.Logger
	metrics    *metrics.Collector
	now        func() time.Time
}

// New creates a surface for workflowID over t.
func New(workflowID string, t Transport, opts ...Option) *Surface {
	s := &Surface{
		workflowID: workflowID,
		transport:  t,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = logging.OrDefault(s.logger)
	return s
}

// WorkflowID returns the workflow the surface acts on.
func (s *Surface) WorkflowID() string { return s.workflowID }

// RequestStatus asks the backend for the current status. Over HTTP the
// response is published as a workflow_status event.
func (s *Surface) RequestStatus(ctx context.Context) error {
	return s.dispatch(ctx, IntentRequestStatus, schema.MessageRequestStatus, nil,
		func(ctx context.Context, f Fallback) error {
			doc, err := f.Status(ctx, s.workflowID)
			if err != nil {
				return err
			}
			if s.emitter != nil {
				ev := schema.NewEvent(schema.EventWorkflowStatus, doc, s.now())
				s.emitter.Emit(ctx, ev)
			}
			return nil
		})
}

// Pause asks the backend to pause the workflow.
func (s *Surface) Pause(ctx context.Context) error {
	return s.dispatch(ctx, IntentPause, schema.MessagePauseWorkflow, nil,
		func(ctx context.Context, f Fallback) error { return f.Pause(ctx, s.workflowID) })
}

// Resume asks the backend to resume the workflow.
func (s *Surface) Resume(ctx context.Context) error {
	return s.dispatch(ctx, IntentResume, schema.MessageResumeWorkflow, nil,
		func(ctx context.Context, f Fallback) error { return f.Resume(ctx, s.workflowID) })
}

// SubmitHumanInput sends corrected field values and reviewer notes.
func (s *Surface) SubmitHumanInput(ctx context.Context, values map[string]any, notes string) error {
	if values == nil {
		values = map[string]any{}
	}
	data := map[string]any{"field_values": values, "notes": notes}
	return s.dispatch(ctx, IntentSubmitInput, schema.MessageHumanInputResponse, data,
		func(ctx context.Context, f Fallback) error {
			return f.SubmitHumanInput(ctx, s.workflowID, values, notes)
		})
}

// CancelHumanInput tells the backend the reviewer dismissed the request.
func (s *Surface) CancelHumanInput(ctx context.Context) error {
	return s.dispatch(ctx, IntentCancelInput, schema.MessageHumanInputCancelled, nil,
		func(ctx context.Context, f Fallback) error { return f.CancelHumanInput(ctx, s.workflowID) })
}

// SubmitGeneralInput sends free-form input outside the review gate.
func (s *Surface) SubmitGeneralInput(ctx context.Context, input string) error {
	if input == "" {
		return schema.NewError(schema.ErrCodeValidation, "input is empty")
	}
	return s.dispatch(ctx, IntentGeneralInput, schema.MessageGeneralInput, map[string]any{"input": input},
		func(ctx context.Context, f Fallback) error { return f.SubmitInput(ctx, s.workflowID, input) })
}

func (s *Surface) dispatch(ctx context.Context, intent, msgType string, data map[string]any,
	fallback func(context.Context, Fallback) error) error {
	ctx = logging.WithWorkflowID(ctx, s.workflowID)
	log := logging.LogWith(ctx, s.logger).With(slog.String("intent", intent))

	if s.transportReady() {
		err := s.transport.Send(ctx, msgType, data)
		if err == nil {
			s.metrics.Dispatched(intent, RouteTransport)
			log.Debug("intent sent over transport")
			return nil
		}
		// The session can close between the check and the write.
		log.Warn("transport send failed, using fallback", slog.String("error", err.Error()))
	}

	if s.fallback == nil {
		s.metrics.Dispatched(intent, RouteFailed)
		return schema.NewErrorf(schema.ErrCodeNotConnected, "%s: transport not open and no fallback configured", intent)
	}
	if err := fallback(ctx, s.fallback); err != nil {
		s.metrics.Dispatched(intent, RouteFailed)
		log.Warn("fallback dispatch failed", slog.String("error", err.Error()))
		return err
	}
	s.metrics.Dispatched(intent, RouteFallback)
	log.Info("intent sent over fallback")
	return nil
}

func (s *Surface) transportReady() bool {
	if s.transport == nil || !s.transport.IsOpen() {
		return false
	}
	id := s.transport.WorkflowID()
	return id == "" || id == s.workflowID
}
