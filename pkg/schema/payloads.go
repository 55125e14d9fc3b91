package schema

import (
	"encoding/json"
	"strings"
)

// Payload is the typed body of a canonical event. Each canonical type decodes
// into its own variant so consumers only see the fields that tag carries.
type Payload interface {
	EventType() string
}

// Aggregates are the workflow-level scores any event may carry.
// A nil pointer means the field was absent, not zero.
type Aggregates struct {
	ProgressPercentage *float64 `json:"progress_percentage,omitempty"`
	QualityScore       *float64 `json:"quality_score,omitempty"`
	ConfidenceLevel    *float64 `json:"confidence_level,omitempty"`
}

// StatusPayload is carried by workflow_status and its aliases.
type StatusPayload struct {
	CurrentAgent string   `json:"current_agent,omitempty"`
	Agent        string   `json:"agent,omitempty"`
	AgentName    string   `json:"agent_name,omitempty"`
	Status       string   `json:"status,omitempty"`
	Message      string   `json:"message,omitempty"`
	StepProgress *float64 `json:"step_progress,omitempty"`
	Aggregates
}

func (StatusPayload) EventType() string { return EventWorkflowStatus }

// AgentID returns the first non-empty agent identifier.
func (p StatusPayload) AgentID() string {
	for _, s := range []string{p.CurrentAgent, p.Agent, p.AgentName} {
		if s != "" {
			return s
		}
	}
	return ""
}

// InputField is one value the backend asks a human to confirm or correct.
type InputField struct {
	Name              string   `json:"name"`
	Label             string   `json:"label,omitempty"`
	Type              string   `json:"type,omitempty"`
	Required          bool     `json:"required,omitempty"`
	Value             any      `json:"value,omitempty"`
	Confidence        *float64 `json:"confidence,omitempty"`
	ValidationMessage string   `json:"validation_message,omitempty"`
}

// HumanInputRequiredPayload is carried by human_input_required / human_input_needed.
type HumanInputRequiredPayload struct {
	CurrentAgent string         `json:"current_agent,omitempty"`
	Step         string         `json:"step,omitempty"`
	Message      string         `json:"message,omitempty"`
	Instructions string         `json:"instructions,omitempty"`
	Fields       []InputField   `json:"fields,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
	Aggregates
}

func (HumanInputRequiredPayload) EventType() string { return EventHumanInputRequired }

// HumanInputProcessedPayload is carried by the input-processed family of tags.
type HumanInputProcessedPayload struct {
	CurrentAgent string `json:"current_agent,omitempty"`
	Step         string `json:"step,omitempty"`
	Message      string `json:"message,omitempty"`
	Aggregates
}

func (HumanInputProcessedPayload) EventType() string { return EventHumanInputProcessed }

// HumanInputCancelledPayload is carried by human_input_cancelled, raised
// locally when the reviewer dismisses a pending request.
type HumanInputCancelledPayload struct {
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Aggregates
}

func (HumanInputCancelledPayload) EventType() string { return EventHumanInputCancelled }

// PausedPayload is carried by workflow_paused.
type PausedPayload struct {
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Aggregates
}

func (PausedPayload) EventType() string { return EventWorkflowPaused }

// ResumedPayload is carried by workflow_resumed.
type ResumedPayload struct {
	Message string `json:"message,omitempty"`
	Aggregates
}

func (ResumedPayload) EventType() string { return EventWorkflowResumed }

// CompletedPayload is carried by workflow_completed / workflow_complete.
type CompletedPayload struct {
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Aggregates
}

func (CompletedPayload) EventType() string { return EventWorkflowCompleted }

// ErrorPayload is carried by workflow_error, workflow_failed and error.
type ErrorPayload struct {
	Error        string `json:"error,omitempty"`
	Message      string `json:"message,omitempty"`
	CurrentAgent string `json:"current_agent,omitempty"`
	Aggregates
}

func (ErrorPayload) EventType() string { return EventWorkflowError }

// Text returns the most specific error description available.
func (p ErrorPayload) Text() string {
	if p.Error != "" {
		return p.Error
	}
	if p.Message != "" {
		return p.Message
	}
	return "workflow failed"
}

// PongPayload is carried by pong heartbeat acknowledgments.
type PongPayload struct{}

func (PongPayload) EventType() string { return EventPong }

// ConnectionPayload is carried by the synthetic connection_* events.
type ConnectionPayload struct {
	WorkflowID  string `json:"workflow_id,omitempty"`
	Code        int    `json:"code,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Intentional bool   `json:"intentional,omitempty"`
	Message     string `json:"message,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`
}

func (ConnectionPayload) EventType() string { return EventConnectionEstablished }

// RawPayload holds the payload of a tag this package does not model.
type RawPayload struct {
	Type   string
	Fields map[string]any
}

func (p RawPayload) EventType() string { return p.Type }

// DecodePayload decodes the event data into the variant for its canonical type.
//
// Fields are read one by one: numbers and booleans sent as strings are
// accepted, and a field of an unusable type is left at its zero value. The
// returned payload is never nil; err lists the fields that were skipped so a
// partially readable event still carries its tag's meaning.
func DecodePayload(ev Event) (Payload, error) {
	r := newFieldReader(ev.Data)
	var p Payload
	switch ev.Type {
	case EventWorkflowStatus:
		p = StatusPayload{
			CurrentAgent: r.str("current_agent"),
			Agent:        r.str("agent"),
			AgentName:    r.str("agent_name"),
			Status:       r.str("status"),
			Message:      r.str("message"),
			StepProgress: r.num("step_progress"),
			Aggregates:   r.aggregates(),
		}
	case EventHumanInputRequired:
		p = HumanInputRequiredPayload{
			CurrentAgent: r.str("current_agent"),
			Step:         r.str("step"),
			Message:      r.str("message"),
			Instructions: r.str("instructions"),
			Fields:       r.inputFields("fields"),
			Context:      r.object("context"),
			Aggregates:   r.aggregates(),
		}
	case EventHumanInputProcessed:
		p = HumanInputProcessedPayload{
			CurrentAgent: r.str("current_agent"),
			Step:         r.str("step"),
			Message:      r.str("message"),
			Aggregates:   r.aggregates(),
		}
	case EventHumanInputCancelled:
		p = HumanInputCancelledPayload{
			Message:    r.str("message"),
			Reason:     r.str("reason"),
			Aggregates: r.aggregates(),
		}
	case EventWorkflowPaused:
		p = PausedPayload{Message: r.str("message"), Reason: r.str("reason"), Aggregates: r.aggregates()}
	case EventWorkflowResumed:
		p = ResumedPayload{Message: r.str("message"), Aggregates: r.aggregates()}
	case EventWorkflowCompleted:
		p = CompletedPayload{Message: r.str("message"), Result: r.raw("result"), Aggregates: r.aggregates()}
	case EventWorkflowError:
		p = ErrorPayload{
			Error:        r.errorText("error"),
			Message:      r.str("message"),
			CurrentAgent: r.str("current_agent"),
			Aggregates:   r.aggregates(),
		}
	case EventPong:
		p = PongPayload{}
	case EventConnectionEstablished, EventConnectionClosed, EventConnectionError:
		p = ConnectionPayload{
			WorkflowID:  r.str("workflow_id"),
			Code:        r.integer("code"),
			Reason:      r.str("reason"),
			Intentional: r.boolean("intentional"),
			Message:     r.str("message"),
			Attempt:     r.integer("attempt"),
		}
	default:
		p = RawPayload{Type: ev.Type, Fields: r.m}
	}
	if len(r.skipped) > 0 {
		return p, NewErrorf(ErrCodeMalformedFrame, "decode %s payload: unreadable %s",
			ev.Type, strings.Join(r.skipped, ", ")).
			WithDetails(map[string]any{"fields": r.skipped})
	}
	return p, nil
}

// Aggregates extracts the workflow-level score fields from any event.
// Each field is read on its own; an unreadable one stays nil.
func (e Event) Aggregates() Aggregates {
	return newFieldReader(e.Data).aggregates()
}
