package schema

// Canonical event types. Every inbound frame is normalized to one of these
// before it reaches a subscriber; unknown wire tags keep their literal value.
const (
	EventWorkflowStatus      = "workflow_status"
	EventHumanInputRequired  = "human_input_required"
	EventHumanInputProcessed = "human_input_processed"
	EventHumanInputCancelled = "human_input_cancelled"
	EventWorkflowPaused      = "workflow_paused"
	EventWorkflowResumed     = "workflow_resumed"
	EventWorkflowCompleted   = "workflow_completed"
	EventWorkflowError       = "workflow_error"
	EventPong                = "pong"

	// Synthetic events raised by the transport session itself.
	EventConnectionEstablished = "connection_established"
	EventConnectionClosed      = "connection_closed"
	EventConnectionError       = "connection_error"
)

// Outbound message types.
const (
	MessageRequestStatus       = "request_status"
	MessagePing                = "ping"
	MessageHumanInputResponse  = "human_input_response"
	MessageHumanInputCancelled = "human_input_cancelled"
	MessagePauseWorkflow       = "pause_workflow"
	MessageResumeWorkflow      = "resume_workflow"
	MessageGeneralInput        = "general_input"
)

// tagAliases maps every accepted wire tag to its canonical event type.
var tagAliases = map[string]string{
	"workflow_status":  EventWorkflowStatus,
	"status_update":    EventWorkflowStatus,
	"agent_transition": EventWorkflowStatus,
	"agent_started":    EventWorkflowStatus,

	"human_input_required": EventHumanInputRequired,
	"human_input_needed":   EventHumanInputRequired,

	"human_input_processed": EventHumanInputProcessed,
	"human_input_received":  EventHumanInputProcessed,
	"input_processed":       EventHumanInputProcessed,

	"human_input_cancelled": EventHumanInputCancelled,

	"workflow_paused":  EventWorkflowPaused,
	"workflow_resumed": EventWorkflowResumed,

	"workflow_completed": EventWorkflowCompleted,
	"workflow_complete":  EventWorkflowCompleted,

	"workflow_failed": EventWorkflowError,
	"workflow_error":  EventWorkflowError,
	"error":           EventWorkflowError,

	"pong": EventPong,
}

// CanonicalType resolves a wire tag to its canonical event type.
// Unmapped tags pass through unchanged.
func CanonicalType(tag string) string {
	if canonical, ok := tagAliases[tag]; ok {
		return canonical
	}
	return tag
}

// IsKnownTag reports whether tag appears in the alias table.
func IsKnownTag(tag string) bool {
	_, ok := tagAliases[tag]
	return ok
}

// TagsFor returns every wire tag that normalizes to the given canonical type.
func TagsFor(canonical string) []string {
	var tags []string
	for tag, c := range tagAliases {
		if c == canonical {
			tags = append(tags, tag)
		}
	}
	return tags
}

// StepStatus represents the lifecycle state of a pipeline step.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusActive     StepStatus = "active"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
	StepStatusNeedsInput StepStatus = "needs_input"
)

// ConnectionState is the state of a transport session.
type ConnectionState string

const (
	ConnectionIdle       ConnectionState = "idle"
	ConnectionConnecting ConnectionState = "connecting"
	ConnectionOpen       ConnectionState = "open"
	ConnectionClosed     ConnectionState = "closed"
	ConnectionErrored    ConnectionState = "errored"
)
