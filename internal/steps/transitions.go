package steps

import "github.com/rendis/invoiceflow/pkg/schema"

// ValidStepTransitions lists the statuses each step status may move to.
// needs_input leaves only to completed; completed and failed are final.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending: {
		schema.StepStatusActive,
		schema.StepStatusCompleted,
		schema.StepStatusNeedsInput,
		schema.StepStatusFailed,
	},
	schema.StepStatusActive: {
		schema.StepStatusCompleted,
		schema.StepStatusNeedsInput,
		schema.StepStatusFailed,
	},
	schema.StepStatusNeedsInput: {
		schema.StepStatusCompleted,
	},
	schema.StepStatusCompleted: {},
	schema.StepStatusFailed:    {},
}

// CanTransition reports whether a step may move from one status to another.
// Staying in the same status is always allowed.
func CanTransition(from, to schema.StepStatus) bool {
	if from == to {
		return true
	}
	for _, a := range ValidStepTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// IsSticky reports whether forced completion treats the status specially.
func IsSticky(s schema.StepStatus) bool {
	return s == schema.StepStatusFailed || s == schema.StepStatusNeedsInput
}

// IsTerminal reports whether the status has no way out.
func IsTerminal(s schema.StepStatus) bool {
	return s == schema.StepStatusCompleted || s == schema.StepStatusFailed
}
