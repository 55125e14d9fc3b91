package validation

import "github.com/rendis/invoiceflow/pkg/schema"

// Validator checks pipeline definitions and human-input submissions.
// Uses JSON Schema Draft 2020-12.
type Validator interface {
	ValidateDefinition(doc any) error
	ValidateInput(input map[string]any, inputSchema []byte) error
	ValidateSubmission(fields []schema.InputField, values map[string]any) error
}
