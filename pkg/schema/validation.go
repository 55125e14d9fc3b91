package schema

import (
	"sort"
	"strings"
)

// ValidationSeverity indicates whether an issue blocks the workflow or is advisory.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one outstanding problem the backend found in an extracted field.
type ValidationIssue struct {
	Field    string             `json:"field"`
	Code     string             `json:"code,omitempty"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity,omitempty"`
}

// ValidationRequirements is the backend's answer to "what does the human need to fix".
type ValidationRequirements struct {
	WorkflowID    string            `json:"workflow_id,omitempty"`
	ExtractedData map[string]any    `json:"extracted_data,omitempty"`
	Issues        []ValidationIssue `json:"issues,omitempty"`
	Instructions  string            `json:"instructions,omitempty"`
}

// Blocking reports whether any issue has error severity (the default).
func (r *ValidationRequirements) Blocking() bool {
	for _, is := range r.Issues {
		if is.Severity == "" || is.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Fields turns outstanding issues into input fields, pre-filled from the
// extracted data. Issues on the same field are joined into one message.
func (r *ValidationRequirements) Fields() []InputField {
	byName := make(map[string]*InputField)
	var order []string
	for _, is := range r.Issues {
		if is.Field == "" {
			continue
		}
		f, ok := byName[is.Field]
		if !ok {
			f = &InputField{
				Name:  is.Field,
				Label: labelFor(is.Field),
				Type:  "text",
				Value: r.ExtractedData[is.Field],
			}
			byName[is.Field] = f
			order = append(order, is.Field)
		}
		if is.Severity == "" || is.Severity == SeverityError {
			f.Required = true
		}
		if f.ValidationMessage == "" {
			f.ValidationMessage = is.Message
		} else {
			f.ValidationMessage += "; " + is.Message
		}
	}
	sort.Strings(order)
	out := make([]InputField, 0, len(order))
	for _, name := range order {
		out = append(out, *byName[name])
	}
	return out
}

// labelFor turns "invoice_number" into "Invoice Number".
func labelFor(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool { return r == '_' || r == '.' || r == '-' })
	for i, p := range parts {
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}
