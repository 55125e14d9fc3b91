package validation

import (
	"encoding/json"
	"strings"

	"github.com/rendis/invoiceflow/pkg/schema"
)

// numericString accepts values such as "1200", "-3.5" or "1,200.00" typed into a form.
const numericString = `^-?[0-9][0-9,]*(\.[0-9]+)?$`

// SubmissionSchema derives a JSON Schema from human-input fields. Only
// presence and basic shape are checked; field semantics belong to the backend.
// Unknown keys are allowed so free-form notes can travel with the values.
func SubmissionSchema(fields []schema.InputField) ([]byte, error) {
	props := make(map[string]any, len(fields))
	var required []string

	for _, f := range fields {
		if f.Name == "" {
			continue
		}
		prop := fieldSchema(f.Type)
		if f.Required {
			required = append(required, f.Name)
			prop = map[string]any{
				"allOf": []any{prop, map[string]any{"not": map[string]any{"enum": []any{nil, ""}}}},
			}
		}
		props[f.Name] = prop
	}

	doc := map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return json.Marshal(doc)
}

func fieldSchema(typ string) map[string]any {
	switch strings.ToLower(typ) {
	case "number", "currency", "amount", "decimal", "float":
		return map[string]any{"anyOf": []any{
			map[string]any{"type": "number"},
			map[string]any{"type": "string", "pattern": numericString},
			map[string]any{"type": "null"},
		}}
	case "integer", "int":
		return map[string]any{"anyOf": []any{
			map[string]any{"type": "integer"},
			map[string]any{"type": "string", "pattern": `^-?[0-9]+$`},
			map[string]any{"type": "null"},
		}}
	case "boolean", "bool", "checkbox":
		return map[string]any{"type": []any{"boolean", "null"}}
	case "date":
		return map[string]any{"anyOf": []any{
			map[string]any{"type": "string", "format": "date"},
			map[string]any{"const": ""},
			map[string]any{"type": "null"},
		}}
	case "email":
		return map[string]any{"anyOf": []any{
			map[string]any{"type": "string", "format": "email"},
			map[string]any{"const": ""},
			map[string]any{"type": "null"},
		}}
	default:
		return map[string]any{}
	}
}
