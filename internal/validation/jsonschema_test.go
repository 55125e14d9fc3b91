package validation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/invoiceflow/pkg/schema"
)

func newValidator(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func requireValidationError(t *testing.T, err error) *schema.FlowError {
	t.Helper()
	require.Error(t, err)
	fe, ok := err.(*schema.FlowError)
	require.True(t, ok, "want *schema.FlowError, got %T", err)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
	return fe
}

// --- ValidateDefinition ---

func TestValidateDefinition_Nil(t *testing.T) {
	v := newValidator(t)
	fe := requireValidationError(t, v.ValidateDefinition(nil))
	assert.Contains(t, fe.Message, "empty")
}

func TestValidateDefinition_Valid(t *testing.T) {
	v := newValidator(t)
	doc := map[string]any{
		"name":         "contract-to-invoice",
		"review_step":  "human_review",
		"sticky":       "overwrite",
		"agent_path":   ".current_agent // .agent",
		"match_engine": "cel",
		"steps": []any{
			map[string]any{"id": "extract", "name": "Extraction", "aliases": []any{"extraction_agent"}},
			map[string]any{"id": "human_review", "match": `data.stage == "review"`},
		},
	}
	assert.NoError(t, v.ValidateDefinition(doc))
}

func TestValidateDefinition_Invalid(t *testing.T) {
	v := newValidator(t)
	tests := []struct {
		name string
		doc  map[string]any
	}{
		{"missing steps", map[string]any{"name": "x"}},
		{"empty steps", map[string]any{"steps": []any{}}},
		{"step without id", map[string]any{"steps": []any{map[string]any{"name": "x"}}}},
		{"bad id", map[string]any{"steps": []any{map[string]any{"id": "has space"}}}},
		{"unknown sticky", map[string]any{"sticky": "maybe", "steps": []any{map[string]any{"id": "a"}}}},
		{"unknown engine", map[string]any{"match_engine": "lua", "steps": []any{map[string]any{"id": "a"}}}},
		{"unknown key", map[string]any{"retries": 3, "steps": []any{map[string]any{"id": "a"}}}},
		{"duplicate alias", map[string]any{"steps": []any{map[string]any{"id": "a", "aliases": []any{"x", "x"}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireValidationError(t, v.ValidateDefinition(tt.doc))
		})
	}
}

func TestValidateDefinition_ErrorDetails(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateDefinition(map[string]any{
		"sticky": "maybe",
		"steps":  []any{map[string]any{"id": "a", "extra": true}},
	})
	fe := requireValidationError(t, err)
	violations, ok := fe.Details["violations"].([]string)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(violations), 2)
}

// --- ValidateInput ---

func TestValidateInput(t *testing.T) {
	v := newValidator(t)
	s := []byte(`{"type":"object","required":["total"],"properties":{"total":{"type":"number","minimum":0}}}`)

	assert.NoError(t, v.ValidateInput(map[string]any{"total": 12.5}, s))
	requireValidationError(t, v.ValidateInput(map[string]any{}, s))
	requireValidationError(t, v.ValidateInput(map[string]any{"total": -1}, s))
	requireValidationError(t, v.ValidateInput(nil, s))
	assert.NoError(t, v.ValidateInput(map[string]any{}, nil), "no schema means no validation")
	requireValidationError(t, v.ValidateInput(map[string]any{}, []byte(`{not json`)))
}

func TestValidateInput_SchemaCaching(t *testing.T) {
	v := newValidator(t)
	s := []byte(`{"type":"object"}`)
	for i := 0; i < 3; i++ {
		require.NoError(t, v.ValidateInput(map[string]any{"a": i}, s))
	}
	assert.Len(t, v.cache, 1)
}

func TestValidateInput_Concurrent(t *testing.T) {
	v := newValidator(t)
	s := []byte(`{"type":"object","properties":{"n":{"type":"integer"}}}`)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, v.ValidateInput(map[string]any{"n": i}, s))
		}(i)
	}
	wg.Wait()
}

// --- ValidateSubmission ---

func TestValidateSubmission(t *testing.T) {
	v := newValidator(t)
	fields := []schema.InputField{
		{Name: "invoice_number", Type: "text", Required: true},
		{Name: "total", Type: "currency", Required: true},
		{Name: "due_date", Type: "date"},
		{Name: "contact", Type: "email"},
		{Name: "paid", Type: "checkbox"},
	}

	tests := []struct {
		name   string
		values map[string]any
		ok     bool
	}{
		{"complete", map[string]any{"invoice_number": "INV-7", "total": 1200.5, "due_date": "2026-05-01"}, true},
		{"numeric string", map[string]any{"invoice_number": "INV-7", "total": "1,200.50"}, true},
		{"blank optional date", map[string]any{"invoice_number": "INV-7", "total": 1, "due_date": ""}, true},
		{"notes travel along", map[string]any{"invoice_number": "INV-7", "total": 1, "notes": "checked"}, true},
		{"missing required", map[string]any{"total": 10}, false},
		{"empty required", map[string]any{"invoice_number": "", "total": 10}, false},
		{"null required", map[string]any{"invoice_number": nil, "total": 10}, false},
		{"non numeric total", map[string]any{"invoice_number": "INV-7", "total": "a lot"}, false},
		{"bad date", map[string]any{"invoice_number": "INV-7", "total": 1, "due_date": "13/45/2026"}, false},
		{"bad email", map[string]any{"invoice_number": "INV-7", "total": 1, "contact": "nobody"}, false},
		{"bad bool", map[string]any{"invoice_number": "INV-7", "total": 1, "paid": "yes"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateSubmission(fields, tt.values)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				requireValidationError(t, err)
			}
		})
	}
}

func TestValidateSubmission_NoFields(t *testing.T) {
	v := newValidator(t)
	assert.NoError(t, v.ValidateSubmission(nil, nil))
}

func TestJSONSchemaValidator_ImplementsValidator(t *testing.T) {
	var _ Validator = (*JSONSchemaValidator)(nil)
}
