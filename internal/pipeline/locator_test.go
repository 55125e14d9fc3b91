package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/invoiceflow/internal/steps"
	"github.com/rendis/invoiceflow/pkg/schema"
)

func TestExprLocator_Order(t *testing.T) {
	p, err := Parse([]byte(invoiceYAML))
	require.NoError(t, err)

	tests := []struct {
		name  string
		ev    schema.Event
		index int
		ok    bool
	}{
		{"match predicate", status(map[string]any{"stage": "validation"}), 1, true},
		{"raw tag predicate", schema.Event{Type: schema.EventWorkflowStatus, RawType: "validation_started"}, 1, true},
		{"agent path alias", status(map[string]any{"agent": "human_input_agent"}), 2, true},
		{"agent name wins over step", status(map[string]any{"agent_name": "extract", "step": "review"}), 0, true},
		{"unknown agent", status(map[string]any{"current_agent": "nobody"}), -1, false},
		{"no agent", status(map[string]any{"message": "hi"}), -1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			i, ok := p.Locator.Locate(p, tt.ev)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.index, i)
			}
		})
	}
}

func TestExprLocator_CEL(t *testing.T) {
	def := `
match_engine: cel
steps:
  - id: extract
    match: 'has(data.phase) && data.phase == "extract"'
  - id: review
    match: 'has(data.current_agent) && data.current_agent in step.aliases'
    aliases: [reviewer]
`
	p, err := Parse([]byte(def))
	require.NoError(t, err)

	i, ok := p.Locator.Locate(p, status(map[string]any{"phase": "extract"}))
	require.True(t, ok)
	assert.Equal(t, 0, i)

	i, ok = p.Locator.Locate(p, status(map[string]any{"current_agent": "reviewer"}))
	require.True(t, ok)
	assert.Equal(t, 1, i)
}

func TestExprLocator_RuntimeErrorFallsThrough(t *testing.T) {
	loc, err := NewExprLocator("expr", "", []string{`data.amount > 10`, ""}, nil)
	require.NoError(t, err)
	p := &steps.Pipeline{Steps: []steps.Definition{{ID: "a"}, {ID: "b"}}, Locator: loc}

	// amount is a string, so the comparison fails at runtime and the agent field decides.
	i, ok := loc.Locate(p, status(map[string]any{"amount": "x", "current_agent": "b"}))
	require.True(t, ok)
	assert.Equal(t, 1, i)
}

func TestNewExprLocator_Engines(t *testing.T) {
	_, err := NewExprLocator("jq", "", nil, nil)
	assert.Error(t, err)
	_, err = NewExprLocator("lua", "", nil, nil)
	assert.Error(t, err)
	_, err = NewExprLocator("", DefaultAgentPath, nil, nil)
	assert.NoError(t, err)
}

func TestDefault(t *testing.T) {
	p := Default(nil)
	require.NoError(t, p.Validate())
	require.NotNil(t, p.Locator)

	i, ok := p.Locator.Locate(p, status(map[string]any{"agent": "correction_agent"}))
	require.True(t, ok)
	assert.Equal(t, "correction", p.Steps[i].ID)
}
