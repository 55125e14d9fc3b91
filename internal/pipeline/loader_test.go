package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/invoiceflow/internal/steps"
	"github.com/rendis/invoiceflow/pkg/schema"
)

const invoiceYAML = `
name: contract-to-invoice
review_step: review
sticky: overwrite
steps:
  - id: extract
    name: Extraction
    aliases: [extraction_agent]
  - id: validate
    match: 'data.stage == "validation" || event.raw_type == "validation_started"'
  - id: review
    name: Human Review
    aliases: [human_input_agent]
  - id: invoice
    match: 'data.current_agent startsWith "invoice"'
`

func status(data map[string]any) schema.Event {
	return schema.NewEvent(schema.EventWorkflowStatus, data, time.Unix(0, 0))
}

func TestParse(t *testing.T) {
	p, err := Parse([]byte(invoiceYAML))
	require.NoError(t, err)

	assert.Equal(t, "contract-to-invoice", p.Name)
	assert.Equal(t, 4, p.Len())
	assert.Equal(t, "review", p.ReviewStep)
	assert.Equal(t, steps.OverwriteSticky, p.Sticky)
	assert.Equal(t, []string{"extraction_agent"}, p.Steps[0].Aliases)
	require.NotNil(t, p.Locator)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"not yaml", "steps: [", ""},
		{"no steps", "name: x\n", ""},
		{"unknown key", "steps:\n  - id: a\nretries: 2\n", ""},
		{"bad sticky", "sticky: maybe\nsteps:\n  - id: a\n", ""},
		{"duplicate ids", "steps:\n  - id: a\n  - id: A\n", "duplicate"},
		{"unknown review step", "review_step: zzz\nsteps:\n  - id: a\n", "review step"},
		{"bad match", "steps:\n  - id: a\n    match: 'data.x =='\n", "invalid match"},
		{"bad agent path", "agent_path: '.['\nsteps:\n  - id: a\n", "agent_path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, schema.ErrCodeValidation), "got %v", err)
			if tt.want != "" {
				assert.Contains(t, err.Error(), tt.want)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(invoiceYAML), 0o600))

	p, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 4, p.Len())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_Reader(t *testing.T) {
	p, err := Load(strings.NewReader(invoiceYAML))
	require.NoError(t, err)
	assert.Equal(t, "extract", p.Steps[0].ID)
}

func TestParsedPipelineDrivesReducer(t *testing.T) {
	p, err := Parse([]byte(invoiceYAML))
	require.NoError(t, err)

	st := p.Initial()
	st = steps.Reduce(p, st, status(map[string]any{"stage": "validation"}))
	assert.Equal(t, []schema.StepStatus{
		schema.StepStatusCompleted, schema.StepStatusActive, schema.StepStatusPending, schema.StepStatusPending,
	}, st.Statuses())

	st = steps.Reduce(p, st, status(map[string]any{"current_agent": "invoice_writer"}))
	assert.Equal(t, schema.StepStatusActive, st.Steps[3].Status)
	assert.Equal(t, schema.StepStatusCompleted, st.Steps[2].Status)
}
