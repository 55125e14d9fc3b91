package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var receivedAt = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func TestNormalize_AliasTable(t *testing.T) {
	tests := []struct {
		tag  string
		want string
	}{
		{"workflow_status", EventWorkflowStatus},
		{"status_update", EventWorkflowStatus},
		{"agent_transition", EventWorkflowStatus},
		{"agent_started", EventWorkflowStatus},
		{"human_input_required", EventHumanInputRequired},
		{"human_input_needed", EventHumanInputRequired},
		{"human_input_processed", EventHumanInputProcessed},
		{"human_input_received", EventHumanInputProcessed},
		{"input_processed", EventHumanInputProcessed},
		{"workflow_paused", EventWorkflowPaused},
		{"workflow_resumed", EventWorkflowResumed},
		{"workflow_completed", EventWorkflowCompleted},
		{"workflow_complete", EventWorkflowCompleted},
		{"workflow_failed", EventWorkflowError},
		{"workflow_error", EventWorkflowError},
		{"error", EventWorkflowError},
		{"pong", EventPong},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			ev, err := Normalize([]byte(`{"type":"`+tt.tag+`","data":{}}`), receivedAt)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.Type)
			assert.Equal(t, tt.tag, ev.RawType)
		})
	}
}

func TestNormalize_UnknownTagPassesThrough(t *testing.T) {
	ev, err := Normalize([]byte(`{"type":"invoice_preview","data":{"page":2}}`), receivedAt)
	require.NoError(t, err)
	assert.Equal(t, "invoice_preview", ev.Type)
	assert.False(t, IsKnownTag("invoice_preview"))
	assert.Equal(t, float64(2), ev.Fields()["page"])
}

func TestNormalize_MissingTypeAndTimestamp(t *testing.T) {
	ev, err := Normalize([]byte(`{"message":"hello"}`), receivedAt)
	require.NoError(t, err)
	assert.Equal(t, EventUnknown, ev.Type)
	ts, ok := ev.Time()
	require.True(t, ok)
	assert.True(t, ts.Equal(receivedAt))
}

func TestNormalize_KeepsUpstreamTimestamp(t *testing.T) {
	ev, err := Normalize([]byte(`{"type":"workflow_status","timestamp":"2026-01-02T03:04:05Z"}`), receivedAt)
	require.NoError(t, err)
	assert.Equal(t, "2026-01-02T03:04:05Z", ev.Timestamp)
}

func TestNormalize_LegacyTopLevelPayload(t *testing.T) {
	raw := `{"type":"status_update","current_agent":"validation_agent","message":"top","data":{"message":"nested"}}`
	ev, err := Normalize([]byte(raw), receivedAt)
	require.NoError(t, err)

	p, err := DecodePayload(ev)
	require.NoError(t, err)
	status, ok := p.(StatusPayload)
	require.True(t, ok)
	assert.Equal(t, "validation_agent", status.AgentID())
	assert.Equal(t, "nested", status.Message, "data wins over top-level siblings")
}

func TestNormalize_Malformed(t *testing.T) {
	for _, raw := range []string{`not json`, `[1,2,3]`, `null`, `"str"`} {
		_, err := Normalize([]byte(raw), receivedAt)
		require.Error(t, err, raw)
		assert.True(t, HasCode(err, ErrCodeMalformedFrame), raw)
	}
}

func TestDecodePayload_Variants(t *testing.T) {
	ev, err := Normalize([]byte(`{"type":"human_input_needed","data":{
		"instructions":"check totals",
		"fields":[{"name":"total","label":"Total","type":"number","required":true,"value":120.5,"confidence":0.4}],
		"progress_percentage":60}}`), receivedAt)
	require.NoError(t, err)

	p, err := DecodePayload(ev)
	require.NoError(t, err)
	req, ok := p.(HumanInputRequiredPayload)
	require.True(t, ok)
	assert.Equal(t, "check totals", req.Instructions)
	require.Len(t, req.Fields, 1)
	assert.Equal(t, "total", req.Fields[0].Name)
	require.NotNil(t, req.Fields[0].Confidence)
	assert.InDelta(t, 0.4, *req.Fields[0].Confidence, 1e-9)
	require.NotNil(t, req.ProgressPercentage)
	assert.InDelta(t, 60, *req.ProgressPercentage, 1e-9)

	ev, err = Normalize([]byte(`{"type":"error","data":{"message":"boom"}}`), receivedAt)
	require.NoError(t, err)
	p, err = DecodePayload(ev)
	require.NoError(t, err)
	assert.Equal(t, "boom", p.(ErrorPayload).Text())
}

func TestDecodePayload_BadShape(t *testing.T) {
	ev := Event{Type: EventWorkflowStatus, Data: []byte(`{"current_agent":"validation_agent","progress_percentage":"high"}`)}
	p, err := DecodePayload(ev)
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrCodeMalformedFrame))
	var fe *FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, []string{"progress_percentage"}, fe.Details["fields"])

	status, ok := p.(StatusPayload)
	require.True(t, ok, "the readable fields are still returned")
	assert.Equal(t, "validation_agent", status.AgentID())
	assert.Nil(t, status.ProgressPercentage)

	p, err = DecodePayload(Event{Type: EventWorkflowCompleted, Data: []byte(`[1,2]`)})
	require.Error(t, err)
	assert.IsType(t, CompletedPayload{}, p)
}

func TestDecodePayload_LooseTypes(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		check func(t *testing.T, p Payload)
	}{
		{
			name: "error object",
			raw:  `{"type":"workflow_error","error":{"message":"boom"}}`,
			check: func(t *testing.T, p Payload) {
				assert.Equal(t, "boom", p.(ErrorPayload).Text())
			},
		},
		{
			name: "error detail",
			raw:  `{"type":"error","data":{"error":{"detail":"upstream timeout"}}}`,
			check: func(t *testing.T, p Payload) {
				assert.Equal(t, "upstream timeout", p.(ErrorPayload).Text())
			},
		},
		{
			name: "string booleans and numbers in fields",
			raw:  `{"type":"human_input_needed","data":{"fields":[{"name":"total","required":"true","confidence":"0.25"}]}}`,
			check: func(t *testing.T, p Payload) {
				req := p.(HumanInputRequiredPayload)
				require.Len(t, req.Fields, 1)
				assert.True(t, req.Fields[0].Required)
				require.NotNil(t, req.Fields[0].Confidence)
				assert.InDelta(t, 0.25, *req.Fields[0].Confidence, 1e-9)
			},
		},
		{
			name: "percent string",
			raw:  `{"type":"status_update","data":{"current_agent":"b","progress_percentage":"40%","step_progress":"12.5"}}`,
			check: func(t *testing.T, p Payload) {
				status := p.(StatusPayload)
				require.NotNil(t, status.ProgressPercentage)
				assert.InDelta(t, 40, *status.ProgressPercentage, 1e-9)
				require.NotNil(t, status.StepProgress)
				assert.InDelta(t, 12.5, *status.StepProgress, 1e-9)
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := Normalize([]byte(tc.raw), receivedAt)
			require.NoError(t, err)
			p, err := DecodePayload(ev)
			require.NoError(t, err)
			tc.check(t, p)
		})
	}
}

func TestDecodePayload_ReportsNestedFields(t *testing.T) {
	ev := NewEvent(EventHumanInputRequired, map[string]any{
		"fields": []any{map[string]any{"name": "total", "required": []any{}}, "noise"},
	}, receivedAt)
	p, err := DecodePayload(ev)
	require.Error(t, err)
	var fe *FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, []string{"fields[0].required", "fields[1]"}, fe.Details["fields"])
	assert.Len(t, p.(HumanInputRequiredPayload).Fields, 1)
}

func TestAggregates_IndependentFields(t *testing.T) {
	ev := Event{Type: EventWorkflowStatus, Data: []byte(`{"progress_percentage":"bad","quality_score":0.7,"confidence_level":"0.9"}`)}
	agg := ev.Aggregates()
	assert.Nil(t, agg.ProgressPercentage)
	require.NotNil(t, agg.QualityScore)
	assert.InDelta(t, 0.7, *agg.QualityScore, 1e-9)
	require.NotNil(t, agg.ConfidenceLevel)
	assert.InDelta(t, 0.9, *agg.ConfidenceLevel, 1e-9)
}

func TestAggregates_AbsentIsNil(t *testing.T) {
	ev := NewEvent(EventWorkflowStatus, map[string]any{"quality_score": 0.9}, receivedAt)
	agg := ev.Aggregates()
	assert.Nil(t, agg.ProgressPercentage)
	require.NotNil(t, agg.QualityScore)
	assert.InDelta(t, 0.9, *agg.QualityScore, 1e-9)
	assert.Nil(t, agg.ConfidenceLevel)
}

func TestParseTimestamp(t *testing.T) {
	_, ok := ParseTimestamp("")
	assert.False(t, ok)
	_, ok = ParseTimestamp("yesterday")
	assert.False(t, ok)
	ts, ok := ParseTimestamp("2026-01-02T03:04:05.250")
	require.True(t, ok)
	assert.Equal(t, 250*time.Millisecond, time.Duration(ts.Nanosecond()))
}

func TestNewMessage(t *testing.T) {
	m := NewMessage(MessageRequestStatus, nil)
	assert.Equal(t, MessageRequestStatus, m.Type)
	assert.NotEmpty(t, m.ID)
	assert.NotNil(t, m.Data)
	_, ok := ParseTimestamp(m.Timestamp)
	assert.True(t, ok)
}
