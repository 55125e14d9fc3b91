package steps

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/invoiceflow/internal/dispatch"
	"github.com/rendis/invoiceflow/pkg/schema"
)

func TestMachine_TransitionHooks(t *testing.T) {
	m := NewMachine(letters(), nil)

	var mu sync.Mutex
	var completedIDs []string
	var anyCount int
	m.OnTransition(schema.StepStatusPending, schema.StepStatusCompleted, func(_ context.Context, s Step, from schema.StepStatus) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, schema.StepStatusPending, from)
		completedIDs = append(completedIDs, s.ID)
	})
	m.OnTransition("", "", func(context.Context, Step, schema.StepStatus) {
		mu.Lock()
		defer mu.Unlock()
		anyCount++
	})

	m.Apply(context.Background(), at(schema.EventWorkflowStatus, map[string]any{"current_agent": "c"}, 0))

	assert.Equal(t, []string{"a", "b"}, completedIDs)
	assert.Equal(t, 3, anyCount, "a and b completed, c activated")
}

func TestMachine_ChangeHookMaySnapshot(t *testing.T) {
	m := NewMachine(letters(), nil)

	var seen []int
	m.OnChange(func(_ context.Context, _ schema.Event, st State) {
		snap := m.Snapshot()
		assert.Equal(t, st.EventCount, snap.EventCount)
		seen = append(seen, st.EventCount)
	})

	m.Apply(context.Background(), at(schema.EventWorkflowStatus, map[string]any{"current_agent": "a"}, 0))
	m.Apply(context.Background(), at(schema.EventWorkflowStatus, map[string]any{"current_agent": "b"}, 1))
	assert.Equal(t, []int{1, 2}, seen)
}

func TestMachine_HookPanicIsContained(t *testing.T) {
	m := NewMachine(letters(), nil)
	m.OnChange(func(context.Context, schema.Event, State) { panic("observer bug") })

	assert.NotPanics(t, func() {
		m.Apply(context.Background(), at(schema.EventWorkflowStatus, map[string]any{"current_agent": "a"}, 0))
	})
	assert.Equal(t, 1, m.Snapshot().EventCount)
}

func TestMachine_AttachToDispatcher(t *testing.T) {
	d := dispatch.New()
	m := NewMachine(letters(), nil)
	detach := m.Attach(d)

	ctx := context.Background()
	require.NoError(t, d.Publish(ctx, []byte(`{"type":"status_update","data":{"current_agent":"b"}}`)))
	require.NoError(t, d.Publish(ctx, []byte(`{"type":"workflow_complete"}`)))

	st := m.Snapshot()
	assert.True(t, st.Completed)
	assert.Equal(t, 100.0, st.Progress)

	detach()
	m.Reset()
	require.NoError(t, d.Publish(ctx, []byte(`{"type":"status_update","data":{"current_agent":"b"}}`)))
	assert.Zero(t, m.Snapshot().EventCount)
}

func TestMachine_SnapshotIsIsolated(t *testing.T) {
	m := NewMachine(letters(), nil)
	m.Apply(context.Background(), at(schema.EventWorkflowStatus, map[string]any{"current_agent": "a"}, 0))

	snap := m.Snapshot()
	snap.Steps[0].Status = schema.StepStatusFailed
	assert.Equal(t, schema.StepStatusActive, m.Snapshot().Steps[0].Status)
}

func TestPipelineValidate(t *testing.T) {
	require.NoError(t, Default().Validate())

	dup := &Pipeline{Steps: []Definition{{ID: "a"}, {ID: "A"}}}
	assert.Error(t, dup.Validate())

	badReview := &Pipeline{Steps: []Definition{{ID: "a"}}, ReviewStep: "zzz"}
	assert.Error(t, badReview.Validate())

	badSticky := &Pipeline{Steps: []Definition{{ID: "a"}}, Sticky: "sometimes"}
	assert.Error(t, badSticky.Validate())

	assert.Error(t, (&Pipeline{}).Validate())
}

func TestPipelineIndex_Aliases(t *testing.T) {
	p := Default()
	assert.Equal(t, 0, p.Index("extraction_agent"))
	assert.Equal(t, 1, p.Index("VALIDATION_AGENT"))
	assert.Equal(t, 4, p.Index("invoice_generation"))
	assert.Equal(t, -1, p.Index("unknown"))
	assert.Equal(t, -1, p.Index(""))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(schema.StepStatusNeedsInput, schema.StepStatusCompleted))
	assert.False(t, CanTransition(schema.StepStatusNeedsInput, schema.StepStatusActive))
	assert.False(t, CanTransition(schema.StepStatusCompleted, schema.StepStatusActive))
	assert.False(t, CanTransition(schema.StepStatusFailed, schema.StepStatusCompleted))
	assert.True(t, CanTransition(schema.StepStatusActive, schema.StepStatusActive))
}
