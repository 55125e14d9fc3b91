package steps

import (
	"fmt"
	"time"

	"github.com/rendis/invoiceflow/pkg/schema"
)

// Step is the view state of one pipeline stage.
type Step struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Status          schema.StepStatus `json:"status"`
	Message         string            `json:"message,omitempty"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	DurationSeconds *float64          `json:"duration_seconds,omitempty"`
	ProgressPercent *float64          `json:"progress_percent,omitempty"`
}

// State is the reduced view of a workflow. Progress is recomputed after every
// event; ProgressOverride holds the last explicit progress_percentage seen.
type State struct {
	Steps            []Step   `json:"steps"`
	ActiveStep       string   `json:"active_step,omitempty"`
	Progress         float64  `json:"progress"`
	ProgressOverride *float64 `json:"progress_override,omitempty"`
	QualityScore     *float64 `json:"quality_score,omitempty"`
	ConfidenceLevel  *float64 `json:"confidence_level,omitempty"`
	Suspended        bool     `json:"suspended"`
	Paused           bool     `json:"paused"`
	Completed        bool     `json:"completed"`
	Failed           bool     `json:"failed"`
	Error            string   `json:"error,omitempty"`
	Message          string   `json:"message,omitempty"`
	LastEventType    string   `json:"last_event_type,omitempty"`
	LastEventAt      string   `json:"last_event_at,omitempty"`
	EventCount       int      `json:"event_count"`
}

// Initial returns the state before any event: every step pending.
func (p *Pipeline) Initial() State {
	st := State{Steps: make([]Step, len(p.Steps))}
	for i, d := range p.Steps {
		st.Steps[i] = Step{ID: d.ID, Name: d.DisplayName(), Status: schema.StepStatusPending}
	}
	return st
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := s
	out.Steps = make([]Step, len(s.Steps))
	for i, st := range s.Steps {
		st.StartedAt = cloneTime(st.StartedAt)
		st.CompletedAt = cloneTime(st.CompletedAt)
		st.DurationSeconds = cloneFloat(st.DurationSeconds)
		st.ProgressPercent = cloneFloat(st.ProgressPercent)
		out.Steps[i] = st
	}
	out.ProgressOverride = cloneFloat(s.ProgressOverride)
	out.QualityScore = cloneFloat(s.QualityScore)
	out.ConfidenceLevel = cloneFloat(s.ConfidenceLevel)
	return out
}

// Statuses lists step statuses in pipeline order.
func (s State) Statuses() []schema.StepStatus {
	out := make([]schema.StepStatus, len(s.Steps))
	for i, st := range s.Steps {
		out[i] = st.Status
	}
	return out
}

// Step returns the step with the given id.
func (s State) Step(id string) (Step, bool) {
	for _, st := range s.Steps {
		if st.ID == id {
			return st, true
		}
	}
	return Step{}, false
}

// Reduce applies one canonical event to st and returns the new state. It
// never mutates st. Events must be applied in arrival order.
func Reduce(p *Pipeline, st State, ev schema.Event) State {
	next, _ := reduce(p, st, ev)
	return next
}

// reduce is Reduce that also returns the payload decode issue, if any. The
// tag's rule is applied whatever fields could be read.
func reduce(p *Pipeline, st State, ev schema.Event) (State, error) {
	next := st.Clone()
	if len(next.Steps) != len(p.Steps) {
		next = mergeShape(p, next)
	}
	r := reduction{p: p, st: &next, ev: ev}
	r.at, r.hasAt = ev.Time()

	// Rule 7: explicit aggregates overwrite, whatever the event type.
	agg := ev.Aggregates()
	if agg.ProgressPercentage != nil {
		next.ProgressOverride = clampPercent(*agg.ProgressPercentage)
	}
	if agg.QualityScore != nil {
		next.QualityScore = cloneFloat(agg.QualityScore)
	}
	if agg.ConfidenceLevel != nil {
		next.ConfidenceLevel = cloneFloat(agg.ConfidenceLevel)
	}

	payload, err := schema.DecodePayload(ev)
	switch pl := payload.(type) {
	case schema.StatusPayload:
		r.status(pl)
	case schema.HumanInputRequiredPayload:
		r.inputRequired(pl)
	case schema.HumanInputProcessedPayload:
		r.inputProcessed(pl)
	case schema.HumanInputCancelledPayload:
		// The step keeps needs_input until the backend moves it.
		next.Suspended = false
		next.Message = firstNonEmpty(pl.Message, "Review cancelled")
	case schema.PausedPayload:
		next.Paused = true
		next.Message = firstNonEmpty(pl.Message, pl.Reason, "Workflow paused")
	case schema.ResumedPayload:
		next.Paused = false
		next.Message = firstNonEmpty(pl.Message, "Workflow resumed")
	case schema.CompletedPayload:
		r.complete(pl)
	case schema.ErrorPayload:
		r.fail(pl)
	}

	if ev.Type != schema.EventPong && !isConnectionEvent(ev.Type) {
		next.EventCount++
		next.LastEventType = ev.Type
		next.LastEventAt = ev.Timestamp
	}
	next.Progress = aggregateProgress(next)
	return next, err
}

type reduction struct {
	p     *Pipeline
	st    *State
	ev    schema.Event
	at    time.Time
	hasAt bool
}

// status applies rules 1 and 2.
func (r *reduction) status(pl schema.StatusPayload) {
	idx, ok := r.p.locate(r.ev)
	if !ok {
		return
	}
	r.activate(idx, pl.Message)
	if pl.StepProgress != nil {
		r.st.Steps[idx].ProgressPercent = clampPercent(*pl.StepProgress)
	}
}

func (r *reduction) activate(idx int, message string) {
	step := &r.st.Steps[idx]
	r.forceCompleteBefore(idx)

	if !CanTransition(step.Status, schema.StepStatusActive) {
		// Completed, failed or waiting for input: only the message follows.
		if message != "" {
			step.Message = message
		}
		return
	}
	step.Status = schema.StepStatusActive
	if step.StartedAt == nil && r.hasAt {
		t := r.at
		step.StartedAt = &t
	}
	step.Message = firstNonEmpty(message, fmt.Sprintf("%s is processing...", step.Name))
	r.st.ActiveStep = step.ID
	r.st.Message = step.Message
}

// forceCompleteBefore enforces monotonic forward progress up to idx.
func (r *reduction) forceCompleteBefore(idx int) {
	for i := 0; i < idx; i++ {
		s := &r.st.Steps[i]
		if s.Status == schema.StepStatusCompleted {
			continue
		}
		if IsSticky(s.Status) && r.p.sticky() == PreserveSticky {
			continue
		}
		r.markCompleted(s)
	}
}

func (r *reduction) markCompleted(s *Step) {
	s.Status = schema.StepStatusCompleted
	s.ProgressPercent = nil
	if r.hasAt {
		t := r.at
		s.CompletedAt = &t
		if s.StartedAt != nil {
			d := r.at.Sub(*s.StartedAt).Seconds()
			if d < 0 {
				d = 0
			}
			s.DurationSeconds = &d
		}
	}
}

// inputRequired applies rule 3. The target is the step named by the event,
// then the pipeline's review step, then the step of the reporting agent.
func (r *reduction) inputRequired(pl schema.HumanInputRequiredPayload) {
	idx := r.p.Index(pl.Step)
	if idx < 0 {
		idx = r.p.Index(r.p.ReviewStep)
	}
	if idx < 0 {
		if i, ok := r.p.locate(r.ev); ok {
			idx = i
		}
	}
	r.st.Suspended = true
	msg := firstNonEmpty(pl.Message, pl.Instructions)
	if idx < 0 {
		r.st.Message = firstNonEmpty(msg, "Human input required")
		return
	}

	r.forceCompleteBefore(idx)
	step := &r.st.Steps[idx]
	msg = firstNonEmpty(msg, fmt.Sprintf("%s needs your input", step.Name))
	if CanTransition(step.Status, schema.StepStatusNeedsInput) {
		step.Status = schema.StepStatusNeedsInput
		if step.StartedAt == nil && r.hasAt {
			t := r.at
			step.StartedAt = &t
		}
	}
	step.Message = msg
	if step.Status == schema.StepStatusNeedsInput {
		r.st.ActiveStep = step.ID
	}
	r.st.Message = msg
}

// inputProcessed applies rule 4.
func (r *reduction) inputProcessed(pl schema.HumanInputProcessedPayload) {
	r.st.Suspended = false

	idx := -1
	for i, s := range r.st.Steps {
		if s.Status == schema.StepStatusNeedsInput {
			idx = i
			break
		}
	}
	if idx < 0 {
		idx, _ = r.p.locate(r.ev)
	}
	msg := firstNonEmpty(pl.Message, "Input received, resuming workflow")
	r.st.Message = msg
	if idx < 0 {
		return
	}

	step := &r.st.Steps[idx]
	if CanTransition(step.Status, schema.StepStatusCompleted) && step.Status != schema.StepStatusCompleted {
		r.markCompleted(step)
	}
	step.Message = msg
}

// complete applies rule 5.
func (r *reduction) complete(pl schema.CompletedPayload) {
	for i := range r.st.Steps {
		s := &r.st.Steps[i]
		switch {
		case s.Status == schema.StepStatusCompleted:
		case s.Status == schema.StepStatusFailed && r.p.sticky() == PreserveSticky:
		default:
			r.markCompleted(s)
		}
	}
	hundred := 100.0
	r.st.ProgressOverride = &hundred
	r.st.Completed = true
	r.st.Suspended = false
	r.st.Paused = false
	r.st.ActiveStep = ""
	r.st.Message = firstNonEmpty(pl.Message, "Workflow completed")
}

// fail applies rule 6. An agent named by the error event takes precedence
// over the last active step.
func (r *reduction) fail(pl schema.ErrorPayload) {
	r.st.Failed = true
	r.st.Error = pl.Text()
	r.st.Message = r.st.Error

	idx, ok := r.p.locate(r.ev)
	if !ok && r.st.ActiveStep != "" {
		idx = r.p.Index(r.st.ActiveStep)
		ok = idx >= 0
	}
	if !ok {
		return
	}
	step := &r.st.Steps[idx]
	if CanTransition(step.Status, schema.StepStatusFailed) {
		step.Status = schema.StepStatusFailed
	}
	step.Message = r.st.Error
}

// aggregateProgress is the explicit override when present, otherwise
// completed steps plus the active step's own fraction, weighted evenly.
func aggregateProgress(st State) float64 {
	if st.Completed {
		return 100
	}
	if st.ProgressOverride != nil {
		return *st.ProgressOverride
	}
	if len(st.Steps) == 0 {
		return 0
	}
	var done float64
	for _, s := range st.Steps {
		switch s.Status {
		case schema.StepStatusCompleted:
			done++
		case schema.StepStatusActive:
			if s.ProgressPercent != nil {
				done += *s.ProgressPercent / 100
			}
		}
	}
	return done / float64(len(st.Steps)) * 100
}

// mergeShape rebuilds st against the pipeline, keeping steps whose ids match.
func mergeShape(p *Pipeline, st State) State {
	fresh := p.Initial()
	for i := range fresh.Steps {
		if old, ok := st.Step(fresh.Steps[i].ID); ok {
			fresh.Steps[i] = old
		}
	}
	st.Steps = fresh.Steps
	return st
}

func isConnectionEvent(t string) bool {
	return t == schema.EventConnectionEstablished || t == schema.EventConnectionClosed || t == schema.EventConnectionError
}

func clampPercent(v float64) *float64 {
	switch {
	case v < 0:
		v = 0
	case v > 100:
		v = 100
	}
	return &v
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}
