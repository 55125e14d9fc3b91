package steps

import (
	"strings"

	"github.com/rendis/invoiceflow/pkg/schema"
)

// StickyPolicy decides whether forced forward completion may overwrite a step
// that is failed or waiting for input.
type StickyPolicy string

const (
	// PreserveSticky keeps failed and needs_input steps as they are.
	PreserveSticky StickyPolicy = "preserve"
	// OverwriteSticky completes them like any other earlier step.
	OverwriteSticky StickyPolicy = "overwrite"
)

// Definition is one stage of a pipeline.
type Definition struct {
	ID      string   `json:"id" yaml:"id"`
	Name    string   `json:"name" yaml:"name"`
	Aliases []string `json:"aliases,omitempty" yaml:"aliases,omitempty"`
}

// DisplayName returns Name, or ID when Name is empty.
func (d Definition) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// Locator resolves the pipeline index an event refers to.
type Locator interface {
	Locate(p *Pipeline, ev schema.Event) (int, bool)
}

// Pipeline is the fixed, ordered list of steps a workflow runs through.
type Pipeline struct {
	Name       string
	Steps      []Definition
	ReviewStep string
	Sticky     StickyPolicy
	Locator    Locator
}

// Len returns the number of steps.
func (p *Pipeline) Len() int { return len(p.Steps) }

// Index returns the position of the step whose id or alias equals name
// (case-insensitive), or -1.
func (p *Pipeline) Index(name string) int {
	if name == "" {
		return -1
	}
	for i, d := range p.Steps {
		if strings.EqualFold(d.ID, name) {
			return i
		}
	}
	for i, d := range p.Steps {
		for _, a := range d.Aliases {
			if strings.EqualFold(a, name) {
				return i
			}
		}
	}
	return -1
}

// Validate checks ids are present and unique and the review step exists.
func (p *Pipeline) Validate() error {
	if len(p.Steps) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "pipeline has no steps")
	}
	seen := make(map[string]struct{}, len(p.Steps))
	for i, d := range p.Steps {
		if d.ID == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "step %d has no id", i)
		}
		key := strings.ToLower(d.ID)
		if _, dup := seen[key]; dup {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate step id %q", d.ID).WithStep(d.ID)
		}
		seen[key] = struct{}{}
	}
	if p.ReviewStep != "" && p.Index(p.ReviewStep) < 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "review step %q is not in the pipeline", p.ReviewStep)
	}
	switch p.Sticky {
	case "", PreserveSticky, OverwriteSticky:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown sticky policy %q", p.Sticky)
	}
	return nil
}

func (p *Pipeline) locate(ev schema.Event) (int, bool) {
	if p.Locator != nil {
		return p.Locator.Locate(p, ev)
	}
	return AgentLocator{}.Locate(p, ev)
}

func (p *Pipeline) sticky() StickyPolicy {
	if p.Sticky == "" {
		return PreserveSticky
	}
	return p.Sticky
}

// AgentLocator matches the first agent-like field of the payload against step
// ids and aliases.
type AgentLocator struct{}

// agentKeys are read in order; the first non-empty string wins.
var agentKeys = []string{"current_agent", "agent", "agent_name", "step"}

// Locate implements Locator.
func (AgentLocator) Locate(p *Pipeline, ev schema.Event) (int, bool) {
	fields := ev.Fields()
	for _, k := range agentKeys {
		if s, ok := fields[k].(string); ok && s != "" {
			i := p.Index(s)
			return i, i >= 0
		}
	}
	return -1, false
}

// Default returns the built-in contract-to-invoice pipeline.
func Default() *Pipeline {
	return &Pipeline{
		Name: "contract-to-invoice",
		Steps: []Definition{
			{ID: "contract_processor", Name: "Contract Processing", Aliases: []string{"contract_processing_agent", "extraction_agent"}},
			{ID: "validation", Name: "Data Validation", Aliases: []string{"validation_agent"}},
			{ID: "human_review", Name: "Human Review", Aliases: []string{"human_input_agent", "human_review_agent"}},
			{ID: "correction", Name: "Data Correction", Aliases: []string{"correction_agent"}},
			{ID: "invoice_generation", Name: "Invoice Generation", Aliases: []string{"invoice_generation_agent", "generation_agent"}},
		},
		ReviewStep: "human_review",
		Sticky:     PreserveSticky,
	}
}
