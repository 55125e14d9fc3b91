// Package pipeline loads step definitions from YAML and binds them to the
// expression engines that locate which step an event refers to.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rendis/invoiceflow/internal/expressions"
	"github.com/rendis/invoiceflow/internal/logging"
	"github.com/rendis/invoiceflow/internal/steps"
	"github.com/rendis/invoiceflow/internal/validation"
	"github.com/rendis/invoiceflow/pkg/schema"
)

// DefaultAgentPath is the jq program used when a definition names no agent_path.
const DefaultAgentPath = `.current_agent // .agent // .agent_name // .step`

// File is the on-disk shape of a pipeline definition.
type File struct {
	Name        string     `yaml:"name"`
	ReviewStep  string     `yaml:"review_step"`
	Sticky      string     `yaml:"sticky"`
	AgentPath   string     `yaml:"agent_path"`
	MatchEngine string     `yaml:"match_engine"`
	Steps       []StepFile `yaml:"steps"`
}

// StepFile is one step entry of a definition file.
type StepFile struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases"`
	Match   string   `yaml:"match"`
}

type loadConfig struct {
	validator validation.Validator
	logger    *slog.Logger
}

// Option configures Parse and Load.
type Option func(*loadConfig)

// WithValidator overrides the schema validator.
func WithValidator(v validation.Validator) Option {
	return func(c *loadConfig) { c.validator = v }
}

// WithLogger sets the logger used by the resulting locator.
func WithLogger(l *slog.Logger) Option {
	return func(c *loadConfig) { c.logger = l }
}

// LoadFile reads a pipeline definition from path.
func LoadFile(path string, opts ...Option) (*steps.Pipeline, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pipeline: %w", err)
	}
	defer f.Close()
	return Load(f, opts...)
}

// Load reads a pipeline definition from r.
func Load(r io.Reader, opts ...Option) (*steps.Pipeline, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read pipeline: %w", err)
	}
	return Parse(data, opts...)
}

// Parse validates a YAML definition against the pipeline schema, decodes it
// strictly and compiles its match expressions.
func Parse(data []byte, opts ...Option) (*steps.Pipeline, error) {
	cfg := loadConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.validator == nil {
		v, err := validation.NewJSONSchemaValidator()
		if err != nil {
			return nil, err
		}
		cfg.validator = v
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline is not valid YAML").WithCause(err)
	}
	if err := cfg.validator.ValidateDefinition(doc); err != nil {
		return nil, err
	}

	var file File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "structural decode").WithCause(err)
	}
	return file.Build(cfg.logger)
}

// Build turns a decoded file into a pipeline with an ExprLocator attached.
func (f *File) Build(logger *slog.Logger) (*steps.Pipeline, error) {
	p := &steps.Pipeline{
		Name:       f.Name,
		ReviewStep: f.ReviewStep,
		Sticky:     steps.StickyPolicy(f.Sticky),
		Steps:      make([]steps.Definition, 0, len(f.Steps)),
	}
	matches := make([]string, 0, len(f.Steps))
	for _, s := range f.Steps {
		p.Steps = append(p.Steps, steps.Definition{ID: s.ID, Name: s.Name, Aliases: s.Aliases})
		matches = append(matches, s.Match)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	loc, err := NewExprLocator(f.MatchEngine, f.AgentPath, matches, logger)
	if err != nil {
		return nil, err
	}
	if err := loc.check(p); err != nil {
		return nil, err
	}
	p.Locator = loc
	return p, nil
}

// Default returns the built-in pipeline with the jq agent lookup attached.
func Default(logger *slog.Logger) *steps.Pipeline {
	p := steps.Default()
	loc, err := NewExprLocator(expressions.EngineExpr, DefaultAgentPath, nil, logger)
	if err != nil {
		logging.OrDefault(logger).Warn("default locator unavailable", slog.String("error", err.Error()))
		return p
	}
	p.Locator = loc
	return p
}

// check compiles every match expression and the agent path against an empty
// event so syntax errors surface at load time rather than on the first frame.
func (l *ExprLocator) check(p *steps.Pipeline) error {
	probe := schema.Event{Type: schema.EventWorkflowStatus}
	ctx := context.Background()
	for i, m := range l.matches {
		if m == "" {
			continue
		}
		_, err := expressions.EvaluateBool(ctx, l.engine, m, l.env(p, i, probe))
		if schema.HasCode(err, schema.ErrCodeValidation) {
			return schema.NewErrorf(schema.ErrCodeValidation, "step %q: invalid match expression", p.Steps[i].ID).
				WithStep(p.Steps[i].ID).WithCause(err)
		}
	}
	if l.agentPath != "" {
		if _, err := l.jq.FirstString(ctx, l.agentPath, map[string]any{}); schema.HasCode(err, schema.ErrCodeValidation) {
			return schema.NewError(schema.ErrCodeValidation, "invalid agent_path").WithCause(err)
		}
	}
	return nil
}
