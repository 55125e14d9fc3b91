package pipeline

import (
	"context"
	"log/slog"

	"github.com/rendis/invoiceflow/internal/expressions"
	"github.com/rendis/invoiceflow/internal/logging"
	"github.com/rendis/invoiceflow/internal/steps"
	"github.com/rendis/invoiceflow/pkg/schema"
)

// ExprLocator resolves the step an event refers to. Per-step match predicates
// are tried first in pipeline order, then the agent name extracted by the jq
// agent path, then the plain agent fields.
type ExprLocator struct {
	engine    expressions.Engine
	matches   []string
	jq        *expressions.GoJQEngine
	agentPath string
	logger    *slog.Logger
}

// NewExprLocator builds a locator. matches is indexed like the pipeline steps;
// empty entries are skipped.
func NewExprLocator(engine, agentPath string, matches []string, logger *slog.Logger) (*ExprLocator, error) {
	e, err := expressions.New(engine)
	if err != nil {
		return nil, err
	}
	if engine == expressions.EngineJQ {
		return nil, schema.NewError(schema.ErrCodeValidation, "jq cannot be used as a match engine")
	}
	return &ExprLocator{
		engine:    e,
		matches:   matches,
		jq:        expressions.NewGoJQEngine(),
		agentPath: agentPath,
		logger:    logging.OrDefault(logger),
	}, nil
}

// Locate implements steps.Locator.
func (l *ExprLocator) Locate(p *steps.Pipeline, ev schema.Event) (int, bool) {
	ctx := logging.WithEventType(context.Background(), ev.Type)

	for i, m := range l.matches {
		if m == "" || i >= p.Len() {
			continue
		}
		ok, err := expressions.EvaluateBool(ctx, l.engine, m, l.env(p, i, ev))
		if err != nil {
			logging.LogWith(logging.WithStepID(ctx, p.Steps[i].ID), l.logger).
				Debug("match expression failed", slog.String("error", err.Error()))
			continue
		}
		if ok {
			return i, true
		}
	}

	if l.agentPath != "" {
		name, err := l.jq.FirstString(ctx, l.agentPath, ev.Fields())
		if err != nil {
			logging.LogWith(ctx, l.logger).Debug("agent path failed", slog.String("error", err.Error()))
		} else if name != "" {
			i := p.Index(name)
			return i, i >= 0
		}
	}

	return steps.AgentLocator{}.Locate(p, ev)
}

// env is the variable set a match expression sees.
func (l *ExprLocator) env(p *steps.Pipeline, i int, ev schema.Event) map[string]any {
	d := p.Steps[i]
	aliases := make([]any, 0, len(d.Aliases))
	for _, a := range d.Aliases {
		aliases = append(aliases, a)
	}
	return map[string]any{
		"event": map[string]any{
			"type":      ev.Type,
			"raw_type":  ev.RawType,
			"timestamp": ev.Timestamp,
		},
		"data": ev.Fields(),
		"step": map[string]any{
			"id":      d.ID,
			"name":    d.DisplayName(),
			"aliases": aliases,
		},
	}
}

var _ steps.Locator = (*ExprLocator)(nil)
