package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/go-wayang/internal/config"
	"github.com/basket/go-wayang/internal/coordinator"
	"github.com/basket/go-wayang/internal/plan"
)

// Builder drafts the first plan of a session from the request text.
type Builder struct {
	model     Model
	prompts   *PromptLoader
	validator *StructuredValidator
	defaults  coordinator.ModelSelection
	logger    *slog.Logger
}

func NewBuilder(model Model, prompts *PromptLoader, cfg config.LLMConfig, logger *slog.Logger) (*Builder, error) {
	v, err := NewStructuredValidator(PlanSchema(), cfg.SchemaRetries)
	if err != nil {
		return nil, fmt.Errorf("builder: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		model:     model,
		prompts:   prompts,
		validator: v,
		defaults:  coordinator.ModelSelection{Model: cfg.BuilderModel, Reasoning: cfg.BuilderReasoning},
		logger:    logger.With("component", "builder"),
	}, nil
}

// Generate returns a LogicalPlan for query. The system prompt is rebuilt on
// every call from the current schema files.
func (b *Builder) Generate(ctx context.Context, query string, sel coordinator.ModelSelection) (*plan.LogicalPlan, error) {
	if !b.model.Available() {
		return nil, ErrLLMUnavailable
	}
	system, err := b.prompts.BuilderSystemPrompt()
	if err != nil {
		return nil, fmt.Errorf("builder prompt: %w", err)
	}
	sel = pick(sel, b.defaults)

	lp, _, err := generatePlan(ctx, b.model, b.validator, Request{
		Role:      "builder",
		Model:     sel.Model,
		Reasoning: sel.Reasoning,
		System:    system,
		Messages:  []Message{{Role: RoleUser, Content: query}},
	})
	if err != nil {
		return nil, err
	}
	b.logger.Info("plan drafted", "model", sel.Model, "operations", len(lp.Operations))
	return lp, nil
}

// pick fills the empty fields of sel from def.
func pick(sel, def coordinator.ModelSelection) coordinator.ModelSelection {
	if strings.TrimSpace(sel.Model) == "" {
		sel.Model = def.Model
	}
	if strings.TrimSpace(sel.Reasoning) == "" {
		sel.Reasoning = def.Reasoning
	}
	return sel
}
