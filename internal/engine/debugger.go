package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/go-wayang/internal/config"
	"github.com/basket/go-wayang/internal/coordinator"
)

// Debugger repairs failed plans. It holds no session state: the caller owns
// the conversation and passes it in with every request.
type Debugger struct {
	model     Model
	prompts   *PromptLoader
	validator *StructuredValidator
	defaults  coordinator.ModelSelection
	logger    *slog.Logger
}

func NewDebugger(model Model, prompts *PromptLoader, cfg config.LLMConfig, logger *slog.Logger) (*Debugger, error) {
	v, err := NewStructuredValidator(PlanSchema(), cfg.SchemaRetries)
	if err != nil {
		return nil, fmt.Errorf("debugger: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Debugger{
		model:     model,
		prompts:   prompts,
		validator: v,
		defaults:  coordinator.ModelSelection{Model: cfg.DebuggerModel, Reasoning: cfg.DebuggerReasoning},
		logger:    logger.With("component", "debugger"),
	}, nil
}

func (d *Debugger) SystemPrompt() string {
	return d.prompts.DebuggerSystemPrompt()
}

// Repair sends the conversation so far plus a new repair prompt and returns
// the fixed plan together with the prompt and the rendered answer.
func (d *Debugger) Repair(ctx context.Context, req coordinator.RepairRequest) (*coordinator.RepairResponse, error) {
	if !d.model.Available() {
		return nil, ErrLLMUnavailable
	}
	prompt := d.prompts.DebuggerPrompt(req.Query, req.FailedPlan, req.ExecutionError, req.ValidationErrors)

	system := ""
	msgs := make([]Message, 0, len(req.Conversation)+1)
	for _, t := range req.Conversation {
		if t.Role == coordinator.RoleSystem && system == "" {
			system = t.Content
			continue
		}
		msgs = append(msgs, Message{Role: string(t.Role), Content: t.Content})
	}
	if system == "" {
		system = d.SystemPrompt()
	}
	msgs = append(msgs, Message{Role: RoleUser, Content: prompt})

	sel := pick(req.Model, d.defaults)
	lp, _, err := generatePlan(ctx, d.model, d.validator, Request{
		Role:      "debugger",
		Model:     sel.Model,
		Reasoning: sel.Reasoning,
		System:    system,
		Messages:  msgs,
	})
	if err != nil {
		return nil, err
	}
	d.logger.Info("plan repaired", "model", sel.Model, "version", req.Version, "operations", len(lp.Operations))
	return &coordinator.RepairResponse{
		Plan:   lp,
		Prompt: prompt,
		Answer: d.prompts.DebuggerAnswer(lp),
	}, nil
}
