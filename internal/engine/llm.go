// Package engine is the generation side of the pipeline: the Builder turns a
// request into a LogicalPlan and the Debugger repairs failed plans. Both talk
// to the configured provider through Genkit.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-wayang/internal/config"
	"github.com/basket/go-wayang/internal/otel"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

// Request is one model call. Role names the caller (builder, debugger) for
// logs and metrics.
type Request struct {
	Role      string
	Model     string
	Reasoning string
	System    string
	Messages  []Message
}

// Model produces the raw text answer for a request.
type Model interface {
	Generate(ctx context.Context, req Request) (string, error)
	Available() bool
}

// GenkitModel serves Requests through a Genkit instance initialised with
// the configured provider plugin.
type GenkitModel struct {
	g        *genkit.Genkit
	provider string
	llmOn    bool
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *otel.Metrics
}

type GenkitOption func(*GenkitModel)

func WithLogger(l *slog.Logger) GenkitOption {
	return func(m *GenkitModel) { m.logger = l }
}

func WithTelemetry(tracer trace.Tracer, metrics *otel.Metrics) GenkitOption {
	return func(m *GenkitModel) {
		m.tracer = tracer
		m.metrics = metrics
	}
}

// NewGenkitModel initialises Genkit for cfg.Provider. Without an API key the
// model is still returned but every call fails with ErrLLMUnavailable.
func NewGenkitModel(ctx context.Context, cfg config.LLMConfig, opts ...GenkitOption) *GenkitModel {
	m := &GenkitModel{logger: slog.Default()}
	for _, o := range opts {
		o(m)
	}

	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "openai"
	}
	m.provider = provider
	apiKey := strings.TrimSpace(cfg.APIKey)

	if apiKey == "" {
		m.g = genkit.Init(ctx)
		m.logger.Warn("LLM API key missing; plan generation disabled", "provider", provider)
		return m
	}

	switch provider {
	case "openai":
		m.g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		}))
		m.llmOn = true

	case "openai_compatible":
		m.g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai_compatible",
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		}))
		m.llmOn = true

	case "anthropic":
		m.g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: cfg.BaseURL,
		}))
		m.llmOn = true

	case "google":
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		m.g = genkit.Init(ctx,
			genkit.WithPlugins(&googlegenai.GoogleAI{}),
			genkit.WithDefaultModel(modelNameForProvider(provider, cfg.BuilderModel)),
		)
		m.llmOn = true

	default:
		m.g = genkit.Init(ctx)
		m.logger.Warn("unknown LLM provider; plan generation disabled", "provider", provider)
		return m
	}

	m.logger.Info("genkit initialized", "provider", provider,
		"builder_model", cfg.BuilderModel, "debugger_model", cfg.DebuggerModel)
	return m
}

func (m *GenkitModel) Available() bool { return m.llmOn }

func (m *GenkitModel) Generate(ctx context.Context, req Request) (string, error) {
	if !m.llmOn {
		return "", ErrLLMUnavailable
	}
	modelName := modelNameForProvider(m.provider, req.Model)

	ctx, span := otel.StartClientSpan(ctx, m.tracer, "llm.generate",
		otel.AttrModel.String(modelName),
		otel.AttrRole.String(req.Role),
	)
	defer span.End()
	start := time.Now()
	if m.metrics != nil {
		defer otel.ObserveSeconds(ctx, m.metrics.LLMCallDuration, start,
			otel.AttrModel.String(modelName), otel.AttrRole.String(req.Role))
	}

	opts := []ai.GenerateOption{ai.WithModelName(modelName)}
	if req.System != "" {
		// WithSystem formats its text; escape % so templates survive.
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(req.System, "%", "%%")))
	}
	if msgs := toMessages(req.Messages); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}
	if cfg := reasoningConfig(m.provider, req.Reasoning); cfg != nil {
		opts = append(opts, ai.WithConfig(cfg))
	}

	resp, err := genkit.Generate(ctx, m.g, opts...)
	if err != nil {
		span.RecordError(err)
		class := ClassifyError(err)
		m.logger.Error("genkit generate failed",
			"role", req.Role, "model", modelName,
			"class", string(class), "hint", class.Hint(), "error", err)
		return "", fmt.Errorf("genkit generate: %w", err)
	}
	return resp.Text(), nil
}

// reasoningConfig passes reasoning effort to providers that accept it.
func reasoningConfig(provider, effort string) map[string]any {
	effort = strings.TrimSpace(effort)
	if effort == "" {
		return nil
	}
	switch provider {
	case "openai", "openai_compatible":
		return map[string]any{"reasoning_effort": effort}
	default:
		return nil
	}
}

func modelNameForProvider(provider, model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		model = config.DefaultModel
	}
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible":
		return model
	case "google":
		return "googleai/" + model
	default:
		return model
	}
}

func toMessages(in []Message) []*ai.Message {
	var msgs []*ai.Message
	for _, m := range in {
		var role ai.Role
		switch m.Role {
		case RoleUser:
			role = ai.RoleUser
		case RoleAssistant:
			role = ai.RoleModel
		case RoleSystem:
			role = ai.RoleSystem
		default:
			continue
		}
		msgs = append(msgs, &ai.Message{
			Role:    role,
			Content: []*ai.Part{ai.NewTextPart(m.Content)},
		})
	}
	return msgs
}
