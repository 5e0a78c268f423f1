package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-wayang/internal/config"
	"github.com/basket/go-wayang/internal/coordinator"
)

// scriptedModel answers with answers in order and records every request.
type scriptedModel struct {
	answers  []string
	err      error
	off      bool
	requests []Request
}

func (m *scriptedModel) Available() bool { return !m.off }

func (m *scriptedModel) Generate(_ context.Context, req Request) (string, error) {
	cp := req
	cp.Messages = append([]Message(nil), req.Messages...)
	m.requests = append(m.requests, cp)
	if m.err != nil {
		return "", m.err
	}
	if len(m.answers) == 0 {
		return "", errors.New("script exhausted")
	}
	a := m.answers[0]
	m.answers = m.answers[1:]
	return a, nil
}

func testLLMConfig() config.LLMConfig {
	return config.LLMConfig{
		Provider:          "openai",
		BuilderModel:      "gpt-5-nano",
		BuilderReasoning:  "low",
		DebuggerModel:     "gpt-5-mini",
		DebuggerReasoning: "medium",
		SchemaRetries:     1,
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestBuilder_Generate(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, TablesDir, "orders.json"), `{"table":"orders","columns":[{"name":"id","type":"INTEGER"}]}`)
	writeFile(t, filepath.Join(dir, FewShotDir, "wordcount.txt"), "Request: count words")

	model := &scriptedModel{answers: []string{validPlanJSON}}
	b, err := NewBuilder(model, NewPromptLoader(dir), testLLMConfig(), nil)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}

	lp, err := b.Generate(context.Background(), "lowercase words.txt", coordinator.ModelSelection{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(lp.Operations) != 3 {
		t.Fatalf("operations = %d", len(lp.Operations))
	}

	req := model.requests[0]
	if req.Model != "gpt-5-nano" || req.Reasoning != "low" {
		t.Fatalf("defaults not applied: %+v", req)
	}
	if !strings.Contains(req.System, `"table": "orders"`) {
		t.Fatal("system prompt is missing the table schema")
	}
	if !strings.Contains(req.System, "Request: count words") {
		t.Fatal("system prompt is missing the few-shot example")
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "lowercase words.txt" {
		t.Fatalf("user prompt should be the query, got %+v", req.Messages)
	}
}

func TestBuilder_ModelOverride(t *testing.T) {
	model := &scriptedModel{answers: []string{validPlanJSON}}
	b, err := NewBuilder(model, NewPromptLoader(t.TempDir()), testLLMConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Generate(context.Background(), "q", coordinator.ModelSelection{Model: "gpt-5"}); err != nil {
		t.Fatal(err)
	}
	if got := model.requests[0]; got.Model != "gpt-5" || got.Reasoning != "low" {
		t.Fatalf("override not applied field-wise: %+v", got)
	}
}

func TestBuilder_Unavailable(t *testing.T) {
	model := &scriptedModel{off: true}
	b, err := NewBuilder(model, NewPromptLoader(t.TempDir()), testLLMConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = b.Generate(context.Background(), "q", coordinator.ModelSelection{})
	if !errors.Is(err, ErrLLMUnavailable) {
		t.Fatalf("expected ErrLLMUnavailable, got %v", err)
	}
	if len(model.requests) != 0 {
		t.Fatal("unavailable model must not be called")
	}
}

func TestBuilder_BadSchemaFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, TextFileDir, "broken.json"), `{`)
	b, err := NewBuilder(&scriptedModel{answers: []string{validPlanJSON}}, NewPromptLoader(dir), testLLMConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Generate(context.Background(), "q", coordinator.ModelSelection{}); err == nil {
		t.Fatal("expected error for malformed schema file")
	}
}

func TestDebugger_RepairReplaysConversation(t *testing.T) {
	model := &scriptedModel{answers: []string{validPlanJSON}}
	d, err := NewDebugger(model, NewPromptLoader(t.TempDir()), testLLMConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	execErr := "java.lang.NullPointerException"
	conv := []coordinator.Turn{
		{Role: coordinator.RoleSystem, Content: d.SystemPrompt()},
		{Role: coordinator.RoleUser, Content: "earlier prompt"},
		{Role: coordinator.RoleAssistant, Content: "earlier answer"},
	}
	resp, err := d.Repair(context.Background(), coordinator.RepairRequest{
		Query:            "lowercase words.txt",
		ExecutionError:   &execErr,
		ValidationErrors: nil,
		Conversation:     conv,
		Version:          3,
	})
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}

	req := model.requests[0]
	if req.System != d.SystemPrompt() {
		t.Fatal("system turn should become the system prompt")
	}
	if len(req.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(req.Messages))
	}
	if req.Messages[1].Role != RoleAssistant {
		t.Fatalf("assistant turn role = %q", req.Messages[1].Role)
	}
	if req.Messages[2].Content != resp.Prompt {
		t.Fatal("last message should be the new repair prompt")
	}
	if !strings.Contains(resp.Prompt, execErr) || !strings.Contains(resp.Prompt, "lowercase words.txt") {
		t.Fatalf("repair prompt missing query or error:\n%s", resp.Prompt)
	}
	if req.Model != "gpt-5-mini" || req.Reasoning != "medium" {
		t.Fatalf("debugger defaults not applied: %+v", req)
	}
	if !strings.Contains(resp.Answer, "read, lowercase, write") || !strings.Contains(resp.Answer, "textFileOutput") {
		t.Fatalf("answer should render plan and thoughts:\n%s", resp.Answer)
	}
	if len(conv) != 3 {
		t.Fatal("Repair must not modify the caller's conversation")
	}
}

func TestDebugger_NoSystemTurnUsesOwnPrompt(t *testing.T) {
	model := &scriptedModel{answers: []string{validPlanJSON}}
	d, err := NewDebugger(model, NewPromptLoader(t.TempDir()), testLLMConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Repair(context.Background(), coordinator.RepairRequest{Query: "q"}); err != nil {
		t.Fatal(err)
	}
	if model.requests[0].System != d.SystemPrompt() {
		t.Fatal("expected debugger system prompt")
	}
}

func TestDebugger_SchemaFailure(t *testing.T) {
	model := &scriptedModel{answers: []string{"nope", "still nope"}}
	d, err := NewDebugger(model, NewPromptLoader(t.TempDir()), testLLMConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = d.Repair(context.Background(), coordinator.RepairRequest{Query: "q"})
	var se *SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SchemaError, got %v", err)
	}
	if ClassifyError(err) != ErrorClassSchema {
		t.Fatalf("class = %s", ClassifyError(err))
	}
}

func TestGenkitModel_NoKey(t *testing.T) {
	m := NewGenkitModel(context.Background(), config.LLMConfig{Provider: "openai"})
	if m.Available() {
		t.Fatal("model without key should be unavailable")
	}
	if _, err := m.Generate(context.Background(), Request{Model: "gpt-5-nano"}); !errors.Is(err, ErrLLMUnavailable) {
		t.Fatalf("expected ErrLLMUnavailable, got %v", err)
	}
}

func TestModelNameForProvider(t *testing.T) {
	tests := []struct {
		provider, model, want string
	}{
		{"openai", "gpt-5-nano", "openai/gpt-5-nano"},
		{"openai", "", "openai/" + config.DefaultModel},
		{"anthropic", "claude-sonnet-4-5", "anthropic/claude-sonnet-4-5"},
		{"google", "gemini-2.5-flash", "googleai/gemini-2.5-flash"},
		{"openai_compatible", "llama3", "llama3"},
	}
	for _, tt := range tests {
		if got := modelNameForProvider(tt.provider, tt.model); got != tt.want {
			t.Errorf("modelNameForProvider(%q, %q) = %q, want %q", tt.provider, tt.model, got, tt.want)
		}
	}
}

func TestReasoningConfig(t *testing.T) {
	if cfg := reasoningConfig("openai", "low"); cfg["reasoning_effort"] != "low" {
		t.Fatalf("openai config = %v", cfg)
	}
	if cfg := reasoningConfig("openai", " "); cfg != nil {
		t.Fatalf("blank effort should give no config, got %v", cfg)
	}
	if cfg := reasoningConfig("anthropic", "high"); cfg != nil {
		t.Fatalf("anthropic should get no reasoning config, got %v", cfg)
	}
}

func TestToMessages_Roles(t *testing.T) {
	msgs := toMessages([]Message{
		{Role: RoleUser, Content: "u"},
		{Role: RoleAssistant, Content: "a"},
		{Role: "tool", Content: "dropped"},
	})
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[1].Role != "model" {
		t.Fatalf("assistant should map to model, got %q", msgs[1].Role)
	}
}
