package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/go-wayang/internal/plan"
)

// StructuredValidator checks model answers against the plan schema.
type StructuredValidator struct {
	schema     *jsonschema.Schema
	maxRetries int
}

// NewStructuredValidator compiles schemaJSON. maxRetries < 0 disables
// follow-up turns; 0 selects the default of 2.
func NewStructuredValidator(schemaJSON json.RawMessage, maxRetries int) (*StructuredValidator, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("plan_schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("plan_schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	switch {
	case maxRetries == 0:
		maxRetries = 2
	case maxRetries < 0:
		maxRetries = 0
	}
	return &StructuredValidator{schema: schema, maxRetries: maxRetries}, nil
}

func (sv *StructuredValidator) MaxRetries() int {
	return sv.maxRetries
}

// DecodePlan extracts the JSON object from a model answer, validates it and
// decodes it. Failures are *SchemaError.
func (sv *StructuredValidator) DecodePlan(responseText string) (*plan.LogicalPlan, error) {
	lp, serr := sv.decode(responseText)
	if serr != nil {
		return nil, serr
	}
	return lp, nil
}

func (sv *StructuredValidator) decode(responseText string) (*plan.LogicalPlan, *SchemaError) {
	jsonStr := extractJSON(responseText)
	if jsonStr == "" {
		return nil, &SchemaError{Message: "response does not contain valid JSON", Raw: responseText}
	}

	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return nil, &SchemaError{Message: fmt.Sprintf("invalid JSON: %s", err), Raw: responseText}
	}
	if err := sv.schema.Validate(parsed); err != nil {
		return nil, &SchemaError{Message: fmt.Sprintf("schema validation failed: %s", err), Raw: responseText}
	}

	var lp plan.LogicalPlan
	if err := json.Unmarshal([]byte(jsonStr), &lp); err != nil {
		return nil, &SchemaError{Message: fmt.Sprintf("decode plan: %s", err), Raw: responseText}
	}
	for i := range lp.Operations {
		if lp.Operations[i].Input == nil {
			lp.Operations[i].Input = []int{}
		}
		if lp.Operations[i].Output == nil {
			lp.Operations[i].Output = []int{}
		}
	}
	return &lp, nil
}

// extractJSON finds a JSON object or array in the response text.
func extractJSON(text string) string {
	// 1. Try fenced JSON block: ```json\n...\n```
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + 7
		// Skip optional newline after ```json
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if candidate != "" {
				return candidate
			}
		}
	}

	// 2. Try generic fenced block: ```\n...\n```
	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if isJSON(candidate) {
				return candidate
			}
		}
	}

	// 3. Try raw JSON: find first { or [ and match closing
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			candidate := extractBalanced(text[i:])
			if candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}

	return ""
}

// isJSON checks if a string is valid JSON.
func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced extracts a balanced JSON structure from the start of the string.
func extractBalanced(s string) string {
	if len(s) == 0 {
		return ""
	}

	open := s[0]
	var close byte
	switch open {
	case '{':
		close = '}'
	case '[':
		close = ']'
	default:
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			escaped = false
			continue
		}

		if ch == '\\' && inString {
			escaped = true
			continue
		}

		if ch == '"' {
			inString = !inString
			continue
		}

		if inString {
			continue
		}

		if ch == open {
			depth++
		} else if ch == close {
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}

	return ""
}

// generatePlan asks model for a plan and, while the answer does not decode,
// feeds the schema error back as a follow-up turn.
func generatePlan(ctx context.Context, model Model, validator *StructuredValidator, req Request) (*plan.LogicalPlan, string, error) {
	msgs := append([]Message(nil), req.Messages...)
	for attempt := 0; ; attempt++ {
		req.Messages = msgs
		text, err := model.Generate(ctx, req)
		if err != nil {
			return nil, "", err
		}
		lp, serr := validator.decode(text)
		if serr == nil {
			return lp, text, nil
		}
		if attempt >= validator.MaxRetries() {
			return nil, text, serr
		}

		retryPrompt := fmt.Sprintf(
			"Your response did not match the required JSON schema. Error: %s\n\n"+
				"Please try again, answering with a single JSON object that matches the schema.",
			serr.Message,
		)
		msgs = append(msgs,
			Message{Role: RoleAssistant, Content: text},
			Message{Role: RoleUser, Content: retryPrompt},
		)
	}
}
