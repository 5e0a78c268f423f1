package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/go-wayang/internal/coordinator"
)

const (
	ToolQueryWayang = "query_wayang"
	ToolGetResult   = "get_wayang_result"
	ToolLoadSchemas = "load_schemas"
)

// Runner is the orchestrator surface the tools call into.
type Runner interface {
	Run(ctx context.Context, q coordinator.Query) *coordinator.Report
	Result(ctx context.Context, sessionID string) (string, error)
}

type SchemaLoader interface {
	LoadAll(ctx context.Context) (string, error)
}

type toolDef struct {
	Tool
	schema *jsonschema.Schema
	call   func(ctx context.Context, args map[string]any) (string, error)
}

const queryWayangSchema = `{
  "type": "object",
  "properties": {
    "describe_wayang_plan": {
      "type": "string",
      "minLength": 1,
      "description": "Natural-language description of the data processing job."
    },
    "model": {"type": "string", "default": "gpt-5-nano"},
    "reasoning": {"type": "string", "enum": ["minimal", "low", "medium", "high"], "default": "low"},
    "use_debugger": {"type": "string", "enum": ["True", "False", "true", "false"]}
  },
  "required": ["describe_wayang_plan"],
  "additionalProperties": false
}`

const getResultSchema = `{
  "type": "object",
  "properties": {
    "session_id": {"type": "string", "description": "Session to read; defaults to the latest."}
  },
  "additionalProperties": false
}`

const loadSchemasSchema = `{"type": "object", "additionalProperties": false}`

func (s *Server) buildTools() error {
	defs := []struct {
		tool Tool
		call func(ctx context.Context, args map[string]any) (string, error)
	}{
		{
			tool: Tool{
				Name: ToolQueryWayang,
				Description: "Build a Wayang execution plan from a natural-language request, validate it, " +
					"run it on Wayang and repair it on failure. Returns the job output.",
				InputSchema: json.RawMessage(queryWayangSchema),
			},
			call: s.queryWayang,
		},
		{
			tool: Tool{
				Name:        ToolGetResult,
				Description: "Return the stored output of a previous query_wayang session.",
				InputSchema: json.RawMessage(getResultSchema),
			},
			call: s.getResult,
		},
		{
			tool: Tool{
				Name:        ToolLoadSchemas,
				Description: "Refresh the table and text file schemas the planner is prompted with.",
				InputSchema: json.RawMessage(loadSchemasSchema),
			},
			call: s.loadSchemas,
		},
	}

	c := jsonschema.NewCompiler()
	for _, d := range defs {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(d.tool.InputSchema)))
		if err != nil {
			return fmt.Errorf("tool %s: unmarshal schema: %w", d.tool.Name, err)
		}
		url := d.tool.Name + ".json"
		if err := c.AddResource(url, doc); err != nil {
			return fmt.Errorf("tool %s: add schema: %w", d.tool.Name, err)
		}
		sch, err := c.Compile(url)
		if err != nil {
			return fmt.Errorf("tool %s: compile schema: %w", d.tool.Name, err)
		}
		s.tools = append(s.tools, toolDef{Tool: d.tool, schema: sch, call: d.call})
	}
	return nil
}

func (s *Server) lookup(name string) (toolDef, bool) {
	for _, t := range s.tools {
		if t.Name == name {
			return t, true
		}
	}
	return toolDef{}, false
}

// callTool validates arguments and runs the tool. Validation and tool
// failures are reported in the result, not as JSON-RPC errors.
func (s *Server) callTool(ctx context.Context, t toolDef, raw json.RawMessage) ToolResult {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return textResult("invalid arguments: "+err.Error(), true)
	}
	if err := t.schema.Validate(doc); err != nil {
		return textResult("invalid arguments: "+err.Error(), true)
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return textResult("invalid arguments: "+err.Error(), true)
	}

	out, err := t.call(ctx, args)
	if err != nil {
		return textResult(err.Error(), true)
	}
	return textResult(out, false)
}

func (s *Server) queryWayang(ctx context.Context, args map[string]any) (string, error) {
	q := coordinator.Query{
		Text:      stringArg(args, "describe_wayang_plan"),
		Model:     stringArg(args, "model"),
		Reasoning: stringArg(args, "reasoning"),
	}
	if v, ok := args["use_debugger"].(string); ok {
		on := strings.EqualFold(v, "true")
		q.Repair = &on
	}
	rep := s.runner.Run(ctx, q)
	s.logger.Info("query_wayang finished",
		"session_id", rep.SessionID,
		"outcome", rep.Outcome,
		"version", rep.Version,
	)
	return rep.Reply, nil
}

func (s *Server) getResult(ctx context.Context, args map[string]any) (string, error) {
	out, err := s.runner.Result(ctx, stringArg(args, "session_id"))
	if errors.Is(err, coordinator.ErrUnknownSession) {
		return "", fmt.Errorf("no session with id %q", stringArg(args, "session_id"))
	}
	return out, err
}

func (s *Server) loadSchemas(ctx context.Context, _ map[string]any) (string, error) {
	if s.schemas == nil {
		return "", errors.New("schema loading is not configured")
	}
	return s.schemas.LoadAll(ctx)
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}
