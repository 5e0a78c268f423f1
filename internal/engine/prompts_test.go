package engine

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-wayang/internal/plan"
)

func TestPromptLoader_BuilderSystemPromptFillsPlaceholders(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, TablesDir, "b.json"), `{"table":"b"}`)
	writeFile(t, filepath.Join(dir, TablesDir, "a.json"), `{"table":"a"}`)
	writeFile(t, filepath.Join(dir, TextFileDir, "words.txt.json"), `{"file":"words.txt","lines":["a b"]}`)
	writeFile(t, filepath.Join(dir, FewShotDir, "one.txt"), "EXAMPLE-ONE")
	writeFile(t, filepath.Join(dir, FewShotDir, "ignored.md"), "NOT-AN-EXAMPLE")

	got, err := NewPromptLoader(dir).BuilderSystemPrompt()
	if err != nil {
		t.Fatalf("BuilderSystemPrompt: %v", err)
	}
	for _, ph := range []string{"{data}", "{operators}", "{examples}", "{jdbc_tables}", "{text_files}"} {
		if strings.Contains(got, ph) {
			t.Errorf("placeholder %s left unfilled", ph)
		}
	}
	if !strings.Contains(got, "EXAMPLE-ONE") || strings.Contains(got, "NOT-AN-EXAMPLE") {
		t.Error("few-shot examples should come from .txt files only")
	}
	if strings.Index(got, `"table": "a"`) > strings.Index(got, `"table": "b"`) {
		t.Error("table schemas should be listed in file name order")
	}
	if !strings.Contains(got, `"file": "words.txt"`) {
		t.Error("text file schema missing")
	}
}

func TestPromptLoader_MissingDataDirIsEmpty(t *testing.T) {
	got, err := NewPromptLoader(filepath.Join(t.TempDir(), "absent")).DataPrompt()
	if err != nil {
		t.Fatalf("DataPrompt: %v", err)
	}
	if !strings.Contains(got, "JDBC tables") {
		t.Fatalf("template not rendered: %q", got)
	}
}

func TestPromptLoader_DebuggerPrompt(t *testing.T) {
	l := NewPromptLoader(t.TempDir())
	failed := &plan.LogicalPlan{Operations: []plan.Operation{{Cat: "unary", ID: 2, Input: []int{1, 0}, Output: []int{3}, OperatorName: "map"}}}

	got := l.DebuggerPrompt("count {query} words", failed, nil, []string{"Operation id 2: Unary operators can only have one input id", "second"})
	if !strings.Contains(got, "count {query} words") {
		t.Error("query must be inserted verbatim, placeholders inside it untouched")
	}
	if !strings.Contains(got, "Wayang server error:\nnull") {
		t.Errorf("absent wayang error should render as null:\n%s", got)
	}
	if !strings.Contains(got, "- Operation id 2: Unary operators can only have one input id\n- second") {
		t.Errorf("validation errors should be bullet lines:\n%s", got)
	}
	if !strings.Contains(got, `    "operations": [`) {
		t.Errorf("failed plan should be indented JSON:\n%s", got)
	}

	msg := "engine said no"
	got = l.DebuggerPrompt("q", failed, &msg, nil)
	if !strings.Contains(got, "Wayang server error:\nengine said no") {
		t.Errorf("wayang error not inserted:\n%s", got)
	}
}

func TestPromptLoader_DebuggerAnswer(t *testing.T) {
	l := NewPromptLoader(t.TempDir())
	got := l.DebuggerAnswer(&plan.LogicalPlan{
		Operations: []plan.Operation{{Cat: "output", ID: 3, Input: []int{2}, Output: []int{}, OperatorName: "textFileOutput"}},
		Thoughts:   "fixed ids",
	})
	if !strings.Contains(got, `"operatorName": "textFileOutput"`) || !strings.Contains(got, "fixed ids") {
		t.Fatalf("answer incomplete:\n%s", got)
	}
	if got := l.DebuggerAnswer(nil); !strings.Contains(got, "[]") {
		t.Fatalf("nil plan should render an empty list:\n%s", got)
	}
}

func TestPromptLoader_DebuggerSystemPrompt(t *testing.T) {
	got := NewPromptLoader("").DebuggerSystemPrompt()
	if strings.Contains(got, "{operators}") || !strings.Contains(got, "textFileOutput") {
		t.Fatal("operators not filled into debugger system prompt")
	}
}

func TestPlanSchemaCompiles(t *testing.T) {
	if _, err := NewStructuredValidator(PlanSchema(), 0); err != nil {
		t.Fatalf("embedded plan schema: %v", err)
	}
}
