package engine

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/go-wayang/internal/plan"
	"github.com/basket/go-wayang/internal/schemas"
)

//go:embed prompts/*.txt prompts/plan_schema.json
var promptFS embed.FS

// Folders under the data directory the prompts are filled from.
const (
	TablesDir   = schemas.TablesDir
	TextFileDir = schemas.TextFileDir
	FewShotDir  = schemas.FewShotDir
)

func template(name string) string {
	b, err := promptFS.ReadFile("prompts/" + name)
	if err != nil {
		// Embedded at build time; a missing file is a packaging bug.
		panic(fmt.Sprintf("engine: missing prompt template %s", name))
	}
	return string(b)
}

// PlanSchema is the JSON Schema every model answer must satisfy.
func PlanSchema() json.RawMessage {
	return json.RawMessage(template("plan_schema.json"))
}

// PromptLoader fills the prompt templates from the data directory. It reads
// the directory on every call so freshly loaded schemas reach the next query.
type PromptLoader struct {
	DataDir string
}

func NewPromptLoader(dataDir string) *PromptLoader {
	return &PromptLoader{DataDir: dataDir}
}

// BuilderSystemPrompt fills {data}, {operators} and {examples}.
func (l *PromptLoader) BuilderSystemPrompt() (string, error) {
	data, err := l.DataPrompt()
	if err != nil {
		return "", err
	}
	examples, err := l.FewShotPrompt()
	if err != nil {
		return "", err
	}
	r := strings.NewReplacer(
		"{data}", data,
		"{operators}", l.Operators(),
		"{examples}", examples,
	)
	return r.Replace(template("builder_system.txt")), nil
}

// DebuggerSystemPrompt fills {operators}. It never touches the data directory.
func (l *PromptLoader) DebuggerSystemPrompt() string {
	return strings.ReplaceAll(template("debugger_system.txt"), "{operators}", l.Operators())
}

// DebuggerPrompt asks for a fix of failed. A nil wayangErr means the plan
// never reached Wayang and is rendered as null.
func (l *PromptLoader) DebuggerPrompt(query string, failed *plan.LogicalPlan, wayangErr *string, valErrs []string) string {
	failedJSON := "null"
	if failed != nil {
		failedJSON = failed.JSON()
	}
	wayangText := "null"
	if wayangErr != nil {
		wayangText = *wayangErr
	}
	lines := make([]string, 0, len(valErrs))
	for _, e := range valErrs {
		lines = append(lines, "- "+e)
	}
	r := strings.NewReplacer(
		"{query}", query,
		"{failed_plan}", failedJSON,
		"{wayang_error}", wayangText,
		"{val_error}", strings.Join(lines, "\n"),
	)
	return r.Replace(template("debugger_prompt.txt"))
}

// DebuggerAnswer renders the debugger's own answer as it is kept in the
// conversation for later iterations.
func (l *PromptLoader) DebuggerAnswer(fixed *plan.LogicalPlan) string {
	ops := []plan.Operation{}
	thoughts := ""
	if fixed != nil {
		if fixed.Operations != nil {
			ops = fixed.Operations
		}
		thoughts = fixed.Thoughts
	}
	b, err := json.MarshalIndent(ops, "", "  ")
	if err != nil {
		b = []byte("[]")
	}
	r := strings.NewReplacer(
		"{fixed_plan}", string(b),
		"{thoughts}", thoughts,
	)
	return r.Replace(template("debugger_answer.txt"))
}

func (l *PromptLoader) Operators() string {
	return template("operators.txt")
}

// DataPrompt lists the table and text-file schemas written by the schema loader.
func (l *PromptLoader) DataPrompt() (string, error) {
	tables, err := readJSONDir(filepath.Join(l.DataDir, TablesDir))
	if err != nil {
		return "", err
	}
	files, err := readJSONDir(filepath.Join(l.DataDir, TextFileDir))
	if err != nil {
		return "", err
	}
	r := strings.NewReplacer(
		"{jdbc_tables}", strings.Join(tables, "\n\n"),
		"{text_files}", strings.Join(files, "\n\n"),
	)
	return r.Replace(template("data.txt")), nil
}

func (l *PromptLoader) FewShotPrompt() (string, error) {
	examples, err := readTextDir(filepath.Join(l.DataDir, FewShotDir))
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(template("few_shot.txt"), "{examples}", strings.Join(examples, "\n\n")), nil
}

// readJSONDir returns every *.json file below dir re-indented, in lexical
// path order. A missing dir yields nothing.
func readJSONDir(dir string) ([]string, error) {
	var out []string
	err := walkFiles(dir, ".json", func(path string, data []byte) error {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("parse schema %s: %w", path, err)
		}
		b, err := json.MarshalIndent(v, "", "   ")
		if err != nil {
			return err
		}
		out = append(out, string(b))
		return nil
	})
	return out, err
}

func readTextDir(dir string) ([]string, error) {
	var out []string
	err := walkFiles(dir, ".txt", func(_ string, data []byte) error {
		out = append(out, string(data))
		return nil
	})
	return out, err
}

func walkFiles(dir, ext string, fn func(path string, data []byte) error) error {
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ext) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		return fn(path, data)
	})
}
