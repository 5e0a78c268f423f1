package plan

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// DefaultOutputFile names the sink file when the plan does not.
const DefaultOutputFile = "output.txt"

// Keys used inside Operator.Data.
const (
	dataUdf         = "udf"
	dataKeyUdf      = "keyUdf"
	dataThisKeyUdf  = "thisKeyUdf"
	dataThatKeyUdf  = "thatKeyUdf"
	dataTable       = "table"
	dataColumnNames = "columnNames"
	dataFilename    = "filename"
	dataURI         = "uri"
	dataUsername    = "username"
	dataPassword    = "password"
	dataType        = "type"
)

const fileScheme = "file://"

// JDBC holds the connection a table source reads from.
type JDBC struct {
	URI      string
	Username string
	Password string
}

// Mapper converts between LogicalPlan and ExecutionPlan and injects the
// deployment details the models never see: folders, JDBC credentials and
// target platforms.
type Mapper struct {
	InputFolder  string
	OutputFolder string
	JDBC         JDBC
	Platforms    []string
}

// ToExecution builds the Wayang wire plan. Operation order is preserved.
func (m Mapper) ToExecution(lp *LogicalPlan) (*ExecutionPlan, error) {
	if lp == nil {
		return nil, errors.New("map plan: nil logical plan")
	}
	platforms := m.Platforms
	if len(platforms) == 0 {
		platforms = []string{"java"}
	}
	ep := &ExecutionPlan{
		Context:   Context{Platforms: append([]string(nil), platforms...)},
		Operators: make([]*Operator, 0, len(lp.Operations)),
	}

	for _, op := range lp.Operations {
		data := map[string]any{}
		setString(data, dataUdf, op.Udf)
		setString(data, dataKeyUdf, op.KeyUdf)
		setString(data, dataThisKeyUdf, op.ThisKeyUdf)
		setString(data, dataThatKeyUdf, op.ThatKeyUdf)
		if len(op.ColumnNames) > 0 {
			data[dataColumnNames] = append([]string(nil), op.ColumnNames...)
		}

		if op.Cat == CategoryOutput {
			name := op.InputFileName
			if name == "" {
				name = DefaultOutputFile
			}
			data[dataFilename] = fileURL(m.OutputFolder, name)
			data[dataType] = "string"
		} else if op.InputFileName != "" {
			data[dataFilename] = fileURL(m.InputFolder, op.InputFileName)
		}
		if op.Table != "" {
			if m.JDBC.URI == "" {
				return nil, fmt.Errorf("map plan: operator %d reads table %q but no JDBC URI is configured", op.ID, op.Table)
			}
			data[dataTable] = op.Table
			data[dataURI] = m.JDBC.URI
			data[dataUsername] = m.JDBC.Username
			data[dataPassword] = m.JDBC.Password
		}

		if len(data) == 0 {
			data = nil
		}
		ep.Operators = append(ep.Operators, &Operator{
			ID:           op.ID,
			Cat:          op.Cat,
			Input:        cloneInts(op.Input),
			Output:       cloneInts(op.Output),
			OperatorName: op.OperatorName,
			Data:         data,
			origin:       &origin{fileName: op.InputFileName},
		})
	}
	return ep, nil
}

// FromExecution recovers the LogicalPlan the debugger works on. For plans
// built by ToExecution the file names come back exactly as given; plans
// decoded from JSON have folder prefixes stripped. Credentials are never
// copied back.
func (m Mapper) FromExecution(ep *ExecutionPlan) (*LogicalPlan, error) {
	if ep == nil {
		return nil, errors.New("map plan: nil execution plan")
	}
	lp := &LogicalPlan{Operations: make([]Operation, 0, len(ep.Operators))}
	for i, op := range ep.Operators {
		if op == nil {
			return nil, fmt.Errorf("map plan: operator at position %d is null", i)
		}
		out := Operation{
			Cat:          op.Cat,
			ID:           op.ID,
			Input:        cloneInts(op.Input),
			Output:       cloneInts(op.Output),
			OperatorName: op.OperatorName,
			Udf:          stringField(op.Data, dataUdf),
			KeyUdf:       stringField(op.Data, dataKeyUdf),
			ThisKeyUdf:   stringField(op.Data, dataThisKeyUdf),
			ThatKeyUdf:   stringField(op.Data, dataThatKeyUdf),
			Table:        stringField(op.Data, dataTable),
			ColumnNames:  stringsField(op.Data, dataColumnNames),
		}
		switch filename := stringField(op.Data, dataFilename); {
		case op.origin != nil:
			out.InputFileName = op.origin.fileName
		case filename != "":
			// Decoded from the wire: best effort, the folder and scheme go.
			folder := m.InputFolder
			if op.Cat == CategoryOutput {
				folder = m.OutputFolder
			}
			out.InputFileName = stripFileURL(folder, filename)
		}
		lp.Operations = append(lp.Operations, out)
	}
	return lp, nil
}

func fileURL(folder, name string) string {
	if strings.HasPrefix(name, fileScheme) {
		return name
	}
	if folder == "" {
		return fileScheme + name
	}
	return fileScheme + path.Join(folder, name)
}

func stripFileURL(folder, url string) string {
	rest := strings.TrimPrefix(url, fileScheme)
	if folder != "" {
		if trimmed, ok := strings.CutPrefix(rest, strings.TrimSuffix(folder, "/")+"/"); ok {
			return trimmed
		}
	}
	return rest
}

func setString(data map[string]any, key, value string) {
	if value != "" {
		data[key] = value
	}
}

func stringField(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

// stringsField reads a string list that may have been decoded from JSON as []any.
func stringsField(data map[string]any, key string) []string {
	switch v := data[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func cloneInts(in []int) []int {
	if in == nil {
		return []int{}
	}
	return append([]int{}, in...)
}
