// Package plan holds the two plan shapes the pipeline moves between: the
// LogicalPlan the models produce and repair, and the ExecutionPlan posted
// to the Wayang JSON API. It also validates and maps between them.
package plan

import "encoding/json"

// Operator categories understood by the validator. Other values (input,
// output, ...) carry no arity rule.
const (
	CategoryInput  = "input"
	CategoryOutput = "output"
	CategoryUnary  = "unary"
	CategoryBinary = "binary"
)

// Operation is one node of a LogicalPlan.
type Operation struct {
	Cat           string   `json:"cat"`
	ID            int      `json:"id"`
	Input         []int    `json:"input"`
	Output        []int    `json:"output"`
	OperatorName  string   `json:"operatorName"`
	KeyUdf        string   `json:"keyUdf,omitempty"`
	Udf           string   `json:"udf,omitempty"`
	ThisKeyUdf    string   `json:"thisKeyUdf,omitempty"`
	ThatKeyUdf    string   `json:"thatKeyUdf,omitempty"`
	Table         string   `json:"table,omitempty"`
	InputFileName string   `json:"inputFileName,omitempty"`
	ColumnNames   []string `json:"columnNames,omitempty"`
}

// LogicalPlan is what the builder returns and the debugger repairs.
type LogicalPlan struct {
	Operations []Operation `json:"operations"`
	Thoughts   string      `json:"thoughts,omitempty"`
}

// Operator is one node of the Wayang wire format. Everything that is not
// structure lives in Data.
type Operator struct {
	ID           int            `json:"id"`
	Cat          string         `json:"cat"`
	Input        []int          `json:"input"`
	Output       []int          `json:"output"`
	OperatorName string         `json:"operatorName"`
	Data         map[string]any `json:"data,omitempty"`

	// origin is set by Mapper.ToExecution and never serialized.
	origin *origin
}

// origin remembers what the mapper rewrote so FromExecution can undo
// exactly that: the file name before folder, scheme or default were applied.
type origin struct {
	fileName string
}

type Context struct {
	Platforms     []string          `json:"platforms"`
	Configuration map[string]string `json:"configuration,omitempty"`
}

// ExecutionPlan is the body POSTed to Wayang. Operator order is significant.
type ExecutionPlan struct {
	Context   Context     `json:"context"`
	Operators []*Operator `json:"operators"`
}

// JSON renders p with indentation, as shown to the debugger and stored per attempt.
func (p *LogicalPlan) JSON() string {
	b, err := json.MarshalIndent(p, "", "    ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

func (p *ExecutionPlan) JSON() string {
	b, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	return string(b)
}
