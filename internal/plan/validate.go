package plan

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// opView is the validator's read-only view of one operator, built either
// from a typed Operator or from raw JSON.
type opView struct {
	label   string // id as shown in diagnostics
	id      int
	idOK    bool
	cat     string
	inputs  []int
	inErr   error
	outputs []int
	outErr  error
	err     error // operator unusable as a whole
}

// Validate checks the structural rules of an execution plan: positive ids,
// inputs before and outputs after each operator, and arity by category.
// A nil plan or an empty operator list is valid.
func Validate(p *ExecutionPlan) (bool, []string) {
	if p == nil {
		return true, []string{}
	}
	views := make([]opView, len(p.Operators))
	for i, op := range p.Operators {
		views[i] = viewOf(op)
	}
	return check(views)
}

// ValidateJSON applies the same rules to a raw wire document without
// requiring it to decode into ExecutionPlan. Malformed ids and lists become
// diagnostics for the operator they belong to.
func ValidateJSON(raw []byte) (bool, []string) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil || doc == nil {
		if err == nil {
			err = errors.New("plan is not a JSON object")
		}
		return false, []string{"Plan: Unexpected error - " + err.Error()}
	}

	rawOps, ok := doc["operators"]
	if !ok || isNull(rawOps) {
		return true, []string{}
	}
	var items []json.RawMessage
	if err := json.Unmarshal(rawOps, &items); err != nil {
		return false, []string{"Plan: Unexpected error - operators must be a list"}
	}

	views := make([]opView, len(items))
	for i, item := range items {
		views[i] = viewOfJSON(item)
	}
	return check(views)
}

func check(views []opView) (bool, []string) {
	diags := []string{}
	for i, v := range views {
		diags = append(diags, checkOperator(i, len(views), v)...)
	}
	return len(diags) == 0, diags
}

func checkOperator(i, n int, v opView) (diags []string) {
	prefix := "Operation id " + v.label + ": "
	defer func() {
		if r := recover(); r != nil {
			diags = append(diags, fmt.Sprintf("%sUnexpected error - %v", prefix, r))
		}
	}()

	if v.err != nil {
		return []string{prefix + "Unexpected error - " + v.err.Error()}
	}
	if !v.idOK || v.id <= 0 {
		diags = append(diags, prefix+"ID must be larger than zero and a number")
	}

	if v.inErr != nil {
		return append(diags, prefix+"Unexpected error - "+v.inErr.Error())
	}
	for _, in := range v.inputs {
		if in >= v.id {
			diags = append(diags, fmt.Sprintf("%sInput id %d ≥ operation id. Input ids must be smaller than operation id", prefix, in))
		}
	}

	if v.outErr != nil {
		return append(diags, prefix+"Unexpected error - "+v.outErr.Error())
	}
	for _, out := range v.outputs {
		if out <= v.id {
			diags = append(diags, fmt.Sprintf("%sOutput id %d ≤ operation id. Output ids must be larger than operation id", prefix, out))
		}
	}

	// The last two operators are the plan's sinks and need no consumer.
	terminal := i >= n-2
	switch v.cat {
	case CategoryUnary:
		if len(v.outputs) == 0 && !terminal {
			diags = append(diags, prefix+"Missing output operator")
		}
		if len(v.inputs) != 1 {
			diags = append(diags, prefix+"Unary operators can only have one input id")
		}
		if len(v.outputs) > 1 {
			diags = append(diags, prefix+"Unary operators can only have up to one output id")
		}
	case CategoryBinary:
		if len(v.outputs) == 0 && !terminal {
			diags = append(diags, prefix+"Missing output operator")
		}
		if len(v.inputs) != 2 {
			diags = append(diags, prefix+"Binary operators must have two input ids")
		}
	}
	return diags
}

const missingID = -1

func viewOf(op *Operator) opView {
	if op == nil {
		return opView{label: strconv.Itoa(missingID), id: missingID, err: errors.New("operator is null")}
	}
	return opView{
		label:   strconv.Itoa(op.ID),
		id:      op.ID,
		idOK:    true,
		cat:     op.Cat,
		inputs:  op.Input,
		outputs: op.Output,
	}
}

func viewOfJSON(raw json.RawMessage) opView {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return opView{label: strconv.Itoa(missingID), id: missingID, err: errors.New("operator is not an object")}
	}

	v := opView{label: strconv.Itoa(missingID), id: missingID}
	if rawID, ok := fields["id"]; ok {
		v.id, v.label, v.idOK = parseID(rawID)
	}
	if rawCat, ok := fields["cat"]; ok {
		_ = json.Unmarshal(rawCat, &v.cat)
	}
	v.inputs, v.inErr = parseIDList(fields["input"], "input")
	v.outputs, v.outErr = parseIDList(fields["output"], "output")
	return v
}

// parseID accepts integers, integral floats and numeric strings. Anything
// else is reported with its raw text and compared as -1.
func parseID(raw json.RawMessage) (int, string, bool) {
	text := strings.TrimSpace(string(raw))
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		text = s
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return n, strconv.Itoa(n), true
		}
		return missingID, text, false
	}
	if n, ok := integral(raw); ok {
		return n, strconv.Itoa(n), true
	}
	return missingID, text, false
}

func parseIDList(raw json.RawMessage, field string) ([]int, error) {
	if len(raw) == 0 || isNull(raw) {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%s must be a list of operator ids", field)
	}
	out := make([]int, 0, len(items))
	for _, item := range items {
		n, ok := integral(item)
		if !ok {
			return nil, fmt.Errorf("%s id %s is not an integer", field, strings.TrimSpace(string(item)))
		}
		out = append(out, n)
	}
	return out, nil
}

func integral(raw json.RawMessage) (int, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var num json.Number
	if err := dec.Decode(&num); err != nil {
		return 0, false
	}
	if n, err := num.Int64(); err == nil {
		return int(n), true
	}
	f, err := num.Float64()
	if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
