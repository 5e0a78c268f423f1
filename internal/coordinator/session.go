// Package coordinator drives one natural-language query through the
// generate, validate, execute and repair loop.
package coordinator

import (
	"context"

	"github.com/basket/go-wayang/internal/persistence"
	"github.com/basket/go-wayang/internal/plan"
	"github.com/basket/go-wayang/internal/shared"
)

// Caller-facing replies for runs that did not succeed.
const (
	GenericFailure  = "Couldn't execute wayang plan successfully"
	faultPrefix     = "An error occurred, explain for the user: "
	NothingToOutput = "Nothing to output"
)

// StatusValidationFailed is recorded for plans the validator rejected; they
// are never sent to Wayang.
const StatusValidationFailed = 400

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Turn struct {
	Role    Role
	Content string
}

// Session is the state of one query. It is created by Run and never shared.
type Session struct {
	ID      string
	Query   string
	Version int
	// Conversation is append-only: the system framing followed by one
	// user/assistant pair per repair.
	Conversation []Turn
}

func newSession(query, systemPrompt string) *Session {
	return &Session{
		ID:           shared.NewSessionID(),
		Query:        query,
		Version:      1,
		Conversation: []Turn{{Role: RoleSystem, Content: systemPrompt}},
	}
}

func (s *Session) conversation() []Turn {
	return append([]Turn(nil), s.Conversation...)
}

// ModelSelection overrides the configured model and reasoning effort.
// Empty fields keep the configured value.
type ModelSelection struct {
	Model     string
	Reasoning string
}

type Query struct {
	Text      string
	Model     string
	Reasoning string
	// Repair overrides the configured debugger flag when set.
	Repair *bool
}

type RepairRequest struct {
	Query      string
	FailedPlan *plan.LogicalPlan
	// ExecutionError is nil when the plan failed validation and never ran.
	ExecutionError   *string
	ValidationErrors []string
	// Conversation is a copy; Repair must not rely on changes to it.
	Conversation []Turn
	Version      int
	Model        ModelSelection
}

type RepairResponse struct {
	Plan   *plan.LogicalPlan
	Prompt string
	Answer string
}

type Generator interface {
	Generate(ctx context.Context, query string, sel ModelSelection) (*plan.LogicalPlan, error)
}

type Repairer interface {
	SystemPrompt() string
	Repair(ctx context.Context, req RepairRequest) (*RepairResponse, error)
}

type Mapper interface {
	ToExecution(lp *plan.LogicalPlan) (*plan.ExecutionPlan, error)
	FromExecution(ep *plan.ExecutionPlan) (*plan.LogicalPlan, error)
}

// Executor submits a plan. A non-nil error means Wayang was not reached;
// every reply, whatever its status, comes back as (status, body, nil).
type Executor interface {
	Execute(ctx context.Context, ep *plan.ExecutionPlan) (int, string, error)
}

// Store is the subset of *persistence.Store the orchestrator records into.
type Store interface {
	CreateSession(ctx context.Context, id, query, model string, repairEnabled bool) error
	RecordAttempt(ctx context.Context, a persistence.Attempt) error
	AppendTurn(ctx context.Context, sessionID, role, content string) error
	FinishSession(ctx context.Context, id string, version int, outcome, reply, result string) error
	GetSession(ctx context.Context, id string) (*persistence.Session, error)
	LatestSession(ctx context.Context) (*persistence.Session, error)
}

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeSuccess           Outcome = "success"
	OutcomeGenerationFault   Outcome = "generation_fault"
	OutcomeValidationFailure Outcome = "validation_failure"
	OutcomeExecutionFailure  Outcome = "execution_failure"
	OutcomeTransportFault    Outcome = "transport_fault"
	OutcomeUnknownFault      Outcome = "unknown_fault"
)

// Attempt is one validated, and possibly executed, plan version.
type Attempt struct {
	Version     int
	Valid       bool
	Diagnostics []string
	Executed    bool
	Status      int
	Body        string
	Transport   bool
}

func (a Attempt) succeeded() bool {
	return a.Executed && !a.Transport && a.Status >= 200 && a.Status < 300
}

func (a Attempt) outcome() Outcome {
	switch {
	case a.succeeded():
		return OutcomeSuccess
	case !a.Valid:
		return OutcomeValidationFailure
	case a.Transport:
		return OutcomeTransportFault
	default:
		return OutcomeExecutionFailure
	}
}

// Report describes a finished run. Only Reply is meant for the caller.
type Report struct {
	SessionID string
	Version   int
	Outcome   Outcome
	// Status is the last Wayang status, or StatusValidationFailed.
	Status   int
	Reply    string
	Result   string
	Detail   string
	Err      error
	Attempts []Attempt
	Session  *Session
}
