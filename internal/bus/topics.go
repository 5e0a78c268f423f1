package bus

// Session lifecycle topics published by the repair orchestrator.
const (
	TopicSessionStarted  = "session.started"
	TopicSessionFinished = "session.finished"

	TopicPlanGenerated = "plan.generated"
	TopicPlanValidated = "plan.validated"
	TopicPlanExecuted  = "plan.executed"
	TopicPlanRepaired  = "plan.repaired"

	TopicSchemasLoaded = "schemas.loaded"
)

// SessionEvent is the payload for session.* topics.
type SessionEvent struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query,omitempty"`
	Version   int    `json:"version"`
	Outcome   string `json:"outcome,omitempty"`
}

// PlanEvent is the payload for plan.* topics.
type PlanEvent struct {
	SessionID   string   `json:"session_id"`
	Version     int      `json:"version"`
	Operations  int      `json:"operations"`
	Valid       bool     `json:"valid"`
	Diagnostics []string `json:"diagnostics,omitempty"`
	Status      int      `json:"status,omitempty"`
}

// SchemasEvent is the payload for schemas.loaded.
type SchemasEvent struct {
	Tables    int `json:"tables"`
	TextFiles int `json:"text_files"`
}
