package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-wayang/internal/audit"
	"github.com/basket/go-wayang/internal/bus"
	"github.com/basket/go-wayang/internal/otel"
	"github.com/basket/go-wayang/internal/persistence"
	"github.com/basket/go-wayang/internal/plan"
	"github.com/basket/go-wayang/internal/shared"
)

// ErrUnknownSession is returned by Result for an id that never ran.
var ErrUnknownSession = errors.New("unknown session")

// maxCachedResults bounds the in-memory results kept when no store is attached.
const maxCachedResults = 256

type Limits struct {
	MaxIterations int
	RepairEnabled bool
}

// Deps are the collaborators of an Orchestrator. Store, Bus, Tracer and
// Metrics are optional.
type Deps struct {
	Generator Generator
	Repairer  Repairer
	Mapper    Mapper
	Executor  Executor
	Store     Store
	Bus       *bus.Bus
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Metrics   *otel.Metrics
}

// Orchestrator runs queries. It is safe for concurrent use: each Run gets
// its own Session and only Limits and the result cache are shared.
type Orchestrator struct {
	gen     Generator
	rep     Repairer
	mapper  Mapper
	exec    Executor
	store   Store
	bus     *bus.Bus
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otel.Metrics

	mu     sync.RWMutex
	limits Limits

	resultsMu sync.Mutex
	results   map[string]string
	order     []string
}

func New(d Deps, limits Limits) *Orchestrator {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		gen:     d.Generator,
		rep:     d.Repairer,
		mapper:  d.Mapper,
		exec:    d.Executor,
		store:   d.Store,
		bus:     d.Bus,
		logger:  logger.With("component", "coordinator"),
		tracer:  d.Tracer,
		metrics: d.Metrics,
		results: make(map[string]string),
	}
	o.SetLimits(limits)
	return o
}

// SetLimits replaces the iteration budget and the default debugger flag.
// Runs already in flight keep the limits they started with.
func (o *Orchestrator) SetLimits(l Limits) {
	if l.MaxIterations < 0 {
		l.MaxIterations = 0
	}
	o.mu.Lock()
	o.limits = l
	o.mu.Unlock()
}

func (o *Orchestrator) Limits() Limits {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.limits
}

// RunQuery runs text through the full loop and returns the Wayang payload
// on success or a fixed message otherwise.
func (o *Orchestrator) RunQuery(ctx context.Context, text, model string, repairEnabled bool) string {
	return o.Run(ctx, Query{Text: text, Model: model, Repair: &repairEnabled}).Reply
}

// Run never panics and never returns nil. Faults end the run immediately;
// validation and execution failures are repaired while budget remains.
func (o *Orchestrator) Run(ctx context.Context, q Query) (rep *Report) {
	limits := o.Limits()
	repair := limits.RepairEnabled
	if q.Repair != nil {
		repair = *q.Repair
	}

	sess := newSession(q.Text, "")
	rep = &Report{SessionID: sess.ID, Version: sess.Version, Session: sess}

	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	ctx = shared.WithSessionID(ctx, sess.ID)
	ctx, span := otel.StartSpan(ctx, o.tracer, "coordinator.run",
		otel.AttrSessionID.String(sess.ID),
		otel.AttrModel.String(q.Model),
	)
	start := time.Now()

	// Installed before the first call out of this package so any panic
	// becomes an UnknownFault reply.
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic during run", "session_id", sess.ID, "panic", r)
			o.fault(rep, OutcomeUnknownFault, fmt.Errorf("internal error: %v", r))
		}
		rep.Version = sess.Version
		o.finishGuarded(ctx, sess, rep, start)
		span.SetAttributes(otel.AttrOutcome.String(string(rep.Outcome)), otel.AttrPlanVersion.Int(sess.Version))
		if rep.Outcome != OutcomeSuccess {
			span.SetStatus(codes.Error, string(rep.Outcome))
		}
		span.End()
	}()

	sess.Conversation[0].Content = o.rep.SystemPrompt()
	o.begin(ctx, sess, q, repair)
	o.loop(ctx, sess, q, repair, limits.MaxIterations, rep)
	return rep
}

func (o *Orchestrator) loop(ctx context.Context, sess *Session, q Query, repair bool, maxIterations int, rep *Report) {
	sel := ModelSelection{Model: q.Model, Reasoning: q.Reasoning}
	vctx := shared.WithPlanVersion(ctx, sess.Version)

	lp, err := o.gen.Generate(vctx, q.Text, sel)
	if err == nil && lp == nil {
		err = errors.New("generator returned no plan")
	}
	if err != nil {
		audit.Record(vctx, "plan.generation.fault", err.Error())
		o.fault(rep, OutcomeGenerationFault, fmt.Errorf("generate plan: %w", err))
		return
	}
	o.record(vctx, sess, persistence.StageGenerated, lp)
	audit.Record(vctx, "plan.generated", fmt.Sprintf("%d operations", len(lp.Operations)))
	o.bus.Publish(bus.TopicPlanGenerated, bus.PlanEvent{SessionID: sess.ID, Version: sess.Version, Operations: len(lp.Operations)})

	ep, err := o.mapper.ToExecution(lp)
	if err != nil {
		o.fault(rep, OutcomeUnknownFault, fmt.Errorf("map plan: %w", err))
		return
	}
	att := o.attempt(vctx, sess, ep)
	rep.Attempts = append(rep.Attempts, att)

	if !att.succeeded() && repair {
		for i := 0; i < maxIterations; i++ {
			sess.Version++
			vctx = shared.WithPlanVersion(ctx, sess.Version)
			o.count(vctx, repairIterations)

			failed, err := o.mapper.FromExecution(ep)
			if err != nil {
				o.fault(rep, OutcomeUnknownFault, fmt.Errorf("map failed plan: %w", err))
				return
			}
			req := RepairRequest{
				Query:            q.Text,
				FailedPlan:       failed,
				ValidationErrors: append([]string{}, att.Diagnostics...),
				Conversation:     sess.conversation(),
				Version:          sess.Version,
				Model:            sel,
			}
			if att.Executed {
				body := att.Body
				req.ExecutionError = &body
			}

			resp, err := o.rep.Repair(vctx, req)
			if err == nil && (resp == nil || resp.Plan == nil) {
				err = errors.New("repairer returned no plan")
			}
			if err != nil {
				audit.Record(vctx, "plan.repair.fault", err.Error())
				o.fault(rep, OutcomeGenerationFault, fmt.Errorf("repair plan: %w", err))
				return
			}
			o.appendTurn(vctx, sess, RoleUser, resp.Prompt)
			o.appendTurn(vctx, sess, RoleAssistant, resp.Answer)
			o.record(vctx, sess, persistence.StageRepaired, resp.Plan)
			audit.Record(vctx, "plan.repaired", resp.Plan.Thoughts)
			o.bus.Publish(bus.TopicPlanRepaired, bus.PlanEvent{SessionID: sess.ID, Version: sess.Version, Operations: len(resp.Plan.Operations)})

			ep, err = o.mapper.ToExecution(resp.Plan)
			if err != nil {
				o.fault(rep, OutcomeUnknownFault, fmt.Errorf("map repaired plan: %w", err))
				return
			}
			att = o.attempt(vctx, sess, ep)
			rep.Attempts = append(rep.Attempts, att)
			if att.succeeded() {
				break
			}
		}
	}

	rep.Outcome = att.outcome()
	rep.Status = att.Status
	if rep.Outcome == OutcomeSuccess {
		rep.Reply = att.Body
		rep.Result = att.Body
		return
	}
	rep.Reply = GenericFailure
	rep.Detail = att.Body
	if !att.Valid {
		rep.Detail = strings.Join(att.Diagnostics, "\n")
	}
}

// attempt validates ep and, when valid, executes it.
func (o *Orchestrator) attempt(ctx context.Context, sess *Session, ep *plan.ExecutionPlan) Attempt {
	a := Attempt{Version: sess.Version}
	a.Valid, a.Diagnostics = plan.Validate(ep)
	ops := len(ep.Operators)

	if !a.Valid {
		a.Status = StatusValidationFailed
		o.count(ctx, validationFailures)
		o.logger.Info("plan failed validation", "session_id", sess.ID, "version", sess.Version, "errors", len(a.Diagnostics))
		o.recordExecution(ctx, sess, persistence.StageValidated, ep, a, "")
		audit.Record(ctx, "plan.validation.failed", strings.Join(a.Diagnostics, "; "))
		o.bus.Publish(bus.TopicPlanValidated, bus.PlanEvent{
			SessionID: sess.ID, Version: sess.Version, Operations: ops,
			Diagnostics: a.Diagnostics, Status: a.Status,
		})
		return a
	}
	o.recordExecution(ctx, sess, persistence.StageValidated, ep, a, "")
	audit.Record(ctx, "plan.validated", fmt.Sprintf("%d operators", ops))
	o.bus.Publish(bus.TopicPlanValidated, bus.PlanEvent{SessionID: sess.ID, Version: sess.Version, Operations: ops, Valid: true})

	status, body, err := o.exec.Execute(ctx, ep)
	a.Executed = true
	if err != nil {
		a.Transport = true
		a.Body = shared.Redact(err.Error())
		o.count(ctx, transportFaults)
		o.logger.Warn("wayang unreachable", "session_id", sess.ID, "version", sess.Version, "error", err)
		o.recordExecution(ctx, sess, persistence.StageExecuted, ep, a, a.Body)
		audit.Record(ctx, "plan.transport.fault", err.Error())
	} else {
		a.Status, a.Body = status, body
		if a.succeeded() {
			o.logger.Info("plan executed", "session_id", sess.ID, "version", sess.Version, "status", status)
			o.recordExecution(ctx, sess, persistence.StageExecuted, ep, a, "")
			audit.Record(ctx, "plan.executed", fmt.Sprintf("status %d", status))
		} else {
			o.count(ctx, executionFailures)
			o.logger.Info("plan execution failed", "session_id", sess.ID, "version", sess.Version, "status", status)
			o.recordExecution(ctx, sess, persistence.StageExecuted, ep, a, body)
			audit.Record(ctx, "plan.execution.failed", fmt.Sprintf("status %d: %s", status, body))
		}
	}
	o.bus.Publish(bus.TopicPlanExecuted, bus.PlanEvent{
		SessionID: sess.ID, Version: sess.Version, Operations: ops, Valid: true, Status: a.Status,
	})
	return a
}

func (o *Orchestrator) fault(rep *Report, outcome Outcome, err error) {
	rep.Outcome = outcome
	rep.Err = err
	rep.Reply = faultPrefix + shared.Redact(err.Error())
	o.logger.Error("run aborted", "session_id", rep.SessionID, "outcome", string(outcome), "error", err)
}

func (o *Orchestrator) begin(ctx context.Context, sess *Session, q Query, repair bool) {
	if o.metrics != nil {
		o.metrics.ActiveSessions.Add(ctx, 1)
	}
	o.logger.Info("session started", "session_id", sess.ID, "model", q.Model, "repair", repair)
	audit.Record(ctx, "session.started", q.Text)
	o.bus.Publish(bus.TopicSessionStarted, bus.SessionEvent{SessionID: sess.ID, Query: q.Text, Version: sess.Version})
	if o.store != nil {
		if err := o.store.CreateSession(ctx, sess.ID, q.Text, q.Model, repair); err != nil {
			o.logger.Warn("store session failed", "session_id", sess.ID, "error", err)
		}
	}
	o.persistTurn(ctx, sess.ID, sess.Conversation[0])
}

// finishGuarded runs finish after a fault too, when the store or bus may be
// the thing that failed; a second panic is logged and the report kept.
func (o *Orchestrator) finishGuarded(ctx context.Context, sess *Session, rep *Report, start time.Time) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic while finishing run", "session_id", sess.ID, "panic", r)
			if rep.Reply == "" {
				o.fault(rep, OutcomeUnknownFault, fmt.Errorf("internal error: %v", r))
			}
		}
	}()
	o.finish(ctx, sess, rep, start)
}

func (o *Orchestrator) finish(ctx context.Context, sess *Session, rep *Report, start time.Time) {
	if o.metrics != nil {
		o.metrics.ActiveSessions.Add(ctx, -1)
		otel.ObserveSeconds(ctx, o.metrics.QueryDuration, start, otel.AttrOutcome.String(string(rep.Outcome)))
	}
	event := "session.finished"
	if rep.Err != nil {
		event = "session.fault"
	}
	audit.Record(shared.WithPlanVersion(ctx, sess.Version), event, string(rep.Outcome))
	o.bus.Publish(bus.TopicSessionFinished, bus.SessionEvent{
		SessionID: sess.ID, Query: sess.Query, Version: sess.Version, Outcome: string(rep.Outcome),
	})

	stored := rep.Result
	if stored == "" {
		stored = rep.Reply
	}
	o.cacheResult(sess.ID, stored)
	if o.store != nil {
		if err := o.store.FinishSession(ctx, sess.ID, sess.Version, string(rep.Outcome), rep.Reply, rep.Result); err != nil {
			o.logger.Warn("store session result failed", "session_id", sess.ID, "error", err)
		}
	}
	o.logger.Info("session finished", "session_id", sess.ID, "outcome", string(rep.Outcome),
		"version", sess.Version, "duration_ms", time.Since(start).Milliseconds())
}

func (o *Orchestrator) appendTurn(ctx context.Context, sess *Session, role Role, content string) {
	t := Turn{Role: role, Content: content}
	sess.Conversation = append(sess.Conversation, t)
	o.persistTurn(ctx, sess.ID, t)
}

func (o *Orchestrator) persistTurn(ctx context.Context, sessionID string, t Turn) {
	if o.store == nil {
		return
	}
	if err := o.store.AppendTurn(ctx, sessionID, string(t.Role), t.Content); err != nil {
		o.logger.Warn("store turn failed", "session_id", sessionID, "error", err)
	}
}

func (o *Orchestrator) record(ctx context.Context, sess *Session, stage string, lp *plan.LogicalPlan) {
	if o.store == nil {
		return
	}
	rec := persistence.Attempt{SessionID: sess.ID, Version: sess.Version, Stage: stage, PlanJSON: lp.JSON()}
	if err := o.store.RecordAttempt(ctx, rec); err != nil {
		o.logger.Warn("store attempt failed", "session_id", sess.ID, "stage", stage, "error", err)
	}
}

// recordExecution stores the anonymized form of ep so credentials injected
// by the mapper never reach the database.
func (o *Orchestrator) recordExecution(ctx context.Context, sess *Session, stage string, ep *plan.ExecutionPlan, a Attempt, errText string) {
	if o.store == nil {
		return
	}
	lp, err := o.mapper.FromExecution(ep)
	if err != nil {
		lp = nil
	}
	rec := persistence.Attempt{
		SessionID:   sess.ID,
		Version:     sess.Version,
		Stage:       stage,
		Status:      a.Status,
		Diagnostics: a.Diagnostics,
		Error:       shared.Redact(errText),
	}
	if lp != nil {
		rec.PlanJSON = lp.JSON()
	}
	if err := o.store.RecordAttempt(ctx, rec); err != nil {
		o.logger.Warn("store attempt failed", "session_id", sess.ID, "stage", stage, "error", err)
	}
}

// Result returns what a finished session produced: the Wayang payload on
// success, its reply otherwise. An empty id selects the latest session.
func (o *Orchestrator) Result(ctx context.Context, sessionID string) (string, error) {
	if o.store != nil {
		var (
			sess *persistence.Session
			err  error
		)
		if sessionID == "" {
			sess, err = o.store.LatestSession(ctx)
		} else {
			sess, err = o.store.GetSession(ctx, sessionID)
		}
		switch {
		case err == nil:
			if sess.Result != "" {
				return sess.Result, nil
			}
			if sess.Reply != "" {
				return sess.Reply, nil
			}
			return NothingToOutput, nil
		case errors.Is(err, persistence.ErrNotFound) && sessionID == "":
			return NothingToOutput, nil
		case errors.Is(err, persistence.ErrNotFound):
			return "", fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
		default:
			return "", err
		}
	}

	o.resultsMu.Lock()
	defer o.resultsMu.Unlock()
	if sessionID == "" {
		if len(o.order) == 0 {
			return NothingToOutput, nil
		}
		sessionID = o.order[len(o.order)-1]
	}
	res, ok := o.results[sessionID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return res, nil
}

func (o *Orchestrator) cacheResult(id, result string) {
	o.resultsMu.Lock()
	defer o.resultsMu.Unlock()
	o.results[id] = result
	o.order = append(o.order, id)
	if len(o.order) > maxCachedResults {
		delete(o.results, o.order[0])
		o.order = o.order[1:]
	}
}

func (o *Orchestrator) count(ctx context.Context, pick func(*otel.Metrics) metric.Int64Counter) {
	if o.metrics != nil {
		otel.Inc(ctx, pick(o.metrics))
	}
}

func repairIterations(m *otel.Metrics) metric.Int64Counter   { return m.RepairIterations }
func validationFailures(m *otel.Metrics) metric.Int64Counter { return m.ValidationFailures }
func executionFailures(m *otel.Metrics) metric.Int64Counter  { return m.ExecutionFailures }
func transportFaults(m *otel.Metrics) metric.Int64Counter    { return m.TransportFaults }
