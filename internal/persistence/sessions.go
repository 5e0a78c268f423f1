package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Attempt stages recorded per plan version.
const (
	StageGenerated = "generated"
	StageValidated = "validated"
	StageExecuted  = "executed"
	StageRepaired  = "repaired"
)

type Session struct {
	ID            string     `json:"id"`
	Query         string     `json:"query"`
	Model         string     `json:"model,omitempty"`
	RepairEnabled bool       `json:"repair_enabled"`
	Version       int        `json:"version"`
	Outcome       string     `json:"outcome,omitempty"`
	Reply         string     `json:"reply,omitempty"`
	Result        string     `json:"result,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// Attempt is one stage of one plan version within a session.
type Attempt struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id"`
	Version     int       `json:"version"`
	Stage       string    `json:"stage"`
	Status      int       `json:"status,omitempty"`
	Diagnostics []string  `json:"diagnostics,omitempty"`
	PlanJSON    string    `json:"plan,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type Turn struct {
	Seq       int       `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) CreateSession(ctx context.Context, id, query, model string, repairEnabled bool) error {
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, query, model, repair_enabled)
			VALUES (?, ?, ?, ?);
		`, id, query, model, boolToInt(repairEnabled))
		return err
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Store) RecordAttempt(ctx context.Context, a Attempt) error {
	diags := a.Diagnostics
	if diags == nil {
		diags = []string{}
	}
	diagJSON, err := json.Marshal(diags)
	if err != nil {
		return fmt.Errorf("marshal diagnostics: %w", err)
	}
	err = retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO plan_attempts (session_id, version, stage, status, diagnostics, plan_json, error)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, a.SessionID, a.Version, a.Stage, a.Status, string(diagJSON), a.PlanJSON, a.Error); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET version = MAX(version, ?), updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, a.Version, a.SessionID); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// AppendTurn adds the next conversation turn for a session; seq is assigned
// here so turns stay append-only and ordered.
func (s *Store) AppendTurn(ctx context.Context, sessionID, role, content string) error {
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO conversation_turns (session_id, seq, role, content)
			VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM conversation_turns WHERE session_id = ?), ?, ?);
		`, sessionID, sessionID, role, content)
		return err
	})
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// FinishSession stores the terminal outcome. result is the engine payload on
// success and empty otherwise.
func (s *Store) FinishSession(ctx context.Context, id string, version int, outcome, reply, result string) error {
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sessions
			SET version = ?, outcome = ?, reply = ?, result = ?,
			    updated_at = CURRENT_TIMESTAMP, finished_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, version, outcome, reply, result, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("finish session %s: %w", id, err)
	}
	return nil
}

const sessionColumns = `id, query, model, repair_enabled, version, outcome, reply, result, created_at, finished_at`

func scanSession(scan func(dest ...any) error) (*Session, error) {
	var (
		sess     Session
		repair   int
		finished sql.NullTime
	)
	if err := scan(&sess.ID, &sess.Query, &sess.Model, &repair, &sess.Version,
		&sess.Outcome, &sess.Reply, &sess.Result, &sess.CreatedAt, &finished); err != nil {
		return nil, err
	}
	sess.RepairEnabled = repair != 0
	if finished.Valid {
		t := finished.Time
		sess.FinishedAt = &t
	}
	return &sess, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?;`, id)
	sess, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// LatestSession returns the most recently finished session.
func (s *Store) LatestSession(ctx context.Context) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE finished_at IS NOT NULL
		ORDER BY finished_at DESC, rowid DESC
		LIMIT 1;
	`)
	sess, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest session: %w", err)
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (s *Store) ListAttempts(ctx context.Context, sessionID string) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, version, stage, status, diagnostics, plan_json, error, created_at
		FROM plan_attempts WHERE session_id = ? ORDER BY id;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var (
			a        Attempt
			diagJSON string
		)
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Version, &a.Stage, &a.Status, &diagJSON, &a.PlanJSON, &a.Error, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		if err := json.Unmarshal([]byte(diagJSON), &a.Diagnostics); err != nil {
			return nil, fmt.Errorf("decode diagnostics for attempt %d: %w", a.ID, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, role, content, created_at
		FROM conversation_turns WHERE session_id = ? ORDER BY seq;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.Seq, &t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AuditEntry is a row of audit_log.
type AuditEntry struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	TraceID   string    `json:"trace_id"`
	Version   int       `json:"version"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) ListAudit(ctx context.Context, sessionID string) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, trace_id, version, event, detail, created_at
		FROM audit_log WHERE session_id = ? ORDER BY id;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query audit_log: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.TraceID, &e.Version, &e.Event, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
