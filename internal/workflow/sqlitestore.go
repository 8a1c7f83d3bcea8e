package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pitabwire/claimflow/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS workflow_instances (
	id              TEXT PRIMARY KEY,
	owner_id        TEXT NOT NULL,
	name            TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	current_step    TEXT NOT NULL,
	total_steps     INTEGER NOT NULL,
	completed_steps INTEGER NOT NULL,
	started_at      TEXT NOT NULL,
	completed_at    TEXT,
	last_active_at  TEXT NOT NULL,
	steps           TEXT NOT NULL,
	version         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workflow_instances_owner
	ON workflow_instances (owner_id, started_at);
CREATE TABLE IF NOT EXISTS workflow_transitions (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT NOT NULL UNIQUE,
	workflow_id     TEXT NOT NULL REFERENCES workflow_instances (id) ON DELETE CASCADE,
	from_step_id    TEXT,
	to_step_id      TEXT NOT NULL,
	transition_type TEXT NOT NULL,
	data            TEXT,
	triggered_by    TEXT,
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workflow_transitions_workflow
	ON workflow_transitions (workflow_id, seq);
CREATE TABLE IF NOT EXISTS workflow_events (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT NOT NULL UNIQUE,
	workflow_id     TEXT NOT NULL REFERENCES workflow_instances (id) ON DELETE CASCADE,
	owner_id        TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	step_name       TEXT,
	actor_id        TEXT NOT NULL,
	version         INTEGER NOT NULL,
	changes         TEXT,
	occurred_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workflow_events_workflow
	ON workflow_events (workflow_id, seq);
`

const sqliteInstanceColumns = `id, owner_id, name, description, status, current_step,
	total_steps, completed_steps, started_at, completed_at, last_active_at, steps, version`

// SQLiteWorkflowStore is a single-node WorkflowStore backed by an SQLite
// database file.
type SQLiteWorkflowStore struct {
	db *sql.DB
}

// OpenSQLiteWorkflowStore opens (or creates) the database at path and applies
// the schema.
func OpenSQLiteWorkflowStore(ctx context.Context, path string) (*SQLiteWorkflowStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &SQLiteWorkflowStore{db: db}
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Migrate creates the workflow tables if they do not exist.
func (s *SQLiteWorkflowStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("migrate workflow schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteWorkflowStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// HealthCheck pings the database.
func (s *SQLiteWorkflowStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create inserts a new workflow instance, its initial transitions and
// events.
func (s *SQLiteWorkflowStore) Create(ctx context.Context, inst model.WorkflowInstance, events ...model.WorkflowEvent) error {
	stepsJSON, err := json.Marshal(inst.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_instances (`+sqliteInstanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.OwnerID, inst.Name, inst.Description, string(inst.Status), string(inst.CurrentStep),
		inst.TotalSteps, inst.CompletedSteps, formatTime(inst.StartedAt), formatTimePtr(inst.CompletedAt),
		formatTime(inst.LastActiveAt), string(stepsJSON), inst.Version,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
		}
		return fmt.Errorf("insert workflow instance: %w", err)
	}

	if err := sqliteInsertTransitions(ctx, tx, inst.Transitions); err != nil {
		return err
	}
	if err := sqliteInsertEvents(ctx, tx, events); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create: %w", err)
	}
	return nil
}

// Get retrieves a workflow instance by ID, scoped to owner.
func (s *SQLiteWorkflowStore) Get(ctx context.Context, ownerID, instanceID string) (model.WorkflowInstance, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("begin get: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	inst, err := sqliteScanInstance(tx.QueryRowContext(ctx, `
		SELECT `+sqliteInstanceColumns+`
		FROM workflow_instances
		WHERE id = ? AND (? = '' OR owner_id = ?)`,
		instanceID, ownerID, ownerID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	if inst.Transitions, err = sqliteLoadTransitions(ctx, tx, inst.ID); err != nil {
		return model.WorkflowInstance{}, err
	}
	return inst, tx.Commit()
}

// Update persists an updated instance with optimistic locking.
func (s *SQLiteWorkflowStore) Update(ctx context.Context, inst model.WorkflowInstance, appended History) error {
	stepsJSON, err := json.Marshal(inst.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		UPDATE workflow_instances SET
			name = ?,
			description = ?,
			status = ?,
			current_step = ?,
			completed_steps = ?,
			completed_at = ?,
			last_active_at = ?,
			steps = ?,
			version = ?
		WHERE id = ? AND version = ?`,
		inst.Name, inst.Description, string(inst.Status), string(inst.CurrentStep), inst.CompletedSteps,
		formatTimePtr(inst.CompletedAt), formatTime(inst.LastActiveAt), string(stepsJSON), inst.Version+1,
		inst.ID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	if affected == 0 {
		var current int
		err := tx.QueryRowContext(ctx, `SELECT version FROM workflow_instances WHERE id = ?`, inst.ID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", inst.ID))
		}
		if err != nil {
			return fmt.Errorf("read workflow version: %w", err)
		}
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d, got %d)", inst.ID, inst.Version, current),
		)
	}

	if err := sqliteInsertTransitions(ctx, tx, appended.Transitions); err != nil {
		return err
	}
	if err := sqliteInsertEvents(ctx, tx, appended.Events); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}
	return nil
}

// List returns the owner's instances, most recently started first.
func (s *SQLiteWorkflowStore) List(ctx context.Context, ownerID string, filters WorkflowFilters) ([]model.WorkflowInstance, error) {
	query := `SELECT ` + sqliteInstanceColumns + `
	          FROM workflow_instances
	          WHERE owner_id = ?`
	args := []any{ownerID}

	if filters.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filters.Status))
	}
	query += " ORDER BY started_at DESC, id DESC"

	if filters.Limit > 0 || filters.Offset > 0 {
		limit := filters.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, filters.Offset)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin list: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	var instances []model.WorkflowInstance
	for rows.Next() {
		inst, err := sqliteScanInstance(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate workflow instances: %w", err)
	}
	_ = rows.Close()

	for i := range instances {
		if instances[i].Transitions, err = sqliteLoadTransitions(ctx, tx, instances[i].ID); err != nil {
			return nil, err
		}
	}
	return instances, tx.Commit()
}

// GetEvents returns the workflow's audit events, oldest first.
func (s *SQLiteWorkflowStore) GetEvents(ctx context.Context, ownerID, instanceID string) ([]model.WorkflowEvent, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin get events: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var exists bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM workflow_instances WHERE id = ? AND (? = '' OR owner_id = ?)
		)`,
		instanceID, ownerID, ownerID,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check workflow instance: %w", err)
	}
	if !exists {
		return nil, model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", instanceID))
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, workflow_id, owner_id, event_type, COALESCE(step_name, ''),
		       actor_id, version, changes, occurred_at
		FROM workflow_events
		WHERE workflow_id = ?
		ORDER BY seq ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow events: %w", err)
	}
	defer rows.Close()

	var events []model.WorkflowEvent
	for rows.Next() {
		var (
			evt                 model.WorkflowEvent
			eventType, stepName string
			changes             sql.NullString
			occurredAt          string
		)
		if err := rows.Scan(
			&evt.ID, &evt.WorkflowID, &evt.OwnerID, &eventType, &stepName,
			&evt.ActorID, &evt.Version, &changes, &occurredAt,
		); err != nil {
			return nil, fmt.Errorf("scan workflow event: %w", err)
		}
		evt.Type = model.EventType(eventType)
		evt.StepName = model.StepName(stepName)
		if changes.Valid {
			if err := json.Unmarshal([]byte(changes.String), &evt.Changes); err != nil {
				return nil, fmt.Errorf("unmarshal event changes: %w", err)
			}
		}
		if evt.OccurredAt, err = parseTime(occurredAt); err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflow events: %w", err)
	}
	return events, tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func sqliteScanInstance(row rowScanner) (model.WorkflowInstance, error) {
	var (
		inst                       model.WorkflowInstance
		status, currentStep, steps string
		startedAt, lastActiveAt    string
		completedAt                sql.NullString
	)
	if err := row.Scan(
		&inst.ID, &inst.OwnerID, &inst.Name, &inst.Description, &status, &currentStep,
		&inst.TotalSteps, &inst.CompletedSteps, &startedAt, &completedAt, &lastActiveAt,
		&steps, &inst.Version,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return inst, err
		}
		return inst, fmt.Errorf("scan workflow instance: %w", err)
	}
	inst.Status = model.WorkflowStatus(status)
	inst.CurrentStep = model.StepName(currentStep)

	var err error
	if inst.StartedAt, err = parseTime(startedAt); err != nil {
		return inst, err
	}
	if inst.LastActiveAt, err = parseTime(lastActiveAt); err != nil {
		return inst, err
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return inst, err
		}
		inst.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(steps), &inst.Steps); err != nil {
		return inst, fmt.Errorf("unmarshal steps: %w", err)
	}
	return inst, nil
}

func sqliteInsertTransitions(ctx context.Context, tx *sql.Tx, transitions []model.WorkflowTransition) error {
	for _, tr := range transitions {
		var data sql.NullString
		if tr.Data != nil {
			b, err := json.Marshal(tr.Data)
			if err != nil {
				return fmt.Errorf("marshal transition data: %w", err)
			}
			data = sql.NullString{String: string(b), Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_transitions (
				id, workflow_id, from_step_id, to_step_id, transition_type, data, triggered_by, created_at
			) VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, NULLIF(?, ''), ?)`,
			tr.ID, tr.WorkflowID, tr.FromStepID, tr.ToStepID, string(tr.TransitionType),
			data, tr.TriggeredBy, formatTime(tr.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert workflow transition: %w", err)
		}
	}
	return nil
}

func sqliteInsertEvents(ctx context.Context, tx *sql.Tx, events []model.WorkflowEvent) error {
	for _, evt := range events {
		var changes sql.NullString
		if evt.Changes != nil {
			b, err := json.Marshal(evt.Changes)
			if err != nil {
				return fmt.Errorf("marshal event changes: %w", err)
			}
			changes = sql.NullString{String: string(b), Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_events (
				id, workflow_id, owner_id, event_type, step_name, actor_id, version, changes, occurred_at
			) VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?)`,
			evt.ID, evt.WorkflowID, evt.OwnerID, string(evt.Type), string(evt.StepName),
			evt.ActorID, evt.Version, changes, formatTime(evt.OccurredAt),
		)
		if err != nil {
			return fmt.Errorf("insert workflow event: %w", err)
		}
	}
	return nil
}

func sqliteLoadTransitions(ctx context.Context, tx *sql.Tx, workflowID string) ([]model.WorkflowTransition, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, workflow_id, COALESCE(from_step_id, ''), to_step_id, transition_type,
		       data, COALESCE(triggered_by, ''), created_at
		FROM workflow_transitions
		WHERE workflow_id = ?
		ORDER BY seq ASC`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow transitions: %w", err)
	}
	defer rows.Close()

	var out []model.WorkflowTransition
	for rows.Next() {
		var (
			tr             model.WorkflowTransition
			transitionType string
			data           sql.NullString
			createdAt      string
		)
		if err := rows.Scan(
			&tr.ID, &tr.WorkflowID, &tr.FromStepID, &tr.ToStepID, &transitionType,
			&data, &tr.TriggeredBy, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan workflow transition: %w", err)
		}
		tr.TransitionType = model.TransitionType(transitionType)
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &tr.Data); err != nil {
				return nil, fmt.Errorf("unmarshal transition data: %w", err)
			}
		}
		if tr.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// sqliteTimeLayout is fixed width so stored timestamps sort lexically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
