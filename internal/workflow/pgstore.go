package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/claimflow/model"
)

// pgSchema creates the tables used by PgWorkflowStore.
const pgSchema = `
CREATE TABLE IF NOT EXISTS workflow_instances (
	id              TEXT PRIMARY KEY,
	owner_id        TEXT NOT NULL,
	name            TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	current_step    TEXT NOT NULL,
	total_steps     INTEGER NOT NULL,
	completed_steps INTEGER NOT NULL,
	started_at      TIMESTAMPTZ NOT NULL,
	completed_at    TIMESTAMPTZ,
	last_active_at  TIMESTAMPTZ NOT NULL,
	steps           JSONB NOT NULL,
	version         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS workflow_instances_owner_started_idx
	ON workflow_instances (owner_id, started_at DESC);
CREATE TABLE IF NOT EXISTS workflow_transitions (
	seq             BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	id              TEXT NOT NULL UNIQUE,
	workflow_id     TEXT NOT NULL REFERENCES workflow_instances (id) ON DELETE CASCADE,
	from_step_id    TEXT,
	to_step_id      TEXT NOT NULL,
	transition_type TEXT NOT NULL,
	data            JSONB,
	triggered_by    TEXT,
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS workflow_transitions_workflow_idx
	ON workflow_transitions (workflow_id, seq);
CREATE TABLE IF NOT EXISTS workflow_events (
	seq             BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	id              TEXT NOT NULL UNIQUE,
	workflow_id     TEXT NOT NULL REFERENCES workflow_instances (id) ON DELETE CASCADE,
	owner_id        TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	step_name       TEXT,
	actor_id        TEXT NOT NULL,
	version         INTEGER NOT NULL,
	changes         JSONB,
	occurred_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS workflow_events_workflow_idx
	ON workflow_events (workflow_id, seq);
`

const pgInstanceColumns = `id, owner_id, name, description, status, current_step,
	total_steps, completed_steps, started_at, completed_at, last_active_at, steps, version`

// PgWorkflowStore is a PostgreSQL-backed WorkflowStore using pgx/v5.
type PgWorkflowStore struct {
	pool *pgxpool.Pool
}

// NewPgWorkflowStore creates a new PostgreSQL workflow store.
func NewPgWorkflowStore(pool *pgxpool.Pool) *PgWorkflowStore {
	return &PgWorkflowStore{pool: pool}
}

// Migrate creates the workflow tables if they do not exist.
func (s *PgWorkflowStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("migrate workflow schema: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgWorkflowStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts a new workflow instance, its initial transitions and events
// in one transaction.
func (s *PgWorkflowStore) Create(ctx context.Context, inst model.WorkflowInstance, events ...model.WorkflowEvent) error {
	stepsJSON, err := json.Marshal(inst.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO workflow_instances (`+pgInstanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		inst.ID, inst.OwnerID, inst.Name, inst.Description, inst.Status, inst.CurrentStep,
		inst.TotalSteps, inst.CompletedSteps, inst.StartedAt, inst.CompletedAt, inst.LastActiveAt,
		stepsJSON, inst.Version,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
		}
		return fmt.Errorf("insert workflow instance: %w", err)
	}

	if err := pgInsertTransitions(ctx, tx, inst.Transitions); err != nil {
		return err
	}
	if err := pgInsertEvents(ctx, tx, events); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create: %w", err)
	}
	return nil
}

// Get retrieves a workflow instance by ID, scoped to owner. The instance row
// and its transitions are read in one repeatable-read snapshot.
func (s *PgWorkflowStore) Get(ctx context.Context, ownerID, instanceID string) (model.WorkflowInstance, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("begin get: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	inst, err := pgScanInstance(tx.QueryRow(ctx, `
		SELECT `+pgInstanceColumns+`
		FROM workflow_instances
		WHERE id = $1 AND ($2 = '' OR owner_id = $2)`,
		instanceID, ownerID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	byWorkflow, err := pgLoadTransitions(ctx, tx, []string{inst.ID})
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	inst.Transitions = byWorkflow[inst.ID]

	return inst, tx.Commit(ctx)
}

// Update persists an updated instance with optimistic locking. The row
// update and the history inserts share one transaction.
func (s *PgWorkflowStore) Update(ctx context.Context, inst model.WorkflowInstance, appended History) error {
	stepsJSON, err := json.Marshal(inst.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		UPDATE workflow_instances SET
			name = $1,
			description = $2,
			status = $3,
			current_step = $4,
			completed_steps = $5,
			completed_at = $6,
			last_active_at = $7,
			steps = $8,
			version = $9
		WHERE id = $10 AND version = $11`,
		inst.Name, inst.Description, inst.Status, inst.CurrentStep, inst.CompletedSteps,
		inst.CompletedAt, inst.LastActiveAt, stepsJSON, inst.Version+1,
		inst.ID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var current int
		err := tx.QueryRow(ctx, `SELECT version FROM workflow_instances WHERE id = $1`, inst.ID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", inst.ID))
		}
		if err != nil {
			return fmt.Errorf("read workflow version: %w", err)
		}
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d, got %d)", inst.ID, inst.Version, current),
		)
	}

	if err := pgInsertTransitions(ctx, tx, appended.Transitions); err != nil {
		return err
	}
	if err := pgInsertEvents(ctx, tx, appended.Events); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}
	return nil
}

// List returns the owner's instances, most recently started first.
func (s *PgWorkflowStore) List(ctx context.Context, ownerID string, filters WorkflowFilters) ([]model.WorkflowInstance, error) {
	query := `SELECT ` + pgInstanceColumns + `
	          FROM workflow_instances
	          WHERE owner_id = $1`
	args := []any{ownerID}
	argIdx := 2

	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}

	query += " ORDER BY started_at DESC, id DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin list: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	var instances []model.WorkflowInstance
	for rows.Next() {
		inst, err := pgScanInstance(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		instances = append(instances, inst)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflow instances: %w", err)
	}

	ids := make([]string, len(instances))
	for i, inst := range instances {
		ids[i] = inst.ID
	}
	byWorkflow, err := pgLoadTransitions(ctx, tx, ids)
	if err != nil {
		return nil, err
	}
	for i := range instances {
		instances[i].Transitions = byWorkflow[instances[i].ID]
	}

	return instances, tx.Commit(ctx)
}

// GetEvents returns the workflow's audit events, oldest first.
func (s *PgWorkflowStore) GetEvents(ctx context.Context, ownerID, instanceID string) ([]model.WorkflowEvent, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin get events: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var exists bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM workflow_instances WHERE id = $1 AND ($2 = '' OR owner_id = $2)
		)`,
		instanceID, ownerID,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check workflow instance: %w", err)
	}
	if !exists {
		return nil, model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", instanceID))
	}

	rows, err := tx.Query(ctx, `
		SELECT id, workflow_id, owner_id, event_type, COALESCE(step_name, ''),
		       actor_id, version, changes, occurred_at
		FROM workflow_events
		WHERE workflow_id = $1
		ORDER BY seq ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow events: %w", err)
	}
	defer rows.Close()

	var events []model.WorkflowEvent
	for rows.Next() {
		var evt model.WorkflowEvent
		var changesJSON []byte
		if err := rows.Scan(
			&evt.ID, &evt.WorkflowID, &evt.OwnerID, &evt.Type, &evt.StepName,
			&evt.ActorID, &evt.Version, &changesJSON, &evt.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("scan workflow event: %w", err)
		}
		if changesJSON != nil {
			if err := json.Unmarshal(changesJSON, &evt.Changes); err != nil {
				return nil, fmt.Errorf("unmarshal event changes: %w", err)
			}
		}
		evt.OccurredAt = evt.OccurredAt.UTC()
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflow events: %w", err)
	}
	return events, nil
}

func pgScanInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var stepsJSON []byte
	var completedAt *time.Time
	if err := row.Scan(
		&inst.ID, &inst.OwnerID, &inst.Name, &inst.Description, &inst.Status, &inst.CurrentStep,
		&inst.TotalSteps, &inst.CompletedSteps, &inst.StartedAt, &completedAt, &inst.LastActiveAt,
		&stepsJSON, &inst.Version,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return inst, err
		}
		return inst, fmt.Errorf("scan workflow instance: %w", err)
	}
	inst.CompletedAt = completedAt
	inst.StartedAt = inst.StartedAt.UTC()
	inst.LastActiveAt = inst.LastActiveAt.UTC()
	if err := json.Unmarshal(stepsJSON, &inst.Steps); err != nil {
		return inst, fmt.Errorf("unmarshal steps: %w", err)
	}
	return inst, nil
}

func pgInsertTransitions(ctx context.Context, tx pgx.Tx, transitions []model.WorkflowTransition) error {
	for _, tr := range transitions {
		var dataJSON []byte
		if tr.Data != nil {
			var err error
			if dataJSON, err = json.Marshal(tr.Data); err != nil {
				return fmt.Errorf("marshal transition data: %w", err)
			}
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO workflow_transitions (
				id, workflow_id, from_step_id, to_step_id, transition_type, data, triggered_by, created_at
			) VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, NULLIF($7, ''), $8)`,
			tr.ID, tr.WorkflowID, tr.FromStepID, tr.ToStepID, tr.TransitionType,
			dataJSON, tr.TriggeredBy, tr.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert workflow transition: %w", err)
		}
	}
	return nil
}

func pgInsertEvents(ctx context.Context, tx pgx.Tx, events []model.WorkflowEvent) error {
	for _, evt := range events {
		var changesJSON []byte
		if evt.Changes != nil {
			var err error
			if changesJSON, err = json.Marshal(evt.Changes); err != nil {
				return fmt.Errorf("marshal event changes: %w", err)
			}
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO workflow_events (
				id, workflow_id, owner_id, event_type, step_name, actor_id, version, changes, occurred_at
			) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9)`,
			evt.ID, evt.WorkflowID, evt.OwnerID, evt.Type, evt.StepName,
			evt.ActorID, evt.Version, changesJSON, evt.OccurredAt,
		)
		if err != nil {
			return fmt.Errorf("insert workflow event: %w", err)
		}
	}
	return nil
}

func pgLoadTransitions(ctx context.Context, tx pgx.Tx, workflowIDs []string) (map[string][]model.WorkflowTransition, error) {
	out := make(map[string][]model.WorkflowTransition, len(workflowIDs))
	if len(workflowIDs) == 0 {
		return out, nil
	}

	rows, err := tx.Query(ctx, `
		SELECT id, workflow_id, COALESCE(from_step_id, ''), to_step_id, transition_type,
		       data, COALESCE(triggered_by, ''), created_at
		FROM workflow_transitions
		WHERE workflow_id = ANY($1)
		ORDER BY seq ASC`,
		workflowIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow transitions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tr model.WorkflowTransition
		var dataJSON []byte
		if err := rows.Scan(
			&tr.ID, &tr.WorkflowID, &tr.FromStepID, &tr.ToStepID, &tr.TransitionType,
			&dataJSON, &tr.TriggeredBy, &tr.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan workflow transition: %w", err)
		}
		if dataJSON != nil {
			if err := json.Unmarshal(dataJSON, &tr.Data); err != nil {
				return nil, fmt.Errorf("unmarshal transition data: %w", err)
			}
		}
		tr.CreatedAt = tr.CreatedAt.UTC()
		out[tr.WorkflowID] = append(out[tr.WorkflowID], tr)
	}
	return out, rows.Err()
}
