package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const schema = `
CREATE TABLE IF NOT EXISTS conductor_workflows (
	id         TEXT PRIMARY KEY,
	goal       TEXT NOT NULL,
	phase      TEXT NOT NULL,
	revision   BIGINT NOT NULL,
	snapshot   JSONB NOT NULL,
	error      TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS conductor_timeline_events (
	id          TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	seq         BIGINT NOT NULL,
	step_id     TEXT,
	agent_id    TEXT,
	event_type  TEXT NOT NULL,
	message     TEXT NOT NULL DEFAULT '',
	content     JSONB,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS conductor_timeline_events_workflow_seq
	ON conductor_timeline_events (workflow_id, seq);

CREATE TABLE IF NOT EXISTS conductor_artifacts (
	id          TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	step_id     TEXT NOT NULL,
	kind        TEXT NOT NULL,
	language    TEXT NOT NULL DEFAULT '',
	content     TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema creates the conductor tables if they do not exist.
func (c *Client) EnsureSchema(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// ─── Workflow Queries ───

// SaveSnapshot upserts a workflow snapshot if its revision is newer.
func (c *Client) SaveSnapshot(ctx context.Context, rec *WorkflowRecord) (bool, error) {
	tag, err := c.pool.Exec(ctx, `
		INSERT INTO conductor_workflows (id, goal, phase, revision, snapshot, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		SET goal = EXCLUDED.goal,
		    phase = EXCLUDED.phase,
		    revision = EXCLUDED.revision,
		    snapshot = EXCLUDED.snapshot,
		    error = EXCLUDED.error,
		    updated_at = NOW()
		WHERE conductor_workflows.revision < EXCLUDED.revision
	`, rec.ID, rec.Goal, rec.Phase, rec.Revision, rec.Snapshot, rec.Error)
	if err != nil {
		return false, fmt.Errorf("save snapshot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetSnapshot retrieves a workflow snapshot by ID
func (c *Client) GetSnapshot(ctx context.Context, id string) (*WorkflowRecord, error) {
	row := c.pool.QueryRow(ctx, `
		SELECT id, goal, phase, revision, snapshot::text, error, created_at, updated_at
		FROM conductor_workflows WHERE id = $1
	`, id)
	return scanWorkflow(row, "get snapshot")
}

// LatestSnapshot retrieves the most recently updated workflow.
func (c *Client) LatestSnapshot(ctx context.Context) (*WorkflowRecord, error) {
	row := c.pool.QueryRow(ctx, `
		SELECT id, goal, phase, revision, snapshot::text, error, created_at, updated_at
		FROM conductor_workflows ORDER BY updated_at DESC LIMIT 1
	`)
	return scanWorkflow(row, "latest snapshot")
}

func scanWorkflow(row pgx.Row, op string) (*WorkflowRecord, error) {
	var rec WorkflowRecord
	err := row.Scan(&rec.ID, &rec.Goal, &rec.Phase, &rec.Revision, &rec.Snapshot,
		&rec.Error, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &rec, nil
}

// ─── Timeline Queries ───

// AppendEvents inserts timeline events in one batch. Re-inserting an event
// that already exists is a no-op.
func (c *Client) AppendEvents(ctx context.Context, events []*TimelineEvent) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, evt := range events {
		var content *string
		if evt.Content != "" {
			content = &evt.Content
		}
		batch.Queue(`
			INSERT INTO conductor_timeline_events
				(id, workflow_id, seq, step_id, agent_id, event_type, message, content, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO NOTHING
		`, evt.ID, evt.WorkflowID, evt.Seq, evt.StepID, evt.AgentID, evt.EventType, evt.Message, content, evt.CreatedAt)
	}
	br := c.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range events {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("append events: %w", err)
		}
	}
	return nil
}

// ListEvents returns a workflow's events with seq greater than afterSeq.
func (c *Client) ListEvents(ctx context.Context, workflowID string, afterSeq int64) ([]*TimelineEvent, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT id, workflow_id, seq, step_id, agent_id, event_type, message,
		       COALESCE(content::text, ''), created_at
		FROM conductor_timeline_events
		WHERE workflow_id = $1 AND seq > $2
		ORDER BY seq ASC
	`, workflowID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []*TimelineEvent
	for rows.Next() {
		var evt TimelineEvent
		if err := rows.Scan(&evt.ID, &evt.WorkflowID, &evt.Seq, &evt.StepID, &evt.AgentID,
			&evt.EventType, &evt.Message, &evt.Content, &evt.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, &evt)
	}
	return events, rows.Err()
}

// ─── Artifact Queries ───

// SaveArtifact inserts an artifact record
func (c *Client) SaveArtifact(ctx context.Context, a *Artifact) error {
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := c.pool.Exec(ctx, `
		INSERT INTO conductor_artifacts (id, workflow_id, step_id, kind, language, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, a.ID, a.WorkflowID, a.StepID, a.Kind, a.Language, a.Content, createdAt)
	if err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns a workflow's artifacts in creation order.
func (c *Client) ListArtifacts(ctx context.Context, workflowID string) ([]*Artifact, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT id, workflow_id, step_id, kind, language, content, created_at
		FROM conductor_artifacts
		WHERE workflow_id = $1
		ORDER BY created_at ASC, id ASC
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []*Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ID, &a.WorkflowID, &a.StepID, &a.Kind, &a.Language, &a.Content, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
