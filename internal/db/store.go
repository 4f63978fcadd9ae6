package db

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store persists workflow snapshots, timeline events and artifacts.
type Store interface {
	// SaveSnapshot writes rec unless a snapshot with the same or a newer
	// revision is already stored. It reports whether rec was written.
	SaveSnapshot(ctx context.Context, rec *WorkflowRecord) (bool, error)
	GetSnapshot(ctx context.Context, id string) (*WorkflowRecord, error)
	// LatestSnapshot returns the most recently updated workflow.
	LatestSnapshot(ctx context.Context) (*WorkflowRecord, error)

	AppendEvents(ctx context.Context, events []*TimelineEvent) error
	ListEvents(ctx context.Context, workflowID string, afterSeq int64) ([]*TimelineEvent, error)

	SaveArtifact(ctx context.Context, a *Artifact) error
	ListArtifacts(ctx context.Context, workflowID string) ([]*Artifact, error)

	Close()
}

var (
	_ Store = (*Client)(nil)
	_ Store = (*MemoryStore)(nil)
)
