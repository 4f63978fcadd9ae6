package db

import "time"

// WorkflowRecord is the persisted snapshot of one workflow. Snapshot holds the
// engine's JSON rendering; Revision orders writes so a slow writer can never
// overwrite a newer snapshot.
type WorkflowRecord struct {
	ID        string    `json:"id"`
	Goal      string    `json:"goal"`
	Phase     string    `json:"phase"`
	Revision  int64     `json:"revision"`
	Snapshot  string    `json:"snapshot"` // JSON string
	Error     *string   `json:"error"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TimelineEvent is one persisted bus event.
type TimelineEvent struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	Seq        int64     `json:"seq"`
	StepID     *string   `json:"step_id"`
	AgentID    *string   `json:"agent_id"`
	EventType  string    `json:"event_type"`
	Message    string    `json:"message"`
	Content    string    `json:"content"` // JSON string
	CreatedAt  time.Time `json:"created_at"`
}

// Artifact is a piece of content extracted from a committed step output.
type Artifact struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	StepID     string    `json:"step_id"`
	Kind       string    `json:"kind"` // code / image
	Language   string    `json:"language"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}
