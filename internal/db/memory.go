package db

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a Store kept in process memory. It is used when no
// DATABASE_URL is configured and in tests.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*WorkflowRecord
	events    map[string][]*TimelineEvent
	artifacts map[string][]*Artifact
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*WorkflowRecord),
		events:    make(map[string][]*TimelineEvent),
		artifacts: make(map[string][]*Artifact),
	}
}

func (m *MemoryStore) SaveSnapshot(ctx context.Context, rec *WorkflowRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	existing, ok := m.workflows[rec.ID]
	if ok && existing.Revision >= rec.Revision {
		return false, nil
	}
	c := *rec
	c.UpdatedAt = now
	if ok {
		c.CreatedAt = existing.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	m.workflows[rec.ID] = &c
	return true, nil
}

func (m *MemoryStore) GetSnapshot(ctx context.Context, id string) (*WorkflowRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *rec
	return &c, nil
}

func (m *MemoryStore) LatestSnapshot(ctx context.Context) (*WorkflowRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *WorkflowRecord
	for _, rec := range m.workflows {
		if latest == nil || rec.UpdatedAt.After(latest.UpdatedAt) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	c := *latest
	return &c, nil
}

func (m *MemoryStore) AppendEvents(ctx context.Context, events []*TimelineEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, evt := range events {
		c := *evt
		m.events[evt.WorkflowID] = append(m.events[evt.WorkflowID], &c)
	}
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, workflowID string, afterSeq int64) ([]*TimelineEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*TimelineEvent
	for _, evt := range m.events[workflowID] {
		if evt.Seq > afterSeq {
			c := *evt
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *MemoryStore) SaveArtifact(ctx context.Context, a *Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *a
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	m.artifacts[a.WorkflowID] = append(m.artifacts[a.WorkflowID], &c)
	return nil
}

func (m *MemoryStore) ListArtifacts(ctx context.Context, workflowID string) ([]*Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Artifact, 0, len(m.artifacts[workflowID]))
	for _, a := range m.artifacts[workflowID] {
		c := *a
		out = append(out, &c)
	}
	return out, nil
}

func (m *MemoryStore) Close() {}
