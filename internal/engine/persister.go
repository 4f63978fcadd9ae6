package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sunshow/workgear/conductor/internal/db"
	"github.com/sunshow/workgear/conductor/internal/event"
)

const (
	eventQueueSize = 1024
	eventBatchSize = 100
	storeTimeout   = 5 * time.Second
)

// persister writes snapshots and timeline events to the store off the hot
// path. Snapshot writes are coalesced: only the latest state is written, and
// the store drops anything older than what it already holds.
type persister struct {
	engine *Engine
	store  db.Store
	logger *zap.SugaredLogger

	dirty   chan struct{}
	events  chan *event.Event
	closing chan struct{}
	done    chan struct{}
	unsub   func()
	once    sync.Once
}

func newPersister(e *Engine, store db.Store, logger *zap.SugaredLogger) *persister {
	p := &persister{
		engine:  e,
		store:   store,
		logger:  logger,
		dirty:   make(chan struct{}, 1),
		events:  make(chan *event.Event, eventQueueSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	p.unsub = e.bus.Subscribe(event.Wildcard, p.enqueue)
	go p.run()
	return p
}

func (p *persister) markDirty() {
	select {
	case p.dirty <- struct{}{}:
	default:
	}
}

// enqueue is a bus subscriber; it never blocks the publisher.
func (p *persister) enqueue(evt *event.Event) {
	if evt.WorkflowID == "" {
		return
	}
	c := *evt
	select {
	case p.events <- &c:
	default:
		p.logger.Warnw("Timeline queue full, dropping event", "type", evt.Type, "seq", evt.Seq)
	}
}

func (p *persister) run() {
	defer close(p.done)
	for {
		select {
		case <-p.dirty:
			p.saveSnapshot()
		case evt := <-p.events:
			p.saveEvents(evt)
		case <-p.closing:
			for {
				select {
				case evt := <-p.events:
					p.saveEvents(evt)
					continue
				default:
				}
				break
			}
			p.saveSnapshot()
			return
		}
	}
}

func (p *persister) saveSnapshot() {
	p.engine.mu.Lock()
	ws := p.engine.state
	if ws == nil {
		p.engine.mu.Unlock()
		return
	}
	rec := &db.WorkflowRecord{
		ID:       ws.id,
		Goal:     ws.goal,
		Phase:    string(ws.phase),
		Revision: ws.revision,
	}
	if ws.err != "" {
		msg := ws.err
		rec.Error = &msg
	}
	snap, err := ws.marshal()
	p.engine.mu.Unlock()
	if err != nil {
		p.logger.Errorw("Failed to encode snapshot", "workflow_id", rec.ID, "error", err)
		return
	}
	rec.Snapshot = snap

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	saved, err := p.store.SaveSnapshot(ctx, rec)
	if err != nil {
		p.logger.Errorw("Failed to save snapshot", "workflow_id", rec.ID, "revision", rec.Revision, "error", err)
		return
	}
	p.logger.Debugw("Snapshot persisted", "workflow_id", rec.ID, "revision", rec.Revision, "saved", saved)
}

// saveEvents writes first plus whatever else is already queued, up to one
// batch.
func (p *persister) saveEvents(first *event.Event) {
	batch := []*db.TimelineEvent{toRecord(first)}
	for len(batch) < eventBatchSize {
		select {
		case evt := <-p.events:
			batch = append(batch, toRecord(evt))
			continue
		default:
		}
		break
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := p.store.AppendEvents(ctx, batch); err != nil {
		p.logger.Errorw("Failed to persist timeline events", "count", len(batch), "error", err)
	}
}

func toRecord(evt *event.Event) *db.TimelineEvent {
	rec := &db.TimelineEvent{
		ID:         evt.ID,
		WorkflowID: evt.WorkflowID,
		Seq:        evt.Seq,
		EventType:  evt.Type,
		Message:    evt.Message,
		CreatedAt:  time.UnixMilli(evt.Timestamp),
	}
	if evt.StepID != "" {
		s := evt.StepID
		rec.StepID = &s
	}
	if evt.AgentID != "" {
		a := evt.AgentID
		rec.AgentID = &a
	}
	if len(evt.Data) > 0 {
		if b, err := json.Marshal(evt.Data); err == nil {
			rec.Content = string(b)
		}
	}
	return rec
}

// saveArtifacts writes artifacts synchronously; called from pipelines.
func (p *persister) saveArtifacts(workflowID string, artifacts []Artifact) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	for _, a := range artifacts {
		err := p.store.SaveArtifact(ctx, &db.Artifact{
			ID:         workflowID + "/" + a.ID,
			WorkflowID: workflowID,
			StepID:     a.StepID,
			Kind:       string(a.Kind),
			Language:   a.Language,
			Content:    a.Content,
		})
		if err != nil {
			p.logger.Errorw("Failed to save artifact", "artifact_id", a.ID, "error", err)
		}
	}
}

func (p *persister) close(ctx context.Context) error {
	p.once.Do(func() {
		p.unsub()
		close(p.closing)
	})
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flushing persistence: %w", ctx.Err())
	}
}
