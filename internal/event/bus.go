package event

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event types published by the engine.
const (
	PhaseChanged        = "phase.changed"
	StepStarted         = "step.started"
	Handoff             = "handoff"
	StepWaitingApproval = "step.waiting_approval"
	StepApproved        = "step.approved"
	StepRejected        = "step.rejected"
	VerificationPassed  = "verification.passed"
	VerificationFailed  = "verification.failed"
	StepCompleted       = "step.completed"
	StepFailed          = "step.failed"
	StepCascadeFailed   = "step.cascade_failed"
	ArtifactGenerated   = "artifact.generated"
	ReplanStarted       = "replan.started"
	ReplanSpliced       = "replan.spliced"
	ReplanFailed        = "replan.failed"
	WorkflowCompleted   = "workflow.completed"
	WorkflowFailed      = "workflow.failed"
	MaintenanceFinding  = "maintenance.finding"
	MaintenanceClean    = "maintenance.clean"
	TokensEstimated     = "tokens.estimated"
)

// Event is a timestamped record of something that happened to a workflow.
type Event struct {
	ID         string         `json:"id"`
	Seq        int64          `json:"seq"`
	Type       string         `json:"type"`
	WorkflowID string         `json:"workflow_id"`
	StepID     string         `json:"step_id,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	Message    string         `json:"message,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  int64          `json:"timestamp"`
}

// Subscriber is a function that receives events. It is called synchronously
// from Publish and must not block or publish.
type Subscriber func(evt *Event)

// Channel returns the per-workflow channel name.
func Channel(workflowID string) string {
	return "workflow:" + workflowID
}

// Wildcard receives every event.
const Wildcard = "*"

type subscription struct {
	id  uint64
	sub Subscriber
}

// Bus is an in-memory event bus for publishing events to subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]subscription // channel → subscribers
	nextID      uint64
	logger      *zap.SugaredLogger

	// pubMu serialises delivery so every subscriber sees events in Seq order.
	pubMu sync.Mutex
	seq   int64
}

// NewBus creates a new event bus.
func NewBus(logger *zap.SugaredLogger) *Bus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Bus{
		subscribers: make(map[string][]subscription),
		logger:      logger,
	}
}

// Subscribe registers a subscriber for a channel and returns a function that
// removes it. channel is Wildcard for all events, or Channel(id) for one
// workflow.
func (b *Bus) Subscribe(channel string, sub Subscriber) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subscribers[channel] = append(b.subscribers[channel], subscription{id: id, sub: sub})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(channel, id) })
	}
}

func (b *Bus) remove(channel string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[channel]
	for i, s := range subs {
		if s.id == id {
			b.subscribers[channel] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscribers[channel]) == 0 {
		delete(b.subscribers, channel)
	}
}

// Unsubscribe removes all subscribers for a channel.
func (b *Bus) Unsubscribe(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, channel)
}

// Publish stamps the event and sends it to all matching subscribers.
func (b *Bus) Publish(evt *Event) {
	if evt.Timestamp == 0 {
		evt.Timestamp = time.Now().UnixMilli()
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	b.seq++
	evt.Seq = b.seq

	b.mu.RLock()
	wildcard := append([]subscription(nil), b.subscribers[Wildcard]...)
	var scoped []subscription
	if evt.WorkflowID != "" {
		scoped = append(scoped, b.subscribers[Channel(evt.WorkflowID)]...)
	}
	b.mu.RUnlock()

	b.logger.Debugw("Publishing event",
		"type", evt.Type,
		"workflow_id", evt.WorkflowID,
		"step_id", evt.StepID,
		"seq", evt.Seq,
	)

	for _, s := range wildcard {
		s.sub(evt)
	}
	for _, s := range scoped {
		s.sub(evt)
	}
}
