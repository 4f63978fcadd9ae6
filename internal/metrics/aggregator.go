package metrics

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultHistoryCap is the number of history points kept when no cap is
// configured.
const DefaultHistoryCap = 100

// AgentMetrics is the per-agent performance record.
type AgentMetrics struct {
	StepsCompleted       int     `json:"steps_completed"`
	AverageConfidence    float64 `json:"average_confidence"`
	VerificationPassRate float64 `json:"verification_pass_rate"`
	TokensUsed           int     `json:"tokens_used"`

	ConfidenceTotal        float64 `json:"confidence_total"`
	ConfidenceCount        int     `json:"confidence_count"`
	VerificationsAttempted int     `json:"verifications_attempted"`
	VerificationsPassed    int     `json:"verifications_passed"`
}

// HistoryPoint is an immutable copy of one agent's metrics taken right after
// a mutation.
type HistoryPoint struct {
	Timestamp time.Time    `json:"timestamp"`
	AgentID   string       `json:"agent_id"`
	Metrics   AgentMetrics `json:"metrics"`
}

// Aggregator accumulates per-agent metrics and a bounded history of
// snapshots. All methods are safe for concurrent use.
type Aggregator struct {
	mu      sync.Mutex
	agents  map[string]*AgentMetrics
	initial []string

	// history is a ring: when full, head is the oldest entry.
	history []HistoryPoint
	head    int
	cap     int

	now    func() time.Time
	logger *zap.SugaredLogger
}

// NewAggregator creates an aggregator with zeroed metrics for each agent id.
// historyCap <= 0 selects DefaultHistoryCap.
func NewAggregator(agentIDs []string, historyCap int, logger *zap.SugaredLogger) *Aggregator {
	if historyCap <= 0 {
		historyCap = DefaultHistoryCap
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	a := &Aggregator{
		initial: append([]string(nil), agentIDs...),
		cap:     historyCap,
		now:     time.Now,
		logger:  logger,
	}
	a.resetLocked()
	return a
}

func (a *Aggregator) resetLocked() {
	a.agents = make(map[string]*AgentMetrics, len(a.initial))
	for _, id := range a.initial {
		a.agents[id] = &AgentMetrics{}
	}
	a.history = make([]HistoryPoint, 0, a.cap)
	a.head = 0
}

// entry returns the record for id, creating it for agents that were not
// registered up front.
func (a *Aggregator) entry(id string) *AgentMetrics {
	m, ok := a.agents[id]
	if !ok {
		m = &AgentMetrics{}
		a.agents[id] = m
	}
	return m
}

func (a *Aggregator) appendHistory(id string, m *AgentMetrics) {
	p := HistoryPoint{Timestamp: a.now(), AgentID: id, Metrics: *m}
	if len(a.history) < a.cap {
		a.history = append(a.history, p)
		return
	}
	a.history[a.head] = p
	a.head = (a.head + 1) % a.cap
}

// RecordConfidence folds one confidence sample into the running average.
func (a *Aggregator) RecordConfidence(agentID string, confidence float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m := a.entry(agentID)
	m.ConfidenceTotal += confidence
	m.ConfidenceCount++
	m.AverageConfidence = m.ConfidenceTotal / float64(m.ConfidenceCount)
	a.appendHistory(agentID, m)
}

// RecordStepCompletion counts one committed step for the agent.
func (a *Aggregator) RecordStepCompletion(agentID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m := a.entry(agentID)
	m.StepsCompleted++
	a.appendHistory(agentID, m)
}

// RecordTokens adds delta to the agent's token usage. Negative deltas are
// used to reconcile estimates; the total never drops below zero.
func (a *Aggregator) RecordTokens(agentID string, delta int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m := a.entry(agentID)
	m.TokensUsed += delta
	if m.TokensUsed < 0 {
		a.logger.Debugw("Token usage clamped", "agent_id", agentID, "delta", delta)
		m.TokensUsed = 0
	}
	a.appendHistory(agentID, m)
}

// RecordVerification counts one verification attempt and its outcome.
func (a *Aggregator) RecordVerification(agentID string, passed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m := a.entry(agentID)
	m.VerificationsAttempted++
	if passed {
		m.VerificationsPassed++
	}
	m.VerificationPassRate = float64(m.VerificationsPassed) / float64(m.VerificationsAttempted)
	a.appendHistory(agentID, m)
}

// Agent returns a copy of one agent's metrics.
func (a *Aggregator) Agent(agentID string) (AgentMetrics, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.agents[agentID]
	if !ok {
		return AgentMetrics{}, false
	}
	return *m, true
}

// Snapshot returns a copy of every agent's metrics.
func (a *Aggregator) Snapshot() map[string]AgentMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]AgentMetrics, len(a.agents))
	for id, m := range a.agents {
		out[id] = *m
	}
	return out
}

// History returns the retained history points, oldest first.
func (a *Aggregator) History() []HistoryPoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]HistoryPoint, 0, len(a.history))
	out = append(out, a.history[a.head:]...)
	out = append(out, a.history[:a.head]...)
	return out
}

// Reset zeroes every agent and clears history.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
	a.logger.Infow("Metrics reset", "agents", len(a.initial))
}
