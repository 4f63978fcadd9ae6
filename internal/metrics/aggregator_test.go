package metrics

import (
	"math"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"
)

func TestAverageConfidenceAndPassRate(t *testing.T) {
	a := NewAggregator([]string{"coder", "verifier"}, 0, zaptest.NewLogger(t).Sugar())

	a.RecordConfidence("coder", 0.8)
	a.RecordConfidence("coder", 1.0)
	a.RecordVerification("verifier", true)
	a.RecordVerification("verifier", true)
	a.RecordVerification("verifier", false)

	coder, _ := a.Agent("coder")
	if math.Abs(coder.AverageConfidence-0.9) > 1e-9 {
		t.Fatalf("average confidence = %v, want 0.9", coder.AverageConfidence)
	}
	verifier, _ := a.Agent("verifier")
	if math.Abs(verifier.VerificationPassRate-2.0/3.0) > 1e-9 {
		t.Fatalf("pass rate = %v, want 2/3", verifier.VerificationPassRate)
	}
	if verifier.VerificationsAttempted != 3 || verifier.VerificationsPassed != 2 {
		t.Fatalf("unexpected counters: %+v", verifier)
	}
}

func TestRegisteredAgentsStartZeroed(t *testing.T) {
	a := NewAggregator([]string{"a", "b"}, 0, nil)
	snap := a.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(snap))
	}
	for id, m := range snap {
		if m != (AgentMetrics{}) {
			t.Fatalf("agent %s not zeroed: %+v", id, m)
		}
	}
	if len(a.History()) != 0 {
		t.Fatalf("history should start empty")
	}
}

func TestHistoryIsBoundedFIFO(t *testing.T) {
	const historyCap = 100
	a := NewAggregator([]string{"coder"}, historyCap, nil)
	for i := 0; i < historyCap+1; i++ {
		a.RecordStepCompletion("coder")
	}
	h := a.History()
	if len(h) != historyCap {
		t.Fatalf("history length = %d, want %d", len(h), historyCap)
	}
	// The first snapshot (StepsCompleted == 1) was evicted.
	if h[0].Metrics.StepsCompleted != 2 {
		t.Fatalf("oldest retained point = %d, want 2", h[0].Metrics.StepsCompleted)
	}
	if h[len(h)-1].Metrics.StepsCompleted != historyCap+1 {
		t.Fatalf("newest point = %d, want %d", h[len(h)-1].Metrics.StepsCompleted, historyCap+1)
	}
	for i := 1; i < len(h); i++ {
		if h[i].Metrics.StepsCompleted != h[i-1].Metrics.StepsCompleted+1 {
			t.Fatalf("history out of order at %d", i)
		}
	}
}

func TestRecordTokensClampsAtZero(t *testing.T) {
	a := NewAggregator([]string{"coder"}, 0, nil)
	a.RecordTokens("coder", 120)
	a.RecordTokens("coder", -20)
	if m, _ := a.Agent("coder"); m.TokensUsed != 100 {
		t.Fatalf("tokens = %d, want 100", m.TokensUsed)
	}
	a.RecordTokens("coder", -500)
	if m, _ := a.Agent("coder"); m.TokensUsed != 0 {
		t.Fatalf("tokens = %d, want 0", m.TokensUsed)
	}
}

func TestEveryMutationAppendsHistory(t *testing.T) {
	a := NewAggregator(nil, 0, nil)
	a.RecordConfidence("x", 0.5)
	a.RecordStepCompletion("x")
	a.RecordTokens("x", 10)
	a.RecordVerification("x", true)
	if got := len(a.History()); got != 4 {
		t.Fatalf("history length = %d, want 4", got)
	}
	if _, ok := a.Agent("x"); !ok {
		t.Fatalf("unregistered agent should be created on first record")
	}
}

func TestResetClearsEverything(t *testing.T) {
	a := NewAggregator([]string{"coder"}, 0, nil)
	a.RecordStepCompletion("coder")
	a.RecordStepCompletion("stranger")
	a.Reset()
	snap := a.Snapshot()
	if len(snap) != 1 || snap["coder"] != (AgentMetrics{}) {
		t.Fatalf("unexpected snapshot after reset: %+v", snap)
	}
	if len(a.History()) != 0 {
		t.Fatalf("history not cleared")
	}
}

func TestConcurrentRecording(t *testing.T) {
	a := NewAggregator([]string{"coder"}, 10, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.RecordStepCompletion("coder")
			a.RecordTokens("coder", 2)
		}()
	}
	wg.Wait()
	m, _ := a.Agent("coder")
	if m.StepsCompleted != 50 || m.TokensUsed != 100 {
		t.Fatalf("lost updates: %+v", m)
	}
	if len(a.History()) != 10 {
		t.Fatalf("history should be capped at 10")
	}
}
