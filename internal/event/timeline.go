package event

import (
	"sort"
	"sync"
)

// Timeline is an append-only log of published events, kept for presentation
// and persistence.
type Timeline struct {
	mu     sync.RWMutex
	events []Event
}

// NewTimeline creates an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{}
}

// Attach records every event published on channel until the returned
// function is called.
func (t *Timeline) Attach(b *Bus, channel string) (detach func()) {
	return b.Subscribe(channel, t.Record)
}

// Record appends a copy of evt. It satisfies Subscriber.
func (t *Timeline) Record(evt *Event) {
	c := *evt
	if evt.Data != nil {
		c.Data = make(map[string]any, len(evt.Data))
		for k, v := range evt.Data {
			c.Data[k] = v
		}
	}
	t.mu.Lock()
	t.events = append(t.events, c)
	t.mu.Unlock()
}

// Events returns every recorded event in order.
func (t *Timeline) Events() []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Event(nil), t.events...)
}

// Since returns the events with a sequence number greater than seq.
func (t *Timeline) Since(seq int64) []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i := sort.Search(len(t.events), func(i int) bool { return t.events[i].Seq > seq })
	return append([]Event(nil), t.events[i:]...)
}

// Len returns the number of recorded events.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.events)
}

// Reset drops every recorded event.
func (t *Timeline) Reset() {
	t.mu.Lock()
	t.events = nil
	t.mu.Unlock()
}
