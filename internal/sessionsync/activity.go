package sessionsync

import (
	"fmt"
	"sync"
	"time"
)

// ActivityEvent is one line of the human-readable activity feed.
type ActivityEvent struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// activityLog is a bounded ring of recent events with subscriber fan-out for
// the streaming endpoint. A slow subscriber drops events rather than blocking
// a sync cycle.
type activityLog struct {
	mu          sync.Mutex
	max         int
	events      []ActivityEvent
	subscribers map[chan ActivityEvent]struct{}
	now         func() time.Time
}

func newActivityLog(max int, now func() time.Time) *activityLog {
	if max <= 0 {
		max = 200
	}
	if now == nil {
		now = time.Now
	}
	return &activityLog{
		max:         max,
		subscribers: map[chan ActivityEvent]struct{}{},
		now:         now,
	}
}

func (l *activityLog) appendf(format string, args ...any) ActivityEvent {
	event := ActivityEvent{Time: l.now(), Message: fmt.Sprintf(format, args...)}
	l.mu.Lock()
	l.events = append(l.events, event)
	if len(l.events) > l.max {
		l.events = l.events[len(l.events)-l.max:]
	}
	for ch := range l.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
	l.mu.Unlock()
	return event
}

func (l *activityLog) recent() []ActivityEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ActivityEvent, len(l.events))
	copy(out, l.events)
	return out
}

func (l *activityLog) subscribe() (<-chan ActivityEvent, func()) {
	ch := make(chan ActivityEvent, 64)
	l.mu.Lock()
	l.subscribers[ch] = struct{}{}
	l.mu.Unlock()
	cancel := func() {
		l.mu.Lock()
		if _, ok := l.subscribers[ch]; ok {
			delete(l.subscribers, ch)
			close(ch)
		}
		l.mu.Unlock()
	}
	return ch, cancel
}
