package notify

import (
	"sync"

	"go.uber.org/zap"
)

// Nop discards every event
type Nop struct{}

// Deliver does nothing
func (Nop) Deliver(Event) {}

// Fanout delivers each event to every notifier in order
type Fanout []Notifier

// Deliver forwards e to all notifiers
func (f Fanout) Deliver(e Event) {
	for _, n := range f {
		if n != nil {
			n.Deliver(e)
		}
	}
}

// Logging records every event in the structured log
type Logging struct {
	Logger *zap.SugaredLogger
}

// Deliver logs e at info level, or warn for errors
func (l Logging) Deliver(e Event) {
	if l.Logger == nil {
		return
	}
	kv := []interface{}{"job_id", e.JobID, "category", e.Category, "message", e.Message}
	if e.Details != "" {
		kv = append(kv, "details", e.Details)
	}
	if e.Category == CategoryError {
		l.Logger.Warnw(e.Title, kv...)
		return
	}
	l.Logger.Infow(e.Title, kv...)
}

// Recorder keeps delivered events in memory. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Deliver appends e
func (r *Recorder) Deliver(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything delivered so far
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Categories returns the category of each delivered event in order
func (r *Recorder) Categories() []Category {
	events := r.Events()
	out := make([]Category, len(events))
	for i, e := range events {
		out[i] = e.Category
	}
	return out
}

// ForJob returns the events delivered for one job
func (r *Recorder) ForJob(jobID string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out
}

// Reset forgets all recorded events
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
