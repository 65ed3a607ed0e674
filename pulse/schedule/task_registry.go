package schedule

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/teranos/mundo/errors"
)

// TaskFunc is the body of a periodic task
type TaskFunc func(ctx context.Context) error

// Task is a named periodic task
type Task struct {
	Name     string
	Interval time.Duration
	Run      TaskFunc
	// RunAtStart fires the task on the first tick instead of one interval later
	RunAtStart bool
}

// TaskRegistry holds the tasks the ticker drives.
//
//	reg.Register(Task{Name: "sweep", Interval: time.Hour, Run: sweeper.RunTask})
type TaskRegistry struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

// NewTaskRegistry creates an empty registry
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{tasks: make(map[string]Task)}
}

// Register adds a task. Names are unique; a zero interval disables the task.
func (r *TaskRegistry) Register(t Task) error {
	if t.Name == "" {
		return errors.New("task name is required")
	}
	if t.Run == nil {
		return errors.Newf("task %s has no run function", t.Name)
	}
	if t.Interval < 0 {
		return errors.Newf("task %s has a negative interval", t.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[t.Name]; exists {
		return errors.Mark(errors.Newf("task %s already registered", t.Name), errors.ErrConflict)
	}
	r.tasks[t.Name] = t
	return nil
}

// Get returns the task with the given name
func (r *TaskRegistry) Get(name string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[name]
	return t, ok
}

// Tasks returns every enabled task sorted by name
func (r *TaskRegistry) Tasks() []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if t.Interval > 0 {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
