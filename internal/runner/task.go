package runner

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Task represents a background task that can be scheduled
type Task interface {
	// Name returns the unique name of the task
	Name() string

	// Schedule returns the cron expression, seconds first, or an
	// "@every <duration>" descriptor
	Schedule() string

	// Run executes the task
	Run(ctx context.Context) error

	// Timeout returns the maximum time this task should run
	Timeout() time.Duration
}

// TaskRegistry holds all registered tasks
type TaskRegistry struct {
	tasks map[string]Task
}

// NewTaskRegistry creates a new task registry
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{
		tasks: make(map[string]Task),
	}
}

// Register adds a task to the registry
func (r *TaskRegistry) Register(task Task) error {
	if _, exists := r.tasks[task.Name()]; exists {
		return fmt.Errorf("task %s already registered", task.Name())
	}
	r.tasks[task.Name()] = task
	return nil
}

// Get returns a task by name
func (r *TaskRegistry) Get(name string) (Task, bool) {
	task, exists := r.tasks[name]
	return task, exists
}

// Names returns the registered task names in order.
func (r *TaskRegistry) Names() []string {
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EverySchedule renders a fixed interval as a cron descriptor.
func EverySchedule(interval time.Duration) string {
	return "@every " + interval.String()
}
