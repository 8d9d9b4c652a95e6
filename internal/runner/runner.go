package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ErrSkipped is wrapped by tasks that decided not to run this time.
var ErrSkipped = errors.New("task skipped")

// Runner manages and executes scheduled background tasks
type Runner struct {
	cron     *cron.Cron
	registry *TaskRegistry
	logger   zerolog.Logger
	wg       sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewRunner creates a new task runner. A task whose previous run has not
// finished when it is due again is skipped.
func NewRunner(registry *TaskRegistry, logger zerolog.Logger) *Runner {
	logger = logger.With().Str("component", "runner").Logger()
	cl := cronLogger{logger: logger}
	return &Runner{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		registry: registry,
		logger:   logger,
	}
}

// Start schedules every registered task and returns. Tasks run with contexts
// derived from ctx.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("runner already started")
	}

	for _, name := range r.registry.Names() {
		task, _ := r.registry.Get(name)
		r.logger.Info().Str("task", name).Str("schedule", task.Schedule()).Msg("registering task")

		if _, err := r.cron.AddFunc(task.Schedule(), func() {
			r.executeTask(ctx, task)
		}); err != nil {
			return fmt.Errorf("failed to schedule task %s: %w", name, err)
		}
	}

	r.cron.Start()
	r.started = true
	r.logger.Info().Int("tasks", len(r.registry.Names())).Msg("task runner started")
	return nil
}

// Run starts the runner and blocks until ctx is done, then stops it.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	r.Stop()
	return nil
}

// RunOnce executes one registered task immediately, outside the schedule.
func (r *Runner) RunOnce(ctx context.Context, name string) error {
	task, ok := r.registry.Get(name)
	if !ok {
		return fmt.Errorf("task %s not registered", name)
	}
	return r.executeTask(ctx, task)
}

// executeTask runs a single task with timeout and error handling
func (r *Runner) executeTask(ctx context.Context, task Task) error {
	r.wg.Add(1)
	defer r.wg.Done()

	taskCtx := ctx
	if timeout := task.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	err := task.Run(taskCtx)
	duration := time.Since(start)

	switch {
	case errors.Is(err, ErrSkipped):
		r.logger.Info().Str("task", task.Name()).Msg("task skipped")
	case err != nil:
		r.logger.Error().Err(err).Str("task", task.Name()).Dur("duration", duration).Msg("task failed")
	default:
		r.logger.Debug().Str("task", task.Name()).Dur("duration", duration).Msg("task completed")
	}
	return err
}

// Stop stops scheduling and waits for running tasks to complete.
func (r *Runner) Stop() {
	r.mu.Lock()
	started := r.started
	r.started = false
	r.mu.Unlock()
	if !started {
		return
	}

	r.logger.Info().Msg("stopping task runner")
	<-r.cron.Stop().Done()
	r.wg.Wait()
	r.logger.Info().Msg("task runner stopped")
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
