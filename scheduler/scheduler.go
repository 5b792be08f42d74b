// Package scheduler registers periodic tasks and dispatches them once due.
package scheduler

import (
	"context"
	"errors"
	"killstory/store"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	PopulateKillmails = "killstory.populate_killmails"
	DefaultTick       = time.Minute
)

type Task struct {
	Name     string
	Interval time.Duration
}

type TaskStore interface {
	PeriodicTask(ctx context.Context, name string) (*store.PeriodicTask, error)
	PeriodicTasks(ctx context.Context) ([]store.PeriodicTask, error)
	CreatePeriodicTask(ctx context.Context, task store.PeriodicTask) error
	MarkPeriodicTaskRun(ctx context.Context, name string, at time.Time) error
}

// Register creates the task unless one with the same name exists. Failures are
// logged and never stop the caller.
func Register(ctx context.Context, logger zerolog.Logger, st TaskStore, task Task) {
	logger = logger.With().Str("task", task.Name).Logger()

	_, err := st.PeriodicTask(ctx, task.Name)
	switch {
	case err == nil:
		logger.Debug().Msg("periodic task already registered")
		return
	case !errors.Is(err, store.ErrNotFound):
		logger.Error().Err(err).Msg("failed to look up periodic task")
		return
	}

	err = st.CreatePeriodicTask(ctx, store.PeriodicTask{
		Name:            task.Name,
		IntervalSeconds: int64(task.Interval / time.Second),
		Enabled:         true,
		CreatedAt:       time.Now(),
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to register periodic task")
		return
	}

	logger.Info().Dur("interval", task.Interval).Msg("registered periodic task")
}

type Dispatch func(ctx context.Context, task store.PeriodicTask) error

type Scheduler struct {
	logger   zerolog.Logger
	store    TaskStore
	dispatch Dispatch
	tick     time.Duration
	now      func() time.Time

	mu sync.Mutex
}

type Option func(*Scheduler)

func WithTick(tick time.Duration) Option {
	return func(s *Scheduler) { s.tick = tick }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(logger zerolog.Logger, st TaskStore, dispatch Dispatch, opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:   logger,
		store:    st,
		dispatch: dispatch,
		tick:     DefaultTick,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Run checks for due tasks immediately and then on every tick until ctx is
// done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		if _, err := s.RunDue(ctx); err != nil {
			s.logger.Error().Err(err).Msg("failed to run due tasks")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunDue dispatches every due task and returns how many were dispatched. A task
// whose dispatch fails is not marked and is retried on the next tick.
func (s *Scheduler) RunDue(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.store.PeriodicTasks(ctx)
	if err != nil {
		return 0, err
	}

	now := s.now()
	dispatched := 0

	for _, task := range tasks {
		if !task.Due(now) {
			continue
		}

		logger := s.logger.With().Str("task", task.Name).Logger()

		if err := s.dispatch(ctx, task); err != nil {
			logger.Error().Err(err).Msg("failed to dispatch periodic task")
			continue
		}

		if err := s.store.MarkPeriodicTaskRun(ctx, task.Name, now); err != nil {
			logger.Error().Err(err).Msg("failed to mark periodic task")
			continue
		}

		logger.Info().Msg("dispatched periodic task")
		dispatched++
	}

	return dispatched, nil
}
