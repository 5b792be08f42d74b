package store

import (
	"context"
	"fmt"
	"time"
)

// PeriodicTask is a registered recurring invocation.
type PeriodicTask struct {
	Name            string     `db:"name"`
	IntervalSeconds int64      `db:"interval_seconds"`
	Enabled         bool       `db:"enabled"`
	LastRunAt       *time.Time `db:"last_run_at"`
	CreatedAt       time.Time  `db:"created_at"`
}

func (t PeriodicTask) Interval() time.Duration {
	return time.Duration(t.IntervalSeconds) * time.Second
}

// Due reports whether the task should run at now.
func (t PeriodicTask) Due(now time.Time) bool {
	if !t.Enabled {
		return false
	}
	return t.LastRunAt == nil || !now.Before(t.LastRunAt.Add(t.Interval()))
}

const periodicTaskColumns = `name, interval_seconds, enabled, last_run_at, created_at`

func (s *Store) PeriodicTask(ctx context.Context, name string) (*PeriodicTask, error) {
	var task PeriodicTask
	if err := s.get(ctx, &task, `SELECT `+periodicTaskColumns+` FROM kill_periodic_task WHERE name = ?`, name); err != nil {
		return nil, fmt.Errorf("failed to get periodic task %s: %w", name, err)
	}
	return &task, nil
}

func (s *Store) PeriodicTasks(ctx context.Context) ([]PeriodicTask, error) {
	tasks := []PeriodicTask{}
	if err := s.db.SelectContext(ctx, &tasks, `SELECT `+periodicTaskColumns+` FROM kill_periodic_task ORDER BY name`); err != nil {
		return nil, fmt.Errorf("failed to list periodic tasks: %w", err)
	}
	return tasks, nil
}

func (s *Store) CreatePeriodicTask(ctx context.Context, task PeriodicTask) error {
	query := s.db.Rebind(`INSERT INTO kill_periodic_task (name, interval_seconds, enabled, last_run_at, created_at)
		VALUES (?, ?, ?, ?, ?)`)

	if _, err := s.db.ExecContext(ctx, query, task.Name, task.IntervalSeconds, task.Enabled, task.LastRunAt, task.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("failed to create periodic task %s: %w", task.Name, err)
	}

	return nil
}

func (s *Store) MarkPeriodicTaskRun(ctx context.Context, name string, at time.Time) error {
	query := s.db.Rebind(`UPDATE kill_periodic_task SET last_run_at = ? WHERE name = ?`)

	if _, err := s.db.ExecContext(ctx, query, at.UTC(), name); err != nil {
		return fmt.Errorf("failed to mark periodic task %s: %w", name, err)
	}

	return nil
}
