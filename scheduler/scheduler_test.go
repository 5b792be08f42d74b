package scheduler

import (
	"context"
	"errors"
	"killstory"
	"killstory/store"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()

	ctx := context.Background()
	st, err := store.Open(ctx, killstory.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.Migrate(ctx, zerolog.Nop()); err != nil {
		t.Fatal(err)
	}

	return st
}

func TestRegisterIsIdempotent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	Register(ctx, zerolog.Nop(), st, Task{Name: PopulateKillmails, Interval: 24 * time.Hour})
	Register(ctx, zerolog.Nop(), st, Task{Name: PopulateKillmails, Interval: time.Hour})

	tasks, err := st.PeriodicTasks(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if len(tasks) != 1 {
		t.Fatalf("got %d tasks, want 1", len(tasks))
	}

	if tasks[0].Interval() != 24*time.Hour || !tasks[0].Enabled || tasks[0].LastRunAt != nil {
		t.Errorf("unexpected task %+v", tasks[0])
	}
}

type failingStore struct {
	TaskStore
}

func (failingStore) PeriodicTask(context.Context, string) (*store.PeriodicTask, error) {
	return nil, errors.New("database is locked")
}

func TestRegisterLogsFailures(t *testing.T) {
	// Must not panic nor try to create the task.
	Register(context.Background(), zerolog.Nop(), failingStore{}, Task{Name: PopulateKillmails, Interval: time.Hour})
}

func TestRunDue(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	Register(ctx, zerolog.Nop(), st, Task{Name: PopulateKillmails, Interval: 24 * time.Hour})

	if err := st.CreatePeriodicTask(ctx, store.PeriodicTask{Name: "disabled", IntervalSeconds: 60, CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var dispatched []string

	s := New(zerolog.Nop(), st, func(_ context.Context, task store.PeriodicTask) error {
		dispatched = append(dispatched, task.Name)
		return nil
	}, WithClock(func() time.Time { return now }))

	runDue := func(want int) {
		t.Helper()

		n, err := s.RunDue(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if n != want {
			t.Errorf("dispatched %d tasks at %v, want %d", n, now, want)
		}
	}

	runDue(1)
	if len(dispatched) != 1 || dispatched[0] != PopulateKillmails {
		t.Errorf("dispatched = %v", dispatched)
	}

	now = now.Add(time.Hour)
	runDue(0)

	now = now.Add(23 * time.Hour)
	runDue(1)

	task, err := st.PeriodicTask(ctx, PopulateKillmails)
	if err != nil {
		t.Fatal(err)
	}

	if task.LastRunAt == nil || !task.LastRunAt.Equal(now) {
		t.Errorf("last run = %v, want %v", task.LastRunAt, now)
	}
}

func TestRunDueRetriesFailedDispatch(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	Register(ctx, zerolog.Nop(), st, Task{Name: PopulateKillmails, Interval: time.Hour})

	fail := true
	s := New(zerolog.Nop(), st, func(context.Context, store.PeriodicTask) error {
		if fail {
			return errors.New("queue unavailable")
		}
		return nil
	})

	if n, err := s.RunDue(ctx); err != nil || n != 0 {
		t.Fatalf("dispatched %d, %v", n, err)
	}

	fail = false
	if n, err := s.RunDue(ctx); err != nil || n != 1 {
		t.Fatalf("dispatched %d, %v", n, err)
	}
}

func TestRunStopsWithContext(t *testing.T) {
	st := openTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	s := New(zerolog.Nop(), st, func(context.Context, store.PeriodicTask) error {
		calls++
		cancel()
		return nil
	}, WithTick(time.Millisecond))

	Register(ctx, zerolog.Nop(), st, Task{Name: PopulateKillmails, Interval: time.Hour})

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
