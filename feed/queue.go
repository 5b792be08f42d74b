package feed

import (
	"context"
	"errors"
	"fmt"
	"killstory"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const TaskGroup = "killstory:workers"

type Task struct {
	ID         string
	Name       string
	EnqueuedAt time.Time
}

type TaskHandler func(ctx context.Context, task Task) error

// Queue carries tasks on a redis stream read through a consumer group, so each
// task is handled by a single worker.
type Queue struct {
	logger   zerolog.Logger
	rdb      *redis.Client
	consumer string
}

func NewQueue(logger zerolog.Logger, rdb *redis.Client, consumer string) *Queue {
	return &Queue{logger: logger, rdb: rdb, consumer: consumer}
}

func (q *Queue) Enqueue(ctx context.Context, name string) (string, error) {
	args := &redis.XAddArgs{
		Stream: killstory.StreamTasks,
		ID:     "*",
		MaxLen: killstory.StreamMaxLength,
		Approx: true,
		Values: map[string]any{
			"task":        name,
			"enqueued_at": time.Now().UTC().Format(time.RFC3339),
		},
	}

	id, err := q.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("failed to enqueue task %s: %w", name, err)
	}

	return id, nil
}

// Consume handles tasks until ctx is done. A task is acknowledged once its
// handler returns, even on failure: the next periodic run covers it.
func (q *Queue) Consume(ctx context.Context, handler TaskHandler) error {
	if err := q.rdb.XGroupCreateMkStream(ctx, killstory.StreamTasks, TaskGroup, "0").Err(); err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	args := &redis.XReadGroupArgs{
		Group:    TaskGroup,
		Consumer: q.consumer,
		Streams:  []string{killstory.StreamTasks, ">"},
		Count:    1,
		Block:    5 * time.Second,
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		responses, err := q.rdb.XReadGroup(ctx, args).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			q.logger.Error().Err(err).Msg("failed to read task stream")

			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}

			continue
		}

		for _, response := range responses {
			for _, message := range response.Messages {
				q.handle(ctx, handler, message)
			}
		}
	}
}

func (q *Queue) handle(ctx context.Context, handler TaskHandler, message redis.XMessage) {
	logger := q.logger.With().Str("message-id", message.ID).Logger()

	task := Task{ID: message.ID}
	task.Name, _ = message.Values["task"].(string)
	if enqueuedAt, ok := message.Values["enqueued_at"].(string); ok {
		task.EnqueuedAt, _ = time.Parse(time.RFC3339, enqueuedAt)
	}

	if task.Name == "" {
		logger.Error().Msg("task message without a name")
	} else if err := handler(ctx, task); err != nil {
		logger.Error().Err(err).Str("task", task.Name).Msg("task failed")
	}

	if err := q.rdb.XAck(ctx, killstory.StreamTasks, TaskGroup, message.ID).Err(); err != nil {
		logger.Error().Err(err).Msg("failed to acknowledge task")
	}
}
