package main

import (
	"context"
	"errors"
	"fmt"
	"killstory"
	"killstory/feed"
	"killstory/pipeline"
	"killstory/scheduler"
	"killstory/store"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Logger = log.Output(killstory.LogOut{})

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to load .env")
	}

	config, err := killstory.NewConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read config")
	}

	killstory.SetupLogging(config)

	st, err := store.Open(ctx, config.DatabaseDriver, config.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}

	defer st.Close()

	if err := st.Migrate(ctx, log.With().Str("component", "migrations").Logger()); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	scheduler.Register(ctx, log.With().Str("component", "scheduler").Logger(), st, scheduler.Task{
		Name:     scheduler.PopulateKillmails,
		Interval: config.PopulateInterval,
	})

	var rdb *redis.Client
	var opts []pipeline.Option

	if config.RedisURL != "" {
		rdb, err = feed.Connect(ctx, config.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}

		defer rdb.Close()

		publisher := feed.NewPublisher(log.With().Str("component", "feed").Logger(), rdb)
		opts = append(opts, pipeline.WithCommitHook(publisher.Publish))
	}

	p, err := pipeline.NewFromConfig(log.With().Str("component", "pipeline").Logger(), config, st, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create pipeline")
	}

	run := func(ctx context.Context, name string) error {
		if name != scheduler.PopulateKillmails {
			return fmt.Errorf("unknown task %s", name)
		}

		if _, err := p.Run(ctx); err != nil {
			log.Error().Err(err).Str("task", name).Msg("killmail population failed")
		}

		return nil
	}

	dispatch := func(ctx context.Context, task store.PeriodicTask) error {
		return run(ctx, task.Name)
	}

	if rdb != nil {
		hostname, _ := os.Hostname()
		queue := feed.NewQueue(log.With().Str("component", "queue").Logger(), rdb, "worker-"+hostname)

		dispatch = func(ctx context.Context, task store.PeriodicTask) error {
			_, err := queue.Enqueue(ctx, task.Name)
			return err
		}

		go func() {
			err := queue.Consume(ctx, func(ctx context.Context, task feed.Task) error {
				return run(ctx, task.Name)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("task consumer stopped")
				stop()
			}
		}()
	}

	if config.MetricsPort != 0 {
		go serveMetrics(config.MetricsPort)
	}

	log.Info().Dur("interval", config.PopulateInterval).Bool("queue", rdb != nil).Msg("worker started")

	if err := scheduler.New(log.With().Str("component", "scheduler").Logger(), st, dispatch).Run(ctx); err != nil {
		log.Error().Err(err).Msg("scheduler stopped")
	}

	log.Info().Msg("worker stopped")
}

func serveMetrics(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	log.Info().Int("port", port).Msg("metrics listener started")

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	if err := srv.ListenAndServe(); err != nil {
		log.Error().Err(err).Msg("metrics listener failed")
	}
}
