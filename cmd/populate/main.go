package main

import (
	"context"
	"errors"
	"flag"
	"killstory"
	"killstory/feed"
	"killstory/pipeline"
	"killstory/scheduler"
	"killstory/store"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	runSync := flag.Bool("sync", false, "run the population in this process instead of enqueuing it")
	flag.Parse()

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

	if !*runSync {
		if config.RedisURL == "" {
			log.Fatal().Msg("REDIS_URL is required to enqueue, use -sync to run in process")
		}

		rdb, err := feed.Connect(ctx, config.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}

		defer rdb.Close()

		id, err := feed.NewQueue(log.Logger, rdb, "populate").Enqueue(ctx, scheduler.PopulateKillmails)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to enqueue population")
		}

		log.Info().Str("task-id", id).Msg("killmail population enqueued")
		return
	}

	st, err := store.Open(ctx, config.DatabaseDriver, config.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}

	defer st.Close()

	if err := st.Migrate(ctx, log.With().Str("component", "migrations").Logger()); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	var opts []pipeline.Option

	if config.RedisURL != "" {
		rdb, err := feed.Connect(ctx, config.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}

		defer rdb.Close()

		opts = append(opts, pipeline.WithCommitHook(feed.NewPublisher(log.With().Str("component", "feed").Logger(), rdb).Publish))
	}

	p, err := pipeline.NewFromConfig(log.With().Str("component", "pipeline").Logger(), config, st, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create pipeline")
	}

	if _, err := p.Run(ctx); err != nil {
		log.Error().Err(err).Msg("killmail population failed")
		st.Close()
		os.Exit(1)
	}
}
