package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"killstory"
	"killstory/api"
	"killstory/feed"
	"killstory/store"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	tokenPerms := flag.String("token", "", "print a token for these comma separated permissions and exit")
	tokenTTL := flag.Duration("token-ttl", 30*24*time.Hour, "lifetime of the token printed by -token")
	flag.Parse()

	log.Logger = log.Output(killstory.LogOut{})

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to load .env")
	}

	config, err := killstory.NewConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read config")
	}

	killstory.SetupLogging(config)

	if config.JWTSecret == "" {
		log.Fatal().Msg("KILLSTORY_JWT_SECRET is required")
	}

	if *tokenPerms != "" {
		token, err := api.NewToken([]byte(config.JWTSecret), "killapi-cli", strings.Split(*tokenPerms, ","), *tokenTTL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to sign token")
		}

		fmt.Println(token)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, config.DatabaseDriver, config.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}

	defer st.Close()

	if err := st.Migrate(ctx, log.With().Str("component", "migrations").Logger()); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	var opts []api.Option

	if config.RedisURL != "" {
		rdb, err := feed.Connect(ctx, config.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}

		defer rdb.Close()

		queue := feed.NewQueue(log.With().Str("component", "queue").Logger(), rdb, "killapi")
		opts = append(opts, api.WithQueue(queue), api.WithFeed(rdb))
	}

	server := api.New(log.With().Str("component", "api").Logger(), st, []byte(config.JWTSecret), opts...)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", config.Port), Handler: middleware.Logger(server.Routes())}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_ = server.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to shut down http server")
		}
	}()

	log.Info().Int("port", config.Port).Msg("http server listening")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("http listener failed")
	}
}
