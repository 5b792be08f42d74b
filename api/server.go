// Package api serves the persisted killmails, the owned character list, the
// population trigger and the live killmail feed over HTTP.
package api

import (
	"context"
	"killstory"
	"killstory/httperror"
	"killstory/store"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/olahol/melody"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, name string) (string, error)
}

type Server struct {
	logger zerolog.Logger
	store  *store.Store
	secret []byte
	queue  Enqueuer
	rdb    *redis.Client
	melody *melody.Melody
}

type Option func(*Server)

// WithQueue enables POST /populate.
func WithQueue(queue Enqueuer) Option {
	return func(s *Server) { s.queue = queue }
}

// WithFeed enables the websocket feed.
func WithFeed(rdb *redis.Client) Option {
	return func(s *Server) { s.rdb = rdb }
}

func New(logger zerolog.Logger, st *store.Store, secret []byte, opts ...Option) *Server {
	s := &Server{
		logger: logger,
		store:  st,
		secret: secret,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.melody = melody.New()
	// No limit on messages
	s.melody.Config.MaxMessageSize = 0
	s.melody.Config.WriteWait = 5 * time.Second
	s.melody.HandleConnect(s.handleConnect)
	s.melody.HandleDisconnect(s.handleDisconnect)

	return s
}

func (s *Server) Routes() *Router {
	r := NewRouter(s.logger)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/_healthz", func(w http.ResponseWriter, r *http.Request) *httperror.HTTPError {
		if err := s.store.Ping(r.Context()); err != nil {
			return httperror.New(http.StatusServiceUnavailable, "database unavailable", err)
		}

		w.WriteHeader(http.StatusOK)
		return nil
	})

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) *httperror.HTTPError {
		w.Write([]byte(killstory.Version))
		return nil
	})

	r.Mux.Handle("/metrics", promhttp.Handler())

	r.Get("/killmails", s.require(PermBasicAccess, s.listKillmails))
	r.Get("/killmails/{id}", s.require(PermBasicAccess, s.getKillmail))
	r.Delete("/killmails/{id}", s.require(PermPopulate, s.deleteKillmail))
	r.Get("/victims/{id}", s.require(PermBasicAccess, s.getVictim))
	r.Get("/attackers/{id}", s.require(PermBasicAccess, s.getAttacker))
	r.Get("/items/{id}", s.require(PermBasicAccess, s.getItem))
	r.Get("/contained-items/{id}", s.require(PermBasicAccess, s.getContainedItem))

	r.Get("/characters", s.require(PermBasicAccess, s.listCharacters))
	r.Put("/characters/{id}", s.require(PermPopulate, s.addCharacter))
	r.Delete("/characters/{id}", s.require(PermPopulate, s.removeCharacter))

	r.Post("/populate", s.require(PermPopulate, s.populate))

	// Browsers cannot set headers on a websocket handshake.
	r.Get("/websocket", s.requireWithQuery(PermBasicAccess, s.websocket))

	return r
}

// Close disconnects every websocket session.
func (s *Server) Close() error {
	return s.melody.Close()
}
