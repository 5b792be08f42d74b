package api

import (
	"killstory/httperror"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/rs/zerolog"
)

type HTTPHandlerWithErr func(http.ResponseWriter, *http.Request) *httperror.HTTPError

// Router renders the *httperror.HTTPError returned by handlers.
type Router struct {
	*chi.Mux
	logger zerolog.Logger
}

func NewRouter(logger zerolog.Logger) *Router {
	return &Router{
		Mux:    chi.NewMux(),
		logger: logger,
	}
}

func (rt *Router) handler(handlerFn HTTPHandlerWithErr) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := handlerFn(w, r)
		if err == nil {
			return
		}

		render.Render(w, r, err)

		event := rt.logger.Warn()
		if err.Code >= http.StatusInternalServerError {
			event = rt.logger.Error()
		}
		event.Err(err).Int("status", err.Code).Str("path", r.URL.Path).Msg("request failed")
	}
}

func (rt *Router) Get(pattern string, handlerFn HTTPHandlerWithErr) {
	rt.Mux.Get(pattern, rt.handler(handlerFn))
}

func (rt *Router) Post(pattern string, handlerFn HTTPHandlerWithErr) {
	rt.Mux.Post(pattern, rt.handler(handlerFn))
}

func (rt *Router) Put(pattern string, handlerFn HTTPHandlerWithErr) {
	rt.Mux.Put(pattern, rt.handler(handlerFn))
}

func (rt *Router) Delete(pattern string, handlerFn HTTPHandlerWithErr) {
	rt.Mux.Delete(pattern, rt.handler(handlerFn))
}
