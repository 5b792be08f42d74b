package api

import (
	"errors"
	"killstory/httperror"
	"killstory/scheduler"
	"killstory/store"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

type killmailPage struct {
	Killmails any `json:"killmails"`
	Total     int `json:"total"`
	Limit     int `json:"limit"`
	Offset    int `json:"offset"`
}

func queryInt(r *http.Request, name string, fallback int) (int, *httperror.HTTPError) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, httperror.BadRequest(name + " must be a positive integer")
	}

	return value, nil
}

func idParam(r *http.Request, bitSize int) (int64, *httperror.HTTPError) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, bitSize)
	if err != nil {
		return 0, httperror.BadRequestWithError("invalid id", err)
	}
	return id, nil
}

func lookupError(entity string, err error) *httperror.HTTPError {
	if errors.Is(err, store.ErrNotFound) {
		return httperror.NotFound(entity + " not found")
	}
	return httperror.InternalServerError("failed to load "+entity, err)
}

func (s *Server) listKillmails(w http.ResponseWriter, r *http.Request) *httperror.HTTPError {
	limit, herr := queryInt(r, "limit", defaultLimit)
	if herr != nil {
		return herr
	}
	limit = max(1, min(limit, maxLimit))

	offset, herr := queryInt(r, "offset", 0)
	if herr != nil {
		return herr
	}

	killmails, err := s.store.Killmails(r.Context(), limit, offset)
	if err != nil {
		return httperror.InternalServerError("failed to list killmails", err)
	}

	total, err := s.store.CountKillmails(r.Context())
	if err != nil {
		return httperror.InternalServerError("failed to count killmails", err)
	}

	render.JSON(w, r, killmailPage{Killmails: killmails, Total: total, Limit: limit, Offset: offset})
	return nil
}

func (s *Server) getKillmail(w http.ResponseWriter, r *http.Request) *httperror.HTTPError {
	id, herr := idParam(r, 32)
	if herr != nil {
		return herr
	}

	killmail, err := s.store.Killmail(r.Context(), int32(id))
	if err != nil {
		return lookupError("killmail", err)
	}

	render.JSON(w, r, killmail)
	return nil
}

func (s *Server) deleteKillmail(w http.ResponseWriter, r *http.Request) *httperror.HTTPError {
	id, herr := idParam(r, 32)
	if herr != nil {
		return herr
	}

	if err := s.store.DeleteKillmail(r.Context(), int32(id)); err != nil {
		return lookupError("killmail", err)
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) getVictim(w http.ResponseWriter, r *http.Request) *httperror.HTTPError {
	id, herr := idParam(r, 64)
	if herr != nil {
		return herr
	}

	victim, err := s.store.Victim(r.Context(), id)
	if err != nil {
		return lookupError("victim", err)
	}

	render.JSON(w, r, victim)
	return nil
}

func (s *Server) getAttacker(w http.ResponseWriter, r *http.Request) *httperror.HTTPError {
	id, herr := idParam(r, 64)
	if herr != nil {
		return herr
	}

	attacker, err := s.store.Attacker(r.Context(), id)
	if err != nil {
		return lookupError("attacker", err)
	}

	render.JSON(w, r, attacker)
	return nil
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) *httperror.HTTPError {
	id, herr := idParam(r, 64)
	if herr != nil {
		return herr
	}

	item, err := s.store.VictimItem(r.Context(), id)
	if err != nil {
		return lookupError("item", err)
	}

	render.JSON(w, r, item)
	return nil
}

func (s *Server) getContainedItem(w http.ResponseWriter, r *http.Request) *httperror.HTTPError {
	id, herr := idParam(r, 64)
	if herr != nil {
		return herr
	}

	item, err := s.store.ContainedItem(r.Context(), id)
	if err != nil {
		return lookupError("contained item", err)
	}

	render.JSON(w, r, item)
	return nil
}

func (s *Server) listCharacters(w http.ResponseWriter, r *http.Request) *httperror.HTTPError {
	ids, err := s.store.OwnedCharacterIDs(r.Context())
	if err != nil {
		return httperror.InternalServerError("failed to list owned characters", err)
	}

	render.JSON(w, r, map[string]any{"character_ids": ids})
	return nil
}

func (s *Server) addCharacter(w http.ResponseWriter, r *http.Request) *httperror.HTTPError {
	id, herr := idParam(r, 32)
	if herr != nil {
		return herr
	}

	if id <= 0 {
		return httperror.BadRequest("character id must be positive")
	}

	if err := s.store.AddOwnedCharacter(r.Context(), int32(id)); err != nil {
		return httperror.InternalServerError("failed to add owned character", err)
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) removeCharacter(w http.ResponseWriter, r *http.Request) *httperror.HTTPError {
	id, herr := idParam(r, 32)
	if herr != nil {
		return herr
	}

	if err := s.store.RemoveOwnedCharacter(r.Context(), int32(id)); err != nil {
		return lookupError("owned character", err)
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) populate(w http.ResponseWriter, r *http.Request) *httperror.HTTPError {
	if s.queue == nil {
		return httperror.ServiceUnavailable("task queue is not configured")
	}

	taskID, err := s.queue.Enqueue(r.Context(), scheduler.PopulateKillmails)
	if err != nil {
		return httperror.InternalServerError("failed to enqueue population", err)
	}

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, map[string]string{"task_id": taskID})
	return nil
}
