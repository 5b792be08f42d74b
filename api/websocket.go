package api

import (
	"context"
	"errors"
	"fmt"
	"killstory/feed"
	"killstory/httperror"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/olahol/melody"
)

const websocketBatch = 10

// websocket streams the killmail feed. Clients passing the same queue resume
// from where the previous connection stopped.
func (s *Server) websocket(w http.ResponseWriter, r *http.Request) *httperror.HTTPError {
	if s.rdb == nil {
		return httperror.ServiceUnavailable("killmail feed is not configured")
	}

	queueID := r.URL.Query().Get("queue")
	if len(queueID) > 128 {
		return httperror.BadRequest("queue ID must be 128 characters or less")
	}

	if queueID == "" {
		queueID = uuid.NewString()
	}

	if err := s.melody.HandleRequestWithKeys(w, r, map[string]any{"queueID": queueID}); err != nil {
		s.logger.Warn().Err(err).Str("queue-id", queueID).Msg("websocket upgrade failed")
	}

	return nil
}

func (s *Server) handleConnect(session *melody.Session) {
	queueID := session.Keys["queueID"].(string)

	s.logger.Info().Str("queue-id", queueID).Msg("new websocket connection")

	go s.stream(session.Request.Context(), session, queueID)
}

func (s *Server) handleDisconnect(session *melody.Session) {
	queueID := session.Keys["queueID"].(string)

	s.logger.Info().Str("queue-id", queueID).Msg("closed websocket connection")
}

func (s *Server) stream(ctx context.Context, session *melody.Session, queueID string) {
	logger := s.logger.With().Str("queue-id", queueID).Logger()
	cursorKey := fmt.Sprintf("killstory:websocket:%s", queueID)

	for {
		if ctx.Err() != nil || session.IsClosed() {
			return
		}

		messages, err := feed.Read(ctx, s.rdb, cursorKey, websocketBatch, 5*time.Second)
		if err != nil {
			if errors.Is(err, context.Canceled) || session.IsClosed() {
				return
			}

			logger.Error().Err(err).Msg("failed to fetch websocket killmails")
			if err := session.CloseWithMsg(melody.FormatCloseMessage(melody.CloseInternalServerErr, "internal server error")); err != nil {
				logger.Error().Err(err).Msg("failed to close websocket after fetch error")
			}

			return
		}

		for _, message := range messages {
			if err := session.Write(message); err != nil {
				logger.Error().Err(err).Msg("failed to write to websocket")
				if err := session.CloseWithMsg(melody.FormatCloseMessage(melody.CloseAbnormalClosure, "write failed")); err != nil {
					logger.Error().Err(err).Msg("failed to close websocket after write error")
				}
				return
			}
		}
	}
}
