package rest

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mohitkumar/nurture/logger"
	"github.com/mohitkumar/nurture/model"
	"go.uber.org/zap"
)

// HandleEvent accepts a domain event and hands it to the event bus. Routing
// happens asynchronously.
func (s *Server) HandleEvent(w http.ResponseWriter, r *http.Request) {
	var ev model.DomainEvent
	if err := s.decode(r, &ev); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if ev.Id == "" {
		ev.Id = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if err := s.events.Publish(r.Context(), ev); err != nil {
		logger.Error("error publishing event", zap.String("type", ev.Type), zap.String("contact", ev.ContactId), zap.Error(err))
		respondWithError(w, http.StatusServiceUnavailable, "error accepting event")
		return
	}
	respondWithJSON(w, http.StatusAccepted, map[string]string{"id": ev.Id})
}
