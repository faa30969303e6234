package rest

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mohitkumar/nurture/logger"
	"github.com/mohitkumar/nurture/model"
	"go.uber.org/zap"
)

type EnrollRequest struct {
	ContactIds []string       `json:"contactIds" validate:"required,min=1,dive,required"`
	Context    map[string]any `json:"context,omitempty"`
}

type EndRequest struct {
	Reason string `json:"reason"`
}

type CallbackRequest struct {
	Success bool               `json:"success"`
	Delta   model.ContextDelta `json:"delta"`
	Reason  string             `json:"reason,omitempty"`
}

func (s *Server) HandleEnroll(w http.ResponseWriter, r *http.Request) {
	flowId := mux.Vars(r)["id"]
	var req EnrollRequest
	if err := s.decode(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.flows.Latest(r.Context(), flowId); err != nil {
		respondWithErr(w, err)
		return
	}
	results := s.engine.EnrollContacts(r.Context(), flowId, req.ContactIds, req.Context)
	respondWithJSON(w, http.StatusOK, results)
}

func (s *Server) HandleGetEnrollment(w http.ResponseWriter, r *http.Request) {
	e, err := s.engine.GetEnrollment(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, e)
}

func (s *Server) HandleGetExecutionLog(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.engine.GetEnrollment(r.Context(), id); err != nil {
		respondWithErr(w, err)
		return
	}
	entries, err := s.engine.GetExecutionLog(r.Context(), id)
	if err != nil {
		respondWithErr(w, err)
		return
	}
	if entries == nil {
		entries = []model.ExecutionLogEntry{}
	}
	respondWithJSON(w, http.StatusOK, entries)
}

func (s *Server) HandleEndEnrollment(w http.ResponseWriter, r *http.Request) {
	var req EndRequest
	if r.ContentLength != 0 {
		if err := s.decode(r, &req); err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	e, err := s.engine.EndEnrollment(r.Context(), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, e)
}

func (s *Server) HandleActionCallback(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req CallbackRequest
	if err := s.decode(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.CompleteAction(r.Context(), vars["id"], vars["nodeId"], req.Success, req.Delta, req.Reason); err != nil {
		logger.Warn("action callback rejected", zap.String("enrollment", vars["id"]), zap.String("node", vars["nodeId"]), zap.Error(err))
		respondWithErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
