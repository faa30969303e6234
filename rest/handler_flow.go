package rest

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/mohitkumar/nurture/flow"
	"github.com/mohitkumar/nurture/logger"
	"github.com/mohitkumar/nurture/model"
	"go.uber.org/zap"
)

type PublishResponse struct {
	Id      string `json:"id"`
	Version int    `json:"version"`
}

// HandlePublishFlow validates a JSON or YAML flow document and stores it as
// the next version of its flow.
func (s *Server) HandlePublishFlow(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "error reading flow document")
		return
	}
	def, err := flow.DecodeDocument(data)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := flow.Validate(def); err != nil {
		respondWithErr(w, err)
		return
	}
	version, err := s.flowStorage.SaveFlow(r.Context(), def)
	if err != nil {
		logger.Error("error publishing flow", zap.String("flow", def.Id), zap.Error(err))
		respondWithErr(w, err)
		return
	}
	logger.Info("flow published", zap.String("flow", def.Id), zap.Int("version", version))
	respondWithJSON(w, http.StatusCreated, PublishResponse{Id: def.Id, Version: version})
}

func (s *Server) HandleListFlows(w http.ResponseWriter, r *http.Request) {
	flows, err := s.flows.Published(r.Context())
	if err != nil {
		respondWithErr(w, err)
		return
	}
	defs := make([]*model.FlowDefinition, 0, len(flows))
	for _, f := range flows {
		defs = append(defs, f.Definition)
	}
	respondWithJSON(w, http.StatusOK, defs)
}

func (s *Server) HandleGetFlow(w http.ResponseWriter, r *http.Request) {
	f, err := s.flows.Latest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, f.Definition)
}

func (s *Server) HandleGetFlowVersion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	version, err := strconv.Atoi(vars["version"])
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid version")
		return
	}
	f, err := s.flows.Get(r.Context(), vars["id"], version)
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, f.Definition)
}

type MetricRequest struct {
	Variant string  `json:"variant" validate:"required"`
	Metric  string  `json:"metric" validate:"required"`
	Value   float64 `json:"value"`
}

// HandleRecordMetric feeds a variant's metric to multivariate splits.
func (s *Server) HandleRecordMetric(w http.ResponseWriter, r *http.Request) {
	var req MetricRequest
	if err := s.decode(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	vars := mux.Vars(r)
	s.metrics.Record(vars["id"], vars["nodeId"], req.Variant, req.Metric, req.Value)
	w.WriteHeader(http.StatusNoContent)
}
