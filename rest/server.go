package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/mohitkumar/nurture/analytics"
	"github.com/mohitkumar/nurture/cache"
	"github.com/mohitkumar/nurture/engine"
	"github.com/mohitkumar/nurture/flow"
	"github.com/mohitkumar/nurture/logger"
	"github.com/mohitkumar/nurture/model"
	"github.com/mohitkumar/nurture/persistence"
	"go.uber.org/zap"
)

// EventPublisher accepts ingested domain events.
type EventPublisher interface {
	Publish(ctx context.Context, ev model.DomainEvent) error
}

type Server struct {
	http.Server
	Port        int
	flowStorage persistence.FlowStorage
	flows       *cache.FlowCache
	engine      *engine.FlowEngine
	events      EventPublisher
	metrics     *analytics.MemoryMetrics
	validate    *validator.Validate
}

func NewServer(httpPort int, flowStorage persistence.FlowStorage, flows *cache.FlowCache, eng *engine.FlowEngine,
	events EventPublisher, metrics *analytics.MemoryMetrics) (*Server, error) {
	s := &Server{
		Server: http.Server{
			Addr: fmt.Sprintf(":%d", httpPort),
		},
		Port:        httpPort,
		flowStorage: flowStorage,
		flows:       flows,
		engine:      eng,
		events:      events,
		metrics:     metrics,
		validate:    validator.New(),
	}

	router := mux.NewRouter()
	router.HandleFunc("/flows", s.HandlePublishFlow).Methods(http.MethodPost)
	router.HandleFunc("/flows", s.HandleListFlows).Methods(http.MethodGet)
	router.HandleFunc("/flows/{id}", s.HandleGetFlow).Methods(http.MethodGet)
	router.HandleFunc("/flows/{id}/versions/{version:[0-9]+}", s.HandleGetFlowVersion).Methods(http.MethodGet)
	router.HandleFunc("/flows/{id}/enrollments", s.HandleEnroll).Methods(http.MethodPost)
	router.HandleFunc("/flows/{id}/nodes/{nodeId}/metrics", s.HandleRecordMetric).Methods(http.MethodPost)
	router.HandleFunc("/enrollments/{id}", s.HandleGetEnrollment).Methods(http.MethodGet)
	router.HandleFunc("/enrollments/{id}/log", s.HandleGetExecutionLog).Methods(http.MethodGet)
	router.HandleFunc("/enrollments/{id}/end", s.HandleEndEnrollment).Methods(http.MethodPost)
	router.HandleFunc("/enrollments/{id}/actions/{nodeId}/callback", s.HandleActionCallback).Methods(http.MethodPost)
	router.HandleFunc("/events", s.HandleEvent).Methods(http.MethodPost)
	router.Use(loggingMiddleware)
	s.Handler = router
	return s, nil
}

func (s *Server) Name() string {
	return "http-server"
}

func (s *Server) Start() error {
	logger.Info("starting http server", zap.Int("port", s.Port))
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	logger.Info("stopping http server")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		logger.Error("error shutting down http server", zap.Error(err))
	}
	return nil
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("http request", zap.String("method", r.Method), zap.String("uri", r.RequestURI))
		next.ServeHTTP(w, r)
	})
}

// decode reads a JSON body into v and validates its tags.
func (s *Server) decode(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return s.validate.Struct(v)
}

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) int {
	var verr *flow.ValidationError
	var invalid validator.ValidationErrors
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrTerminal), errors.Is(err, engine.ErrNotPending),
		errors.Is(err, engine.ErrAlreadyEnrolled), errors.Is(err, persistence.ErrLeaseHeld):
		return http.StatusConflict
	case errors.As(err, &verr), errors.As(err, &invalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, _ := json.Marshal(payload)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithErr(w http.ResponseWriter, err error) {
	respondWithError(w, errorStatus(err), err.Error())
}
