// Package api exposes the procedure, image and archival services over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pranav-miglani/dental-record/internal/apperr"
	"github.com/pranav-miglani/dental-record/internal/archive"
	"github.com/pranav-miglani/dental-record/internal/image"
	"github.com/pranav-miglani/dental-record/internal/procedure"
	"github.com/pranav-miglani/dental-record/pkg/health"
	"github.com/pranav-miglani/dental-record/pkg/logger"
)

// ActorHeader carries the opaque identity of the caller.
const ActorHeader = "X-Actor-ID"

const (
	defaultMaxRequestBytes = 64 << 20
	requestTimeout         = 30 * time.Second
)

// Sweeps runs the archival sweep on demand. archive.Scheduler implements it.
type Sweeps interface {
	RunOnce(ctx context.Context) (*archive.Report, error)
	LastReport() *archive.Report
}

type Server struct {
	router          *mux.Router
	procedures      *procedure.Service
	images          *image.Service
	sweeps          Sweeps
	health          *health.Checker
	logger          *logger.Logger
	maxRequestBytes int64
	version         string
}

type Option func(*Server)

// WithMaxRequestBytes bounds multipart upload bodies.
func WithMaxRequestBytes(n int64) Option {
	return func(s *Server) { s.maxRequestBytes = n }
}

func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithHealth makes /health run the checker's probes and answer 503 when all of them fail.
func WithHealth(c *health.Checker) Option {
	return func(s *Server) { s.health = c }
}

// NewServer builds the router. sweeps and logger may be nil; without sweeps the archive
// routes answer 503.
func NewServer(procedures *procedure.Service, images *image.Service, sweeps Sweeps, logger *logger.Logger, opts ...Option) *Server {
	s := &Server{
		router:          mux.NewRouter(),
		procedures:      procedures,
		images:          images,
		sweeps:          sweeps,
		logger:          logger,
		maxRequestBytes: defaultMaxRequestBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	s.setupMiddleware()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			if s.logger != nil {
				s.logger.Debugf("%s %s -> %d (%s) actor=%q", r.Method, r.URL.Path, rec.status, time.Since(start), actor(r))
			}
		})
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/definitions", s.listDefinitions).Methods(http.MethodGet)
	s.router.HandleFunc("/definitions/{category}", s.showDefinition).Methods(http.MethodGet)

	procedures := s.router.PathPrefix("/procedures").Subrouter()
	procedures.HandleFunc("", s.listProcedures).Methods(http.MethodGet)
	procedures.HandleFunc("", s.createProcedure).Methods(http.MethodPost)
	procedures.HandleFunc("/{id}", s.showProcedure).Methods(http.MethodGet)
	procedures.HandleFunc("/{id}", s.modifyProcedure).Methods(http.MethodPut)
	procedures.HandleFunc("/{id}/confirm", s.confirmProcedure).Methods(http.MethodPost)
	procedures.HandleFunc("/{id}/close", s.closeProcedure).Methods(http.MethodPost)
	procedures.HandleFunc("/{id}/cancel", s.cancelProcedure).Methods(http.MethodPost)
	procedures.HandleFunc("/{id}/images", s.listProcedureImages).Methods(http.MethodGet)

	s.router.HandleFunc("/patients/{patient_id}/procedures", s.listPatientProcedures).Methods(http.MethodGet)

	steps := s.router.PathPrefix("/steps").Subrouter()
	steps.HandleFunc("/{id}/complete", s.completeStep).Methods(http.MethodPost)
	steps.HandleFunc("/{id}/skip", s.skipStep).Methods(http.MethodPost)
	steps.HandleFunc("/{id}/unskip", s.unskipStep).Methods(http.MethodPost)
	steps.HandleFunc("/{id}/visit-date", s.updateVisitDate).Methods(http.MethodPut)
	steps.HandleFunc("/{id}/images", s.uploadImages).Methods(http.MethodPost)
	steps.HandleFunc("/{id}/images", s.listStepImages).Methods(http.MethodGet)

	images := s.router.PathPrefix("/images").Subrouter()
	images.HandleFunc("/{id}", s.showImage).Methods(http.MethodGet)
	images.HandleFunc("/{id}/replace", s.replaceImage).Methods(http.MethodPost)
	images.HandleFunc("/{id}/versions", s.listVersions).Methods(http.MethodGet)
	images.HandleFunc("/{id}/url", s.viewURL).Methods(http.MethodGet)
	images.HandleFunc("/{id}/download", s.download).Methods(http.MethodGet)
	images.HandleFunc("/{id}/versions/{version}", s.deleteVersion).Methods(http.MethodDelete)
	images.HandleFunc("/{id}/versions/{version}/restore", s.restoreVersion).Methods(http.MethodPost)
	images.HandleFunc("/{id}/versions/{version}/thumbnails", s.regenerateThumbnails).Methods(http.MethodPost)
	images.HandleFunc("/{id}/versions/{version}/annotation", s.putAnnotation).Methods(http.MethodPut)
	images.HandleFunc("/{id}/versions/{version}/annotation", s.getAnnotation).Methods(http.MethodGet)
	images.HandleFunc("/{id}/versions/{version}/annotation", s.deleteAnnotation).Methods(http.MethodDelete)

	s.router.HandleFunc("/archive/sweep", s.runSweep).Methods(http.MethodPost)
	s.router.HandleFunc("/archive/report", s.lastSweep).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    StatusHealthy,
		"service":   "dental-record",
		"version":   s.version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK
	if s.health != nil {
		overall := s.health.RunAll(r.Context())
		response["status"] = overall
		response["checks"] = s.health.GetAllChecks()
		if overall == health.StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
	}
	s.writeJSONResponse(w, code, response)
}

func (s *Server) runSweep(w http.ResponseWriter, r *http.Request) {
	if s.sweeps == nil {
		s.writeErrorResponse(w, http.StatusServiceUnavailable, "archival is not configured", "")
		return
	}
	report, err := s.sweeps.RunOnce(r.Context())
	if errors.Is(err, archive.ErrSweepRunning) {
		s.writeErrorResponse(w, http.StatusConflict, err.Error(), string(apperr.KindIllegalState))
		return
	}
	if err != nil {
		s.handleServiceError(w, err, "Failed to run archive sweep")
		return
	}
	s.writeJSONResponse(w, http.StatusOK, SweepResponse{Report: report})
}

func (s *Server) lastSweep(w http.ResponseWriter, r *http.Request) {
	if s.sweeps == nil {
		s.writeErrorResponse(w, http.StatusServiceUnavailable, "archival is not configured", "")
		return
	}
	s.writeJSONResponse(w, http.StatusOK, SweepResponse{Report: s.sweeps.LastReport()})
}

// actor returns the caller identity header, which is opaque to the service.
func actor(r *http.Request) string {
	return r.Header.Get(ActorHeader)
}

func pageParams(r *http.Request) (limit int, cursor string, err error) {
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			return 0, "", apperr.Validation("invalid limit: %s", v)
		}
	}
	return limit, q.Get("cursor"), nil
}

// versionParam reads an optional version from the path or the query. Zero selects the
// current version.
func versionParam(r *http.Request) (int64, error) {
	v := mux.Vars(r)["version"]
	if v == "" {
		v = r.URL.Query().Get("version")
	}
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return 0, apperr.Validation("invalid version: %s", v)
	}
	return n, nil
}

func (s *Server) decodeBody(r *http.Request, into interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	return nil
}

// handleServiceError maps domain error kinds to status codes. Anything else is logged and
// answered with a generic message.
func (s *Server) handleServiceError(w http.ResponseWriter, err error, defaultMessage string) {
	kind, ok := apperr.KindOf(err)
	if !ok {
		if s.logger != nil {
			s.logger.Errorf("%s: %v", defaultMessage, err)
		}
		s.writeErrorResponse(w, http.StatusInternalServerError, defaultMessage, "INTERNAL_ERROR")
		return
	}

	var httpStatus int
	switch kind {
	case apperr.KindValidation, apperr.KindUnknownCategory:
		httpStatus = http.StatusUnprocessableEntity
	case apperr.KindNotFound:
		httpStatus = http.StatusNotFound
	case apperr.KindIllegalState:
		httpStatus = http.StatusConflict
	default:
		httpStatus = http.StatusInternalServerError
	}

	var domainErr *apperr.Error
	errors.As(err, &domainErr)
	s.writeErrorResponse(w, httpStatus, domainErr.Message, string(kind))
}

func (s *Server) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		if s.logger != nil {
			s.logger.Errorf("Failed to encode JSON response: %v", err)
		}
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message, error string) {
	response := ErrorResponse{
		Error:   error,
		Message: message,
		Status:  StatusError,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		if s.logger != nil {
			s.logger.Errorf("Failed to encode error response: %v", err)
		}
	}
}

// withTimeout bounds the service call made on behalf of one request.
func withTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), requestTimeout)
}
