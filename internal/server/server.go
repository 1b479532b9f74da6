package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"docqa/internal/archive"
	"docqa/internal/config"
	"docqa/internal/metrics"
	"docqa/internal/models"
)

// apiKeyHeader carries the user's key when a session is opened or updated.
const apiKeyHeader = "X-API-Key"

// Publisher uploads exported archives and returns their URL.
type Publisher interface {
	Publish(ctx context.Context, name string, body io.Reader) (string, error)
}

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	cfg        *config.Config
	sessions   *sessionStore
	publisher  Publisher
	handler    http.Handler
	httpServer *http.Server
	sweepCtx   context.Context
	stopSweep  context.CancelFunc
}

// New builds and wires all routes. publisher may be nil.
func New(cfg *config.Config, create SessionFactory, publisher Publisher) *Server {
	metrics.Register()
	s := &Server{
		cfg:       cfg,
		sessions:  newSessionStore(create, cfg.HTTP.SessionTTL()),
		publisher: publisher,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(hlog.NewHandler(log.Logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request")
	}))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(time.Duration(cfg.HTTP.TimeoutSec) * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.HTTP.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", apiKeyHeader},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/sessions", func(api chi.Router) {
		api.Post("/", s.createSession)
		api.Route("/{sessionID}", func(sr chi.Router) {
			sr.Delete("/", s.deleteSession)
			sr.Put("/key", s.setKey)
			sr.Get("/documents", s.listDocuments)
			sr.Post("/documents", s.uploadDocuments)
			sr.Put("/documents/{name}/selection", s.selectDocument)
			sr.Get("/documents/{name}/export", s.exportDocument)
			sr.Post("/imports", s.importIndex)
			sr.Post("/ask", s.ask)
			sr.Get("/history", s.history)
		})
	})

	s.handler = r
	s.sweepCtx, s.stopSweep = context.WithCancel(context.Background())
	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTP.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start runs the HTTP server until Shutdown is called. Idle sessions are
// swept while it runs.
func (s *Server) Start() error {
	go s.sessions.sweepEvery(s.sweepCtx, s.cfg.HTTP.SessionTTL()/2)

	log.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server and drops every session.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server...")
	s.stopSweep()
	err := s.httpServer.Shutdown(ctx)
	s.sessions.closeAll()
	return err
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error) bool

var errorHandlers = []errorHandler{
	sentinelHandler(errUnknownSession, http.StatusNotFound, "session_not_found"),
	sentinelHandler(models.ErrUnknownDocument, http.StatusNotFound, "document_not_found"),
	sentinelHandler(models.ErrCredentialMissing, http.StatusUnauthorized, string(models.FailureCredentialMissing)),
	sentinelHandler(models.ErrUntrustedLoad, http.StatusForbidden, "untrusted_load"),
	sentinelHandler(models.ErrUnsupportedFormat, http.StatusUnsupportedMediaType, "unsupported_format"),
	sentinelHandler(models.ErrExtraction, http.StatusUnprocessableEntity, "extraction_failed"),
	sentinelHandler(archive.ErrUnsafeEntry, http.StatusBadRequest, "unsafe_archive"),
	sentinelHandler(models.ErrCorruptIndex, http.StatusUnprocessableEntity, "corrupt_index"),
	sentinelHandler(models.ErrEmbeddingService, http.StatusBadGateway, string(models.FailureEmbedding)),
	sentinelHandler(models.ErrLLMService, http.StatusBadGateway, string(models.FailureLLM)),
}

func sentinelHandler(sentinel error, status int, code string) errorHandler {
	return func(w http.ResponseWriter, err error) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, err.Error())
		return true
	}
}

func handleError(w http.ResponseWriter, r *http.Request, err error) {
	hlog.FromRequest(r).Warn().Err(err).Msg("Request failed")
	for _, h := range errorHandlers {
		if h(w, err) {
			return
		}
	}
	writeError(w, http.StatusInternalServerError, string(models.FailureInternal), "internal error")
}

// replyStatus maps a failed reply onto an HTTP status; answers are 200.
func replyStatus(reply models.Reply) int {
	if !reply.Failed() {
		return http.StatusOK
	}
	switch reply.Failure.Code {
	case models.FailureCredentialMissing:
		return http.StatusUnauthorized
	case models.FailureInvalidRequest:
		return http.StatusBadRequest
	case models.FailureEmbedding, models.FailureLLM:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
