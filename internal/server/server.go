// Package server is the HTTP surface: routing, auth, CORS, SSE streaming,
// and the translation between wire payloads and the pipeline engine.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"packsmith/internal/auth"
	"packsmith/internal/config"
	"packsmith/internal/logging"
	"packsmith/internal/metrics"
	"packsmith/internal/orchestrator"
	"packsmith/internal/progress"
	"packsmith/internal/quota"
	"packsmith/internal/store"
	"packsmith/internal/tags"
)

// Engine is the pipeline surface the server drives. The orchestrator engine
// satisfies it; tests use scripted fakes.
type Engine interface {
	Admit(ctx context.Context, userID string, maxMods int) (*quota.Admission, error)
	Assemble(ctx context.Context, req orchestrator.AssembleRequest, adm *quota.Admission, stream *progress.Stream)
	LegacyAssemble(ctx context.Context, req orchestrator.AssembleRequest, adm *quota.Admission, stream *progress.Stream)
	CrashDoctor(ctx context.Context, req orchestrator.CrashRequest, adm *quota.Admission, stream *progress.Stream)
	AutoSort(ctx context.Context, req orchestrator.SortRequest, adm *quota.Admission) (*orchestrator.SortResult, error)
}

// FeedbackStore persists user feedback rows.
type FeedbackStore interface {
	RecordFeedback(ctx context.Context, f *store.Feedback) error
}

// Server serves the public API.
type Server struct {
	cfg      *config.Config
	engine   Engine
	verifier *auth.Verifier
	tags     *tags.Service
	tagger   *tags.Tagger
	feedback FeedbackStore
	http     *http.Server
	log      *zap.Logger
}

// New wires the server. Start binds the listener; Shutdown drains it.
func New(cfg *config.Config, engine Engine, verifier *auth.Verifier, tagService *tags.Service, tagger *tags.Tagger, feedback FeedbackStore) *Server {
	s := &Server{
		cfg:      cfg,
		engine:   engine,
		verifier: verifier,
		tags:     tagService,
		tagger:   tagger,
		feedback: feedback,
		log:      logging.For(logging.ComponentServer),
	}

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler(s.Routes())

	s.http = &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		// h2c lets reverse proxies speak HTTP/2 to us without TLS.
		Handler:           h2c.NewHandler(corsHandler, &http2.Server{}),
		ReadHeaderTimeout: cfg.ReadTimeout(),
	}
	return s
}

// Routes builds the router. Exposed for tests, which drive it through
// httptest without binding a port.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	// Tag lookups are public; everything else resolves a user first.
	api.HandleFunc("/get-mod-tags", s.handleModTags).Methods(http.MethodPost)

	authed := api.NewRoute().Subrouter()
	authed.Use(s.requireAuth)
	authed.HandleFunc("/ai/build-board", s.handleBuildBoard).Methods(http.MethodPost)
	authed.HandleFunc("/ai/auto-sort", s.handleAutoSort).Methods(http.MethodPost)
	authed.HandleFunc("/ai/crash-doctor/analyze", s.handleCrashDoctor).Methods(http.MethodPost)
	authed.HandleFunc("/feedback", s.handleFeedback(store.FeedbackBuild)).Methods(http.MethodPost)
	authed.HandleFunc("/feedback/categorization", s.handleFeedback(store.FeedbackCategorization)).Methods(http.MethodPost)
	if s.cfg.Server.AllowLegacyBuild {
		authed.HandleFunc("/build-board", s.handleLegacyBuild).Methods(http.MethodPost)
	}
	return r
}

// Start serves until the listener closes. Returns nil on graceful shutdown.
func (s *Server) Start() error {
	s.log.Info("http server listening", zap.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

type contextKey string

const userIDKey contextKey = "user_id"

// requireAuth resolves the bearer token to a user id and stores it on the
// request context. The tier is never read from the token.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.verifier.UserID(r)
		if err != nil {
			s.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

// userID returns the authenticated user id stored by requireAuth.
func userID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}
