// Package api implements the lore server's HTTP surface: lesson CRUD and
// search, key management and org bootstrap, all under /v1.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jordanhubbard/lore/internal/auth"
	"github.com/jordanhubbard/lore/internal/config"
	"github.com/jordanhubbard/lore/internal/database"
	"github.com/jordanhubbard/lore/internal/metrics"
	"github.com/jordanhubbard/lore/internal/ratelimit"
	"github.com/jordanhubbard/lore/pkg/models"
)

// EmbeddingDim is the vector width the server accepts.
const EmbeddingDim = 384

// maxBodySize bounds request bodies at 1 MiB.
const maxBodySize = 1 << 20

// Backend is the slice of the database the handlers need. Implemented by
// *database.Database; tests substitute an in-memory twin.
type Backend interface {
	InsertLesson(ctx context.Context, orgID string, lesson *models.Lesson) error
	GetLesson(ctx context.Context, orgID, project, id string) (*models.Lesson, error)
	ListLessons(ctx context.Context, orgID, project string, limit, offset int) ([]*models.Lesson, int, error)
	UpdateLesson(ctx context.Context, orgID, project, id string, params database.UpdateParams) (*models.Lesson, error)
	DeleteLesson(ctx context.Context, orgID, project, id string) (bool, error)
	SearchLessons(ctx context.Context, orgID string, query []float32, params database.SearchParams) ([]models.ScoredLesson, error)
	ExportLessons(ctx context.Context, orgID, project string) ([]*models.Lesson, error)
	ImportLessons(ctx context.Context, orgID string, lessons []*models.Lesson) (int, error)
	CreateOrgWithRootKey(ctx context.Context, org *models.Org, key *models.APIKey) error
	InsertAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, orgID string) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, orgID, keyID string) (string, error)
}

// Server handles the HTTP API. Stateless per request; all durable state is
// in the backend.
type Server struct {
	db      Backend
	auth    *auth.Manager
	cfg     *config.Config
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
}

// NewServer wires the handler set together.
func NewServer(db Backend, am *auth.Manager, cfg *config.Config) *Server {
	return &Server{
		db:      db,
		auth:    am,
		cfg:     cfg,
		limiter: ratelimit.New(cfg.RateLimit, time.Duration(cfg.RateWindowSeconds)*time.Second),
		metrics: metrics.New(),
	}
}

// SetupRoutes configures HTTP routes and the middleware chain.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/org/init", s.handleOrgInit)
	mux.HandleFunc("/v1/keys", s.handleKeys)
	mux.HandleFunc("/v1/keys/", s.handleKey)
	mux.HandleFunc("/v1/lessons", s.handleLessons)
	mux.HandleFunc("/v1/lessons/", s.handleLessonSubpath)

	var handler http.Handler = mux
	handler = s.requestContextMiddleware(handler)
	handler = s.bodySizeLimitMiddleware(handler)
	handler = s.rateLimitMiddleware(handler)
	return handler
}

// StartSweeper launches the rate limiter's bookkeeping loop, the server's
// only background task. Stops when ctx is done.
func (s *Server) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Duration(s.cfg.RateWindowSeconds) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.limiter.Sweep()
			}
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Middleware

// requestContextMiddleware assigns a request id, logs the request and
// records HTTP metrics.
func (s *Server) requestContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		duration := time.Since(start)

		path := r.URL.Path
		if path != "/metrics" && path != "/health" {
			s.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, routeLabel(path), fmt.Sprintf("%d", rec.status)).Inc()
			s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, routeLabel(path)).Observe(duration.Seconds())
			log.Printf("%s %s %d %.2fms request_id=%s", r.Method, path, rec.status,
				float64(duration.Microseconds())/1000, requestID)
		}
	})
}

// routeLabel collapses per-id paths so metric cardinality stays bounded.
func routeLabel(path string) string {
	for _, prefix := range []string{"/v1/lessons/", "/v1/keys/"} {
		if strings.HasPrefix(path, prefix) {
			rest := strings.TrimPrefix(path, prefix)
			switch rest {
			case "search", "export", "import":
				return path
			}
			return prefix + ":id"
		}
	}
	return path
}

func (s *Server) bodySizeLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > maxBodySize {
			writeError(w, http.StatusRequestEntityTooLarge, "request_too_large",
				fmt.Sprintf("Request body exceeds %d bytes.", maxBodySize))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware applies the per-key sliding window. Unauthenticated
// paths pass through untouched.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			key := strings.TrimPrefix(authHeader, "Bearer ")
			allowed, retryAfter := s.limiter.Allow(key)
			if !allowed {
				s.metrics.RateLimited.Inc()
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
				writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded",
					"Too many requests. Please retry later.")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// authenticate resolves the caller or writes the failure response and
// returns nil.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) *auth.Context {
	authCtx, err := s.auth.Resolve(r.Context(), r.Header.Get("Authorization"))
	if err == nil {
		return authCtx
	}

	status := http.StatusUnauthorized
	if errors.Is(err, auth.ErrMissingOrgClaim) {
		status = http.StatusForbidden
	}
	code := err.Error()
	switch {
	case errors.Is(err, auth.ErrMissingKey),
		errors.Is(err, auth.ErrInvalidKey),
		errors.Is(err, auth.ErrRevokedKey),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrMissingOrgClaim):
		// code already carries the machine name
	default:
		status = http.StatusInternalServerError
		code = "internal_error"
		log.Printf("auth resolution failed: %v", err)
	}
	writeError(w, status, code, "Authentication failed")
	return nil
}

// requireRole authenticates and enforces a minimum role.
func (s *Server) requireRole(w http.ResponseWriter, r *http.Request, role string) *auth.Context {
	authCtx := s.authenticate(w, r)
	if authCtx == nil {
		return nil
	}
	if !authCtx.AtLeast(role) {
		writeError(w, http.StatusForbidden, "insufficient_role", "Caller role does not permit this operation")
		return nil
	}
	return authCtx
}

// Helpers

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// parseJSON decodes the request body, reporting malformed JSON as 400.
func (s *Server) parseJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_json", "Request body contains invalid JSON.")
		return false
	}
	return true
}

// extractID pulls the path segment after prefix, ignoring anything deeper.
func extractID(path, prefix string) string {
	id := strings.TrimPrefix(path, prefix)
	id = strings.TrimPrefix(id, "/")
	id = strings.TrimSuffix(id, "/")
	if i := strings.Index(id, "/"); i >= 0 {
		id = id[:i]
	}
	return id
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	log.Printf("internal error: %v", err)
	writeError(w, http.StatusInternalServerError, "internal_error", "An internal server error occurred.")
}
