package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/jordanhubbard/lore/internal/auth"
	"github.com/jordanhubbard/lore/internal/database"
	"github.com/jordanhubbard/lore/internal/ids"
	"github.com/jordanhubbard/lore/pkg/models"
)

type lessonCreateRequest struct {
	ID         string         `json:"id,omitempty"`
	Problem    string         `json:"problem"`
	Resolution string         `json:"resolution"`
	Context    string         `json:"context,omitempty"`
	Tags       []string       `json:"tags"`
	Confidence *float64       `json:"confidence"`
	Source     string         `json:"source,omitempty"`
	Project    string         `json:"project,omitempty"`
	Embedding  []float32      `json:"embedding,omitempty"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

type lessonUpdateRequest struct {
	Confidence *float64        `json:"confidence"`
	Tags       *[]string       `json:"tags"`
	Upvotes    json.RawMessage `json:"upvotes"`
	Downvotes  json.RawMessage `json:"downvotes"`
	Meta       *map[string]any `json:"meta"`
}

type lessonSearchRequest struct {
	Embedding     []float32 `json:"embedding"`
	Tags          []string  `json:"tags,omitempty"`
	Project       string    `json:"project,omitempty"`
	Limit         int       `json:"limit"`
	MinConfidence float64   `json:"min_confidence"`
}

// scoredLessonResponse flattens lesson fields with the score alongside.
type scoredLessonResponse struct {
	models.Lesson
	Score float64 `json:"score"`
}

type lessonListResponse struct {
	Lessons []*models.Lesson `json:"lessons"`
	Total   int              `json:"total"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
}

// handleLessons handles GET (list) and POST (create) on /v1/lessons.
func (s *Server) handleLessons(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListLessons(w, r)
	case http.MethodPost:
		s.handleCreateLesson(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
	}
}

// handleLessonSubpath routes /v1/lessons/{id} and the search/export/import
// verbs.
func (s *Server) handleLessonSubpath(w http.ResponseWriter, r *http.Request) {
	switch extractID(r.URL.Path, "/v1/lessons") {
	case "search":
		s.handleSearchLessons(w, r)
	case "export":
		s.handleExportLessons(w, r)
	case "import":
		s.handleImportLessons(w, r)
	default:
		s.handleLesson(w, r)
	}
}

func (s *Server) handleCreateLesson(w http.ResponseWriter, r *http.Request) {
	authCtx := s.requireRole(w, r, auth.RoleWriter)
	if authCtx == nil {
		return
	}

	var req lessonCreateRequest
	if !s.parseJSON(w, r, &req) {
		return
	}
	if req.Problem == "" || req.Resolution == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error",
			"problem and resolution must not be empty")
		return
	}
	confidence := 0.5
	if req.Confidence != nil {
		confidence = *req.Confidence
	}
	if confidence < 0 || confidence > 1 {
		writeError(w, http.StatusUnprocessableEntity, "validation_error",
			fmt.Sprintf("confidence must be between 0.0 and 1.0, got %g", confidence))
		return
	}
	if len(req.Embedding) > 0 && len(req.Embedding) != EmbeddingDim {
		writeError(w, http.StatusUnprocessableEntity, "validation_error",
			fmt.Sprintf("embedding must be %d dimensions, got %d", EmbeddingDim, len(req.Embedding)))
		return
	}

	// Project-scoped keys write into their project regardless of the body.
	project := req.Project
	if authCtx.Project != "" {
		project = authCtx.Project
	}

	id := req.ID
	if id == "" {
		id = ids.New()
	}
	now := time.Now().UTC()
	lesson := &models.Lesson{
		ID:         id,
		Problem:    req.Problem,
		Resolution: req.Resolution,
		Context:    req.Context,
		Tags:       req.Tags,
		Confidence: confidence,
		Source:     req.Source,
		Project:    project,
		Embedding:  req.Embedding,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  req.ExpiresAt,
		Meta:       req.Meta,
	}

	if err := s.db.InsertLesson(r.Context(), authCtx.OrgID, lesson); err != nil {
		s.internalError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleLesson(w http.ResponseWriter, r *http.Request) {
	id := extractID(r.URL.Path, "/v1/lessons")
	if id == "" {
		writeError(w, http.StatusNotFound, "not_found", "Lesson not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGetLesson(w, r, id)
	case http.MethodPatch:
		s.handleUpdateLesson(w, r, id)
	case http.MethodDelete:
		s.handleDeleteLesson(w, r, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
	}
}

func (s *Server) handleGetLesson(w http.ResponseWriter, r *http.Request, id string) {
	authCtx := s.authenticate(w, r)
	if authCtx == nil {
		return
	}

	lesson, err := s.db.GetLesson(r.Context(), authCtx.OrgID, authCtx.Project, id)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if lesson == nil {
		// Out-of-scope reads as absent: 404, never 403.
		writeError(w, http.StatusNotFound, "not_found", "Lesson not found")
		return
	}
	lesson.Embedding = nil
	s.respondJSON(w, http.StatusOK, lesson)
}

func (s *Server) handleUpdateLesson(w http.ResponseWriter, r *http.Request, id string) {
	authCtx := s.requireRole(w, r, auth.RoleWriter)
	if authCtx == nil {
		return
	}

	var req lessonUpdateRequest
	if !s.parseJSON(w, r, &req) {
		return
	}

	params := database.UpdateParams{}
	if req.Confidence != nil {
		if *req.Confidence < 0 || *req.Confidence > 1 {
			writeError(w, http.StatusUnprocessableEntity, "validation_error",
				"confidence must be between 0.0 and 1.0")
			return
		}
		params.Confidence = req.Confidence
	}
	if req.Tags != nil {
		params.Tags = *req.Tags
		params.TagsSet = true
	}
	if req.Meta != nil {
		params.Meta = *req.Meta
		params.MetaSet = true
	}

	var ok bool
	if params.UpvoteDelta, params.Upvotes, ok = parseVoteField(w, req.Upvotes, "upvotes"); !ok {
		return
	}
	if params.DownvoteDelta, params.Downvotes, ok = parseVoteField(w, req.Downvotes, "downvotes"); !ok {
		return
	}

	if params.Empty() {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "No fields to update")
		return
	}

	lesson, err := s.db.UpdateLesson(r.Context(), authCtx.OrgID, authCtx.Project, id, params)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if lesson == nil {
		writeError(w, http.StatusNotFound, "not_found", "Lesson not found")
		return
	}
	lesson.Embedding = nil
	s.respondJSON(w, http.StatusOK, lesson)
}

// parseVoteField accepts the "+1"/"-1" sentinels for atomic increments or
// a bare integer for an absolute write. Reports 422 for anything else.
func parseVoteField(w http.ResponseWriter, raw json.RawMessage, field string) (delta int, absolute *int, ok bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil, true
	}

	var sentinel string
	if err := json.Unmarshal(raw, &sentinel); err == nil {
		switch sentinel {
		case "+1":
			return 1, nil, true
		case "-1":
			return -1, nil, true
		default:
			writeError(w, http.StatusUnprocessableEntity, "validation_error",
				fmt.Sprintf("%s string must be '+1' or '-1'", field))
			return 0, nil, false
		}
	}

	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		if n < 0 {
			writeError(w, http.StatusUnprocessableEntity, "validation_error",
				fmt.Sprintf("%s must not be negative", field))
			return 0, nil, false
		}
		return 0, &n, true
	}

	writeError(w, http.StatusUnprocessableEntity, "validation_error",
		fmt.Sprintf("%s must be an integer or a '+1' sentinel", field))
	return 0, nil, false
}

func (s *Server) handleDeleteLesson(w http.ResponseWriter, r *http.Request, id string) {
	authCtx := s.requireRole(w, r, auth.RoleWriter)
	if authCtx == nil {
		return
	}

	deleted, err := s.db.DeleteLesson(r.Context(), authCtx.OrgID, authCtx.Project, id)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "not_found", "Lesson not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListLessons(w http.ResponseWriter, r *http.Request) {
	authCtx := s.authenticate(w, r)
	if authCtx == nil {
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > database.MaxListLimit {
			writeError(w, http.StatusUnprocessableEntity, "validation_error",
				fmt.Sprintf("limit must be between 1 and %d", database.MaxListLimit))
			return
		}
		limit = n
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusUnprocessableEntity, "validation_error", "offset must not be negative")
			return
		}
		offset = n
	}

	project := r.URL.Query().Get("project")
	if authCtx.Project != "" {
		project = authCtx.Project
	}

	lessons, total, err := s.db.ListLessons(r.Context(), authCtx.OrgID, project, limit, offset)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if lessons == nil {
		lessons = []*models.Lesson{}
	}
	for _, l := range lessons {
		l.Embedding = nil
	}
	s.respondJSON(w, http.StatusOK, lessonListResponse{
		Lessons: lessons,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

func (s *Server) handleSearchLessons(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}
	authCtx := s.authenticate(w, r)
	if authCtx == nil {
		return
	}

	var req lessonSearchRequest
	if !s.parseJSON(w, r, &req) {
		return
	}
	if len(req.Embedding) != EmbeddingDim {
		writeError(w, http.StatusUnprocessableEntity, "validation_error",
			fmt.Sprintf("embedding must be %d dimensions, got %d", EmbeddingDim, len(req.Embedding)))
		return
	}
	if req.Limit < 0 || req.Limit > database.MaxSearchLimit {
		writeError(w, http.StatusUnprocessableEntity, "validation_error",
			fmt.Sprintf("limit must be between 1 and %d", database.MaxSearchLimit))
		return
	}
	if req.MinConfidence < 0 || req.MinConfidence > 1 {
		writeError(w, http.StatusUnprocessableEntity, "validation_error",
			"min_confidence must be between 0.0 and 1.0")
		return
	}

	project := req.Project
	if authCtx.Project != "" {
		project = authCtx.Project
	}

	results, err := s.db.SearchLessons(r.Context(), authCtx.OrgID, req.Embedding, database.SearchParams{
		Project:       project,
		Tags:          req.Tags,
		Limit:         req.Limit,
		MinConfidence: req.MinConfidence,
	})
	if err != nil {
		s.internalError(w, err)
		return
	}

	out := make([]scoredLessonResponse, 0, len(results))
	for _, res := range results {
		lesson := *res.Lesson
		lesson.Embedding = nil
		out = append(out, scoredLessonResponse{Lesson: lesson, Score: res.Score})
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"lessons": out})
}

func (s *Server) handleExportLessons(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}
	authCtx := s.authenticate(w, r)
	if authCtx == nil {
		return
	}

	lessons, err := s.db.ExportLessons(r.Context(), authCtx.OrgID, authCtx.Project)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if lessons == nil {
		lessons = []*models.Lesson{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"lessons": lessons})
}

func (s *Server) handleImportLessons(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}
	authCtx := s.requireRole(w, r, auth.RoleWriter)
	if authCtx == nil {
		return
	}

	var req struct {
		Lessons []*models.Lesson `json:"lessons"`
	}
	if !s.parseJSON(w, r, &req) {
		return
	}

	now := time.Now().UTC()
	for _, lesson := range req.Lessons {
		if lesson.Problem == "" || lesson.Resolution == "" {
			writeError(w, http.StatusUnprocessableEntity, "validation_error",
				"every lesson needs a problem and a resolution")
			return
		}
		if len(lesson.Embedding) > 0 && len(lesson.Embedding) != EmbeddingDim {
			writeError(w, http.StatusUnprocessableEntity, "validation_error",
				fmt.Sprintf("embedding must be %d dimensions, got %d", EmbeddingDim, len(lesson.Embedding)))
			return
		}
		if lesson.ID == "" {
			lesson.ID = ids.New()
		}
		if authCtx.Project != "" {
			lesson.Project = authCtx.Project
		}
		if lesson.CreatedAt.IsZero() {
			lesson.CreatedAt = now
		}
		lesson.UpdatedAt = now
	}

	imported, err := s.db.ImportLessons(r.Context(), authCtx.OrgID, req.Lessons)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]int{"imported": imported})
}
