package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jordanhubbard/lore/pkg/models"
)

// DefaultRemoteTimeout bounds each HTTP call unless the caller's context
// expires first.
const DefaultRemoteTimeout = 30 * time.Second

// Remote translates every store operation into exactly one HTTP call
// against a tenant-scoped lore server. It holds no per-call state beyond
// the shared connection pool and the immutable API key.
type Remote struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewRemote builds a client for the server at apiURL. A zero timeout means
// the default of 30 seconds.
func NewRemote(apiURL, apiKey string, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = DefaultRemoteTimeout
	}
	return &Remote{
		baseURL: strings.TrimRight(apiURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// remoteScored is the wire shape of a search hit: lesson fields flattened
// with the server-computed score alongside.
type remoteScored struct {
	models.Lesson
	Score float64 `json:"score"`
}

type remoteListResponse struct {
	Lessons []*models.Lesson `json:"lessons"`
	Total   int              `json:"total"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
}

type remoteErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (r *Remote) Save(ctx context.Context, lesson *models.Lesson) error {
	var resp struct {
		ID string `json:"id"`
	}
	return r.request(ctx, http.MethodPost, "/v1/lessons", lesson, &resp)
}

func (r *Remote) Get(ctx context.Context, id string) (*models.Lesson, error) {
	var lesson models.Lesson
	err := r.request(ctx, http.MethodGet, "/v1/lessons/"+url.PathEscape(id), nil, &lesson)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lesson, nil
}

func (r *Remote) List(ctx context.Context, opts ListOptions) ([]*models.Lesson, error) {
	params := url.Values{}
	if opts.Project != "" {
		params.Set("project", opts.Project)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}
	path := "/v1/lessons"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var resp remoteListResponse
	if err := r.request(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Lessons, nil
}

func (r *Remote) Update(ctx context.Context, lesson *models.Lesson) (bool, error) {
	payload := map[string]any{
		"confidence": lesson.Confidence,
		"tags":       lesson.Tags,
		"upvotes":    lesson.Upvotes,
		"downvotes":  lesson.Downvotes,
	}
	if lesson.Meta != nil {
		payload["meta"] = lesson.Meta
	}
	err := r.request(ctx, http.MethodPatch, "/v1/lessons/"+url.PathEscape(lesson.ID), payload, nil)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *Remote) Delete(ctx context.Context, id string) (bool, error) {
	err := r.request(ctx, http.MethodDelete, "/v1/lessons/"+url.PathEscape(id), nil, nil)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *Remote) Search(ctx context.Context, query []float32, opts SearchOptions) ([]models.ScoredLesson, error) {
	payload := map[string]any{
		"embedding":      query,
		"limit":          opts.Limit,
		"min_confidence": opts.MinConfidence,
	}
	if payload["limit"] == 0 {
		payload["limit"] = DefaultSearchLimit
	}
	if len(opts.Tags) > 0 {
		payload["tags"] = opts.Tags
	}
	if opts.Project != "" {
		payload["project"] = opts.Project
	}

	var resp struct {
		Lessons []remoteScored `json:"lessons"`
	}
	if err := r.request(ctx, http.MethodPost, "/v1/lessons/search", payload, &resp); err != nil {
		return nil, err
	}

	out := make([]models.ScoredLesson, 0, len(resp.Lessons))
	for i := range resp.Lessons {
		lesson := resp.Lessons[i].Lesson
		out = append(out, models.ScoredLesson{Lesson: &lesson, Score: resp.Lessons[i].Score})
	}
	return out, nil
}

// Upvote issues the atomic increment sentinel. The server advances the
// counter in one statement; 404 surfaces as the typed not-found error.
func (r *Remote) Upvote(ctx context.Context, id string) error {
	return r.voteSentinel(ctx, id, "upvotes")
}

// Downvote issues the atomic decrement-counter sentinel.
func (r *Remote) Downvote(ctx context.Context, id string) error {
	return r.voteSentinel(ctx, id, "downvotes")
}

func (r *Remote) voteSentinel(ctx context.Context, id, field string) error {
	payload := map[string]any{field: "+1"}
	err := r.request(ctx, http.MethodPatch, "/v1/lessons/"+url.PathEscape(id), payload, nil)
	if isNotFound(err) {
		return NotFoundError(id)
	}
	return err
}

// Export fetches every accessible lesson, embeddings included.
func (r *Remote) Export(ctx context.Context) ([]*models.Lesson, error) {
	var resp struct {
		Lessons []*models.Lesson `json:"lessons"`
	}
	if err := r.request(ctx, http.MethodPost, "/v1/lessons/export", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Lessons, nil
}

// Import upserts lessons by id and returns the server's inserted count.
func (r *Remote) Import(ctx context.Context, lessons []*models.Lesson) (int, error) {
	payload := map[string]any{"lessons": lessons}
	var resp struct {
		Imported int `json:"imported"`
	}
	if err := r.request(ctx, http.MethodPost, "/v1/lessons/import", payload, &resp); err != nil {
		return 0, err
	}
	return resp.Imported, nil
}

func (r *Remote) Close() error {
	r.client.CloseIdleConnections()
	return nil
}

// statusError carries a non-2xx response that is neither auth, rate-limit
// nor not-found.
type statusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("server returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

func isNotFound(err error) bool {
	se, ok := err.(*statusError)
	return ok && se.StatusCode == http.StatusNotFound
}

// request performs one HTTP call. Mutating requests are never retried here;
// a timeout or network failure leaves their outcome indeterminate.
func (r *Remote) request(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return &ConnectionError{URL: r.baseURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		msg := readErrorMessage(resp.Body)
		return &AuthError{StatusCode: resp.StatusCode, Message: msg}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		if retryAfter <= 0 {
			retryAfter = 1
		}
		return &RateLimitError{RetryAfter: retryAfter}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb remoteErrorBody
		data, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(data, &eb)
		return &statusError{StatusCode: resp.StatusCode, Code: eb.Error, Message: eb.Message}
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func readErrorMessage(body io.Reader) string {
	var eb remoteErrorBody
	data, _ := io.ReadAll(body)
	if json.Unmarshal(data, &eb) == nil && eb.Message != "" {
		return eb.Message
	}
	return strings.TrimSpace(string(data))
}
