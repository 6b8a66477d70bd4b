// Package lore composes the redactor, an embedding function, the scorer and
// a chosen store into the publish/query façade that agents use directly.
package lore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jordanhubbard/lore/internal/ids"
	"github.com/jordanhubbard/lore/internal/redact"
	"github.com/jordanhubbard/lore/internal/score"
	"github.com/jordanhubbard/lore/internal/store"
	"github.com/jordanhubbard/lore/pkg/models"
)

// EmbedFunc turns text into a fixed-dimension vector. The core never
// generates embeddings itself; callers plug in a model.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// ErrLessonNotFound is returned by vote operations on unknown ids.
var ErrLessonNotFound = store.ErrLessonNotFound

// ErrNoEmbedder is returned by Query when no embedding function was
// configured.
var ErrNoEmbedder = errors.New("lore: query requires an embedding function")

// Options configures a Lore instance.
type Options struct {
	// Project is the default namespace for publishes and the default
	// filter for list/query.
	Project string

	// DBPath points the embedded store at a file. Defaults to
	// ~/.lore/default.db when no Store and no APIURL is given.
	DBPath string

	// Store, when set, is used as-is.
	Store store.Store

	// APIURL and APIKey select the remote store.
	APIURL string
	APIKey string

	// RemoteTimeout overrides the remote store's per-call deadline.
	RemoteTimeout time.Duration

	// Embed is the pluggable embedding function.
	Embed EmbedFunc

	// DisableRedaction turns the scrubber off entirely. Redaction is on by
	// default.
	DisableRedaction bool

	// RedactPatterns adds custom patterns on top of the built-in layers.
	RedactPatterns []redact.Pattern

	// HalfLifeDays overrides the default 30-day decay half-life.
	HalfLifeDays float64
}

// Lore is the façade over one store. Safe for concurrent use; do not reuse
// after Close.
type Lore struct {
	project  string
	store    store.Store
	embed    EmbedFunc
	redactor *redact.Pipeline
	halfLife float64
}

// New builds a Lore instance from opts. Store precedence: explicit Store,
// then remote (APIURL+APIKey), then the embedded database.
func New(opts Options) (*Lore, error) {
	l := &Lore{
		project:  opts.Project,
		embed:    opts.Embed,
		halfLife: opts.HalfLifeDays,
	}
	if l.halfLife <= 0 {
		l.halfLife = score.DefaultHalfLifeDays
	}

	if !opts.DisableRedaction {
		r, err := redact.New(opts.RedactPatterns...)
		if err != nil {
			return nil, err
		}
		l.redactor = r
	}

	switch {
	case opts.Store != nil:
		l.store = opts.Store
	case opts.APIURL != "":
		if opts.APIKey == "" {
			return nil, errors.New("lore: api key is required for the remote store")
		}
		l.store = store.NewRemote(opts.APIURL, opts.APIKey, opts.RemoteTimeout)
	default:
		path := opts.DBPath
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("lore: cannot resolve home directory: %w", err)
			}
			path = filepath.Join(home, ".lore", "default.db")
		}
		s, err := store.NewSQLite(path)
		if err != nil {
			return nil, err
		}
		l.store = s
	}

	return l, nil
}

// Close releases the underlying store.
func (l *Lore) Close() error {
	return l.store.Close()
}

// PublishInput carries one lesson to publish. Confidence defaults to 0.5
// when nil.
type PublishInput struct {
	Problem    string
	Resolution string
	Context    string
	Tags       []string
	Confidence *float64
	Source     string
	Project    string
	ExpiresAt  *time.Time
	Meta       map[string]any
}

// Publish validates, redacts, embeds and stores a lesson. Returns the new
// lesson's id.
func (l *Lore) Publish(ctx context.Context, in PublishInput) (string, error) {
	if in.Problem == "" {
		return "", errors.New("lore: problem must not be empty")
	}
	if in.Resolution == "" {
		return "", errors.New("lore: resolution must not be empty")
	}
	confidence := 0.5
	if in.Confidence != nil {
		confidence = *in.Confidence
	}
	if confidence < 0 || confidence > 1 {
		return "", fmt.Errorf("lore: confidence must be between 0.0 and 1.0, got %g", confidence)
	}

	problem, resolution, lessonCtx := in.Problem, in.Resolution, in.Context
	if l.redactor != nil {
		problem = l.redactor.Run(problem)
		resolution = l.redactor.Run(resolution)
		if lessonCtx != "" {
			lessonCtx = l.redactor.Run(lessonCtx)
		}
	}

	var embedding []float32
	if l.embed != nil {
		vec, err := l.embed(ctx, embedText(problem, resolution, lessonCtx))
		if err != nil {
			return "", fmt.Errorf("lore: embedding failed: %w", err)
		}
		embedding = vec
	}

	project := in.Project
	if project == "" {
		project = l.project
	}

	now := time.Now().UTC()
	lesson := &models.Lesson{
		ID:         ids.New(),
		Problem:    problem,
		Resolution: resolution,
		Context:    lessonCtx,
		Tags:       dedupTags(in.Tags),
		Confidence: confidence,
		Source:     in.Source,
		Project:    project,
		Embedding:  embedding,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  in.ExpiresAt,
		Meta:       in.Meta,
	}

	if err := l.store.Save(ctx, lesson); err != nil {
		return "", err
	}
	return lesson.ID, nil
}

// QueryOptions narrows a query. Tags filter is all-of; MinConfidence
// applies to raw confidence.
type QueryOptions struct {
	Tags          []string
	Limit         int
	MinConfidence float64
}

// Query embeds text and returns the top-scoring lessons. An empty result
// is not an error.
func (l *Lore) Query(ctx context.Context, text string, opts QueryOptions) ([]models.ScoredLesson, error) {
	if l.embed == nil {
		return nil, ErrNoEmbedder
	}
	queryVec, err := l.embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("lore: embedding failed: %w", err)
	}

	return l.store.Search(ctx, queryVec, store.SearchOptions{
		Tags:          opts.Tags,
		Project:       l.project,
		Limit:         opts.Limit,
		MinConfidence: opts.MinConfidence,
		HalfLifeDays:  l.halfLife,
	})
}

// Upvote increments a lesson's upvote counter by one.
func (l *Lore) Upvote(ctx context.Context, id string) error {
	return l.vote(ctx, id, true)
}

// Downvote increments a lesson's downvote counter by one.
func (l *Lore) Downvote(ctx context.Context, id string) error {
	return l.vote(ctx, id, false)
}

// vote prefers a store-level atomic increment; local stores without one
// fall back to fetch-modify-save.
func (l *Lore) vote(ctx context.Context, id string, up bool) error {
	if v, ok := l.store.(store.Voter); ok {
		if up {
			return v.Upvote(ctx, id)
		}
		return v.Downvote(ctx, id)
	}

	lesson, err := l.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if lesson == nil {
		return store.NotFoundError(id)
	}
	if up {
		lesson.Upvotes++
	} else {
		lesson.Downvotes++
	}
	lesson.UpdatedAt = time.Now().UTC()

	ok, err := l.store.Update(ctx, lesson)
	if err != nil {
		return err
	}
	if !ok {
		return store.NotFoundError(id)
	}
	return nil
}

// Get returns a lesson by id, or nil when absent.
func (l *Lore) Get(ctx context.Context, id string) (*models.Lesson, error) {
	return l.store.Get(ctx, id)
}

// List returns lessons newest first. An empty project falls back to the
// instance default.
func (l *Lore) List(ctx context.Context, project string, limit int) ([]*models.Lesson, error) {
	if project == "" {
		project = l.project
	}
	return l.store.List(ctx, store.ListOptions{Project: project, Limit: limit})
}

// Delete removes a lesson and reports whether it existed.
func (l *Lore) Delete(ctx context.Context, id string) (bool, error) {
	return l.store.Delete(ctx, id)
}

func embedText(problem, resolution, context string) string {
	text := problem + " " + resolution
	if context != "" {
		text += " " + context
	}
	return text
}

// dedupTags coalesces duplicates while keeping first-seen order.
func dedupTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
