// Package store defines the lesson persistence capability and its three
// client-side implementations: in-memory, embedded SQLite, and the remote
// HTTP client. All variants share one contract; they differ only in how
// they persist.
package store

import (
	"context"
	"sort"
	"time"

	"github.com/jordanhubbard/lore/internal/score"
	"github.com/jordanhubbard/lore/pkg/models"
)

// ListOptions filters and bounds List results.
type ListOptions struct {
	// Project restricts results to one namespace. Empty matches everything.
	Project string
	// Limit caps the number of results after ordering. Zero means no cap.
	Limit int
}

// SearchOptions filters hybrid retrieval.
type SearchOptions struct {
	// Tags a lesson must carry all of. Empty matches everything.
	Tags []string
	// Project restricts candidates to one namespace.
	Project string
	// Limit caps results. Zero means the default of 5.
	Limit int
	// MinConfidence excludes lessons below the threshold. Applies to raw
	// confidence, before decay.
	MinConfidence float64
	// HalfLifeDays tunes time decay for stores that score locally.
	// Zero means the default of 30.
	HalfLifeDays float64
}

// DefaultSearchLimit is used when SearchOptions.Limit is zero.
const DefaultSearchLimit = 5

// Store is the capability set over lesson persistence.
type Store interface {
	// Save inserts or overwrites a lesson by id. Persistent stores are
	// durable before Save returns.
	Save(ctx context.Context, lesson *models.Lesson) error

	// Get returns the lesson or nil when absent.
	Get(ctx context.Context, id string) (*models.Lesson, error)

	// List returns lessons ordered by created_at descending.
	List(ctx context.Context, opts ListOptions) ([]*models.Lesson, error)

	// Update rewrites the mutable fields (confidence, tags, votes, meta,
	// expiry, updated_at) and reports false for unknown ids.
	Update(ctx context.Context, lesson *models.Lesson) (bool, error)

	// Delete removes a lesson and reports whether it existed.
	Delete(ctx context.Context, id string) (bool, error)

	// Search runs hybrid retrieval: filter by the options, rank by score
	// descending with ties broken by created_at then id, both descending.
	// Expired lessons never surface.
	Search(ctx context.Context, query []float32, opts SearchOptions) ([]models.ScoredLesson, error)

	// Close releases backing resources. Idempotent.
	Close() error
}

// Voter is implemented by stores that can increment vote counters
// atomically on their own. The façade prefers it over fetch-modify-save.
type Voter interface {
	Upvote(ctx context.Context, id string) error
	Downvote(ctx context.Context, id string) error
}

// rank scores candidates against the query vector and returns the top
// results in contract order. Candidates without an embedding are skipped.
func rank(candidates []*models.Lesson, query []float32, opts SearchOptions, now time.Time) []models.ScoredLesson {
	halfLife := opts.HalfLifeDays
	if halfLife <= 0 {
		halfLife = score.DefaultHalfLifeDays
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	scored := make([]models.ScoredLesson, 0, len(candidates))
	for _, l := range candidates {
		if len(l.Embedding) == 0 {
			continue
		}
		ageDays := now.Sub(l.CreatedAt).Hours() / 24
		cos := score.Cosine(query, l.Embedding)
		s := score.Final(cos, l.Confidence, ageDays, l.Upvotes, l.Downvotes, halfLife)
		scored = append(scored, models.ScoredLesson{Lesson: l, Score: s})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if !scored[i].Lesson.CreatedAt.Equal(scored[j].Lesson.CreatedAt) {
			return scored[i].Lesson.CreatedAt.After(scored[j].Lesson.CreatedAt)
		}
		return scored[i].Lesson.ID > scored[j].Lesson.ID
	})

	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

// matches applies the shared candidate filter: project scope, expiry,
// minimum raw confidence and the all-of tag predicate.
func matches(l *models.Lesson, opts SearchOptions, now time.Time) bool {
	if opts.Project != "" && l.Project != opts.Project {
		return false
	}
	if l.Expired(now) {
		return false
	}
	if l.Confidence < opts.MinConfidence {
		return false
	}
	return l.HasTags(opts.Tags)
}
