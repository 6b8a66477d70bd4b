package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/lore/pkg/models"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "lore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	expires := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Millisecond)
	lesson := &models.Lesson{
		ID:         "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		Problem:    "API returns 429 after burst",
		Resolution: "Back off exponentially",
		Context:    "payment worker",
		Tags:       []string{"stripe", "rate-limit"},
		Confidence: 0.9,
		Source:     "agent-7",
		Project:    "billing",
		Embedding:  []float32{0.25, -0.5, 1},
		CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
		UpdatedAt:  time.Now().UTC().Truncate(time.Millisecond),
		ExpiresAt:  &expires,
		Upvotes:    2,
		Downvotes:  1,
		Meta:       map[string]any{"origin": "ci"},
	}
	require.NoError(t, s.Save(ctx, lesson))

	got, err := s.Get(ctx, lesson.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, lesson.Problem, got.Problem)
	assert.Equal(t, lesson.Context, got.Context)
	assert.Equal(t, lesson.Tags, got.Tags)
	assert.Equal(t, lesson.Embedding, got.Embedding)
	assert.Equal(t, lesson.Upvotes, got.Upvotes)
	assert.Equal(t, "ci", got.Meta["origin"])
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(expires))
	assert.True(t, got.CreatedAt.Equal(lesson.CreatedAt))
}

func TestSQLiteGetAbsent(t *testing.T) {
	s := newTestSQLite(t)
	got, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteSaveOverwrites(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	lesson := testLesson("a", time.Now().UTC())
	require.NoError(t, s.Save(ctx, lesson))

	lesson.Resolution = "rewritten"
	require.NoError(t, s.Save(ctx, lesson))

	got, _ := s.Get(ctx, "a")
	assert.Equal(t, "rewritten", got.Resolution)
}

func TestSQLiteListOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	base := time.Now().UTC()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Save(ctx, testLesson(id, base.Add(time.Duration(i)*time.Second))))
	}

	all, err := s.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID)

	limited, err := s.List(ctx, ListOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "c", limited[0].ID)
}

func TestSQLiteUpdate(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	lesson := testLesson("a", time.Now().UTC())
	require.NoError(t, s.Save(ctx, lesson))

	lesson.Confidence = 0.75
	lesson.Tags = []string{"updated"}
	lesson.UpdatedAt = time.Now().UTC()
	ok, err := s.Update(ctx, lesson)
	require.NoError(t, err)
	assert.True(t, ok)

	got, _ := s.Get(ctx, "a")
	assert.Equal(t, 0.75, got.Confidence)
	assert.Equal(t, []string{"updated"}, got.Tags)

	ok, err = s.Update(ctx, testLesson("missing", time.Now().UTC()))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	require.NoError(t, s.Save(ctx, testLesson("a", time.Now().UTC())))

	ok, err := s.Delete(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Delete(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteVotes(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	require.NoError(t, s.Save(ctx, testLesson("a", time.Now().UTC())))

	require.NoError(t, s.Upvote(ctx, "a"))
	require.NoError(t, s.Upvote(ctx, "a"))
	require.NoError(t, s.Downvote(ctx, "a"))

	got, _ := s.Get(ctx, "a")
	assert.Equal(t, 2, got.Upvotes)
	assert.Equal(t, 1, got.Downvotes)

	err := s.Upvote(ctx, "missing")
	assert.ErrorIs(t, err, ErrLessonNotFound)
}

func TestSQLiteConcurrentVotesConverge(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	require.NoError(t, s.Save(ctx, testLesson("a", time.Now().UTC())))

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { done <- s.Upvote(ctx, "a") }()
	}
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	got, _ := s.Get(ctx, "a")
	assert.Equal(t, 2, got.Upvotes)
}

func TestSQLiteSearchFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	base := time.Now().UTC()

	match := testLesson("match", base)
	match.Project = "alpha"
	match.Tags = []string{"stripe", "rate-limit"}
	require.NoError(t, s.Save(ctx, match))

	otherProject := testLesson("other-project", base)
	otherProject.Project = "beta"
	otherProject.Tags = []string{"stripe", "rate-limit"}
	require.NoError(t, s.Save(ctx, otherProject))

	missingTag := testLesson("missing-tag", base)
	missingTag.Project = "alpha"
	missingTag.Tags = []string{"stripe"}
	require.NoError(t, s.Save(ctx, missingTag))

	expired := testLesson("expired", base)
	expired.Project = "alpha"
	expired.Tags = []string{"stripe", "rate-limit"}
	past := base.Add(-time.Minute)
	expired.ExpiresAt = &past
	require.NoError(t, s.Save(ctx, expired))

	got, err := s.Search(ctx, []float32{1, 0, 0}, SearchOptions{
		Project: "alpha",
		Tags:    []string{"stripe", "rate-limit"},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "match", got[0].Lesson.ID)
}

func TestSQLiteSearchTagNotSubstringFooled(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	// "rate" is a substring of "rate-limit" but not one of the tags.
	l := testLesson("a", time.Now().UTC())
	l.Tags = []string{"rate-limit"}
	require.NoError(t, s.Save(ctx, l))

	got, err := s.Search(ctx, []float32{1, 0, 0}, SearchOptions{Tags: []string{"rate"}})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "persist.db")

	s, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, testLesson("a", time.Now().UTC())))
	require.NoError(t, s.Close())

	s2, err := NewSQLite(path)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, got)
}
