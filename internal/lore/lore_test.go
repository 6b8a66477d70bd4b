package lore

import (
	"context"
	"hash/fnv"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/lore/internal/redact"
	"github.com/jordanhubbard/lore/internal/store"
	"github.com/jordanhubbard/lore/pkg/models"
)

const testDim = 32

// hashEmbed is a deterministic bag-of-words embedding: each token lands in
// a hashed bucket, so texts sharing words have positive similarity. Good
// enough to exercise ranking without a model.
func hashEmbed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, testDim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[h.Sum32()%testDim]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

func newMemoryLore(t *testing.T, opts Options) *Lore {
	t.Helper()
	opts.Store = store.NewMemory()
	opts.Embed = hashEmbed
	l, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func floatPtr(f float64) *float64 { return &f }

func TestPublishValidation(t *testing.T) {
	ctx := context.Background()
	l := newMemoryLore(t, Options{})

	_, err := l.Publish(ctx, PublishInput{Resolution: "r"})
	assert.Error(t, err)

	_, err = l.Publish(ctx, PublishInput{Problem: "p"})
	assert.Error(t, err)

	_, err = l.Publish(ctx, PublishInput{Problem: "p", Resolution: "r", Confidence: floatPtr(1.5)})
	assert.Error(t, err)

	_, err = l.Publish(ctx, PublishInput{Problem: "p", Resolution: "r", Confidence: floatPtr(-0.1)})
	assert.Error(t, err)
}

func TestPublishDefaults(t *testing.T) {
	ctx := context.Background()
	l := newMemoryLore(t, Options{Project: "proj"})

	id, err := l.Publish(ctx, PublishInput{Problem: "p", Resolution: "r"})
	require.NoError(t, err)

	lesson, err := l.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, lesson)
	assert.Equal(t, 0.5, lesson.Confidence)
	assert.Equal(t, "proj", lesson.Project)
	assert.Len(t, lesson.Embedding, testDim)
	assert.True(t, lesson.CreatedAt.Equal(lesson.UpdatedAt))
}

func TestPublishCoalescesTags(t *testing.T) {
	ctx := context.Background()
	l := newMemoryLore(t, Options{})

	id, err := l.Publish(ctx, PublishInput{
		Problem: "p", Resolution: "r",
		Tags: []string{"go", "go", "sql", "go"},
	})
	require.NoError(t, err)

	lesson, _ := l.Get(ctx, id)
	assert.Equal(t, []string{"go", "sql"}, lesson.Tags)
}

func TestMonotonicIDs(t *testing.T) {
	ctx := context.Background()
	l := newMemoryLore(t, Options{})

	first, err := l.Publish(ctx, PublishInput{Problem: "p1", Resolution: "r1"})
	require.NoError(t, err)
	second, err := l.Publish(ctx, PublishInput{Problem: "p2", Resolution: "r2"})
	require.NoError(t, err)

	assert.Less(t, first, second)
}

func TestRedactionOnPublish(t *testing.T) {
	ctx := context.Background()
	l := newMemoryLore(t, Options{})

	id, err := l.Publish(ctx, PublishInput{
		Problem:    "Auth failed with key sk-abc123def456ghi789jkl012mno",
		Resolution: "Rotate the key",
	})
	require.NoError(t, err)

	lesson, _ := l.Get(ctx, id)
	assert.Equal(t, "Auth failed with key [REDACTED:api_key]", lesson.Problem)
}

func TestCustomRedactionPattern(t *testing.T) {
	ctx := context.Background()
	l := newMemoryLore(t, Options{
		RedactPatterns: []redact.Pattern{{Regex: `ACCT-\d{8}`, Label: "account_id"}},
	})

	id, err := l.Publish(ctx, PublishInput{
		Problem:    "account ACCT-12345678 has error",
		Resolution: "retry",
	})
	require.NoError(t, err)

	lesson, _ := l.Get(ctx, id)
	assert.Contains(t, lesson.Problem, "[REDACTED:account_id]")
	assert.NotContains(t, lesson.Problem, "12345678")
}

func TestRedactionDisabled(t *testing.T) {
	ctx := context.Background()
	l := newMemoryLore(t, Options{DisableRedaction: true})

	id, err := l.Publish(ctx, PublishInput{
		Problem:    "mail user@example.com",
		Resolution: "r",
	})
	require.NoError(t, err)

	lesson, _ := l.Get(ctx, id)
	assert.Equal(t, "mail user@example.com", lesson.Problem)
}

func TestQueryRanksRelevantFirst(t *testing.T) {
	ctx := context.Background()
	l := newMemoryLore(t, Options{})

	_, err := l.Publish(ctx, PublishInput{
		Problem:    "Stripe API returns 429 after 100 req/min",
		Resolution: "Exponential backoff starting at 1s, cap at 32s",
		Tags:       []string{"stripe", "rate-limit"},
		Confidence: floatPtr(0.9),
	})
	require.NoError(t, err)
	_, err = l.Publish(ctx, PublishInput{
		Problem:    "Database migration drops index",
		Resolution: "Recreate concurrently",
		Confidence: floatPtr(0.9),
	})
	require.NoError(t, err)

	results, err := l.Query(ctx, "stripe rate limiting returns 429", QueryOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Contains(t, results[0].Lesson.Problem, "Stripe")
	assert.Greater(t, results[0].Score, 0.0)
}

func TestQueryWithoutEmbedderFails(t *testing.T) {
	l, err := New(Options{Store: store.NewMemory()})
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Query(context.Background(), "anything", QueryOptions{})
	assert.ErrorIs(t, err, ErrNoEmbedder)
}

func TestQueryZeroResultsIsNotAnError(t *testing.T) {
	l := newMemoryLore(t, Options{})
	results, err := l.Query(context.Background(), "anything", QueryOptions{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestQueryScoresNonIncreasing(t *testing.T) {
	ctx := context.Background()
	l := newMemoryLore(t, Options{})

	for _, p := range []string{
		"stripe rate limit exceeded",
		"stripe webhook timeout",
		"kafka consumer lag",
		"redis connection reset",
	} {
		_, err := l.Publish(ctx, PublishInput{Problem: p, Resolution: "fix it"})
		require.NoError(t, err)
	}

	results, err := l.Query(ctx, "stripe rate limit", QueryOptions{Limit: 10})
	require.NoError(t, err)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
}

func TestVoteWeightedRanking(t *testing.T) {
	ctx := context.Background()
	l := newMemoryLore(t, Options{})

	first, err := l.Publish(ctx, PublishInput{
		Problem: "flaky integration test", Resolution: "pin the clock",
		Confidence: floatPtr(0.5),
	})
	require.NoError(t, err)
	second, err := l.Publish(ctx, PublishInput{
		Problem: "flaky integration test", Resolution: "pin the clock",
		Confidence: floatPtr(0.5),
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Upvote(ctx, first))
	}

	results, err := l.Query(ctx, "flaky integration test", QueryOptions{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, first, results[0].Lesson.ID)
	assert.Equal(t, second, results[1].Lesson.ID)
	assert.GreaterOrEqual(t, results[0].Score, 1.49*results[1].Score)
}

func TestExpiredLessonsExcluded(t *testing.T) {
	ctx := context.Background()
	l := newMemoryLore(t, Options{})

	past := time.Now().UTC().Add(-time.Minute)
	_, err := l.Publish(ctx, PublishInput{
		Problem: "old news", Resolution: "ignore",
		ExpiresAt: &past,
	})
	require.NoError(t, err)

	results, err := l.Query(ctx, "old news", QueryOptions{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestVoteOnMissingLesson(t *testing.T) {
	l := newMemoryLore(t, Options{})
	err := l.Upvote(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrLessonNotFound)

	err = l.Downvote(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrLessonNotFound)
}

func TestVoteTouchesUpdatedAt(t *testing.T) {
	ctx := context.Background()
	l := newMemoryLore(t, Options{})

	id, err := l.Publish(ctx, PublishInput{Problem: "p", Resolution: "r"})
	require.NoError(t, err)

	before, _ := l.Get(ctx, id)
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, l.Upvote(ctx, id))

	after, _ := l.Get(ctx, id)
	assert.Equal(t, 1, after.Upvotes)
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt))
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newMemoryLore(t, Options{})

	for _, p := range []string{"first", "second", "third"} {
		_, err := src.Publish(ctx, PublishInput{Problem: p, Resolution: "r"})
		require.NoError(t, err)
	}

	exported, err := src.Export(ctx)
	require.NoError(t, err)
	require.Len(t, exported, 3)
	for _, l := range exported {
		assert.NotEmpty(t, l.Embedding)
	}

	dst := newMemoryLore(t, Options{})
	n, err := dst.Import(ctx, exported)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Importing again skips every existing id.
	n, err = dst.Import(ctx, exported)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestExportImportFile(t *testing.T) {
	ctx := context.Background()
	src := newMemoryLore(t, Options{})

	_, err := src.Publish(ctx, PublishInput{Problem: "p", Resolution: "r"})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "export.json")
	_, err = src.ExportToFile(ctx, path)
	require.NoError(t, err)

	dst := newMemoryLore(t, Options{})
	n, err := dst.ImportFromFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLoreOverSQLite(t *testing.T) {
	ctx := context.Background()
	l, err := New(Options{
		DBPath: filepath.Join(t.TempDir(), "lore.db"),
		Embed:  hashEmbed,
	})
	require.NoError(t, err)
	defer l.Close()

	id, err := l.Publish(ctx, PublishInput{
		Problem:    "connection pool exhausted",
		Resolution: "raise max_open_conns",
		Tags:       []string{"postgres"},
	})
	require.NoError(t, err)

	results, err := l.Query(ctx, "connection pool exhausted", QueryOptions{Tags: []string{"postgres"}})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, id, results[0].Lesson.ID)

	// SQLite votes go through the transactional increment path.
	require.NoError(t, l.Upvote(ctx, id))
	lesson, _ := l.Get(ctx, id)
	assert.Equal(t, 1, lesson.Upvotes)
}

// Cross-backend equivalence: the same corpus produces the same top-k id
// sequence from the memory and embedded stores.
func TestCrossBackendEquivalence(t *testing.T) {
	ctx := context.Background()

	mem := store.NewMemory()
	sqlite, err := store.NewSQLite(filepath.Join(t.TempDir(), "eq.db"))
	require.NoError(t, err)
	defer sqlite.Close()

	base := time.Now().UTC().Add(-time.Hour)
	corpus := []struct {
		id   string
		text string
		conf float64
		up   int
	}{
		{"01A", "stripe rate limit exceeded backoff", 0.9, 2},
		{"01B", "stripe webhook signature mismatch", 0.7, 0},
		{"01C", "postgres deadlock on migration", 0.8, 1},
		{"01D", "kafka rebalance storm", 0.6, 0},
	}
	for i, c := range corpus {
		vec, _ := hashEmbed(ctx, c.text)
		lesson := &models.Lesson{
			ID:         c.id,
			Problem:    c.text,
			Resolution: "resolution",
			Confidence: c.conf,
			Upvotes:    c.up,
			Embedding:  vec,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
			UpdatedAt:  base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, mem.Save(ctx, lesson))
		require.NoError(t, sqlite.Save(ctx, lesson))
	}

	query, _ := hashEmbed(ctx, "stripe rate limit")
	opts := store.SearchOptions{Limit: 4}

	fromMem, err := mem.Search(ctx, query, opts)
	require.NoError(t, err)
	fromSQLite, err := sqlite.Search(ctx, query, opts)
	require.NoError(t, err)

	require.Equal(t, len(fromMem), len(fromSQLite))
	for i := range fromMem {
		assert.Equal(t, fromMem[i].Lesson.ID, fromSQLite[i].Lesson.ID)
		assert.InDelta(t, fromMem[i].Score, fromSQLite[i].Score, 1e-6)
	}
}
