package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/lore/internal/ids"
	"github.com/jordanhubbard/lore/pkg/models"
)

// newTestDB connects to the database named by LORE_TEST_DATABASE_URL and
// truncates the tables. Skips the test when postgres (with pgvector) is
// not available.
func newTestDB(t *testing.T) *Database {
	t.Helper()

	dsn := os.Getenv("LORE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("LORE_TEST_DATABASE_URL not set; skipping postgres tests")
	}

	d, err := New(dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	_, err = d.db.Exec(`TRUNCATE lessons, api_keys, orgs CASCADE`)
	require.NoError(t, err)
	return d
}

func seedOrg(t *testing.T, d *Database) (orgID string) {
	t.Helper()
	org := &models.Org{ID: ids.New(), Name: "test-org", CreatedAt: time.Now().UTC()}
	key := &models.APIKey{
		ID: ids.New(), OrgID: org.ID, Name: "root",
		KeyHash: ids.New(), KeyPrefix: "lore_sk_test", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, d.CreateOrgWithRootKey(context.Background(), org, key))
	return org.ID
}

func pgLesson(orgless string, vec []float32) *models.Lesson {
	now := time.Now().UTC()
	return &models.Lesson{
		ID:         ids.New(),
		Problem:    orgless,
		Resolution: "resolution",
		Tags:       []string{"go", "pg"},
		Confidence: 0.8,
		Embedding:  vec,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func unitVec(hot int) []float32 {
	vec := make([]float32, 384)
	vec[hot] = 1
	return vec
}

func TestPostgresLessonCRUD(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	orgID := seedOrg(t, d)

	lesson := pgLesson("crud", unitVec(0))
	require.NoError(t, d.InsertLesson(ctx, orgID, lesson))

	got, err := d.GetLesson(ctx, orgID, "", lesson.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "crud", got.Problem)
	assert.Equal(t, []string{"go", "pg"}, got.Tags)

	// Another org sees nothing.
	got, err = d.GetLesson(ctx, "other-org", "", lesson.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	deleted, err := d.DeleteLesson(ctx, orgID, "", lesson.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestPostgresAtomicVotes(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	orgID := seedOrg(t, d)

	lesson := pgLesson("votes", unitVec(0))
	require.NoError(t, d.InsertLesson(ctx, orgID, lesson))

	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, err := d.UpdateLesson(ctx, orgID, "", lesson.ID, UpdateParams{UpvoteDelta: 1})
			done <- err
		}()
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, <-done)
	}

	got, err := d.GetLesson(ctx, orgID, "", lesson.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Upvotes, "concurrent increments all land")

	updated, err := d.UpdateLesson(ctx, orgID, "", "ghost", UpdateParams{UpvoteDelta: 1})
	require.NoError(t, err)
	assert.Nil(t, updated)
}

func TestPostgresSearchRanking(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	orgID := seedOrg(t, d)

	near := pgLesson("near", unitVec(0))
	far := pgLesson("far", unitVec(1))
	require.NoError(t, d.InsertLesson(ctx, orgID, near))
	require.NoError(t, d.InsertLesson(ctx, orgID, far))

	results, err := d.SearchLessons(ctx, orgID, unitVec(0), SearchParams{Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "near", results[0].Lesson.Problem)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
}

func TestPostgresSearchFilters(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	orgID := seedOrg(t, d)

	tagged := pgLesson("tagged", unitVec(0))
	tagged.Tags = []string{"stripe", "rate-limit"}
	require.NoError(t, d.InsertLesson(ctx, orgID, tagged))

	other := pgLesson("other", unitVec(0))
	other.Tags = []string{"stripe"}
	require.NoError(t, d.InsertLesson(ctx, orgID, other))

	expired := pgLesson("expired", unitVec(0))
	past := time.Now().UTC().Add(-time.Minute)
	expired.ExpiresAt = &past
	expired.Tags = []string{"stripe", "rate-limit"}
	require.NoError(t, d.InsertLesson(ctx, orgID, expired))

	lowConf := pgLesson("low-conf", unitVec(0))
	lowConf.Confidence = 0.1
	lowConf.Tags = []string{"stripe", "rate-limit"}
	require.NoError(t, d.InsertLesson(ctx, orgID, lowConf))

	results, err := d.SearchLessons(ctx, orgID, unitVec(0), SearchParams{
		Tags:          []string{"stripe", "rate-limit"},
		MinConfidence: 0.5,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "tagged", results[0].Lesson.Problem)
}

func TestPostgresExportImportRoundTrip(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	orgID := seedOrg(t, d)

	lesson := pgLesson("exported", unitVec(3))
	require.NoError(t, d.InsertLesson(ctx, orgID, lesson))

	exported, err := d.ExportLessons(ctx, orgID, "")
	require.NoError(t, err)
	require.Len(t, exported, 1)
	require.Len(t, exported[0].Embedding, 384)
	assert.InDelta(t, 1.0, float64(exported[0].Embedding[3]), 1e-6)

	// Re-import under a fresh id: upsert writes a second row.
	exported[0].ID = ids.New()
	n, err := d.ImportLessons(ctx, orgID, exported)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, total, err := d.ListLessons(ctx, orgID, "", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestPostgresKeyLifecycle(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	orgID := seedOrg(t, d)

	key := &models.APIKey{
		ID: ids.New(), OrgID: orgID, Name: "worker",
		KeyHash: "deadbeef", KeyPrefix: "lore_sk_dead", Project: "alpha",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, d.InsertAPIKey(ctx, key))

	got, err := d.GetAPIKeyByHash(ctx, "deadbeef")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "alpha", got.Project)

	keys, err := d.ListAPIKeys(ctx, orgID)
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	hash, err := d.RevokeAPIKey(ctx, orgID, key.ID)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", hash)

	_, err = d.RevokeAPIKey(ctx, orgID, key.ID)
	assert.ErrorIs(t, err, ErrKeyRevoked)
}

func TestPostgresLastRootKeyProtected(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	orgID := seedOrg(t, d)

	keys, err := d.ListAPIKeys(ctx, orgID)
	require.NoError(t, err)
	require.Len(t, keys, 1)

	_, err = d.RevokeAPIKey(ctx, orgID, keys[0].ID)
	assert.ErrorIs(t, err, ErrLastRootKey)
}

func TestPostgresOrgInitIsOneShot(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	seedOrg(t, d)

	org := &models.Org{ID: ids.New(), Name: "second", CreatedAt: time.Now().UTC()}
	key := &models.APIKey{ID: ids.New(), OrgID: org.ID, Name: "root",
		KeyHash: ids.New(), KeyPrefix: "x", CreatedAt: time.Now().UTC()}
	err := d.CreateOrgWithRootKey(ctx, org, key)
	assert.ErrorIs(t, err, ErrOrgExists)
}
