package api

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jordanhubbard/lore/internal/database"
	"github.com/jordanhubbard/lore/internal/score"
	"github.com/jordanhubbard/lore/pkg/models"
)

// fakeBackend is an in-memory twin of the Postgres layer, faithful to its
// org/project scoping and atomic vote semantics. It also serves as the
// auth manager's key store.
type fakeBackend struct {
	mu      sync.Mutex
	orgs    map[string]*models.Org
	keys    map[string]*models.APIKey // by id
	lessons map[string]*models.Lesson // by id
	orgOf   map[string]string         // lesson id -> org id
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		orgs:    make(map[string]*models.Org),
		keys:    make(map[string]*models.APIKey),
		lessons: make(map[string]*models.Lesson),
		orgOf:   make(map[string]string),
	}
}

func (f *fakeBackend) inScope(l *models.Lesson, orgID, project, id string) bool {
	return l != nil && f.orgOf[id] == orgID && (project == "" || l.Project == project)
}

func (f *fakeBackend) InsertLesson(_ context.Context, orgID string, lesson *models.Lesson) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lessons[lesson.ID] = lesson.Clone()
	f.orgOf[lesson.ID] = orgID
	return nil
}

func (f *fakeBackend) GetLesson(_ context.Context, orgID, project, id string) (*models.Lesson, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := f.lessons[id]
	if !f.inScope(l, orgID, project, id) {
		return nil, nil
	}
	return l.Clone(), nil
}

func (f *fakeBackend) ListLessons(_ context.Context, orgID, project string, limit, offset int) ([]*models.Lesson, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var all []*models.Lesson
	for id, l := range f.lessons {
		if f.inScope(l, orgID, project, id) {
			all = append(all, l.Clone())
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	total := len(all)
	if offset > len(all) {
		offset = len(all)
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

func (f *fakeBackend) UpdateLesson(_ context.Context, orgID, project, id string, params database.UpdateParams) (*models.Lesson, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	l := f.lessons[id]
	if !f.inScope(l, orgID, project, id) {
		return nil, nil
	}
	if params.Confidence != nil {
		l.Confidence = *params.Confidence
	}
	if params.TagsSet {
		l.Tags = append([]string(nil), params.Tags...)
	}
	if params.MetaSet {
		l.Meta = params.Meta
	}
	l.Upvotes += params.UpvoteDelta
	if params.Upvotes != nil {
		l.Upvotes = *params.Upvotes
	}
	l.Downvotes += params.DownvoteDelta
	if params.Downvotes != nil {
		l.Downvotes = *params.Downvotes
	}
	l.UpdatedAt = time.Now().UTC()
	return l.Clone(), nil
}

func (f *fakeBackend) DeleteLesson(_ context.Context, orgID, project, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := f.lessons[id]
	if !f.inScope(l, orgID, project, id) {
		return false, nil
	}
	delete(f.lessons, id)
	delete(f.orgOf, id)
	return true, nil
}

func (f *fakeBackend) SearchLessons(_ context.Context, orgID string, query []float32, params database.SearchParams) ([]models.ScoredLesson, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	limit := params.Limit
	if limit <= 0 {
		limit = database.DefaultSearchLimit
	}
	now := time.Now().UTC()

	var out []models.ScoredLesson
	for id, l := range f.lessons {
		if !f.inScope(l, orgID, params.Project, id) {
			continue
		}
		if len(l.Embedding) == 0 || l.Expired(now) {
			continue
		}
		if l.Confidence < params.MinConfidence {
			continue
		}
		if !l.HasTags(params.Tags) {
			continue
		}
		ageDays := now.Sub(l.UpdatedAt).Hours() / 24
		s := score.Cosine(query, l.Embedding) * l.Confidence *
			score.TimeDecay(ageDays, 69) * score.VoteFactor(l.Upvotes, l.Downvotes)
		out = append(out, models.ScoredLesson{Lesson: l.Clone(), Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Lesson.ID > out[j].Lesson.ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeBackend) ExportLessons(_ context.Context, orgID, project string) ([]*models.Lesson, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Lesson
	for id, l := range f.lessons {
		if f.inScope(l, orgID, project, id) {
			out = append(out, l.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeBackend) ImportLessons(_ context.Context, orgID string, lessons []*models.Lesson) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range lessons {
		f.lessons[l.ID] = l.Clone()
		f.orgOf[l.ID] = orgID
	}
	return len(lessons), nil
}

func (f *fakeBackend) CreateOrgWithRootKey(_ context.Context, org *models.Org, key *models.APIKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.orgs) > 0 {
		return database.ErrOrgExists
	}
	f.orgs[org.ID] = org
	f.keys[key.ID] = key
	return nil
}

func (f *fakeBackend) InsertAPIKey(_ context.Context, key *models.APIKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[key.ID] = key
	return nil
}

func (f *fakeBackend) ListAPIKeys(_ context.Context, orgID string) ([]*models.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.APIKey
	for _, k := range f.keys {
		if k.OrgID == orgID {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeBackend) RevokeAPIKey(_ context.Context, orgID, keyID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key, ok := f.keys[keyID]
	if !ok || key.OrgID != orgID {
		return "", database.ErrKeyNotFound
	}
	if key.Revoked() {
		return "", database.ErrKeyRevoked
	}
	if key.IsRoot {
		activeRoots := 0
		for _, k := range f.keys {
			if k.OrgID == orgID && k.IsRoot && !k.Revoked() {
				activeRoots++
			}
		}
		if activeRoots <= 1 {
			return "", database.ErrLastRootKey
		}
	}
	now := time.Now().UTC()
	key.RevokedAt = &now
	return key.KeyHash, nil
}

// auth.Store

func (f *fakeBackend) GetAPIKeyByHash(_ context.Context, keyHash string) (*models.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.keys {
		if k.KeyHash == keyHash {
			clone := *k
			return &clone, nil
		}
	}
	return nil, nil
}

func (f *fakeBackend) TouchAPIKeyLastUsed(_ context.Context, _ string) error {
	return nil
}
