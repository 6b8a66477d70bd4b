package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jordanhubbard/lore/pkg/models"
)

// Memory is a map-backed store guarded by a single mutex. Lessons are
// deep-copied on both ingress and egress.
type Memory struct {
	mu      sync.RWMutex
	lessons map[string]*models.Lesson
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{lessons: make(map[string]*models.Lesson)}
}

func (m *Memory) Save(ctx context.Context, lesson *models.Lesson) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lessons[lesson.ID] = lesson.Clone()
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*models.Lesson, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lessons[id].Clone(), nil
}

func (m *Memory) List(ctx context.Context, opts ListOptions) ([]*models.Lesson, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Lesson, 0, len(m.lessons))
	for _, l := range m.lessons {
		if opts.Project != "" && l.Project != opts.Project {
			continue
		}
		out = append(out, l.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *Memory) Update(ctx context.Context, lesson *models.Lesson) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.lessons[lesson.ID]
	if !ok {
		return false, nil
	}
	updated := existing.Clone()
	updated.Confidence = lesson.Confidence
	updated.Tags = append([]string(nil), lesson.Tags...)
	updated.Upvotes = lesson.Upvotes
	updated.Downvotes = lesson.Downvotes
	updated.ExpiresAt = lesson.ExpiresAt
	updated.UpdatedAt = lesson.UpdatedAt
	if lesson.Meta != nil {
		updated.Meta = make(map[string]any, len(lesson.Meta))
		for k, v := range lesson.Meta {
			updated.Meta[k] = v
		}
	}
	m.lessons[lesson.ID] = updated
	return true, nil
}

func (m *Memory) Delete(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.lessons[id]
	delete(m.lessons, id)
	return ok, nil
}

func (m *Memory) Search(ctx context.Context, query []float32, opts SearchOptions) ([]models.ScoredLesson, error) {
	now := time.Now().UTC()

	m.mu.RLock()
	candidates := make([]*models.Lesson, 0, len(m.lessons))
	for _, l := range m.lessons {
		if matches(l, opts, now) {
			candidates = append(candidates, l.Clone())
		}
	}
	m.mu.RUnlock()

	return rank(candidates, query, opts, now), nil
}

func (m *Memory) Close() error {
	return nil
}
