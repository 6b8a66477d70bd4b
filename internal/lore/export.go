package lore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jordanhubbard/lore/internal/store"
	"github.com/jordanhubbard/lore/pkg/models"
)

// exportVersion tags the file envelope so future formats stay readable.
const exportVersion = 1

type exportEnvelope struct {
	Version int              `json:"version"`
	Lessons []*models.Lesson `json:"lessons"`
}

// bulkExporter is implemented by stores with a server-side bulk export
// (embeddings included), which List does not return.
type bulkExporter interface {
	Export(ctx context.Context) ([]*models.Lesson, error)
}

// bulkImporter is implemented by stores whose server upserts a batch and
// reports the count.
type bulkImporter interface {
	Import(ctx context.Context, lessons []*models.Lesson) (int, error)
}

// Export returns full lesson records, embeddings included, suitable for a
// round-trip through Import.
func (l *Lore) Export(ctx context.Context) ([]*models.Lesson, error) {
	if e, ok := l.store.(bulkExporter); ok {
		return e.Export(ctx)
	}
	return l.store.List(ctx, store.ListOptions{Project: l.project})
}

// ExportToFile writes the versioned envelope {"version":1,"lessons":[...]}
// and returns the exported records.
func (l *Lore) ExportToFile(ctx context.Context, path string) ([]*models.Lesson, error) {
	lessons, err := l.Export(ctx)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(exportEnvelope{Version: exportVersion, Lessons: lessons}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("lore: failed to encode export: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("lore: failed to write export: %w", err)
	}
	return lessons, nil
}

// Import inserts lessons, skipping ids that already exist, and returns the
// number inserted. Records without an embedding are re-embedded when an
// embedding function is configured. Conflicting fields are never merged.
func (l *Lore) Import(ctx context.Context, lessons []*models.Lesson) (int, error) {
	if imp, ok := l.store.(bulkImporter); ok {
		return imp.Import(ctx, lessons)
	}

	existing, err := l.store.List(ctx, store.ListOptions{})
	if err != nil {
		return 0, err
	}
	known := make(map[string]struct{}, len(existing))
	for _, e := range existing {
		known[e.ID] = struct{}{}
	}

	imported := 0
	for _, lesson := range lessons {
		if lesson.ID == "" {
			continue
		}
		if _, ok := known[lesson.ID]; ok {
			continue
		}
		if len(lesson.Embedding) == 0 && l.embed != nil {
			vec, err := l.embed(ctx, embedText(lesson.Problem, lesson.Resolution, lesson.Context))
			if err != nil {
				return imported, fmt.Errorf("lore: embedding failed for %s: %w", lesson.ID, err)
			}
			lesson.Embedding = vec
		}
		if err := l.store.Save(ctx, lesson); err != nil {
			return imported, err
		}
		known[lesson.ID] = struct{}{}
		imported++
	}
	return imported, nil
}

// ImportFromFile reads either the versioned envelope or a raw lesson array.
func (l *Lore) ImportFromFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("lore: failed to read import file: %w", err)
	}

	var env exportEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Lessons == nil {
		var raw []*models.Lesson
		if err := json.Unmarshal(data, &raw); err != nil {
			return 0, fmt.Errorf("lore: failed to parse import file: %w", err)
		}
		env.Lessons = raw
	}
	return l.Import(ctx, env.Lessons)
}
