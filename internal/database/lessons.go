package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jordanhubbard/lore/internal/vector"
	"github.com/jordanhubbard/lore/pkg/models"
)

// decayLambda is the server-side exponential decay rate per day
// (roughly a 69-day half-life).
const decayLambda = 0.01

// Search limits.
const (
	DefaultSearchLimit = 5
	MaxSearchLimit     = 50
	MaxListLimit       = 200
)

// SearchParams narrows a server-side search.
type SearchParams struct {
	Project       string
	Tags          []string
	Limit         int
	MinConfidence float64
}

// UpdateParams carries the fields PATCH may change. Vote deltas come from
// the "+1" wire sentinels and are applied atomically in SQL; absolute vote
// values overwrite.
type UpdateParams struct {
	Confidence    *float64
	Tags          []string
	TagsSet       bool
	Meta          map[string]any
	MetaSet       bool
	UpvoteDelta   int
	DownvoteDelta int
	Upvotes       *int
	Downvotes     *int
}

// Empty reports whether the update would change nothing.
func (p UpdateParams) Empty() bool {
	return p.Confidence == nil && !p.TagsSet && !p.MetaSet &&
		p.UpvoteDelta == 0 && p.DownvoteDelta == 0 &&
		p.Upvotes == nil && p.Downvotes == nil
}

// InsertLesson stores a new lesson under the org.
func (d *Database) InsertLesson(ctx context.Context, orgID string, lesson *models.Lesson) error {
	tags, meta, err := marshalJSONFields(lesson.Tags, lesson.Meta)
	if err != nil {
		return err
	}

	var embedding any
	if len(lesson.Embedding) > 0 {
		embedding = vector.PgLiteral(lesson.Embedding)
	}

	_, err = d.db.ExecContext(ctx, rebind(`
		INSERT INTO lessons
			(id, org_id, problem, resolution, context, tags, confidence,
			 source, project, embedding, created_at, updated_at, expires_at,
			 upvotes, downvotes, meta)
		VALUES (?, ?, ?, ?, ?, ?::jsonb, ?, ?, ?, ?::vector, ?, ?, ?, ?, ?, ?::jsonb)`),
		lesson.ID, orgID, lesson.Problem, lesson.Resolution,
		nullIfEmpty(lesson.Context), tags, lesson.Confidence,
		nullIfEmpty(lesson.Source), nullIfEmpty(lesson.Project), embedding,
		lesson.CreatedAt, lesson.UpdatedAt, lesson.ExpiresAt,
		lesson.Upvotes, lesson.Downvotes, meta,
	)
	if err != nil {
		return fmt.Errorf("failed to insert lesson: %w", err)
	}
	return nil
}

const lessonCols = `id, problem, resolution, context, tags, confidence,
	source, project, created_at, updated_at, expires_at, upvotes, downvotes, meta`

// GetLesson fetches one lesson within the org/project scope. Out-of-scope
// ids read as absent.
func (d *Database) GetLesson(ctx context.Context, orgID, project, id string) (*models.Lesson, error) {
	query := `SELECT ` + lessonCols + ` FROM lessons WHERE id = ? AND org_id = ?`
	args := []any{id, orgID}
	if project != "" {
		query += ` AND project = ?`
		args = append(args, project)
	}

	row := d.db.QueryRowContext(ctx, rebind(query), args...)
	lesson, err := scanLessonRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return lesson, err
}

// ListLessons pages through an org's lessons newest first and returns the
// total count for the same filter.
func (d *Database) ListLessons(ctx context.Context, orgID, project string, limit, offset int) ([]*models.Lesson, int, error) {
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	where := `org_id = ?`
	args := []any{orgID}
	if project != "" {
		where += ` AND project = ?`
		args = append(args, project)
	}

	var total int
	if err := d.db.QueryRowContext(ctx, rebind(`SELECT COUNT(*) FROM lessons WHERE `+where), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count lessons: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := d.db.QueryContext(ctx, rebind(`
		SELECT `+lessonCols+` FROM lessons WHERE `+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list lessons: %w", err)
	}
	defer rows.Close()

	var out []*models.Lesson
	for rows.Next() {
		lesson, err := scanLessonRow(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, lesson)
	}
	return out, total, rows.Err()
}

// UpdateLesson applies the permitted field changes and returns the updated
// row, or nil when the id is unknown or out of scope. Vote deltas are a
// single atomic increment in SQL.
func (d *Database) UpdateLesson(ctx context.Context, orgID, project, id string, params UpdateParams) (*models.Lesson, error) {
	var setParts []string
	var args []any

	if params.Confidence != nil {
		args = append(args, *params.Confidence)
		setParts = append(setParts, "confidence = ?")
	}
	if params.TagsSet {
		tagsJSON, err := json.Marshal(params.Tags)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal tags: %w", err)
		}
		args = append(args, string(tagsJSON))
		setParts = append(setParts, "tags = ?::jsonb")
	}
	if params.MetaSet {
		metaJSON, err := json.Marshal(params.Meta)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal meta: %w", err)
		}
		args = append(args, string(metaJSON))
		setParts = append(setParts, "meta = ?::jsonb")
	}
	if params.UpvoteDelta != 0 {
		args = append(args, params.UpvoteDelta)
		setParts = append(setParts, "upvotes = upvotes + ?")
	} else if params.Upvotes != nil {
		args = append(args, *params.Upvotes)
		setParts = append(setParts, "upvotes = ?")
	}
	if params.DownvoteDelta != 0 {
		args = append(args, params.DownvoteDelta)
		setParts = append(setParts, "downvotes = downvotes + ?")
	} else if params.Downvotes != nil {
		args = append(args, *params.Downvotes)
		setParts = append(setParts, "downvotes = ?")
	}

	setParts = append(setParts, "updated_at = now()")

	where := `id = ? AND org_id = ?`
	args = append(args, id, orgID)
	if project != "" {
		where += ` AND project = ?`
		args = append(args, project)
	}

	row := d.db.QueryRowContext(ctx, rebind(`
		UPDATE lessons SET `+strings.Join(setParts, ", ")+`
		WHERE `+where+`
		RETURNING `+lessonCols), args...)
	lesson, err := scanLessonRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update lesson: %w", err)
	}
	return lesson, nil
}

// DeleteLesson removes a lesson within scope and reports whether a row was
// affected.
func (d *Database) DeleteLesson(ctx context.Context, orgID, project, id string) (bool, error) {
	query := `DELETE FROM lessons WHERE id = ? AND org_id = ?`
	args := []any{id, orgID}
	if project != "" {
		query += ` AND project = ?`
		args = append(args, project)
	}

	res, err := d.db.ExecContext(ctx, rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("failed to delete lesson: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SearchLessons ranks an org's lessons with pgvector cosine distance and
// decay scoring, entirely in SQL:
//
//	score = (1 - (embedding <=> query)) * confidence *
//	        exp(-lambda * age_days) * GREATEST(1 + 0.1*(up-down), 0.1)
//
// min_confidence applies to the raw confidence column, before decay.
func (d *Database) SearchLessons(ctx context.Context, orgID string, query []float32, params SearchParams) ([]models.ScoredLesson, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if limit > MaxSearchLimit {
		limit = MaxSearchLimit
	}

	where := `org_id = ? AND embedding IS NOT NULL
		AND (expires_at IS NULL OR expires_at > now())`
	whereArgs := []any{orgID}
	if params.Project != "" {
		where += ` AND project = ?`
		whereArgs = append(whereArgs, params.Project)
	}
	if len(params.Tags) > 0 {
		tagsJSON, err := json.Marshal(params.Tags)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal tags: %w", err)
		}
		where += ` AND tags @> ?::jsonb`
		whereArgs = append(whereArgs, string(tagsJSON))
	}
	if params.MinConfidence > 0 {
		where += ` AND confidence >= ?`
		whereArgs = append(whereArgs, params.MinConfidence)
	}

	scoreExpr := fmt.Sprintf(`(1 - (embedding <=> ?::vector)) *
		confidence *
		exp(-%g * EXTRACT(EPOCH FROM (now() - updated_at)) / 86400.0) *
		GREATEST(1.0 + (upvotes - downvotes) * 0.1, 0.1)`, decayLambda)

	// rebind numbers placeholders in textual order: the vector literal in
	// the SELECT list comes first, then the WHERE args, then the limit.
	args := make([]any, 0, len(whereArgs)+2)
	args = append(args, vector.PgLiteral(query))
	args = append(args, whereArgs...)
	args = append(args, limit)
	rows, err := d.db.QueryContext(ctx, rebind(`
		SELECT `+lessonCols+`, `+scoreExpr+` AS score
		FROM lessons
		WHERE `+where+`
		ORDER BY score DESC, created_at DESC, id DESC
		LIMIT ?`), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search lessons: %w", err)
	}
	defer rows.Close()

	var out []models.ScoredLesson
	for rows.Next() {
		lesson, score, err := scanScoredRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, models.ScoredLesson{Lesson: lesson, Score: score})
	}
	return out, rows.Err()
}

// ExportLessons returns every lesson in scope, embeddings included, in
// creation order.
func (d *Database) ExportLessons(ctx context.Context, orgID, project string) ([]*models.Lesson, error) {
	query := `SELECT ` + lessonCols + `, embedding::text FROM lessons WHERE org_id = ?`
	args := []any{orgID}
	if project != "" {
		query += ` AND project = ?`
		args = append(args, project)
	}
	query += ` ORDER BY created_at, id`

	rows, err := d.db.QueryContext(ctx, rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to export lessons: %w", err)
	}
	defer rows.Close()

	var out []*models.Lesson
	for rows.Next() {
		lesson, err := scanExportRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lesson)
	}
	return out, rows.Err()
}

// ImportLessons upserts a batch by id inside one transaction and returns
// the number of rows written. Upserts never cross org boundaries.
func (d *Database) ImportLessons(ctx context.Context, orgID string, lessons []*models.Lesson) (int, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin import: %w", err)
	}
	defer tx.Rollback()

	imported := 0
	for _, lesson := range lessons {
		tags, meta, err := marshalJSONFields(lesson.Tags, lesson.Meta)
		if err != nil {
			return imported, err
		}
		var embedding any
		if len(lesson.Embedding) > 0 {
			embedding = vector.PgLiteral(lesson.Embedding)
		}

		_, err = tx.ExecContext(ctx, rebind(`
			INSERT INTO lessons
				(id, org_id, problem, resolution, context, tags, confidence,
				 source, project, embedding, created_at, updated_at, expires_at,
				 upvotes, downvotes, meta)
			VALUES (?, ?, ?, ?, ?, ?::jsonb, ?, ?, ?, ?::vector, ?, ?, ?, ?, ?, ?::jsonb)
			ON CONFLICT (id) DO UPDATE SET
				problem = EXCLUDED.problem,
				resolution = EXCLUDED.resolution,
				context = EXCLUDED.context,
				tags = EXCLUDED.tags,
				confidence = EXCLUDED.confidence,
				source = EXCLUDED.source,
				project = EXCLUDED.project,
				embedding = EXCLUDED.embedding,
				updated_at = EXCLUDED.updated_at,
				expires_at = EXCLUDED.expires_at,
				upvotes = EXCLUDED.upvotes,
				downvotes = EXCLUDED.downvotes,
				meta = EXCLUDED.meta
			WHERE lessons.org_id = EXCLUDED.org_id`),
			lesson.ID, orgID, lesson.Problem, lesson.Resolution,
			nullIfEmpty(lesson.Context), tags, lesson.Confidence,
			nullIfEmpty(lesson.Source), nullIfEmpty(lesson.Project), embedding,
			lesson.CreatedAt, lesson.UpdatedAt, lesson.ExpiresAt,
			lesson.Upvotes, lesson.Downvotes, meta,
		)
		if err != nil {
			return imported, fmt.Errorf("failed to import lesson %s: %w", lesson.ID, err)
		}
		imported++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit import: %w", err)
	}
	return imported, nil
}

// Scan helpers

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLessonBase(row rowScanner, extra ...any) (*models.Lesson, error) {
	var (
		l                  models.Lesson
		contextStr, source sql.NullString
		project            sql.NullString
		tagsJSON, metaJSON []byte
		expires            sql.NullTime
	)
	dest := []any{&l.ID, &l.Problem, &l.Resolution, &contextStr, &tagsJSON,
		&l.Confidence, &source, &project, &l.CreatedAt, &l.UpdatedAt,
		&expires, &l.Upvotes, &l.Downvotes, &metaJSON}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	l.Context = contextStr.String
	l.Source = source.String
	l.Project = project.String
	if expires.Valid {
		t := expires.Time
		l.ExpiresAt = &t
	}
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &l.Tags); err != nil {
			return nil, fmt.Errorf("corrupt tags for lesson %s: %w", l.ID, err)
		}
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &l.Meta); err != nil {
			return nil, fmt.Errorf("corrupt meta for lesson %s: %w", l.ID, err)
		}
	}
	return &l, nil
}

func scanLessonRow(row rowScanner) (*models.Lesson, error) {
	return scanLessonBase(row)
}

func scanScoredRow(row rowScanner) (*models.Lesson, float64, error) {
	var score float64
	lesson, err := scanLessonBase(row, &score)
	if err != nil {
		return nil, 0, err
	}
	if score < 0 {
		score = 0
	}
	return lesson, score, nil
}

func scanExportRow(row rowScanner) (*models.Lesson, error) {
	var embText sql.NullString
	lesson, err := scanLessonBase(row, &embText)
	if err != nil {
		return nil, err
	}
	if embText.Valid && embText.String != "" {
		vec, err := vector.ParsePgLiteral(embText.String)
		if err != nil {
			return nil, fmt.Errorf("lesson %s: %w", lesson.ID, err)
		}
		lesson.Embedding = vec
	}
	return lesson, nil
}

func marshalJSONFields(tags []string, meta map[string]any) (string, string, error) {
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal tags: %w", err)
	}
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal meta: %w", err)
	}
	return string(tagsJSON), string(metaJSON), nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
