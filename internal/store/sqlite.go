package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jordanhubbard/lore/internal/vector"
	"github.com/jordanhubbard/lore/pkg/models"
)

// timeFormat is fixed-width UTC so that string comparison in SQL matches
// chronological order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS lessons (
	id          TEXT PRIMARY KEY,
	problem     TEXT NOT NULL,
	resolution  TEXT NOT NULL,
	context     TEXT,
	tags        TEXT,
	confidence  REAL NOT NULL DEFAULT 0.5,
	source      TEXT,
	project     TEXT,
	embedding   BLOB,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL,
	expires_at  TEXT,
	upvotes     INTEGER NOT NULL DEFAULT 0,
	downvotes   INTEGER NOT NULL DEFAULT 0,
	meta        TEXT
);
CREATE INDEX IF NOT EXISTS idx_lessons_project ON lessons(project);
CREATE INDEX IF NOT EXISTS idx_lessons_created ON lessons(created_at);
CREATE INDEX IF NOT EXISTS idx_lessons_tags ON lessons(tags);
`

// SQLite is the embedded store: a single-file database with write-ahead
// journaling and embeddings kept as little-endian float32 blobs.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database at path and initializes
// the schema. Parent directories are created.
func NewSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Save(ctx context.Context, lesson *models.Lesson) error {
	tags, meta, err := encodeJSONFields(lesson)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO lessons
			(id, problem, resolution, context, tags, confidence, source,
			 project, embedding, created_at, updated_at, expires_at,
			 upvotes, downvotes, meta)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			problem = excluded.problem,
			resolution = excluded.resolution,
			context = excluded.context,
			tags = excluded.tags,
			confidence = excluded.confidence,
			source = excluded.source,
			project = excluded.project,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at,
			upvotes = excluded.upvotes,
			downvotes = excluded.downvotes,
			meta = excluded.meta`,
		lesson.ID,
		lesson.Problem,
		lesson.Resolution,
		nullString(lesson.Context),
		tags,
		lesson.Confidence,
		nullString(lesson.Source),
		nullString(lesson.Project),
		vector.Encode(lesson.Embedding),
		lesson.CreatedAt.UTC().Format(timeFormat),
		lesson.UpdatedAt.UTC().Format(timeFormat),
		nullTime(lesson.ExpiresAt),
		lesson.Upvotes,
		lesson.Downvotes,
		meta,
	)
	if err != nil {
		return fmt.Errorf("failed to save lesson: %w", err)
	}
	return nil
}

const lessonColumns = `id, problem, resolution, context, tags, confidence, source,
	project, embedding, created_at, updated_at, expires_at, upvotes, downvotes, meta`

func (s *SQLite) Get(ctx context.Context, id string) (*models.Lesson, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+lessonColumns+` FROM lessons WHERE id = ?`, id)
	lesson, err := scanLesson(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return lesson, err
}

func (s *SQLite) List(ctx context.Context, opts ListOptions) ([]*models.Lesson, error) {
	query := `SELECT ` + lessonColumns + ` FROM lessons`
	var args []any
	if opts.Project != "" {
		query += ` WHERE project = ?`
		args = append(args, opts.Project)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list lessons: %w", err)
	}
	defer rows.Close()

	var out []*models.Lesson
	for rows.Next() {
		lesson, err := scanLesson(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lesson)
	}
	return out, rows.Err()
}

func (s *SQLite) Update(ctx context.Context, lesson *models.Lesson) (bool, error) {
	tags, meta, err := encodeJSONFields(lesson)
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE lessons
		SET confidence = ?, tags = ?, upvotes = ?, downvotes = ?,
		    meta = ?, expires_at = ?, updated_at = ?
		WHERE id = ?`,
		lesson.Confidence,
		tags,
		lesson.Upvotes,
		lesson.Downvotes,
		meta,
		nullTime(lesson.ExpiresAt),
		lesson.UpdatedAt.UTC().Format(timeFormat),
		lesson.ID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update lesson: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLite) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM lessons WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete lesson: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Upvote increments the counter in a single statement so concurrent votes
// serialize at the database instead of racing through fetch-modify-save.
func (s *SQLite) Upvote(ctx context.Context, id string) error {
	return s.vote(ctx, id, "upvotes")
}

// Downvote increments the downvote counter atomically.
func (s *SQLite) Downvote(ctx context.Context, id string) error {
	return s.vote(ctx, id, "downvotes")
}

func (s *SQLite) vote(ctx context.Context, id, column string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE lessons SET `+column+` = `+column+` + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(timeFormat), id)
	if err != nil {
		return fmt.Errorf("failed to record vote: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return NotFoundError(id)
	}
	return nil
}

func (s *SQLite) Search(ctx context.Context, query []float32, opts SearchOptions) ([]models.ScoredLesson, error) {
	now := time.Now().UTC()

	sqlQuery := `SELECT ` + lessonColumns + ` FROM lessons WHERE embedding IS NOT NULL`
	var args []any
	if opts.Project != "" {
		sqlQuery += ` AND project = ?`
		args = append(args, opts.Project)
	}
	if opts.MinConfidence > 0 {
		sqlQuery += ` AND confidence >= ?`
		args = append(args, opts.MinConfidence)
	}
	sqlQuery += ` AND (expires_at IS NULL OR expires_at > ?)`
	args = append(args, now.Format(timeFormat))
	// Substring prefilter over the JSON tag column; the exact subset check
	// happens after scanning.
	for _, tag := range opts.Tags {
		sqlQuery += ` AND tags LIKE ?`
		args = append(args, `%"`+tag+`"%`)
	}

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search lessons: %w", err)
	}
	defer rows.Close()

	var candidates []*models.Lesson
	for rows.Next() {
		lesson, err := scanLesson(rows)
		if err != nil {
			return nil, err
		}
		if !lesson.HasTags(opts.Tags) {
			continue
		}
		candidates = append(candidates, lesson)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return rank(candidates, query, opts, now), nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanLesson(row scanner) (*models.Lesson, error) {
	var (
		l                      models.Lesson
		contextStr, source     sql.NullString
		project, expires       sql.NullString
		tagsJSON, metaJSON     sql.NullString
		embedding              []byte
		createdStr, updatedStr string
	)
	err := row.Scan(&l.ID, &l.Problem, &l.Resolution, &contextStr, &tagsJSON,
		&l.Confidence, &source, &project, &embedding, &createdStr, &updatedStr,
		&expires, &l.Upvotes, &l.Downvotes, &metaJSON)
	if err != nil {
		return nil, err
	}

	l.Context = contextStr.String
	l.Source = source.String
	l.Project = project.String

	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &l.Tags); err != nil {
			return nil, fmt.Errorf("corrupt tags for lesson %s: %w", l.ID, err)
		}
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &l.Meta); err != nil {
			return nil, fmt.Errorf("corrupt meta for lesson %s: %w", l.ID, err)
		}
	}

	if len(embedding) > 0 {
		vec, err := vector.Decode(embedding)
		if err != nil {
			return nil, fmt.Errorf("lesson %s: %w", l.ID, err)
		}
		l.Embedding = vec
	}

	if l.CreatedAt, err = time.Parse(timeFormat, createdStr); err != nil {
		return nil, fmt.Errorf("corrupt created_at for lesson %s: %w", l.ID, err)
	}
	if l.UpdatedAt, err = time.Parse(timeFormat, updatedStr); err != nil {
		return nil, fmt.Errorf("corrupt updated_at for lesson %s: %w", l.ID, err)
	}
	if expires.Valid {
		t, err := time.Parse(timeFormat, expires.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt expires_at for lesson %s: %w", l.ID, err)
		}
		l.ExpiresAt = &t
	}

	return &l, nil
}

func encodeJSONFields(lesson *models.Lesson) (tags, meta any, err error) {
	tagsBytes, err := json.Marshal(lesson.Tags)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal tags: %w", err)
	}
	tags = string(tagsBytes)

	if lesson.Meta != nil {
		metaBytes, err := json.Marshal(lesson.Meta)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal meta: %w", err)
		}
		meta = string(metaBytes)
	}
	return tags, meta, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeFormat)
}
