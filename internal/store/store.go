// Package store persists generated quizzes and their results. Quizzes and
// results are kept as JSON documents keyed by quiz id, in SQLite, Postgres
// or Redis.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/pavelanni/quizgen/internal/model"
)

// ErrNotFound is returned when no quiz or result exists for an id.
var ErrNotFound = errors.New("not found")

// Repository stores quizzes and results. List returns quizzes newest first
// with their results attached; an empty owner lists every quiz.
type Repository interface {
	Get(ctx context.Context, id string) (*model.Quiz, error)
	Put(ctx context.Context, q *model.Quiz) error
	List(ctx context.Context, owner string) ([]model.Quiz, error)
	PutResult(ctx context.Context, quizID string, r *model.Result) error
	GetResult(ctx context.Context, quizID string) (*model.Result, error)
	ExportAll(ctx context.Context) (*model.Export, error)
	Close() error
}

// Supported SQL drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// SQLStore is a Repository over database/sql.
type SQLStore struct {
	db     *sql.DB
	driver string
}

var _ Repository = (*SQLStore)(nil)

// Open connects to a SQLite file (or ":memory:") or a Postgres DSN and
// creates the schema.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite, "":
		driver = DriverSQLite
		db, err = sql.Open("sqlite", dsn+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
		if err == nil && dsn == ":memory:" {
			// Each connection would get its own empty database.
			db.SetMaxOpenConns(1)
		}
	case DriverPostgres, "pgx":
		driver = DriverPostgres
		db, err = sql.Open("pgx", dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &SQLStore{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS quizzes (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL DEFAULT '',
	created_unix BIGINT NOT NULL,
	doc TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS quizzes_owner_created ON quizzes (owner_id, created_unix);

CREATE TABLE IF NOT EXISTS results (
	quiz_id TEXT PRIMARY KEY REFERENCES quizzes(id),
	graded_unix BIGINT NOT NULL,
	doc TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS store_metadata (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

func (s *SQLStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	return s.SetMetadata(ctx, metaSchemaVersion, strconv.Itoa(schemaVersion))
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Put inserts or replaces a quiz. The attached result, if any, is not
// stored; use PutResult.
func (s *SQLStore) Put(ctx context.Context, q *model.Quiz) error {
	doc, err := quizDoc(q)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO quizzes (id, owner_id, created_unix, doc) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET owner_id = excluded.owner_id, created_unix = excluded.created_unix, doc = excluded.doc`),
		q.ID, q.OwnerID, q.CreatedAt.UnixNano(), doc,
	)
	if err != nil {
		return fmt.Errorf("put quiz %s: %w", q.ID, err)
	}
	return nil
}

// Get returns the quiz with its latest result attached.
func (s *SQLStore) Get(ctx context.Context, id string) (*model.Quiz, error) {
	var (
		doc    string
		result sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT q.doc, r.doc FROM quizzes q LEFT JOIN results r ON r.quiz_id = q.id WHERE q.id = ?`),
		id,
	).Scan(&doc, &result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get quiz %s: %w", id, err)
	}
	return decodeQuiz(doc, result)
}

// List returns the owner's quizzes, or every quiz when owner is empty,
// newest first.
func (s *SQLStore) List(ctx context.Context, owner string) ([]model.Quiz, error) {
	query := `SELECT q.doc, r.doc FROM quizzes q LEFT JOIN results r ON r.quiz_id = q.id`
	var args []any
	if owner != "" {
		query += ` WHERE q.owner_id = ?`
		args = append(args, owner)
	}
	query += ` ORDER BY q.created_unix DESC, q.id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list quizzes: %w", err)
	}
	defer rows.Close()
	quizzes := []model.Quiz{}
	for rows.Next() {
		var (
			doc    string
			result sql.NullString
		)
		if err := rows.Scan(&doc, &result); err != nil {
			return nil, err
		}
		q, err := decodeQuiz(doc, result)
		if err != nil {
			return nil, err
		}
		quizzes = append(quizzes, *q)
	}
	return quizzes, rows.Err()
}

// PutResult stores the result for a quiz, replacing any earlier one.
func (s *SQLStore) PutResult(ctx context.Context, quizID string, r *model.Result) error {
	var exists int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM quizzes WHERE id = ?`), quizID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check quiz %s: %w", quizID, err)
	}

	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO results (quiz_id, graded_unix, doc) VALUES (?, ?, ?)
		 ON CONFLICT (quiz_id) DO UPDATE SET graded_unix = excluded.graded_unix, doc = excluded.doc`),
		quizID, r.GradedAt.UnixNano(), string(doc),
	)
	if err != nil {
		return fmt.Errorf("put result %s: %w", quizID, err)
	}
	return nil
}

// GetResult returns the latest result for a quiz.
func (s *SQLStore) GetResult(ctx context.Context, quizID string) (*model.Result, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT doc FROM results WHERE quiz_id = ?`), quizID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get result %s: %w", quizID, err)
	}
	var r model.Result
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", quizID, err)
	}
	return &r, nil
}

// ExportAll returns every quiz with its result as an export document.
func (s *SQLStore) ExportAll(ctx context.Context) (*model.Export, error) {
	return exportQuizzes(ctx, s)
}

func quizDoc(q *model.Quiz) (string, error) {
	stored := *q
	stored.Result = nil
	b, err := json.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("marshal quiz: %w", err)
	}
	return string(b), nil
}

func decodeQuiz(doc string, result sql.NullString) (*model.Quiz, error) {
	var q model.Quiz
	if err := json.Unmarshal([]byte(doc), &q); err != nil {
		return nil, fmt.Errorf("decode quiz: %w", err)
	}
	if result.Valid {
		var r model.Result
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return nil, fmt.Errorf("decode result %s: %w", q.ID, err)
		}
		q.Result = &r
	}
	return &q, nil
}
