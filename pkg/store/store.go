// Package store is the document persistence adapter.
//
// Documents are JSON objects grouped into collections and addressed by id.
// Every mutation is a single SQL statement, so conditional updates stay
// atomic across goroutines and processes sharing the database file.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/scorpio/pkg/errdefs"
	"github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by FindOne and FindOneAndUpdate when nothing matches.
var ErrNotFound = fmt.Errorf("document %w", errdefs.ErrNotFound)

// Document is a raw JSON document.
type Document json.RawMessage

// Decode unmarshals the document into v.
func (d Document) Decode(v any) error {
	return json.Unmarshal(d, v)
}

// Store is the contract the core components persist through.
type Store interface {
	Insert(ctx context.Context, collection, id string, doc any) error
	Upsert(ctx context.Context, collection, id string, doc any) error
	FindOne(ctx context.Context, collection string, filter Filter) (Document, error)
	FindOneAndUpdate(ctx context.Context, collection string, filter Filter, update Update) (Document, error)
	Find(ctx context.Context, collection string, filter Filter, opts ...FindOption) ([]Document, error)
	Count(ctx context.Context, collection string, filter Filter) (int64, error)
	DeleteOne(ctx context.Context, collection string, filter Filter) (bool, error)
	DeleteMany(ctx context.Context, collection string, filter Filter) (int64, error)
	Close() error
}

type findOptions struct {
	orderBy []string
	args    []any
	limit   int
}

// FindOption adjusts Find ordering and paging.
type FindOption func(*findOptions)

// SortBy orders by a JSON field. Without sort options results come back in
// insertion order.
func SortBy(field string, desc bool) FindOption {
	return func(o *findOptions) {
		o.orderBy = append(o.orderBy, "json_extract(body, ?)"+direction(desc))
		o.args = append(o.args, jsonPath(field))
	}
}

// SortByTime orders by a timestamp field.
func SortByTime(field string, desc bool) FindOption {
	return func(o *findOptions) {
		o.orderBy = append(o.orderBy, "julianday(json_extract(body, ?))"+direction(desc))
		o.args = append(o.args, jsonPath(field))
	}
}

// Limit caps the number of returned documents.
func Limit(n int) FindOption {
	return func(o *findOptions) { o.limit = n }
}

func direction(desc bool) string {
	if desc {
		return " DESC"
	}
	return " ASC"
}

// SQLiteStore keeps documents in a single SQLite table.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// Open opens (creating if needed) the database at path.
func Open(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (collection, id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// DB exposes the underlying handle for components sharing the file.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Insert stores a new document. A duplicate id yields errdefs.ErrConflict.
func (s *SQLiteStore) Insert(ctx context.Context, collection, id string, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, body, created_at) VALUES (?, ?, ?, ?)`,
		collection, id, string(body), time.Now().UnixNano())
	if err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%s/%s already exists: %w", collection, id, errdefs.ErrConflict)
		}
		return fmt.Errorf("insert %s/%s: %w", collection, id, err)
	}
	return nil
}

// Upsert replaces the document or inserts it. Replacing keeps its position
// in insertion order.
func (s *SQLiteStore) Upsert(ctx context.Context, collection, id string, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, body, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(collection, id) DO UPDATE SET body = excluded.body`,
		collection, id, string(body), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", collection, id, err)
	}
	return nil
}

// FindOne returns the first matching document in insertion order.
func (s *SQLiteStore) FindOne(ctx context.Context, collection string, filter Filter) (Document, error) {
	docs, err := s.Find(ctx, collection, filter, Limit(1))
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return docs[0], nil
}

// FindOneAndUpdate applies update to the first document matching filter in
// one statement and returns the updated document. The filter doubles as the
// compare half of a compare-and-set: when another writer changed a filtered
// field first, nothing matches and ErrNotFound is returned.
func (s *SQLiteStore) FindOneAndUpdate(ctx context.Context, collection string, filter Filter, update Update) (Document, error) {
	if update.empty() {
		return s.FindOne(ctx, collection, filter)
	}
	expr, exprArgs, err := update.expression()
	if err != nil {
		return nil, err
	}
	where, whereArgs, err := filter.where()
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(
		`UPDATE documents SET body = %s
		 WHERE collection = ? AND rowid = (
			SELECT rowid FROM documents WHERE collection = ? AND %s ORDER BY rowid LIMIT 1
		 )
		 RETURNING body`, expr, where)

	args := make([]any, 0, len(exprArgs)+len(whereArgs)+2)
	args = append(args, exprArgs...)
	args = append(args, collection, collection)
	args = append(args, whereArgs...)

	var body string
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update %s: %w", collection, err)
	}
	return Document(body), nil
}

// Find returns every matching document.
func (s *SQLiteStore) Find(ctx context.Context, collection string, filter Filter, opts ...FindOption) ([]Document, error) {
	where, args, err := filter.where()
	if err != nil {
		return nil, err
	}

	var o findOptions
	for _, opt := range opts {
		opt(&o)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `SELECT body FROM documents WHERE collection = ? AND %s`, where)
	qargs := append([]any{collection}, args...)
	if len(o.orderBy) > 0 {
		b.WriteString(" ORDER BY " + strings.Join(o.orderBy, ", ") + ", rowid")
		qargs = append(qargs, o.args...)
	} else {
		b.WriteString(" ORDER BY rowid")
	}
	if o.limit > 0 {
		b.WriteString(" LIMIT ?")
		qargs = append(qargs, o.limit)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), qargs...)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		docs = append(docs, Document(body))
	}
	return docs, rows.Err()
}

// Count returns the number of matching documents.
func (s *SQLiteStore) Count(ctx context.Context, collection string, filter Filter) (int64, error) {
	where, args, err := filter.where()
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM documents WHERE collection = ? AND %s`, where),
		append([]any{collection}, args...)...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	return n, nil
}

// DeleteOne removes the first matching document and reports whether one existed.
func (s *SQLiteStore) DeleteOne(ctx context.Context, collection string, filter Filter) (bool, error) {
	where, args, err := filter.where()
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM documents WHERE collection = ? AND rowid = (
			SELECT rowid FROM documents WHERE collection = ? AND %s ORDER BY rowid LIMIT 1)`, where),
		append([]any{collection, collection}, args...)...)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", collection, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteMany removes every matching document.
func (s *SQLiteStore) DeleteMany(ctx context.Context, collection string, filter Filter) (int64, error) {
	where, args, err := filter.where()
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM documents WHERE collection = ? AND %s`, where),
		append([]any{collection}, args...)...)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", collection, err)
	}
	return res.RowsAffected()
}

// DecodeAll decodes docs into a slice of T.
func DecodeAll[T any](docs []Document) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		var v T
		if err := d.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
