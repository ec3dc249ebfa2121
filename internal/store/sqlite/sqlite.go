// Package sqlite backs store.Store with a modernc.org/sqlite database,
// grounded on the schema and query shapes of the original Rust
// implementation's server/db.rs (original_source/), reworked into
// idiomatic database/sql the way the teacher's pkg/sorted/sqlite wraps
// a sqlite file behind a narrow Go interface.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"sunwet.dev/sunwet/internal/store"
)

// tsLayout is a fixed-width RFC3339 variant (always UTC, exactly six
// fractional digits) so that lexical text ordering equals chronological
// ordering in SQL comparisons and ORDER BY clauses.
const tsLayout = "2006-01-02T15:04:05.000000Z"

func encodeTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing stored timestamp %q: %w", s, err)
	}
	return t, nil
}

// DB implements store.Store over a single sqlite file. Writes are
// serialized by writeMu (spec.md §5: "a single async mutex serializes
// writes"); reads execute directly against the shared *sql.DB, which
// modernc.org/sqlite allows to proceed concurrently with a writer in
// WAL journal mode.
type DB struct {
	sqlDB   *sql.DB
	writeMu sync.Mutex
}

// Open opens (creating if needed) the sqlite database at path and runs
// migrations.
func Open(ctx context.Context, path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %q: %w", path, err)
	}
	sqlDB.SetMaxOpenConns(8)
	db := &DB{sqlDB: sqlDB}
	if err := db.migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Close() error {
	return db.sqlDB.Close()
}

// migrate creates the schema described in spec.md §3/§4.1 if absent,
// grounded on original_source/source/native/src/server/db.rs's table
// definitions. The triple table's (predicate,subject,ts) and
// (predicate,object,ts) indexes are deliberately non-unique here: a
// literal "unique" reading (as the distilled spec's prose suggests)
// would reject the outer-product form commit of spec.md §8 S4, which
// inserts two triples sharing (subject,predicate,timestamp) but
// differing only by object. See DESIGN.md for this resolved
// discrepancy.
func (db *DB) migrate(ctx context.Context) error {
	stmts := []string{
		`create table if not exists triple (
			subject text not null,
			predicate text not null,
			object text not null,
			timestamp text not null,
			exists_ integer not null,
			primary key (subject, predicate, object, timestamp)
		)`,
		`create index if not exists idx_triple_pred_subj on triple (predicate, subject, timestamp)`,
		`create index if not exists idx_triple_obj_pred_subj on triple (object, predicate, subject, timestamp)`,
		`create index if not exists idx_triple_pred_obj on triple (predicate, object, timestamp)`,
		`create table if not exists commit_ (
			timestamp text not null primary key,
			description text not null
		)`,
		`create table if not exists meta (
			node text not null primary key,
			mimetype text not null,
			fulltext text not null,
			iam_targets text not null
		)`,
		`create table if not exists file_access (
			file_hash text not null,
			page_id text not null,
			page_version_hash integer not null,
			primary key (file_hash, page_id, page_version_hash)
		)`,
		`create index if not exists idx_file_access_page on file_access (page_id, page_version_hash)`,
		`create table if not exists derivation (
			source_hash text not null,
			kind text not null,
			mimetype text not null,
			filename text not null,
			primary key (source_hash, kind)
		)`,
	}
	conn, err := db.sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquiring migration connection: %w", err)
	}
	defer conn.Close()
	for _, s := range stmts {
		if _, err := conn.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("running migration %q: %w", s, err)
		}
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx, letting read helpers
// in triples.go/meta.go/etc. be shared between top-level Store methods
// and the Tx wrapper.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

var _ store.Store = (*DB)(nil)
