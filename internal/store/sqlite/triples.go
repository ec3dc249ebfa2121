package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sunwet.dev/sunwet/internal/node"
	"sunwet.dev/sunwet/internal/store"
)

func insertTripleQ(ctx context.Context, q querier, t store.Triple) error {
	s, err := encodeNode(t.Subject)
	if err != nil {
		return err
	}
	o, err := encodeNode(t.Object)
	if err != nil {
		return err
	}
	// Upsert by primary key (s,p,o,ts); on conflict overwrite exists only
	// (spec.md §4.1). No cascade.
	const q1 = `insert into triple (subject, predicate, object, timestamp, exists_)
		values (?, ?, ?, ?, ?)
		on conflict (subject, predicate, object, timestamp) do update set exists_ = excluded.exists_`
	if _, err := q.ExecContext(ctx, q1, s, t.Predicate, o, encodeTime(t.Timestamp), t.Exists); err != nil {
		return fmt.Errorf("inserting triple: %w", err)
	}
	return nil
}

func (db *DB) InsertTriple(ctx context.Context, t store.Triple) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	return insertTripleQ(ctx, db.sqlDB, t)
}

func scanTriple(row interface {
	Scan(dest ...any) error
}) (store.Triple, error) {
	var subj, obj, ts string
	var exists bool
	var predicate string
	if err := row.Scan(&subj, &predicate, &obj, &ts, &exists); err != nil {
		return store.Triple{}, err
	}
	subjN, err := decodeNode(subj)
	if err != nil {
		return store.Triple{}, err
	}
	objN, err := decodeNode(obj)
	if err != nil {
		return store.Triple{}, err
	}
	tsT, err := decodeTime(ts)
	if err != nil {
		return store.Triple{}, err
	}
	return store.Triple{Subject: subjN, Predicate: predicate, Object: objN, Timestamp: tsT, Exists: exists}, nil
}

func getTripleQ(ctx context.Context, q querier, s node.Node, p string, o node.Node) (store.Triple, bool, error) {
	se, err := encodeNode(s)
	if err != nil {
		return store.Triple{}, false, err
	}
	oe, err := encodeNode(o)
	if err != nil {
		return store.Triple{}, false, err
	}
	const q1 = `select subject, predicate, object, timestamp, exists_ from triple
		where subject = ? and predicate = ? and object = ?
		order by timestamp desc limit 1`
	row := q.QueryRowContext(ctx, q1, se, p, oe)
	t, err := scanTriple(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Triple{}, false, nil
	}
	if err != nil {
		return store.Triple{}, false, fmt.Errorf("getting triple: %w", err)
	}
	return t, true, nil
}

func (db *DB) GetTriple(ctx context.Context, s node.Node, p string, o node.Node) (store.Triple, bool, error) {
	return getTripleQ(ctx, db.sqlDB, s, p, o)
}

func (db *DB) ListBetween(ctx context.Context, start, end time.Time) ([]store.Triple, error) {
	const q1 = `select subject, predicate, object, timestamp, exists_ from triple
		where timestamp >= ? and timestamp < ? order by timestamp asc`
	rows, err := db.sqlDB.QueryContext(ctx, q1, encodeTime(start), encodeTime(end))
	if err != nil {
		return nil, fmt.Errorf("listing triples between: %w", err)
	}
	defer rows.Close()
	var out []store.Triple
	for rows.Next() {
		t, err := scanTriple(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning triple: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTo returns the latest-per-(s,p,o) incoming edges of n (n as
// object), dropping exists=false rows, per spec.md §4.1.
func (db *DB) ListTo(ctx context.Context, n node.Node) ([]store.Triple, error) {
	return db.listEdges(ctx, "object", n)
}

// ListFrom returns the latest-per-(s,p,o) outgoing edges of n (n as
// subject), dropping exists=false rows.
func (db *DB) ListFrom(ctx context.Context, n node.Node) ([]store.Triple, error) {
	return db.listEdges(ctx, "subject", n)
}

func (db *DB) listEdges(ctx context.Context, column string, n node.Node) ([]store.Triple, error) {
	ne, err := encodeNode(n)
	if err != nil {
		return nil, err
	}
	// "latest row per (s,p,o)" via a correlated max-timestamp filter.
	q1 := fmt.Sprintf(`select t.subject, t.predicate, t.object, t.timestamp, t.exists_
		from triple t
		where t.%s = ?
		and t.timestamp = (
			select max(t2.timestamp) from triple t2
			where t2.subject = t.subject and t2.predicate = t.predicate and t2.object = t.object
		)
		and t.exists_ = 1`, column)
	rows, err := db.sqlDB.QueryContext(ctx, q1, ne)
	if err != nil {
		return nil, fmt.Errorf("listing edges: %w", err)
	}
	defer rows.Close()
	var out []store.Triple
	for rows.Next() {
		t, err := scanTriple(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning edge: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GCDeleted implements the GC algorithm of spec.md §4.1: given epoch E,
// keep exactly the latest pre-E row of every (s,p,o) whose latest
// pre-E state is exists=true; erase everything else strictly before E.
// Grounded on original_source/.../db.rs's triple_gc_deleted CTE.
func (db *DB) GCDeleted(ctx context.Context, epoch time.Time) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	const q1 = `with current (subject, predicate, object, event_stamp) as (
		select subject, predicate, object, max(timestamp)
		from triple
		where timestamp < ?
		group by subject, predicate, object
	)
	delete from triple
	where timestamp < ?
	and (
		exists_ = 0
		or not exists (
			select 1 from current
			where current.subject = triple.subject
			and current.predicate = triple.predicate
			and current.object = triple.object
			and current.event_stamp = triple.timestamp
		)
	)`
	e := encodeTime(epoch)
	if _, err := db.sqlDB.ExecContext(ctx, q1, e, e); err != nil {
		return fmt.Errorf("running triple gc: %w", err)
	}
	return nil
}
