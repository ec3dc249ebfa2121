package sqlite

import (
	"context"
	"fmt"
	"time"

	"sunwet.dev/sunwet/internal/store"
)

func commitInsertQ(ctx context.Context, q querier, c store.Commit) error {
	const q1 = `insert into commit_ (timestamp, description) values (?, ?)`
	if _, err := q.ExecContext(ctx, q1, encodeTime(c.Timestamp), c.Description); err != nil {
		return fmt.Errorf("inserting commit: %w", err)
	}
	return nil
}

func (db *DB) CommitInsert(ctx context.Context, c store.Commit) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	return commitInsertQ(ctx, db.sqlDB, c)
}

func (db *DB) CommitListBetween(ctx context.Context, start, end time.Time) ([]store.Commit, error) {
	const q1 = `select timestamp, description from commit_ where timestamp >= ? and timestamp < ? order by timestamp asc`
	rows, err := db.sqlDB.QueryContext(ctx, q1, encodeTime(start), encodeTime(end))
	if err != nil {
		return nil, fmt.Errorf("listing commits: %w", err)
	}
	defer rows.Close()
	var out []store.Commit
	for rows.Next() {
		var ts, desc string
		if err := rows.Scan(&ts, &desc); err != nil {
			return nil, fmt.Errorf("scanning commit: %w", err)
		}
		t, err := decodeTime(ts)
		if err != nil {
			return nil, err
		}
		out = append(out, store.Commit{Timestamp: t, Description: desc})
	}
	return out, rows.Err()
}

// CommitGC deletes commit rows with no surviving triple at that
// timestamp, per spec.md §4.1 ("deleting the last triple of a commit
// removes the commit row").
func (db *DB) CommitGC(ctx context.Context) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	const q1 = `delete from commit_ where not exists (
		select 1 from triple where triple.timestamp = commit_.timestamp
	)`
	if _, err := db.sqlDB.ExecContext(ctx, q1); err != nil {
		return fmt.Errorf("running commit gc: %w", err)
	}
	return nil
}

func (db *DB) History(ctx context.Context, start, end time.Time) ([]store.HistoryEntry, error) {
	commits, err := db.CommitListBetween(ctx, start, end)
	if err != nil {
		return nil, err
	}
	triples, err := db.ListBetween(ctx, start, end)
	if err != nil {
		return nil, err
	}
	byTS := make(map[time.Time][]store.Triple)
	for _, t := range triples {
		byTS[t.Timestamp] = append(byTS[t.Timestamp], t)
	}
	out := make([]store.HistoryEntry, 0, len(commits))
	for _, c := range commits {
		var add, remove []store.Triple
		for _, t := range byTS[c.Timestamp] {
			if t.Exists {
				add = append(add, t)
			} else {
				remove = append(remove, t)
			}
		}
		out = append(out, store.HistoryEntry{
			Timestamp:   c.Timestamp,
			Description: c.Description,
			Add:         add,
			Remove:      remove,
		})
	}
	return out, nil
}
