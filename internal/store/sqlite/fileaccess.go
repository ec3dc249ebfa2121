package sqlite

import (
	"context"
	"fmt"

	"sunwet.dev/sunwet/internal/node"
	"sunwet.dev/sunwet/internal/store"
)

func fileAccessInsertQ(ctx context.Context, q querier, fa store.FileAccess) error {
	const q1 = `insert into file_access (file_hash, page_id, page_version_hash) values (?, ?, ?)
		on conflict (file_hash, page_id, page_version_hash) do nothing`
	if _, err := q.ExecContext(ctx, q1, fa.FileHash.String(), string(fa.PageID), fa.PageVersionHash); err != nil {
		return fmt.Errorf("inserting file access: %w", err)
	}
	return nil
}

func (db *DB) FileAccessInsert(ctx context.Context, fa store.FileAccess) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	return fileAccessInsertQ(ctx, db.sqlDB, fa)
}

func fileAccessClearNonVersionQ(ctx context.Context, q querier, page store.MenuItemId, keepVersion int64) error {
	// Rows for (page, version) are atomically replaced when that page
	// re-renders; stale versions are removed (spec.md §3 Invariant 5).
	const q1 = `delete from file_access where page_id = ? and page_version_hash != ?`
	if _, err := q.ExecContext(ctx, q1, string(page), keepVersion); err != nil {
		return fmt.Errorf("clearing stale file access versions: %w", err)
	}
	return nil
}

func (db *DB) FileAccessClearNonVersion(ctx context.Context, page store.MenuItemId, keepVersion int64) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	return fileAccessClearNonVersionQ(ctx, db.sqlDB, page, keepVersion)
}

func (db *DB) FileAccessGet(ctx context.Context, hash node.FileHash) ([]store.MenuItemId, error) {
	const q1 = `select distinct page_id from file_access where file_hash = ?`
	rows, err := db.sqlDB.QueryContext(ctx, q1, hash.String())
	if err != nil {
		return nil, fmt.Errorf("getting file access: %w", err)
	}
	defer rows.Close()
	var out []store.MenuItemId
	for rows.Next() {
		var page string
		if err := rows.Scan(&page); err != nil {
			return nil, fmt.Errorf("scanning file access: %w", err)
		}
		out = append(out, store.MenuItemId(page))
	}
	return out, rows.Err()
}
