package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"sunwet.dev/sunwet/internal/node"
	"sunwet.dev/sunwet/internal/store"
)

func metaUpsertFileQ(ctx context.Context, q querier, n node.Node, mimetype string) error {
	ne, err := encodeNode(n)
	if err != nil {
		return err
	}
	// mimetype is set only for File nodes when first registered
	// (spec.md §3); a later re-registration of the same hash does not
	// overwrite it.
	const q1 = `insert into meta (node, mimetype, fulltext, iam_targets) values (?, ?, '', '[]')
		on conflict (node) do update set mimetype = case when meta.mimetype = '' then excluded.mimetype else meta.mimetype end`
	if _, err := q.ExecContext(ctx, q1, ne, mimetype); err != nil {
		return fmt.Errorf("upserting file meta: %w", err)
	}
	return nil
}

func (db *DB) MetaUpsertFile(ctx context.Context, n node.Node, mimetype string) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	return metaUpsertFileQ(ctx, db.sqlDB, n, mimetype)
}

func metaUpsertFulltextQ(ctx context.Context, q querier, n node.Node, fulltext string) error {
	ne, err := encodeNode(n)
	if err != nil {
		return err
	}
	const q1 = `insert into meta (node, mimetype, fulltext, iam_targets) values (?, '', ?, '[]')
		on conflict (node) do update set fulltext = excluded.fulltext`
	if _, err := q.ExecContext(ctx, q1, ne, fulltext); err != nil {
		return fmt.Errorf("upserting fulltext meta: %w", err)
	}
	return nil
}

func (db *DB) MetaUpsertFulltext(ctx context.Context, n node.Node, fulltext string) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	return metaUpsertFulltextQ(ctx, db.sqlDB, n, fulltext)
}

func metaGetQ(ctx context.Context, q querier, n node.Node) (store.Meta, bool, error) {
	ne, err := encodeNode(n)
	if err != nil {
		return store.Meta{}, false, err
	}
	const q1 = `select mimetype, fulltext, iam_targets from meta where node = ?`
	row := q.QueryRowContext(ctx, q1, ne)
	var mimetype, fulltext, iamJSON string
	if err := row.Scan(&mimetype, &fulltext, &iamJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Meta{}, false, nil
		}
		return store.Meta{}, false, fmt.Errorf("getting meta: %w", err)
	}
	ids, err := decodeMenuItems(iamJSON)
	if err != nil {
		return store.Meta{}, false, err
	}
	menuIDs := make([]store.MenuItemId, 0, len(ids))
	for _, id := range ids {
		menuIDs = append(menuIDs, store.MenuItemId(id))
	}
	return store.Meta{Node: n, Mimetype: mimetype, Fulltext: fulltext, IAMTarget: menuIDs}, true, nil
}

func (db *DB) MetaGet(ctx context.Context, n node.Node) (store.Meta, bool, error) {
	return metaGetQ(ctx, db.sqlDB, n)
}

// MetaGC deletes meta rows whose node no longer appears as subject or
// object of any surviving triple, per spec.md §4.1.
func (db *DB) MetaGC(ctx context.Context) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	const q1 = `delete from meta where not exists (
		select 1 from triple where triple.subject = meta.node or triple.object = meta.node
	)`
	if _, err := db.sqlDB.ExecContext(ctx, q1); err != nil {
		return fmt.Errorf("running meta gc: %w", err)
	}
	return nil
}
