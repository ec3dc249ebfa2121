package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"sunwet.dev/sunwet/internal/node"
	"sunwet.dev/sunwet/internal/store"
)

// tx implements store.Tx by delegating to the same q-parameterized
// helpers top-level DB methods use, scoped to a single *sql.Tx so a
// commit's triples, meta updates, and file_access rows land atomically
// (spec.md §4.5, §5).
type tx struct {
	sqlTx *sql.Tx
}

func (t *tx) InsertTriple(ctx context.Context, tr store.Triple) error {
	return insertTripleQ(ctx, t.sqlTx, tr)
}

func (t *tx) GetTriple(ctx context.Context, s node.Node, p string, o node.Node) (store.Triple, bool, error) {
	return getTripleQ(ctx, t.sqlTx, s, p, o)
}

func (t *tx) CommitInsert(ctx context.Context, c store.Commit) error {
	return commitInsertQ(ctx, t.sqlTx, c)
}

func (t *tx) MetaUpsertFile(ctx context.Context, n node.Node, mimetype string) error {
	return metaUpsertFileQ(ctx, t.sqlTx, n, mimetype)
}

func (t *tx) MetaUpsertFulltext(ctx context.Context, n node.Node, fulltext string) error {
	return metaUpsertFulltextQ(ctx, t.sqlTx, n, fulltext)
}

func (t *tx) MetaGet(ctx context.Context, n node.Node) (store.Meta, bool, error) {
	return metaGetQ(ctx, t.sqlTx, n)
}

func (t *tx) FileAccessInsert(ctx context.Context, fa store.FileAccess) error {
	return fileAccessInsertQ(ctx, t.sqlTx, fa)
}

func (t *tx) FileAccessClearNonVersion(ctx context.Context, page store.MenuItemId, keepVersion int64) error {
	return fileAccessClearNonVersionQ(ctx, t.sqlTx, page, keepVersion)
}

// WithTx serializes against every other writer via writeMu and runs fn
// inside one sqlite transaction, rolling back on error or panic.
func (db *DB) WithTx(ctx context.Context, fn func(ctx context.Context, itx store.Tx) error) (err error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	sqlTx, err := db.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			sqlTx.Rollback()
			panic(p)
		}
	}()
	if err := fn(ctx, &tx{sqlTx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
