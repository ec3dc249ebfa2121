package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"sunwet.dev/sunwet/internal/node"
	"sunwet.dev/sunwet/internal/store"
)

func (db *DB) DerivationUpsert(ctx context.Context, d store.Derivation) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	const q1 = `insert into derivation (source_hash, kind, mimetype, filename) values (?, ?, ?, ?)
		on conflict (source_hash, kind) do update set mimetype = excluded.mimetype, filename = excluded.filename`
	if _, err := db.sqlDB.ExecContext(ctx, q1, d.SourceHash.String(), string(d.Kind), d.Mimetype, d.Filename); err != nil {
		return fmt.Errorf("upserting derivation: %w", err)
	}
	return nil
}

func (db *DB) DerivationGet(ctx context.Context, source node.FileHash, kind store.DerivationKind) (store.Derivation, bool, error) {
	const q1 = `select mimetype, filename from derivation where source_hash = ? and kind = ?`
	row := db.sqlDB.QueryRowContext(ctx, q1, source.String(), string(kind))
	var mimetype, filename string
	if err := row.Scan(&mimetype, &filename); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Derivation{}, false, nil
		}
		return store.Derivation{}, false, fmt.Errorf("getting derivation: %w", err)
	}
	return store.Derivation{SourceHash: source, Kind: kind, Mimetype: mimetype, Filename: filename}, true, nil
}

// DerivationGC deletes derivation rows whose source is no longer live,
// per spec.md §3 Invariant 4 ("reconciled by GC"). liveSourceHashes
// reports whether a given source hash still has a surviving meta row
// (i.e. is still referenced by a live triple).
func (db *DB) DerivationGC(ctx context.Context, liveSourceHashes func(node.FileHash) bool) error {
	const q1 = `select distinct source_hash from derivation`
	rows, err := db.sqlDB.QueryContext(ctx, q1)
	if err != nil {
		return fmt.Errorf("listing derivation sources: %w", err)
	}
	var dead []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			rows.Close()
			return fmt.Errorf("scanning derivation source: %w", err)
		}
		h, err := node.ParseFileHash(s)
		if err != nil {
			rows.Close()
			return fmt.Errorf("parsing derivation source hash: %w", err)
		}
		if !liveSourceHashes(h) {
			dead = append(dead, s)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(dead) == 0 {
		return nil
	}
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	for _, s := range dead {
		if _, err := db.sqlDB.ExecContext(ctx, `delete from derivation where source_hash = ?`, s); err != nil {
			return fmt.Errorf("deleting orphaned derivation: %w", err)
		}
	}
	return nil
}
