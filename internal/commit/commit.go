// Package commit implements sunwet's commit handler (spec.md §4.5),
// grounded line-for-line on original_source/.../handle_files.rs's
// commit function: stage any new files, then in one write transaction
// upsert meta rows, apply removes and adds with skip-if-already-that-
// state semantics, and record a commit row only if something actually
// changed.
package commit

import (
	"context"
	"fmt"
	"time"

	"sunwet.dev/sunwet/internal/filestore"
	"sunwet.dev/sunwet/internal/magic"
	"sunwet.dev/sunwet/internal/node"
	"sunwet.dev/sunwet/internal/store"
)

// FileInfo declares a file a commit references, by hash, declared
// size, and mimetype (set once at first registration per spec.md §3).
type FileInfo struct {
	Hash     node.FileHash
	Size     int64
	Mimetype string
}

// Request is the Commit RPC body (spec.md §6).
type Request struct {
	Add     []store.Triple
	Remove  []store.Triple
	Files   []FileInfo
	Comment string
}

// Response is the Commit RPC result: the subset of Files whose placed
// content does not exist yet and must still be uploaded.
type Response struct {
	Incomplete []node.FileHash
}

type Handler struct {
	Store store.Store
	Files *filestore.Store
}

func New(s store.Store, fs *filestore.Store) *Handler {
	return &Handler{Store: s, Files: fs}
}

func (h *Handler) Commit(ctx context.Context, req Request) (Response, error) {
	now := time.Now().UTC()

	var incomplete []node.FileHash
	for _, fi := range req.Files {
		if _, ok, err := h.Files.Stat(fi.Hash); err != nil {
			return Response{}, fmt.Errorf("statting file %s: %w", fi.Hash, err)
		} else if ok {
			continue
		}
		incomplete = append(incomplete, fi.Hash)
	}

	mutated := false
	err := h.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, fi := range req.Files {
			uploadID := fi.Hash.String()
			if _, ok, err := h.Files.Stat(fi.Hash); err != nil {
				return err
			} else if !ok {
				if err := h.Files.CreateStaged(uploadID, fi.Size); err != nil {
					return fmt.Errorf("staging %s: %w", fi.Hash, err)
				}
			}
			mimetype := fi.Mimetype
			if mimetype == "" {
				if r, err := h.Files.Open(fi.Hash); err == nil {
					mimetype = magic.MIMETypeFromReaderAt(r)
					r.Close()
				}
			}
			fileNode := node.NewFile(fi.Hash)
			if err := tx.MetaUpsertFile(ctx, fileNode, mimetype); err != nil {
				return fmt.Errorf("upserting meta for %s: %w", fi.Hash, err)
			}
		}

		for _, t := range req.Remove {
			cur, ok, err := tx.GetTriple(ctx, t.Subject, t.Predicate, t.Object)
			if err != nil {
				return err
			}
			if !ok || !cur.Exists {
				continue // already absent: no-op per spec.md's conflict-free skip
			}
			if err := tx.InsertTriple(ctx, store.Triple{
				Subject: t.Subject, Predicate: t.Predicate, Object: t.Object,
				Timestamp: now, Exists: false,
			}); err != nil {
				return err
			}
			mutated = true
		}

		for _, t := range req.Add {
			cur, ok, err := tx.GetTriple(ctx, t.Subject, t.Predicate, t.Object)
			if err != nil {
				return err
			}
			if ok && cur.Exists {
				continue // already present: no-op
			}
			if err := upsertFulltext(ctx, tx, t.Subject); err != nil {
				return err
			}
			if err := upsertFulltext(ctx, tx, t.Object); err != nil {
				return err
			}
			if err := tx.InsertTriple(ctx, store.Triple{
				Subject: t.Subject, Predicate: t.Predicate, Object: t.Object,
				Timestamp: now, Exists: true,
			}); err != nil {
				return err
			}
			mutated = true
		}

		if mutated {
			if err := tx.CommitInsert(ctx, store.Commit{Timestamp: now, Description: req.Comment}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Response{}, fmt.Errorf("applying commit: %w", err)
	}

	return Response{Incomplete: incomplete}, nil
}

func upsertFulltext(ctx context.Context, tx store.Tx, n node.Node) error {
	if !n.IsValue() {
		return nil
	}
	return tx.MetaUpsertFulltext(ctx, n, n.Fulltext())
}
