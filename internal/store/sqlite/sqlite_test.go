package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sunwet.dev/sunwet/internal/node"
	"sunwet.dev/sunwet/internal/store"
	"sunwet.dev/sunwet/internal/store/sqlite"
)

func openTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := sqlite.Open(context.Background(), filepath.Join(dir, "db.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func mustValue(t *testing.T, v any) node.Node {
	t.Helper()
	n, err := node.NewValueOf(v)
	require.NoError(t, err)
	return n
}

func TestInsertAndGetTriple(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	a := mustValue(t, "a")
	album := mustValue(t, "album")
	ts := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, db.InsertTriple(ctx, store.Triple{
		Subject: a, Predicate: "is", Object: album, Timestamp: ts, Exists: true,
	}))

	got, ok, err := db.GetTriple(ctx, a, "is", album)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Exists)
	require.True(t, got.Timestamp.Equal(ts))
}

// TestS1S2CommitAndRemove reproduces spec.md §8 scenarios S1/S2: commit a triple, read
// it back via ListFrom, then remove it and confirm it's gone.
func TestS1S2CommitAndRemove(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	a := mustValue(t, "a")
	album := mustValue(t, "album")
	t1 := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, db.InsertTriple(ctx, store.Triple{Subject: a, Predicate: "is", Object: album, Timestamp: t1, Exists: true}))
	require.NoError(t, db.CommitInsert(ctx, store.Commit{Timestamp: t1, Description: "s1"}))

	edges, err := db.ListFrom(ctx, a)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.Equal(t, "is", edges[0].Predicate)

	t2 := t1.Add(time.Millisecond)
	require.NoError(t, db.InsertTriple(ctx, store.Triple{Subject: a, Predicate: "is", Object: album, Timestamp: t2, Exists: false}))
	require.NoError(t, db.CommitInsert(ctx, store.Commit{Timestamp: t2, Description: "s2"}))

	edges, err = db.ListFrom(ctx, a)
	require.NoError(t, err)
	require.Empty(t, edges)
}

// TestGCDeleted reproduces spec.md §8 S6's three cases.
func TestGCDeleted(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	s := mustValue(t, "s")
	p := "pred"
	base := time.Now().UTC().Truncate(time.Microsecond)
	epoch := base.Add(time.Hour)

	t.Run("true-then-false before epoch yields zero rows", func(t *testing.T) {
		o := mustValue(t, "o1")
		t1 := base
		t2 := base.Add(time.Minute)
		require.NoError(t, db.InsertTriple(ctx, store.Triple{Subject: s, Predicate: p, Object: o, Timestamp: t1, Exists: true}))
		require.NoError(t, db.InsertTriple(ctx, store.Triple{Subject: s, Predicate: p, Object: o, Timestamp: t2, Exists: false}))
		require.NoError(t, db.GCDeleted(ctx, epoch))
		rows, err := db.ListBetween(ctx, time.Time{}, epoch.Add(time.Hour))
		require.NoError(t, err)
		require.Empty(t, filterNode(rows, o))
	})

	t.Run("true,true,false yields zero rows", func(t *testing.T) {
		o := mustValue(t, "o2")
		t1 := base
		t2 := base.Add(time.Minute)
		t3 := base.Add(2 * time.Minute)
		require.NoError(t, db.InsertTriple(ctx, store.Triple{Subject: s, Predicate: p, Object: o, Timestamp: t1, Exists: true}))
		require.NoError(t, db.InsertTriple(ctx, store.Triple{Subject: s, Predicate: p, Object: o, Timestamp: t2, Exists: true}))
		require.NoError(t, db.InsertTriple(ctx, store.Triple{Subject: s, Predicate: p, Object: o, Timestamp: t3, Exists: false}))
		require.NoError(t, db.GCDeleted(ctx, epoch))
		rows, err := db.ListBetween(ctx, time.Time{}, epoch.Add(time.Hour))
		require.NoError(t, err)
		require.Empty(t, filterNode(rows, o))
	})

	t.Run("false,true yields one row", func(t *testing.T) {
		o := mustValue(t, "o3")
		t1 := base
		t2 := base.Add(time.Minute)
		require.NoError(t, db.InsertTriple(ctx, store.Triple{Subject: s, Predicate: p, Object: o, Timestamp: t1, Exists: false}))
		require.NoError(t, db.InsertTriple(ctx, store.Triple{Subject: s, Predicate: p, Object: o, Timestamp: t2, Exists: true}))
		require.NoError(t, db.GCDeleted(ctx, epoch))
		rows, err := db.ListBetween(ctx, time.Time{}, epoch.Add(time.Hour))
		require.NoError(t, err)
		remaining := filterNode(rows, o)
		require.Len(t, remaining, 1)
		require.True(t, remaining[0].Exists)
		require.True(t, remaining[0].Timestamp.Equal(t2))
	})
}

func filterNode(rows []store.Triple, o node.Node) []store.Triple {
	oe, _ := o.Value()
	var out []store.Triple
	for _, r := range rows {
		if rv, ok := r.Object.Value(); ok && string(rv) == string(oe) {
			out = append(out, r)
		}
	}
	return out
}

func TestFileAccessVersioning(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	h := node.Sha256Hash([]byte("hello"))

	require.NoError(t, db.FileAccessInsert(ctx, store.FileAccess{FileHash: h, PageID: "page1", PageVersionHash: 1}))
	require.NoError(t, db.FileAccessInsert(ctx, store.FileAccess{FileHash: h, PageID: "page1", PageVersionHash: 1}))

	pages, err := db.FileAccessGet(ctx, h)
	require.NoError(t, err)
	require.Equal(t, []store.MenuItemId{"page1"}, pages)

	// re-render at a new version: old version rows are cleared.
	require.NoError(t, db.FileAccessInsert(ctx, store.FileAccess{FileHash: h, PageID: "page1", PageVersionHash: 2}))
	require.NoError(t, db.FileAccessClearNonVersion(ctx, "page1", 2))

	pages, err = db.FileAccessGet(ctx, h)
	require.NoError(t, err)
	require.Equal(t, []store.MenuItemId{"page1"}, pages)
}

func TestMetaFulltext(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	n := mustValue(t, map[string]any{"title": "Moon River", "tags": []string{"soundtrack", "1961"}})

	require.NoError(t, db.MetaUpsertFulltext(ctx, n, n.Fulltext()))
	m, ok, err := db.MetaGet(ctx, n)
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, m.Fulltext, "Moon River")
	require.Contains(t, m.Fulltext, "soundtrack")
	require.Contains(t, m.Fulltext, "title")
}

func TestWithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	n := mustValue(t, "txtest")
	p := mustValue(t, "p")

	err := db.WithTx(ctx, func(ctx context.Context, itx store.Tx) error {
		require.NoError(t, itx.InsertTriple(ctx, store.Triple{Subject: n, Predicate: "rel", Object: p, Timestamp: time.Now(), Exists: true}))
		return context.Canceled
	})
	require.Error(t, err)

	_, ok, err := db.GetTriple(ctx, n, "rel", p)
	require.NoError(t, err)
	require.False(t, ok)
}
