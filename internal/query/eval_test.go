package query_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sunwet.dev/sunwet/internal/node"
	"sunwet.dev/sunwet/internal/query"
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

func put(t *testing.T, db *sqlite.DB, s node.Node, p string, o node.Node, ts time.Time) {
	t.Helper()
	require.NoError(t, db.InsertTriple(context.Background(), store.Triple{
		Subject: s, Predicate: p, Object: o, Timestamp: ts, Exists: true,
	}))
}

func remove(t *testing.T, db *sqlite.DB, s node.Node, p string, o node.Node, ts time.Time) {
	t.Helper()
	require.NoError(t, db.InsertTriple(context.Background(), store.Triple{
		Subject: s, Predicate: p, Object: o, Timestamp: ts, Exists: false,
	}))
}

func literalRoot(n node.Node) *query.ChainRoot {
	return &query.ChainRoot{Value: query.Value{Literal: &n}}
}

// TestTwoEdgeChainAndDeletion reproduces spec.md §8 testable property 6:
// a two-edge chain query returns the expected endpoint, and re-running
// it after the first edge is removed returns nothing.
func TestTwoEdgeChainAndDeletion(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	album := mustValue(t, "album:1")
	track := mustValue(t, "track:1")
	title := mustValue(t, "Moon River")
	ts1 := time.Now().UTC().Truncate(time.Microsecond)
	ts2 := ts1.Add(time.Minute)

	put(t, db, album, "has_track", track, ts1)
	put(t, db, track, "title", title, ts1)

	bindTitle := "title"
	q := &query.Query{Chain: query.Chain{
		Root: literalRoot(album),
		Steps: []query.Step{
			{Kind: query.StepMove, Move: &query.MoveStep{Dir: query.Forward, Predicate: "has_track"}},
			{Kind: query.StepMove, Move: &query.MoveStep{Dir: query.Forward, Predicate: "title"}},
		},
		Bind: &bindTitle,
	}}

	ev := query.NewEvaluator(db)
	res, err := ev.EvalQuery(ctx, q, nil)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	titleNode := res.Records[0][bindTitle].Scalar
	require.NotNil(t, titleNode)
	raw, ok := titleNode.Value()
	require.True(t, ok)
	require.JSONEq(t, `"Moon River"`, string(raw))

	remove(t, db, album, "has_track", track, ts2)

	res, err = ev.EvalQuery(ctx, q, nil)
	require.NoError(t, err)
	require.Empty(t, res.Records)
}

func TestJunctionAndOr(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	root := mustValue(t, "root")
	a := mustValue(t, "a")
	b := mustValue(t, "b")
	ts := time.Now().UTC().Truncate(time.Microsecond)

	put(t, db, root, "link1", a, ts)
	put(t, db, root, "link2", b, ts)

	bind := "x"
	orChain := &query.Query{Chain: query.Chain{
		Root: literalRoot(root),
		Steps: []query.Step{
			{Kind: query.StepJunction, Junction: &query.JunctionStep{
				Type: query.JunctionOr,
				Subchains: []*query.Chain{
					{Steps: []query.Step{{Kind: query.StepMove, Move: &query.MoveStep{Dir: query.Forward, Predicate: "link1"}}}},
					{Steps: []query.Step{{Kind: query.StepMove, Move: &query.MoveStep{Dir: query.Forward, Predicate: "link2"}}}},
				},
			}},
		},
		Bind: &bind,
	}}

	ev := query.NewEvaluator(db)
	res, err := ev.EvalQuery(ctx, orChain, nil)
	require.NoError(t, err)
	require.Len(t, res.Records, 2)

	andChain := orChain
	andChain.Chain.Steps[0].Junction.Type = query.JunctionAnd
	res, err = ev.EvalQuery(ctx, andChain, nil)
	require.NoError(t, err)
	require.Empty(t, res.Records)
}

func TestRecurseClosure(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	n1 := mustValue(t, "n1")
	n2 := mustValue(t, "n2")
	n3 := mustValue(t, "n3")
	ts := time.Now().UTC().Truncate(time.Microsecond)

	put(t, db, n1, "child", n2, ts)
	put(t, db, n2, "child", n3, ts)

	bind := "descendant"
	q := &query.Query{Chain: query.Chain{
		Root: literalRoot(n1),
		Steps: []query.Step{
			{Kind: query.StepRecurse, Recurse: &query.RecurseStep{
				Subchain: &query.Chain{
					Steps: []query.Step{{Kind: query.StepMove, Move: &query.MoveStep{Dir: query.Forward, Predicate: "child"}}},
				},
			}},
		},
		Bind: &bind,
	}}

	ev := query.NewEvaluator(db)
	res, err := ev.EvalQuery(ctx, q, nil)
	require.NoError(t, err)
	require.Len(t, res.Records, 3) // n1 (zero steps), n2, n3
}

func TestCompareFilter(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	root := mustValue(t, "root")
	trackA := mustValue(t, "trackA")
	trackB := mustValue(t, "trackB")
	ts := time.Now().UTC().Truncate(time.Microsecond)

	put(t, db, root, "has_track", trackA, ts)
	put(t, db, root, "has_track", trackB, ts)
	put(t, db, trackA, "duration", mustValue(t, 120), ts)
	put(t, db, trackB, "duration", mustValue(t, 300), ts)

	threshold := mustValue(t, 200)
	bind := "track"
	q := &query.Query{Chain: query.Chain{
		Root: literalRoot(root),
		Steps: []query.Step{
			{Kind: query.StepMove, Move: &query.MoveStep{
				Dir:       query.Forward,
				Predicate: "has_track",
				Filter: &query.Filter{
					Kind: query.FilterCompare,
					Compare: &query.CompareFilter{
						Op: query.CompareGt,
						LHSSubchain: &query.Chain{
							Steps: []query.Step{{Kind: query.StepMove, Move: &query.MoveStep{Dir: query.Forward, Predicate: "duration"}}},
						},
						RHSValue: query.Value{Literal: &threshold},
					},
				},
			}},
		},
		Bind: &bind,
	}}

	ev := query.NewEvaluator(db)
	res, err := ev.EvalQuery(ctx, q, nil)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	got := res.Records[0][bind].Scalar
	require.NotNil(t, got)
	raw, _ := got.Value()
	require.JSONEq(t, `"trackB"`, string(raw))
}
