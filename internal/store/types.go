// Package store defines the versioned triple graph model of spec.md §3
// and the Store interface implemented by internal/store/sqlite.
package store

import (
	"context"
	"time"

	"sunwet.dev/sunwet/internal/node"
)

// MenuItemId is the stable identifier of a view/form page (spec.md
// GLOSSARY), used both for UI routing and for file_access grants.
type MenuItemId string

// Triple is a timestamped assertion that subject relates to object via
// predicate, with an existence flag. Identity is (subject, predicate,
// object, timestamp); microsecond precision per spec.md §3.
type Triple struct {
	Subject   node.Node
	Predicate string
	Object    node.Node
	Timestamp time.Time
	Exists    bool
}

// Commit is a human-described group of triples sharing one timestamp.
type Commit struct {
	Timestamp   time.Time
	Description string
}

// Meta is the derived per-node projection: mimetype (file nodes only),
// fulltext (value nodes), and the menu-item ids that confer read access.
type Meta struct {
	Node      node.Node
	Mimetype  string
	Fulltext  string
	IAMTarget []MenuItemId
}

// FileAccess is a versioned grant: holders of page_id's grant may fetch
// file_hash as long as page_version_hash matches the page's current
// rendering.
type FileAccess struct {
	FileHash        node.FileHash
	PageID          MenuItemId
	PageVersionHash int64
}

// DerivationKind names a server-computed rendition, e.g. "webm",
// "vtt:eng", "dir" (comic/book page manifest).
type DerivationKind string

// Derivation maps (source file, kind) to the rendition's mimetype and
// filename (relative to the derivations directory).
type Derivation struct {
	SourceHash node.FileHash
	Kind       DerivationKind
	Mimetype   string
	Filename   string
}

// HistoryEntry groups the triples sharing a commit's timestamp into add
// and remove lists, for the History API (spec.md §6).
type HistoryEntry struct {
	Timestamp   time.Time
	Description string
	Add         []Triple
	Remove      []Triple
}

// Store is the triple store's full surface (spec.md §4.1). A single
// implementation (internal/store/sqlite) backs it in this repo; the
// interface exists so the query compiler and commit handler can be
// exercised against an in-memory fake in tests.
type Store interface {
	// InsertTriple upserts by primary key (s,p,o,ts); on conflict it
	// overwrites exists only. No cascade.
	InsertTriple(ctx context.Context, t Triple) error
	// GetTriple returns the row with the greatest timestamp for (s,p,o).
	GetTriple(ctx context.Context, s node.Node, p string, o node.Node) (Triple, bool, error)
	ListBetween(ctx context.Context, start, end time.Time) ([]Triple, error)
	// ListTo returns the latest-per-(s,p,o) incoming edges of n (n as object).
	ListTo(ctx context.Context, n node.Node) ([]Triple, error)
	// ListFrom returns the latest-per-(s,p,o) outgoing edges of n (n as subject).
	ListFrom(ctx context.Context, n node.Node) ([]Triple, error)
	GCDeleted(ctx context.Context, epoch time.Time) error

	CommitInsert(ctx context.Context, c Commit) error
	CommitListBetween(ctx context.Context, start, end time.Time) ([]Commit, error)
	CommitGC(ctx context.Context) error

	MetaUpsertFile(ctx context.Context, n node.Node, mimetype string) error
	MetaUpsertFulltext(ctx context.Context, n node.Node, fulltext string) error
	MetaGet(ctx context.Context, n node.Node) (Meta, bool, error)
	MetaGC(ctx context.Context) error

	FileAccessInsert(ctx context.Context, fa FileAccess) error
	FileAccessClearNonVersion(ctx context.Context, page MenuItemId, keepVersion int64) error
	FileAccessGet(ctx context.Context, hash node.FileHash) ([]MenuItemId, error)

	DerivationUpsert(ctx context.Context, d Derivation) error
	DerivationGet(ctx context.Context, source node.FileHash, kind DerivationKind) (Derivation, bool, error)
	DerivationGC(ctx context.Context, liveSourceHashes func(node.FileHash) bool) error

	// History groups ListBetween's triples by commit timestamp.
	History(ctx context.Context, start, end time.Time) ([]HistoryEntry, error)

	// WithTx runs fn inside one write transaction; all of fn's writes
	// serialize against every other writer (spec.md §5).
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Close() error
}

// Tx is the subset of Store usable inside WithTx; commit handlers use it
// so that triples, meta, commit rows, and file_access all land in one
// atomic transaction (spec.md §4.5).
type Tx interface {
	InsertTriple(ctx context.Context, t Triple) error
	GetTriple(ctx context.Context, s node.Node, p string, o node.Node) (Triple, bool, error)
	CommitInsert(ctx context.Context, c Commit) error
	MetaUpsertFile(ctx context.Context, n node.Node, mimetype string) error
	MetaUpsertFulltext(ctx context.Context, n node.Node, fulltext string) error
	MetaGet(ctx context.Context, n node.Node) (Meta, bool, error)
	FileAccessInsert(ctx context.Context, fa FileAccess) error
	FileAccessClearNonVersion(ctx context.Context, page MenuItemId, keepVersion int64) error
}
