package derive

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sunwet.dev/sunwet/internal/filestore"
	"sunwet.dev/sunwet/internal/node"
	"sunwet.dev/sunwet/internal/store/sqlite"
)

func newTestDeps(t *testing.T) (*sqlite.DB, *filestore.Store) {
	t.Helper()
	dir := t.TempDir()
	db, err := sqlite.Open(context.Background(), filepath.Join(dir, "db.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	fs, err := filestore.Open(filepath.Join(dir, "files"))
	require.NoError(t, err)
	return db, fs
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// placeFile stages and finishes content under its own hash, then
// registers its mimetype, returning the resulting hash.
func placeFile(t *testing.T, db *sqlite.DB, fs *filestore.Store, content []byte, mimetype string) node.FileHash {
	t.Helper()
	ctx := context.Background()
	uploadID := "upload-" + mimetype
	require.NoError(t, fs.CreateStaged(uploadID, int64(len(content))))
	require.NoError(t, fs.WriteChunk(uploadID, 0, content))
	hash, err := fs.Finish(ctx, uploadID, node.FileHash{})
	require.NoError(t, err)
	require.NoError(t, db.MetaUpsertFile(ctx, node.NewFile(hash), mimetype))
	return hash
}

func buildCBZ(t *testing.T, pages ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, p := range pages {
		w, err := zw.Create(p)
		require.NoError(t, err)
		_, err = w.Write([]byte("fake page bytes"))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestProcessPaginatedCBZ(t *testing.T) {
	ctx := context.Background()
	db, fs := newTestDeps(t)
	content := buildCBZ(t, "002.jpg", "001.jpg", "cover.txt")
	hash := placeFile(t, db, fs, content, "application/x-cbz")

	w := NewWorker(db, fs, nil, discardLogger())
	require.NoError(t, w.process(ctx, hash))

	d, ok, err := db.DerivationGet(ctx, hash, "dir")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "application/json", d.Mimetype)

	r, err := fs.OpenDerived(hash, "dir")
	require.NoError(t, err)
	defer r.Close()
	manifest, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Contains(t, string(manifest), "001.jpg")
	require.Contains(t, string(manifest), "002.jpg")
	require.NotContains(t, string(manifest), "cover.txt")
}

func TestProcessUnsupportedMimetypeIsNoop(t *testing.T) {
	ctx := context.Background()
	db, fs := newTestDeps(t)
	hash := placeFile(t, db, fs, []byte("plain text content"), "text/plain")

	w := NewWorker(db, fs, nil, discardLogger())
	require.NoError(t, w.process(ctx, hash))

	_, ok, err := db.DerivationGet(ctx, hash, "dir")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestProcessUnknownHashIsNoop(t *testing.T) {
	ctx := context.Background()
	db, fs := newTestDeps(t)
	w := NewWorker(db, fs, nil, discardLogger())

	missing := node.FileHash{Kind: node.Sha256, Hex: "0000000000000000000000000000000000000000000000000000000000000000"[:64]}
	require.NoError(t, w.process(ctx, missing))
}

// TestProcessVideoWithoutFfmpegErrors exercises the dispatch path for
// video mimetypes; the worker's ffprobePath/ffmpegPath are left empty
// here since ffmpeg isn't assumed to be on the test host.
func TestProcessVideoWithoutFfmpegErrors(t *testing.T) {
	ctx := context.Background()
	db, fs := newTestDeps(t)
	hash := placeFile(t, db, fs, []byte("not really a video"), "video/mp4")

	w := NewWorker(db, fs, nil, discardLogger())
	w.ffprobePath = ""
	w.ffmpegPath = ""
	require.Error(t, w.process(ctx, hash))
}

func TestIsComicOrBook(t *testing.T) {
	require.True(t, isComicOrBook("application/x-cbz"))
	require.True(t, isComicOrBook("application/epub+zip"))
	require.True(t, isComicOrBook("application/pdf"))
	require.False(t, isComicOrBook("video/mp4"))
}

func TestRunForwardsJobsUntilContextCancelled(t *testing.T) {
	db, fs := newTestDeps(t)
	content := buildCBZ(t, "001.jpg")
	hash := placeFile(t, db, fs, content, "application/x-cbz")

	jobs := make(chan Job, 1)
	w := NewWorker(db, fs, jobs, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	jobs <- Job{Hash: hash}
	require.Eventually(t, func() bool {
		_, ok, err := db.DerivationGet(context.Background(), hash, "dir")
		return err == nil && ok
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
