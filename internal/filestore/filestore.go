// Package filestore implements sunwet's content-addressed file store
// (spec.md §4.3): a sharded-by-hash-prefix disk layout grounded on
// perkeep's pkg/blobserver/localdisk, extended with a staged-upload
// area and a hash-verified idempotent finisher, since sunwet's files
// arrive over a chunked offset-addressed upload protocol rather than
// as whole blobs.
package filestore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"sunwet.dev/sunwet/internal/node"
)

var ErrNotFound = errors.New("filestore: not found")
var ErrHashMismatch = errors.New("filestore: hash mismatch")

// Store roots file content under root/files, pending chunked uploads
// under root/stage, and server-computed renditions under
// root/genfiles, mirroring localdisk's single-root-directory-of-shards
// layout three times over for sunwet's three content domains.
type Store struct {
	filesRoot    string
	stageRoot    string
	genfilesRoot string

	finishingMu sync.Mutex
	finishing   map[string]bool
}

func Open(root string) (*Store, error) {
	s := &Store{
		filesRoot:    filepath.Join(root, "files"),
		stageRoot:    filepath.Join(root, "stage"),
		genfilesRoot: filepath.Join(root, "genfiles"),
		finishing:    map[string]bool{},
	}
	for _, dir := range []string{s.filesRoot, s.stageRoot, s.genfilesRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating filestore directory %q: %w", dir, err)
		}
	}
	return s, nil
}

func shardDir(root string, h node.FileHash) string {
	d0, d1 := h.ShardPath()
	return filepath.Join(root, d0, d1)
}

func (s *Store) finalPath(h node.FileHash) string {
	return filepath.Join(shardDir(s.filesRoot, h), h.Hex)
}

func (s *Store) GenPath(h node.FileHash, kind string) string {
	return filepath.Join(shardDir(s.genfilesRoot, h), h.Hex+"."+kind)
}

func (s *Store) stagePath(uploadID string) string {
	return filepath.Join(s.stageRoot, uploadID)
}

// Stat reports whether the finished content for h exists, and its size.
func (s *Store) Stat(h node.FileHash) (size int64, ok bool, err error) {
	fi, err := os.Stat(s.finalPath(h))
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("statting %s: %w", h, err)
	}
	return fi.Size(), true, nil
}

// Open returns a ReadSeekCloser over the finished content for h, for
// range-aware serving (net/http.ServeContent handles the byte-range
// parsing once handed a ReadSeeker).
func (s *Store) Open(h node.FileHash) (io.ReadSeekCloser, error) {
	f, err := os.Open(s.finalPath(h))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", h, err)
	}
	return f, nil
}

// CreateStaged preallocates a zero-filled staging file of declared size
// for uploadID, per spec.md §4.3's chunked upload protocol (the client
// writes chunks at arbitrary offsets via X-Sunwet-Offset before the
// upload is finished).
func (s *Store) CreateStaged(uploadID string, size int64) error {
	path := s.stagePath(uploadID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating staged upload %q: %w", uploadID, err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("preallocating staged upload %q: %w", uploadID, err)
	}
	return nil
}

// WriteChunk writes b at offset into uploadID's staging file.
func (s *Store) WriteChunk(uploadID string, offset int64, b []byte) error {
	f, err := os.OpenFile(s.stagePath(uploadID), os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening staged upload %q: %w", uploadID, err)
	}
	defer f.Close()
	if _, err := f.WriteAt(b, offset); err != nil {
		return fmt.Errorf("writing staged upload %q at offset %d: %w", uploadID, offset, err)
	}
	return nil
}

// Finish hashes the staged upload, verifies it against want, and moves
// it into the final sharded location. It is safe to call concurrently
// for the same uploadID: only the first caller performs the move, and
// later callers block until it completes then succeed as a no-op,
// since a retried "finish" request for an upload already in flight
// must not race the rename (spec.md §4.3's "at most one concurrent
// finisher per hash" requirement).
func (s *Store) Finish(ctx context.Context, uploadID string, want node.FileHash) (node.FileHash, error) {
	s.finishingMu.Lock()
	for s.finishing[uploadID] {
		s.finishingMu.Unlock()
		select {
		case <-ctx.Done():
			return node.FileHash{}, ctx.Err()
		default:
		}
		s.finishingMu.Lock()
	}
	s.finishing[uploadID] = true
	s.finishingMu.Unlock()
	defer func() {
		s.finishingMu.Lock()
		delete(s.finishing, uploadID)
		s.finishingMu.Unlock()
	}()

	stagePath := s.stagePath(uploadID)
	if _, ok, err := s.Stat(want); err != nil {
		return node.FileHash{}, err
	} else if ok {
		// Content already present under its hash; the staged copy is
		// redundant (idempotent re-finish of the same hash).
		os.Remove(stagePath)
		return want, nil
	}

	got, err := hashFile(stagePath)
	if err != nil {
		return node.FileHash{}, err
	}
	if !want.IsZero() && got != want {
		return node.FileHash{}, fmt.Errorf("%w: staged %s hashed to %s, expected %s", ErrHashMismatch, uploadID, got, want)
	}

	dir := shardDir(s.filesRoot, got)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return node.FileHash{}, fmt.Errorf("creating shard directory: %w", err)
	}
	if err := os.Rename(stagePath, s.finalPath(got)); err != nil {
		return node.FileHash{}, fmt.Errorf("placing finished upload %q: %w", uploadID, err)
	}
	return got, nil
}

func hashFile(path string) (node.FileHash, error) {
	f, err := os.Open(path)
	if err != nil {
		return node.FileHash{}, fmt.Errorf("opening staged upload for hashing: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return node.FileHash{}, fmt.Errorf("hashing staged upload: %w", err)
	}
	return node.FileHash{Kind: node.Sha256, Hex: fmt.Sprintf("%x", h.Sum(nil))}, nil
}

// PutDerived writes a server-computed rendition (thumbnail, transcode,
// subtitle track) of kind for source h.
func (s *Store) PutDerived(h node.FileHash, kind string, r io.Reader) error {
	dir := shardDir(s.genfilesRoot, h)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating genfiles shard directory: %w", err)
	}
	path := s.GenPath(h, kind)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating derived file %q: %w", path, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing derived file %q: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Store) OpenDerived(h node.FileHash, kind string) (io.ReadSeekCloser, error) {
	f, err := os.Open(s.GenPath(h, kind))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Remove deletes finished content for h, used by garbage collection
// once the triple store reports no surviving reference.
func (s *Store) Remove(h node.FileHash) error {
	err := os.Remove(s.finalPath(h))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
