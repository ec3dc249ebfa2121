// Command sunwet-import walks a directory of media files and
// writes a sunwet.json CliCommit describing the triples and file
// uploads a Commit call should apply (spec.md §6's "CLI tool import").
// Tag probing is summarised rather than fully specified there; this
// implementation sniffs each file's mimetype from its content and
// groups tracks into albums by filesystem layout, in the spirit of the
// teacher's own cmd/camtool subcommand-per-action cobra layout.
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"sunwet.dev/sunwet/internal/magic"
	"sunwet.dev/sunwet/internal/node"
)

// FileUploadPlaceholder marks a triple field that resolves to a file
// hash only once the accompanying file has actually been walked and
// hashed by this tool (spec.md §6).
type FileUploadPlaceholder struct {
	Path string `json:"path"`
}

type TripleDoc struct {
	Subject   json.RawMessage `json:"subject"`
	Predicate string          `json:"predicate"`
	Object    json.RawMessage `json:"object"`
}

// CliCommit is the output document fed into Commit (spec.md §6).
type CliCommit struct {
	Add   []TripleDoc `json:"add"`
	Files []FileEntry `json:"files"`
}

type FileEntry struct {
	Path     string `json:"path"`
	Hash     string `json:"hash"`
	Size     int64  `json:"size"`
	Mimetype string `json:"mimetype"`
}

type trackGroup struct {
	albumArtist string
	albumName   string
	mediaKind   string
	tracks      []string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "sunwet-import [path]",
		Short: "Walk a directory of media files and emit a sunwet.json CliCommit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			commit, err := walkAndGroup(args[0])
			if err != nil {
				return err
			}
			b, err := json.MarshalIndent(commit, "", "  ")
			if err != nil {
				return err
			}
			return os.WriteFile(out, b, 0o644)
		},
	}
	cmd.Flags().StringVar(&out, "out", "sunwet.json", "output path for the generated CliCommit")
	return cmd
}

func walkAndGroup(root string) (*CliCommit, error) {
	var files []FileEntry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !isMediaFile(path) {
			return nil
		}
		hash, size, err := hashFile(path)
		if err != nil {
			return fmt.Errorf("hashing %s: %w", path, err)
		}
		files = append(files, FileEntry{
			Path: path, Hash: hash.String(), Size: size, Mimetype: guessMimetype(path),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	groups := groupTracks(files)
	var adds []TripleDoc
	for _, g := range groups {
		albumNode, _ := node.NewValueOf(g.albumName)
		albumJSON, _ := json.Marshal(albumNode)
		isNode, _ := node.NewValueOf("album")
		isJSON, _ := json.Marshal(isNode)
		adds = append(adds, TripleDoc{Subject: albumJSON, Predicate: "is", Object: isJSON})
		for _, t := range g.tracks {
			trackNode, _ := node.NewValueOf(t)
			trackJSON, _ := json.Marshal(trackNode)
			adds = append(adds, TripleDoc{Subject: albumJSON, Predicate: "has_track", Object: trackJSON})
		}
	}

	return &CliCommit{Add: adds, Files: files}, nil
}

// groupTracks groups tracks into albums by the name of each file's
// parent directory, in first-seen order. Embedded tags are not read:
// albumArtist is left empty and mediaKind is the first track's
// mimetype.
func groupTracks(files []FileEntry) []trackGroup {
	byAlbum := map[string]*trackGroup{}
	var order []string
	for _, f := range files {
		album := filepath.Base(filepath.Dir(f.Path))
		g, ok := byAlbum[album]
		if !ok {
			g = &trackGroup{albumName: album, mediaKind: f.Mimetype}
			byAlbum[album] = g
			order = append(order, album)
		}
		g.tracks = append(g.tracks, f.Hash)
	}
	out := make([]trackGroup, 0, len(order))
	for _, a := range order {
		out = append(out, *byAlbum[a])
	}
	return out
}

func isMediaFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3", ".flac", ".ogg", ".m4a", ".wav", ".mp4", ".mkv", ".webm", ".avi":
		return true
	default:
		return false
	}
}

// guessMimetype sniffs path's content via internal/magic, falling back
// to an extension guess for formats the byte-signature table doesn't
// cover (e.g. .m4a, .mkv share containers with types magic doesn't
// disambiguate from raw bytes alone).
func guessMimetype(path string) string {
	if f, err := os.Open(path); err == nil {
		defer f.Close()
		if t := magic.MIMETypeFromReaderAt(f); t != "" {
			return t
		}
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".m4a":
		return "audio/mp4"
	case ".mkv":
		return "video/x-matroska"
	default:
		if t := magic.MIMETypeByExtension(filepath.Ext(path)); t != "" {
			return t
		}
		return "application/octet-stream"
	}
}

func hashFile(path string) (node.FileHash, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return node.FileHash{}, 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return node.FileHash{}, 0, err
	}
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return node.FileHash{}, 0, err
	}
	return node.FileHash{Kind: node.Sha256, Hex: hex.EncodeToString(h.Sum(nil))}, info.Size(), nil
}
