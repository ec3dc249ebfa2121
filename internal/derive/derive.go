// Package derive implements sunwet's derivation worker (spec.md §4.4):
// it consumes newly placed file hashes and, depending on their
// mimetype, invokes ffprobe/ffmpeg to produce subtitle tracks, a WebM
// transcode, or (for comic/book containers) a paginated directory
// manifest. The exec.Command invocation style is grounded on perkeep's
// internal/images/docker.go; the per-file failure isolation (log and
// move on, never block the channel) is grounded on
// original_source/.../handle_files.rs's derivation dispatch.
package derive

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"golang.org/x/sync/errgroup"

	"sunwet.dev/sunwet/internal/chanworker"
	"sunwet.dev/sunwet/internal/filestore"
	"sunwet.dev/sunwet/internal/node"
	"sunwet.dev/sunwet/internal/store"
)

// concurrency bounds how many files are derived simultaneously. ffmpeg
// invocations are CPU- and I/O-heavy; a handful in flight at once keeps
// a large backlog from starving the rest of the server.
const concurrency = 4

// Job is one unit of derivation work: a newly placed file's hash.
type Job struct {
	Hash node.FileHash
}

// subtitleCodecs lists the ffprobe codec_name values spec.md §4.4
// treats as extractable subtitle streams.
var subtitleCodecs = map[string]bool{
	"ass": true, "srt": true, "ssa": true, "webvtt": true, "subrip": true, "stl": true,
}

type Worker struct {
	store store.Store
	files *filestore.Store
	jobs  <-chan Job
	log   *slog.Logger

	// ffprobePath/ffmpegPath allow tests to substitute fakes; in
	// production both resolve via exec.LookPath at construction.
	ffprobePath string
	ffmpegPath  string
}

func NewWorker(s store.Store, fs *filestore.Store, jobs <-chan Job, log *slog.Logger) *Worker {
	ffprobe, _ := exec.LookPath("ffprobe")
	ffmpeg, _ := exec.LookPath("ffmpeg")
	return &Worker{store: s, files: fs, jobs: jobs, log: log, ffprobePath: ffprobe, ffmpegPath: ffmpeg}
}

// Run fans jobs out across a bounded pool until ctx is cancelled. Each
// job's failures are logged and do not stop the pipeline, and one
// slow file never blocks another from starting (spec.md §4.4: "the
// pipeline does not block other files").
func (w *Worker) Run(ctx context.Context) {
	pool := chanworker.NewWorker(concurrency, func(job Job) {
		if err := w.process(ctx, job.Hash); err != nil {
			w.log.ErrorContext(ctx, "derivation failed", "hash", job.Hash, "error", err)
		}
	})
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-w.jobs:
			if !ok {
				return
			}
			select {
			case pool <- job:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (w *Worker) process(ctx context.Context, hash node.FileHash) error {
	meta, ok, err := w.store.MetaGet(ctx, node.NewFile(hash))
	if err != nil {
		return fmt.Errorf("looking up meta: %w", err)
	}
	if !ok {
		return nil
	}
	switch {
	case strings.HasPrefix(meta.Mimetype, "video/"):
		return w.processVideo(ctx, hash, meta.Mimetype)
	case isComicOrBook(meta.Mimetype):
		return w.processPaginated(ctx, hash, meta.Mimetype)
	case strings.HasPrefix(meta.Mimetype, "image/"):
		raw, err := readAll(w.files, hash)
		if err != nil {
			return fmt.Errorf("reading image for cover extraction: %w", err)
		}
		return w.extractCover(ctx, hash, meta.Mimetype, raw)
	default:
		return nil // unsupported mimetype: exit per spec.md §4.4 step 1
	}
}

func readAll(fs *filestore.Store, hash node.FileHash) ([]byte, error) {
	r, err := fs.Open(hash)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (w *Worker) processVideo(ctx context.Context, hash node.FileHash, mimetype string) error {
	if w.ffprobePath == "" || w.ffmpegPath == "" {
		return errors.New("ffprobe/ffmpeg not found in PATH")
	}
	streams, err := w.probeSubtitleStreams(ctx, hash)
	if err != nil {
		return fmt.Errorf("probing streams: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, st := range streams {
		st := st
		g.Go(func() error {
			return w.extractSubtitle(gctx, hash, st)
		})
	}
	if mimetype != "video/webm" {
		g.Go(func() error {
			return w.transcodeWebm(gctx, hash)
		})
	}
	return g.Wait()
}

type subtitleStream struct {
	Index    int
	Codec    string
	Language string
}

type ffprobeOutput struct {
	Streams []struct {
		Index     int    `json:"index"`
		CodecName string `json:"codec_name"`
		CodecType string `json:"codec_type"`
		Tags      struct {
			Language string `json:"language"`
		} `json:"tags"`
	} `json:"streams"`
}

func (w *Worker) probeSubtitleStreams(ctx context.Context, hash node.FileHash) ([]subtitleStream, error) {
	r, err := w.files.Open(hash)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	cmd := exec.CommandContext(ctx, w.ffprobePath,
		"-v", "quiet", "-print_format", "json", "-show_streams", "-select_streams", "s", "pipe:0")
	cmd.Stdin = r
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffprobe: %w", err)
	}

	var out ffprobeOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("parsing ffprobe output: %w", err)
	}
	var streams []subtitleStream
	for i, s := range out.Streams {
		if !subtitleCodecs[s.CodecName] || s.Tags.Language == "" {
			continue
		}
		streams = append(streams, subtitleStream{Index: i, Codec: s.CodecName, Language: s.Tags.Language})
	}
	return streams, nil
}

func (w *Worker) extractSubtitle(ctx context.Context, hash node.FileHash, st subtitleStream) error {
	r, err := w.files.Open(hash)
	if err != nil {
		return err
	}
	defer r.Close()

	cmd := exec.CommandContext(ctx, w.ffmpegPath,
		"-i", "pipe:0", "-map", fmt.Sprintf("0:s:%d", st.Index), "-codec:s", "webvtt", "-f", "webvtt", "pipe:1")
	cmd.Stdin = r
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg subtitle extraction (lang=%s): %w", st.Language, err)
	}
	kind := store.DerivationKind("vtt:" + st.Language)
	if err := w.files.PutDerived(hash, string(kind), &stdout); err != nil {
		return err
	}
	return w.store.DerivationUpsert(ctx, store.Derivation{
		SourceHash: hash, Kind: kind, Mimetype: "text/vtt", Filename: hash.Hex + "." + string(kind),
	})
}

// transcodeWebm produces a two-pass CRF-30 WebM rendition (spec.md §4.4
// step 3). The two passes run sequentially since libvpx's second pass
// depends on the first pass's statistics file.
func (w *Worker) transcodeWebm(ctx context.Context, hash node.FileHash) error {
	r1, err := w.files.Open(hash)
	if err != nil {
		return err
	}
	pass1 := exec.CommandContext(ctx, w.ffmpegPath,
		"-i", "pipe:0", "-c:v", "libvpx-vp9", "-crf", "30", "-b:v", "0", "-pass", "1", "-an", "-f", "null", "/dev/null")
	pass1.Stdin = r1
	err = pass1.Run()
	r1.Close()
	if err != nil {
		return fmt.Errorf("ffmpeg pass 1: %w", err)
	}

	r2, err := w.files.Open(hash)
	if err != nil {
		return err
	}
	defer r2.Close()
	pass2 := exec.CommandContext(ctx, w.ffmpegPath,
		"-i", "pipe:0", "-c:v", "libvpx-vp9", "-crf", "30", "-b:v", "0", "-pass", "2",
		"-c:a", "libopus", "-f", "webm", "pipe:1")
	pass2.Stdin = r2
	var stdout bytes.Buffer
	pass2.Stdout = &stdout
	if err := pass2.Run(); err != nil {
		return fmt.Errorf("ffmpeg pass 2: %w", err)
	}

	if err := w.files.PutDerived(hash, "webm", &stdout); err != nil {
		return err
	}
	return w.store.DerivationUpsert(ctx, store.Derivation{
		SourceHash: hash, Kind: "webm", Mimetype: "video/webm", Filename: hash.Hex + ".webm",
	})
}

func isComicOrBook(mimetype string) bool {
	switch mimetype {
	case "application/vnd.comicbook+zip", "application/x-cbz", "application/x-cbr",
		"application/epub+zip", "application/pdf":
		return true
	default:
		return false
	}
}

// pageManifest is the JSON list of page-relative-path strings served
// at the "dir" derivation kind (spec.md §4.4 step 4).
type pageManifest struct {
	Pages []string `json:"pages"`
}

// processPaginated expands a comic/book container into a page manifest.
// Actual archive expansion is out of this package's exec surface (it
// uses Go's archive/zip for cbz/epub containers rather than shelling
// out); xml is pulled in for epub's OPF manifest parsing.
func (w *Worker) processPaginated(ctx context.Context, hash node.FileHash, mimetype string) error {
	r, err := w.files.Open(hash)
	if err != nil {
		return err
	}
	defer r.Close()

	var manifest pageManifest
	switch mimetype {
	case "application/epub+zip":
		manifest, err = readEpubManifest(r)
	default:
		manifest, err = readZipManifest(r)
	}
	if err != nil {
		return fmt.Errorf("building page manifest: %w", err)
	}

	b, err := json.Marshal(manifest)
	if err != nil {
		return err
	}
	if err := w.files.PutDerived(hash, "dir", bytes.NewReader(b)); err != nil {
		return err
	}
	return w.store.DerivationUpsert(ctx, store.Derivation{
		SourceHash: hash, Kind: "dir", Mimetype: "application/json", Filename: hash.Hex + ".dir",
	})
}

// opfManifest is the minimal shape of an epub's content.opf this
// implementation reads to recover spine order.
type opfManifest struct {
	XMLName xml.Name `xml:"package"`
	Spine   struct {
		ItemRefs []struct {
			IDRef string `xml:"idref,attr"`
		} `xml:"itemref"`
	} `xml:"spine"`
}
