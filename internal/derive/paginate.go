package derive

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
)

// readZipManifest lists every image entry of a zip-based comic archive
// (cbz) in sorted filename order, the de facto "reading order" comic
// readers assume when no index/metadata is present.
func readZipManifest(r io.ReadSeeker) (pageManifest, error) {
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return pageManifest{}, err
	}
	zr, err := zip.NewReader(r.(io.ReaderAt), size)
	if err != nil {
		return pageManifest{}, fmt.Errorf("opening zip: %w", err)
	}
	var pages []string
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !isImagePath(f.Name) {
			continue
		}
		pages = append(pages, f.Name)
	}
	sort.Strings(pages)
	return pageManifest{Pages: pages}, nil
}

// readEpubManifest follows the epub container's content.opf spine to
// recover reading order, falling back to sorted entry names if the OPF
// can't be located or parsed.
func readEpubManifest(r io.ReadSeeker) (pageManifest, error) {
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return pageManifest{}, err
	}
	zr, err := zip.NewReader(r.(io.ReaderAt), size)
	if err != nil {
		return pageManifest{}, fmt.Errorf("opening epub: %w", err)
	}

	var opfFile *zip.File
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, ".opf") {
			opfFile = f
			break
		}
	}
	if opfFile == nil {
		return readZipManifest(r)
	}

	rc, err := opfFile.Open()
	if err != nil {
		return pageManifest{}, err
	}
	defer rc.Close()

	var opf opfManifest
	if err := xml.NewDecoder(rc).Decode(&opf); err != nil {
		return readZipManifest(r)
	}

	base := path.Dir(opfFile.Name)
	var pages []string
	for _, ref := range opf.Spine.ItemRefs {
		pages = append(pages, path.Join(base, ref.IDRef))
	}
	if len(pages) == 0 {
		return readZipManifest(r)
	}
	return pageManifest{Pages: pages}, nil
}

func isImagePath(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
