package derive

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/nf/cr2"
	"github.com/rwcarlsen/goexif/exif"
	"golang.org/x/image/draw"

	"sunwet.dev/sunwet/internal/node"
	"sunwet.dev/sunwet/internal/store"
)

const coverThumbnailSize = 512

// extractCover produces a square-bounded JPEG thumbnail from an
// image's embedded EXIF thumbnail (the common case for JPEGs) or, for
// raw photo formats, the camera's CR2 preview frame, per SPEC_FULL.md's
// supplemented EXIF/CR2 cover-extraction feature. It's invoked for
// image/* mimetypes the way processVideo is for video/*.
func (w *Worker) extractCover(ctx context.Context, hash node.FileHash, mimetype string, raw []byte) error {
	var src image.Image
	var err error

	switch mimetype {
	case "image/x-canon-cr2":
		src, err = cr2.Decode(bytes.NewReader(raw))
	default:
		src, err = decodeEXIFThumbnail(raw)
		if err != nil {
			src, _, err = image.Decode(bytes.NewReader(raw))
		}
	}
	if err != nil {
		return fmt.Errorf("decoding cover source: %w", err)
	}

	thumb := resizeToSquareThumbnail(src, coverThumbnailSize)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 85}); err != nil {
		return fmt.Errorf("encoding cover thumbnail: %w", err)
	}

	if err := w.files.PutDerived(hash, "cover", &buf); err != nil {
		return err
	}
	return w.store.DerivationUpsert(ctx, store.Derivation{
		SourceHash: hash, Kind: "cover", Mimetype: "image/jpeg", Filename: hash.Hex + ".cover",
	})
}

func decodeEXIFThumbnail(raw []byte) (image.Image, error) {
	x, err := exif.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	thumbBytes, err := x.JpegThumbnail()
	if err != nil {
		return nil, err
	}
	return jpeg.Decode(bytes.NewReader(thumbBytes))
}

func resizeToSquareThumbnail(src image.Image, size int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return dst
}
