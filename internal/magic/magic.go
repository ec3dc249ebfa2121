// Package magic sniffs a MIME type from the leading bytes of file
// content, for use where an uploaded file's declared mimetype is
// absent or untrusted. The match table and sniffing strategy (byte
// prefix match falling back to net/http.DetectContentType) are
// grounded on perkeep's internal/magic.
package magic

import (
	"bytes"
	"encoding/binary"
	"io"
	"mime"
	"net/http"
	"strings"
)

type matchEntry struct {
	fn     func(prefix []byte) bool
	offset int
	prefix []byte
	mtype  string
}

// matchTable is a list of matchers to try in order; the first match wins.
//
// usable source: http://www.garykessler.net/library/file_sigs.html
// mime types: http://www.iana.org/assignments/media-types/media-types.xhtml
var matchTable = []matchEntry{
	{prefix: []byte("GIF87a"), mtype: "image/gif"},
	{prefix: []byte("GIF89a"), mtype: "image/gif"},
	{prefix: []byte("\xff\xd8\xff\xe2"), mtype: "image/jpeg"},
	{prefix: []byte("\xff\xd8\xff\xe1"), mtype: "image/jpeg"},
	{prefix: []byte("\xff\xd8\xff\xe0"), mtype: "image/jpeg"},
	{prefix: []byte("\xff\xd8\xff\xdb"), mtype: "image/jpeg"},
	{prefix: []byte("\x49\x49\x2a\x00\x10\x00\x00\x00\x43\x52\x02"), mtype: "image/x-canon-cr2"},
	{prefix: []byte{137, 'P', 'N', 'G', '\r', '\n', 26, 10}, mtype: "image/png"},
	{prefix: []byte{0x49, 0x49, 0x2A, 0}, mtype: "image/tiff"},
	{prefix: []byte{0x4D, 0x4D, 0, 0x2A}, mtype: "image/tiff"},
	{prefix: []byte("8BPS"), mtype: "image/vnd.adobe.photoshop"},
	{prefix: []byte("fLaC\x00\x00\x00"), mtype: "audio/x-flac"},
	{prefix: []byte{'I', 'D', '3'}, mtype: "audio/mpeg"},
	{prefix: []byte{0x1A, 0x45, 0xDF, 0xA3}, mtype: "video/webm"},
	{prefix: []byte{0x1F, 0x8B, 0x08}, mtype: "application/x-gzip"},
	{prefix: []byte{'P', 'K', 3, 4, 0x0A, 0, 2, 0}, mtype: "application/epub+zip"},
	{prefix: []byte{'P', 'K', 3, 4}, mtype: "application/zip"},
	{prefix: []byte("%PDF"), mtype: "application/pdf"},
	{offset: 4, prefix: []byte("moov"), mtype: "video/quicktime"},
	{offset: 4, prefix: []byte("mdat"), mtype: "video/quicktime"},
	{offset: 8, prefix: []byte("isom"), mtype: "video/mp4"},
	{offset: 8, prefix: []byte("mp41"), mtype: "video/mp4"},
	{offset: 8, prefix: []byte("mp42"), mtype: "video/mp4"},
	{offset: 8, prefix: []byte("WAVE"), mtype: "audio/x-wav"},
	{offset: 8, prefix: []byte("AVI\040"), mtype: "video/x-msvideo"},
	{prefix: []byte("OggS"), mtype: "application/ogg"},
	{prefix: []byte("II\x2a\000\x10\000\000\000CR"), mtype: "image/x-canon-cr2"},
	{fn: isHEIC, mtype: "image/heic"},
}

// MIMEType returns the sniffed MIME type for the given header bytes,
// or "" if none of the known signatures nor net/http's sniffer
// recognize it.
func MIMEType(hdr []byte) string {
	hlen := len(hdr)
	for _, pte := range matchTable {
		if pte.fn != nil {
			if pte.fn(hdr) {
				return pte.mtype
			}
			continue
		}
		plen := pte.offset + len(pte.prefix)
		if hlen >= plen && bytes.Equal(hdr[pte.offset:plen], pte.prefix) {
			return pte.mtype
		}
	}
	t := http.DetectContentType(hdr)
	t = strings.Replace(t, "; charset=utf-8", "", 1)
	if t != "application/octet-stream" && t != "text/plain" {
		return t
	}
	return ""
}

// MIMETypeFromReaderAt sniffs the MIME type from the start of ra
// without consuming a separate reader.
func MIMETypeFromReaderAt(ra io.ReaderAt) (mime string) {
	var buf [1024]byte
	n, _ := ra.ReadAt(buf[:], 0)
	return MIMEType(buf[:n])
}

// MIMETypeByExtension calls mime.TypeByExtension and strips any
// trailing parameters, keeping only type/subtype.
func MIMETypeByExtension(ext string) string {
	mimeParts := strings.SplitN(mime.TypeByExtension(ext), ";", 2)
	return strings.TrimSpace(mimeParts[0])
}

var pict = []byte("pict")

// isHEIC reports whether prefix looks like a BMFF HEIF still image: a
// "ftyp" box with MajorBrand heic followed by a "hdlr" box of
// HandlerType "pict". Not a compliant parser, but doesn't reject valid
// HEIC input.
func isHEIC(prefix []byte) bool {
	if len(prefix) < 12 {
		return false
	}
	if string(prefix[4:12]) != "ftypheic" {
		return false
	}
	ftypLen := binary.BigEndian.Uint32(prefix[:4])
	if uint32(len(prefix)) < ftypLen {
		return false
	}
	metaBox := prefix[ftypLen:]
	const typeOffset = 12
	pictPos := bytes.Index(metaBox, pict)
	if pictPos < typeOffset {
		return false
	}
	return string(metaBox[pictPos-12:pictPos-8]) == "hdlr"
}
