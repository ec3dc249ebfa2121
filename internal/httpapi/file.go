package httpapi

import (
	"io"
	"net/http"
	"time"

	"sunwet.dev/sunwet/internal/access"
	"sunwet.dev/sunwet/internal/apierr"
	"sunwet.dev/sunwet/internal/filestore"
)

// handleFileGet serves GET /file/{hash}, honouring Range requests via
// net/http.ServeContent (which implements RFC 7233's single-range 206
// and multipart/byteranges forms for us) and the derivation query
// parameter (spec.md §4.3).
func (s *Server) handleFileGet(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	hash, err := parseHashParam(req)
	if err != nil {
		writeErr(w, apierr.BadRequest("malformed hash: %v", err))
		return
	}
	grant := s.Access.Resolve(ctx, req)
	ok, err := access.CanReadFile(ctx, s.Store, grant, hash)
	if err != nil {
		writeErr(w, apierr.Internal(err, "checking file access"))
		return
	}
	if !ok {
		if c, cookieErr := req.Cookie(access.LinkSessionCookie); cookieErr == nil {
			ok = s.Link.IsPublicFile(c.Value, hash)
		}
	}
	if !ok {
		writeErr(w, apierr.Unauthorized("not authorized to read this file"))
		return
	}

	var (
		rsc  io.ReadSeekCloser
		name string
	)
	if kind := req.URL.Query().Get("derivation_kind"); kind != "" {
		required := req.URL.Query().Get("derivation_required") == "true"
		rsc, err = s.Files.OpenDerived(hash, kind)
		if err == filestore.ErrNotFound {
			if required {
				writeErr(w, apierr.NotFound("no %q derivation for %s", kind, hash))
				return
			}
			rsc, err = s.Files.Open(hash)
			name = hash.Hex
		} else {
			name = hash.Hex + "." + kind
		}
	} else {
		rsc, err = s.Files.Open(hash)
		name = hash.Hex
	}
	if err == filestore.ErrNotFound {
		writeErr(w, apierr.NotFound("file not found"))
		return
	}
	if err != nil {
		writeErr(w, apierr.Internal(err, "opening file"))
		return
	}
	defer rsc.Close()

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Cache-Control", "max-age=2147483648,immutable")
	http.ServeContent(w, req, name, time.Time{}, rsc)
}

func (s *Server) handleFileHead(w http.ResponseWriter, req *http.Request) {
	hash, err := parseHashParam(req)
	if err != nil {
		writeErr(w, apierr.BadRequest("malformed hash: %v", err))
		return
	}
	size, ok, err := s.Files.Stat(hash)
	if err != nil {
		writeErr(w, apierr.Internal(err, "statting file"))
		return
	}
	if !ok {
		writeErr(w, apierr.NotFound("file not found"))
		return
	}
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Cache-Control", "max-age=2147483648,immutable")
	w.Header().Set("Content-Length", itoa(size))
	w.WriteHeader(http.StatusOK)
}

// handleFilePost writes one chunk of a staged upload at the offset
// named by X-Sunwet-Offset (spec.md §4.3 step 3).
func (s *Server) handleFilePost(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	hash, err := parseHashParam(req)
	if err != nil {
		writeErr(w, apierr.BadRequest("malformed hash: %v", err))
		return
	}
	grant := s.Access.Resolve(ctx, req)
	if !grant.Admin && len(grant.MenuItems) == 0 {
		writeErr(w, apierr.Unauthorized("anonymous uploads are rejected"))
		return
	}
	offset, err := parseOffset(req)
	if err != nil {
		writeErr(w, apierr.BadRequest("malformed X-Sunwet-Offset: %v", err))
		return
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		writeErr(w, apierr.BadRequest("reading request body: %v", err))
		return
	}
	if err := s.Files.WriteChunk(hash.String(), offset, body); err != nil {
		writeErr(w, apierr.Internal(err, "writing chunk"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
