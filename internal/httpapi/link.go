package httpapi

import (
	"net/http"
)

func (s *Server) handleMain(w http.ResponseWriter, req *http.Request) {
	sid := req.PathValue("sid")
	s.Link.ServeMain(req.Context(), w, req, sid, newUploadID())
}

func (s *Server) handleLink(w http.ResponseWriter, req *http.Request) {
	sid := req.PathValue("sid")
	s.Link.ServeLink(req.Context(), w, req, sid)
}
