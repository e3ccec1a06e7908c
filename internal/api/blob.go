package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"blobserver/internal/model"
)

// maxBlobBody caps a single upload body. Quota enforcement happens in the
// Saver; this only protects the server from unbounded request bodies.
// Oversized uploads are rejected with 413, never stored truncated.
const maxBlobBody = 1 << 30

func (s *Server) serveBlob(w http.ResponseWriter, r *http.Request) {
	blob, f, err := s.app.Blobs().Open(r.Context(), r.PathValue("filename"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer f.Close()
	w.Header().Set("ETag", `"`+blob.SHA256+`"`)
	io.Copy(w, f)
}

func (s *Server) putBlob(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	if actor.Username == "" {
		unauthorized(w)
		return
	}
	content, err := readBody(w, r, maxBlobBody)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge,
				map[string]string{"error": "request body too large"})
			return
		}
		s.writeError(w, err)
		return
	}
	description := r.Header.Get("x-description")
	blob, err := s.app.UploadBlob(r.Context(), r.PathValue("filename"), content, description, actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, blob.Fields())
}

func (s *Server) deleteBlob(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	if actor.Username == "" {
		unauthorized(w)
		return
	}
	if err := s.app.DeleteBlob(r.Context(), r.PathValue("filename"), actor); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) patchBlob(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	if actor.Username == "" {
		unauthorized(w)
		return
	}
	var req struct {
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	blob, err := s.app.DescribeBlob(r.Context(), r.PathValue("filename"), req.Description, actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, blob.Fields())
}

func (s *Server) renameBlob(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	if actor.Username == "" {
		unauthorized(w)
		return
	}
	var req struct {
		Filename string `json:"filename"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	blob, err := s.app.RenameBlob(r.Context(), r.PathValue("filename"), req.Filename, actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, blob.Fields())
}

func (s *Server) blobInfo(w http.ResponseWriter, r *http.Request) {
	blob, err := s.app.Blobs().Get(r.Context(), r.PathValue("filename"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, blob.Fields())
}

func (s *Server) blobLogs(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	blob, err := s.app.Blobs().Get(r.Context(), r.PathValue("filename"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !isSelfOrAdmin(actor, blob.Username) {
		s.writeError(w, model.ErrForbidden)
		return
	}
	entries, err := s.app.Audit().List(r.Context(), blob.IUID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) listBlobs(w http.ResponseWriter, r *http.Request) {
	blobs, err := s.app.Blobs().List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, blobFields(blobs))
}

func (s *Server) listUserBlobs(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")
	if _, err := s.app.Users().Get(r.Context(), username); err != nil {
		s.writeError(w, err)
		return
	}
	blobs, err := s.app.Blobs().ListByOwner(r.Context(), username)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, blobFields(blobs))
}

func (s *Server) searchBlobs(w http.ResponseWriter, r *http.Request) {
	term := r.URL.Query().Get("term")
	if term == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "search term required"})
		return
	}
	blobs, err := s.app.Blobs().Search(r.Context(), term)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, blobFields(blobs))
}

// readBody reads the whole request body, returning *http.MaxBytesError when
// it exceeds limit. The body is never truncated: over the limit means the
// whole upload is refused.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
}

func blobFields(blobs []*model.Blob) []map[string]any {
	out := make([]map[string]any, 0, len(blobs))
	for _, b := range blobs {
		out = append(out, b.Fields())
	}
	return out
}
