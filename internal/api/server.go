// Package api exposes the HTTP interface: raw blob content, JSON metadata,
// and account administration. Authentication is by access key; the Saver
// layer receives the acting user as an explicit Actor, never ambient state.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"blobserver/internal/app"
	"blobserver/internal/model"
	"blobserver/internal/saver"
)

// Server handles HTTP requests against a wired App.
type Server struct {
	app    *app.App
	logger saver.Logger
}

func NewServer(a *app.App) *Server {
	return &Server{app: a, logger: a.Logger()}
}

// Routes returns the request multiplexer for the full API surface.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /blob/{filename}", s.serveBlob)
	mux.HandleFunc("PUT /blob/{filename}", s.putBlob)
	mux.HandleFunc("DELETE /blob/{filename}", s.deleteBlob)
	mux.HandleFunc("PATCH /blob/{filename}", s.patchBlob)
	mux.HandleFunc("POST /blob/{filename}/rename", s.renameBlob)
	mux.HandleFunc("GET /blob/{filename}/info", s.blobInfo)
	mux.HandleFunc("GET /blob/{filename}/logs", s.blobLogs)

	mux.HandleFunc("GET /blobs", s.listBlobs)
	mux.HandleFunc("GET /blobs/user/{username}", s.listUserBlobs)
	mux.HandleFunc("GET /blobs/search", s.searchBlobs)

	mux.HandleFunc("POST /user", s.registerUser)
	mux.HandleFunc("GET /user/{username}", s.getUser)
	mux.HandleFunc("DELETE /user/{username}", s.deleteUser)
	mux.HandleFunc("GET /user/{username}/logs", s.userLogs)
	mux.HandleFunc("POST /user/{username}/password", s.setPassword)
	mux.HandleFunc("POST /user/{username}/enable", s.enableUser)
	mux.HandleFunc("POST /user/{username}/disable", s.disableUser)
	mux.HandleFunc("POST /user/{username}/accesskey", s.rotateAccessKey)
	mux.HandleFunc("GET /users", s.listUsers)

	return mux
}

// Handler wraps the routes with request logging.
func (s *Server) Handler() http.Handler {
	mux := s.Routes()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mux.ServeHTTP(w, r)
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
	})
}

// actor resolves the acting user from the x-accesskey header. Requests
// without a valid key act anonymously: origin metadata only.
func (s *Server) actor(r *http.Request) model.Actor {
	actor := model.Actor{
		RemoteAddr: r.RemoteAddr,
		Agent:      r.UserAgent(),
	}
	key := r.Header.Get("x-accesskey")
	if key == "" {
		return actor
	}
	u, err := s.app.Users().GetByAccessKey(r.Context(), key)
	if err != nil || u.Status != model.StatusEnabled {
		return actor
	}
	actor.Username = u.Username
	actor.Admin = u.Role == model.RoleAdmin
	return actor
}

func isSelfOrAdmin(actor model.Actor, username string) bool {
	if actor.Admin {
		return true
	}
	return actor.Username != "" && actor.Username == username
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to HTTP responses. Validation and
// uniqueness errors carry the field and reason so the caller can fix the
// request; persistence and consistency errors stay generic.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve):
		status := http.StatusBadRequest
		if ve.Conflict {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]string{"error": ve.Reason, "field": ve.Field})
	case errors.Is(err, model.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, model.ErrForbidden):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "access not allowed"})
	default:
		s.logger.Error("internal error", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func unauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "valid access key required"})
}
