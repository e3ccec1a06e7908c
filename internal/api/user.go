package api

import (
	"encoding/json"
	"net/http"

	"blobserver/internal/model"
)

// userView shapes a user for JSON output. The password hash never leaves
// the server; the access key is included only when the viewer is the user
// themselves or an admin.
func userView(u *model.User, withKey bool) map[string]any {
	v := u.Fields()
	delete(v, "password")
	if !withKey {
		delete(v, "accesskey")
	}
	v["blobs_count"] = u.BlobsCount
	v["blobs_size"] = u.BlobsSize
	return v
}

func (s *Server) registerUser(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	role := req.Role
	if role == "" {
		role = model.RoleUser
	}
	if role == model.RoleAdmin && !actor.Admin {
		s.writeError(w, model.ErrForbidden)
		return
	}
	u, err := s.app.RegisterUser(r.Context(), req.Username, req.Email, req.Password, role, actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userView(u, true))
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	username := r.PathValue("username")
	if !isSelfOrAdmin(actor, username) {
		s.writeError(w, model.ErrForbidden)
		return
	}
	u, err := s.app.Users().Get(r.Context(), username)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userView(u, true))
}

func (s *Server) deleteUser(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	username := r.PathValue("username")
	if !isSelfOrAdmin(actor, username) {
		s.writeError(w, model.ErrForbidden)
		return
	}
	if err := s.app.DeleteUser(r.Context(), username, actor); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) userLogs(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	username := r.PathValue("username")
	if !isSelfOrAdmin(actor, username) {
		s.writeError(w, model.ErrForbidden)
		return
	}
	u, err := s.app.Users().Get(r.Context(), username)
	if err != nil {
		s.writeError(w, err)
		return
	}
	entries, err := s.app.Audit().List(r.Context(), u.IUID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) setPassword(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	username := r.PathValue("username")
	if !isSelfOrAdmin(actor, username) {
		s.writeError(w, model.ErrForbidden)
		return
	}
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if err := s.app.SetUserPassword(r.Context(), username, req.Password, actor); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) enableUser(w http.ResponseWriter, r *http.Request) {
	s.setStatus(w, r, model.StatusEnabled)
}

func (s *Server) disableUser(w http.ResponseWriter, r *http.Request) {
	s.setStatus(w, r, model.StatusDisabled)
}

// setStatus changes an account's status. Admin only, and admins cannot
// disable their own account.
func (s *Server) setStatus(w http.ResponseWriter, r *http.Request, status string) {
	actor := s.actor(r)
	if !actor.Admin {
		s.writeError(w, model.ErrForbidden)
		return
	}
	username := r.PathValue("username")
	if status == model.StatusDisabled && actor.Username == username {
		s.writeError(w, model.ErrForbidden)
		return
	}
	if err := s.app.SetUserStatus(r.Context(), username, status, actor); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) rotateAccessKey(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	username := r.PathValue("username")
	if !isSelfOrAdmin(actor, username) {
		s.writeError(w, model.ErrForbidden)
		return
	}
	u, err := s.app.RotateUserAccessKey(r.Context(), username, actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userView(u, true))
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	if !actor.Admin {
		s.writeError(w, model.ErrForbidden)
		return
	}
	users, err := s.app.Users().List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]map[string]any, 0, len(users))
	for _, u := range users {
		views = append(views, userView(u, false))
	}
	writeJSON(w, http.StatusOK, views)
}
