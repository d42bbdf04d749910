package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"chatrelay/auth"
	"chatrelay/db"
	"chatrelay/models"

	"github.com/go-chi/chi/v5"
)

type ctxKey struct{}

// callerLogin returns the admin login stored by requireAdmin.
func callerLogin(ctx context.Context) string {
	login, _ := ctx.Value(ctxKey{}).(string)
	return login
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleLogin accepts either a form or a JSON body.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			RespondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			RespondError(w, http.StatusBadRequest, "invalid form")
			return
		}
		req.Login = r.FormValue("login")
		req.Password = r.FormValue("password")
	}

	if req.Login == "" || req.Password == "" {
		RespondError(w, http.StatusBadRequest, "login and password are required")
		return
	}

	user, err := s.db.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, db.ErrInvalidCredentials) {
			RespondError(w, http.StatusUnauthorized, "invalid login or password")
			return
		}
		log.Printf("Login error for %s: %v", req.Login, err)
		RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	token, err := s.tokens.Issue(user.Login, user.IsAdmin)
	if err != nil {
		log.Printf("Token error for %s: %v", user.Login, err)
		RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"access_token": token,
		"user":         user,
	})
}

// requireAdmin admits requests carrying a valid bearer token of a directory
// administrator.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.tokens.Verify(auth.BearerToken(r.Header.Get("Authorization")))
		if err != nil {
			RespondError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		user, err := s.db.GetUser(r.Context(), claims.Subject)
		if err != nil {
			if errors.Is(err, db.ErrNoRows) {
				RespondError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			log.Printf("Admin check error for %s: %v", claims.Subject, err)
			RespondError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !user.IsAdmin {
			RespondError(w, http.StatusForbidden, "administrator rights required")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, user.Login)))
	})
}

func (s *Server) handleAllUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.db.ListUsers(r.Context())
	if err != nil {
		log.Printf("List users error: %v", err)
		RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if users == nil {
		users = []models.User{}
	}
	RespondJSON(w, http.StatusOK, map[string]any{"users": users, "message": "All users"})
}

func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	login := chi.URLParam(r, "login")
	user, err := s.db.GetUser(r.Context(), login)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			RespondError(w, http.StatusNotFound, "user not found")
			return
		}
		log.Printf("User info error for %s: %v", login, err)
		RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	RespondJSON(w, http.StatusOK, struct {
		*models.User
		Connected bool `json:"connected"`
	}{user, s.registry.IsLive(login)})
}

func (s *Server) handleEditUser(w http.ResponseWriter, r *http.Request) {
	login := chi.URLParam(r, "login")

	var update models.UserUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.db.UpdateUser(r.Context(), login, update); err != nil {
		if errors.Is(err, db.ErrNoRows) {
			RespondError(w, http.StatusNotFound, "user not found")
			return
		}
		log.Printf("Edit user error for %s: %v", login, err)
		RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{"success": true, "message": "User updated"})
}

func (s *Server) handleArchive(archived bool) http.HandlerFunc {
	verb := "archived"
	if !archived {
		verb = "unarchived"
	}

	return func(w http.ResponseWriter, r *http.Request) {
		login := chi.URLParam(r, "login")
		n, err := s.db.SetArchived(r.Context(), login, archived)
		if err != nil {
			log.Printf("Archive error for %s: %v", login, err)
			RespondError(w, http.StatusInternalServerError, "internal error")
			return
		}
		RespondJSON(w, http.StatusOK, map[string]any{
			"message":           "Conversation with " + login + " " + verb,
			"archived_messages": n,
		})
	}
}

func (s *Server) handleArchivedConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.db.ArchivedConversations(r.Context())
	if err != nil {
		log.Printf("Archived conversations error: %v", err)
		RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if convs == nil {
		convs = []models.ArchivedConversation{}
	}
	RespondJSON(w, http.StatusOK, map[string]any{"archived_users": convs})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	login := chi.URLParam(r, "login")
	n, err := s.db.DeleteConversation(r.Context(), callerLogin(r.Context()), login)
	if err != nil {
		log.Printf("Delete conversation error for %s: %v", login, err)
		RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{"deleted_messages": n})
}

func (s *Server) handleRecentMessages(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n <= 0 {
			RespondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	msgs, err := s.db.ListRecentAcrossAll(r.Context(), limit)
	if err != nil {
		log.Printf("Recent messages error: %v", err)
		RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if msgs == nil {
		msgs = []models.RecentMessage{}
	}
	RespondJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.db.GetUnreadCount(r.Context(), callerLogin(r.Context()))
	if err != nil {
		log.Printf("Unread count error: %v", err)
		RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{"unread_count": n})
}

func (s *Server) handleClearUserCache(w http.ResponseWriter, r *http.Request) {
	removed := s.registry.PurgeIncomplete()
	RespondJSON(w, http.StatusOK, map[string]any{"removed": removed})
}
