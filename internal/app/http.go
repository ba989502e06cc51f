package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vibeyard/internal/auth"
	"vibeyard/internal/session"
	"vibeyard/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/feed.xml" {
		s.handleFeed(w, r)
		return
	}

	// OAuth routes (no session required)
	if r.Method == http.MethodGet && r.URL.Path == "/api/auth/github/login" {
		url, state := s.service.LoginURL()
		if r.URL.Query().Get("redirect") == "false" {
			writeJSON(w, http.StatusOK, map[string]any{"url": url, "state": state})
			return
		}
		w.Header().Set("Location", url)
		w.WriteHeader(http.StatusFound)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/auth/github/callback" {
		query := r.URL.Query()
		sess, err := s.service.HandleCallback(r.Context(), query.Get("state"), query.Get("code"))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":        sess.Token,
			"refreshToken": sess.RefreshToken,
			"userId":       sess.UserID,
			"login":        sess.Login,
			"expiresAt":    sess.ExpiresAt,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "login": nil})
			return
		}
		sess, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "login": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "login": sess.Login, "userId": sess.UserID})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		sess, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":        sess.Token,
			"refreshToken": sess.RefreshToken,
			"login":        sess.Login,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		sess := Session{}
		if token := bearerToken(r); token != "" {
			if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				sess = parsed
			}
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), sess, body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		query := r.URL.Query()
		response, err := s.service.Search(r.Context(),
			query.Get("q"),
			query.Get("language"),
			query.Get("aiProvider"),
			intParam(query.Get("limit"), 20),
			intParam(query.Get("offset"), 0),
		)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, response)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 2 && parts[0] == "api" {
		switch parts[1] {
		case "repositories":
			s.handleRepositories(w, r, parts)
			return
		case "comments":
			s.handleComments(w, r, parts)
			return
		case "suggestions":
			s.handleSuggestions(w, r, parts)
			return
		case "collaboration-requests":
			s.handleCollabRequests(w, r, parts)
			return
		case "notifications":
			s.handleNotifications(w, r, parts)
			return
		case "user":
			if len(parts) == 3 && parts[2] == "follows" && r.Method == http.MethodGet {
				sess, ok := s.requireSession(w, r)
				if !ok {
					return
				}
				follows, err := s.service.UserFollows(r.Context(), sess)
				s.respond(w, follows, err)
				return
			}
		case "workbench":
			if len(parts) == 3 && parts[2] == "stats" && r.Method == http.MethodGet {
				sess, ok := s.requireSession(w, r)
				if !ok {
					return
				}
				stats, err := s.service.WorkbenchStats(r.Context(), sess)
				s.respond(w, stats, err)
				return
			}
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleRepositories(w http.ResponseWriter, r *http.Request, parts []string) {
	// /api/repositories
	if len(parts) == 2 {
		switch r.Method {
		case http.MethodGet:
			query := r.URL.Query()
			if text := strings.TrimSpace(query.Get("q")); text != "" {
				response, err := s.service.Search(r.Context(), text,
					query.Get("language"), query.Get("aiProvider"),
					intParam(query.Get("limit"), 20), intParam(query.Get("offset"), 0))
				s.respond(w, response, err)
				return
			}
			repositories, err := s.service.ListRepositories(r.Context(), store.RepositoryFilter{
				Language:   query.Get("language"),
				AIProvider: query.Get("aiProvider"),
				Sort:       query.Get("sort"),
				Limit:      intParam(query.Get("limit"), 20),
				Offset:     intParam(query.Get("offset"), 0),
			})
			s.respond(w, repositories, err)
		case http.MethodPost:
			sess, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			var body CreateRepositoryInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			imported, err := s.service.ImportRepository(r.Context(), sess, body)
			s.respondStatus(w, http.StatusCreated, imported, err)
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
		return
	}

	repositoryID := parts[2]

	// /api/repositories/{id}
	if len(parts) == 3 {
		if r.Method == http.MethodGet {
			detail, err := s.service.GetRepositoryDetail(r.Context(), repositoryID)
			s.respond(w, detail, err)
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	// /api/repositories/{id}/{action}
	if len(parts) == 4 {
		switch parts[3] {
		case "vote":
			if r.Method == http.MethodPost {
				sess, ok := s.requireSession(w, r)
				if !ok {
					return
				}
				out, err := s.service.ToggleRepositoryVote(r.Context(), sess, repositoryID)
				s.respond(w, out, err)
				return
			}
		case "follow":
			if r.Method == http.MethodPost {
				sess, ok := s.requireSession(w, r)
				if !ok {
					return
				}
				out, err := s.service.ToggleRepositoryFollow(r.Context(), sess, repositoryID)
				s.respond(w, out, err)
				return
			}
		case "claim":
			if r.Method == http.MethodPost {
				sess, ok := s.requireSession(w, r)
				if !ok {
					return
				}
				out, err := s.service.ClaimRepository(r.Context(), sess, repositoryID)
				s.respond(w, out, err)
				return
			}
		case "analyze":
			if r.Method == http.MethodPost {
				sess, ok := s.requireSession(w, r)
				if !ok {
					return
				}
				out, err := s.service.RequestAnalysis(r.Context(), sess, repositoryID)
				s.respond(w, out, err)
				return
			}
		case "comments":
			switch r.Method {
			case http.MethodGet:
				out, err := s.service.ListComments(r.Context(), repositoryID)
				s.respond(w, out, err)
				return
			case http.MethodPost:
				sess, ok := s.requireSession(w, r)
				if !ok {
					return
				}
				var body CreateCommentInput
				if err := decodeBody(r, &body); err != nil {
					writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
					return
				}
				out, err := s.service.CreateComment(r.Context(), sess, repositoryID, body)
				s.respondStatus(w, http.StatusCreated, out, err)
				return
			}
		case "suggestions":
			switch r.Method {
			case http.MethodGet:
				query := r.URL.Query()
				out, err := s.service.ListSuggestions(r.Context(), repositoryID, store.SuggestionFilter{
					Status:   query.Get("status"),
					Category: query.Get("category"),
					Sort:     query.Get("sort"),
					Limit:    intParam(query.Get("limit"), 20),
					Offset:   intParam(query.Get("offset"), 0),
				})
				s.respond(w, out, err)
				return
			case http.MethodPost:
				sess, ok := s.requireSession(w, r)
				if !ok {
					return
				}
				var body CreateSuggestionInput
				if err := decodeBody(r, &body); err != nil {
					writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
					return
				}
				out, err := s.service.CreateSuggestion(r.Context(), sess, repositoryID, body)
				s.respondStatus(w, http.StatusCreated, out, err)
				return
			}
		case "collaboration-requests":
			switch r.Method {
			case http.MethodGet:
				sess, ok := s.requireSession(w, r)
				if !ok {
					return
				}
				out, err := s.service.ListCollaborationRequests(r.Context(), sess, repositoryID)
				s.respond(w, out, err)
				return
			case http.MethodPost:
				sess, ok := s.requireSession(w, r)
				if !ok {
					return
				}
				var body CreateCollabRequestInput
				if err := decodeBody(r, &body); err != nil {
					writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
					return
				}
				out, err := s.service.CreateCollaborationRequest(r.Context(), sess, repositoryID, body)
				s.respondStatus(w, http.StatusCreated, out, err)
				return
			}
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleComments(w http.ResponseWriter, r *http.Request, parts []string) {
	// DELETE /api/comments/{id}
	if len(parts) == 3 && r.Method == http.MethodDelete {
		sess, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		out, err := s.service.DeleteComment(r.Context(), sess, parts[2])
		s.respond(w, out, err)
		return
	}

	// POST /api/comments/{id}/vote
	if len(parts) == 4 && parts[3] == "vote" && r.Method == http.MethodPost {
		sess, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		out, err := s.service.ToggleCommentVote(r.Context(), sess, parts[2])
		s.respond(w, out, err)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSuggestions(w http.ResponseWriter, r *http.Request, parts []string) {
	// PATCH /api/suggestions/{id}
	if len(parts) == 3 && r.Method == http.MethodPatch {
		sess, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		var body UpdateSuggestionInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		out, err := s.service.UpdateSuggestion(r.Context(), sess, parts[2], body)
		s.respond(w, out, err)
		return
	}

	// POST /api/suggestions/{id}/upvote
	if len(parts) == 4 && parts[3] == "upvote" && r.Method == http.MethodPost {
		sess, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		out, err := s.service.ToggleSuggestionUpvote(r.Context(), sess, parts[2])
		s.respond(w, out, err)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleCollabRequests(w http.ResponseWriter, r *http.Request, parts []string) {
	// PATCH /api/collaboration-requests/{id}
	if len(parts) == 3 && r.Method == http.MethodPatch {
		sess, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		var body TransitionCollabRequestInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		out, err := s.service.TransitionCollaborationRequest(r.Context(), sess, parts[2], body)
		s.respond(w, out, err)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleNotifications(w http.ResponseWriter, r *http.Request, parts []string) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	// GET /api/notifications
	if len(parts) == 2 && r.Method == http.MethodGet {
		query := r.URL.Query()
		out, err := s.service.Notifications(r.Context(), sess,
			query.Get("unreadOnly") == "true",
			intParam(query.Get("limit"), 20),
			intParam(query.Get("offset"), 0),
		)
		s.respond(w, out, err)
		return
	}

	if len(parts) == 3 {
		switch {
		case parts[2] == "count" && r.Method == http.MethodGet:
			out, err := s.service.UnreadNotificationCount(r.Context(), sess)
			s.respond(w, out, err)
			return
		case parts[2] == "read-all" && r.Method == http.MethodPost:
			out, err := s.service.MarkAllNotificationsRead(r.Context(), sess)
			s.respond(w, out, err)
			return
		}
	}

	// POST /api/notifications/{id}/read
	if len(parts) == 4 && parts[3] == "read" && r.Method == http.MethodPost {
		out, err := s.service.MarkNotificationRead(r.Context(), sess, parts[2])
		s.respond(w, out, err)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) respond(w http.ResponseWriter, payload any, err error) {
	s.respondStatus(w, http.StatusOK, payload, err)
}

func (s *HTTPServer) respondStatus(w http.ResponseWriter, status int, payload any, err error) {
	if err != nil {
		errStatus, code, message, details := mapError(err)
		writeError(w, errStatus, code, message, details)
		return
	}
	writeJSON(w, status, payload)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	sess, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return sess, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, session.ErrSessionNotFound) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
