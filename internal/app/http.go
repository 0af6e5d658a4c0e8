package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"workboard/api/internal/auth"
	"workboard/api/internal/coordinator"
	"workboard/api/internal/issueid"
	"workboard/api/internal/kanban"
	"workboard/api/internal/rooms"
	"workboard/api/internal/scope"
	"workboard/api/internal/store"
)

const syncTokenHeader = "x-workboard-sync-token"

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        logrus.FieldLogger
}

func NewHTTPServer(service *Service, corsOrigin string, log logrus.FieldLogger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: log.WithField("component", "http")}
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

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Login(r.Context(), body.Name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not create session", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":     session.Token,
			"userId":    session.UserID,
			"userName":  session.UserName,
			"expiresAt": session.ExpiresAt,
		})
		return
	}

	if strings.HasPrefix(r.URL.Path, "/api/internal/") {
		s.handleInternal(w, r)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		if err := s.service.Logout(r.Context(), session); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		writeJSON(w, http.StatusOK, map[string]any{
			"userId":    session.UserID,
			"userName":  session.UserName,
			"expiresAt": session.ExpiresAt,
		})
		return
	}

	if r.URL.Path == "/api/workspaces" {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.ListWorkspaces(r.Context(), session)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not load workspaces", nil)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodPost:
			var body CreateWorkspaceInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreateWorkspace(r.Context(), session, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) >= 4 && parts[0] == "api" && parts[1] == "workspaces" {
		s.handleWorkspace(w, r, session, parts[2], parts[3:])
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "issues" {
		s.handleIssue(w, r, session, parts[2], parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleWorkspace(w http.ResponseWriter, r *http.Request, session Session, slug string, rest []string) {
	query := r.URL.Query()
	spaceID := strings.TrimSpace(query.Get("space"))

	switch {
	case len(rest) == 1 && rest[0] == "spaces":
		switch r.Method {
		case http.MethodGet:
			s.respond(w, r, http.StatusOK)(s.service.ListSpaces(r.Context(), session, slug))
		case http.MethodPost:
			var body CreateSpaceInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			s.respond(w, r, http.StatusCreated)(s.service.CreateSpace(r.Context(), session, slug, body))
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}

	case len(rest) == 1 && rest[0] == "issues":
		switch r.Method {
		case http.MethodGet:
			s.respond(w, r, http.StatusOK)(s.service.ListIssues(r.Context(), session, slug, spaceID))
		case http.MethodPost:
			var body CreateIssueInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			s.respond(w, r, http.StatusCreated)(s.service.CreateIssue(r.Context(), session, slug, body))
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}

	case len(rest) == 1 && rest[0] == "board" && r.Method == http.MethodGet:
		s.respond(w, r, http.StatusOK)(s.service.Board(r.Context(), session, slug, spaceID, query.Get("type")))

	case len(rest) == 2 && rest[0] == "board" && rest[1] == "reconcile" && r.Method == http.MethodPost:
		var body ReconcileInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.SpaceID == "" {
			body.SpaceID = spaceID
		}
		s.respond(w, r, http.StatusOK)(s.service.ReconcileBoard(r.Context(), session, slug, body))

	case len(rest) == 1 && rest[0] == "search" && r.Method == http.MethodGet:
		limit, err := queryInt(query.Get("limit"), 20)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		offset, err := queryInt(query.Get("offset"), 0)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
			return
		}
		payload, err := s.service.Search(r.Context(), session, slug, query.Get("q"), spaceID, query.Get("status"), limit, offset)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 1 && rest[0] == "events" && r.Method == http.MethodGet:
		s.handleEvents(w, r, session, slug)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleIssue(w http.ResponseWriter, r *http.Request, session Session, ref string, rest []string) {
	query := r.URL.Query()
	workspaceHint := query.Get("workspace")
	spaceHint := query.Get("space")

	switch {
	case len(rest) == 1 && rest[0] == "resolve" && r.Method == http.MethodGet:
		s.respond(w, r, http.StatusOK)(s.service.ResolveIdentifier(r.Context(), session, ref, workspaceHint, spaceHint))

	case len(rest) == 0 && r.Method == http.MethodGet:
		s.respond(w, r, http.StatusOK)(s.service.GetIssue(r.Context(), session, ref, workspaceHint, spaceHint))

	case len(rest) == 0 && r.Method == http.MethodPatch:
		var body UpdateIssueInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.respond(w, r, http.StatusOK)(s.service.UpdateIssue(r.Context(), session, ref, workspaceHint, spaceHint, body))

	case len(rest) == 0:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// handleInternal serves calls from the collaboration server, authenticated
// by the shared sync token instead of a user session.
func (s *HTTPServer) handleInternal(w http.ResponseWriter, r *http.Request) {
	syncToken := strings.TrimSpace(r.Header.Get(syncTokenHeader))
	if syncToken == "" || syncToken != s.service.SyncToken() {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/internal/rooms/sweep":
		var body struct {
			GraceSeconds int `json:"graceSeconds"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		report, err := s.service.SweepRooms(r.Context(), time.Duration(body.GraceSeconds)*time.Second)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, report)

	case r.Method == http.MethodPost && r.URL.Path == "/api/internal/rooms/content":
		var body struct {
			DocumentKey string          `json:"documentKey"`
			Content     json.RawMessage `json:"content"`
			Author      string          `json:"author"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.respond(w, r, http.StatusOK)(s.service.WriteRoomContent(body.DocumentKey, body.Content, body.Author))

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// handleEvents streams revalidation signals as server-sent events until the
// client disconnects.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request, session Session, slug string) {
	signals, cancel, err := s.service.Subscribe(r.Context(), session, slug)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer cancel()

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	if err := rc.Flush(); err != nil {
		return
	}

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
		case signal, ok := <-signals:
			if !ok {
				return
			}
			data, err := json.Marshal(signal)
			if err != nil {
				s.log.WithError(err).Warn("encode revalidation signal")
				continue
			}
			_, _ = fmt.Fprintf(w, "event: revalidate\ndata: %s\n\n", data)
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" && r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/events") {
		// EventSource cannot send headers.
		token = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

// respond writes a service result, mapping the error when there is one.
func (s *HTTPServer) respond(w http.ResponseWriter, r *http.Request, status int) func(map[string]any, error) {
	return func(payload map[string]any, err error) {
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, status, payload)
	}
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithFields(logrus.Fields{
			"request_id": requestIDFrom(r.Context()),
			"path":       r.URL.Path,
		}).Error("request failed")
	}
	writeError(w, status, code, message, details)
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

		s.log.WithFields(logrus.Fields{
			"request_id":  requestID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      writer.status,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("request")
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,OPTIONS")
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
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
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

func queryInt(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, issueid.ErrMalformedIdentifier):
		return http.StatusBadRequest, "INVALID_IDENTIFIER", "Malformed issue identifier", nil
	case errors.Is(err, coordinator.ErrInvalidField):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, scope.ErrUnauthorized):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	case errors.Is(err, scope.ErrAmbiguousScope):
		return http.StatusConflict, "AMBIGUOUS_IDENTIFIER", "Identifier matches more than one scope", nil
	case errors.Is(err, scope.ErrScopeNotFound), errors.Is(err, coordinator.ErrIssueNotFound),
		errors.Is(err, rooms.ErrRoomNotFound), errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, coordinator.ErrWriteRejected):
		return http.StatusInternalServerError, "WRITE_REJECTED", "Issue write was rejected", nil
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "CONFLICT", "Conflicting write", nil
	case errors.Is(err, coordinator.ErrDocumentCreate):
		return http.StatusBadGateway, "DOCUMENT_CREATE_FAILED", "Issue document could not be created", nil
	case errors.Is(err, kanban.ErrUnknownItem), errors.Is(err, kanban.ErrUnknownTarget):
		return http.StatusUnprocessableEntity, "INVALID_DRAG", err.Error(), nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
