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

	"github.com/jackc/pgx/v5/pgconn"

	"countersign/api/internal/auth"
	"countersign/api/internal/finalize"
	"countersign/api/internal/store"
	"countersign/api/internal/workflow"
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
			"sessions": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		if err := s.service.PingSessions(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["sessions"] = map[string]any{"status": "error", "error": err.Error()}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        session.UserID,
			"userName":      session.UserName,
			"activeTenant":  session.ActiveTenant,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		var body struct {
			UserID string `json:"userId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Login(r.Context(), body.UserID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		if token := bearerToken(r); token != "" {
			if session, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				_ = s.service.Logout(r.Context(), session)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh" {
		refreshed, err := s.service.Refresh(r.Context(), session)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(refreshed))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/switch-tenant" {
		var body struct {
			TenantName string `json:"tenantName"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		switched, err := s.service.SwitchTenant(r.Context(), session, body.TenantName)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(switched))
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/memberships" {
		payload, err := s.service.Memberships(r.Context(), session)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		stage := strings.TrimSpace(r.URL.Query().Get("stage"))
		limit, ok := queryInt(w, r, "limit", 20)
		if !ok {
			return
		}
		offset, ok := queryInt(w, r, "offset", 0)
		if !ok {
			return
		}
		payload, err := s.service.Search(r.Context(), session, q, stage, limit, offset)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.URL.Path == "/api/documents" {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListDocuments(r.Context(), session)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list documents", nil)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"documents": items})
		case http.MethodPost:
			var body struct {
				Title string `json:"title"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreateDocument(r.Context(), session, body.Title)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) == 4 && parts[0] == "api" && parts[1] == "finalize" && parts[2] == "jobs" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		wait := r.URL.Query().Get("wait") == "true"
		payload, err := s.service.PollFinalizeJob(r.Context(), session, parts[3], wait)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "documents" {
		s.handleDocument(w, r, session, parts[2], parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleDocument(w http.ResponseWriter, r *http.Request, session Session, documentID string, rest []string) {
	respond := func(payload map[string]any, err error) {
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	}

	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			respond(s.service.GetDocumentState(r.Context(), session, documentID))
		case http.MethodDelete:
			var body struct {
				ExpectedStamp int64 `json:"expectedStamp"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if err := s.service.Delete(r.Context(), session, documentID, body.ExpectedStamp); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	action := rest[0]

	if len(rest) == 1 && r.Method == http.MethodGet && action == "events" {
		limit, ok := queryInt(w, r, "limit", 0)
		if !ok {
			return
		}
		items, err := s.service.StageEvents(r.Context(), session, documentID, limit)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": items})
		return
	}

	if len(rest) == 1 && r.Method == http.MethodPost {
		switch action {
		case "stage":
			var body struct {
				Direction     string `json:"direction"`
				Reason        string `json:"reason"`
				ExpectedStamp int64  `json:"expectedStamp"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			respond(s.service.GoToStage(r.Context(), session, documentID, body.Direction, body.Reason, body.ExpectedStamp))
			return

		case "void":
			var body struct {
				Reason        string `json:"reason"`
				ExpectedStamp int64  `json:"expectedStamp"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			respond(s.service.Void(r.Context(), session, documentID, body.Reason, body.ExpectedStamp))
			return

		case "copies":
			respond(s.service.CreateControlledCopy(r.Context(), session, documentID))
			return

		case "content":
			var body struct {
				HasContent    bool  `json:"hasContent"`
				ExpectedStamp int64 `json:"expectedStamp"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			respond(s.service.MarkContent(r.Context(), session, documentID, body.HasContent, body.ExpectedStamp))
			return

		case "finalize":
			var body struct {
				ExpectedStamp int64 `json:"expectedStamp"`
				Wait          bool  `json:"wait"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.Finalize(r.Context(), session, documentID, body.ExpectedStamp, body.Wait)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			if payload["status"] == "accepted" || payload["status"] == "processing" {
				writeJSON(w, http.StatusAccepted, payload)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}
	}

	// /api/documents/{id}/groups/{role}/...
	if action == "groups" && len(rest) >= 3 {
		role := rest[1]
		sub := rest[2]

		switch {
		case len(rest) == 3 && sub == "sign" && r.Method == http.MethodPost:
			var body struct {
				ExpectedStamp int64 `json:"expectedStamp"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			respond(s.service.Sign(r.Context(), session, documentID, role, body.ExpectedStamp))
			return

		case len(rest) == 3 && sub == "signing-order" && r.Method == http.MethodPost:
			var body struct {
				Enabled       bool  `json:"enabled"`
				ExpectedStamp int64 `json:"expectedStamp"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			respond(s.service.SetSigningOrder(r.Context(), session, documentID, role, body.Enabled, body.ExpectedStamp))
			return

		case len(rest) == 3 && sub == "participants" && r.Method == http.MethodPost:
			var body struct {
				Participant   ParticipantInput `json:"participant"`
				ExpectedStamp int64            `json:"expectedStamp"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			respond(s.service.AddParticipant(r.Context(), session, documentID, role, body.Participant, body.ExpectedStamp))
			return

		case len(rest) == 4 && sub == "participants" && r.Method == http.MethodDelete:
			var body struct {
				ExpectedStamp int64 `json:"expectedStamp"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			respond(s.service.RemoveParticipant(r.Context(), session, documentID, role, rest[3], body.ExpectedStamp))
			return

		case len(rest) == 5 && sub == "participants" && rest[4] == "reorder" && r.Method == http.MethodPost:
			var body struct {
				Direction     string `json:"direction"`
				ExpectedStamp int64  `json:"expectedStamp"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			respond(s.service.ReorderParticipant(r.Context(), session, documentID, role, rest[3], body.Direction, body.ExpectedStamp))
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"token":        session.Token,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"activeTenant": session.ActiveTenant,
		"expiresAt":    session.ExpiresAt.Unix(),
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
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

func queryInt(w http.ResponseWriter, r *http.Request, name string, fallback int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", name+" must be an integer", nil)
		return 0, false
	}
	return parsed, true
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
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	var stale *store.StaleError
	if errors.As(err, &stale) {
		return http.StatusConflict, "STALE_DOCUMENT", "Document was modified by someone else", map[string]any{
			"expected": stale.Expected,
			"current":  stale.Current,
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return http.StatusConflict, "CONFLICT", "Operation violates a data dependency", nil
	}

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, workflow.ErrDuplicateParticipant):
		return http.StatusConflict, "DUPLICATE_PARTICIPANT", "Participant already in group", nil
	case errors.Is(err, workflow.ErrLastOwnerProtected):
		return http.StatusConflict, "LAST_OWNER", "Cannot remove the sole owner", nil
	case errors.Is(err, workflow.ErrIncompleteSignatures):
		return http.StatusUnprocessableEntity, "SIGNATURES_INCOMPLETE", "Required signatures are incomplete", nil
	case errors.Is(err, workflow.ErrReasonTooShort):
		return http.StatusUnprocessableEntity, "REASON_TOO_SHORT", "A longer reason is required", nil
	case errors.Is(err, workflow.ErrTerminalState):
		return http.StatusConflict, "TERMINAL_STAGE", "Document stage permits no transition", nil
	case errors.Is(err, workflow.ErrNotReopenable):
		return http.StatusConflict, "NOT_REOPENABLE", "Only a finalised document with a PDF can be reopened", nil
	case errors.Is(err, workflow.ErrUnknownGroup):
		return http.StatusNotFound, "UNKNOWN_GROUP", "Unknown participant group", nil
	case errors.Is(err, workflow.ErrUnknownParticipant):
		return http.StatusNotFound, "UNKNOWN_PARTICIPANT", "Participant not in group", nil
	case errors.Is(err, workflow.ErrNotActiveSigner):
		return http.StatusConflict, "NOT_ACTIVE_SIGNER", "It is not this participant's turn to sign", nil
	case errors.Is(err, workflow.ErrAlreadySigned):
		return http.StatusConflict, "ALREADY_SIGNED", "Participant has already signed", nil
	case errors.Is(err, finalize.ErrUnknownJob):
		return http.StatusNotFound, "UNKNOWN_JOB", "Unknown finalisation job", nil
	}

	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
