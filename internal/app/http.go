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
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mello/api/internal/delivery"
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
		w.WriteHeader(http.StatusNoContent)
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

	parts := splitPath(r.URL.Path)

	// Public share links — no identity required
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "shared" {
		token := parts[2]
		if len(parts) == 3 && r.Method == http.MethodGet {
			s.handlePublicAccess(w, r, token)
			return
		}
		if len(parts) == 4 && parts[3] == "download" && r.Method == http.MethodGet {
			s.handlePublicDownload(w, r, token)
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	// Domain event ingestion from trusted internal callers
	if r.Method == http.MethodPost && r.URL.Path == "/api/internal/events" {
		syncToken := strings.TrimSpace(r.Header.Get("x-mello-sync-token"))
		if syncToken == "" || syncToken != s.service.SyncToken() {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		var ev DomainEvent
		if err := decodeBody(r, &ev); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if ev.UserID == 0 || ev.Event == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId and event are required", nil)
			return
		}
		if err := s.service.HandleDomainEvent(r.Context(), ev); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "sharing" {
		s.handleSharing(w, r, userID, parts[2:])
		return
	}

	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "webhooks" {
		s.handleWebhooks(w, r, userID, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSharing(w http.ResponseWriter, r *http.Request, userID int64, parts []string) {
	// POST /api/sharing
	if len(parts) == 0 && r.Method == http.MethodPost {
		var body struct {
			ResourceType    string `json:"resourceType"`
			ResourceID      int64  `json:"resourceId"`
			Email           string `json:"email"`
			UserID          *int64 `json:"userId"`
			PermissionLevel string `json:"permissionLevel"`
			ExpiresAt       string `json:"expiresAt"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.ResourceType == "" || body.ResourceID == 0 {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Resource type and ID are required", nil)
			return
		}
		input := ShareInput{
			ResourceType: body.ResourceType,
			ResourceID:   body.ResourceID,
			Email:        body.Email,
			UserID:       body.UserID,
			Level:        body.PermissionLevel,
		}
		if body.ExpiresAt != "" {
			expiresAt, err := time.Parse(time.RFC3339, body.ExpiresAt)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "expiresAt must be RFC 3339", nil)
				return
			}
			input.ExpiresAt = &expiresAt
		}
		permission, err := s.service.ShareResource(r.Context(), userID, input)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, permissionJSON(permission))
		return
	}

	// /api/sharing/permissions/...
	if len(parts) >= 2 && parts[0] == "permissions" {
		if len(parts) == 3 && r.Method == http.MethodGet {
			resourceID, err := parseID(parts[2])
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "resource id must be an integer", nil)
				return
			}
			permissions, err := s.service.ResourcePermissions(r.Context(), userID, parts[1], resourceID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"permissions": permissionsJSON(permissions)})
			return
		}

		if len(parts) == 2 && r.Method == http.MethodPatch {
			permissionID, err := parseID(parts[1])
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "permission id must be an integer", nil)
				return
			}
			var body struct {
				PermissionLevel string `json:"permissionLevel"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if body.PermissionLevel == "" {
				writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "permissionLevel is required", nil)
				return
			}
			permission, err := s.service.UpdatePermission(r.Context(), userID, permissionID, body.PermissionLevel)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, permissionJSON(permission))
			return
		}

		if len(parts) == 2 && r.Method == http.MethodDelete {
			permissionID, err := parseID(parts[1])
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "permission id must be an integer", nil)
				return
			}
			if err := s.service.RevokePermission(r.Context(), userID, permissionID); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"message": "Permission revoked successfully"})
			return
		}
	}

	// POST /api/sharing/public-link
	if len(parts) == 1 && parts[0] == "public-link" && r.Method == http.MethodPost {
		var body struct {
			ResourceType    string `json:"resourceType"`
			ResourceID      int64  `json:"resourceId"`
			PermissionLevel string `json:"permissionLevel"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.ResourceType == "" || body.ResourceID == 0 {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Resource type and ID are required", nil)
			return
		}
		link, err := s.service.CreatePublicLink(r.Context(), userID, body.ResourceType, body.ResourceID, body.PermissionLevel)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, link)
		return
	}

	// DELETE /api/sharing/public-link/{resourceType}/{resourceId}
	if len(parts) == 3 && parts[0] == "public-link" && r.Method == http.MethodDelete {
		resourceID, err := parseID(parts[2])
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "resource id must be an integer", nil)
			return
		}
		if err := s.service.DeletePublicLink(r.Context(), userID, parts[1], resourceID); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": "Public link deleted successfully"})
		return
	}

	if len(parts) == 1 && parts[0] == "shared-with-me" && r.Method == http.MethodGet {
		resources, err := s.service.SharedWithMe(r.Context(), userID, strings.TrimSpace(r.URL.Query().Get("type")))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"resources": sharedResourcesJSON(resources)})
		return
	}

	if len(parts) == 1 && parts[0] == "shared-by-me" && r.Method == http.MethodGet {
		resources, err := s.service.SharedByMe(r.Context(), userID, strings.TrimSpace(r.URL.Query().Get("type")))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"resources": sharedResourcesJSON(resources)})
		return
	}

	if len(parts) == 3 && parts[0] == "check-permission" && r.Method == http.MethodGet {
		resourceID, err := parseID(parts[2])
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "resource id must be an integer", nil)
			return
		}
		check, err := s.service.CheckPermission(r.Context(), userID, parts[1], resourceID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, check)
		return
	}

	if len(parts) == 3 && parts[0] == "activity" && r.Method == http.MethodGet {
		resourceID, err := parseID(parts[2])
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "resource id must be an integer", nil)
			return
		}
		activities, err := s.service.SharingActivity(r.Context(), userID, parts[1], resourceID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"activities": activitiesJSON(activities)})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleWebhooks(w http.ResponseWriter, r *http.Request, userID int64, parts []string) {
	if len(parts) == 1 && parts[0] == "events" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{"events": delivery.AvailableEvents()})
		return
	}

	if len(parts) == 1 && parts[0] == "scheduled" && r.Method == http.MethodGet {
		scheduled, err := s.service.ScheduledWebhooks(r.Context(), userID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"scheduled": scheduledListJSON(scheduled)})
		return
	}

	if len(parts) == 0 {
		if r.Method == http.MethodGet {
			webhooks, err := s.service.ListWebhooks(r.Context(), userID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"webhooks": webhooksJSON(webhooks)})
			return
		}
		if r.Method == http.MethodPost {
			var body WebhookInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			webhook, err := s.service.CreateWebhook(r.Context(), userID, body)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, webhookJSON(webhook))
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	webhookID, err := parseID(parts[0])
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "webhook id must be an integer", nil)
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			detail, err := s.service.GetWebhook(r.Context(), userID, webhookID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			payload := webhookJSON(detail.Webhook)
			payload["recentExecutions"] = executionsJSON(detail.RecentExecutions)
			writeJSON(w, http.StatusOK, payload)
			return
		case http.MethodPut:
			var body WebhookUpdate
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			webhook, err := s.service.UpdateWebhook(r.Context(), userID, webhookID, body)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, webhookJSON(webhook))
			return
		case http.MethodDelete:
			if err := s.service.DeleteWebhook(r.Context(), userID, webhookID); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"message": "Webhook deleted successfully"})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if len(parts) == 2 && parts[1] == "test" && r.Method == http.MethodPost {
		if err := s.service.TestWebhook(r.Context(), userID, webhookID); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": "Test webhook triggered successfully"})
		return
	}

	if len(parts) == 2 && parts[1] == "executions" && r.Method == http.MethodGet {
		limit := 50
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
				return
			}
			limit = parsed
		}
		offset := 0
		if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
				return
			}
			offset = parsed
		}
		page, err := s.service.WebhookExecutions(r.Context(), userID, webhookID, limit, offset)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"executions": executionsJSON(page.Executions),
			"total":      page.Total,
			"limit":      page.Limit,
			"offset":     page.Offset,
		})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handlePublicAccess(w http.ResponseWriter, r *http.Request, token string) {
	payload, err := s.service.AccessPublicResource(r.Context(), token)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handlePublicDownload(w http.ResponseWriter, r *http.Request, token string) {
	download, err := s.service.DownloadPublicFile(r.Context(), token)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	defer download.Body.Close()

	w.Header().Set("Content-Disposition", "attachment; filename=\""+download.Meta.Name+"\"")
	w.Header().Set("Content-Type", download.Meta.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(download.Size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, download.Body); err != nil {
		log.Printf("stream public file %d: %v", download.Meta.ID, err)
	}
}

// requireUser resolves the caller's identity. Authentication lives in
// front of this service; it forwards the authenticated user id in a
// header.
func (s *HTTPServer) requireUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if raw == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return 0, false
	}
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return 0, false
	}
	return userID, true
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
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-User-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
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

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func parseID(raw string) (int64, error) {
	return strconv.ParseInt(raw, 10, 64)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
