package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/ehrctx/internal/platform/auth"
)

// AuditEntry records who touched which patient's context, and how.
type AuditEntry struct {
	UserID       string
	UserRoles    []string
	ResourceType string
	PatientID    string
	Action       string // read, ingest, query
	IPAddress    string
	UserAgent    string
	Path         string
	Method       string
	Timestamp    time.Time
	RequestID    string
	StatusCode   int
}

// AuditRecorder persists audit entries somewhere other than the log stream.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every request under /api/ as a patient-data access event. The
// entry never carries request or response bodies.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !isAuditablePath(path) {
				return next(c)
			}

			err := next(c)

			ctx := req.Context()
			entry := AuditEntry{
				Timestamp:    time.Now().UTC(),
				Path:         path,
				Method:       req.Method,
				IPAddress:    c.RealIP(),
				UserAgent:    req.UserAgent(),
				StatusCode:   responseStatus(c, err),
				UserID:       auth.UserIDFromContext(ctx),
				UserRoles:    auth.RolesFromContext(ctx),
				RequestID:    requestIDFrom(c),
				ResourceType: extractResourceType(path),
				PatientID:    extractPatientID(c),
			}
			entry.Action = auditAction(req.Method, path)

			for _, rec := range recorders {
				if rec == nil {
					continue
				}
				if recErr := rec.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "hipaa_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource_type", entry.ResourceType).
				Str("patient_id", entry.PatientID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("phi_access")

			return err
		}
	}
}

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/api/")
}

// responseStatus returns the status the client will see. When the handler
// returned an error it has not been rendered yet, so the error decides.
func responseStatus(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

func auditAction(method, path string) string {
	switch {
	case method == http.MethodPost && strings.HasSuffix(path, "/query"):
		return "query"
	case method == http.MethodPost:
		return "ingest"
	default:
		return "read"
	}
}

// extractResourceType returns the first path segment after /api/:
//
//	/api/ehr-context-items          -> ehr-context-items
//	/api/ehr/P001/query             -> ehr
//	/api/ehr-ingestion-tasks/<id>   -> ehr-ingestion-tasks
func extractResourceType(path string) string {
	rest := strings.TrimPrefix(path, "/api/")
	seg, _, _ := strings.Cut(rest, "/")
	if seg == "" {
		return "unknown"
	}
	return seg
}

// extractPatientID looks at the :patient_id route param, then the patient_id
// query parameter, then a "patient_id" value a handler set after binding the
// body.
func extractPatientID(c echo.Context) string {
	if id := c.Param("patient_id"); id != "" {
		return id
	}
	if id := c.QueryParam("patient_id"); id != "" {
		return id
	}
	id, _ := c.Get("patient_id").(string)
	return id
}
