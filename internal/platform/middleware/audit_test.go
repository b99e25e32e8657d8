package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/ehrctx/internal/platform/auth"
)

// mockRecorder collects audit entries for assertions.
type mockRecorder struct {
	mu      sync.Mutex
	entries []AuditEntry
	err     error
}

func (m *mockRecorder) RecordAccess(entry AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return m.err
}

func (m *mockRecorder) last() AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[len(m.entries)-1]
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func newTestContext(method, path string, opts ...func(*http.Request)) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, path, nil)
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func withAuth(userID string, roles []string) func(*http.Request) {
	return func(req *http.Request) {
		ctx := req.Context()
		ctx = context.WithValue(ctx, auth.UserIDKey, userID)
		ctx = context.WithValue(ctx, auth.UserRolesKey, roles)
		*req = *req.WithContext(ctx)
	}
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func TestAudit_QueryRecordsPatientFromRoute(t *testing.T) {
	rec := &mockRecorder{}
	c, _ := newTestContext(http.MethodPost, "/api/ehr/P001/query", withAuth("dr-1", []string{"physician"}))
	c.SetParamNames("patient_id")
	c.SetParamValues("P001")
	c.Set("request_id", "req-42")

	if err := Audit(zerolog.Nop(), rec)(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entry := rec.last()
	if entry.UserID != "dr-1" || len(entry.UserRoles) != 1 || entry.UserRoles[0] != "physician" {
		t.Errorf("unexpected user in entry %+v", entry)
	}
	if entry.PatientID != "P001" {
		t.Errorf("expected patient P001, got %q", entry.PatientID)
	}
	if entry.Action != "query" || entry.ResourceType != "ehr" {
		t.Errorf("expected query on ehr, got %s on %s", entry.Action, entry.ResourceType)
	}
	if entry.RequestID != "req-42" || entry.StatusCode != http.StatusOK {
		t.Errorf("unexpected request metadata %+v", entry)
	}
}

func TestAudit_ListRecordsPatientFromQueryParam(t *testing.T) {
	rec := &mockRecorder{}
	c, _ := newTestContext(http.MethodGet, "/api/ehr-context-items?patient_id=P002")

	if err := Audit(zerolog.Nop(), rec)(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entry := rec.last()
	if entry.PatientID != "P002" || entry.Action != "read" || entry.ResourceType != "ehr-context-items" {
		t.Errorf("unexpected entry %+v", entry)
	}
}

func TestAudit_IngestRecordsPatientSetByHandler(t *testing.T) {
	rec := &mockRecorder{}
	c, _ := newTestContext(http.MethodPost, "/api/ehr-ingestion-tasks")

	h := Audit(zerolog.Nop(), rec)(func(c echo.Context) error {
		c.Set("patient_id", "P003")
		return c.NoContent(http.StatusCreated)
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entry := rec.last()
	if entry.PatientID != "P003" || entry.Action != "ingest" || entry.StatusCode != http.StatusCreated {
		t.Errorf("unexpected entry %+v", entry)
	}
}

func TestAudit_StatusFromHandlerError(t *testing.T) {
	rec := &mockRecorder{}
	c, _ := newTestContext(http.MethodGet, "/api/ehr-context-items")

	h := Audit(zerolog.Nop(), rec)(func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusForbidden, "required role: physician")
	})
	err := h(c)
	if err == nil {
		t.Fatal("expected handler error to propagate")
	}
	if rec.last().StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 recorded, got %d", rec.last().StatusCode)
	}

	c, _ = newTestContext(http.MethodGet, "/api/ehr-context-items")
	_ = Audit(zerolog.Nop(), rec)(func(c echo.Context) error { return errors.New("boom") })(c)
	if rec.last().StatusCode != http.StatusInternalServerError {
		t.Errorf("expected 500 recorded for plain error, got %d", rec.last().StatusCode)
	}
}

func TestAudit_SkipsNonAuditablePaths(t *testing.T) {
	rec := &mockRecorder{}
	for _, path := range []string{"/health", "/health/db", "/"} {
		c, _ := newTestContext(http.MethodGet, path)
		if err := Audit(zerolog.Nop(), rec)(okHandler)(c); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if rec.count() != 0 {
		t.Errorf("expected no audit entries, got %d", rec.count())
	}
}

func TestAudit_RecorderErrorDoesNotBreakRequest(t *testing.T) {
	var buf bytes.Buffer
	rec := &mockRecorder{err: errors.New("disk full")}
	c, resp := newTestContext(http.MethodGet, "/api/ehr-context-items?patient_id=P001")

	if err := Audit(zerolog.New(&buf), rec)(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.Code)
	}
	if !strings.Contains(buf.String(), "failed to record audit entry") {
		t.Errorf("expected recorder failure to be logged, got %s", buf.String())
	}
}

func TestAudit_LogLineCarriesNoBody(t *testing.T) {
	var buf bytes.Buffer
	c, _ := newTestContext(http.MethodPost, "/api/ehr/P001/query")
	c.SetParamNames("patient_id")
	c.SetParamValues("P001")

	h := Audit(zerolog.New(&buf))(func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"answer": "Alergia a Penicilina"})
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"type":"hipaa_audit"`) || !strings.Contains(out, `"patient_id":"P001"`) {
		t.Errorf("unexpected audit line %s", out)
	}
	if strings.Contains(out, "Penicilina") {
		t.Error("audit line must not contain response content")
	}
}

func TestAuditRecorderFunc(t *testing.T) {
	called := false
	var r AuditRecorder = AuditRecorderFunc(func(AuditEntry) error {
		called = true
		return nil
	})
	if err := r.RecordAccess(AuditEntry{}); err != nil || !called {
		t.Error("expected function adapter to be invoked")
	}
}

func TestAuditAction(t *testing.T) {
	tests := []struct {
		method, path, want string
	}{
		{http.MethodGet, "/api/ehr-context-items", "read"},
		{http.MethodGet, "/api/ehr-ingestion-tasks/abc", "read"},
		{http.MethodPost, "/api/ehr-ingestion-tasks", "ingest"},
		{http.MethodPost, "/api/ehr/P001/query", "query"},
	}
	for _, tt := range tests {
		if got := auditAction(tt.method, tt.path); got != tt.want {
			t.Errorf("auditAction(%s, %s) = %s, want %s", tt.method, tt.path, got, tt.want)
		}
	}
}

func TestExtractResourceType(t *testing.T) {
	tests := map[string]string{
		"/api/ehr-context-items":      "ehr-context-items",
		"/api/ehr/P001/query":         "ehr",
		"/api/ehr-ingestion-tasks/id": "ehr-ingestion-tasks",
		"/api/":                       "unknown",
	}
	for path, want := range tests {
		if got := extractResourceType(path); got != want {
			t.Errorf("extractResourceType(%s) = %s, want %s", path, got, want)
		}
	}
}
