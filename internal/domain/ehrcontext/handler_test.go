package ehrcontext

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/ehrctx/internal/platform/auth"
	"github.com/ehr/ehrctx/pkg/pagination"
)

func newTestHandler() (*Handler, *mockContextRepo, *echo.Echo) {
	svc, repo := newTestService()
	return NewHandler(svc), repo, echo.New()
}

func httpCode(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected echo.HTTPError, got %v", err)
	}
	return he.Code
}

func TestCreateIngestionTask_Success(t *testing.T) {
	h, repo, e := newTestHandler()
	req := httptest.NewRequest(http.MethodPost, "/api/ehr-ingestion-tasks", strings.NewReader(sampleJSON))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.CreateIngestionTask(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var task IngestionTask
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if task.ID == uuid.Nil {
		t.Error("expected task id")
	}
	if task.Status != TaskCompleted || task.Items != 5 {
		t.Errorf("unexpected task %+v", task)
	}
	if len(repo.store["P001"]) != 5 {
		t.Errorf("expected 5 stored items, got %d", len(repo.store["P001"]))
	}
}

func TestCreateIngestionTask_InvalidRecord(t *testing.T) {
	h, _, e := newTestHandler()
	body := `{"patient_id":"P001","demographics":{"name":"","age":1,"gender":"F","blood_type":"A+"}}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())

	if code := httpCode(t, h.CreateIngestionTask(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestCreateIngestionTask_MalformedBody(t *testing.T) {
	h, _, e := newTestHandler()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"patient_id":`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())

	if code := httpCode(t, h.CreateIngestionTask(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestCreateIngestionTask_StorageFailure(t *testing.T) {
	h, repo, e := newTestHandler()
	repo.failNext = errors.New("connection refused")
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(sampleJSON))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())

	err := h.CreateIngestionTask(c)
	if code := httpCode(t, err); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", code)
	}

	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	body, ok := he.Message.(map[string]any)
	if !ok {
		t.Fatalf("expected structured message, got %T", he.Message)
	}
	taskID, ok := body["task_id"].(uuid.UUID)
	if !ok {
		t.Fatalf("expected task_id in body, got %v", body)
	}

	get := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	get.SetParamNames("id")
	get.SetParamValues(taskID.String())
	if err := h.GetIngestionTask(get); err != nil {
		t.Fatalf("expected failed task to be retrievable, got %v", err)
	}
	task, err := h.svc.GetTask(context.Background(), taskID)
	if err != nil || task.Status != TaskFailed {
		t.Errorf("expected failed task, got %+v (err %v)", task, err)
	}
}

func TestGetIngestionTask(t *testing.T) {
	h, _, e := newTestHandler()
	task, err := h.svc.Submit(context.Background(), sampleRecord())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(task.ID.String())
	if err := h.GetIngestionTask(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestGetIngestionTask_NotFound(t *testing.T) {
	h, _, e := newTestHandler()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	if code := httpCode(t, h.GetIngestionTask(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestGetIngestionTask_InvalidID(t *testing.T) {
	h, _, e := newTestHandler()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	if code := httpCode(t, h.GetIngestionTask(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestListContextItems(t *testing.T) {
	h, _, e := newTestHandler()
	if _, err := h.svc.Ingest(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/ehr-context-items?patient_id=P001", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.ListContextItems(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var body struct {
		Items []map[string]interface{} `json:"items"`
		Total int                      `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Total != 9 || len(body.Items) != 9 {
		t.Errorf("expected 9 items, got total=%d len=%d", body.Total, len(body.Items))
	}
}

func TestListContextItems_TypeFilter(t *testing.T) {
	h, _, e := newTestHandler()
	if _, err := h.svc.Ingest(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/?patient_id=P001&type=visit,lab_result", nil)
	rec := httptest.NewRecorder()
	if err := h.ListContextItems(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body pagination.Response[*ContextItem]
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Total != 3 {
		t.Errorf("expected 3 items, got %d", body.Total)
	}
}

func TestListContextItems_Paged(t *testing.T) {
	h, _, e := newTestHandler()
	if _, err := h.svc.Ingest(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/ehr-context-items?patient_id=P001&limit=4&offset=4", nil)
	rec := httptest.NewRecorder()
	if err := h.ListContextItems(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body pagination.Response[*ContextItem]
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Total != 9 || len(body.Items) != 4 || !body.HasMore {
		t.Errorf("expected page of 4 of 9 with more, got len=%d total=%d has_more=%v", len(body.Items), body.Total, body.HasMore)
	}
	if body.Items[0].Type != TypeMedication {
		t.Errorf("expected the page to start at the first medication, got %s", body.Items[0].Type)
	}
	if len(body.Links) != 3 {
		t.Errorf("expected self, next and previous links, got %+v", body.Links)
	}
}

func TestListContextItems_EmptyPatient(t *testing.T) {
	h, _, e := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/?patient_id=nobody", nil)
	rec := httptest.NewRecorder()
	if err := h.ListContextItems(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"items":[]`) {
		t.Errorf("expected empty items array, got %s", rec.Body.String())
	}
}

func TestListContextItems_BadRequests(t *testing.T) {
	h, _, e := newTestHandler()
	for _, target := range []string{"/", "/?patient_id=P001&type=surgery"} {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, target, nil), httptest.NewRecorder())
		if code := httpCode(t, h.ListContextItems(c)); code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", target, code)
		}
	}
}

func TestRegisterRoutes_RoleEnforcement(t *testing.T) {
	h, _, e := newTestHandler()
	api := e.Group("/api", withRoles("nurse"))
	h.RegisterRoutes(api)

	req := httptest.NewRequest(http.MethodPost, "/api/ehr-ingestion-tasks", strings.NewReader(sampleJSON))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected nurse ingestion to be forbidden, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/ehr-context-items?patient_id=P001", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected nurse read to succeed, got %d", rec.Code)
	}
}

func withRoles(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := context.WithValue(c.Request().Context(), auth.UserRolesKey, roles)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}
