package ehrquery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/ehrctx/internal/domain/ehrcontext"
	"github.com/ehr/ehrctx/internal/platform/llm/llmtest"
)

func doQuery(t *testing.T, h *Handler, patientID, body string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/ehr/"+patientID+"/query", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("patient_id")
	c.SetParamValues(patientID)
	return rec, h.QueryPatient(c)
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	return he.Code
}

func TestQueryPatient_Success(t *testing.T) {
	items := testItems(t)
	reader := &mockReader{items: map[string][]*ehrcontext.ContextItem{"P001": items}}
	client := &llmtest.Client{StructuredRaw: idsJSON(items[2].ID.String()), Text: "Alergia a Penicilina."}
	h := NewHandler(newTestService(reader, client))

	rec, err := doQuery(t, h, "P001", `{"query":"¿Tiene alergias?"}`)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Answer     string           `json:"answer"`
		References []map[string]any `json:"references"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Alergia a Penicilina.", body.Answer)
	require.Len(t, body.References, 1)
	assert.Equal(t, items[2].ID.String(), body.References[0]["id"])
}

func TestQueryPatient_EmptyReferencesSerializeAsArray(t *testing.T) {
	reader := &mockReader{items: map[string][]*ehrcontext.ContextItem{}}
	h := NewHandler(newTestService(reader, &llmtest.Client{Text: "Sin información."}))

	rec, err := doQuery(t, h, "P404", `{"query":"¿Tiene alergias?"}`)
	require.NoError(t, err)
	assert.Contains(t, rec.Body.String(), `"references":[]`)
}

func TestQueryPatient_ErrorMapping(t *testing.T) {
	items := testItems(t)
	tests := []struct {
		name   string
		reader *mockReader
		client *llmtest.Client
		body   string
		want   int
	}{
		{
			name:   "empty query",
			reader: &mockReader{},
			client: &llmtest.Client{},
			body:   `{"query":""}`,
			want:   http.StatusBadRequest,
		},
		{
			name:   "storage failure",
			reader: &mockReader{err: &ehrcontext.StorageError{Op: "list_by_patient", Err: errors.New("down")}},
			client: &llmtest.Client{},
			body:   `{"query":"q"}`,
			want:   http.StatusServiceUnavailable,
		},
		{
			name:   "unparseable selection",
			reader: &mockReader{items: map[string][]*ehrcontext.ContextItem{"P001": items}},
			client: &llmtest.Client{StructuredRaw: "nope"},
			body:   `{"query":"q"}`,
			want:   http.StatusBadGateway,
		},
		{
			name:   "model timeout",
			reader: &mockReader{items: map[string][]*ehrcontext.ContextItem{"P001": items}},
			client: &llmtest.Client{StructuredErr: context.DeadlineExceeded},
			body:   `{"query":"q"}`,
			want:   http.StatusGatewayTimeout,
		},
		{
			name:   "model upstream error",
			reader: &mockReader{items: map[string][]*ehrcontext.ContextItem{"P001": items}},
			client: &llmtest.Client{StructuredRaw: `{"ids":[]}`, TextErr: errors.New("429 too many requests")},
			body:   `{"query":"q"}`,
			want:   http.StatusBadGateway,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(newTestService(tt.reader, tt.client))
			_, err := doQuery(t, h, "P001", tt.body)
			assert.Equal(t, tt.want, statusOf(t, err))
		})
	}
}
