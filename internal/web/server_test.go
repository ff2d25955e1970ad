package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/taxintake/internal/document"
	"github.com/JonMunkholm/taxintake/internal/etl"
	"github.com/JonMunkholm/taxintake/internal/intake"
	"github.com/JonMunkholm/taxintake/internal/lifecycle"
	"github.com/JonMunkholm/taxintake/internal/memstore"
	"github.com/JonMunkholm/taxintake/internal/metrics"
	"github.com/JonMunkholm/taxintake/internal/parse"
	"github.com/JonMunkholm/taxintake/internal/template"
	"github.com/JonMunkholm/taxintake/internal/uniqueness"
	"github.com/JonMunkholm/taxintake/internal/web"
)

var income = template.Template{
	Name:        "income_statement",
	Version:     1,
	Archetype:   "income",
	Periodicity: template.Yearly,
	Fields: []template.FieldSpec{
		{Name: "payer_id", Type: parse.TypeText, Required: true},
		{Name: "gross_amount", Type: parse.TypeNumber, Required: true},
	},
	UniqueFields: []string{template.KeyTaxpayer, template.KeyYear},
}

type fakeETL struct {
	summary etl.Summary
	err     error
	calls   int
}

func (f *fakeETL) RunOnce(context.Context) (etl.Summary, error) {
	f.calls++
	return f.summary, f.err
}

type fixture struct {
	store   *memstore.Store
	etl     *fakeETL
	limiter *intake.Limiter
	handler http.Handler
}

func newFixture(t *testing.T, cfg web.Config, ping func(context.Context) error) *fixture {
	t.Helper()

	registry := template.NewRegistry()
	registry.Register(income)

	f := &fixture{
		store:   memstore.New(),
		etl:     &fakeETL{summary: etl.Summary{Processed: 2, Pending: 1}},
		limiter: intake.NewLimiter(2, 0),
	}
	m := metrics.New()
	pipeline := intake.NewPipeline(intake.Config{}, intake.Deps{
		Registry: registry,
		Tracker:  lifecycle.NewTracker(f.store, f.store),
		Resolver: uniqueness.NewResolver(f.store),
		Rows:     memstore.NewCollections(0),
		Limiter:  f.limiter,
	}, intake.WithObserver(m.ObserveUpload))

	f.handler = web.NewServer(cfg, web.Deps{
		Registry:  registry,
		Documents: f.store,
		Intake:    pipeline,
		Limiter:   f.limiter,
		ETL:       f.etl,
		Metrics:   m.Handler(),
		Ping:      ping,
	}).Router()
	return f
}

func (f *fixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	return f.do(t, httptest.NewRequest(http.MethodGet, path, nil))
}

func uploadRequest(t *testing.T, fields map[string]string, fileName, content string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if fileName != "" {
		fw, err := mw.CreateFormFile("file", fileName)
		require.NoError(t, err)
		_, err = io.WriteString(fw, content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/uploads", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type uploadBody struct {
	Document struct {
		ID        string `json:"id"`
		Situation string `json:"situation"`
		Active    bool   `json:"active"`
	} `json:"document"`
	Valid   bool `json:"valid"`
	Records int  `json:"records"`
	Alerts  []struct {
		Key     string `json:"key"`
		Message string `json:"message"`
	} `json:"alerts"`
	Replaced []string `json:"replaced"`
}

var uploadFields = map[string]string{
	"template":    "income_statement",
	"taxpayer_id": "123",
	"year":        "2024",
	"user":        "ana",
}

// ----------------------------------------------------------------------------
// Health & metrics
// ----------------------------------------------------------------------------

func TestHealth(t *testing.T) {
	f := newFixture(t, web.Config{}, nil)
	rec := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["templates"])

	down := newFixture(t, web.Config{}, func(context.Context) error { return errors.New("connection refused") })
	rec = down.get(t, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, web.Config{}, nil)
	f.do(t, uploadRequest(t, uploadFields, "income.csv", "payer_id;gross_amount\nP1;10\n"))

	rec := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `taxintake_uploads_total{situation="VALID",template="income_statement"} 1`)
}

// ----------------------------------------------------------------------------
// Templates
// ----------------------------------------------------------------------------

func TestTemplates(t *testing.T) {
	f := newFixture(t, web.Config{}, nil)

	rec := f.get(t, "/api/templates")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]map[string]any](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "income_statement:1", list[0]["id"])
	assert.Equal(t, "validated_income_statement_v1", list[0]["validatedCollection"])

	rec = f.get(t, "/api/templates/income_statement?version=1")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.get(t, "/api/templates/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "TPL001", decode[web.ErrorResponse](t, rec).Code)

	rec = f.get(t, "/api/templates/income_statement?version=x")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// ----------------------------------------------------------------------------
// Uploads & documents
// ----------------------------------------------------------------------------

func TestUpload_ValidThenDocumentViews(t *testing.T) {
	f := newFixture(t, web.Config{}, nil)

	rec := f.do(t, uploadRequest(t, uploadFields, "income.csv", "payer_id;gross_amount\nP1;10\nP2;20\n"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[uploadBody](t, rec)
	assert.True(t, body.Valid)
	assert.Equal(t, 2, body.Records)
	assert.Equal(t, "VALID", body.Document.Situation)
	assert.True(t, body.Document.Active)
	assert.Empty(t, body.Alerts)

	id := body.Document.ID
	rec = f.get(t, "/api/documents/"+id)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "income_statement|123|2024", decode[map[string]any](t, rec)["uniquenessKey"])

	rec = f.get(t, "/api/documents/"+id+"/history")
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[[]document.HistoryEntry](t, rec)
	require.Len(t, history, 3)
	assert.Equal(t, document.Valid, history[2].Situation)

	rec = f.get(t, "/api/documents/"+id+"/alerts")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	rec = f.get(t, "/api/documents")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]map[string]any](t, rec), 1)

	rec = f.get(t, "/api/documents?situation=INVALID")
	assert.Len(t, decode[[]map[string]any](t, rec), 0)
}

func TestUpload_InvalidFileStillAnswers200(t *testing.T) {
	f := newFixture(t, web.Config{}, nil)

	rec := f.do(t, uploadRequest(t, uploadFields, "income.csv", "payer_id;gross_amount\nP1;abc\n"))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[uploadBody](t, rec)
	assert.False(t, body.Valid)
	assert.Equal(t, "INVALID", body.Document.Situation)
	require.NotEmpty(t, body.Alerts)
	assert.NotEmpty(t, body.Alerts[0].Message)

	rec = f.get(t, "/api/documents/"+body.Document.ID+"/alerts")
	alerts := decode[[]lifecycle.StoredAlert](t, rec)
	require.Len(t, alerts, len(body.Alerts))
	assert.True(t, alerts[0].Critical)
}

func TestUpload_Rectification(t *testing.T) {
	f := newFixture(t, web.Config{}, nil)

	first := decode[uploadBody](t, f.do(t, uploadRequest(t, uploadFields, "a.csv", "payer_id;gross_amount\nP1;10\n")))
	second := decode[uploadBody](t, f.do(t, uploadRequest(t, uploadFields, "b.csv", "payer_id;gross_amount\nP1;11\n")))

	assert.Equal(t, []string{first.Document.ID}, second.Replaced)
	rec := f.get(t, "/api/documents/"+first.Document.ID)
	assert.Equal(t, "REPLACED", decode[map[string]any](t, rec)["situation"])
}

func TestUploadPreview(t *testing.T) {
	f := newFixture(t, web.Config{}, nil)
	preview := func(content string) map[string]any {
		req := uploadRequest(t, uploadFields, "a.csv", content)
		req.URL.Path = "/api/uploads/preview"
		rec := f.do(t, req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		return decode[map[string]any](t, rec)
	}

	body := preview("payer_id;gross_amount\nP1;10\n")
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, float64(1), body["records"])
	assert.Equal(t, "income_statement|123|2024", body["uniquenessKey"])
	assert.Equal(t, []any{}, body["replaces"])
	samples := body["samples"].([]any)
	require.Len(t, samples, 1)
	assert.Equal(t, map[string]any{"payer_id": "P1", "gross_amount": "10"}, samples[0].(map[string]any)["values"])
	assert.Empty(t, f.store.All())

	first := decode[uploadBody](t, f.do(t, uploadRequest(t, uploadFields, "a.csv", "payer_id;gross_amount\nP1;10\n")))
	body = preview("payer_id;gross_amount\nP1;11\n")
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, []any{first.Document.ID}, body["replaces"])

	body = preview("payer_id;gross_amount\nP1;abc\n")
	assert.Equal(t, false, body["valid"])
	alerts := body["alerts"].([]any)
	require.NotEmpty(t, alerts)
	assert.NotEmpty(t, alerts[0].(map[string]any)["message"])
	assert.Len(t, f.store.All(), 1)
}

func TestUpload_RequestErrors(t *testing.T) {
	f := newFixture(t, web.Config{}, nil)

	without := func(key string) map[string]string {
		out := map[string]string{}
		for k, v := range uploadFields {
			if k != key {
				out[k] = v
			}
		}
		return out
	}
	with := func(key, value string) map[string]string {
		out := without(key)
		out[key] = value
		return out
	}

	tests := []struct {
		name   string
		fields map[string]string
		file   string
		want   int
		code   string
	}{
		{"missing template", without("template"), "a.csv", http.StatusBadRequest, "REQ002"},
		{"missing year", without("year"), "a.csv", http.StatusBadRequest, "REQ002"},
		{"bad month", with("month", "13"), "a.csv", http.StatusBadRequest, "REQ002"},
		{"no file", uploadFields, "", http.StatusBadRequest, "REQ003"},
		{"unknown template", with("template", "nope"), "a.csv", http.StatusNotFound, "TPL001"},
		{"unsupported format", uploadFields, "a.pdf", http.StatusUnsupportedMediaType, "FILE007"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, uploadRequest(t, tt.fields, tt.file, "payer_id;gross_amount\nP1;1\n"))
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, tt.code, decode[web.ErrorResponse](t, rec).Code)
		})
	}
	assert.Empty(t, f.store.All())
}

func TestUpload_Busy(t *testing.T) {
	f := newFixture(t, web.Config{}, nil)
	require.True(t, f.limiter.TryAcquire())
	require.True(t, f.limiter.TryAcquire())
	defer f.limiter.Release()
	defer f.limiter.Release()

	rec := f.get(t, "/api/uploads/status")
	status := decode[intake.LimiterStatus](t, rec)
	assert.Equal(t, intake.LimiterStatus{Active: 2, Available: 0, MaxConcurrent: 2}, status)

	req := uploadRequest(t, uploadFields, "a.csv", "payer_id;gross_amount\nP1;1\n")
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	rec = f.do(t, req.WithContext(ctx))
	assert.Equal(t, "UPL002", decode[web.ErrorResponse](t, rec).Code)
}

func TestDocuments_BadRequests(t *testing.T) {
	f := newFixture(t, web.Config{}, nil)

	rec := f.get(t, "/api/documents/not-a-uuid")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.get(t, "/api/documents/6f1c2a34-0d4e-4b8a-9c11-2f3e4d5a6b7c")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "DOC001", decode[web.ErrorResponse](t, rec).Code)

	rec = f.get(t, "/api/documents/6f1c2a34-0d4e-4b8a-9c11-2f3e4d5a6b7c/history")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.get(t, "/api/documents?situation=LOST")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// ----------------------------------------------------------------------------
// ETL & auth
// ----------------------------------------------------------------------------

func TestETLRun(t *testing.T) {
	f := newFixture(t, web.Config{}, nil)

	rec := f.do(t, httptest.NewRequest(http.MethodPost, "/api/etl/run", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, float64(2), body["processed"])
	assert.Equal(t, float64(1), body["pending"])

	f.etl.err = etl.ErrRunInProgress
	rec = f.do(t, httptest.NewRequest(http.MethodPost, "/api/etl/run", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ETL010", decode[web.ErrorResponse](t, rec).Code)
	assert.Equal(t, 2, f.etl.calls)
}

func TestAPIKeyRequired(t *testing.T) {
	f := newFixture(t, web.Config{APIKeys: []string{"secret"}}, nil)

	assert.Equal(t, http.StatusUnauthorized, f.get(t, "/api/templates").Code)

	req := httptest.NewRequest(http.MethodGet, "/api/templates", nil)
	req.Header.Set("X-API-Key", "secret")
	assert.Equal(t, http.StatusOK, f.do(t, req).Code)

	assert.Equal(t, http.StatusOK, f.get(t, "/healthz").Code)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, web.Config{RateLimit: 2}, nil)

	assert.Equal(t, http.StatusOK, f.get(t, "/healthz").Code)
	assert.Equal(t, http.StatusOK, f.get(t, "/healthz").Code)
	rec := f.get(t, "/healthz")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}
