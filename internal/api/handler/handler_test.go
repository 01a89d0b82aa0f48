package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mw "github.com/kiranshivaraju/consentlens/internal/api/middleware"
	"github.com/kiranshivaraju/consentlens/internal/jobs"
	"github.com/kiranshivaraju/consentlens/internal/pipeline"
	"github.com/kiranshivaraju/consentlens/internal/queue"
	"github.com/kiranshivaraju/consentlens/internal/source"
	"github.com/kiranshivaraju/consentlens/pkg/models"
)

// --- mocks ---

type mockAnalyzer struct {
	fn func(ctx context.Context, src string, opts pipeline.Options) (*models.PipelineResult, error)
}

func (m *mockAnalyzer) Run(ctx context.Context, src string, opts pipeline.Options) (*models.PipelineResult, error) {
	return m.fn(ctx, src, opts)
}

func resultAnalyzer() *mockAnalyzer {
	return &mockAnalyzer{fn: func(_ context.Context, _ string, _ pipeline.Options) (*models.PipelineResult, error) {
		return models.NewPipelineResult([]models.ClassifiedClause{
			{Text: "Accept All", Category: "Functional", Confidence: 0.8, Type: "button", Element: "<button>Accept All</button>"},
			{Text: "Analytics cookies", Category: "Analytics", Confidence: 0.8, Type: "checkbox", Element: "<input>"},
		}), nil
	}}
}

type mockJobService struct {
	submitted []jobs.SubmitRequest
	submitErr error
	views     map[string]*models.JobView
	statusErr error
}

func (m *mockJobService) Submit(_ context.Context, req jobs.SubmitRequest) (string, error) {
	if m.submitErr != nil {
		return "", m.submitErr
	}
	m.submitted = append(m.submitted, req)
	return fmt.Sprintf("job-%d", len(m.submitted)), nil
}

func (m *mockJobService) Status(_ context.Context, id string) (*models.JobView, error) {
	if m.statusErr != nil {
		return nil, m.statusErr
	}
	v, ok := m.views[id]
	if !ok {
		return nil, jobs.ErrJobNotFound
	}
	return v, nil
}

type mockQueue struct {
	info []queue.QueueInfo
	err  error
}

func (m *mockQueue) Info(_ context.Context) ([]queue.QueueInfo, error) { return m.info, m.err }

// --- helpers ---

func postJSON(t *testing.T, path string, body any) *http.Request {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	r.Header.Set("Content-Type", "application/json")
	return r.WithContext(mw.SetRequestID(r.Context(), "req-1"))
}

func dataOf(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	return env.Data
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	return env.Error.Code
}

// --- analyze ---

func TestAnalyzeHandler_Success(t *testing.T) {
	h := NewAnalyzeHandler(resultAnalyzer(), time.Second, "json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, postJSON(t, "/api/v1/analyze", map[string]any{"source": "<button>Accept All</button>"}))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := dataOf(t, rec)
	assert.Equal(t, true, data["success"])
	assert.Equal(t, float64(2), data["total_items"])
	assert.Equal(t, "req-1", data["request_id"])
	cats := data["categories"].(map[string]any)
	assert.Equal(t, float64(1), cats["Functional"])
	assert.Equal(t, float64(1), cats["Analytics"])
	assert.Len(t, data["items"], 2)
}

func TestAnalyzeHandler_PassesRequestIDOnly(t *testing.T) {
	var got pipeline.Options
	a := &mockAnalyzer{fn: func(_ context.Context, _ string, opts pipeline.Options) (*models.PipelineResult, error) {
		got = opts
		return models.NewPipelineResult(nil), nil
	}}
	h := NewAnalyzeHandler(a, time.Second, "json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, postJSON(t, "/api/v1/analyze", map[string]any{"source": "<p>hi</p>", "output_format": "csv"}))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, pipeline.Options{RequestID: "req-1"}, got)
}

func TestAnalyzeHandler_Timeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	a := &mockAnalyzer{fn: func(_ context.Context, _ string, _ pipeline.Options) (*models.PipelineResult, error) {
		<-release
		return models.NewPipelineResult(nil), nil
	}}
	h := NewAnalyzeHandler(a, 20*time.Millisecond, "json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, postJSON(t, "/api/v1/analyze", map[string]any{"source": "<p>slow</p>"}))

	assert.Equal(t, http.StatusRequestTimeout, rec.Code)
	assert.Equal(t, "REQUEST_TIMEOUT", errCode(t, rec))
}

func TestAnalyzeHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"transport", fmt.Errorf("fetch: %w", source.ErrTransport), http.StatusBadGateway, "SOURCE_UNREACHABLE"},
		{"deadline", fmt.Errorf("load: %w", context.DeadlineExceeded), http.StatusRequestTimeout, "REQUEST_TIMEOUT"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "ANALYSIS_FAILED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &mockAnalyzer{fn: func(_ context.Context, _ string, _ pipeline.Options) (*models.PipelineResult, error) {
				return nil, tt.err
			}}
			h := NewAnalyzeHandler(a, time.Second, "json")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, postJSON(t, "/api/v1/analyze", map[string]any{"source": "https://example.com"}))

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, errCode(t, rec))
		})
	}
}

func TestAnalyzeHandler_Validation(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
	}{
		{"empty source", map[string]any{"source": ""}},
		{"whitespace source", map[string]any{"source": "   "}},
		{"file url", map[string]any{"source": "file:///etc/passwd"}},
		{"ftp url", map[string]any{"source": "ftp://example.com/x"}},
		{"javascript url", map[string]any{"source": "javascript:alert(1)"}},
		{"data url", map[string]any{"source": "data:text/html,<p>x</p>"}},
		{"url without host", map[string]any{"source": "http://"}},
		{"bad format", map[string]any{"source": "<p>x</p>", "output_format": "xml"}},
		{"bad priority", map[string]any{"source": "<p>x</p>", "priority": "urgent"}},
		{"oversized source", map[string]any{"source": strings.Repeat("a", MaxSourceBytes+1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewAnalyzeHandler(resultAnalyzer(), time.Second, "json")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, postJSON(t, "/api/v1/analyze", tt.body))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "INVALID_REQUEST", errCode(t, rec))
		})
	}
}

func TestAnalyzeHandler_InvalidJSON(t *testing.T) {
	h := NewAnalyzeHandler(resultAnalyzer(), time.Second, "json")
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/analyze", strings.NewReader("{not json"))
	h.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalyzeHandler_BodyTooLarge(t *testing.T) {
	h := mw.MaxBody(64)(NewAnalyzeHandler(resultAnalyzer(), time.Second, "json"))
	rec := httptest.NewRecorder()
	r := postJSON(t, "/api/v1/analyze", map[string]any{"source": strings.Repeat("a", 200)})
	r.ContentLength = -1
	h.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "PAYLOAD_TOO_LARGE", errCode(t, rec))
}

func TestValidateSource_AcceptsRawHTMLAndHTTP(t *testing.T) {
	assert.Empty(t, validateSource("<div>Cookie banner text</div>"))
	assert.Empty(t, validateSource("https://example.com/privacy"))
	assert.Empty(t, validateSource("http://localhost:8080/path?q=1"))
	assert.Empty(t, validateSource(`{"buttons":[{"text":"Accept"}]}`))
}

// --- async ---

func TestAsyncAnalyzeHandler_Queued(t *testing.T) {
	svc := &mockJobService{}
	h := NewAsyncAnalyzeHandler(svc, "json")
	rec := httptest.NewRecorder()
	r := postJSON(t, "/api/v1/analyze/async", map[string]any{"source": "https://example.com", "priority": "high"})
	r.Header.Set("User-Agent", "test-agent")
	h.ServeHTTP(rec, r)

	require.Equal(t, http.StatusAccepted, rec.Code)
	data := dataOf(t, rec)
	assert.Equal(t, "job-1", data["job_id"])
	assert.Equal(t, "queued", data["status"])
	assert.Equal(t, "req-1", data["request_id"])

	require.Len(t, svc.submitted, 1)
	assert.Equal(t, "high", svc.submitted[0].Priority)
	assert.Equal(t, "json", svc.submitted[0].OutputFormat)
	assert.Equal(t, "test-agent", svc.submitted[0].UserAgent)
}

func TestAsyncAnalyzeHandler_DefaultPriority(t *testing.T) {
	svc := &mockJobService{}
	h := NewAsyncAnalyzeHandler(svc, "csv")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, postJSON(t, "/api/v1/analyze/async", map[string]any{"source": "<p>x</p>"}))

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "default", svc.submitted[0].Priority)
	assert.Equal(t, "csv", svc.submitted[0].OutputFormat)
}

func TestAsyncAnalyzeHandler_SubmitError(t *testing.T) {
	svc := &mockJobService{submitErr: errors.New("redis down")}
	h := NewAsyncAnalyzeHandler(svc, "json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, postJSON(t, "/api/v1/analyze/async", map[string]any{"source": "<p>x</p>"}))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "ENQUEUE_FAILED", errCode(t, rec))
}

// --- job status ---

func jobRequest(id string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+id, nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("jobID", id)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestJobStatusHandler_Found(t *testing.T) {
	errMsg := "source unreachable"
	svc := &mockJobService{views: map[string]*models.JobView{
		"j1": {JobID: "j1", Status: models.JobStatusFailed, Error: &errMsg},
	}}
	h := NewJobStatusHandler(svc)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, jobRequest("j1"))

	require.Equal(t, http.StatusOK, rec.Code)
	data := dataOf(t, rec)
	assert.Equal(t, "j1", data["job_id"])
	assert.Equal(t, "failed", data["status"])
	assert.Equal(t, errMsg, data["error"])
	_, hasResult := data["result"]
	assert.False(t, hasResult)
}

func TestJobStatusHandler_NotFound(t *testing.T) {
	h := NewJobStatusHandler(&mockJobService{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, jobRequest("missing"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "JOB_NOT_FOUND", errCode(t, rec))
}

func TestJobStatusHandler_InternalError(t *testing.T) {
	h := NewJobStatusHandler(&mockJobService{statusErr: errors.New("db down")})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, jobRequest("j1"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

// --- queues ---

func TestQueuesHandler(t *testing.T) {
	q := &mockQueue{info: []queue.QueueInfo{{Name: "high", Pending: 2}, {Name: "default"}, {Name: "low"}}}
	h := NewQueuesHandler(q)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/queues", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	data := dataOf(t, rec)
	queues := data["queues"].([]any)
	require.Len(t, queues, 3)
	assert.Equal(t, "high", queues[0].(map[string]any)["name"])
	assert.Equal(t, float64(2), queues[0].(map[string]any)["pending"])
}

func TestQueuesHandler_Unavailable(t *testing.T) {
	h := NewQueuesHandler(&mockQueue{err: errors.New("redis down")})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/queues", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
