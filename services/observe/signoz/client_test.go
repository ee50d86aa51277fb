package signoz

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/instantcocoa/dorastudio/pkg/fault"
	"github.com/instantcocoa/dorastudio/pkg/testutil"
	"github.com/instantcocoa/dorastudio/services/observe"
)

func newTestBackend(t *testing.T, auth AuthMethod, mock *testutil.MockHTTPClient) *Backend {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BaseURL = "http://signoz.test"
	cfg.Auth = auth
	cfg.Timeout = 2 * time.Second

	b, err := New(cfg,
		WithHTTPClient(mock),
		WithLogger(testutil.DiscardLogger()),
		WithClock(func() time.Time { return fixedNow }),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return b
}

func spanRow(spanID string) map[string]interface{} {
	row := map[string]interface{}{
		"timestamp":    fixedNow.Add(-time.Minute).Format(time.RFC3339Nano),
		"serviceName":  "yolo",
		"name":         "detect",
		"durationNano": 1000000,
		"traceID":      "trace-1",
	}
	if spanID != "" {
		row["spanID"] = spanID
	}
	return row
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"empty url", Config{}},
		{"bad scheme", Config{BaseURL: "signoz:8080"}},
		{"api key without key", Config{BaseURL: DefaultBaseURL, Auth: AuthMethod{Mode: AuthAPIKey}}},
		{"credentials without password", Config{BaseURL: DefaultBaseURL, Auth: Credentials("a@b.c", "")}},
		{"unknown mode", Config{BaseURL: DefaultBaseURL, Auth: AuthMethod{Mode: "oauth"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}
}

func TestBackend_QueryTraces(t *testing.T) {
	mock := testutil.NewMockHTTPClient()
	mock.AddResponse(testutil.MockSigNozList(spanRow("s1"), spanRow("s2")))
	b := newTestBackend(t, NoAuth(), mock)

	t0 := fixedNow.Add(-10 * time.Minute)
	spans, err := b.QueryTraces(context.Background(), observe.TraceQuery{
		Range:  observe.TimeRange{Start: t0, End: t0.Add(5 * time.Minute)},
		Filter: observe.Eq("service", "yolo"),
	})
	if err != nil {
		t.Fatalf("QueryTraces() error = %v", err)
	}
	if len(spans) != 2 {
		t.Fatalf("QueryTraces() count = %d, want 2", len(spans))
	}

	req := mock.LastRequest()
	if req.Method != http.MethodPost || req.URL.Path != pathQueryRange {
		t.Errorf("request = %s %s, want POST %s", req.Method, req.URL.Path, pathQueryRange)
	}
	if req.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", req.Header.Get("Content-Type"))
	}
	if req.Header.Get("Authorization") != "" {
		t.Errorf("Authorization = %q, want none", req.Header.Get("Authorization"))
	}

	var sent queryRange
	if err := json.Unmarshal(mock.LastRequestBody(), &sent); err != nil {
		t.Fatalf("request body: %v", err)
	}
	if sent.Start != t0.UnixNano() {
		t.Errorf("sent.Start = %d, want %d", sent.Start, t0.UnixNano())
	}
	items := sent.CompositeQuery.BuilderQueries["A"].Filters.Items
	if len(items) != 1 || items[0].Key.Key != "serviceName" || items[0].Value != "yolo" {
		t.Errorf("sent filters = %+v, want serviceName = yolo", items)
	}
}

func TestBackend_QueryTraces_MalformedRow(t *testing.T) {
	mock := testutil.NewMockHTTPClient()
	mock.AddResponse(testutil.MockSigNozList(spanRow("s0"), spanRow(""), spanRow("s2")))
	b := newTestBackend(t, NoAuth(), mock)

	t0 := fixedNow.Add(-10 * time.Minute)
	spans, err := b.QueryTraces(context.Background(), observe.TraceQuery{
		Range:  observe.TimeRange{Start: t0, End: t0.Add(5 * time.Minute)},
		Filter: observe.Eq("service", "yolo"),
	})
	if fault.KindOf(err) != fault.KindMalformedResponse {
		t.Fatalf("QueryTraces() error = %v, want malformed response", err)
	}
	if fault.RowOf(err) != 1 {
		t.Errorf("RowOf() = %d, want 1", fault.RowOf(err))
	}
	if spans != nil {
		t.Errorf("QueryTraces() = %d spans, want no partial result", len(spans))
	}
}

func TestBackend_UnsupportedQueryNeverSent(t *testing.T) {
	mock := testutil.NewMockHTTPClient()
	b := newTestBackend(t, NoAuth(), mock)

	_, err := b.QueryLogs(context.Background(), observe.LogQuery{
		Filter: observe.And(observe.Eq("a", 1), observe.Or(observe.Eq("b", 2), observe.Eq("c", 3))),
	})
	if fault.KindOf(err) != fault.KindUnsupportedQuery {
		t.Errorf("QueryLogs() error = %v, want unsupported query", err)
	}
	if n := len(mock.Requests()); n != 0 {
		t.Errorf("requests sent = %d, want 0", n)
	}
}

func TestBackend_AuthHeaders(t *testing.T) {
	tests := []struct {
		name       string
		auth       AuthMethod
		wantHeader string
		wantValue  string
	}{
		{"api key default header", APIKey("k-123"), "SIGNOZ-API-KEY", "k-123"},
		{"api key custom header", APIKeyHeader("X-Api-Key", "k-456"), "X-Api-Key", "k-456"},
		{"bearer", Bearer("static"), "Authorization", "Bearer static"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockHTTPClient()
			mock.SetDefaultResponse(testutil.MockJSONResponse(http.StatusOK, map[string]string{"status": "ok"}))
			b := newTestBackend(t, tt.auth, mock)

			if err := b.HealthCheck(context.Background()); err != nil {
				t.Fatalf("HealthCheck() error = %v", err)
			}
			req := mock.LastRequest()
			if got := req.Header.Get(tt.wantHeader); got != tt.wantValue {
				t.Errorf("%s = %q, want %q", tt.wantHeader, got, tt.wantValue)
			}
			if req.URL.Path != pathHealth {
				t.Errorf("path = %q, want %q", req.URL.Path, pathHealth)
			}
		})
	}
}

func TestBackend_AuthFailedWithoutRetry(t *testing.T) {
	mock := testutil.NewMockHTTPClient()
	mock.SetDefaultResponse(testutil.MockErrorResponse(http.StatusUnauthorized, "bad key"))
	b := newTestBackend(t, APIKey("wrong"), mock)

	_, err := b.ListServices(context.Background())
	if !fault.IsAuthFailed(err) {
		t.Errorf("ListServices() error = %v, want auth failed", err)
	}
	if n := len(mock.Requests()); n != 1 {
		t.Errorf("requests = %d, want 1", n)
	}
}

func TestBackend_CredentialsLoginCached(t *testing.T) {
	mock := testutil.NewMockHTTPClient()
	mock.SetHandler(func(r *http.Request) testutil.MockResponse {
		switch r.URL.Path {
		case pathLogin:
			return testutil.MockSigNozLogin("tok-1")
		default:
			if r.Header.Get("Authorization") != "Bearer tok-1" {
				return testutil.MockErrorResponse(http.StatusUnauthorized, "no token")
			}
			return testutil.MockJSONResponse(http.StatusOK, map[string]interface{}{
				"status": "success",
				"data":   []map[string]interface{}{{"serviceName": "yolo", "numOperations": 3}},
			})
		}
	})
	b := newTestBackend(t, Credentials("dev@example.com", "secret"), mock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		services, err := b.ListServices(ctx)
		if err != nil {
			t.Fatalf("ListServices() error = %v", err)
		}
		if len(services) != 1 || services[0].NumOperations != 3 {
			t.Errorf("ListServices() = %+v, want yolo with 3 operations", services)
		}
	}

	if got := mock.CountPath(pathLogin); got != 1 {
		t.Errorf("login calls = %d, want 1", got)
	}

	var login loginRequest
	for i, r := range mock.Requests() {
		if r.URL.Path == pathLogin {
			_ = json.Unmarshal(mock.RequestBodies()[i], &login)
		}
	}
	if login.Email != "dev@example.com" || login.Password != "secret" {
		t.Errorf("login body = %+v, want configured credentials", login)
	}
}

// rotatingServer issues a fresh token on every login and accepts only the
// most recently issued one.
type rotatingServer struct {
	mu     sync.Mutex
	issued int
	valid  string
}

func (s *rotatingServer) handle(r *http.Request) testutil.MockResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.URL.Path == pathLogin {
		s.issued++
		s.valid = fmt.Sprintf("tok-%d", s.issued)
		return testutil.MockSigNozLogin(s.valid)
	}
	if r.Header.Get("Authorization") != "Bearer "+s.valid {
		return testutil.MockErrorResponse(http.StatusUnauthorized, "token expired")
	}
	return testutil.MockSigNozList(spanRow("s1"))
}

func (s *rotatingServer) expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.valid = "revoked"
}

func TestBackend_ConcurrentUnauthorizedSingleRelogin(t *testing.T) {
	server := &rotatingServer{}
	mock := testutil.NewMockHTTPClient()
	mock.SetHandler(server.handle)
	b := newTestBackend(t, Credentials("dev@example.com", "secret"), mock)
	ctx := context.Background()

	// Seed the cached token, then revoke it server side.
	if _, err := b.QueryTraces(ctx, observe.TraceQuery{}); err != nil {
		t.Fatalf("seed QueryTraces() error = %v", err)
	}
	server.expire()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = b.QueryTraces(ctx, observe.TraceQuery{})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("call %d error = %v, want success after refresh", i, err)
		}
	}
	if got := b.Logins(); got != 2 {
		t.Errorf("Logins() = %d, want 2 (seed plus one shared refresh)", got)
	}
}

func TestBackend_PersistentUnauthorized(t *testing.T) {
	mock := testutil.NewMockHTTPClient()
	mock.SetHandler(func(r *http.Request) testutil.MockResponse {
		if r.URL.Path == pathLogin {
			return testutil.MockSigNozLogin("tok")
		}
		return testutil.MockErrorResponse(http.StatusForbidden, "forbidden")
	})
	b := newTestBackend(t, Credentials("dev@example.com", "secret"), mock)

	_, err := b.QueryLogs(context.Background(), observe.LogQuery{})
	if !fault.IsAuthFailed(err) {
		t.Fatalf("QueryLogs() error = %v, want auth failed", err)
	}
	if got := mock.CountPath(pathLogin); got != 2 {
		t.Errorf("login calls = %d, want 2 (initial plus one retry)", got)
	}
	if got := mock.CountPath(pathQueryRange); got != 2 {
		t.Errorf("query calls = %d, want 2", got)
	}
}

func TestBackend_LoginRejected(t *testing.T) {
	mock := testutil.NewMockHTTPClient()
	mock.AddResponse(testutil.MockResponse{
		StatusCode: http.StatusUnauthorized,
		Body:       `{"error":"invalid credentials"}`,
		Matcher:    testutil.MatchPath(pathLogin),
	})
	b := newTestBackend(t, Credentials("dev@example.com", "wrong"), mock)

	_, err := b.QueryTraces(context.Background(), observe.TraceQuery{})
	if !fault.IsAuthFailed(err) {
		t.Errorf("QueryTraces() error = %v, want auth failed", err)
	}
	if got := mock.CountPath(pathQueryRange); got != 0 {
		t.Errorf("query calls = %d, want 0", got)
	}
}

func TestBackend_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		resp      testutil.MockResponse
		wantKind  fault.Kind
		retryable bool
	}{
		{"server error", testutil.MockErrorResponse(http.StatusInternalServerError, "boom"), fault.KindUnreachable, true},
		{"bad gateway", testutil.MockEmptyResponse(http.StatusBadGateway), fault.KindUnreachable, true},
		{"rate limited", testutil.MockErrorResponse(http.StatusTooManyRequests, "slow down"), fault.KindUnreachable, true},
		{"bad request", testutil.MockErrorResponse(http.StatusBadRequest, "invalid query"), fault.KindBackendError, false},
		{"timeout", testutil.MockTimeoutError(), fault.KindTimeout, true},
		{"connection refused", testutil.MockConnectionError(), fault.KindUnreachable, true},
		{"malformed json", testutil.MockMalformedJSON(), fault.KindParseError, false},
		{"error envelope", testutil.MockSigNozError("clickhouse unavailable"), fault.KindBackendError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockHTTPClient()
			mock.AddResponse(tt.resp)
			b := newTestBackend(t, NoAuth(), mock)

			_, err := b.QueryMetrics(context.Background(), observe.MetricQuery{})
			if got := fault.KindOf(err); got != tt.wantKind {
				t.Fatalf("QueryMetrics() error kind = %q, want %q (err = %v)", got, tt.wantKind, err)
			}
			if got := fault.Retryable(err); got != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestBackend_HealthCheck(t *testing.T) {
	mock := testutil.NewMockHTTPClient()
	mock.AddResponse(testutil.MockJSONResponse(http.StatusOK, map[string]string{"status": "ok"}))
	mock.AddResponse(testutil.MockErrorResponse(http.StatusNotFound, "not found"))
	mock.AddResponse(testutil.MockConnectionError())
	b := newTestBackend(t, NoAuth(), mock)
	ctx := context.Background()

	if err := b.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v, want nil", err)
	}
	if err := b.HealthCheck(ctx); !fault.IsUnreachable(err) {
		t.Errorf("HealthCheck() on 404 error = %v, want unreachable", err)
	}
	if err := b.HealthCheck(ctx); !fault.IsUnreachable(err) {
		t.Errorf("HealthCheck() on refused error = %v, want unreachable", err)
	}
}

func TestBackend_QueryMetrics(t *testing.T) {
	mock := testutil.NewMockHTTPClient()
	mock.AddResponse(testutil.MockSigNozSeries(map[string]interface{}{
		"labels": map[string]string{"service_name": "yolo"},
		"values": []map[string]interface{}{
			{"timestamp": 1700000000, "value": "1.5"},
			{"timestamp": 1700000060, "value": 2.5},
		},
	}))
	b := newTestBackend(t, NoAuth(), mock)

	points, err := b.QueryMetrics(context.Background(), observe.MetricQuery{Metric: "fps"})
	if err != nil {
		t.Fatalf("QueryMetrics() error = %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("QueryMetrics() count = %d, want 2", len(points))
	}
	if points[0].Metric != "fps" || points[0].Value != 1.5 {
		t.Errorf("points[0] = %+v, want fps 1.5", points[0])
	}
	if points[1].Labels["service_name"] != "yolo" {
		t.Errorf("points[1].Labels = %v, want service_name yolo", points[1].Labels)
	}
}

func TestBackend_ImplementsBackend(t *testing.T) {
	var _ observe.Backend = (*Backend)(nil)
}
