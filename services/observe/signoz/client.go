package signoz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/instantcocoa/dorastudio/pkg/fault"
	"github.com/instantcocoa/dorastudio/services/observe"
)

const (
	pathQueryRange = "/api/v3/query_range"
	pathHealth     = "/api/v1/health"
	pathServices   = "/api/v1/services"
	pathLogin      = "/api/v1/login"
)

// maxErrorBody bounds how much of an error response is quoted in errors.
const maxErrorBody = 512

// Backend queries a SigNoz query service.
type Backend struct {
	cfg        Config
	httpClient HTTPDoer
	tokens     *tokenSource
	translate  translator
	logger     *slog.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c HTTPDoer) Option {
	return func(b *Backend) { b.httpClient = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// WithClock overrides the clock used to default query time ranges.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.translate.now = now }
}

// New creates a SigNoz backend.
func New(cfg Config, opts ...Option) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid signoz config: %w", err)
	}
	cfg = cfg.withDefaults()

	b := &Backend{
		cfg:        cfg,
		httpClient: &http.Client{},
		translate:  translator{maxLimit: cfg.MaxLimit, now: time.Now},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "signoz", "base_url", cfg.BaseURL, "auth", cfg.Auth.String())
	if cfg.Auth.Mode == AuthCredentials {
		b.tokens = newTokenSource(b.login)
	}
	return b, nil
}

func (b *Backend) Name() string { return "signoz" }

// Logins reports how many credential login exchanges ran.
func (b *Backend) Logins() int64 {
	if b.tokens == nil {
		return 0
	}
	return b.tokens.Logins()
}

func (b *Backend) QueryTraces(ctx context.Context, q observe.TraceQuery) ([]observe.Span, error) {
	payload, err := b.translate.traces(q)
	if err != nil {
		return nil, err
	}
	body, err := b.do(ctx, http.MethodPost, pathQueryRange, payload)
	if err != nil {
		return nil, err
	}
	return parseSpans(body)
}

func (b *Backend) QueryLogs(ctx context.Context, q observe.LogQuery) ([]observe.LogRecord, error) {
	payload, err := b.translate.logs(q)
	if err != nil {
		return nil, err
	}
	body, err := b.do(ctx, http.MethodPost, pathQueryRange, payload)
	if err != nil {
		return nil, err
	}
	return parseLogs(body)
}

func (b *Backend) QueryMetrics(ctx context.Context, q observe.MetricQuery) ([]observe.MetricPoint, error) {
	payload, err := b.translate.metrics(q)
	if err != nil {
		return nil, err
	}
	body, err := b.do(ctx, http.MethodPost, pathQueryRange, payload)
	if err != nil {
		return nil, err
	}
	metric := q.Metric
	if metric == "" {
		metric = DefaultMetric
	}
	return parseMetrics(body, metric)
}

func (b *Backend) ListServices(ctx context.Context) ([]observe.ServiceInfo, error) {
	body, err := b.do(ctx, http.MethodGet, pathServices, nil)
	if err != nil {
		return nil, err
	}
	return parseServices(body)
}

// HealthCheck succeeds when the health endpoint answers 2xx.
func (b *Backend) HealthCheck(ctx context.Context) error {
	_, err := b.do(ctx, http.MethodGet, pathHealth, nil)
	switch fault.KindOf(err) {
	case "", fault.KindTimeout, fault.KindUnreachable, fault.KindAuthFailed:
		return err
	default:
		return fault.Unreachable(err, "health check failed")
	}
}

// do runs one authenticated call. Under credentials auth a 401 or 403 drops
// the cached token and the call is retried once with a fresh login.
func (b *Backend) do(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	token := ""
	if b.tokens != nil {
		var err error
		if token, err = b.tokens.Token(ctx); err != nil {
			return nil, err
		}
	}

	status, respBody, err := b.send(ctx, method, path, body, token)
	if err != nil {
		return nil, err
	}

	if isAuthStatus(status) && b.tokens != nil {
		b.logger.DebugContext(ctx, "session token rejected, logging in again", "path", path, "status", status)
		b.tokens.Invalidate(token)
		if token, err = b.tokens.Token(ctx); err != nil {
			return nil, err
		}
		status, respBody, err = b.send(ctx, method, path, body, token)
		if err != nil {
			return nil, err
		}
	}

	if err := statusError(status, path, respBody); err != nil {
		b.logger.WarnContext(ctx, "signoz request failed",
			"method", method,
			"path", path,
			"status", status,
			"error_kind", fault.KindOf(err),
		)
		return nil, err
	}
	return respBody, nil
}

func (b *Backend) send(ctx context.Context, method, path string, body []byte, token string) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	b.authorize(req, token)

	start := time.Now()
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return 0, nil, fault.Classify(err, method+" "+path)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fault.Classify(err, "read "+path)
	}

	b.logger.DebugContext(ctx, "signoz response",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"bytes", len(respBody),
		"elapsed", time.Since(start),
	)
	return resp.StatusCode, respBody, nil
}

func (b *Backend) authorize(req *http.Request, token string) {
	switch b.cfg.Auth.Mode {
	case AuthAPIKey:
		req.Header.Set(b.cfg.Auth.header(), b.cfg.Auth.Key)
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+b.cfg.Auth.Token)
	case AuthCredentials:
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessJwt string `json:"accessJwt"`
	Data      struct {
		AccessJwt string `json:"accessJwt"`
	} `json:"data"`
}

// login exchanges credentials for a session token.
func (b *Backend) login(ctx context.Context) (string, error) {
	body, err := json.Marshal(loginRequest{Email: b.cfg.Auth.Email, Password: b.cfg.Auth.Password})
	if err != nil {
		return "", fmt.Errorf("failed to marshal login: %w", err)
	}

	status, respBody, err := b.send(ctx, http.MethodPost, pathLogin, body, "")
	if err != nil {
		return "", err
	}
	if isAuthStatus(status) || status == http.StatusBadRequest {
		return "", fault.AuthFailed("login as %s rejected with status %d", b.cfg.Auth.Email, status)
	}
	if err := statusError(status, pathLogin, respBody); err != nil {
		return "", err
	}

	var lr loginResponse
	if err := json.Unmarshal(respBody, &lr); err != nil {
		return "", fault.ParseError(err, "decode login response")
	}
	token := lr.AccessJwt
	if token == "" {
		token = lr.Data.AccessJwt
	}
	if token == "" {
		return "", fault.AuthFailed("login response carried no access token")
	}

	b.logger.InfoContext(ctx, "logged in to signoz", "email", b.cfg.Auth.Email)
	return token, nil
}

func isAuthStatus(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

func statusError(status int, path string, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case isAuthStatus(status):
		return fault.AuthFailed("%s rejected with status %d", path, status)
	case status == http.StatusTooManyRequests || status >= 500:
		return fault.Unreachable(nil, "%s returned status %d: %s", path, status, snippet(body))
	default:
		return fault.BackendError("%s returned status %d: %s", path, status, snippet(body))
	}
}

func snippet(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody]) + "..."
	}
	return string(body)
}
