package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// MockHTTPClient provides a configurable mock HTTP client for testing. It
// satisfies any interface with a Do(*http.Request) method, including the
// go-openai HTTPDoer.
type MockHTTPClient struct {
	mu              sync.Mutex
	responses       []MockResponse
	requests        []*http.Request
	requestBodies   [][]byte
	handler         func(*http.Request) MockResponse
	defaultResponse *MockResponse
}

// MockResponse defines a mock HTTP response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Error      error
	// Matcher optionally matches requests - if nil, matches all
	Matcher func(*http.Request) bool
}

// NewMockHTTPClient creates a new mock HTTP client.
func NewMockHTTPClient() *MockHTTPClient {
	return &MockHTTPClient{
		responses:     make([]MockResponse, 0),
		requests:      make([]*http.Request, 0),
		requestBodies: make([][]byte, 0),
	}
}

// AddResponse adds a mock response to the queue.
func (m *MockHTTPClient) AddResponse(resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
}

// SetHandler computes a response for requests no queued response matches.
func (m *MockHTTPClient) SetHandler(fn func(*http.Request) MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = fn
}

// SetDefaultResponse sets the default response when queue is empty.
func (m *MockHTTPClient) SetDefaultResponse(resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultResponse = &resp
}

// Do implements the HTTP client interface.
func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)

	if req.Body != nil {
		body, _ := io.ReadAll(req.Body)
		m.requestBodies = append(m.requestBodies, body)
		req.Body = io.NopCloser(bytes.NewReader(body))
	} else {
		m.requestBodies = append(m.requestBodies, nil)
	}

	var resp *MockResponse
	for i, r := range m.responses {
		if r.Matcher == nil || r.Matcher(req) {
			matched := m.responses[i]
			resp = &matched
			m.responses = append(m.responses[:i], m.responses[i+1:]...)
			break
		}
	}

	if resp == nil && m.handler != nil {
		computed := m.handler(req)
		resp = &computed
	}

	if resp == nil {
		resp = m.defaultResponse
	}

	if resp == nil {
		return nil, &MockError{Message: fmt.Sprintf("no mock response configured for %s %s", req.Method, req.URL.Path)}
	}

	if resp.Error != nil {
		return nil, resp.Error
	}

	httpResp := &http.Response{
		StatusCode: resp.StatusCode,
		Status:     fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		Body:       io.NopCloser(strings.NewReader(resp.Body)),
		Header:     make(http.Header),
		Request:    req,
	}

	for k, v := range resp.Headers {
		httpResp.Header.Set(k, v)
	}

	return httpResp, nil
}

// Requests returns all captured requests.
func (m *MockHTTPClient) Requests() []*http.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*http.Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// RequestBodies returns all captured request bodies.
func (m *MockHTTPClient) RequestBodies() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.requestBodies))
	copy(out, m.requestBodies)
	return out
}

// CountPath returns how many captured requests targeted path.
func (m *MockHTTPClient) CountPath(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.requests {
		if r.URL.Path == path {
			n++
		}
	}
	return n
}

// LastRequest returns the last captured request.
func (m *MockHTTPClient) LastRequest() *http.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}

// LastRequestBody returns the last captured request body.
func (m *MockHTTPClient) LastRequestBody() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requestBodies) == 0 {
		return nil
	}
	return m.requestBodies[len(m.requestBodies)-1]
}

// MockError represents a mock error.
type MockError struct {
	Message string
}

func (e *MockError) Error() string {
	return e.Message
}

// MatchPath matches requests by URL path.
func MatchPath(path string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		return r.URL.Path == path
	}
}

// Common mock response builders

// MockJSONResponse encodes v as the body of a response with the given status.
func MockJSONResponse(statusCode int, v interface{}) MockResponse {
	body, _ := json.Marshal(v)
	return MockResponse{
		StatusCode: statusCode,
		Body:       string(body),
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// MockSigNozList wraps rows in a SigNoz query_range list envelope.
func MockSigNozList(rows ...map[string]interface{}) MockResponse {
	list := make([]map[string]interface{}, len(rows))
	for i, r := range rows {
		list[i] = map[string]interface{}{"data": r}
		if ts, ok := r["timestamp"]; ok {
			list[i]["timestamp"] = ts
		}
	}
	return MockJSONResponse(http.StatusOK, map[string]interface{}{
		"status": "success",
		"data": map[string]interface{}{
			"result": []map[string]interface{}{
				{"queryName": "A", "list": list},
			},
		},
	})
}

// MockSigNozSeries wraps series in a SigNoz query_range time-series envelope.
// Each series is {"labels": {...}, "values": [{"timestamp":..., "value":...}]}.
func MockSigNozSeries(series ...map[string]interface{}) MockResponse {
	return MockJSONResponse(http.StatusOK, map[string]interface{}{
		"status": "success",
		"data": map[string]interface{}{
			"result": []map[string]interface{}{
				{"queryName": "A", "series": series},
			},
		},
	})
}

// MockSigNozError creates a SigNoz error envelope.
func MockSigNozError(message string) MockResponse {
	return MockJSONResponse(http.StatusOK, map[string]interface{}{
		"status": "error",
		"error":  message,
	})
}

// MockSigNozLogin creates a SigNoz login response carrying token.
func MockSigNozLogin(token string) MockResponse {
	return MockJSONResponse(http.StatusOK, map[string]interface{}{
		"accessJwt":  token,
		"refreshJwt": "refresh-" + token,
		"userId":     "user-1",
	})
}

// MockOpenAIResponse creates a mock OpenAI chat completion response.
func MockOpenAIResponse(content string) MockResponse {
	return MockJSONResponse(http.StatusOK, map[string]interface{}{
		"id":      "chatcmpl-test123",
		"object":  "chat.completion",
		"created": 1234567890,
		"model":   "gpt-4o-mini",
		"choices": []map[string]interface{}{
			{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     10,
			"completion_tokens": 20,
			"total_tokens":      30,
		},
	})
}

// MockToolCall describes one tool invocation requested by the model.
type MockToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// MockOpenAIToolCallResponse creates a completion that asks for tool calls.
func MockOpenAIToolCallResponse(calls ...MockToolCall) MockResponse {
	toolCalls := make([]map[string]interface{}, len(calls))
	for i, c := range calls {
		toolCalls[i] = map[string]interface{}{
			"id":   c.ID,
			"type": "function",
			"function": map[string]string{
				"name":      c.Name,
				"arguments": c.Arguments,
			},
		}
	}
	return MockJSONResponse(http.StatusOK, map[string]interface{}{
		"id":      "chatcmpl-tools123",
		"object":  "chat.completion",
		"created": 1234567890,
		"model":   "gpt-4o-mini",
		"choices": []map[string]interface{}{
			{
				"index": 0,
				"message": map[string]interface{}{
					"role":       "assistant",
					"content":    "",
					"tool_calls": toolCalls,
				},
				"finish_reason": "tool_calls",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     12,
			"completion_tokens": 8,
			"total_tokens":      20,
		},
	})
}

// MockErrorResponse creates a mock error response.
func MockErrorResponse(statusCode int, message string) MockResponse {
	return MockJSONResponse(statusCode, map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"type":    "error",
		},
	})
}

// MockTimeoutError creates a mock timeout error.
func MockTimeoutError() MockResponse {
	return MockResponse{
		Error: fmt.Errorf("mock transport: %w", context.DeadlineExceeded),
	}
}

// MockConnectionError creates a mock connection error.
func MockConnectionError() MockResponse {
	return MockResponse{
		Error: &MockError{Message: "connection refused"},
	}
}

// MockMalformedJSON creates a mock response with invalid JSON.
func MockMalformedJSON() MockResponse {
	return MockResponse{
		StatusCode: 200,
		Body:       `{"invalid json`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// MockEmptyResponse creates a mock empty response.
func MockEmptyResponse(statusCode int) MockResponse {
	return MockResponse{
		StatusCode: statusCode,
		Body:       "",
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}
