package httpclient

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		options  []Option
		validate func(t *testing.T, client *Client)
	}{
		{
			name:    "default_configuration",
			options: []Option{},
			validate: func(t *testing.T, client *Client) {
				if client.maxRetries != 5 {
					t.Errorf("Expected maxRetries=5, got %d", client.maxRetries)
				}
				if client.baseDelay != 2*time.Second {
					t.Errorf("Expected baseDelay=2s, got %v", client.baseDelay)
				}
				if client.client.Timeout != 60*time.Second {
					t.Errorf("Expected timeout=60s, got %v", client.client.Timeout)
				}
				if client.strategyFunc == nil {
					t.Error("Expected strategyFunc to be set")
				}
			},
		},
		{
			name:    "custom_max_retries",
			options: []Option{WithMaxRetries(3)},
			validate: func(t *testing.T, client *Client) {
				if client.maxRetries != 3 {
					t.Errorf("Expected maxRetries=3, got %d", client.maxRetries)
				}
			},
		},
		{
			name:    "custom_timeout",
			options: []Option{WithTimeout(30 * time.Second)},
			validate: func(t *testing.T, client *Client) {
				if client.client.Timeout != 30*time.Second {
					t.Errorf("Expected timeout=30s, got %v", client.client.Timeout)
				}
			},
		},
		{
			name: "custom_header_parser",
			options: []Option{
				WithHeaderParser(func(h http.Header) RateLimitInfo {
					return RateLimitInfo{RetryAfter: 10 * time.Second}
				}),
			},
			validate: func(t *testing.T, client *Client) {
				if client.headerParser == nil {
					t.Fatal("Expected headerParser to be set")
				}
				info := client.headerParser(http.Header{})
				if info.RetryAfter != 10*time.Second {
					t.Errorf("Expected RetryAfter=10s, got %v", info.RetryAfter)
				}
			},
		},
		{
			name: "custom_retry_strategy",
			options: []Option{
				WithRetryStrategy(func(statusCode int) RetryStrategy {
					return SmartRetry
				}),
			},
			validate: func(t *testing.T, client *Client) {
				if client.strategyFunc(500) != SmartRetry {
					t.Error("Expected SmartRetry for all codes")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := New(tt.options...)
			tt.validate(t, client)
		})
	}
}

func TestDefaultRetryStrategy(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		expected   RetryStrategy
	}{
		{name: "rate_limit_429", statusCode: http.StatusTooManyRequests, expected: SmartRetry},
		{name: "service_unavailable_503", statusCode: http.StatusServiceUnavailable, expected: SmartRetry},
		{name: "request_timeout_408", statusCode: http.StatusRequestTimeout, expected: ConservativeRetry},
		{name: "internal_server_error_500", statusCode: http.StatusInternalServerError, expected: ConservativeRetry},
		{name: "bad_gateway_502", statusCode: http.StatusBadGateway, expected: ConservativeRetry},
		{name: "gateway_timeout_504", statusCode: http.StatusGatewayTimeout, expected: ConservativeRetry},
		{name: "success_200", statusCode: http.StatusOK, expected: NoRetry},
		{name: "not_found_404", statusCode: http.StatusNotFound, expected: NoRetry},
		{name: "unauthorized_401", statusCode: http.StatusUnauthorized, expected: NoRetry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := DefaultRetryStrategy(tt.statusCode)
			if result != tt.expected {
				t.Errorf("DefaultRetryStrategy(%d) = %v, want %v", tt.statusCode, result, tt.expected)
			}
		})
	}
}

func TestClient_Do_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("success"))
	}))
	defer server.Close()

	client := New(WithHTTPClient(server.Client()))
	req, _ := http.NewRequest("GET", server.URL, nil)

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v, want nil", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Do() status code = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestClient_Do_NetworkError(t *testing.T) {
	client := New(WithHTTPClient(&http.Client{Timeout: 1 * time.Millisecond}))
	req, _ := http.NewRequest("GET", "http://invalid-url-that-does-not-exist:9999", nil)

	resp, err := client.Do(req)
	if err == nil {
		t.Error("Do() error = nil, want network error")
	}
	if resp != nil {
		t.Error("Do() response should be nil for network errors")
	}
}

func TestClient_Do_RetriesServerError(t *testing.T) {
	attemptCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attemptCount++
		if attemptCount <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
		} else {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("success after retry"))
		}
	}))
	defer server.Close()

	client := New(
		WithHTTPClient(server.Client()),
		WithMaxRetries(3),
		WithBaseDelay(10*time.Millisecond),
	)
	req, _ := http.NewRequest("GET", server.URL, nil)

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v, want nil", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Do() status code = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if attemptCount != 3 {
		t.Errorf("Expected 3 attempts, got %d", attemptCount)
	}
}

func TestClient_Do_RecreatesBodyOnRetry(t *testing.T) {
	var bodies []string
	attemptCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attemptCount++
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		if attemptCount == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(
		WithHTTPClient(server.Client()),
		WithMaxRetries(2),
		WithBaseDelay(10*time.Millisecond),
	)
	req, _ := http.NewRequest("POST", server.URL, bytes.NewReader([]byte(`{"k":"v"}`)))

	if _, err := client.Do(req); err != nil {
		t.Fatalf("Do() error = %v, want nil", err)
	}
	if len(bodies) != 2 {
		t.Fatalf("Expected 2 attempts, got %d", len(bodies))
	}
	for i, body := range bodies {
		if body != `{"k":"v"}` {
			t.Errorf("attempt %d body = %q, want %q", i+1, body, `{"k":"v"}`)
		}
	}
}

func TestClient_Do_MaxRetriesExceeded(t *testing.T) {
	attemptCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attemptCount++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := New(
		WithHTTPClient(server.Client()),
		WithMaxRetries(2),
		WithBaseDelay(10*time.Millisecond),
	)
	req, _ := http.NewRequest("GET", server.URL, nil)

	resp, err := client.Do(req)
	if err == nil {
		t.Fatal("Do() error = nil, want RetryableError")
	}
	if resp == nil {
		t.Fatal("Do() response = nil, want non-nil")
	}

	retryErr, ok := err.(*RetryableError)
	if !ok {
		t.Fatalf("Do() error type = %T, want *RetryableError", err)
	}
	if retryErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("RetryableError.StatusCode = %d, want %d", retryErr.StatusCode, http.StatusInternalServerError)
	}

	// Conservative strategy caps server-error retries at two.
	if attemptCount != 3 {
		t.Errorf("Expected 3 attempts, got %d", attemptCount)
	}
}

func TestClient_Do_RateLimitWithRetryAfter(t *testing.T) {
	attemptCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attemptCount++
		if attemptCount == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
		} else {
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer server.Close()

	client := New(
		WithHTTPClient(server.Client()),
		WithMaxRetries(3),
		WithHeaderParser(ParseAnthropicHeaders),
	)
	req, _ := http.NewRequest("GET", server.URL, nil)

	start := time.Now()
	resp, err := client.Do(req)
	duration := time.Since(start)

	if err != nil {
		t.Fatalf("Do() error = %v, want nil", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Do() status code = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if attemptCount != 2 {
		t.Errorf("Expected 2 attempts, got %d", attemptCount)
	}
	if duration < 1*time.Second {
		t.Errorf("Expected to wait at least 1s, waited %v", duration)
	}
}
