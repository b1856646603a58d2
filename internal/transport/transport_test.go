package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(Options{
		BaseURL: baseURL,
		Retry: RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		},
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func TestExecute_AttachesBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"sta":"00"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	status, body, err := c.Execute(context.Background(), http.MethodPost, "/api", []byte(`{}`), "tok-1", false)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if status != http.StatusOK {
		t.Errorf("expected 200, got %d", status)
	}
	if string(body) != `{"sta":"00"}` {
		t.Errorf("unexpected body %q", body)
	}
	if gotAuth != "Bearer tok-1" {
		t.Errorf("expected bearer header, got %q", gotAuth)
	}
}

func TestExecute_SurfacesUnauthorizedWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	status, _, err := c.Execute(context.Background(), http.MethodPost, "/api", nil, "stale", true)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if status != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", status)
	}
	if calls.Load() != 1 {
		t.Errorf("401 must not be retried, got %d calls", calls.Load())
	}
}

func TestExecute_RetriesNetworkFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			// Close the connection without a response.
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatal("server does not support hijacking")
			}
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		w.Write([]byte(`ok`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	status, body, err := c.Execute(context.Background(), http.MethodGet, "/api", nil, "", true)
	if err != nil {
		t.Fatalf("expected recovery after retries, got %v", err)
	}
	if status != http.StatusOK || string(body) != "ok" {
		t.Errorf("unexpected response %d %q", status, body)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestExecute_ExhaustedRetriesReturnNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Fatal("server does not support hijacking")
		}
		conn, _, _ := hj.Hijack()
		conn.Close()
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, _, err := c.Execute(context.Background(), http.MethodGet, "/api", nil, "", true)
	if !errors.Is(err, ErrNetwork) {
		t.Errorf("expected ErrNetwork, got %v", err)
	}
}

func TestExecute_NonIdempotentSingleAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Fatal("server does not support hijacking")
		}
		conn, _, _ := hj.Hijack()
		conn.Close()
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, _, err := c.Execute(context.Background(), http.MethodPost, "/login", []byte(`{}`), "", false)
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("non-idempotent call must not be retried, got %d attempts", calls.Load())
	}
}
