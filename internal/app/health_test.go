package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
)

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	rr := s.do(t, http.MethodGet, "/api/health", nil)
	expectStatus(t, rr, http.StatusOK)
	if body := decode[map[string]any](t, rr); body["ok"] != true {
		t.Errorf("expected ok=true, got %v", body["ok"])
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
}

func TestReadyEndpoint_Success(t *testing.T) {
	s := newTestServer(t, map[string]Pinger{
		"database": PingFunc(func(context.Context) error { return nil }),
	})

	rr := s.do(t, http.MethodGet, "/api/ready", nil)
	expectStatus(t, rr, http.StatusOK)
	body := decode[map[string]any](t, rr)
	if body["status"] != "ready" {
		t.Errorf("expected status=ready, got %v", body["status"])
	}
}

func TestReadyEndpoint_DependencyFailure(t *testing.T) {
	s := newTestServer(t, map[string]Pinger{
		"database": PingFunc(func(context.Context) error { return nil }),
		"redis":    PingFunc(func(context.Context) error { return errors.New("connection refused") }),
	})

	rr := s.do(t, http.MethodGet, "/api/ready", nil)
	expectStatus(t, rr, http.StatusServiceUnavailable)
	body := decode[map[string]any](t, rr)
	if body["ok"] != false || body["status"] != "not_ready" {
		t.Fatalf("body = %v", body)
	}
	checks, _ := body["checks"].(map[string]any)
	redis, _ := checks["redis"].(map[string]any)
	if redis["status"] != "error" || redis["error"] != "connection refused" {
		t.Fatalf("redis check = %v", checks["redis"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(t, http.MethodGet, "/api/health", nil)

	rr := s.do(t, http.MethodGet, "/metrics", nil)
	expectStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), "changerequest_http_requests_total") {
		t.Fatal("metrics output is missing the http request counter")
	}
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t, nil)
	rr := s.do(t, http.MethodGet, "/api/nope", nil)
	expectStatus(t, rr, http.StatusNotFound)
	if body := decode[errorBody](t, rr); body.Code != "NOT_FOUND" {
		t.Fatalf("body = %+v", body)
	}
}
