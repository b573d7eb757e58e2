package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPProbe_HealthyEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("healthy"))
	}))
	defer server.Close()

	probe := NewHTTPProbe("/health")
	address := strings.TrimPrefix(server.URL, "http://")

	result := probe.Check(context.Background(), address)
	if !result.Healthy {
		t.Errorf("Expected healthy, got unhealthy: %s", result.Message)
	}
	if result.Duration <= 0 {
		t.Error("Expected positive duration")
	}
}

func TestHTTPProbe_UnexpectedStatusUnhealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	probe := NewHTTPProbe("/health")
	address := strings.TrimPrefix(server.URL, "http://")

	result := probe.Check(context.Background(), address)
	if result.Healthy {
		t.Errorf("Expected unhealthy, got healthy: %s", result.Message)
	}
}

func TestHTTPProbe_CustomExpectedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	probe := NewHTTPProbe("/health").WithExpectedStatus(http.StatusNoContent)
	address := strings.TrimPrefix(server.URL, "http://")

	result := probe.Check(context.Background(), address)
	if !result.Healthy {
		t.Errorf("Expected healthy for 204 status, got unhealthy: %s", result.Message)
	}
}

func TestHTTPProbe_TimeoutCountsAsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	probe := NewHTTPProbe("/health").WithTimeout(20 * time.Millisecond)
	address := strings.TrimPrefix(server.URL, "http://")

	result := probe.Check(context.Background(), address)
	if result.Healthy {
		t.Error("Expected timeout to count as failure")
	}
}

func TestTCPProbe_OpenAndRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	address := strings.TrimPrefix(server.URL, "http://")

	probe := NewTCPProbe()
	result := probe.Check(context.Background(), address)
	if !result.Healthy {
		t.Errorf("Expected healthy TCP probe: %s", result.Message)
	}

	server.Close()
	result = probe.Check(context.Background(), address)
	if result.Healthy {
		t.Error("Expected refused connection to count as failure")
	}
}
