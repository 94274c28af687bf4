package prometheus

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sifan077/NanoLink/config"
)

func TestNewServer_ServesRegistry(t *testing.T) {
	reg := NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "nanolink_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Add(3)

	srv := NewServer(config.PrometheusConfig{}, reg)
	if srv.Addr != ":9090" {
		t.Fatalf("expected default port, got %s", srv.Addr)
	}

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Result().Body)
	if !strings.Contains(string(body), "nanolink_test_total 3") {
		t.Fatalf("expected counter in output, got:\n%s", body)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Fatal("expected go collector metrics")
	}
}
