package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesCollectors(t *testing.T) {
	Init()
	Init()
	BusPublished.Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{"bookstream_bus_published_total", "go_goroutines"} {
		if !strings.Contains(body, name) {
			t.Fatalf("%s missing from output", name)
		}
	}
}
