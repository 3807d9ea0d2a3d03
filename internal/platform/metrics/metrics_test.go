package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestHandler_ExposesCounters(t *testing.T) {
	m := New()
	m.IncBroadcastsStarted()
	m.IncTokensIssued("presenter")
	refreshed := false

	rec := httptest.NewRecorder()
	m.Handler(func() { refreshed = true; m.SetActiveBroadcasts(1) }).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !refreshed {
		t.Error("gauges not refreshed before scrape")
	}
	for _, want := range []string{
		"stage_broadcasts_started_total 1",
		`stage_tokens_issued_total{role="presenter"} 1`,
		"stage_active_broadcasts 1",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestRequestMiddleware_CountsByRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New()
	r := gin.New()
	r.Use(RequestMiddleware(m))
	r.GET("/x/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x/1", nil))

	rec := httptest.NewRecorder()
	m.Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `stage_http_requests_total{route="/x/:id",status="4xx"} 1`) {
		t.Errorf("request not counted:\n%s", rec.Body.String())
	}
}
