package orchestrator

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/obot-platform/workbench/internal/worker"
)

func TestWriteProxyResponsePassesBodyAndHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	writeProxyResponse(rec, &worker.ProxyResponse{
		Status: http.StatusOK,
		Headers: map[string]string{
			"content-type":   "text/plain",
			"content-length": "5",
		},
		Body: []byte("hello"),
	})

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "hello" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if got := rec.Header().Get("Content-Length"); got != "5" {
		t.Errorf("content-length = %q, want 5", got)
	}
}

func TestWriteProxyResponseStripsStaleContentLength(t *testing.T) {
	// A redirect's body is dropped; the target's content-length would then
	// promise bytes that never arrive.
	rec := httptest.NewRecorder()
	writeProxyResponse(rec, &worker.ProxyResponse{
		Status: http.StatusFound,
		Headers: map[string]string{
			"content-length": "27",
			"location":       "/login",
		},
		Body: []byte("<html>redirect notice</html>"),
	})

	if rec.Code != http.StatusFound {
		t.Errorf("status = %d, want 302", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", rec.Body.String())
	}
	if got := rec.Header().Get("Content-Length"); got != "" {
		t.Errorf("content-length = %q, want absent", got)
	}
	if got := rec.Header().Get("Location"); got != "/login" {
		t.Errorf("location = %q", got)
	}
}

func TestWriteProxyResponseZeroStatusIsBadGateway(t *testing.T) {
	rec := httptest.NewRecorder()
	writeProxyResponse(rec, &worker.ProxyResponse{})
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}
