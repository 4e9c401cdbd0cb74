package orchestrator

import (
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"

	"github.com/obot-platform/workbench/internal/worker"
)

// TargetURLHeader carries the sandbox-internal URL an edge HTTP request
// should be proxied to.
const TargetURLHeader = "X-Workbench-Target-Url"

// ServeProxy handles a non-tunnel HTTP request by translating it into a
// proxy call through the sandbox. Requests arriving while the workspace is
// not started, or while no sandbox is connected, get a descriptive error
// page instead of a hang.
func (o *Orchestrator) ServeProxy(w http.ResponseWriter, r *http.Request) {
	target := r.Header.Get(TargetURLHeader)
	if target == "" {
		writeErrorPage(w, http.StatusBadRequest, "Missing target",
			fmt.Sprintf("The request did not carry a %s header, so there is nowhere to proxy it.", TargetURLHeader))
		return
	}

	state := o.State()
	switch state {
	case StateStarted:
		if !o.SandboxConnected() {
			writeErrorPage(w, http.StatusServiceUnavailable, "Sandbox not connected",
				"The workspace is started but its sandbox has not connected yet. Retry in a few seconds.")
			return
		}
	case StateStarting:
		writeErrorPage(w, http.StatusServiceUnavailable, "Workspace starting",
			"The workspace sandbox is still being provisioned. Retry in a few seconds.")
		return
	default:
		writeErrorPage(w, http.StatusServiceUnavailable, "Workspace not running",
			fmt.Sprintf("The workspace is %s. Start it before sending requests.", state))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorPage(w, http.StatusBadRequest, "Unreadable request body", err.Error())
		return
	}

	headers := make(map[string]string, len(r.Header))
	for k, vs := range r.Header {
		if strings.EqualFold(k, TargetURLHeader) || len(vs) == 0 {
			continue
		}
		headers[strings.ToLower(k)] = vs[0]
	}

	resp, err := o.Proxy(r.Context(), worker.ProxyRequest{
		Method:  r.Method,
		URL:     target,
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		writeErrorPage(w, http.StatusBadGateway, "Proxy failed",
			fmt.Sprintf("The request could not be completed through the sandbox: %v", err))
		return
	}

	writeProxyResponse(w, resp)
}

// writeProxyResponse relays the sandbox's response to the edge client. When
// the status forbids a body the target's body (and its content-length, which
// would no longer match) is dropped.
func writeProxyResponse(w http.ResponseWriter, resp *worker.ProxyResponse) {
	status := resp.Status
	if status == 0 {
		status = http.StatusBadGateway
	}
	stripBody := statusForbidsBody(status)
	for k, v := range resp.Headers {
		if stripBody && strings.EqualFold(k, "content-length") {
			continue
		}
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if !stripBody && len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

// statusForbidsBody reports whether the response status must be returned
// without a body.
func statusForbidsBody(status int) bool {
	switch status {
	case http.StatusSwitchingProtocols,
		http.StatusNoContent,
		http.StatusResetContent,
		http.StatusFound,
		http.StatusNotModified:
		return true
	}
	return false
}

func writeErrorPage(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>%[1]s</title></head>
<body>
<h1>%[1]s</h1>
<p>%[2]s</p>
</body>
</html>
`, html.EscapeString(title), html.EscapeString(detail))
}
