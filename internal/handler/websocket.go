package handler

import (
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/obot-platform/workbench/internal/orchestrator"
	"github.com/obot-platform/workbench/internal/worker"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	// Origin filtering happens in the CORS middleware; the socket endpoints
	// are also used by non-browser sandbox clients.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// wsConn adapts a gorilla connection to the orchestrator's Conn interface.
// gorilla allows one concurrent writer, so writes are serialized here.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) Send(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(messageType, data)
}

func (c *wsConn) Close(code int, reason string) error {
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// SandboxTunnel accepts the sandbox's single physical connection. A new
// connection replaces (and closes) any previous one.
func (h *Handler) SandboxTunnel(w http.ResponseWriter, r *http.Request) {
	o := h.lookup(w, r)
	if o == nil {
		return
	}

	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &wsConn{conn: raw}
	o.AttachSandbox(conn)
	defer o.Detach(conn)

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			return
		}
		o.HandleSandboxMessage(conn, data)
	}
}

// ControlSocket binds an edge client onto a fresh logical stream for the
// request/notification surface.
func (h *Handler) ControlSocket(w http.ResponseWriter, r *http.Request) {
	o := h.lookup(w, r)
	if o == nil {
		return
	}

	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &wsConn{conn: raw}

	if _, err := o.AttachControl(conn); err != nil {
		_ = conn.Close(websocket.CloseTryAgainLater, err.Error())
		return
	}
	defer o.Detach(conn)

	for {
		messageType, data, err := raw.ReadMessage()
		if err != nil {
			return
		}
		o.HandleEdgeMessage(conn, messageType, data)
	}
}

// ProxySocket proxies an edge WebSocket through the sandbox to the target
// named by the X-Workbench-Target-Url header. The tunnel-side upgrade is
// completed before the edge socket is accepted so a refused target surfaces
// as an HTTP error rather than an immediately-closed socket.
func (h *Handler) ProxySocket(w http.ResponseWriter, r *http.Request) {
	o := h.lookup(w, r)
	if o == nil {
		return
	}

	target := r.Header.Get(orchestrator.TargetURLHeader)
	if target == "" {
		respondError(w, http.StatusBadRequest, errMissingTarget)
		return
	}

	headers := make(map[string]string, len(r.Header)+2)
	for k, vs := range r.Header {
		if len(vs) == 0 || strings.EqualFold(k, orchestrator.TargetURLHeader) {
			continue
		}
		headers[strings.ToLower(k)] = vs[0]
	}
	headers["connection"] = "Upgrade"
	headers["upgrade"] = "websocket"

	resp, err := o.Proxy(r.Context(), worker.ProxyRequest{
		Method:  http.MethodGet,
		URL:     target,
		Headers: headers,
	})
	if err != nil {
		respondError(w, http.StatusBadGateway, err)
		return
	}
	if !resp.Upgrade {
		respondJSON(w, http.StatusBadGateway, map[string]any{
			"error":  "target did not accept the websocket upgrade",
			"status": resp.Status,
		})
		return
	}

	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The tunnel side already upgraded; tear it down so the target
		// socket is not left open.
		o.CloseProxiedStream(resp.StreamID)
		return
	}
	conn := &wsConn{conn: raw}
	o.AttachProxied(conn, resp.StreamID)
	defer o.Detach(conn)

	for {
		messageType, data, err := raw.ReadMessage()
		if err != nil {
			return
		}
		o.HandleEdgeMessage(conn, messageType, data)
	}
}

var errMissingTarget = errors.New(orchestrator.TargetURLHeader + " header is required")
