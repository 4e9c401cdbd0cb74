package compute

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/obot-platform/workbench/internal/protocol"
	"github.com/obot-platform/workbench/internal/tunnel"
)

// proxyExchange is one HTTP or WebSocket call tunneled through a logical
// stream, performed from inside the sandbox's network.
type proxyExchange struct {
	server *Server
	stream tunnel.Stream
	ctx    context.Context
	init   *protocol.ProxyInit

	mu       sync.Mutex
	body     bytes.Buffer
	started  bool
	ws       *websocket.Conn
	wsWrite  sync.Mutex
	closed   sync.Once
	cancelFn context.CancelFunc
}

// startProxy begins a proxy exchange for a PROXY_INIT frame.
func (h *streamHandler) startProxy(init *protocol.ProxyInit) {
	h.mu.Lock()
	if h.proxy != nil {
		h.mu.Unlock()
		h.server.logger.Warn("duplicate proxy init", "stream", h.stream.ID())
		return
	}
	ctx, cancel := context.WithCancel(h.ctx)
	px := &proxyExchange{
		server:   h.server,
		stream:   h.stream,
		ctx:      ctx,
		init:     init,
		cancelFn: cancel,
	}
	h.proxy = px
	h.mu.Unlock()

	if init.IsWebSocketUpgrade() {
		go px.runWebSocket()
		return
	}
	if !methodExpectsBody(init.Method) {
		px.mu.Lock()
		px.started = true
		px.mu.Unlock()
		go px.runHTTP(nil)
	}
	// Otherwise wait for PROXY_BODY frames; the zero-length frame launches
	// the call.
}

func methodExpectsBody(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

// proxyBody accumulates request body chunks; a zero-length chunk signals
// end-of-body and launches the outbound call.
func (h *streamHandler) proxyBody(payload []byte) {
	h.mu.Lock()
	px := h.proxy
	h.mu.Unlock()
	if px == nil {
		h.server.logger.Warn("proxy body before init", "stream", h.stream.ID())
		return
	}

	px.mu.Lock()
	if px.started || px.ws != nil {
		px.mu.Unlock()
		return
	}
	if len(payload) > 0 {
		px.body.Write(payload)
		px.mu.Unlock()
		return
	}
	px.started = true
	body := px.body.Bytes()
	px.mu.Unlock()

	go px.runHTTP(body)
}

func (h *streamHandler) proxyWebSocketMessage(payload []byte) {
	h.mu.Lock()
	px := h.proxy
	h.mu.Unlock()
	if px == nil {
		return
	}
	px.writeWebSocket(payload)
}

func (h *streamHandler) proxyWebSocketClose(cls *protocol.WebSocketClose) {
	h.mu.Lock()
	px := h.proxy
	h.mu.Unlock()
	if px == nil {
		return
	}
	px.closeWebSocket(cls.Code, cls.Reason)
}

// runHTTP performs the outbound HTTP call and streams the response back as
// one PROXY_INIT acknowledgment followed by PROXY_DATA chunks, each strictly
// under the transport's frame budget, terminated by a zero-length chunk.
func (px *proxyExchange) runHTTP(body []byte) {
	init := px.init

	var reqBody io.Reader
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(px.ctx, strings.ToUpper(init.Method), init.URL, reqBody)
	if err != nil {
		px.fail(fmt.Sprintf("invalid proxy request: %v", err))
		return
	}
	for k, v := range init.Headers {
		if isHopByHopHeader(k) {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := px.server.opts.HTTPClient.Do(req)
	if err != nil {
		px.fail(fmt.Sprintf("proxy target unreachable: %v", err))
		return
	}
	defer resp.Body.Close()

	if err := px.ack(resp.StatusCode, resp.Status, flattenHeaders(resp.Header)); err != nil {
		return
	}

	chunkSize := px.server.session.MaxFramePayload() - 1
	buf := make([]byte, chunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if err := px.stream.WriteTyped(byte(protocol.TypeProxyData), buf[:n]); err != nil {
				px.server.logger.Warn("failed to stream proxy data", "stream", px.stream.ID(), "error", err)
				return
			}
		}
		if readErr != nil {
			break
		}
	}
	// Zero-length chunk marks end of response body.
	_ = px.stream.WriteTyped(byte(protocol.TypeProxyData), nil)
}

// runWebSocket dials the target, acknowledges with status 101, and relays
// frames in both directions until either side closes.
func (px *proxyExchange) runWebSocket() {
	wsURL := px.init.URL
	switch {
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	}

	header := http.Header{}
	for k, v := range px.init.Headers {
		if isHopByHopHeader(k) || isWebSocketHandshakeHeader(k) {
			continue
		}
		header.Set(k, v)
	}

	ws, resp, err := px.server.opts.Dialer.DialContext(px.ctx, wsURL, header)
	if err != nil {
		status := http.StatusBadGateway
		if resp != nil {
			status = resp.StatusCode
		}
		px.failStatus(status, fmt.Sprintf("websocket dial failed: %v", err))
		return
	}

	px.mu.Lock()
	px.ws = ws
	px.mu.Unlock()

	if err := px.ack(http.StatusSwitchingProtocols, "101 Switching Protocols", flattenHeaders(resp.Header)); err != nil {
		ws.Close()
		return
	}

	// Relay target -> stream until the socket closes.
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			reason := ""
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code = closeErr.Code
				reason = closeErr.Text
			}
			frame, encErr := protocol.EncodeJSONFrame(protocol.TypeProxyWebSocketClose, protocol.WebSocketClose{
				Code:   code,
				Reason: reason,
			})
			if encErr == nil {
				_ = px.stream.Write(frame)
			}
			px.close()
			return
		}

		kind := protocol.WebSocketBinary
		if msgType == websocket.TextMessage {
			kind = protocol.WebSocketText
		}
		payload := make([]byte, 1+len(data))
		payload[0] = kind
		copy(payload[1:], data)
		if err := px.stream.WriteTyped(byte(protocol.TypeProxyWebSocketMessage), payload); err != nil {
			px.close()
			return
		}
	}
}

// writeWebSocket relays one stream frame to the real socket.
func (px *proxyExchange) writeWebSocket(payload []byte) {
	px.mu.Lock()
	ws := px.ws
	px.mu.Unlock()
	if ws == nil || len(payload) == 0 {
		return
	}

	msgType := websocket.BinaryMessage
	if payload[0] == protocol.WebSocketText {
		msgType = websocket.TextMessage
	}

	px.wsWrite.Lock()
	err := ws.WriteMessage(msgType, payload[1:])
	px.wsWrite.Unlock()
	if err != nil {
		px.server.logger.Warn("failed to relay websocket message", "stream", px.stream.ID(), "error", err)
	}
}

// closeWebSocket relays a close requested by the far end of the tunnel.
func (px *proxyExchange) closeWebSocket(code int, reason string) {
	px.mu.Lock()
	ws := px.ws
	px.mu.Unlock()
	if ws != nil {
		if code == 0 {
			code = websocket.CloseNormalClosure
		}
		px.wsWrite.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), closeDeadline())
		px.wsWrite.Unlock()
	}
	px.close()
}

// ack sends the PROXY_INIT acknowledgment carrying the response status line.
func (px *proxyExchange) ack(status int, statusText string, headers map[string]string) error {
	frame, err := protocol.EncodeJSONFrame(protocol.TypeProxyInit, protocol.ProxyInit{
		Status:     status,
		StatusText: statusText,
		Headers:    headers,
	})
	if err != nil {
		return err
	}
	return px.stream.Write(frame)
}

// fail reports an unreachable or invalid target as an explicit 502
// acknowledgment rather than a silent stream teardown.
func (px *proxyExchange) fail(msg string) {
	px.failStatus(http.StatusBadGateway, msg)
}

func (px *proxyExchange) failStatus(status int, msg string) {
	px.server.logger.Warn("proxy exchange failed", "stream", px.stream.ID(), "error", msg)
	_ = px.ack(status, msg, nil)
	_ = px.stream.WriteTyped(byte(protocol.TypeProxyData), nil)
}

// close tears down the downstream socket exactly once.
func (px *proxyExchange) close() {
	px.closed.Do(func() {
		px.cancelFn()
		px.mu.Lock()
		ws := px.ws
		px.ws = nil
		px.mu.Unlock()
		if ws != nil {
			ws.Close()
		}
	})
}

func closeDeadline() time.Time {
	return time.Now().Add(5 * time.Second)
}

func isHopByHopHeader(name string) bool {
	switch strings.ToLower(name) {
	case "connection", "keep-alive", "proxy-authenticate", "proxy-authorization",
		"te", "trailers", "transfer-encoding", "upgrade":
		return true
	}
	return false
}

func isWebSocketHandshakeHeader(name string) bool {
	return strings.HasPrefix(strings.ToLower(name), "sec-websocket-")
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			out[strings.ToLower(k)] = vs[0]
		}
	}
	return out
}
