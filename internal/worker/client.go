// Package worker implements the control-plane counterpart of the compute
// server: it issues structured requests and proxy calls over the shared
// tunnel session, surfaces the notification feed, and exposes the raw
// per-stream primitives the workspace orchestrator bridges edge traffic
// onto.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/obot-platform/workbench/internal/protocol"
	"github.com/obot-platform/workbench/internal/tunnel"
)

// ProxyRequest describes one control-plane-initiated proxy call.
type ProxyRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// ProxyResponse is the resolved result of a proxy call. When Upgrade is set
// the exchange is a WebSocket tunnel: no body is attached and the caller
// drives the stream with SendProxiedWebSocketMessage/Close.
type ProxyResponse struct {
	StreamID   uint32
	Status     int
	StatusText string
	Headers    map[string]string
	Upgrade    bool
	Body       []byte
}

// Client multiplexes the control plane's logical conversations onto one
// tunnel session.
type Client struct {
	session tunnel.Session
	logger  *slog.Logger

	mu             sync.Mutex
	exchanges      map[uint32]*proxyCall
	onNotification func(protocol.Notification)
	onWSMessage    func(streamID uint32, messageType int, data []byte)
	onWSClose      func(streamID uint32, code int, reason string)
}

// proxyCall tracks one in-flight Proxy invocation.
type proxyCall struct {
	resp *ProxyResponse
	body []byte
	ack  chan struct{} // closed when the PROXY_INIT ack arrives
	done chan struct{} // closed when the response body is complete
}

// NewClient wraps session. All inbound streams (server-created ones
// included) are routed through the client's frame handler.
func NewClient(session tunnel.Session, logger *slog.Logger) *Client {
	c := &Client{
		session:   session,
		logger:    logger.With("component", "worker_client"),
		exchanges: make(map[uint32]*proxyCall),
	}
	session.OnStream(c.attach)
	return c
}

// Session exposes the underlying tunnel session.
func (c *Client) Session() tunnel.Session { return c.session }

// OnNotification registers the handler for the server's notification feed.
func (c *Client) OnNotification(fn func(protocol.Notification)) {
	c.mu.Lock()
	c.onNotification = fn
	c.mu.Unlock()
}

// OnWebSocketMessage registers the handler for relayed WebSocket frames and
// RESPONSE envelopes on client streams. messageType follows gorilla's
// websocket.TextMessage/BinaryMessage values.
func (c *Client) OnWebSocketMessage(fn func(streamID uint32, messageType int, data []byte)) {
	c.mu.Lock()
	c.onWSMessage = fn
	c.mu.Unlock()
}

// OnWebSocketClose registers the handler for relayed WebSocket closes.
func (c *Client) OnWebSocketClose(fn func(streamID uint32, code int, reason string)) {
	c.mu.Lock()
	c.onWSClose = fn
	c.mu.Unlock()
}

// OnNextStreamIDChange registers the persistence hook for the stream id
// counter, so ids are never reused across reconnects.
func (c *Client) OnNextStreamIDChange(fn func(id uint32)) {
	c.session.OnNextStreamIDChange(fn)
}

// HandleServerMessage feeds raw bytes from the physical sandbox connection
// into the transport.
func (c *Client) HandleServerMessage(data []byte) error {
	return c.session.HandleMessage(data)
}

// CreateClientStream opens a fresh logical stream for one edge-originated
// logical connection and returns its id.
func (c *Client) CreateClientStream() (uint32, error) {
	st, err := c.session.CreateStream()
	if err != nil {
		return 0, err
	}
	c.attach(st)
	return st.ID(), nil
}

// HandleClientMessage wraps an edge text message as a REQUEST frame on the
// given stream, lazily creating the stream handle.
func (c *Client) HandleClientMessage(streamID uint32, text []byte) error {
	st, err := c.stream(streamID)
	if err != nil {
		return err
	}
	return st.WriteTyped(byte(protocol.TypeRequest), text)
}

// SendProxiedWebSocketMessage relays one edge WebSocket frame onto the
// stream, lazily creating the stream handle (the server may have opened the
// logical conversation).
func (c *Client) SendProxiedWebSocketMessage(streamID uint32, messageType int, data []byte) error {
	st, err := c.stream(streamID)
	if err != nil {
		return err
	}
	kind := protocol.WebSocketBinary
	if messageType == websocket.TextMessage {
		kind = protocol.WebSocketText
	}
	payload := make([]byte, 1+len(data))
	payload[0] = kind
	copy(payload[1:], data)
	return st.WriteTyped(byte(protocol.TypeProxyWebSocketMessage), payload)
}

// SendProxiedWebSocketClose relays an edge-side close onto the stream.
func (c *Client) SendProxiedWebSocketClose(streamID uint32, code int, reason string) error {
	st, err := c.stream(streamID)
	if err != nil {
		return err
	}
	frame, err := protocol.EncodeJSONFrame(protocol.TypeProxyWebSocketClose, protocol.WebSocketClose{
		Code:   code,
		Reason: reason,
	})
	if err != nil {
		return err
	}
	return st.Write(frame)
}

// CloseStream tears down one logical stream.
func (c *Client) CloseStream(streamID uint32) {
	st, err := c.session.Stream(streamID)
	if err == nil {
		_ = st.Close()
	}
	c.mu.Lock()
	delete(c.exchanges, streamID)
	c.mu.Unlock()
}

// Close tears down the session and every open stream.
func (c *Client) Close() error {
	return c.session.Close()
}

// Proxy opens a stream, sends PROXY_INIT followed by the request body, and
// resolves once the server's acknowledgment (and, for non-upgrade calls, the
// full response body) has arrived. Cancellation closes the stream.
func (c *Client) Proxy(ctx context.Context, req ProxyRequest) (*ProxyResponse, error) {
	st, err := c.session.CreateStream()
	if err != nil {
		return nil, err
	}
	streamID := st.ID()

	call := &proxyCall{
		ack:  make(chan struct{}),
		done: make(chan struct{}),
	}
	c.mu.Lock()
	c.exchanges[streamID] = call
	c.mu.Unlock()
	c.attach(st)

	fail := func(err error) (*ProxyResponse, error) {
		c.CloseStream(streamID)
		return nil, err
	}

	initFrame, err := protocol.EncodeJSONFrame(protocol.TypeProxyInit, protocol.ProxyInit{
		Method:  req.Method,
		URL:     req.URL,
		Headers: req.Headers,
	})
	if err != nil {
		return fail(err)
	}
	if err := st.Write(initFrame); err != nil {
		return fail(fmt.Errorf("failed to send proxy init: %w", err))
	}

	// Stream the body as chunks under the frame budget; a zero-length
	// frame terminates it (and is the whole body when there is none).
	for _, chunk := range protocol.SplitPayload(req.Body, c.session.MaxFramePayload()) {
		if err := st.WriteTyped(byte(protocol.TypeProxyBody), chunk); err != nil {
			return fail(fmt.Errorf("failed to send proxy body: %w", err))
		}
	}
	if len(req.Body) > 0 {
		if err := st.WriteTyped(byte(protocol.TypeProxyBody), nil); err != nil {
			return fail(fmt.Errorf("failed to terminate proxy body: %w", err))
		}
	}

	select {
	case <-call.ack:
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	if call.resp.Upgrade {
		return call.resp, nil
	}

	select {
	case <-call.done:
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	resp := call.resp
	resp.Body = call.body
	// The exchange is complete: close the stream so the server can release
	// its end. Upgrade calls stay open and are closed by the edge binding.
	c.CloseStream(streamID)
	return resp, nil
}

// stream returns the handle for streamID, registering it lazily.
func (c *Client) stream(streamID uint32) (tunnel.Stream, error) {
	st, err := c.session.Stream(streamID)
	if err != nil {
		return nil, err
	}
	c.attach(st)
	return st, nil
}

// attach installs the client's frame router on a stream. Installing twice
// is harmless: OnData replaces the previous identical handler.
func (c *Client) attach(st tunnel.Stream) {
	streamID := st.ID()
	st.OnData(func(frame []byte) {
		c.handleFrame(streamID, frame)
	})
	st.OnClose(func() {
		c.mu.Lock()
		call := c.exchanges[streamID]
		delete(c.exchanges, streamID)
		onClose := c.onWSClose
		c.mu.Unlock()
		if call != nil {
			call.abort()
		}
		if onClose != nil {
			onClose(streamID, websocket.CloseAbnormalClosure, "stream closed")
		}
	})
}

func (call *proxyCall) abort() {
	// Resolve any waiter with an explicit failure rather than hanging.
	select {
	case <-call.ack:
	default:
		call.resp = &ProxyResponse{Status: http.StatusBadGateway, StatusText: "stream closed before response"}
		close(call.ack)
	}
	select {
	case <-call.done:
	default:
		close(call.done)
	}
}

// handleFrame routes one inbound frame for a stream.
func (c *Client) handleFrame(streamID uint32, frame []byte) {
	msgType, payload, err := protocol.DecodeFrame(frame)
	if err != nil {
		c.logger.Warn("malformed frame from server", "stream", streamID, "error", err)
		return
	}

	switch msgType {
	case protocol.TypeNotification:
		var n protocol.Notification
		if err := json.Unmarshal(payload, &n); err != nil {
			c.logger.Warn("malformed notification", "error", err)
			return
		}
		c.mu.Lock()
		fn := c.onNotification
		c.mu.Unlock()
		if fn != nil {
			fn(n)
		}

	case protocol.TypeResponse:
		// Legacy control-plane path: the RESPONSE envelope is surfaced as
		// a text message on the stream's edge binding.
		c.emitWSMessage(streamID, websocket.TextMessage, payload)

	case protocol.TypeProxyInit:
		var init protocol.ProxyInit
		if err := json.Unmarshal(payload, &init); err != nil {
			c.logger.Warn("malformed proxy ack", "stream", streamID, "error", err)
			return
		}
		c.mu.Lock()
		call := c.exchanges[streamID]
		c.mu.Unlock()
		if call == nil {
			return
		}
		select {
		case <-call.ack:
		default:
			call.resp = &ProxyResponse{
				StreamID:   streamID,
				Status:     init.Status,
				StatusText: init.StatusText,
				Headers:    init.Headers,
				Upgrade:    init.Status == http.StatusSwitchingProtocols,
			}
			close(call.ack)
		}

	case protocol.TypeProxyData:
		c.mu.Lock()
		call := c.exchanges[streamID]
		c.mu.Unlock()
		if call == nil {
			return
		}
		if len(payload) == 0 {
			select {
			case <-call.done:
			default:
				close(call.done)
			}
			return
		}
		call.body = append(call.body, payload...)

	case protocol.TypeProxyWebSocketMessage:
		if len(payload) == 0 {
			return
		}
		wsType := websocket.BinaryMessage
		if payload[0] == protocol.WebSocketText {
			wsType = websocket.TextMessage
		}
		c.emitWSMessage(streamID, wsType, payload[1:])

	case protocol.TypeProxyWebSocketClose:
		var cls protocol.WebSocketClose
		_ = json.Unmarshal(payload, &cls)
		c.mu.Lock()
		fn := c.onWSClose
		c.mu.Unlock()
		if fn != nil {
			fn(streamID, cls.Code, cls.Reason)
		}

	default:
		c.logger.Warn("unexpected frame type from server", "stream", streamID, "type", msgType.String())
	}
}

func (c *Client) emitWSMessage(streamID uint32, messageType int, data []byte) {
	c.mu.Lock()
	fn := c.onWSMessage
	c.mu.Unlock()
	if fn != nil {
		// Copy: the payload aliases the transport's inbound buffer.
		buf := make([]byte, len(data))
		copy(buf, data)
		fn(streamID, messageType, buf)
	}
}
