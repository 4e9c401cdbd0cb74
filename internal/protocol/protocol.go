// Package protocol defines the typed message catalogue and framing contract
// shared by the compute server and the worker client. Every frame written to
// a logical stream is a single type byte followed by the payload. Request,
// response, and notification payloads are UTF-8 JSON envelopes; proxy body
// and data payloads are raw bytes and are never JSON-wrapped.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MessageType is the 1-byte frame type prefix.
type MessageType byte

const (
	// TypeRequest carries a JSON Request envelope (client -> server).
	TypeRequest MessageType = iota
	// TypeResponse carries a JSON Response envelope (server -> client).
	TypeResponse
	// TypeNotification carries a JSON Notification envelope on the
	// dedicated notification stream (server -> client).
	TypeNotification
	// TypeProxyInit opens a proxy exchange (client -> server) or
	// acknowledges one with status and headers (server -> client).
	TypeProxyInit
	// TypeProxyData carries a raw response body chunk (server -> client).
	TypeProxyData
	// TypeProxyBody carries a raw request body chunk (client -> server).
	// A zero-length payload signals end of body.
	TypeProxyBody
	// TypeProxyWebSocketMessage carries one relayed WebSocket frame.
	TypeProxyWebSocketMessage
	// TypeProxyWebSocketClose carries a JSON WebSocketClose payload.
	TypeProxyWebSocketClose
)

func (t MessageType) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	case TypeNotification:
		return "notification"
	case TypeProxyInit:
		return "proxy_init"
	case TypeProxyData:
		return "proxy_data"
	case TypeProxyBody:
		return "proxy_body"
	case TypeProxyWebSocketMessage:
		return "proxy_websocket_message"
	case TypeProxyWebSocketClose:
		return "proxy_websocket_close"
	}
	return fmt.Sprintf("unknown(%d)", byte(t))
}

// Request is the JSON envelope for a TypeRequest frame. IDs are chosen by the
// caller and need only be unique within one stream's call sequence; the stream
// itself isolates concurrent callers.
type Request struct {
	ID      int64           `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the JSON envelope for a TypeResponse frame, correlated to a
// Request by ID. Exactly one of Payload or Error is meaningful.
type Response struct {
	ID      int64           `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Notification is a fire-and-forget server-to-client event delivered on the
// permanently open notification stream.
type Notification struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ProxyInit starts a proxy exchange when sent client -> server, and carries
// the response status line when sent server -> client as the acknowledgment.
type ProxyInit struct {
	// Client -> server fields.
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// Server -> client fields.
	Status     int    `json:"status,omitempty"`
	StatusText string `json:"statusText,omitempty"`
}

// IsWebSocketUpgrade reports whether the init requests a WebSocket tunnel.
// Header keys are normalized to lowercase by the sender; values are matched
// case-insensitively.
func (p *ProxyInit) IsWebSocketUpgrade() bool {
	return strings.EqualFold(p.Headers["upgrade"], "websocket")
}

// WebSocketClose is the JSON payload of a TypeProxyWebSocketClose frame.
type WebSocketClose struct {
	Code   int    `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// WebSocket message payloads carry a 1-byte kind prefix ahead of the frame
// data so binary and text frames survive the relay intact.
const (
	WebSocketText   byte = 1
	WebSocketBinary byte = 2
)

// EncodeFrame prepends the type byte to the payload.
func EncodeFrame(t MessageType, payload []byte) []byte {
	frame := make([]byte, 1+len(payload))
	frame[0] = byte(t)
	copy(frame[1:], payload)
	return frame
}

// DecodeFrame splits a frame into its type byte and payload. The returned
// payload aliases the input.
func DecodeFrame(frame []byte) (MessageType, []byte, error) {
	if len(frame) == 0 {
		return 0, nil, fmt.Errorf("empty frame")
	}
	t := MessageType(frame[0])
	if t > TypeProxyWebSocketClose {
		return 0, nil, fmt.Errorf("unknown message type %d", frame[0])
	}
	return t, frame[1:], nil
}

// EncodeJSONFrame marshals v and prepends the type byte.
func EncodeJSONFrame(t MessageType, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	return EncodeFrame(t, payload), nil
}

// SplitPayload slices payload into chunks small enough that a frame built
// from each chunk (the 1-byte type prefix included) fits inside one
// transport frame of maxFramePayload bytes. The transport rejects oversized
// frames outright, so the emitting component must split, even when a single
// frame would otherwise be convenient. An empty payload yields one empty
// chunk so end-of-body markers can ride the same path.
func SplitPayload(payload []byte, maxFramePayload int) [][]byte {
	chunkSize := maxFramePayload - 1
	if chunkSize < 1 {
		chunkSize = 1
	}
	if len(payload) == 0 {
		return [][]byte{nil}
	}
	var chunks [][]byte
	for len(payload) > 0 {
		n := min(chunkSize, len(payload))
		chunks = append(chunks, payload[:n])
		payload = payload[n:]
	}
	return chunks
}
