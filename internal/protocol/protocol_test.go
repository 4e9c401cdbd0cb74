package protocol

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestEncodeDecodeFrame(t *testing.T) {
	frame := EncodeFrame(TypeProxyData, []byte("hello"))

	msgType, payload, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if msgType != TypeProxyData {
		t.Errorf("type = %v, want %v", msgType, TypeProxyData)
	}
	if string(payload) != "hello" {
		t.Errorf("payload = %q, want %q", payload, "hello")
	}
}

func TestDecodeFrameEmpty(t *testing.T) {
	if _, _, err := DecodeFrame(nil); err == nil {
		t.Error("expected error for empty frame")
	}
}

func TestDecodeFrameEmptyPayload(t *testing.T) {
	msgType, payload, err := DecodeFrame([]byte{byte(TypeProxyBody)})
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if msgType != TypeProxyBody {
		t.Errorf("type = %v, want %v", msgType, TypeProxyBody)
	}
	if len(payload) != 0 {
		t.Errorf("payload length = %d, want 0", len(payload))
	}
}

func TestEncodeJSONFrame(t *testing.T) {
	frame, err := EncodeJSONFrame(TypeRequest, Request{ID: 7, Type: "process_list"})
	if err != nil {
		t.Fatalf("EncodeJSONFrame failed: %v", err)
	}

	msgType, payload, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if msgType != TypeRequest {
		t.Errorf("type = %v, want %v", msgType, TypeRequest)
	}

	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if req.ID != 7 || req.Type != "process_list" {
		t.Errorf("round trip got %+v", req)
	}
}

func TestSplitPayloadReassembly(t *testing.T) {
	tests := []struct {
		name            string
		size            int
		maxFramePayload int
	}{
		{"empty", 0, 64},
		{"under budget", 10, 64},
		{"exactly at budget", 63, 64},
		{"one over budget", 64, 64},
		{"many chunks", 1000, 64},
		{"large body small frames", 256*1024 + 17, 1024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := make([]byte, tt.size)
			for i := range body {
				body[i] = byte(i)
			}

			chunks := SplitPayload(body, tt.maxFramePayload)
			if len(chunks) == 0 {
				t.Fatal("SplitPayload returned no chunks")
			}
			// Every chunk must leave room for the type byte.
			for i, chunk := range chunks {
				if len(chunk) > tt.maxFramePayload-1 {
					t.Errorf("chunk %d is %d bytes, budget is %d", i, len(chunk), tt.maxFramePayload-1)
				}
			}

			var joined []byte
			for _, chunk := range chunks {
				joined = append(joined, chunk...)
			}
			if !bytes.Equal(joined, body) {
				t.Errorf("reassembled %d bytes != original %d bytes", len(joined), len(body))
			}
		})
	}
}

func TestSplitPayloadEmptyYieldsSingleChunk(t *testing.T) {
	chunks := SplitPayload(nil, 64)
	if len(chunks) != 1 || len(chunks[0]) != 0 {
		t.Errorf("got %d chunks, want one empty chunk", len(chunks))
	}
}

func TestIsWebSocketUpgrade(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    bool
	}{
		{"nil headers", nil, false},
		{"websocket", map[string]string{"upgrade": "websocket"}, true},
		{"mixed case value", map[string]string{"upgrade": "WebSocket"}, true},
		{"other upgrade", map[string]string{"upgrade": "h2c"}, false},
		{"no upgrade header", map[string]string{"accept": "text/html"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			init := ProxyInit{Headers: tt.headers}
			if got := init.IsWebSocketUpgrade(); got != tt.want {
				t.Errorf("IsWebSocketUpgrade() = %v, want %v", got, tt.want)
			}
		})
	}
}
