package compute

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/obot-platform/workbench/internal/tunnel"
	"github.com/obot-platform/workbench/internal/worker"
)

// wsEcho is a target that records inbound messages and echoes them back
// with a prefix.
func wsEcho(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{
		CheckOrigin: func(_ *http.Request) bool { return true },
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, append([]byte("echo: "), data...)); err != nil {
				return
			}
		}
	}))
}

func wsUpgradeHeaders() map[string]string {
	return map[string]string{
		"connection": "Upgrade",
		"upgrade":    "websocket",
	}
}

func TestProxyWebSocketRelay(t *testing.T) {
	target := wsEcho(t)
	defer target.Close()

	wc, _ := testSetup(t, Options{}, tunnel.Options{})

	var mu sync.Mutex
	var received []string
	closed := make(chan struct{})
	wc.OnWebSocketMessage(func(_ uint32, msgType int, data []byte) {
		if msgType != websocket.TextMessage {
			t.Errorf("message type = %d, want text", msgType)
		}
		mu.Lock()
		received = append(received, string(data))
		mu.Unlock()
	})
	wc.OnWebSocketClose(func(_ uint32, _ int, _ string) {
		select {
		case <-closed:
		default:
			close(closed)
		}
	})

	resp, err := wc.Proxy(context.Background(), worker.ProxyRequest{
		Method:  "GET",
		URL:     target.URL,
		Headers: wsUpgradeHeaders(),
	})
	if err != nil {
		t.Fatalf("Proxy failed: %v", err)
	}
	if !resp.Upgrade || resp.Status != http.StatusSwitchingProtocols {
		t.Fatalf("resp = %+v, want 101 upgrade", resp)
	}

	for i := 0; i < 3; i++ {
		msg := []byte{'m', byte('0' + i)}
		if err := wc.SendProxiedWebSocketMessage(resp.StreamID, websocket.TextMessage, msg); err != nil {
			t.Fatalf("SendProxiedWebSocketMessage failed: %v", err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("received %d echoes, want 3", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	for i, msg := range received {
		want := "echo: m" + string(rune('0'+i))
		if msg != want {
			t.Errorf("echo %d = %q, want %q (order must be preserved)", i, msg, want)
		}
	}
	mu.Unlock()

	// Closing from the tunnel side closes the real socket; the echo server
	// exits its read loop and the close comes back around.
	if err := wc.SendProxiedWebSocketClose(resp.StreamID, websocket.CloseNormalClosure, "done"); err != nil {
		t.Fatalf("SendProxiedWebSocketClose failed: %v", err)
	}
}

func TestProxyWebSocketTargetClosePropagates(t *testing.T) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(_ *http.Request) bool { return true },
	}
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte("bye"))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "target done"),
			time.Now().Add(time.Second))
		conn.Close()
	}))
	defer target.Close()

	wc, _ := testSetup(t, Options{}, tunnel.Options{})

	closeCh := make(chan int, 1)
	wc.OnWebSocketClose(func(_ uint32, code int, _ string) {
		select {
		case closeCh <- code:
		default:
		}
	})

	resp, err := wc.Proxy(context.Background(), worker.ProxyRequest{
		Method:  "GET",
		URL:     target.URL,
		Headers: wsUpgradeHeaders(),
	})
	if err != nil {
		t.Fatalf("Proxy failed: %v", err)
	}
	if !resp.Upgrade {
		t.Fatalf("resp = %+v, want upgrade", resp)
	}

	select {
	case code := <-closeCh:
		if code != websocket.CloseGoingAway {
			t.Errorf("close code = %d, want %d", code, websocket.CloseGoingAway)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("target close never propagated")
	}
}

func TestProxyWebSocketDialFailure(t *testing.T) {
	wc, _ := testSetup(t, Options{}, tunnel.Options{})

	resp, err := wc.Proxy(context.Background(), worker.ProxyRequest{
		Method:  "GET",
		URL:     "http://127.0.0.1:1/",
		Headers: wsUpgradeHeaders(),
	})
	if err != nil {
		t.Fatalf("Proxy should resolve with a failure ack, got: %v", err)
	}
	if resp.Upgrade {
		t.Error("failed dial must not report an upgrade")
	}
	if resp.Status != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.Status)
	}
	if !strings.Contains(resp.StatusText, "dial") {
		t.Errorf("status text = %q, want dial failure detail", resp.StatusText)
	}
}
