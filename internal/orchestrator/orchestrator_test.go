package orchestrator

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/obot-platform/workbench/internal/model"
	"github.com/obot-platform/workbench/internal/protocol"
	"github.com/obot-platform/workbench/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := db.AutoMigrate(model.AllModels()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store.New(db)
}

// fakeProvisioner records lifecycle calls.
type fakeProvisioner struct {
	mu       sync.Mutex
	starts   int
	stops    int
	destroys int
	startErr error
}

func (p *fakeProvisioner) Start(_ context.Context, _ *model.Workspace) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts++
	return p.startErr
}

func (p *fakeProvisioner) Stop(_ context.Context, _ *model.Workspace) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	return nil
}

func (p *fakeProvisioner) Destroy(_ context.Context, _ *model.Workspace) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroys++
	return nil
}

func (p *fakeProvisioner) calls() (starts, stops, destroys int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts, p.stops, p.destroys
}

// fakeConn is an in-memory stand-in for a WebSocket connection.
type fakeConn struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func (c *fakeConn) Send(_ int, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	c.mu.Lock()
	c.sent = append(c.sent, buf)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close(_ int, _ string) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) sentFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

func testRegistry(t *testing.T, prov Provisioner) (*Registry, *store.Store) {
	t.Helper()
	st := testStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRegistry(st, prov, logger, Options{}), st
}

func waitState(t *testing.T, o *Orchestrator, want State) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		if got := o.State(); got == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", o.State(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func configured(t *testing.T, r *Registry, policy model.CleanupPolicy) *Orchestrator {
	t.Helper()
	conversationID := "conv-1"
	o, err := r.Create(context.Background(), &conversationID)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := o.Configure(context.Background(), json.RawMessage(`{"image":"dev"}`), policy); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	return o
}

func TestConfigureIsOneShot(t *testing.T) {
	r, st := testRegistry(t, &fakeProvisioner{})
	o := configured(t, r, model.CleanupPolicy{})

	if o.State() != StateStopped {
		t.Errorf("state = %s, want stopped", o.State())
	}
	if err := o.Configure(context.Background(), json.RawMessage(`{}`), model.CleanupPolicy{}); err == nil {
		t.Error("second configure must fail")
	}

	// The descriptor survives a reload.
	ws, err := st.GetWorkspace(context.Background(), o.ID())
	if err != nil {
		t.Fatalf("GetWorkspace failed: %v", err)
	}
	if ws.State != model.WorkspaceStateStopped {
		t.Errorf("persisted state = %s", ws.State)
	}
	if string(ws.Provisioner) != `{"image":"dev"}` {
		t.Errorf("persisted provisioner = %s", ws.Provisioner)
	}
}

func TestStartFailureReturnsToStopped(t *testing.T) {
	prov := &fakeProvisioner{startErr: context.DeadlineExceeded}
	r, _ := testRegistry(t, prov)
	o := configured(t, r, model.CleanupPolicy{})

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitState(t, o, StateStopped)

	ws := o.Workspace()
	if ws.LastError == nil || !strings.Contains(*ws.LastError, "deadline") {
		t.Errorf("last_error = %v, want provisioning failure", ws.LastError)
	}
	if ws.ErrorCount != 1 {
		t.Errorf("error_count = %d, want 1", ws.ErrorCount)
	}
}

func TestStartAttachStopFlow(t *testing.T) {
	prov := &fakeProvisioner{}
	r, st := testRegistry(t, prov)
	o := configured(t, r, model.CleanupPolicy{})

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if o.State() != StateStarting {
		t.Fatalf("state = %s, want starting", o.State())
	}

	// The workspace only reaches started once the sandbox dials in.
	conn := &fakeConn{}
	o.AttachSandbox(conn)
	waitState(t, o, StateStarted)
	if !o.SandboxConnected() {
		t.Error("sandbox should be connected")
	}

	if err := o.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	waitState(t, o, StateStopped)

	if _, stops, _ := prov.calls(); stops != 1 {
		t.Errorf("provisioner stops = %d, want 1", stops)
	}
	if !conn.isClosed() {
		t.Error("stopping must close the sandbox socket")
	}
	if o.SandboxConnected() {
		t.Error("sandbox still connected after stop")
	}

	// The stop leaves a notice in the owning conversation.
	msgs, err := st.ListConversationMessages(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("ListConversationMessages failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != "system" {
		t.Errorf("messages = %+v, want one system notice", msgs)
	}
}

func TestDeleteReleasesResources(t *testing.T) {
	prov := &fakeProvisioner{}
	r, _ := testRegistry(t, prov)
	o := configured(t, r, model.CleanupPolicy{})

	if err := o.Delete(context.Background()); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	waitState(t, o, StateDeleted)

	starts, stops, destroys := prov.calls()
	if starts != 0 || stops != 0 || destroys != 1 {
		t.Errorf("calls = (%d, %d, %d), want only one destroy", starts, stops, destroys)
	}

	// Deleted is terminal for everything except start.
	if err := o.Stop(context.Background()); err == nil {
		t.Error("stop after delete must fail")
	}
}

func TestStartBeforeConfigureFails(t *testing.T) {
	r, _ := testRegistry(t, &fakeProvisioner{})
	o, err := r.Create(context.Background(), nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := o.Start(context.Background()); err == nil {
		t.Error("start on an unconfigured workspace must fail")
	}
}

func TestServeProxyWithoutSandbox(t *testing.T) {
	r, _ := testRegistry(t, &fakeProvisioner{})
	o := configured(t, r, model.CleanupPolicy{})

	serve := func(withTarget bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/proxy/", nil)
		if withTarget {
			req.Header.Set(TargetURLHeader, "http://localhost:3000/")
		}
		rec := httptest.NewRecorder()
		o.ServeProxy(rec, req)
		return rec
	}

	if rec := serve(false); rec.Code != http.StatusBadRequest {
		t.Errorf("missing target: status = %d, want 400", rec.Code)
	}

	// Stopped: requests are refused, never hung.
	if rec := serve(true); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("stopped: status = %d, want 503", rec.Code)
	}

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	rec := serve(true)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("starting: status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "starting") {
		t.Errorf("starting body = %q, want provisioning notice", rec.Body.String())
	}

	// Started but the sandbox dropped off: still a clean 503.
	conn := &fakeConn{}
	o.AttachSandbox(conn)
	waitState(t, o, StateStarted)
	o.Detach(conn)
	rec = serve(true)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("disconnected: status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "not connected") {
		t.Errorf("disconnected body = %q", rec.Body.String())
	}
}

func TestCloseProxiedStreamTearsDownTunnelSide(t *testing.T) {
	r, _ := testRegistry(t, &fakeProvisioner{})
	o := configured(t, r, model.CleanupPolicy{})

	// No sandbox attached: nothing to close.
	o.CloseProxiedStream(7)

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn := &fakeConn{}
	o.AttachSandbox(conn)
	waitState(t, o, StateStarted)

	before := len(conn.sentFrames())
	o.CloseProxiedStream(7)

	frames := conn.sentFrames()[before:]
	if len(frames) != 2 {
		t.Fatalf("frames sent = %d, want a close notice plus the stream close", len(frames))
	}
	for i, f := range frames {
		if len(f) < 5 || binary.BigEndian.Uint32(f[:4]) != 7 {
			t.Fatalf("frame %d not on stream 7: %x", i, f)
		}
	}
	if protocol.MessageType(frames[0][5]) != protocol.TypeProxyWebSocketClose {
		t.Errorf("first frame type = %d, want websocket close", frames[0][5])
	}
	// The second frame is the bare transport-level stream close.
	if len(frames[1]) != 5 {
		t.Errorf("stream close frame = %x, want header only", frames[1])
	}
}

func TestIdleStopEscalatesToDelete(t *testing.T) {
	prov := &fakeProvisioner{}
	r, _ := testRegistry(t, prov)
	o := configured(t, r, model.CleanupPolicy{
		IdleSeconds:        1,
		Action:             "stop",
		DeleteAfterSeconds: 1,
	})

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	o.AttachSandbox(&fakeConn{})
	waitState(t, o, StateStarted)

	// One second of silence stops the sandbox; one more deletes it.
	waitState(t, o, StateStopped)
	waitState(t, o, StateDeleted)

	_, stops, destroys := prov.calls()
	if stops != 1 || destroys != 1 {
		t.Errorf("calls = (stops %d, destroys %d), want 1 each", stops, destroys)
	}
}

func TestIdleDeleteAction(t *testing.T) {
	prov := &fakeProvisioner{}
	r, _ := testRegistry(t, prov)
	o := configured(t, r, model.CleanupPolicy{
		IdleSeconds: 1,
		Action:      "delete",
	})

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn := &fakeConn{}
	o.AttachSandbox(conn)
	waitState(t, o, StateStarted)

	waitState(t, o, StateDeleted)
	if !conn.isClosed() {
		t.Error("deletion must close the sandbox socket")
	}
}

func TestRegistryReturnsSameInstance(t *testing.T) {
	r, st := testRegistry(t, &fakeProvisioner{})
	o, err := r.Create(context.Background(), nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	again, err := r.Get(context.Background(), o.ID())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if again != o {
		t.Error("registry returned a second instance for the same workspace")
	}

	if _, err := r.Get(context.Background(), "no-such-id"); err != store.ErrNotFound {
		t.Errorf("err = %v, want store.ErrNotFound", err)
	}

	// A fresh registry reloads from the database.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r2 := NewRegistry(st, &fakeProvisioner{}, logger, Options{})
	loaded, err := r2.Get(context.Background(), o.ID())
	if err != nil {
		t.Fatalf("Get after reload failed: %v", err)
	}
	if loaded.ID() != o.ID() {
		t.Errorf("loaded id = %s, want %s", loaded.ID(), o.ID())
	}
}
