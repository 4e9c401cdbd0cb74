// Package orchestrator owns the control-plane side of one workspace: its
// persisted lifecycle state, the single physical sandbox connection, the
// edge-side connections bound onto logical streams, and the idle-driven
// cleanup timer. One instance exists per workspace id.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/obot-platform/workbench/internal/model"
	"github.com/obot-platform/workbench/internal/protocol"
	"github.com/obot-platform/workbench/internal/store"
	"github.com/obot-platform/workbench/internal/tunnel"
	"github.com/obot-platform/workbench/internal/worker"
)

// Provisioner manages the sandbox backing a workspace. Implementations talk
// to whatever runtime hosts the sandboxes; the orchestrator only sequences
// the calls.
type Provisioner interface {
	// Start provisions and boots the sandbox described by the workspace's
	// provisioning descriptor.
	Start(ctx context.Context, ws *model.Workspace) error
	// Stop tears the running sandbox down, keeping its resources.
	Stop(ctx context.Context, ws *model.Workspace) error
	// Destroy releases every resource held for the workspace.
	Destroy(ctx context.Context, ws *model.Workspace) error
}

// Conn is one physical socket bound to the orchestrator, sandbox or edge
// side. The concrete type is a WebSocket connection wrapper; tests use an
// in-memory fake.
type Conn interface {
	// Send writes one message. messageType follows gorilla's
	// websocket.TextMessage/BinaryMessage values.
	Send(messageType int, data []byte) error
	// Close closes the socket with a close code and reason.
	Close(code int, reason string) error
}

type role int

const (
	roleSandbox role = iota
	roleControl
	roleProxied
)

// binding records what a connected socket is for. Exactly one socket may
// hold roleSandbox at a time.
type binding struct {
	role     role
	streamID uint32
}

// Options configures an Orchestrator.
type Options struct {
	// MaxFramePayload is the tunnel's per-frame ceiling.
	MaxFramePayload int
	// ProxyTimeout bounds a single edge-originated proxy call.
	ProxyTimeout time.Duration
}

// Orchestrator drives one workspace.
type Orchestrator struct {
	id     string
	store  *store.Store
	prov   Provisioner
	logger *slog.Logger
	opts   Options

	mu       sync.Mutex
	ws       *model.Workspace
	client   *worker.Client
	sandbox  Conn
	bindings map[Conn]binding
	streams  map[uint32]Conn
	cleanup  *time.Timer
	// idleStopped marks a stop that was triggered by the idle timer, which
	// arms the optional delete-after escalation once the stop completes.
	idleStopped bool
}

// New wraps a loaded workspace record.
func New(ws *model.Workspace, st *store.Store, prov Provisioner, logger *slog.Logger, opts Options) *Orchestrator {
	if opts.ProxyTimeout <= 0 {
		opts.ProxyTimeout = 60 * time.Second
	}
	return &Orchestrator{
		id:       ws.ID,
		store:    st,
		prov:     prov,
		logger:   logger.With("component", "orchestrator", "workspace", ws.ID),
		opts:     opts,
		ws:       ws,
		bindings: make(map[Conn]binding),
		streams:  make(map[uint32]Conn),
	}
}

// ID returns the workspace id.
func (o *Orchestrator) ID() string { return o.id }

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return State(o.ws.State)
}

// Workspace returns a snapshot of the workspace record.
func (o *Orchestrator) Workspace() model.Workspace {
	o.mu.Lock()
	defer o.mu.Unlock()
	return *o.ws
}

// Configure records the provisioning descriptor and cleanup policy. It is
// one-shot: a second call fails.
func (o *Orchestrator) Configure(ctx context.Context, provisioner json.RawMessage, policy model.CleanupPolicy) error {
	o.mu.Lock()
	next, _, err := Transition(State(o.ws.State), EventConfigure)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	o.ws.State = string(next)
	o.ws.Provisioner = provisioner
	if err := o.ws.SetCleanupPolicy(policy); err != nil {
		o.mu.Unlock()
		return err
	}
	ws := *o.ws
	o.mu.Unlock()

	return o.store.UpdateWorkspace(ctx, &ws)
}

// Start requests the sandbox be provisioned. Safe to call when already
// starting or started.
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.apply(ctx, EventStart)
}

// Stop requests the sandbox be torn down.
func (o *Orchestrator) Stop(ctx context.Context) error {
	return o.apply(ctx, EventStop)
}

// Delete requests the workspace's resources be released. The workspace
// record is retained for diagnostics.
func (o *Orchestrator) Delete(ctx context.Context) error {
	return o.apply(ctx, EventDelete)
}

// apply runs one lifecycle event through the transition table, persists the
// state change, and performs the returned effects on a separate goroutine.
func (o *Orchestrator) apply(ctx context.Context, event Event) error {
	o.mu.Lock()
	prev := State(o.ws.State)
	next, effects, err := Transition(prev, event)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	if event == EventStartSucceeded {
		o.ws.LastError = nil
	}
	o.ws.State = string(next)
	lastError := o.ws.LastError
	errorCount := o.ws.ErrorCount
	o.mu.Unlock()

	if next != prev {
		o.logger.Info("workspace state changed", "from", prev, "to", next, "event", event)
		if err := o.store.UpdateWorkspaceState(ctx, o.id, string(next), lastError, errorCount); err != nil {
			o.logger.Warn("failed to persist workspace state", "error", err)
		}
	}

	o.onStateChanged(next)
	if len(effects) > 0 {
		go o.runEffects(effects)
	}
	return nil
}

// runEffects performs transition side effects in order, then reports the
// completion event for teardown flows.
func (o *Orchestrator) runEffects(effects []Effect) {
	ctx := context.Background()
	ws := o.Workspace()

	for _, effect := range effects {
		switch effect {
		case EffectProvision:
			if err := o.prov.Start(ctx, &ws); err != nil {
				o.recordError(err)
				_ = o.apply(ctx, EventStartFailed)
				return
			}
			// The workspace reaches started when the sandbox dials in and
			// AttachSandbox fires EventStartSucceeded.

		case EffectTeardown:
			o.closeSandbox(true)
			if err := o.prov.Stop(ctx, &ws); err != nil {
				o.recordError(err)
			}

		case EffectRelease:
			if err := o.prov.Destroy(ctx, &ws); err != nil {
				o.recordError(err)
			}

		case EffectNotifyStopped:
			o.notifyConversation(
				"The sandbox for this workspace has been stopped.",
				"Sandbox stopped; start the workspace again before running commands.")

		case EffectNotifyDeleted:
			o.notifyConversation(
				"This workspace has been deleted.",
				"Workspace deleted; its sandbox and files are gone.")
		}
	}

	// Teardown flows complete here; provisioning completes on sandbox
	// attach.
	switch o.State() {
	case StateStopping:
		_ = o.apply(ctx, EventStopFinished)
	case StateDeleting:
		_ = o.apply(ctx, EventDeleteFinished)
	}
}

func (o *Orchestrator) recordError(err error) {
	o.logger.Warn("workspace operation failed", "error", err)
	msg := err.Error()
	o.mu.Lock()
	o.ws.LastError = &msg
	o.ws.ErrorCount++
	o.mu.Unlock()
}

// notifyConversation appends a lifecycle notice to the owning conversation.
// Best-effort: failure is logged and swallowed.
func (o *Orchestrator) notifyConversation(userText, modelText string) {
	o.mu.Lock()
	conversationID := o.ws.ConversationID
	o.mu.Unlock()
	if conversationID == nil {
		return
	}

	msg := &model.ConversationMessage{
		ConversationID: *conversationID,
		Role:           "system",
		UserText:       &userText,
		ModelText:      &modelText,
	}
	if err := o.store.CreateConversationMessage(context.Background(), msg); err != nil {
		o.logger.Warn("failed to write lifecycle notice", "error", err)
	}
}

// AttachSandbox binds conn as the workspace's physical sandbox connection,
// forcibly closing any previous one, and brings up the tunnel session and
// worker client over it.
func (o *Orchestrator) AttachSandbox(conn Conn) {
	o.closeSandbox(true)

	sink := func(data []byte) error {
		return conn.Send(websocket.BinaryMessage, data)
	}
	session := tunnel.NewSession(sink, tunnel.Options{
		Side:            tunnel.Initiator,
		MaxFramePayload: o.opts.MaxFramePayload,
	})

	o.mu.Lock()
	if o.ws.NextStreamID > 0 {
		session.SetNextStreamID(uint32(o.ws.NextStreamID))
	}
	o.mu.Unlock()

	client := worker.NewClient(session, o.logger)
	client.OnNextStreamIDChange(func(id uint32) {
		o.mu.Lock()
		o.ws.NextStreamID = int64(id)
		o.mu.Unlock()
		if err := o.store.UpdateWorkspaceNextStreamID(context.Background(), o.id, int64(id)); err != nil {
			o.logger.Warn("failed to persist stream id counter", "error", err)
		}
	})
	client.OnNotification(o.fanOutNotification)
	client.OnWebSocketMessage(o.routeStreamMessage)
	client.OnWebSocketClose(o.routeStreamClose)

	o.mu.Lock()
	o.sandbox = conn
	o.client = client
	o.bindings[conn] = binding{role: roleSandbox}
	o.mu.Unlock()

	o.logger.Info("sandbox connected")
	if o.State() == StateStarting {
		_ = o.apply(context.Background(), EventStartSucceeded)
	}
	o.ResetCleanupTimer()
}

// closeSandbox tears down the current sandbox connection and client,
// optionally closing the socket.
func (o *Orchestrator) closeSandbox(closeConn bool) {
	o.mu.Lock()
	conn := o.sandbox
	client := o.client
	o.sandbox = nil
	o.client = nil
	if conn != nil {
		delete(o.bindings, conn)
	}
	o.mu.Unlock()

	if client != nil {
		_ = client.Close()
	}
	if conn != nil && closeConn {
		_ = conn.Close(websocket.CloseGoingAway, "replaced")
	}
}

// HandleSandboxMessage feeds raw bytes from the sandbox socket into the
// tunnel. Messages from a stale (replaced) socket are dropped.
func (o *Orchestrator) HandleSandboxMessage(conn Conn, data []byte) {
	o.mu.Lock()
	client := o.client
	current := o.sandbox == conn
	o.mu.Unlock()
	if client == nil || !current {
		return
	}
	if err := client.HandleServerMessage(data); err != nil {
		o.logger.Warn("failed to handle sandbox message", "error", err)
	}
}

// AttachControl binds an edge connection 1:1 onto a freshly-allocated
// logical stream and returns the stream id.
func (o *Orchestrator) AttachControl(conn Conn) (uint32, error) {
	o.mu.Lock()
	client := o.client
	o.mu.Unlock()
	if client == nil {
		return 0, fmt.Errorf("sandbox not connected")
	}

	streamID, err := client.CreateClientStream()
	if err != nil {
		return 0, err
	}

	o.mu.Lock()
	o.bindings[conn] = binding{role: roleControl, streamID: streamID}
	o.streams[streamID] = conn
	o.mu.Unlock()
	return streamID, nil
}

// AttachProxied binds an edge connection to the stream of a completed
// WebSocket proxy upgrade.
func (o *Orchestrator) AttachProxied(conn Conn, streamID uint32) {
	o.mu.Lock()
	o.bindings[conn] = binding{role: roleProxied, streamID: streamID}
	o.streams[streamID] = conn
	o.mu.Unlock()
}

// CloseProxiedStream tears down a proxied upgrade whose edge socket never
// materialized: the in-sandbox target is told to close and the stream is
// released.
func (o *Orchestrator) CloseProxiedStream(streamID uint32) {
	o.mu.Lock()
	client := o.client
	o.mu.Unlock()
	if client == nil {
		return
	}
	_ = client.SendProxiedWebSocketClose(streamID, websocket.CloseNormalClosure, "")
	client.CloseStream(streamID)
}

// HandleEdgeMessage forwards one message from an edge binding into the
// tunnel and counts it as liveness for idle cleanup.
func (o *Orchestrator) HandleEdgeMessage(conn Conn, messageType int, data []byte) {
	o.mu.Lock()
	b, ok := o.bindings[conn]
	client := o.client
	o.mu.Unlock()
	if !ok || client == nil {
		return
	}

	var err error
	switch b.role {
	case roleControl:
		err = client.HandleClientMessage(b.streamID, data)
	case roleProxied:
		err = client.SendProxiedWebSocketMessage(b.streamID, messageType, data)
	default:
		return
	}
	if err != nil {
		o.logger.Warn("failed to forward edge message", "stream", b.streamID, "error", err)
		return
	}
	o.ResetCleanupTimer()
}

// Detach removes a connection binding. For the sandbox this tears down the
// tunnel; for edge bindings the backing stream is closed.
func (o *Orchestrator) Detach(conn Conn) {
	o.mu.Lock()
	b, ok := o.bindings[conn]
	if !ok {
		o.mu.Unlock()
		return
	}
	delete(o.bindings, conn)
	if b.role != roleSandbox {
		delete(o.streams, b.streamID)
	}
	client := o.client
	isSandbox := b.role == roleSandbox && o.sandbox == conn
	if isSandbox {
		o.sandbox = nil
		o.client = nil
	}
	o.mu.Unlock()

	switch {
	case isSandbox:
		o.logger.Info("sandbox disconnected")
		if client != nil {
			_ = client.Close()
		}
	case b.role == roleProxied && client != nil:
		_ = client.SendProxiedWebSocketClose(b.streamID, websocket.CloseNormalClosure, "")
		client.CloseStream(b.streamID)
	case b.role == roleControl && client != nil:
		client.CloseStream(b.streamID)
	}
}

// fanOutNotification delivers a sandbox notification to every control
// binding as a JSON text message.
func (o *Orchestrator) fanOutNotification(n protocol.Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		return
	}

	o.mu.Lock()
	conns := make([]Conn, 0, len(o.bindings))
	for conn, b := range o.bindings {
		if b.role == roleControl {
			conns = append(conns, conn)
		}
	}
	o.mu.Unlock()

	for _, conn := range conns {
		if err := conn.Send(websocket.TextMessage, data); err != nil {
			o.logger.Warn("failed to fan out notification", "error", err)
		}
	}
}

// routeStreamMessage delivers a tunneled message to the one edge binding
// holding its stream id.
func (o *Orchestrator) routeStreamMessage(streamID uint32, messageType int, data []byte) {
	o.mu.Lock()
	conn := o.streams[streamID]
	o.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Send(messageType, data); err != nil {
		o.logger.Warn("failed to deliver stream message", "stream", streamID, "error", err)
	}
}

// routeStreamClose closes the edge binding holding the stream id.
func (o *Orchestrator) routeStreamClose(streamID uint32, code int, reason string) {
	o.mu.Lock()
	conn := o.streams[streamID]
	delete(o.streams, streamID)
	if conn != nil {
		delete(o.bindings, conn)
	}
	o.mu.Unlock()
	if conn == nil {
		return
	}
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	_ = conn.Close(code, reason)
}

// Proxy performs one control-plane-initiated proxy call through the
// sandbox. A successful response counts as liveness.
func (o *Orchestrator) Proxy(ctx context.Context, req worker.ProxyRequest) (*worker.ProxyResponse, error) {
	o.mu.Lock()
	client := o.client
	state := State(o.ws.State)
	o.mu.Unlock()

	if state != StateStarted {
		return nil, fmt.Errorf("workspace is %s, not started", state)
	}
	if client == nil {
		return nil, fmt.Errorf("sandbox not connected")
	}

	ctx, cancel := context.WithTimeout(ctx, o.opts.ProxyTimeout)
	defer cancel()

	resp, err := client.Proxy(ctx, req)
	if err != nil {
		return nil, err
	}
	o.ResetCleanupTimer()
	return resp, nil
}

// SandboxConnected reports whether a live sandbox connection is bound.
func (o *Orchestrator) SandboxConnected() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.client != nil
}

// ResetCleanupTimer (re)schedules the single idle wake-up according to the
// cleanup policy. No-op when no policy is configured.
func (o *Orchestrator) ResetCleanupTimer() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resetCleanupLocked()
}

func (o *Orchestrator) resetCleanupLocked() {
	if o.cleanup != nil {
		o.cleanup.Stop()
		o.cleanup = nil
	}
	policy, err := o.ws.CleanupPolicy()
	if err != nil {
		return
	}

	switch State(o.ws.State) {
	case StateStarted:
		o.idleStopped = false
		if policy.IdleSeconds > 0 {
			o.cleanup = time.AfterFunc(time.Duration(policy.IdleSeconds)*time.Second, o.idleExpired)
		}
	case StateStopped:
		if o.idleStopped && policy.DeleteAfterSeconds > 0 {
			o.cleanup = time.AfterFunc(time.Duration(policy.DeleteAfterSeconds)*time.Second, o.idleDeleteExpired)
		}
	}
}

// idleExpired enacts the cleanup policy after the idle window elapses.
func (o *Orchestrator) idleExpired() {
	o.mu.Lock()
	policy, err := o.ws.CleanupPolicy()
	state := State(o.ws.State)
	o.mu.Unlock()
	if err != nil || state != StateStarted {
		return
	}

	ctx := context.Background()
	if policy.Action == "delete" {
		o.logger.Info("idle timeout reached, deleting workspace")
		_ = o.apply(ctx, EventDelete)
		return
	}

	o.logger.Info("idle timeout reached, stopping sandbox")
	o.mu.Lock()
	o.idleStopped = true
	o.mu.Unlock()
	_ = o.apply(ctx, EventStop)
}

// idleDeleteExpired escalates an idle-stopped workspace to deletion.
func (o *Orchestrator) idleDeleteExpired() {
	if o.State() != StateStopped {
		return
	}
	o.logger.Info("stopped workspace still idle, deleting")
	_ = o.apply(context.Background(), EventDelete)
}

// onStateChanged adjusts the cleanup timer and edge bindings for the new
// state.
func (o *Orchestrator) onStateChanged(next State) {
	o.mu.Lock()
	o.resetCleanupLocked()
	var conns []Conn
	if next == StateDeleted {
		for conn := range o.bindings {
			conns = append(conns, conn)
		}
		o.bindings = make(map[Conn]binding)
		o.streams = make(map[uint32]Conn)
	}
	o.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close(websocket.CloseGoingAway, "workspace deleted")
	}
}
