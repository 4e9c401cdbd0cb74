// Package compute implements the request/response and reverse-proxy server
// that runs inside the sandbox. It terminates every inbound logical stream,
// answering structured requests against the process manager and local
// filesystem, or tunneling HTTP and WebSocket calls performed from inside
// the sandbox's network.
package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/obot-platform/workbench/internal/logging"
	"github.com/obot-platform/workbench/internal/process"
	"github.com/obot-platform/workbench/internal/protocol"
	"github.com/obot-platform/workbench/internal/tunnel"
)

// CreateDeploymentFunc packages the "create deployment from archive"
// collaborator. The archive is a gzipped tarball of the deployed directory.
type CreateDeploymentFunc func(ctx context.Context, name string, archive io.Reader) (json.RawMessage, error)

// Options configures a Server.
type Options struct {
	// CreateDeployment handles deploy_static_files archives. Leaving it nil
	// makes deploy_static_files fail explicitly.
	CreateDeployment CreateDeploymentFunc

	// HTTPClient performs proxied outbound HTTP calls. Defaults to a client
	// with a 60s timeout.
	HTTPClient *http.Client

	// Dialer performs proxied outbound WebSocket dials.
	Dialer *websocket.Dialer
}

// Server dispatches inbound logical streams.
type Server struct {
	session tunnel.Session
	manager *process.Manager
	logger  *logging.Logger
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	notifyStream tunnel.Stream
}

// NewServer creates a compute server bound to session.
func NewServer(session tunnel.Session, manager *process.Manager, logger *logging.Logger, opts Options) *Server {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		session: session,
		manager: manager,
		logger:  logger.With("component", "compute_server"),
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start registers the stream handler, opens the permanent notification
// stream, and begins forwarding process events onto it.
func (s *Server) Start() error {
	s.session.OnStream(s.handleStream)

	notify, err := s.session.CreateStream()
	if err != nil {
		return fmt.Errorf("failed to open notification stream: %w", err)
	}
	s.mu.Lock()
	s.notifyStream = notify
	s.mu.Unlock()

	s.manager.OnSpawn(func(p *process.Process) {
		pid := p.PID()
		p.OnTitleChange(func(title string) {
			s.notify("process_title", map[string]any{"pid": pid, "title": title})
		})
		p.OnExit(func(code *int, signal *string) {
			s.notify("process_exit", map[string]any{
				"pid": pid, "exit_code": code, "exit_signal": signal,
			})
		})
	})
	return nil
}

// Close cancels in-flight work but leaves managed processes running, so a
// reconnecting control plane finds them again.
func (s *Server) Close() {
	s.cancel()
}

// Shutdown cancels in-flight work and kills managed processes.
func (s *Server) Shutdown() {
	s.cancel()
	s.manager.Shutdown()
}

// notify sends a fire-and-forget event on the notification stream.
func (s *Server) notify(eventType string, payload any) {
	s.mu.Lock()
	notify := s.notifyStream
	s.mu.Unlock()
	if notify == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	frame, err := protocol.EncodeJSONFrame(protocol.TypeNotification, protocol.Notification{
		Type:    eventType,
		Payload: data,
	})
	if err != nil {
		return
	}
	if err := notify.Write(frame); err != nil {
		s.logger.Warn("failed to send notification", "type", eventType, "error", err)
	}
}

// handleStream terminates one inbound logical stream. The first frame picks
// the stream's mode: a REQUEST makes it an RPC stream carrying any number of
// request/response rounds; a PROXY_INIT makes it a proxy tunnel.
func (s *Server) handleStream(st tunnel.Stream) {
	ctx, cancel := context.WithCancel(s.ctx)
	h := &streamHandler{server: s, stream: st, ctx: ctx, cancel: cancel}
	st.OnError(func(err error) {
		s.logger.Warn("stream error", "stream", st.ID(), "error", err)
	})
	st.OnClose(func() {
		cancel()
		h.teardown()
	})
	st.OnData(h.handleFrame)
}

type streamHandler struct {
	server *Server
	stream tunnel.Stream
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	proxy *proxyExchange
}

func (h *streamHandler) handleFrame(frame []byte) {
	msgType, payload, err := protocol.DecodeFrame(frame)
	if err != nil {
		h.server.logger.Warn("malformed frame", "stream", h.stream.ID(), "error", err)
		return
	}

	switch msgType {
	case protocol.TypeRequest:
		var req protocol.Request
		if err := json.Unmarshal(payload, &req); err != nil {
			h.respondError(0, fmt.Sprintf("malformed request envelope: %v", err))
			return
		}
		// Requests run concurrently so a long wait never blocks later
		// requests on the same stream; responses correlate by id.
		go h.dispatch(req)

	case protocol.TypeProxyInit:
		var init protocol.ProxyInit
		if err := json.Unmarshal(payload, &init); err != nil {
			h.server.logger.Warn("malformed proxy init", "stream", h.stream.ID(), "error", err)
			h.stream.Close()
			return
		}
		h.startProxy(&init)

	case protocol.TypeProxyBody:
		h.proxyBody(payload)

	case protocol.TypeProxyWebSocketMessage:
		h.proxyWebSocketMessage(payload)

	case protocol.TypeProxyWebSocketClose:
		var cls protocol.WebSocketClose
		_ = json.Unmarshal(payload, &cls)
		h.proxyWebSocketClose(&cls)

	default:
		h.server.logger.Warn("unexpected frame type", "stream", h.stream.ID(), "type", msgType.String())
	}
}

func (h *streamHandler) teardown() {
	h.mu.Lock()
	px := h.proxy
	h.proxy = nil
	h.mu.Unlock()
	if px != nil {
		px.close()
	}
}

// respond writes a RESPONSE envelope back on the stream.
func (h *streamHandler) respond(id int64, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.respondError(id, fmt.Sprintf("failed to encode response: %v", err))
		return
	}
	frame, err := protocol.EncodeJSONFrame(protocol.TypeResponse, protocol.Response{ID: id, Payload: data})
	if err != nil {
		return
	}
	if err := h.stream.Write(frame); err != nil {
		h.server.logger.Warn("failed to write response", "stream", h.stream.ID(), "error", err)
	}
}

func (h *streamHandler) respondError(id int64, msg string) {
	frame, err := protocol.EncodeJSONFrame(protocol.TypeResponse, protocol.Response{ID: id, Error: msg})
	if err != nil {
		return
	}
	_ = h.stream.Write(frame)
}

// dispatch validates and executes one request. Validation failure fails the
// call, never the stream.
func (h *streamHandler) dispatch(req protocol.Request) {
	result, err := h.server.execute(h.ctx, req.Type, req.Payload)
	if err != nil {
		h.respondError(req.ID, err.Error())
		return
	}
	h.respond(req.ID, result)
}

// decodeParams strictly decodes payload into params, rejecting unknown
// fields.
func decodeParams(payload json.RawMessage, params any) error {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(params); err != nil {
		return fmt.Errorf("invalid request payload: %w", err)
	}
	return nil
}

func (s *Server) execute(ctx context.Context, reqType string, payload json.RawMessage) (any, error) {
	switch reqType {
	case "process_execute":
		return s.processExecute(payload)
	case "process_wait":
		return s.processWait(ctx, payload)
	case "process_kill":
		return s.processKill(payload)
	case "process_list":
		return s.processList(payload)
	case "process_send_input":
		return s.processSendInput(payload)
	case "process_read_plain_output":
		return s.processReadPlainOutput(payload)
	case "set_env":
		return s.setEnv(payload)
	case "read_file":
		return s.readFile(payload)
	case "write_file":
		return s.writeFile(payload)
	case "read_directory":
		return s.readDirectory(payload)
	case "deploy_static_files":
		return s.deployStaticFiles(ctx, payload)
	}
	return nil, fmt.Errorf("unknown request type %q", reqType)
}

// --- Process requests ---

type processExecuteParams struct {
	Command  string            `json:"command"`
	Args     []string          `json:"args,omitempty"`
	Cwd      string            `json:"cwd,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	EnvFile  string            `json:"env_file,omitempty"`
	Terminal bool              `json:"terminal,omitempty"`
	Rows     uint16            `json:"rows,omitempty"`
	Cols     uint16            `json:"cols,omitempty"`
}

func (s *Server) processExecute(payload json.RawMessage) (any, error) {
	var params processExecuteParams
	if err := decodeParams(payload, &params); err != nil {
		return nil, err
	}
	if params.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	env, err := mergeEnvFile(params.Env, params.EnvFile)
	if err != nil {
		return nil, err
	}

	p, err := s.manager.Execute(params.Command, params.Args, process.ExecuteOptions{
		Cwd:      params.Cwd,
		Env:      env,
		Terminal: params.Terminal,
		Rows:     params.Rows,
		Cols:     params.Cols,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to execute process: %w", err)
	}
	return map[string]int{"pid": p.PID()}, nil
}

type processWaitParams struct {
	PID                 int   `json:"pid"`
	TimeoutMs           int64 `json:"timeout_ms,omitempty"`
	OutputIdleTimeoutMs int64 `json:"output_idle_timeout_ms,omitempty"`
}

type processWaitResult struct {
	PID        int      `json:"pid"`
	Running    bool     `json:"running"`
	ExitCode   *int     `json:"exit_code,omitempty"`
	ExitSignal *string  `json:"exit_signal,omitempty"`
	TimedOut   bool     `json:"timed_out"`
	OutputIdle bool     `json:"output_idle,omitempty"`
	Output     string   `json:"output"`
	Lines      []string `json:"output_lines"`
	StartLine  int      `json:"start_line"`
	TotalLines int      `json:"total_lines"`
}

func (s *Server) processWait(ctx context.Context, payload json.RawMessage) (any, error) {
	var params processWaitParams
	if err := decodeParams(payload, &params); err != nil {
		return nil, err
	}
	p, err := s.manager.Get(params.PID)
	if err != nil {
		return nil, err
	}

	res, err := p.WaitContext(ctx, process.WaitOptions{
		Timeout:           time.Duration(params.TimeoutMs) * time.Millisecond,
		OutputIdleTimeout: time.Duration(params.OutputIdleTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}

	status := p.Status()
	plain := p.PlainOutput(0, 0)
	return &processWaitResult{
		PID:        status.PID,
		Running:    status.Running,
		ExitCode:   status.ExitCode,
		ExitSignal: status.ExitSignal,
		TimedOut:   res.TimedOut,
		OutputIdle: res.OutputIdle,
		Output:     p.ANSIOutput(),
		Lines:      plain.Lines,
		StartLine:  plain.StartLine,
		TotalLines: plain.TotalLines,
	}, nil
}

type processKillParams struct {
	PID    int    `json:"pid"`
	Signal string `json:"signal,omitempty"`
}

func (s *Server) processKill(payload json.RawMessage) (any, error) {
	var params processKillParams
	if err := decodeParams(payload, &params); err != nil {
		return nil, err
	}
	if err := s.manager.Kill(params.PID, params.Signal); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

type processListParams struct {
	IncludeDead bool `json:"include_dead,omitempty"`
}

func (s *Server) processList(payload json.RawMessage) (any, error) {
	var params processListParams
	if err := decodeParams(payload, &params); err != nil {
		return nil, err
	}
	return map[string]any{"processes": s.manager.List(params.IncludeDead)}, nil
}

type processSendInputParams struct {
	PID  int    `json:"pid"`
	Data string `json:"data"`
}

func (s *Server) processSendInput(payload json.RawMessage) (any, error) {
	var params processSendInputParams
	if err := decodeParams(payload, &params); err != nil {
		return nil, err
	}
	if err := s.manager.SendInput(params.PID, []byte(params.Data)); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

type processReadPlainOutputParams struct {
	PID       int `json:"pid"`
	StartLine int `json:"start_line,omitempty"`
	EndLine   int `json:"end_line,omitempty"`
}

func (s *Server) processReadPlainOutput(payload json.RawMessage) (any, error) {
	var params processReadPlainOutputParams
	if err := decodeParams(payload, &params); err != nil {
		return nil, err
	}
	return s.manager.ReadPlainOutput(params.PID, params.StartLine, params.EndLine)
}

type setEnvParams struct {
	Env map[string]string `json:"env"`
}

func (s *Server) setEnv(payload json.RawMessage) (any, error) {
	var params setEnvParams
	if err := decodeParams(payload, &params); err != nil {
		return nil, err
	}
	if len(params.Env) == 0 {
		return nil, fmt.Errorf("env is required")
	}
	s.manager.SetEnv(params.Env)
	return map[string]bool{"ok": true}, nil
}
