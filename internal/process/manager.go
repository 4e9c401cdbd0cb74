// Package process spawns and tracks local processes, optionally behind a
// pseudo-terminal, with bounded caller-facing output views. Dead processes
// stay listed until removed so their output remains readable by line index.
package process

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/obot-platform/workbench/internal/logging"
)

// ErrNotFound is returned for operations on an unknown pid.
var ErrNotFound = fmt.Errorf("process not found")

// ExecuteOptions configures a spawn.
type ExecuteOptions struct {
	Cwd string
	// Env is merged over the manager's default environment; explicit keys
	// win over defaults.
	Env map[string]string
	// Terminal attaches a pseudo-terminal instead of pipes.
	Terminal bool
	// Rows/Cols size the pty. Zero values fall back to 24x80.
	Rows uint16
	Cols uint16
}

// Manager spawns and tracks processes.
type Manager struct {
	logger *logging.Logger

	mu        sync.Mutex
	processes map[int]*Process
	defaults  map[string]string
	onSpawn   func(*Process)
}

// NewManager creates a Manager whose spawned processes inherit defaultEnv on
// top of the manager process's own environment.
func NewManager(logger *logging.Logger, defaultEnv map[string]string) *Manager {
	defaults := make(map[string]string, len(defaultEnv))
	for k, v := range defaultEnv {
		defaults[k] = v
	}
	return &Manager{
		logger:    logger.With("component", "process_manager"),
		processes: make(map[int]*Process),
		defaults:  defaults,
	}
}

// OnSpawn registers a callback fired for every successful Execute.
func (m *Manager) OnSpawn(fn func(*Process)) {
	m.mu.Lock()
	m.onSpawn = fn
	m.mu.Unlock()
}

// SetEnv merges env into the default environment for subsequent spawns.
func (m *Manager) SetEnv(env map[string]string) {
	m.mu.Lock()
	for k, v := range env {
		m.defaults[k] = v
	}
	m.mu.Unlock()
}

// Execute spawns command with args and begins capturing its output.
func (m *Manager) Execute(command string, args []string, opts ExecuteOptions) (*Process, error) {
	cmd := exec.Command(command, args...)
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}
	cmd.Env = m.buildEnv(opts.Env)

	p := &Process{
		command:    command,
		args:       args,
		cwd:        opts.Cwd,
		startTime:  time.Now(),
		terminal:   opts.Terminal,
		cmd:        cmd,
		out:        &outputLog{},
		done:       make(chan struct{}),
		outputSubs: make(map[int]func([]byte)),
	}

	if opts.Terminal {
		rows, cols := opts.Rows, opts.Cols
		if rows == 0 {
			rows = 24
		}
		if cols == 0 {
			cols = 80
		}
		ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
		if err != nil {
			return nil, fmt.Errorf("failed to start process with pty: %w", err)
		}
		p.ptmx = ptmx
		p.pid = cmd.Process.Pid
		go p.readLoop(ptmx)
	} else {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to open stdin: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to open stdout: %w", err)
		}
		cmd.Stderr = cmd.Stdout
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start process: %w", err)
		}
		p.stdin = stdin
		p.pid = cmd.Process.Pid
		go p.readLoop(stdout)
	}

	m.mu.Lock()
	m.processes[p.pid] = p
	onSpawn := m.onSpawn
	m.mu.Unlock()

	m.logger.Info("process started", "pid", p.pid, "command", command)
	if onSpawn != nil {
		onSpawn(p)
	}
	return p, nil
}

// buildEnv layers the manager defaults and then the per-spawn env over the
// inherited environment.
func (m *Manager) buildEnv(extra map[string]string) []string {
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	m.mu.Lock()
	for k, v := range m.defaults {
		merged[k] = v
	}
	m.mu.Unlock()
	for k, v := range extra {
		merged[k] = v
	}

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// Get returns the tracked process for pid.
func (m *Manager) Get(pid int) (*Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.processes[pid]
	if !ok {
		return nil, fmt.Errorf("%w: pid %d", ErrNotFound, pid)
	}
	return p, nil
}

// Status returns the state snapshot for pid.
func (m *Manager) Status(pid int) (*Status, error) {
	p, err := m.Get(pid)
	if err != nil {
		return nil, err
	}
	return p.Status(), nil
}

// Kill signals pid. The signal may be a name ("SIGTERM", "TERM") or a
// number; empty defaults to SIGTERM.
func (m *Manager) Kill(pid int, signal string) error {
	p, err := m.Get(pid)
	if err != nil {
		return err
	}
	sig, err := ParseSignal(signal)
	if err != nil {
		return err
	}
	m.logger.Info("signaling process", "pid", pid, "signal", sig.String())
	return p.Signal(sig)
}

// List returns status snapshots for tracked processes, oldest first. Dead
// processes are included only when includeDead is set.
func (m *Manager) List(includeDead bool) []*Status {
	m.mu.Lock()
	procs := make([]*Process, 0, len(m.processes))
	for _, p := range m.processes {
		procs = append(procs, p)
	}
	m.mu.Unlock()

	sort.Slice(procs, func(i, j int) bool {
		return procs[i].startTime.Before(procs[j].startTime)
	})

	out := make([]*Status, 0, len(procs))
	for _, p := range procs {
		st := p.Status()
		if !st.Running && !includeDead {
			continue
		}
		out = append(out, st)
	}
	return out
}

// SendInput writes data to pid's stdin.
func (m *Manager) SendInput(pid int, data []byte) error {
	p, err := m.Get(pid)
	if err != nil {
		return err
	}
	return p.SendInput(data)
}

// ReadPlainOutput returns the plain-text line window for pid.
func (m *Manager) ReadPlainOutput(pid, startLine, endLine int) (*PlainOutput, error) {
	p, err := m.Get(pid)
	if err != nil {
		return nil, err
	}
	return p.PlainOutput(startLine, endLine), nil
}

// ReadANSIOutput returns the raw output tail for pid.
func (m *Manager) ReadANSIOutput(pid int) (string, error) {
	p, err := m.Get(pid)
	if err != nil {
		return "", err
	}
	return p.ANSIOutput(), nil
}

// Remove forgets a process record. Running processes are killed first.
func (m *Manager) Remove(pid int) error {
	p, err := m.Get(pid)
	if err != nil {
		return err
	}
	if p.Status().Running {
		_ = p.Signal(syscall.SIGKILL)
	}
	m.mu.Lock()
	delete(m.processes, pid)
	m.mu.Unlock()
	return nil
}

// Shutdown kills every running process.
func (m *Manager) Shutdown() {
	for _, st := range m.List(false) {
		if p, err := m.Get(st.PID); err == nil {
			_ = p.Signal(syscall.SIGKILL)
		}
	}
}

// ParseSignal maps a signal name or number to a syscall.Signal. Empty input
// means SIGTERM.
func ParseSignal(signal string) (syscall.Signal, error) {
	if signal == "" {
		return syscall.SIGTERM, nil
	}
	if n, err := strconv.Atoi(signal); err == nil {
		return syscall.Signal(n), nil
	}
	name := strings.TrimPrefix(strings.ToUpper(signal), "SIG")
	switch name {
	case "HUP":
		return syscall.SIGHUP, nil
	case "INT":
		return syscall.SIGINT, nil
	case "QUIT":
		return syscall.SIGQUIT, nil
	case "KILL":
		return syscall.SIGKILL, nil
	case "TERM":
		return syscall.SIGTERM, nil
	case "USR1":
		return syscall.SIGUSR1, nil
	case "USR2":
		return syscall.SIGUSR2, nil
	case "STOP":
		return syscall.SIGSTOP, nil
	case "CONT":
		return syscall.SIGCONT, nil
	}
	return 0, fmt.Errorf("unknown signal %q", signal)
}
