package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// Status is the externally visible state of a tracked process.
type Status struct {
	PID         int     `json:"pid"`
	Command     string  `json:"command"`
	Args        []string `json:"args"`
	Cwd         string  `json:"cwd,omitempty"`
	StartTimeMs int64   `json:"start_time_ms"`
	Running     bool    `json:"running"`
	ExitCode    *int    `json:"exit_code,omitempty"`
	ExitSignal  *string `json:"exit_signal,omitempty"`
}

// Process is one spawned executable tracked by the Manager. Output is
// captured for the lifetime of the process record so later reads can
// address earlier lines by index.
type Process struct {
	pid       int
	command   string
	args      []string
	cwd       string
	startTime time.Time
	terminal  bool

	cmd   *exec.Cmd
	stdin io.WriteCloser
	ptmx  *os.File

	out *outputLog

	mu            sync.Mutex
	exitCode      *int
	exitSignal    *string
	done          chan struct{}
	outputSubs    map[int]func([]byte)
	exitSubs      []func(code *int, signal *string)
	nextSubID     int
	onTitleChange func(string)
}

// PID returns the operating-system process id.
func (p *Process) PID() int { return p.pid }

// Status snapshots the process state.
func (p *Process) Status() *Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &Status{
		PID:         p.pid,
		Command:     p.command,
		Args:        p.args,
		Cwd:         p.cwd,
		StartTimeMs: p.startTime.UnixMilli(),
		Running:     p.exitCode == nil && p.exitSignal == nil,
		ExitCode:    p.exitCode,
		ExitSignal:  p.exitSignal,
	}
}

// Done returns a channel closed when the process exits.
func (p *Process) Done() <-chan struct{} { return p.done }

// OnOutput subscribes to raw output chunks. The returned cancel func removes
// the subscription; it is safe to call more than once.
func (p *Process) OnOutput(fn func(data []byte)) (cancel func()) {
	p.mu.Lock()
	id := p.nextSubID
	p.nextSubID++
	p.outputSubs[id] = fn
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.outputSubs, id)
			p.mu.Unlock()
		})
	}
}

// OnExit registers a callback fired once when the process exits. A process
// that already exited fires the callback immediately.
func (p *Process) OnExit(fn func(code *int, signal *string)) {
	p.mu.Lock()
	if p.exitCode != nil || p.exitSignal != nil {
		code, sig := p.exitCode, p.exitSignal
		p.mu.Unlock()
		fn(code, sig)
		return
	}
	p.exitSubs = append(p.exitSubs, fn)
	p.mu.Unlock()
}

// OnTitleChange registers the callback for terminal title announcements.
// Only terminal-backed processes ever fire it.
func (p *Process) OnTitleChange(fn func(title string)) {
	p.mu.Lock()
	p.onTitleChange = fn
	p.mu.Unlock()
}

// ANSIOutput returns the most recent raw output, capped at ANSITailLimit.
func (p *Process) ANSIOutput() string { return p.out.ansiTail() }

// PlainOutput returns the line-indexed plain rendering for the requested
// 1-based inclusive range (zero bounds open the range).
func (p *Process) PlainOutput(startLine, endLine int) *PlainOutput {
	return p.out.plainRange(startLine, endLine)
}

// SendInput writes data to the process's stdin (or pty).
func (p *Process) SendInput(data []byte) error {
	if p.ptmx != nil {
		_, err := p.ptmx.Write(data)
		return err
	}
	if p.stdin == nil {
		return fmt.Errorf("process %d has no input", p.pid)
	}
	_, err := p.stdin.Write(data)
	return err
}

// Signal delivers sig to the process.
func (p *Process) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	running := p.exitCode == nil && p.exitSignal == nil
	p.mu.Unlock()
	if !running {
		return fmt.Errorf("process %d already exited", p.pid)
	}
	return p.cmd.Process.Signal(sig)
}

// Resize adjusts the pty window. It is a no-op for pipe-backed processes.
func (p *Process) Resize(rows, cols uint16) error {
	if p.ptmx == nil {
		return nil
	}
	return pty.Setsize(p.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// WaitOptions bounds a WaitContext call.
type WaitOptions struct {
	// Timeout caps the overall wait. Zero means no cap.
	Timeout time.Duration
	// OutputIdleTimeout resolves the wait once no new output has arrived for
	// this long. Zero disables idle detection.
	OutputIdleTimeout time.Duration
}

// WaitResult reports why a wait resolved.
type WaitResult struct {
	Exited     bool
	TimedOut   bool
	OutputIdle bool
}

// WaitContext blocks until the process exits, the overall timeout elapses,
// the output goes idle, or ctx is cancelled. A process that already exited
// resolves immediately. Every resolution path tears down its listeners and
// timers.
func (p *Process) WaitContext(ctx context.Context, opts WaitOptions) (*WaitResult, error) {
	select {
	case <-p.done:
		return &WaitResult{Exited: true}, nil
	default:
	}

	var deadline <-chan time.Time
	if opts.Timeout > 0 {
		t := time.NewTimer(opts.Timeout)
		defer t.Stop()
		deadline = t.C
	}

	var idle *time.Timer
	var idleC <-chan time.Time
	var cancelOutput func()
	if opts.OutputIdleTimeout > 0 {
		idle = time.NewTimer(opts.OutputIdleTimeout)
		defer idle.Stop()
		idleC = idle.C
		cancelOutput = p.OnOutput(func([]byte) {
			idle.Reset(opts.OutputIdleTimeout)
		})
		defer cancelOutput()
	}

	select {
	case <-p.done:
		return &WaitResult{Exited: true}, nil
	case <-deadline:
		return &WaitResult{TimedOut: true}, nil
	case <-idleC:
		return &WaitResult{OutputIdle: true}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readLoop pumps output from r until EOF, feeding the output log and
// subscribers, then records the exit status.
func (p *Process) readLoop(r io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			title := p.out.write(chunk)

			p.mu.Lock()
			subs := make([]func([]byte), 0, len(p.outputSubs))
			for _, fn := range p.outputSubs {
				subs = append(subs, fn)
			}
			onTitle := p.onTitleChange
			p.mu.Unlock()

			for _, fn := range subs {
				fn(chunk)
			}
			if title != "" && onTitle != nil {
				onTitle(title)
			}
		}
		if err != nil {
			break
		}
	}

	err := p.cmd.Wait()
	p.recordExit(err)
}

func (p *Process) recordExit(waitErr error) {
	var exitCode *int
	var exitSignal *string
	var exitErr *exec.ExitError
	switch {
	case errors.As(waitErr, &exitErr):
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			name := ws.Signal().String()
			exitSignal = &name
		} else {
			code := exitErr.ExitCode()
			exitCode = &code
		}
	case waitErr != nil:
		code := -1
		exitCode = &code
	default:
		code := 0
		exitCode = &code
	}

	p.mu.Lock()
	if p.exitCode != nil || p.exitSignal != nil {
		p.mu.Unlock()
		return
	}
	p.exitCode = exitCode
	p.exitSignal = exitSignal
	subs := p.exitSubs
	p.exitSubs = nil
	p.mu.Unlock()

	if p.ptmx != nil {
		_ = p.ptmx.Close()
	}
	close(p.done)

	for _, fn := range subs {
		fn(exitCode, exitSignal)
	}
}
