package process

import (
	"strings"
	"sync"
)

// Caller-facing truncation budgets. Output is retained in full at capture
// time so earlier lines stay addressable by index; these caps only bound
// what a single read returns.
const (
	// ANSITailLimit caps the raw ANSI view returned to callers.
	ANSITailLimit = 64 * 1024
	// PlainTailLimit caps the plain-text view, measured by summed line length.
	PlainTailLimit = 256 * 1024
)

// outputLog accumulates everything a process writes. It keeps the raw byte
// stream (ANSI escapes intact) and a line-indexed plain-text rendering with
// escapes stripped and carriage returns applied as in-line overwrites.
type outputLog struct {
	mu sync.Mutex

	raw []byte

	lines []string
	// current line being assembled, with the cursor column for CR handling
	cur []byte
	col int

	// ANSI/OSC parser state carried across writes
	esc    escState
	oscBuf []byte
}

type escState int

const (
	escNone escState = iota
	escStart
	escCSI
	escOSC
	escOSCEsc
)

// write ingests one chunk of process output and returns any terminal title
// announced via an OSC 0/2 sequence ("" if none).
func (o *outputLog) write(p []byte) (title string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.raw = append(o.raw, p...)

	for _, b := range p {
		switch o.esc {
		case escStart:
			switch b {
			case '[':
				o.esc = escCSI
			case ']':
				o.esc = escOSC
				o.oscBuf = o.oscBuf[:0]
			default:
				o.esc = escNone
			}
		case escCSI:
			// CSI sequences end on a final byte in 0x40-0x7e.
			if b >= 0x40 && b <= 0x7e {
				o.esc = escNone
			}
		case escOSC:
			switch b {
			case 0x07:
				title = o.finishOSC()
			case 0x1b:
				o.esc = escOSCEsc
			default:
				o.oscBuf = append(o.oscBuf, b)
			}
		case escOSCEsc:
			if b == '\\' {
				title = o.finishOSC()
			} else {
				o.esc = escNone
			}
		default:
			switch b {
			case 0x1b:
				o.esc = escStart
			case '\r':
				o.col = 0
			case '\n':
				o.lines = append(o.lines, string(o.cur))
				o.cur = o.cur[:0]
				o.col = 0
			case 0x08:
				if o.col > 0 {
					o.col--
				}
			default:
				if b < 0x20 {
					continue
				}
				if o.col < len(o.cur) {
					o.cur[o.col] = b
				} else {
					o.cur = append(o.cur, b)
				}
				o.col++
			}
		}
	}
	return title
}

func (o *outputLog) finishOSC() string {
	o.esc = escNone
	s := string(o.oscBuf)
	o.oscBuf = o.oscBuf[:0]
	if rest, ok := strings.CutPrefix(s, "0;"); ok {
		return rest
	}
	if rest, ok := strings.CutPrefix(s, "2;"); ok {
		return rest
	}
	return ""
}

// ansiTail returns the most recent ANSITailLimit bytes of the raw stream.
func (o *outputLog) ansiTail() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	raw := o.raw
	if len(raw) > ANSITailLimit {
		raw = raw[len(raw)-ANSITailLimit:]
	}
	return string(raw)
}

// totalLines counts committed lines plus the partial line, if any.
func (o *outputLog) totalLines() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.totalLinesLocked()
}

func (o *outputLog) totalLinesLocked() int {
	n := len(o.lines)
	if len(o.cur) > 0 {
		n++
	}
	return n
}

// PlainOutput is a line-indexed slice of the plain-text rendering.
type PlainOutput struct {
	// Lines holds the returned window, oldest first.
	Lines []string `json:"lines"`
	// StartLine is the 1-based index of Lines[0] within the full log. It can
	// exceed the requested start when tail truncation dropped older lines.
	StartLine int `json:"start_line"`
	// TotalLines is the full line count of the log, before any slicing.
	TotalLines int `json:"total_lines"`
	// Truncated is set when the tail budget dropped requested lines.
	Truncated bool `json:"truncated,omitempty"`
}

// plainRange returns lines [startLine, endLine] (1-based, inclusive), then
// applies the PlainTailLimit budget keeping the most recent lines. Zero
// bounds mean "from the beginning" and "to the end" respectively.
func (o *outputLog) plainRange(startLine, endLine int) *PlainOutput {
	o.mu.Lock()
	all := make([]string, len(o.lines), len(o.lines)+1)
	copy(all, o.lines)
	if len(o.cur) > 0 {
		all = append(all, string(o.cur))
	}
	o.mu.Unlock()

	total := len(all)
	start := 1
	if startLine > 0 {
		start = startLine
	}
	end := total
	if endLine > 0 && endLine < end {
		end = endLine
	}
	if start > end || start > total {
		return &PlainOutput{Lines: []string{}, StartLine: start, TotalLines: total}
	}

	window := all[start-1 : end]

	// Tail truncation: keep the most recent lines whose summed length fits
	// the budget.
	budget := PlainTailLimit
	keepFrom := len(window)
	for keepFrom > 0 {
		cost := len(window[keepFrom-1]) + 1
		if budget-cost < 0 {
			break
		}
		budget -= cost
		keepFrom--
	}

	return &PlainOutput{
		Lines:      window[keepFrom:],
		StartLine:  start + keepFrom,
		TotalLines: total,
		Truncated:  keepFrom > 0,
	}
}
