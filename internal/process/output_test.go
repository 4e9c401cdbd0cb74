package process

import (
	"strings"
	"testing"
)

func TestPlainOutputStripsANSI(t *testing.T) {
	log := &outputLog{}
	log.write([]byte("\x1b[31mred\x1b[0m text\n"))

	out := log.plainRange(0, 0)
	if len(out.Lines) != 1 || out.Lines[0] != "red text" {
		t.Errorf("lines = %q, want [\"red text\"]", out.Lines)
	}
}

func TestPlainOutputCarriageReturnOverwrites(t *testing.T) {
	log := &outputLog{}
	log.write([]byte("downloading 10%\rdownloading 99%\n"))

	out := log.plainRange(0, 0)
	if len(out.Lines) != 1 || out.Lines[0] != "downloading 99%" {
		t.Errorf("lines = %q, want overwritten progress line", out.Lines)
	}
}

func TestPlainOutputCarriageReturnPartialOverwrite(t *testing.T) {
	log := &outputLog{}
	log.write([]byte("aaaaaa\rbb\n"))

	out := log.plainRange(0, 0)
	if len(out.Lines) != 1 || out.Lines[0] != "bbaaaa" {
		t.Errorf("lines = %q, want [\"bbaaaa\"]", out.Lines)
	}
}

func TestOSCTitleExtraction(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"osc 0 with bell", "\x1b]0;my title\x07", "my title"},
		{"osc 2 with bell", "\x1b]2;window title\x07", "window title"},
		{"osc 0 with st", "\x1b]0;st title\x1b\\", "st title"},
		{"osc 1 ignored", "\x1b]1;icon\x07", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := &outputLog{}
			if got := log.write([]byte(tt.input)); got != tt.want {
				t.Errorf("title = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOSCSplitAcrossWrites(t *testing.T) {
	log := &outputLog{}
	if title := log.write([]byte("\x1b]0;sp")); title != "" {
		t.Errorf("premature title %q", title)
	}
	if title := log.write([]byte("lit\x07")); title != "split" {
		t.Errorf("title = %q, want %q", title, "split")
	}
}

func TestTitleNotInPlainOutput(t *testing.T) {
	log := &outputLog{}
	log.write([]byte("\x1b]0;title\x07visible\n"))

	out := log.plainRange(0, 0)
	if len(out.Lines) != 1 || out.Lines[0] != "visible" {
		t.Errorf("lines = %q, want [\"visible\"]", out.Lines)
	}
}

func TestPlainRangeSlicing(t *testing.T) {
	log := &outputLog{}
	for i := 0; i < 30; i++ {
		log.write([]byte("line\n"))
	}

	out := log.plainRange(10, 20)
	if len(out.Lines) != 11 {
		t.Errorf("len(lines) = %d, want 11", len(out.Lines))
	}
	if out.StartLine != 10 {
		t.Errorf("start_line = %d, want 10", out.StartLine)
	}
	if out.TotalLines != 30 {
		t.Errorf("total_lines = %d, want 30", out.TotalLines)
	}
}

func TestPlainRangeOutOfBounds(t *testing.T) {
	log := &outputLog{}
	log.write([]byte("only\n"))

	out := log.plainRange(5, 10)
	if len(out.Lines) != 0 {
		t.Errorf("lines = %q, want empty", out.Lines)
	}
	if out.TotalLines != 1 {
		t.Errorf("total_lines = %d, want 1", out.TotalLines)
	}
}

func TestPlainRangeCountsPartialLine(t *testing.T) {
	log := &outputLog{}
	log.write([]byte("full\npartial"))

	out := log.plainRange(0, 0)
	if out.TotalLines != 2 {
		t.Errorf("total_lines = %d, want 2", out.TotalLines)
	}
	if len(out.Lines) != 2 || out.Lines[1] != "partial" {
		t.Errorf("lines = %q", out.Lines)
	}
}

func TestPlainTailBudgetKeepsMostRecent(t *testing.T) {
	log := &outputLog{}
	line := strings.Repeat("x", 1024)
	lineCount := PlainTailLimit/len(line) + 50
	for i := 0; i < lineCount; i++ {
		log.write([]byte(line + "\n"))
	}

	out := log.plainRange(0, 0)
	if !out.Truncated {
		t.Error("expected truncation")
	}
	if out.TotalLines != lineCount {
		t.Errorf("total_lines = %d, want %d", out.TotalLines, lineCount)
	}
	if out.StartLine <= 1 {
		t.Errorf("start_line = %d, want > 1 after truncation", out.StartLine)
	}
	if out.StartLine+len(out.Lines)-1 != lineCount {
		t.Errorf("window does not end at the last line: start %d + %d lines, total %d",
			out.StartLine, len(out.Lines), lineCount)
	}

	var sum int
	for _, l := range out.Lines {
		sum += len(l) + 1
	}
	if sum > PlainTailLimit {
		t.Errorf("returned %d bytes, budget is %d", sum, PlainTailLimit)
	}
}

func TestANSITail(t *testing.T) {
	log := &outputLog{}
	log.write([]byte("short"))
	if got := log.ansiTail(); got != "short" {
		t.Errorf("ansiTail = %q", got)
	}

	big := strings.Repeat("a", ANSITailLimit+100)
	log2 := &outputLog{}
	log2.write([]byte(big))
	if got := log2.ansiTail(); len(got) != ANSITailLimit {
		t.Errorf("ansiTail length = %d, want %d", len(got), ANSITailLimit)
	}
}

func TestANSITailPreservesEscapes(t *testing.T) {
	log := &outputLog{}
	log.write([]byte("\x1b[1mbold\x1b[0m"))
	if got := log.ansiTail(); got != "\x1b[1mbold\x1b[0m" {
		t.Errorf("ansiTail = %q, escapes should be intact", got)
	}
}
