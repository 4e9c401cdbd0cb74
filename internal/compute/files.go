package compute

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

type readFileParams struct {
	Path      string `json:"path"`
	LineStart int    `json:"line_start,omitempty"`
	LineEnd   int    `json:"line_end,omitempty"`
}

type readFileResult struct {
	Path       string `json:"path"`
	Content    string `json:"content"`
	Encoding   string `json:"encoding"`
	TotalLines int    `json:"total_lines,omitempty"`
	StartLine  int    `json:"start_line,omitempty"`
	EndLine    int    `json:"end_line,omitempty"`
}

func (s *Server) readFile(payload json.RawMessage) (any, error) {
	var params readFileParams
	if err := decodeParams(payload, &params); err != nil {
		return nil, err
	}
	if params.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(params.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	// Non-text content goes back base64-encoded, with no line slicing.
	if isBinary(data) {
		return &readFileResult{
			Path:     params.Path,
			Content:  base64.StdEncoding.EncodeToString(data),
			Encoding: "base64",
		}, nil
	}

	lines := splitLines(string(data))
	total := len(lines)

	start := 1
	if params.LineStart > 0 {
		start = params.LineStart
	}
	end := total
	if params.LineEnd > 0 && params.LineEnd < end {
		end = params.LineEnd
	}
	if start > total || start > end {
		return &readFileResult{
			Path:       params.Path,
			Encoding:   "utf-8",
			TotalLines: total,
			StartLine:  start,
		}, nil
	}

	return &readFileResult{
		Path:       params.Path,
		Content:    strings.Join(lines[start-1:end], "\n"),
		Encoding:   "utf-8",
		TotalLines: total,
		StartLine:  start,
		EndLine:    end,
	}, nil
}

// splitLines splits on \n without producing a phantom trailing line for
// newline-terminated files.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	s = strings.TrimSuffix(s, "\n")
	return strings.Split(s, "\n")
}

// isBinary sniffs content the way git does: a NUL byte or invalid UTF-8 in
// the first 8000 bytes marks the file as binary.
func isBinary(data []byte) bool {
	sniff := data
	if len(sniff) > 8000 {
		sniff = sniff[:8000]
	}
	for _, b := range sniff {
		if b == 0 {
			return true
		}
	}
	// Only reject on invalid UTF-8 when we sniffed the whole file; a
	// truncated sniff may split a multi-byte rune.
	if len(data) <= 8000 && !utf8.Valid(sniff) {
		return true
	}
	return false
}

type writeFileParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Base64  bool   `json:"base64,omitempty"`
	Mode    string `json:"mode,omitempty"`
}

func (s *Server) writeFile(payload json.RawMessage) (any, error) {
	var params writeFileParams
	if err := decodeParams(payload, &params); err != nil {
		return nil, err
	}
	if params.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data := []byte(params.Content)
	if params.Base64 {
		decoded, err := base64.StdEncoding.DecodeString(params.Content)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 content: %w", err)
		}
		data = decoded
	}

	if err := os.MkdirAll(filepath.Dir(params.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create parent directory: %w", err)
	}
	if err := os.WriteFile(params.Path, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	if params.Mode != "" {
		mode, err := parseFileMode(params.Mode)
		if err != nil {
			return nil, err
		}
		if err := os.Chmod(params.Path, mode); err != nil {
			return nil, fmt.Errorf("failed to chmod: %w", err)
		}
	}

	return map[string]any{"path": params.Path, "bytes_written": len(data)}, nil
}

func parseFileMode(s string) (os.FileMode, error) {
	var mode uint32
	if _, err := fmt.Sscanf(s, "%o", &mode); err != nil {
		return 0, fmt.Errorf("invalid file mode %q: %w", s, err)
	}
	return os.FileMode(mode), nil
}

type readDirectoryParams struct {
	Path string `json:"path"`
}

// DirEntry is one directory listing entry.
type DirEntry struct {
	Name string `json:"name"`
	Type string `json:"type"` // file, directory, or symlink
}

func (s *Server) readDirectory(payload json.RawMessage) (any, error) {
	var params readDirectoryParams
	if err := decodeParams(payload, &params); err != nil {
		return nil, err
	}
	if params.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	entries, err := os.ReadDir(params.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		entryType := "file"
		if e.Type()&os.ModeSymlink != 0 {
			entryType = "symlink"
		} else if e.IsDir() {
			entryType = "directory"
		}
		out = append(out, DirEntry{Name: e.Name(), Type: entryType})
	}
	return map[string]any{"entries": out}, nil
}
