// Package preview turns a tool's raw result into a bounded, typed preview.
// Generators are pure; the Registry picks one per result and absorbs every
// failure so that preview generation never holds up the timeline.
package preview

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/user/gopherline/internal/types"
)

const (
	DefaultMaxBriefLines      = 10
	DefaultMaxFullContentSize = 100_000

	// truncationMarker is appended to brief content that was cut short.
	truncationMarker = "\n..."
	// maxBriefLineWidth bounds a single brief line so one huge line cannot
	// defeat the line cap.
	maxBriefLineWidth = 500
)

// ToolDescriptor identifies the tool whose result is being previewed.
type ToolDescriptor struct {
	ID   string
	Name string
}

// TokenCounter estimates the token count of a string.
type TokenCounter func(string) int

type Options struct {
	MaxBriefLines       int
	MaxFullContentSize  int
	GenerateFullContent bool
	// CountTokens is optional; text previews record an estimate when set.
	CountTokens TokenCounter
}

func DefaultOptions() Options {
	return Options{
		MaxBriefLines:      DefaultMaxBriefLines,
		MaxFullContentSize: DefaultMaxFullContentSize,
	}
}

func (o Options) normalize() Options {
	if o.MaxBriefLines <= 0 {
		o.MaxBriefLines = DefaultMaxBriefLines
	}
	if o.MaxFullContentSize <= 0 {
		o.MaxFullContentSize = DefaultMaxFullContentSize
	}
	return o
}

// fits reports whether s may be attached as full content.
func (o Options) fits(s string) bool {
	return len(s) <= o.MaxFullContentSize
}

// Generator classifies and renders one family of tool results.
type Generator interface {
	Name() string
	CanHandle(tool ToolDescriptor, raw any) bool
	Generate(tool ToolDescriptor, args map[string]any, raw any, opts Options) (*types.Preview, error)
}

// GeneratorError records which generator failed for which tool.
type GeneratorError struct {
	Generator string
	Tool      string
	Err       error
}

func (e *GeneratorError) Error() string {
	return fmt.Sprintf("preview generator %s for tool %s: %v", e.Generator, e.Tool, e.Err)
}

func (e *GeneratorError) Unwrap() error { return e.Err }

// truncateLines keeps at most maxLines lines of s, each capped at
// maxBriefLineWidth. The returned brief excludes the marker; callers add it
// when truncated is true.
func truncateLines(s string, maxLines int) (brief string, truncated bool, totalLines int) {
	lines := splitLines(s)
	totalLines = len(lines)
	shown := lines
	if len(shown) > maxLines {
		shown = shown[:maxLines]
		truncated = true
	}
	out := make([]string, len(shown))
	for i, line := range shown {
		if len(line) > maxBriefLineWidth {
			cut := maxBriefLineWidth
			for cut > 0 && !utf8.RuneStart(line[cut]) {
				cut--
			}
			line = line[:cut] + "..."
			truncated = true
		}
		out[i] = line
	}
	return strings.Join(out, "\n"), truncated, totalLines
}

// briefWithMarker applies truncateLines and appends the marker when needed.
func briefWithMarker(s string, maxLines int) (brief string, truncated bool, totalLines int) {
	brief, truncated, totalLines = truncateLines(s, maxLines)
	if truncated {
		return brief + truncationMarker, true, totalLines
	}
	return brief, false, totalLines
}

// splitLines splits on newlines, ignoring a single trailing newline.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	s = strings.TrimSuffix(s, "\n")
	return strings.Split(s, "\n")
}

func asMap(raw any) (map[string]any, bool) {
	m, ok := raw.(map[string]any)
	return m, ok
}

// stringField returns the first non-empty string value among keys.
func stringField(m map[string]any, keys ...string) string {
	if m == nil {
		return ""
	}
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func hasAnyKey(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

func numberField(m map[string]any, keys ...string) (int64, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return int64(v), true
		case int:
			return int64(v), true
		case int64:
			return v, true
		}
	}
	return 0, false
}

func filePathArg(args map[string]any, raw any) string {
	if p := stringField(args, "path", "file_path", "filePath"); p != "" {
		return p
	}
	m, _ := asMap(raw)
	return stringField(m, "path", "file_path", "filePath")
}

type toolSet map[string]bool

func newToolSet(ids ...string) toolSet {
	s := make(toolSet, len(ids))
	for _, id := range ids {
		s[id] = true
	}
	return s
}

func (s toolSet) has(tool ToolDescriptor) bool {
	return s[tool.ID]
}
