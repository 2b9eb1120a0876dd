package preview

import (
	"fmt"
	"strings"

	"github.com/user/gopherline/internal/types"
)

var searchTools = newToolSet("grep", "glob", "search", "find", "ripgrep", "file_search")

type searchMatch struct {
	file    string
	line    int64
	content string
}

// SearchGenerator previews grep-style matches grouped by file and glob-style
// file lists.
type SearchGenerator struct{}

func NewSearchGenerator() *SearchGenerator { return &SearchGenerator{} }

func (g *SearchGenerator) Name() string { return "search" }

func (g *SearchGenerator) CanHandle(tool ToolDescriptor, raw any) bool {
	if m, ok := asMap(raw); ok {
		if _, ok := m["matches"].([]any); ok {
			return true
		}
		if _, ok := m["files"].([]any); ok {
			return true
		}
	}
	if _, ok := raw.([]any); ok {
		return searchTools.has(tool)
	}
	return false
}

func (g *SearchGenerator) Generate(tool ToolDescriptor, args map[string]any, raw any, opts Options) (*types.Preview, error) {
	pattern := stringField(args, "pattern", "query", "regex", "glob")
	if m, ok := asMap(raw); ok {
		if list, ok := m["matches"].([]any); ok {
			total, _ := numberField(m, "totalMatches", "total")
			return grepPreview(parseMatches(list), int(total), pattern, opts), nil
		}
		if list, ok := m["files"].([]any); ok {
			total, _ := numberField(m, "totalFiles", "total")
			return globPreview(stringList(list), int(total), pattern, opts), nil
		}
	}
	if list, ok := raw.([]any); ok {
		return globPreview(stringList(list), 0, pattern, opts), nil
	}
	return nil, fmt.Errorf("unrecognised search result %T", raw)
}

func parseMatches(list []any) []searchMatch {
	out := make([]searchMatch, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		line, _ := numberField(m, "line", "lineNumber")
		out = append(out, searchMatch{
			file:    stringField(m, "file", "path"),
			line:    line,
			content: stringField(m, "content", "text", "match"),
		})
	}
	return out
}

func stringList(list []any) []string {
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func grepPreview(matches []searchMatch, total int, pattern string, opts Options) *types.Preview {
	if total < len(matches) {
		total = len(matches)
	}

	var order []string
	groups := make(map[string][]searchMatch)
	for _, m := range matches {
		if _, ok := groups[m.file]; !ok {
			order = append(order, m.file)
		}
		groups[m.file] = append(groups[m.file], m)
	}

	var lines []string
	shown := 0
	budget := opts.MaxBriefLines
brief:
	for _, file := range order {
		if len(lines)+1 >= budget {
			break
		}
		lines = append(lines, file)
		for _, m := range groups[file] {
			if len(lines) >= budget {
				break brief
			}
			lines = append(lines, fmt.Sprintf("  %d: %s", m.line, strings.TrimSpace(m.content)))
			shown++
		}
	}

	brief := strings.Join(lines, "\n")
	if shown < total {
		brief += fmt.Sprintf("\n\nShowing %d of %d matches. Narrow your search to see more specific results.", shown, total)
	}

	p := &types.Preview{
		ContentType:    types.PreviewText,
		BriefContent:   brief,
		HasFullContent: shown < len(matches),
		Metadata: map[string]any{
			"searchType":   "grep",
			"totalMatches": total,
			"shownMatches": shown,
			"fileCount":    len(order),
			"truncated":    shown < total,
		},
	}
	if pattern != "" {
		p.Metadata["pattern"] = pattern
	}
	if opts.GenerateFullContent && p.HasFullContent {
		var all []string
		for _, file := range order {
			all = append(all, file)
			for _, m := range groups[file] {
				all = append(all, fmt.Sprintf("  %d: %s", m.line, strings.TrimSpace(m.content)))
			}
		}
		if full := strings.Join(all, "\n"); opts.fits(full) {
			p.FullContent = full
		}
	}
	return p
}

func globPreview(files []string, total int, pattern string, opts Options) *types.Preview {
	if total < len(files) {
		total = len(files)
	}
	shown := min(len(files), opts.MaxBriefLines)
	brief := strings.Join(files[:shown], "\n")
	if shown < total {
		brief += fmt.Sprintf("\n\nShowing %d of %d files. Narrow your search to see more specific results.", shown, total)
	}

	p := &types.Preview{
		ContentType:    types.PreviewText,
		BriefContent:   brief,
		HasFullContent: shown < len(files),
		Metadata: map[string]any{
			"searchType":   "glob",
			"totalMatches": total,
			"shownMatches": shown,
			"truncated":    shown < total,
		},
	}
	if pattern != "" {
		p.Metadata["pattern"] = pattern
	}
	if opts.GenerateFullContent && p.HasFullContent {
		if full := strings.Join(files, "\n"); opts.fits(full) {
			p.FullContent = full
		}
	}
	return p
}
