package preview

import (
	"fmt"
	"sort"
	"strings"

	"github.com/user/gopherline/internal/types"
)

var directoryTools = newToolSet("ls", "list_directory", "list_dir", "directory_list")

type dirEntry struct {
	name  string
	isDir bool
	size  int64
}

// DirectoryGenerator previews directory listings, directories first.
type DirectoryGenerator struct{}

func NewDirectoryGenerator() *DirectoryGenerator { return &DirectoryGenerator{} }

func (g *DirectoryGenerator) Name() string { return "directory" }

func (g *DirectoryGenerator) CanHandle(tool ToolDescriptor, raw any) bool {
	m, ok := asMap(raw)
	if !ok {
		return false
	}
	entries, ok := m["entries"].([]any)
	if !ok {
		return false
	}
	if directoryTools.has(tool) || len(entries) == 0 {
		return true
	}
	first, ok := entries[0].(map[string]any)
	return ok && hasAnyKey(first, "isDirectory", "type")
}

func (g *DirectoryGenerator) Generate(tool ToolDescriptor, args map[string]any, raw any, opts Options) (*types.Preview, error) {
	m, _ := asMap(raw)
	list, ok := m["entries"].([]any)
	if !ok {
		return nil, fmt.Errorf("directory result has no entries")
	}

	entries := make([]dirEntry, 0, len(list))
	var files, dirs int
	for _, item := range list {
		em, ok := item.(map[string]any)
		if !ok {
			continue
		}
		e := dirEntry{name: stringField(em, "name", "path")}
		if b, ok := em["isDirectory"].(bool); ok {
			e.isDir = b
		} else {
			e.isDir = stringField(em, "type") == "directory"
		}
		e.size, _ = numberField(em, "size")
		if e.isDir {
			dirs++
		} else {
			files++
		}
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].isDir != entries[j].isDir {
			return entries[i].isDir
		}
		return entries[i].name < entries[j].name
	})

	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = formatEntry(e)
	}

	shown := min(len(lines), opts.MaxBriefLines)
	brief := strings.Join(lines[:shown], "\n")
	if shown < len(lines) {
		brief += fmt.Sprintf("\n... and %d more entries", len(lines)-shown)
	}

	path := stringField(args, "path", "dir", "directory")
	if path == "" {
		path = stringField(m, "path")
	}
	p := &types.Preview{
		ContentType:    types.PreviewDirectory,
		BriefContent:   brief,
		HasFullContent: shown < len(lines),
		Metadata: map[string]any{
			"totalFiles":       files,
			"totalDirectories": dirs,
			"shownEntries":     shown,
		},
	}
	if path != "" {
		p.Metadata["path"] = path
	}
	if opts.GenerateFullContent && p.HasFullContent {
		full := strings.Join(lines, "\n")
		if opts.fits(full) {
			p.FullContent = full
		}
	}
	return p, nil
}

func formatEntry(e dirEntry) string {
	if e.isDir {
		return fmt.Sprintf("%10s  %s/", "<dir>", e.name)
	}
	return fmt.Sprintf("%10s  %s", FormatSize(e.size), e.name)
}

// FormatSize renders a byte count in B, KB, MB or GB with one decimal.
func FormatSize(n int64) string {
	const unit = 1024
	switch {
	case n < unit:
		return fmt.Sprintf("%d B", n)
	case n < unit*unit:
		return fmt.Sprintf("%.1f KB", float64(n)/unit)
	case n < unit*unit*unit:
		return fmt.Sprintf("%.1f MB", float64(n)/(unit*unit))
	default:
		return fmt.Sprintf("%.1f GB", float64(n)/(unit*unit*unit))
	}
}
