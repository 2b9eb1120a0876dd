package preview

import (
	"path/filepath"
	"strings"

	"github.com/user/gopherline/internal/types"
)

var textTools = newToolSet("file_read", "read_file", "view", "cat", "bash", "shell", "exec", "command")

// languages maps file extensions to the language recorded on code previews.
var languages = map[string]string{
	".go":    "go",
	".py":    "python",
	".js":    "javascript",
	".jsx":   "javascript",
	".mjs":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".rs":    "rust",
	".rb":    "ruby",
	".java":  "java",
	".kt":    "kotlin",
	".swift": "swift",
	".c":     "c",
	".h":     "c",
	".cc":    "cpp",
	".cpp":   "cpp",
	".hpp":   "cpp",
	".cs":    "csharp",
	".php":   "php",
	".sh":    "shell",
	".bash":  "shell",
	".zsh":   "shell",
	".sql":   "sql",
	".html":  "html",
	".css":   "css",
	".scss":  "scss",
	".json":  "json",
	".yaml":  "yaml",
	".yml":   "yaml",
	".toml":  "toml",
	".xml":   "xml",
	".proto": "protobuf",
	".lua":   "lua",
	".md":    "markdown",
}

var languageFiles = map[string]string{
	"Dockerfile": "dockerfile",
	"Makefile":   "makefile",
	"go.mod":     "go-module",
}

func languageFor(path string) string {
	if path == "" {
		return ""
	}
	base := filepath.Base(path)
	if lang, ok := languageFiles[base]; ok {
		return lang
	}
	return languages[strings.ToLower(filepath.Ext(base))]
}

// TextGenerator previews plain text and source files. Files with a known
// extension are classified as code.
type TextGenerator struct{}

func NewTextGenerator() *TextGenerator { return &TextGenerator{} }

func (g *TextGenerator) Name() string { return "text" }

func (g *TextGenerator) CanHandle(tool ToolDescriptor, raw any) bool {
	if _, ok := raw.(string); ok {
		return true
	}
	if m, ok := asMap(raw); ok && textContent(m) != "" {
		return true
	}
	return textTools.has(tool) && raw != nil
}

func textContent(m map[string]any) string {
	return stringField(m, "content", "output", "stdout", "text")
}

func (g *TextGenerator) Generate(tool ToolDescriptor, args map[string]any, raw any, opts Options) (*types.Preview, error) {
	var text string
	switch v := raw.(type) {
	case string:
		text = v
	case map[string]any:
		text = textContent(v)
		if stderr := stringField(v, "stderr"); stderr != "" {
			if text != "" {
				text += "\n"
			}
			text += stderr
		}
	}
	p := textPreview(text, filePathArg(args, raw), opts)
	return p, nil
}

// textPreview builds a text or code preview of s.
func textPreview(s, path string, opts Options) *types.Preview {
	brief, truncated, total := truncateLines(s, opts.MaxBriefLines)
	briefLen := len(brief)
	if truncated {
		brief += truncationMarker
	}

	p := &types.Preview{
		ContentType:    types.PreviewText,
		BriefContent:   brief,
		HasFullContent: len(s) > briefLen,
		Metadata: map[string]any{
			"totalLines": total,
			"size":       len(s),
			"truncated":  truncated,
		},
	}
	if path != "" {
		p.Metadata["filePath"] = path
	}
	if lang := languageFor(path); lang != "" {
		p.ContentType = types.PreviewCode
		p.Metadata["language"] = lang
	}
	if opts.CountTokens != nil {
		p.Metadata["estimatedTokens"] = opts.CountTokens(s)
	}
	if opts.GenerateFullContent && p.HasFullContent && opts.fits(s) {
		p.FullContent = s
	}
	return p
}
