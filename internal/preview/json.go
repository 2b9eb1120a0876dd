package preview

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/user/gopherline/internal/types"
)

// JSONGenerator pretty-prints structured results that nothing else claimed.
type JSONGenerator struct{}

func NewJSONGenerator() *JSONGenerator { return &JSONGenerator{} }

func (g *JSONGenerator) Name() string { return "json" }

func (g *JSONGenerator) CanHandle(_ ToolDescriptor, raw any) bool {
	switch raw.(type) {
	case map[string]any, []any, float64, bool:
		return true
	}
	return false
}

func (g *JSONGenerator) Generate(_ ToolDescriptor, _ map[string]any, raw any, opts Options) (*types.Preview, error) {
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	text := string(data)
	brief, truncated, total := truncateLines(text, opts.MaxBriefLines)
	briefLen := len(brief)
	if truncated {
		brief += truncationMarker
	}

	p := &types.Preview{
		ContentType:    types.PreviewJSON,
		BriefContent:   brief,
		HasFullContent: len(text) > briefLen,
		Metadata:       map[string]any{"totalLines": total},
	}
	switch v := raw.(type) {
	case map[string]any:
		p.Metadata["keys"] = len(v)
	case []any:
		p.Metadata["length"] = len(v)
	}
	if opts.GenerateFullContent && p.HasFullContent && opts.fits(text) {
		p.FullContent = text
	}
	return p, nil
}

// BinaryGenerator summarises binary payloads without rendering them.
type BinaryGenerator struct{}

func NewBinaryGenerator() *BinaryGenerator { return &BinaryGenerator{} }

func (g *BinaryGenerator) Name() string { return "binary" }

func (g *BinaryGenerator) CanHandle(_ ToolDescriptor, raw any) bool {
	if _, ok := raw.([]byte); ok {
		return true
	}
	m, ok := asMap(raw)
	if !ok {
		return false
	}
	if b, ok := m["binary"].(bool); ok && b {
		return true
	}
	return stringField(m, "encoding") == "base64"
}

func (g *BinaryGenerator) Generate(_ ToolDescriptor, args map[string]any, raw any, _ Options) (*types.Preview, error) {
	var size int64
	var mime string
	switch v := raw.(type) {
	case []byte:
		size = int64(len(v))
	case map[string]any:
		mime = stringField(v, "mimeType", "mime_type", "contentType")
		if n, ok := numberField(v, "size"); ok {
			size = n
		} else if data := stringField(v, "data", "content"); data != "" {
			size = int64(base64.StdEncoding.DecodedLen(len(data)))
		}
	}

	brief := fmt.Sprintf("Binary content (%s)", FormatSize(size))
	if mime != "" {
		brief = fmt.Sprintf("Binary content, %s (%s)", mime, FormatSize(size))
	}
	p := &types.Preview{
		ContentType:  types.PreviewBinary,
		BriefContent: brief,
		Metadata:     map[string]any{"size": size},
	}
	if mime != "" {
		p.Metadata["mimeType"] = mime
	}
	if path := filePathArg(args, raw); path != "" {
		p.Metadata["filePath"] = path
	}
	return p, nil
}
