package preview

import (
	"fmt"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/user/gopherline/internal/types"
)

var fetchTools = newToolSet("web_fetch", "fetch", "read_url", "http_get", "browse")

// HTMLGenerator converts fetched HTML pages to Markdown before previewing.
type HTMLGenerator struct{}

func NewHTMLGenerator() *HTMLGenerator { return &HTMLGenerator{} }

func (g *HTMLGenerator) Name() string { return "html" }

func (g *HTMLGenerator) CanHandle(tool ToolDescriptor, raw any) bool {
	body, contentType := htmlBody(raw)
	if body == "" {
		return false
	}
	if strings.Contains(contentType, "text/html") {
		return true
	}
	return fetchTools.has(tool) && looksLikeHTML(body)
}

func htmlBody(raw any) (body, contentType string) {
	switch v := raw.(type) {
	case string:
		return v, ""
	case map[string]any:
		return stringField(v, "body", "content", "html"), strings.ToLower(stringField(v, "contentType", "content_type"))
	}
	return "", ""
}

func looksLikeHTML(s string) bool {
	head := strings.ToLower(s[:min(len(s), 1024)])
	for _, tag := range []string{"<!doctype html", "<html", "<body", "<div", "<p>", "<head"} {
		if strings.Contains(head, tag) {
			return true
		}
	}
	return false
}

func (g *HTMLGenerator) Generate(_ ToolDescriptor, args map[string]any, raw any, opts Options) (*types.Preview, error) {
	body, _ := htmlBody(raw)
	md, err := htmltomarkdown.ConvertString(body)
	if err != nil {
		return nil, fmt.Errorf("convert html: %w", err)
	}
	p := textPreview(strings.TrimSpace(md), "", opts)
	p.Metadata["sourceFormat"] = "html"
	if url := stringField(args, "url"); url != "" {
		p.Metadata["url"] = url
	}
	return p, nil
}
