package preview

import (
	"fmt"

	"github.com/user/gopherline/internal/types"
)

// ErrorGenerator previews failed tool results.
type ErrorGenerator struct{}

func NewErrorGenerator() *ErrorGenerator { return &ErrorGenerator{} }

func (g *ErrorGenerator) Name() string { return "error" }

func (g *ErrorGenerator) CanHandle(_ ToolDescriptor, raw any) bool {
	if _, ok := raw.(error); ok {
		return true
	}
	m, ok := asMap(raw)
	if !ok {
		return false
	}
	if _, ok := m["error"]; ok {
		return true
	}
	if success, ok := m["success"].(bool); ok && !success {
		return hasAnyKey(m, "message")
	}
	return false
}

func (g *ErrorGenerator) Generate(_ ToolDescriptor, _ map[string]any, raw any, opts Options) (*types.Preview, error) {
	msg, stack, err := errorFields(raw)
	if err != nil {
		return nil, err
	}
	return ErrorPreview(msg, stack, opts), nil
}

func errorFields(raw any) (msg, stack string, err error) {
	if e, ok := raw.(error); ok {
		return e.Error(), "", nil
	}
	m, _ := asMap(raw)
	switch v := m["error"].(type) {
	case string:
		return v, stringField(m, "stack", "stackTrace"), nil
	case map[string]any:
		return stringField(v, "message", "error"), stringField(v, "stack", "stackTrace"), nil
	case nil:
		if msg := stringField(m, "message"); msg != "" {
			return msg, stringField(m, "stack", "stackTrace"), nil
		}
	}
	return "", "", fmt.Errorf("error result has no message")
}

// ErrorPreview renders a message as the brief and the stack as full content.
func ErrorPreview(message, stack string, opts Options) *types.Preview {
	opts = opts.normalize()
	brief, _, _ := briefWithMarker(message, opts.MaxBriefLines)
	p := &types.Preview{
		ContentType:    types.PreviewError,
		BriefContent:   brief,
		HasFullContent: stack != "",
		Metadata:       map[string]any{"hasStack": stack != ""},
	}
	if stack != "" && opts.fits(stack) {
		p.FullContent = stack
	}
	return p
}
