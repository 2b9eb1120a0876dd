package preview

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/gopherline/internal/types"
)

type stubGenerator struct {
	name    string
	handles bool
	preview *types.Preview
	err     error
	panics  bool
	delay   time.Duration
}

func (g *stubGenerator) Name() string { return g.name }

func (g *stubGenerator) CanHandle(ToolDescriptor, any) bool { return g.handles }

func (g *stubGenerator) Generate(ToolDescriptor, map[string]any, any, Options) (*types.Preview, error) {
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	if g.panics {
		panic("generator exploded")
	}
	return g.preview, g.err
}

func quietRegistry(opts ...RegistryOption) *Registry {
	opts = append([]RegistryOption{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return NewRegistry(opts...)
}

func TestRegistry_FirstMatchInRegistrationOrder(t *testing.T) {
	r := quietRegistry()
	first := &stubGenerator{name: "first", handles: true, preview: &types.Preview{BriefContent: "first"}}
	second := &stubGenerator{name: "second", handles: true, preview: &types.Preview{BriefContent: "second"}}
	r.Register(&stubGenerator{name: "never", handles: false})
	r.Register(first)
	r.Register(second)

	assert.Same(t, first, r.Resolve(ToolDescriptor{ID: "any"}, "x"))
	p := r.Generate(context.Background(), ToolDescriptor{ID: "any"}, nil, "x", DefaultOptions())
	require.NotNil(t, p)
	assert.Equal(t, "first", p.BriefContent)
}

func TestRegistry_ExplicitMappingWins(t *testing.T) {
	r := quietRegistry()
	fallback := &stubGenerator{name: "fallback", handles: true}
	mapped := &stubGenerator{name: "mapped", handles: false, preview: &types.Preview{BriefContent: "mapped"}}
	r.Register(fallback)
	r.MapTool("special", mapped)

	assert.Same(t, mapped, r.Resolve(ToolDescriptor{ID: "special"}, nil))
	assert.Same(t, fallback, r.Resolve(ToolDescriptor{ID: "other"}, nil))
}

func TestRegistry_NoGenerator(t *testing.T) {
	r := quietRegistry()
	p, err := r.TryGenerate(context.Background(), ToolDescriptor{ID: "x"}, nil, "x", DefaultOptions())
	assert.NoError(t, err)
	assert.Nil(t, p)
}

func TestRegistry_FailuresBecomeNil(t *testing.T) {
	tests := []struct {
		name string
		gen  *stubGenerator
		want error
	}{
		{"error", &stubGenerator{name: "err", handles: true, err: errors.New("bad input")}, nil},
		{"panic", &stubGenerator{name: "panic", handles: true, panics: true}, nil},
		{"timeout", &stubGenerator{name: "slow", handles: true, delay: 200 * time.Millisecond, preview: &types.Preview{}}, context.DeadlineExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := quietRegistry(WithTimeout(20 * time.Millisecond))
			r.Register(tt.gen)

			_, err := r.TryGenerate(context.Background(), ToolDescriptor{ID: "t"}, nil, "x", DefaultOptions())
			var genErr *GeneratorError
			require.ErrorAs(t, err, &genErr)
			assert.Equal(t, tt.gen.name, genErr.Generator)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}

			assert.Nil(t, r.Generate(context.Background(), ToolDescriptor{ID: "t"}, nil, "x", DefaultOptions()))
		})
	}
}

func TestRegistry_DropsOversizedFullContent(t *testing.T) {
	r := quietRegistry()
	r.Register(&stubGenerator{name: "big", handles: true, preview: &types.Preview{
		BriefContent:   "brief",
		FullContent:    "0123456789abcdef",
		HasFullContent: true,
	}})
	opts := DefaultOptions()
	opts.MaxFullContentSize = 8

	p := r.Generate(context.Background(), ToolDescriptor{}, nil, "x", opts)
	require.NotNil(t, p)
	assert.Empty(t, p.FullContent)
	assert.True(t, p.HasFullContent)
}

func TestRegistry_ForExecution(t *testing.T) {
	r := NewDefaultRegistry(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	ctx := context.Background()

	failed := &types.ToolExecution{
		ToolID: "bash",
		Status: types.ExecError,
		Error:  &types.ExecutionError{Message: "exit status 1", Stack: "trace"},
	}
	p := r.ForExecution(ctx, failed, DefaultOptions())
	require.NotNil(t, p)
	assert.Equal(t, types.PreviewError, p.ContentType)
	assert.Equal(t, "exit status 1", p.BriefContent)

	assert.Nil(t, r.ForExecution(ctx, &types.ToolExecution{ToolID: "bash", Status: types.ExecRunning}, DefaultOptions()))

	edit := &types.ToolExecution{
		ToolID: "file_write",
		Status: types.ExecCompleted,
		Args:   map[string]any{"path": "a.txt", "content": "a\nb"},
		Result: map[string]any{"ok": true},
	}
	p = r.ForExecution(ctx, edit, DefaultOptions())
	require.NotNil(t, p)
	assert.Equal(t, types.PreviewDiff, p.ContentType)
	assert.Equal(t, 2, p.Metadata["additions"])
}

func TestDefaultRegistry_Classification(t *testing.T) {
	r := NewDefaultRegistry()
	tests := []struct {
		tool ToolDescriptor
		raw  any
		want string
	}{
		{ToolDescriptor{ID: "bash"}, map[string]any{"error": "denied"}, "error"},
		{ToolDescriptor{ID: "read_file"}, map[string]any{"encoding": "base64", "data": "AAAA"}, "binary"},
		{ToolDescriptor{ID: "edit"}, "ok", "diff"},
		{ToolDescriptor{ID: "ls"}, map[string]any{"entries": []any{}}, "directory"},
		{ToolDescriptor{ID: "grep"}, map[string]any{"matches": []any{}}, "search"},
		{ToolDescriptor{ID: "web_fetch"}, "<html><body>x</body></html>", "html"},
		{ToolDescriptor{ID: "bash"}, map[string]any{"stdout": "hi"}, "text"},
		{ToolDescriptor{ID: "custom"}, map[string]any{"answer": float64(42)}, "json"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			g := r.Resolve(tt.tool, tt.raw)
			require.NotNil(t, g)
			assert.Equal(t, tt.want, g.Name())
		})
	}
}

func TestExecutionPreviewer(t *testing.T) {
	var nilPreviewer ExecutionPreviewer
	assert.Nil(t, nilPreviewer.Preview(context.Background(), &types.ToolExecution{}))

	p := ExecutionPreviewer{Registry: NewDefaultRegistry(), Options: DefaultOptions()}
	out := p.Preview(context.Background(), &types.ToolExecution{ToolID: "bash", Result: "done"})
	require.NotNil(t, out)
	assert.Equal(t, "done", out.BriefContent)
}

type sessionConfigs map[types.SessionID]types.SessionConfig

func (s sessionConfigs) GetSession(_ context.Context, id types.SessionID) (*types.Session, error) {
	cfg, ok := s[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	return &types.Session{ID: id, Config: cfg}, nil
}

func TestSessionPreviewer_FullContentPerSession(t *testing.T) {
	p := SessionPreviewer{
		ExecutionPreviewer: ExecutionPreviewer{Registry: NewDefaultRegistry(), Options: DefaultOptions()},
		Sessions: sessionConfigs{
			"full":  {GenerateFullPreview: true},
			"brief": {},
		},
	}
	long := strings.Repeat("line\n", 50)

	full := p.Preview(context.Background(), &types.ToolExecution{SessionID: "full", ToolID: "bash", Result: long})
	require.NotNil(t, full)
	assert.Equal(t, long, full.FullContent)

	brief := p.Preview(context.Background(), &types.ToolExecution{SessionID: "brief", ToolID: "bash", Result: long})
	require.NotNil(t, brief)
	assert.True(t, brief.HasFullContent)
	assert.Empty(t, brief.FullContent)

	unknown := p.Preview(context.Background(), &types.ToolExecution{SessionID: "gone", ToolID: "bash", Result: long})
	require.NotNil(t, unknown)
	assert.Empty(t, unknown.FullContent)
}
