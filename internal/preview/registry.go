package preview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/gopherline/internal/types"
)

const defaultGenerateTimeout = 250 * time.Millisecond

// Registry holds generators in registration order plus an explicit tool-id
// mapping. Resolution checks the explicit mapping first and otherwise returns
// the first generator whose CanHandle accepts the result, so registration
// order is significant.
type Registry struct {
	mu         sync.RWMutex
	generators []Generator
	byTool     map[string]Generator
	opts       Options
	timeout    time.Duration
	counter    TokenCounter
	logger     *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithTimeout bounds the wall time of a single Generate call.
func WithTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.timeout = d }
}

func WithOptions(o Options) RegistryOption {
	return func(r *Registry) { r.opts = o }
}

func WithTokenCounter(c TokenCounter) RegistryOption {
	return func(r *Registry) { r.counter = c }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		byTool:  make(map[string]Generator),
		opts:    DefaultOptions(),
		timeout: defaultGenerateTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.opts = r.opts.normalize()
	return r
}

// NewDefaultRegistry creates a registry with the built-in generators. Errors
// and binary payloads are checked before the structural generators, and the
// catch-all text and JSON generators come last.
func NewDefaultRegistry(opts ...RegistryOption) *Registry {
	r := NewRegistry(opts...)
	r.Register(NewErrorGenerator())
	r.Register(NewBinaryGenerator())
	r.Register(NewDiffGenerator())
	r.Register(NewDirectoryGenerator())
	r.Register(NewSearchGenerator())
	r.Register(NewHTMLGenerator())
	r.Register(NewTextGenerator())
	r.Register(NewJSONGenerator())
	return r
}

// Register appends g to the ordered generator list.
func (r *Registry) Register(g Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generators = append(r.generators, g)
}

// MapTool binds toolID to g, bypassing first-match resolution for that tool.
func (r *Registry) MapTool(toolID string, g Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTool[toolID] = g
}

// Options returns the registry's default generation options.
func (r *Registry) Options() Options {
	return r.opts
}

// Resolve returns the generator for the result, or nil.
func (r *Registry) Resolve(tool ToolDescriptor, raw any) Generator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if g, ok := r.byTool[tool.ID]; ok {
		return g
	}
	for _, g := range r.generators {
		if g.CanHandle(tool, raw) {
			return g
		}
	}
	return nil
}

// TryGenerate runs the resolved generator under the registry's timeout and
// returns a *GeneratorError on failure. A nil preview with a nil error means
// no generator matched.
func (r *Registry) TryGenerate(ctx context.Context, tool ToolDescriptor, args map[string]any, raw any, opts Options) (*types.Preview, error) {
	g := r.Resolve(tool, raw)
	if g == nil {
		return nil, nil
	}
	opts = opts.normalize()
	if opts.CountTokens == nil {
		opts.CountTokens = r.counter
	}

	type result struct {
		preview *types.Preview
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- result{err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		p, err := g.Generate(tool, args, raw, opts)
		ch <- result{preview: p, err: err}
	}()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, &GeneratorError{Generator: g.Name(), Tool: tool.ID, Err: res.err}
		}
		return enforceBounds(res.preview, opts), nil
	case <-ctx.Done():
		return nil, &GeneratorError{Generator: g.Name(), Tool: tool.ID, Err: ctx.Err()}
	}
}

// Generate is TryGenerate with every failure mapped to "no preview".
func (r *Registry) Generate(ctx context.Context, tool ToolDescriptor, args map[string]any, raw any, opts Options) *types.Preview {
	p, err := r.TryGenerate(ctx, tool, args, raw, opts)
	if err != nil {
		var genErr *GeneratorError
		if errors.As(err, &genErr) && errors.Is(genErr.Err, context.DeadlineExceeded) {
			r.logger.Warn("preview generation timed out", "generator", genErr.Generator, "tool", tool.ID, "timeout", r.timeout)
		} else {
			r.logger.Error("preview generation failed", "tool", tool.ID, "error", err)
		}
		return nil
	}
	return p
}

// ForExecution builds the preview for a tool execution: an error preview for
// failed executions, otherwise whatever the result resolves to.
func (r *Registry) ForExecution(ctx context.Context, exec *types.ToolExecution, opts Options) *types.Preview {
	if exec == nil {
		return nil
	}
	if exec.Error != nil && exec.Error.Message != "" {
		return ErrorPreview(exec.Error.Message, exec.Error.Stack, opts.normalize())
	}
	if exec.Result == nil {
		return nil
	}
	tool := ToolDescriptor{ID: exec.ToolID, Name: exec.ToolName}
	return r.Generate(ctx, tool, exec.Args, exec.Result, opts)
}

// enforceBounds drops full content that exceeds the cap, whatever the
// generator did.
func enforceBounds(p *types.Preview, opts Options) *types.Preview {
	if p == nil || opts.fits(p.FullContent) {
		return p
	}
	cp := *p
	cp.FullContent = ""
	return &cp
}

// ExecutionPreviewer adapts a Registry to the timeline's previewer contract
// with fixed per-session options.
type ExecutionPreviewer struct {
	Registry *Registry
	Options  Options
}

func (p ExecutionPreviewer) Preview(ctx context.Context, exec *types.ToolExecution) *types.Preview {
	if p.Registry == nil {
		return nil
	}
	return p.Registry.ForExecution(ctx, exec, p.Options)
}

// SessionLookup resolves a session's stored configuration.
type SessionLookup interface {
	GetSession(ctx context.Context, id types.SessionID) (*types.Session, error)
}

// SessionPreviewer is an ExecutionPreviewer that also attaches full content
// for sessions configured with GenerateFullPreview.
type SessionPreviewer struct {
	ExecutionPreviewer
	Sessions SessionLookup
}

func (p SessionPreviewer) Preview(ctx context.Context, exec *types.ToolExecution) *types.Preview {
	opts := p.Options
	if !opts.GenerateFullContent && p.Sessions != nil && exec.SessionID != "" {
		if sess, err := p.Sessions.GetSession(ctx, exec.SessionID); err == nil && sess.Config.GenerateFullPreview {
			opts.GenerateFullContent = true
		}
	}
	return ExecutionPreviewer{Registry: p.Registry, Options: opts}.Preview(ctx, exec)
}
