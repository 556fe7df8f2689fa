package openmcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gobwas/glob"
	"github.com/qri-io/jsonschema"
)

// ToolHandler is the callable behind a registered tool. The arguments have
// already been validated against the tool's input schema. The returned value
// is normalized with NormalizeToolResult; a returned error becomes an
// application-level result with isError set, except that a JSONRPCError, or
// any error once ctx is done, is returned as a JSON-RPC error.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// ToolSpec describes a tool registered with a ToolsService.
type ToolSpec struct {
	Name        string
	Title       string
	Description string

	// InputSchema validates tools/call arguments. When nil any arguments
	// are accepted.
	InputSchema *jsonschema.Schema

	// OutputSchema optionally describes the structured content of results.
	OutputSchema *jsonschema.Schema

	// Annotations carries optional display metadata.
	Annotations *ToolAnnotations

	// Enabled optionally hides the tool at runtime. A nil predicate means
	// always enabled. Disabled tools remain registered but are invisible to
	// list and call operations.
	Enabled func(ctx context.Context) bool

	// Handler is invoked by tools/call.
	Handler ToolHandler
}

// ToolsService owns the server's tool registry: registration, allow-list
// gating, argument validation, result normalization, and list-changed
// fan-out.
type ToolsService struct {
	srv *Server

	mu    sync.Mutex
	specs map[string]ToolSpec
	order []string

	allowPatterns []string
	allow         []glob.Glob

	observers *observerRegistry
}

func newToolsService(srv *Server) *ToolsService {
	return &ToolsService{
		srv:       srv,
		specs:     make(map[string]ToolSpec),
		observers: newObserverRegistry(methodNotificationsToolsListChanged, srv.sendTimeout, srv.logger),
	}
}

// Register adds or replaces a tool. Registering a duplicate name replaces the
// prior entry. After the server has started serving, registration succeeds
// only when dynamic capabilities are enabled, in which case every connected
// observer receives notifications/tools/list_changed.
func (s *ToolsService) Register(spec ToolSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("tool name must be non-empty")
	}
	if spec.Handler == nil {
		return fmt.Errorf("tool %q requires a handler", spec.Name)
	}
	if err := s.srv.registryMutable("tools"); err != nil {
		return err
	}

	s.mu.Lock()
	if _, exists := s.specs[spec.Name]; !exists {
		s.order = append(s.order, spec.Name)
	}
	s.specs[spec.Name] = spec
	s.mu.Unlock()

	s.notifyIfServing()
	return nil
}

// Unregister removes a tool by name. Removing an unknown name is a no-op.
func (s *ToolsService) Unregister(name string) error {
	if err := s.srv.registryMutable("tools"); err != nil {
		return err
	}

	s.mu.Lock()
	if _, exists := s.specs[name]; exists {
		delete(s.specs, name)
		for i, n := range s.order {
			if n == name {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	s.notifyIfServing()
	return nil
}

// Allow restricts the visible tools to names matching the given glob
// patterns. Passing no patterns removes the restriction.
func (s *ToolsService) Allow(patterns ...string) error {
	compiled := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return fmt.Errorf("failed to compile allow pattern %q: %w", pattern, err)
		}
		compiled = append(compiled, g)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowPatterns = patterns
	if len(compiled) == 0 {
		s.allow = nil
		return nil
	}
	s.allow = compiled
	return nil
}

// Names returns the registered tool names in registration order, ignoring
// allow-list and enabled filtering.
func (s *ToolsService) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, len(s.order))
	copy(names, s.order)
	return names
}

func (s *ToolsService) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.specs)
}

func (s *ToolsService) notifyIfServing() {
	if s.srv.serving() {
		go s.observers.broadcast()
	}
}

// visible reports whether the spec passes both the allow-list and its own
// enabled predicate. Callers must not hold s.mu; the predicate is user code.
func (s *ToolsService) visible(ctx context.Context, spec ToolSpec) bool {
	s.mu.Lock()
	allow := s.allow
	s.mu.Unlock()

	if allow != nil {
		matched := false
		for _, g := range allow {
			if g.Match(spec.Name) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if spec.Enabled != nil && !spec.Enabled(ctx) {
		return false
	}
	return true
}

func (s *ToolsService) snapshot() []ToolSpec {
	s.mu.Lock()
	defer s.mu.Unlock()

	specs := make([]ToolSpec, 0, len(s.order))
	for _, name := range s.order {
		specs = append(specs, s.specs[name])
	}
	return specs
}

func (s *ToolsService) list(ctx context.Context, sess *ServerSession, params ListToolsParams) (ListToolsResult, error) {
	if s.srv.flags.ToolsChanged {
		s.observers.observe(sess)
	}

	var tools []Tool
	for _, spec := range s.snapshot() {
		if !s.visible(ctx, spec) {
			continue
		}
		tools = append(tools, Tool{
			Name:         spec.Name,
			Title:        spec.Title,
			Description:  spec.Description,
			InputSchema:  spec.InputSchema,
			OutputSchema: spec.OutputSchema,
			Annotations:  spec.Annotations,
		})
	}

	page, next, err := paginate(tools, params.Cursor, s.srv.pageSize)
	if err != nil {
		return ListToolsResult{}, err
	}
	return ListToolsResult{Tools: page, NextCursor: next}, nil
}

func (s *ToolsService) call(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	s.mu.Lock()
	spec, ok := s.specs[params.Name]
	s.mu.Unlock()

	if !ok || !s.visible(ctx, spec) {
		return CallToolResult{}, errInvalidParams("unknown tool: %s", params.Name)
	}

	if spec.InputSchema != nil {
		args := params.Arguments
		if args == nil {
			args = map[string]any{}
		}
		data, err := json.Marshal(args)
		if err != nil {
			return CallToolResult{}, errInvalidParams("failed to encode arguments: %s", err.Error())
		}
		keyErrs, err := spec.InputSchema.ValidateBytes(ctx, data)
		if err != nil {
			return CallToolResult{}, errInternal(fmt.Errorf("failed to validate arguments: %w", err))
		}
		if len(keyErrs) > 0 {
			first := keyErrs[0]
			return CallToolResult{}, JSONRPCError{
				Code:    CodeInvalidParams,
				Message: fmt.Sprintf("invalid arguments for tool %s: %s", params.Name, first.Message),
				Data: map[string]any{
					"property":   first.PropertyPath,
					"constraint": first.Message,
				},
			}
		}
	}

	result, err := s.invoke(ctx, spec, params.Arguments)
	if err != nil {
		// Explicit protocol errors propagate as JSON-RPC errors; anything
		// else is an application error reported inside the tool result.
		var jerr JSONRPCError
		if errors.As(err, &jerr) {
			return CallToolResult{}, jerr
		}
		if ctx.Err() != nil {
			return CallToolResult{}, ctx.Err()
		}
		return toolErrorResult(err), nil
	}

	normalized, err := NormalizeToolResult(result)
	if err != nil {
		return CallToolResult{}, errInternal(err)
	}
	return normalized, nil
}

// invoke runs the handler and converts panics into errors so a misbehaving
// tool cannot take down the session.
func (s *ToolsService) invoke(ctx context.Context, spec ToolSpec, args map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", spec.Name, r)
		}
	}()

	if args == nil {
		args = map[string]any{}
	}
	return spec.Handler(ctx, args)
}

// NotifyListChanged broadcasts notifications/tools/list_changed to every
// observing session.
func (s *ToolsService) NotifyListChanged() {
	s.observers.broadcast()
}

func (s *ToolsService) removeSession(sess *ServerSession) {
	s.observers.remove(sess)
}
